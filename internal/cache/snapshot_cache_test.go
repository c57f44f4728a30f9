package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gaigenticai/ComplianceAI-sub001/internal/logic"
	"github.com/gaigenticai/ComplianceAI-sub001/internal/model"
	"github.com/gaigenticai/ComplianceAI-sub001/internal/ruleset"
)

type allKnown struct{}

func (allKnown) Exists(context.Context, string, int64) (bool, error) { return true, nil }

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func newRule(t *testing.T, regulation, code string, threshold int64, scope ...string) *model.CompiledRule {
	slot := model.Slot{RegulationName: regulation, Article: "Art.1", Clause: "1", Jurisdiction: code}
	if len(scope) == 0 {
		scope = []string{code}
	}
	r := &model.CompiledRule{
		RuleID:             fmt.Sprintf("%s_v1_rule_1", slot.ObligationID()),
		SourceObligationID: slot.ObligationID(),
		SourceVersion:      1,
		Part:               1,
		RegulationName:     regulation,
		Article:            slot.Article,
		Clause:             slot.Clause,
		Jurisdiction:       code,
		Level:              model.Level1,
		Text:               "Payments require amount > threshold.",
		Status:             model.RuleStatusActive,
		EffectiveAt:        time.Now().UnixMilli(),
		Scope:              scope,
		CoveredSlots:       []string{model.RuleSlotKey(slot, 1)},
	}
	require.NoError(t, r.SetLogic(logic.Compare("amount", logic.OpGT, logic.Int(threshold))))
	return r
}

func snapshotOf(t *testing.T, rules ...*model.CompiledRule) *ruleset.Snapshot {
	m := ruleset.NewManager(allKnown{})
	m.Start()
	t.Cleanup(m.Stop)
	require.NoError(t, m.Replace(context.Background(), rules, nil))
	return m.CurrentSnapshot()
}

// ========== SnapshotCache 单元测试 ==========

func TestSnapshotCache_WriteAndRead(t *testing.T) {
	mr, rdb := setupTestRedis(t)
	c := NewSnapshotCache(rdb)
	ctx := context.Background()

	de := newRule(t, "KWG", "DE", 100)
	eu := newRule(t, "CRR", "EU", 200, "EU", "DE")
	snap := snapshotOf(t, de, eu)

	require.NoError(t, c.Write(ctx, snap))

	meta, err := c.Meta(ctx)
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.Equal(t, snap.Seq(), meta.Seq)
	assert.Equal(t, snap.Digest(), meta.Digest)
	assert.Equal(t, 2, meta.Rules)
	assert.Equal(t, []string{"DE", "EU"}, meta.Jurisdictions)

	rules, err := c.RulesFor(ctx, "DE")
	require.NoError(t, err)
	require.Len(t, rules, 2)
	ids := []string{rules[0].RuleID, rules[1].RuleID}
	assert.ElementsMatch(t, []string{de.RuleID, eu.RuleID}, ids)
	for _, r := range rules {
		require.NotNil(t, r.Expr())
		assert.True(t, r.Expr().Eval(logic.Case{"amount": 500}))
	}

	rules, err = c.RulesFor(ctx, "EU")
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, eu.LogicHash, rules[0].LogicHash)
	assert.False(t, rules[0].Expr().Eval(logic.Case{"amount": 150}))

	ttl := mr.TTL(fmt.Sprintf(KeyJurisdictionRules, "DE"))
	assert.Equal(t, DefaultSnapshotTTL, ttl)
}

func TestSnapshotCache_Miss(t *testing.T) {
	_, rdb := setupTestRedis(t)
	c := NewSnapshotCache(rdb)
	ctx := context.Background()

	meta, err := c.Meta(ctx)
	require.NoError(t, err)
	assert.Nil(t, meta)

	rules, err := c.RulesFor(ctx, "DE")
	require.NoError(t, err)
	assert.Nil(t, rules)
}

func TestSnapshotCache_RemovesVanishedJurisdictions(t *testing.T) {
	mr, rdb := setupTestRedis(t)
	c := NewSnapshotCache(rdb)
	ctx := context.Background()

	require.NoError(t, c.Write(ctx, snapshotOf(t, newRule(t, "KWG", "DE", 100), newRule(t, "CBI", "IE", 100))))
	assert.True(t, mr.Exists(fmt.Sprintf(KeyJurisdictionRules, "IE")))

	require.NoError(t, c.Write(ctx, snapshotOf(t, newRule(t, "KWG", "DE", 100))))
	assert.False(t, mr.Exists(fmt.Sprintf(KeyJurisdictionRules, "IE")))

	members, err := mr.Members(KeyJurisdictions)
	require.NoError(t, err)
	assert.Equal(t, []string{"DE"}, members)
}

func TestSnapshotCache_TTLExpiry(t *testing.T) {
	mr, rdb := setupTestRedis(t)
	c := NewSnapshotCacheWithTTL(rdb, time.Minute)
	ctx := context.Background()

	require.NoError(t, c.Write(ctx, snapshotOf(t, newRule(t, "KWG", "DE", 100))))
	mr.FastForward(2 * time.Minute)

	meta, err := c.Meta(ctx)
	require.NoError(t, err)
	assert.Nil(t, meta)
	rules, err := c.RulesFor(ctx, "DE")
	require.NoError(t, err)
	assert.Nil(t, rules)
}

func TestSnapshotCache_Clear(t *testing.T) {
	mr, rdb := setupTestRedis(t)
	c := NewSnapshotCache(rdb)
	ctx := context.Background()

	require.NoError(t, c.Write(ctx, snapshotOf(t, newRule(t, "KWG", "DE", 100))))
	require.NoError(t, c.Clear(ctx))
	assert.False(t, mr.Exists(KeySnapshotMeta))
	assert.False(t, mr.Exists(fmt.Sprintf(KeyJurisdictionRules, "DE")))
}

func TestSnapshotCache_RedisDown(t *testing.T) {
	mr, rdb := setupTestRedis(t)
	c := NewSnapshotCache(rdb)
	mr.Close()

	err := c.Write(context.Background(), snapshotOf(t, newRule(t, "KWG", "DE", 100)))
	assert.Error(t, err)
	assert.Error(t, c.Ping(context.Background()))
}

// ========== SnapshotWriter 单元测试 ==========

func TestSnapshotWriter_WritesPublishedSnapshots(t *testing.T) {
	_, rdb := setupTestRedis(t)
	c := NewSnapshotCache(rdb)
	w := NewSnapshotWriter(c, time.Second)

	m := ruleset.NewManager(allKnown{})
	m.OnSwap(w.OnSwap)
	w.Start()
	m.Start()
	ctx := context.Background()

	require.NoError(t, m.Replace(ctx, []*model.CompiledRule{newRule(t, "KWG", "DE", 100)}, nil))
	require.NoError(t, m.Replace(ctx, []*model.CompiledRule{newRule(t, "KWG", "DE", 300)}, nil))
	m.Stop()
	w.Stop()

	meta, err := c.Meta(ctx)
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.Equal(t, m.CurrentSnapshot().Seq(), meta.Seq)
	assert.Equal(t, m.CurrentSnapshot().Digest(), meta.Digest)

	rules, err := c.RulesFor(ctx, "DE")
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.False(t, rules[0].Expr().Eval(logic.Case{"amount": 200}))
}

func TestSnapshotWriter_OnSwapDoesNotBlock(t *testing.T) {
	_, rdb := setupTestRedis(t)
	w := NewSnapshotWriter(NewSnapshotCache(rdb), time.Second)

	// 未启动写入协程时连续回调也不阻塞，只保留最后一个快照
	first := snapshotOf(t, newRule(t, "KWG", "DE", 100))
	second := snapshotOf(t, newRule(t, "KWG", "DE", 200))
	done := make(chan struct{})
	go func() {
		w.OnSwap(first)
		w.OnSwap(second)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("OnSwap blocked")
	}
	assert.Same(t, second, <-w.pending)
}
