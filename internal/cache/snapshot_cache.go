// Package cache 提供规则快照的 Redis 读模型
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gaigenticai/ComplianceAI-sub001/internal/logic"
	"github.com/gaigenticai/ComplianceAI-sub001/internal/model"
	"github.com/gaigenticai/ComplianceAI-sub001/internal/ruleset"
)

// Redis 缓存键格式
const (
	KeySnapshotMeta      = "compliance:rules:meta"            // 快照元数据
	KeyJurisdictionRules = "compliance:rules:jurisdiction:%s" // jurisdiction
	KeyJurisdictions     = "compliance:rules:jurisdictions"   // 已缓存的辖区 (Set)
)

// DefaultSnapshotTTL 默认缓存时间
const DefaultSnapshotTTL = time.Hour

// SnapshotMeta 缓存的快照元数据
type SnapshotMeta struct {
	Seq           uint64   `json:"seq"`
	Digest        string   `json:"digest"`
	BuiltAt       int64    `json:"built_at"`
	Rules         int      `json:"rules"`
	Jurisdictions []string `json:"jurisdictions"`
	WrittenAt     int64    `json:"written_at"`
}

// CachedRule 缓存的规则视图
type CachedRule struct {
	RuleID         string          `json:"rule_id"`
	RegulationName string          `json:"regulation_name"`
	Article        string          `json:"article"`
	Clause         string          `json:"clause"`
	Jurisdiction   string          `json:"jurisdiction"`
	Level          model.Level     `json:"level"`
	Text           string          `json:"text"`
	Logic          json.RawMessage `json:"logic"`
	LogicHash      string          `json:"logic_hash"`
	Scope          []string        `json:"jurisdiction_scope"`
	Consolidated   bool            `json:"consolidated"`
	EffectiveAt    int64           `json:"effective_at"`

	expr logic.Expr
}

// Expr 解码后的规则条件
func (r *CachedRule) Expr() logic.Expr {
	return r.expr
}

func newCachedRule(r *model.CompiledRule) (*CachedRule, error) {
	raw := json.RawMessage(r.LogicJSON)
	if r.Expr != nil {
		b, err := logic.Marshal(r.Expr)
		if err != nil {
			return nil, fmt.Errorf("encode rule %s: %w", r.RuleID, err)
		}
		raw = b
	}
	return &CachedRule{
		RuleID:         r.RuleID,
		RegulationName: r.RegulationName,
		Article:        r.Article,
		Clause:         r.Clause,
		Jurisdiction:   r.Jurisdiction,
		Level:          r.Level,
		Text:           r.Text,
		Logic:          raw,
		LogicHash:      r.LogicHash,
		Scope:          r.Scope,
		Consolidated:   r.Consolidated,
		EffectiveAt:    r.EffectiveAt,
		expr:           r.Expr,
	}, nil
}

// SnapshotCache 按辖区缓存规则快照
type SnapshotCache struct {
	client redis.UniversalClient
	ttl    time.Duration
	now    func() time.Time
}

// NewSnapshotCache 创建快照缓存
func NewSnapshotCache(client redis.UniversalClient) *SnapshotCache {
	return NewSnapshotCacheWithTTL(client, DefaultSnapshotTTL)
}

// NewSnapshotCacheWithTTL 创建指定 TTL 的快照缓存
func NewSnapshotCacheWithTTL(client redis.UniversalClient, ttl time.Duration) *SnapshotCache {
	if ttl <= 0 {
		ttl = DefaultSnapshotTTL
	}
	return &SnapshotCache{
		client: client,
		ttl:    ttl,
		now:    time.Now,
	}
}

// Write 写入快照
// 快照中已不存在的辖区键会被删除
func (c *SnapshotCache) Write(ctx context.Context, snap *ruleset.Snapshot) error {
	codes := snap.Jurisdictions()
	payloads := make(map[string][]byte, len(codes))
	for _, code := range codes {
		list := snap.RulesFor(code)
		cached := make([]*CachedRule, 0, len(list))
		for _, r := range list {
			cr, err := newCachedRule(r)
			if err != nil {
				return err
			}
			cached = append(cached, cr)
		}
		data, err := json.Marshal(cached)
		if err != nil {
			return fmt.Errorf("marshal rules for %s: %w", code, err)
		}
		payloads[code] = data
	}

	meta, err := json.Marshal(&SnapshotMeta{
		Seq:           snap.Seq(),
		Digest:        snap.Digest(),
		BuiltAt:       snap.BuiltAt().UnixMilli(),
		Rules:         snap.Size(),
		Jurisdictions: codes,
		WrittenAt:     c.now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("marshal meta: %w", err)
	}

	previous, err := c.client.SMembers(ctx, KeyJurisdictions).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("redis smembers: %w", err)
	}

	_, err = c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, code := range previous {
			if _, ok := payloads[code]; !ok {
				pipe.Del(ctx, fmt.Sprintf(KeyJurisdictionRules, code))
			}
		}
		pipe.Del(ctx, KeyJurisdictions)
		for code, data := range payloads {
			pipe.Set(ctx, fmt.Sprintf(KeyJurisdictionRules, code), data, c.ttl)
			pipe.SAdd(ctx, KeyJurisdictions, code)
		}
		pipe.Expire(ctx, KeyJurisdictions, c.ttl)
		pipe.Set(ctx, KeySnapshotMeta, meta, c.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis write snapshot: %w", err)
	}
	return nil
}

// Meta 获取缓存的快照元数据，未缓存时返回 nil
func (c *SnapshotCache) Meta(ctx context.Context) (*SnapshotMeta, error) {
	data, err := c.client.Get(ctx, KeySnapshotMeta).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}
	var meta SnapshotMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// RulesFor 获取辖区直接适用的缓存规则，未缓存时返回 nil
func (c *SnapshotCache) RulesFor(ctx context.Context, code string) ([]*CachedRule, error) {
	data, err := c.client.Get(ctx, fmt.Sprintf(KeyJurisdictionRules, code)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}
	var rules []*CachedRule
	if err := json.Unmarshal(data, &rules); err != nil {
		return nil, err
	}
	for _, r := range rules {
		e, err := logic.Unmarshal(r.Logic)
		if err != nil {
			return nil, fmt.Errorf("decode rule %s: %w", r.RuleID, err)
		}
		r.expr = e
	}
	return rules, nil
}

// Clear 删除全部快照缓存
func (c *SnapshotCache) Clear(ctx context.Context) error {
	codes, err := c.client.SMembers(ctx, KeyJurisdictions).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("redis smembers: %w", err)
	}
	keys := []string{KeySnapshotMeta, KeyJurisdictions}
	for _, code := range codes {
		keys = append(keys, fmt.Sprintf(KeyJurisdictionRules, code))
	}
	return c.client.Del(ctx, keys...).Err()
}

// Ping 健康检查
func (c *SnapshotCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
