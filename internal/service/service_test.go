package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/gaigenticai/ComplianceAI-sub001/internal/compiler"
	"github.com/gaigenticai/ComplianceAI-sub001/internal/event"
	"github.com/gaigenticai/ComplianceAI-sub001/internal/jurisdiction"
	"github.com/gaigenticai/ComplianceAI-sub001/internal/model"
	"github.com/gaigenticai/ComplianceAI-sub001/internal/overlap"
	"github.com/gaigenticai/ComplianceAI-sub001/internal/repository"
	"github.com/gaigenticai/ComplianceAI-sub001/internal/ruleset"
	apperrors "github.com/gaigenticai/ComplianceAI-sub001/pkg/errors"
	"github.com/gaigenticai/ComplianceAI-sub001/pkg/kafka"
)

var testDBCounter int64

func setupTestDB(t *testing.T) *gorm.DB {
	counter := atomic.AddInt64(&testDBCounter, 1)
	dsn := fmt.Sprintf("file:servicetest%d?mode=memory&cache=shared", counter)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&model.Obligation{},
		&model.CompiledRule{},
		&model.OverlapAdvisory{},
		&model.AuditEntry{},
		&model.DeadLetterMessage{},
		&model.ManualReviewItem{},
	))
	return db
}

// testEnv 进程内的完整流水线：sqlite + 内存总线 + 规则集管理器
type testEnv struct {
	db          *gorm.DB
	bus         *event.MemoryBus
	obligations *repository.ObligationRepository
	rules       *repository.RuleRepository
	advisories  *repository.AdvisoryRepository
	reviews     *repository.ReviewRepository
	auditRepo   *repository.AuditRepository
	manager     *ruleset.Manager
	audit       AuditService
	ingest      ObligationService
	pipeline    *Pipeline
	evaluation  EvaluationService
}

func newTestEnv(t *testing.T) *testEnv {
	db := setupTestDB(t)
	bus := event.NewMemoryBus()
	publisher := event.NewPublisher(bus, nil)

	hierarchy, err := jurisdiction.NewHierarchy(jurisdiction.DefaultParents())
	require.NoError(t, err)

	env := &testEnv{
		db:          db,
		bus:         bus,
		obligations: repository.NewObligationRepository(db),
		rules:       repository.NewRuleRepository(db),
		advisories:  repository.NewAdvisoryRepository(db),
		reviews:     repository.NewReviewRepository(db),
		auditRepo:   repository.NewAuditRepository(db),
	}
	env.manager = ruleset.NewManager(env.obligations)
	env.manager.Start()
	t.Cleanup(env.manager.Stop)

	env.audit = NewAuditService(env.auditRepo, publisher, "compliance-rules-test", 0)
	env.ingest = NewObligationService(env.obligations, hierarchy, publisher)
	env.pipeline = NewPipeline(PipelineDeps{
		Store:       repository.NewRepository(db),
		Obligations: env.obligations,
		Rules:       env.rules,
		Advisories:  env.advisories,
		Reviews:     env.reviews,
		Compiler:    compiler.New(env.obligations),
		Resolver:    overlap.NewResolver(overlap.DefaultThreshold, overlap.SystemOperator),
		Manager:     env.manager,
		Audit:       env.audit,
		Publisher:   publisher,
	})
	env.evaluation = NewEvaluationService(jurisdiction.NewHandler(hierarchy, jurisdiction.MostSpecificWins), env.manager, env.audit, "EU")

	router := event.NewRouter()
	env.pipeline.Routes(router)
	sink := kafka.MultiDeadLetterSink{
		event.NewStoreSink(repository.NewDeadLetterRepository(db)),
		kafka.NewTopicDeadLetterSink(bus),
	}
	for _, topic := range []string{event.TopicRegulatoryUpdates, event.TopicRuleUpdates} {
		p, err := kafka.NewProcessor(router.Handle, kafka.ProcessorConfig{
			Retry:       kafka.DefaultRetryPolicy(),
			StepTimeout: 5 * time.Second,
		}, sink)
		require.NoError(t, err)
		p.SetSleeper(func(context.Context, time.Duration) error { return nil })
		bus.Subscribe(topic, p)
	}
	return env
}

// feed 构造 DE 辖区的义务，一小时前生效
func feed(regulation, article, clause string, level model.Level, content string) *FeedObligation {
	return &FeedObligation{
		RegulationName:  regulation,
		Article:         article,
		Clause:          clause,
		Jurisdiction:    "DE",
		Level:           level,
		EffectiveAt:     time.Now().Add(-time.Hour).Truncate(time.Millisecond),
		Content:         content,
		SourcePublisher: "test",
		SourceURL:       "https://example.org/" + regulation,
	}
}

// ingestAndDrain 入库并同步处理总线上的全部消息
func (e *testEnv) ingestAndDrain(t *testing.T, f *FeedObligation) *model.Obligation {
	ctx := context.Background()
	res, err := e.ingest.Ingest(ctx, f, false)
	require.NoError(t, err)
	require.NoError(t, e.bus.Drain(ctx))
	return res.Obligation
}

func (e *testEnv) auditOf(t *testing.T, types ...model.AuditEventType) []*model.AuditEntry {
	entries, _, err := e.audit.Query(context.Background(), &AuditQuery{EventTypes: types, PageSize: 100})
	require.NoError(t, err)
	return entries
}

func decodePayload(t *testing.T, e *model.AuditEntry) map[string]interface{} {
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(e.Payload, &out))
	return out
}

func TestAuditService_RecordClampsOccurredAt(t *testing.T) {
	db := setupTestDB(t)
	svc := NewAuditService(repository.NewAuditRepository(db), event.NewPublisher(nil, nil), "node-1", time.Minute)
	now := time.UnixMilli(1_700_000_000_000)
	svc.(*auditService).now = func() time.Time { return now }

	tests := []struct {
		name     string
		occurred time.Time
		want     int64
	}{
		{"zero", time.Time{}, now.UnixMilli()},
		{"past", now.Add(-time.Hour), now.Add(-time.Hour).UnixMilli()},
		{"within skew", now.Add(30 * time.Second), now.Add(30 * time.Second).UnixMilli()},
		{"future beyond skew", now.Add(time.Hour), now.UnixMilli()},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entries, err := svc.Record(context.Background(), &AuditRecord{
				EventType:    model.AuditRuleCompiled,
				ObligationID: "obl-1",
				Version:      int64(i + 1),
				OccurredAt:   tt.occurred,
				Payload:      map[string]int{"n": i},
			})
			require.NoError(t, err)
			require.Len(t, entries, 1)
			assert.Equal(t, tt.want, entries[0].OccurredAt)
			assert.Equal(t, now.UnixMilli(), entries[0].RecordedAt)
			assert.Equal(t, "node-1", entries[0].ProcessedBy)
			assert.Equal(t, DedupKey(model.AuditRuleCompiled, "obl-1", int64(i+1)), entries[0].DedupKey)
		})
	}
}

func TestAuditService_RejectsUnknownType(t *testing.T) {
	db := setupTestDB(t)
	svc := NewAuditService(repository.NewAuditRepository(db), event.NewPublisher(nil, nil), "node-1", 0)

	_, err := svc.Record(context.Background(), &AuditRecord{EventType: "Bogus"})
	assert.ErrorIs(t, err, apperrors.ErrInvalidRequest)

	_, _, err = svc.Query(context.Background(), &AuditQuery{EventTypes: []model.AuditEventType{"Bogus"}})
	assert.ErrorIs(t, err, apperrors.ErrInvalidRequest)
}

func TestAuditService_Verify(t *testing.T) {
	db := setupTestDB(t)
	svc := NewAuditService(repository.NewAuditRepository(db), event.NewPublisher(nil, nil), "node-1", 0)
	ctx := context.Background()

	entries, err := svc.Record(ctx, &AuditRecord{
		EventType:    model.AuditOverlapConsolidated,
		ObligationID: "obl-1",
		Version:      1,
		Payload:      map[string]string{"rule_a": "a", "rule_b": "b"},
	})
	require.NoError(t, err)

	stored, err := svc.Get(ctx, entries[0].EntryID)
	require.NoError(t, err)
	assert.True(t, svc.Verify(stored))

	stored.Payload = []byte(`{"rule_a":"a","rule_b":"c"}`)
	assert.False(t, svc.Verify(stored))
}

func TestAuditService_QueryOrderAndDedup(t *testing.T) {
	db := setupTestDB(t)
	svc := NewAuditService(repository.NewAuditRepository(db), event.NewPublisher(nil, nil), "node-1", 0)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	// 至少一次投递：同一事件写入两次
	for i := 0; i < 2; i++ {
		_, err := svc.Record(ctx, &AuditRecord{
			EventType:    model.AuditRuleCompiled,
			ObligationID: "obl-1",
			Version:      1,
			OccurredAt:   base.Add(2 * time.Minute),
			Payload:      map[string]int{"delivery": i},
		})
		require.NoError(t, err)
	}
	_, err := svc.Record(ctx, &AuditRecord{
		EventType:    model.AuditRuleSuperseded,
		ObligationID: "obl-2",
		Version:      3,
		OccurredAt:   base,
		Payload:      map[string]int{"delivery": 0},
	})
	require.NoError(t, err)

	all, total, err := svc.Query(ctx, &AuditQuery{})
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	require.Len(t, all, 3)
	assert.Equal(t, model.AuditRuleSuperseded, all[0].EventType)
	assert.Less(t, all[1].Sequence, all[2].Sequence)

	unique, total, err := svc.Query(ctx, &AuditQuery{Dedup: true})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	require.Len(t, unique, 2)
	assert.Equal(t, all[1].EntryID, unique[1].EntryID)

	ranged, _, err := svc.Query(ctx, &AuditQuery{
		From:       base.Add(time.Minute),
		EventTypes: []model.AuditEventType{model.AuditRuleCompiled},
		Dedup:      true,
	})
	require.NoError(t, err)
	require.Len(t, ranged, 1)
	assert.Equal(t, "obl-1", ranged[0].SourceObligationID)

	counts, err := svc.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts[model.AuditRuleCompiled])
	assert.Equal(t, int64(1), counts[model.AuditRuleSuperseded])
}

func TestAuditService_RecordInTransactionRollsBack(t *testing.T) {
	db := setupTestDB(t)
	repo := repository.NewAuditRepository(db)
	svc := NewAuditService(repo, event.NewPublisher(nil, nil), "node-1", 0)
	ctx := context.Background()

	err := repository.NewRepository(db).Transaction(ctx, func(ctx context.Context) error {
		if _, err := svc.Record(ctx, &AuditRecord{EventType: model.AuditRuleCompiled, ObligationID: "obl-1", Version: 1}); err != nil {
			return err
		}
		return apperrors.ErrInternal
	})
	require.Error(t, err)

	_, total, err := svc.Query(ctx, &AuditQuery{})
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestAuditService_PublishesToAuditTopic(t *testing.T) {
	db := setupTestDB(t)
	bus := event.NewMemoryBus()
	svc := NewAuditService(repository.NewAuditRepository(db), event.NewPublisher(bus, nil), "node-1", 0)

	entries, err := svc.RecordAndPublish(context.Background(), &AuditRecord{
		EventType: model.AuditCaseEvaluated,
		DedupKey:  "CaseEvaluated|case-1",
		Payload:   map[string]bool{"compliant": true},
	})
	require.NoError(t, err)

	msgs := bus.Messages(event.TopicAudit)
	require.Len(t, msgs, 1)
	env, err := event.Parse(msgs[0])
	require.NoError(t, err)
	assert.Equal(t, event.TypeAuditRecorded, env.EventType)
	assert.Equal(t, "CaseEvaluated|case-1", string(msgs[0].Key))

	var got model.AuditEntry
	require.NoError(t, env.Decode(&got))
	assert.Equal(t, entries[0].EntryID, got.EntryID)
	assert.Equal(t, entries[0].IntegrityHash, got.IntegrityHash)
}

func TestObligationService_Ingest(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	f := feed("CRR", "Art.92", "1", model.Level1, "Institutions must maintain a CET1 capital ratio of at least 4.5%.")

	first, err := env.ingest.Ingest(ctx, f, false)
	require.NoError(t, err)
	assert.True(t, first.Created)
	assert.False(t, first.Deferred)
	assert.Equal(t, int64(1), first.Obligation.Version)
	assert.Equal(t, f.Slot().ObligationID(), first.Obligation.ObligationID)
	assert.NotZero(t, first.Obligation.RetrievedAt)
	require.Len(t, env.bus.Messages(event.TopicRegulatoryUpdates), 1)

	t.Run("unchanged re-poll writes nothing", func(t *testing.T) {
		again := *f
		again.Content = "  Institutions must maintain a   CET1 capital ratio of at least 4.5%. "
		res, err := env.ingest.Ingest(ctx, &again, false)
		require.NoError(t, err)
		assert.False(t, res.Created)
		assert.Equal(t, int64(1), res.Obligation.Version)
		assert.Len(t, env.bus.Messages(event.TopicRegulatoryUpdates), 1)
	})

	t.Run("force writes a new version", func(t *testing.T) {
		res, err := env.ingest.Ingest(ctx, f, true)
		require.NoError(t, err)
		assert.True(t, res.Created)
		assert.Equal(t, int64(2), res.Obligation.Version)

		msgs := env.bus.Messages(event.TopicRegulatoryUpdates)
		require.Len(t, msgs, 2)
		ev, err := event.Parse(msgs[1])
		require.NoError(t, err)
		var payload event.ObligationChanged
		require.NoError(t, ev.Decode(&payload))
		assert.True(t, payload.Forced)
		assert.Equal(t, int64(2), ev.SourceVersion)
		assert.Equal(t, f.Slot().Key(), string(msgs[1].Key))
	})

	t.Run("changed content writes a new version", func(t *testing.T) {
		changed := *f
		changed.Content = "Institutions must maintain a CET1 capital ratio of at least 5%."
		res, err := env.ingest.Ingest(ctx, &changed, false)
		require.NoError(t, err)
		assert.True(t, res.Created)
		assert.Equal(t, int64(3), res.Obligation.Version)

		versions, err := env.ingest.Versions(ctx, res.Obligation.ObligationID)
		require.NoError(t, err)
		assert.Len(t, versions, 3)
		assert.Equal(t, f.Content, versions[0].Content)
	})

	t.Run("get latest and by version", func(t *testing.T) {
		latest, err := env.ingest.Get(ctx, f.Slot().ObligationID(), 0)
		require.NoError(t, err)
		assert.Equal(t, int64(3), latest.Version)

		v1, err := env.ingest.Get(ctx, f.Slot().ObligationID(), 1)
		require.NoError(t, err)
		assert.Equal(t, f.Content, v1.Content)

		_, err = env.ingest.Get(ctx, f.Slot().ObligationID(), 9)
		assert.ErrorIs(t, err, model.ErrObligationNotFound)
	})
}

func TestObligationService_IngestWithoutEffectiveDate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	svc := env.ingest.(*obligationService)
	clock := time.Now().Add(-time.Minute).Truncate(time.Millisecond)
	svc.now = func() time.Time { return clock }

	f := feed("CRR", "Art.92", "1", model.Level1, "Institutions must maintain a CET1 capital ratio of at least 4.5%.")
	f.EffectiveAt = time.Time{}

	first, err := env.ingest.Ingest(ctx, f, false)
	require.NoError(t, err)
	assert.True(t, first.Created)
	assert.Equal(t, clock.UnixMilli(), first.Obligation.EffectiveAt)

	// 每次轮询时钟前进，内容不变不产生新版本
	for i := 0; i < 3; i++ {
		clock = clock.Add(10 * time.Second)
		res, err := env.ingest.Ingest(ctx, f, false)
		require.NoError(t, err)
		assert.False(t, res.Created)
		assert.Equal(t, int64(1), res.Obligation.Version)
	}
	assert.Len(t, env.bus.Messages(event.TopicRegulatoryUpdates), 1)

	clock = clock.Add(10 * time.Second)
	changed := *f
	changed.Content = "Institutions must maintain a CET1 capital ratio of at least 5%."
	res, err := env.ingest.Ingest(ctx, &changed, false)
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, int64(2), res.Obligation.Version)
	assert.Equal(t, clock.UnixMilli(), res.Obligation.EffectiveAt)
	assert.Len(t, env.bus.Messages(event.TopicRegulatoryUpdates), 2)

	again, err := env.ingest.Ingest(ctx, &changed, false)
	require.NoError(t, err)
	assert.False(t, again.Created)
}

func TestObligationService_IngestValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(f *FeedObligation)
		want   error
	}{
		{"missing article", func(f *FeedObligation) { f.Article = " " }, apperrors.ErrInvalidRequest},
		{"invalid level", func(f *FeedObligation) { f.Level = 7 }, apperrors.ErrInvalidRequest},
		{"unknown jurisdiction", func(f *FeedObligation) { f.Jurisdiction = "XX" }, apperrors.ErrUnknownJurisdiction},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := feed("CRR", "Art.92", "1", model.Level1, "Firms must report.")
			tt.mutate(f)
			_, err := env.ingest.Ingest(ctx, f, false)
			assert.ErrorIs(t, err, tt.want)
		})
	}
	_, err := env.ingest.Ingest(ctx, nil, false)
	assert.ErrorIs(t, err, apperrors.ErrInvalidRequest)
	assert.Empty(t, env.bus.Messages(event.TopicRegulatoryUpdates))
}

func TestObligationService_DeferredActivation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := time.Now()

	// 入库时生效时间仍在未来
	svc := env.ingest.(*obligationService)
	svc.now = func() time.Time { return now.Add(-2 * time.Hour) }

	f := feed("CRR", "Art.92", "1", model.Level1, "Institutions must maintain a CET1 capital ratio of at least 4.5%.")
	res, err := env.ingest.Ingest(ctx, f, false)
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.True(t, res.Deferred)
	assert.Empty(t, env.bus.Messages(event.TopicRegulatoryUpdates))

	svc.now = time.Now
	n, err := env.ingest.ActivateDue(ctx, now.Add(-90*time.Minute), now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NoError(t, env.bus.Drain(ctx))

	rules, err := env.rules.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, res.Obligation.ObligationID, rules[0].SourceObligationID)

	n, err = env.ingest.ActivateDue(ctx, now, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Zero(t, n)

	current, err := env.ingest.Current(ctx, res.Obligation.ObligationID, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), current.Version)
	_, err = env.ingest.Current(ctx, res.Obligation.ObligationID, now.Add(-2*time.Hour))
	assert.ErrorIs(t, err, model.ErrObligationNotFound)
}
