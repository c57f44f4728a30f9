// Package event 定义总线上的事件信封与载荷
package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/gaigenticai/ComplianceAI-sub001/internal/model"
	"github.com/gaigenticai/ComplianceAI-sub001/pkg/kafka"
)

// 默认总线主题，可由 kafka.topics 覆盖
const (
	TopicRegulatoryUpdates = "regulatory.updates"
	TopicRuleUpdates       = "compliance.rules"
	TopicAudit             = "compliance.audit"
)

// Type 事件类型
type Type string

const (
	TypeObligationChanged   Type = "ObligationChanged"
	TypeRuleCompiled        Type = "RuleCompiled"
	TypeOverlapConsolidated Type = "OverlapConsolidated"
	TypeAuditRecorded       Type = "AuditRecorded"
)

// Valid 是否为已知类型
func (t Type) Valid() bool {
	switch t {
	case TypeObligationChanged, TypeRuleCompiled, TypeOverlapConsolidated, TypeAuditRecorded:
		return true
	}
	return false
}

// Envelope 事件信封
// 消息 key 为 SlotKey，保证同一槽位的事件在同一分区内有序
type Envelope struct {
	EventID            string          `json:"eventId"`
	EventType          Type            `json:"eventType"`
	SourceObligationID string          `json:"sourceObligationId"`
	SourceVersion      int64           `json:"sourceVersion"`
	SlotKey            string          `json:"slotKey,omitempty"`
	OccurredAt         int64           `json:"occurredAt"`
	Payload            json.RawMessage `json:"payload"`
}

// ObligationChanged 义务新版本已入库
type ObligationChanged struct {
	ObligationID   string      `json:"obligation_id"`
	Version        int64       `json:"version"`
	RegulationName string      `json:"regulation_name"`
	Article        string      `json:"article"`
	Clause         string      `json:"clause"`
	Jurisdiction   string      `json:"jurisdiction"`
	Level          model.Level `json:"level"`
	EffectiveAt    int64       `json:"effective_at"`
	ContentHash    string      `json:"content_hash"`
	Forced         bool        `json:"forced,omitempty"` // diff 标记强制重编译
}

// RuleSummary 规则摘要
type RuleSummary struct {
	RuleID    string      `json:"rule_id"`
	Level     model.Level `json:"level"`
	LogicHash string      `json:"logic_hash"`
	Scope     []string    `json:"jurisdiction_scope"`
}

// RuleCompiled 义务版本已编译，新规则生效并取代旧规则
type RuleCompiled struct {
	ObligationID string        `json:"obligation_id"`
	Version      int64         `json:"version"`
	Rules        []RuleSummary `json:"rules"`
	Superseded   []string      `json:"superseded,omitempty"`
	CompiledAt   int64         `json:"compiled_at"`
}

// RuleIDs 新规则 ID 列表
func (e *RuleCompiled) RuleIDs() []string {
	ids := make([]string, len(e.Rules))
	for i, r := range e.Rules {
		ids[i] = r.RuleID
	}
	return ids
}

// OverlapConsolidated 重叠已处理
type OverlapConsolidated struct {
	AdvisoryID   string   `json:"advisory_id"`
	RuleA        string   `json:"rule_a"`
	RuleB        string   `json:"rule_b"`
	Resolution   string   `json:"resolution"`
	KeptRuleID   string   `json:"kept_rule_id"`
	MergedRuleID string   `json:"merged_rule_id"`
	OperatorID   string   `json:"operator_id"`
	Activated    []string `json:"activated"`
	Retired      []string `json:"retired"`
}

// Summarize 生成规则摘要
func Summarize(rules []*model.CompiledRule) []RuleSummary {
	out := make([]RuleSummary, len(rules))
	for i, r := range rules {
		out[i] = RuleSummary{RuleID: r.RuleID, Level: r.Level, LogicHash: r.LogicHash, Scope: r.Scope}
	}
	return out
}

// New 构造事件信封
func New(t Type, obligationID string, version int64, slotKey string, occurredAt time.Time, payload interface{}) (*Envelope, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("unknown event type %q", t)
	}
	if obligationID == "" {
		return nil, errors.New("source obligation id is required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return &Envelope{
		EventID:            uuid.NewString(),
		EventType:          t,
		SourceObligationID: obligationID,
		SourceVersion:      version,
		SlotKey:            slotKey,
		OccurredAt:         occurredAt.UnixMilli(),
		Payload:            data,
	}, nil
}

// Key 消息 key
func (e *Envelope) Key() string {
	if e.SlotKey != "" {
		return e.SlotKey
	}
	return e.SourceObligationID
}

// OccurredTime 事件发生时间
func (e *Envelope) OccurredTime() time.Time {
	return time.UnixMilli(e.OccurredAt)
}

// Decode 解析载荷，失败视为不可解析
func (e *Envelope) Decode(v interface{}) error {
	if len(e.Payload) == 0 {
		return kafka.Unparseable(fmt.Errorf("%s event %s has no payload", e.EventType, e.EventID))
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return kafka.Unparseable(fmt.Errorf("%s payload: %w", e.EventType, err))
	}
	return nil
}

// Parse 解析总线消息
// 格式错误、缺少 sourceObligationId 或类型未知的消息返回 kafka.ErrUnparseable，不重试
func Parse(msg *kafka.Message) (*Envelope, error) {
	if msg == nil || len(msg.Value) == 0 {
		return nil, kafka.Unparseable(errors.New("empty message"))
	}
	var env Envelope
	if err := json.Unmarshal(msg.Value, &env); err != nil {
		return nil, kafka.Unparseable(err)
	}
	if !env.EventType.Valid() {
		return nil, kafka.Unparseable(fmt.Errorf("unknown event type %q", env.EventType))
	}
	if env.SourceObligationID == "" {
		return nil, kafka.Unparseable(errors.New("missing sourceObligationId"))
	}
	return &env, nil
}
