package model

import (
	"time"

	"gorm.io/datatypes"
)

// AuditEventType 审计事件类型
type AuditEventType string

const (
	AuditRuleCompiled        AuditEventType = "RuleCompiled"
	AuditRuleSuperseded      AuditEventType = "RuleSuperseded"
	AuditOverlapConsolidated AuditEventType = "OverlapConsolidated"
	AuditCaseEvaluated       AuditEventType = "CaseEvaluated"
	AuditCompilationFailed   AuditEventType = "CompilationFailed"
	AuditOverlapUnresolved   AuditEventType = "OverlapUnresolved"
	AuditOverlapAdjudicated  AuditEventType = "OverlapAdjudicated"
)

// AuditEventTypes 全部审计事件类型
var AuditEventTypes = []AuditEventType{
	AuditRuleCompiled,
	AuditRuleSuperseded,
	AuditOverlapConsolidated,
	AuditCaseEvaluated,
	AuditCompilationFailed,
	AuditOverlapUnresolved,
	AuditOverlapAdjudicated,
}

// Valid 是否为已知类型
func (t AuditEventType) Valid() bool {
	for _, k := range AuditEventTypes {
		if k == t {
			return true
		}
	}
	return false
}

// AuditEntry 审计记录 (只追加，不更新不删除)
// Sequence 为插入顺序，OccurredAt 相同时以其排序
type AuditEntry struct {
	Sequence           int64          `gorm:"primaryKey;autoIncrement" json:"sequence"`
	EntryID            string         `gorm:"type:varchar(64);uniqueIndex;not null" json:"entry_id"`
	EventType          AuditEventType `gorm:"type:varchar(32);not null;index:idx_audit_type_time,priority:1" json:"event_type"`
	DedupKey           string         `gorm:"type:varchar(255);not null;index" json:"dedup_key"`
	SourceObligationID string         `gorm:"type:varchar(64);index" json:"source_obligation_id,omitempty"`
	SourceVersion      int64          `gorm:"type:bigint" json:"source_version,omitempty"`
	Payload            datatypes.JSON `gorm:"type:jsonb" json:"payload"`
	OccurredAt         int64          `gorm:"type:bigint;not null;index:idx_audit_type_time,priority:2;index" json:"occurred_at"`
	RecordedAt         int64          `gorm:"type:bigint;not null" json:"recorded_at"`
	ProcessedBy        string         `gorm:"type:varchar(64);not null" json:"processed_by"`
	IntegrityHash      string         `gorm:"type:varchar(64);not null" json:"integrity_hash"`
}

// TableName 返回表名
func (AuditEntry) TableName() string {
	return "audit_entries"
}

// OccurredTime 事件发生时间
func (e *AuditEntry) OccurredTime() time.Time {
	return time.UnixMilli(e.OccurredAt)
}
