package model

// OverlapType 规则重叠类型
type OverlapType int8

const (
	OverlapDuplicate   OverlapType = 1 // 条件完全相同
	OverlapSubset      OverlapType = 2 // 一方条件是另一方的严格子集
	OverlapConflicting OverlapType = 3 // 同一谱系下不同层级的规则互相冲突
	OverlapRelated     OverlapType = 4 // 相似但不可自动处理
)

// String 返回重叠类型的字符串表示
func (t OverlapType) String() string {
	switch t {
	case OverlapDuplicate:
		return "DUPLICATE"
	case OverlapSubset:
		return "SUBSET"
	case OverlapConflicting:
		return "CONFLICTING"
	case OverlapRelated:
		return "RELATED"
	default:
		return "UNKNOWN"
	}
}

// Resolution 重叠处理结果
type Resolution int8

const (
	ResolutionNoAction    Resolution = 1 // 仅记录，不处理
	ResolutionMerged      Resolution = 2 // 窄规则并入保留规则
	ResolutionConsolidate Resolution = 3 // 生成合并规则
	ResolutionAdjudicated Resolution = 4 // 人工裁决
)

// String 返回处理结果的字符串表示
func (r Resolution) String() string {
	switch r {
	case ResolutionNoAction:
		return "NO_ACTION"
	case ResolutionMerged:
		return "MERGED"
	case ResolutionConsolidate:
		return "CONSOLIDATED"
	case ResolutionAdjudicated:
		return "ADJUDICATED"
	default:
		return "UNKNOWN"
	}
}

// OverlapAdvisory 规则重叠建议 (只追加)
type OverlapAdvisory struct {
	ID           int64       `gorm:"primaryKey;autoIncrement" json:"-"`
	AdvisoryID   string      `gorm:"type:varchar(64);uniqueIndex;not null" json:"advisory_id"`
	RuleA        string      `gorm:"type:varchar(160);not null;index" json:"rule_a"`
	RuleB        string      `gorm:"type:varchar(160);not null;index" json:"rule_b"`
	Similarity   float64     `gorm:"type:decimal(6,4);not null" json:"similarity"`
	Type         OverlapType `gorm:"type:smallint;not null" json:"type"`
	Resolution   Resolution  `gorm:"type:smallint;not null;index" json:"resolution"`
	KeptRuleID   string      `gorm:"type:varchar(160)" json:"kept_rule_id,omitempty"`
	MergedRuleID string      `gorm:"type:varchar(160)" json:"merged_rule_id,omitempty"`
	Reason       string      `gorm:"type:varchar(512)" json:"reason,omitempty"`
	OperatorID   string      `gorm:"type:varchar(64)" json:"operator_id,omitempty"`
	Supersedes   string      `gorm:"type:varchar(64)" json:"supersedes,omitempty"` // 人工裁决时指向原建议
	DetectedAt   int64       `gorm:"type:bigint;not null" json:"detected_at"`
	CreatedAt    int64       `gorm:"type:bigint;not null;autoCreateTime:milli" json:"created_at"`
}

// TableName 返回表名
func (OverlapAdvisory) TableName() string {
	return "overlap_advisories"
}

// Pending 是否仍待人工处理
func (a *OverlapAdvisory) Pending() bool {
	return a.Resolution == ResolutionNoAction
}
