package model

import (
	"encoding/json"
	"fmt"
	"sort"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/gaigenticai/ComplianceAI-sub001/internal/logic"
)

// RuleStatus 规则状态
type RuleStatus int8

const (
	RuleStatusActive     RuleStatus = 1 // 生效
	RuleStatusSuperseded RuleStatus = 2 // 被新版本取代
	RuleStatusMergedInto RuleStatus = 3 // 被合并到其他规则
)

// String 返回规则状态的字符串表示
func (s RuleStatus) String() string {
	switch s {
	case RuleStatusActive:
		return "ACTIVE"
	case RuleStatusSuperseded:
		return "SUPERSEDED"
	case RuleStatusMergedInto:
		return "MERGED_INTO"
	default:
		return "UNKNOWN"
	}
}

// RuleSlotKey 规则槽位键：义务槽位 + 规则序号
func RuleSlotKey(slot Slot, part int) string {
	return fmt.Sprintf("%s#%d", slot.Key(), part)
}

// CompiledRule 编译后的可执行规则
// Expr/Scope/CoveredSlots/Provenance 为领域字段，保存前编码到对应的 JSON 列
type CompiledRule struct {
	ID                 int64      `gorm:"primaryKey;autoIncrement" json:"-"`
	RuleID             string     `gorm:"type:varchar(160);uniqueIndex;not null" json:"rule_id"`
	SourceObligationID string     `gorm:"type:varchar(64);not null;index:idx_rule_source,priority:1" json:"source_obligation_id"`
	SourceVersion      int64      `gorm:"type:bigint;not null;index:idx_rule_source,priority:2" json:"source_version"`
	Part               int        `gorm:"type:integer;not null;default:0" json:"part"`
	RegulationName     string     `gorm:"type:varchar(128);not null" json:"regulation_name"`
	Article            string     `gorm:"type:varchar(64);not null" json:"article"`
	Clause             string     `gorm:"type:varchar(64);not null;default:''" json:"clause"`
	Jurisdiction       string     `gorm:"type:varchar(16);not null;index" json:"jurisdiction"`
	Level              Level      `gorm:"type:smallint;not null" json:"level"`
	ParentRef          string     `gorm:"type:varchar(128)" json:"parent_ref,omitempty"`
	Text               string     `gorm:"type:text" json:"text"`
	LogicHash          string     `gorm:"type:varchar(64);not null" json:"logic_hash"`
	Consolidated       bool       `gorm:"not null;default:false" json:"consolidated"`
	Status             RuleStatus `gorm:"type:smallint;not null;index" json:"status"`
	MergedInto         string     `gorm:"type:varchar(160)" json:"merged_into,omitempty"`
	EffectiveAt        int64      `gorm:"type:bigint;not null" json:"effective_at"`
	CompiledAt         int64      `gorm:"type:bigint;not null" json:"compiled_at"`
	CreatedAt          int64      `gorm:"type:bigint;not null;autoCreateTime:milli" json:"created_at"`
	UpdatedAt          int64      `gorm:"type:bigint;not null;autoUpdateTime:milli" json:"updated_at"`

	LogicJSON      datatypes.JSON `gorm:"column:logic;type:jsonb;not null" json:"logic"`
	ScopeJSON      datatypes.JSON `gorm:"column:jurisdiction_scope;type:jsonb" json:"-"`
	CoveredJSON    datatypes.JSON `gorm:"column:covered_slots;type:jsonb" json:"-"`
	ProvenanceJSON datatypes.JSON `gorm:"column:provenance;type:jsonb" json:"-"`

	Expr         logic.Expr `gorm:"-" json:"-"`
	Scope        []string   `gorm:"-" json:"jurisdiction_scope"`
	CoveredSlots []string   `gorm:"-" json:"covered_slots"`
	Provenance   []string   `gorm:"-" json:"provenance,omitempty"`
}

// TableName 返回表名
func (CompiledRule) TableName() string {
	return "compiled_rules"
}

// SetLogic 设置规则条件并同步规范化编码与哈希
func (r *CompiledRule) SetLogic(e logic.Expr) error {
	b, err := logic.Marshal(e)
	if err != nil {
		return err
	}
	hash, err := logic.Hash(e)
	if err != nil {
		return err
	}
	r.Expr = e
	r.LogicJSON = datatypes.JSON(b)
	r.LogicHash = hash
	return nil
}

// CanonicalLogic 返回规范化条件编码
func (r *CompiledRule) CanonicalLogic() string {
	if r.Expr != nil {
		return logic.CanonicalString(r.Expr)
	}
	return string(r.LogicJSON)
}

// Slot 规则来源义务的槽位
func (r *CompiledRule) Slot() Slot {
	return Slot{
		RegulationName: r.RegulationName,
		Article:        r.Article,
		Clause:         r.Clause,
		Jurisdiction:   r.Jurisdiction,
	}
}

// RuleSlot 规则自身的槽位键
func (r *CompiledRule) RuleSlot() string {
	return RuleSlotKey(r.Slot(), r.Part)
}

// Lineage 条款谱系：有上位引用时取上位引用，否则取自身 (法规, 条)
func (r *CompiledRule) Lineage() string {
	if r.ParentRef != "" {
		return r.ParentRef
	}
	return r.RegulationName + "|" + r.Article
}

// IsActive 是否生效
func (r *CompiledRule) IsActive() bool {
	return r.Status == RuleStatusActive
}

// InScope 是否适用于辖区 code
func (r *CompiledRule) InScope(code string) bool {
	for _, s := range r.Scope {
		if s == code {
			return true
		}
	}
	return false
}

// Covers 是否覆盖规则槽位 key
func (r *CompiledRule) Covers(slotKey string) bool {
	for _, s := range r.CoveredSlots {
		if s == slotKey {
			return true
		}
	}
	return false
}

// Clone 深拷贝 (Expr 不可变，共享引用)
func (r *CompiledRule) Clone() *CompiledRule {
	c := *r
	c.LogicJSON = append(datatypes.JSON(nil), r.LogicJSON...)
	c.ScopeJSON = nil
	c.CoveredJSON = nil
	c.ProvenanceJSON = nil
	c.Scope = append([]string(nil), r.Scope...)
	c.CoveredSlots = append([]string(nil), r.CoveredSlots...)
	c.Provenance = append([]string(nil), r.Provenance...)
	return &c
}

// BeforeSave 编码领域字段
func (r *CompiledRule) BeforeSave(tx *gorm.DB) error {
	if r.Expr != nil {
		if err := r.SetLogic(r.Expr); err != nil {
			return err
		}
	}
	var err error
	if r.ScopeJSON, err = encodeStrings(r.Scope); err != nil {
		return err
	}
	if r.CoveredJSON, err = encodeStrings(r.CoveredSlots); err != nil {
		return err
	}
	if r.ProvenanceJSON, err = encodeStrings(r.Provenance); err != nil {
		return err
	}
	return nil
}

// AfterFind 解码 JSON 列
func (r *CompiledRule) AfterFind(tx *gorm.DB) error {
	return r.Decode()
}

// Decode 从 JSON 列恢复领域字段
func (r *CompiledRule) Decode() error {
	if len(r.LogicJSON) > 0 {
		e, err := logic.Unmarshal(r.LogicJSON)
		if err != nil {
			return fmt.Errorf("rule %s: %w", r.RuleID, err)
		}
		r.Expr = e
	}
	var err error
	if r.Scope, err = decodeStrings(r.ScopeJSON); err != nil {
		return fmt.Errorf("rule %s scope: %w", r.RuleID, err)
	}
	if r.CoveredSlots, err = decodeStrings(r.CoveredJSON); err != nil {
		return fmt.Errorf("rule %s covered slots: %w", r.RuleID, err)
	}
	if r.Provenance, err = decodeStrings(r.ProvenanceJSON); err != nil {
		return fmt.Errorf("rule %s provenance: %w", r.RuleID, err)
	}
	return nil
}

func encodeStrings(ss []string) (datatypes.JSON, error) {
	if ss == nil {
		ss = []string{}
	}
	b, err := json.Marshal(ss)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(b), nil
}

func decodeStrings(b datatypes.JSON) ([]string, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SortedUnion 合并去重并排序
func SortedUnion(lists ...[]string) []string {
	set := make(map[string]struct{})
	for _, l := range lists {
		for _, s := range l {
			set[s] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// SortRules 按层级、规则 ID 排序
func SortRules(rules []*CompiledRule) {
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Level != rules[j].Level {
			return rules[i].Level < rules[j].Level
		}
		return rules[i].RuleID < rules[j].RuleID
	})
}
