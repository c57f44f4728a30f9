// Package model 定义合规规则服务的数据模型
package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Level 监管层级
type Level int8

const (
	Level1 Level = 1 // 立法 (Directive / Regulation)
	Level2 Level = 2 // 授权法规 / 技术标准
	Level3 Level = 3 // 监管指引
)

// String 返回层级的字符串表示
func (l Level) String() string {
	switch l {
	case Level1:
		return "Level1"
	case Level2:
		return "Level2"
	case Level3:
		return "Level3"
	default:
		return "UNKNOWN"
	}
}

// Valid 层级是否合法
func (l Level) Valid() bool {
	return l >= Level1 && l <= Level3
}

// ParseLevel 解析层级 (接受 1/2/3 或 Level1/Level2/Level3)
func ParseLevel(s string) (Level, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "level1", "level_1":
		return Level1, true
	case "2", "level2", "level_2":
		return Level2, true
	case "3", "level3", "level_3":
		return Level3, true
	}
	return 0, false
}

// Slot 义务槽位：同一 (法规, 条, 款, 辖区) 的所有版本共享一个槽位
type Slot struct {
	RegulationName string `json:"regulation_name"`
	Article        string `json:"article"`
	Clause         string `json:"clause"`
	Jurisdiction   string `json:"jurisdiction"`
}

// Key 槽位键，同时作为总线消息 key 保证同槽位有序
func (s Slot) Key() string {
	return strings.Join([]string{s.RegulationName, s.Article, s.Clause, s.Jurisdiction}, "|")
}

// Lineage 不含辖区的条款谱系，用于跨辖区识别同一条件
func (s Slot) Lineage() string {
	return strings.Join([]string{s.RegulationName, s.Article, s.Clause}, "|")
}

// ObligationID 槽位对应的稳定义务 ID
func (s Slot) ObligationID() string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("obligation:"+s.Key())).String()
}

// Obligation 监管义务 (只追加，历史版本不可修改)
type Obligation struct {
	ID              int64  `gorm:"primaryKey;autoIncrement" json:"-"`
	ObligationID    string `gorm:"type:varchar(64);not null;uniqueIndex:uk_obligation_version,priority:1" json:"obligation_id"`
	Version         int64  `gorm:"type:bigint;not null;uniqueIndex:uk_obligation_version,priority:2" json:"version"`
	RegulationName  string `gorm:"type:varchar(128);not null;index:idx_obligation_slot,priority:1" json:"regulation_name"`
	Article         string `gorm:"type:varchar(64);not null;index:idx_obligation_slot,priority:2" json:"article"`
	Clause          string `gorm:"type:varchar(64);not null;default:'';index:idx_obligation_slot,priority:3" json:"clause"`
	Jurisdiction    string `gorm:"type:varchar(16);not null;index:idx_obligation_slot,priority:4" json:"jurisdiction"`
	Level           Level  `gorm:"type:smallint;not null" json:"level"`
	ParentRef       string `gorm:"type:varchar(128)" json:"parent_ref,omitempty"` // 上位 Level1 条款引用 (如 "MiFID II|Art.25")
	EffectiveAt     int64  `gorm:"type:bigint;not null;index" json:"effective_at"`
	Content         string `gorm:"type:text;not null" json:"content"`
	ContentHash     string `gorm:"type:varchar(64);not null" json:"content_hash"`
	SourcePublisher string `gorm:"type:varchar(128)" json:"source_publisher"`
	SourceURL       string `gorm:"type:varchar(512)" json:"source_url"`
	RetrievedAt     int64  `gorm:"type:bigint;not null" json:"retrieved_at"`
	CreatedAt       int64  `gorm:"type:bigint;not null;autoCreateTime:milli" json:"created_at"`
}

// TableName 返回表名
func (Obligation) TableName() string {
	return "obligations"
}

// Slot 返回义务所在槽位
func (o *Obligation) Slot() Slot {
	return Slot{
		RegulationName: o.RegulationName,
		Article:        o.Article,
		Clause:         o.Clause,
		Jurisdiction:   o.Jurisdiction,
	}
}

// EffectiveTime 生效时间
func (o *Obligation) EffectiveTime() time.Time {
	return time.UnixMilli(o.EffectiveAt)
}

// IsEffective 在 at 时刻是否已生效
func (o *Obligation) IsEffective(at time.Time) bool {
	return o.EffectiveAt <= at.UnixMilli()
}
