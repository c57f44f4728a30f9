package event

import (
	"fmt"
	"strings"
)

// Topics 总线主题配置
type Topics struct {
	RegulatoryUpdates string `yaml:"regulatory_updates" json:"regulatory_updates"` // 义务变更 (ingest → pipeline)
	RuleUpdates       string `yaml:"rule_updates" json:"rule_updates"`             // 规则集变更 (pipeline → 各副本)
	Audit             string `yaml:"audit" json:"audit"`                           // 审计记录 (best effort)
}

// DefaultTopics 默认主题
func DefaultTopics() Topics {
	return Topics{
		RegulatoryUpdates: TopicRegulatoryUpdates,
		RuleUpdates:       TopicRuleUpdates,
		Audit:             TopicAudit,
	}
}

// WithDefaults 未配置的主题使用默认值
func (t Topics) WithDefaults() Topics {
	def := DefaultTopics()
	if strings.TrimSpace(t.RegulatoryUpdates) == "" {
		t.RegulatoryUpdates = def.RegulatoryUpdates
	}
	if strings.TrimSpace(t.RuleUpdates) == "" {
		t.RuleUpdates = def.RuleUpdates
	}
	if strings.TrimSpace(t.Audit) == "" {
		t.Audit = def.Audit
	}
	return t
}

// Validate 主题必须互不相同
func (t Topics) Validate() error {
	seen := make(map[string]string, 3)
	for _, kv := range [][2]string{
		{"regulatory_updates", t.RegulatoryUpdates},
		{"rule_updates", t.RuleUpdates},
		{"audit", t.Audit},
	} {
		if kv[1] == "" {
			return fmt.Errorf("topic %s is empty", kv[0])
		}
		if other, ok := seen[kv[1]]; ok {
			return fmt.Errorf("topic %s duplicates %s: %s", kv[0], other, kv[1])
		}
		seen[kv[1]] = kv[0]
	}
	return nil
}

// For 事件类型对应的主题，未知类型返回空串
func (t Topics) For(typ Type) string {
	switch typ {
	case TypeObligationChanged:
		return t.RegulatoryUpdates
	case TypeRuleCompiled, TypeOverlapConsolidated:
		return t.RuleUpdates
	case TypeAuditRecorded:
		return t.Audit
	}
	return ""
}

// Consumed 本服务消费的主题
func (t Topics) Consumed() []string {
	return []string{t.RegulatoryUpdates, t.RuleUpdates}
}
