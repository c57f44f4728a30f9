package compiler

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/gaigenticai/ComplianceAI-sub001/internal/logic"
)

var (
	sentenceSplit      = regexp.MustCompile(`[.;!?](?:\s+|$)|\n+`)
	wordPattern        = regexp.MustCompile(`[a-z][a-z0-9]*`)
	actionablePattern  = regexp.MustCompile(`(?i)\b(?:must|shall|required|mandatory|prohibited|exceeds?|exceeding|above|below|minimum|maximum|within|before|after|during|at\s+least|at\s+most)\b`)
	explicitPattern    = regexp.MustCompile(`\b([A-Za-z][A-Za-z0-9_]*)\s*(>=|<=|!=|==|>|<)\s*(-?\d+(?:\.\d+)?|"[^"]*"|true|false)`)
	thresholdPattern   = regexp.MustCompile(`(?i)\b(not\s+exceed|exceeds?|exceeding|above|more\s+than|greater\s+than|below|less\s+than|under|minimum(?:\s+of)?|at\s+least|maximum(?:\s+of)?|at\s+most)\s+(?:(?:eur|usd|gbp)\s*|[€$£]\s*)?(\d+(?:,\d{3})*(?:\.\d+)?)`)
	durationPattern    = regexp.MustCompile(`(?i)\bwithin\s+(\d+)\s*(days?|months?|years?)\b`)
	segmentPattern     = regexp.MustCompile(`(?i)\bfor\s+(retail|professional|corporate|institutional|individual|business)\s+(?:customers?|clients?|investors?)\b`)
	prohibitionPattern = regexp.MustCompile(`(?i)\b(?:must|shall|may)\s+not\b|\bprohibited\b`)
	requirementPattern = regexp.MustCompile(`(?i)\b(?:must|shall|required|mandatory)\b`)
)

// SegmentField is the case field the customer segment qualifier is compared against
const SegmentField = "customer_segment"

const (
	subjectWords = 3
	defaultField = "value"
)

// stopwords never contribute to a derived field name
var stopwords = toSet(
	"a", "an", "the", "of", "to", "in", "on", "at", "for", "and", "or", "by", "with", "from", "as",
	"is", "are", "be", "been", "being", "was", "were", "has", "have", "such", "per",
	"must", "shall", "should", "may", "will", "not", "no", "any", "all", "each", "every",
	"its", "their", "it", "this", "that", "these", "those", "which", "who",
	"than", "more", "less", "greater", "least", "most", "under", "above", "below",
	"exceed", "exceeds", "exceeding", "minimum", "maximum", "within", "before", "after", "during",
	"required", "mandatory", "prohibited", "eur", "usd", "gbp", "percent",
)

func toSet(words ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}

var thresholdOps = map[string]logic.Operator{
	"not exceed":   logic.OpLTE,
	"exceed":       logic.OpGT,
	"exceeds":      logic.OpGT,
	"exceeding":    logic.OpGT,
	"above":        logic.OpGT,
	"more than":    logic.OpGT,
	"greater than": logic.OpGT,
	"below":        logic.OpLT,
	"less than":    logic.OpLT,
	"under":        logic.OpLT,
	"minimum":      logic.OpGTE,
	"minimum of":   logic.OpGTE,
	"at least":     logic.OpGTE,
	"maximum":      logic.OpLTE,
	"maximum of":   logic.OpLTE,
	"at most":      logic.OpLTE,
}

var explicitOps = map[string]logic.Operator{
	">":  logic.OpGT,
	">=": logic.OpGTE,
	"<":  logic.OpLT,
	"<=": logic.OpLTE,
	"==": logic.OpEQ,
	"!=": logic.OpNE,
}

var durationDays = map[string]int64{
	"day":   1,
	"month": 30,
	"year":  365,
}

// splitSentences splits content into trimmed non-empty sentences
func splitSentences(content string) []string {
	parts := sentenceSplit.Split(content, -1)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// isActionable reports whether a sentence states a requirement
func isActionable(sentence string) bool {
	return actionablePattern.MatchString(sentence) || explicitPattern.MatchString(sentence)
}

// condition is one extracted comparison located in the sentence. An empty
// field is derived from the words preceding the match.
type condition struct {
	start, end int
	field      string
	suffix     string
	op         logic.Operator
	value      logic.Value
}

// extract turns one sentence into its conjunction of conditions. It returns
// nil when the sentence carries no condition.
func extract(sentence string) (logic.Expr, bool) {
	text := sentence
	var segment logic.Expr
	if m := segmentPattern.FindStringSubmatchIndex(text); m != nil {
		segment = logic.Compare(SegmentField, logic.OpEQ, logic.String(strings.ToLower(text[m[2]:m[3]])))
		text = text[:m[0]] + " " + text[m[1]:]
	}

	conds := locate(text)
	exprs := make([]logic.Expr, 0, len(conds)+1)
	prevEnd := 0
	for _, c := range conds {
		field := c.field
		if field == "" {
			field = fieldBefore(text[prevEnd:c.start])
			if field == "" {
				field = fieldBefore(text[:c.start])
			}
			if field == "" {
				field = defaultField
			}
			field += c.suffix
		}
		exprs = append(exprs, logic.Compare(field, c.op, c.value))
		prevEnd = c.end
	}

	if len(exprs) == 0 {
		if flag := modalFlag(text); flag != nil {
			exprs = append(exprs, flag)
		}
	}
	if len(exprs) == 0 {
		return nil, false
	}
	if segment != nil {
		exprs = append(exprs, segment)
	}
	return logic.NewAnd(exprs...), true
}

// locate finds explicit comparisons, thresholds and durations ordered by position
func locate(text string) []condition {
	var out []condition
	for _, m := range explicitPattern.FindAllStringSubmatchIndex(text, -1) {
		v, ok := literalValue(text[m[6]:m[7]])
		if !ok {
			continue
		}
		out = append(out, condition{
			start: m[0],
			end:   m[1],
			field: strings.ToLower(text[m[2]:m[3]]),
			op:    explicitOps[text[m[4]:m[5]]],
			value: v,
		})
	}
	for _, m := range thresholdPattern.FindAllStringSubmatchIndex(text, -1) {
		keyword := strings.Join(strings.Fields(strings.ToLower(text[m[2]:m[3]])), " ")
		op, ok := thresholdOps[keyword]
		if !ok {
			continue
		}
		amount, err := decimal.NewFromString(strings.ReplaceAll(text[m[4]:m[5]], ",", ""))
		if err != nil {
			continue
		}
		out = append(out, condition{start: m[0], end: m[1], op: op, value: logic.Number(amount)})
	}
	for _, m := range durationPattern.FindAllStringSubmatchIndex(text, -1) {
		n, err := strconv.ParseInt(text[m[2]:m[3]], 10, 64)
		if err != nil {
			continue
		}
		unit := strings.TrimSuffix(strings.ToLower(text[m[4]:m[5]]), "s")
		out = append(out, condition{
			start:  m[0],
			end:    m[1],
			suffix: "_days",
			op:     logic.OpLTE,
			value:  logic.Int(n * durationDays[unit]),
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].start < out[j].start })
	return out
}

// modalFlag builds a boolean requirement from must/shall/prohibited phrasing.
// The regulated action is taken from the words after the modal, or before it
// when the modal ends the sentence.
func modalFlag(text string) logic.Expr {
	if loc := prohibitionPattern.FindStringIndex(text); loc != nil {
		if field := actionField(text, loc); field != "" {
			return logic.NewNot(logic.Compare(field, logic.OpEQ, logic.Bool(true)))
		}
	}
	if loc := requirementPattern.FindStringIndex(text); loc != nil {
		if field := actionField(text, loc); field != "" {
			return logic.Compare(field, logic.OpEQ, logic.Bool(true))
		}
	}
	return nil
}

func actionField(text string, loc []int) string {
	if field := fieldAfter(text[loc[1]:]); field != "" {
		return field
	}
	return fieldBefore(text[:loc[0]])
}

// fieldBefore names a field from the last significant words of text
func fieldBefore(text string) string {
	words := significant(text)
	if len(words) > subjectWords {
		words = words[len(words)-subjectWords:]
	}
	return strings.Join(words, "_")
}

// fieldAfter names a field from the first significant words of text
func fieldAfter(text string) string {
	words := significant(text)
	if len(words) > subjectWords {
		words = words[:subjectWords]
	}
	return strings.Join(words, "_")
}

func significant(text string) []string {
	words := wordPattern.FindAllString(strings.ToLower(text), -1)
	out := words[:0]
	for _, w := range words {
		if _, stop := stopwords[w]; !stop {
			out = append(out, w)
		}
	}
	return out
}

func literalValue(raw string) (logic.Value, bool) {
	switch {
	case raw == "true":
		return logic.Bool(true), true
	case raw == "false":
		return logic.Bool(false), true
	case strings.HasPrefix(raw, `"`):
		return logic.String(strings.Trim(raw, `"`)), true
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return logic.Value{}, false
	}
	return logic.Number(d), true
}
