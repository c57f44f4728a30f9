package logic

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Case holds the facts a rule is evaluated against. Nested objects are
// addressed with dot-separated field paths.
type Case map[string]any

// Lookup resolves a dot-separated path
func (c Case) Lookup(path string) (any, bool) {
	var cur any = map[string]any(c)
	for _, part := range strings.Split(path, ".") {
		m, ok := asMap(cur)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, cur != nil
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case Case:
		return m, true
	}
	return nil, false
}

func (l Literal) Eval(Case) bool { return l.Value }

func (a And) Eval(c Case) bool {
	for _, child := range a.Children {
		if !child.Eval(c) {
			return false
		}
	}
	return true
}

func (o Or) Eval(c Case) bool {
	for _, child := range o.Children {
		if child.Eval(c) {
			return true
		}
	}
	return false
}

func (n Not) Eval(c Case) bool { return !n.Child.Eval(c) }

// Eval applies the comparison. A missing field or a type mismatch yields false
// for every operator, including ne and not_in.
func (cmp Comparison) Eval(c Case) bool {
	raw, ok := c.Lookup(cmp.Field)
	if !ok {
		return false
	}
	fact, ok := toValue(raw)
	if !ok {
		return false
	}

	switch cmp.Op {
	case OpGT, OpGTE, OpLT, OpLTE:
		if fact.kind != KindNumber || cmp.Value.kind != KindNumber {
			return false
		}
		r := fact.num.Cmp(cmp.Value.num)
		switch cmp.Op {
		case OpGT:
			return r > 0
		case OpGTE:
			return r >= 0
		case OpLT:
			return r < 0
		default:
			return r <= 0
		}
	case OpEQ:
		return fact.kind == cmp.Value.kind && fact.Equal(cmp.Value)
	case OpNE:
		return fact.kind == cmp.Value.kind && !fact.Equal(cmp.Value)
	case OpIn:
		return cmp.Value.kind == KindList && member(fact, cmp.Value.items)
	case OpNotIn:
		return cmp.Value.kind == KindList && !member(fact, cmp.Value.items)
	case OpContains:
		switch fact.kind {
		case KindString:
			return cmp.Value.kind == KindString && strings.Contains(fact.str, cmp.Value.str)
		case KindList:
			return member(cmp.Value, fact.items)
		}
	}
	return false
}

func member(v Value, items []Value) bool {
	for _, it := range items {
		if it.Equal(v) {
			return true
		}
	}
	return false
}

// toValue converts a decoded case fact into a typed Value
func toValue(raw any) (Value, bool) {
	switch v := raw.(type) {
	case Value:
		return v, v.IsValid()
	case bool:
		return Bool(v), true
	case string:
		return String(v), true
	case decimal.Decimal:
		return Number(v), true
	case json.Number:
		d, err := decimal.NewFromString(v.String())
		if err != nil {
			return Value{}, false
		}
		return Number(d), true
	case float64:
		return Number(decimal.NewFromFloat(v)), true
	case float32:
		return Number(decimal.NewFromFloat32(v)), true
	case int:
		return Int(int64(v)), true
	case int32:
		return Int(int64(v)), true
	case int64:
		return Int(v), true
	case uint:
		return Number(decimal.RequireFromString(strconv.FormatUint(uint64(v), 10))), true
	case uint64:
		return Number(decimal.RequireFromString(strconv.FormatUint(v, 10))), true
	case []any:
		items := make([]Value, 0, len(v))
		for _, it := range v {
			iv, ok := toValue(it)
			if !ok {
				return Value{}, false
			}
			items = append(items, iv)
		}
		return List(items...), true
	case []string:
		items := make([]Value, len(v))
		for i, s := range v {
			items[i] = String(s)
		}
		return List(items...), true
	}
	return Value{}, false
}

// ValueOf converts a Go value into a Value
func ValueOf(raw any) (Value, error) {
	v, ok := toValue(raw)
	if !ok {
		return Value{}, fmt.Errorf("unsupported value type %T", raw)
	}
	return v, nil
}
