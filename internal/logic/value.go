// Package logic provides the typed boolean condition tree that compiled rules
// are expressed in, together with its canonical encoding, evaluator and
// satisfiability check.
package logic

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// ValueKind identifies the type carried by a Value
type ValueKind string

const (
	KindNumber ValueKind = "number"
	KindString ValueKind = "string"
	KindBool   ValueKind = "bool"
	KindList   ValueKind = "list"
)

// Value is a typed comparison operand. The zero value is an invalid value.
type Value struct {
	kind  ValueKind
	num   decimal.Decimal
	str   string
	flag  bool
	items []Value
}

// Number creates a numeric value
func Number(d decimal.Decimal) Value {
	return Value{kind: KindNumber, num: d}
}

// Int creates a numeric value from an integer
func Int(n int64) Value {
	return Number(decimal.NewFromInt(n))
}

// String creates a string value
func String(s string) Value {
	return Value{kind: KindString, str: s}
}

// Bool creates a boolean value
func Bool(b bool) Value {
	return Value{kind: KindBool, flag: b}
}

// List creates a list value. Items are kept in canonical order without duplicates.
func List(items ...Value) Value {
	seen := make(map[string]struct{}, len(items))
	out := make([]Value, 0, len(items))
	for _, it := range items {
		key := it.key()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].key() < out[j].key() })
	return Value{kind: KindList, items: out}
}

// Kind returns the value kind
func (v Value) Kind() ValueKind { return v.kind }

// IsValid reports whether the value carries a type
func (v Value) IsValid() bool { return v.kind != "" }

// Decimal returns the numeric payload
func (v Value) Decimal() decimal.Decimal { return v.num }

// Str returns the string payload
func (v Value) Str() string { return v.str }

// BoolValue returns the boolean payload
func (v Value) BoolValue() bool { return v.flag }

// Items returns a copy of the list payload
func (v Value) Items() []Value {
	return append([]Value(nil), v.items...)
}

// Equal reports whether two values have the same kind and payload
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNumber:
		return v.num.Equal(o.num)
	case KindString:
		return v.str == o.str
	case KindBool:
		return v.flag == o.flag
	case KindList:
		if len(v.items) != len(o.items) {
			return false
		}
		for i := range v.items {
			if !v.items[i].Equal(o.items[i]) {
				return false
			}
		}
		return true
	}
	return o.kind == ""
}

// key is a stable identity used for ordering and set membership
func (v Value) key() string {
	switch v.kind {
	case KindNumber:
		return "n:" + v.num.String()
	case KindString:
		return "s:" + v.str
	case KindBool:
		if v.flag {
			return "b:true"
		}
		return "b:false"
	case KindList:
		parts := make([]string, len(v.items))
		for i, it := range v.items {
			parts[i] = it.key()
		}
		return "l:[" + strings.Join(parts, ",") + "]"
	}
	return ""
}

// String renders the value for humans
func (v Value) String() string {
	switch v.kind {
	case KindNumber:
		return v.num.String()
	case KindString:
		return fmt.Sprintf("%q", v.str)
	case KindBool:
		if v.flag {
			return "true"
		}
		return "false"
	case KindList:
		parts := make([]string, len(v.items))
		for i, it := range v.items {
			parts[i] = it.String()
		}
		return "[" + strings.Join(parts, ", ") + "]"
	}
	return "<invalid>"
}

type valueJSON struct {
	Type   ValueKind `json:"type"`
	Number string    `json:"number,omitempty"`
	String *string   `json:"string,omitempty"`
	Bool   *bool     `json:"bool,omitempty"`
	Items  []Value   `json:"items,omitempty"`
}

// MarshalJSON encodes the value with an explicit type tag. Numbers are encoded
// as decimal strings so that canonical output does not depend on float formatting.
func (v Value) MarshalJSON() ([]byte, error) {
	out := valueJSON{Type: v.kind}
	switch v.kind {
	case KindNumber:
		out.Number = v.num.String()
	case KindString:
		s := v.str
		out.String = &s
	case KindBool:
		b := v.flag
		out.Bool = &b
	case KindList:
		out.Items = v.items
		if out.Items == nil {
			out.Items = []Value{}
		}
	default:
		return nil, fmt.Errorf("cannot encode invalid value")
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes a tagged value
func (v *Value) UnmarshalJSON(data []byte) error {
	var in valueJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	switch in.Type {
	case KindNumber:
		d, err := decimal.NewFromString(in.Number)
		if err != nil {
			return fmt.Errorf("invalid number %q: %w", in.Number, err)
		}
		*v = Number(d)
	case KindString:
		if in.String == nil {
			return fmt.Errorf("string value missing payload")
		}
		*v = String(*in.String)
	case KindBool:
		if in.Bool == nil {
			return fmt.Errorf("bool value missing payload")
		}
		*v = Bool(*in.Bool)
	case KindList:
		*v = List(in.Items...)
	default:
		return fmt.Errorf("unknown value type %q", in.Type)
	}
	return nil
}
