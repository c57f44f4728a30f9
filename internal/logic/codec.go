package logic

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gaigenticai/ComplianceAI-sub001/pkg/canonical"
)

// ErrInvalidExpr is returned when a serialized tree cannot be decoded
var ErrInvalidExpr = errors.New("invalid logic expression")

// MaxDepth bounds nesting accepted by Unmarshal
const MaxDepth = 64

// node is the tagged JSON envelope of an expression
type node struct {
	Kind     NodeKind `json:"kind"`
	Literal  *bool    `json:"literal,omitempty"`
	Field    string   `json:"field,omitempty"`
	Op       Operator `json:"op,omitempty"`
	Value    *Value   `json:"value,omitempty"`
	Children []*node  `json:"children,omitempty"`
	Child    *node    `json:"child,omitempty"`
}

func toNode(e Expr) (*node, error) {
	switch n := e.(type) {
	case Literal:
		v := n.Value
		return &node{Kind: NodeLiteral, Literal: &v}, nil
	case Comparison:
		if n.Field == "" {
			return nil, fmt.Errorf("%w: comparison without field", ErrInvalidExpr)
		}
		if !n.Op.Valid() {
			return nil, fmt.Errorf("%w: unknown operator %q", ErrInvalidExpr, n.Op)
		}
		if !n.Value.IsValid() {
			return nil, fmt.Errorf("%w: comparison on %s without value", ErrInvalidExpr, n.Field)
		}
		v := n.Value
		return &node{Kind: NodeComparison, Field: n.Field, Op: n.Op, Value: &v}, nil
	case And:
		children, err := toNodes(n.Children)
		if err != nil {
			return nil, err
		}
		return &node{Kind: NodeAnd, Children: children}, nil
	case Or:
		children, err := toNodes(n.Children)
		if err != nil {
			return nil, err
		}
		return &node{Kind: NodeOr, Children: children}, nil
	case Not:
		child, err := toNode(n.Child)
		if err != nil {
			return nil, err
		}
		return &node{Kind: NodeNot, Child: child}, nil
	case nil:
		return nil, fmt.Errorf("%w: nil node", ErrInvalidExpr)
	}
	return nil, fmt.Errorf("%w: unsupported node %T", ErrInvalidExpr, e)
}

func toNodes(es []Expr) ([]*node, error) {
	out := make([]*node, 0, len(es))
	for _, e := range es {
		n, err := toNode(e)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

func fromNode(n *node, depth int) (Expr, error) {
	if n == nil {
		return nil, fmt.Errorf("%w: nil node", ErrInvalidExpr)
	}
	if depth > MaxDepth {
		return nil, fmt.Errorf("%w: nesting deeper than %d", ErrInvalidExpr, MaxDepth)
	}
	switch n.Kind {
	case NodeLiteral:
		if n.Literal == nil {
			return nil, fmt.Errorf("%w: literal without value", ErrInvalidExpr)
		}
		return Literal{Value: *n.Literal}, nil
	case NodeComparison:
		if n.Field == "" || !n.Op.Valid() || n.Value == nil {
			return nil, fmt.Errorf("%w: malformed comparison", ErrInvalidExpr)
		}
		return Comparison{Field: n.Field, Op: n.Op, Value: *n.Value}, nil
	case NodeAnd, NodeOr:
		children := make([]Expr, 0, len(n.Children))
		for _, c := range n.Children {
			e, err := fromNode(c, depth+1)
			if err != nil {
				return nil, err
			}
			children = append(children, e)
		}
		if n.Kind == NodeAnd {
			return And{Children: children}, nil
		}
		return Or{Children: children}, nil
	case NodeNot:
		child, err := fromNode(n.Child, depth+1)
		if err != nil {
			return nil, err
		}
		return Not{Child: child}, nil
	}
	return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidExpr, n.Kind)
}

// Marshal returns the canonical (JCS) JSON encoding of e.
// Equal trees always produce byte-identical output.
func Marshal(e Expr) ([]byte, error) {
	n, err := toNode(e)
	if err != nil {
		return nil, err
	}
	return canonical.Marshal(n)
}

// Unmarshal decodes a tree produced by Marshal
func Unmarshal(data []byte) (Expr, error) {
	var n node
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidExpr, err)
	}
	return fromNode(&n, 0)
}

// CanonicalString returns the canonical encoding as a string; an
// unencodable tree yields a marker prefixed with "invalid:"
func CanonicalString(e Expr) string {
	b, err := Marshal(e)
	if err != nil {
		return "invalid:" + Format(e)
	}
	return string(b)
}

// Hash returns the SHA-256 of the canonical encoding
func Hash(e Expr) (string, error) {
	b, err := Marshal(e)
	if err != nil {
		return "", err
	}
	return canonical.HashBytes(b), nil
}

// Equal reports whether two trees have the same canonical encoding
func Equal(a, b Expr) bool {
	return CanonicalString(a) == CanonicalString(b)
}
