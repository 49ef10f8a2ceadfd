// Package query is a small typed query description used by the merge engine to
// read collections without building store-specific query strings. A store
// adapter compiles a Query to its own dialect (see pkg/store/pgx) or evaluates
// it directly (see pkg/store/memory).
package query

import (
	"errors"
	"fmt"
	"slices"
)

var ErrUnknownField = errors.New("unknown query field")

// Field names understood by every adapter.
const (
	FieldID          = "_id"
	FieldKind        = "kind"
	FieldStatus      = "status"
	FieldCanonicalID = "canonical_id"
	FieldCreatedAt   = "created_at"
	FieldRevision    = "_rev"
	FieldClaims      = "claims"
)

// Fields is the whitelist of filterable and projectable vertex fields.
var Fields = []string{
	FieldID,
	FieldKind,
	FieldStatus,
	FieldCanonicalID,
	FieldCreatedAt,
	FieldRevision,
	FieldClaims,
}

// Op is a predicate operator.
type Op string

const (
	OpEq  Op = "eq"
	OpNe  Op = "ne"
	OpIn  Op = "in"
	OpAnd Op = "and"
	OpOr  Op = "or"
)

// Predicate is a filter expression tree. Leaves compare one field against a
// value; And and Or combine children.
type Predicate struct {
	Op       Op
	Field    string
	Value    any
	Values   []any
	Children []Predicate
}

func Eq(field string, value any) Predicate {
	return Predicate{Op: OpEq, Field: field, Value: value}
}

func Ne(field string, value any) Predicate {
	return Predicate{Op: OpNe, Field: field, Value: value}
}

func In[T any](field string, values ...T) Predicate {
	vs := make([]any, len(values))
	for i, v := range values {
		vs[i] = v
	}
	return Predicate{Op: OpIn, Field: field, Values: vs}
}

func And(children ...Predicate) Predicate {
	return Predicate{Op: OpAnd, Children: children}
}

func Or(children ...Predicate) Predicate {
	return Predicate{Op: OpOr, Children: children}
}

// Query selects a page of one collection ordered by id. After is the exclusive
// id cursor of the previous page.
type Query struct {
	Collection string
	Filter     *Predicate
	Fields     []string
	After      string
	Limit      int
}

// From starts a query over collection.
func From(collection string) Query {
	return Query{Collection: collection}
}

func (q Query) Where(p Predicate) Query {
	q.Filter = &p
	return q
}

func (q Query) Select(fields ...string) Query {
	q.Fields = fields
	return q
}

func (q Query) Page(after string, limit int) Query {
	q.After = after
	q.Limit = limit
	return q
}

// Validate checks the collection and every referenced field against the
// whitelist.
func (q Query) Validate() error {
	if q.Collection == "" {
		return errors.New("query collection is empty")
	}
	if q.Limit < 0 {
		return fmt.Errorf("query limit must not be negative, got %d", q.Limit)
	}
	for _, f := range q.Fields {
		if !slices.Contains(Fields, f) {
			return fmt.Errorf("%w: %q", ErrUnknownField, f)
		}
	}
	if q.Filter != nil {
		return q.Filter.validate()
	}
	return nil
}

func (p Predicate) validate() error {
	switch p.Op {
	case OpAnd, OpOr:
		if len(p.Children) == 0 {
			return fmt.Errorf("%s predicate without children", p.Op)
		}
		for _, c := range p.Children {
			if err := c.validate(); err != nil {
				return err
			}
		}
		return nil
	case OpEq, OpNe, OpIn:
		if p.Field == FieldClaims || !slices.Contains(Fields, p.Field) {
			return fmt.Errorf("%w: %q", ErrUnknownField, p.Field)
		}
		return nil
	default:
		return fmt.Errorf("unknown predicate operator %q", p.Op)
	}
}

// Match evaluates the predicate against a record. get returns the value of a
// field; values are compared by their string form.
func (p Predicate) Match(get func(field string) any) bool {
	switch p.Op {
	case OpAnd:
		for _, c := range p.Children {
			if !c.Match(get) {
				return false
			}
		}
		return true
	case OpOr:
		for _, c := range p.Children {
			if c.Match(get) {
				return true
			}
		}
		return false
	case OpEq:
		return equal(get(p.Field), p.Value)
	case OpNe:
		return !equal(get(p.Field), p.Value)
	case OpIn:
		v := get(p.Field)
		for _, want := range p.Values {
			if equal(v, want) {
				return true
			}
		}
		return false
	}
	return false
}

func equal(a, b any) bool {
	return fmt.Sprint(a) == fmt.Sprint(b)
}
