package pgx

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/OFFIS-RIT/kbmerge/pkg/query"
)

// columns maps query fields to vertex table columns.
var columns = map[string]string{
	query.FieldID:          "id",
	query.FieldKind:        "kind",
	query.FieldStatus:      "status",
	query.FieldCanonicalID: "canonical_id",
	query.FieldCreatedAt:   "created_at",
	query.FieldRevision:    "rev",
	query.FieldClaims:      "claims",
}

const vertexColumns = "id, kind, rev, status, canonical_id, created_at, claims"

// compiled is a parameterised SELECT over the vertices table.
type compiled struct {
	SQL  string
	Args []any
}

type argList []any

func (a *argList) add(v any) string {
	*a = append(*a, v)
	return "$" + strconv.Itoa(len(*a))
}

// compile translates q into SQL. It fetches one row more than the limit so
// the caller can tell whether another page follows.
func compile(q query.Query) (compiled, error) {
	if err := q.Validate(); err != nil {
		return compiled{}, err
	}

	var args argList
	where := []string{"kind = " + args.add(q.Collection)}
	if q.After != "" {
		where = append(where, "id > "+args.add(q.After))
	}
	if q.Filter != nil {
		cond, err := compilePredicate(*q.Filter, &args)
		if err != nil {
			return compiled{}, err
		}
		where = append(where, cond)
	}

	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(selectList(q.Fields))
	b.WriteString(" FROM vertices WHERE ")
	b.WriteString(strings.Join(where, " AND "))
	b.WriteString(" ORDER BY id")
	if q.Limit > 0 {
		b.WriteString(" LIMIT ")
		b.WriteString(args.add(q.Limit + 1))
	}
	return compiled{SQL: b.String(), Args: args}, nil
}

// selectList always includes the id so pages keep their cursor.
func selectList(fields []string) string {
	if len(fields) == 0 {
		return vertexColumns
	}
	cols := []string{"id"}
	for _, f := range fields {
		c := columns[f]
		if c == "id" {
			continue
		}
		cols = append(cols, c)
	}
	return strings.Join(cols, ", ")
}

func compilePredicate(p query.Predicate, args *argList) (string, error) {
	switch p.Op {
	case query.OpAnd, query.OpOr:
		parts := make([]string, 0, len(p.Children))
		for _, c := range p.Children {
			s, err := compilePredicate(c, args)
			if err != nil {
				return "", err
			}
			parts = append(parts, s)
		}
		sep := " AND "
		if p.Op == query.OpOr {
			sep = " OR "
		}
		return "(" + strings.Join(parts, sep) + ")", nil
	case query.OpEq:
		return columns[p.Field] + " = " + args.add(plain(p.Value)), nil
	case query.OpNe:
		return columns[p.Field] + " <> " + args.add(plain(p.Value)), nil
	case query.OpIn:
		if len(p.Values) == 0 {
			return "FALSE", nil
		}
		ph := make([]string, len(p.Values))
		for i, v := range p.Values {
			ph[i] = args.add(plain(v))
		}
		return columns[p.Field] + " IN (" + strings.Join(ph, ", ") + ")", nil
	}
	return "", fmt.Errorf("unknown predicate operator %q", p.Op)
}

// plain unwraps named string and integer types such as kb.Status so the
// driver encodes them like their underlying type.
func plain(v any) any {
	if v == nil {
		return nil
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.String:
		return rv.String()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int()
	}
	return v
}
