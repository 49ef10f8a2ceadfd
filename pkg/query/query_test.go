package query

import (
	"errors"
	"testing"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		q       Query
		wantErr bool
	}{
		{name: "ok", q: From("documents").Where(Eq(FieldStatus, "active")).Select(FieldID, FieldClaims).Page("documents/1", 10)},
		{name: "empty collection", q: Query{}, wantErr: true},
		{name: "unknown projection", q: From("documents").Select("password"), wantErr: true},
		{name: "unknown filter field", q: From("documents").Where(Eq("1=1; drop table", "x")), wantErr: true},
		{name: "claims not filterable", q: From("documents").Where(Eq(FieldClaims, "x")), wantErr: true},
		{name: "empty and", q: From("documents").Where(And()), wantErr: true},
		{name: "negative limit", q: From("documents").Page("", -1), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.q.Validate()
			if tt.wantErr && err == nil {
				t.Fatal("expected error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
		})
	}
}

func TestValidateUnknownFieldIsTyped(t *testing.T) {
	err := From("persons").Where(Eq("nope", 1)).Validate()
	if !errors.Is(err, ErrUnknownField) {
		t.Fatalf("expected ErrUnknownField, got %v", err)
	}
}

func TestMatch(t *testing.T) {
	record := map[string]any{
		FieldID:     "persons/1",
		FieldStatus: "active",
		FieldKind:   "persons",
	}
	get := func(f string) any { return record[f] }

	tests := []struct {
		name string
		p    Predicate
		want bool
	}{
		{name: "eq", p: Eq(FieldStatus, "active"), want: true},
		{name: "ne", p: Ne(FieldStatus, "active"), want: false},
		{name: "in", p: In(FieldStatus, "absorbed", "active"), want: true},
		{name: "in miss", p: In(FieldStatus, "absorbed", "conflict"), want: false},
		{name: "and", p: And(Eq(FieldKind, "persons"), Eq(FieldStatus, "active")), want: true},
		{name: "and miss", p: And(Eq(FieldKind, "persons"), Eq(FieldStatus, "absorbed")), want: false},
		{name: "or", p: Or(Eq(FieldKind, "documents"), Eq(FieldID, "persons/1")), want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.p.Match(get); got != tt.want {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
		})
	}
}
