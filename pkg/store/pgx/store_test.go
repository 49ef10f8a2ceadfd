package pgx

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"

	pgxv5 "github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/OFFIS-RIT/kbmerge/pkg/kb"
	"github.com/OFFIS-RIT/kbmerge/pkg/query"
	"github.com/OFFIS-RIT/kbmerge/pkg/store"
)

type fakeRow struct {
	vals []any
	err  error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *int64:
			*p = r.vals[i].(int64)
		case *string:
			*p = r.vals[i].(string)
		default:
			return fmt.Errorf("unsupported scan target %T", d)
		}
	}
	return nil
}

type call struct {
	sql  string
	args []any
}

type fakeConn struct {
	calls    []call
	exec     func(sql string) (pgconn.CommandTag, error)
	queryRow func(sql string) pgxv5.Row
	tx       *fakeTx
	txOpts   *pgxv5.TxOptions
}

func (c *fakeConn) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	c.calls = append(c.calls, call{sql, args})
	if c.exec == nil {
		return pgconn.NewCommandTag("UPDATE 1"), nil
	}
	return c.exec(sql)
}

func (c *fakeConn) Query(ctx context.Context, sql string, args ...any) (pgxv5.Rows, error) {
	return nil, errors.New("not supported")
}

func (c *fakeConn) QueryRow(ctx context.Context, sql string, args ...any) pgxv5.Row {
	c.calls = append(c.calls, call{sql, args})
	return c.queryRow(sql)
}

func (c *fakeConn) Begin(ctx context.Context) (pgxv5.Tx, error) {
	c.tx = &fakeTx{conn: c}
	return c.tx, nil
}

func (c *fakeConn) BeginTx(ctx context.Context, opts pgxv5.TxOptions) (pgxv5.Tx, error) {
	c.txOpts = &opts
	return c.Begin(ctx)
}

type fakeTx struct {
	pgxv5.Tx
	conn       *fakeConn
	committed  bool
	rolledBack bool
}

func (t *fakeTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return t.conn.Exec(ctx, sql, args...)
}

func (t *fakeTx) QueryRow(ctx context.Context, sql string, args ...any) pgxv5.Row {
	return t.conn.QueryRow(ctx, sql, args...)
}

func (t *fakeTx) Commit(ctx context.Context) error {
	t.committed = true
	return nil
}

func (t *fakeTx) Rollback(ctx context.Context) error {
	if t.committed {
		return pgxv5.ErrTxClosed
	}
	t.rolledBack = true
	return nil
}

func TestCompileScanQuery(t *testing.T) {
	q := query.From(string(kb.KindDocument)).
		Where(query.And(
			query.Eq(query.FieldStatus, kb.StatusActive),
			query.Or(query.Ne(query.FieldCanonicalID, ""), query.In(query.FieldRevision, int64(1), int64(2))),
		)).
		Page("documents/10", 50)

	c, err := compile(q)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	want := "SELECT id, kind, rev, status, canonical_id, created_at, claims FROM vertices " +
		"WHERE kind = $1 AND id > $2 AND (status = $3 AND (canonical_id <> $4 OR rev IN ($5, $6))) " +
		"ORDER BY id LIMIT $7"
	if c.SQL != want {
		t.Fatalf("unexpected sql:\n got %s\nwant %s", c.SQL, want)
	}
	wantArgs := []any{"documents", "documents/10", "active", "", int64(1), int64(2), 51}
	if !reflect.DeepEqual(c.Args, wantArgs) {
		t.Fatalf("unexpected args: %#v", c.Args)
	}
}

func TestCompileProjectionKeepsID(t *testing.T) {
	c, err := compile(query.From("software").Select(query.FieldClaims, query.FieldID))
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if c.SQL != "SELECT id, claims FROM vertices WHERE kind = $1 ORDER BY id" {
		t.Fatalf("unexpected sql: %s", c.SQL)
	}
}

func TestCompileEmptyInMatchesNothing(t *testing.T) {
	c, err := compile(query.From("persons").Where(query.In[string](query.FieldID)))
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if !strings.Contains(c.SQL, "AND FALSE") {
		t.Fatalf("expected FALSE condition, got %s", c.SQL)
	}
}

func TestCompileRejectsUnknownField(t *testing.T) {
	_, err := compile(query.From("persons").Where(query.Eq("name", "x")))
	if !errors.Is(err, query.ErrUnknownField) {
		t.Fatalf("expected ErrUnknownField, got %v", err)
	}
}

func TestTranslate(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"no rows", pgxv5.ErrNoRows, store.ErrNotFound},
		{"serialization failure", &pgconn.PgError{Code: "40001"}, store.ErrUnavailable},
		{"deadlock", &pgconn.PgError{Code: "40P01"}, store.ErrUnavailable},
		{"deadline", context.DeadlineExceeded, store.ErrUnavailable},
		{"unique violation", &pgconn.PgError{Code: "23505"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := translate(tt.err)
			if tt.want == nil {
				if errors.Is(got, store.ErrUnavailable) || errors.Is(got, store.ErrNotFound) {
					t.Fatalf("expected error to pass through, got %v", got)
				}
				return
			}
			if !errors.Is(got, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
		})
	}
	if translate(nil) != nil {
		t.Fatal("expected nil")
	}
}

func TestEncodeClaimsStripsNUL(t *testing.T) {
	got, err := encodeClaims(kb.Claims{"title": {{Value: "Graph\x00 merging", Provenance: kb.Provenance{Origin: kb.OriginImported}}}})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if strings.Contains(got, `\u0000`) {
		t.Fatalf("NUL survived encoding: %s", got)
	}
	var back kb.Claims
	if err := decodeClaims([]byte(got), &back); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if back.FirstValue("title") != "Graph merging" {
		t.Fatalf("unexpected title %q", back.FirstValue("title"))
	}
}

func TestEnqueueReviewReportsDuplicates(t *testing.T) {
	conn := &fakeConn{}
	n := 0
	s := New(conn, WithReviewIDs(func() (string, error) {
		n++
		return fmt.Sprintf("review/%d", n), nil
	}))
	conn.exec = func(sql string) (pgconn.CommandTag, error) {
		return pgconn.NewCommandTag("INSERT 0 0"), nil
	}

	created, err := s.EnqueueReview(context.Background(), &kb.ReviewEntry{Signature: "sig", Kind: kb.KindPerson})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if created {
		t.Fatal("expected duplicate signature to be ignored")
	}
	if got := conn.calls[0].args[0]; got != "review/1" {
		t.Fatalf("unexpected id %v", got)
	}
	if got := conn.calls[0].args[6]; got != string(kb.ReviewOpen) {
		t.Fatalf("expected open status, got %v", got)
	}
}

func TestResolveReviewNotFound(t *testing.T) {
	conn := &fakeConn{exec: func(string) (pgconn.CommandTag, error) {
		return pgconn.NewCommandTag("UPDATE 0"), nil
	}}
	err := New(conn).ResolveReview(context.Background(), "review/9", "merge")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTxReportsRevisionConflict(t *testing.T) {
	conn := &fakeConn{queryRow: func(sql string) pgxv5.Row {
		if strings.Contains(sql, "UPDATE vertices") {
			return fakeRow{err: pgxv5.ErrNoRows}
		}
		return fakeRow{vals: []any{int64(4)}}
	}}
	s := New(conn)

	err := s.Tx(context.Background(), func(tx store.GraphTx) error {
		_, err := tx.TombstoneVertex(context.Background(), "documents/2", "documents/1", 3)
		return err
	})
	if !errors.Is(err, store.ErrRevisionConflict) {
		t.Fatalf("expected ErrRevisionConflict, got %v", err)
	}
	if conn.tx.committed || !conn.tx.rolledBack {
		t.Fatal("expected rollback without commit")
	}
}

func TestTxReportsMissingVertex(t *testing.T) {
	conn := &fakeConn{queryRow: func(string) pgxv5.Row {
		return fakeRow{err: pgxv5.ErrNoRows}
	}}
	err := New(conn).Tx(context.Background(), func(tx store.GraphTx) error {
		_, err := tx.TombstoneVertex(context.Background(), "documents/404", "documents/1", 1)
		return err
	})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTxCommits(t *testing.T) {
	conn := &fakeConn{queryRow: func(string) pgxv5.Row {
		return fakeRow{vals: []any{int64(2)}}
	}}
	var rev int64
	err := New(conn).Tx(context.Background(), func(tx store.GraphTx) error {
		var err error
		rev, err = tx.TombstoneVertex(context.Background(), "documents/2", "documents/1", 1)
		return err
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}
	if rev != 2 || !conn.tx.committed {
		t.Fatalf("expected commit at revision 2, got %d committed=%v", rev, conn.tx.committed)
	}
}

func TestTxPassesIsolation(t *testing.T) {
	conn := &fakeConn{}
	err := New(conn, WithIsolation(pgxv5.Serializable)).Tx(context.Background(), func(store.GraphTx) error {
		return nil
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}
	if conn.txOpts == nil || conn.txOpts.IsoLevel != pgxv5.Serializable {
		t.Fatalf("expected serializable tx options, got %+v", conn.txOpts)
	}
	for _, c := range conn.calls {
		if strings.Contains(c.sql, "SET TRANSACTION") {
			t.Fatalf("unexpected statement %q", c.sql)
		}
	}
}

func TestIndexKeysReplacesKeySet(t *testing.T) {
	conn := &fakeConn{}
	err := New(conn).IndexKeys(context.Background(), kb.KindDocument, "documents/1", []string{"doi:10.1/new", "doi:10.1/new"})
	if err != nil {
		t.Fatalf("index: %v", err)
	}
	if len(conn.calls) != 2 {
		t.Fatalf("expected delete and insert, got %d statements", len(conn.calls))
	}
	if !strings.Contains(conn.calls[0].sql, "DELETE FROM blocking_keys") {
		t.Fatalf("first statement should drop stale keys, got %q", conn.calls[0].sql)
	}
	if !strings.Contains(conn.calls[1].sql, "INSERT INTO blocking_keys") {
		t.Fatalf("second statement should insert keys, got %q", conn.calls[1].sql)
	}
	if got := conn.calls[1].args[2]; !reflect.DeepEqual(got, []string{"doi:10.1/new"}) {
		t.Fatalf("unexpected keys %v", got)
	}
	if !conn.tx.committed {
		t.Fatal("expected commit")
	}
}

func TestIndexKeysWithoutKeysDropsAll(t *testing.T) {
	conn := &fakeConn{}
	if err := New(conn).IndexKeys(context.Background(), kb.KindPerson, "persons/1", nil); err != nil {
		t.Fatalf("index: %v", err)
	}
	if len(conn.calls) != 1 || !strings.Contains(conn.calls[0].sql, "DELETE FROM blocking_keys") {
		t.Fatalf("expected a single delete, got %+v", conn.calls)
	}
	if got := conn.calls[0].args[2]; !reflect.DeepEqual(got, []string{}) {
		t.Fatalf("expected empty key array, got %#v", got)
	}
}

func TestDoneCheckpointPrunesPairs(t *testing.T) {
	conn := &fakeConn{}
	cp := &store.Checkpoint{Kind: kb.KindDocument, PassID: "p1", Phase: store.PhaseDone}
	if err := New(conn).SaveCheckpoint(context.Background(), cp, nil); err != nil {
		t.Fatalf("save: %v", err)
	}
	last := conn.calls[len(conn.calls)-1]
	if !strings.Contains(last.sql, "DELETE FROM pass_pairs") || last.args[0] != "p1" {
		t.Fatalf("expected pass pairs to be pruned, got %q %v", last.sql, last.args)
	}
	if !conn.tx.committed {
		t.Fatal("expected commit")
	}
}
