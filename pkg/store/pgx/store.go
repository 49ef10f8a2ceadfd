// Package pgx implements the knowledge base store on PostgreSQL. Vertices,
// edges and the merge bookkeeping tables are created by the migrations in
// the repository's migrations directory.
package pgx

import (
	"context"
	"errors"
	"fmt"

	pgxv5 "github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/OFFIS-RIT/kbmerge/pkg/logger"
	"github.com/OFFIS-RIT/kbmerge/pkg/store"
)

type pgxIConn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, optionsAndArgs ...any) (pgxv5.Rows, error)
	QueryRow(ctx context.Context, sql string, optionsAndArgs ...any) pgxv5.Row
	Begin(ctx context.Context) (pgxv5.Tx, error)
	BeginTx(ctx context.Context, txOptions pgxv5.TxOptions) (pgxv5.Tx, error)
}

// querier is the part of a connection shared by pools and transactions.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, optionsAndArgs ...any) (pgxv5.Rows, error)
	QueryRow(ctx context.Context, sql string, optionsAndArgs ...any) pgxv5.Row
}

// Store implements store.Store on a pgx pool or connection.
type Store struct {
	conn    pgxIConn
	txOpts  pgxv5.TxOptions
	reviewN func() (string, error)
}

var _ store.Store = (*Store)(nil)

type StoreOption func(*Store)

// WithIsolation sets the isolation level of merge transactions. Read
// committed is enough because every write is revision checked.
func WithIsolation(level pgxv5.TxIsoLevel) StoreOption {
	return func(s *Store) {
		s.txOpts.IsoLevel = level
	}
}

// WithReviewIDs replaces the generator of review entry ids.
func WithReviewIDs(fn func() (string, error)) StoreOption {
	return func(s *Store) {
		s.reviewN = fn
	}
}

// New creates a Store using an existing pool or connection.
func New(conn pgxIConn, opts ...StoreOption) *Store {
	s := &Store{
		conn:    conn,
		txOpts:  pgxv5.TxOptions{IsoLevel: pgxv5.ReadCommitted},
		reviewN: newReviewID,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(s)
	}
	return s
}

func (s *Store) reader() reader {
	return reader{q: s.conn}
}

// Tx runs fn in one database transaction.
func (s *Store) Tx(ctx context.Context, fn func(tx store.GraphTx) error) error {
	pgtx, err := s.conn.BeginTx(ctx, s.txOpts)
	if err != nil {
		return translate(err)
	}
	defer func() {
		if rerr := pgtx.Rollback(context.Background()); rerr != nil && !errors.Is(rerr, pgxv5.ErrTxClosed) {
			logger.Warn("[Store] Rollback failed", "err", rerr)
		}
	}()

	if err := fn(&tx{reader: reader{q: pgtx}, tx: pgtx}); err != nil {
		return err
	}
	if err := pgtx.Commit(ctx); err != nil {
		return translate(err)
	}
	return nil
}

// Postgres error codes that mean "try again".
var transientCodes = map[string]bool{
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"55P03": true, // lock_not_available
	"57014": true, // query_canceled
	"57P01": true, // admin_shutdown
	"57P03": true, // cannot_connect_now
	"53300": true, // too_many_connections
	"08000": true,
	"08003": true,
	"08006": true,
}

// translate maps driver errors onto the store error kinds. Errors that are
// neither missing rows nor transient are returned unchanged.
func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgxv5.ErrNoRows) {
		return fmt.Errorf("%w: %w", store.ErrNotFound, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if transientCodes[pgErr.Code] {
			return fmt.Errorf("%w: %w", store.ErrUnavailable, err)
		}
		return err
	}

	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) ||
		pgconn.Timeout(err) ||
		pgconn.SafeToRetry(err) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %w", store.ErrUnavailable, err)
	}
	return err
}
