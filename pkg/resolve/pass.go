package resolve

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/OFFIS-RIT/kbmerge/internal/util"
	"github.com/OFFIS-RIT/kbmerge/pkg/kb"
	"github.com/OFFIS-RIT/kbmerge/pkg/logger"
	"github.com/OFFIS-RIT/kbmerge/pkg/store"
)

// Observer receives pass progress, e.g. for metrics.
type Observer interface {
	PageScanned(kind kb.Kind, vertices, candidates int)
	PairScored(kind kb.Kind, class kb.Class)
	ClusterApplied(kind kb.Kind, applied Applied)
	PassFinished(kind kb.Kind, result *PassResult, err error)
}

// Locker serializes passes of the same kind across processes.
type Locker interface {
	WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

type nopObserver struct{}

func (nopObserver) PageScanned(kb.Kind, int, int)            {}
func (nopObserver) PairScored(kb.Kind, kb.Class)             {}
func (nopObserver) ClusterApplied(kb.Kind, Applied)          {}
func (nopObserver) PassFinished(kb.Kind, *PassResult, error) {}

// PassResult summarizes one collection pass. Counters cover the work done
// by this run only; a resumed pass does not recount pages scanned before.
type PassResult struct {
	Kind     kb.Kind       `json:"kind"`
	PassID   string        `json:"pass_id"`
	Resumed  bool          `json:"resumed"`
	Pages    int           `json:"pages"`
	Scanned  int           `json:"scanned"`
	Pairs    int           `json:"candidates"`
	Auto     int           `json:"auto_merge"`
	Review   int           `json:"review"`
	Rejected int           `json:"rejected"`
	Clusters int           `json:"clusters"`
	Merged   int           `json:"merged"`
	Skipped  int           `json:"already_committed"`
	Stale    int           `json:"stale"`
	Conflict int           `json:"identity_conflicts"`
	Dropped  int           `json:"revision_conflicts"`
	Duration time.Duration `json:"duration"`
	// Touched lists the vertices whose search documents need a refresh.
	Touched []string `json:"touched,omitempty"`
	// Redirected lists the vertices whose canonical id changed.
	Redirected []string `json:"redirected,omitempty"`
}

// Engine runs collection passes end to end.
type Engine struct {
	store      store.Store
	policy     Policy
	opts       Options
	strategies Registry

	generator *CandidateGenerator
	scorer    *Scorer
	builder   *ClusterBuilder
	executor  *MergeExecutor
	reviewer  *Reviewer
	audit     *AuditTrail

	observer Observer
	locker   Locker
	now      func() time.Time
}

type EngineOption func(*Engine)

func WithObserver(o Observer) EngineOption {
	return func(e *Engine) { e.observer = o }
}

func WithLocker(l Locker) EngineOption {
	return func(e *Engine) { e.locker = l }
}

func NewEngine(s store.Store, policy Policy, opts Options, options ...EngineOption) (*Engine, error) {
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid policy: %w", err)
	}
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}

	strategies := NewRegistry(policy)
	executor := NewMergeExecutor(s, strategies, opts)
	e := &Engine{
		store:      s,
		policy:     policy,
		opts:       opts,
		strategies: strategies,
		generator:  NewCandidateGenerator(s, s, strategies, opts.PageSize),
		scorer:     NewScorer(s, strategies, policy),
		builder:    NewClusterBuilder(s, strategies),
		executor:   executor,
		reviewer:   NewReviewer(s, s, s, executor),
		audit:      NewAuditTrail(s, s, s),
		observer:   nopObserver{},
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, o := range options {
		o(e)
	}
	return e, nil
}

func (e *Engine) Reviewer() *Reviewer     { return e.reviewer }
func (e *Engine) AuditTrail() *AuditTrail { return e.audit }

// Run runs one pass per kind concurrently. A failed pass does not cancel the
// others; every failure is returned joined.
func (e *Engine) Run(ctx context.Context, kinds []kb.Kind) ([]*PassResult, error) {
	results := make([]*PassResult, len(kinds))
	errs := make([]error, len(kinds))

	var g errgroup.Group
	for i, kind := range kinds {
		g.Go(func() error {
			results[i], errs[i] = e.RunPass(ctx, kind)
			return nil
		})
	}
	_ = g.Wait()
	return results, errors.Join(errs...)
}

// RunPass resolves one collection. It resumes an unfinished pass from its
// checkpoint, or starts a new one when the last pass completed.
func (e *Engine) RunPass(ctx context.Context, kind kb.Kind) (*PassResult, error) {
	if _, err := e.strategies.For(kind); err != nil {
		return nil, err
	}
	if e.locker == nil {
		return e.runPass(ctx, kind)
	}
	var res *PassResult
	err := e.locker.WithLock(ctx, "merge-pass:"+string(kind), func(ctx context.Context) error {
		var err error
		res, err = e.runPass(ctx, kind)
		return err
	})
	return res, err
}

func (e *Engine) runPass(ctx context.Context, kind kb.Kind) (*PassResult, error) {
	start := time.Now()
	res := &PassResult{Kind: kind}

	cp, err := e.checkpoint(ctx, kind)
	if err != nil {
		err = &PassFailedError{Kind: kind, Err: err}
		e.observer.PassFinished(kind, res, err)
		return res, err
	}
	res.PassID = cp.PassID
	res.Resumed = cp.Pages > 0 || cp.Phase != store.PhaseScanning

	logger.Info("[Pass] Starting pass", "kind", kind, "pass", cp.PassID, "phase", cp.Phase, "cursor", cp.Cursor, "resumed", res.Resumed)

	err = e.scan(ctx, cp, res)
	if err == nil {
		err = e.mergePhase(ctx, cp, res)
	}
	res.Duration = time.Since(start)

	switch {
	case err == nil:
		logger.Info("[Pass] Finished pass", "kind", kind, "pass", cp.PassID, "scanned", res.Scanned, "candidates", res.Pairs, "merged", res.Merged, "review", res.Review, "duration", res.Duration)
	case ctx.Err() != nil:
		logger.Warn("[Pass] Pass cancelled, checkpoint kept", "kind", kind, "pass", cp.PassID, "phase", cp.Phase, "cursor", cp.Cursor)
		err = ctx.Err()
	default:
		logger.Error("[Pass] Pass failed, checkpoint kept", "kind", kind, "pass", cp.PassID, "phase", cp.Phase, "err", err, "reason", kb.ReasonPassFailed)
		err = &PassFailedError{Kind: kind, PassID: cp.PassID, Err: err}
	}
	e.observer.PassFinished(kind, res, err)
	return res, err
}

func (e *Engine) checkpoint(ctx context.Context, kind kb.Kind) (*store.Checkpoint, error) {
	var cp *store.Checkpoint
	_, err := util.RetryWithBackoff(ctx, e.opts.Retry, IsTransient, func(ctx context.Context) error {
		var err error
		cp, err = e.store.LoadCheckpoint(ctx, kind)
		return err
	})
	switch {
	case err == nil && cp.Phase != store.PhaseDone:
		return cp, nil
	case err == nil, errors.Is(err, store.ErrNotFound):
		now := e.now()
		return &store.Checkpoint{
			Kind:      kind,
			PassID:    uuid.NewString(),
			Phase:     store.PhaseScanning,
			StartedAt: now,
			UpdatedAt: now,
		}, nil
	default:
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
}

// scan pages through the collection. Review pairs go to the review queue;
// auto-merge pairs are persisted with the checkpoint of their page.
func (e *Engine) scan(ctx context.Context, cp *store.Checkpoint, res *PassResult) error {
	if cp.Phase != store.PhaseScanning {
		return nil
	}
	stream := e.generator.Stream(cp.Kind, cp.Cursor)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		var (
			batch Batch
			ok    bool
		)
		if err := e.retry(ctx, func(ctx context.Context) error {
			var err error
			batch, ok, err = stream.Next(ctx)
			return err
		}); err != nil {
			return err
		}
		if !ok {
			break
		}

		var scored []kb.ScoredPair
		if err := e.retry(ctx, func(ctx context.Context) error {
			var err error
			scored, err = e.scorer.Score(ctx, cp.Kind, batch.Pairs)
			return err
		}); err != nil {
			return err
		}

		auto := make([]kb.ScoredPair, 0, len(scored))
		for _, p := range scored {
			e.observer.PairScored(cp.Kind, p.Class)
			switch p.Class {
			case kb.ClassAutoMerge:
				auto = append(auto, p)
			case kb.ClassReview:
				res.Review++
				if err := e.enqueuePair(ctx, cp.Kind, p); err != nil {
					return err
				}
			default:
				res.Rejected++
				if p.Why != "" {
					logger.Debug("[Pass] Rejected pair", "a", p.A, "b", p.B, "reason", p.Why)
				}
			}
		}

		res.Pages++
		res.Scanned += batch.Scanned
		res.Pairs += len(batch.Pairs)
		res.Auto += len(auto)
		e.observer.PageScanned(cp.Kind, batch.Scanned, len(batch.Pairs))

		cp.Cursor = batch.Cursor
		cp.Pages++
		cp.UpdatedAt = e.now()
		if batch.Done {
			cp.Phase = store.PhaseMerging
		}
		if err := e.retry(ctx, func(ctx context.Context) error {
			return e.store.SaveCheckpoint(ctx, cp, auto)
		}); err != nil {
			return fmt.Errorf("save checkpoint: %w", err)
		}
		logger.Debug("[Pass] Page done", "kind", cp.Kind, "page", cp.Pages, "cursor", cp.Cursor, "vertices", batch.Scanned, "candidates", len(batch.Pairs), "auto", len(auto))
		if batch.Done {
			break
		}
	}
	return nil
}

func (e *Engine) enqueuePair(ctx context.Context, kind kb.Kind, p kb.ScoredPair) error {
	members := []string{p.A, p.B}
	entry := &kb.ReviewEntry{
		Signature: kb.Signature(members),
		Kind:      kind,
		Members:   members,
		Scores:    map[string]float64{p.Key(): p.Score},
		Reason:    kb.ReasonReviewScore,
		Status:    kb.ReviewOpen,
		CreatedAt: e.now(),
	}
	return e.retry(ctx, func(ctx context.Context) error {
		created, err := e.store.EnqueueReview(ctx, entry)
		if err == nil && created {
			logger.Debug("[Pass] Queued pair for review", "a", p.A, "b", p.B, "score", p.Score, "blocking", p.Reason, "reason", kb.ReasonReviewScore)
		}
		return err
	})
}

// mergePhase clusters the persisted auto-merge pairs of the pass and applies
// the clusters with bounded parallelism. Cancellation stops between cluster
// transactions; already committed clusters are no-ops on resume.
func (e *Engine) mergePhase(ctx context.Context, cp *store.Checkpoint, res *PassResult) error {
	if cp.Phase != store.PhaseMerging {
		return nil
	}

	var clusters []Cluster
	if err := e.retry(ctx, func(ctx context.Context) error {
		pairs, err := e.store.PassPairs(ctx, cp.PassID)
		if err != nil {
			return err
		}
		clusters, err = e.builder.Build(ctx, cp.Kind, pairs)
		return err
	}); err != nil {
		return fmt.Errorf("build clusters: %w", err)
	}
	res.Clusters = len(clusters)

	var (
		mu         sync.Mutex
		touched    = make(map[string]struct{})
		redirected = make(map[string]struct{})
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Parallelism)
	for _, c := range clusters {
		if gctx.Err() != nil {
			break
		}
		if c.Conflict {
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				mu.Lock()
				res.Conflict++
				mu.Unlock()
				return e.routeConflict(gctx, c)
			})
			continue
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			applied, err := e.executor.Apply(gctx, c)
			e.observer.ClusterApplied(c.Kind, applied)

			mu.Lock()
			defer mu.Unlock()
			switch applied.Outcome {
			case OutcomeMerged:
				res.Merged++
				for _, id := range applied.Touched {
					touched[id] = struct{}{}
				}
				for _, id := range applied.Record.Redirected() {
					redirected[id] = struct{}{}
				}
			case OutcomeCommitted:
				res.Skipped++
			case OutcomeStale:
				res.Stale++
			case OutcomeConflict:
				res.Dropped++
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	res.Touched = keysOf(touched)
	res.Redirected = keysOf(redirected)

	cp.Phase = store.PhaseDone
	cp.UpdatedAt = e.now()
	return e.retry(ctx, func(ctx context.Context) error {
		return e.store.SaveCheckpoint(ctx, cp, nil)
	})
}

// routeConflict queues a conflicted cluster for review. With MarkConflicts
// its members move to the conflict status when the entry is new.
func (e *Engine) routeConflict(ctx context.Context, c Cluster) error {
	entry := &kb.ReviewEntry{
		Signature: c.Signature,
		Kind:      c.Kind,
		Members:   c.Members,
		Scores:    c.Scores,
		Reason:    kb.ReasonIdentityConflict,
		Status:    kb.ReviewOpen,
		CreatedAt: e.now(),
	}
	var created bool
	if err := e.retry(ctx, func(ctx context.Context) error {
		var err error
		created, err = e.store.EnqueueReview(ctx, entry)
		return err
	}); err != nil {
		return fmt.Errorf("queue conflicted cluster: %w", err)
	}
	if !created || !e.policy.MarkConflicts {
		return nil
	}
	return e.retry(ctx, func(ctx context.Context) error {
		return e.store.Tx(ctx, func(tx store.GraphTx) error {
			members, err := tx.GetVertices(ctx, c.Members)
			if err != nil {
				return err
			}
			for _, id := range c.Members {
				m, ok := members[id]
				if !ok || !m.Active() {
					continue
				}
				next := m.Clone()
				next.Status = kb.StatusConflict
				if _, err := tx.UpdateVertex(ctx, next, m.Revision); err != nil {
					return fmt.Errorf("mark %s conflict: %w", id, err)
				}
			}
			return nil
		})
	})
}

func (e *Engine) retry(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := util.RetryWithBackoff(ctx, e.opts.Retry, IsTransient, fn)
	return err
}
