package resolve

import (
	"context"
	"fmt"
	"sort"

	"github.com/OFFIS-RIT/kbmerge/pkg/kb"
	"github.com/OFFIS-RIT/kbmerge/pkg/logger"
	"github.com/OFFIS-RIT/kbmerge/pkg/query"
	"github.com/OFFIS-RIT/kbmerge/pkg/store"
)

// Batch is the candidate output of one scanned page.
type Batch struct {
	Pairs   []kb.Pair
	Scanned int
	// Cursor is the position after this page; persisting it resumes the
	// stream at the next page.
	Cursor string
	Done   bool
}

// CandidateGenerator turns collection pages into candidate pairs through the
// persisted blocking index.
type CandidateGenerator struct {
	scanner    store.Scanner
	index      store.BlockingIndex
	strategies Registry
	pageSize   int
}

func NewCandidateGenerator(scanner store.Scanner, index store.BlockingIndex, strategies Registry, pageSize int) *CandidateGenerator {
	return &CandidateGenerator{
		scanner:    scanner,
		index:      index,
		strategies: strategies,
		pageSize:   pageSize,
	}
}

// Stream is a restartable, page-at-a-time sequence of candidate pairs.
type Stream struct {
	g      *CandidateGenerator
	kind   kb.Kind
	cursor string
	done   bool
}

// Stream starts reading kind after cursor; an empty cursor starts at the
// beginning of the collection.
func (g *CandidateGenerator) Stream(kind kb.Kind, cursor string) *Stream {
	return &Stream{g: g, kind: kind, cursor: cursor}
}

// Next reads one page. ok is false once the collection is exhausted.
func (s *Stream) Next(ctx context.Context) (batch Batch, ok bool, err error) {
	if s.done {
		return Batch{}, false, nil
	}
	q := query.From(string(s.kind)).
		Where(query.Eq(query.FieldStatus, kb.StatusActive)).
		Select(query.FieldID, query.FieldKind, query.FieldRevision, query.FieldStatus, query.FieldCanonicalID, query.FieldCreatedAt, query.FieldClaims).
		Page(s.cursor, s.g.pageSize)

	page, err := s.g.scanner.Scan(ctx, q)
	if err != nil {
		return Batch{}, false, fmt.Errorf("scan %s after %q: %w", s.kind, s.cursor, err)
	}
	pairs, err := s.g.Candidates(ctx, s.kind, page.Vertices)
	if err != nil {
		return Batch{}, false, err
	}

	if !page.Done {
		s.cursor = page.Next
	} else if n := len(page.Vertices); n > 0 {
		s.cursor = page.Vertices[n-1].ID
	}
	s.done = page.Done
	return Batch{Pairs: pairs, Scanned: len(page.Vertices), Cursor: s.cursor, Done: page.Done}, true, nil
}

// Candidates indexes the blocking keys of vs and returns every pair formed
// with a vertex indexed earlier under the same key. Each unordered pair is
// returned once, with its highest-priority reason.
func (g *CandidateGenerator) Candidates(ctx context.Context, kind kb.Kind, vs []*kb.Vertex) ([]kb.Pair, error) {
	strategy, err := g.strategies.For(kind)
	if err != nil {
		return nil, err
	}

	best := make(map[string]kb.Pair)
	for _, v := range vs {
		if !v.Active() {
			logger.Debug("[Candidates] Skipping vertex", "id", v.ID, "reason", kb.ReasonInactiveVertex)
			continue
		}
		keys, missing := strategy.BlockingKeys(v)
		for _, m := range missing {
			logger.Debug("[Candidates] Skipping blocking key", "id", v.ID, "key", m, "reason", kb.ReasonMissingAttribute)
		}

		indexed := make([]string, 0, len(keys))
		for _, key := range keys {
			ids, err := g.index.LookupKey(ctx, kind, key.Key)
			if err != nil {
				return nil, fmt.Errorf("lookup blocking key %q: %w", key.Key, err)
			}
			for _, other := range ids {
				if other == v.ID {
					continue
				}
				p := kb.NewPair(v.ID, other, key.Reason)
				if cur, ok := best[p.Key()]; !ok || p.Reason.Priority() < cur.Reason.Priority() {
					best[p.Key()] = p
				}
			}
			indexed = append(indexed, key.Key)
		}
		if err := g.index.IndexKeys(ctx, kind, v.ID, indexed); err != nil {
			return nil, fmt.Errorf("index blocking keys of %s: %w", v.ID, err)
		}
	}

	pairs := make([]kb.Pair, 0, len(best))
	for _, p := range best {
		pairs = append(pairs, p)
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].Key() < pairs[j].Key() })
	return pairs, nil
}
