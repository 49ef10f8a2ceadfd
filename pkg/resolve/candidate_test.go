package resolve

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OFFIS-RIT/kbmerge/pkg/kb"
	"github.com/OFFIS-RIT/kbmerge/pkg/store/memory"
)

func TestStreamPagesThroughCollection(t *testing.T) {
	s := memory.New()
	s.AddVertices(
		vertex("documents/1", at(2020), kb.ClaimDOI, "10.1/abc", kb.ClaimTitle, "Graph merging", kb.ClaimAuthor, "Ada Lovelace"),
		vertex("documents/2", at(2020), kb.ClaimDOI, "10.1/ABC", kb.ClaimTitle, "Graph Merging", kb.ClaimAuthor, "Lovelace, A."),
		vertex("documents/3", at(2020), kb.ClaimTitle, "Graph merging", kb.ClaimAuthor, "A. Lovelace"),
		&kb.Vertex{ID: "documents/4", Status: kb.StatusAbsorbed, CanonicalID: "documents/1"},
	)
	g := NewCandidateGenerator(s, s, NewRegistry(DefaultPolicy()), 2)
	ctx := context.Background()
	stream := g.Stream(kb.KindDocument, "")

	batch, ok, err := stream.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, batch.Scanned)
	assert.False(t, batch.Done)
	assert.Equal(t, "documents/2", batch.Cursor)
	// the DOI outranks the shared title key
	assert.Equal(t, []kb.Pair{{A: "documents/1", B: "documents/2", Reason: kb.ReasonDOI}}, batch.Pairs)

	batch, ok, err = stream.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, batch.Scanned)
	assert.True(t, batch.Done)
	assert.Equal(t, "documents/3", batch.Cursor)
	assert.Equal(t, []kb.Pair{
		{A: "documents/1", B: "documents/3", Reason: kb.ReasonTitleAuthor},
		{A: "documents/2", B: "documents/3", Reason: kb.ReasonTitleAuthor},
	}, batch.Pairs)

	_, ok, err = stream.Next(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStreamResumesAfterCursor(t *testing.T) {
	s := memory.New()
	s.AddVertices(
		vertex("software/a", at(2020), kb.ClaimName, "numpy"),
		vertex("software/b", at(2020), kb.ClaimName, "NumPy"),
	)
	g := NewCandidateGenerator(s, s, NewRegistry(DefaultPolicy()), 10)
	ctx := context.Background()

	_, err := g.Candidates(ctx, kb.KindSoftware, []*kb.Vertex{s.Vertex("software/a")})
	require.NoError(t, err)

	batch, ok, err := g.Stream(kb.KindSoftware, "software/a").Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, batch.Scanned)
	assert.Equal(t, []kb.Pair{{A: "software/a", B: "software/b", Reason: kb.ReasonSoftwareName}}, batch.Pairs)
}

func TestCandidatesSkipVerticesWithoutKeys(t *testing.T) {
	s := memory.New()
	s.AddVertices(
		vertex("organizations/1", at(2020)),
		vertex("organizations/2", at(2020)),
	)
	g := NewCandidateGenerator(s, s, NewRegistry(DefaultPolicy()), 10)

	pairs, err := g.Candidates(context.Background(), kb.KindOrganization, s.AllVertices())
	require.NoError(t, err)
	assert.Empty(t, pairs)
}
