package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OFFIS-RIT/kbmerge/internal/config"
	"github.com/OFFIS-RIT/kbmerge/pkg/kb"
	"github.com/OFFIS-RIT/kbmerge/pkg/resolve"
	"github.com/OFFIS-RIT/kbmerge/pkg/store/memory"
)

func doc(id, doi string, year int) *kb.Vertex {
	return &kb.Vertex{
		ID:        id,
		CreatedAt: time.Date(year, 1, 1, 0, 0, 0, 0, time.UTC),
		Claims: kb.Claims{kb.ClaimDOI: {{
			Value:      doi,
			Datatype:   kb.DatatypeString,
			Provenance: kb.Provenance{Origin: kb.OriginImported, Source: "test"},
		}}},
	}
}

func memoryOpener(s *memory.Store) Opener {
	return func(ctx context.Context, cfg *config.Config) (*Env, error) {
		e, err := resolve.NewEngine(s, cfg.Policy, cfg.Run)
		if err != nil {
			return nil, err
		}
		return &Env{Engine: e}, nil
	}
}

func execute(t *testing.T, s *memory.Store, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := NewRootCommand(memoryOpener(s))
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestPassCommandMergesAndRedirects(t *testing.T) {
	s := memory.New()
	s.AddVertices(doc("documents/1", "10.1/abc", 2020), doc("documents/2", "10.1/ABC", 2021))

	out, err := execute(t, s, "pass", "--kind", "documents", "--format", "json")
	require.NoError(t, err)
	var results []resolve.PassResult
	require.NoError(t, json.Unmarshal([]byte(out), &results))
	require.Len(t, results, 1)
	assert.Equal(t, kb.KindDocument, results[0].Kind)
	assert.Equal(t, 1, results[0].Merged)

	out, err = execute(t, s, "redirect", "documents/2")
	require.NoError(t, err)
	assert.Equal(t, "documents/2\tdocuments/1\n", out)

	records := s.AuditRecords()
	require.Len(t, records, 1)
	out, err = execute(t, s, "rollback", records[0].ID)
	require.NoError(t, err)
	assert.Contains(t, out, "restored documents/2")

	out, err = execute(t, s, "redirect", "documents/2")
	require.NoError(t, err)
	assert.Equal(t, "documents/2\tdocuments/2\n", out)
}

func TestRootCommandRejectsBadInput(t *testing.T) {
	s := memory.New()
	tests := []struct {
		name string
		args []string
	}{
		{"unknown format", []string{"redirect", "documents/1", "--format", "yaml"}},
		{"unknown kind", []string{"pass", "--kind", "patents"}},
		{"missing vertex", []string{"redirect", "documents/404"}},
		{"missing review", []string{"review", "resolve", "review/404", "merge"}},
		{"review needs a decision", []string{"review", "resolve", "review/1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, s, tt.args...)
			assert.Error(t, err)
		})
	}
}

func TestReviewListEmpty(t *testing.T) {
	out, err := execute(t, memory.New(), "review", "list", "--kind", "persons", "--format", "json")
	require.NoError(t, err)
	var entries []kb.ReviewEntry
	require.NoError(t, json.Unmarshal([]byte(out), &entries))
	assert.Empty(t, entries)
}
