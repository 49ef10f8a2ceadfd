package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestLoadFromFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "merge.yaml")
	data := `
policy:
  persons:
    auto_threshold: 0.9
    review_threshold: 0.6
  mark_conflicts: true
run:
  parallelism: 2
  cluster_timeout: 10s
  retry:
    attempts: 3
    base: 50ms
    max: 1s
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 0.9, cfg.Policy.Persons.Auto)
	assert.Equal(t, 0.6, cfg.Policy.Persons.Review)
	// untouched keys keep their defaults
	assert.Equal(t, 0.5, cfg.Policy.Persons.CoauthorWeight)
	assert.Equal(t, 0.8, cfg.Policy.Documents.Auto)
	assert.True(t, cfg.Policy.MarkConflicts)
	assert.Equal(t, 2, cfg.Run.Parallelism)
	assert.Equal(t, 500, cfg.Run.PageSize)
	assert.Equal(t, 10*time.Second, cfg.Run.ClusterTimeout)
	assert.Equal(t, 3, cfg.Run.Retry.Attempts)
	assert.Equal(t, 50*time.Millisecond, cfg.Run.Retry.Base)
}

func TestLoadAppliesEnvironment(t *testing.T) {
	t.Setenv("MERGE_CONFIG", "")
	t.Setenv("MERGE_PARALLELISM", "3")
	t.Setenv("MERGE_MARK_CONFLICTS", "true")
	t.Setenv("MERGE_QUEUE", "merge_queue_test")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Run.Parallelism)
	assert.True(t, cfg.Policy.MarkConflicts)
	assert.Equal(t, "merge_queue_test", cfg.Queue.Name)
}

func TestLoadRejectsInvalidPolicy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "merge.yaml")
	require.NoError(t, os.WriteFile(path, []byte("policy:\n  software:\n    auto_threshold: 0.3\n    review_threshold: 0.6\n"), 0o644))
	t.Setenv("MERGE_CONFIG", path)

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "software")
}

func TestLoadFromMissingFile(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
