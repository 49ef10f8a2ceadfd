package metrics

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OFFIS-RIT/kbmerge/pkg/kb"
	"github.com/OFFIS-RIT/kbmerge/pkg/resolve"
	"github.com/OFFIS-RIT/kbmerge/pkg/store/memory"
)

func doc(id string, year int, doi string) *kb.Vertex {
	return &kb.Vertex{
		ID:        id,
		CreatedAt: time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC),
		Claims: kb.Claims{kb.ClaimDOI: {{
			Value:      doi,
			Provenance: kb.Provenance{Origin: kb.OriginImported},
		}}},
	}
}

func TestCollectorObservesPass(t *testing.T) {
	s := memory.New()
	s.AddVertices(doc("documents/1", 2020, "10.1/abc"), doc("documents/2", 2021, "10.1/ABC"))
	c := New()

	e, err := resolve.NewEngine(s, resolve.DefaultPolicy(), resolve.DefaultOptions(), resolve.WithObserver(c))
	require.NoError(t, err)
	_, err = e.RunPass(context.Background(), kb.KindDocument)
	require.NoError(t, err)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.scanned.WithLabelValues("documents")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.pairs.WithLabelValues("documents", string(kb.ClassAutoMerge))))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.clusters.WithLabelValues("documents", string(resolve.OutcomeMerged))))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.passes.WithLabelValues("documents", "ok")))
	assert.Greater(t, testutil.ToFloat64(c.lastPass.WithLabelValues("documents")), 0.0)
}

func TestCollectorCountsFailedPasses(t *testing.T) {
	c := New()
	c.PassFinished(kb.KindSoftware, nil, errors.New("store down"))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.passes.WithLabelValues("software", "failed")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.lastPass.WithLabelValues("software")))
}

func TestHandlerServesMetrics(t *testing.T) {
	c := New()
	c.PairScored(kb.KindPerson, kb.ClassReview)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `kbmerge_pairs_scored_total{class="review",kind="persons"} 1`))
}
