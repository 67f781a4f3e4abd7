package telemetry

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskcache/internal/models"
)

type staticSource models.MetricsSnapshot

func (s staticSource) Snapshot() models.MetricsSnapshot { return models.MetricsSnapshot(s) }

func TestRegistryExportsSnapshotGauges(t *testing.T) {
	src := staticSource{
		QueuedTasks:     3,
		ProcessingTasks: 2,
		Stats:           models.TaskStats{SuccessRate: 0.8},
		Cache:           models.CacheStats{TotalEntriesCached: 42, CacheHitRate: 0.25, StorageSizeEstimate: 4096},
	}

	families, err := NewRegistry(src).Gather()
	require.NoError(t, err)

	values := map[string]float64{}
	for _, mf := range families {
		if len(mf.GetMetric()) == 1 && mf.GetMetric()[0].GetGauge() != nil {
			values[mf.GetName()] = mf.GetMetric()[0].GetGauge().GetValue()
		}
	}
	assert.Equal(t, 3.0, values["taskcache_queue_depth"])
	assert.Equal(t, 2.0, values["taskcache_tasks_inflight"])
	assert.Equal(t, 0.8, values["taskcache_success_rate"])
	assert.Equal(t, 42.0, values["taskcache_cache_entries"])
	assert.Equal(t, 0.25, values["taskcache_cache_hit_rate"])
	assert.Equal(t, 4096.0, values["taskcache_cache_size_bytes"])
}

func TestRegistriesAreIndependent(t *testing.T) {
	// Counters are shared; building two registries must not panic on re-registration.
	assert.NotPanics(t, func() {
		NewRegistry(staticSource{})
		NewRegistry(nil)
	})
}

func TestHandlerServesText(t *testing.T) {
	TasksSubmitted.Inc()
	rec := httptest.NewRecorder()
	Handler(staticSource{}).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, string(body), "taskcache_tasks_submitted_total")
	assert.Contains(t, string(body), "taskcache_queue_depth")
}
