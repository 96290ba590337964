package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func findMetric(t *testing.T, r *Recorder, name string) *dto.MetricFamily {
	t.Helper()
	families, err := r.Gatherer().Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() == name {
			return family
		}
	}
	return nil
}

func labelValue(metric *dto.Metric, name string) string {
	for _, label := range metric.GetLabel() {
		if label.GetName() == name {
			return label.GetValue()
		}
	}
	return ""
}

func TestNilRecorderIsNoop(t *testing.T) {
	var r *Recorder
	r.ObserveCacheRead("cacheFirst", CacheHit, time.Millisecond)
	r.ObserveQueueDepth(3)
	r.ObserveQueueOperation("enqueue")
	r.ObserveSyncPass(SyncCompleted, 2, time.Second)

	families, err := r.Gatherer().Gather()
	require.NoError(t, err)
	require.Empty(t, families)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestObserveCacheRead(t *testing.T) {
	r := NewRecorder(nil)
	r.ObserveCacheRead("cacheFirst", CacheHit, time.Millisecond)
	r.ObserveCacheRead("cacheFirst", CacheHit, time.Millisecond)
	r.ObserveCacheRead("networkFirst", CacheMiss, 50*time.Millisecond)
	r.ObserveCacheRead("", "", time.Millisecond)

	family := findMetric(t, r, "offsync_cache_reads_total")
	require.NotNil(t, family)

	counts := map[string]float64{}
	for _, metric := range family.GetMetric() {
		key := labelValue(metric, "strategy") + "/" + labelValue(metric, "outcome")
		counts[key] = metric.GetCounter().GetValue()
	}
	require.Equal(t, float64(2), counts["cacheFirst/hit"])
	require.Equal(t, float64(1), counts["networkFirst/miss"])
	require.Equal(t, float64(1), counts["unknown/miss"])
}

func TestObserveQueue(t *testing.T) {
	r := NewRecorder(nil)
	r.ObserveQueueDepth(7)
	r.ObserveQueueOperation("enqueue")
	r.ObserveQueueOperation("enqueue")
	r.ObserveQueueOperation("exhausted")

	depth := findMetric(t, r, "offsync_queue_depth")
	require.NotNil(t, depth)
	require.Equal(t, float64(7), depth.GetMetric()[0].GetGauge().GetValue())

	ops := findMetric(t, r, "offsync_queue_operations_total")
	require.NotNil(t, ops)
	counts := map[string]float64{}
	for _, metric := range ops.GetMetric() {
		counts[labelValue(metric, "operation")] = metric.GetCounter().GetValue()
	}
	require.Equal(t, float64(2), counts["enqueue"])
	require.Equal(t, float64(1), counts["exhausted"])
}

func TestObserveSyncPass(t *testing.T) {
	r := NewRecorder(nil)
	r.ObserveSyncPass(SyncCompleted, 5, 100*time.Millisecond)
	r.ObserveSyncPass(SyncSkipped, 0, time.Millisecond)

	passes := findMetric(t, r, "offsync_sync_passes_total")
	require.NotNil(t, passes)
	counts := map[string]float64{}
	for _, metric := range passes.GetMetric() {
		counts[labelValue(metric, "outcome")] = metric.GetCounter().GetValue()
	}
	require.Equal(t, float64(1), counts["completed"])
	require.Equal(t, float64(1), counts["skipped"])

	synced := findMetric(t, r, "offsync_sync_requests_synced_total")
	require.NotNil(t, synced)
	require.Equal(t, float64(5), synced.GetMetric()[0].GetCounter().GetValue())
}

func TestHandlerServesMetrics(t *testing.T) {
	r := NewRecorder(nil)
	r.ObserveQueueDepth(1)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, strings.Contains(rec.Body.String(), "offsync_queue_depth"))
}
