package metrics

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/docpulse/errors"
	"github.com/teranos/docpulse/pulse/coordinator"
	"github.com/teranos/docpulse/pulse/quota"
	"github.com/teranos/docpulse/pulse/retry"
)

var (
	_ coordinator.Recorder = (*Metrics)(nil)
	_ quota.Observer       = (*Metrics)(nil)
)

// counterValue sums a metric family across all label sets
func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		var total float64
		for _, m := range mf.GetMetric() {
			if c := m.GetCounter(); c != nil {
				total += c.GetValue()
			}
		}
		return total
	}
	return 0
}

func TestMetrics_RecordsEvents(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ItemFinished(coordinator.OutcomeSucceeded)
	m.ItemFinished(coordinator.OutcomeFailed)
	m.StageCall("extract", 120*time.Millisecond, nil)
	m.StageCall("extract", 30*time.Millisecond, errors.New("timeout"))
	m.RetryScheduled("extract", retry.KindTransient)
	m.QuotaGranted(3)
	m.QuotaThrottled()

	assert.Equal(t, 2.0, counterValue(t, reg, "docpulse_items_total"))
	assert.Equal(t, 2.0, counterValue(t, reg, "docpulse_stage_calls_total"))
	assert.Equal(t, 1.0, counterValue(t, reg, "docpulse_retries_total"))
	assert.Equal(t, 3.0, counterValue(t, reg, "docpulse_quota_granted_tokens_total"))
	assert.Equal(t, 1.0, counterValue(t, reg, "docpulse_quota_throttled_total"))
}

func TestServer_ServesMetricsAndHealth(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.ItemFinished(coordinator.OutcomeSucceeded)

	srv, err := NewServer("127.0.0.1:0", reg, func() map[string]interface{} {
		return map[string]interface{}{"run_id": "run-1"}
	}, nil)
	require.NoError(t, err)
	srv.Start()
	defer srv.Stop(context.Background())

	resp, err := http.Get("http://" + srv.Addr() + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.True(t, strings.Contains(string(body), `docpulse_items_total{outcome="succeeded"} 1`))

	resp, err = http.Get("http://" + srv.Addr() + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	var health map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, "run-1", health["run_id"])
}
