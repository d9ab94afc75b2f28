package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPromMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewPromMetrics(reg)
	require.NoError(t, err)

	m.RecordRequest("disk")
	m.RecordRequest("disk")
	m.RecordRequest("network")
	m.RecordFetch("success", 0.25)
	m.RecordStorageError("write")
	m.RecordSweep(3, 300, true)

	pm := m.(*promMetrics)
	assert.Equal(t, 2.0, testutil.ToFloat64(pm.requests.WithLabelValues("disk")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.requests.WithLabelValues("network")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.storageErrors.WithLabelValues("write")))
	assert.Equal(t, 3.0, testutil.ToFloat64(pm.sweepRemovals))
	assert.Equal(t, 300.0, testutil.ToFloat64(pm.sweepBytes))
	assert.Equal(t, 1, testutil.CollectAndCount(pm.fetchDuration))

	// Registering twice on the same registry fails.
	_, err = NewPromMetrics(reg)
	assert.Error(t, err)
}
