package metrics

import (
	"testing"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/prometheus/client_golang/prometheus"
)

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, g.Write(&m))
	return m.GetGauge().GetValue()
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestNewRegistersCleanly(t *testing.T) {
	m := New("velocity_test")
	reg := prometheus.NewRegistry()
	for _, c := range m.Collectors() {
		require.NoError(t, reg.Register(c))
	}
}

func TestGaugesReflectSetValues(t *testing.T) {
	m := New("velocity_test2")
	m.MemtableEntries.Set(42)
	require.Equal(t, float64(42), gaugeValue(t, m.MemtableEntries))
}

func TestCountersAccumulate(t *testing.T) {
	m := New("velocity_test3")
	m.CompactionsTotal.Add(3)
	require.Equal(t, float64(3), counterValue(t, m.CompactionsTotal))
}
