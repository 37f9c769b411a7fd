package pemimetrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, g.Write(&m))
	return m.GetGauge().GetValue()
}

func TestNewRegistersAgainstIsolatedRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := New(reg)

	families, err := reg.Gather()
	require.NoError(t, err)
	require.Len(t, families, 6)

	r.IncPackets()
	r.IncPackets()
	require.Equal(t, float64(2), counterValue(t, r.PacketsTotal))
}

func TestRecorderIncrementsAndSetsExpectedValues(t *testing.T) {
	r := New(prometheus.NewRegistry())

	r.IncRetrans()
	require.Equal(t, float64(1), counterValue(t, r.RetransTotal))

	r.AddDetectedLoss(3)
	r.AddDetectedLoss(0)
	require.Equal(t, float64(3), counterValue(t, r.DetectedLossTotal))

	r.SetCwnd(12.5)
	require.Equal(t, 12.5, gaugeValue(t, r.Cwnd))

	r.SetOverspeed(1)
	require.Equal(t, float64(1), gaugeValue(t, r.Overspeed))

	r.SetActiveConnections(4)
	require.Equal(t, float64(4), gaugeValue(t, r.ActiveConnections))
}

func TestNilRecorderMethodsAreNoOps(t *testing.T) {
	var r *Recorder
	require.NotPanics(t, func() {
		r.IncPackets()
		r.IncRetrans()
		r.AddDetectedLoss(5)
		r.SetCwnd(1)
		r.SetOverspeed(1)
		r.SetActiveConnections(1)
	})
}
