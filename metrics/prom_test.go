package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gatherValue(t *testing.T, reg *prometheus.Registry, fqName string, labels map[string]string) (float64, bool) {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)

	for _, mf := range families {
		if mf.GetName() != fqName {
			continue
		}
		for _, m := range mf.GetMetric() {
			got := map[string]string{}
			for _, lp := range m.GetLabel() {
				got[lp.GetName()] = lp.GetValue()
			}
			match := true
			for k, v := range labels {
				if got[k] != v {
					match = false
					break
				}
			}
			if !match {
				continue
			}
			if m.GetCounter() != nil {
				return m.GetCounter().GetValue(), true
			}
			return m.GetGauge().GetValue(), true
		}
	}
	return 0, false
}

func TestIncrCounterWithGroup(t *testing.T) {
	reg := prometheus.NewRegistry()
	SetRegisterer(reg)
	defer SetRegisterer(prometheus.DefaultRegisterer)

	IncrCounterWithGroup("net", "accept_total", 1)
	IncrCounterWithGroup("net", "accept_total", 2)

	v, ok := gatherValue(t, reg, "talon_net_accept_total", nil)
	require.True(t, ok)
	assert.Equal(t, 3.0, v)
}

func TestIncrCounterWithDimGroup(t *testing.T) {
	reg := prometheus.NewRegistry()
	SetRegisterer(reg)
	defer SetRegisterer(prometheus.DefaultRegisterer)

	IncrCounterWithDimGroup("net", "start_error_total", 1, Dimension{"error_type": "bind"})
	IncrCounterWithDimGroup("net", "start_error_total", 1, Dimension{"error_type": "socket"})
	IncrCounterWithDimGroup("net", "start_error_total", 1, Dimension{"error_type": "bind"})

	v, ok := gatherValue(t, reg, "talon_net_start_error_total", map[string]string{"error_type": "bind"})
	require.True(t, ok)
	assert.Equal(t, 2.0, v)
}

func TestUpdateGaugeWithGroup(t *testing.T) {
	reg := prometheus.NewRegistry()
	SetRegisterer(reg)
	defer SetRegisterer(prometheus.DefaultRegisterer)

	UpdateGaugeWithGroup("net", "current_connections", 5)
	UpdateGaugeWithGroup("net", "current_connections", 2)

	v, ok := gatherValue(t, reg, "talon_net_current_connections", nil)
	require.True(t, ok)
	assert.Equal(t, 2.0, v)
}
