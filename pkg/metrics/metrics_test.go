package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/cloud-shuttle/leptos-sync-sub001/pkg/metrics"
)

func TestCollectorRecordsCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := metrics.New("replicad", reg)

	c.OpApplied("widgets")
	c.OpApplied("widgets")
	c.Conflict("lww_tie")
	c.BytesIn(128)

	families, err := reg.Gather()
	require.NoError(t, err)

	var applied, conflicts, bytesIn float64
	for _, f := range families {
		switch f.GetName() {
		case "replicad_ops_applied_total":
			applied = sumCounter(f)
		case "replicad_conflicts_total":
			conflicts = sumCounter(f)
		case "replicad_bytes_in_total":
			bytesIn = sumCounter(f)
		}
	}
	require.Equal(t, 2.0, applied)
	require.Equal(t, 1.0, conflicts)
	require.Equal(t, 128.0, bytesIn)
}

func TestNilCollectorIsANoOp(t *testing.T) {
	var c *metrics.Collector
	require.NotPanics(t, func() {
		c.OpApplied("widgets")
		c.SetPeersOnline(3)
		c.ObserveApplyLatencyMS(1.5)
	})
}

func sumCounter(f *dto.MetricFamily) float64 {
	var total float64
	for _, m := range f.GetMetric() {
		total += m.GetCounter().GetValue()
	}
	return total
}
