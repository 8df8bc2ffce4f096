// Package metricstest reads single values back out of a Prometheus
// registry for assertions in tests.
package metricstest

import (
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Value sums the samples of a counter or gauge family whose labels include
// every pair in match. Histograms contribute their sample count. It reports
// false if no sample matched.
func Value(g prometheus.Gatherer, name string, match map[string]string) (float64, bool) {
	families, err := g.Gather()
	if err != nil {
		return 0, false
	}

	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}

		var sum float64
		found := false
		for _, m := range mf.GetMetric() {
			if !labelsMatch(m, match) {
				continue
			}
			switch mf.GetType() {
			case dto.MetricType_COUNTER:
				sum += m.GetCounter().GetValue()
			case dto.MetricType_GAUGE:
				sum += m.GetGauge().GetValue()
			case dto.MetricType_HISTOGRAM:
				sum += float64(m.GetHistogram().GetSampleCount())
			default:
				continue
			}
			found = true
		}
		return sum, found
	}
	return 0, false
}

func labelsMatch(m *dto.Metric, match map[string]string) bool {
	if len(match) == 0 {
		return true
	}
	have := make(map[string]string, len(m.GetLabel()))
	for _, lp := range m.GetLabel() {
		have[lp.GetName()] = lp.GetValue()
	}
	for k, v := range match {
		if have[k] != v {
			return false
		}
	}
	return true
}
