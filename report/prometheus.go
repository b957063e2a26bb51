package report

import (
	"fmt"
	"io"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// WritePrometheus writes the summary in the Prometheus text exposition
// format. Counts above 2^53 lose precision in the float64 samples.
func WritePrometheus(w io.Writer, labels Labeler, s Summary) error {
	reg := prometheus.NewRegistry()
	constLabels := prometheus.Labels{"pmu": s.PMU, "cpu": strconv.Itoa(s.CPU)}

	counts := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace:   "syspmu",
		Name:        "counter_value",
		Help:        "Raw hardware counter value at the end of the measurement.",
		ConstLabels: constLabels,
	}, []string{"event", "register"})
	elapsed := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   "syspmu",
		Name:        "elapsed_seconds",
		Help:        "Time between start and stop of counting.",
		ConstLabels: constLabels,
	})
	if err := reg.Register(counts); err != nil {
		return fmt.Errorf("report: register counter gauge: %w", err)
	}
	if err := reg.Register(elapsed); err != nil {
		return fmt.Errorf("report: register elapsed gauge: %w", err)
	}

	for _, r := range s.Results {
		counts.WithLabelValues(r.Name, labels.RegisterLabel(r.Reg)).Set(float64(r.Value))
	}
	elapsed.Set(s.Elapsed.Seconds())

	families, err := reg.Gather()
	if err != nil {
		return fmt.Errorf("report: gather: %w", err)
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("report: encode %s: %w", mf.GetName(), err)
		}
	}
	return nil
}
