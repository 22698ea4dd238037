package promutil

import "github.com/prometheus/client_golang/prometheus"

// MetricDesc describes a metric family whose samples are produced at
// collection time from a snapshot.
type MetricDesc struct {
	desc *prometheus.Desc
}

func NewMetricDesc(opts prometheus.Opts, labels ...string) *MetricDesc {
	return &MetricDesc{
		desc: prometheus.NewDesc(
			prometheus.BuildFQName(opts.Namespace, opts.Subsystem, opts.Name),
			opts.Help,
			labels,
			opts.ConstLabels,
		),
	}
}

func (d *MetricDesc) Desc() *prometheus.Desc {
	return d.desc
}

func (d *MetricDesc) Gauge(value float64, labelValues ...string) prometheus.Metric {
	return prometheus.MustNewConstMetric(d.desc, prometheus.GaugeValue, value, labelValues...)
}

func (d *MetricDesc) GaugeBool(value bool, labelValues ...string) prometheus.Metric {
	v := float64(0)
	if value {
		v = 1
	}
	return d.Gauge(v, labelValues...)
}

// Describe sends the descriptors of metrics to ch.
func Describe(ch chan<- *prometheus.Desc, metrics ...*MetricDesc) {
	for _, m := range metrics {
		ch <- m.Desc()
	}
}
