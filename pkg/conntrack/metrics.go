package conntrack

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "hpack"

type metrics struct {
	blocks     prometheus.Counter
	fields     *prometheus.CounterVec
	errors     *prometheus.CounterVec
	tableBytes prometheus.Gauge
}

func newMetrics() *metrics {
	return &metrics{
		blocks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "header_blocks_total",
			Help:      "Header blocks decoded successfully.",
		}),
		fields: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fields_total",
			Help:      "Header fields decoded, by representation kind.",
		}, []string{"kind"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Header blocks that failed to decode, by error kind.",
		}, []string{"kind"}),
		tableBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dynamic_table_bytes",
			Help:      "Sum of dynamic table sizes over all live sessions.",
		}),
	}
}

func (m *metrics) register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{m.blocks, m.fields, m.errors, m.tableBytes} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
