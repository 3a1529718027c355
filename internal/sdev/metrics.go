package sdev

import "github.com/prometheus/client_golang/prometheus"

// Metrics exposes the byte and operation counters sdevd publishes so an
// operator can watch relay traffic through a Prometheus registry rather
// than a bespoke counter format.
type Metrics struct {
	BytesRead    prometheus.Counter
	BytesWritten prometheus.Counter
	Reads        prometheus.Counter
	Writes       prometheus.Counter
	Errors       prometheus.Counter
}

// NewMetrics registers sdevd's counters on reg and returns the handles used
// to increment them.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		BytesRead:    prometheus.NewCounter(prometheus.CounterOpts{Name: "sdev_bytes_read_total", Help: "Bytes relayed by SDEV_READ."}),
		BytesWritten: prometheus.NewCounter(prometheus.CounterOpts{Name: "sdev_bytes_written_total", Help: "Bytes relayed by SDEV_WRITE."}),
		Reads:        prometheus.NewCounter(prometheus.CounterOpts{Name: "sdev_reads_total", Help: "SDEV_READ requests served."}),
		Writes:       prometheus.NewCounter(prometheus.CounterOpts{Name: "sdev_writes_total", Help: "SDEV_WRITE requests served."}),
		Errors:       prometheus.NewCounter(prometheus.CounterOpts{Name: "sdev_errors_total", Help: "SDEV_READ/SDEV_WRITE requests that failed."}),
	}
	reg.MustRegister(m.BytesRead, m.BytesWritten, m.Reads, m.Writes, m.Errors)
	return m
}
