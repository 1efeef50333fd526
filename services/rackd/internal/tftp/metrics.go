package tftp

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks completed file transfers. A nil *Metrics records nothing.
type Metrics struct {
	TransferLatency *prometheus.HistogramVec
}

// NewMetrics creates and registers the transfer metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TransferLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rackd_tftp_file_transfer_latency_seconds",
				Help:    "Time to transfer a file over TFTP, by requested file",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"filename"},
		),
	}
	if reg != nil {
		reg.MustRegister(m.TransferLatency)
	}
	return m
}

// ObserveTransfer records one finished transfer of fileName.
func (m *Metrics) ObserveTransfer(fileName string, d time.Duration) {
	if m == nil {
		return
	}
	m.TransferLatency.WithLabelValues(metricFileName(fileName)).Observe(d.Seconds())
}

// metricFileName folds per-machine config names into one label value.
func metricFileName(name string) string {
	name = strings.ReplaceAll(name, `\`, "/")
	name = strings.TrimLeft(name, "/")
	switch {
	case strings.Contains(name, "pxelinux.cfg/"):
		return "pxelinux.cfg"
	case strings.HasPrefix(name, "grub/grub.cfg-"):
		return "grub/grub.cfg"
	}
	return name
}
