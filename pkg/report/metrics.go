package report

import (
	"fmt"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes the figures of a report as Prometheus gauges on a
// private registry
type Metrics struct {
	reg *prometheus.Registry

	records       prometheus.Gauge
	unsafeRecords prometheus.Gauge
	suppressed    *prometheus.GaugeVec
	unsafeVar     *prometheus.GaugeVec
	unsafeCells   *prometheus.GaugeVec
	reidRate      *prometheus.GaugeVec
}

// NewMetrics creates the gauges of a run, labelled with the setup name
func NewMetrics(setup string) *Metrics {
	labels := prometheus.Labels{"setup": setup}
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		records: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "sdc",
			Name:        "records",
			Help:        "Number of records in the input file.",
			ConstLabels: labels,
		}),
		unsafeRecords: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "sdc",
			Name:        "unsafe_records",
			Help:        "Number of records with at least one unsafe combination.",
			ConstLabels: labels,
		}),
		suppressed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   "sdc",
			Name:        "suppressed_values",
			Help:        "Number of values set to missing in the safe file.",
			ConstLabels: labels,
		}, []string{"variable"}),
		unsafeVar: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   "sdc",
			Name:        "unsafe_combinations",
			Help:        "Unsafe combinations a variable takes part in, by dimension.",
			ConstLabels: labels,
		}, []string{"variable", "dim"}),
		unsafeCells: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   "sdc",
			Name:        "subtable_unsafe_cells",
			Help:        "Unsafe cells of an authoritative subtable.",
			ConstLabels: labels,
		}, []string{"subtable"}),
		reidRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   "sdc",
			Name:        "reidentification_rate",
			Help:        "Expected re-identifications per record of a BIR table.",
			ConstLabels: labels,
		}, []string{"table"}),
	}
	m.reg.MustRegister(m.records, m.unsafeRecords, m.suppressed, m.unsafeVar, m.unsafeCells, m.reidRate)
	return m
}

// Registry returns the registry holding the gauges
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

// Observe sets the gauges from a report
func (m *Metrics) Observe(r *Report) {
	m.records.Set(float64(r.Records))
	for _, v := range r.Variables {
		for d, n := range v.Unsafe {
			m.unsafeVar.WithLabelValues(v.Name, strconv.Itoa(d+1)).Set(float64(n))
		}
	}
	for _, s := range r.Subtables {
		m.unsafeCells.WithLabelValues(s.Vars).Set(float64(s.NUnsafe))
	}
	for _, rr := range r.Risk {
		m.reidRate.WithLabelValues(strconv.Itoa(rr.Table)).Set(rr.BIR.Ksi)
	}
	if r.Safe != nil {
		m.unsafeRecords.Set(float64(r.Safe.Unsafe))
		for i, n := range r.Safe.Suppressed {
			if i < len(r.Variables) {
				m.suppressed.WithLabelValues(r.Variables[i].Name).Set(float64(n))
			}
		}
	}
}

// WriteTextfile writes the gauges in the text exposition format for the
// node exporter textfile collector
func (m *Metrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.reg); err != nil {
		return fmt.Errorf("failed to write metrics: %w", err)
	}
	return nil
}
