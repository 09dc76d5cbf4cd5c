package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	opCountDesc = prometheus.NewDesc(
		"policychat_operation_total",
		"Number of completed operations.",
		[]string{"op"}, nil,
	)
	opErrorDesc = prometheus.NewDesc(
		"policychat_operation_errors_total",
		"Number of failed operations.",
		[]string{"op"}, nil,
	)
	opSecondsDesc = prometheus.NewDesc(
		"policychat_operation_seconds_total",
		"Total time spent in operations.",
		[]string{"op"}, nil,
	)
	tokenDesc = prometheus.NewDesc(
		"policychat_llm_tokens_total",
		"LLM tokens consumed.",
		[]string{"op", "direction"}, nil,
	)
	uptimeDesc = prometheus.NewDesc(
		"policychat_uptime_seconds",
		"Seconds since the collector was created.",
		nil, nil,
	)
)

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- opCountDesc
	ch <- opErrorDesc
	ch <- opSecondsDesc
	ch <- tokenDesc
	ch <- uptimeDesc
}

// Collect implements prometheus.Collector by exporting the current snapshot.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for op, m := range c.ops {
		ch <- prometheus.MustNewConstMetric(opCountDesc, prometheus.CounterValue, float64(m.Count), op)
		ch <- prometheus.MustNewConstMetric(opErrorDesc, prometheus.CounterValue, float64(m.Errors), op)
		ch <- prometheus.MustNewConstMetric(opSecondsDesc, prometheus.CounterValue, m.TotalTime.Seconds(), op)
		if m.TotalInputTokens > 0 || m.TotalOutputTokens > 0 {
			ch <- prometheus.MustNewConstMetric(tokenDesc, prometheus.CounterValue, float64(m.TotalInputTokens), op, "input")
			ch <- prometheus.MustNewConstMetric(tokenDesc, prometheus.CounterValue, float64(m.TotalOutputTokens), op, "output")
		}
	}
	ch <- prometheus.MustNewConstMetric(uptimeDesc, prometheus.GaugeValue, time.Since(c.startTime).Seconds())
}

// Registry returns a registry holding this collector plus the Go runtime
// and process collectors.
func (c *Collector) Registry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		c,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}
