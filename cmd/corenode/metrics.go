package main

import (
	"time"

	metrics "github.com/armon/go-metrics"
)

// metricsSink adapts session.Sink to an armon/go-metrics sink, the
// reporting backend the teacher's dependency set already carries.
type metricsSink struct{}

func (metricsSink) IncrCounter(name string, val float32) {
	metrics.IncrCounter([]string{name}, val)
}

func (metricsSink) SetGauge(name string, val float32) {
	metrics.SetGauge([]string{name}, val)
}

func (metricsSink) AddSample(name string, val float32) {
	metrics.AddSample([]string{name}, val)
}

func setupMetrics(serviceName string) error {
	cfg := metrics.DefaultConfig(serviceName)
	cfg.EnableHostname = false
	sink := metrics.NewInmemSink(10*time.Second, time.Minute)
	_, err := metrics.NewGlobal(cfg, sink)
	return err
}
