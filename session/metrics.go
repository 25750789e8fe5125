package session

// Sink is the small metrics capability the session exercises each time an
// incoming frame opens a channel, satisfied in the demo binary by an armon/go-metrics-backed
// implementation. Core packages depend only on this interface, never on a
// concrete reporting backend (spec §1 non-goals: no metrics reporting of
// its own).
type Sink interface {
	IncrCounter(name string, val float32)
	SetGauge(name string, val float32)
	AddSample(name string, val float32)
}

type noopSink struct{}

func (noopSink) IncrCounter(string, float32) {}
func (noopSink) SetGauge(string, float32)    {}
func (noopSink) AddSample(string, float32)   {}
