package metrics

import "time"

// NoopRecorder discards everything.
type NoopRecorder struct{}

// IncCounter implements Recorder.
func (NoopRecorder) IncCounter(string, map[string]string)                    {}
// ObserveLatency implements Recorder.
func (NoopRecorder) ObserveLatency(string, time.Duration, map[string]string) {}

var _ Recorder = NoopRecorder{}
