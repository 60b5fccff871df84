package metrics

import "time"

// NoopRecorder discards all events. It is the default when the host does not
// configure instrumentation.
type NoopRecorder struct{}

func (NoopRecorder) IncCounter(string, map[string]string)                    {}
func (NoopRecorder) ObserveLatency(string, time.Duration, map[string]string) {}
