// Package metrics records settlement and pricing events. Components depend on
// the Recorder interface; the Prometheus implementation is only wired when
// metrics are enabled in config.
package metrics

import "time"

// Recorder receives counters and latencies from the engine and resolver.
type Recorder interface {
	IncCounter(name string, labels map[string]string)
	ObserveLatency(name string, duration time.Duration, labels map[string]string)
}

// Counter and operation names.
const (
	EventPriceResolution   = "price_resolution"
	EventSettlement        = "settlement"
	EventAttestation       = "attestation"
	OperationSettleBatch   = "settle_batch"
	OperationMonitorBucket = "monitor_bucket"
)
