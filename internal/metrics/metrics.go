package metrics

import (
	"time"
)

// Collector receives the ledger's operational measurements. Implementations
// export them to a backend (Prometheus) or drop them.
type Collector interface {
	// Storage engine calls, outcome is an apperr.Classify label
	RecordStoreOp(op string, outcome string, duration time.Duration)
	RecordCircuitState(name string, state CircuitState)

	// Ledger mutations
	RecordAdjustment(txType string, outcome string)

	// Interest accrual
	RecordInterestRun(successful, skipped, failed int, duration time.Duration)

	// HTTP surface
	RecordHTTPRequest(method, route string, status int, duration time.Duration)
}

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

// String returns the string representation of the circuit state.
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// NoOpCollector drops every measurement.
type NoOpCollector struct{}

func (NoOpCollector) RecordStoreOp(op string, outcome string, duration time.Duration) {}

func (NoOpCollector) RecordCircuitState(name string, state CircuitState) {}

func (NoOpCollector) RecordAdjustment(txType string, outcome string) {}

func (NoOpCollector) RecordInterestRun(successful, skipped, failed int, duration time.Duration) {}

func (NoOpCollector) RecordHTTPRequest(method, route string, status int, duration time.Duration) {}

// OrNoOp returns c, or a NoOpCollector when c is nil.
func OrNoOp(c Collector) Collector {
	if c == nil {
		return NoOpCollector{}
	}
	return c
}
