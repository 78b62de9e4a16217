// Package telemetry defines the observational sink fed by the fallback
// orchestrator. Sinks never influence control flow; a silent implementation
// is always valid.
package telemetry

import (
	"time"

	"github.com/wildfire-labs/riskd/internal/core/observability"
)

type Sink interface {
	OnAttemptStart(tier string)
	OnAttemptEnd(tier string, d time.Duration, success bool)
	OnFallbackDepth(depth int)
	OnComplete(tier string, total time.Duration)
}

// Nop discards every event.
type Nop struct{}

func (Nop) OnAttemptStart(string) {}

func (Nop) OnAttemptEnd(string, time.Duration, bool) {}

func (Nop) OnFallbackDepth(int) {}

func (Nop) OnComplete(string, time.Duration) {}

// Multi fans events out to several sinks in order.
type Multi []Sink

func (m Multi) OnAttemptStart(tier string) {
	for _, s := range m {
		s.OnAttemptStart(tier)
	}
}

func (m Multi) OnAttemptEnd(tier string, d time.Duration, success bool) {
	for _, s := range m {
		s.OnAttemptEnd(tier, d, success)
	}
}

func (m Multi) OnFallbackDepth(depth int) {
	for _, s := range m {
		s.OnFallbackDepth(depth)
	}
}

func (m Multi) OnComplete(tier string, total time.Duration) {
	for _, s := range m {
		s.OnComplete(tier, total)
	}
}

// Prom mirrors events into prometheus.
type Prom struct{}

func (Prom) OnAttemptStart(string) {}

func (Prom) OnAttemptEnd(tier string, d time.Duration, success bool) {
	outcome := "failure"
	if success {
		outcome = "success"
	}
	observability.ObserveTierAttempt(tier, outcome, d.Seconds())
}

func (Prom) OnFallbackDepth(depth int) {
	observability.ObserveFallbackDepth(depth)
}

func (Prom) OnComplete(tier string, total time.Duration) {
	observability.ObserveFallbackComplete(tier, total.Seconds())
}
