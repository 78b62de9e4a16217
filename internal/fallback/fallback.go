// Package fallback runs an ordered chain of data-source tiers under one
// shared time budget. Tiers are tried strictly in order of data quality;
// the chain never reorders them at runtime, it only skips tiers that are
// inapplicable or no longer affordable. The last tier is a guaranteed local
// computation, so a chain as a whole cannot fail once its input is valid.
package fallback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/wildfire-labs/riskd/internal/telemetry"
)

const (
	// DefaultDeadline is the total budget for one orchestration call.
	DefaultDeadline = 8 * time.Second

	// FinalTierBudget bounds the guaranteed tier; it is pure computation
	// and must come nowhere near this.
	FinalTierBudget = 100 * time.Millisecond

	// NoDeadline disables the shared budget: every tier runs under its own
	// Budget only, and "budget exhausted" skips never happen. Used by chains
	// whose tiers are independently best-effort.
	NoDeadline = time.Duration(-1)
)

var ErrNoFinalTier = errors.New("fallback: chain needs a final tier")

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeSkipped Outcome = "skipped"
)

// Attempt is the ephemeral per-tier record used for telemetry and budget
// arithmetic within one call; it is not persisted.
type Attempt struct {
	Tier    string
	Start   time.Time
	Elapsed time.Duration
	Outcome Outcome
	Err     error
	Reason  string
}

// Tier is one candidate source. A nil Applies means always applicable; a
// non-positive Budget means "whatever remains of the global deadline", or
// no bound at all in a NoDeadline chain.
type Tier[I, R any] struct {
	Name    string
	Budget  time.Duration
	Applies func(I) bool
	Run     func(ctx context.Context, in I) (R, error)
}

type Result[R any] struct {
	Value    R
	Tier     string
	Depth    int
	Elapsed  time.Duration
	Attempts []Attempt
}

type Chain[I, R any] struct {
	logger   *slog.Logger
	tiers    []Tier[I, R]
	final    Tier[I, R]
	deadline time.Duration
	sink     telemetry.Sink
	now      func() time.Time // for tests
}

// NewChain builds a chain from optional tiers plus the guaranteed final
// tier. The final tier must not touch the network.
func NewChain[I, R any](
	logger *slog.Logger,
	sink telemetry.Sink,
	deadline time.Duration,
	tiers []Tier[I, R],
	final Tier[I, R],
) (*Chain[I, R], error) {
	if final.Run == nil {
		return nil, ErrNoFinalTier
	}
	for _, t := range tiers {
		if t.Run == nil {
			return nil, fmt.Errorf("fallback: tier %q has no run function", t.Name)
		}
	}
	switch {
	case deadline == 0:
		deadline = DefaultDeadline
	case deadline < 0:
		deadline = NoDeadline
	}
	if final.Budget <= 0 {
		final.Budget = FinalTierBudget
	}
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = telemetry.Nop{}
	}
	return &Chain[I, R]{
		logger:   logger,
		tiers:    tiers,
		final:    final,
		deadline: deadline,
		sink:     sink,
		now:      time.Now,
	}, nil
}

// Execute runs the chain under the configured global deadline.
func (c *Chain[I, R]) Execute(ctx context.Context, in I) (Result[R], error) {
	return c.ExecuteWithDeadline(ctx, in, c.deadline)
}

// ExecuteWithDeadline runs the chain under a caller-supplied global deadline.
// The elapsed clock is shared across tiers: each tier's timeout is
// min(its budget, what remains), and once the budget is gone control jumps
// straight to the guaranteed final tier. With NoDeadline there is no shared
// clock and tiers are bounded only by their own budgets.
func (c *Chain[I, R]) ExecuteWithDeadline(ctx context.Context, in I, deadline time.Duration) (Result[R], error) {
	switch {
	case deadline == 0:
		deadline = c.deadline
	case deadline < 0:
		deadline = NoDeadline
	}
	bounded := deadline != NoDeadline

	start := c.now()
	elapsed := func() time.Duration { return c.now().Sub(start) }

	attempts := make([]Attempt, 0, len(c.tiers)+1)
	depth := 0

	for _, t := range c.tiers {
		if t.Applies != nil && !t.Applies(in) {
			// Skips cost no budget and no telemetry attempt.
			attempts = append(attempts, Attempt{
				Tier: t.Name, Start: c.now(), Outcome: OutcomeSkipped, Reason: "not applicable",
			})
			continue
		}

		budget := t.Budget
		if bounded {
			remaining := deadline - elapsed()
			if remaining <= 0 {
				attempts = append(attempts, Attempt{
					Tier: t.Name, Start: c.now(), Outcome: OutcomeSkipped, Reason: "budget exhausted",
				})
				continue
			}
			if budget <= 0 || budget > remaining {
				budget = remaining
			}
		}

		depth++
		tierStart := c.now()
		c.sink.OnAttemptStart(t.Name)

		v, err := c.runTier(ctx, t, in, budget)

		tierElapsed := c.now().Sub(tierStart)
		c.sink.OnAttemptEnd(t.Name, tierElapsed, err == nil)

		if err == nil {
			attempts = append(attempts, Attempt{
				Tier: t.Name, Start: tierStart, Elapsed: tierElapsed, Outcome: OutcomeSuccess,
			})
			total := elapsed()
			c.sink.OnFallbackDepth(depth)
			c.sink.OnComplete(t.Name, total)
			return Result[R]{Value: v, Tier: t.Name, Depth: depth, Elapsed: total, Attempts: attempts}, nil
		}

		attempts = append(attempts, Attempt{
			Tier: t.Name, Start: tierStart, Elapsed: tierElapsed, Outcome: OutcomeFailure, Err: err,
		})
		c.logger.Debug("tier failed, falling through",
			"tier", t.Name,
			"elapsed", tierElapsed.String(),
			"err", err)
	}

	// Guaranteed final tier: local computation, small fixed budget
	// regardless of what the chain already spent.
	depth++
	tierStart := c.now()
	c.sink.OnAttemptStart(c.final.Name)

	v, err := c.runTier(ctx, c.final, in, c.final.Budget)

	tierElapsed := c.now().Sub(tierStart)
	c.sink.OnAttemptEnd(c.final.Name, tierElapsed, err == nil)

	if err != nil {
		// By construction this cannot happen; treat it as a programmer
		// error rather than inventing a result.
		attempts = append(attempts, Attempt{
			Tier: c.final.Name, Start: tierStart, Elapsed: tierElapsed, Outcome: OutcomeFailure, Err: err,
		})
		return Result[R]{Attempts: attempts}, fmt.Errorf("fallback: final tier %q failed: %w", c.final.Name, err)
	}

	attempts = append(attempts, Attempt{
		Tier: c.final.Name, Start: tierStart, Elapsed: tierElapsed, Outcome: OutcomeSuccess,
	})
	total := elapsed()
	c.sink.OnFallbackDepth(depth)
	c.sink.OnComplete(c.final.Name, total)
	return Result[R]{Value: v, Tier: c.final.Name, Depth: depth, Elapsed: total, Attempts: attempts}, nil
}

// runTier bounds one tier invocation. The timeout is a ceiling, not a fixed
// delay: a tier that finishes early returns early, and a tier that overruns
// is abandoned, with any result arriving after the deadline discarded. A
// non-positive budget means the caller's context is the only bound.
func (c *Chain[I, R]) runTier(ctx context.Context, t Tier[I, R], in I, budget time.Duration) (R, error) {
	tctx := ctx
	if budget > 0 {
		var cancel context.CancelFunc
		tctx, cancel = context.WithTimeout(ctx, budget)
		defer cancel()
	}

	type res struct {
		v   R
		err error
	}
	ch := make(chan res, 1)
	go func() {
		v, err := t.Run(tctx, in)
		ch <- res{v: v, err: err}
	}()

	select {
	case r := <-ch:
		return r.v, r.err
	case <-tctx.Done():
		var zero R
		return zero, fmt.Errorf("tier %s: %w", t.Name, tctx.Err())
	}
}
