// Package locate resolves the user's position for risk lookups: the last
// fix we already have, then a fresh fix, then a manually saved location,
// and finally a fixed regional default when defaults are allowed.
package locate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wildfire-labs/riskd/internal/cache"
	"github.com/wildfire-labs/riskd/internal/core/model"
	"github.com/wildfire-labs/riskd/internal/fallback"
	"github.com/wildfire-labs/riskd/internal/telemetry"
)

const (
	TierLastKnown = "last-known"
	TierFreshFix  = "fresh-fix"
	TierManual    = "manual"
	TierDefault   = "default"

	manualKey = "loc:manual"

	// A fresh fix that takes longer than this is not worth waiting for.
	defaultFixBudget = 2 * time.Second
)

// ErrManualEntryRequired is returned when every tier comes up empty and the
// service is configured not to fall back to a fixed default.
var ErrManualEntryRequired = errors.New("locate: manual location entry required")

// DefaultCoordinate is central Edinburgh.
var DefaultCoordinate = model.Coordinate{Lat: 55.9533, Lon: -3.1883}

// FixProvider produces a fresh position fix, typically from a device
// location service.
type FixProvider interface {
	CurrentFix(ctx context.Context) (model.Coordinate, error)
}

type Options struct {
	// Fix is optional; without one the fresh-fix tier is skipped.
	Fix FixProvider
	// FixBudget caps how long a fresh fix may take. Zero means the default.
	FixBudget time.Duration
	// Store persists the manually saved location. Required.
	Store cache.Store
	// AllowDefault enables the fixed-coordinate final tier. When false an
	// empty chain resolves to ErrManualEntryRequired instead.
	AllowDefault bool

	Sink telemetry.Sink
}

// Service resolves coordinates through a tier chain and remembers the most
// recent successful fix in memory.
type Service struct {
	logger *slog.Logger
	store  cache.Store
	chain  *fallback.Chain[struct{}, model.Coordinate]

	mu        sync.RWMutex
	lastKnown *model.Coordinate
}

func NewService(logger *slog.Logger, opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("locate: store is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	fixBudget := opts.FixBudget
	if fixBudget <= 0 {
		fixBudget = defaultFixBudget
	}

	s := &Service{
		logger: logger,
		store:  opts.Store,
	}

	tiers := []fallback.Tier[struct{}, model.Coordinate]{
		{
			Name:    TierLastKnown,
			Applies: func(struct{}) bool { return s.peekLastKnown() != nil },
			Run: func(context.Context, struct{}) (model.Coordinate, error) {
				if c := s.peekLastKnown(); c != nil {
					return *c, nil
				}
				return model.Coordinate{}, errors.New("no last known position")
			},
		},
	}
	if opts.Fix != nil {
		fix := opts.Fix
		tiers = append(tiers, fallback.Tier[struct{}, model.Coordinate]{
			Name:   TierFreshFix,
			Budget: fixBudget,
			Run: func(ctx context.Context, _ struct{}) (model.Coordinate, error) {
				c, err := fix.CurrentFix(ctx)
				if err != nil {
					return model.Coordinate{}, err
				}
				if err := c.Validate(); err != nil {
					return model.Coordinate{}, err
				}
				s.setLastKnown(c)
				return c, nil
			},
		})
	}
	tiers = append(tiers, fallback.Tier[struct{}, model.Coordinate]{
		Name: TierManual,
		Run:  s.loadManual,
	})

	final := fallback.Tier[struct{}, model.Coordinate]{
		Name: TierDefault,
		Run: func(context.Context, struct{}) (model.Coordinate, error) {
			if !opts.AllowDefault {
				return model.Coordinate{}, ErrManualEntryRequired
			}
			return DefaultCoordinate, nil
		},
	}

	// Tiers here are independently best-effort; only the fresh fix carries
	// a time bound, so no shared deadline is imposed across the chain.
	chain, err := fallback.NewChain(logger, opts.Sink, fallback.NoDeadline, tiers, final)
	if err != nil {
		return nil, err
	}
	s.chain = chain
	return s, nil
}

// Resolve walks the tiers and returns the first coordinate found. When
// defaults are disallowed and nothing resolves, the error unwraps to
// ErrManualEntryRequired.
func (s *Service) Resolve(ctx context.Context) (fallback.Result[model.Coordinate], error) {
	return s.chain.Execute(ctx, struct{}{})
}

// RecordFix feeds an externally obtained position into the last-known tier.
// Invalid coordinates are ignored.
func (s *Service) RecordFix(c model.Coordinate) {
	if c.Validate() != nil {
		return
	}
	s.setLastKnown(c)
}

// SaveManual validates and persists a user-entered location. It survives
// restarts when the backing store does.
func (s *Service) SaveManual(ctx context.Context, lat, lon float64) error {
	c := model.Coordinate{Lat: lat, Lon: lon}
	if err := c.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("locate: encode manual location: %w", err)
	}
	if err := s.store.Set(ctx, manualKey, raw, 0); err != nil {
		return fmt.Errorf("locate: persist manual location: %w", err)
	}
	return nil
}

// ClearManual removes the saved manual location if any.
func (s *Service) ClearManual(ctx context.Context) error {
	return s.store.Delete(ctx, manualKey)
}

func (s *Service) loadManual(ctx context.Context, _ struct{}) (model.Coordinate, error) {
	raw, ok, err := s.store.Get(ctx, manualKey)
	if err != nil {
		return model.Coordinate{}, fmt.Errorf("locate: read manual location: %w", err)
	}
	if !ok {
		return model.Coordinate{}, errors.New("no manual location saved")
	}
	var c model.Coordinate
	if err := json.Unmarshal(raw, &c); err != nil {
		return model.Coordinate{}, fmt.Errorf("locate: decode manual location: %w", err)
	}
	if err := c.Validate(); err != nil {
		return model.Coordinate{}, err
	}
	return c, nil
}

func (s *Service) setLastKnown(c model.Coordinate) {
	s.mu.Lock()
	s.lastKnown = &c
	s.mu.Unlock()
}

func (s *Service) peekLastKnown() *model.Coordinate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastKnown
}
