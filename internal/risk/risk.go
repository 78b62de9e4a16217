// Package risk answers "how dangerous is it here, right now" by walking a
// fixed chain of sources, from the live EFFIS index down to a synthetic
// seasonal estimate that needs no network at all.
package risk

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/wildfire-labs/riskd/internal/cache"
	"github.com/wildfire-labs/riskd/internal/core/model"
	"github.com/wildfire-labs/riskd/internal/fallback"
	"github.com/wildfire-labs/riskd/internal/geokey"
	"github.com/wildfire-labs/riskd/internal/telemetry"
)

const (
	// Tier names as they appear in telemetry and responses.
	TierEFFIS     = "effis-fwi"
	TierRegional  = "regional"
	TierCache     = "cache"
	TierSynthetic = "synthetic-fallback"

	writebackQueue = 64
)

// ErrInvalidDeadline rejects explicit non-positive deadlines; omitting the
// deadline is fine, asking for zero time is not.
var ErrInvalidDeadline = fmt.Errorf("risk: deadline must be positive")

// IndexProvider is a source of live fire-weather-index readings.
type IndexProvider interface {
	FetchIndex(ctx context.Context, c model.Coordinate) (model.IndexReading, error)
}

// Options wires the chain. Primary and the cache engine are required;
// Regional is optional and only consulted inside its envelope.
type Options struct {
	Primary  IndexProvider
	Regional IndexProvider
	// RegionalBBox bounds the regional provider. Coordinates outside it
	// skip the tier without spending any budget.
	RegionalBBox model.BBox

	Cache *cache.Engine[model.RiskAssessment]

	// Deadline is the shared budget for one lookup. Zero means the
	// chain default.
	Deadline time.Duration
	// PrimaryBudget and RegionalBudget cap the network tiers
	// individually; zero leaves them bounded only by what remains.
	PrimaryBudget  time.Duration
	RegionalBudget time.Duration

	Sink telemetry.Sink
}

type query struct {
	coord model.Coordinate
	key   string
}

// Service resolves current wildfire risk for a coordinate. Lookups never
// fail once the input validates: the synthetic tier always produces.
type Service struct {
	logger *slog.Logger
	cache  *cache.Engine[model.RiskAssessment]
	chain  *fallback.Chain[query, model.RiskAssessment]

	flight    singleflight.Group
	writeback chan writebackReq
	done      chan struct{}

	now func() time.Time // for tests
}

type writebackReq struct {
	key   string
	value model.RiskAssessment
}

func NewService(logger *slog.Logger, opts Options) (*Service, error) {
	if opts.Primary == nil {
		return nil, fmt.Errorf("risk: primary index provider is required")
	}
	if opts.Cache == nil {
		return nil, fmt.Errorf("risk: cache engine is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Service{
		logger:    logger,
		cache:     opts.Cache,
		writeback: make(chan writebackReq, writebackQueue),
		done:      make(chan struct{}),
		now:       time.Now,
	}

	tiers := []fallback.Tier[query, model.RiskAssessment]{
		{
			Name:   TierEFFIS,
			Budget: opts.PrimaryBudget,
			Run: func(ctx context.Context, q query) (model.RiskAssessment, error) {
				reading, err := opts.Primary.FetchIndex(ctx, q.coord)
				if err != nil {
					return model.RiskAssessment{}, err
				}
				return reading.Assessment(model.SourceEFFIS), nil
			},
		},
	}
	if opts.Regional != nil {
		bbox := opts.RegionalBBox
		tiers = append(tiers, fallback.Tier[query, model.RiskAssessment]{
			Name:    TierRegional,
			Budget:  opts.RegionalBudget,
			Applies: func(q query) bool { return bbox.Contains(q.coord) },
			Run: func(ctx context.Context, q query) (model.RiskAssessment, error) {
				reading, err := opts.Regional.FetchIndex(ctx, q.coord)
				if err != nil {
					return model.RiskAssessment{}, err
				}
				return reading.Assessment(model.SourceRegional), nil
			},
		})
	}
	tiers = append(tiers, fallback.Tier[query, model.RiskAssessment]{
		Name: TierCache,
		Run:  s.fromCache,
	})

	final := fallback.Tier[query, model.RiskAssessment]{
		Name: TierSynthetic,
		Run: func(context.Context, query) (model.RiskAssessment, error) {
			return s.synthetic(), nil
		},
	}

	chain, err := fallback.NewChain(logger, opts.Sink, opts.Deadline, tiers, final)
	if err != nil {
		return nil, err
	}
	s.chain = chain

	go s.writebackLoop()
	return s, nil
}

// GetCurrent resolves the risk at (lat, lon) under the default deadline.
// The only error it returns is coordinate validation; every other failure
// degrades through the chain instead.
func (s *Service) GetCurrent(ctx context.Context, lat, lon float64) (fallback.Result[model.RiskAssessment], error) {
	return s.get(ctx, lat, lon, 0)
}

// GetCurrentWithDeadline is GetCurrent with an explicit global budget.
func (s *Service) GetCurrentWithDeadline(ctx context.Context, lat, lon float64, deadline time.Duration) (fallback.Result[model.RiskAssessment], error) {
	if deadline <= 0 {
		return fallback.Result[model.RiskAssessment]{}, ErrInvalidDeadline
	}
	return s.get(ctx, lat, lon, deadline)
}

func (s *Service) get(ctx context.Context, lat, lon float64, deadline time.Duration) (fallback.Result[model.RiskAssessment], error) {
	coord := model.Coordinate{Lat: lat, Lon: lon}
	if err := coord.Validate(); err != nil {
		return fallback.Result[model.RiskAssessment]{}, err
	}

	cell, err := geokey.Encode(lat, lon, geokey.DefaultPrecision)
	if err != nil {
		return fallback.Result[model.RiskAssessment]{}, err
	}
	q := query{coord: coord, key: geokey.RiskKey(cell)}

	// Concurrent lookups for the same cell collapse into one chain walk.
	v, err, _ := s.flight.Do(q.key, func() (any, error) {
		res, err := s.chain.ExecuteWithDeadline(ctx, q, deadline)
		if err != nil {
			return fallback.Result[model.RiskAssessment]{}, err
		}
		if res.Value.Freshness == model.FreshnessLive {
			s.enqueueWriteback(q.key, res.Value)
		}
		return res, nil
	})
	if err != nil {
		return fallback.Result[model.RiskAssessment]{}, err
	}
	return v.(fallback.Result[model.RiskAssessment]), nil
}

// fromCache serves a previously stored assessment, re-tagged so callers can
// tell it is stale. Cache hits are never written back.
func (s *Service) fromCache(ctx context.Context, q query) (model.RiskAssessment, error) {
	a, ok := s.cache.Get(ctx, q.key)
	if !ok {
		return model.RiskAssessment{}, fmt.Errorf("no cached assessment for %s", q.key)
	}
	return a.WithSource(model.SourceCache).WithFreshness(model.FreshnessCached), nil
}

// synthetic produces a seasonal baseline with no score attached. Spring is
// the busy season here: dead winter vegetation dries out before green-up.
func (s *Service) synthetic() model.RiskAssessment {
	now := s.now().UTC()
	level := model.RiskVeryLow
	switch now.Month() {
	case time.March, time.April, time.May:
		level = model.RiskModerate
	case time.June, time.July, time.August, time.September:
		level = model.RiskLow
	}
	return model.RiskAssessment{
		Level:      level,
		Source:     model.SourceSynthetic,
		Freshness:  model.FreshnessSynthetic,
		ObservedAt: now,
	}
}

// enqueueWriteback hands a live assessment to the background writer. A full
// queue drops the write rather than stalling the request path.
func (s *Service) enqueueWriteback(key string, v model.RiskAssessment) {
	select {
	case s.writeback <- writebackReq{key: key, value: v}:
	default:
		s.logger.Warn("writeback queue full, dropping", "key", key)
	}
}

func (s *Service) writebackLoop() {
	for {
		select {
		case req := <-s.writeback:
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			s.cache.Set(ctx, req.key, req.value)
			cancel()
		case <-s.done:
			return
		}
	}
}

// Close stops the background writer. Queued writes that have not started
// are discarded.
func (s *Service) Close() {
	close(s.done)
}
