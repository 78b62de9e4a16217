// Package features serves burnt-area and active-fire features around a
// point. Coverage is sliced into H3 cells so nearby queries share cached
// bundles; only the cells we have never seen go upstream.
package features

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/wildfire-labs/riskd/internal/cache"
	"github.com/wildfire-labs/riskd/internal/core/model"
	"github.com/wildfire-labs/riskd/internal/geokey"
	h3mapper "github.com/wildfire-labs/riskd/internal/mapper/h3"
)

const (
	// DefaultRadiusKm bounds the nearby query footprint.
	DefaultRadiusKm = 25.0
	maxRadiusKm     = 200.0

	defaultWorkers   = 8
	defaultOpTimeout = 5 * time.Second

	kmPerDegreeLat = 111.0
)

// Provider fetches the fire features intersecting an envelope.
type Provider interface {
	FetchFeatures(ctx context.Context, bbox model.BBox) ([]model.FireFeature, error)
}

type Options struct {
	Provider Provider
	Cache    *cache.Engine[model.FeatureBundle]
	// Layer names the upstream feature type; it becomes part of the cache
	// key so different layers never collide.
	Layer string
	// Resolution is the H3 resolution bundles are cached at.
	Resolution int
	// Filters is the upstream filter expression baked into cache keys.
	Filters string
	// Workers caps concurrent upstream fetches during a fill.
	Workers int
	// OpTimeout bounds one per-cell upstream fetch.
	OpTimeout time.Duration
}

// Result is the merged answer for one nearby query. Partial is set when at
// least one uncached cell could not be fetched; the features that were
// available are still returned.
type Result struct {
	Features    []model.FireFeature `json:"features"`
	Cells       int                 `json:"cells"`
	CachedCells int                 `json:"cached_cells"`
	Partial     bool                `json:"partial"`
}

type Service struct {
	logger    *slog.Logger
	provider  Provider
	cache     *cache.Engine[model.FeatureBundle]
	mapr      *h3mapper.Mapper
	layer     string
	res       int
	filters   string
	workers   int
	opTimeout time.Duration

	flight singleflight.Group
}

func NewService(logger *slog.Logger, opts Options) (*Service, error) {
	if opts.Provider == nil {
		return nil, fmt.Errorf("features: provider is required")
	}
	if opts.Cache == nil {
		return nil, fmt.Errorf("features: cache engine is required")
	}
	if opts.Layer == "" {
		return nil, fmt.Errorf("features: layer is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	res := opts.Resolution
	if res <= 0 {
		res = h3mapper.DefaultResolution
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	opTimeout := opts.OpTimeout
	if opTimeout <= 0 {
		opTimeout = defaultOpTimeout
	}
	return &Service{
		logger:    logger,
		provider:  opts.Provider,
		cache:     opts.Cache,
		mapr:      h3mapper.New(),
		layer:     opts.Layer,
		res:       res,
		filters:   opts.Filters,
		workers:   workers,
		opTimeout: opTimeout,
	}, nil
}

// Nearby returns the features within radiusKm of (lat, lon), merged across
// the covering cells and deduplicated by feature ID. Upstream failures
// degrade to whatever the cache already holds rather than failing the call.
func (s *Service) Nearby(ctx context.Context, lat, lon, radiusKm float64) (Result, error) {
	coord := model.Coordinate{Lat: lat, Lon: lon}
	if err := coord.Validate(); err != nil {
		return Result{}, err
	}
	if radiusKm <= 0 {
		radiusKm = DefaultRadiusKm
	}
	if radiusKm > maxRadiusKm || math.IsNaN(radiusKm) {
		return Result{}, fmt.Errorf("features: radius %.1f km out of range (0, %.0f]", radiusKm, maxRadiusKm)
	}

	cells, err := s.mapr.CellsForBBox(radiusBBox(coord, radiusKm), s.res)
	if err != nil {
		return Result{}, fmt.Errorf("features: map footprint: %w", err)
	}

	start := time.Now()
	bundles := make([]model.FeatureBundle, 0, len(cells))
	missing := make([]string, 0, len(cells))
	for _, cell := range cells {
		if b, ok := s.cache.Get(ctx, s.key(cell)); ok {
			bundles = append(bundles, b)
			continue
		}
		missing = append(missing, cell)
	}
	cached := len(bundles)

	var failed int
	if len(missing) > 0 {
		fetched, errs := s.fillCells(ctx, missing)
		bundles = append(bundles, fetched...)
		failed = errs
	}

	res := Result{
		Features:    mergeFeatures(bundles),
		Cells:       len(cells),
		CachedCells: cached,
		Partial:     failed > 0,
	}
	s.logger.Info("nearby features",
		"layer", s.layer, "res", s.res,
		"cells", len(cells), "hits", cached, "misses", len(missing), "failed", failed,
		"features", len(res.Features),
		"dur", time.Since(start).String())
	return res, nil
}

func (s *Service) key(cell string) string {
	return geokey.FeatureKey(s.layer, s.res, cell, s.filters)
}

// fillCells fetches the missing cells through a bounded worker pool and
// writes each successful bundle back to the cache.
func (s *Service) fillCells(ctx context.Context, missing []string) ([]model.FeatureBundle, int) {
	type result struct {
		bundle model.FeatureBundle
		err    error
	}

	jobs := make(chan string, len(missing))
	results := make(chan result, len(missing))

	workerN := s.workers
	if workerN > len(missing) {
		workerN = len(missing)
	}
	var wg sync.WaitGroup
	wg.Add(workerN)
	for range workerN {
		go func() {
			defer wg.Done()
			for cell := range jobs {
				select {
				case <-ctx.Done():
					return
				default:
				}
				b, err := s.fetchCell(ctx, cell)
				select {
				case results <- result{bundle: b, err: err}:
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	for _, c := range missing {
		jobs <- c
	}
	close(jobs)
	wg.Wait()
	close(results)

	var out []model.FeatureBundle
	for r := range results {
		if r.err != nil {
			s.logger.Warn("cell fetch failed", "err", r.err)
			continue
		}
		out = append(out, r.bundle)
	}
	// Cells whose workers bailed on cancellation count as failed too.
	return out, len(missing) - len(out)
}

// fetchCell resolves one cell upstream. Concurrent requests for the same
// cell collapse into a single upstream call.
func (s *Service) fetchCell(ctx context.Context, cell string) (model.FeatureBundle, error) {
	key := s.key(cell)
	v, err, _ := s.flight.Do(key, func() (any, error) {
		bb, err := s.mapr.CellBoundaryBBox(cell)
		if err != nil {
			return model.FeatureBundle{}, fmt.Errorf("cell %s envelope: %w", cell, err)
		}

		fctx, cancel := context.WithTimeout(ctx, s.opTimeout)
		defer cancel()
		feats, err := s.provider.FetchFeatures(fctx, bb)
		if err != nil {
			return model.FeatureBundle{}, fmt.Errorf("cell %s fetch: %w", cell, err)
		}

		b := model.FeatureBundle{Cell: cell, Features: feats, FetchedAt: time.Now().UTC()}
		s.cache.Set(ctx, key, b)
		return b, nil
	})
	if err != nil {
		return model.FeatureBundle{}, err
	}
	return v.(model.FeatureBundle), nil
}

// radiusBBox is a planar approximation, fine at these radii and latitudes.
func radiusBBox(c model.Coordinate, radiusKm float64) model.BBox {
	latDelta := radiusKm / kmPerDegreeLat
	cosLat := math.Cos(c.Lat * math.Pi / 180)
	if cosLat < 0.01 {
		cosLat = 0.01
	}
	lonDelta := radiusKm / (kmPerDegreeLat * cosLat)

	bb := model.BBox{
		X1: c.Lon - lonDelta, Y1: c.Lat - latDelta,
		X2: c.Lon + lonDelta, Y2: c.Lat + latDelta,
	}
	if bb.Y1 < -90 {
		bb.Y1 = -90
	}
	if bb.Y2 > 90 {
		bb.Y2 = 90
	}
	if bb.X1 < -180 {
		bb.X1 = -180
	}
	if bb.X2 > 180 {
		bb.X2 = 180
	}
	return bb
}

// mergeFeatures flattens bundles, deduplicates by feature ID and orders the
// result so identical queries produce identical payloads.
func mergeFeatures(bundles []model.FeatureBundle) []model.FireFeature {
	seen := make(map[string]struct{})
	out := make([]model.FireFeature, 0)
	for _, b := range bundles {
		for _, f := range b.Features {
			if f.ID != "" {
				if _, ok := seen[f.ID]; ok {
					continue
				}
				seen[f.ID] = struct{}{}
			}
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
