package features

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/wildfire-labs/riskd/internal/cache"
	"github.com/wildfire-labs/riskd/internal/cache/memstore"
	"github.com/wildfire-labs/riskd/internal/core/model"
)

type stubProvider struct {
	mu       sync.Mutex
	calls    int
	err      error
	features []model.FireFeature
}

func (p *stubProvider) FetchFeatures(context.Context, model.BBox) ([]model.FireFeature, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	return p.features, nil
}

func (p *stubProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func newTestCache(t *testing.T) *cache.Engine[model.FeatureBundle] {
	t.Helper()
	return cache.New[model.FeatureBundle](memstore.New(2048, time.Hour), nil, cache.Options{
		Prefix:   "fires:",
		TTL:      time.Hour,
		Capacity: 2048,
	})
}

func newTestService(t *testing.T, p Provider, c *cache.Engine[model.FeatureBundle]) *Service {
	t.Helper()
	if c == nil {
		c = newTestCache(t)
	}
	s, err := NewService(nil, Options{
		Provider:   p,
		Cache:      c,
		Layer:      "ba:burnt_area_2026",
		Resolution: 5,
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return s
}

func TestNearby_FetchesAndCaches(t *testing.T) {
	p := &stubProvider{features: []model.FireFeature{{ID: "f1", AreaHa: 12.5}}}
	s := newTestService(t, p, nil)

	res, err := s.Nearby(context.Background(), 55.95, -3.19, 10)
	if err != nil {
		t.Fatalf("Nearby: %v", err)
	}
	if res.Cells == 0 {
		t.Fatalf("expected a non-empty cover")
	}
	if res.CachedCells != 0 || res.Partial {
		t.Fatalf("res=%+v", res)
	}
	if len(res.Features) == 0 {
		t.Fatalf("no features returned")
	}
	firstCalls := p.callCount()
	if firstCalls != res.Cells {
		t.Fatalf("calls=%d cells=%d", firstCalls, res.Cells)
	}

	// Second query over the same footprint is served from cache.
	res2, err := s.Nearby(context.Background(), 55.95, -3.19, 10)
	if err != nil {
		t.Fatalf("Nearby: %v", err)
	}
	if res2.CachedCells != res2.Cells {
		t.Fatalf("res=%+v want full cache hit", res2)
	}
	if p.callCount() != firstCalls {
		t.Fatalf("cache hit still went upstream")
	}
}

func TestNearby_InvalidInput(t *testing.T) {
	s := newTestService(t, &stubProvider{}, nil)

	if _, err := s.Nearby(context.Background(), 91, 0, 10); !errors.Is(err, model.ErrInvalidCoordinate) {
		t.Fatalf("err=%v want ErrInvalidCoordinate", err)
	}
	if _, err := s.Nearby(context.Background(), 55.95, -3.19, 5000); err == nil {
		t.Fatalf("expected error for oversized radius")
	}
}

func TestNearby_DegradesToCacheOnUpstreamFailure(t *testing.T) {
	p := &stubProvider{features: []model.FireFeature{{ID: "f1"}}}
	c := newTestCache(t)
	s := newTestService(t, p, c)

	// Warm the small footprint, then fail the upstream and ask for a
	// larger one that needs extra cells.
	if _, err := s.Nearby(context.Background(), 55.95, -3.19, 10); err != nil {
		t.Fatalf("warm: %v", err)
	}
	p.mu.Lock()
	p.err = errors.New("wfs down")
	p.mu.Unlock()

	res, err := s.Nearby(context.Background(), 55.95, -3.19, 30)
	if err != nil {
		t.Fatalf("Nearby: %v", err)
	}
	if !res.Partial {
		t.Fatalf("expected partial result, got %+v", res)
	}
	if res.CachedCells == 0 {
		t.Fatalf("cached cells were not served")
	}
	if len(res.Features) == 0 {
		t.Fatalf("expected cached features despite upstream failure")
	}
}

func TestNearby_MergeDeduplicatesAndSorts(t *testing.T) {
	// Same feature straddles cells, so every bundle repeats it.
	p := &stubProvider{features: []model.FireFeature{
		{ID: "zz", AreaHa: 4},
		{ID: "aa", AreaHa: 9},
	}}
	s := newTestService(t, p, nil)

	res, err := s.Nearby(context.Background(), 55.95, -3.19, 15)
	if err != nil {
		t.Fatalf("Nearby: %v", err)
	}
	if len(res.Features) != 2 {
		t.Fatalf("features=%d want 2 after dedupe", len(res.Features))
	}
	if !sort.SliceIsSorted(res.Features, func(i, j int) bool {
		return res.Features[i].ID < res.Features[j].ID
	}) {
		t.Fatalf("features not sorted by id: %+v", res.Features)
	}
}

func TestNearby_DefaultRadius(t *testing.T) {
	p := &stubProvider{}
	s := newTestService(t, p, nil)

	res, err := s.Nearby(context.Background(), 55.95, -3.19, 0)
	if err != nil {
		t.Fatalf("Nearby: %v", err)
	}
	if res.Cells == 0 {
		t.Fatalf("default radius produced an empty cover")
	}
}
