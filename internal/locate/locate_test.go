package locate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/wildfire-labs/riskd/internal/cache/memstore"
	"github.com/wildfire-labs/riskd/internal/core/model"
)

type stubFix struct {
	coord model.Coordinate
	err   error
	calls int
}

func (f *stubFix) CurrentFix(context.Context) (model.Coordinate, error) {
	f.calls++
	if f.err != nil {
		return model.Coordinate{}, f.err
	}
	return f.coord, nil
}

type slowFix struct{}

func (slowFix) CurrentFix(ctx context.Context) (model.Coordinate, error) {
	<-ctx.Done()
	return model.Coordinate{}, ctx.Err()
}

func newService(t *testing.T, opts Options) *Service {
	t.Helper()
	if opts.Store == nil {
		opts.Store = memstore.New(64, time.Hour)
	}
	s, err := NewService(nil, opts)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return s
}

func TestResolve_LastKnownWins(t *testing.T) {
	fix := &stubFix{coord: model.Coordinate{Lat: 57.1, Lon: -2.1}}
	s := newService(t, Options{Fix: fix, AllowDefault: true})

	known := model.Coordinate{Lat: 55.9, Lon: -3.2}
	s.RecordFix(known)

	res, err := s.Resolve(context.Background())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Tier != TierLastKnown || res.Value != known {
		t.Fatalf("res=%+v", res)
	}
	if fix.calls != 0 {
		t.Fatalf("fresh fix requested despite a known position")
	}
}

func TestResolve_FreshFixRemembered(t *testing.T) {
	fix := &stubFix{coord: model.Coordinate{Lat: 57.1477, Lon: -2.0968}}
	s := newService(t, Options{Fix: fix, AllowDefault: true})

	res, err := s.Resolve(context.Background())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Tier != TierFreshFix || res.Value != fix.coord {
		t.Fatalf("res=%+v", res)
	}

	// The fix seeds last-known, so the next resolve skips the provider.
	res, err = s.Resolve(context.Background())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Tier != TierLastKnown || fix.calls != 1 {
		t.Fatalf("tier=%s calls=%d", res.Tier, fix.calls)
	}
}

func TestResolve_SlowFixFallsThrough(t *testing.T) {
	s := newService(t, Options{
		Fix:          slowFix{},
		FixBudget:    20 * time.Millisecond,
		AllowDefault: true,
	})

	start := time.Now()
	res, err := s.Resolve(context.Background())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Tier != TierDefault {
		t.Fatalf("res=%+v", res)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("resolve waited out the slow fix: %v", elapsed)
	}
}

func TestResolve_ManualBeatsDefault(t *testing.T) {
	fix := &stubFix{err: errors.New("gps unavailable")}
	s := newService(t, Options{Fix: fix, AllowDefault: true})

	if err := s.SaveManual(context.Background(), 56.4907, -4.2026); err != nil {
		t.Fatalf("SaveManual: %v", err)
	}

	res, err := s.Resolve(context.Background())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Tier != TierManual {
		t.Fatalf("res=%+v", res)
	}
	if res.Value.Lat != 56.4907 || res.Value.Lon != -4.2026 {
		t.Fatalf("value=%+v", res.Value)
	}
}

func TestResolve_DefaultWhenAllowed(t *testing.T) {
	s := newService(t, Options{AllowDefault: true})

	res, err := s.Resolve(context.Background())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Tier != TierDefault || res.Value != DefaultCoordinate {
		t.Fatalf("res=%+v", res)
	}
}

func TestResolve_ManualEntryRequired(t *testing.T) {
	s := newService(t, Options{AllowDefault: false})

	_, err := s.Resolve(context.Background())
	if !errors.Is(err, ErrManualEntryRequired) {
		t.Fatalf("err=%v want ErrManualEntryRequired", err)
	}
}

func TestSaveManual_RejectsInvalid(t *testing.T) {
	s := newService(t, Options{AllowDefault: true})

	if err := s.SaveManual(context.Background(), 91, 0); !errors.Is(err, model.ErrInvalidCoordinate) {
		t.Fatalf("err=%v want ErrInvalidCoordinate", err)
	}
}

func TestClearManual(t *testing.T) {
	s := newService(t, Options{AllowDefault: true})

	if err := s.SaveManual(context.Background(), 56.0, -3.5); err != nil {
		t.Fatalf("SaveManual: %v", err)
	}
	if err := s.ClearManual(context.Background()); err != nil {
		t.Fatalf("ClearManual: %v", err)
	}

	res, err := s.Resolve(context.Background())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Tier != TierDefault {
		t.Fatalf("manual location survived clear: %+v", res)
	}
}

func TestRecordFix_IgnoresInvalid(t *testing.T) {
	s := newService(t, Options{AllowDefault: true})

	s.RecordFix(model.Coordinate{Lat: 200, Lon: 0})

	res, err := s.Resolve(context.Background())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Tier != TierDefault {
		t.Fatalf("invalid fix was recorded: %+v", res)
	}
}
