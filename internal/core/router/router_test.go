package router

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/wildfire-labs/riskd/internal/core/model"
	"github.com/wildfire-labs/riskd/internal/fallback"
	"github.com/wildfire-labs/riskd/internal/features"
	"github.com/wildfire-labs/riskd/internal/locate"
)

type stubRisk struct {
	res      fallback.Result[model.RiskAssessment]
	err      error
	deadline time.Duration
}

func (s *stubRisk) GetCurrent(_ context.Context, lat, lon float64) (fallback.Result[model.RiskAssessment], error) {
	if err := (model.Coordinate{Lat: lat, Lon: lon}).Validate(); err != nil {
		return fallback.Result[model.RiskAssessment]{}, err
	}
	return s.res, s.err
}

func (s *stubRisk) GetCurrentWithDeadline(ctx context.Context, lat, lon float64, d time.Duration) (fallback.Result[model.RiskAssessment], error) {
	s.deadline = d
	return s.GetCurrent(ctx, lat, lon)
}

type stubFeatures struct {
	res features.Result
	err error
}

func (s *stubFeatures) Nearby(context.Context, float64, float64, float64) (features.Result, error) {
	return s.res, s.err
}

type stubLocate struct {
	res     fallback.Result[model.Coordinate]
	err     error
	saved   *model.Coordinate
	cleared bool
}

func (s *stubLocate) Resolve(context.Context) (fallback.Result[model.Coordinate], error) {
	return s.res, s.err
}

func (s *stubLocate) SaveManual(_ context.Context, lat, lon float64) error {
	c := model.Coordinate{Lat: lat, Lon: lon}
	if err := c.Validate(); err != nil {
		return err
	}
	s.saved = &c
	return nil
}

func (s *stubLocate) ClearManual(context.Context) error {
	s.cleared = true
	return nil
}

func sampleResult() fallback.Result[model.RiskAssessment] {
	score := 12.3
	return fallback.Result[model.RiskAssessment]{
		Value: model.RiskAssessment{
			Level:     model.RiskModerate,
			Score:     &score,
			Source:    model.SourceEFFIS,
			Freshness: model.FreshnessLive,
		},
		Tier:    "effis-fwi",
		Depth:   1,
		Elapsed: 340 * time.Millisecond,
	}
}

func TestRisk_OK(t *testing.T) {
	rk := &stubRisk{res: sampleResult()}
	h := New(nil, rk, &stubFeatures{}, &stubLocate{})

	rr := httptest.NewRecorder()
	h.Risk()(rr, httptest.NewRequest(http.MethodGet, "/risk?lat=55.95&lon=-3.19", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
	var out riskResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Tier != "effis-fwi" || out.Assessment.Level != model.RiskModerate {
		t.Fatalf("out=%+v", out)
	}
	if out.ElapsedMS != 340 {
		t.Fatalf("elapsed_ms=%d", out.ElapsedMS)
	}
	if out.Location != nil {
		t.Fatalf("explicit coords must not echo a resolved location")
	}
}

func TestRisk_DeadlinePassedThrough(t *testing.T) {
	rk := &stubRisk{res: sampleResult()}
	h := New(nil, rk, &stubFeatures{}, &stubLocate{})

	rr := httptest.NewRecorder()
	h.Risk()(rr, httptest.NewRequest(http.MethodGet, "/risk?lat=55.95&lon=-3.19&deadline_ms=1500", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d", rr.Code)
	}
	if rk.deadline != 1500*time.Millisecond {
		t.Fatalf("deadline=%v", rk.deadline)
	}
}

func TestRisk_BadInput(t *testing.T) {
	h := New(nil, &stubRisk{res: sampleResult()}, &stubFeatures{}, &stubLocate{})

	cases := []string{
		"/risk?lat=abc&lon=-3.19",
		"/risk?lat=55.95",
		"/risk?lat=95&lon=-3.19",
		"/risk?lat=55.95&lon=-3.19&deadline_ms=0",
		"/risk?lat=55.95&lon=-3.19&deadline_ms=x",
	}
	for _, target := range cases {
		rr := httptest.NewRecorder()
		h.Risk()(rr, httptest.NewRequest(http.MethodGet, target, nil))
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("%s: status=%d want 400", target, rr.Code)
		}
	}
}

func TestRisk_FallsBackToLocationChain(t *testing.T) {
	loc := &stubLocate{res: fallback.Result[model.Coordinate]{
		Value: model.Coordinate{Lat: 55.9533, Lon: -3.1883},
		Tier:  "default",
	}}
	h := New(nil, &stubRisk{res: sampleResult()}, &stubFeatures{}, loc)

	rr := httptest.NewRecorder()
	h.Risk()(rr, httptest.NewRequest(http.MethodGet, "/risk", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
	var out riskResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Location == nil || out.Location.Lat != 55.9533 {
		t.Fatalf("resolved location missing from response: %+v", out)
	}
}

func TestFires_OK(t *testing.T) {
	f := &stubFeatures{res: features.Result{
		Features: []model.FireFeature{{ID: "ba.1", AreaHa: 10}},
		Cells:    3, CachedCells: 3,
	}}
	h := New(nil, &stubRisk{}, f, &stubLocate{})

	rr := httptest.NewRecorder()
	h.Fires()(rr, httptest.NewRequest(http.MethodGet, "/fires?lat=55.95&lon=-3.19&radius_km=10", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
	var out features.Result
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Features) != 1 || out.Features[0].ID != "ba.1" {
		t.Fatalf("out=%+v", out)
	}
}

func TestFires_BadRadius(t *testing.T) {
	h := New(nil, &stubRisk{}, &stubFeatures{}, &stubLocate{})

	rr := httptest.NewRecorder()
	h.Fires()(rr, httptest.NewRequest(http.MethodGet, "/fires?lat=55.95&lon=-3.19&radius_km=wide", nil))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status=%d want 400", rr.Code)
	}
}

func TestLocation_ManualEntryRequired(t *testing.T) {
	loc := &stubLocate{err: locate.ErrManualEntryRequired}
	h := New(nil, &stubRisk{}, &stubFeatures{}, loc)

	rr := httptest.NewRecorder()
	h.Location()(rr, httptest.NewRequest(http.MethodGet, "/location", nil))
	if rr.Code != http.StatusPreconditionRequired {
		t.Fatalf("status=%d want 428", rr.Code)
	}
}

func TestSaveLocation(t *testing.T) {
	loc := &stubLocate{}
	h := New(nil, &stubRisk{}, &stubFeatures{}, loc)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPut, "/location", strings.NewReader(`{"lat":56.5,"lon":-4.2}`))
	h.SaveLocation()(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
	if loc.saved == nil || loc.saved.Lat != 56.5 {
		t.Fatalf("saved=%+v", loc.saved)
	}

	rr = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPut, "/location", strings.NewReader(`{"lat":200,"lon":0}`))
	h.SaveLocation()(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status=%d want 400", rr.Code)
	}
}

func TestClearLocation(t *testing.T) {
	loc := &stubLocate{}
	h := New(nil, &stubRisk{}, &stubFeatures{}, loc)

	rr := httptest.NewRecorder()
	h.ClearLocation()(rr, httptest.NewRequest(http.MethodDelete, "/location", nil))
	if rr.Code != http.StatusNoContent {
		t.Fatalf("status=%d", rr.Code)
	}
	if !loc.cleared {
		t.Fatalf("manual location not cleared")
	}
}
