package model

import (
	"errors"
	"math"
	"testing"
	"time"
)

func TestValidate_RangeAndFiniteness(t *testing.T) {
	cases := []struct {
		name    string
		lat     float64
		lon     float64
		wantErr bool
	}{
		{"edinburgh", 55.95, -3.19, false},
		{"poles", 90, 180, false},
		{"antipodes", -90, -180, false},
		{"lat too big", 90.01, 0, true},
		{"lat too small", -91, 0, true},
		{"lon too big", 0, 180.5, true},
		{"lon too small", 0, -181, true},
		{"nan lat", math.NaN(), 0, true},
		{"nan lon", 0, math.NaN(), true},
		{"inf lat", math.Inf(1), 0, true},
		{"neg inf lon", 0, math.Inf(-1), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Coordinate{Lat: tc.lat, Lon: tc.lon}.Validate()
			if tc.wantErr && !errors.Is(err, ErrInvalidCoordinate) {
				t.Fatalf("want ErrInvalidCoordinate, got %v", err)
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestBBoxContains(t *testing.T) {
	scotland := BBox{X1: -8.65, Y1: 54.6, X2: -0.7, Y2: 60.9}
	if !scotland.Contains(Coordinate{Lat: 55.95, Lon: -3.19}) {
		t.Fatalf("edinburgh should be inside the envelope")
	}
	if scotland.Contains(Coordinate{Lat: 51.5, Lon: -0.12}) {
		t.Fatalf("london should be outside the envelope")
	}
}

func TestLevelFromFWI_Bands(t *testing.T) {
	cases := []struct {
		fwi  float64
		want RiskLevel
	}{
		{0, RiskVeryLow},
		{5.19, RiskVeryLow},
		{5.2, RiskLow},
		{11.2, RiskModerate},
		{21.3, RiskHigh},
		{38.0, RiskVeryHigh},
		{50.0, RiskExtreme},
		{120, RiskExtreme},
	}
	for _, tc := range cases {
		if got := LevelFromFWI(tc.fwi); got != tc.want {
			t.Fatalf("LevelFromFWI(%v)=%s want %s", tc.fwi, got, tc.want)
		}
	}
}

func TestRiskAssessment_WithFreshnessCopies(t *testing.T) {
	score := 12.5
	orig := RiskAssessment{
		Level:      RiskModerate,
		Score:      &score,
		Source:     SourceEFFIS,
		Freshness:  FreshnessLive,
		ObservedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	tagged := orig.WithFreshness(FreshnessCached).WithSource(SourceCache)

	if orig.Freshness != FreshnessLive || orig.Source != SourceEFFIS {
		t.Fatalf("original mutated: %+v", orig)
	}
	if tagged.Freshness != FreshnessCached || tagged.Source != SourceCache {
		t.Fatalf("copy not re-tagged: %+v", tagged)
	}
	if tagged.Level != orig.Level || !tagged.ObservedAt.Equal(orig.ObservedAt) {
		t.Fatalf("copy lost fields: %+v", tagged)
	}
}

func TestIndexReading_Assessment(t *testing.T) {
	at := time.Date(2026, 7, 4, 9, 30, 0, 0, time.FixedZone("CEST", 2*3600))
	a := IndexReading{FWI: 42, ObservedAt: at}.Assessment(SourceEFFIS)

	if a.Level != RiskVeryHigh {
		t.Fatalf("level=%s want very-high", a.Level)
	}
	if a.Score == nil || *a.Score != 42 {
		t.Fatalf("score=%v want 42", a.Score)
	}
	if a.Freshness != FreshnessLive {
		t.Fatalf("freshness=%s want live", a.Freshness)
	}
	if loc := a.ObservedAt.Location(); loc != time.UTC {
		t.Fatalf("observed_at not UTC: %v", loc)
	}
}
