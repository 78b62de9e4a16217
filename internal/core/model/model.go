// Package model defines core domain types shared across the service.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrInvalidCoordinate is the only error class surfaced to callers of the
// risk chain; everything else degrades through the fallback tiers.
var ErrInvalidCoordinate = errors.New("invalid coordinate")

type Coordinate struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

func (c Coordinate) Validate() error {
	if math.IsNaN(c.Lat) || math.IsInf(c.Lat, 0) ||
		math.IsNaN(c.Lon) || math.IsInf(c.Lon, 0) {
		return fmt.Errorf("%w: coordinates must be finite", ErrInvalidCoordinate)
	}
	if c.Lat < -90 || c.Lat > 90 {
		return fmt.Errorf("%w: latitude %v outside [-90,90]", ErrInvalidCoordinate, c.Lat)
	}
	if c.Lon < -180 || c.Lon > 180 {
		return fmt.Errorf("%w: longitude %v outside [-180,180]", ErrInvalidCoordinate, c.Lon)
	}
	return nil
}

type BBox struct {
	X1, Y1 float64
	X2, Y2 float64
	SRID   string
}

// String representation matching the wfs/wms bbox format
func (b BBox) String() string {
	srid := b.SRID
	if srid == "" {
		srid = "EPSG:4326"
	}
	return fmt.Sprintf("%.6f,%.6f,%.6f,%.6f,%s", b.X1, b.Y1, b.X2, b.Y2, srid)
}

// Contains reports whether the point falls inside the envelope (inclusive).
func (b BBox) Contains(c Coordinate) bool {
	return c.Lon >= b.X1 && c.Lon <= b.X2 && c.Lat >= b.Y1 && c.Lat <= b.Y2
}

type Source string

const (
	SourceEFFIS     Source = "effis-fwi"
	SourceRegional  Source = "regional"
	SourceCache     Source = "cache"
	SourceSynthetic Source = "synthetic-fallback"
)

type Freshness string

const (
	FreshnessLive      Freshness = "live"
	FreshnessCached    Freshness = "cached"
	FreshnessSynthetic Freshness = "synthetic"
)

type RiskLevel string

const (
	RiskVeryLow  RiskLevel = "very-low"
	RiskLow      RiskLevel = "low"
	RiskModerate RiskLevel = "moderate"
	RiskHigh     RiskLevel = "high"
	RiskVeryHigh RiskLevel = "very-high"
	RiskExtreme  RiskLevel = "extreme"
)

// LevelFromFWI maps a fire weather index value onto the EFFIS danger classes.
func LevelFromFWI(fwi float64) RiskLevel {
	switch {
	case fwi < 5.2:
		return RiskVeryLow
	case fwi < 11.2:
		return RiskLow
	case fwi < 21.3:
		return RiskModerate
	case fwi < 38.0:
		return RiskHigh
	case fwi < 50.0:
		return RiskVeryHigh
	default:
		return RiskExtreme
	}
}

// RiskAssessment is the value cached and returned by the risk chain.
// Instances are treated as immutable: the With* methods return copies and
// nothing re-tags an assessment in place.
type RiskAssessment struct {
	Level      RiskLevel `json:"level"`
	Score      *float64  `json:"score,omitempty"`
	Source     Source    `json:"source"`
	Freshness  Freshness `json:"freshness"`
	ObservedAt time.Time `json:"observed_at"`
}

func (a RiskAssessment) WithFreshness(f Freshness) RiskAssessment {
	a.Freshness = f
	return a
}

func (a RiskAssessment) WithSource(s Source) RiskAssessment {
	a.Source = s
	return a
}

// IndexReading is a raw fire-weather-index observation from an upstream.
type IndexReading struct {
	FWI        float64   `json:"fwi"`
	ObservedAt time.Time `json:"observed_at"`
}

// Assessment converts the reading into a live assessment attributed to src.
func (r IndexReading) Assessment(src Source) RiskAssessment {
	score := r.FWI
	at := r.ObservedAt
	if at.IsZero() {
		at = time.Now()
	}
	return RiskAssessment{
		Level:      LevelFromFWI(r.FWI),
		Score:      &score,
		Source:     src,
		Freshness:  FreshnessLive,
		ObservedAt: at.UTC(),
	}
}

// FireFeature is one burnt area or active fire, geometry kept as raw GeoJSON.
type FireFeature struct {
	ID       string          `json:"id"`
	Name     string          `json:"name,omitempty"`
	Geometry json.RawMessage `json:"geometry,omitempty"`
	AreaHa   float64         `json:"area_ha,omitempty"`
	Season   int             `json:"season,omitempty"`
}

// FeatureBundle holds the features cached for one spatial cell.
type FeatureBundle struct {
	Cell      string        `json:"cell"`
	Features  []FireFeature `json:"features"`
	FetchedAt time.Time     `json:"fetched_at"`
}
