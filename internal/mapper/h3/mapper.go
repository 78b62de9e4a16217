// Package h3mapper converts geographic extents into H3 cell identifiers.
// Cells are the unit of caching for fire features: one bundle per cell, so
// overlapping queries share whatever cells they have in common.
package h3mapper

import (
	"errors"
	"fmt"
	"sort"

	h3 "github.com/uber/h3-go/v4"

	"github.com/wildfire-labs/riskd/internal/core/model"
)

// DefaultResolution trades cell size against bundle count; res 6 cells are
// roughly 36 km2, a sensible tile for browsing nearby fires.
const DefaultResolution = 6

type Mapper struct{}

func New() *Mapper { return &Mapper{} }

// CellForPoint returns the cell containing the coordinate.
func (m *Mapper) CellForPoint(c model.Coordinate, res int) (string, error) {
	if err := validateRes(res); err != nil {
		return "", err
	}
	if err := c.Validate(); err != nil {
		return "", err
	}
	cell, err := h3.LatLngToCell(h3.LatLng{Lat: c.Lat, Lng: c.Lon}, res)
	if err != nil {
		return "", fmt.Errorf("h3 index: %w", err)
	}
	return cell.String(), nil
}

// CellsForBBox covers the envelope with cells at the given resolution,
// returned sorted and deduplicated.
func (m *Mapper) CellsForBBox(bb model.BBox, res int) ([]string, error) {
	if err := validateRes(res); err != nil {
		return nil, err
	}
	// Rectangular loop in degrees (lon,lat in EPSG:4326).
	outer := h3.GeoLoop{
		{Lat: bb.Y1, Lng: bb.X1},
		{Lat: bb.Y1, Lng: bb.X2},
		{Lat: bb.Y2, Lng: bb.X2},
		{Lat: bb.Y2, Lng: bb.X1},
	}
	return polyfillOne(outer, nil, res)
}

// CellBoundaryBBox returns the envelope of a cell, useful for turning a
// cached cell back into an upstream spatial filter.
func (m *Mapper) CellBoundaryBBox(cell string) (model.BBox, error) {
	var c h3.Cell
	if err := c.UnmarshalText([]byte(cell)); err != nil {
		return model.BBox{}, fmt.Errorf("parse cell: %w", err)
	}
	if !c.IsValid() {
		return model.BBox{}, fmt.Errorf("invalid h3 cell %q", cell)
	}
	boundary, err := c.Boundary()
	if err != nil {
		return model.BBox{}, fmt.Errorf("h3 boundary: %w", err)
	}
	if len(boundary) == 0 {
		return model.BBox{}, errors.New("empty cell boundary")
	}
	bb := model.BBox{
		X1: boundary[0].Lng, Y1: boundary[0].Lat,
		X2: boundary[0].Lng, Y2: boundary[0].Lat,
	}
	for _, v := range boundary[1:] {
		if v.Lng < bb.X1 {
			bb.X1 = v.Lng
		}
		if v.Lng > bb.X2 {
			bb.X2 = v.Lng
		}
		if v.Lat < bb.Y1 {
			bb.Y1 = v.Lat
		}
		if v.Lat > bb.Y2 {
			bb.Y2 = v.Lat
		}
	}
	return bb, nil
}

func validateRes(res int) error {
	if res < 0 || res > 15 {
		return fmt.Errorf("invalid H3 resolution %d (must be 0..15)", res)
	}
	return nil
}

// polyfillOne computes unique cells and returns them sorted for determinism.
func polyfillOne(outer h3.GeoLoop, holes []h3.GeoLoop, res int) ([]string, error) {
	if len(outer) < 4 {
		return nil, errors.New("outer ring has < 4 vertices")
	}
	poly := h3.GeoPolygon{
		GeoLoop: outer,
		Holes:   holes,
	}

	indexes, err := h3.PolygonToCells(poly, res)
	if err != nil {
		return nil, fmt.Errorf("h3 polyfill: %w", err)
	}

	out := make([]string, 0, len(indexes))
	seen := make(map[string]struct{}, len(indexes))
	for _, idx := range indexes {
		s := idx.String()
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out, nil
}
