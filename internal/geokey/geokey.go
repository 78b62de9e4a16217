// Package geokey maps coordinates to short spatial cell keys and builds the
// cache keys derived from them. Only cell keys are ever persisted, never raw
// coordinates.
package geokey

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"

	"github.com/wildfire-labs/riskd/internal/core/model"
)

// DefaultPrecision yields cells of roughly 5 km, wide enough that a stored
// key does not identify an exact position.
const DefaultPrecision = 5

const maxPrecision = 12

var ErrInvalidPrecision = errors.New("invalid precision")

const base32Chars = "0123456789bcdefghjkmnpqrstuvwxyz"

// Encode returns the geohash cell containing (lat, lon) at the given
// precision. Same input always yields the same key; points within one cell
// collapse to an identical key.
func Encode(lat, lon float64, precision int) (string, error) {
	if precision <= 0 || precision > maxPrecision {
		return "", fmt.Errorf("%w: %d (must be 1..%d)", ErrInvalidPrecision, precision, maxPrecision)
	}
	if err := (model.Coordinate{Lat: lat, Lon: lon}).Validate(); err != nil {
		return "", err
	}

	latMin, latMax := -90.0, 90.0
	lonMin, lonMax := -180.0, 180.0

	var b strings.Builder
	b.Grow(precision)

	bit, ch := 0, 0
	even := true
	for b.Len() < precision {
		if even {
			mid := (lonMin + lonMax) / 2
			if lon >= mid {
				ch |= 1 << (4 - bit)
				lonMin = mid
			} else {
				lonMax = mid
			}
		} else {
			mid := (latMin + latMax) / 2
			if lat >= mid {
				ch |= 1 << (4 - bit)
				latMin = mid
			} else {
				latMax = mid
			}
		}
		even = !even
		if bit < 4 {
			bit++
		} else {
			b.WriteByte(base32Chars[ch])
			bit, ch = 0, 0
		}
	}
	return b.String(), nil
}

// RiskKey is the cache key for a risk assessment stored under a cell.
func RiskKey(cell string) string {
	return "risk:" + sanitize(cell)
}

// FeatureKey is the cache key for the feature bundle of one H3 cell. Filter
// text is sanitized for readability and hashed for uniqueness.
func FeatureKey(layer string, res int, cell, filters string) string {
	layerNorm := sanitize(strings.TrimSpace(layer))
	filterText := collapseASCIIWhitespace(filters)
	filterSafe := sanitize(filterText)

	const maxFilterTextLen = 160
	if len(filterSafe) > maxFilterTextLen {
		filterSafe = filterSafe[:maxFilterTextLen]
	}

	sum := xxhash.Sum64String(filterText)

	return fmt.Sprintf("fires:%s:%d:%s:f=%016x:%s", layerNorm, res, sanitize(cell), sum, filterSafe)
}

// sanitize keeps keys ASCII and store-safe: whitespace becomes '_', anything
// outside [alnum : _ - =] becomes '-', runs collapse.
func sanitize(s string) string {
	if s == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(s))

	var prev rune
	for _, r := range s {
		out := rune(0)
		switch {
		case r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\v' || r == '\f':
			out = '_'
		case isAlphaNum(r) || r == ':' || r == '_' || r == '-' || r == '=':
			out = r
		default:
			out = '-'
		}
		if (out == '_' || out == '-') && out == prev {
			continue
		}
		b.WriteRune(out)
		prev = out
	}
	return b.String()
}

func collapseASCIIWhitespace(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	wasWS := false
	for _, r := range s {
		if r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\v' || r == '\f' {
			if !wasWS {
				b.WriteByte(' ')
				wasWS = true
			}
			continue
		}
		b.WriteRune(r)
		wasWS = false
	}
	return strings.TrimSpace(b.String())
}

func isAlphaNum(r rune) bool {
	return (r >= 'a' && r <= 'z') ||
		(r >= 'A' && r <= 'Z') ||
		unicode.IsDigit(r)
}
