// Package router validates query input and maps the risk, feature and
// location services onto HTTP handlers.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/wildfire-labs/riskd/internal/core/model"
	"github.com/wildfire-labs/riskd/internal/core/observability"
	"github.com/wildfire-labs/riskd/internal/fallback"
	"github.com/wildfire-labs/riskd/internal/features"
	"github.com/wildfire-labs/riskd/internal/locate"
)

// RiskResolver serves point risk lookups.
type RiskResolver interface {
	GetCurrent(ctx context.Context, lat, lon float64) (fallback.Result[model.RiskAssessment], error)
	GetCurrentWithDeadline(ctx context.Context, lat, lon float64, deadline time.Duration) (fallback.Result[model.RiskAssessment], error)
}

// FeatureFinder serves nearby fire features.
type FeatureFinder interface {
	Nearby(ctx context.Context, lat, lon, radiusKm float64) (features.Result, error)
}

// Locator resolves and stores the client position.
type Locator interface {
	Resolve(ctx context.Context) (fallback.Result[model.Coordinate], error)
	SaveManual(ctx context.Context, lat, lon float64) error
	ClearManual(ctx context.Context) error
}

type Handlers struct {
	logger   *slog.Logger
	risk     RiskResolver
	features FeatureFinder
	locate   Locator
}

func New(logger *slog.Logger, risk RiskResolver, features FeatureFinder, locate Locator) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{logger: logger, risk: risk, features: features, locate: locate}
}

type riskResponse struct {
	Assessment model.RiskAssessment `json:"assessment"`
	Tier       string               `json:"tier"`
	Depth      int                  `json:"depth"`
	ElapsedMS  int64                `json:"elapsed_ms"`
	Location   *model.Coordinate    `json:"location,omitempty"`
}

// Risk handles GET /risk. Without lat/lon the position comes from the
// location chain.
func (h *Handlers) Risk() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		defer func() {
			observability.ObserveHTTP(r.Method, "/risk", sw.code, time.Since(start).Seconds())
		}()

		coord, located, err := h.resolveCoord(r)
		if err != nil {
			writeError(sw, http.StatusBadRequest, err)
			return
		}

		deadline, err := parseDeadline(r)
		if err != nil {
			writeError(sw, http.StatusBadRequest, err)
			return
		}

		var res fallback.Result[model.RiskAssessment]
		if deadline > 0 {
			res, err = h.risk.GetCurrentWithDeadline(r.Context(), coord.Lat, coord.Lon, deadline)
		} else {
			res, err = h.risk.GetCurrent(r.Context(), coord.Lat, coord.Lon)
		}
		if err != nil {
			// Validation is the only error path the risk service has.
			writeError(sw, http.StatusBadRequest, err)
			return
		}

		out := riskResponse{
			Assessment: res.Value,
			Tier:       res.Tier,
			Depth:      res.Depth,
			ElapsedMS:  res.Elapsed.Milliseconds(),
		}
		if located {
			out.Location = &coord
		}
		writeJSON(sw, http.StatusOK, out)
	}
}

// Fires handles GET /fires.
func (h *Handlers) Fires() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		defer func() {
			observability.ObserveHTTP(r.Method, "/fires", sw.code, time.Since(start).Seconds())
		}()

		coord, _, err := h.resolveCoord(r)
		if err != nil {
			writeError(sw, http.StatusBadRequest, err)
			return
		}

		radius := 0.0
		if raw := strings.TrimSpace(r.URL.Query().Get("radius_km")); raw != "" {
			radius, err = strconv.ParseFloat(raw, 64)
			if err != nil {
				writeError(sw, http.StatusBadRequest, fmt.Errorf("invalid radius_km: %w", err))
				return
			}
		}

		res, err := h.features.Nearby(r.Context(), coord.Lat, coord.Lon, radius)
		if err != nil {
			// Nearby only fails on invalid input; upstream trouble
			// degrades to a partial result instead.
			writeError(sw, http.StatusBadRequest, err)
			return
		}
		writeJSON(sw, http.StatusOK, res)
	}
}

type locationResponse struct {
	Lat  float64 `json:"lat"`
	Lon  float64 `json:"lon"`
	Tier string  `json:"tier"`
}

// Location handles GET /location.
func (h *Handlers) Location() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		defer func() {
			observability.ObserveHTTP(r.Method, "/location", sw.code, time.Since(start).Seconds())
		}()

		res, err := h.locate.Resolve(r.Context())
		if err != nil {
			if errors.Is(err, locate.ErrManualEntryRequired) {
				writeError(sw, http.StatusPreconditionRequired, locate.ErrManualEntryRequired)
				return
			}
			writeError(sw, http.StatusInternalServerError, err)
			return
		}
		writeJSON(sw, http.StatusOK, locationResponse{
			Lat:  res.Value.Lat,
			Lon:  res.Value.Lon,
			Tier: res.Tier,
		})
	}
}

// SaveLocation handles PUT /location with a JSON body {"lat":..,"lon":..}.
func (h *Handlers) SaveLocation() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusNoContent}
		defer func() {
			observability.ObserveHTTP(r.Method, "/location", sw.code, time.Since(start).Seconds())
		}()

		var body model.Coordinate
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(sw, http.StatusBadRequest, fmt.Errorf("invalid body: %w", err))
			return
		}
		if err := h.locate.SaveManual(r.Context(), body.Lat, body.Lon); err != nil {
			if errors.Is(err, model.ErrInvalidCoordinate) {
				writeError(sw, http.StatusBadRequest, err)
				return
			}
			writeError(sw, http.StatusInternalServerError, err)
			return
		}
		sw.WriteHeader(http.StatusNoContent)
	}
}

// ClearLocation handles DELETE /location.
func (h *Handlers) ClearLocation() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusNoContent}
		defer func() {
			observability.ObserveHTTP(r.Method, "/location", sw.code, time.Since(start).Seconds())
		}()

		if err := h.locate.ClearManual(r.Context()); err != nil {
			writeError(sw, http.StatusInternalServerError, err)
			return
		}
		sw.WriteHeader(http.StatusNoContent)
	}
}

// resolveCoord reads lat/lon from the query, falling back to the location
// chain when both are absent. The bool reports whether the chain was used.
func (h *Handlers) resolveCoord(r *http.Request) (model.Coordinate, bool, error) {
	rawLat := strings.TrimSpace(r.URL.Query().Get("lat"))
	rawLon := strings.TrimSpace(r.URL.Query().Get("lon"))

	if rawLat == "" && rawLon == "" {
		if h.locate == nil {
			return model.Coordinate{}, false, errors.New("missing required parameters: lat, lon")
		}
		res, err := h.locate.Resolve(r.Context())
		if err != nil {
			return model.Coordinate{}, false, err
		}
		return res.Value, true, nil
	}
	if rawLat == "" || rawLon == "" {
		return model.Coordinate{}, false, errors.New("lat and lon must be supplied together")
	}

	lat, err := strconv.ParseFloat(rawLat, 64)
	if err != nil {
		return model.Coordinate{}, false, fmt.Errorf("invalid lat: %w", err)
	}
	lon, err := strconv.ParseFloat(rawLon, 64)
	if err != nil {
		return model.Coordinate{}, false, fmt.Errorf("invalid lon: %w", err)
	}
	return model.Coordinate{Lat: lat, Lon: lon}, false, nil
}

func parseDeadline(r *http.Request) (time.Duration, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("deadline_ms"))
	if raw == "" {
		return 0, nil
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid deadline_ms: %w", err)
	}
	if ms <= 0 {
		return 0, errors.New("deadline_ms must be positive")
	}
	return time.Duration(ms) * time.Millisecond, nil
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
