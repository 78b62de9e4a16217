// Package effis talks to the EFFIS/GWIS services of the Copernicus
// Emergency Management Service: the fire-weather-index endpoint for point
// risk and the WFS burnt-area layers for fire features.
package effis

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/wildfire-labs/riskd/internal/core/httpclient"
	"github.com/wildfire-labs/riskd/internal/core/model"
	"github.com/wildfire-labs/riskd/internal/core/observability"
	"github.com/wildfire-labs/riskd/internal/core/ogc"
	"github.com/wildfire-labs/riskd/internal/retry"
)

const (
	upstreamName = "effis"

	// EFFIS rejects anonymous clients.
	userAgent = "riskd/1.0 (wildfire risk service)"

	maxErrBody = 8 << 10
)

type Options struct {
	// IndexURL is the fire-weather-index endpoint.
	IndexURL string
	// OWSURL is the WFS base; /ows is appended.
	OWSURL string
	// Layer overrides the seasonal burnt-area layer; empty picks the
	// current year's.
	Layer string
	// Filters is an optional CQL expression applied to feature queries.
	Filters string

	Client *http.Client
	Retry  retry.Config
}

// Client fetches from EFFIS with retries and a circuit breaker. It serves
// both the risk chain (FetchIndex) and the feature service (FetchFeatures).
type Client struct {
	logger   *slog.Logger
	indexURL string
	owsURL   *url.URL
	layer    string
	filters  string
	http     *http.Client
	breaker  *gobreaker.CircuitBreaker
	retryCfg retry.Config

	now func() time.Time // for the seasonal layer name
}

func New(logger *slog.Logger, opts Options) (*Client, error) {
	if opts.IndexURL == "" && opts.OWSURL == "" {
		return nil, fmt.Errorf("effis: at least one endpoint is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	var owsURL *url.URL
	if opts.OWSURL != "" {
		u, err := url.Parse(ogc.OWSEndpoint(opts.OWSURL))
		if err != nil {
			return nil, fmt.Errorf("effis: parse ows url: %w", err)
		}
		owsURL = u
	}

	httpClient := opts.Client
	if httpClient == nil {
		httpClient = httpclient.NewOutbound()
	}
	retryCfg := opts.Retry
	if retryCfg.Timeout <= 0 {
		retryCfg.Timeout = 4 * time.Second
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        upstreamName,
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     2 * time.Minute,
	})

	return &Client{
		logger:   logger,
		indexURL: opts.IndexURL,
		owsURL:   owsURL,
		layer:    opts.Layer,
		filters:  opts.Filters,
		http:     httpClient,
		breaker:  cb,
		retryCfg: retryCfg,
		now:      time.Now,
	}, nil
}

// FetchIndex returns the current fire weather index at the coordinate.
func (c *Client) FetchIndex(ctx context.Context, coord model.Coordinate) (model.IndexReading, error) {
	if c.indexURL == "" {
		return model.IndexReading{}, fmt.Errorf("effis: index endpoint not configured")
	}

	values := url.Values{}
	values.Set("lat", fmt.Sprintf("%.6f", coord.Lat))
	values.Set("lon", fmt.Sprintf("%.6f", coord.Lon))
	reqURL := c.indexURL + "?" + values.Encode()

	body, err := retry.Do(ctx, c.retryCfg, func(ctx context.Context) ([]byte, error) {
		return c.get(ctx, reqURL)
	})
	if err != nil {
		return model.IndexReading{}, fmt.Errorf("effis: fetch index: %w", err)
	}

	var payload struct {
		FWI  float64 `json:"fwi"`
		Date string  `json:"date"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return model.IndexReading{}, fmt.Errorf("effis: decode index: %w", retry.ErrParse)
	}

	observed := time.Now().UTC()
	if payload.Date != "" {
		if ts, err := time.Parse(time.RFC3339, payload.Date); err == nil {
			observed = ts.UTC()
		}
	}
	return model.IndexReading{FWI: payload.FWI, ObservedAt: observed}, nil
}

// FetchFeatures returns the burnt areas intersecting the envelope from the
// seasonal WFS layer.
func (c *Client) FetchFeatures(ctx context.Context, bbox model.BBox) ([]model.FireFeature, error) {
	if c.owsURL == nil {
		return nil, fmt.Errorf("effis: ows endpoint not configured")
	}

	layer := c.layer
	season := c.now().UTC().Year()
	if layer == "" {
		layer = ogc.BurntAreaLayer(season)
	}

	u := *c.owsURL
	u.RawQuery = ogc.BuildGetFeatureParams(layer, bbox, c.filters).Encode()

	body, err := retry.Do(ctx, c.retryCfg, func(ctx context.Context) ([]byte, error) {
		return c.get(ctx, u.String())
	})
	if err != nil {
		return nil, fmt.Errorf("effis: fetch features: %w", err)
	}

	return parseFeatureCollection(body, season)
}

// get performs one HTTP round trip through the circuit breaker. Non-2xx
// responses come back as retry.HTTPError so the retry layer can classify.
func (c *Client) get(ctx context.Context, reqURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	result, err := c.breaker.Execute(func() (any, error) {
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer func() {
			if cerr := resp.Body.Close(); cerr != nil {
				c.logger.Warn("close response body", "err", cerr)
			}
		}()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrBody))
			return nil, &retry.HTTPError{Status: resp.StatusCode, Body: strings.TrimSpace(string(b))}
		}
		return io.ReadAll(resp.Body)
	})
	observability.ObserveUpstreamLatency(upstreamName, time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	return result.([]byte), nil
}

// parseFeatureCollection maps a GeoJSON FeatureCollection onto FireFeature,
// keeping geometry raw for the client to render.
func parseFeatureCollection(body []byte, season int) ([]model.FireFeature, error) {
	var fc struct {
		Features []struct {
			ID         any             `json:"id"`
			Geometry   json.RawMessage `json:"geometry"`
			Properties struct {
				AreaHa   float64 `json:"area_ha"`
				FireDate string  `json:"firedate"`
				Place    string  `json:"place_name"`
			} `json:"properties"`
		} `json:"features"`
	}
	if err := json.Unmarshal(body, &fc); err != nil {
		return nil, fmt.Errorf("effis: decode feature collection: %w", retry.ErrParse)
	}

	out := make([]model.FireFeature, 0, len(fc.Features))
	for _, f := range fc.Features {
		id := ""
		if f.ID != nil {
			id = fmt.Sprint(f.ID)
		}
		out = append(out, model.FireFeature{
			ID:       id,
			Name:     f.Properties.Place,
			Geometry: f.Geometry,
			AreaHa:   f.Properties.AreaHa,
			Season:   season,
		})
	}
	return out, nil
}
