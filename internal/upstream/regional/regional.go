// Package regional adapts a regional fire-danger service, a smaller
// upstream that only answers inside its coverage envelope. In the Scottish
// deployment that envelope spans the mainland and the isles.
package regional

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
	"github.com/wildfire-labs/riskd/internal/retry"
)

const (
	upstreamName = "regional"

	maxErrBody = 8 << 10
)

// ErrOutsideCoverage marks a query outside the provider's envelope. The
// risk chain normally filters these out before calling.
var ErrOutsideCoverage = fmt.Errorf("regional: coordinate outside coverage")

type Options struct {
	BaseURL string
	// Coverage bounds the provider. Required.
	Coverage model.BBox

	Client *http.Client
	Retry  retry.Config
}

type Client struct {
	logger   *slog.Logger
	baseURL  string
	coverage model.BBox
	http     *http.Client
	breaker  *gobreaker.CircuitBreaker
	retryCfg retry.Config
}

func New(logger *slog.Logger, opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("regional: base url is required")
	}
	if opts.Coverage.X1 >= opts.Coverage.X2 || opts.Coverage.Y1 >= opts.Coverage.Y2 {
		return nil, fmt.Errorf("regional: degenerate coverage envelope")
	}
	if logger == nil {
		logger = slog.Default()
	}
	httpClient := opts.Client
	if httpClient == nil {
		httpClient = httpclient.NewOutbound()
	}
	retryCfg := opts.Retry
	if retryCfg.Timeout <= 0 {
		retryCfg.Timeout = 3 * time.Second
	}

	return &Client{
		logger:   logger,
		baseURL:  strings.TrimRight(opts.BaseURL, "/"),
		coverage: opts.Coverage,
		http:     httpClient,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        upstreamName,
			MaxRequests: 5,
			Interval:    1 * time.Minute,
			Timeout:     2 * time.Minute,
		}),
		retryCfg: retryCfg,
	}, nil
}

// Coverage returns the provider's envelope, used by the risk chain to skip
// out-of-area queries without spending budget.
func (c *Client) Coverage() model.BBox { return c.coverage }

// FetchIndex returns the regional fire danger reading at the coordinate.
func (c *Client) FetchIndex(ctx context.Context, coord model.Coordinate) (model.IndexReading, error) {
	if !c.coverage.Contains(coord) {
		return model.IndexReading{}, ErrOutsideCoverage
	}

	values := url.Values{}
	values.Set("lat", fmt.Sprintf("%.6f", coord.Lat))
	values.Set("lon", fmt.Sprintf("%.6f", coord.Lon))
	reqURL := c.baseURL + "/v1/danger?" + values.Encode()

	body, err := retry.Do(ctx, c.retryCfg, func(ctx context.Context) ([]byte, error) {
		return c.get(ctx, reqURL)
	})
	if err != nil {
		return model.IndexReading{}, fmt.Errorf("regional: fetch index: %w", err)
	}

	var payload struct {
		FWI        float64 `json:"fwi"`
		ObservedAt string  `json:"observed_at"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return model.IndexReading{}, fmt.Errorf("regional: decode index: %w", retry.ErrParse)
	}

	observed := time.Now().UTC()
	if payload.ObservedAt != "" {
		if ts, err := time.Parse(time.RFC3339, payload.ObservedAt); err == nil {
			observed = ts.UTC()
		}
	}
	return model.IndexReading{FWI: payload.FWI, ObservedAt: observed}, nil
}

func (c *Client) get(ctx context.Context, reqURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
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
