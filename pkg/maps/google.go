package maps

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3leaps/courtsync/pkg/geo"
)

const (
	DefaultGeocodeURL        = "https://maps.googleapis.com/maps/api/geocode/json"
	DefaultDistanceMatrixURL = "https://maps.googleapis.com/maps/api/distancematrix/json"
	DefaultGeocodeTimeout    = 10 * time.Second
	DefaultRouteTimeout      = 15 * time.Second
)

// KeySource resolves the API key at call time, so a settings reload takes
// effect without rebuilding the client.
type KeySource interface {
	GoogleAPIKey(ctx context.Context) (string, error)
}

// Config configures a Google Maps client.
type Config struct {
	// APIKey is used when Keys is nil or returns an empty key.
	APIKey string
	Keys   KeySource

	GeocodeURL        string
	DistanceMatrixURL string
	GeocodeTimeout    time.Duration
	RouteTimeout      time.Duration

	// QPS caps requests per second. Zero means unlimited.
	QPS float64

	// Gate meters every request. Nil disables metering.
	Gate Gate

	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client talks to the Google Geocoding and Distance Matrix JSON APIs.
// It implements Geocoder and Router.
type Client struct {
	cfg     Config
	hc      *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

var (
	_ Geocoder = (*Client)(nil)
	_ Router   = (*Client)(nil)
)

// NewClient returns a client, applying defaults for zero values.
func NewClient(cfg Config) *Client {
	if cfg.GeocodeURL == "" {
		cfg.GeocodeURL = DefaultGeocodeURL
	}
	if cfg.DistanceMatrixURL == "" {
		cfg.DistanceMatrixURL = DefaultDistanceMatrixURL
	}
	if cfg.GeocodeTimeout <= 0 {
		cfg.GeocodeTimeout = DefaultGeocodeTimeout
	}
	if cfg.RouteTimeout <= 0 {
		cfg.RouteTimeout = DefaultRouteTimeout
	}

	c := &Client{
		cfg:    cfg,
		hc:     cfg.HTTPClient,
		logger: cfg.Logger,
	}
	if c.hc == nil {
		c.hc = &http.Client{}
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	if cfg.QPS > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.QPS), 1)
	}
	return c
}

type geocodeResponse struct {
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message"`
	Results      []struct {
		FormattedAddress string `json:"formatted_address"`
		Geometry         struct {
			Location geo.Point `json:"location"`
		} `json:"geometry"`
		AddressComponents []struct {
			LongName string   `json:"long_name"`
			Types    []string `json:"types"`
		} `json:"address_components"`
	} `json:"results"`
}

// Geocode resolves address to the provider's first result.
func (c *Client) Geocode(ctx context.Context, address string) (GeocodeResult, error) {
	var resp geocodeResponse
	params := url.Values{}
	params.Set("address", address)

	start := time.Now()
	if err := c.get(ctx, "geocode", c.cfg.GeocodeURL, params, c.cfg.GeocodeTimeout, &resp); err != nil {
		return GeocodeResult{}, err
	}

	if resp.Status != "OK" {
		err := classify("geocode", resp.Status, resp.ErrorMessage)
		c.logger.Warn("Geocoding failed",
			zap.String("status", resp.Status),
			zap.Duration("elapsed", time.Since(start)))
		return GeocodeResult{}, err
	}
	if len(resp.Results) == 0 {
		return GeocodeResult{}, &APIError{Op: "geocode", Status: "ZERO_RESULTS", Err: ErrNoResults}
	}

	first := resp.Results[0]
	out := GeocodeResult{
		Point:            first.Geometry.Location,
		FormattedAddress: first.FormattedAddress,
	}
	var district string
	for _, comp := range first.AddressComponents {
		if out.Locality == "" && hasType(comp.Types, "locality") {
			out.Locality = comp.LongName
		}
		if district == "" && hasType(comp.Types, "administrative_area_level_2") {
			district = comp.LongName
		}
	}
	if out.Locality == "" {
		out.Locality = district
	}

	c.logger.Debug("Geocoded address",
		zap.Float64("lat", out.Lat),
		zap.Float64("lng", out.Lng),
		zap.String("locality", out.Locality),
		zap.Duration("elapsed", time.Since(start)))
	return out, nil
}

type distanceMatrixResponse struct {
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message"`
	Rows         []struct {
		Elements []struct {
			Status   string `json:"status"`
			Distance struct {
				Value float64 `json:"value"`
			} `json:"distance"`
		} `json:"elements"`
	} `json:"rows"`
}

// RouteDistances requests driving distances for all destinations in one call
// and returns the resolved ones, nearest first.
func (c *Client) RouteDistances(ctx context.Context, origin geo.Point, dests []Destination) ([]RouteDistance, error) {
	if len(dests) == 0 {
		return nil, nil
	}

	coords := make([]string, 0, len(dests))
	for _, d := range dests {
		coords = append(coords, formatPoint(d.Point))
	}
	params := url.Values{}
	params.Set("origins", formatPoint(origin))
	params.Set("destinations", strings.Join(coords, "|"))
	params.Set("mode", "driving")
	params.Set("units", "metric")

	start := time.Now()
	var resp distanceMatrixResponse
	if err := c.get(ctx, "distancematrix", c.cfg.DistanceMatrixURL, params, c.cfg.RouteTimeout, &resp); err != nil {
		return nil, err
	}
	if resp.Status != "OK" {
		err := classify("distancematrix", resp.Status, resp.ErrorMessage)
		c.logger.Warn("Distance matrix failed",
			zap.String("status", resp.Status),
			zap.Duration("elapsed", time.Since(start)))
		return nil, err
	}
	if len(resp.Rows) == 0 {
		return nil, nil
	}

	var out []RouteDistance
	for i, el := range resp.Rows[0].Elements {
		if i >= len(dests) || el.Status != "OK" {
			continue
		}
		out = append(out, RouteDistance{ID: dests[i].ID, DistanceKM: el.Distance.Value / 1000})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].DistanceKM < out[j].DistanceKM })

	c.logger.Debug("Distance matrix resolved",
		zap.Int("resolved", len(out)),
		zap.Int("requested", len(dests)),
		zap.Duration("elapsed", time.Since(start)))
	return out, nil
}

// get meters, throttles and performs one GET, decoding the JSON body into out.
func (c *Client) get(ctx context.Context, op, endpoint string, params url.Values, timeout time.Duration, out any) error {
	if c.cfg.Gate != nil {
		if err := c.cfg.Gate.BeforeExternalCall(ctx); err != nil {
			return &GateError{Op: op, Err: err}
		}
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%s: rate limit wait: %w", op, err)
		}
	}

	key, err := c.apiKey(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	params.Set("key", key)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			c.logger.Error("Maps request timed out", zap.String("op", op), zap.Duration("timeout", timeout))
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusTooManyRequests {
		return &APIError{Op: op, Status: "OVER_QUERY_LIMIT", Message: "http 429", Err: ErrProviderQuota}
	}
	if resp.StatusCode != http.StatusOK {
		return &APIError{Op: op, Status: "HTTP_" + strconv.Itoa(resp.StatusCode)}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

func (c *Client) apiKey(ctx context.Context) (string, error) {
	if c.cfg.Keys != nil {
		key, err := c.cfg.Keys.GoogleAPIKey(ctx)
		if err != nil {
			return "", fmt.Errorf("resolve api key: %w", err)
		}
		if key != "" {
			return key, nil
		}
	}
	if c.cfg.APIKey == "" {
		return "", errors.New("google api key is not configured")
	}
	return c.cfg.APIKey, nil
}

// classify maps a non-OK provider status onto an APIError.
func classify(op, status, message string) *APIError {
	e := &APIError{Op: op, Status: status, Message: message}
	switch status {
	case "ZERO_RESULTS", "NOT_FOUND":
		e.Err = ErrNoResults
	case "OVER_QUERY_LIMIT", "OVER_DAILY_LIMIT":
		e.Err = ErrProviderQuota
	case "REQUEST_DENIED":
		lower := strings.ToLower(message)
		if strings.Contains(lower, "quota") || strings.Contains(lower, "billing") {
			e.Err = ErrProviderQuota
		}
	}
	return e
}

func hasType(types []string, want string) bool {
	for _, t := range types {
		if t == want {
			return true
		}
	}
	return false
}

func formatPoint(p geo.Point) string {
	return strconv.FormatFloat(p.Lat, 'f', -1, 64) + "," + strconv.FormatFloat(p.Lng, 'f', -1, 64)
}
