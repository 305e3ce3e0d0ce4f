// Package geolocation resolves IP addresses to a physical location through
// an ipinfo-compatible HTTP endpoint, off the scan path.
package geolocation

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/anstrom/camwatch/internal/errors"
)

const (
	DefaultEndpoint  = "https://ipinfo.io"
	DefaultTimeout   = 10 * time.Second
	DefaultUserAgent = "libcurl-agent/1.0"

	maxResponseBytes = 64 << 10
)

// Location is a successful lookup. City, Region, Country and Org were present
// in the response, though the provider may report any of them as empty.
type Location struct {
	Address  string `json:"address"`
	Hostname string `json:"hostname,omitempty"`
	City     string `json:"city"`
	Region   string `json:"region"`
	Country  string `json:"country"`
	Org      string `json:"org"`
	Loc      string `json:"loc,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

// ClientConfig controls Client.
type ClientConfig struct {
	Endpoint  string
	Timeout   time.Duration
	UserAgent string
	Transport http.RoundTripper
}

// Client queries the lookup endpoint.
type Client struct {
	endpoint  string
	userAgent string
	http      *http.Client
}

// NewClient creates a client. Zero fields take defaults.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	return &Client{
		endpoint:  strings.TrimRight(cfg.Endpoint, "/"),
		userAgent: cfg.UserAgent,
		http:      &http.Client{Timeout: cfg.Timeout, Transport: cfg.Transport},
	}
}

// Lookup fetches <endpoint>/<address>/json and validates the required fields.
func (c *Client) Lookup(ctx context.Context, address string) (Location, error) {
	url := fmt.Sprintf("%s/%s/json", c.endpoint, address)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Location{}, errors.ErrInvalidTarget(address)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Location{}, errors.ErrNetwork(address, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Location{}, errors.NewWithTarget(errors.CodeNetwork,
			"lookup returned "+resp.Status, address).
			WithContext("status_code", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Location{}, errors.ErrNetwork(address, err)
	}
	return decode(address, body)
}

func decode(address string, body []byte) (Location, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return Location{}, errors.ErrProtocol(address, "invalid lookup response", err)
	}

	loc := Location{Address: address}
	required := []struct {
		field string
		dst   *string
	}{
		{"city", &loc.City},
		{"region", &loc.Region},
		{"country", &loc.Country},
		{"org", &loc.Org},
	}
	for _, r := range required {
		v, ok := raw[r.field].(string)
		if !ok {
			return Location{}, errors.ErrContract(address, r.field)
		}
		*r.dst = v
	}

	loc.Hostname, _ = raw["hostname"].(string)
	loc.Loc, _ = raw["loc"].(string)
	loc.Timezone, _ = raw["timezone"].(string)
	if ip, ok := raw["ip"].(string); ok && ip != "" {
		loc.Address = ip
	}
	return loc, nil
}
