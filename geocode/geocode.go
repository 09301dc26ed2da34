// Package geocode resolves free-text addresses to structured locations.
package geocode

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"golang.org/x/time/rate"
	"googlemaps.github.io/maps"
)

// ErrNoResults is returned, wrapped in a *GeocodeError, when the provider knows
// no location for the address.
var ErrNoResults = errors.New("no results found for the given address")

type GeocodeError struct {
	Address string
	Err     error
}

func (e *GeocodeError) Error() string {
	return fmt.Sprintf("geocoding %q failed: %v", e.Address, e.Err)
}

func (e *GeocodeError) Unwrap() error {
	return e.Err
}

type Location struct {
	Address    string  `json:"address"`
	Lat        float64 `json:"lat"`
	Lng        float64 `json:"lng"`
	City       string  `json:"city,omitempty"`
	State      string  `json:"state,omitempty"`
	PostalCode string  `json:"postal_code,omitempty"`
	Country    string  `json:"country,omitempty"`
}

type Config struct {
	APIKey  string
	BaseURL string
	// RequestsPerSecond bounds outgoing calls. <= 0 means 10.
	RequestsPerSecond float64
}

type Client struct {
	maps    *maps.Client
	limiter *rate.Limiter
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("geocoding API key is required")
	}

	opts := []maps.ClientOption{maps.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, maps.WithBaseURL(cfg.BaseURL))
	}

	mc, err := maps.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}

	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 10
	}

	return &Client{
		maps:    mc,
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
	}, nil
}

// Geocode looks address up and extracts its components from the first match.
func (c *Client) Geocode(ctx context.Context, address string) (*Location, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &GeocodeError{Address: address, Err: err}
	}

	results, err := c.maps.Geocode(ctx, &maps.GeocodingRequest{Address: address})
	if err != nil {
		return nil, &GeocodeError{Address: address, Err: err}
	}
	if len(results) == 0 {
		return nil, &GeocodeError{Address: address, Err: ErrNoResults}
	}

	return locationFrom(address, results[0]), nil
}

func locationFrom(address string, r maps.GeocodingResult) *Location {
	loc := &Location{
		Address: address,
		Lat:     r.Geometry.Location.Lat,
		Lng:     r.Geometry.Location.Lng,
	}

	for _, comp := range r.AddressComponents {
		switch {
		case slices.Contains(comp.Types, "locality"):
			loc.City = comp.LongName
		case slices.Contains(comp.Types, "administrative_area_level_1"):
			loc.State = comp.LongName
		case slices.Contains(comp.Types, "postal_code"):
			loc.PostalCode = comp.LongName
		case slices.Contains(comp.Types, "country"):
			loc.Country = comp.LongName
		}
	}

	return loc
}
