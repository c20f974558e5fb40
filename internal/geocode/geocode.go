// Package geocode names coordinates through Google reverse geocoding.
package geocode

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/kelvins/geocoder"
)

// ErrNoResult is returned when the geocoder knows nothing about a coordinate.
var ErrNoResult = errors.New("geocode: no address for coordinate")

type lookupFunc func(geocoder.Location) ([]geocoder.Address, error)

// Namer resolves a human readable place name for a coordinate.
type Namer struct {
	lookup lookupFunc
}

// New configures the geocoder API key. The key is process wide.
func New(apiKey string) *Namer {
	geocoder.ApiKey = apiKey
	return &Namer{lookup: geocoder.GeocodingReverse}
}

// Name returns "City, Country" for the coordinate, falling back to the
// formatted address.
func (n *Namer) Name(ctx context.Context, lat, lon float64) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	addresses, err := n.lookup(geocoder.Location{Latitude: lat, Longitude: lon})
	if err != nil {
		return "", fmt.Errorf("reverse geocode %.6f,%.6f: %w", lat, lon, err)
	}
	for _, a := range addresses {
		if name := placeName(a); name != "" {
			return name, nil
		}
	}
	return "", ErrNoResult
}

func placeName(a geocoder.Address) string {
	var parts []string
	for _, p := range []string{a.City, a.Country} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) > 0 {
		return strings.Join(parts, ", ")
	}
	return strings.TrimSpace(a.FormattedAddress)
}
