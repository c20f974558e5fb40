package weather

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Freshness windows applied at read time.
type Freshness struct {
	Prediction  time.Duration
	WeatherData time.Duration
	Forecast    time.Duration
}

// DefaultFreshness matches the upstream refresh cadence.
var DefaultFreshness = Freshness{
	Prediction:  3 * time.Hour,
	WeatherData: time.Hour,
	Forecast:    3 * time.Hour,
}

// SpatialCache resolves points and locations and judges staleness of cached
// artifacts. It never evicts anything.
type SpatialCache struct {
	store     Store
	freshness Freshness
	now       func() time.Time
}

// NewSpatialCache creates a SpatialCache. A nil clock means time.Now.
func NewSpatialCache(store Store, freshness Freshness, now func() time.Time) *SpatialCache {
	if now == nil {
		now = time.Now
	}
	return &SpatialCache{store: store, freshness: freshness, now: now}
}

// Now returns the cache clock in UTC.
func (c *SpatialCache) Now() time.Time {
	return c.now().UTC()
}

// FindPoint returns the point at exactly this coordinate or ErrNotFound.
func (c *SpatialCache) FindPoint(ctx context.Context, lat, lon float64) (Point, error) {
	return c.store.FindPoint(ctx, lat, lon)
}

// FindOrCreatePoint returns the point at this coordinate, creating it on first use.
func (c *SpatialCache) FindOrCreatePoint(ctx context.Context, lat, lon float64) (Point, error) {
	p, err := c.store.FindPoint(ctx, lat, lon)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Point{}, fmt.Errorf("find point: %w", err)
	}

	p, err = c.store.InsertPointIfAbsent(ctx, Point{
		ID:        uuid.NewString(),
		Location:  NewGeoPoint(lat, lon),
		CreatedAt: c.Now(),
	})
	if err != nil {
		return Point{}, fmt.Errorf("create point: %w", err)
	}
	return p, nil
}

// FindNear returns the nearest cached location within radiusKm.
func (c *SpatialCache) FindNear(ctx context.Context, lat, lon, radiusKm float64) (CachedLocation, error) {
	return c.store.NearestLocation(ctx, lat, lon, radiusKm*1000)
}

// FreshPredictions returns predictions for the point created inside the freshness window.
func (c *SpatialCache) FreshPredictions(ctx context.Context, p Point) ([]Prediction, error) {
	return c.store.FindPredictions(ctx, p.ID, c.Now().Add(-c.freshness.Prediction))
}

// FreshWeatherData returns the newest snapshot created inside the freshness window.
func (c *SpatialCache) FreshWeatherData(ctx context.Context, p Point) (WeatherData, error) {
	return c.store.LatestWeatherData(ctx, p.ID, c.Now().Add(-c.freshness.WeatherData))
}

// FutureFlyStatuses returns statuses whose slot is still ahead.
func (c *SpatialCache) FutureFlyStatuses(ctx context.Context, loc GeoPoint, models []string) ([]FlyStatus, error) {
	return c.store.FindFlyStatuses(ctx, loc, models, c.Now())
}

// FutureSprayForecasts returns spray verdicts whose slot is still ahead.
func (c *SpatialCache) FutureSprayForecasts(ctx context.Context, loc GeoPoint) ([]SprayForecast, error) {
	return c.store.FindSprayForecasts(ctx, loc, c.Now())
}

// LatestForecastNear returns a fresh forecast document within radiusKm.
func (c *SpatialCache) LatestForecastNear(ctx context.Context, lat, lon, radiusKm float64) (ForecastDoc, error) {
	return c.store.NearestForecastDoc(ctx, lat, lon, radiusKm*1000, c.Now().Add(-c.freshness.Forecast))
}
