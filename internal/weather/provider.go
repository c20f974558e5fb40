package weather

import (
	"context"
	"time"
)

// Provider abstracts an upstream weather source (Open-Meteo, OpenWeatherMap, WeatherAPI).
// Historical series are returned ascending; daily observations are stamped at midnight UTC.
type Provider interface {
	Name() string
	HourlyHistory(ctx context.Context, lat, lon float64, start, end time.Time, variables []string) ([]Observation, error)
	DailyHistory(ctx context.Context, lat, lon float64, start, end time.Time, variables []string) ([]Observation, error)
	// Forecast5d returns 3-hourly observations between start and end.
	Forecast5d(ctx context.Context, lat, lon float64, start, end time.Time, variables []string) ([]Observation, error)
	CurrentConditions(ctx context.Context, lat, lon float64) (CurrentConditions, error)
}

// ForecastSource yields the 5-day/3-hour forecast and current conditions the
// reconciler evaluates. Slot values are keyed by the Measurement* constants;
// wind is in m/s, precipitation is a probability in [0,1] and rainfall_3h is
// mm over the slot.
type ForecastSource interface {
	Name() string
	ForecastSlots(ctx context.Context, lat, lon float64) ([]Observation, error)
	CurrentConditions(ctx context.Context, lat, lon float64) (CurrentConditions, error)
}

// ProviderRegistry resolves providers by configuration key.
type ProviderRegistry interface {
	Provider(name string) (Provider, error)
}

// PointStore persists reconciliation points.
type PointStore interface {
	FindPoint(ctx context.Context, lat, lon float64) (Point, error)
	// InsertPointIfAbsent stores p unless a point with the same coordinate
	// exists, and returns whichever point is stored.
	InsertPointIfAbsent(ctx context.Context, p Point) (Point, error)
}

// ForecastStore persists predictions, snapshots and generic forecast documents.
type ForecastStore interface {
	InsertPredictions(ctx context.Context, preds []Prediction) error
	FindPredictions(ctx context.Context, pointID string, createdAfter time.Time) ([]Prediction, error)
	InsertWeatherData(ctx context.Context, wd WeatherData) error
	LatestWeatherData(ctx context.Context, pointID string, createdAfter time.Time) (WeatherData, error)
	InsertForecastDoc(ctx context.Context, doc ForecastDoc) error
	NearestForecastDoc(ctx context.Context, lat, lon, radiusMeters float64, createdAfter time.Time) (ForecastDoc, error)
}

// SuitabilityStore persists flight and spray verdicts. Upserts are keyed by
// (model, location, timestamp) and (location, timestamp) respectively.
type SuitabilityStore interface {
	UpsertFlyStatuses(ctx context.Context, statuses []FlyStatus) error
	FindFlyStatuses(ctx context.Context, loc GeoPoint, models []string, after time.Time) ([]FlyStatus, error)
	UpsertSprayForecasts(ctx context.Context, forecasts []SprayForecast) error
	FindSprayForecasts(ctx context.Context, loc GeoPoint, after time.Time) ([]SprayForecast, error)
}

// EquipmentStore holds the UAV reference set.
type EquipmentStore interface {
	InsertUAVModels(ctx context.Context, models []UAVModel) error
	CountUAVModels(ctx context.Context) (int64, error)
	// ListUAVModels returns the named models, or all of them when names is empty.
	ListUAVModels(ctx context.Context, names []string) ([]UAVModel, error)
}

// LocationStore holds operator registered locations.
type LocationStore interface {
	InsertLocation(ctx context.Context, loc CachedLocation) error
	GetLocation(ctx context.Context, id string) (CachedLocation, error)
	ListLocations(ctx context.Context) ([]CachedLocation, error)
	FindLocationByCoordinates(ctx context.Context, lat, lon float64) (CachedLocation, error)
	NearestLocation(ctx context.Context, lat, lon, radiusMeters float64) (CachedLocation, error)
	DeleteLocation(ctx context.Context, id string) error
}

// HistoryStore holds the rolling history windows of cached locations.
type HistoryStore interface {
	InsertDailyHistory(ctx context.Context, doc DailyHistory) error
	InsertHourlyHistory(ctx context.Context, docs []HourlyHistory) error
	// SlideDailyHistory atomically drops the observation dated oldest and any
	// dated like an entry of newest, appends newest, sets the range end to end
	// and stamps fetchedAt. Repeating a slide leaves one entry per date.
	SlideDailyHistory(ctx context.Context, locationID string, oldest time.Time, newest []Observation, end, fetchedAt time.Time) error
	// ReplaceHourlyDay deletes the day document dated oldest and inserts doc.
	ReplaceHourlyDay(ctx context.Context, locationID string, oldest time.Time, doc HourlyHistory) error
	DailyHistoryFor(ctx context.Context, locationID string) (DailyHistory, error)
	HourlyHistoryFor(ctx context.Context, locationID string, from, to time.Time) ([]HourlyHistory, error)
	DeleteHistory(ctx context.Context, locationID string) error
}

// Store is the contract the in-memory store and MongoDB store satisfy.
type Store interface {
	PointStore
	ForecastStore
	SuitabilityStore
	EquipmentStore
	LocationStore
	HistoryStore
}
