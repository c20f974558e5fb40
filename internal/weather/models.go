package weather

import (
	"fmt"
	"time"

	"github.com/i474232898/agroweather/internal/common"
	"github.com/i474232898/agroweather/internal/suitability"
)

// coordinatePrecision is the number of decimals kept when normalizing coordinates.
const coordinatePrecision = 6

// Measurement types extracted from a 5-day forecast.
const (
	MeasurementTemperature   = "ambient_temperature"
	MeasurementHumidity      = "ambient_humidity"
	MeasurementWindSpeed     = "wind_speed"
	MeasurementWindDirection = "wind_direction"
	MeasurementPrecipitation = "precipitation"
	MeasurementRainfall3h    = "rainfall_3h"
)

// GeoPoint is a GeoJSON point. Coordinates are [lon, lat].
type GeoPoint struct {
	Type        string    `json:"type" bson:"type"`
	Coordinates []float64 `json:"coordinates" bson:"coordinates"`
}

// NewGeoPoint builds a normalized GeoJSON point from latitude and longitude.
func NewGeoPoint(lat, lon float64) GeoPoint {
	lat, lon = Normalize(lat, lon)
	return GeoPoint{Type: "Point", Coordinates: []float64{lon, lat}}
}

// Lat returns the latitude.
func (g GeoPoint) Lat() float64 {
	if len(g.Coordinates) < 2 {
		return 0
	}
	return g.Coordinates[1]
}

// Lon returns the longitude.
func (g GeoPoint) Lon() float64 {
	if len(g.Coordinates) < 2 {
		return 0
	}
	return g.Coordinates[0]
}

// Key returns a canonical string key for indexing this coordinate.
func (g GeoPoint) Key() string {
	return CoordinateKey(g.Lat(), g.Lon())
}

// Equal reports whether both points name the same normalized coordinate.
func (g GeoPoint) Equal(o GeoPoint) bool {
	return g.Key() == o.Key()
}

// Normalize rounds a coordinate pair to the precision used for identity.
func Normalize(lat, lon float64) (float64, float64) {
	return common.Round(lat, coordinatePrecision), common.Round(lon, coordinatePrecision)
}

// CoordinateKey is the canonical identity of a coordinate.
func CoordinateKey(lat, lon float64) string {
	lat, lon = Normalize(lat, lon)
	return fmt.Sprintf("%.6f:%.6f", lat, lon)
}

// Point is a coordinate created lazily by the reconciler.
type Point struct {
	ID        string    `json:"id" bson:"_id"`
	Title     string    `json:"title,omitempty" bson:"title,omitempty"`
	Location  GeoPoint  `json:"location" bson:"location"`
	CreatedAt time.Time `json:"created_at" bson:"created_at"`
}

// Prediction is one forecast measurement for a point and time slot.
type Prediction struct {
	ID              string    `json:"id" bson:"_id"`
	PointID         string    `json:"spatial_entity" bson:"point_id"`
	Location        GeoPoint  `json:"-" bson:"location"`
	Value           float64   `json:"value" bson:"value"`
	Timestamp       time.Time `json:"timestamp" bson:"timestamp"`
	Source          string    `json:"source" bson:"source"`
	DataType        string    `json:"data_type" bson:"data_type"`
	MeasurementType string    `json:"measurement_type" bson:"measurement_type"`
	CreatedAt       time.Time `json:"created_at" bson:"created_at"`
}

// WeatherData is a current-conditions snapshot with its derived THI.
type WeatherData struct {
	ID        string         `json:"id" bson:"_id"`
	PointID   string         `json:"spatial_entity" bson:"point_id"`
	Location  GeoPoint       `json:"location" bson:"location"`
	Data      map[string]any `json:"data" bson:"data"`
	THI       float64        `json:"thi" bson:"thi"`
	Source    string         `json:"source" bson:"source"`
	CreatedAt time.Time      `json:"created_at" bson:"created_at"`
}

// FlightParams are the weather values a flight verdict was derived from.
type FlightParams struct {
	Temperature   float64 `json:"temp" bson:"temp"`
	Wind          float64 `json:"wind" bson:"wind"`
	Precipitation float64 `json:"precipitation" bson:"precipitation"`
	Rain          float64 `json:"rain" bson:"rain"`
}

// FlyStatus is the flight verdict for a UAV model in one forecast slot.
type FlyStatus struct {
	ID            string                   `json:"id" bson:"_id"`
	UAVModel      string                   `json:"uav_model" bson:"uav_model"`
	Location      GeoPoint                 `json:"location" bson:"location"`
	Timestamp     time.Time                `json:"timestamp" bson:"timestamp"`
	Status        suitability.FlightStatus `json:"status" bson:"status"`
	WeatherParams FlightParams             `json:"weather_params" bson:"weather_params"`
	Source        string                   `json:"source" bson:"source"`
	CreatedAt     time.Time                `json:"created_at" bson:"created_at"`
}

// SprayForecast is the equipment independent spray verdict for one slot.
type SprayForecast struct {
	ID              string                             `json:"id" bson:"_id"`
	Location        GeoPoint                           `json:"location" bson:"location"`
	Timestamp       time.Time                          `json:"timestamp" bson:"timestamp"`
	Source          string                             `json:"source" bson:"source"`
	SprayConditions suitability.SprayStatus            `json:"spray_conditions" bson:"spray_conditions"`
	DetailedStatus  map[string]suitability.SprayStatus `json:"detailed_status" bson:"detailed_status"`
	CreatedAt       time.Time                          `json:"created_at" bson:"created_at"`
}

// UAVModel is a static equipment profile.
type UAVModel struct {
	Model                  string  `json:"model" bson:"_id"`
	Manufacturer           string  `json:"manufacturer" bson:"manufacturer"`
	MinOperatingTemp       float64 `json:"min_operating_temp" bson:"min_operating_temp"`
	MaxOperatingTemp       float64 `json:"max_operating_temp" bson:"max_operating_temp"`
	MaxWindSpeed           float64 `json:"max_wind_speed" bson:"max_wind_speed"`
	PrecipitationTolerance float64 `json:"precipitation_tolerance" bson:"precipitation_tolerance"`
}

// Equipment converts the profile for the evaluator.
func (u UAVModel) Equipment() suitability.Equipment {
	return suitability.Equipment{
		MinTemp:                u.MinOperatingTemp,
		MaxTemp:                u.MaxOperatingTemp,
		MaxWind:                u.MaxWindSpeed,
		PrecipitationTolerance: u.PrecipitationTolerance,
	}
}

// CachedLocation is an operator registered point of interest whose history
// window is maintained daily.
type CachedLocation struct {
	ID        string    `json:"id" bson:"_id"`
	Name      string    `json:"name" bson:"name"`
	Location  GeoPoint  `json:"location" bson:"location"`
	CreatedAt time.Time `json:"created_at" bson:"created_at"`
}

// Observation is a timestamped set of variable values. Missing values are nil.
type Observation struct {
	Timestamp time.Time           `json:"timestamp" bson:"timestamp"`
	Values    map[string]*float64 `json:"values" bson:"values"`
}

// DateRange is an inclusive range of calendar days.
type DateRange struct {
	Start time.Time `json:"start" bson:"start"`
	End   time.Time `json:"end" bson:"end"`
}

// DailyHistory holds the rolling daily window of a cached location.
type DailyHistory struct {
	ID           string        `json:"id" bson:"_id"`
	LocationID   string        `json:"location_id" bson:"location_id"`
	Location     GeoPoint      `json:"location" bson:"location"`
	DateRange    DateRange     `json:"date_range" bson:"date_range"`
	Observations []Observation `json:"observations" bson:"observations"`
	Source       string        `json:"source" bson:"source"`
	FetchedAt    time.Time     `json:"fetched_at" bson:"fetched_at"`
}

// HourlyHistory holds the hourly observations of one day for a cached location.
type HourlyHistory struct {
	ID           string        `json:"id" bson:"_id"`
	LocationID   string        `json:"location_id" bson:"location_id"`
	Location     GeoPoint      `json:"location" bson:"location"`
	Date         time.Time     `json:"date" bson:"date"`
	Observations []Observation `json:"observations" bson:"observations"`
	Source       string        `json:"source" bson:"source"`
	FetchedAt    time.Time     `json:"fetched_at" bson:"fetched_at"`
}

// ForecastDoc is a cached generic forecast reusable by nearby queries.
type ForecastDoc struct {
	ID           string        `json:"id" bson:"_id"`
	Location     GeoPoint      `json:"location" bson:"location"`
	Source       string        `json:"source" bson:"source"`
	Variables    []string      `json:"variables" bson:"variables"`
	HorizonHours int           `json:"horizon_hours" bson:"horizon_hours"`
	Observations []Observation `json:"observations" bson:"observations"`
	CreatedAt    time.Time     `json:"created_at" bson:"created_at"`
}

// CurrentConditions is the provider's snapshot of the weather right now.
type CurrentConditions struct {
	Temperature float64
	Humidity    float64
	Raw         map[string]any
}
