// Package jsonld renders weather artifacts as OCSM JSON-LD graphs.
package jsonld

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/i474232898/agroweather/internal/suitability"
	"github.com/i474232898/agroweather/internal/weather"
)

// OCSMContext is the @context of every graph.
var OCSMContext = []any{
	"https://w3id.org/ocsm/main-context.jsonld",
	map[string]string{
		"qudt": "http://qudt.org/vocab/unit/",
		"cf":   "https://vocab.nerc.ac.uk/standard_name/",
	},
}

// Graph is a JSON-LD document.
type Graph struct {
	Context []any `json:"@context"`
	Graph   []any `json:"@graph"`
}

func newGraph(nodes []any) Graph {
	if nodes == nil {
		nodes = []any{}
	}
	return Graph{Context: OCSMContext, Graph: nodes}
}

// URN builds urn:openagri:<parts...>:<id>. An empty id yields a random one.
func URN(id string, parts ...string) string {
	if id == "" {
		id = uuid.NewString()
	}
	return "urn:openagri:" + strings.Join(append(parts, id), ":")
}

type FeatureOfInterest struct {
	ID   string   `json:"@id"`
	Type []string `json:"@type"`
	Lat  float64  `json:"lat"`
	Lon  float64  `json:"long"`
}

func location(loc weather.GeoPoint, id string) FeatureOfInterest {
	return FeatureOfInterest{
		ID:   URN(id, "location"),
		Type: []string{"FeatureOfInterest", "Point"},
		Lat:  loc.Lat(),
		Lon:  loc.Lon(),
	}
}

type measurement struct {
	name     string
	property string
	unit     string
}

var measurements = map[string]measurement{
	weather.MeasurementTemperature:   {"temperature", "cf:air_temperature", "qudt:DEG_C"},
	weather.MeasurementHumidity:      {"humidity", "cf:relative_humidity", "qudt:PERCENT"},
	weather.MeasurementWindSpeed:     {"windspeed", "cf:wind_speed", "qudt:M-PER-SEC"},
	weather.MeasurementWindDirection: {"winddirection", "cf:wind_from_direction", "qudt:DEG"},
	weather.MeasurementPrecipitation: {"precipitation", "cf:precipitation_probability", "qudt:UNITLESS"},
	weather.MeasurementRainfall3h:    {"rainfall_3h", "cf:rainfall_amount", "qudt:MilliM"},
}

func measurementOf(mt string) measurement {
	if m, ok := measurements[mt]; ok {
		return m
	}
	return measurement{name: mt, property: "cf:" + mt}
}

type NumericResult struct {
	ID           string  `json:"@id"`
	Type         string  `json:"@type"`
	NumericValue float64 `json:"numericValue"`
	Unit         string  `json:"unit,omitempty"`
}

type MemberObservation struct {
	ID               string        `json:"@id"`
	Type             string        `json:"@type"`
	ObservedProperty string        `json:"observedProperty"`
	HasResult        NumericResult `json:"hasResult"`
}

type ObservationCollection struct {
	ID                   string              `json:"@id"`
	Type                 []string            `json:"@type"`
	Description          string              `json:"description"`
	HasFeatureOfInterest FeatureOfInterest   `json:"hasFeatureOfInterest"`
	Source               string              `json:"source"`
	ResultTime           time.Time           `json:"resultTime"`
	PhenomenonTime       time.Time           `json:"phenomenonTime"`
	HasMember            []MemberObservation `json:"hasMember"`
}

// Predictions groups a point's predictions into one collection per timestamp.
func Predictions(point weather.Point, preds []weather.Prediction) Graph {
	buckets := make(map[time.Time][]weather.Prediction)
	for _, p := range preds {
		ts := p.Timestamp.UTC()
		buckets[ts] = append(buckets[ts], p)
	}
	stamps := make([]time.Time, 0, len(buckets))
	for ts := range buckets {
		stamps = append(stamps, ts)
	}
	sort.Slice(stamps, func(i, j int) bool { return stamps[i].Before(stamps[j]) })

	foi := location(point.Location, point.ID)
	nodes := make([]any, 0, len(stamps))
	for _, ts := range stamps {
		group := buckets[ts]
		coll := ObservationCollection{
			ID:                   URN(ts.Format(time.RFC3339), "weather", "forecast"),
			Type:                 []string{"ObservationCollection", "WeatherForecast"},
			Description:          "5-day weather forecast",
			HasFeatureOfInterest: foi,
			Source:               group[0].Source,
			ResultTime:           ts,
			PhenomenonTime:       ts,
			HasMember:            make([]MemberObservation, 0, len(group)),
		}
		for _, p := range group {
			m := measurementOf(p.MeasurementType)
			prefix := "weather:forecast:" + m.name
			coll.HasMember = append(coll.HasMember, MemberObservation{
				ID:               URN(p.ID, prefix),
				Type:             "Observation",
				ObservedProperty: m.property,
				HasResult: NumericResult{
					ID:           URN(p.ID, prefix, "result"),
					Type:         "Result",
					NumericValue: p.Value,
					Unit:         m.unit,
				},
			})
		}
		nodes = append(nodes, coll)
	}
	return newGraph(nodes)
}

type THIResult struct {
	ID       string   `json:"@id"`
	Type     []string `json:"@type"`
	HasValue float64  `json:"hasValue"`
	Unit     string   `json:"unit,omitempty"`
}

type THIObservation struct {
	ID                   string    `json:"@id"`
	Type                 []string  `json:"@type"`
	Description          string    `json:"description"`
	HasFeatureOfInterest string    `json:"hasFeatureOfInterest"`
	WeatherSource        string    `json:"weatherSource"`
	ResultTime           time.Time `json:"resultTime"`
	PhenomenonTime       time.Time `json:"phenomenonTime"`
	HasResult            THIResult `json:"hasResult"`
}

// THI renders a current-conditions snapshot as a THI observation.
func THI(wd weather.WeatherData) Graph {
	foi := location(wd.Location, wd.PointID)
	obs := THIObservation{
		ID:                   URN(wd.ID, "weather", "data", "thi"),
		Type:                 []string{"Observation", "THI"},
		Description:          "Temperature Humidity Index",
		HasFeatureOfInterest: foi.ID,
		WeatherSource:        wd.Source,
		ResultTime:           wd.CreatedAt,
		PhenomenonTime:       wd.CreatedAt,
		HasResult: THIResult{
			ID:       URN(wd.ID, "weather", "data", "thi", "result"),
			Type:     []string{"Result", "THI"},
			HasValue: wd.THI,
		},
	}
	return newGraph([]any{foi, obs})
}

type FlightConditionResult struct {
	ID            string                   `json:"@id"`
	Type          []string                 `json:"@type"`
	Status        suitability.FlightStatus `json:"status"`
	Temperature   float64                  `json:"temperature"`
	Precipitation float64                  `json:"precipitation"`
	WindSpeed     float64                  `json:"windSpeed"`
}

type FlightConditionObservation struct {
	ID                   string                `json:"@id"`
	Type                 []string              `json:"@type"`
	Description          string                `json:"description"`
	HasFeatureOfInterest string                `json:"hasFeatureOfInterest"`
	MadeBySensor         string                `json:"madeBySensor"`
	WeatherSource        string                `json:"weatherSource"`
	ResultTime           time.Time             `json:"resultTime"`
	PhenomenonTime       time.Time             `json:"phenomenonTime"`
	HasResult            FlightConditionResult `json:"hasResult"`
}

// FlightStatuses renders flight verdicts. All statuses are expected to share a location.
func FlightStatuses(statuses []weather.FlyStatus) Graph {
	if len(statuses) == 0 {
		return newGraph(nil)
	}
	foi := location(statuses[0].Location, statuses[0].Location.Key())
	nodes := []any{foi}
	for _, fs := range statuses {
		nodes = append(nodes, FlightConditionObservation{
			ID:   URN(fs.ID, "FlyStatus"),
			Type: []string{"Observation", "FlightCondition"},
			Description: fmt.Sprintf("Flight conditions for a %s drone model on %s",
				fs.UAVModel, fs.Timestamp.UTC().Format(time.RFC3339)),
			HasFeatureOfInterest: foi.ID,
			MadeBySensor:         URN(fs.UAVModel, "FlyStatus", "model"),
			WeatherSource:        fs.Source,
			ResultTime:           fs.Timestamp,
			PhenomenonTime:       fs.Timestamp,
			HasResult: FlightConditionResult{
				ID:            URN(fs.ID, "FlyStatus", "result"),
				Type:          []string{"Result", "FlightConditionStatus"},
				Status:        fs.Status,
				Temperature:   fs.WeatherParams.Temperature,
				Precipitation: fs.WeatherParams.Precipitation,
				WindSpeed:     fs.WeatherParams.Wind,
			},
		})
	}
	return newGraph(nodes)
}

type SprayResult struct {
	ID              string                  `json:"@id"`
	Type            []string                `json:"@type"`
	SprayConditions suitability.SprayStatus `json:"spray_conditions"`
}

type SprayDetailedStatus struct {
	ID                  string                  `json:"@id"`
	Type                []string                `json:"@type"`
	TemperatureStatus   suitability.SprayStatus `json:"temperatureStatus"`
	WindStatus          suitability.SprayStatus `json:"windStatus"`
	PrecipitationStatus suitability.SprayStatus `json:"precipitationStatus"`
	HumidityStatus      suitability.SprayStatus `json:"humidityStatus"`
	DeltaTStatus        suitability.SprayStatus `json:"deltaTStatus"`
}

type SprayObservation struct {
	ID                   string              `json:"@id"`
	Type                 []string            `json:"@type"`
	Description          string              `json:"description"`
	HasFeatureOfInterest string              `json:"hasFeatureOfInterest"`
	WeatherSource        string              `json:"weatherSource"`
	ResultTime           time.Time           `json:"resultTime"`
	PhenomenonTime       time.Time           `json:"phenomenonTime"`
	HasResult            SprayResult         `json:"hasResult"`
	DetailedStatus       SprayDetailedStatus `json:"sprayForecastDetailedStatus"`
}

// SprayForecasts renders spray verdicts with their per-factor breakdown.
func SprayForecasts(forecasts []weather.SprayForecast) Graph {
	if len(forecasts) == 0 {
		return newGraph(nil)
	}
	foi := location(forecasts[0].Location, forecasts[0].Location.Key())
	nodes := []any{foi}
	for _, sf := range forecasts {
		d := sf.DetailedStatus
		nodes = append(nodes, SprayObservation{
			ID:                   URN(sf.ID, "SprayForecast"),
			Type:                 []string{"Observation", "SprayForecast"},
			Description:          "Spray Forecast on " + sf.Timestamp.UTC().Format(time.RFC3339),
			HasFeatureOfInterest: foi.ID,
			WeatherSource:        sf.Source,
			ResultTime:           sf.Timestamp,
			PhenomenonTime:       sf.Timestamp,
			HasResult: SprayResult{
				ID:              URN(sf.ID, "SprayForecast", "result"),
				Type:            []string{"Result", "SprayForecastResult"},
				SprayConditions: sf.SprayConditions,
			},
			DetailedStatus: SprayDetailedStatus{
				ID:                  URN(sf.ID, "SprayForecast", "status"),
				Type:                []string{"sprayForecastDetailedStatus"},
				TemperatureStatus:   d[suitability.TemperatureStatus],
				WindStatus:          d[suitability.WindStatus],
				PrecipitationStatus: d[suitability.PrecipitationStatus],
				HumidityStatus:      d[suitability.HumidityStatus],
				DeltaTStatus:        d[suitability.DeltaTStatus],
			},
		})
	}
	return newGraph(nodes)
}
