package farmcalendar

import (
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/i474232898/agroweather/internal/weather"
)

// Activity types used for pushed observations.
const (
	THIActivity         = "THI_Observation"
	FlightActivity      = "Flight_Forecast_Observation"
	SprayActivity       = "Spray_Forecast_Observation"
	thiDescription      = "Activity type collecting observed values for Temperature Humidity Index"
	flightDescription   = "Activity type collecting observed values for UAV Flight Forecast"
	sprayDescription    = "Activity type collecting observed values for spray conditions forecast"
	thiProperty         = "temperature_humidity_index"
	flightProperty      = "flight_forecast_observation"
	sprayProperty       = "spray_forecast_observation"
	observationSensor   = "OpenAgri Weather Service"
	phenomenonTimeStamp = "2006-01-02T15:04:05"
)

// ActivityDescription returns the description used when creating an activity type.
func ActivityDescription(name string) string {
	switch name {
	case THIActivity:
		return thiDescription
	case FlightActivity:
		return flightDescription
	case SprayActivity:
		return sprayDescription
	}
	return name
}

type Sensor struct {
	Name string `json:"name"`
}

type QuantityValue struct {
	ID       string `json:"@id"`
	Type     string `json:"@type"`
	Unit     string `json:"unit,omitempty"`
	HasValue string `json:"hasValue"`
}

// Observation is the farm calendar observation payload.
type Observation struct {
	Type             string        `json:"@type"`
	ActivityType     string        `json:"activityType"`
	Title            string        `json:"title"`
	Details          string        `json:"details"`
	PhenomenonTime   string        `json:"phenomenonTime"`
	MadeBySensor     Sensor        `json:"madeBySensor"`
	HasAgriParcel    string        `json:"hasAgriParcel"`
	HasResult        QuantityValue `json:"hasResult"`
	ObservedProperty string        `json:"observedProperty"`
}

func newObservation(activityType, parcelID, property string, at time.Time, value, unit string) Observation {
	return Observation{
		Type:             "Observation",
		ActivityType:     activityType,
		PhenomenonTime:   at.UTC().Format(phenomenonTimeStamp),
		MadeBySensor:     Sensor{Name: observationSensor},
		HasAgriParcel:    parcelID,
		ObservedProperty: property,
		HasResult: QuantityValue{
			ID:       "urn:farmcalendar:QuantityValue:" + uuid.NewString(),
			Type:     "QuantityValue",
			Unit:     unit,
			HasValue: value,
		},
	}
}

// THIObservation reports a THI reading for a parcel.
func THIObservation(activityType string, parcel Parcel, r weather.THIReading) Observation {
	value := strconv.FormatFloat(r.Value, 'f', -1, 64)
	obs := newObservation(activityType, parcel.ID, thiProperty, r.Timestamp, value, "")
	obs.Title = fmt.Sprintf("%s:THI: %s", parcel.Identifier, value)
	obs.Details = "Temperature Humidity Index computed from current conditions"
	return obs
}

// FlightObservation reports one flight verdict for a parcel.
func FlightObservation(activityType string, parcel Parcel, fs weather.FlyStatus) Observation {
	obs := newObservation(activityType, parcel.ID, flightProperty, fs.Timestamp, string(fs.Status), "")
	obs.Title = fmt.Sprintf("%s: %s", fs.UAVModel, fs.Status)
	obs.Details = fmt.Sprintf("UAV flight forecast: temp %.1f, wind %.1f m/s, precipitation %.2f",
		fs.WeatherParams.Temperature, fs.WeatherParams.Wind, fs.WeatherParams.Precipitation)
	return obs
}

// SprayObservation reports one spray verdict for a parcel.
func SprayObservation(activityType string, parcel Parcel, sf weather.SprayForecast) Observation {
	obs := newObservation(activityType, parcel.ID, sprayProperty, sf.Timestamp, string(sf.SprayConditions), "")
	obs.Title = fmt.Sprintf("%s:Spray: %s", parcel.Identifier, sf.SprayConditions)
	obs.Details = fmt.Sprintf("Spray forecast detailed status: %v", sf.DetailedStatus)
	return obs
}
