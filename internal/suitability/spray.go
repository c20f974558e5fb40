package suitability

import (
	"fmt"
	"math"
)

// SprayStatus is an ordered verdict: Optimal < Marginal < Unsuitable.
type SprayStatus string

const (
	SprayOptimal    SprayStatus = "optimal"
	SprayMarginal   SprayStatus = "marginal"
	SprayUnsuitable SprayStatus = "unsuitable"
)

// Breakdown keys returned by EvaluateSpray.
const (
	TemperatureStatus   = "temperature_status"
	WindStatus          = "wind_status"
	PrecipitationStatus = "precipitation_status"
	HumidityStatus      = "humidity_status"
	DeltaTStatus        = "delta_t_status"
)

// Rank orders statuses from best to worst.
func (s SprayStatus) Rank() int {
	switch s {
	case SprayOptimal:
		return 0
	case SprayMarginal:
		return 1
	case SprayUnsuitable:
		return 2
	}
	return -1
}

// ParseSprayStatus validates a stored status string.
func ParseSprayStatus(s string) (SprayStatus, error) {
	st := SprayStatus(s)
	if st.Rank() < 0 {
		return "", fmt.Errorf("unknown spray status %q", s)
	}
	return st, nil
}

// Worst returns the most restrictive of the given statuses. With no input it
// returns SprayOptimal.
func Worst(statuses ...SprayStatus) SprayStatus {
	worst := SprayOptimal
	for _, s := range statuses {
		if s.Rank() > worst.Rank() {
			worst = s
		}
	}
	return worst
}

// SprayInput holds the environmental factors for spraying. Wind is in km/h.
type SprayInput struct {
	Temperature   float64
	WindKmh       float64
	Precipitation float64
	Humidity      float64
	DeltaT        float64
}

// EvaluateSpray classifies each factor and returns the overall (worst) verdict
// together with the per-factor breakdown.
func EvaluateSpray(in SprayInput) (SprayStatus, map[string]SprayStatus) {
	detail := map[string]SprayStatus{
		TemperatureStatus:   temperatureStatus(in.Temperature),
		WindStatus:          windStatus(in.WindKmh),
		PrecipitationStatus: precipitationStatus(in.Precipitation),
		HumidityStatus:      humidityStatus(in.Humidity),
		DeltaTStatus:        deltaTStatus(in.DeltaT),
	}

	overall := SprayOptimal
	for _, s := range detail {
		overall = Worst(overall, s)
	}
	return overall, detail
}

func temperatureStatus(t float64) SprayStatus {
	switch {
	case t < 18:
		return SprayOptimal
	case t <= 25:
		return SprayMarginal
	default:
		return SprayUnsuitable
	}
}

func windStatus(kmh float64) SprayStatus {
	switch {
	case kmh < 15:
		return SprayOptimal
	case kmh <= 25:
		return SprayMarginal
	default:
		return SprayUnsuitable
	}
}

func precipitationStatus(mm float64) SprayStatus {
	switch {
	case mm <= 0:
		return SprayOptimal
	case mm <= 0.1:
		return SprayMarginal
	default:
		return SprayUnsuitable
	}
}

func humidityStatus(rh float64) SprayStatus {
	switch {
	case rh >= 60 && rh <= 85:
		return SprayOptimal
	case (rh >= 45 && rh < 60) || (rh > 85 && rh <= 95):
		return SprayMarginal
	default:
		return SprayUnsuitable
	}
}

func deltaTStatus(dt float64) SprayStatus {
	switch {
	case dt >= 2 && dt <= 8:
		return SprayOptimal
	case (dt >= 0 && dt < 2) || (dt > 8 && dt <= 10):
		return SprayMarginal
	default:
		return SprayUnsuitable
	}
}

// WetBulb estimates the wet-bulb temperature with Stull's formula.
// Valid for RH in [5,99] % and T in [-20,50] °C.
func WetBulb(t, rh float64) float64 {
	return t*math.Atan(0.151977*math.Sqrt(rh+8.313659)) +
		math.Atan(t+rh) -
		math.Atan(rh-1.676331) +
		0.00391838*math.Pow(rh, 1.5)*math.Atan(0.023101*rh) -
		4.686035
}

// DeltaT is the dry-bulb minus wet-bulb temperature.
func DeltaT(t, rh float64) float64 {
	return t - WetBulb(t, rh)
}

// MsToKmh converts a wind speed from m/s to km/h.
func MsToKmh(ms float64) float64 {
	return ms * 3.6
}
