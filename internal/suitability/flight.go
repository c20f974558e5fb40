// Package suitability classifies weather samples for UAV flights, pesticide
// spraying and livestock heat stress. Everything here is pure.
package suitability

import "fmt"

// FlightStatus is the verdict for flying a given UAV in a forecast slot.
type FlightStatus string

const (
	FlightOK       FlightStatus = "OK"
	FlightMarginal FlightStatus = "MARGINAL"
	FlightNotOK    FlightStatus = "NOT OK"
)

// FlightStatuses lists every valid FlightStatus.
var FlightStatuses = []FlightStatus{FlightOK, FlightMarginal, FlightNotOK}

// ParseFlightStatus accepts the canonical names plus NOT_OK.
func ParseFlightStatus(s string) (FlightStatus, error) {
	switch s {
	case string(FlightOK):
		return FlightOK, nil
	case string(FlightMarginal):
		return FlightMarginal, nil
	case string(FlightNotOK), "NOT_OK":
		return FlightNotOK, nil
	}
	return "", fmt.Errorf("unknown flight status %q", s)
}

// Equipment is the operating envelope of a UAV model.
type Equipment struct {
	MinTemp                float64
	MaxTemp                float64
	MaxWind                float64 // m/s
	PrecipitationTolerance float64 // mm/h
}

// FlightSample is the weather in one forecast slot.
type FlightSample struct {
	Temperature              float64 // °C
	WindSpeed                float64 // m/s
	PrecipitationProbability float64 // 0..1
	RainRate                 float64 // mm/h
}

// marginFactor is the share of a hard limit above which conditions are marginal.
const marginFactor = 0.8

// probableRain is the precipitation probability above which flights are downgraded.
const probableRain = 0.7

// EvaluateFlight applies the flight rules in order; the first match wins.
func EvaluateFlight(eq Equipment, w FlightSample) FlightStatus {
	if w.Temperature < eq.MinTemp || w.Temperature > eq.MaxTemp {
		return FlightNotOK
	}
	if w.WindSpeed > eq.MaxWind || w.RainRate > eq.PrecipitationTolerance {
		return FlightNotOK
	}
	if w.WindSpeed >= marginFactor*eq.MaxWind || w.RainRate > 0 {
		return FlightMarginal
	}
	if w.PrecipitationProbability > probableRain &&
		(eq.PrecipitationTolerance == 0 || w.RainRate >= marginFactor*eq.PrecipitationTolerance) {
		return FlightMarginal
	}
	return FlightOK
}
