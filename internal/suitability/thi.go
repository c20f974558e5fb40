package suitability

import "github.com/i474232898/agroweather/internal/common"

// THI returns the temperature-humidity index for t (°C) and rh (%), rounded
// to two decimals.
func THI(t, rh float64) float64 {
	return common.Round(0.8*t+(rh/100)*(t-14.4)+46.4, 2)
}
