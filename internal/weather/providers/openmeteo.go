package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/i474232898/agroweather/internal/common"
	"github.com/i474232898/agroweather/internal/weather"
)

const (
	OpenMeteoName = "openmeteo"

	openMeteoForecastURL = "https://api.open-meteo.com/v1/forecast"
	openMeteoArchiveURL  = "https://archive-api.open-meteo.com/v1/archive"

	openMeteoHourLayout = "2006-01-02T15:04"
)

// slotVariables feed ForecastSlots; rain is summed over each 3-hour slot.
var openMeteoSlotVariables = []string{
	"temperature_2m",
	"relative_humidity_2m",
	"wind_speed_10m",
	"wind_direction_10m",
	"precipitation_probability",
	"rain",
}

// OpenMeteoProvider implements weather.Provider and weather.ForecastSource for Open-Meteo.
type OpenMeteoProvider struct {
	forecastURL string
	archiveURL  string
	httpCfg     HTTPClientConfig
	circuit     *gobreaker.CircuitBreaker
}

func NewOpenMeteoProvider(client *http.Client) *OpenMeteoProvider {
	return &OpenMeteoProvider{
		forecastURL: openMeteoForecastURL,
		archiveURL:  openMeteoArchiveURL,
		httpCfg:     defaultHTTPConfig(client),
		circuit:     newBreaker(OpenMeteoName),
	}
}

func (p *OpenMeteoProvider) Name() string {
	return OpenMeteoName
}

func (p *OpenMeteoProvider) get(ctx context.Context, base string, values url.Values) ([]byte, error) {
	buildRequest := func() (*http.Request, error) {
		return http.NewRequest(http.MethodGet, base+"?"+values.Encode(), nil)
	}
	resp, err := doRequestWithResilience(ctx, OpenMeteoName, p.httpCfg, p.circuit, buildRequest)
	if err != nil {
		return nil, err
	}
	return readBody(OpenMeteoName, resp)
}

func coordinates(lat, lon float64) url.Values {
	values := url.Values{}
	values.Set("latitude", fmt.Sprintf("%f", lat))
	values.Set("longitude", fmt.Sprintf("%f", lon))
	values.Set("timezone", "UTC")
	return values
}

func (p *OpenMeteoProvider) HourlyHistory(ctx context.Context, lat, lon float64, start, end time.Time, variables []string) ([]weather.Observation, error) {
	values := coordinates(lat, lon)
	values.Set("hourly", strings.Join(variables, ","))
	values.Set("start_date", common.FormatDate(start))
	values.Set("end_date", common.FormatDate(end))

	body, err := p.get(ctx, p.archiveURL, values)
	if err != nil {
		return nil, err
	}
	return parseOpenMeteoSeries(body, "hourly", openMeteoHourLayout, variables)
}

func (p *OpenMeteoProvider) DailyHistory(ctx context.Context, lat, lon float64, start, end time.Time, variables []string) ([]weather.Observation, error) {
	values := coordinates(lat, lon)
	values.Set("daily", strings.Join(variables, ","))
	values.Set("start_date", common.FormatDate(start))
	values.Set("end_date", common.FormatDate(end))

	body, err := p.get(ctx, p.archiveURL, values)
	if err != nil {
		return nil, err
	}
	return parseOpenMeteoSeries(body, "daily", common.DateLayout, variables)
}

// Forecast5d keeps the 3-hourly samples (00, 03, ..., 21 UTC) of the hourly forecast.
func (p *OpenMeteoProvider) Forecast5d(ctx context.Context, lat, lon float64, start, end time.Time, variables []string) ([]weather.Observation, error) {
	values := coordinates(lat, lon)
	values.Set("hourly", strings.Join(variables, ","))
	if start.IsZero() || end.IsZero() {
		values.Set("forecast_days", "5")
	} else {
		values.Set("start_date", common.FormatDate(start))
		values.Set("end_date", common.FormatDate(end))
	}

	body, err := p.get(ctx, p.forecastURL, values)
	if err != nil {
		return nil, err
	}
	series, err := parseOpenMeteoSeries(body, "hourly", openMeteoHourLayout, variables)
	if err != nil {
		return nil, err
	}

	out := make([]weather.Observation, 0, len(series)/3+1)
	for _, o := range series {
		if o.Timestamp.Hour()%3 == 0 && within(o.Timestamp, start, end) {
			out = append(out, o)
		}
	}
	return out, nil
}

func (p *OpenMeteoProvider) ForecastSlots(ctx context.Context, lat, lon float64) ([]weather.Observation, error) {
	values := coordinates(lat, lon)
	values.Set("hourly", strings.Join(openMeteoSlotVariables, ","))
	values.Set("wind_speed_unit", "ms")
	values.Set("forecast_days", "5")

	body, err := p.get(ctx, p.forecastURL, values)
	if err != nil {
		return nil, err
	}
	series, err := parseOpenMeteoSeries(body, "hourly", openMeteoHourLayout, openMeteoSlotVariables)
	if err != nil {
		return nil, err
	}

	var slots []weather.Observation
	for i, o := range series {
		if o.Timestamp.Hour()%3 != 0 {
			continue
		}
		slot := weather.Observation{Timestamp: o.Timestamp, Values: map[string]*float64{
			weather.MeasurementTemperature:   o.Values["temperature_2m"],
			weather.MeasurementHumidity:      o.Values["relative_humidity_2m"],
			weather.MeasurementWindSpeed:     o.Values["wind_speed_10m"],
			weather.MeasurementWindDirection: o.Values["wind_direction_10m"],
		}}
		if pop := o.Values["precipitation_probability"]; pop != nil {
			slot.Values[weather.MeasurementPrecipitation] = ptr(*pop / 100)
		}
		var rain float64
		var seen bool
		for j := i; j < i+3 && j < len(series); j++ {
			if v := series[j].Values["rain"]; v != nil {
				rain += *v
				seen = true
			}
		}
		if seen {
			slot.Values[weather.MeasurementRainfall3h] = ptr(common.Round(rain, 2))
		}
		slots = append(slots, slot)
	}
	return slots, nil
}

func (p *OpenMeteoProvider) CurrentConditions(ctx context.Context, lat, lon float64) (weather.CurrentConditions, error) {
	values := coordinates(lat, lon)
	values.Set("current", "temperature_2m,relative_humidity_2m,wind_speed_10m,wind_direction_10m,precipitation")
	values.Set("wind_speed_unit", "ms")

	body, err := p.get(ctx, p.forecastURL, values)
	if err != nil {
		return weather.CurrentConditions{}, err
	}

	var payload struct {
		Current *struct {
			Temperature *float64 `json:"temperature_2m"`
			Humidity    *float64 `json:"relative_humidity_2m"`
		} `json:"current"`
	}
	if err := decodeJSON(OpenMeteoName, body, &payload); err != nil {
		return weather.CurrentConditions{}, err
	}
	if payload.Current == nil {
		return weather.CurrentConditions{}, missingKey(OpenMeteoName, "current")
	}
	if payload.Current.Temperature == nil || payload.Current.Humidity == nil {
		return weather.CurrentConditions{}, missingKey(OpenMeteoName, "current.temperature_2m")
	}

	var raw map[string]any
	if err := decodeJSON(OpenMeteoName, body, &raw); err != nil {
		return weather.CurrentConditions{}, err
	}
	return weather.CurrentConditions{
		Temperature: *payload.Current.Temperature,
		Humidity:    *payload.Current.Humidity,
		Raw:         raw,
	}, nil
}

// parseOpenMeteoSeries converts a columnar block ({"time": [...], "<var>": [...]})
// into observations. Variables absent from the block are omitted.
func parseOpenMeteoSeries(body []byte, block, layout string, variables []string) ([]weather.Observation, error) {
	var payload map[string]json.RawMessage
	if err := decodeJSON(OpenMeteoName, body, &payload); err != nil {
		return nil, err
	}
	rawBlock, ok := payload[block]
	if !ok {
		return nil, missingKey(OpenMeteoName, block)
	}

	var columns map[string]json.RawMessage
	if err := decodeJSON(OpenMeteoName, rawBlock, &columns); err != nil {
		return nil, err
	}
	rawTimes, ok := columns["time"]
	if !ok {
		return nil, missingKey(OpenMeteoName, block+".time")
	}
	var times []string
	if err := decodeJSON(OpenMeteoName, rawTimes, &times); err != nil {
		return nil, err
	}

	series := make(map[string][]*float64, len(variables))
	for _, v := range variables {
		raw, ok := columns[v]
		if !ok {
			continue
		}
		var vals []*float64
		if err := decodeJSON(OpenMeteoName, raw, &vals); err != nil {
			return nil, err
		}
		if len(vals) != len(times) {
			return nil, &weather.InvalidUpstreamDataError{
				Provider: OpenMeteoName,
				Reason:   fmt.Sprintf("%s.%s has %d values for %d timestamps", block, v, len(vals), len(times)),
			}
		}
		series[v] = vals
	}

	out := make([]weather.Observation, 0, len(times))
	for i, t := range times {
		ts, err := time.ParseInLocation(layout, t, time.UTC)
		if err != nil {
			return nil, &weather.InvalidUpstreamDataError{Provider: OpenMeteoName, Reason: "bad timestamp " + t, Err: err}
		}
		obs := weather.Observation{Timestamp: ts, Values: make(map[string]*float64, len(series))}
		for v, vals := range series {
			obs.Values[v] = vals[i]
		}
		out = append(out, obs)
	}
	return out, nil
}
