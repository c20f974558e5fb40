package providers

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker"

	"github.com/i474232898/agroweather/internal/common"
	"github.com/i474232898/agroweather/internal/weather"
)

const (
	WeatherAPIName = "weatherapi"

	weatherAPIBaseURL = "https://api.weatherapi.com/v1"
)

// WeatherAPIProvider implements weather.Provider and weather.ForecastSource for WeatherAPI.com.
type WeatherAPIProvider struct {
	apiKey  string
	baseURL string
	httpCfg HTTPClientConfig
	circuit *gobreaker.CircuitBreaker
}

func NewWeatherAPIProvider(client *http.Client, apiKey string) *WeatherAPIProvider {
	return &WeatherAPIProvider{
		apiKey:  apiKey,
		baseURL: weatherAPIBaseURL,
		httpCfg: defaultHTTPConfig(client),
		circuit: newBreaker(WeatherAPIName),
	}
}

func (p *WeatherAPIProvider) Name() string {
	return WeatherAPIName
}

type wapiHour struct {
	TimeEpoch    int64    `json:"time_epoch"`
	TempC        *float64 `json:"temp_c"`
	Humidity     *float64 `json:"humidity"`
	WindKph      *float64 `json:"wind_kph"`
	WindDegree   *float64 `json:"wind_degree"`
	PressureMb   *float64 `json:"pressure_mb"`
	PrecipMm     *float64 `json:"precip_mm"`
	Cloud        *float64 `json:"cloud"`
	ChanceOfRain *float64 `json:"chance_of_rain"`
}

type wapiDay struct {
	Date string `json:"date"`
	Day  struct {
		MaxtempC      *float64 `json:"maxtemp_c"`
		MintempC      *float64 `json:"mintemp_c"`
		AvgtempC      *float64 `json:"avgtemp_c"`
		MaxwindKph    *float64 `json:"maxwind_kph"`
		TotalprecipMm *float64 `json:"totalprecip_mm"`
		Avghumidity   *float64 `json:"avghumidity"`
	} `json:"day"`
	Hour []wapiHour `json:"hour"`
}

type wapiForecast struct {
	Forecast *struct {
		Forecastday []wapiDay `json:"forecastday"`
	} `json:"forecast"`
}

func kphToMs(v *float64) *float64 {
	if v == nil {
		return nil
	}
	return ptr(common.Round(*v/3.6, 2))
}

// hourly accessors keyed by the Open-Meteo variable names used across the service.
var weatherAPIHourly = map[string]func(h wapiHour) *float64{
	"temperature_2m":       func(h wapiHour) *float64 { return h.TempC },
	"relative_humidity_2m": func(h wapiHour) *float64 { return h.Humidity },
	"precipitation":        func(h wapiHour) *float64 { return h.PrecipMm },
	"rain":                 func(h wapiHour) *float64 { return h.PrecipMm },
	"wind_speed_10m":       func(h wapiHour) *float64 { return kphToMs(h.WindKph) },
	"wind_direction_10m":   func(h wapiHour) *float64 { return h.WindDegree },
	"pressure_msl":         func(h wapiHour) *float64 { return h.PressureMb },
	"cloud_cover":          func(h wapiHour) *float64 { return h.Cloud },
}

var weatherAPIDaily = map[string]func(d wapiDay) *float64{
	"temperature_2m_max":        func(d wapiDay) *float64 { return d.Day.MaxtempC },
	"temperature_2m_min":        func(d wapiDay) *float64 { return d.Day.MintempC },
	"temperature_2m_mean":       func(d wapiDay) *float64 { return d.Day.AvgtempC },
	"precipitation_sum":         func(d wapiDay) *float64 { return d.Day.TotalprecipMm },
	"wind_speed_10m_max":        func(d wapiDay) *float64 { return kphToMs(d.Day.MaxwindKph) },
	"relative_humidity_2m_mean": func(d wapiDay) *float64 { return d.Day.Avghumidity },
}

func (p *WeatherAPIProvider) get(ctx context.Context, endpoint string, lat, lon float64, extra url.Values) ([]byte, error) {
	if p.apiKey == "" {
		return nil, fmt.Errorf("%s: %w", WeatherAPIName, errMissingAPIKey)
	}

	buildRequest := func() (*http.Request, error) {
		values := url.Values{}
		for k, v := range extra {
			values[k] = v
		}
		values.Set("key", p.apiKey)
		// WeatherAPI takes the coordinate as "lat,lon" in q.
		values.Set("q", fmt.Sprintf("%f,%f", lat, lon))
		return http.NewRequest(http.MethodGet, p.baseURL+endpoint+"?"+values.Encode(), nil)
	}

	resp, err := doRequestWithResilience(ctx, WeatherAPIName, p.httpCfg, p.circuit, buildRequest)
	if err != nil {
		return nil, err
	}
	return readBody(WeatherAPIName, resp)
}

func (p *WeatherAPIProvider) days(ctx context.Context, endpoint string, lat, lon float64, extra url.Values) ([]wapiDay, error) {
	body, err := p.get(ctx, endpoint, lat, lon, extra)
	if err != nil {
		return nil, err
	}
	var payload wapiForecast
	if err := decodeJSON(WeatherAPIName, body, &payload); err != nil {
		return nil, err
	}
	if payload.Forecast == nil {
		return nil, missingKey(WeatherAPIName, "forecast")
	}
	return payload.Forecast.Forecastday, nil
}

func hourObservations(days []wapiDay, variables []string, keep func(time.Time) bool) []weather.Observation {
	var out []weather.Observation
	for _, d := range days {
		for _, h := range d.Hour {
			ts := time.Unix(h.TimeEpoch, 0).UTC()
			if !keep(ts) {
				continue
			}
			obs := weather.Observation{Timestamp: ts, Values: make(map[string]*float64, len(variables))}
			for _, v := range variables {
				if get, ok := weatherAPIHourly[v]; ok {
					obs.Values[v] = get(h)
				}
			}
			out = append(out, obs)
		}
	}
	return out
}

func historyRange(start, end time.Time) url.Values {
	values := url.Values{}
	values.Set("dt", common.FormatDate(start))
	values.Set("end_dt", common.FormatDate(end))
	return values
}

func (p *WeatherAPIProvider) HourlyHistory(ctx context.Context, lat, lon float64, start, end time.Time, variables []string) ([]weather.Observation, error) {
	days, err := p.days(ctx, "/history.json", lat, lon, historyRange(start, end))
	if err != nil {
		return nil, err
	}
	return hourObservations(days, variables, func(time.Time) bool { return true }), nil
}

func (p *WeatherAPIProvider) DailyHistory(ctx context.Context, lat, lon float64, start, end time.Time, variables []string) ([]weather.Observation, error) {
	days, err := p.days(ctx, "/history.json", lat, lon, historyRange(start, end))
	if err != nil {
		return nil, err
	}
	out := make([]weather.Observation, 0, len(days))
	for _, d := range days {
		ts, err := common.ParseDate(d.Date)
		if err != nil {
			return nil, &weather.InvalidUpstreamDataError{Provider: WeatherAPIName, Reason: "bad date " + d.Date, Err: err}
		}
		obs := weather.Observation{Timestamp: ts, Values: make(map[string]*float64, len(variables))}
		for _, v := range variables {
			if get, ok := weatherAPIDaily[v]; ok {
				obs.Values[v] = get(d)
			}
		}
		out = append(out, obs)
	}
	return out, nil
}

func (p *WeatherAPIProvider) Forecast5d(ctx context.Context, lat, lon float64, start, end time.Time, variables []string) ([]weather.Observation, error) {
	extra := url.Values{}
	extra.Set("days", "5")
	days, err := p.days(ctx, "/forecast.json", lat, lon, extra)
	if err != nil {
		return nil, err
	}
	return hourObservations(days, variables, func(ts time.Time) bool {
		return ts.Hour()%3 == 0 && within(ts, start, end)
	}), nil
}

func (p *WeatherAPIProvider) ForecastSlots(ctx context.Context, lat, lon float64) ([]weather.Observation, error) {
	extra := url.Values{}
	extra.Set("days", "5")
	days, err := p.days(ctx, "/forecast.json", lat, lon, extra)
	if err != nil {
		return nil, err
	}

	var hours []wapiHour
	for _, d := range days {
		hours = append(hours, d.Hour...)
	}

	var slots []weather.Observation
	for i, h := range hours {
		ts := time.Unix(h.TimeEpoch, 0).UTC()
		if ts.Hour()%3 != 0 {
			continue
		}
		values := map[string]*float64{
			weather.MeasurementTemperature:   h.TempC,
			weather.MeasurementHumidity:      h.Humidity,
			weather.MeasurementWindSpeed:     kphToMs(h.WindKph),
			weather.MeasurementWindDirection: h.WindDegree,
		}
		if h.ChanceOfRain != nil {
			values[weather.MeasurementPrecipitation] = ptr(*h.ChanceOfRain / 100)
		}
		var rain float64
		var seen bool
		for j := i; j < i+3 && j < len(hours); j++ {
			if hours[j].PrecipMm != nil {
				rain += *hours[j].PrecipMm
				seen = true
			}
		}
		if seen {
			values[weather.MeasurementRainfall3h] = ptr(common.Round(rain, 2))
		}
		slots = append(slots, weather.Observation{Timestamp: ts, Values: values})
	}
	return slots, nil
}

func (p *WeatherAPIProvider) CurrentConditions(ctx context.Context, lat, lon float64) (weather.CurrentConditions, error) {
	body, err := p.get(ctx, "/current.json", lat, lon, nil)
	if err != nil {
		return weather.CurrentConditions{}, err
	}

	var payload struct {
		Current *struct {
			TempC    *float64 `json:"temp_c"`
			Humidity *float64 `json:"humidity"`
		} `json:"current"`
	}
	if err := decodeJSON(WeatherAPIName, body, &payload); err != nil {
		return weather.CurrentConditions{}, err
	}
	if payload.Current == nil || payload.Current.TempC == nil || payload.Current.Humidity == nil {
		return weather.CurrentConditions{}, missingKey(WeatherAPIName, "current")
	}

	var raw map[string]any
	if err := decodeJSON(WeatherAPIName, body, &raw); err != nil {
		return weather.CurrentConditions{}, err
	}
	return weather.CurrentConditions{
		Temperature: *payload.Current.TempC,
		Humidity:    *payload.Current.Humidity,
		Raw:         raw,
	}, nil
}
