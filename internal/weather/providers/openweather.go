package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker"

	"github.com/i474232898/agroweather/internal/weather"
)

const (
	OpenWeatherName = "openweathermap"

	openWeatherBaseURL = "https://api.openweathermap.org/data/2.5"
)

var errMissingAPIKey = errors.New("api key is not configured")

// OpenWeatherProvider implements weather.ForecastSource for OpenWeatherMap. The
// free tier has no archive so the history calls report weather.ErrUnsupported.
type OpenWeatherProvider struct {
	apiKey  string
	baseURL string
	httpCfg HTTPClientConfig
	circuit *gobreaker.CircuitBreaker
}

func NewOpenWeatherProvider(client *http.Client, apiKey string) *OpenWeatherProvider {
	return &OpenWeatherProvider{
		apiKey:  apiKey,
		baseURL: openWeatherBaseURL,
		httpCfg: defaultHTTPConfig(client),
		circuit: newBreaker(OpenWeatherName),
	}
}

func (p *OpenWeatherProvider) Name() string {
	return OpenWeatherName
}

func (p *OpenWeatherProvider) get(ctx context.Context, endpoint string, lat, lon float64) ([]byte, error) {
	if p.apiKey == "" {
		return nil, fmt.Errorf("%s: %w", OpenWeatherName, errMissingAPIKey)
	}

	buildRequest := func() (*http.Request, error) {
		values := url.Values{}
		values.Set("lat", fmt.Sprintf("%f", lat))
		values.Set("lon", fmt.Sprintf("%f", lon))
		values.Set("units", "metric")
		values.Set("appid", p.apiKey)
		return http.NewRequest(http.MethodGet, p.baseURL+endpoint+"?"+values.Encode(), nil)
	}

	resp, err := doRequestWithResilience(ctx, OpenWeatherName, p.httpCfg, p.circuit, buildRequest)
	if err != nil {
		return nil, err
	}
	return readBody(OpenWeatherName, resp)
}

type owmEntry struct {
	Dt   int64 `json:"dt"`
	Main struct {
		Temp     *float64 `json:"temp"`
		Humidity *float64 `json:"humidity"`
	} `json:"main"`
	Wind struct {
		Speed *float64 `json:"speed"`
		Deg   *float64 `json:"deg"`
	} `json:"wind"`
	Pop  *float64 `json:"pop"`
	Rain struct {
		ThreeHour *float64 `json:"3h"`
	} `json:"rain"`
}

// ForecastSlots reads the 5-day/3-hour forecast. A payload without "list" is invalid.
func (p *OpenWeatherProvider) ForecastSlots(ctx context.Context, lat, lon float64) ([]weather.Observation, error) {
	body, err := p.get(ctx, "/forecast", lat, lon)
	if err != nil {
		return nil, err
	}

	var payload struct {
		List *[]owmEntry `json:"list"`
	}
	if err := decodeJSON(OpenWeatherName, body, &payload); err != nil {
		return nil, err
	}
	if payload.List == nil {
		return nil, missingKey(OpenWeatherName, "list")
	}

	slots := make([]weather.Observation, 0, len(*payload.List))
	for _, e := range *payload.List {
		values := make(map[string]*float64, 6)
		set := func(key string, v *float64) {
			if v != nil {
				values[key] = v
			}
		}
		set(weather.MeasurementTemperature, e.Main.Temp)
		set(weather.MeasurementHumidity, e.Main.Humidity)
		set(weather.MeasurementWindSpeed, e.Wind.Speed)
		set(weather.MeasurementWindDirection, e.Wind.Deg)
		set(weather.MeasurementPrecipitation, e.Pop)
		set(weather.MeasurementRainfall3h, e.Rain.ThreeHour)

		slots = append(slots, weather.Observation{
			Timestamp: time.Unix(e.Dt, 0).UTC(),
			Values:    values,
		})
	}
	return slots, nil
}

func (p *OpenWeatherProvider) CurrentConditions(ctx context.Context, lat, lon float64) (weather.CurrentConditions, error) {
	body, err := p.get(ctx, "/weather", lat, lon)
	if err != nil {
		return weather.CurrentConditions{}, err
	}

	var payload struct {
		Main *struct {
			Temp     *float64 `json:"temp"`
			Humidity *float64 `json:"humidity"`
		} `json:"main"`
	}
	if err := decodeJSON(OpenWeatherName, body, &payload); err != nil {
		return weather.CurrentConditions{}, err
	}
	if payload.Main == nil || payload.Main.Temp == nil || payload.Main.Humidity == nil {
		return weather.CurrentConditions{}, missingKey(OpenWeatherName, "main")
	}

	var raw map[string]any
	if err := decodeJSON(OpenWeatherName, body, &raw); err != nil {
		return weather.CurrentConditions{}, err
	}
	return weather.CurrentConditions{
		Temperature: *payload.Main.Temp,
		Humidity:    *payload.Main.Humidity,
		Raw:         raw,
	}, nil
}

// Forecast5d projects the forecast slots onto the requested measurement types.
func (p *OpenWeatherProvider) Forecast5d(ctx context.Context, lat, lon float64, start, end time.Time, variables []string) ([]weather.Observation, error) {
	slots, err := p.ForecastSlots(ctx, lat, lon)
	if err != nil {
		return nil, err
	}
	out := make([]weather.Observation, 0, len(slots))
	for _, s := range slots {
		if !within(s.Timestamp, start, end) {
			continue
		}
		obs := weather.Observation{Timestamp: s.Timestamp, Values: make(map[string]*float64, len(variables))}
		for _, v := range variables {
			obs.Values[v] = s.Values[v]
		}
		out = append(out, obs)
	}
	return out, nil
}

func (p *OpenWeatherProvider) HourlyHistory(context.Context, float64, float64, time.Time, time.Time, []string) ([]weather.Observation, error) {
	return nil, fmt.Errorf("%s hourly history: %w", OpenWeatherName, weather.ErrUnsupported)
}

func (p *OpenWeatherProvider) DailyHistory(context.Context, float64, float64, time.Time, time.Time, []string) ([]weather.Observation, error) {
	return nil, fmt.Errorf("%s daily history: %w", OpenWeatherName, weather.ErrUnsupported)
}
