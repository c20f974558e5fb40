package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/i474232898/agroweather/internal/weather"
)

type AppConfig struct {
	Port        string        `envconfig:"PORT" default:"8080" validate:"required,numeric"`
	LogLevel    string        `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`
	HTTPTimeout time.Duration `envconfig:"HTTP_TIMEOUT" default:"10s" validate:"gt=0"`

	// WeatherProvider serves history and generic forecasts.
	WeatherProvider  string `envconfig:"WEATHER_PROVIDER" default:"openmeteo" validate:"oneof=openmeteo openweathermap weatherapi"`
	ForecastProvider string `envconfig:"FORECAST_PROVIDER" default:"openweathermap" validate:"oneof=openmeteo openweathermap weatherapi"`
	OpenWeatherKey   string `envconfig:"OPENWEATHERMAP_API_KEY" validate:"required_if=ForecastProvider openweathermap"`
	WeatherAPIKey    string `envconfig:"WEATHERAPI_API_KEY"`
	GeocoderKey      string `envconfig:"GEOCODER_API_KEY"`

	StoreBackend  string `envconfig:"STORE_BACKEND" default:"memory" validate:"oneof=memory mongo"`
	MongoURI      string `envconfig:"MONGO_URI" validate:"required_if=StoreBackend mongo"`
	MongoDatabase string `envconfig:"MONGO_DATABASE" default:"agroweather"`
	RedisAddr     string `envconfig:"REDIS_ADDR" validate:"omitempty,hostname_port"`
	// Retention of the memory backend; zero means unlimited.
	StoreMaxHistory int           `envconfig:"STORE_MAX_HISTORY" default:"96" validate:"gte=0"`
	StoreMaxAge     time.Duration `envconfig:"STORE_MAX_AGE" default:"24h" validate:"gte=0"`

	PredictionTTL        time.Duration `envconfig:"PREDICTION_TTL" default:"3h" validate:"gt=0"`
	WeatherDataTTL       time.Duration `envconfig:"WEATHER_DATA_TTL" default:"1h" validate:"gt=0"`
	LocationRadiusMeters float64       `envconfig:"LOCATION_RADIUS_METERS" default:"1000" validate:"gt=0"`
	SlidingWindowAt      string        `envconfig:"SLIDING_WINDOW_AT" default:"23:00" validate:"datetime=15:04"`

	FarmCalendarURL    string        `envconfig:"FARM_CALENDAR_URL" validate:"omitempty,url"`
	GatekeeperURL      string        `envconfig:"GATEKEEPER_URL" validate:"required_with=FarmCalendarURL"`
	GatekeeperUser     string        `envconfig:"GATEKEEPER_USER" validate:"required_with=FarmCalendarURL"`
	GatekeeperPassword string        `envconfig:"GATEKEEPER_PASSWORD" validate:"required_with=FarmCalendarURL"`
	PushTHI            bool          `envconfig:"PUSH_THI" default:"false"`
	PushFlightForecast bool          `envconfig:"PUSH_FLIGHT_FORECAST" default:"false"`
	PushSprayForecast  bool          `envconfig:"PUSH_SPRAY_FORECAST" default:"false"`
	THIInterval        time.Duration `envconfig:"THI_INTERVAL" default:"8h" validate:"gt=0"`
	ForecastInterval   time.Duration `envconfig:"FORECAST_INTERVAL" default:"24h" validate:"gt=0"`

	// JWTKey enables bearer authentication on /api when set.
	JWTKey     string `envconfig:"JWT_KEY"`
	UAVCSVPath string `envconfig:"UAV_CSV_PATH"`

	HourlyVariables []string  `envconfig:"OM_HOURLY_VARIABLES" default:"temperature_2m,relative_humidity_2m,precipitation,wind_speed_10m" validate:"min=1"`
	DailyVariables  []string  `envconfig:"OM_DAILY_VARIABLES" default:"temperature_2m_max,temperature_2m_min,precipitation_sum,wind_speed_10m_max" validate:"min=1"`
	Locations       Locations `envconfig:"WEATHER_LOCATIONS" validate:"dive"`
}

// PushesEnabled reports whether any farm calendar push is switched on.
func (c *AppConfig) PushesEnabled() bool {
	return c.PushTHI || c.PushFlightForecast || c.PushSprayForecast
}

// Locations is a seed list of cached locations written as name:lat:lon
// entries separated by semicolons. The name may be empty.
type Locations []weather.LocationInput

// Decode implements envconfig.Decoder.
func (l *Locations) Decode(value string) error {
	var out Locations
	for _, entry := range strings.Split(value, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) != 3 {
			return fmt.Errorf("location %q: want name:lat:lon", entry)
		}
		lat, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
		if err != nil {
			return fmt.Errorf("location %q: invalid latitude: %w", entry, err)
		}
		lon, err := strconv.ParseFloat(strings.TrimSpace(parts[2]), 64)
		if err != nil {
			return fmt.Errorf("location %q: invalid longitude: %w", entry, err)
		}
		out = append(out, weather.LocationInput{Name: strings.TrimSpace(parts[0]), Lat: lat, Lon: lon})
	}
	*l = out
	return nil
}

// Load reads configuration from the environment and an optional .env file.
func Load() (*AppConfig, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("process environment: %w", err)
	}
	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.WeatherAPIKey == "" && (cfg.WeatherProvider == "weatherapi" || cfg.ForecastProvider == "weatherapi") {
		return nil, errors.New("invalid configuration: WEATHERAPI_API_KEY is required for the weatherapi provider")
	}
	if cfg.PushesEnabled() && cfg.FarmCalendarURL == "" {
		return nil, errors.New("invalid configuration: FARM_CALENDAR_URL is required when a PUSH_* flag is set")
	}
	return &cfg, nil
}
