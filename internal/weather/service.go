package weather

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/i474232898/agroweather/internal/lock"
	"github.com/i474232898/agroweather/internal/suitability"
)

// HistoryVariables are the upstream variables kept in cached history.
type HistoryVariables struct {
	Hourly []string
	Daily  []string
}

// LocationNamer names unnamed cached locations.
type LocationNamer interface {
	Name(ctx context.Context, lat, lon float64) (string, error)
}

// Service reconciles cached weather artifacts with upstream providers.
type Service struct {
	store     Store
	cache     *SpatialCache
	forecast  ForecastSource
	providers ProviderRegistry
	history   string
	guard     lock.Guard
	logger    *zap.Logger

	freshness      Freshness
	clock          func() time.Time
	variables      HistoryVariables
	locationRadius float64
	namer          LocationNamer
}

// Option customizes a Service.
type Option func(*Service)

// WithGuard sets the per-key guard. Defaults to an in-process guard.
func WithGuard(g lock.Guard) Option { return func(s *Service) { s.guard = g } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.clock = now } }

// WithFreshness overrides DefaultFreshness.
func WithFreshness(f Freshness) Option { return func(s *Service) { s.freshness = f } }

// WithHistoryVariables sets the variables cached for registered locations.
func WithHistoryVariables(v HistoryVariables) Option { return func(s *Service) { s.variables = v } }

// WithLocationRadius sets the radius in meters under which two cached locations are the same.
func WithLocationRadius(m float64) Option { return func(s *Service) { s.locationRadius = m } }

// WithNamer names unnamed locations on registration.
func WithNamer(n LocationNamer) Option { return func(s *Service) { s.namer = n } }

// NewService creates a new Service. historyProvider is the registry key used
// for history and generic forecasts when a query names no source.
func NewService(store Store, forecast ForecastSource, providers ProviderRegistry, historyProvider string, logger *zap.Logger, opts ...Option) *Service {
	s := &Service{
		store:          store,
		forecast:       forecast,
		providers:      providers,
		history:        historyProvider,
		logger:         logger,
		freshness:      DefaultFreshness,
		clock:          time.Now,
		locationRadius: 1000,
		variables: HistoryVariables{
			Hourly: []string{"temperature_2m", "relative_humidity_2m", "precipitation", "wind_speed_10m"},
			Daily:  []string{"temperature_2m_max", "temperature_2m_min", "precipitation_sum", "wind_speed_10m_max"},
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.guard == nil {
		s.guard = lock.NewLocal(0)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	s.cache = NewSpatialCache(store, s.freshness, s.clock)
	return s
}

// Cache exposes the spatial cache used by the service.
func (s *Service) Cache() *SpatialCache { return s.cache }

func (s *Service) now() time.Time { return s.cache.Now() }

// guarded runs fn under the per-key guard and maps guard timeouts.
func (s *Service) guarded(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	err := s.guard.Do(ctx, key, fn)
	if errors.Is(err, lock.ErrTimeout) {
		return fmt.Errorf("%w: %s", ErrConcurrentWrite, key)
	}
	return err
}

// GetWeatherForecast5Days returns fresh predictions for the coordinate,
// fetching and persisting a new 5-day forecast on a miss.
func (s *Service) GetWeatherForecast5Days(ctx context.Context, lat, lon float64) ([]Prediction, error) {
	var result []Prediction

	err := s.guarded(ctx, "forecast5:"+CoordinateKey(lat, lon), func(ctx context.Context) error {
		point, err := s.cache.FindOrCreatePoint(ctx, lat, lon)
		if err != nil {
			return err
		}

		cached, err := s.cache.FreshPredictions(ctx, point)
		if err != nil {
			return fmt.Errorf("find predictions: %w", err)
		}
		if len(cached) > 0 {
			s.logger.Debug("forecast cache hit", zap.Float64("lat", lat), zap.Float64("lon", lon), zap.Int("count", len(cached)))
			result = cached
			return nil
		}

		slots, err := s.forecast.ForecastSlots(ctx, lat, lon)
		if err != nil {
			return fmt.Errorf("fetch 5-day forecast: %w", err)
		}

		preds := s.predictionsFromSlots(point, slots)
		if len(preds) == 0 {
			return fmt.Errorf("%w: forecast for %s has no measurements", ErrNotFound, point.Location.Key())
		}
		if err := s.store.InsertPredictions(ctx, preds); err != nil {
			return fmt.Errorf("store predictions: %w", err)
		}
		s.logger.Info("stored forecast predictions", zap.String("point", point.ID), zap.Int("count", len(preds)))
		result = preds
		return nil
	})
	if err != nil {
		return nil, err
	}

	sortPredictions(result)
	return result, nil
}

func (s *Service) predictionsFromSlots(point Point, slots []Observation) []Prediction {
	now := s.now()
	source := s.forecast.Name()

	var preds []Prediction
	for _, slot := range slots {
		for _, mt := range measurementTypes {
			v, ok := slot.Values[mt]
			if !ok || v == nil {
				continue
			}
			preds = append(preds, Prediction{
				ID:              uuid.NewString(),
				PointID:         point.ID,
				Location:        point.Location,
				Value:           *v,
				Timestamp:       slot.Timestamp.UTC(),
				Source:          source,
				DataType:        "prediction",
				MeasurementType: mt,
				CreatedAt:       now,
			})
		}
	}
	return preds
}

var measurementTypes = []string{
	MeasurementTemperature,
	MeasurementHumidity,
	MeasurementWindSpeed,
	MeasurementWindDirection,
	MeasurementPrecipitation,
	MeasurementRainfall3h,
}

// GetCurrentWeather returns a fresh snapshot with THI for the coordinate.
func (s *Service) GetCurrentWeather(ctx context.Context, lat, lon float64) (WeatherData, error) {
	var result WeatherData

	err := s.guarded(ctx, "weather:"+CoordinateKey(lat, lon), func(ctx context.Context) error {
		point, err := s.cache.FindOrCreatePoint(ctx, lat, lon)
		if err != nil {
			return err
		}

		cached, err := s.cache.FreshWeatherData(ctx, point)
		if err == nil {
			result = cached
			return nil
		}
		if !errors.Is(err, ErrNotFound) {
			return fmt.Errorf("find weather data: %w", err)
		}

		cur, err := s.forecast.CurrentConditions(ctx, lat, lon)
		if err != nil {
			return fmt.Errorf("fetch current conditions: %w", err)
		}

		wd := WeatherData{
			ID:        uuid.NewString(),
			PointID:   point.ID,
			Location:  point.Location,
			Data:      cur.Raw,
			THI:       suitability.THI(cur.Temperature, cur.Humidity),
			Source:    s.forecast.Name(),
			CreatedAt: s.now(),
		}
		if err := s.store.InsertWeatherData(ctx, wd); err != nil {
			return fmt.Errorf("store weather data: %w", err)
		}
		result = wd
		return nil
	})
	return result, err
}

// THIReading is the temperature-humidity index at a point.
type THIReading struct {
	ID        string    `json:"id"`
	PointID   string    `json:"spatial_entity"`
	Value     float64   `json:"thi"`
	Unit      string    `json:"unit"`
	Timestamp time.Time `json:"timestamp"`
}

// GetTHI returns the THI derived from the current snapshot.
func (s *Service) GetTHI(ctx context.Context, lat, lon float64) (THIReading, error) {
	wd, err := s.GetCurrentWeather(ctx, lat, lon)
	if err != nil {
		return THIReading{}, err
	}
	return THIReading{ID: wd.ID, PointID: wd.PointID, Value: wd.THI, Unit: "none", Timestamp: wd.CreatedAt}, nil
}

// resolveModels loads the named UAV models, or every model when names is empty.
func (s *Service) resolveModels(ctx context.Context, names []string) ([]UAVModel, error) {
	models, err := s.store.ListUAVModels(ctx, names)
	if err != nil {
		return nil, fmt.Errorf("list uav models: %w", err)
	}
	if len(names) == 0 {
		if len(models) == 0 {
			return nil, fmt.Errorf("%w: no UAV models loaded", ErrNotFound)
		}
		return models, nil
	}

	known := make(map[string]bool, len(models))
	for _, m := range models {
		known[m.Model] = true
	}
	var missing []string
	for _, n := range names {
		if !known[n] {
			missing = append(missing, n)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, &UnknownEquipmentError{Models: missing}
	}
	return models, nil
}

// EnsureForecastForUAVs makes sure every requested model has a flight status
// for every future slot at the location. Models lacking coverage share a
// single upstream fetch. With returnExisting false only new statuses are returned.
func (s *Service) EnsureForecastForUAVs(ctx context.Context, lat, lon float64, models []string, returnExisting bool) ([]FlyStatus, error) {
	uavs, err := s.resolveModels(ctx, models)
	if err != nil {
		return nil, err
	}

	var result []FlyStatus
	err = s.guarded(ctx, "flight:"+CoordinateKey(lat, lon), func(ctx context.Context) error {
		point, err := s.cache.FindOrCreatePoint(ctx, lat, lon)
		if err != nil {
			return err
		}

		existing, err := s.cache.FutureFlyStatuses(ctx, point.Location, nil)
		if err != nil {
			return fmt.Errorf("find fly statuses: %w", err)
		}

		covered, missing := partitionCoverage(uavs, existing)
		if len(missing) == 0 {
			s.logger.Debug("flight forecast cache hit", zap.String("point", point.ID), zap.Int("models", len(uavs)))
			if returnExisting {
				result = covered
			}
			return nil
		}

		slots, err := s.forecast.ForecastSlots(ctx, lat, lon)
		if err != nil {
			return fmt.Errorf("fetch 5-day forecast: %w", err)
		}

		fresh, err := s.evaluateFlights(point, missing, slots)
		if err != nil {
			return err
		}
		if err := s.store.UpsertFlyStatuses(ctx, fresh); err != nil {
			return fmt.Errorf("store fly statuses: %w", err)
		}
		s.logger.Info("stored flight forecast",
			zap.String("point", point.ID), zap.Int("models", len(missing)), zap.Int("count", len(fresh)))

		result = fresh
		if returnExisting {
			result = append(covered, fresh...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sortFlyStatuses(result)
	return result, nil
}

// partitionCoverage splits models into those whose statuses cover every
// known future slot at the location and those that need a fetch.
func partitionCoverage(uavs []UAVModel, existing []FlyStatus) ([]FlyStatus, []UAVModel) {
	slots := make(map[int64]bool)
	byModel := make(map[string][]FlyStatus)
	for _, st := range existing {
		slots[st.Timestamp.Unix()] = true
		byModel[st.UAVModel] = append(byModel[st.UAVModel], st)
	}

	var covered []FlyStatus
	var missing []UAVModel
	for _, u := range uavs {
		statuses := byModel[u.Model]
		if len(statuses) == 0 {
			missing = append(missing, u)
			continue
		}
		have := make(map[int64]bool, len(statuses))
		for _, st := range statuses {
			have[st.Timestamp.Unix()] = true
		}
		complete := true
		for ts := range slots {
			if !have[ts] {
				complete = false
				break
			}
		}
		if complete {
			covered = append(covered, statuses...)
		} else {
			missing = append(missing, u)
		}
	}
	return covered, missing
}

func (s *Service) evaluateFlights(point Point, uavs []UAVModel, slots []Observation) ([]FlyStatus, error) {
	now := s.now()
	source := s.forecast.Name()

	var out []FlyStatus
	for _, slot := range slots {
		if !slot.Timestamp.After(now) {
			continue
		}
		params, err := flightParams(source, slot)
		if err != nil {
			return nil, err
		}
		sample := suitability.FlightSample{
			Temperature:              params.Temperature,
			WindSpeed:                params.Wind,
			PrecipitationProbability: params.Precipitation,
			RainRate:                 params.Rain,
		}
		for _, u := range uavs {
			out = append(out, FlyStatus{
				ID:            uuid.NewString(),
				UAVModel:      u.Model,
				Location:      point.Location,
				Timestamp:     slot.Timestamp.UTC(),
				Status:        suitability.EvaluateFlight(u.Equipment(), sample),
				WeatherParams: params,
				Source:        source,
				CreatedAt:     now,
			})
		}
	}
	return out, nil
}

func flightParams(source string, slot Observation) (FlightParams, error) {
	temp, err := requireValue(source, slot, MeasurementTemperature)
	if err != nil {
		return FlightParams{}, err
	}
	wind, err := requireValue(source, slot, MeasurementWindSpeed)
	if err != nil {
		return FlightParams{}, err
	}
	return FlightParams{
		Temperature:   temp,
		Wind:          wind,
		Precipitation: valueOr(slot, MeasurementPrecipitation, 0),
		// rainfall over the 3h slot as an hourly rate
		Rain: valueOr(slot, MeasurementRainfall3h, 0) / 3,
	}, nil
}

func requireValue(source string, slot Observation, key string) (float64, error) {
	v, ok := slot.Values[key]
	if !ok || v == nil {
		return 0, &InvalidUpstreamDataError{
			Provider: source,
			Reason:   fmt.Sprintf("slot %s has no %s", slot.Timestamp.UTC().Format(time.RFC3339), key),
		}
	}
	return *v, nil
}

func valueOr(slot Observation, key string, def float64) float64 {
	if v, ok := slot.Values[key]; ok && v != nil {
		return *v
	}
	return def
}

// GetFlightForecastForAllUAVs returns flight statuses for the requested models
// (all models when empty), optionally restricted to the given statuses.
func (s *Service) GetFlightForecastForAllUAVs(ctx context.Context, lat, lon float64, models, statusFilter []string) ([]FlyStatus, error) {
	allowed := make(map[suitability.FlightStatus]bool, len(statusFilter))
	for _, raw := range statusFilter {
		st, err := suitability.ParseFlightStatus(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
		}
		allowed[st] = true
	}

	statuses, err := s.EnsureForecastForUAVs(ctx, lat, lon, models, true)
	if err != nil {
		return nil, err
	}
	if len(allowed) == 0 {
		return statuses, nil
	}

	filtered := make([]FlyStatus, 0, len(statuses))
	for _, st := range statuses {
		if allowed[st.Status] {
			filtered = append(filtered, st)
		}
	}
	return filtered, nil
}

// GetFlightForecastForUAV returns flight statuses for a single model.
func (s *Service) GetFlightForecastForUAV(ctx context.Context, lat, lon float64, model string) ([]FlyStatus, error) {
	if model == "" {
		return nil, fmt.Errorf("%w: uav model is required", ErrInvalidArgument)
	}
	return s.EnsureForecastForUAVs(ctx, lat, lon, []string{model}, true)
}

// EnsureSprayForecast returns future spray verdicts for the location,
// computing them from a fresh forecast when none exist. With returnExisting
// false a cache hit yields nothing.
func (s *Service) EnsureSprayForecast(ctx context.Context, lat, lon float64, returnExisting bool) ([]SprayForecast, error) {
	var result []SprayForecast

	err := s.guarded(ctx, "spray:"+CoordinateKey(lat, lon), func(ctx context.Context) error {
		point, err := s.cache.FindOrCreatePoint(ctx, lat, lon)
		if err != nil {
			return err
		}

		existing, err := s.cache.FutureSprayForecasts(ctx, point.Location)
		if err != nil {
			return fmt.Errorf("find spray forecasts: %w", err)
		}
		if len(existing) > 0 {
			if returnExisting {
				result = existing
			}
			return nil
		}

		slots, err := s.forecast.ForecastSlots(ctx, lat, lon)
		if err != nil {
			return fmt.Errorf("fetch 5-day forecast: %w", err)
		}

		fresh, err := s.evaluateSpray(point, slots)
		if err != nil {
			return err
		}
		if err := s.store.UpsertSprayForecasts(ctx, fresh); err != nil {
			return fmt.Errorf("store spray forecasts: %w", err)
		}
		s.logger.Info("stored spray forecast", zap.String("point", point.ID), zap.Int("count", len(fresh)))
		result = fresh
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(result, func(i, j int) bool { return result[i].Timestamp.Before(result[j].Timestamp) })
	return result, nil
}

func (s *Service) evaluateSpray(point Point, slots []Observation) ([]SprayForecast, error) {
	now := s.now()
	source := s.forecast.Name()

	var out []SprayForecast
	for _, slot := range slots {
		if !slot.Timestamp.After(now) {
			continue
		}
		temp, err := requireValue(source, slot, MeasurementTemperature)
		if err != nil {
			return nil, err
		}
		humidity, err := requireValue(source, slot, MeasurementHumidity)
		if err != nil {
			return nil, err
		}
		wind, err := requireValue(source, slot, MeasurementWindSpeed)
		if err != nil {
			return nil, err
		}

		overall, detail := suitability.EvaluateSpray(suitability.SprayInput{
			Temperature:   temp,
			WindKmh:       suitability.MsToKmh(wind),
			Precipitation: valueOr(slot, MeasurementRainfall3h, 0),
			Humidity:      humidity,
			DeltaT:        suitability.DeltaT(temp, humidity),
		})
		out = append(out, SprayForecast{
			ID:              uuid.NewString(),
			Location:        point.Location,
			Timestamp:       slot.Timestamp.UTC(),
			Source:          source,
			SprayConditions: overall,
			DetailedStatus:  detail,
			CreatedAt:       now,
		})
	}
	return out, nil
}

// GetSprayForecast returns the spray verdicts for every future slot.
func (s *Service) GetSprayForecast(ctx context.Context, lat, lon float64) ([]SprayForecast, error) {
	return s.EnsureSprayForecast(ctx, lat, lon, true)
}

// ForecastQuery selects a generic forecast document.
type ForecastQuery struct {
	Lat       float64
	Lon       float64
	Start     time.Time
	End       time.Time
	Variables []string
	Source    string
	RadiusKm  float64
}

// ForecastHorizonHours is the span covered by generic forecast documents.
const ForecastHorizonHours = 120

// GetForecast returns a fresh forecast document within the query radius that
// carries every requested variable, fetching a new one otherwise.
func (s *Service) GetForecast(ctx context.Context, q ForecastQuery) (ForecastDoc, error) {
	if len(q.Variables) == 0 {
		return ForecastDoc{}, fmt.Errorf("%w: at least one variable is required", ErrInvalidArgument)
	}
	if q.Source == "" {
		q.Source = s.history
	}
	provider, err := s.providers.Provider(q.Source)
	if err != nil {
		return ForecastDoc{}, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}

	var result ForecastDoc
	err = s.guarded(ctx, "forecastdoc:"+CoordinateKey(q.Lat, q.Lon), func(ctx context.Context) error {
		cached, err := s.cache.LatestForecastNear(ctx, q.Lat, q.Lon, q.RadiusKm)
		switch {
		case err == nil && cached.Source == provider.Name() && hasAll(cached.Variables, q.Variables):
			s.logger.Debug("forecast document cache hit", zap.String("id", cached.ID))
			result = cached
			return nil
		case err != nil && !errors.Is(err, ErrNotFound):
			return fmt.Errorf("find forecast document: %w", err)
		}

		obs, err := provider.Forecast5d(ctx, q.Lat, q.Lon, q.Start, q.End, q.Variables)
		if err != nil {
			return fmt.Errorf("fetch forecast: %w", err)
		}
		if len(obs) == 0 {
			return fmt.Errorf("%w: no forecast data for location", ErrNotFound)
		}

		doc := ForecastDoc{
			ID:           uuid.NewString(),
			Location:     NewGeoPoint(q.Lat, q.Lon),
			Source:       provider.Name(),
			Variables:    q.Variables,
			HorizonHours: ForecastHorizonHours,
			Observations: obs,
			CreatedAt:    s.now(),
		}
		if err := s.store.InsertForecastDoc(ctx, doc); err != nil {
			return fmt.Errorf("store forecast document: %w", err)
		}
		result = doc
		return nil
	})
	return result, err
}

func hasAll(have, want []string) bool {
	set := make(map[string]bool, len(have))
	for _, v := range have {
		set[v] = true
	}
	for _, v := range want {
		if !set[v] {
			return false
		}
	}
	return true
}

func sortPredictions(p []Prediction) {
	sort.SliceStable(p, func(i, j int) bool {
		if !p[i].Timestamp.Equal(p[j].Timestamp) {
			return p[i].Timestamp.Before(p[j].Timestamp)
		}
		return p[i].MeasurementType < p[j].MeasurementType
	})
}

func sortFlyStatuses(st []FlyStatus) {
	sort.SliceStable(st, func(i, j int) bool {
		if st[i].UAVModel != st[j].UAVModel {
			return st[i].UAVModel < st[j].UAVModel
		}
		return st[i].Timestamp.Before(st[j].Timestamp)
	})
}
