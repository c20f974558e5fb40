package weather_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/i474232898/agroweather/internal/store"
	"github.com/i474232898/agroweather/internal/weather"
)

var testNow = time.Date(2026, 10, 16, 10, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type mockSource struct {
	mock.Mock
}

func (m *mockSource) Name() string { return "mocksource" }

func (m *mockSource) ForecastSlots(_ context.Context, lat, lon float64) ([]weather.Observation, error) {
	args := m.Called(lat, lon)
	obs, _ := args.Get(0).([]weather.Observation)
	return obs, args.Error(1)
}

func (m *mockSource) CurrentConditions(_ context.Context, lat, lon float64) (weather.CurrentConditions, error) {
	args := m.Called(lat, lon)
	cur, _ := args.Get(0).(weather.CurrentConditions)
	return cur, args.Error(1)
}

type mockProvider struct {
	mock.Mock
}

func (m *mockProvider) Name() string { return "mockprovider" }

func (m *mockProvider) HourlyHistory(_ context.Context, lat, lon float64, start, end time.Time, variables []string) ([]weather.Observation, error) {
	args := m.Called(lat, lon, start, end, variables)
	obs, _ := args.Get(0).([]weather.Observation)
	return obs, args.Error(1)
}

func (m *mockProvider) DailyHistory(_ context.Context, lat, lon float64, start, end time.Time, variables []string) ([]weather.Observation, error) {
	args := m.Called(lat, lon, start, end, variables)
	obs, _ := args.Get(0).([]weather.Observation)
	return obs, args.Error(1)
}

func (m *mockProvider) Forecast5d(_ context.Context, lat, lon float64, start, end time.Time, variables []string) ([]weather.Observation, error) {
	args := m.Called(lat, lon, start, end, variables)
	obs, _ := args.Get(0).([]weather.Observation)
	return obs, args.Error(1)
}

func (m *mockProvider) CurrentConditions(_ context.Context, lat, lon float64) (weather.CurrentConditions, error) {
	args := m.Called(lat, lon)
	cur, _ := args.Get(0).(weather.CurrentConditions)
	return cur, args.Error(1)
}

type registry map[string]weather.Provider

func (r registry) Provider(name string) (weather.Provider, error) {
	p, ok := r[name]
	if !ok {
		return nil, fmt.Errorf("provider %q: %w", name, weather.ErrInvalidArgument)
	}
	return p, nil
}

type fixture struct {
	svc      *weather.Service
	store    *store.MemoryStore
	source   *mockSource
	provider *mockProvider
	clock    *fakeClock
}

func newFixture(t *testing.T, opts ...weather.Option) *fixture {
	t.Helper()
	f := &fixture{
		store:    store.NewMemoryStore(0, 0),
		source:   &mockSource{},
		provider: &mockProvider{},
		clock:    &fakeClock{t: testNow},
	}
	opts = append([]weather.Option{weather.WithClock(f.clock.Now)}, opts...)
	f.svc = weather.NewService(f.store, f.source, registry{"mockprovider": f.provider}, "mockprovider", nil, opts...)
	return f
}

func val(v float64) *float64 { return &v }

func slot(ts time.Time, temp, humidity, wind, pop, rain3h float64) weather.Observation {
	return weather.Observation{Timestamp: ts, Values: map[string]*float64{
		weather.MeasurementTemperature:   val(temp),
		weather.MeasurementHumidity:      val(humidity),
		weather.MeasurementWindSpeed:     val(wind),
		weather.MeasurementWindDirection: val(180),
		weather.MeasurementPrecipitation: val(pop),
		weather.MeasurementRainfall3h:    val(rain3h),
	}}
}

// forecastSlots holds one past slot and three future slots relative to testNow.
func forecastSlots() []weather.Observation {
	day := time.Date(2026, 10, 16, 0, 0, 0, 0, time.UTC)
	return []weather.Observation{
		slot(day.Add(9*time.Hour), 18, 60, 4, 0, 0),
		slot(day.Add(12*time.Hour), 20, 50, 5, 0.1, 0),
		slot(day.Add(15*time.Hour), 22, 55, 7, 0.8, 1.5),
		slot(day.Add(18*time.Hour), 38, 30, 3, 0, 0),
	}
}

const uavCSV = "\ufeffModel,Manufacturer,Min. operating temp,Max. operating temp,Max. wind speed resistance,Precipitation tolerance\n" +
	"Alpha,Acme,-10,40,12,5\n" +
	"Bravo,Acme,0,35,8,0\n" +
	"Charlie,Skyworks,5,30,15,2\n"

func seedUAVs(t *testing.T, f *fixture) {
	t.Helper()
	models, err := weather.LoadUAVModelsCSV(strings.NewReader(uavCSV))
	require.NoError(t, err)
	require.NoError(t, f.store.InsertUAVModels(context.Background(), models))
}
