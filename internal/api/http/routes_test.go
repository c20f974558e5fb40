package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/i474232898/agroweather/internal/store"
	"github.com/i474232898/agroweather/internal/weather"
)

var testNow = time.Date(2026, 10, 16, 10, 0, 0, 0, time.UTC)

func val(v float64) *float64 { return &v }

type fakeSource struct {
	mu      sync.Mutex
	calls   int
	err     error
	current weather.CurrentConditions
}

func (f *fakeSource) Name() string { return "fakesource" }

func (f *fakeSource) ForecastSlots(context.Context, float64, float64) ([]weather.Observation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	day := time.Date(2026, 10, 16, 0, 0, 0, 0, time.UTC)
	var slots []weather.Observation
	for _, h := range []int{12, 15, 18} {
		slots = append(slots, weather.Observation{Timestamp: day.Add(time.Duration(h) * time.Hour), Values: map[string]*float64{
			weather.MeasurementTemperature:   val(20),
			weather.MeasurementHumidity:      val(55),
			weather.MeasurementWindSpeed:     val(3),
			weather.MeasurementWindDirection: val(90),
			weather.MeasurementPrecipitation: val(0),
			weather.MeasurementRainfall3h:    val(0),
		}})
	}
	return slots, nil
}

func (f *fakeSource) CurrentConditions(context.Context, float64, float64) (weather.CurrentConditions, error) {
	if f.err != nil {
		return weather.CurrentConditions{}, f.err
	}
	return f.current, nil
}

type fakeProvider struct {
	err error
}

func (p *fakeProvider) Name() string { return "fakeprovider" }

func (p *fakeProvider) series(start, end time.Time, step time.Duration, variables []string) ([]weather.Observation, error) {
	if p.err != nil {
		return nil, p.err
	}
	var obs []weather.Observation
	for ts := start; !ts.After(end); ts = ts.Add(step) {
		values := make(map[string]*float64, len(variables))
		for _, v := range variables {
			values[v] = val(1)
		}
		obs = append(obs, weather.Observation{Timestamp: ts, Values: values})
	}
	return obs, nil
}

func (p *fakeProvider) HourlyHistory(_ context.Context, _, _ float64, start, end time.Time, variables []string) ([]weather.Observation, error) {
	return p.series(start, end.Add(23*time.Hour), time.Hour, variables)
}

func (p *fakeProvider) DailyHistory(_ context.Context, _, _ float64, start, end time.Time, variables []string) ([]weather.Observation, error) {
	return p.series(start, end, 24*time.Hour, variables)
}

func (p *fakeProvider) Forecast5d(_ context.Context, _, _ float64, start, _ time.Time, variables []string) ([]weather.Observation, error) {
	return p.series(start, start.Add(6*time.Hour), 3*time.Hour, variables)
}

func (p *fakeProvider) CurrentConditions(context.Context, float64, float64) (weather.CurrentConditions, error) {
	return weather.CurrentConditions{}, weather.ErrUnsupported
}

type registry struct{ p *fakeProvider }

func (r registry) Provider(name string) (weather.Provider, error) {
	if name != r.p.Name() {
		return nil, fmt.Errorf("provider %q: %w", name, weather.ErrInvalidArgument)
	}
	return r.p, nil
}

type fakeScheduler struct {
	added   []string
	removed []string
}

func (s *fakeScheduler) AddLocation(loc weather.CachedLocation) error {
	s.added = append(s.added, loc.ID)
	return nil
}

func (s *fakeScheduler) RemoveLocation(id string) error {
	s.removed = append(s.removed, id)
	return nil
}

const uavCSV = "Model,Manufacturer,Min. operating temp,Max. operating temp,Max. wind speed resistance,Precipitation tolerance\n" +
	"Alpha,Acme,-10,40,12,5\n" +
	"Bravo,Acme,0,35,8,0\n"

type testApp struct {
	app      *fiber.App
	source   *fakeSource
	provider *fakeProvider
	sched    *fakeScheduler
}

func newTestApp(t *testing.T, jwtKey string) *testApp {
	t.Helper()
	ta := &testApp{
		source:   &fakeSource{current: weather.CurrentConditions{Temperature: 30, Humidity: 60, Raw: map[string]any{"temp": 30.0}}},
		provider: &fakeProvider{},
		sched:    &fakeScheduler{},
	}
	svc := weather.NewService(store.NewMemoryStore(0, 0), ta.source, registry{ta.provider}, "fakeprovider", zap.NewNop(),
		weather.WithClock(func() time.Time { return testNow }))
	_, err := svc.SeedUAVModels(context.Background(), strings.NewReader(uavCSV))
	require.NoError(t, err)

	ta.app = fiber.New(fiber.Config{ErrorHandler: ErrorHandler})
	RegisterRoutes(ta.app, Deps{Service: svc, Scheduler: ta.sched, Logger: zap.NewNop(), JWTKey: jwtKey})
	return ta
}

func (ta *testApp) do(t *testing.T, method, target, body string, headers ...string) (int, []byte) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := ta.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, raw
}

func decode[T any](t *testing.T, raw []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v), string(raw))
	return v
}

func TestCoordinateValidation(t *testing.T) {
	ta := newTestApp(t, "")

	for _, target := range []string{
		"/api/data/forecast5",
		"/api/data/forecast5?lat=38",
		"/api/data/forecast5?lat=91&lon=21",
		"/api/data/thi?lat=38&lon=181",
		"/api/data/spray_forecast?lat=abc&lon=21",
	} {
		code, raw := ta.do(t, http.MethodGet, target, "")
		assert.Equal(t, http.StatusBadRequest, code, target)
		body := decode[map[string]any](t, raw)
		assert.Equal(t, true, body["error"])
		assert.NotEmpty(t, body["message"])
	}
	assert.Zero(t, ta.source.calls)
}

func TestForecast5(t *testing.T) {
	ta := newTestApp(t, "")

	code, raw := ta.do(t, http.MethodGet, "/api/data/forecast5?lat=38.25&lon=21.74", "")
	require.Equal(t, http.StatusOK, code, string(raw))
	preds := decode[[]map[string]any](t, raw)
	assert.NotEmpty(t, preds)
	assert.Equal(t, "fakesource", preds[0]["source"])

	code, raw = ta.do(t, http.MethodGet, "/api/linkeddata/forecast5?lat=38.25&lon=21.74", "")
	require.Equal(t, http.StatusOK, code, string(raw))
	doc := decode[map[string]any](t, raw)
	assert.NotEmpty(t, doc["@context"])
	assert.Len(t, doc["@graph"], 3)
	assert.Equal(t, 1, ta.source.calls)
}

func TestTHIAndWeather(t *testing.T) {
	ta := newTestApp(t, "")

	code, raw := ta.do(t, http.MethodGet, "/api/data/thi?lat=38.25&lon=21.74", "")
	require.Equal(t, http.StatusOK, code, string(raw))
	reading := decode[map[string]any](t, raw)
	assert.Equal(t, 79.76, reading["thi"])
	assert.Equal(t, "none", reading["unit"])

	code, raw = ta.do(t, http.MethodGet, "/api/data/weather?lat=38.25&lon=21.74", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 79.76, decode[map[string]any](t, raw)["thi"])

	code, raw = ta.do(t, http.MethodGet, "/api/linkeddata/thi?lat=38.25&lon=21.74", "")
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, decode[map[string]any](t, raw)["@graph"], 2)
}

func TestFlightForecast(t *testing.T) {
	ta := newTestApp(t, "")

	code, raw := ta.do(t, http.MethodGet, "/api/data/flight_forecast5?lat=38.25&lon=21.74&uavmodels=Alpha,Bravo", "")
	require.Equal(t, http.StatusOK, code, string(raw))
	assert.Len(t, decode[[]map[string]any](t, raw), 6)

	code, raw = ta.do(t, http.MethodGet, "/api/data/flight_forecast5/Bravo?lat=38.25&lon=21.74", "")
	require.Equal(t, http.StatusOK, code, string(raw))
	for _, st := range decode[[]map[string]any](t, raw) {
		assert.Equal(t, "Bravo", st["uav_model"])
	}

	code, raw = ta.do(t, http.MethodGet, "/api/linkeddata/flight_forecast5?lat=38.25&lon=21.74&uavmodels=Alpha&status_filter=OK", "")
	require.Equal(t, http.StatusOK, code, string(raw))
	assert.Len(t, decode[map[string]any](t, raw)["@graph"], 4)

	code, _ = ta.do(t, http.MethodGet, "/api/data/flight_forecast5?lat=38.25&lon=21.74&status_filter=GROUNDED", "")
	assert.Equal(t, http.StatusBadRequest, code)

	code, raw = ta.do(t, http.MethodGet, "/api/data/flight_forecast5/Ghost%20Drone?lat=38.25&lon=21.74", "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Contains(t, string(raw), "Ghost Drone")
}

func TestSprayForecast(t *testing.T) {
	ta := newTestApp(t, "")

	code, raw := ta.do(t, http.MethodGet, "/api/data/spray_forecast?lat=38.25&lon=21.74", "")
	require.Equal(t, http.StatusOK, code, string(raw))
	forecasts := decode[[]map[string]any](t, raw)
	require.Len(t, forecasts, 3)
	assert.NotEmpty(t, forecasts[0]["spray_conditions"])

	code, raw = ta.do(t, http.MethodGet, "/api/linkeddata/spray_forecast?lat=38.25&lon=21.74", "")
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, decode[map[string]any](t, raw)["@graph"], 4)
}

func TestUpstreamErrorMapping(t *testing.T) {
	cases := map[error]int{
		&weather.ProviderStatusError{Provider: "fakesource", StatusCode: http.StatusServiceUnavailable}: http.StatusBadGateway,
		&weather.ProviderConnectivityError{Provider: "fakesource", Err: context.DeadlineExceeded}:      http.StatusBadGateway,
		&weather.InvalidUpstreamDataError{Provider: "fakesource", Reason: "missing list"}:              http.StatusUnprocessableEntity,
	}
	for upstream, want := range cases {
		ta := newTestApp(t, "")
		ta.source.err = upstream
		code, raw := ta.do(t, http.MethodGet, "/api/data/forecast5?lat=1&lon=2", "")
		assert.Equal(t, want, code, string(raw))
	}
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusConflict, statusFor(fmt.Errorf("write: %w", weather.ErrConcurrentWrite)))
	assert.Equal(t, http.StatusNotFound, statusFor(&weather.UnknownEquipmentError{Models: []string{"X"}}))
	assert.Equal(t, http.StatusBadRequest, statusFor(weather.ErrInvalidArgument))
	assert.Equal(t, http.StatusNotImplemented, statusFor(weather.ErrUnsupported))
	assert.Equal(t, http.StatusTeapot, statusFor(fiber.NewError(http.StatusTeapot)))
	assert.Equal(t, http.StatusInternalServerError, statusFor(errors.New("boom")))
}

func TestGenericForecast(t *testing.T) {
	ta := newTestApp(t, "")

	code, raw := ta.do(t, http.MethodGet, "/api/v1/weather/forecast5?lat=38.25&lon=21.74&variables=temperature_2m&variables=wind_speed_10m&source=fakeprovider&start=2026-10-16&end=2026-10-18", "")
	require.Equal(t, http.StatusOK, code, string(raw))
	doc := decode[map[string]any](t, raw)
	assert.Equal(t, "fakeprovider", doc["source"])
	assert.Equal(t, float64(weather.ForecastHorizonHours), doc["horizon_hours"])

	code, _ = ta.do(t, http.MethodGet, "/api/v1/weather/forecast5?lat=38.25&lon=21.74&variables=snow_depth", "")
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = ta.do(t, http.MethodGet, "/api/v1/weather/forecast5?lat=38.25&lon=21.74&variables=temperature_2m&start=2026-10-18&end=2026-10-16", "")
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = ta.do(t, http.MethodGet, "/api/v1/weather/forecast5?lat=38.25&lon=21.74&variables=temperature_2m&source=darksky", "")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestHistoryFallsBackToProvider(t *testing.T) {
	ta := newTestApp(t, "")

	body := `{"lat":38.25,"lon":21.74,"start":"2026-09-01","end":"2026-09-02","variables":["temperature_2m"]}`
	code, raw := ta.do(t, http.MethodPost, "/api/v1/history/daily", body)
	require.Equal(t, http.StatusOK, code, string(raw))
	res := decode[map[string]any](t, raw)
	assert.Equal(t, "fakeprovider", res["source"])
	assert.Len(t, res["data"], 2)

	code, raw = ta.do(t, http.MethodPost, "/api/v1/history/hourly", body)
	require.Equal(t, http.StatusOK, code, string(raw))
	assert.Len(t, decode[map[string]any](t, raw)["data"], 48)

	for _, bad := range []string{
		`{"lon":21.74,"start":"2026-09-01","end":"2026-09-02","variables":["t"]}`,
		`{"lat":38.25,"lon":21.74,"start":"01/09/2026","end":"2026-09-02","variables":["t"]}`,
		`{"lat":38.25,"lon":21.74,"start":"2026-09-01","end":"2026-09-02","variables":[]}`,
		`{"lat":38.25,"lon":21.74,"start":"2026-09-03","end":"2026-09-02","variables":["t"]}`,
		`not json`,
	} {
		code, _ := ta.do(t, http.MethodPost, "/api/v1/history/hourly", bad)
		assert.Equal(t, http.StatusBadRequest, code, bad)
	}
}

func TestLocationLifecycle(t *testing.T) {
	ta := newTestApp(t, "")

	code, raw := ta.do(t, http.MethodPost, "/api/v1/locations", `{"locations":[{"name":"Patras","lat":38.25,"lon":21.74}]}`)
	require.Equal(t, http.StatusCreated, code, string(raw))
	added := decode[[]map[string]any](t, raw)
	require.Len(t, added, 1)
	id := added[0]["id"].(string)
	assert.Equal(t, []string{id}, ta.sched.added)

	code, raw = ta.do(t, http.MethodPost, "/api/v1/locations/unique", `{"locations":[{"name":"Nearby","lat":38.2501,"lon":21.7401}]}`)
	require.Equal(t, http.StatusCreated, code)
	assert.Empty(t, decode[[]map[string]any](t, raw))

	code, raw = ta.do(t, http.MethodGet, "/api/v1/locations", "")
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, decode[[]map[string]any](t, raw), 1)

	code, _ = ta.do(t, http.MethodGet, "/api/v1/locations/by-coordinates?lat=38.25&lon=21.74", "")
	assert.Equal(t, http.StatusOK, code)
	code, _ = ta.do(t, http.MethodGet, "/api/v1/locations/exists-in-radius?lat=38.2502&lon=21.7402", "")
	assert.Equal(t, http.StatusOK, code)
	code, _ = ta.do(t, http.MethodGet, "/api/v1/locations/exists-in-radius?lat=40&lon=23", "")
	assert.Equal(t, http.StatusNotFound, code)

	code, raw = ta.do(t, http.MethodPost, "/api/v1/history/daily",
		`{"lat":38.25,"lon":21.74,"start":"2026-09-20","end":"2026-09-21","variables":["temperature_2m_max"]}`)
	require.Equal(t, http.StatusOK, code, string(raw))
	assert.Len(t, decode[map[string]any](t, raw)["data"], 2)

	code, _ = ta.do(t, http.MethodDelete, "/api/v1/locations/"+id, "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, []string{id}, ta.sched.removed)
	code, _ = ta.do(t, http.MethodDelete, "/api/v1/locations/"+id, "")
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = ta.do(t, http.MethodPost, "/api/v1/locations", `{"locations":[{"lat":120,"lon":0}]}`)
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = ta.do(t, http.MethodPost, "/api/v1/locations", `{"locations":[]}`)
	assert.Equal(t, http.StatusBadRequest, code)
}

func sign(t *testing.T, key string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "farm-calendar",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	s, err := token.SignedString([]byte(key))
	require.NoError(t, err)
	return s
}

func TestJWTAuth(t *testing.T) {
	ta := newTestApp(t, "top-secret")

	code, _ := ta.do(t, http.MethodGet, "/api/v1/locations", "")
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = ta.do(t, http.MethodGet, "/api/v1/locations", "", "Authorization", "Bearer "+sign(t, "wrong-key"))
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = ta.do(t, http.MethodGet, "/api/v1/locations", "", "Authorization", "Token "+sign(t, "top-secret"))
	assert.Equal(t, http.StatusUnauthorized, code)

	code, raw := ta.do(t, http.MethodGet, "/api/v1/locations", "", "Authorization", "Bearer "+sign(t, "top-secret"))
	assert.Equal(t, http.StatusOK, code, string(raw))
	assert.JSONEq(t, `[]`, string(raw))
}
