package weather_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/i474232898/agroweather/internal/common"
	"github.com/i474232898/agroweather/internal/weather"
)

var any5 = []interface{}{mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything}

func dailySeries(from, to time.Time) []weather.Observation {
	var obs []weather.Observation
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		obs = append(obs, weather.Observation{Timestamp: d, Values: map[string]*float64{
			"temperature_2m_max": val(float64(d.Day())),
		}})
	}
	return obs
}

func hourlySeries(day time.Time, hours int) []weather.Observation {
	obs := make([]weather.Observation, 0, hours)
	for h := 0; h < hours; h++ {
		obs = append(obs, weather.Observation{Timestamp: day.Add(time.Duration(h) * time.Hour), Values: map[string]*float64{
			"temperature_2m": val(float64(h)),
			"precipitation":  val(0),
		}})
	}
	return obs
}

type staticNamer string

func (n staticNamer) Name(context.Context, float64, float64) (string, error) {
	if n == "" {
		return "", errors.New("no result")
	}
	return string(n), nil
}

func TestRegisterLocationsCachesHistoryWindow(t *testing.T) {
	f := newFixture(t, weather.WithNamer(staticNamer("Patras")))
	ctx := context.Background()

	today := common.DayStart(testNow)
	start, end := today.AddDate(0, 0, -30), today.AddDate(0, 0, -2)
	f.provider.On("DailyHistory", lat, lon, start, end, mock.Anything).Return(dailySeries(start, end), nil).Once()
	f.provider.On("HourlyHistory", lat, lon, start, end, mock.Anything).
		Return(append(hourlySeries(start, 24), hourlySeries(end, 24)...), nil).Once()

	added, err := f.svc.RegisterLocations(ctx, []weather.LocationInput{{Lat: lat, Lon: lon}}, false)
	require.NoError(t, err)
	require.Len(t, added, 1)
	loc := added[0]
	assert.Equal(t, "Patras", loc.Name)

	daily, err := f.store.DailyHistoryFor(ctx, loc.ID)
	require.NoError(t, err)
	assert.Equal(t, weather.DateRange{Start: start, End: end}, daily.DateRange)
	assert.Len(t, daily.Observations, 29)
	assert.Equal(t, "mockprovider", daily.Source)

	hourly, err := f.store.HourlyHistoryFor(ctx, loc.ID, start, end)
	require.NoError(t, err)
	require.Len(t, hourly, 2)
	assert.Equal(t, start, hourly[0].Date)
	assert.Len(t, hourly[1].Observations, 24)

	again, err := f.svc.RegisterLocations(ctx, []weather.LocationInput{{Name: "dup", Lat: lat, Lon: lon}}, false)
	require.NoError(t, err)
	assert.Empty(t, again)
	f.provider.AssertExpectations(t)
}

func TestRegisterLocationsUniqueSkipsNearby(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.provider.On("DailyHistory", any5...).Return(dailySeries(testNow.AddDate(0, 0, -3), testNow.AddDate(0, 0, -2)), nil)
	f.provider.On("HourlyHistory", any5...).Return(hourlySeries(common.DayStart(testNow).AddDate(0, 0, -2), 3), nil)

	_, err := f.svc.RegisterLocations(ctx, []weather.LocationInput{{Name: "a", Lat: lat, Lon: lon}}, true)
	require.NoError(t, err)

	skipped, err := f.svc.RegisterLocations(ctx, []weather.LocationInput{{Name: "b", Lat: lat + 0.001, Lon: lon}}, true)
	require.NoError(t, err)
	assert.Empty(t, skipped)

	added, err := f.svc.RegisterLocations(ctx, []weather.LocationInput{{Name: "c", Lat: lat + 0.001, Lon: lon}}, false)
	require.NoError(t, err)
	assert.Len(t, added, 1)

	all, err := f.svc.ListLocations(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestRegisterLocationsRollsBackOnHistoryFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.provider.On("DailyHistory", any5...).Return(nil, &weather.ProviderStatusError{Provider: "mockprovider", StatusCode: 503})

	added, err := f.svc.RegisterLocations(ctx, []weather.LocationInput{{Name: "x", Lat: lat, Lon: lon}}, false)
	require.NoError(t, err)
	assert.Empty(t, added)

	_, err = f.svc.LocationByCoordinates(ctx, lat, lon)
	assert.ErrorIs(t, err, weather.ErrNotFound)
}

func TestReconcileSlidingWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	today := common.DayStart(testNow)
	yesterday := today.AddDate(0, 0, -1)
	oldest := today.AddDate(0, 0, -32)

	loc := weather.CachedLocation{ID: "loc-1", Name: "field", Location: weather.NewGeoPoint(lat, lon), CreatedAt: testNow}
	require.NoError(t, f.store.InsertLocation(ctx, loc))
	require.NoError(t, f.store.InsertDailyHistory(ctx, weather.DailyHistory{
		ID:           "d1",
		LocationID:   loc.ID,
		Location:     loc.Location,
		DateRange:    weather.DateRange{Start: oldest, End: today.AddDate(0, 0, -2)},
		Observations: dailySeries(oldest, today.AddDate(0, 0, -2)),
		Source:       "mockprovider",
	}))
	require.NoError(t, f.store.InsertHourlyHistory(ctx, []weather.HourlyHistory{
		{ID: "h-old", LocationID: loc.ID, Date: oldest, Observations: hourlySeries(oldest, 24)},
		{ID: "h-keep", LocationID: loc.ID, Date: today.AddDate(0, 0, -2), Observations: hourlySeries(today.AddDate(0, 0, -2), 24)},
	}))

	f.provider.On("DailyHistory", lat, lon, yesterday, yesterday, mock.Anything).Return(dailySeries(yesterday, yesterday), nil).Once()
	f.provider.On("HourlyHistory", lat, lon, yesterday, yesterday, mock.Anything).Return(hourlySeries(yesterday, 24), nil).Once()

	require.NoError(t, f.svc.ReconcileSlidingWindow(ctx, loc.ID))

	daily, err := f.store.DailyHistoryFor(ctx, loc.ID)
	require.NoError(t, err)
	assert.Equal(t, yesterday, daily.DateRange.End)
	var hasOldest, hasYesterday bool
	for _, o := range daily.Observations {
		hasOldest = hasOldest || o.Timestamp.Equal(oldest)
		hasYesterday = hasYesterday || o.Timestamp.Equal(yesterday)
	}
	assert.False(t, hasOldest)
	assert.True(t, hasYesterday)

	hourly, err := f.store.HourlyHistoryFor(ctx, loc.ID, oldest, today)
	require.NoError(t, err)
	require.Len(t, hourly, 2)
	assert.Equal(t, "h-keep", hourly[0].ID)
	assert.Equal(t, yesterday, hourly[1].Date)
	f.provider.AssertExpectations(t)
}

func TestReconcileSlidingWindowTwiceKeepsOneDay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	today := common.DayStart(testNow)
	yesterday := today.AddDate(0, 0, -1)
	oldest := today.AddDate(0, 0, -32)

	loc := weather.CachedLocation{ID: "loc-1", Name: "field", Location: weather.NewGeoPoint(lat, lon), CreatedAt: testNow}
	require.NoError(t, f.store.InsertLocation(ctx, loc))
	require.NoError(t, f.store.InsertDailyHistory(ctx, weather.DailyHistory{
		ID:           "d1",
		LocationID:   loc.ID,
		Location:     loc.Location,
		DateRange:    weather.DateRange{Start: oldest, End: today.AddDate(0, 0, -2)},
		Observations: dailySeries(oldest, today.AddDate(0, 0, -2)),
		Source:       "mockprovider",
	}))

	f.provider.On("DailyHistory", lat, lon, yesterday, yesterday, mock.Anything).Return(dailySeries(yesterday, yesterday), nil).Twice()
	f.provider.On("HourlyHistory", lat, lon, yesterday, yesterday, mock.Anything).Return(hourlySeries(yesterday, 24), nil).Twice()

	require.NoError(t, f.svc.ReconcileSlidingWindow(ctx, loc.ID))
	first, err := f.store.DailyHistoryFor(ctx, loc.ID)
	require.NoError(t, err)

	require.NoError(t, f.svc.ReconcileSlidingWindow(ctx, loc.ID))
	second, err := f.store.DailyHistoryFor(ctx, loc.ID)
	require.NoError(t, err)

	assert.Len(t, second.Observations, len(first.Observations))
	var days int
	for _, o := range second.Observations {
		if o.Timestamp.Equal(yesterday) {
			days++
		}
	}
	assert.Equal(t, 1, days)

	hourly, err := f.store.HourlyHistoryFor(ctx, loc.ID, yesterday, yesterday)
	require.NoError(t, err)
	assert.Len(t, hourly, 1)
	f.provider.AssertExpectations(t)
}

func TestReconcileSlidingWindowUnknownLocation(t *testing.T) {
	f := newFixture(t)
	err := f.svc.ReconcileSlidingWindow(context.Background(), "missing")
	assert.ErrorIs(t, err, weather.ErrNotFound)
}

func TestHistoryQueriesPreferCachedLocation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	today := common.DayStart(testNow)
	start, end := today.AddDate(0, 0, -30), today.AddDate(0, 0, -2)
	f.provider.On("DailyHistory", any5...).Return(dailySeries(start, end), nil).Once()
	f.provider.On("HourlyHistory", any5...).Return(hourlySeries(end, 24), nil).Once()

	_, err := f.svc.RegisterLocations(ctx, []weather.LocationInput{{Name: "field", Lat: lat, Lon: lon}}, false)
	require.NoError(t, err)

	daily, err := f.svc.DailyHistory(ctx, weather.HistoryQuery{
		Lat: lat + 0.002, Lon: lon, Start: end.AddDate(0, 0, -2), End: end,
		Variables: []string{"temperature_2m_max"}, RadiusKm: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, lat, daily.Lat)
	assert.Len(t, daily.Data, 3)

	hourly, err := f.svc.HourlyHistory(ctx, weather.HistoryQuery{
		Lat: lat, Lon: lon, Start: end, End: end,
		Variables: []string{"temperature_2m", "wind_speed_10m"}, RadiusKm: 1,
	})
	require.NoError(t, err)
	require.Len(t, hourly.Data, 24)
	last := hourly.Data[23]
	assert.Equal(t, end.Add(23*time.Hour), last.Timestamp)
	assert.Equal(t, 23.0, *last.Values["temperature_2m"])
	assert.Contains(t, last.Values, "wind_speed_10m")
	assert.Nil(t, last.Values["wind_speed_10m"])
	assert.NotContains(t, last.Values, "precipitation")

	f.provider.AssertNumberOfCalls(t, "DailyHistory", 1)
	f.provider.AssertNumberOfCalls(t, "HourlyHistory", 1)
}

func TestHistoryQueriesFallBackToProvider(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	day := common.DayStart(testNow).AddDate(0, 0, -5)
	f.provider.On("HourlyHistory", 40.0, 22.0, day, day, []string{"temperature_2m"}).Return(hourlySeries(day, 2), nil)

	res, err := f.svc.HourlyHistory(ctx, weather.HistoryQuery{
		Lat: 40, Lon: 22, Start: day.Add(5 * time.Hour), End: day, Variables: []string{"temperature_2m"}, RadiusKm: 1,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, weather.ErrInvalidArgument)

	res, err = f.svc.HourlyHistory(ctx, weather.HistoryQuery{
		Lat: 40, Lon: 22, Start: day, End: day, Variables: []string{"temperature_2m"}, RadiusKm: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, "mockprovider", res.Source)
	assert.Len(t, res.Data, 2)

	_, err = f.svc.DailyHistory(ctx, weather.HistoryQuery{Lat: 40, Lon: 22, Start: day, End: day})
	assert.ErrorIs(t, err, weather.ErrInvalidArgument)
}

func TestDeleteLocationRemovesHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.provider.On("DailyHistory", any5...).Return(dailySeries(testNow.AddDate(0, 0, -3), testNow.AddDate(0, 0, -2)), nil)
	f.provider.On("HourlyHistory", any5...).Return(hourlySeries(common.DayStart(testNow).AddDate(0, 0, -2), 3), nil)

	added, err := f.svc.RegisterLocations(ctx, []weather.LocationInput{{Name: "a", Lat: lat, Lon: lon}}, false)
	require.NoError(t, err)
	require.Len(t, added, 1)

	near, err := f.svc.LocationNear(ctx, lat+0.001, lon)
	require.NoError(t, err)
	assert.Equal(t, added[0].ID, near.ID)

	deleted, err := f.svc.DeleteLocation(ctx, added[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "a", deleted.Name)

	_, err = f.store.DailyHistoryFor(ctx, added[0].ID)
	assert.ErrorIs(t, err, weather.ErrNotFound)
	_, err = f.svc.DeleteLocation(ctx, added[0].ID)
	assert.ErrorIs(t, err, weather.ErrNotFound)
}

func TestSeedUAVModels(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	n, err := f.svc.SeedUAVModels(ctx, strings.NewReader(uavCSV))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = f.svc.SeedUAVModels(ctx, strings.NewReader(uavCSV))
	require.NoError(t, err)
	assert.Zero(t, n)

	models, err := f.store.ListUAVModels(ctx, []string{"Bravo"})
	require.NoError(t, err)
	require.Len(t, models, 1)
	assert.Equal(t, 8.0, models[0].MaxWindSpeed)
	assert.Equal(t, 0.0, models[0].PrecipitationTolerance)
}

func TestLoadUAVModelsCSVErrors(t *testing.T) {
	_, err := weather.LoadUAVModelsCSV(strings.NewReader("Model,Manufacturer\nA,B\n"))
	assert.ErrorContains(t, err, "missing column")

	bad := "Model,Manufacturer,Min. operating temp,Max. operating temp,Max. wind speed resistance,Precipitation tolerance\nA,B,cold,40,12,5\n"
	_, err = weather.LoadUAVModelsCSV(strings.NewReader(bad))
	assert.ErrorContains(t, err, "line 2")
}

func TestSelectObservations(t *testing.T) {
	day := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	obs := hourlySeries(day, 6)
	obs[0], obs[5] = obs[5], obs[0]

	got := weather.SelectObservations(obs, day.Add(time.Hour), day.Add(4*time.Hour), []string{"precipitation"})
	require.Len(t, got, 4)
	assert.Equal(t, day.Add(time.Hour), got[0].Timestamp)
	assert.Equal(t, []string{"precipitation"}, keys(got[0].Values))
}

func TestGroupHourlyByDay(t *testing.T) {
	day := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	obs := append(hourlySeries(day.AddDate(0, 0, 1), 2), hourlySeries(day, 3)...)
	loc := weather.CachedLocation{ID: "loc", Location: weather.NewGeoPoint(lat, lon)}

	docs := weather.GroupHourlyByDay(loc, obs, "src", testNow)
	require.Len(t, docs, 2)
	assert.Equal(t, day, docs[0].Date)
	assert.Len(t, docs[0].Observations, 3)
	assert.Len(t, docs[1].Observations, 2)
	assert.Equal(t, "loc", docs[1].LocationID)
}

func keys(m map[string]*float64) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
