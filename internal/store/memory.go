package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"

	"github.com/i474232898/agroweather/internal/suitability"
	"github.com/i474232898/agroweather/internal/weather"
)

// MemoryStore is a concurrency-safe in-memory implementation of weather.Store.
type MemoryStore struct {
	mu sync.RWMutex

	points      map[string]weather.Point         // key: coordinate key
	predictions map[string][]weather.Prediction  // key: point id
	snapshots   map[string][]weather.WeatherData // key: point id
	flyStatuses map[string]weather.FlyStatus     // key: model|coordinate|slot
	spray       map[string]weather.SprayForecast // key: coordinate|slot
	uavs        map[string]weather.UAVModel
	locations   map[string]weather.CachedLocation
	daily       map[string]weather.DailyHistory    // key: location id
	hourly      map[string][]weather.HourlyHistory // key: location id
	forecasts   []weather.ForecastDoc

	// retention configuration
	maxHistory int           // max snapshots kept per point
	maxAge     time.Duration // predictions and snapshots older than this are dropped on write
}

// NewMemoryStore creates a new MemoryStore with optional limits.
// If maxHistory is <= 0, it is treated as unlimited; likewise maxAge.
func NewMemoryStore(maxHistory int, maxAge time.Duration) *MemoryStore {
	return &MemoryStore{
		points:      make(map[string]weather.Point),
		predictions: make(map[string][]weather.Prediction),
		snapshots:   make(map[string][]weather.WeatherData),
		flyStatuses: make(map[string]weather.FlyStatus),
		spray:       make(map[string]weather.SprayForecast),
		uavs:        make(map[string]weather.UAVModel),
		locations:   make(map[string]weather.CachedLocation),
		daily:       make(map[string]weather.DailyHistory),
		hourly:      make(map[string][]weather.HourlyHistory),
		maxHistory:  maxHistory,
		maxAge:      maxAge,
	}
}

var _ weather.Store = (*MemoryStore)(nil)

func distanceMeters(a weather.GeoPoint, lat, lon float64) float64 {
	return geo.DistanceHaversine(orb.Point{a.Lon(), a.Lat()}, orb.Point{lon, lat})
}

func slotKey(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// FindPoint returns the point at exactly this normalized coordinate.
func (s *MemoryStore) FindPoint(_ context.Context, lat, lon float64) (weather.Point, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.points[weather.CoordinateKey(lat, lon)]
	if !ok {
		return weather.Point{}, weather.ErrNotFound
	}
	return p, nil
}

// InsertPointIfAbsent stores p unless its coordinate is taken.
func (s *MemoryStore) InsertPointIfAbsent(_ context.Context, p weather.Point) (weather.Point, error) {
	key := p.Location.Key()

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.points[key]; ok {
		return existing, nil
	}
	s.points[key] = p
	return p, nil
}

// InsertPredictions appends predictions and enforces retention by age.
func (s *MemoryStore) InsertPredictions(_ context.Context, preds []weather.Prediction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	touched := make(map[string]bool)
	var newest time.Time
	for _, p := range preds {
		s.predictions[p.PointID] = append(s.predictions[p.PointID], p)
		touched[p.PointID] = true
		if p.CreatedAt.After(newest) {
			newest = p.CreatedAt
		}
	}

	// Age is measured against the newest write, not the wall clock.
	if s.maxAge > 0 && !newest.IsZero() {
		cutoff := newest.Add(-s.maxAge)
		for id := range touched {
			kept := s.predictions[id][:0]
			for _, p := range s.predictions[id] {
				if !p.CreatedAt.Before(cutoff) {
					kept = append(kept, p)
				}
			}
			s.predictions[id] = kept
		}
	}
	return nil
}

// FindPredictions returns predictions for the point created after createdAfter.
func (s *MemoryStore) FindPredictions(_ context.Context, pointID string, createdAfter time.Time) ([]weather.Prediction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []weather.Prediction
	for _, p := range s.predictions[pointID] {
		if p.CreatedAt.After(createdAfter) {
			out = append(out, p)
		}
	}
	return out, nil
}

// InsertWeatherData appends a snapshot and enforces retention.
func (s *MemoryStore) InsertWeatherData(_ context.Context, wd weather.WeatherData) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	history := append(s.snapshots[wd.PointID], wd)

	// Enforce retention by count.
	if s.maxHistory > 0 && len(history) > s.maxHistory {
		history = history[len(history)-s.maxHistory:]
	}

	// Enforce retention by age.
	if s.maxAge > 0 {
		cutoff := wd.CreatedAt.Add(-s.maxAge)
		i := 0
		for ; i < len(history)-1; i++ {
			if !history[i].CreatedAt.Before(cutoff) {
				break
			}
		}
		history = history[i:]
	}

	s.snapshots[wd.PointID] = history
	return nil
}

// LatestWeatherData returns the newest snapshot created after createdAfter.
func (s *MemoryStore) LatestWeatherData(_ context.Context, pointID string, createdAfter time.Time) (weather.WeatherData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *weather.WeatherData
	for i := range s.snapshots[pointID] {
		wd := &s.snapshots[pointID][i]
		if wd.CreatedAt.After(createdAfter) && (latest == nil || wd.CreatedAt.After(latest.CreatedAt)) {
			latest = wd
		}
	}
	if latest == nil {
		return weather.WeatherData{}, weather.ErrNotFound
	}
	return *latest, nil
}

// InsertForecastDoc stores a generic forecast document.
func (s *MemoryStore) InsertForecastDoc(_ context.Context, doc weather.ForecastDoc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forecasts = append(s.forecasts, doc)
	return nil
}

// NearestForecastDoc returns the closest document within the radius created
// after createdAfter; ties go to the newest.
func (s *MemoryStore) NearestForecastDoc(_ context.Context, lat, lon, radiusMeters float64, createdAfter time.Time) (weather.ForecastDoc, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	best := -1
	bestDist := 0.0
	for i, doc := range s.forecasts {
		if !doc.CreatedAt.After(createdAfter) {
			continue
		}
		d := distanceMeters(doc.Location, lat, lon)
		if d > radiusMeters {
			continue
		}
		if best < 0 || d < bestDist || (d == bestDist && doc.CreatedAt.After(s.forecasts[best].CreatedAt)) {
			best, bestDist = i, d
		}
	}
	if best < 0 {
		return weather.ForecastDoc{}, weather.ErrNotFound
	}
	return s.forecasts[best], nil
}

// UpsertFlyStatuses replaces statuses with the same model, location and slot.
func (s *MemoryStore) UpsertFlyStatuses(_ context.Context, statuses []weather.FlyStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, st := range statuses {
		key := st.UAVModel + "|" + st.Location.Key() + "|" + slotKey(st.Timestamp)
		if prev, ok := s.flyStatuses[key]; ok {
			st.ID = prev.ID
		}
		s.flyStatuses[key] = st
	}
	return nil
}

// FindFlyStatuses returns statuses at loc with a slot after the given time,
// optionally limited to models.
func (s *MemoryStore) FindFlyStatuses(_ context.Context, loc weather.GeoPoint, models []string, after time.Time) ([]weather.FlyStatus, error) {
	wanted := make(map[string]bool, len(models))
	for _, m := range models {
		wanted[m] = true
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []weather.FlyStatus
	for _, st := range s.flyStatuses {
		if !st.Location.Equal(loc) || !st.Timestamp.After(after) {
			continue
		}
		if len(wanted) > 0 && !wanted[st.UAVModel] {
			continue
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UAVModel != out[j].UAVModel {
			return out[i].UAVModel < out[j].UAVModel
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

// UpsertSprayForecasts replaces forecasts with the same location and slot.
func (s *MemoryStore) UpsertSprayForecasts(_ context.Context, forecasts []weather.SprayForecast) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, f := range forecasts {
		key := f.Location.Key() + "|" + slotKey(f.Timestamp)
		if prev, ok := s.spray[key]; ok {
			f.ID = prev.ID
		}
		detail := make(map[string]suitability.SprayStatus, len(f.DetailedStatus))
		for k, v := range f.DetailedStatus {
			detail[k] = v
		}
		f.DetailedStatus = detail
		s.spray[key] = f
	}
	return nil
}

// FindSprayForecasts returns forecasts at loc with a slot after the given time.
func (s *MemoryStore) FindSprayForecasts(_ context.Context, loc weather.GeoPoint, after time.Time) ([]weather.SprayForecast, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []weather.SprayForecast
	for _, f := range s.spray {
		if f.Location.Equal(loc) && f.Timestamp.After(after) {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// InsertUAVModels stores the reference equipment set.
func (s *MemoryStore) InsertUAVModels(_ context.Context, models []weather.UAVModel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range models {
		s.uavs[m.Model] = m
	}
	return nil
}

// CountUAVModels returns the number of known models.
func (s *MemoryStore) CountUAVModels(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.uavs)), nil
}

// ListUAVModels returns the named models that exist, or all when names is empty.
func (s *MemoryStore) ListUAVModels(_ context.Context, names []string) ([]weather.UAVModel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []weather.UAVModel
	if len(names) == 0 {
		for _, m := range s.uavs {
			out = append(out, m)
		}
	} else {
		seen := make(map[string]bool, len(names))
		for _, n := range names {
			if m, ok := s.uavs[n]; ok && !seen[n] {
				seen[n] = true
				out = append(out, m)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Model < out[j].Model })
	return out, nil
}

// InsertLocation stores a cached location; coordinates are unique.
func (s *MemoryStore) InsertLocation(_ context.Context, loc weather.CachedLocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, l := range s.locations {
		if l.Location.Equal(loc.Location) {
			return fmt.Errorf("location %s: %w", loc.Location.Key(), weather.ErrAlreadyExists)
		}
	}
	s.locations[loc.ID] = loc
	return nil
}

// GetLocation returns a cached location by id.
func (s *MemoryStore) GetLocation(_ context.Context, id string) (weather.CachedLocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	loc, ok := s.locations[id]
	if !ok {
		return weather.CachedLocation{}, weather.ErrNotFound
	}
	return loc, nil
}

// ListLocations returns cached locations ordered by creation time.
func (s *MemoryStore) ListLocations(_ context.Context) ([]weather.CachedLocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]weather.CachedLocation, 0, len(s.locations))
	for _, l := range s.locations {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// FindLocationByCoordinates returns the location at exactly this coordinate.
func (s *MemoryStore) FindLocationByCoordinates(_ context.Context, lat, lon float64) (weather.CachedLocation, error) {
	key := weather.CoordinateKey(lat, lon)

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, l := range s.locations {
		if l.Location.Key() == key {
			return l, nil
		}
	}
	return weather.CachedLocation{}, weather.ErrNotFound
}

// NearestLocation returns the closest location within radiusMeters.
func (s *MemoryStore) NearestLocation(_ context.Context, lat, lon, radiusMeters float64) (weather.CachedLocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best weather.CachedLocation
	bestDist := -1.0
	for _, l := range s.locations {
		d := distanceMeters(l.Location, lat, lon)
		if d > radiusMeters {
			continue
		}
		if bestDist < 0 || d < bestDist {
			best, bestDist = l, d
		}
	}
	if bestDist < 0 {
		return weather.CachedLocation{}, weather.ErrNotFound
	}
	return best, nil
}

// DeleteLocation removes a cached location.
func (s *MemoryStore) DeleteLocation(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.locations[id]; !ok {
		return weather.ErrNotFound
	}
	delete(s.locations, id)
	return nil
}

// InsertDailyHistory stores the daily window of a location.
func (s *MemoryStore) InsertDailyHistory(_ context.Context, doc weather.DailyHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc.Observations = append([]weather.Observation(nil), doc.Observations...)
	s.daily[doc.LocationID] = doc
	return nil
}

// InsertHourlyHistory stores hourly day documents.
func (s *MemoryStore) InsertHourlyHistory(_ context.Context, docs []weather.HourlyHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, d := range docs {
		s.hourly[d.LocationID] = append(s.hourly[d.LocationID], d)
	}
	return nil
}

// SlideDailyHistory drops the observation dated oldest and any already dated
// like an incoming one, appends newest and advances the range end, under a
// single write lock.
func (s *MemoryStore) SlideDailyHistory(_ context.Context, locationID string, oldest time.Time, newest []weather.Observation, end, fetchedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.daily[locationID]
	if !ok {
		return weather.ErrNotFound
	}

	drop := map[int64]bool{oldest.Unix(): true}
	for _, o := range newest {
		drop[o.Timestamp.Unix()] = true
	}
	kept := make([]weather.Observation, 0, len(doc.Observations)+len(newest))
	for _, o := range doc.Observations {
		if !drop[o.Timestamp.Unix()] {
			kept = append(kept, o)
		}
	}
	doc.Observations = append(kept, newest...)
	doc.DateRange.End = end
	doc.FetchedAt = fetchedAt
	s.daily[locationID] = doc
	return nil
}

// ReplaceHourlyDay deletes the document dated oldest and inserts doc.
func (s *MemoryStore) ReplaceHourlyDay(_ context.Context, locationID string, oldest time.Time, doc weather.HourlyHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := make([]weather.HourlyHistory, 0, len(s.hourly[locationID])+1)
	for _, d := range s.hourly[locationID] {
		if d.Date.Equal(oldest) || d.Date.Equal(doc.Date) {
			continue
		}
		kept = append(kept, d)
	}
	s.hourly[locationID] = append(kept, doc)
	return nil
}

// DailyHistoryFor returns the daily window of a location.
func (s *MemoryStore) DailyHistoryFor(_ context.Context, locationID string) (weather.DailyHistory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.daily[locationID]
	if !ok {
		return weather.DailyHistory{}, weather.ErrNotFound
	}
	doc.Observations = append([]weather.Observation(nil), doc.Observations...)
	return doc, nil
}

// HourlyHistoryFor returns the day documents of a location dated within [from, to].
func (s *MemoryStore) HourlyHistoryFor(_ context.Context, locationID string, from, to time.Time) ([]weather.HourlyHistory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []weather.HourlyHistory
	for _, d := range s.hourly[locationID] {
		if d.Date.Before(from) || d.Date.After(to) {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

// DeleteHistory removes all history documents of a location.
func (s *MemoryStore) DeleteHistory(_ context.Context, locationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.daily, locationID)
	delete(s.hourly, locationID)
	return nil
}
