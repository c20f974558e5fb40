package weather

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/i474232898/agroweather/internal/common"
)

// Window bounds of the cached history, in days before today.
const (
	initialWindowStartDays = 30
	initialWindowEndDays   = 2
	slidingOldestDays      = 32
)

func (s *Service) historyProvider() (Provider, error) {
	p, err := s.providers.Provider(s.history)
	if err != nil {
		return nil, fmt.Errorf("history provider: %w", err)
	}
	return p, nil
}

// CacheLastMonth loads the initial history window for a cached location: one
// daily document covering the range and one hourly document per day.
func (s *Service) CacheLastMonth(ctx context.Context, loc CachedLocation) error {
	provider, err := s.historyProvider()
	if err != nil {
		return err
	}

	today := common.DayStart(s.now())
	start := today.AddDate(0, 0, -initialWindowStartDays)
	end := today.AddDate(0, 0, -initialWindowEndDays)
	lat, lon := loc.Location.Lat(), loc.Location.Lon()

	daily, err := provider.DailyHistory(ctx, lat, lon, start, end, s.variables.Daily)
	if err != nil {
		return fmt.Errorf("fetch daily history: %w", err)
	}
	hourly, err := provider.HourlyHistory(ctx, lat, lon, start, end, s.variables.Hourly)
	if err != nil {
		return fmt.Errorf("fetch hourly history: %w", err)
	}

	fetchedAt := s.now()
	if err := s.store.InsertDailyHistory(ctx, DailyHistory{
		ID:           uuid.NewString(),
		LocationID:   loc.ID,
		Location:     loc.Location,
		DateRange:    DateRange{Start: start, End: end},
		Observations: daily,
		Source:       provider.Name(),
		FetchedAt:    fetchedAt,
	}); err != nil {
		return fmt.Errorf("store daily history: %w", err)
	}

	docs := GroupHourlyByDay(loc, hourly, provider.Name(), fetchedAt)
	if len(docs) > 0 {
		if err := s.store.InsertHourlyHistory(ctx, docs); err != nil {
			return fmt.Errorf("store hourly history: %w", err)
		}
	}

	s.logger.Info("cached history window",
		zap.String("location_id", loc.ID), zap.Int("days", len(daily)), zap.Int("hourly_docs", len(docs)))
	return nil
}

// ReconcileSlidingWindow advances the history window of a cached location by
// one day: the observation dated today-32d is dropped and yesterday appended.
// After a missed run the window holds an extra day until the next run.
func (s *Service) ReconcileSlidingWindow(ctx context.Context, locationID string) error {
	loc, err := s.store.GetLocation(ctx, locationID)
	if err != nil {
		return fmt.Errorf("get location %s: %w", locationID, err)
	}
	provider, err := s.historyProvider()
	if err != nil {
		return err
	}

	today := common.DayStart(s.now())
	yesterday := today.AddDate(0, 0, -1)
	oldest := today.AddDate(0, 0, -slidingOldestDays)
	lat, lon := loc.Location.Lat(), loc.Location.Lon()

	return s.guarded(ctx, "history:"+loc.ID, func(ctx context.Context) error {
		daily, err := provider.DailyHistory(ctx, lat, lon, yesterday, yesterday, s.variables.Daily)
		if err != nil {
			return fmt.Errorf("fetch daily history: %w", err)
		}
		if len(daily) > 0 {
			if err := s.store.SlideDailyHistory(ctx, loc.ID, oldest, daily, yesterday, s.now()); err != nil {
				return fmt.Errorf("slide daily history: %w", err)
			}
		}

		hourly, err := provider.HourlyHistory(ctx, lat, lon, yesterday, yesterday, s.variables.Hourly)
		if err != nil {
			return fmt.Errorf("fetch hourly history: %w", err)
		}
		if len(hourly) > 0 {
			doc := HourlyHistory{
				ID:           uuid.NewString(),
				LocationID:   loc.ID,
				Location:     loc.Location,
				Date:         yesterday,
				Observations: hourly,
				Source:       provider.Name(),
				FetchedAt:    s.now(),
			}
			if err := s.store.ReplaceHourlyDay(ctx, loc.ID, oldest, doc); err != nil {
				return fmt.Errorf("replace hourly history: %w", err)
			}
		}

		s.logger.Info("sliding window updated",
			zap.String("location_id", loc.ID),
			zap.String("oldest", common.FormatDate(oldest)),
			zap.String("yesterday", common.FormatDate(yesterday)))
		return nil
	})
}

// HistoryQuery selects history observations near a coordinate. Start and End
// are calendar days, both inclusive.
type HistoryQuery struct {
	Lat       float64
	Lon       float64
	Start     time.Time
	End       time.Time
	Variables []string
	RadiusKm  float64
}

// HistoryResult is the answer to a history query.
type HistoryResult struct {
	Lat    float64       `json:"lat"`
	Lon    float64       `json:"lon"`
	Data   []Observation `json:"data"`
	Source string        `json:"source"`
}

func (q HistoryQuery) validate() error {
	if len(q.Variables) == 0 {
		return fmt.Errorf("%w: at least one variable is required", ErrInvalidArgument)
	}
	if q.End.Before(q.Start) {
		return fmt.Errorf("%w: end is before start", ErrInvalidArgument)
	}
	return nil
}

// HourlyHistory answers from the nearest cached location within the radius,
// falling back to the history provider.
func (s *Service) HourlyHistory(ctx context.Context, q HistoryQuery) (HistoryResult, error) {
	if err := q.validate(); err != nil {
		return HistoryResult{}, err
	}
	start, end := common.DayStart(q.Start), common.DayStart(q.End)
	endOfDay := end.Add(24*time.Hour - time.Nanosecond)

	loc, err := s.cache.FindNear(ctx, q.Lat, q.Lon, q.RadiusKm)
	if err == nil {
		docs, err := s.store.HourlyHistoryFor(ctx, loc.ID, start, end)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return HistoryResult{}, fmt.Errorf("hourly history: %w", err)
		}
		if len(docs) > 0 {
			var all []Observation
			for _, d := range docs {
				all = append(all, d.Observations...)
			}
			return HistoryResult{
				Lat:    loc.Location.Lat(),
				Lon:    loc.Location.Lon(),
				Data:   SelectObservations(all, start, endOfDay, q.Variables),
				Source: docs[0].Source,
			}, nil
		}
	} else if !errors.Is(err, ErrNotFound) {
		return HistoryResult{}, fmt.Errorf("find nearby location: %w", err)
	}

	provider, err := s.historyProvider()
	if err != nil {
		return HistoryResult{}, err
	}
	obs, err := provider.HourlyHistory(ctx, q.Lat, q.Lon, start, end, q.Variables)
	if err != nil {
		return HistoryResult{}, fmt.Errorf("fetch hourly history: %w", err)
	}
	return HistoryResult{Lat: q.Lat, Lon: q.Lon, Data: obs, Source: provider.Name()}, nil
}

// DailyHistory answers from the nearest cached location within the radius,
// falling back to the history provider.
func (s *Service) DailyHistory(ctx context.Context, q HistoryQuery) (HistoryResult, error) {
	if err := q.validate(); err != nil {
		return HistoryResult{}, err
	}
	start, end := common.DayStart(q.Start), common.DayStart(q.End)

	loc, err := s.cache.FindNear(ctx, q.Lat, q.Lon, q.RadiusKm)
	if err == nil {
		doc, err := s.store.DailyHistoryFor(ctx, loc.ID)
		switch {
		case err == nil && !doc.DateRange.Start.After(end) && !doc.DateRange.End.Before(start):
			return HistoryResult{
				Lat:    loc.Location.Lat(),
				Lon:    loc.Location.Lon(),
				Data:   SelectObservations(doc.Observations, start, end, q.Variables),
				Source: doc.Source,
			}, nil
		case err != nil && !errors.Is(err, ErrNotFound):
			return HistoryResult{}, fmt.Errorf("daily history: %w", err)
		}
	} else if !errors.Is(err, ErrNotFound) {
		return HistoryResult{}, fmt.Errorf("find nearby location: %w", err)
	}

	provider, err := s.historyProvider()
	if err != nil {
		return HistoryResult{}, err
	}
	obs, err := provider.DailyHistory(ctx, q.Lat, q.Lon, start, end, q.Variables)
	if err != nil {
		return HistoryResult{}, fmt.Errorf("fetch daily history: %w", err)
	}
	return HistoryResult{Lat: q.Lat, Lon: q.Lon, Data: obs, Source: provider.Name()}, nil
}

// LocationInput describes a location to register.
type LocationInput struct {
	Name string  `json:"name"`
	Lat  float64 `json:"lat" validate:"gte=-90,lte=90"`
	Lon  float64 `json:"lon" validate:"gte=-180,lte=180"`
}

// RegisterLocations stores new cached locations and loads their history
// window. Coordinates already registered are skipped; with unique set, so
// are coordinates within the location radius of an existing location. A
// location whose history cannot be loaded is rolled back.
func (s *Service) RegisterLocations(ctx context.Context, inputs []LocationInput, unique bool) ([]CachedLocation, error) {
	var added []CachedLocation

	for _, in := range inputs {
		var err error
		if unique {
			_, err = s.store.NearestLocation(ctx, in.Lat, in.Lon, s.locationRadius)
		} else {
			_, err = s.store.FindLocationByCoordinates(ctx, in.Lat, in.Lon)
		}
		if err == nil {
			s.logger.Debug("location already cached", zap.Float64("lat", in.Lat), zap.Float64("lon", in.Lon))
			continue
		}
		if !errors.Is(err, ErrNotFound) {
			return added, fmt.Errorf("look up location: %w", err)
		}

		loc := CachedLocation{
			ID:        uuid.NewString(),
			Name:      in.Name,
			Location:  NewGeoPoint(in.Lat, in.Lon),
			CreatedAt: s.now(),
		}
		if loc.Name == "" && s.namer != nil {
			if name, err := s.namer.Name(ctx, in.Lat, in.Lon); err != nil {
				s.logger.Warn("reverse geocoding failed", zap.Float64("lat", in.Lat), zap.Float64("lon", in.Lon), zap.Error(err))
			} else {
				loc.Name = name
			}
		}

		if err := s.store.InsertLocation(ctx, loc); err != nil {
			if errors.Is(err, ErrAlreadyExists) {
				continue
			}
			return added, fmt.Errorf("store location: %w", err)
		}

		if err := s.CacheLastMonth(ctx, loc); err != nil {
			s.logger.Error("caching history failed; rolling back location",
				zap.String("location_id", loc.ID), zap.Error(err))
			s.rollbackLocation(ctx, loc.ID)
			continue
		}
		added = append(added, loc)
	}

	return added, nil
}

func (s *Service) rollbackLocation(ctx context.Context, id string) {
	if err := s.store.DeleteHistory(ctx, id); err != nil {
		s.logger.Error("rollback history failed", zap.String("location_id", id), zap.Error(err))
	}
	if err := s.store.DeleteLocation(ctx, id); err != nil {
		s.logger.Error("rollback location failed", zap.String("location_id", id), zap.Error(err))
	}
}

// ListLocations returns all cached locations.
func (s *Service) ListLocations(ctx context.Context) ([]CachedLocation, error) {
	return s.store.ListLocations(ctx)
}

// LocationByCoordinates returns the location registered at exactly this coordinate.
func (s *Service) LocationByCoordinates(ctx context.Context, lat, lon float64) (CachedLocation, error) {
	return s.store.FindLocationByCoordinates(ctx, lat, lon)
}

// LocationNear returns the nearest location within the configured location radius.
func (s *Service) LocationNear(ctx context.Context, lat, lon float64) (CachedLocation, error) {
	return s.store.NearestLocation(ctx, lat, lon, s.locationRadius)
}

// DeleteLocation removes a cached location and its history.
func (s *Service) DeleteLocation(ctx context.Context, id string) (CachedLocation, error) {
	loc, err := s.store.GetLocation(ctx, id)
	if err != nil {
		return CachedLocation{}, err
	}
	if err := s.store.DeleteHistory(ctx, id); err != nil {
		return CachedLocation{}, fmt.Errorf("delete history: %w", err)
	}
	if err := s.store.DeleteLocation(ctx, id); err != nil {
		return CachedLocation{}, fmt.Errorf("delete location: %w", err)
	}
	return loc, nil
}
