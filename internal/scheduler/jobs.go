package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/i474232898/agroweather/internal/farmcalendar"
	"github.com/i474232898/agroweather/internal/weather"
)

// Calendar is the subset of the farm calendar client used by the jobs.
type Calendar interface {
	Farms(ctx context.Context) ([]farmcalendar.Farm, error)
	Parcels(ctx context.Context, farmID string) ([]farmcalendar.Parcel, error)
	Machines(ctx context.Context, farmID string) ([]farmcalendar.Machine, error)
	ActivityType(ctx context.Context, name, description string) (string, error)
	PostObservation(ctx context.Context, obs farmcalendar.Observation) error
}

// Reconciler computes the artifacts pushed to the calendar.
type Reconciler interface {
	GetTHI(ctx context.Context, lat, lon float64) (weather.THIReading, error)
	EnsureForecastForUAVs(ctx context.Context, lat, lon float64, models []string, returnExisting bool) ([]weather.FlyStatus, error)
	EnsureSprayForecast(ctx context.Context, lat, lon float64, returnExisting bool) ([]weather.SprayForecast, error)
}

// FarmJob pushes one kind of observation for every parcel of a farm.
type FarmJob func(ctx context.Context, farm farmcalendar.Farm) error

// FarmJobs computes weather artifacts for farm parcels and pushes them to the
// farm calendar as observations.
type FarmJobs struct {
	calendar    Calendar
	reconciler  Reconciler
	logger      *zap.Logger
	concurrency int
}

func NewFarmJobs(calendar Calendar, reconciler Reconciler, logger *zap.Logger) *FarmJobs {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FarmJobs{calendar: calendar, reconciler: reconciler, logger: logger, concurrency: 4}
}

// RunForAllFarms applies job to every farm. A failing farm is logged and
// does not stop the others.
func (j *FarmJobs) RunForAllFarms(ctx context.Context, name string, job FarmJob) error {
	farms, err := j.calendar.Farms(ctx)
	if err != nil {
		return fmt.Errorf("list farms: %w", err)
	}
	for _, farm := range farms {
		if err := job(ctx, farm); err != nil {
			j.logger.Error("farm job failed", zap.String("job", name), zap.String("farm", farm.ID), zap.Error(err))
		}
	}
	return nil
}

// forEachParcel runs fn for every parcel with usable coordinates, bounded by
// the configured concurrency. Parcel errors are logged and counted as skipped.
func (j *FarmJobs) forEachParcel(ctx context.Context, job string, farm farmcalendar.Farm,
	fn func(ctx context.Context, parcel farmcalendar.Parcel, lat, lon float64) (int, error)) error {
	parcels, err := j.calendar.Parcels(ctx, farm.ID)
	if err != nil {
		return fmt.Errorf("list parcels: %w", err)
	}

	var pushed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(j.concurrency)
	for _, parcel := range parcels {
		parcel := parcel
		g.Go(func() error {
			log := j.logger.With(zap.String("job", job), zap.String("parcel", parcel.ID))
			lat, lon, err := parcel.Coordinates()
			if err != nil {
				log.Warn("parcel skipped", zap.Error(err))
				return nil
			}
			n, err := fn(gctx, parcel, lat, lon)
			if err != nil {
				log.Error("parcel failed", zap.Float64("lat", lat), zap.Float64("lon", lon), zap.Error(err))
			}
			pushed.Add(int64(n))
			return nil
		})
	}
	_ = g.Wait()

	j.logger.Info("farm job finished",
		zap.String("job", job), zap.String("farm", farm.ID),
		zap.Int("parcels", len(parcels)), zap.Int64("observations", pushed.Load()))
	return nil
}

func (j *FarmJobs) activity(ctx context.Context, name string) (string, error) {
	id, err := j.calendar.ActivityType(ctx, name, farmcalendar.ActivityDescription(name))
	if err != nil {
		return "", fmt.Errorf("activity type %s: %w", name, err)
	}
	return id, nil
}

// THIForFarm pushes the current THI of every parcel.
func (j *FarmJobs) THIForFarm(ctx context.Context, farm farmcalendar.Farm) error {
	activity, err := j.activity(ctx, farmcalendar.THIActivity)
	if err != nil {
		return err
	}
	return j.forEachParcel(ctx, "thi", farm, func(ctx context.Context, parcel farmcalendar.Parcel, lat, lon float64) (int, error) {
		reading, err := j.reconciler.GetTHI(ctx, lat, lon)
		if err != nil {
			return 0, err
		}
		if err := j.calendar.PostObservation(ctx, farmcalendar.THIObservation(activity, parcel, reading)); err != nil {
			return 0, err
		}
		return 1, nil
	})
}

// FlightForecastForFarm pushes newly computed flight verdicts for the UAV
// models assigned to the farm. Farms without machines are skipped.
func (j *FarmJobs) FlightForecastForFarm(ctx context.Context, farm farmcalendar.Farm) error {
	machines, err := j.calendar.Machines(ctx, farm.ID)
	if err != nil {
		return fmt.Errorf("list machines: %w", err)
	}
	models := machineModels(machines)
	if len(models) == 0 {
		j.logger.Debug("no machines for farm", zap.String("farm", farm.ID))
		return nil
	}

	activity, err := j.activity(ctx, farmcalendar.FlightActivity)
	if err != nil {
		return err
	}
	return j.forEachParcel(ctx, "flight", farm, func(ctx context.Context, parcel farmcalendar.Parcel, lat, lon float64) (int, error) {
		statuses, err := j.reconciler.EnsureForecastForUAVs(ctx, lat, lon, models, false)
		if err != nil {
			return 0, err
		}
		for i, fs := range statuses {
			if err := j.calendar.PostObservation(ctx, farmcalendar.FlightObservation(activity, parcel, fs)); err != nil {
				return i, err
			}
		}
		return len(statuses), nil
	})
}

// SprayForecastForFarm pushes newly computed spray verdicts for every parcel.
func (j *FarmJobs) SprayForecastForFarm(ctx context.Context, farm farmcalendar.Farm) error {
	activity, err := j.activity(ctx, farmcalendar.SprayActivity)
	if err != nil {
		return err
	}
	return j.forEachParcel(ctx, "spray", farm, func(ctx context.Context, parcel farmcalendar.Parcel, lat, lon float64) (int, error) {
		forecasts, err := j.reconciler.EnsureSprayForecast(ctx, lat, lon, false)
		if err != nil {
			return 0, err
		}
		for i, sf := range forecasts {
			if err := j.calendar.PostObservation(ctx, farmcalendar.SprayObservation(activity, parcel, sf)); err != nil {
				return i, err
			}
		}
		return len(forecasts), nil
	})
}

func machineModels(machines []farmcalendar.Machine) []string {
	seen := make(map[string]bool)
	var models []string
	for _, m := range machines {
		if m.Model == "" || seen[m.Model] {
			continue
		}
		seen[m.Model] = true
		models = append(models, m.Model)
	}
	sort.Strings(models)
	return models
}
