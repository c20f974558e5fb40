package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"

	"github.com/i474232898/agroweather/internal/weather"
)

const slidingTagPrefix = "sliding:"

// SlidingWindow maintains the rolling history window of cached locations.
type SlidingWindow interface {
	ListLocations(ctx context.Context) ([]weather.CachedLocation, error)
	ReconcileSlidingWindow(ctx context.Context, locationID string) error
}

// Options configures the scheduled jobs.
type Options struct {
	// SlidingAt is the UTC wall clock time ("HH:MM") of the daily history job.
	SlidingAt        string
	THIInterval      time.Duration
	ForecastInterval time.Duration
	PushTHI          bool
	PushFlight       bool
	PushSpray        bool
	JobTimeout       time.Duration
}

// Scheduler runs the daily sliding-window job of every cached location and
// the periodic farm calendar pushes.
type Scheduler struct {
	cron   *gocron.Scheduler
	window SlidingWindow
	farms  *FarmJobs
	opts   Options
	logger *zap.Logger
}

// New creates a new Scheduler. farms may be nil when no farm calendar is configured.
func New(window SlidingWindow, farms *FarmJobs, opts Options, logger *zap.Logger) *Scheduler {
	if opts.SlidingAt == "" {
		opts.SlidingAt = "23:00"
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = 10 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cron := gocron.NewScheduler(time.UTC)
	cron.TagsUnique()
	return &Scheduler{cron: cron, window: window, farms: farms, opts: opts, logger: logger}
}

func slidingTag(id string) string { return slidingTagPrefix + id }

// Start schedules the jobs for every cached location plus the enabled farm
// jobs, then starts the underlying scheduler.
func (s *Scheduler) Start(ctx context.Context) error {
	locations, err := s.window.ListLocations(ctx)
	if err != nil {
		return fmt.Errorf("list locations: %w", err)
	}
	for _, loc := range locations {
		if err := s.AddLocation(loc); err != nil {
			return err
		}
	}
	if err := s.scheduleFarmJobs(); err != nil {
		return err
	}

	s.logger.Info("scheduler started", zap.Int("locations", len(locations)), zap.Int("jobs", s.cron.Len()))
	s.cron.StartAsync()
	return nil
}

// AddLocation schedules the daily sliding-window job for loc. Adding a
// location twice is a no-op.
func (s *Scheduler) AddLocation(loc weather.CachedLocation) error {
	tag := slidingTag(loc.ID)
	if s.HasLocation(loc.ID) {
		return nil
	}
	_, err := s.cron.Every(1).Day().At(s.opts.SlidingAt).Tag(tag).Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.JobTimeout)
		defer cancel()

		if err := s.window.ReconcileSlidingWindow(ctx, loc.ID); err != nil {
			s.logger.Error("sliding window update failed", zap.String("location_id", loc.ID), zap.Error(err))
			return
		}
		s.logger.Info("sliding window updated", zap.String("location_id", loc.ID))
	})
	if err != nil {
		return fmt.Errorf("schedule %s: %w", tag, err)
	}
	s.logger.Debug("location scheduled", zap.String("location_id", loc.ID), zap.String("at", s.opts.SlidingAt))
	return nil
}

// RemoveLocation drops the sliding-window job of a location, if any.
func (s *Scheduler) RemoveLocation(id string) error {
	err := s.cron.RemoveByTag(slidingTag(id))
	if err != nil && !errors.Is(err, gocron.ErrJobNotFoundWithTag) {
		return fmt.Errorf("unschedule location %s: %w", id, err)
	}
	return nil
}

// HasLocation reports whether a sliding-window job exists for the location.
func (s *Scheduler) HasLocation(id string) bool {
	jobs, err := s.cron.FindJobsByTag(slidingTag(id))
	return err == nil && len(jobs) > 0
}

func (s *Scheduler) scheduleFarmJobs() error {
	if s.farms == nil {
		return nil
	}
	type farmSchedule struct {
		name    string
		enabled bool
		every   time.Duration
		job     FarmJob
	}
	schedules := []farmSchedule{
		{"thi", s.opts.PushTHI, s.opts.THIInterval, s.farms.THIForFarm},
		{"flight", s.opts.PushFlight, s.opts.ForecastInterval, s.farms.FlightForecastForFarm},
		{"spray", s.opts.PushSpray, s.opts.ForecastInterval, s.farms.SprayForecastForFarm},
	}
	for _, fs := range schedules {
		fs := fs
		if !fs.enabled {
			continue
		}
		if fs.every <= 0 {
			return fmt.Errorf("farm job %s: interval must be positive", fs.name)
		}
		_, err := s.cron.Every(fs.every).WaitForSchedule().Tag("farm:" + fs.name).Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), s.opts.JobTimeout)
			defer cancel()

			if err := s.farms.RunForAllFarms(ctx, fs.name, fs.job); err != nil {
				s.logger.Error("farm job failed", zap.String("job", fs.name), zap.Error(err))
			}
		})
		if err != nil {
			return fmt.Errorf("schedule farm job %s: %w", fs.name, err)
		}
		s.logger.Info("farm job scheduled", zap.String("job", fs.name), zap.Duration("every", fs.every))
	}
	return nil
}

// Stop stops the scheduler and cancels any future jobs.
func (s *Scheduler) Stop() {
	if s.cron != nil {
		s.cron.Stop()
	}
}
