package providers

import (
	"context"

	"golang.org/x/sync/singleflight"

	"github.com/i474232898/agroweather/internal/weather"
)

// Deduper collapses concurrent forecast fetches for the same coordinate into
// one upstream call. Callers share the returned slice and must not modify it.
type Deduper struct {
	inner weather.ForecastSource
	group singleflight.Group
}

func NewDeduper(inner weather.ForecastSource) *Deduper {
	return &Deduper{inner: inner}
}

func (d *Deduper) Name() string {
	return d.inner.Name()
}

func (d *Deduper) ForecastSlots(ctx context.Context, lat, lon float64) ([]weather.Observation, error) {
	v, err := d.do(ctx, "slots:"+weather.CoordinateKey(lat, lon), func(ctx context.Context) (interface{}, error) {
		return d.inner.ForecastSlots(ctx, lat, lon)
	})
	if err != nil {
		return nil, err
	}
	return v.([]weather.Observation), nil
}

func (d *Deduper) CurrentConditions(ctx context.Context, lat, lon float64) (weather.CurrentConditions, error) {
	v, err := d.do(ctx, "current:"+weather.CoordinateKey(lat, lon), func(ctx context.Context) (interface{}, error) {
		return d.inner.CurrentConditions(ctx, lat, lon)
	})
	if err != nil {
		return weather.CurrentConditions{}, err
	}
	return v.(weather.CurrentConditions), nil
}

// do runs fetch once per key under a context detached from any one caller's
// cancellation. Each caller returns when its own ctx is done.
func (d *Deduper) do(ctx context.Context, key string, fetch func(context.Context) (interface{}, error)) (interface{}, error) {
	shared := context.WithoutCancel(ctx)
	ch := d.group.DoChan(key, func() (interface{}, error) {
		return fetch(shared)
	})
	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, &weather.ProviderConnectivityError{Provider: d.Name(), Err: ctx.Err()}
	}
}
