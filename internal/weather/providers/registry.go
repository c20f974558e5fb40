package providers

import (
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/i474232898/agroweather/internal/weather"
)

// Source is a provider that can also drive the reconciler.
type Source interface {
	weather.Provider
	weather.ForecastSource
}

// Keys holds upstream API credentials.
type Keys struct {
	OpenWeatherMap string
	WeatherAPI     string
}

// Registry resolves providers by their configuration name.
type Registry struct {
	sources map[string]Source
}

// NewRegistry registers every supported upstream, sharing one HTTP client.
func NewRegistry(client *http.Client, keys Keys) *Registry {
	r := &Registry{sources: make(map[string]Source)}
	r.Register(NewOpenMeteoProvider(client))
	r.Register(NewOpenWeatherProvider(client, keys.OpenWeatherMap))
	r.Register(NewWeatherAPIProvider(client, keys.WeatherAPI))
	return r
}

// Register adds or replaces a source under its Name.
func (r *Registry) Register(s Source) {
	r.sources[strings.ToLower(s.Name())] = s
}

func (r *Registry) lookup(name string) (Source, error) {
	s, ok := r.sources[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("provider %q (known: %s): %w", name, strings.Join(r.Names(), ", "), weather.ErrInvalidArgument)
	}
	return s, nil
}

func (r *Registry) Provider(name string) (weather.Provider, error) {
	return r.lookup(name)
}

func (r *Registry) ForecastSource(name string) (weather.ForecastSource, error) {
	return r.lookup(name)
}

// Names lists registered providers, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.sources))
	for n := range r.sources {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
