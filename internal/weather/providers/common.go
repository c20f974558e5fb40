package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/i474232898/agroweather/internal/weather"
)

// BackoffConfig controls exponential backoff behaviour.
type BackoffConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// HTTPClientConfig bundles HTTP client and resilience settings.
type HTTPClientConfig struct {
	Client  *http.Client
	Backoff BackoffConfig
}

// DefaultTimeout bounds every upstream call when no client is supplied.
const DefaultTimeout = 10 * time.Second

var (
	errCircuitOpen   = errors.New("circuit breaker open")
	errNoHTTPClient  = errors.New("http client not configured")
	errInvalidConfig = errors.New("invalid backoff configuration")
)

func defaultHTTPConfig(client *http.Client) HTTPClientConfig {
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	return HTTPClientConfig{
		Client: client,
		Backoff: BackoffConfig{
			MaxRetries:      3,
			InitialInterval: 500 * time.Millisecond,
			MaxInterval:     5 * time.Second,
		},
	}
}

func newBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     2 * time.Minute,
	})
}

// retryable reports whether another attempt may succeed.
func retryable(err error) bool {
	var conn *weather.ProviderConnectivityError
	if errors.As(err, &conn) {
		return true
	}
	var status *weather.ProviderStatusError
	return errors.As(err, &status) && status.Retryable()
}

// doRequestWithResilience executes the HTTP request with retries, exponential backoff,
// and a circuit breaker. Network failures become ProviderConnectivityError and
// non-2xx responses ProviderStatusError; only those that may be transient are retried.
func doRequestWithResilience(
	ctx context.Context,
	provider string,
	cfg HTTPClientConfig,
	cb *gobreaker.CircuitBreaker,
	buildRequest func() (*http.Request, error),
) (*http.Response, error) {
	if cfg.Client == nil {
		return nil, errNoHTTPClient
	}
	if cfg.Backoff.MaxRetries < 0 || cfg.Backoff.InitialInterval <= 0 {
		return nil, errInvalidConfig
	}

	var attempt int

	for {
		if ctx.Err() != nil {
			return nil, &weather.ProviderConnectivityError{Provider: provider, Err: ctx.Err()}
		}

		req, err := buildRequest()
		if err != nil {
			return nil, err
		}

		// Ensure the request obeys context cancellation.
		req = req.WithContext(ctx)

		result, err := cb.Execute(func() (interface{}, error) {
			resp, execErr := cfg.Client.Do(req)
			if execErr != nil {
				return nil, &weather.ProviderConnectivityError{Provider: provider, Err: execErr}
			}
			if resp.StatusCode < 200 || resp.StatusCode >= 300 {
				_, _ = io.Copy(io.Discard, resp.Body)
				resp.Body.Close()
				return nil, &weather.ProviderStatusError{Provider: provider, StatusCode: resp.StatusCode}
			}
			return resp, nil
		})

		if err == nil {
			resp, ok := result.(*http.Response)
			if !ok {
				return nil, fmt.Errorf("unexpected result type from circuit breaker")
			}
			return resp, nil
		}

		// If circuit is open, propagate immediately.
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &weather.ProviderConnectivityError{Provider: provider, Err: fmt.Errorf("%w: %v", errCircuitOpen, err)}
		}

		if !retryable(err) || attempt >= cfg.Backoff.MaxRetries {
			return nil, err
		}

		// Backoff with exponential delay.
		delay := cfg.Backoff.InitialInterval * time.Duration(math.Pow(2, float64(attempt)))
		if delay > cfg.Backoff.MaxInterval && cfg.Backoff.MaxInterval > 0 {
			delay = cfg.Backoff.MaxInterval
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, &weather.ProviderConnectivityError{Provider: provider, Err: ctx.Err()}
		case <-timer.C:
			// continue to next attempt
		}

		attempt++
	}
}

// readBody reads the whole response body and closes it.
func readBody(provider string, resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &weather.ProviderConnectivityError{Provider: provider, Err: err}
	}
	return body, nil
}

// decodeJSON unmarshals body into v, reporting malformed payloads as invalid data.
func decodeJSON(provider string, body []byte, v interface{}) error {
	if err := json.Unmarshal(body, v); err != nil {
		return &weather.InvalidUpstreamDataError{Provider: provider, Reason: "malformed JSON", Err: err}
	}
	return nil
}

func missingKey(provider, key string) error {
	return &weather.InvalidUpstreamDataError{Provider: provider, Reason: fmt.Sprintf("missing %q", key)}
}

// within reports whether t falls on a calendar day in [start, end]. A zero
// bound is open.
func within(t, start, end time.Time) bool {
	if !start.IsZero() && t.Before(start) {
		return false
	}
	if !end.IsZero() && !t.Before(end.AddDate(0, 0, 1)) {
		return false
	}
	return true
}

func ptr(v float64) *float64 { return &v }
