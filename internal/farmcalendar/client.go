// Package farmcalendar talks to the farm calendar service behind the gatekeeper.
package farmcalendar

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

const (
	maxAttempts  = 3
	serviceName  = "agroweather"
	loginPath    = "/api/login/"
	farmsPath    = "/Farm/"
	parcelsPath  = "/FarmParcels/"
	machinesPath = "/AgriculturalMachines/"
	activityPath = "/FarmCalendarActivityTypes/"
	observePath  = "/Observations/"
)

// ErrNoToken is returned when the gatekeeper login yields no access token.
var ErrNoToken = errors.New("gatekeeper returned no access token")

// StatusError is a non-2xx answer from the farm calendar or gatekeeper.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("farm calendar %s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

func (e *StatusError) unauthorized() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

func (e *StatusError) retryable() bool {
	return e.unauthorized() || e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Config holds the service endpoints and credentials.
type Config struct {
	BaseURL       string
	GatekeeperURL string
	Username      string
	Password      string
	Timeout       time.Duration
}

// Client is a farm calendar REST client. It logs in lazily and re-authenticates
// between attempts when a request is rejected.
type Client struct {
	api       *resty.Client
	gate      *resty.Client
	cfg       Config
	logger    *zap.Logger
	retryWait time.Duration

	mu            sync.Mutex
	token         string
	activityTypes map[string]string
}

func New(cfg Config, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	newClient := func(base string) *resty.Client {
		return resty.New().
			SetBaseURL(strings.TrimRight(base, "/")).
			SetTimeout(cfg.Timeout).
			SetHeader("Content-Type", "application/json").
			SetHeader("X-Requesting-Service", serviceName)
	}
	return &Client{
		api:           newClient(cfg.BaseURL),
		gate:          newClient(cfg.GatekeeperURL),
		cfg:           cfg,
		logger:        logger,
		retryWait:     500 * time.Millisecond,
		activityTypes: make(map[string]string),
	}
}

// Authenticate logs in to the gatekeeper and stores the access token.
func (c *Client) Authenticate(ctx context.Context) error {
	var tokens struct {
		Access  string `json:"access"`
		Refresh string `json:"refresh"`
	}
	resp, err := c.gate.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/x-www-form-urlencoded").
		SetFormData(map[string]string{"username": c.cfg.Username, "password": c.cfg.Password}).
		SetResult(&tokens).
		Post(loginPath)
	if err != nil {
		return fmt.Errorf("gatekeeper login: %w", err)
	}
	if !resp.IsSuccess() {
		return &StatusError{Method: http.MethodPost, Path: loginPath, StatusCode: resp.StatusCode(), Body: resp.String()}
	}
	if tokens.Access == "" {
		return ErrNoToken
	}

	c.mu.Lock()
	c.token = tokens.Access
	c.mu.Unlock()
	c.logger.Debug("authenticated with gatekeeper")
	return nil
}

func (c *Client) currentToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// do sends one API call with up to maxAttempts tries and exponential backoff.
// Rejected credentials trigger a fresh login before the next try.
func (c *Client) do(ctx context.Context, method, path string, query map[string]string, body, result any) error {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(c.retryWait << (attempt - 1))
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		if c.currentToken() == "" {
			if err := c.Authenticate(ctx); err != nil {
				lastErr = err
				continue
			}
		}

		req := c.api.R().SetContext(ctx).SetAuthToken(c.currentToken())
		if query != nil {
			req.SetQueryParams(query)
		}
		if body != nil {
			req.SetBody(body)
		}
		if result != nil {
			req.SetResult(result)
		}

		resp, err := req.Execute(method, path)
		if err != nil {
			lastErr = fmt.Errorf("farm calendar %s %s: %w", method, path, err)
			c.logger.Warn("farm calendar request failed", zap.String("path", path), zap.Int("attempt", attempt+1), zap.Error(err))
			continue
		}
		if resp.IsSuccess() {
			return nil
		}

		statusErr := &StatusError{Method: method, Path: path, StatusCode: resp.StatusCode(), Body: resp.String()}
		if !statusErr.retryable() {
			return statusErr
		}
		lastErr = statusErr
		if statusErr.unauthorized() {
			c.mu.Lock()
			c.token = ""
			c.mu.Unlock()
		}
		c.logger.Warn("farm calendar request rejected",
			zap.String("path", path), zap.Int("status", resp.StatusCode()), zap.Int("attempt", attempt+1))
	}
	return lastErr
}

// Ref is a JSON-LD node reference.
type Ref struct {
	ID string `json:"@id"`
}

// UUID returns the trailing identifier of the reference URN.
func (r Ref) UUID() string {
	return lastSegment(r.ID)
}

func lastSegment(urn string) string {
	if i := strings.LastIndex(urn, ":"); i >= 0 {
		return urn[i+1:]
	}
	return urn
}

type Farm struct {
	ID   string `json:"@id"`
	Name string `json:"name"`
}

type ParcelLocation struct {
	Lat  *float64 `json:"lat"`
	Long *float64 `json:"long"`
}

type Geometry struct {
	AsWKT string `json:"asWKT"`
}

type Parcel struct {
	ID         string          `json:"@id"`
	Identifier string          `json:"identifier"`
	Farm       Ref             `json:"farm"`
	Location   *ParcelLocation `json:"location,omitempty"`
	Geometry   Geometry        `json:"hasGeometry"`
}

type Machine struct {
	ID     string `json:"@id"`
	Name   string `json:"name"`
	Model  string `json:"model"`
	Parcel Ref    `json:"hasAgriParcel"`
}

type graph[T any] struct {
	Graph []T `json:"@graph"`
}

// Farms lists every farm visible to the service account.
func (c *Client) Farms(ctx context.Context) ([]Farm, error) {
	var out graph[Farm]
	if err := c.do(ctx, http.MethodGet, farmsPath, nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Graph, nil
}

// Parcels lists the parcels of a farm.
func (c *Client) Parcels(ctx context.Context, farmID string) ([]Parcel, error) {
	var out graph[Parcel]
	if err := c.do(ctx, http.MethodGet, parcelsPath, nil, nil, &out); err != nil {
		return nil, err
	}
	parcels := make([]Parcel, 0, len(out.Graph))
	for _, p := range out.Graph {
		if p.Farm.ID == farmID {
			parcels = append(parcels, p)
		}
	}
	return parcels, nil
}

// Machines lists machines assigned to any parcel of the farm. Parcel
// references use a different URN kind than parcels, so only the trailing
// identifiers are compared.
func (c *Client) Machines(ctx context.Context, farmID string) ([]Machine, error) {
	parcels, err := c.Parcels(ctx, farmID)
	if err != nil {
		return nil, err
	}
	ids := make(map[string]bool, len(parcels))
	for _, p := range parcels {
		ids[lastSegment(p.ID)] = true
	}

	var out graph[Machine]
	if err := c.do(ctx, http.MethodGet, machinesPath, nil, nil, &out); err != nil {
		return nil, err
	}
	machines := make([]Machine, 0, len(out.Graph))
	for _, m := range out.Graph {
		if ids[m.Parcel.UUID()] {
			machines = append(machines, m)
		}
	}
	return machines, nil
}

// ActivityType returns the id of the named observation activity type,
// creating it when missing. Ids are memoized for the life of the client.
func (c *Client) ActivityType(ctx context.Context, name, description string) (string, error) {
	c.mu.Lock()
	id, ok := c.activityTypes[name]
	c.mu.Unlock()
	if ok {
		return id, nil
	}

	var found graph[Ref]
	if err := c.do(ctx, http.MethodGet, activityPath, map[string]string{"name": name}, nil, &found); err != nil {
		return "", err
	}
	if len(found.Graph) > 0 && found.Graph[0].ID != "" {
		id = found.Graph[0].ID
	} else {
		payload := map[string]string{"name": name, "description": description, "category": "observation"}
		var created struct {
			Ref
			Graph []Ref `json:"@graph"`
		}
		if err := c.do(ctx, http.MethodPost, activityPath, nil, payload, &created); err != nil {
			return "", err
		}
		id = created.ID
		if id == "" && len(created.Graph) > 0 {
			id = created.Graph[0].ID
		}
		if id == "" {
			return "", fmt.Errorf("create activity type %q: response has no @id", name)
		}
		c.logger.Info("created activity type", zap.String("name", name), zap.String("id", id))
	}

	c.mu.Lock()
	c.activityTypes[name] = id
	c.mu.Unlock()
	return id, nil
}

// PostObservation stores an observation in the farm calendar.
func (c *Client) PostObservation(ctx context.Context, obs Observation) error {
	return c.do(ctx, http.MethodPost, observePath, nil, obs, nil)
}
