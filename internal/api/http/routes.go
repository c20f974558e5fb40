package httpapi

import (
	"errors"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/i474232898/agroweather/internal/common"
	"github.com/i474232898/agroweather/internal/jsonld"
	"github.com/i474232898/agroweather/internal/weather"
)

var validate = validator.New()

const defaultRadiusKm = 10

// LocationScheduler keeps the daily sliding-window jobs in step with the
// cached locations.
type LocationScheduler interface {
	AddLocation(loc weather.CachedLocation) error
	RemoveLocation(id string) error
}

// Deps holds what the handlers need.
type Deps struct {
	Service   *weather.Service
	Scheduler LocationScheduler
	Logger    *zap.Logger
	// JWTKey turns on bearer authentication for /api when set.
	JWTKey string
}

// ErrorHandler renders every error as {"error": true, "message": ...} and maps
// domain errors to HTTP status codes.
func ErrorHandler(c *fiber.Ctx, err error) error {
	return c.Status(statusFor(err)).JSON(fiber.Map{
		"error":   true,
		"message": err.Error(),
	})
}

func statusFor(err error) int {
	var fe *fiber.Error
	var ve validator.ValidationErrors
	switch {
	case errors.As(err, &fe):
		return fe.Code
	case errors.As(err, &ve), errors.Is(err, weather.ErrInvalidArgument):
		return fiber.StatusBadRequest
	case errors.Is(err, weather.ErrNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, weather.ErrConcurrentWrite):
		return fiber.StatusConflict
	case errors.Is(err, weather.ErrUnsupported):
		return fiber.StatusNotImplemented
	case weather.IsInvalidData(err):
		return fiber.StatusUnprocessableEntity
	case weather.IsProviderError(err):
		return fiber.StatusBadGateway
	}
	return fiber.StatusInternalServerError
}

// RegisterRoutes wires the HTTP handlers into the Fiber app.
func RegisterRoutes(app *fiber.App, deps Deps) {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	h := &handlers{svc: deps.Service, sched: deps.Scheduler, logger: deps.Logger}

	api := app.Group("/api")
	if deps.JWTKey != "" {
		api.Use(NewAuth(deps.JWTKey))
	}

	data := api.Group("/data")
	data.Get("/forecast5", h.forecast5)
	data.Get("/weather", h.currentWeather)
	data.Get("/thi", h.thi)
	data.Get("/flight_forecast5", h.flightForecast)
	data.Get("/flight_forecast5/:uavmodel", h.flightForecastForModel)
	data.Get("/spray_forecast", h.sprayForecast)

	ld := api.Group("/linkeddata")
	ld.Get("/forecast5", h.forecast5LD)
	ld.Get("/thi", h.thiLD)
	ld.Get("/flight_forecast5", h.flightForecastLD)
	ld.Get("/flight_forecast5/:uavmodel", h.flightForecastForModelLD)
	ld.Get("/spray_forecast", h.sprayForecastLD)

	v1 := api.Group("/v1")
	v1.Get("/weather/forecast5", h.genericForecast)
	v1.Post("/history/hourly", h.hourlyHistory)
	v1.Post("/history/daily", h.dailyHistory)
	v1.Get("/locations", h.listLocations)
	v1.Get("/locations/by-coordinates", h.locationByCoordinates)
	v1.Get("/locations/exists-in-radius", h.locationInRadius)
	v1.Post("/locations", h.addLocations(false))
	v1.Post("/locations/unique", h.addLocations(true))
	v1.Delete("/locations/:id", h.deleteLocation)
}

type handlers struct {
	svc    *weather.Service
	sched  LocationScheduler
	logger *zap.Logger
}

// pointQuery holds the coordinate every weather endpoint is keyed on.
type pointQuery struct {
	Lat float64 `validate:"gte=-90,lte=90"`
	Lon float64 `validate:"gte=-180,lte=180"`
}

func parsePointQuery(c *fiber.Ctx) (pointQuery, error) {
	var q pointQuery
	var err error
	if q.Lat, err = queryFloat(c, "lat"); err != nil {
		return q, err
	}
	if q.Lon, err = queryFloat(c, "lon"); err != nil {
		return q, err
	}
	if err := validate.Struct(q); err != nil {
		return q, fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	return q, nil
}

func queryFloat(c *fiber.Ctx, key string) (float64, error) {
	raw := c.Query(key)
	if raw == "" {
		return 0, fiber.NewError(fiber.StatusBadRequest, key+" query parameter is required")
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fiber.NewError(fiber.StatusBadRequest, "invalid "+key+": "+raw)
	}
	return v, nil
}

// queryList collects a list parameter given repeatedly and/or comma separated.
func queryList(c *fiber.Ctx, key string) []string {
	var raw []string
	for _, v := range c.Context().QueryArgs().PeekMulti(key) {
		raw = append(raw, string(v))
	}
	return common.SplitList(raw...)
}

func modelParam(c *fiber.Ctx) (string, error) {
	model, err := url.PathUnescape(c.Params("uavmodel"))
	if err != nil {
		return "", fiber.NewError(fiber.StatusBadRequest, "invalid uav model")
	}
	return strings.TrimSpace(model), nil
}

func (h *handlers) forecast5(c *fiber.Ctx) error {
	q, err := parsePointQuery(c)
	if err != nil {
		return err
	}
	preds, err := h.svc.GetWeatherForecast5Days(c.UserContext(), q.Lat, q.Lon)
	if err != nil {
		return err
	}
	return c.JSON(preds)
}

func (h *handlers) forecast5LD(c *fiber.Ctx) error {
	q, err := parsePointQuery(c)
	if err != nil {
		return err
	}
	preds, err := h.svc.GetWeatherForecast5Days(c.UserContext(), q.Lat, q.Lon)
	if err != nil {
		return err
	}
	point, err := h.svc.Cache().FindPoint(c.UserContext(), q.Lat, q.Lon)
	if err != nil {
		return err
	}
	return c.JSON(jsonld.Predictions(point, preds))
}

func (h *handlers) currentWeather(c *fiber.Ctx) error {
	q, err := parsePointQuery(c)
	if err != nil {
		return err
	}
	wd, err := h.svc.GetCurrentWeather(c.UserContext(), q.Lat, q.Lon)
	if err != nil {
		return err
	}
	return c.JSON(wd)
}

func (h *handlers) thi(c *fiber.Ctx) error {
	q, err := parsePointQuery(c)
	if err != nil {
		return err
	}
	reading, err := h.svc.GetTHI(c.UserContext(), q.Lat, q.Lon)
	if err != nil {
		return err
	}
	return c.JSON(reading)
}

func (h *handlers) thiLD(c *fiber.Ctx) error {
	q, err := parsePointQuery(c)
	if err != nil {
		return err
	}
	wd, err := h.svc.GetCurrentWeather(c.UserContext(), q.Lat, q.Lon)
	if err != nil {
		return err
	}
	return c.JSON(jsonld.THI(wd))
}

func (h *handlers) flightStatuses(c *fiber.Ctx) ([]weather.FlyStatus, error) {
	q, err := parsePointQuery(c)
	if err != nil {
		return nil, err
	}
	return h.svc.GetFlightForecastForAllUAVs(c.UserContext(), q.Lat, q.Lon,
		queryList(c, "uavmodels"), queryList(c, "status_filter"))
}

func (h *handlers) flightForecast(c *fiber.Ctx) error {
	statuses, err := h.flightStatuses(c)
	if err != nil {
		return err
	}
	return c.JSON(statuses)
}

func (h *handlers) flightForecastLD(c *fiber.Ctx) error {
	statuses, err := h.flightStatuses(c)
	if err != nil {
		return err
	}
	return c.JSON(jsonld.FlightStatuses(statuses))
}

func (h *handlers) modelStatuses(c *fiber.Ctx) ([]weather.FlyStatus, error) {
	q, err := parsePointQuery(c)
	if err != nil {
		return nil, err
	}
	model, err := modelParam(c)
	if err != nil {
		return nil, err
	}
	return h.svc.GetFlightForecastForUAV(c.UserContext(), q.Lat, q.Lon, model)
}

func (h *handlers) flightForecastForModel(c *fiber.Ctx) error {
	statuses, err := h.modelStatuses(c)
	if err != nil {
		return err
	}
	return c.JSON(statuses)
}

func (h *handlers) flightForecastForModelLD(c *fiber.Ctx) error {
	statuses, err := h.modelStatuses(c)
	if err != nil {
		return err
	}
	return c.JSON(jsonld.FlightStatuses(statuses))
}

func (h *handlers) sprayForecast(c *fiber.Ctx) error {
	q, err := parsePointQuery(c)
	if err != nil {
		return err
	}
	forecasts, err := h.svc.GetSprayForecast(c.UserContext(), q.Lat, q.Lon)
	if err != nil {
		return err
	}
	return c.JSON(forecasts)
}

func (h *handlers) sprayForecastLD(c *fiber.Ctx) error {
	q, err := parsePointQuery(c)
	if err != nil {
		return err
	}
	forecasts, err := h.svc.GetSprayForecast(c.UserContext(), q.Lat, q.Lon)
	if err != nil {
		return err
	}
	return c.JSON(jsonld.SprayForecasts(forecasts))
}

// forecastQuery holds the generic forecast document parameters.
type forecastQuery struct {
	pointQuery
	Start     time.Time
	End       time.Time `validate:"gtefield=Start"`
	Variables []string  `validate:"min=1,dive,oneof=temperature_2m relative_humidity_2m precipitation wind_speed_10m wind_direction_10m cloudcover pressure_msl"`
	Source    string
	RadiusKm  float64 `validate:"gte=0,lte=100"`
}

func (f *forecastQuery) bind(c *fiber.Ctx) error {
	p, err := parsePointQuery(c)
	if err != nil {
		return err
	}
	f.pointQuery = p

	today := common.DayStart(time.Now())
	f.Start, f.End = today, today.AddDate(0, 0, 5)
	if s := c.Query("start"); s != "" {
		if f.Start, err = common.ParseDate(s); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid start date; use YYYY-MM-DD")
		}
	}
	if s := c.Query("end"); s != "" {
		if f.End, err = common.ParseDate(s); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid end date; use YYYY-MM-DD")
		}
	}
	f.Variables = queryList(c, "variables")
	f.Source = c.Query("source")
	f.RadiusKm = defaultRadiusKm
	if c.Query("radius_km") != "" {
		if f.RadiusKm, err = queryFloat(c, "radius_km"); err != nil {
			return err
		}
	}
	if err := validate.Struct(f); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	return nil
}

func (h *handlers) genericForecast(c *fiber.Ctx) error {
	var q forecastQuery
	if err := q.bind(c); err != nil {
		return err
	}
	doc, err := h.svc.GetForecast(c.UserContext(), weather.ForecastQuery{
		Lat:       q.Lat,
		Lon:       q.Lon,
		Start:     q.Start,
		End:       q.End,
		Variables: q.Variables,
		Source:    q.Source,
		RadiusKm:  q.RadiusKm,
	})
	if err != nil {
		return err
	}
	return c.JSON(doc)
}

// historyRequest is the body of the history endpoints.
type historyRequest struct {
	Lat       *float64 `json:"lat" validate:"required,gte=-90,lte=90"`
	Lon       *float64 `json:"lon" validate:"required,gte=-180,lte=180"`
	Start     string   `json:"start" validate:"required,datetime=2006-01-02"`
	End       string   `json:"end" validate:"required,datetime=2006-01-02"`
	Variables []string `json:"variables" validate:"required,min=1,dive,required"`
	RadiusKm  *float64 `json:"radius_km" validate:"omitempty,gte=0"`
}

func (r historyRequest) query() (weather.HistoryQuery, error) {
	start, err := common.ParseDate(r.Start)
	if err != nil {
		return weather.HistoryQuery{}, fiber.NewError(fiber.StatusBadRequest, "invalid start date")
	}
	end, err := common.ParseDate(r.End)
	if err != nil {
		return weather.HistoryQuery{}, fiber.NewError(fiber.StatusBadRequest, "invalid end date")
	}
	radius := float64(defaultRadiusKm)
	if r.RadiusKm != nil {
		radius = *r.RadiusKm
	}
	return weather.HistoryQuery{
		Lat: *r.Lat, Lon: *r.Lon, Start: start, End: end, Variables: r.Variables, RadiusKm: radius,
	}, nil
}

func bindHistory(c *fiber.Ctx) (weather.HistoryQuery, error) {
	var req historyRequest
	if err := c.BodyParser(&req); err != nil {
		return weather.HistoryQuery{}, fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if err := validate.Struct(req); err != nil {
		return weather.HistoryQuery{}, fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	return req.query()
}

func (h *handlers) hourlyHistory(c *fiber.Ctx) error {
	q, err := bindHistory(c)
	if err != nil {
		return err
	}
	res, err := h.svc.HourlyHistory(c.UserContext(), q)
	if err != nil {
		return err
	}
	return c.JSON(res)
}

func (h *handlers) dailyHistory(c *fiber.Ctx) error {
	q, err := bindHistory(c)
	if err != nil {
		return err
	}
	res, err := h.svc.DailyHistory(c.UserContext(), q)
	if err != nil {
		return err
	}
	return c.JSON(res)
}

func (h *handlers) listLocations(c *fiber.Ctx) error {
	locs, err := h.svc.ListLocations(c.UserContext())
	if err != nil {
		return err
	}
	if locs == nil {
		locs = []weather.CachedLocation{}
	}
	return c.JSON(locs)
}

func (h *handlers) locationByCoordinates(c *fiber.Ctx) error {
	q, err := parsePointQuery(c)
	if err != nil {
		return err
	}
	loc, err := h.svc.LocationByCoordinates(c.UserContext(), q.Lat, q.Lon)
	if err != nil {
		return err
	}
	return c.JSON(loc)
}

func (h *handlers) locationInRadius(c *fiber.Ctx) error {
	q, err := parsePointQuery(c)
	if err != nil {
		return err
	}
	loc, err := h.svc.LocationNear(c.UserContext(), q.Lat, q.Lon)
	if err != nil {
		return err
	}
	return c.JSON(loc)
}

type locationsRequest struct {
	Locations []weather.LocationInput `json:"locations" validate:"required,min=1,dive"`
}

func (h *handlers) addLocations(unique bool) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var req locationsRequest
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
		}
		if err := validate.Struct(req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}

		added, err := h.svc.RegisterLocations(c.UserContext(), req.Locations, unique)
		if err != nil {
			return err
		}
		if h.sched != nil {
			for _, loc := range added {
				if err := h.sched.AddLocation(loc); err != nil {
					h.logger.Error("schedule location failed", zap.String("location_id", loc.ID), zap.Error(err))
				}
			}
		}
		if added == nil {
			added = []weather.CachedLocation{}
		}
		return c.Status(fiber.StatusCreated).JSON(added)
	}
}

func (h *handlers) deleteLocation(c *fiber.Ctx) error {
	id := c.Params("id")
	loc, err := h.svc.DeleteLocation(c.UserContext(), id)
	if err != nil {
		return err
	}
	if h.sched != nil {
		if err := h.sched.RemoveLocation(id); err != nil {
			h.logger.Error("unschedule location failed", zap.String("location_id", id), zap.Error(err))
		}
	}
	return c.JSON(loc)
}
