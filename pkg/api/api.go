package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/ericvolp12/feedsync/pkg/feed"
	"github.com/ericvolp12/feedsync/pkg/geo"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
)

var validate = validator.New()

// API exposes one feed and the reference location over HTTP.
type API struct {
	feed *feed.Feed
	geo  *geo.Provider
}

func NewAPI(f *feed.Feed, provider *geo.Provider) *API {
	return &API{feed: f, geo: provider}
}

// Annotate resolves the reference location and annotates the feed with it.
func (a *API) Annotate(ctx context.Context) geo.Coord {
	origin := a.geo.Resolve(ctx)
	a.feed.AnnotateDistance(origin)
	return origin
}

type FeedResponse struct {
	Filter feed.Filter `json:"filter"`
	feed.State
}

type LocationRequest struct {
	Lat float64 `json:"lat" validate:"min=-90,max=90"`
	Lng float64 `json:"lng" validate:"min=-180,max=180"`
}

type RefreshRequest struct {
	Category *string `json:"category"`
	Status   *string `json:"status"`
	PageSize *int    `json:"page_size"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (a *API) state(e echo.Context, status int) error {
	return e.JSON(status, FeedResponse{Filter: a.feed.Filter(), State: a.feed.State()})
}

// fetchError reports a failed fetch. The feed keeps its last good records,
// so the body carries the state alongside the error.
func (a *API) fetchError(e echo.Context, err error) error {
	if errors.Is(err, feed.ErrClosed) {
		return e.JSON(http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
	}
	status := http.StatusBadGateway
	if feed.Classify(err) == feed.KindNetwork {
		status = http.StatusGatewayTimeout
	}
	return a.state(e, status)
}

// HandleGetFeed handles the GET /feed endpoint
func (a *API) HandleGetFeed(e echo.Context) error {
	return a.state(e, http.StatusOK)
}

// HandleRefresh handles the POST /feed/refresh endpoint. Omitted fields keep
// the current filter.
func (a *API) HandleRefresh(e echo.Context) error {
	filter := a.feed.Filter()

	var req RefreshRequest
	if e.Request().ContentLength != 0 {
		if err := e.Bind(&req); err != nil {
			return e.JSON(http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("invalid body: %s", err)})
		}
	}
	if req.Category != nil {
		filter.Category = *req.Category
	}
	if req.Status != nil {
		filter.Status = *req.Status
	}
	if req.PageSize != nil {
		filter.PageSize = *req.PageSize
	}
	if err := filter.Validate(); err != nil {
		return e.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
	}

	if err := a.feed.Refresh(e.Request().Context(), filter); err != nil {
		return a.fetchError(e, err)
	}
	return a.state(e, http.StatusOK)
}

// HandleLoadMore handles the POST /feed/more endpoint
func (a *API) HandleLoadMore(e echo.Context) error {
	if err := a.feed.LoadMore(e.Request().Context()); err != nil {
		return a.fetchError(e, err)
	}
	return a.state(e, http.StatusOK)
}

// HandleGetLocation handles the GET /location endpoint
func (a *API) HandleGetLocation(e echo.Context) error {
	return e.JSON(http.StatusOK, a.geo.Resolve(e.Request().Context()))
}

// HandlePutLocation handles the PUT /location endpoint
func (a *API) HandlePutLocation(e echo.Context) error {
	var req LocationRequest
	if err := e.Bind(&req); err != nil {
		return e.JSON(http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("invalid body: %s", err)})
	}
	if err := validate.Struct(req); err != nil {
		return e.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
	}

	c := geo.Coord{Lat: req.Lat, Lng: req.Lng}
	if err := a.geo.Set(e.Request().Context(), c); err != nil {
		return e.JSON(http.StatusInternalServerError, errorResponse{Error: fmt.Sprintf("failed to save location: %s", err)})
	}
	a.feed.AnnotateDistance(c)

	return e.JSON(http.StatusOK, c)
}

// Register mounts the API's routes on e.
func (a *API) Register(e *echo.Echo) {
	e.GET("/feed", a.HandleGetFeed)
	e.POST("/feed/refresh", a.HandleRefresh)
	e.POST("/feed/more", a.HandleLoadMore)
	e.GET("/location", a.HandleGetLocation)
	e.PUT("/location", a.HandlePutLocation)
}
