package backend

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/ericvolp12/feedsync/pkg/feed"
	"github.com/ericvolp12/feedsync/pkg/fetch"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
)

var validate = validator.New()

func (b *Backend) tableParam(c echo.Context) (string, error) {
	table := c.QueryParam("table")
	if table == "" {
		return b.defaultTable(), nil
	}
	if !b.hasTable(table) {
		return "", fmt.Errorf("unknown table %q", table)
	}
	return table, nil
}

// HandleRPC handles the POST /rpc/:function endpoint
func (b *Backend) HandleRPC(c echo.Context) error {
	function := c.Param("function")
	table, ok := strings.CutPrefix(function, FunctionPrefix)
	if !ok || !b.hasTable(table) {
		return c.JSON(http.StatusNotFound, errorResponse{Message: fmt.Sprintf("function %s not found", function)})
	}

	var req fetch.PageRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Message: fmt.Sprintf("invalid arguments: %s", err)})
	}

	filter := req.Filter()
	if err := filter.Validate(); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Message: err.Error()})
	}

	after := req.After()
	if (req.AfterCreatedAt == nil) != (req.AfterID == nil) {
		return c.JSON(http.StatusBadRequest, errorResponse{Message: "after_created_at and after_id must be set together"})
	}

	rows, err := b.store.Page(c.Request().Context(), table, filter, after)
	if err != nil {
		b.logger.Error("failed to query page", "table", table, "err", err)
		return c.JSON(http.StatusInternalServerError, errorResponse{Message: err.Error()})
	}

	pageQueries.WithLabelValues(table, strconv.FormatBool(after == nil)).Inc()

	return c.JSON(http.StatusOK, rows)
}

// HandleGetRecords handles the GET /records endpoint
func (b *Backend) HandleGetRecords(c echo.Context) error {
	// Parse the query parameters
	// table - Table to read (optional, defaults to the first table)
	// category - Category (optional)
	// status - Status (optional)
	// limit - Number of records to return (default=100)
	resp := RecordsResponse{}

	table, err := b.tableParam(c)
	if err != nil {
		resp.Error = err.Error()
		return c.JSON(http.StatusBadRequest, resp)
	}

	limit := 100
	if limitParam := c.QueryParam("limit"); limitParam != "" {
		limit, err = strconv.Atoi(limitParam)
		if err != nil {
			resp.Error = fmt.Sprintf("invalid limit: %s", err)
			return c.JSON(http.StatusBadRequest, resp)
		}
	}

	if limit < 1 {
		limit = 100
	}

	if limit > 1000 {
		limit = 1000
	}

	filter := feed.Filter{Category: c.QueryParam("category"), Status: c.QueryParam("status")}
	records, err := b.store.List(c.Request().Context(), table, filter, limit)
	if err != nil {
		resp.Error = err.Error()
		return c.JSON(http.StatusInternalServerError, resp)
	}

	resp.Records = records
	return c.JSON(http.StatusOK, resp)
}

// HandleCreateRecord handles the POST /records endpoint
func (b *Backend) HandleCreateRecord(c echo.Context) error {
	table, err := b.tableParam(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Message: err.Error()})
	}

	var req CreateRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Message: fmt.Sprintf("invalid body: %s", err)})
	}
	if err := validate.Struct(req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Message: err.Error()})
	}

	rec := feed.Record{
		ID:       req.ID,
		Category: req.Category,
		Status:   req.Status,
		Location: req.Location.location(),
		Payload:  req.Payload,
	}
	if req.CreatedAt != nil {
		rec.CreatedAt = *req.CreatedAt
	}

	created, err := b.Create(c.Request().Context(), table, rec)
	if err != nil {
		b.logger.Error("failed to create record", "table", table, "err", err)
		return c.JSON(http.StatusInternalServerError, errorResponse{Message: err.Error()})
	}

	return c.JSON(http.StatusCreated, created)
}

// HandlePatchRecord handles the PATCH /records/:id endpoint
func (b *Backend) HandlePatchRecord(c echo.Context) error {
	table, err := b.tableParam(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Message: err.Error()})
	}

	var req PatchRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Message: fmt.Sprintf("invalid body: %s", err)})
	}
	if err := validate.Struct(req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Message: err.Error()})
	}

	updated, err := b.Update(c.Request().Context(), table, c.Param("id"), req)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return c.JSON(http.StatusNotFound, errorResponse{Message: err.Error()})
		}
		b.logger.Error("failed to update record", "table", table, "err", err)
		return c.JSON(http.StatusInternalServerError, errorResponse{Message: err.Error()})
	}

	return c.JSON(http.StatusOK, updated)
}

// HandleDeleteRecord handles the DELETE /records/:id endpoint
func (b *Backend) HandleDeleteRecord(c echo.Context) error {
	table, err := b.tableParam(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Message: err.Error()})
	}

	deleted, err := b.Delete(c.Request().Context(), table, c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return c.JSON(http.StatusNotFound, errorResponse{Message: err.Error()})
		}
		b.logger.Error("failed to delete record", "table", table, "err", err)
		return c.JSON(http.StatusInternalServerError, errorResponse{Message: err.Error()})
	}

	return c.JSON(http.StatusOK, deleted)
}

// Register mounts the backend's routes on e.
func (b *Backend) Register(e *echo.Echo) {
	e.POST("/rpc/:function", b.HandleRPC)
	e.GET("/records", b.HandleGetRecords)
	e.POST("/records", b.HandleCreateRecord)
	e.PATCH("/records/:id", b.HandlePatchRecord)
	e.DELETE("/records/:id", b.HandleDeleteRecord)
	e.GET("/realtime", b.hub.HandleRealtime)
}
