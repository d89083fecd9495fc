// Package api serves the REST surface: job submission and inspection, the
// supervisor snapshot, and runtime log-level control.
package api

import (
	"errors"
	"net/http"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/labstack/echo/v4"

	"github.com/motivemetrics/zerog/pkg/datastore"
	"github.com/motivemetrics/zerog/pkg/job"
	"github.com/motivemetrics/zerog/pkg/server"
)

var log = logging.Logger("zerog/api")

// API exposes one server's jobs over HTTP.
type API struct {
	server *server.Server
}

func New(s *server.Server) *API {
	return &API{server: s}
}

// RegisterRoutes mounts the API on e.
func (a *API) RegisterRoutes(e *echo.Echo) {
	e.POST("/jobs", a.createJob)
	e.POST("/jobs/:jobtype", a.createJob)
	e.GET("/jobs/:uuid", a.getJob)
	e.GET("/jobs/:uuid/progress", a.getProgress)
	e.GET("/jobs/:uuid/info", a.getInfo)
	e.GET("/jobs/:uuid/data", a.getData)
	e.GET("/server/info", a.getServerInfo)
	e.GET("/log/level", listLogLevels)
	e.POST("/log/level", setLogLevel)
}

func (a *API) createJob(c echo.Context) error {
	data := map[string]any{}
	if err := c.Bind(&data); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody("invalid request body"))
	}

	// unknown type, missing type, and schema rejection are all client errors
	runner, err := a.server.MakeJob(c.Request().Context(), data, c.Param("jobtype"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorBody(err.Error()))
	}

	// queueKwargs submitted in the document pick the enqueue coordinates.
	base := runner.Base()
	delay := time.Duration(base.QueueKwargs.Delay * float64(time.Second))
	ttr := time.Duration(base.QueueKwargs.TTR * float64(time.Second))
	if !base.Enqueue(c.Request().Context(), delay, ttr) {
		log.Errorw("enqueue failed", "uuid", base.UUID)
		return c.JSON(http.StatusInternalServerError, errorBody("enqueue failed"))
	}
	return c.JSON(http.StatusCreated, map[string]string{"uuid": base.UUID})
}

func (a *API) loadJob(c echo.Context) (job.Runner, error) {
	runner, err := a.server.GetJob(c.Request().Context(), c.Param("uuid"))
	if err != nil {
		if errors.Is(err, datastore.ErrNotFound) {
			return nil, c.JSON(http.StatusNotFound, errorBody("unknown job"))
		}
		log.Errorw("loading job", "uuid", c.Param("uuid"), "error", err)
		return nil, c.JSON(http.StatusInternalServerError, errorBody(err.Error()))
	}
	return runner, nil
}

func (a *API) getJob(c echo.Context) error {
	runner, err := a.loadJob(c)
	if runner == nil {
		return err
	}
	doc, err := runner.Base().Dump()
	if err != nil {
		return c.JSON(http.StatusInternalServerError, errorBody(err.Error()))
	}
	return c.JSONBlob(http.StatusOK, doc)
}

func (a *API) getProgress(c echo.Context) error {
	runner, err := a.loadJob(c)
	if runner == nil {
		return err
	}
	return c.JSON(http.StatusOK, runner.Base().Progress())
}

func (a *API) getInfo(c echo.Context) error {
	runner, err := a.loadJob(c)
	if runner == nil {
		return err
	}
	return c.JSON(http.StatusOK, runner.Base().Info())
}

func (a *API) getData(c echo.Context) error {
	runner, err := a.loadJob(c)
	if runner == nil {
		return err
	}
	return c.JSON(http.StatusOK, runner.Data())
}

func (a *API) getServerInfo(c echo.Context) error {
	return c.JSON(http.StatusOK, a.server.Info())
}

// SetLogLevelRequest adjusts one logging subsystem at runtime.
type SetLogLevelRequest struct {
	Subsystem string `json:"subsystem"`
	Level     string `json:"level"`
}

func listLogLevels(c echo.Context) error {
	levels := make(map[string]string)
	for _, subsystem := range logging.GetSubsystems() {
		levels[subsystem] = logging.Logger(subsystem).Level().String()
	}
	return c.JSON(http.StatusOK, levels)
}

func setLogLevel(c echo.Context) error {
	var req SetLogLevelRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	if req.Subsystem == "" {
		return c.String(http.StatusBadRequest, "subsystem is required")
	}
	if req.Level == "" {
		return c.String(http.StatusBadRequest, "level is required")
	}
	if err := logging.SetLogLevel(req.Subsystem, req.Level); err != nil {
		return c.String(http.StatusBadRequest, err.Error())
	}
	return c.NoContent(http.StatusOK)
}

func errorBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}
