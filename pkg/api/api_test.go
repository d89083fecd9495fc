package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/require"

	"github.com/motivemetrics/zerog/internal/testutil"
	"github.com/motivemetrics/zerog/pkg/api"
	"github.com/motivemetrics/zerog/pkg/datastore/memds"
	"github.com/motivemetrics/zerog/pkg/job"
	"github.com/motivemetrics/zerog/pkg/registry"
	"github.com/motivemetrics/zerog/pkg/server"
	"github.com/motivemetrics/zerog/pkg/worker"
)

type wordJob struct {
	job.Job
	Word string `json:"word"`
}

func (w *wordJob) Run(ctx context.Context) (job.Result, error) {
	return job.Result{Code: 200}, nil
}

func (w *wordJob) Data() any {
	return map[string]any{"word": w.Word}
}

type idleChild struct{}

func (idleChild) PID() int                      { return 1 }
func (idleChild) Frames() <-chan worker.Frame   { return nil }
func (idleChild) Send(frame worker.Frame) error { return nil }
func (idleChild) Status() server.ChildStatus    { return server.ChildRunning }
func (idleChild) Kill() error                   { return nil }
func (idleChild) Wait()                         {}

func newAPI(t *testing.T) (*echo.Echo, *testutil.FakeQueue) {
	t.Helper()
	store := memds.New()
	q := testutil.NewFakeQueue(nil)
	r := registry.New()
	require.NoError(t, r.AddClasses(registry.Class{
		JobType: "word",
		Schema: registry.MustJSONSchema(`{
			"type": "object",
			"properties": {"word": {"type": "string", "minLength": 1}},
			"required": ["word"]
		}`),
		New: func() job.Runner { return &wordJob{} },
	}).Err())

	srv := server.New(server.Options{
		ServiceName: "apisvc",
		Host:        "host-a",
		Registry:    r,
		Store:       store,
		Queue:       q,
		Spawn:       func(ctx context.Context) (server.Child, error) { return idleChild{}, nil },
	}, 7)

	e := echo.New()
	api.New(srv).RegisterRoutes(e)
	return e, q
}

func request(t *testing.T, e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func createJob(t *testing.T, e *echo.Echo) string {
	t.Helper()
	rec := request(t, e, http.MethodPost, "/jobs/word", `{"word": "zipline"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp["uuid"])
	return resp["uuid"]
}

func TestCreateJob(t *testing.T) {
	t.Run("via path type", func(t *testing.T) {
		e, q := newAPI(t)
		uuid := createJob(t, e)

		// a queue entry carrying the uuid exists
		reserved, err := q.Reserve(context.Background(), "apisvc_jobs", 0)
		require.NoError(t, err)
		require.NotNil(t, reserved)
		var body string
		require.NoError(t, json.Unmarshal(reserved.Body, &body))
		require.Equal(t, uuid, body)
	})

	t.Run("via body type", func(t *testing.T) {
		e, _ := newAPI(t)
		rec := request(t, e, http.MethodPost, "/jobs", `{"jobType": "word", "word": "zip"}`)
		require.Equal(t, http.StatusCreated, rec.Code)
	})

	t.Run("unknown type", func(t *testing.T) {
		e, _ := newAPI(t)
		rec := request(t, e, http.MethodPost, "/jobs/mystery", `{"word": "zip"}`)
		require.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("schema rejection", func(t *testing.T) {
		e, _ := newAPI(t)
		rec := request(t, e, http.MethodPost, "/jobs/word", `{"word": ""}`)
		require.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestGetJob(t *testing.T) {
	e, _ := newAPI(t)
	uuid := createJob(t, e)

	rec := request(t, e, http.MethodGet, "/jobs/"+uuid, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	require.Equal(t, uuid, doc["uuid"])
	require.Equal(t, "word", doc["jobType"])
	require.Equal(t, "zipline", doc["word"])

	rec = request(t, e, http.MethodGet, "/jobs/nope", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestJobViews(t *testing.T) {
	e, _ := newAPI(t)
	uuid := createJob(t, e)

	t.Run("progress", func(t *testing.T) {
		rec := request(t, e, http.MethodGet, "/jobs/"+uuid+"/progress", "")
		require.Equal(t, http.StatusOK, rec.Code)
		var progress map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &progress))
		require.Equal(t, float64(0), progress["completeness"])
		require.Equal(t, float64(job.NoResult), progress["result"])
	})

	t.Run("info", func(t *testing.T) {
		rec := request(t, e, http.MethodGet, "/jobs/"+uuid+"/info", "")
		require.Equal(t, http.StatusOK, rec.Code)
		var info map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
		require.Contains(t, info, "events")
		require.Contains(t, info, "errors")
		require.Contains(t, info, "warnings")
	})

	t.Run("data", func(t *testing.T) {
		rec := request(t, e, http.MethodGet, "/jobs/"+uuid+"/data", "")
		require.Equal(t, http.StatusOK, rec.Code)
		var data map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &data))
		require.Equal(t, "zipline", data["word"])
	})
}

func TestServerInfo(t *testing.T) {
	e, _ := newAPI(t)
	rec := request(t, e, http.MethodGet, "/server/info", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var info map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	require.Equal(t, "zerog+$host-a+$apisvc+$7", info["workerId"])
	require.Contains(t, info, "state")
	require.Contains(t, info, "mem")
}

func TestLogLevels(t *testing.T) {
	e, _ := newAPI(t)

	rec := request(t, e, http.MethodGet, "/log/level", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var levels map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &levels))
	require.Contains(t, levels, "zerog/api")

	rec = request(t, e, http.MethodPost, "/log/level", `{"subsystem": "zerog/api", "level": "debug"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = request(t, e, http.MethodPost, "/log/level", `{"subsystem": "zerog/api"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
