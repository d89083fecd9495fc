package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/motivemetrics/zerog/pkg/server"
)

// Client is a client for the management REST API.
type Client struct {
	addr   string
	http   *http.Client
	scheme string
}

// NewClient creates a new management API client.
func NewClient(addr string) *Client {
	return &Client{
		addr:   addr,
		http:   http.DefaultClient,
		scheme: "http",
	}
}

// CreateJob submits a new job and returns its uuid.
func (c *Client) CreateJob(ctx context.Context, jobType string, data map[string]any) (string, error) {
	path := "/jobs"
	if jobType != "" {
		path += "/" + jobType
	}

	buf := new(bytes.Buffer)
	if err := json.NewEncoder(buf).Encode(data); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(path), buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	var out struct {
		UUID string `json:"uuid"`
	}
	if err := c.do(req, http.StatusCreated, &out); err != nil {
		return "", err
	}
	return out.UUID, nil
}

// GetJob fetches a job's full document.
func (c *Client) GetJob(ctx context.Context, uuid string) (map[string]any, error) {
	return c.getMap(ctx, "/jobs/"+uuid)
}

// Progress fetches a job's completeness and result code.
func (c *Client) Progress(ctx context.Context, uuid string) (map[string]any, error) {
	return c.getMap(ctx, "/jobs/"+uuid+"/progress")
}

// Info fetches a job's progress plus its audit streams.
func (c *Client) Info(ctx context.Context, uuid string) (map[string]any, error) {
	return c.getMap(ctx, "/jobs/"+uuid+"/info")
}

// Data fetches a job's type-specific result data.
func (c *Client) Data(ctx context.Context, uuid string) (map[string]any, error) {
	return c.getMap(ctx, "/jobs/"+uuid+"/data")
}

// ServerInfo fetches the supervisor's current snapshot.
func (c *Client) ServerInfo(ctx context.Context) (server.Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("/server/info"), nil)
	if err != nil {
		return server.Snapshot{}, err
	}
	var out server.Snapshot
	if err := c.do(req, http.StatusOK, &out); err != nil {
		return server.Snapshot{}, err
	}
	return out, nil
}

// ListLogLevels lists the log levels of all subsystems.
func (c *Client) ListLogLevels(ctx context.Context) (map[string]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("/log/level"), nil)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string)
	if err := c.do(req, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SetLogLevel sets the log level of a subsystem.
func (c *Client) SetLogLevel(ctx context.Context, subsystem, level string) error {
	buf := new(bytes.Buffer)
	if err := json.NewEncoder(buf).Encode(SetLogLevelRequest{
		Subsystem: subsystem,
		Level:     level,
	}); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url("/log/level"), buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, http.StatusOK, nil)
}

func (c *Client) getMap(ctx context.Context, path string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(path), nil)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any)
	if err := c.do(req, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) do(req *http.Request, wantStatus int, out any) error {
	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode != wantStatus {
		var body struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(res.Body).Decode(&body) == nil && body.Error != "" {
			return fmt.Errorf("unexpected status code %d: %s", res.StatusCode, body.Error)
		}
		return fmt.Errorf("unexpected status code: %d", res.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(res.Body).Decode(out)
}

func (c *Client) url(path string) string {
	return fmt.Sprintf("%s://%s%s", c.scheme, c.addr, path)
}
