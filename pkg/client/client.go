// Package client talks to the supervisr daemon's HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const DefaultBaseURL = "http://127.0.0.1:8080/api"

// Client provides HTTP client functionality to communicate with the daemon.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger // Optional logger for client operations
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: DefaultBaseURL,
		Timeout: 10 * time.Second,
	}
}

// APIError is a non-2xx answer from the daemon.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.Status, e.Message)
}

// IsNotFound reports whether err is a 404 from the daemon.
func IsNotFound(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Status == http.StatusNotFound
}

// New creates a new API client.
func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		logger:  config.Logger,
		client:  &http.Client{Timeout: config.Timeout},
	}
}

// IsReachable checks if the daemon is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	var out []ServiceStatus
	err := c.do(ctx, http.MethodGet, "/services", nil, &out)
	if err != nil {
		c.logger.Debug("Daemon unreachable", "error", err)
		return false
	}
	return true
}

func (c *Client) Add(ctx context.Context, req AddRequest) (AddResponse, error) {
	c.logger.Debug("Adding service", "name", req.Name, "command", req.Command)
	var out AddResponse
	err := c.do(ctx, http.MethodPost, "/services", req, &out)
	return out, err
}

func (c *Client) Remove(ctx context.Context, ref string) error {
	return c.do(ctx, http.MethodDelete, "/services/"+url.PathEscape(ref), nil, nil)
}

func (c *Client) Start(ctx context.Context, ref string) error {
	return c.do(ctx, http.MethodPost, "/services/"+url.PathEscape(ref)+"/start", nil, nil)
}

func (c *Client) Stop(ctx context.Context, ref string) error {
	return c.do(ctx, http.MethodPost, "/services/"+url.PathEscape(ref)+"/stop", nil, nil)
}

func (c *Client) Restart(ctx context.Context, ref string) error {
	return c.do(ctx, http.MethodPost, "/services/"+url.PathEscape(ref)+"/restart", nil, nil)
}

// Signal sends a named signal ("HUP", "SIGUSR1", "15") to a service.
func (c *Client) Signal(ctx context.Context, ref, signal string) error {
	body := struct {
		Signal string `json:"signal"`
	}{signal}
	return c.do(ctx, http.MethodPost, "/services/"+url.PathEscape(ref)+"/signal", body, nil)
}

func (c *Client) List(ctx context.Context) ([]ServiceStatus, error) {
	var out []ServiceStatus
	err := c.do(ctx, http.MethodGet, "/services", nil, &out)
	return out, err
}

func (c *Client) Get(ctx context.Context, ref string) (ServiceStatus, error) {
	var out ServiceStatus
	err := c.do(ctx, http.MethodGet, "/services/"+url.PathEscape(ref), nil, &out)
	return out, err
}

func (c *Client) Scheduler(ctx context.Context) ([]ScheduleEntry, error) {
	var out []ScheduleEntry
	err := c.do(ctx, http.MethodGet, "/scheduler", nil, &out)
	return out, err
}

func (c *Client) Config(ctx context.Context) ([]Definition, error) {
	var out []Definition
	err := c.do(ctx, http.MethodGet, "/config", nil, &out)
	return out, err
}

// History returns up to limit recorded lifecycle events of a service,
// newest first. A limit of 0 takes the daemon default.
func (c *Client) History(ctx context.Context, ref string, limit int) ([]HistoryEvent, error) {
	path := "/services/" + url.PathEscape(ref) + "/history"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out []HistoryEvent
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// LogFiles lists the output files of a service that exist on the daemon's
// host.
func (c *Client) LogFiles(ctx context.Context, ref string) ([]LogFile, error) {
	var out []LogFile
	err := c.do(ctx, http.MethodGet, "/services/"+url.PathEscape(ref)+"/logs", nil, &out)
	return out, err
}

// Logs opens the last opts.Tail lines of a service's output. With
// opts.Follow the body stays open and carries new output until ctx is
// cancelled, so the client timeout does not apply. The caller closes it.
func (c *Client) Logs(ctx context.Context, ref string, opts LogOptions) (io.ReadCloser, error) {
	q := url.Values{}
	q.Set("tail", strconv.Itoa(opts.Tail))
	if opts.Stream != "" {
		q.Set("stream", opts.Stream)
	}
	if opts.Follow {
		q.Set("follow", "true")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/services/"+url.PathEscape(ref)+"/logs?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	hc := c.client
	if opts.Follow {
		hc = &http.Client{Transport: c.client.Transport}
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer func() { _ = resp.Body.Close() }()
		return nil, c.handleErrorResponse(resp)
	}
	return resp.Body, nil
}

// Stats returns the latest resource samples. The daemon answers 404 when
// sampling is disabled.
func (c *Client) Stats(ctx context.Context) (Stats, error) {
	var out Stats
	err := c.do(ctx, http.MethodGet, "/stats", nil, &out)
	return out, err
}

// do sends body as JSON and decodes a successful answer into out.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.handleErrorResponse(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// handleErrorResponse handles HTTP error responses
func (c *Client) handleErrorResponse(resp *http.Response) error {
	var errorResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil || errorResp.Error == "" {
		return &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}
	c.logger.Debug("API request failed", "error", errorResp.Error, "status", resp.StatusCode)
	return &APIError{Status: resp.StatusCode, Message: errorResp.Error}
}
