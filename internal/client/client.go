// Package client talks to a speed-test server: it probes the server for the
// measurement engine and submits finished results.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/NodePath81/fbspeed/internal/api"
	"github.com/NodePath81/fbspeed/internal/config"
	"github.com/NodePath81/fbspeed/internal/engine"
	"github.com/NodePath81/fbspeed/internal/store"
	"github.com/NodePath81/fbspeed/internal/util"
)

const maxErrorBodyBytes = 4 << 10

// ErrNotSaved marks a result that the server did not persist.
var ErrNotSaved = errors.New("results not saved")

// StatusError is returned for unexpected HTTP status codes.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: unexpected status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Op, e.StatusCode, e.Body)
}

func newStatusError(op string, resp *http.Response) *StatusError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	return statusErrorWithBody(op, resp.StatusCode, body)
}

func statusErrorWithBody(op string, status int, body []byte) *StatusError {
	return &StatusError{Op: op, StatusCode: status, Body: strings.TrimSpace(string(body))}
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBodyBytes))
	_ = resp.Body.Close()
}

// Client submits results and reads the stored history. History responses are
// cached until the next successful Record or Invalidate.
type Client struct {
	baseURL string
	http    *http.Client
	timeout time.Duration
	logger  util.Logger

	mu      sync.Mutex
	history map[int][]store.SpeedTest
}

func New(cfg config.ClientConfig, httpClient *http.Client, logger util.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = util.Discard()
	}
	return &Client{
		baseURL: cfg.ServerURL,
		http:    httpClient,
		timeout: cfg.RequestTimeout.Duration(),
		logger:  logger,
		history: make(map[int][]store.SpeedTest),
	}
}

// Record posts a finished bundle. Errors wrapping ErrNotSaved mean the result
// was rejected or the server has no record endpoint; in the latter case the
// unsaved record is returned too.
func (c *Client) Record(ctx context.Context, result engine.Result) (store.SpeedTest, error) {
	m := result.Metrics
	body := api.NewRecordRequest(result.RunID, m.Ping, m.Jitter, m.Download, m.Upload)
	if verr := body.Validate(); verr != nil {
		return store.SpeedTest{}, fmt.Errorf("%w: %w", ErrNotSaved, verr)
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return store.SpeedTest{}, err
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+api.PathRecord, bytes.NewReader(payload))
	if err != nil {
		return store.SpeedTest{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return store.SpeedTest{}, fmt.Errorf("record: %w", err)
	}
	defer drain(resp)

	switch resp.StatusCode {
	case http.StatusCreated, http.StatusOK:
	case http.StatusBadRequest:
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		var verr api.ValidationError
		if err := json.Unmarshal(raw, &verr); err != nil || verr.Message == "" {
			return store.SpeedTest{}, fmt.Errorf("%w: %w", ErrNotSaved, statusErrorWithBody("record", resp.StatusCode, raw))
		}
		return store.SpeedTest{}, fmt.Errorf("%w: %w", ErrNotSaved, &verr)
	case http.StatusNotFound:
		c.logger.Warn("record endpoint not found, result kept locally", "run", result.RunID)
		unsaved := store.SpeedTest{
			RunID:     result.RunID,
			Ping:      m.Ping,
			Jitter:    m.Jitter,
			Download:  m.Download,
			Upload:    m.Upload,
			CreatedAt: time.Now().UTC(),
		}
		return unsaved, fmt.Errorf("%w: record endpoint not found", ErrNotSaved)
	default:
		return store.SpeedTest{}, newStatusError("record", resp)
	}

	var record store.SpeedTest
	if err := json.NewDecoder(resp.Body).Decode(&record); err != nil {
		return store.SpeedTest{}, fmt.Errorf("decode record response: %w", err)
	}
	c.Invalidate()
	c.logger.Info("result recorded", "id", record.ID, "run", record.RunID)
	return record, nil
}

// History returns stored results, most recent first. A server without a
// history endpoint yields an empty list.
func (c *Client) History(ctx context.Context, limit int) ([]store.SpeedTest, error) {
	c.mu.Lock()
	cached, ok := c.history[limit]
	c.mu.Unlock()
	if ok {
		return cached, nil
	}

	target := c.baseURL + api.PathHistory
	if limit > 0 {
		target += "?limit=" + strconv.Itoa(limit)
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	defer drain(resp)

	var tests []store.SpeedTest
	switch resp.StatusCode {
	case http.StatusOK:
		if err := json.NewDecoder(resp.Body).Decode(&tests); err != nil {
			return nil, fmt.Errorf("decode history: %w", err)
		}
		if tests == nil {
			tests = []store.SpeedTest{}
		}
	case http.StatusNotFound:
		tests = []store.SpeedTest{}
	default:
		return nil, newStatusError("history", resp)
	}

	c.mu.Lock()
	c.history[limit] = tests
	c.mu.Unlock()
	return tests, nil
}

// Invalidate drops cached history.
func (c *Client) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = make(map[int][]store.SpeedTest)
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}
