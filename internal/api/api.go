// Package api holds the HTTP routes and JSON bodies shared by the speed-test
// server and its client.
package api

import (
	"fmt"
	"math"

	"github.com/NodePath81/fbspeed/internal/store"
)

const (
	PathPing     = "/api/ping"
	PathDownload = "/api/download"
	PathUpload   = "/api/upload"
	PathRecord   = "/api/speedtest/record"
	PathHistory  = "/api/speedtest/history"
	PathLive     = "/api/speedtest/live"
	PathMetrics  = "/metrics"
)

// EventResultRecorded is the live event type sent for every stored result.
const EventResultRecorded = "result_recorded"

// RecordRequest is the body of a record call. Pointers distinguish missing
// fields from zero values.
type RecordRequest struct {
	RunID    string   `json:"runId,omitempty"`
	Ping     *float64 `json:"ping"`
	Jitter   *float64 `json:"jitter"`
	Download *float64 `json:"download"`
	Upload   *float64 `json:"upload"`
}

// NewRecordRequest builds a request from a complete bundle.
func NewRecordRequest(runID string, ping, jitter, download, upload float64) RecordRequest {
	return RecordRequest{
		RunID:    runID,
		Ping:     &ping,
		Jitter:   &jitter,
		Download: &download,
		Upload:   &upload,
	}
}

// Validate reports the first invalid field.
func (r RecordRequest) Validate() *ValidationError {
	fields := []struct {
		name  string
		value *float64
	}{
		{"ping", r.Ping},
		{"jitter", r.Jitter},
		{"download", r.Download},
		{"upload", r.Upload},
	}
	for _, f := range fields {
		switch {
		case f.value == nil:
			return &ValidationError{Message: "Required", Field: f.name}
		case math.IsNaN(*f.value) || math.IsInf(*f.value, 0):
			return &ValidationError{Message: "Expected a finite number", Field: f.name}
		case *f.value < 0:
			return &ValidationError{Message: "Number must be greater than or equal to 0", Field: f.name}
		}
	}
	if len(r.RunID) > 64 {
		return &ValidationError{Message: "String must contain at most 64 character(s)", Field: "runId"}
	}
	return nil
}

// NewSpeedTest converts a validated request into a store entry.
func (r RecordRequest) NewSpeedTest() store.NewSpeedTest {
	return store.NewSpeedTest{
		RunID:    r.RunID,
		Ping:     *r.Ping,
		Jitter:   *r.Jitter,
		Download: *r.Download,
		Upload:   *r.Upload,
	}
}

// ValidationError is the 400 body of the record call.
type ValidationError struct {
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// UploadResponse acknowledges an upload.
type UploadResponse struct {
	Success       bool  `json:"success"`
	BytesReceived int64 `json:"bytesReceived"`
}

// LiveEvent is pushed to live websocket subscribers.
type LiveEvent struct {
	Type   string           `json:"type"`
	Record *store.SpeedTest `json:"record,omitempty"`
}
