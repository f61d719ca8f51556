package server

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"

	"github.com/NodePath81/fbspeed/internal/api"
	"github.com/NodePath81/fbspeed/internal/metrics"
)

const mebibyte = 1 << 20

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		writeJSON(w, http.StatusMethodNotAllowed, api.ValidationError{Message: "method not allowed"})
		return
	}
	s.metrics.IncPings()
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodGet {
		_, _ = io.WriteString(w, "pong")
	}
}

// downloadSize reads the size query parameter in MiB. Missing or invalid
// values select the default; the result is capped at the configured maximum.
func (s *Server) downloadSize(r *http.Request) int64 {
	size := s.cfg.Download.DefaultBytes
	if raw := r.URL.Query().Get("size"); raw != "" {
		mib, err := strconv.ParseFloat(raw, 64)
		if err == nil && mib > 0 && !math.IsInf(mib, 0) {
			size = int64(mib * mebibyte)
		}
	}
	if size > s.cfg.Download.MaxBytes {
		size = s.cfg.Download.MaxBytes
	}
	return size
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		writeJSON(w, http.StatusMethodNotAllowed, api.ValidationError{Message: "method not allowed"})
		return
	}
	total := s.downloadSize(r)
	h := w.Header()
	h.Set("Content-Type", "application/octet-stream")
	h.Set("Content-Length", strconv.FormatInt(total, 10))
	h.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}

	defer s.metrics.TransferStarted(metrics.DirectionDownload)()
	ctx := r.Context()
	var sent int64
	for sent < total {
		if ctx.Err() != nil {
			break
		}
		n := int64(len(s.chunk))
		if remaining := total - sent; n > remaining {
			n = remaining
		}
		written, err := w.Write(s.chunk[:n])
		sent += int64(written)
		s.metrics.AddBytes(metrics.DirectionDownload, int64(written))
		if err != nil {
			break
		}
	}
	if sent < total {
		s.logger.Debug("download aborted by client", "client", clientIP(r), "sent", sent, "size", total)
	}
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, api.ValidationError{Message: "method not allowed"})
		return
	}
	defer s.metrics.TransferStarted(metrics.DirectionUpload)()
	body := http.MaxBytesReader(w, r.Body, s.cfg.Upload.MaxBytes)
	n, err := io.Copy(io.Discard, body)
	s.metrics.AddBytes(metrics.DirectionUpload, n)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, api.UploadResponse{Success: false, BytesReceived: n})
			return
		}
		s.logger.Debug("upload aborted by client", "client", clientIP(r), "received", n, "error", err)
		return
	}
	writeJSON(w, http.StatusOK, api.UploadResponse{Success: true, BytesReceived: n})
}

func (s *Server) handleRecord(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, api.ValidationError{Message: "method not allowed"})
		return
	}
	ip := clientIP(r)
	if !s.limiter.Allow(ip) {
		writeJSON(w, http.StatusTooManyRequests, api.ValidationError{Message: "rate limit exceeded"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRecordBodyBytes)
	var req api.RecordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		verr := decodeError(err)
		s.metrics.IncRejected(verr.Field)
		writeJSON(w, http.StatusBadRequest, verr)
		return
	}
	if verr := req.Validate(); verr != nil {
		s.metrics.IncRejected(verr.Field)
		s.logger.Debug("result rejected", "client", ip, "field", verr.Field, "reason", verr.Message)
		writeJSON(w, http.StatusBadRequest, verr)
		return
	}

	entry := req.NewSpeedTest()
	loc := s.geo.LookupHost(ip)
	entry.Country, entry.City, entry.ASN = loc.Country, loc.City, loc.ASN

	record, err := s.storage.CreateSpeedTest(r.Context(), entry)
	if err != nil {
		s.logger.Error("store result failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, api.ValidationError{Message: "failed to record result"})
		return
	}
	s.metrics.ObserveResult(record.Ping, record.Download, record.Upload)
	s.hub.Broadcast(api.LiveEvent{Type: api.EventResultRecorded, Record: &record})
	s.logger.Info("result recorded",
		"id", record.ID,
		"run", record.RunID,
		"ping_ms", record.Ping,
		"download_mbps", record.Download,
		"upload_mbps", record.Upload,
		"country", record.Country)
	writeJSON(w, http.StatusCreated, record)
}

func decodeError(err error) *api.ValidationError {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return &api.ValidationError{Message: "Expected " + typeErr.Type.String() + ", received " + typeErr.Value, Field: typeErr.Field}
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return &api.ValidationError{Message: "request body too large"}
	}
	return &api.ValidationError{Message: "invalid json"}
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, api.ValidationError{Message: "method not allowed"})
		return
	}
	limit := s.cfg.History.Limit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, api.ValidationError{Message: "limit must be a positive integer", Field: "limit"})
			return
		}
		if n < limit {
			limit = n
		}
	}
	tests, err := s.storage.ListSpeedTests(r.Context(), limit)
	if err != nil {
		s.logger.Error("list results failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, api.ValidationError{Message: "failed to load history"})
		return
	}
	writeJSON(w, http.StatusOK, tests)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.cfg.AuthToken != "" {
		token, ok := bearerToken(r)
		if !ok || !secureTokenEqual(token, s.cfg.AuthToken) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}
	s.metrics.Handler(w, r)
}
