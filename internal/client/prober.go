package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/NodePath81/fbspeed/internal/api"
	"github.com/NodePath81/fbspeed/internal/config"
	"github.com/NodePath81/fbspeed/internal/engine"
)

const mebibyte = 1 << 20

// Prober runs the engine's network operations against a speed-test server.
type Prober struct {
	baseURL     string
	http        *http.Client
	timeout     time.Duration
	downloadMiB int64
}

var _ engine.Prober = (*Prober)(nil)

// NewProber returns a prober for cfg.ServerURL. The http client must not
// set a Timeout; transfers are bounded by the engine.
func NewProber(cfg config.ClientConfig, httpClient *http.Client) *Prober {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	size := (cfg.DownloadBytes + mebibyte - 1) / mebibyte
	if size < 1 {
		size = 1
	}
	return &Prober{
		baseURL:     cfg.ServerURL,
		http:        httpClient,
		timeout:     cfg.RequestTimeout.Duration(),
		downloadMiB: size,
	}
}

func (p *Prober) Ping(ctx context.Context) error {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.baseURL+api.PathPing, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Cache-Control", "no-store")
	resp, err := p.http.Do(req)
	if err != nil {
		return err
	}
	defer drain(resp)
	if resp.StatusCode != http.StatusOK {
		return newStatusError("ping", resp)
	}
	return nil
}

func (p *Prober) Download(ctx context.Context) (*engine.Stream, error) {
	target := p.baseURL + api.PathDownload + "?size=" + strconv.FormatInt(p.downloadMiB, 10)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Cache-Control", "no-store")
	resp, err := p.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer drain(resp)
		return nil, newStatusError("download", resp)
	}
	return &engine.Stream{Body: resp.Body, Size: resp.ContentLength}, nil
}

func (p *Prober) Upload(ctx context.Context, body io.Reader) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+api.PathUpload, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err := p.http.Do(req)
	if err != nil {
		return err
	}
	defer drain(resp)
	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusMethodNotAllowed:
		return fmt.Errorf("%w: status %d", engine.ErrUploadUnsupported, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return newStatusError("upload", resp)
	}
	var ack api.UploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return fmt.Errorf("decode upload response: %w", err)
	}
	if !ack.Success {
		return fmt.Errorf("upload rejected after %d bytes", ack.BytesReceived)
	}
	return nil
}

// EngineOptions maps the client config onto engine options.
func EngineOptions(cfg config.ClientConfig) engine.Options {
	opts := engine.Options{
		PingSamples:           cfg.PingSamples,
		DownloadLimit:         cfg.DownloadLimit.Duration(),
		ExpectedDownloadBytes: cfg.DownloadBytes,
		UploadMode:            engine.UploadMode(cfg.UploadMode),
		UploadLimit:           cfg.UploadLimit.Duration(),
		UploadBytes:           cfg.UploadBytes,
		DerivedDelay:          cfg.DerivedDelayDuration(),
		Cooldown:              cfg.CooldownDuration(),
	}
	if opts.DerivedDelay == 0 {
		opts.DerivedDelay = engine.NoDelay
	}
	if opts.Cooldown == 0 {
		opts.Cooldown = engine.NoDelay
	}
	return opts
}
