package engine

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/NodePath81/fbspeed/internal/util"
	"github.com/benbjohnson/clock"
)

const transferChunkSize = 64 << 10

// runner holds the per-run state of one execution. metrics only ever holds
// recorded (rounded) values.
type runner struct {
	engine  *Engine
	gen     uint64
	logger  util.Logger
	phase   Phase
	metrics Metrics
	before  Metrics
}

func (r *runner) runPhases(ctx context.Context) error {
	steps := []struct {
		phase Phase
		run   func(context.Context) error
	}{
		{PhasePing, r.measurePing},
		{PhaseDownload, r.measureDownload},
		{PhaseUpload, r.measureUpload},
	}
	for i, step := range steps {
		if i > 0 {
			if err := r.engine.sleep(ctx, r.engine.opts.Cooldown); err != nil {
				return err
			}
		}
		r.enter(step.phase)
		if err := step.run(ctx); err != nil {
			return fmt.Errorf("%s phase: %w", step.phase, err)
		}
	}
	return nil
}

func (r *runner) enter(phase Phase) {
	r.phase = phase
	r.before = r.metrics
	r.engine.update(r.gen, func(s *Snapshot) {
		s.Phase = phase
		s.Progress = 0
		s.CurrentValue = 0
	})
	r.logger.Debug("phase started", "phase", phase.String())
}

func (r *runner) measurePing(ctx context.Context) error {
	e := r.engine
	n := e.opts.PingSamples
	samples := make([]float64, 0, n)
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		start := e.clock.Now()
		if err := e.prober.Ping(ctx); err != nil {
			return fmt.Errorf("sample %d: %w", i+1, err)
		}
		samples = append(samples, durationMs(e.clock.Since(start)))
		live := mean(samples)
		progress := float64(i+1) / float64(n) * 100
		e.update(r.gen, func(s *Snapshot) {
			s.Progress = progress
			s.CurrentValue = live
		})
	}

	ping, jitter := SummarizePing(samples)
	r.metrics.Ping = ping
	r.metrics.Jitter = jitter
	e.update(r.gen, func(s *Snapshot) {
		s.Metrics.Ping = ping
		s.Metrics.Jitter = jitter
		s.CurrentValue = mean(samples)
	})
	return nil
}

func (r *runner) measureDownload(ctx context.Context) error {
	e := r.engine
	start := e.clock.Now()
	ctx, limited, stop := r.limitTransfer(ctx, e.opts.DownloadLimit)
	defer stop()
	stream, err := e.prober.Download(ctx)
	if err != nil {
		if limited() {
			r.logger.Debug("download time limit reached before the stream opened")
			return nil
		}
		return err
	}
	defer stream.Body.Close()
	// Unblocks a stalled Read once the limit passes or the run is canceled.
	stopClose := context.AfterFunc(ctx, func() { _ = stream.Body.Close() })
	defer stopClose()

	expected := stream.Size
	if expected <= 0 {
		expected = e.opts.ExpectedDownloadBytes
	}

	buf := make([]byte, transferChunkSize)
	var received int64
	for {
		n, readErr := stream.Body.Read(buf)
		elapsed := e.clock.Since(start)
		if elapsed > e.opts.DownloadLimit {
			r.logger.Debug("download time limit reached", "received", util.FormatBytes(float64(received)), "elapsed", elapsed)
			return nil
		}
		if n > 0 {
			received += int64(n)
			mbps := ThroughputMbps(received, elapsed)
			progress := progressPercent(received, expected)
			if mbps > 0 {
				r.metrics.Download = Round2(mbps)
			}
			recorded := r.metrics.Download
			e.update(r.gen, func(s *Snapshot) {
				s.Progress = progress
				if mbps > 0 {
					s.CurrentValue = mbps
				}
				s.Metrics.Download = recorded
			})
		}
		if readErr == io.EOF {
			r.logger.Debug("download finished", "received", util.FormatBytes(float64(received)), "elapsed", elapsed)
			return nil
		}
		if readErr != nil {
			if limited() {
				r.logger.Debug("download stalled past time limit", "received", util.FormatBytes(float64(received)))
				return nil
			}
			return readErr
		}
	}
}

// limitTransfer derives a context that the engine clock cancels once limit
// has passed. limited reports whether that deadline, and not the parent,
// ended the context.
func (r *runner) limitTransfer(parent context.Context, limit time.Duration) (context.Context, func() bool, func()) {
	ctx, cancel := context.WithCancel(parent)
	var hit atomic.Bool
	timer := r.engine.clock.AfterFunc(limit, func() {
		hit.Store(true)
		cancel()
	})
	limited := func() bool {
		return hit.Load() && parent.Err() == nil
	}
	stop := func() {
		timer.Stop()
		cancel()
	}
	return ctx, limited, stop
}

func (r *runner) measureUpload(ctx context.Context) error {
	e := r.engine
	if e.opts.UploadMode == UploadMeasured {
		err := r.measureUploadTransfer(ctx)
		if !errors.Is(err, ErrUploadUnsupported) {
			return err
		}
		r.logger.Warn("upload endpoint unavailable, deriving upload from download")
	}
	return r.deriveUpload(ctx)
}

func (r *runner) deriveUpload(ctx context.Context) error {
	e := r.engine
	live := r.metrics.Download * derivedUploadRatio
	e.update(r.gen, func(s *Snapshot) {
		s.CurrentValue = live
	})
	if err := e.sleep(ctx, e.opts.DerivedDelay); err != nil {
		return err
	}
	upload := Round2(live)
	r.metrics.Upload = upload
	e.update(r.gen, func(s *Snapshot) {
		s.Progress = 100
		s.Metrics.Upload = upload
	})
	return nil
}

func (r *runner) measureUploadTransfer(ctx context.Context) error {
	e := r.engine
	chunk := make([]byte, transferChunkSize)
	if _, err := rand.Read(chunk); err != nil {
		return fmt.Errorf("generate payload: %w", err)
	}
	body := &uploadBody{
		runner: r,
		clock:  e.clock,
		chunk:  chunk,
		size:   e.opts.UploadBytes,
		limit:  e.opts.UploadLimit,
		start:  e.clock.Now(),
	}
	tctx, limited, stop := r.limitTransfer(ctx, e.opts.UploadLimit)
	defer stop()
	err := e.prober.Upload(tctx, body)
	sent, elapsed := body.close()
	if err != nil {
		if !limited() {
			return err
		}
		r.logger.Debug("upload not acknowledged within time limit", "sent", util.FormatBytes(float64(sent)))
		elapsed = e.opts.UploadLimit
	}

	mbps := ThroughputMbps(sent, elapsed)
	upload := Round2(mbps)
	r.metrics.Upload = upload
	e.update(r.gen, func(s *Snapshot) {
		s.Progress = progressPercent(sent, e.opts.UploadBytes)
		s.CurrentValue = mbps
		s.Metrics.Upload = upload
	})
	r.logger.Debug("upload transfer finished", "sent", util.FormatBytes(float64(sent)), "elapsed", elapsed)
	return nil
}

// uploadBody generates the upload payload and reports progress as the
// transport consumes it. It ends early once the time limit is exceeded.
type uploadBody struct {
	runner *runner
	clock  clock.Clock
	chunk  []byte
	size   int64
	limit  time.Duration
	start  time.Time

	mu     sync.Mutex
	sent   int64
	closed bool
}

func (b *uploadBody) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || b.sent >= b.size {
		return 0, io.EOF
	}
	elapsed := b.clock.Since(b.start)
	if elapsed > b.limit {
		return 0, io.EOF
	}
	n := len(p)
	if n > len(b.chunk) {
		n = len(b.chunk)
	}
	if remaining := b.size - b.sent; int64(n) > remaining {
		n = int(remaining)
	}
	copy(p, b.chunk[:n])
	b.sent += int64(n)

	mbps := ThroughputMbps(b.sent, elapsed)
	progress := progressPercent(b.sent, b.size)
	b.runner.engine.update(b.runner.gen, func(s *Snapshot) {
		s.Progress = progress
		if mbps > 0 {
			s.CurrentValue = mbps
		}
	})
	return n, nil
}

// close stops further reads and returns the bytes handed to the transport
// with the time elapsed since the upload started.
func (b *uploadBody) close() (int64, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return b.sent, b.clock.Since(b.start)
}
