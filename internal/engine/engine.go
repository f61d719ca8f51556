package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/NodePath81/fbspeed/internal/util"
	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

const (
	DefaultPingSamples   = 5
	DefaultDownloadLimit = 15 * time.Second
	DefaultUploadLimit   = 15 * time.Second
	DefaultUploadBytes   = 25 << 20
	DefaultDerivedDelay  = 2 * time.Second
	DefaultCooldown      = 500 * time.Millisecond

	// derivedUploadRatio is applied to the download figure when no upload
	// transfer is measured.
	derivedUploadRatio = 0.5
)

var (
	// ErrCanceled resolves runs stopped by Reset, Close, a newer Start or
	// cancellation of the caller's context.
	ErrCanceled = errors.New("speed test canceled")
	// ErrClosed is returned for runs started after Close.
	ErrClosed = errors.New("engine closed")
)

// UploadMode selects how the upload figure is produced.
type UploadMode string

const (
	// UploadMeasured transfers bytes to the server and falls back to
	// UploadDerived when the prober reports ErrUploadUnsupported.
	UploadMeasured UploadMode = "measured"
	// UploadDerived reports half of the measured download.
	UploadDerived UploadMode = "derived"
)

// Options tunes a run. Zero values select the defaults above, except
// Cooldown and DerivedDelay where NoDelay disables the pause.
type Options struct {
	PingSamples           int
	DownloadLimit         time.Duration
	ExpectedDownloadBytes int64
	UploadMode            UploadMode
	UploadLimit           time.Duration
	UploadBytes           int64
	DerivedDelay          time.Duration
	Cooldown              time.Duration
	Clock                 clock.Clock
}

// NoDelay disables Cooldown or DerivedDelay.
const NoDelay time.Duration = -1

// Snapshot is a copy of the engine state.
type Snapshot struct {
	RunID        string  `json:"run_id,omitempty"`
	Phase        Phase   `json:"phase"`
	Metrics      Metrics `json:"metrics"`
	Progress     float64 `json:"progress"`
	CurrentValue float64 `json:"current_value"`
}

// Result is delivered once per successful run.
type Result struct {
	RunID   string
	Metrics Metrics
}

// Run is the handle of one started measurement. It resolves exactly once.
type Run struct {
	id     string
	done   chan struct{}
	result Result
	err    error
}

func newRun(id string) *Run {
	return &Run{id: id, done: make(chan struct{})}
}

func (r *Run) ID() string {
	return r.id
}

// Done is closed once the run finished, failed or was canceled.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the run resolves or ctx is done.
func (r *Run) Wait(ctx context.Context) (Result, error) {
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case <-r.done:
		return r.result, r.err
	}
}

func (r *Run) finish(result Result, err error) {
	r.result = result
	r.err = err
	close(r.done)
}

// Engine sequences ping, download and upload phases against a Prober.
type Engine struct {
	prober     Prober
	opts       Options
	clock      clock.Clock
	logger     util.Logger
	onComplete func(Result)

	mu     sync.Mutex
	gen    uint64
	state  Snapshot
	cancel context.CancelFunc
	closed bool
}

func New(prober Prober, opts Options, logger util.Logger) *Engine {
	if opts.PingSamples <= 0 {
		opts.PingSamples = DefaultPingSamples
	}
	if opts.DownloadLimit <= 0 {
		opts.DownloadLimit = DefaultDownloadLimit
	}
	if opts.ExpectedDownloadBytes <= 0 {
		opts.ExpectedDownloadBytes = DefaultExpectedDownloadBytes
	}
	if opts.UploadMode == "" {
		opts.UploadMode = UploadMeasured
	}
	if opts.UploadLimit <= 0 {
		opts.UploadLimit = DefaultUploadLimit
	}
	if opts.UploadBytes <= 0 {
		opts.UploadBytes = DefaultUploadBytes
	}
	if opts.DerivedDelay == 0 {
		opts.DerivedDelay = DefaultDerivedDelay
	}
	if opts.Cooldown == 0 {
		opts.Cooldown = DefaultCooldown
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = util.Discard()
	}
	return &Engine{
		prober: prober,
		opts:   opts,
		clock:  clk,
		logger: logger,
	}
}

// SetOnComplete registers the callback invoked once per successful run,
// before the run's handle resolves.
func (e *Engine) SetOnComplete(fn func(Result)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onComplete = fn
}

// Snapshot returns a copy of the current state.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Running reports whether a run is in flight.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancel != nil
}

// Start resets the engine and runs all phases in a new goroutine. A run
// already in flight is canceled first.
func (e *Engine) Start(ctx context.Context) *Run {
	run := newRun(uuid.NewString())

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		run.finish(Result{}, ErrClosed)
		return run
	}
	e.resetLocked()
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	gen := e.gen
	e.state.RunID = run.id
	e.mu.Unlock()

	go e.execute(runCtx, cancel, gen, run)
	return run
}

// Reset cancels any in-flight run and zeroes the state.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resetLocked()
}

// Close resets the engine and rejects further runs.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resetLocked()
	e.closed = true
}

func (e *Engine) resetLocked() {
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	e.gen++
	e.state = Snapshot{}
}

// update applies fn if gen is still the current run.
func (e *Engine) update(gen uint64, fn func(s *Snapshot)) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if gen != e.gen {
		return false
	}
	fn(&e.state)
	return true
}

func (e *Engine) execute(ctx context.Context, cancel context.CancelFunc, gen uint64, run *Run) {
	defer cancel()

	logger := e.logger.With("run", run.id)
	logger.Info("speed test started", "upload_mode", string(e.opts.UploadMode))
	start := e.clock.Now()

	r := &runner{engine: e, gen: gen, logger: logger}
	err := r.runPhases(ctx)
	if err != nil {
		if ctx.Err() != nil {
			e.abandon(gen)
			logger.Debug("speed test canceled", "phase", r.phase.String())
			run.finish(Result{}, fmt.Errorf("%w: %w", ErrCanceled, ctx.Err()))
			return
		}
		e.fail(gen, r.before)
		logger.Error("speed test failed", "phase", r.phase.String(), "error", err)
		run.finish(Result{}, err)
		return
	}

	result := Result{RunID: run.id, Metrics: r.metrics}
	e.mu.Lock()
	if gen != e.gen {
		e.mu.Unlock()
		run.finish(Result{}, ErrCanceled)
		return
	}
	e.state.Phase = PhaseComplete
	e.state.Progress = 100
	e.state.CurrentValue = 0
	e.state.Metrics = r.metrics
	e.cancel = nil
	onComplete := e.onComplete
	e.mu.Unlock()

	logger.Info("speed test complete",
		"ping_ms", r.metrics.Ping,
		"jitter_ms", r.metrics.Jitter,
		"download_mbps", r.metrics.Download,
		"upload_mbps", r.metrics.Upload,
		"duration", e.clock.Since(start))
	if onComplete != nil {
		onComplete(result)
	}
	run.finish(result, nil)
}

// abandon resets state after the caller's context was canceled.
func (e *Engine) abandon(gen uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if gen != e.gen {
		return
	}
	e.resetLocked()
}

// fail returns the engine to idle, keeping only metrics of completed phases.
func (e *Engine) fail(gen uint64, completed Metrics) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if gen != e.gen {
		return
	}
	e.cancel = nil
	e.state = Snapshot{Phase: PhaseIdle, Metrics: completed}
}

// sleep waits for d on the engine clock unless ctx ends first.
func (e *Engine) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := e.clock.Timer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
