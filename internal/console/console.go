// Package console renders speed-test progress, results and history on a
// terminal.
package console

import (
	"context"
	"fmt"
	"io"
	"math"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/NodePath81/fbspeed/internal/engine"
	"github.com/NodePath81/fbspeed/internal/store"
	"github.com/NodePath81/fbspeed/internal/util"
	"github.com/benbjohnson/clock"
)

const (
	barWidth = 20

	defaultInterval = 100 * time.Millisecond
	defaultEase     = 400 * time.Millisecond
)

// Ease moves from toward to with a cubic ease-out over duration. elapsed is
// clamped to [0, duration]; a non-positive duration returns to.
func Ease(from, to float64, elapsed, duration time.Duration) float64 {
	if duration <= 0 || elapsed >= duration {
		return to
	}
	if elapsed <= 0 {
		return from
	}
	t := float64(elapsed) / float64(duration)
	k := 1 - math.Pow(1-t, 3)
	return from + (to-from)*k
}

// SnapshotSource is satisfied by *engine.Engine.
type SnapshotSource interface {
	Snapshot() engine.Snapshot
}

// Renderer redraws a single progress line from engine snapshots.
type Renderer struct {
	w        io.Writer
	source   SnapshotSource
	clock    clock.Clock
	interval time.Duration
	ease     time.Duration

	phase     engine.Phase
	from      float64
	target    float64
	changedAt time.Time
	drawn     bool
}

type RendererOption func(*Renderer)

func WithClock(c clock.Clock) RendererOption {
	return func(r *Renderer) { r.clock = c }
}

// WithInterval sets the redraw period.
func WithInterval(d time.Duration) RendererOption {
	return func(r *Renderer) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithEase sets how long a displayed value takes to reach a new reading.
// Zero disables interpolation.
func WithEase(d time.Duration) RendererOption {
	return func(r *Renderer) {
		if d >= 0 {
			r.ease = d
		}
	}
}

func NewRenderer(w io.Writer, source SnapshotSource, opts ...RendererOption) *Renderer {
	r := &Renderer{
		w:        w,
		source:   source,
		clock:    clock.New(),
		interval: defaultInterval,
		ease:     defaultEase,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Follow redraws until done is closed or ctx is canceled, then clears the
// progress line.
func (r *Renderer) Follow(ctx context.Context, done <-chan struct{}) {
	ticker := r.clock.Ticker(r.interval)
	defer ticker.Stop()
	r.Draw()
	for {
		select {
		case <-ctx.Done():
			r.Clear()
			return
		case <-done:
			r.Clear()
			return
		case <-ticker.C:
			r.Draw()
		}
	}
}

// Draw renders the current snapshot. Idle and complete states draw nothing.
func (r *Renderer) Draw() {
	snap := r.source.Snapshot()
	if !snap.Phase.Active() {
		return
	}
	now := r.clock.Now()
	if snap.Phase != r.phase {
		r.phase = snap.Phase
		r.from, r.target = 0, snap.CurrentValue
		r.changedAt = now
	} else if snap.CurrentValue != r.target {
		r.from = Ease(r.from, r.target, now.Sub(r.changedAt), r.ease)
		r.target = snap.CurrentValue
		r.changedAt = now
	}
	shown := Ease(r.from, r.target, now.Sub(r.changedAt), r.ease)
	fmt.Fprintf(r.w, "\r%s\033[K", ProgressLine(snap.Phase, snap.Progress, shown))
	r.drawn = true
}

// Clear erases the progress line if one was drawn.
func (r *Renderer) Clear() {
	if r.drawn {
		fmt.Fprint(r.w, "\r\033[K")
		r.drawn = false
	}
	r.phase = engine.PhaseIdle
}

// ProgressLine formats one status line: phase, bar, percentage and value.
func ProgressLine(phase engine.Phase, progress, value float64) string {
	percent := math.Max(0, math.Min(progress, 100)) / 100
	filled := int(percent * barWidth)
	bar := strings.Repeat("█", filled) + strings.Repeat("░", barWidth-filled)
	return fmt.Sprintf("[%-8s] %s %3.0f%% | %s", phase, bar, percent*100, formatValue(phase, value))
}

func formatValue(phase engine.Phase, value float64) string {
	switch phase {
	case engine.PhasePing:
		return util.FormatMillis(value)
	case engine.PhaseDownload, engine.PhaseUpload:
		return util.FormatMbps(value)
	default:
		return ""
	}
}

// PrintResult writes the metrics of a finished run.
func PrintResult(w io.Writer, runID string, m engine.Metrics) {
	fmt.Fprintln(w, "Test Results:")
	if runID != "" {
		fmt.Fprintf(w, "  Run:       %s\n", runID)
	}
	fmt.Fprintf(w, "  Ping:      %s\n", util.FormatMillis(m.Ping))
	fmt.Fprintf(w, "  Jitter:    %s\n", util.FormatMillis(m.Jitter))
	fmt.Fprintf(w, "  Download:  %s\n", util.FormatMbps(m.Download))
	fmt.Fprintf(w, "  Upload:    %s\n", util.FormatMbps(m.Upload))
}

// PrintNotSaved writes the non-fatal warning shown when a result could not
// be persisted.
func PrintNotSaved(w io.Writer, err error) {
	fmt.Fprintf(w, "Warning: results not saved: %v\n", err)
}

// PrintHistory writes stored results as an aligned table, most recent first
// as returned by the server.
func PrintHistory(w io.Writer, tests []store.SpeedTest) error {
	if len(tests) == 0 {
		_, err := fmt.Fprintln(w, "No results recorded yet.")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTIME\tPING\tJITTER\tDOWNLOAD\tUPLOAD\tLOCATION")
	for _, t := range tests {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			t.ID,
			t.CreatedAt.Local().Format("2006-01-02 15:04:05"),
			util.FormatMillis(t.Ping),
			util.FormatMillis(t.Jitter),
			util.FormatMbps(t.Download),
			util.FormatMbps(t.Upload),
			location(t))
	}
	return tw.Flush()
}

func location(t store.SpeedTest) string {
	switch {
	case t.City != "" && t.Country != "":
		return t.City + ", " + t.Country
	case t.Country != "":
		return t.Country
	default:
		return "-"
	}
}
