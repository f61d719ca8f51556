package console

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/NodePath81/fbspeed/internal/engine"
	"github.com/NodePath81/fbspeed/internal/store"
	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticSource struct {
	mu   sync.Mutex
	snap engine.Snapshot
}

func (s *staticSource) Snapshot() engine.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

func (s *staticSource) set(snap engine.Snapshot) {
	s.mu.Lock()
	s.snap = snap
	s.mu.Unlock()
}

func TestEase(t *testing.T) {
	assert.Equal(t, 0.0, Ease(0, 100, 0, time.Second))
	assert.Equal(t, 0.0, Ease(0, 100, -time.Second, time.Second))
	assert.Equal(t, 100.0, Ease(0, 100, time.Second, time.Second))
	assert.Equal(t, 100.0, Ease(0, 100, 5*time.Second, time.Second))
	assert.Equal(t, 100.0, Ease(0, 100, 0, 0))
	assert.InDelta(t, 87.5, Ease(0, 100, 500*time.Millisecond, time.Second), 1e-9)
	assert.InDelta(t, 12.5, Ease(100, 0, 500*time.Millisecond, time.Second), 1e-9)

	prev := 0.0
	for ms := 0; ms <= 1000; ms += 50 {
		v := Ease(10, 80, time.Duration(ms)*time.Millisecond, time.Second)
		assert.GreaterOrEqual(t, v, prev)
		assert.LessOrEqual(t, v, 80.0)
		prev = v
	}
}

func TestProgressLine(t *testing.T) {
	line := ProgressLine(engine.PhaseDownload, 50, 123.456)
	assert.Contains(t, line, "[download]")
	assert.Contains(t, line, strings.Repeat("█", 10)+strings.Repeat("░", 10))
	assert.Contains(t, line, " 50%")
	assert.Contains(t, line, "123.46 Mbps")

	assert.Contains(t, ProgressLine(engine.PhasePing, 150, 21.4), strings.Repeat("█", 20))
	assert.Contains(t, ProgressLine(engine.PhasePing, 0, 21.4), "21.40 ms")
	assert.Contains(t, ProgressLine(engine.PhaseUpload, -5, 0), strings.Repeat("░", 20))
}

func TestRendererDrawInterpolates(t *testing.T) {
	mock := clock.NewMock()
	src := &staticSource{snap: engine.Snapshot{Phase: engine.PhaseDownload, Progress: 10, CurrentValue: 100}}
	var buf bytes.Buffer
	r := NewRenderer(&buf, src, WithClock(mock), WithEase(time.Second))

	r.Draw()
	assert.Contains(t, buf.String(), "0.00 Mbps")

	buf.Reset()
	mock.Add(500 * time.Millisecond)
	r.Draw()
	assert.Contains(t, buf.String(), "87.50 Mbps")

	buf.Reset()
	mock.Add(time.Second)
	r.Draw()
	assert.Contains(t, buf.String(), "100.00 Mbps")

	// A new phase restarts from zero.
	buf.Reset()
	src.set(engine.Snapshot{Phase: engine.PhaseUpload, Progress: 0, CurrentValue: 40})
	r.Draw()
	assert.Contains(t, buf.String(), "[upload")
	assert.Contains(t, buf.String(), "0.00 Mbps")
}

func TestRendererWithoutEase(t *testing.T) {
	mock := clock.NewMock()
	src := &staticSource{snap: engine.Snapshot{Phase: engine.PhasePing, Progress: 40, CurrentValue: 19}}
	var buf bytes.Buffer
	r := NewRenderer(&buf, src, WithClock(mock), WithEase(0))

	r.Draw()
	assert.Contains(t, buf.String(), "19.00 ms")
	assert.Contains(t, buf.String(), " 40%")
}

func TestRendererSkipsInactivePhases(t *testing.T) {
	src := &staticSource{snap: engine.Snapshot{Phase: engine.PhaseComplete}}
	var buf bytes.Buffer
	r := NewRenderer(&buf, src, WithClock(clock.NewMock()))

	r.Draw()
	r.Clear()
	assert.Empty(t, buf.String())
}

func TestRendererFollowStopsOnDone(t *testing.T) {
	mock := clock.NewMock()
	src := &staticSource{snap: engine.Snapshot{Phase: engine.PhasePing, Progress: 20, CurrentValue: 20}}
	var mu sync.Mutex
	var buf bytes.Buffer
	w := writerFunc(func(p []byte) (int, error) {
		mu.Lock()
		defer mu.Unlock()
		return buf.Write(p)
	})
	r := NewRenderer(w, src, WithClock(mock), WithInterval(100*time.Millisecond))

	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		r.Follow(context.Background(), done)
		close(finished)
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return strings.Contains(buf.String(), "[ping")
	}, time.Second, 5*time.Millisecond)

	close(done)
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("Follow did not return")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.True(t, strings.HasSuffix(buf.String(), "\r\033[K"))
}

func TestRendererFollowStopsOnCancel(t *testing.T) {
	src := &staticSource{snap: engine.Snapshot{Phase: engine.PhaseIdle}}
	r := NewRenderer(&bytes.Buffer{}, src, WithClock(clock.NewMock()))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	finished := make(chan struct{})
	go func() {
		r.Follow(ctx, make(chan struct{}))
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("Follow did not return")
	}
}

func TestPrintResult(t *testing.T) {
	var buf bytes.Buffer
	PrintResult(&buf, "run-1", engine.Metrics{Ping: 21.4, Jitter: 6, Download: 200, Upload: 100})
	out := buf.String()
	assert.Contains(t, out, "Run:       run-1")
	assert.Contains(t, out, "Ping:      21.40 ms")
	assert.Contains(t, out, "Jitter:    6.00 ms")
	assert.Contains(t, out, "Download:  200.00 Mbps")
	assert.Contains(t, out, "Upload:    100.00 Mbps")
}

func TestPrintNotSaved(t *testing.T) {
	var buf bytes.Buffer
	PrintNotSaved(&buf, errors.New("endpoint missing"))
	assert.Equal(t, "Warning: results not saved: endpoint missing\n", buf.String())
}

func TestPrintHistory(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, PrintHistory(&buf, nil))
	assert.Equal(t, "No results recorded yet.\n", buf.String())

	buf.Reset()
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.Local)
	tests := []store.SpeedTest{
		{ID: 2, Ping: 12.5, Jitter: 1, Download: 2048, Upload: 50, Country: "DE", City: "Berlin", CreatedAt: created},
		{ID: 1, Ping: 30, Jitter: 4.25, Download: 90, Upload: 45, CreatedAt: created.Add(-time.Hour)},
	}
	require.NoError(t, PrintHistory(&buf, tests))
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "ID"))
	assert.Contains(t, lines[1], "2.00 Gbps")
	assert.Contains(t, lines[1], "Berlin, DE")
	assert.Contains(t, lines[1], "2024-05-01 12:00:00")
	assert.Contains(t, lines[2], "4.25 ms")
	assert.True(t, strings.HasSuffix(lines[2], "-"))
}

type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }
