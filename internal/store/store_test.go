package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T, clk clock.Clock) *SQLiteStore {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "fbspeed.db"), WithClock(clk))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateSpeedTest(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	s := openTestStore(t, clk)

	got, err := s.CreateSpeedTest(context.Background(), NewSpeedTest{
		RunID:    "run-1",
		Ping:     21.4,
		Jitter:   6,
		Download: 200,
		Upload:   100,
		Country:  "DE",
		City:     "Berlin",
		ASN:      3320,
	})
	require.NoError(t, err)
	assert.Positive(t, got.ID)
	assert.Equal(t, "run-1", got.RunID)
	assert.Equal(t, 21.4, got.Ping)
	assert.Equal(t, uint(3320), got.ASN)
	assert.True(t, got.CreatedAt.Equal(clk.Now()))

	list, err := s.ListSpeedTests(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, got, list[0])
}

func TestListSpeedTestsOrder(t *testing.T) {
	clk := clock.NewMock()
	s := openTestStore(t, clk)
	ctx := context.Background()

	first, err := s.CreateSpeedTest(ctx, NewSpeedTest{Ping: 1})
	require.NoError(t, err)
	clk.Add(time.Minute)
	second, err := s.CreateSpeedTest(ctx, NewSpeedTest{Ping: 2})
	require.NoError(t, err)
	third, err := s.CreateSpeedTest(ctx, NewSpeedTest{Ping: 3})
	require.NoError(t, err)

	list, err := s.ListSpeedTests(ctx, 0)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, []int64{third.ID, second.ID, first.ID}, []int64{list[0].ID, list[1].ID, list[2].ID})

	limited, err := s.ListSpeedTests(ctx, 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, third.ID, limited[0].ID)
}

func TestListSpeedTestsEmpty(t *testing.T) {
	s := openTestStore(t, clock.New())
	list, err := s.ListSpeedTests(context.Background(), 10)
	require.NoError(t, err)
	assert.NotNil(t, list)
	assert.Empty(t, list)
}

func TestOpenReappliesSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fbspeed.db")
	ctx := context.Background()

	s, err := Open(ctx, path)
	require.NoError(t, err)
	_, err = s.CreateSpeedTest(ctx, NewSpeedTest{Ping: 5})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(ctx, path)
	require.NoError(t, err)
	defer s.Close()
	list, err := s.ListSpeedTests(ctx, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 5.0, list[0].Ping)
}

func TestOpenEmptyPath(t *testing.T) {
	_, err := Open(context.Background(), "")
	assert.Error(t, err)
}
