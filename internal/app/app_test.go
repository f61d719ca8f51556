package app

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/NodePath81/fbspeed/internal/api"
	"github.com/NodePath81/fbspeed/internal/config"
	"github.com/NodePath81/fbspeed/internal/store"
	"github.com/NodePath81/fbspeed/internal/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Server.BindAddr = "127.0.0.1"
	cfg.Server.BindPort = 0
	cfg.Server.Download.ChunkBytes = 16 << 10
	cfg.Storage.Path = filepath.Join(t.TempDir(), "fbspeed.db")
	return cfg
}

func baseURL(addr string) string {
	return "http://" + addr
}

func splitPort(addr string) (string, int, error) {
	host, raw, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(raw)
	return host, port, err
}

func record(t *testing.T, url string) {
	t.Helper()
	body, err := json.Marshal(api.NewRecordRequest("run-1", 21.4, 6, 200, 100))
	require.NoError(t, err)
	resp, err := http.Post(url+api.PathRecord, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
}

func history(t *testing.T, url string) []store.SpeedTest {
	t.Helper()
	resp, err := http.Get(url + api.PathHistory)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var tests []store.SpeedTest
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tests))
	return tests
}

func TestRuntimeServesAndStops(t *testing.T) {
	rt, err := NewRuntime(testConfig(t), util.Discard())
	require.NoError(t, err)
	require.NoError(t, rt.Start())

	addr := rt.Addr()
	require.NotNil(t, addr)
	url := baseURL(addr.String())

	resp, err := http.Get(url + api.PathPing)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "pong", string(body))

	record(t, url)
	tests := history(t, url)
	require.Len(t, tests, 1)
	assert.Equal(t, "run-1", tests[0].RunID)

	rt.Stop()
	select {
	case <-rt.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("runtime did not stop")
	}
	assert.NoError(t, rt.Err())

	_, err = http.Get(url + api.PathPing)
	assert.Error(t, err)
}

func TestRuntimeInvalidGeoIP(t *testing.T) {
	cfg := testConfig(t)
	cfg.GeoIP.Database = filepath.Join(t.TempDir(), "missing.mmdb")
	_, err := NewRuntime(cfg, util.Discard())
	assert.Error(t, err)
}

func TestRuntimeStartListenFailure(t *testing.T) {
	first, err := NewRuntime(testConfig(t), util.Discard())
	require.NoError(t, err)
	require.NoError(t, first.Start())
	defer first.Stop()

	cfg := testConfig(t)
	_, port, err := splitPort(first.Addr().String())
	require.NoError(t, err)
	cfg.Server.BindPort = port

	second, err := NewRuntime(cfg, util.Discard())
	require.NoError(t, err)
	assert.Error(t, second.Start())
	second.Stop()
}

func TestSupervisorRestartKeepsHistory(t *testing.T) {
	cfg := testConfig(t)
	loads := 0
	sup := NewSupervisor("unused.yaml", util.Discard())
	sup.load = func(string) (config.Config, error) {
		loads++
		return cfg, nil
	}

	require.NoError(t, sup.Start())
	defer sup.Stop()
	record(t, baseURL(sup.Addr().String()))

	require.NoError(t, sup.Restart())
	assert.Equal(t, 2, loads)
	tests := history(t, baseURL(sup.Addr().String()))
	assert.Len(t, tests, 1)

	sup.Stop()
	assert.Nil(t, sup.Addr())
	sup.Stop()
}

func TestSupervisorStartLoadError(t *testing.T) {
	sup := NewSupervisor(filepath.Join(t.TempDir(), "missing.yaml"), util.Discard())
	assert.Error(t, sup.Start())
	assert.Nil(t, sup.Addr())

	sup.load = func(string) (config.Config, error) {
		return config.Config{}, errors.New("boom")
	}
	assert.EqualError(t, sup.Restart(), "boom")
}
