package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	return string(body)
}

func TestCounters(t *testing.T) {
	m := NewMetrics()
	m.IncPings()
	m.IncPings()
	m.AddBytes(DirectionDownload, 1024)
	m.AddBytes(DirectionDownload, 0)
	m.AddBytes(DirectionUpload, 10)
	m.IncRejected("ping")
	m.ObserveResult(21.4, 200, 100)

	text := scrape(t, m)
	assert.Contains(t, text, "fbspeed_pings_total 2")
	assert.Contains(t, text, `fbspeed_transfer_bytes_total{direction="download"} 1024`)
	assert.Contains(t, text, `fbspeed_transfer_bytes_total{direction="upload"} 10`)
	assert.Contains(t, text, `fbspeed_results_rejected_total{field="ping"} 1`)
	assert.Contains(t, text, "fbspeed_results_recorded_total 1")
	assert.Contains(t, text, `fbspeed_result_throughput_mbps_count{direction="download"} 1`)
}

func TestTransferStarted(t *testing.T) {
	m := NewMetrics()
	done := m.TransferStarted(DirectionUpload)
	assert.Contains(t, scrape(t, m), `fbspeed_active_transfers{direction="upload"} 1`)
	done()
	assert.Contains(t, scrape(t, m), `fbspeed_active_transfers{direction="upload"} 0`)
}

func TestHandlerExposition(t *testing.T) {
	m := NewMetrics()
	m.SetLiveClients(3)

	text := scrape(t, m)
	assert.Contains(t, text, "fbspeed_live_clients 3")
	assert.Contains(t, text, "go_goroutines")
}
