package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Abenedis/aplitapp/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestMetrics_Counters(t *testing.T) {
	m := New(func() int { return 3 })

	m.RecordMessage("ingested")
	m.RecordMessage("ingested")
	m.RecordMessage("unmatched")
	m.RecordNotifyError("websocket", errors.New("x"))

	body := scrape(t, m)
	assert.Contains(t, body, `aplit_messages_total{result="ingested"} 2`)
	assert.Contains(t, body, `aplit_messages_total{result="unmatched"} 1`)
	assert.Contains(t, body, `aplit_notify_errors_total{notifier="websocket"} 1`)
	assert.Contains(t, body, `aplit_devices 3`)
}

func TestMetrics_ObserveConnection(t *testing.T) {
	m := New(nil)

	m.ObserveConnection(models.ConnectionStatus{State: models.Connecting})
	m.ObserveConnection(models.ConnectionStatus{State: models.Disconnected})
	m.ObserveConnection(models.ConnectionStatus{State: models.Connecting})
	m.ObserveConnection(models.ConnectionStatus{State: models.Connected})
	// Connected -> Disconnected 是断线，不是一次失败的尝试
	m.ObserveConnection(models.ConnectionStatus{State: models.Disconnected})

	body := scrape(t, m)
	assert.Contains(t, body, `aplit_connect_attempts_total{result="failure"} 1`)
	assert.Contains(t, body, `aplit_connect_attempts_total{result="success"} 1`)
	assert.Contains(t, body, `aplit_connection_state 0`)
	assert.NotContains(t, body, "aplit_devices")
}
