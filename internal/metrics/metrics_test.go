package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	m := New()

	m.IncSent()
	m.IncSent()
	m.IncDelivered()
	m.IncRejected("not_participant")
	m.IncReceipt("read")
	m.SetOnline(3)
	m.ConnOpened()
	m.ConnOpened()
	m.ConnClosed()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.MessagesSent))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesDelivered))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SendRejected.WithLabelValues("not_participant")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Receipts.WithLabelValues("read")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.OnlineUsers))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Connections))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.IncSent()
		m.IncDropped()
		m.SetOnline(1)
		m.IncPanic()
	})
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.IncSent()

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "chatline_messages_sent_total 1")
}
