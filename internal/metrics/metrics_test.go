package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.ClientAccepted()
	m.ClientDisconnected("error")
	m.SetActive(2)
	m.SetStreaming(1)
	m.UpdatePushed("tracker", 3)
	m.BytesSent(128)
}

func TestCountersTrackConnections(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ClientAccepted()
	m.ClientAccepted()
	m.ClientDisconnected("client")
	m.SetActive(1)
	m.SetStreaming(1)
	m.UpdatePushed("full", 2)
	m.BytesSent(100)

	require.Equal(t, 2.0, testutil.ToFloat64(m.clientsAccepted))
	require.Equal(t, 1.0, testutil.ToFloat64(m.clientsConnected))
	require.Equal(t, 1.0, testutil.ToFloat64(m.disconnects.WithLabelValues("client")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.clientsActive))
	require.Equal(t, 2.0, testutil.ToFloat64(m.updatesPushed.WithLabelValues("full")))
	require.Equal(t, 100.0, testutil.ToFloat64(m.bytesSent))
}

func TestHandlerRoutes(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.ClientAccepted()

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, 200, resp.StatusCode)

	resp, err = srv.Client().Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, 200, resp.StatusCode)

	count, err := testutil.GatherAndCount(reg, "vtrackd_clients_accepted_total")
	require.NoError(t, err)
	require.Equal(t, 1, count)
}
