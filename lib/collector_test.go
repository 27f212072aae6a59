package lib

import (
	"strings"
	"testing"
	"time"

	"github.com/TheSmallBoat/loopclient/reconnect"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestCollector(t *testing.T) {
	defer goleak.VerifyNone(t)

	loop, stopLoop := newLoop()
	defer stopLoop()

	client := NewClient(loop, refusedAddr(t))
	defer client.Stop()

	require.NoError(t, client.SetReconnect(&reconnect.Setting{
		MinDelay: time.Second,
		MaxDelay: time.Second,
	}))

	collector := NewCollector("loopclient", client)
	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(collector))
	require.Equal(t, 9, testutil.CollectAndCount(collector))

	events := recordConnections(client)
	require.NoError(t, client.Start())
	require.False(t, nextEvent(t, events).connected)
	require.Eventually(t, func() bool { return loop.Timers() == 1 }, waitTimeout, 5*time.Millisecond)

	expected := `
# HELP loopclient_tcp_client_connect_failures_total Connection attempts that failed
# TYPE loopclient_tcp_client_connect_failures_total counter
loopclient_tcp_client_connect_failures_total{addr="` + client.Addr + `"} 1
# HELP loopclient_tcp_client_connected 1 if the client is connected, otherwise 0
# TYPE loopclient_tcp_client_connected gauge
loopclient_tcp_client_connected{addr="` + client.Addr + `"} 0
# HELP loopclient_tcp_client_retry_count Consecutive failed attempts since the last connection
# TYPE loopclient_tcp_client_retry_count gauge
loopclient_tcp_client_retry_count{addr="` + client.Addr + `"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"loopclient_tcp_client_connect_failures_total",
		"loopclient_tcp_client_connected",
		"loopclient_tcp_client_retry_count",
	))
}
