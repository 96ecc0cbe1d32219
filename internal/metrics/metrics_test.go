package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kbirk/hyperipc/pkg/rpc"
	"github.com/kbirk/hyperipc/pkg/rpc/memory"
	"github.com/kbirk/hyperipc/pkg/rpc/rpctest"
	"github.com/kbirk/hyperipc/pkg/value"
)

func newTestRegistry(t *testing.T) (*Registry, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	m, err := New(Config{Registerer: reg, ConstLabels: map[string]string{"role": "test"}})
	require.NoError(t, err)
	return m, reg
}

func TestServerMetrics(t *testing.T) {
	m, reg := newTestRegistry(t)

	network := memory.NewNetwork()
	server := rpctest.StartServer(t, rpc.ServerConfig{Transport: network.NewServerTransport("main")})
	server.Middleware(m.Middleware())
	m.ObserveServer(server)

	ticks := rpc.NewEmitter[value.Value](rpc.EmitterOptions{})
	server.RegisterChannel("pingpong", rpctest.PingPongChannel())
	server.RegisterChannel("clock", m.Channel("clock", rpc.NewDispatch().HandleEmitter("onTick", ticks)))

	client := rpctest.NewClient(t, rpc.ClientConfig{Transport: network.NewClientTransport("main")})
	ch := client.Channel("pingpong")

	_, err := ch.Call(context.Background(), "ping", value.Int(1))
	require.NoError(t, err)
	_, err = ch.Call(context.Background(), "ping", value.Int(2))
	require.NoError(t, err)
	_, err = ch.Call(context.Background(), "fail", value.Null())
	require.Error(t, err)
	_, err = ch.Call(context.Background(), "nope", value.Null())
	require.Error(t, err)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.callsTotal.WithLabelValues("pingpong", "ping", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.callsTotal.WithLabelValues("pingpong", "fail", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.callsTotal.WithLabelValues("pingpong", "nope", "unknown")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.inflightCalls.WithLabelValues("pingpong")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.connections))

	sub := client.Channel("clock").Listen("onTick", value.Null()).Subscribe(func(value.Value) {})
	gauge := m.subscriptions.WithLabelValues("clock", "onTick")
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(gauge) == 1
	}, 5*time.Second, 5*time.Millisecond)
	sub.Dispose()
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(gauge) == 0
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, client.Close())
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.connections) == 0
	}, 5*time.Second, 5*time.Millisecond)

	count, err := testutil.GatherAndCount(reg, "hyperipc_channel_calls_total")
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestClientStateMetrics(t *testing.T) {
	m, _ := newTestRegistry(t)

	network := memory.NewNetwork()
	rpctest.StartServer(t, rpc.ServerConfig{Transport: network.NewServerTransport("main")})
	client := rpc.NewClient(rpc.ClientConfig{Transport: network.NewClientTransport("main")})
	m.ObserveClient(client)

	require.NoError(t, client.Connect(context.Background()))
	require.NoError(t, client.Close())

	assert.Equal(t, 1.0, testutil.ToFloat64(m.stateTransitions.WithLabelValues("connected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.stateTransitions.WithLabelValues("closed")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.reconnectsTotal))
}

func TestOutcome(t *testing.T) {
	assert.Equal(t, "ok", outcome(nil))
	assert.Equal(t, "cancelled", outcome(context.Canceled))
	assert.Equal(t, "cancelled", outcome(rpc.ErrCancelled))
	assert.Equal(t, "unknown", outcome(rpc.ErrUnknownChannel))
	assert.Equal(t, "error", outcome(io.EOF))
}

func TestRegisterTwice(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(Config{Registerer: reg})
	require.NoError(t, err)
	_, err = New(Config{Registerer: reg})
	require.NoError(t, err)
}

func TestHandler(t *testing.T) {
	m, reg := newTestRegistry(t)
	m.connections.Set(3)

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `hyperipc_server_connections{role="test"} 3`)
}
