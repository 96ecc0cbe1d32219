package websocket

import (
	"context"
	"net"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kbirk/hyperipc/pkg/rpc"
	"github.com/kbirk/hyperipc/pkg/rpc/rpctest"
	"github.com/kbirk/hyperipc/pkg/value"
)

type websocketTransportFactory struct{}

func (f *websocketTransportFactory) NewTransports(t *testing.T) (rpc.ServerTransport, rpc.ClientTransport) {
	st := NewServerTransport(ServerTransportConfig{
		Host:   "127.0.0.1",
		Framer: rpc.FramerConfig{CompressThreshold: 1024},
	})
	require.NoError(t, st.Listen())

	ct := NewClientTransport(ClientTransportConfig{
		Host:   "127.0.0.1",
		Port:   st.Addr().(*net.TCPAddr).Port,
		Framer: rpc.FramerConfig{CompressThreshold: 1024},
	})
	return st, ct
}

func (f *websocketTransportFactory) Name() string {
	return "websocket"
}

func TestWebSocketTransport(t *testing.T) {
	rpctest.RunTestSuite(t, rpctest.SuiteConfig{
		Factory: &websocketTransportFactory{},
	})
}

func TestWebSocketHandlerOnExistingServer(t *testing.T) {
	st := NewServerTransport(ServerTransportConfig{Path: "/custom"})
	hs := httptest.NewServer(st.Handler())
	defer hs.Close()

	server := rpctest.StartServer(t, rpc.ServerConfig{Transport: st})
	server.RegisterChannel("pingpong", rpctest.PingPongChannel())

	client := rpctest.NewClient(t, rpc.ClientConfig{
		Transport: NewClientTransport(ClientTransportConfig{
			URL: "ws" + strings.TrimPrefix(hs.URL, "http") + "/custom",
		}),
	})

	resp, err := client.Channel("pingpong").Call(context.Background(), "ping", value.Int(41))
	require.NoError(t, err)
	assert.Equal(t, value.Int(42), resp)
}

func TestWebSocketConnectionRefused(t *testing.T) {
	st := NewServerTransport(ServerTransportConfig{Host: "127.0.0.1"})
	require.NoError(t, st.Listen())
	port := st.Addr().(*net.TCPAddr).Port
	require.NoError(t, st.Close())

	ct := NewClientTransport(ClientTransportConfig{Host: "127.0.0.1", Port: port})
	_, err := ct.Connect(context.Background())
	assert.ErrorIs(t, err, rpc.ErrConnectionRefused)
}
