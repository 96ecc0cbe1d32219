package rpc_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kbirk/hyperipc/pkg/rpc"
	"github.com/kbirk/hyperipc/pkg/rpc/memory"
	"github.com/kbirk/hyperipc/pkg/rpc/rpctest"
	"github.com/kbirk/hyperipc/pkg/value"
)

var nextAddress int32

func address() string {
	return fmt.Sprintf("test-%d", atomic.AddInt32(&nextAddress, 1))
}

// flakyTransport dials a memory network and can drop the live connection,
// refuse new ones, or be pointed at another address.
type flakyTransport struct {
	network *memory.Network

	mu       sync.Mutex
	name     string
	refuse   bool
	last     rpc.Connection
	connects int
}

func (t *flakyTransport) Connect(ctx context.Context) (rpc.Connection, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connects++
	if t.refuse {
		return nil, rpc.ErrConnectionRefused
	}
	conn, err := t.network.Dial(ctx, t.name)
	if err != nil {
		return nil, err
	}
	t.last = conn
	return conn, nil
}

func (t *flakyTransport) drop() {
	t.mu.Lock()
	conn := t.last
	t.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (t *flakyTransport) setRefuse(refuse bool) {
	t.mu.Lock()
	t.refuse = refuse
	t.mu.Unlock()
}

func (t *flakyTransport) redirect(name string) {
	t.mu.Lock()
	t.name = name
	t.mu.Unlock()
}

type stateRecorder struct {
	mu     sync.Mutex
	states []rpc.ConnectionState
}

func recordStates(client *rpc.Client) *stateRecorder {
	r := &stateRecorder{}
	client.OnDidChangeState().Subscribe(func(s rpc.ConnectionState) {
		r.mu.Lock()
		r.states = append(r.states, s)
		r.mu.Unlock()
	})
	return r
}

func (r *stateRecorder) seen(s rpc.ConnectionState) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.states {
		if existing == s {
			return true
		}
	}
	return false
}

func blockingChannel(started chan<- struct{}, release <-chan struct{}) *rpc.Dispatch {
	return rpc.NewDispatch().
		Handle("wait", func(ctx context.Context, caller rpc.CallContext, arg value.Value) (value.Value, error) {
			started <- struct{}{}
			select {
			case <-release:
				return value.String("done"), nil
			case <-ctx.Done():
				return value.Null(), ctx.Err()
			}
		})
}

func TestClientResumesWithinGrace(t *testing.T) {
	network := memory.NewNetwork()
	name := address()

	started := make(chan struct{}, 1)
	release := make(chan struct{})
	server := rpctest.StartServer(t, rpc.ServerConfig{
		Transport:      network.NewServerTransport(name),
		ReconnectGrace: 5 * time.Second,
	})
	server.RegisterChannel("slow", blockingChannel(started, release))
	server.RegisterChannel("pingpong", rpctest.PingPongChannel())

	transport := &flakyTransport{network: network, name: name}
	client := rpctest.NewClient(t, rpc.ClientConfig{
		Transport:        transport,
		ClientID:         "window:1",
		ReconnectGrace:   5 * time.Second,
		MaxRetryInterval: 100 * time.Millisecond,
	})
	states := recordStates(client)

	require.NoError(t, client.Connect(context.Background()))
	sessionID := client.SessionID()

	call := client.Channel("slow").Go(context.Background(), "wait", value.Null(), nil)
	<-started

	transport.drop()
	require.Eventually(t, func() bool {
		return states.seen(rpc.Reconnecting)
	}, 5*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return client.State() == rpc.Connected
	}, 5*time.Second, 5*time.Millisecond)

	// the pending call survived the drop
	close(release)
	select {
	case <-call.Done:
		require.NoError(t, call.Error)
		assert.Equal(t, value.String("done"), call.Reply)
	case <-time.After(5 * time.Second):
		t.Fatal("call did not settle after resume")
	}

	assert.Equal(t, sessionID, client.SessionID())
	assert.Len(t, server.Connections(), 1)

	resp, err := client.Channel("pingpong").Call(context.Background(), "ping", value.Int(1))
	require.NoError(t, err)
	assert.Equal(t, value.Int(2), resp)
}

func TestClientFailsPendingAfterGrace(t *testing.T) {
	network := memory.NewNetwork()
	name := address()

	started := make(chan struct{}, 1)
	server := rpctest.StartServer(t, rpc.ServerConfig{
		Transport:      network.NewServerTransport(name),
		ReconnectGrace: 200 * time.Millisecond,
	})
	server.RegisterChannel("slow", blockingChannel(started, make(chan struct{})))

	transport := &flakyTransport{network: network, name: name}
	client := rpctest.NewClient(t, rpc.ClientConfig{
		Transport:        transport,
		ReconnectGrace:   200 * time.Millisecond,
		MaxRetryInterval: 50 * time.Millisecond,
	})

	call := client.Channel("slow").Go(context.Background(), "wait", value.Null(), nil)
	<-started

	transport.setRefuse(true)
	transport.drop()

	select {
	case <-call.Done:
		assert.ErrorIs(t, call.Error, rpc.ErrConnectionLost)
	case <-time.After(5 * time.Second):
		t.Fatal("pending call was not failed after the grace period")
	}

	// the server forgets the session once its own grace expires
	rpctest.WaitForConnections(t, server, 0)

	require.Eventually(t, func() bool {
		return client.State() == rpc.Disconnected
	}, 5*time.Second, 5*time.Millisecond)

	// the next call starts a fresh session
	transport.setRefuse(false)
	server.RegisterChannel("pingpong", rpctest.PingPongChannel())
	resp, err := client.Channel("pingpong").Call(context.Background(), "ping", value.Int(1))
	require.NoError(t, err)
	assert.Equal(t, value.Int(2), resp)
}

func TestClientResumeRejectedByNewServer(t *testing.T) {
	network := memory.NewNetwork()
	first := address()
	second := address()

	rpctest.StartServer(t, rpc.ServerConfig{
		Transport:      network.NewServerTransport(first),
		ReconnectGrace: time.Minute,
	})
	other := rpctest.StartServer(t, rpc.ServerConfig{
		Transport:      network.NewServerTransport(second),
		ReconnectGrace: time.Minute,
	})
	other.RegisterChannel("pingpong", rpctest.PingPongChannel())

	transport := &flakyTransport{network: network, name: first}
	client := rpctest.NewClient(t, rpc.ClientConfig{
		Transport:        transport,
		ReconnectGrace:   time.Minute,
		MaxRetryInterval: 50 * time.Millisecond,
	})
	require.NoError(t, client.Connect(context.Background()))

	// an unknown session is refused long before the grace period ends
	transport.redirect(second)
	transport.drop()
	require.Eventually(t, func() bool {
		return client.State() == rpc.Disconnected
	}, 5*time.Second, 5*time.Millisecond)

	resp, err := client.Channel("pingpong").Call(context.Background(), "ping", value.Int(1))
	require.NoError(t, err)
	assert.Equal(t, value.Int(2), resp)
}

func TestClientWithoutGraceDoesNotReconnect(t *testing.T) {
	network := memory.NewNetwork()
	name := address()

	server := rpctest.StartServer(t, rpc.ServerConfig{
		Transport:      network.NewServerTransport(name),
		ReconnectGrace: time.Minute,
	})
	server.RegisterChannel("pingpong", rpctest.PingPongChannel())

	transport := &flakyTransport{network: network, name: name}
	client := rpctest.NewClient(t, rpc.ClientConfig{Transport: transport})
	states := recordStates(client)
	require.NoError(t, client.Connect(context.Background()))

	transport.drop()
	require.Eventually(t, func() bool {
		return client.State() == rpc.Disconnected
	}, 5*time.Second, 5*time.Millisecond)
	assert.False(t, states.seen(rpc.Reconnecting))
	transport.mu.Lock()
	assert.Equal(t, 1, transport.connects)
	transport.mu.Unlock()

	// the server did not hold the session either
	rpctest.WaitForConnections(t, server, 0)
}

func TestClientConnectRefused(t *testing.T) {
	client := rpctest.NewClient(t, rpc.ClientConfig{
		Transport: memory.NewNetwork().NewClientTransport("nobody"),
	})

	err := client.Connect(context.Background())
	assert.ErrorIs(t, err, rpc.ErrConnectionRefused)

	_, err = client.Channel("pingpong").Call(context.Background(), "ping", value.Int(1))
	assert.ErrorIs(t, err, rpc.ErrConnectionRefused)

	sub := client.Channel("pingpong").Listen("onTick", value.Null()).Subscribe(func(value.Value) {})
	<-sub.Done()
	assert.ErrorIs(t, sub.Err(), rpc.ErrConnectionRefused)
}

func TestClientCloseIsFinal(t *testing.T) {
	network := memory.NewNetwork()
	name := address()
	server := rpctest.StartServer(t, rpc.ServerConfig{Transport: network.NewServerTransport(name)})
	server.RegisterChannel("pingpong", rpctest.PingPongChannel())

	client := rpc.NewClient(rpc.ClientConfig{Transport: network.NewClientTransport(name)})
	states := recordStates(client)
	require.NoError(t, client.Connect(context.Background()))
	assert.NotEmpty(t, client.SessionID())

	require.NoError(t, client.Close())
	require.NoError(t, client.Close())
	assert.Equal(t, rpc.Closed, client.State())
	assert.Empty(t, client.SessionID())
	assert.True(t, states.seen(rpc.Connected))
	assert.True(t, states.seen(rpc.Closed))

	assert.ErrorIs(t, client.Connect(context.Background()), rpc.ErrConnectionClosed)
	rpctest.WaitForConnections(t, server, 0)
}

func TestConnectionStateString(t *testing.T) {
	assert.Equal(t, "connected", rpc.Connected.String())
	assert.Equal(t, "reconnecting", rpc.Reconnecting.String())
	assert.Equal(t, "unknown", rpc.ConnectionState(42).String())
}
