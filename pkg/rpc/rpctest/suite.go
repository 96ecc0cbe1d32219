// Package rpctest holds the transport test suite every transport package
// runs against itself.
package rpctest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kbirk/hyperipc/pkg/rpc"
	"github.com/kbirk/hyperipc/pkg/value"
)

var (
	validToken   = "1234"
	invalidToken = "5678"
)

// TransportFactory creates a bound server transport and a client transport
// that reaches it.
type TransportFactory interface {
	NewTransports(t *testing.T) (rpc.ServerTransport, rpc.ClientTransport)
	Name() string
}

type SuiteConfig struct {
	Factory           TransportFactory
	SkipEdgeTests     bool // Skip edge case tests (shutdown, large payload, churn)
	LargePayloadSizes []LargePayloadTestCase
}

type LargePayloadTestCase struct {
	Name string
	Size int
}

func DefaultLargePayloadCases() []LargePayloadTestCase {
	return []LargePayloadTestCase{
		{"Small 1KB", 1024},
		{"Medium 100KB", 100 * 1024},
		{"Large 1MB", 1024 * 1024},
	}
}

func authMiddleware(ctx context.Context, req *rpc.Request, next rpc.Handler) (value.Value, error) {
	md := rpc.GetMetadataFromContext(ctx)
	if md == nil {
		return value.Null(), fmt.Errorf("no metadata")
	}
	token, ok := md["token"]
	if !ok {
		return value.Null(), fmt.Errorf("no token")
	}
	if token != validToken {
		return value.Null(), fmt.Errorf("invalid token")
	}
	return next(ctx, req)
}

// PingPongChannel answers ping with its argument plus one.
func PingPongChannel() *rpc.Dispatch {
	return rpc.NewDispatch().
		Handle("ping", func(ctx context.Context, caller rpc.CallContext, arg value.Value) (value.Value, error) {
			n, _ := arg.AsInt()
			return value.Int(n + 1), nil
		}).
		Handle("fail", func(ctx context.Context, caller rpc.CallContext, arg value.Value) (value.Value, error) {
			return value.Null(), fmt.Errorf("unable to ping the pong")
		}).
		Handle("echo", func(ctx context.Context, caller rpc.CallContext, arg value.Value) (value.Value, error) {
			return arg, nil
		}).
		Handle("whoami", func(ctx context.Context, caller rpc.CallContext, arg value.Value) (value.Value, error) {
			return value.String(caller.ClientID), nil
		}).
		Handle("sleep", func(ctx context.Context, caller rpc.CallContext, arg value.Value) (value.Value, error) {
			ms, _ := arg.AsInt()
			select {
			case <-time.After(time.Duration(ms) * time.Millisecond):
				return value.Int(ms), nil
			case <-ctx.Done():
				return value.Null(), ctx.Err()
			}
		})
}

// StartServer binds conf.Transport, serves it in the background and shuts
// it down when the test ends.
func StartServer(t testing.TB, conf rpc.ServerConfig) *rpc.Server {
	t.Helper()
	server := rpc.NewServer(conf)
	require.NoError(t, server.Listen())
	go func() {
		_ = server.ListenAndServe()
	}()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	})
	return server
}

// NewClient creates a client that is closed when the test ends.
func NewClient(t testing.TB, conf rpc.ClientConfig) *rpc.Client {
	t.Helper()
	client := rpc.NewClient(conf)
	t.Cleanup(func() {
		_ = client.Close()
	})
	return client
}

// WaitForConnections waits until server has n live connections.
func WaitForConnections(t testing.TB, server *rpc.Server, n int) []*rpc.ClientConnection {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(server.Connections()) == n
	}, 5*time.Second, 10*time.Millisecond)
	return server.Connections()
}

// RunTestSuite runs all tests for a given transport
func RunTestSuite(t *testing.T, config SuiteConfig) {
	factory := config.Factory

	t.Run("PingPong", func(t *testing.T) {
		runPingPongTest(t, factory)
	})

	t.Run("PingPongConcurrent", func(t *testing.T) {
		runPingPongConcurrentTest(t, factory)
	})

	t.Run("InterleavedCompletion", func(t *testing.T) {
		runInterleavedCompletionTest(t, factory)
	})

	t.Run("PingPongFail", func(t *testing.T) {
		runPingPongFailTest(t, factory)
	})

	t.Run("UnknownChannel", func(t *testing.T) {
		runUnknownChannelTest(t, factory)
	})

	t.Run("AuthMiddleware", func(t *testing.T) {
		runAuthMiddlewareTest(t, factory)
	})

	t.Run("ServerGroupsMiddleware", func(t *testing.T) {
		runServerGroupsMiddlewareTest(t, factory)
	})

	t.Run("EventLifecycle", func(t *testing.T) {
		runEventLifecycleTest(t, factory)
	})

	t.Run("ServerCallsClient", func(t *testing.T) {
		runServerCallsClientTest(t, factory)
	})

	t.Run("Cancellation", func(t *testing.T) {
		runCancellationTest(t, factory)
	})

	t.Run("DisposalFailsPending", func(t *testing.T) {
		runDisposalTest(t, factory)
	})

	t.Run("CallFromEventCallback", func(t *testing.T) {
		runCallFromEventCallbackTest(t, factory)
	})

	t.Run("ListenCallsSubscriber", func(t *testing.T) {
		runListenCallsSubscriberTest(t, factory)
	})

	t.Run("EventDisposeBeforeFire", func(t *testing.T) {
		runEventDisposeBeforeFireTest(t, factory)
	})

	t.Run("DisposalFlush", func(t *testing.T) {
		runDisposalFlushTest(t, factory)
	})

	if !config.SkipEdgeTests {
		t.Run("GracefulShutdown", func(t *testing.T) {
			runGracefulShutdownTest(t, factory)
		})

		t.Run("LargePayload", func(t *testing.T) {
			sizes := config.LargePayloadSizes
			if sizes == nil {
				sizes = DefaultLargePayloadCases()
			}
			runLargePayloadTest(t, factory, sizes)
		})

		t.Run("MultipleClients", func(t *testing.T) {
			runMultipleClientsTest(t, factory)
		})

		t.Run("RapidConnectionChurn", func(t *testing.T) {
			runRapidConnectionChurnTest(t, factory)
		})
	}
}

func setup(t *testing.T, factory TransportFactory, clientID string, register func(*rpc.Server)) (*rpc.Server, *rpc.Client) {
	st, ct := factory.NewTransports(t)
	server := rpc.NewServer(rpc.ServerConfig{
		Transport: st,
	})
	if register != nil {
		register(server)
	} else {
		server.RegisterChannel("pingpong", PingPongChannel())
	}
	require.NoError(t, server.Listen())
	go func() {
		_ = server.ListenAndServe()
	}()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	})

	client := NewClient(t, rpc.ClientConfig{
		Transport: ct,
		ClientID:  clientID,
	})
	return server, client
}

func runPingPongTest(t *testing.T, factory TransportFactory) {
	_, client := setup(t, factory, "window:1", nil)
	c := client.Channel("pingpong")

	count := int64(0)
	for count <= 10 {
		resp, err := c.Call(context.Background(), "ping", value.Int(count))
		require.NoError(t, err)

		n, ok := resp.AsInt()
		require.True(t, ok)
		assert.Equal(t, count+1, n)
		count = n
	}

	resp, err := c.Call(context.Background(), "whoami", value.Null())
	require.NoError(t, err)
	assert.Equal(t, value.String("window:1"), resp)
}

func runPingPongConcurrentTest(t *testing.T, factory TransportFactory) {
	var middlewareCount int32
	_, client := setup(t, factory, "", func(server *rpc.Server) {
		server.Middleware(func(ctx context.Context, req *rpc.Request, next rpc.Handler) (value.Value, error) {
			atomic.AddInt32(&middlewareCount, 1)
			return next(ctx, req)
		})
		server.RegisterChannel("pingpong", PingPongChannel())
	})
	c := client.Channel("pingpong")

	numGoRoutines := 32
	numIterations := 16
	wg := &sync.WaitGroup{}
	for i := 0; i < numGoRoutines; i++ {
		wg.Add(1)
		go func(start int64) {
			defer wg.Done()
			count := start
			for j := 0; j < numIterations; j++ {
				resp, err := c.Call(context.Background(), "ping", value.Int(count))
				if !assert.NoError(t, err) {
					return
				}
				n, _ := resp.AsInt()
				assert.Equal(t, count+1, n)
				count = n
			}
		}(int64(i * 1000))
	}
	wg.Wait()

	assert.Equal(t, int32(numGoRoutines*numIterations), atomic.LoadInt32(&middlewareCount))
}

// calls that finish in reverse order still each get their own reply
func runInterleavedCompletionTest(t *testing.T, factory TransportFactory) {
	_, client := setup(t, factory, "", nil)
	c := client.Channel("pingpong")

	n := 8
	calls := make([]*rpc.Call, n)
	for i := 0; i < n; i++ {
		delay := int64((n - i) * 20)
		calls[i] = c.Go(context.Background(), "sleep", value.Int(delay), nil)
	}

	first := <-calls[n-1].Done
	require.NoError(t, first.Error)
	assert.Equal(t, value.Int(20), first.Reply)

	for i := 0; i < n-1; i++ {
		call := <-calls[i].Done
		require.NoError(t, call.Error)
		assert.Equal(t, value.Int(int64((n-i)*20)), call.Reply)
	}
}

func runPingPongFailTest(t *testing.T, factory TransportFactory) {
	_, client := setup(t, factory, "", nil)
	c := client.Channel("pingpong")

	_, err := c.Call(context.Background(), "fail", value.Null())
	require.Error(t, err)
	assert.Equal(t, "unable to ping the pong", err.Error())

	var re *rpc.RemoteError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, "Error", re.Name)

	_, err = c.Call(context.Background(), "missing", value.Null())
	assert.ErrorIs(t, err, rpc.ErrUnknownCommand)

	// a failed call leaves the connection usable
	resp, err := c.Call(context.Background(), "ping", value.Int(1))
	require.NoError(t, err)
	assert.Equal(t, value.Int(2), resp)
}

func runUnknownChannelTest(t *testing.T, factory TransportFactory) {
	_, client := setup(t, factory, "", nil)

	_, err := client.Channel("nope").Call(context.Background(), "ping", value.Int(1))
	assert.ErrorIs(t, err, rpc.ErrUnknownChannel)

	sub := client.Channel("nope").Listen("onTick", value.Null()).Subscribe(func(value.Value) {})
	select {
	case <-sub.Done():
		assert.ErrorIs(t, sub.Err(), rpc.ErrUnknownChannel)
	case <-time.After(5 * time.Second):
		t.Fatal("subscription to unknown channel did not end")
	}
}

func runAuthMiddlewareTest(t *testing.T, factory TransportFactory) {
	_, client := setup(t, factory, "", func(server *rpc.Server) {
		server.Middleware(authMiddleware)
		server.RegisterChannel("pingpong", PingPongChannel())
	})
	c := client.Channel("pingpong")

	ctx := rpc.NewContextWithMetadata(context.Background(), map[string]string{"token": invalidToken})
	_, err := c.Call(ctx, "ping", value.Int(1))
	require.Error(t, err)
	assert.Equal(t, "invalid token", err.Error())

	_, err = c.Call(context.Background(), "ping", value.Int(1))
	require.Error(t, err)
	assert.Equal(t, "no metadata", err.Error())

	ctx = rpc.NewContextWithMetadata(context.Background(), map[string]string{"token": validToken})
	resp, err := c.Call(ctx, "ping", value.Int(1))
	require.NoError(t, err)
	assert.Equal(t, value.Int(2), resp)
}

func runServerGroupsMiddlewareTest(t *testing.T, factory TransportFactory) {
	var order []string
	mu := &sync.Mutex{}
	record := func(name string) rpc.Middleware {
		return func(ctx context.Context, req *rpc.Request, next rpc.Handler) (value.Value, error) {
			mu.Lock()
			order = append(order, name+":"+req.Channel)
			mu.Unlock()
			return next(ctx, req)
		}
	}

	_, client := setup(t, factory, "", func(server *rpc.Server) {
		server.Middleware(record("root"))
		server.RegisterChannel("outer", PingPongChannel())
		server.Group(func(server *rpc.Server) {
			server.Middleware(record("group"))
			server.RegisterChannel("inner", PingPongChannel())
			server.Group(func(server *rpc.Server) {
				server.Middleware(record("nested"))
				server.RegisterChannel("innermost", PingPongChannel())
			})
		})
	})

	for _, name := range []string{"outer", "inner", "innermost"} {
		_, err := client.Channel(name).Call(context.Background(), "ping", value.Int(0))
		require.NoError(t, err)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		"root:outer",
		"root:inner", "group:inner",
		"root:innermost", "group:innermost", "nested:innermost",
	}, order)
}

func runEventLifecycleTest(t *testing.T, factory TransportFactory) {
	subscribed := make(chan struct{}, 1)
	unsubscribed := make(chan struct{}, 1)
	ticks := rpc.NewEmitter[value.Value](rpc.EmitterOptions{
		OnFirstListener: func() { subscribed <- struct{}{} },
		OnLastListener:  func() { unsubscribed <- struct{}{} },
	})

	_, client := setup(t, factory, "", func(server *rpc.Server) {
		server.RegisterChannel("clock", rpc.NewDispatch().HandleEmitter("onTick", ticks))
	})

	received := make(chan value.Value, 16)
	sub := client.Channel("clock").Listen("onTick", value.Null()).Subscribe(func(v value.Value) {
		received <- v
	})

	select {
	case <-subscribed:
	case <-time.After(5 * time.Second):
		t.Fatal("server never saw the subscription")
	}

	for i := int64(0); i < 5; i++ {
		ticks.Fire(value.Int(i))
	}
	for i := int64(0); i < 5; i++ {
		select {
		case v := <-received:
			assert.Equal(t, value.Int(i), v)
		case <-time.After(5 * time.Second):
			t.Fatalf("missing event %d", i)
		}
	}

	sub.Dispose()
	select {
	case <-unsubscribed:
	case <-time.After(5 * time.Second):
		t.Fatal("server never saw the unsubscribe")
	}

	// a second subscription starts over and sees the end of the stream
	sub = client.Channel("clock").Listen("onTick", value.Null()).Subscribe(func(v value.Value) {})
	select {
	case <-subscribed:
	case <-time.After(5 * time.Second):
		t.Fatal("server never saw the second subscription")
	}
	ticks.End(errors.New("clock stopped"))
	select {
	case <-sub.Done():
		require.Error(t, sub.Err())
		assert.Equal(t, "clock stopped", sub.Err().Error())
	case <-time.After(5 * time.Second):
		t.Fatal("event end was not delivered")
	}
}

func runServerCallsClientTest(t *testing.T, factory TransportFactory) {
	server, client := setup(t, factory, "window:7", nil)
	client.RegisterChannel("window", rpc.NewDispatch().
		Handle("title", func(ctx context.Context, caller rpc.CallContext, arg value.Value) (value.Value, error) {
			return value.String("untitled"), nil
		}))
	require.NoError(t, client.Connect(context.Background()))

	conns := WaitForConnections(t, server, 1)
	resp, err := conns[0].Channel("window").Call(context.Background(), "title", value.Null())
	require.NoError(t, err)
	assert.Equal(t, value.String("untitled"), resp)

	resp, err = server.Channel("window", rpc.ClientIDRouter("window:7")).Call(context.Background(), "title", value.Null())
	require.NoError(t, err)
	assert.Equal(t, value.String("untitled"), resp)

	_, err = server.Channel("window", rpc.ClientIDRouter("window:8")).Call(context.Background(), "title", value.Null())
	assert.ErrorIs(t, err, rpc.ErrRouting)
}

func runCancellationTest(t *testing.T, factory TransportFactory) {
	started := make(chan struct{}, 1)
	observed := make(chan error, 1)
	_, client := setup(t, factory, "", func(server *rpc.Server) {
		server.RegisterChannel("pingpong", PingPongChannel())
		server.RegisterChannel("slow", rpc.NewDispatch().
			Handle("wait", func(ctx context.Context, caller rpc.CallContext, arg value.Value) (value.Value, error) {
				started <- struct{}{}
				<-ctx.Done()
				observed <- ctx.Err()
				return value.String("late"), nil
			}))
	})

	ctx, cancel := context.WithCancel(context.Background())
	call := client.Channel("slow").Go(ctx, "wait", value.Null(), nil)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("handler never started")
	}
	cancel()

	select {
	case <-call.Done:
		assert.ErrorIs(t, call.Error, rpc.ErrCancelled)
		assert.ErrorIs(t, call.Error, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled call did not settle")
	}

	select {
	case err := <-observed:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("handler context was not cancelled")
	}

	// a call that settled first keeps its result
	ctx, cancel = context.WithCancel(context.Background())
	call = client.Channel("pingpong").Go(ctx, "ping", value.Int(1), nil)
	<-call.Done
	cancel()
	require.NoError(t, call.Error)
	assert.Equal(t, value.Int(2), call.Reply)

	ctx, cancel = context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := client.Channel("slow").Call(ctx, "wait", value.Null())
	<-started
	assert.ErrorIs(t, err, rpc.ErrCancelled)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func runDisposalTest(t *testing.T, factory TransportFactory) {
	n := 5
	started := make(chan struct{}, n)
	observed := make(chan error, n)
	_, client := setup(t, factory, "", func(server *rpc.Server) {
		server.RegisterChannel("slow", rpc.NewDispatch().
			Handle("wait", func(ctx context.Context, caller rpc.CallContext, arg value.Value) (value.Value, error) {
				started <- struct{}{}
				<-ctx.Done()
				observed <- ctx.Err()
				return value.Null(), ctx.Err()
			}))
	})

	calls := make([]*rpc.Call, n)
	for i := range calls {
		calls[i] = client.Channel("slow").Go(context.Background(), "wait", value.Null(), nil)
	}
	for i := 0; i < n; i++ {
		select {
		case <-started:
		case <-time.After(5 * time.Second):
			t.Fatal("handler never started")
		}
	}

	require.NoError(t, client.Close())

	for _, call := range calls {
		select {
		case <-call.Done:
			assert.ErrorIs(t, call.Error, rpc.ErrConnectionClosed)
		case <-time.After(5 * time.Second):
			t.Fatal("pending call was not failed on close")
		}
	}
	for i := 0; i < n; i++ {
		select {
		case err := <-observed:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(5 * time.Second):
			t.Fatal("in-flight handler was not cancelled")
		}
	}

	_, err := client.Channel("slow").Call(context.Background(), "wait", value.Null())
	assert.ErrorIs(t, err, rpc.ErrConnectionClosed)
}

func runGracefulShutdownTest(t *testing.T, factory TransportFactory) {
	server, client := setup(t, factory, "", nil)
	c := client.Channel("pingpong")

	_, err := c.Call(context.Background(), "ping", value.Int(1))
	require.NoError(t, err)

	removed := make(chan *rpc.ClientConnection, 1)
	server.OnDidRemoveConnection().Subscribe(func(cc *rpc.ClientConnection) {
		removed <- cc
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, server.Shutdown(ctx))

	select {
	case cc := <-removed:
		assert.ErrorIs(t, cc.Err(), rpc.ErrConnectionClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("connection was not removed on shutdown")
	}
	assert.Empty(t, server.Connections())

	require.Eventually(t, func() bool {
		return client.State() == rpc.Disconnected
	}, 5*time.Second, 10*time.Millisecond)
}

func runLargePayloadTest(t *testing.T, factory TransportFactory, sizes []LargePayloadTestCase) {
	_, client := setup(t, factory, "", nil)
	c := client.Channel("pingpong")

	for _, tc := range sizes {
		t.Run(tc.Name, func(t *testing.T) {
			payload := bytes.Repeat([]byte("hyperipc"), tc.Size/8+1)[:tc.Size]
			resp, err := c.Call(context.Background(), "echo", value.Bytes(payload))
			require.NoError(t, err)

			bs, ok := resp.AsBytes()
			require.True(t, ok)
			assert.True(t, bytes.Equal(payload, bs))
		})
	}
}

func runMultipleClientsTest(t *testing.T, factory TransportFactory) {
	st, ct := factory.NewTransports(t)
	server := StartServer(t, rpc.ServerConfig{Transport: st})
	server.RegisterChannel("pingpong", PingPongChannel())

	n := 4
	clients := make([]*rpc.Client, n)
	for i := range clients {
		clients[i] = NewClient(t, rpc.ClientConfig{
			Transport: ct,
			ClientID:  fmt.Sprintf("client:%d", i),
		})
		require.NoError(t, clients[i].Connect(context.Background()))
	}
	WaitForConnections(t, server, n)

	wg := &sync.WaitGroup{}
	for i, client := range clients {
		wg.Add(1)
		go func(i int, client *rpc.Client) {
			defer wg.Done()
			resp, err := client.Channel("pingpong").Call(context.Background(), "whoami", value.Null())
			if assert.NoError(t, err) {
				assert.Equal(t, value.String(fmt.Sprintf("client:%d", i)), resp)
			}
		}(i, client)
	}
	wg.Wait()

	require.NoError(t, clients[0].Close())
	WaitForConnections(t, server, n-1)
}

func runRapidConnectionChurnTest(t *testing.T, factory TransportFactory) {
	st, ct := factory.NewTransports(t)
	server := StartServer(t, rpc.ServerConfig{Transport: st})
	server.RegisterChannel("pingpong", PingPongChannel())

	for i := 0; i < 10; i++ {
		client := rpc.NewClient(rpc.ClientConfig{Transport: ct})
		resp, err := client.Channel("pingpong").Call(context.Background(), "ping", value.Int(int64(i)))
		require.NoError(t, err)
		assert.Equal(t, value.Int(int64(i+1)), resp)
		require.NoError(t, client.Close())
	}

	WaitForConnections(t, server, 0)
}

func runCallFromEventCallbackTest(t *testing.T, factory TransportFactory) {
	subscribed := make(chan struct{}, 1)
	ticks := rpc.NewEmitter[value.Value](rpc.EmitterOptions{
		OnFirstListener: func() { subscribed <- struct{}{} },
	})
	_, client := setup(t, factory, "", func(server *rpc.Server) {
		server.RegisterChannel("clock", rpc.NewDispatch().
			HandleEmitter("onTick", ticks).
			Handle("now", func(ctx context.Context, caller rpc.CallContext, arg value.Value) (value.Value, error) {
				return value.Int(42), nil
			}))
	})

	ch := client.Channel("clock")
	replies := make(chan error, 1)
	sub := ch.Listen("onTick", value.Null()).Subscribe(func(v value.Value) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		resp, err := ch.Call(ctx, "now", value.Null())
		if err == nil && !resp.Equal(value.Int(42)) {
			err = fmt.Errorf("unexpected reply %v", resp)
		}
		replies <- err
	})
	defer sub.Dispose()

	select {
	case <-subscribed:
	case <-time.After(5 * time.Second):
		t.Fatal("server never saw the subscription")
	}
	ticks.Fire(value.Int(1))

	select {
	case err := <-replies:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("call made from an event callback never completed")
	}
}

func runListenCallsSubscriberTest(t *testing.T, factory TransportFactory) {
	titles := make(chan value.Value, 1)
	ticks := rpc.NewEmitter[value.Value](rpc.EmitterOptions{})
	var server *rpc.Server
	_, client := setup(t, factory, "window:7", func(s *rpc.Server) {
		server = s
		s.RegisterChannel("windows", rpc.NewDispatch().
			HandleEvent("onFocus", func(ctx context.Context, caller rpc.CallContext, arg value.Value) (rpc.Event[value.Value], error) {
				title, err := server.Channel("window", rpc.ClientIDRouter(caller.ClientID)).Call(ctx, "title", value.Null())
				if err != nil {
					return nil, err
				}
				titles <- title
				return ticks.Event(), nil
			}))
	})
	client.RegisterChannel("window", rpc.NewDispatch().
		Handle("title", func(ctx context.Context, caller rpc.CallContext, arg value.Value) (value.Value, error) {
			return value.String("untitled"), nil
		}))
	require.NoError(t, client.Connect(context.Background()))

	received := make(chan value.Value, 1)
	sub := client.Channel("windows").Listen("onFocus", value.Null()).Subscribe(func(v value.Value) {
		received <- v
	})
	defer sub.Dispose()

	select {
	case title := <-titles:
		assert.Equal(t, value.String("untitled"), title)
	case <-time.After(10 * time.Second):
		t.Fatal("server listen never reached the subscriber")
	}

	require.Eventually(t, func() bool {
		return ticks.ListenerCount() == 1
	}, 5*time.Second, 5*time.Millisecond)
	ticks.Fire(value.Int(1))

	select {
	case v := <-received:
		assert.Equal(t, value.Int(1), v)
	case <-time.After(5 * time.Second):
		t.Fatal("event was not delivered")
	}
}

func runEventDisposeBeforeFireTest(t *testing.T, factory TransportFactory) {
	// one emitter per subscription argument
	emitters := []*rpc.Emitter[value.Value]{
		rpc.NewEmitter[value.Value](rpc.EmitterOptions{}),
		rpc.NewEmitter[value.Value](rpc.EmitterOptions{}),
	}
	_, client := setup(t, factory, "", func(server *rpc.Server) {
		server.RegisterChannel("clock", rpc.NewDispatch().
			HandleEvent("onTick", func(ctx context.Context, caller rpc.CallContext, arg value.Value) (rpc.Event[value.Value], error) {
				n, _ := arg.AsInt()
				return emitters[n].Event(), nil
			}))
	})
	ch := client.Channel("clock")

	stale := make(chan value.Value, 16)
	sub := ch.Listen("onTick", value.Int(0)).Subscribe(func(v value.Value) {
		stale <- v
	})
	sub.Dispose()

	received := make(chan value.Value, 16)
	fresh := ch.Listen("onTick", value.Int(1)).Subscribe(func(v value.Value) {
		received <- v
	})
	require.Eventually(t, func() bool {
		return emitters[1].ListenerCount() == 1
	}, 5*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return emitters[0].ListenerCount() == 0
	}, 5*time.Second, 5*time.Millisecond)

	for i := int64(0); i < 5; i++ {
		emitters[0].Fire(value.Int(i))
	}
	for i := int64(0); i < 3; i++ {
		emitters[1].Fire(value.Int(i))
	}
	for i := int64(0); i < 3; i++ {
		select {
		case v := <-received:
			assert.Equal(t, value.Int(i), v)
		case <-time.After(5 * time.Second):
			t.Fatalf("missing event %d", i)
		}
	}
	assert.Never(t, func() bool {
		return len(stale) > 0
	}, 100*time.Millisecond, 10*time.Millisecond, "disposed subscription received events")

	// resubscribing starts from the next value
	fresh.Dispose()
	require.Eventually(t, func() bool {
		return emitters[1].ListenerCount() == 0
	}, 5*time.Second, 5*time.Millisecond)
	assert.Never(t, func() bool {
		return len(received) > 0
	}, 50*time.Millisecond, 10*time.Millisecond)

	again := make(chan value.Value, 16)
	fresh = ch.Listen("onTick", value.Int(1)).Subscribe(func(v value.Value) {
		again <- v
	})
	defer fresh.Dispose()
	require.Eventually(t, func() bool {
		return emitters[1].ListenerCount() == 1
	}, 5*time.Second, 5*time.Millisecond)
	emitters[1].Fire(value.Int(7))

	select {
	case v := <-again:
		assert.Equal(t, value.Int(7), v)
	case <-time.After(5 * time.Second):
		t.Fatal("resubscribed event was not delivered")
	}
	assert.Empty(t, received)
}

func runDisposalFlushTest(t *testing.T, factory TransportFactory) {
	calls, subs := 4, 3
	started := make(chan struct{}, calls)
	ticks := rpc.NewEmitter[value.Value](rpc.EmitterOptions{})
	_, client := setup(t, factory, "", func(server *rpc.Server) {
		server.RegisterChannel("slow", rpc.NewDispatch().
			HandleEmitter("onTick", ticks).
			Handle("wait", func(ctx context.Context, caller rpc.CallContext, arg value.Value) (value.Value, error) {
				started <- struct{}{}
				<-ctx.Done()
				return value.Null(), ctx.Err()
			}))
	})
	ch := client.Channel("slow")

	var fired atomic.Int64
	subscriptions := make([]*rpc.Subscription, subs)
	for i := range subscriptions {
		subscriptions[i] = ch.Listen("onTick", value.Int(int64(i))).Subscribe(func(v value.Value) {
			fired.Add(1)
		})
	}
	done := make(chan *rpc.Call, calls)
	for i := 0; i < calls; i++ {
		ch.Go(context.Background(), "wait", value.Null(), done)
	}
	for i := 0; i < calls; i++ {
		select {
		case <-started:
		case <-time.After(5 * time.Second):
			t.Fatal("handler never started")
		}
	}
	require.Eventually(t, func() bool {
		return ticks.ListenerCount() == subs
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, client.Close())

	for i := 0; i < calls; i++ {
		select {
		case call := <-done:
			assert.ErrorIs(t, call.Error, rpc.ErrConnectionClosed)
		case <-time.After(5 * time.Second):
			t.Fatalf("only %d of %d pending calls failed on close", i, calls)
		}
	}
	assert.Never(t, func() bool {
		return len(done) > 0
	}, 50*time.Millisecond, 10*time.Millisecond, "a call settled twice")

	for i, sub := range subscriptions {
		select {
		case <-sub.Done():
			assert.ErrorIs(t, sub.Err(), rpc.ErrConnectionClosed)
		case <-time.After(5 * time.Second):
			t.Fatalf("subscription %d did not end on close", i)
		}
	}

	require.Eventually(t, func() bool {
		return ticks.ListenerCount() == 0
	}, 5*time.Second, 5*time.Millisecond)
	ticks.Fire(value.Int(1))
	assert.Equal(t, int64(0), fired.Load())
}
