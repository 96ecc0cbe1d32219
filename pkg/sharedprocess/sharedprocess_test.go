package sharedprocess

import (
	"context"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kbirk/hyperipc/pkg/log"
	"github.com/kbirk/hyperipc/pkg/rpc"
	"github.com/kbirk/hyperipc/pkg/rpc/memory"
	"github.com/kbirk/hyperipc/pkg/value"
)

const helperEnv = "HYPERIPC_SHARED_PROCESS_HELPER"

var testInit = InitData{
	IPCHandle: "/tmp/hyperipc-shared.sock",
	Args:      []string{"--disable-telemetry"},
	LogLevel:  log.DebugLevel,
	MachineID: "5c1d0e2f",
}

// telemetryChannel counts the events it was sent.
func telemetryChannel() *rpc.Dispatch {
	var n int64
	return rpc.NewDispatch().
		Handle("publish", func(ctx context.Context, caller rpc.CallContext, arg value.Value) (value.Value, error) {
			n++
			return value.Int(n), nil
		})
}

// TestHelperProcess is the shared process side of TestSpawnAndJoin.
func TestHelperProcess(t *testing.T) {
	if os.Getenv(helperEnv) != "1" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	child, err := Join(ctx, ChildConfig{})
	if err != nil {
		os.Exit(2)
	}
	if child.Init.MachineID != testInit.MachineID {
		os.Exit(3)
	}
	child.Client.RegisterChannel("telemetry", telemetryChannel())

	goodbye := make(chan struct{})
	child.OnGoodbye(func() {
		close(goodbye)
	})
	if err := child.Ready(ctx); err != nil {
		os.Exit(4)
	}

	select {
	case <-goodbye:
		os.Exit(0)
	case <-ctx.Done():
		os.Exit(5)
	}
}

func TestSpawnAndJoin(t *testing.T) {
	cmd := exec.Command(os.Args[0], "-test.run=^TestHelperProcess$")
	cmd.Env = append(os.Environ(), helperEnv+"=1")

	parent, err := Spawn(cmd, ParentConfig{Init: testInit})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, parent.Handshake.WaitReady(ctx))

	resp, err := parent.Channel("telemetry").Call(ctx, "publish", value.String("startup"))
	require.NoError(t, err)
	assert.Equal(t, value.Int(1), resp)

	require.NoError(t, parent.Shutdown(ctx))
	select {
	case <-parent.Exited():
	default:
		t.Fatal("shared process still running after shutdown")
	}
}

func TestHandshakeOverMemory(t *testing.T) {
	network := memory.NewNetwork()
	parent, err := NewParent(network.NewServerTransport("main"), ParentConfig{Init: testInit})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	child, err := JoinTransport(ctx, network.NewClientTransport("main"), ChildConfig{})
	require.NoError(t, err)
	defer child.Close()
	assert.Equal(t, testInit, child.Init)

	select {
	case <-parent.Handshake.Ready():
		t.Fatal("ready before the child reported it")
	default:
	}

	goodbye := make(chan struct{})
	child.OnGoodbye(func() {
		close(goodbye)
	})
	require.NoError(t, child.Ready(ctx))
	require.NoError(t, child.Ready(ctx))
	require.NoError(t, parent.Handshake.WaitReady(ctx))

	require.Eventually(t, func() bool {
		return parent.Handshake.goodbye.ListenerCount() == 1
	}, 5*time.Second, 5*time.Millisecond)

	assert.Nil(t, parent.Exited())
	require.NoError(t, parent.Shutdown(ctx))
	select {
	case <-goodbye:
	case <-time.After(5 * time.Second):
		t.Fatal("goodbye was not delivered")
	}
}

func TestWaitReadyTimeout(t *testing.T) {
	hs := NewHandshake(testInit)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, hs.WaitReady(ctx), context.DeadlineExceeded)
}

func TestInitDataValidation(t *testing.T) {
	_, err := initDataFromValue(value.String("nope"))
	assert.Error(t, err)

	_, err = initDataFromValue(value.Map(map[string]value.Value{
		"logLevel": value.String("chatty"),
	}))
	assert.ErrorContains(t, err, "unknown log level")
}
