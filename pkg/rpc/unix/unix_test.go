package unix

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kbirk/hyperipc/pkg/rpc"
	"github.com/kbirk/hyperipc/pkg/rpc/rpctest"
)

// socket paths are limited to ~100 bytes, so avoid t.TempDir's long names
func socketPath(t *testing.T) string {
	dir, err := os.MkdirTemp("", "hipc")
	require.NoError(t, err)
	t.Cleanup(func() {
		os.RemoveAll(dir)
	})
	return filepath.Join(dir, "ipc.sock")
}

type unixTransportFactory struct{}

func (f *unixTransportFactory) NewTransports(t *testing.T) (rpc.ServerTransport, rpc.ClientTransport) {
	path := socketPath(t)
	st := NewServerTransport(ServerTransportConfig{
		SocketPath: path,
		Framer:     rpc.FramerConfig{CompressThreshold: 4096},
	})
	ct := NewClientTransport(ClientTransportConfig{
		SocketPath: path,
		Framer:     rpc.FramerConfig{CompressThreshold: 4096},
	})
	return st, ct
}

func (f *unixTransportFactory) Name() string {
	return "unix"
}

func TestUnixTransport(t *testing.T) {
	rpctest.RunTestSuite(t, rpctest.SuiteConfig{
		Factory: &unixTransportFactory{},
	})
}

func TestListenAddressInUse(t *testing.T) {
	path := socketPath(t)

	l, err := Listen(path)
	require.NoError(t, err)
	defer l.Close()

	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	_, err = Listen(path)
	assert.ErrorIs(t, err, rpc.ErrAddressInUse)

	_, err = ListenWithRecovery(path)
	assert.ErrorIs(t, err, rpc.ErrAddressInUse)
}

func TestListenStaleSocket(t *testing.T) {
	path := socketPath(t)

	// leave a socket node nobody accepts on
	l, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	require.NoError(t, err)
	l.SetUnlinkOnClose(false)
	require.NoError(t, l.Close())

	_, err = Listen(path)
	assert.ErrorIs(t, err, rpc.ErrStaleSocket)

	_, err = Dial(context.Background(), path)
	assert.ErrorIs(t, err, rpc.ErrConnectionRefused)

	l2, err := ListenWithRecovery(path)
	require.NoError(t, err)
	defer l2.Close()

	go func() {
		conn, err := l2.Accept()
		if err == nil {
			conn.Close()
		}
	}()
	conn, err := Dial(context.Background(), path)
	require.NoError(t, err)
	conn.Close()
}

func TestListenNotASocket(t *testing.T) {
	path := socketPath(t)
	require.NoError(t, os.WriteFile(path, []byte("keep me"), 0o600))

	_, err := ListenWithRecovery(path)
	assert.ErrorIs(t, err, rpc.ErrAddressInUse)

	bs, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "keep me", string(bs))
}

func TestDialNothingListening(t *testing.T) {
	_, err := Dial(context.Background(), socketPath(t))
	assert.ErrorIs(t, err, rpc.ErrConnectionRefused)
}

func TestServerTransportReleasesSocket(t *testing.T) {
	path := socketPath(t)

	st := NewServerTransport(ServerTransportConfig{SocketPath: path})
	require.NoError(t, st.Listen())
	require.NoError(t, st.Close())

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	_, err = st.Accept()
	assert.ErrorIs(t, err, rpc.ErrConnectionClosed)
}
