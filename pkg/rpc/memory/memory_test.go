package memory

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kbirk/hyperipc/pkg/rpc"
	"github.com/kbirk/hyperipc/pkg/rpc/rpctest"
)

type memoryTransportFactory struct {
	network *Network
	next    int32
}

func (f *memoryTransportFactory) NewTransports(t *testing.T) (rpc.ServerTransport, rpc.ClientTransport) {
	name := fmt.Sprintf("test-%d", atomic.AddInt32(&f.next, 1))
	return f.network.NewServerTransport(name), f.network.NewClientTransport(name)
}

func (f *memoryTransportFactory) Name() string {
	return "memory"
}

func TestMemoryTransport(t *testing.T) {
	rpctest.RunTestSuite(t, rpctest.SuiteConfig{
		Factory: &memoryTransportFactory{network: NewNetwork()},
	})
}

func TestPipeDrainsBeforeClose(t *testing.T) {
	a, b := NewPipe()

	require.NoError(t, a.Send([]byte("one")))
	require.NoError(t, a.Send([]byte("two")))
	require.NoError(t, a.Close())

	bs, err := b.Receive()
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), bs)

	bs, err = b.Receive()
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), bs)

	_, err = b.Receive()
	assert.ErrorIs(t, err, rpc.ErrConnectionClosed)

	assert.ErrorIs(t, b.Send([]byte("three")), rpc.ErrConnectionClosed)
}

func TestPipeCopiesOnSend(t *testing.T) {
	a, b := NewPipe()
	defer a.Close()

	buf := []byte("abc")
	require.NoError(t, a.Send(buf))
	buf[0] = 'x'

	bs, err := b.Receive()
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), bs)
}

func TestNetworkAddressing(t *testing.T) {
	n := NewNetwork()

	_, err := n.Dial(context.Background(), "main")
	assert.ErrorIs(t, err, rpc.ErrConnectionRefused)

	first := n.NewServerTransport("main")
	require.NoError(t, first.Listen())
	require.NoError(t, first.Listen())

	second := n.NewServerTransport("main")
	assert.ErrorIs(t, second.Listen(), rpc.ErrAddressInUse)

	client, err := n.Dial(context.Background(), "main")
	require.NoError(t, err)
	server, err := first.Accept()
	require.NoError(t, err)

	require.NoError(t, client.Send([]byte("hello")))
	bs, err := server.Receive()
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), bs)

	require.NoError(t, first.Close())
	_, err = first.Accept()
	assert.ErrorIs(t, err, rpc.ErrConnectionClosed)

	// the name is free again
	require.NoError(t, second.Listen())
	require.NoError(t, second.Close())
}
