package rpc_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kbirk/hyperipc/pkg/rpc"
	"github.com/kbirk/hyperipc/pkg/rpc/memory"
	"github.com/kbirk/hyperipc/pkg/rpc/rpctest"
	"github.com/kbirk/hyperipc/pkg/value"
)

// identityChannel answers "id" with the client id it was built for.
func identityChannel(id string) *rpc.Dispatch {
	return rpc.NewDispatch().
		Handle("id", func(ctx context.Context, caller rpc.CallContext, arg value.Value) (value.Value, error) {
			return value.String(id), nil
		})
}

// serveClients starts a server and connects one client per id, in order.
// Each client exposes identityChannel as "identity".
func serveClients(t *testing.T, ids ...string) (*rpc.Server, []*rpc.Client) {
	t.Helper()

	network := memory.NewNetwork()
	name := address()
	server := rpctest.StartServer(t, rpc.ServerConfig{
		Transport: network.NewServerTransport(name),
	})

	clients := make([]*rpc.Client, 0, len(ids))
	for i, id := range ids {
		client := rpctest.NewClient(t, rpc.ClientConfig{
			Transport: network.NewClientTransport(name),
			ClientID:  id,
		})
		client.RegisterChannel("identity", identityChannel(id))
		require.NoError(t, client.Connect(context.Background()))
		// keep connection order deterministic
		rpctest.WaitForConnections(t, server, i+1)
		clients = append(clients, client)
	}
	return server, clients
}
