package rpc_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kbirk/hyperipc/pkg/rpc"
	"github.com/kbirk/hyperipc/pkg/value"
)

func TestStaticRouter(t *testing.T) {
	server, _ := serveClients(t, "window:1", "window:2", "search")

	resp, err := server.Channel("identity", rpc.ClientIDRouter("window:2")).Call(context.Background(), "id", value.Null())
	require.NoError(t, err)
	assert.Equal(t, value.String("window:2"), resp)

	_, err = server.Channel("identity", rpc.ClientIDRouter("missing")).Call(context.Background(), "id", value.Null())
	assert.ErrorIs(t, err, rpc.ErrRouting)

	windows := rpc.NewStaticRouter(func(cc *rpc.ClientConnection) bool {
		return strings.HasPrefix(cc.ClientID, "window:")
	})
	_, err = server.Channel("identity", windows).Call(context.Background(), "id", value.Null())
	assert.ErrorIs(t, err, rpc.ErrRouting)

	sub := server.Channel("identity", windows).Listen("changes", value.Null()).Subscribe(func(value.Value) {})
	<-sub.Done()
	assert.ErrorIs(t, sub.Err(), rpc.ErrRouting)
}

func TestFirstMatchRouter(t *testing.T) {
	server, _ := serveClients(t, "search", "window:1", "window:2")

	windows := rpc.NewFirstMatchRouter(func(cc *rpc.ClientConnection) bool {
		return strings.HasPrefix(cc.ClientID, "window:")
	})
	resp, err := server.Channel("identity", windows).Call(context.Background(), "id", value.Null())
	require.NoError(t, err)
	assert.Equal(t, value.String("window:1"), resp)

	// nil filter takes the oldest connection
	resp, err = server.Channel("identity", rpc.NewFirstMatchRouter(nil)).Call(context.Background(), "id", value.Null())
	require.NoError(t, err)
	assert.Equal(t, value.String("search"), resp)

	none := rpc.NewFirstMatchRouter(func(*rpc.ClientConnection) bool { return false })
	_, err = server.Channel("identity", none).Call(context.Background(), "id", value.Null())
	assert.ErrorIs(t, err, rpc.ErrRouting)
}

func TestDynamicRouter(t *testing.T) {
	server, _ := serveClients(t, "window:1", "window:2")

	router := &rpc.DynamicRouter{
		ResolveCall: func(ctx context.Context, command string, arg value.Value) (string, error) {
			id, ok := arg.Get("target").AsString()
			if !ok {
				return "", errors.New("target is not a string")
			}
			return id, nil
		},
	}
	ch := server.Channel("identity", router)

	resp, err := ch.Call(context.Background(), "id", value.Map(map[string]value.Value{
		"target": value.String("window:2"),
	}))
	require.NoError(t, err)
	assert.Equal(t, value.String("window:2"), resp)

	_, err = ch.Call(context.Background(), "id", value.Map(map[string]value.Value{
		"target": value.Int(3),
	}))
	assert.ErrorIs(t, err, rpc.ErrRouting)

	// no ResolveEvent configured
	sub := ch.Listen("changes", value.Null()).Subscribe(func(value.Value) {})
	<-sub.Done()
	assert.ErrorIs(t, sub.Err(), rpc.ErrRouting)
}
