package rpc

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/kbirk/hyperipc/pkg/value"
)

type BroadcastResult struct {
	ClientID  string
	SessionID string
	Reply     value.Value
	Err       error
}

// Broadcast calls command on the named channel of every connection
// accepted by filter (all of them when filter is nil) and collects the
// results in connection order. Individual failures are reported per result.
func Broadcast(ctx context.Context, hub ConnectionHub, filter func(*ClientConnection) bool, channel string, command string, arg value.Value) []BroadcastResult {
	var targets []*ClientConnection
	for _, cc := range hub.Connections() {
		if filter == nil || filter(cc) {
			targets = append(targets, cc)
		}
	}

	results := make([]BroadcastResult, len(targets))
	g := &errgroup.Group{}
	for i, cc := range targets {
		i, cc := i, cc
		g.Go(func() error {
			reply, err := cc.Channel(channel).Call(ctx, command, arg)
			results[i] = BroadcastResult{
				ClientID:  cc.ClientID,
				SessionID: cc.SessionID,
				Reply:     reply,
				Err:       err,
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Notify sends command to every matching connection without waiting for
// the replies.
func Notify(ctx context.Context, hub ConnectionHub, filter func(*ClientConnection) bool, channel string, command string, arg value.Value) int {
	n := 0
	for _, cc := range hub.Connections() {
		if filter == nil || filter(cc) {
			cc.Channel(channel).Go(ctx, command, arg, nil)
			n++
		}
	}
	return n
}
