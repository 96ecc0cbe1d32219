package rpc

import (
	"context"
	"fmt"

	"github.com/kbirk/hyperipc/pkg/value"
)

// ConnectionHub is the set of connections a router chooses from.
type ConnectionHub interface {
	Connections() []*ClientConnection
}

// Router picks the client connection a call or event subscription goes
// to.
type Router interface {
	RouteCall(ctx context.Context, hub ConnectionHub, command string, arg value.Value) (*ClientConnection, error)
	RouteEvent(hub ConnectionHub, event string, arg value.Value) (*ClientConnection, error)
}

// StaticRouter routes to the single connection accepted by its filter. No
// match or more than one match is a routing error.
type StaticRouter struct {
	filter func(*ClientConnection) bool
}

func NewStaticRouter(filter func(*ClientConnection) bool) *StaticRouter {
	return &StaticRouter{filter: filter}
}

// ClientIDRouter routes to the connection whose client id is clientID.
func ClientIDRouter(clientID string) *StaticRouter {
	return NewStaticRouter(func(cc *ClientConnection) bool {
		return cc.ClientID == clientID
	})
}

func (r *StaticRouter) route(hub ConnectionHub) (*ClientConnection, error) {
	var match *ClientConnection
	for _, cc := range hub.Connections() {
		if !r.filter(cc) {
			continue
		}
		if match != nil {
			return nil, fmt.Errorf("%w: more than one connection matches", ErrRouting)
		}
		match = cc
	}
	if match == nil {
		return nil, fmt.Errorf("%w: no connection matches", ErrRouting)
	}
	return match, nil
}

func (r *StaticRouter) RouteCall(_ context.Context, hub ConnectionHub, _ string, _ value.Value) (*ClientConnection, error) {
	return r.route(hub)
}

func (r *StaticRouter) RouteEvent(hub ConnectionHub, _ string, _ value.Value) (*ClientConnection, error) {
	return r.route(hub)
}

// FirstMatchRouter routes to the oldest connection accepted by its filter.
type FirstMatchRouter struct {
	filter func(*ClientConnection) bool
}

func NewFirstMatchRouter(filter func(*ClientConnection) bool) *FirstMatchRouter {
	return &FirstMatchRouter{filter: filter}
}

func (r *FirstMatchRouter) route(hub ConnectionHub) (*ClientConnection, error) {
	for _, cc := range hub.Connections() {
		if r.filter == nil || r.filter(cc) {
			return cc, nil
		}
	}
	return nil, fmt.Errorf("%w: no connection matches", ErrRouting)
}

func (r *FirstMatchRouter) RouteCall(_ context.Context, hub ConnectionHub, _ string, _ value.Value) (*ClientConnection, error) {
	return r.route(hub)
}

func (r *FirstMatchRouter) RouteEvent(hub ConnectionHub, _ string, _ value.Value) (*ClientConnection, error) {
	return r.route(hub)
}

// DynamicRouter resolves the target client id from each call.
type DynamicRouter struct {
	ResolveCall  func(ctx context.Context, command string, arg value.Value) (string, error)
	ResolveEvent func(event string, arg value.Value) (string, error)
}

func (r *DynamicRouter) RouteCall(ctx context.Context, hub ConnectionHub, command string, arg value.Value) (*ClientConnection, error) {
	if r.ResolveCall == nil {
		return nil, fmt.Errorf("%w: calls are not routable", ErrRouting)
	}
	clientID, err := r.ResolveCall(ctx, command, arg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRouting, err)
	}
	return ClientIDRouter(clientID).route(hub)
}

func (r *DynamicRouter) RouteEvent(hub ConnectionHub, event string, arg value.Value) (*ClientConnection, error) {
	if r.ResolveEvent == nil {
		return nil, fmt.Errorf("%w: events are not routable", ErrRouting)
	}
	clientID, err := r.ResolveEvent(event, arg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRouting, err)
	}
	return ClientIDRouter(clientID).route(hub)
}

// RouteChannel returns a channel that picks a connection per call. A
// routing failure fails the call without sending anything.
func RouteChannel(hub ConnectionHub, name string, router Router) Channel {
	return &routedChannel{
		hub:    hub,
		name:   name,
		router: router,
	}
}

type routedChannel struct {
	hub    ConnectionHub
	name   string
	router Router
}

func (c *routedChannel) Go(ctx context.Context, command string, arg value.Value, done chan *Call) *Call {
	cc, err := c.router.RouteCall(ctx, c.hub, command, arg)
	if err != nil {
		return FailedCall(c.name, command, arg, done, err)
	}
	return cc.Channel(c.name).Go(ctx, command, arg, done)
}

func (c *routedChannel) Call(ctx context.Context, command string, arg value.Value) (value.Value, error) {
	return waitCall(c.Go(ctx, command, arg, nil))
}

func (c *routedChannel) Listen(event string, arg value.Value) Event[value.Value] {
	return eventFunc(func(fn func(value.Value)) *Subscription {
		cc, err := c.router.RouteEvent(c.hub, event, arg)
		if err != nil {
			return EndedSubscription(err)
		}
		return cc.Channel(c.name).Listen(event, arg).Subscribe(fn)
	})
}

type eventFunc func(fn func(value.Value)) *Subscription

func (f eventFunc) Subscribe(fn func(value.Value)) *Subscription {
	return f(fn)
}
