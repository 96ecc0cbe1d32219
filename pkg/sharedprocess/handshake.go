// Package sharedprocess connects the main process with the shared
// background process it spawns. The child says hello to receive its
// startup data, reports ready once its own channels are registered, and is
// told goodbye before the parent shuts it down.
package sharedprocess

import (
	"context"
	"fmt"
	"sync"

	"github.com/kbirk/hyperipc/pkg/log"
	"github.com/kbirk/hyperipc/pkg/rpc"
	"github.com/kbirk/hyperipc/pkg/value"
)

const (
	ChannelName = "handshake"

	commandHello   = "hello"
	commandReady   = "ready"
	eventOnGoodbye = "onGoodbye"
)

// InitData is handed to the shared process in reply to hello.
type InitData struct {
	// IPCHandle is the socket the shared process serves its channels on.
	IPCHandle string
	Args      []string
	LogLevel  log.Level
	MachineID string
}

func (d InitData) toValue() value.Value {
	return value.Map(map[string]value.Value{
		"ipcHandle": value.String(d.IPCHandle),
		"args":      value.Strings(d.Args...),
		"logLevel":  value.String(d.LogLevel.String()),
		"machineId": value.String(d.MachineID),
	})
}

func initDataFromValue(v value.Value) (InitData, error) {
	if _, ok := v.AsMap(); !ok {
		return InitData{}, fmt.Errorf("init data must be a map, got %s", v.Kind())
	}
	var d InitData
	d.IPCHandle, _ = v.Get("ipcHandle").AsString()
	d.Args, _ = v.Get("args").AsStrings()
	d.MachineID, _ = v.Get("machineId").AsString()
	level, _ := v.Get("logLevel").AsString()
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return InitData{}, err
	}
	d.LogLevel = lvl
	return d, nil
}

// Handshake is the parent's side of the channel.
type Handshake struct {
	init InitData

	readyOnce sync.Once
	ready     chan struct{}

	goodbye *rpc.Emitter[value.Value]
}

func NewHandshake(init InitData) *Handshake {
	return &Handshake{
		init:    init,
		ready:   make(chan struct{}),
		goodbye: rpc.NewEmitter[value.Value](rpc.EmitterOptions{}),
	}
}

// Ready is closed once the child has reported ready.
func (h *Handshake) Ready() <-chan struct{} {
	return h.ready
}

func (h *Handshake) WaitReady(ctx context.Context) error {
	select {
	case <-h.ready:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shared process did not become ready: %w", ctx.Err())
	}
}

// Goodbye tells every subscribed child that the parent is about to shut
// it down.
func (h *Handshake) Goodbye() {
	h.goodbye.Fire(value.Null())
}

func (h *Handshake) Call(ctx context.Context, caller rpc.CallContext, command string, arg value.Value) (value.Value, error) {
	switch command {
	case commandHello:
		return h.init.toValue(), nil
	case commandReady:
		h.readyOnce.Do(func() {
			close(h.ready)
		})
		return value.Null(), nil
	}
	return value.Null(), fmt.Errorf("%w: %s", rpc.ErrUnknownCommand, command)
}

func (h *Handshake) Listen(ctx context.Context, caller rpc.CallContext, event string, arg value.Value) (rpc.Event[value.Value], error) {
	if event == eventOnGoodbye {
		return h.goodbye, nil
	}
	return nil, fmt.Errorf("%w: event %s", rpc.ErrUnknownCommand, event)
}

// Client is the child's typed proxy.
type Client struct {
	ch rpc.Channel
}

func NewClient(ch rpc.Channel) *Client {
	return &Client{ch: ch}
}

func (c *Client) Hello(ctx context.Context) (InitData, error) {
	v, err := c.ch.Call(ctx, commandHello, value.Null())
	if err != nil {
		return InitData{}, err
	}
	return initDataFromValue(v)
}

func (c *Client) Ready(ctx context.Context) error {
	_, err := c.ch.Call(ctx, commandReady, value.Null())
	return err
}

func (c *Client) OnGoodbye(fn func()) *rpc.Subscription {
	return c.ch.Listen(eventOnGoodbye, value.Null()).Subscribe(func(value.Value) {
		fn()
	})
}
