// Package loglevel serves the process log level over a channel so that one
// process can change the level of the others and they can follow it.
package loglevel

import (
	"context"
	"fmt"
	"sync"

	"github.com/kbirk/hyperipc/pkg/log"
	"github.com/kbirk/hyperipc/pkg/rpc"
	"github.com/kbirk/hyperipc/pkg/value"
)

const (
	ChannelName = "logger"

	commandSetLevel     = "setLevel"
	commandGetLevel     = "getLevel"
	eventDidChangeLevel = "onDidChangeLogLevel"
)

// Channel is the ServerChannel side. Levels travel as their names.
type Channel struct {
	apply   func(log.Level)
	current func() log.Level
	logger  log.Logger

	mu      sync.Mutex
	changed *rpc.Emitter[value.Value]
}

type Options struct {
	// Apply changes the level locally. Defaults to log.SetLevel.
	Apply   func(log.Level)
	// Current reads the local level. Defaults to log.CurrentLevel.
	Current func() log.Level
	Logger  log.Logger
}

func NewChannel(opts Options) *Channel {
	if opts.Apply == nil {
		opts.Apply = log.SetLevel
	}
	if opts.Current == nil {
		opts.Current = log.CurrentLevel
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	return &Channel{
		apply:   opts.Apply,
		current: opts.Current,
		logger:  opts.Logger,
		changed: rpc.NewEmitter[value.Value](rpc.EmitterOptions{}),
	}
}

// SetLevel applies level and notifies every listener, local or remote.
func (c *Channel) SetLevel(level log.Level) {
	c.mu.Lock()
	prev := c.current()
	c.apply(level)
	c.mu.Unlock()

	if prev != level {
		c.logger.Info("Log level changed", "from", prev.String(), "to", level.String())
	}
	c.changed.Fire(value.String(level.String()))
}

func (c *Channel) Level() log.Level {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current()
}

// OnDidChangeLogLevel fires the new level name after every SetLevel.
func (c *Channel) OnDidChangeLogLevel() rpc.Event[value.Value] {
	return c.changed
}

func (c *Channel) Call(ctx context.Context, caller rpc.CallContext, command string, arg value.Value) (value.Value, error) {
	switch command {
	case commandSetLevel:
		level, err := levelFromValue(arg)
		if err != nil {
			return value.Null(), err
		}
		c.SetLevel(level)
		return value.Null(), nil
	case commandGetLevel:
		return value.String(c.Level().String()), nil
	}
	return value.Null(), fmt.Errorf("%w: %s", rpc.ErrUnknownCommand, command)
}

func (c *Channel) Listen(ctx context.Context, caller rpc.CallContext, event string, arg value.Value) (rpc.Event[value.Value], error) {
	if event == eventDidChangeLevel {
		return c.changed, nil
	}
	return nil, fmt.Errorf("%w: event %s", rpc.ErrUnknownCommand, event)
}

func levelFromValue(v value.Value) (log.Level, error) {
	name, ok := v.AsString()
	if !ok {
		return log.InfoLevel, fmt.Errorf("log level must be a string, got %s", v.Kind())
	}
	return log.ParseLevel(name)
}

// Client is the typed proxy for a remote Channel.
type Client struct {
	ch rpc.Channel
}

func NewClient(ch rpc.Channel) *Client {
	return &Client{ch: ch}
}

func (c *Client) SetLevel(ctx context.Context, level log.Level) error {
	_, err := c.ch.Call(ctx, commandSetLevel, value.String(level.String()))
	return err
}

func (c *Client) Level(ctx context.Context) (log.Level, error) {
	v, err := c.ch.Call(ctx, commandGetLevel, value.Null())
	if err != nil {
		return log.InfoLevel, err
	}
	return levelFromValue(v)
}

// OnDidChangeLogLevel calls fn with every level the remote side changes
// to. Unparseable names are skipped.
func (c *Client) OnDidChangeLogLevel(fn func(log.Level)) *rpc.Subscription {
	return c.ch.Listen(eventDidChangeLevel, value.Null()).Subscribe(func(v value.Value) {
		level, err := levelFromValue(v)
		if err != nil {
			return
		}
		fn(level)
	})
}

// Follow applies the remote level now and on every change, until the
// returned subscription is disposed or the connection ends.
func Follow(ctx context.Context, ch rpc.Channel, apply func(log.Level)) (*rpc.Subscription, error) {
	if apply == nil {
		apply = log.SetLevel
	}
	client := NewClient(ch)
	sub := client.OnDidChangeLogLevel(apply)

	level, err := client.Level(ctx)
	if err != nil {
		sub.Dispose()
		return nil, err
	}
	apply(level)
	return sub, nil
}
