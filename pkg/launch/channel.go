// Package launch implements the single-instance protocol: the first process
// binds the instance socket, later ones forward their launch to it and
// exit.
package launch

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kbirk/hyperipc/pkg/rpc"
	"github.com/kbirk/hyperipc/pkg/value"
)

const (
	ChannelName = "launch"

	commandStart              = "start"
	commandGetMainProcessInfo = "getMainProcessInfo"
)

// StartRequest is what a second instance forwards to the primary.
type StartRequest struct {
	Args []string
	Env  map[string]string
}

func (r StartRequest) toValue() value.Value {
	env := make(map[string]value.Value, len(r.Env))
	for k, v := range r.Env {
		env[k] = value.String(v)
	}
	return value.Map(map[string]value.Value{
		"args": value.Strings(r.Args...),
		"env":  value.Map(env),
	})
}

func startRequestFromValue(v value.Value) (StartRequest, error) {
	var req StartRequest
	args := v.Get("args")
	if !args.IsNull() {
		list, ok := args.AsStrings()
		if !ok {
			return req, fmt.Errorf("args must be a list of strings")
		}
		req.Args = list
	}
	if env, ok := v.Get("env").AsMap(); ok {
		req.Env = make(map[string]string, len(env))
		for k, item := range env {
			s, ok := item.AsString()
			if !ok {
				return req, fmt.Errorf("env %s must be a string", k)
			}
			req.Env[k] = s
		}
	}
	return req, nil
}

// MainProcessInfo describes the primary instance.
type MainProcessInfo struct {
	PID       int
	StartedAt time.Time
	Uptime    time.Duration
	Args      []string
}

func (info MainProcessInfo) toValue() value.Value {
	return value.Map(map[string]value.Value{
		"pid":       value.Int(int64(info.PID)),
		"startedAt": value.String(info.StartedAt.UTC().Format(time.RFC3339Nano)),
		"uptimeMs":  value.Int(info.Uptime.Milliseconds()),
		"args":      value.Strings(info.Args...),
	})
}

func mainProcessInfoFromValue(v value.Value) (MainProcessInfo, error) {
	var info MainProcessInfo
	pid, ok := v.Get("pid").AsInt()
	if !ok {
		return info, fmt.Errorf("missing pid")
	}
	info.PID = int(pid)
	if s, ok := v.Get("startedAt").AsString(); ok {
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return info, fmt.Errorf("invalid startedAt: %w", err)
		}
		info.StartedAt = t
	}
	if ms, ok := v.Get("uptimeMs").AsInt(); ok {
		info.Uptime = time.Duration(ms) * time.Millisecond
	}
	info.Args, _ = v.Get("args").AsStrings()
	return info, nil
}

// StartFunc handles a launch forwarded by a second instance.
type StartFunc func(ctx context.Context, req StartRequest) error

// Channel is served by the primary instance.
type Channel struct {
	onStart   StartFunc
	startedAt time.Time
	args      []string
	now       func() time.Time
}

func NewChannel(onStart StartFunc, args []string) *Channel {
	return &Channel{
		onStart:   onStart,
		startedAt: time.Now(),
		args:      args,
		now:       time.Now,
	}
}

func (c *Channel) Call(ctx context.Context, caller rpc.CallContext, command string, arg value.Value) (value.Value, error) {
	switch command {
	case commandStart:
		req, err := startRequestFromValue(arg)
		if err != nil {
			return value.Null(), err
		}
		if c.onStart != nil {
			if err := c.onStart(ctx, req); err != nil {
				return value.Null(), err
			}
		}
		return value.Null(), nil
	case commandGetMainProcessInfo:
		return MainProcessInfo{
			PID:       os.Getpid(),
			StartedAt: c.startedAt,
			Uptime:    c.now().Sub(c.startedAt),
			Args:      c.args,
		}.toValue(), nil
	}
	return value.Null(), fmt.Errorf("%w: %s", rpc.ErrUnknownCommand, command)
}

func (c *Channel) Listen(ctx context.Context, caller rpc.CallContext, event string, arg value.Value) (rpc.Event[value.Value], error) {
	return nil, fmt.Errorf("%w: event %s", rpc.ErrUnknownCommand, event)
}

// Client is the typed proxy used by second instances and status queries.
type Client struct {
	ch rpc.Channel
}

func NewClient(ch rpc.Channel) *Client {
	return &Client{ch: ch}
}

func (c *Client) Start(ctx context.Context, req StartRequest) error {
	_, err := c.ch.Call(ctx, commandStart, req.toValue())
	return err
}

func (c *Client) MainProcessInfo(ctx context.Context) (MainProcessInfo, error) {
	v, err := c.ch.Call(ctx, commandGetMainProcessInfo, value.Null())
	if err != nil {
		return MainProcessInfo{}, err
	}
	return mainProcessInfoFromValue(v)
}

// Environ turns os.Environ style entries into a map. Later entries win.
func Environ(entries []string) map[string]string {
	env := make(map[string]string, len(entries))
	for _, e := range entries {
		if k, v, ok := strings.Cut(e, "="); ok {
			env[k] = v
		}
	}
	return env
}
