// Package childproc connects a parent process and a child it spawns over a
// socketpair handed to the child as an inherited file descriptor.
package childproc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"sync"

	"github.com/prep/socketpair"

	"github.com/kbirk/hyperipc/pkg/rpc"
)

// EnvFD names the environment variable holding the child's descriptor number.
const EnvFD = "HYPERIPC_CHILD_FD"

var ErrNotChild = errors.New("process was not spawned with an ipc descriptor")

// ServerTransport yields the single connection to a spawned child.
type ServerTransport struct {
	cmd  *exec.Cmd
	conn rpc.Connection

	mu       sync.Mutex
	accepted bool
	closed   bool
	closeCh  chan struct{}

	waitErr error
	exited  chan struct{}
}

// Spawn starts cmd with one end of a socketpair as an extra file. The child
// finds it through EnvFD and attaches with NewClientTransport.
func Spawn(cmd *exec.Cmd, framer rpc.FramerConfig) (*ServerTransport, error) {
	parent, child, err := socketpair.New("unix")
	if err != nil {
		return nil, fmt.Errorf("failed to create socketpair: %w", err)
	}

	uc, ok := child.(*net.UnixConn)
	if !ok {
		parent.Close()
		child.Close()
		return nil, fmt.Errorf("unexpected socketpair type %T", child)
	}
	f, err := uc.File()
	// the dup in f is what the child inherits
	child.Close()
	if err != nil {
		parent.Close()
		return nil, fmt.Errorf("failed to get socket file: %w", err)
	}
	defer f.Close()

	fd := 3 + len(cmd.ExtraFiles)
	cmd.ExtraFiles = append(cmd.ExtraFiles, f)
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}
	cmd.Env = append(cmd.Env, EnvFD+"="+strconv.Itoa(fd))

	if err := cmd.Start(); err != nil {
		parent.Close()
		return nil, fmt.Errorf("failed to start %s: %w", cmd.Path, err)
	}

	t := &ServerTransport{
		cmd:     cmd,
		conn:    rpc.NewStreamConnection(parent, framer),
		closeCh: make(chan struct{}),
		exited:  make(chan struct{}),
	}
	go t.wait()
	return t, nil
}

func (t *ServerTransport) wait() {
	t.waitErr = t.cmd.Wait()
	close(t.exited)
}

// Process returns the spawned child.
func (t *ServerTransport) Process() *os.Process {
	return t.cmd.Process
}

// Exited is closed once the child has exited.
func (t *ServerTransport) Exited() <-chan struct{} {
	return t.exited
}

// Wait blocks until the child exits or ctx is done.
func (t *ServerTransport) Wait(ctx context.Context) error {
	select {
	case <-t.exited:
		return t.waitErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *ServerTransport) Listen() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return rpc.ErrConnectionClosed
	}
	return nil
}

// Accept returns the child connection once, then blocks until Close.
func (t *ServerTransport) Accept() (rpc.Connection, error) {
	t.mu.Lock()
	if !t.accepted && !t.closed {
		t.accepted = true
		t.mu.Unlock()
		return t.conn, nil
	}
	t.mu.Unlock()

	<-t.closeCh
	return nil, rpc.ErrConnectionClosed
}

// Close stops accepting. The child connection itself is owned by whoever
// accepted it; if nobody did it is closed here.
func (t *ServerTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	close(t.closeCh)
	if !t.accepted {
		return t.conn.Close()
	}
	return nil
}

// Kill terminates the child if it is still running.
func (t *ServerTransport) Kill() error {
	select {
	case <-t.exited:
		return nil
	default:
	}
	return t.cmd.Process.Kill()
}

// Inherited opens the descriptor named by EnvFD.
func Inherited(framer rpc.FramerConfig) (rpc.Connection, error) {
	v := os.Getenv(EnvFD)
	if v == "" {
		return nil, ErrNotChild
	}
	fd, err := strconv.Atoi(v)
	if err != nil || fd < 3 {
		return nil, fmt.Errorf("invalid %s %q", EnvFD, v)
	}

	f := os.NewFile(uintptr(fd), "hyperipc-parent")
	if f == nil {
		return nil, fmt.Errorf("invalid descriptor %d", fd)
	}
	defer f.Close()

	conn, err := net.FileConn(f)
	if err != nil {
		return nil, fmt.Errorf("failed to open inherited socket: %w", err)
	}
	return rpc.NewStreamConnection(conn, framer), nil
}

// ClientTransport hands out the inherited connection exactly once. There is
// no address to redial, so later Connect calls are refused.
type ClientTransport struct {
	conn rpc.Connection
	mu   sync.Mutex
	used bool
}

// NewClientTransport wraps conn, usually the result of Inherited.
func NewClientTransport(conn rpc.Connection) *ClientTransport {
	return &ClientTransport{conn: conn}
}

func (t *ClientTransport) Connect(ctx context.Context) (rpc.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.used {
		return nil, fmt.Errorf("%w: parent connection already used", rpc.ErrConnectionRefused)
	}
	t.used = true
	return t.conn, nil
}

// Pair returns both ends of a socketpair as framed connections, for
// in-process use and tests.
func Pair(framer rpc.FramerConfig) (rpc.Connection, rpc.Connection, error) {
	a, b, err := socketpair.New("unix")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create socketpair: %w", err)
	}
	return rpc.NewStreamConnection(a, framer), rpc.NewStreamConnection(b, framer), nil
}
