package launch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/kbirk/hyperipc/pkg/log"
	"github.com/kbirk/hyperipc/pkg/rpc"
	"github.com/kbirk/hyperipc/pkg/rpc/unix"
)

// ErrForwardedToPrimary is returned by Setup when another instance owns the
// socket and accepted the launch. The caller should exit successfully.
var ErrForwardedToPrimary = errors.New("launch forwarded to the primary instance")

const defaultForwardTimeout = 5 * time.Second

type Config struct {
	// SocketPath is the well-known instance address.
	SocketPath string

	// Request is forwarded when another instance is already running.
	Request StartRequest

	// OnStart handles launches forwarded to this instance once it is the
	// primary.
	OnStart StartFunc

	// ForwardTimeout bounds the whole forwarding exchange.
	ForwardTimeout time.Duration

	Framer rpc.FramerConfig
	Server rpc.ServerConfig // Transport is set by Setup
	Logger log.Logger
}

// Primary is a bound instance. Serve it with Server.ListenAndServe.
type Primary struct {
	Server    *rpc.Server
	Channel   *Channel
	Transport *unix.ServerTransport
}

// Setup makes this process the primary instance, or forwards the launch to
// the running one and returns ErrForwardedToPrimary. A socket left behind by
// a dead instance is removed and the bind retried once.
func Setup(ctx context.Context, conf Config) (*Primary, error) {
	if conf.ForwardTimeout <= 0 {
		conf.ForwardTimeout = defaultForwardTimeout
	}
	logger := conf.Logger
	if logger == nil {
		logger = log.Nop()
	}
	logger = logger.With("component", "launch", "socket", conf.SocketPath)

	for attempt := 0; ; attempt++ {
		l, err := unix.Listen(conf.SocketPath)
		if err == nil {
			logger.Info("Running as primary instance")
			return newPrimary(l, conf), nil
		}

		switch {
		case errors.Is(err, rpc.ErrAddressInUse):
			ferr := forward(ctx, conf)
			if ferr == nil {
				logger.Info("Forwarded launch to primary instance", "args", len(conf.Request.Args))
				return nil, ErrForwardedToPrimary
			}
			if !errors.Is(ferr, rpc.ErrConnectionRefused) {
				return nil, fmt.Errorf("failed to forward launch: %w", ferr)
			}
			// the owner went away between our bind and dial
			err = fmt.Errorf("%w: %v", rpc.ErrStaleSocket, ferr)
		case errors.Is(err, rpc.ErrStaleSocket):
		default:
			return nil, err
		}

		if attempt > 0 {
			return nil, err
		}
		logger.Warn("Removing stale instance socket", "error", err)
		if rmErr := removeSocket(conf.SocketPath); rmErr != nil {
			return nil, rmErr
		}
	}
}

func newPrimary(l *net.UnixListener, conf Config) *Primary {
	transport := unix.NewServerTransportFromListener(l, conf.Framer)

	serverConf := conf.Server
	serverConf.Transport = transport
	if serverConf.Logger == nil {
		serverConf.Logger = conf.Logger
	}
	server := rpc.NewServer(serverConf)

	ch := NewChannel(conf.OnStart, conf.Request.Args)
	server.RegisterChannel(ChannelName, ch)

	return &Primary{
		Server:    server,
		Channel:   ch,
		Transport: transport,
	}
}

func forward(ctx context.Context, conf Config) error {
	ctx, cancel := context.WithTimeout(ctx, conf.ForwardTimeout)
	defer cancel()

	client := rpc.NewClient(rpc.ClientConfig{
		Transport: unix.NewClientTransport(unix.ClientTransportConfig{
			SocketPath: conf.SocketPath,
			Framer:     conf.Framer,
		}),
		ClientID: "launch",
		Logger:   conf.Logger,
	})
	defer client.Close()

	if err := client.Connect(ctx); err != nil {
		return err
	}
	return NewClient(client.Channel(ChannelName)).Start(ctx, conf.Request)
}

// removeSocket deletes path only when it is a socket node.
func removeSocket(path string) error {
	fi, err := os.Lstat(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if fi.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("%w: %s exists and is not a socket", rpc.ErrAddressInUse, path)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove stale socket: %w", err)
	}
	return nil
}

// Status asks the primary instance at socketPath about itself.
func Status(ctx context.Context, socketPath string, framer rpc.FramerConfig) (MainProcessInfo, error) {
	client := rpc.NewClient(rpc.ClientConfig{
		Transport: unix.NewClientTransport(unix.ClientTransportConfig{
			SocketPath: socketPath,
			Framer:     framer,
		}),
		ClientID: "launch-status",
	})
	defer client.Close()
	return NewClient(client.Channel(ChannelName)).MainProcessInfo(ctx)
}
