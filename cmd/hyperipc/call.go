package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/segmentio/encoding/json"
	"github.com/spf13/cobra"

	"github.com/kbirk/hyperipc/internal/config"
	"github.com/kbirk/hyperipc/pkg/log"
	"github.com/kbirk/hyperipc/pkg/remote"
	"github.com/kbirk/hyperipc/pkg/rpc"
	"github.com/kbirk/hyperipc/pkg/rpc/unix"
	"github.com/kbirk/hyperipc/pkg/value"
)

const cliClientID = "hyperipc-cli"

type callOptions struct {
	address   string
	authority string
	channel   string
	command   string
	event     string
	arg       string
}

func newCallCommand() *cobra.Command {
	opts := callOptions{}

	cmd := &cobra.Command{
		Use:   "call",
		Short: "Call a command or listen to an event of a running instance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, conf, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger, closeLog, err := setupLogger(conf, "cli")
			if err != nil {
				return err
			}
			defer closeLog()

			return runCall(cmd.Context(), cmd.OutOrStdout(), conf, logger, opts)
		},
	}
	cmd.Flags().StringVar(&opts.address, "address", "", "socket to connect to, defaults to ipc.main_handle")
	cmd.Flags().StringVar(&opts.authority, "remote", "", "remote authority, e.g. ws+127.0.0.1:8080, instead of a local socket")
	cmd.Flags().StringVar(&opts.channel, "channel", "", "channel name")
	cmd.Flags().StringVar(&opts.command, "command", "", "command to call")
	cmd.Flags().StringVar(&opts.event, "event", "", "event to listen to until interrupted")
	cmd.Flags().StringVar(&opts.arg, "arg", "", "JSON argument")
	_ = cmd.MarkFlagRequired("channel")
	cmd.MarkFlagsMutuallyExclusive("command", "event")
	cmd.MarkFlagsOneRequired("command", "event")
	cmd.MarkFlagsMutuallyExclusive("address", "remote")
	return cmd
}

func runCall(ctx context.Context, out io.Writer, conf config.Config, logger log.Logger, opts callOptions) error {
	arg := value.Null()
	if opts.arg != "" {
		v, err := value.ParseJSON([]byte(opts.arg))
		if err != nil {
			return fmt.Errorf("invalid --arg: %w", err)
		}
		arg = v
	}

	ch, release, err := dialChannel(ctx, conf, logger, opts)
	if err != nil {
		return err
	}
	defer release()

	if opts.command != "" {
		result, err := ch.Call(ctx, opts.command, arg)
		if err != nil {
			var remoteErr *rpc.RemoteError
			if errors.As(err, &remoteErr) {
				return fmt.Errorf("%s: %s", remoteErr.Name, remoteErr.Message)
			}
			return err
		}
		return printValue(out, result)
	}

	sub := ch.Listen(opts.event, arg).Subscribe(func(v value.Value) {
		if err := printValue(out, v); err != nil {
			logger.Warn("Failed to print event", "error", err)
		}
	})
	defer sub.Dispose()

	select {
	case <-ctx.Done():
		return nil
	case <-sub.Done():
		return sub.Err()
	}
}

func dialChannel(ctx context.Context, conf config.Config, logger log.Logger, opts callOptions) (rpc.Channel, func(), error) {
	if opts.authority != "" {
		pool := remote.NewPool(remote.PoolConfig{
			Resolver:    remote.AddressResolver{},
			IdleTimeout: conf.Remote.IdleTimeout,
			Client: rpc.ClientConfig{
				ClientID: cliClientID,
			},
			Logger: logger,
		})
		return pool.Channel(opts.authority, opts.channel), func() {
			_ = pool.Close()
		}, nil
	}

	address := opts.address
	if address == "" {
		address = conf.IPC.MainHandle
	}
	client := rpc.NewClient(rpc.ClientConfig{
		Transport: unix.NewClientTransport(unix.ClientTransportConfig{
			SocketPath: address,
			Framer:     conf.IPC.Framer(),
		}),
		ClientID: cliClientID,
		Logger:   logger,
	})
	if err := client.Connect(ctx); err != nil {
		return nil, nil, fmt.Errorf("failed to connect to %s: %w", address, err)
	}
	return client.Channel(opts.channel), func() {
		_ = client.Close()
	}, nil
}

func printValue(w io.Writer, v value.Value) error {
	bs, err := v.MarshalJSON()
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, bs, "", "  "); err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, cyan(buf.String()))
	return err
}
