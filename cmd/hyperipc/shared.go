package main

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kbirk/hyperipc/internal/config"
	"github.com/kbirk/hyperipc/pkg/log"
	"github.com/kbirk/hyperipc/pkg/loglevel"
	"github.com/kbirk/hyperipc/pkg/rpc"
	"github.com/kbirk/hyperipc/pkg/rpc/unix"
	"github.com/kbirk/hyperipc/pkg/sharedprocess"
	"github.com/kbirk/hyperipc/pkg/value"
)

const sharedChannelName = "sharedProcess"

func newSharedProcessCommand() *cobra.Command {
	return &cobra.Command{
		Use:    "shared-process",
		Short:  "Run as the shared process of a main instance",
		Args:   cobra.NoArgs,
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, conf, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger, closeLog, err := setupLogger(conf, "shared")
			if err != nil {
				return err
			}
			defer closeLog()

			return runSharedProcess(cmd.Context(), conf, logger)
		},
	}
}

func runSharedProcess(ctx context.Context, conf config.Config, logger log.Logger) error {
	joinCtx, cancel := context.WithTimeout(ctx, sharedProcessReadyTimeout)
	child, err := sharedprocess.Join(joinCtx, sharedprocess.ChildConfig{
		Framer: conf.IPC.Framer(),
		Logger: logger,
	})
	cancel()
	if err != nil {
		return err
	}
	defer child.Close()

	log.SetLevel(child.Init.LogLevel)
	follow, err := loglevel.Follow(ctx, child.Client.Channel(loglevel.ChannelName), log.SetLevel)
	if err != nil {
		return err
	}
	defer follow.Dispose()

	info := newSharedChannel(child.Init, time.Now())
	child.Client.RegisterChannel(sharedChannelName, info)

	server := rpc.NewServer(rpc.ServerConfig{
		Transport: unix.NewServerTransport(unix.ServerTransportConfig{
			SocketPath:   child.Init.IPCHandle,
			RecoverStale: true,
			Framer:       conf.IPC.Framer(),
		}),
		Logger:         logger,
		ReconnectGrace: conf.IPC.ReconnectGrace,
	})
	server.RegisterChannel(sharedChannelName, info)
	server.RegisterChannel(loglevel.ChannelName, loglevel.NewChannel(loglevel.Options{Logger: logger}))
	if err := server.Listen(); err != nil {
		return err
	}

	stop := make(chan struct{})
	var once sync.Once
	closeStop := func() {
		once.Do(func() {
			close(stop)
		})
	}
	goodbye := child.OnGoodbye(func() {
		logger.Info("Parent said goodbye")
		closeStop()
	})
	defer goodbye.Dispose()
	lost := child.Client.OnDidChangeState().Subscribe(func(state rpc.ConnectionState) {
		if state == rpc.Disconnected {
			logger.Warn("Lost connection to parent")
			closeStop()
		}
	})
	defer lost.Dispose()

	if err := child.Ready(ctx); err != nil {
		_ = server.Shutdown(ctx)
		return err
	}
	logger.Info("Shared process ready", "handle", child.Init.IPCHandle)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(server.ListenAndServe)
	g.Go(func() error {
		select {
		case <-stop:
		case <-gctx.Done():
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// newSharedChannel answers liveness and identity queries from the parent
// and from clients of the shared handle.
func newSharedChannel(init sharedprocess.InitData, started time.Time) *rpc.Dispatch {
	return rpc.NewDispatch().
		Handle("ping", func(ctx context.Context, caller rpc.CallContext, arg value.Value) (value.Value, error) {
			return value.String("pong"), nil
		}).
		Handle("info", func(ctx context.Context, caller rpc.CallContext, arg value.Value) (value.Value, error) {
			return value.Map(map[string]value.Value{
				"pid":       value.Int(int64(os.Getpid())),
				"machineId": value.String(init.MachineID),
				"args":      value.Strings(init.Args...),
				"uptime":    value.String(time.Since(started).Round(time.Millisecond).String()),
				"caller":    value.String(caller.ClientID),
			}), nil
		})
}
