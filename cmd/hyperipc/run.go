package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kbirk/hyperipc/internal/config"
	"github.com/kbirk/hyperipc/internal/metrics"
	"github.com/kbirk/hyperipc/pkg/launch"
	"github.com/kbirk/hyperipc/pkg/log"
	"github.com/kbirk/hyperipc/pkg/loglevel"
	"github.com/kbirk/hyperipc/pkg/rpc"
	"github.com/kbirk/hyperipc/pkg/sharedprocess"
)

const (
	sharedProcessReadyTimeout = 10 * time.Second
	shutdownTimeout           = 5 * time.Second
)

func newMainCommand() *cobra.Command {
	var status bool

	cmd := &cobra.Command{
		Use:   "main [args...]",
		Short: "Run the primary instance, or hand the arguments to the running one",
		RunE: func(cmd *cobra.Command, args []string) error {
			loader, conf, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if status {
				return printStatus(cmd, conf)
			}

			logger, closeLog, err := setupLogger(conf, "main")
			if err != nil {
				return err
			}
			defer closeLog()

			return runMain(cmd, loader, conf, logger, args)
		},
	}
	cmd.Flags().BoolVar(&status, "status", false, "print information about the running instance and exit")
	return cmd
}

func printStatus(cmd *cobra.Command, conf config.Config) error {
	info, err := launch.Status(cmd.Context(), conf.IPC.MainHandle, conf.IPC.Framer())
	if err != nil {
		if errors.Is(err, rpc.ErrConnectionRefused) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s no instance is listening on %s\n", yellow("[stopped]"), conf.IPC.MainHandle)
			return nil
		}
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s %s\n", green("[running]"), white(conf.IPC.MainHandle))
	fmt.Fprintf(out, "    %s %d\n", blue("pid"), info.PID)
	fmt.Fprintf(out, "    %s %s\n", blue("started"), info.StartedAt.Format(time.RFC3339))
	fmt.Fprintf(out, "    %s %s\n", blue("uptime"), info.Uptime.Round(time.Second))
	fmt.Fprintf(out, "    %s %s\n", blue("args"), cyan(strings.Join(info.Args, " ")))
	return nil
}

func runMain(cmd *cobra.Command, loader *config.Loader, conf config.Config, logger log.Logger, args []string) error {
	ctx := cmd.Context()

	primary, err := launch.Setup(ctx, launch.Config{
		SocketPath: conf.IPC.MainHandle,
		Request: launch.StartRequest{
			Args: args,
			Env:  launch.Environ(os.Environ()),
		},
		OnStart: func(ctx context.Context, req launch.StartRequest) error {
			logger.Info("Launch forwarded by second instance", "args", strings.Join(req.Args, " "))
			return nil
		},
		Framer: conf.IPC.Framer(),
		Server: rpc.ServerConfig{
			ReconnectGrace: conf.IPC.ReconnectGrace,
		},
		Logger: logger,
	})
	if errors.Is(err, launch.ErrForwardedToPrimary) {
		os.Stdout.WriteString(green("SUCCESS: ") + "Arguments handed to the running instance\n")
		return nil
	}
	if err != nil {
		return err
	}
	server := primary.Server

	levels := loglevel.NewChannel(loglevel.Options{Logger: logger})
	var levelChannel rpc.ServerChannel = levels

	var registry *metrics.Registry
	if conf.Metrics.Enabled {
		registry, err = metrics.New(metrics.Config{
			ConstLabels: map[string]string{"role": "main"},
		})
		if err != nil {
			_ = server.Shutdown(ctx)
			return err
		}
		server.Middleware(registry.Middleware())
		registry.ObserveServer(server)
		levelChannel = registry.Channel(loglevel.ChannelName, levels)
	}
	server.RegisterChannel(loglevel.ChannelName, levelChannel)

	configFile, _ := cmd.Flags().GetString("config")
	parent, err := spawnSharedProcess(conf, configFile, logger, args)
	if err != nil {
		_ = server.Shutdown(ctx)
		return err
	}
	// the shared process follows the level of this one
	parent.Server.RegisterChannel(loglevel.ChannelName, levelChannel)

	if err := loader.Watch(func(next config.Config, err error) {
		if err != nil {
			logger.Warn("Ignoring invalid config change", "error", err)
			return
		}
		levels.SetLevel(next.LogLevel())
	}); err != nil {
		logger.Debug("Config file is not watched", "error", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return server.ListenAndServe()
	})

	g.Go(func() error {
		readyCtx, cancel := context.WithTimeout(gctx, sharedProcessReadyTimeout)
		defer cancel()
		if err := parent.Handshake.WaitReady(readyCtx); err != nil {
			logger.Warn("Shared process did not become ready", "error", err)
			return nil
		}
		logger.Info("Shared process is ready", "handle", conf.IPC.SharedHandle)
		return nil
	})

	g.Go(func() error {
		select {
		case <-parent.Exited():
			return errors.New("shared process exited unexpectedly")
		case <-gctx.Done():
			return nil
		}
	})

	var metricsServer *http.Server
	if registry != nil {
		metricsServer = &http.Server{
			Addr:              conf.Metrics.Address,
			Handler:           metrics.Handler(prometheus.DefaultGatherer),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info("Serving metrics", "address", conf.Metrics.Address)
			if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		errs := []error{parent.Shutdown(shutdownCtx), server.Shutdown(shutdownCtx)}
		if metricsServer != nil {
			errs = append(errs, metricsServer.Shutdown(shutdownCtx))
		}
		return errors.Join(errs...)
	})

	return g.Wait()
}

func spawnSharedProcess(conf config.Config, configFile string, logger log.Logger, args []string) (*sharedprocess.Parent, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("failed to find executable: %w", err)
	}
	childArgs := []string{"shared-process"}
	if configFile != "" {
		childArgs = append(childArgs, "--config", configFile)
	}
	child := exec.Command(exe, childArgs...)
	child.Stdout = os.Stdout
	child.Stderr = os.Stderr

	return sharedprocess.Spawn(child, sharedprocess.ParentConfig{
		Init: sharedprocess.InitData{
			IPCHandle: conf.IPC.SharedHandle,
			Args:      args,
			LogLevel:  conf.LogLevel(),
			MachineID: machineID(),
		},
		Framer: conf.IPC.Framer(),
		Logger: logger,
	})
}

func machineID() string {
	host, err := os.Hostname()
	if err != nil {
		return uuid.NewString()
	}
	return uuid.NewSHA1(uuid.NameSpaceDNS, []byte(host)).String()
}
