package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/kbirk/hyperipc/internal/config"
	"github.com/kbirk/hyperipc/pkg/log"
)

const (
	version = "0.1.0"
)

var (
	red    = color.New(color.FgRed, color.Bold).SprintFunc()
	green  = color.New(color.FgGreen, color.Bold).SprintFunc()
	blue   = color.New(color.FgBlue, color.Bold).SprintFunc()
	yellow = color.New(color.FgYellow, color.Bold).SprintFunc()
	cyan   = color.New(color.FgCyan, color.Bold).SprintFunc()
	white  = color.New(color.FgWhite, color.Bold).SprintFunc()
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		os.Stderr.WriteString(red("ERROR: ") + err.Error() + "\n")
		stop()
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "hyperipc",
		Short:         "Inter-process channels for the main and shared processes",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	config.DefineFlags(root)

	root.AddCommand(
		newMainCommand(),
		newSharedProcessCommand(),
		newCallCommand(),
		newVersionCommand(),
	)
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "hyperipc %s\n", version)
		},
	}
}

// loadConfig reads the config named by --config, if any, layered under the
// environment and the flags of cmd.
func loadConfig(cmd *cobra.Command) (*config.Loader, config.Config, error) {
	file, _ := cmd.Flags().GetString("config")
	loader := config.NewLoader(cmd, file)
	conf, err := loader.Load()
	if err != nil {
		return nil, config.Config{}, err
	}
	return loader, conf, nil
}

func setupLogger(conf config.Config, role string) (log.Logger, func(), error) {
	logger, closer, err := log.Setup(log.Config{
		Level: conf.Log.Level,
		File:  conf.Log.File,
	})
	if err != nil {
		return nil, nil, err
	}
	return logger.With("role", role, "pid", os.Getpid()), closer, nil
}
