package log

import (
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
)

type Config struct {
	Level string
	File  string
}

func isTerminalAttached() bool {
	return isatty.IsTerminal(os.Stdout.Fd()) && runtime.GOOS != "windows"
}

// Setup builds the process logger. Output goes to File when set, otherwise
// to stdout with a console writer when a terminal is attached. The returned
// func releases the log file.
func Setup(cfg Config) (Logger, func(), error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}
	SetLevel(level)

	var out io.Writer = os.Stdout
	closer := func() {}
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("error opening log file: %w", err)
		}
		out = f
		closer = func() {
			_ = f.Close()
		}
	} else if isTerminalAttached() {
		out = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "2006-01-02 15:04:05",
		}
	}

	z := zerolog.New(out).With().Timestamp().Int("pid", os.Getpid()).Logger()
	return NewZerolog(z), closer, nil
}
