// Package cmd holds the startup plumbing shared by the inkroom server and
// the inkbot client.
package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/louisbranch/inkroom/internal/platform/config"
	"github.com/louisbranch/inkroom/internal/platform/logging"
	"github.com/louisbranch/inkroom/internal/platform/otel"
)

const traceFlushTimeout = 5 * time.Second

// Command describes one inkroom executable.
type Command struct {
	// Name identifies the command in traces, logs and exit messages.
	Name string
	// EnvPrefix is prepended to the env tags of the command config. Empty
	// means the tags already carry full variable names.
	EnvPrefix string
}

var (
	// Inkroom is the drawing room server. Its config tags name INKROOM_*
	// variables directly, plus the bare PORT used by hosting platforms.
	Inkroom = Command{Name: "inkroom"}
	// Inkbot is the headless room client.
	Inkbot = Command{Name: "inkbot", EnvPrefix: "INKBOT_"}
)

// ParseConfig fills cfg from the environment, then from args once the caller
// registered flags on fs. Flags are registered by register so their defaults
// are the environment values.
func (c Command) ParseConfig(cfg any, fs *flag.FlagSet, args []string, register func(*flag.FlagSet)) error {
	if cfg == nil {
		return errors.New("config target is required")
	}
	if fs == nil {
		return errors.New("flag parser is required")
	}
	if err := config.ParseEnvWithPrefix(cfg, c.EnvPrefix); err != nil {
		return fmt.Errorf("%s config: %w", c.Name, err)
	}
	if register != nil {
		register(fs)
	}
	if args == nil {
		args = []string{}
	}
	return fs.Parse(args)
}

// Logger builds the command logger, tagged with the command name.
func (c Command) Logger(level, format string) (*zap.Logger, error) {
	logger, err := logging.New(level, format)
	if err != nil {
		return nil, err
	}
	return logger.With(zap.String("service", c.Name)), nil
}

// Run starts tracing under the command name and runs fn. Spans are flushed
// and logger synced once fn returns.
func (c Command) Run(ctx context.Context, logger *zap.Logger, fn func(context.Context) error) error {
	if fn == nil {
		return errors.New("run function is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	defer func() {
		_ = logger.Sync()
	}()

	shutdown, err := otel.Setup(ctx, c.Name)
	if err != nil {
		return fmt.Errorf("%s telemetry: %w", c.Name, err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), traceFlushTimeout)
		defer cancel()
		if err := shutdown(flushCtx); err != nil {
			logger.Warn("flush traces", zap.Error(err))
		}
	}()
	return fn(ctx)
}

// Exitf prints a fatal error prefixed with the command name and exits.
func (c Command) Exitf(format string, args ...any) {
	config.Exitf(c.Name, format, args...)
}
