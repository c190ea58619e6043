// Package inkroom parses inkroom server flags and composes the board
// service entrypoint.
package inkroom

import (
	"context"
	"flag"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	entrypoint "github.com/louisbranch/inkroom/internal/platform/cmd"
	server "github.com/louisbranch/inkroom/internal/services/board/app"
)

// Config holds inkroom command configuration.
type Config struct {
	Port              int           `env:"PORT"                         envDefault:"3000"`
	Host              string        `env:"INKROOM_HOST"`
	RedisAddr         string        `env:"INKROOM_REDIS_ADDR"`
	RedisPrefix       string        `env:"INKROOM_REDIS_CHANNEL_PREFIX" envDefault:"inkroom"`
	StrokeIdleTimeout time.Duration `env:"INKROOM_STROKE_IDLE_TIMEOUT"  envDefault:"30s"`
	CORSOrigins       []string      `env:"INKROOM_CORS_ORIGINS"         envDefault:"*" envSeparator:","`
	MDNS              bool          `env:"INKROOM_MDNS"`
	LogLevel          string        `env:"INKROOM_LOG_LEVEL"            envDefault:"info"`
	LogFormat         string        `env:"INKROOM_LOG_FORMAT"           envDefault:"json"`
}

// Addr is the listen address derived from Host and Port.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	err := entrypoint.Inkroom.ParseConfig(&cfg, fs, args, func(fs *flag.FlagSet) {
		fs.IntVar(&cfg.Port, "port", cfg.Port, "HTTP listen port")
		fs.StringVar(&cfg.Host, "host", cfg.Host, "HTTP listen host, empty for all interfaces")
		fs.StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "Redis address for the shared room logs, empty for in-process")
		fs.StringVar(&cfg.RedisPrefix, "redis-prefix", cfg.RedisPrefix, "Redis key prefix")
		fs.DurationVar(&cfg.StrokeIdleTimeout, "stroke-idle-timeout", cfg.StrokeIdleTimeout, "resolve strokes idle for this long, 0 disables")
		fs.Func("cors-origins", "comma-separated allowed origins (default \"*\")", func(v string) error {
			cfg.CORSOrigins = splitList(v)
			return nil
		})
		fs.BoolVar(&cfg.MDNS, "mdns", cfg.MDNS, "advertise the server over mDNS")
		fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug, info, warn, error")
		fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format: json or console")
	})
	if err != nil {
		return Config{}, err
	}

	if cfg.Port < 0 || cfg.Port > 65535 {
		return Config{}, fmt.Errorf("port %d is out of range", cfg.Port)
	}
	if cfg.StrokeIdleTimeout < 0 {
		return Config{}, fmt.Errorf("stroke idle timeout must not be negative")
	}
	return cfg, nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Run builds the board server and serves it until ctx ends.
func Run(ctx context.Context, cfg Config) error {
	logger, err := entrypoint.Inkroom.Logger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}

	return entrypoint.Inkroom.Run(ctx, logger, func(ctx context.Context) error {
		if err := server.Run(ctx, server.Config{
			HTTPAddr:           cfg.Addr(),
			RedisAddr:          cfg.RedisAddr,
			RedisChannelPrefix: cfg.RedisPrefix,
			StrokeIdleTimeout:  cfg.StrokeIdleTimeout,
			CORSOrigins:        cfg.CORSOrigins,
			AdvertiseMDNS:      cfg.MDNS,
			Logger:             logger,
		}); err != nil {
			return fmt.Errorf("serve inkroom: %w", err)
		}
		return nil
	})
}
