// Package inkbot parses inkbot flags and runs a headless room client that
// either watches a room or draws into it.
package inkbot

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/louisbranch/inkroom/internal/client"
	entrypoint "github.com/louisbranch/inkroom/internal/platform/cmd"
	"github.com/louisbranch/inkroom/internal/platform/discovery"
	"github.com/louisbranch/inkroom/internal/protocol"
)

// Modes accepted by Config.Mode.
const (
	ModeWatch = "watch"
	ModeDraw  = "draw"
)

const (
	discoverTimeout = 3 * time.Second
	drawPoints      = 24
)

// Config holds inkbot command configuration. Environment variables carry the
// INKBOT_ prefix.
type Config struct {
	URL              string        `env:"URL"               envDefault:"ws://localhost:3000"`
	Room             string        `env:"ROOM"              envDefault:"main"`
	Name             string        `env:"NAME"              envDefault:"inkbot"`
	Discover         bool          `env:"DISCOVER"`
	SnapshotInterval time.Duration `env:"SNAPSHOT_INTERVAL" envDefault:"5s"`
	Mode             string        `env:"MODE"              envDefault:"watch"`
	Color            string        `env:"COLOR"             envDefault:"#1f6feb"`
	Width            float64       `env:"WIDTH"             envDefault:"4"`
	LogLevel         string        `env:"LOG_LEVEL"         envDefault:"info"`
	LogFormat        string        `env:"LOG_FORMAT"        envDefault:"console"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	err := entrypoint.Inkbot.ParseConfig(&cfg, fs, args, func(fs *flag.FlagSet) {
		fs.StringVar(&cfg.URL, "url", cfg.URL, "inkroom server URL")
		fs.StringVar(&cfg.Room, "room", cfg.Room, "room to join")
		fs.StringVar(&cfg.Name, "name", cfg.Name, "display name")
		fs.BoolVar(&cfg.Discover, "discover", cfg.Discover, "find the server over mDNS instead of -url")
		fs.DurationVar(&cfg.SnapshotInterval, "snapshot-interval", cfg.SnapshotInterval, "snapshot polling interval, negative disables")
		fs.StringVar(&cfg.Mode, "mode", cfg.Mode, "watch or draw")
		fs.StringVar(&cfg.Color, "color", cfg.Color, "stroke color in draw mode")
		fs.Float64Var(&cfg.Width, "width", cfg.Width, "stroke width in draw mode")
		fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug, info, warn, error")
		fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format: json or console")
	})
	if err != nil {
		return Config{}, err
	}

	cfg.Mode = strings.ToLower(strings.TrimSpace(cfg.Mode))
	switch cfg.Mode {
	case ModeWatch, ModeDraw:
	default:
		return Config{}, fmt.Errorf("unsupported mode %q", cfg.Mode)
	}
	return cfg, nil
}

// Run joins the configured room and watches or draws until ctx ends.
func Run(ctx context.Context, cfg Config) error {
	logger, err := entrypoint.Inkbot.Logger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}

	return entrypoint.Inkbot.Run(ctx, logger, func(ctx context.Context) error {
		serverURL := cfg.URL
		if cfg.Discover {
			discovered, err := discoverServer(ctx, logger)
			if err != nil {
				return err
			}
			serverURL = discovered
		}
		return runClient(ctx, cfg, serverURL, logger)
	})
}

func discoverServer(ctx context.Context, logger *zap.Logger) (string, error) {
	peers, err := discovery.Browse(ctx, discoverTimeout)
	if err != nil {
		return "", fmt.Errorf("discover inkroom: %w", err)
	}
	if len(peers) == 0 {
		return "", errors.New("no inkroom server found on the local network")
	}
	logger.Info("discovered server", zap.String("instance", peers[0].Instance), zap.String("addr", peers[0].Addr))
	return "ws://" + peers[0].Addr, nil
}

func runClient(ctx context.Context, cfg Config, serverURL string, logger *zap.Logger) error {
	onUpdate := watchLogger(logger)
	snapshots := make(chan struct{}, 1)
	if cfg.Mode == ModeDraw {
		onUpdate = func(frameType string, _ *client.State) {
			if frameType != protocol.TypeSnapshot {
				return
			}
			select {
			case snapshots <- struct{}{}:
			default:
			}
		}
	}

	c, err := client.Dial(ctx, client.Config{
		URL:              serverURL,
		Room:             cfg.Room,
		Name:             cfg.Name,
		SnapshotInterval: cfg.SnapshotInterval,
		Logger:           logger,
		OnUpdate:         onUpdate,
	})
	if err != nil {
		return err
	}
	defer func() {
		_ = c.Close()
	}()

	state := c.State()
	logger.Info("joined room",
		zap.String("room", cfg.Room),
		zap.String("conn_id", state.SelfID()),
		zap.String("name", state.Name()),
		zap.Int("users", len(state.Users())),
		zap.Int("ops", len(state.Committed())),
	)

	if cfg.Mode == ModeDraw {
		runCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		runErr := make(chan error, 1)
		go func() {
			runErr <- c.Run(runCtx)
		}()

		opID, err := drawCircle(c, cfg.Color, cfg.Width)
		if err != nil {
			return err
		}
		if err := c.RequestSnapshot(); err != nil {
			return err
		}
		if err := waitCommitted(ctx, state, opID, snapshots, runErr); err != nil {
			return err
		}
		logger.Info("stroke committed", zap.String("op_id", opID))
		cancel()
		return <-runErr
	}
	return c.Run(ctx)
}

// errConnectionEnded reports a connection that closed cleanly before the
// stroke was confirmed.
var errConnectionEnded = errors.New("connection ended before the stroke was committed")

// drawCircle sends one closed stroke around the canvas center.
func drawCircle(c *client.Client, color string, width float64) (string, error) {
	opID, err := c.BeginStroke(color, width, false)
	if err != nil {
		return "", err
	}
	for i := 0; i <= drawPoints; i++ {
		angle := 2 * math.Pi * float64(i) / drawPoints
		if err := c.Point(opID, 400+120*math.Cos(angle), 300+120*math.Sin(angle)); err != nil {
			return "", err
		}
	}
	if err := c.EndStroke(opID); err != nil {
		return "", err
	}
	return opID, nil
}

// waitCommitted blocks until a server snapshot contains opID. Local commits
// are tentative, so only a snapshot confirms the server kept the stroke.
// It returns early when the read loop feeding runErr stops.
func waitCommitted(ctx context.Context, state *client.State, opID string, snapshots <-chan struct{}, runErr <-chan error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-runErr:
			if err == nil {
				err = errConnectionEnded
			}
			return err
		case <-snapshots:
		}
		for _, op := range state.Committed() {
			if op.ID == opID && len(op.Points) == drawPoints+1 {
				return nil
			}
		}
	}
}

func watchLogger(logger *zap.Logger) func(string, *client.State) {
	return func(frameType string, state *client.State) {
		switch frameType {
		case protocol.TypeStrokePoint, protocol.TypeCursor:
			return
		}
		logger.Info("room update",
			zap.String("event", frameType),
			zap.Int("users", len(state.Users())),
			zap.Int("ops", len(state.Committed())),
			zap.Int("active", len(state.Active())),
		)
	}
}
