package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/louisbranch/inkroom/internal/platform/discovery"
	"github.com/louisbranch/inkroom/internal/platform/telemetry/metrics"
	"github.com/louisbranch/inkroom/internal/platform/timeouts"
	"github.com/louisbranch/inkroom/internal/pubsub"
)

const (
	defaultRoomID = "main"

	tracerName       = "inkroom/board"
	metricsNamespace = "inkroom"

	maxFrameBytes          = 32 * 1024
	maxFramesPerSecond     = 240
	maxDecodeErrorsPerConn = 3

	clientWriteTimeout = timeouts.ClientWrite
)

// Config defines the inputs for the board transport boundary.
type Config struct {
	HTTPAddr string
	// RedisAddr moves room logs from the in-process bus to Redis so several
	// instances can serve the same room from one shared history.
	RedisAddr          string
	RedisChannelPrefix string
	// StrokeIdleTimeout resolves strokes that received no point for this
	// long. Zero disables the sweeper.
	StrokeIdleTimeout time.Duration
	CORSOrigins       []string
	// AdvertiseMDNS announces the server on the local network.
	AdvertiseMDNS     bool
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	Logger            *zap.Logger
}

// Server hosts the board HTTP/WebSocket process.
type Server struct {
	httpAddr        string
	shutdownTimeout time.Duration
	idleTimeout     time.Duration
	advertise       bool
	httpServer      *http.Server
	hub             *roomHub
	bus             pubsub.Bus
	redisClient     *redis.Client
	metrics         *metrics.Collector
	logger          *zap.Logger
}

// NewServer builds a configured board server.
func NewServer(config Config) (*Server, error) {
	return NewServerWithContext(context.Background(), config)
}

// NewServerWithContext builds a configured board server with an explicit
// context used while connecting to Redis.
func NewServerWithContext(ctx context.Context, config Config) (*Server, error) {
	if ctx == nil {
		return nil, errors.New("context is required")
	}
	httpAddr := strings.TrimSpace(config.HTTPAddr)
	if httpAddr == "" {
		return nil, errors.New("http address is required")
	}
	if config.StrokeIdleTimeout < 0 {
		return nil, errors.New("stroke idle timeout must not be negative")
	}
	if config.ReadHeaderTimeout <= 0 {
		config.ReadHeaderTimeout = timeouts.ReadHeader
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = timeouts.Shutdown
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	collector := metrics.NewCollector(metricsNamespace)
	dropHook := pubsub.WithDropHook(func(room string) {
		collector.DeliveryDropped()
		logger.Debug("dropped room message", zap.String("room", room))
	})
	errorHook := pubsub.WithErrorHook(func(room string, err error) {
		logger.Warn("follow room log", zap.String("room", room), zap.Error(err))
	})

	var bus pubsub.Bus
	var redisClient *redis.Client
	if addr := strings.TrimSpace(config.RedisAddr); addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:        addr,
			DialTimeout: timeouts.RedisDial,
		})
		pingCtx, cancel := context.WithTimeout(ctx, timeouts.RedisDial)
		err := redisClient.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			_ = redisClient.Close()
			return nil, fmt.Errorf("connect redis %s: %w", addr, err)
		}
		redisBus, err := pubsub.NewRedisBus(redisClient, config.RedisChannelPrefix, dropHook, errorHook)
		if err != nil {
			_ = redisClient.Close()
			return nil, err
		}
		bus = redisBus
		logger.Info("using redis room logs", zap.String("addr", addr), zap.String("streams", redisBus.Stream("*")))
	} else {
		bus = pubsub.NewMemoryBus(dropHook)
	}

	hub := newRoomHub(bus, logger, collector, otel.Tracer(tracerName))
	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           newHandler(hub, config.CORSOrigins),
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	return &Server{
		httpAddr:        httpAddr,
		shutdownTimeout: config.ShutdownTimeout,
		idleTimeout:     config.StrokeIdleTimeout,
		advertise:       config.AdvertiseMDNS,
		httpServer:      httpServer,
		hub:             hub,
		bus:             bus,
		redisClient:     redisClient,
		metrics:         collector,
		logger:          logger,
	}, nil
}

// Run creates and serves a board server until the context ends.
func Run(ctx context.Context, config Config) error {
	server, err := NewServerWithContext(ctx, config)
	if err != nil {
		return fmt.Errorf("init board server: %w", err)
	}
	defer server.Close()

	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("serve board: %w", err)
	}
	return nil
}

// ListenAndServe runs the HTTP server and the idle stroke sweeper until the
// context ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return errors.New("board server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	listener, err := net.Listen("tcp", s.httpAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.httpAddr, err)
	}
	s.logger.Info("board server listening", zap.String("addr", listener.Addr().String()))

	if s.advertise {
		announcement, err := s.announce(listener.Addr())
		if err != nil {
			s.logger.Warn("mdns advertisement unavailable", zap.Error(err))
		} else {
			defer func() {
				_ = announcement.Close()
			}()
		}
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		err := s.httpServer.Serve(listener)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	})
	if s.idleTimeout > 0 {
		group.Go(func() error {
			s.hub.runSweeper(groupCtx, s.idleTimeout)
			return nil
		})
	}
	return group.Wait()
}

func (s *Server) announce(addr net.Addr) (*discovery.Announcement, error) {
	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok {
		return nil, fmt.Errorf("unexpected listener address %T", addr)
	}
	instance, err := os.Hostname()
	if err != nil || strings.TrimSpace(instance) == "" {
		instance = "inkroom"
	}
	announcement, err := discovery.Advertise(instance, tcpAddr.Port)
	if err != nil {
		return nil, err
	}
	s.logger.Info("advertising over mdns", zap.String("instance", instance), zap.Int("port", tcpAddr.Port))
	return announcement, nil
}

// Close releases server resources.
func (s *Server) Close() {
	if s == nil {
		return
	}
	if s.hub != nil {
		s.hub.close()
	}
	if s.bus != nil {
		if err := s.bus.Close(); err != nil {
			s.logger.Warn("close pub/sub", zap.Error(err))
		}
	}
	if s.redisClient != nil {
		if err := s.redisClient.Close(); err != nil {
			s.logger.Warn("close redis client", zap.Error(err))
		}
	}
}
