package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"golang.org/x/net/websocket"

	apperrors "github.com/louisbranch/inkroom/internal/platform/errors"
	"github.com/louisbranch/inkroom/internal/platform/id"
	"github.com/louisbranch/inkroom/internal/platform/logging"
	"github.com/louisbranch/inkroom/internal/platform/telemetry/metrics"
	"github.com/louisbranch/inkroom/internal/protocol"
	"github.com/louisbranch/inkroom/internal/pubsub"
)

// NewHandler creates board routes backed by an in-memory bus, for tests and
// single-process use.
func NewHandler() http.Handler {
	hub := newRoomHub(pubsub.NewMemoryBus(), zap.NewNop(), metrics.NewCollector(metricsNamespace), otel.Tracer(tracerName))
	return newHandler(hub, nil)
}

func newHandler(hub *roomHub, corsOrigins []string) http.Handler {
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.Middleware(hub.logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: corsOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		MaxAge:         300,
	}))

	r.Get("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Method(http.MethodGet, "/metrics", hub.metrics.Handler())
	r.Get("/rooms/{roomID}/snapshot", func(w http.ResponseWriter, r *http.Request) {
		roomID := chi.URLParam(r, "roomID")
		room, ok := hub.registry.Lookup(roomID)
		if !ok {
			writeHTTPError(w, apperrors.WithMetadata(apperrors.CodeRoomNotFound, "room not found", map[string]string{"room": roomID}))
			return
		}
		writeJSON(w, http.StatusOK, protocol.Snapshot{Ops: room.Snapshot()})
	})

	wsServer := websocket.Server{
		Handshake: originHandshake(corsOrigins),
		Handler: func(conn *websocket.Conn) {
			handleWSConn(conn, hub)
		},
	}
	r.Method(http.MethodGet, "/ws", wsServer)

	return r
}

// originHandshake accepts connections without an Origin header (non-browser
// clients) and otherwise applies the CORS origin list.
func originHandshake(allowed []string) func(*websocket.Config, *http.Request) error {
	return func(_ *websocket.Config, req *http.Request) error {
		origin := strings.TrimSpace(req.Header.Get("Origin"))
		if origin == "" || slices.Contains(allowed, "*") || slices.Contains(allowed, origin) {
			return nil
		}
		return fmt.Errorf("origin %q is not allowed", origin)
	}
}

func handleWSConn(conn *websocket.Conn, hub *roomHub) {
	defer func() {
		_ = conn.Close()
	}()
	conn.MaxPayloadBytes = maxFrameBytes

	hub.metrics.ConnectionOpened()
	defer hub.metrics.ConnectionClosed()

	ctx := context.Background()
	roomID, name := defaultRoomID, ""
	if request := conn.Request(); request != nil {
		ctx = request.Context()
		query := request.URL.Query()
		if v := strings.TrimSpace(query.Get("room")); v != "" {
			roomID = v
		}
		name = strings.TrimSpace(query.Get("name"))
	}

	peer := newWSPeer(json.NewEncoder(conn), conn.SetWriteDeadline)
	connID, err := id.NewID()
	if err != nil {
		hub.logger.Error("generate connection id", zap.Error(err))
		_ = writeWSError(peer, hub.metrics, err)
		return
	}
	if name == "" {
		name = "User-" + id.Short(connID, 4)
	}

	session, err := hub.join(ctx, connID, name, roomID, peer)
	if err != nil {
		hub.logger.Warn("join room", zap.String("room", roomID), zap.String("conn_id", connID), zap.Error(err))
		if apperrors.GetCode(err) != apperrors.CodePubSubUnavailable {
			err = apperrors.Wrap(apperrors.CodePubSubUnavailable, "room is unavailable", err)
		}
		_ = writeWSError(peer, hub.metrics, err)
		return
	}
	defer session.leave(context.WithoutCancel(ctx))

	windowStart := time.Now()
	framesInWindow := 0
	decodeErrors := 0

	for {
		var data []byte
		if err := websocket.Message.Receive(conn, &data); err != nil {
			if errors.Is(err, websocket.ErrFrameTooLarge) {
				_ = writeWSError(peer, hub.metrics, apperrors.New(apperrors.CodeFrameTooLarge, "payload too large"))
				continue
			}
			if !errors.Is(err, io.EOF) {
				session.logger.Debug("read frame", zap.Error(err))
			}
			return
		}

		var frame protocol.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			decodeErrors++
			_ = writeWSError(peer, hub.metrics, apperrors.New(apperrors.CodeFrameInvalid, "invalid frame payload"))
			if decodeErrors >= maxDecodeErrorsPerConn {
				session.logger.Info("closing connection after repeated invalid frames")
				return
			}
			continue
		}
		decodeErrors = 0

		now := time.Now()
		if now.Sub(windowStart) >= time.Second {
			windowStart = now
			framesInWindow = 0
		}
		framesInWindow++
		if framesInWindow > maxFramesPerSecond {
			_ = writeWSError(peer, hub.metrics, apperrors.New(apperrors.CodeRateLimited, "rate limit exceeded"))
			session.logger.Info("closing connection over frame rate")
			return
		}

		hub.metrics.Frame(frame.Type)
		if err := session.handle(ctx, frame); err != nil {
			_ = writeWSError(peer, hub.metrics, err)
		}
	}
}

func (s *wsSession) handle(ctx context.Context, frame protocol.Frame) error {
	switch frame.Type {
	case protocol.TypeBeginStroke:
		return publishPayload[protocol.BeginStroke](ctx, s, frame)
	case protocol.TypeStrokePoint:
		return publishPayload[protocol.StrokePoint](ctx, s, frame)
	case protocol.TypeEndStroke:
		return publishPayload[protocol.EndStroke](ctx, s, frame)
	case protocol.TypeCursor:
		return publishPayload[protocol.Cursor](ctx, s, frame)
	case protocol.TypeUndo, protocol.TypeRedo, protocol.TypeClear:
		return s.history(ctx, frame.Type)
	case protocol.TypeRequestSnapshot:
		return s.requestSnapshot()
	default:
		return apperrors.WithMetadata(apperrors.CodeFrameTypeUnsupported, "unsupported frame type", map[string]string{"type": frame.Type})
	}
}

func invalidPayload(err error) error {
	return apperrors.New(apperrors.CodePayloadInvalid, err.Error())
}

// publishPayload validates the frame payload as T and appends it to the room
// log. The engine change and the broadcasts happen when the log is applied.
func publishPayload[T any](ctx context.Context, s *wsSession, frame protocol.Frame) error {
	payload, err := protocol.Decode[T](frame)
	if err != nil {
		return invalidPayload(err)
	}
	return s.publish(ctx, frame.Type, payload)
}

// history publishes undo, redo or clear. They carry no payload and reach
// everyone in the room, the sender included.
func (s *wsSession) history(ctx context.Context, action string) error {
	ctx, span := s.hub.tracer.Start(ctx, "board."+action)
	defer span.End()

	if err := s.publish(ctx, action, nil); err != nil {
		span.RecordError(err)
		return err
	}
	if action == protocol.TypeClear {
		s.logger.Info("room cleared")
	}
	return nil
}

func writeWSError(peer *wsPeer, collector *metrics.Collector, err error) error {
	code := apperrors.GetCode(err)
	collector.FrameError(string(code))
	frame, ferr := protocol.NewFrame(protocol.TypeError, protocol.ErrorPayload{
		Error: protocol.ErrorBody{
			Code:      code.WireCode(),
			Message:   apperrors.PublicMessage(err),
			Retryable: code.Retryable(),
		},
	})
	if ferr != nil {
		return ferr
	}
	return peer.writeFrame(frame)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeHTTPError(w http.ResponseWriter, err error) {
	code := apperrors.GetCode(err)
	writeJSON(w, code.HTTPStatus(), protocol.ErrorPayload{
		Error: protocol.ErrorBody{
			Code:      code.WireCode(),
			Message:   apperrors.PublicMessage(err),
			Retryable: code.Retryable(),
		},
	})
}
