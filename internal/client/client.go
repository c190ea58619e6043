package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/louisbranch/inkroom/internal/drawing"
	"github.com/louisbranch/inkroom/internal/platform/id"
	"github.com/louisbranch/inkroom/internal/platform/timeouts"
	"github.com/louisbranch/inkroom/internal/protocol"
)

// Config configures a client connection.
type Config struct {
	// URL is the server base URL, for example ws://localhost:3000 or
	// http://localhost:3000/ws. A missing path defaults to /ws.
	URL  string
	Room string
	Name string
	// SnapshotInterval is how often Run re-requests a snapshot. Zero uses
	// timeouts.SnapshotPoll; a negative value disables polling.
	SnapshotInterval time.Duration
	Dialer           *websocket.Dialer
	Logger           *zap.Logger
	// OnUpdate is called after every applied server frame.
	OnUpdate func(frameType string, state *State)
}

// Client is one websocket session in a room.
type Client struct {
	conn     *websocket.Conn
	state    *State
	logger   *zap.Logger
	interval time.Duration
	onUpdate func(string, *State)
	now      func() time.Time

	writeMu sync.Mutex
	closed  atomic.Bool
}

// EndpointURL resolves the websocket URL for a room.
func EndpointURL(base string, room string, name string) (string, error) {
	base = strings.TrimSpace(base)
	if base == "" {
		return "", errors.New("server url is required")
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}
	query := u.Query()
	if room = strings.TrimSpace(room); room != "" {
		query.Set("room", room)
	}
	if name = strings.TrimSpace(name); name != "" {
		query.Set("name", name)
	}
	u.RawQuery = query.Encode()
	return u.String(), nil
}

// Dial connects to a room and waits for its init frame.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	endpoint, err := EndpointURL(cfg.URL, cfg.Room, cfg.Name)
	if err != nil {
		return nil, err
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	interval := cfg.SnapshotInterval
	if interval == 0 {
		interval = timeouts.SnapshotPoll
	}

	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}

	c := &Client{
		conn:     conn,
		state:    NewState(),
		logger:   logger,
		interval: interval,
		onUpdate: cfg.OnUpdate,
		now:      time.Now,
	}

	deadline := time.Now().Add(timeouts.ClientWrite)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetReadDeadline(deadline)
	frame, err := c.readFrame()
	if err == nil && frame.Type != protocol.TypeInit {
		err = fmt.Errorf("first frame is %q, want %q", frame.Type, protocol.TypeInit)
	}
	if err == nil {
		err = c.apply(frame)
	}
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("join room: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	c.logger = logger.With(zap.String("conn_id", c.state.SelfID()), zap.String("room", cfg.Room))
	return c, nil
}

// State returns the local mirror of the room.
func (c *Client) State() *State {
	return c.state
}

// Run reads server frames and polls snapshots until ctx ends or the server
// closes the connection.
func (c *Client) Run(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(c.readLoop)
	group.Go(func() error {
		<-groupCtx.Done()
		_ = c.conn.Close()
		return nil
	})
	if c.interval > 0 {
		group.Go(func() error {
			ticker := time.NewTicker(c.interval)
			defer ticker.Stop()
			for {
				select {
				case <-groupCtx.Done():
					return nil
				case <-ticker.C:
					if err := c.RequestSnapshot(); err != nil {
						return fmt.Errorf("request snapshot: %w", err)
					}
				}
			}
		})
	}

	err := group.Wait()
	if ctx.Err() != nil || c.closed.Load() {
		return nil
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return nil
	}
	return err
}

func (c *Client) readLoop() error {
	for {
		frame, err := c.readFrame()
		if err != nil {
			var syntaxErr *json.SyntaxError
			if errors.As(err, &syntaxErr) {
				c.logger.Warn("skip undecodable frame", zap.Error(err))
				continue
			}
			return err
		}
		if err := c.apply(frame); err != nil {
			c.logger.Warn("apply frame", zap.String("event", frame.Type), zap.Error(err))
			continue
		}
		switch frame.Type {
		case protocol.TypeUserLeft:
			if err := c.RequestSnapshot(); err != nil {
				return fmt.Errorf("request snapshot: %w", err)
			}
		case protocol.TypeError:
			if body, ok := c.state.LastError(); ok {
				c.logger.Warn("server rejected frame", zap.String("code", body.Code), zap.String("message", body.Message))
			}
		}
	}
}

func (c *Client) readFrame() (protocol.Frame, error) {
	var frame protocol.Frame
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return frame, err
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		return frame, err
	}
	return frame, nil
}

func (c *Client) apply(frame protocol.Frame) error {
	if err := c.state.Apply(frame); err != nil {
		return err
	}
	if c.onUpdate != nil {
		c.onUpdate(frame.Type, c.state)
	}
	return nil
}

func (c *Client) send(frameType string, payload any) error {
	frame, err := protocol.NewFrame(frameType, payload)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(timeouts.ClientWrite))
	if err := c.conn.WriteJSON(frame); err != nil {
		return fmt.Errorf("send %s: %w", frameType, err)
	}
	return nil
}

// BeginStroke starts a stroke locally and on the server. It returns the new
// operation id.
func (c *Client) BeginStroke(color string, width float64, isEraser bool) (string, error) {
	opID, err := id.NewOperationID(c.state.SelfID(), c.now())
	if err != nil {
		return "", err
	}
	c.state.BeginLocal(opID, drawing.OperationMeta{
		Color:       color,
		StrokeWidth: width,
		IsEraser:    isEraser,
	})
	err = c.send(protocol.TypeBeginStroke, protocol.BeginStroke{
		OpID:     opID,
		Color:    color,
		Width:    width,
		IsEraser: isEraser,
	})
	return opID, err
}

// Point appends a point to one of this client's strokes.
func (c *Client) Point(opID string, x float64, y float64) error {
	c.state.AppendLocal(opID, drawing.Point{X: x, Y: y})
	ts := float64(c.now().UnixMilli())
	return c.send(protocol.TypeStrokePoint, protocol.StrokePoint{OpID: opID, X: x, Y: y, Ts: &ts})
}

// EndStroke finishes a stroke. The local copy is committed tentatively until
// the server echoes the authoritative one.
func (c *Client) EndStroke(opID string) error {
	c.state.FinishLocal(opID)
	return c.send(protocol.TypeEndStroke, protocol.EndStroke{OpID: opID})
}

// Cursor shares the pointer position with the room.
func (c *Client) Cursor(x float64, y float64) error {
	return c.send(protocol.TypeCursor, protocol.Cursor{X: x, Y: y})
}

// Undo asks the server to undo the most recent stroke in the room.
func (c *Client) Undo() error {
	return c.send(protocol.TypeUndo, nil)
}

// Redo asks the server to restore the most recently undone stroke.
func (c *Client) Redo() error {
	return c.send(protocol.TypeRedo, nil)
}

// Clear empties the room's history.
func (c *Client) Clear() error {
	return c.send(protocol.TypeClear, nil)
}

// RequestSnapshot asks for the committed history.
func (c *Client) RequestSnapshot() error {
	return c.send(protocol.TypeRequestSnapshot, nil)
}

// Close sends a close frame and releases the connection.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.writeMu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.conn.Close()
}
