package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/louisbranch/inkroom/internal/drawing"
	apperrors "github.com/louisbranch/inkroom/internal/platform/errors"
	"github.com/louisbranch/inkroom/internal/platform/telemetry/metrics"
	"github.com/louisbranch/inkroom/internal/protocol"
	"github.com/louisbranch/inkroom/internal/pubsub"
)

// Room log entries that do not come from a client frame.
const (
	eventJoin   = "join"
	eventLeave  = "leave"
	eventExpire = "expire"
)

const (
	sessionQueueSize  = 256
	snapshotQueueSize = 64
)

var errHubClosed = errors.New("room hub is closed")

// roomEvent is one entry of a room's log. Every instance serving the room
// applies the log in bus order to its own drawing.Room, so all copies hold
// the same history, redo stack and roster.
type roomEvent struct {
	Kind    string          `json:"kind"`
	Origin  string          `json:"origin"`
	Conn    string          `json:"conn,omitempty"`
	Name    string          `json:"name,omitempty"`
	OpIDs   []string        `json:"opIds,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (e roomEvent) frame() protocol.Frame {
	return protocol.Frame{Type: e.Kind, Payload: e.Payload}
}

// fromClient reports whether the event was published by a session's read
// loop; those count towards the session's snapshot barrier.
func (e roomEvent) fromClient() bool {
	switch e.Kind {
	case protocol.TypeBeginStroke, protocol.TypeStrokePoint, protocol.TypeEndStroke,
		protocol.TypeUndo, protocol.TypeRedo, protocol.TypeClear:
		return true
	}
	return false
}

type wsPeer struct {
	mu       sync.Mutex
	encoder  *json.Encoder
	deadline func(time.Time) error
}

func newWSPeer(encoder *json.Encoder, deadline func(time.Time) error) *wsPeer {
	return &wsPeer{encoder: encoder, deadline: deadline}
}

func (p *wsPeer) writeFrame(frame protocol.Frame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.deadline != nil {
		_ = p.deadline(time.Now().Add(clientWriteTimeout))
	}
	return p.encoder.Encode(frame)
}

// roomHub owns this instance's room replicas. A replica is started the first
// time a local connection joins its room and follows the room log until the
// hub closes.
type roomHub struct {
	instance string
	registry *drawing.Registry
	bus      pubsub.Bus
	logger   *zap.Logger
	metrics  *metrics.Collector
	tracer   trace.Tracer

	mu       sync.Mutex
	replicas map[string]*roomReplica
	closed   bool
	wg       sync.WaitGroup
}

func newRoomHub(bus pubsub.Bus, logger *zap.Logger, collector *metrics.Collector, tracer trace.Tracer) *roomHub {
	if logger == nil {
		logger = zap.NewNop()
	}
	instance := uuid.NewString()
	return &roomHub{
		instance: instance,
		registry: drawing.NewRegistry(drawing.WithCreateHook(func(roomID string) {
			collector.RoomCreated()
			logger.Debug("room created", zap.String("room", roomID))
		})),
		bus:      bus,
		logger:   logger.With(zap.String("instance", instance)),
		metrics:  collector,
		tracer:   tracer,
		replicas: make(map[string]*roomReplica),
	}
}

// replica returns the room's replica, subscribing to the room log first if
// this instance never served the room.
func (h *roomHub) replica(ctx context.Context, roomID string) (*roomReplica, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, errHubClosed
	}
	if r, ok := h.replicas[roomID]; ok {
		return r, nil
	}
	sub, err := h.bus.Subscribe(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("follow room %s: %w", roomID, err)
	}
	r := &roomReplica{
		hub:      h,
		room:     h.registry.GetOrCreate(roomID),
		sub:      sub,
		logger:   h.logger.With(zap.String("room", roomID)),
		requests: make(chan snapshotRequest, snapshotQueueSize),
		stopped:  make(chan struct{}),
		sessions: make(map[string]*wsSession),
	}
	h.replicas[roomID] = r
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		r.run()
	}()
	return r, nil
}

func (h *roomHub) replicaList() []*roomReplica {
	h.mu.Lock()
	defer h.mu.Unlock()

	list := make([]*roomReplica, 0, len(h.replicas))
	for _, r := range h.replicas {
		list = append(list, r)
	}
	return list
}

// close stops every replica. Sessions still attached stop receiving room
// frames.
func (h *roomHub) close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	replicas := make([]*roomReplica, 0, len(h.replicas))
	for _, r := range h.replicas {
		replicas = append(replicas, r)
	}
	h.mu.Unlock()

	for _, r := range replicas {
		_ = r.sub.Close()
	}
	h.wg.Wait()
}

// append publishes an event to the room log. Live events skip the log and
// may be dropped.
func (h *roomHub) append(ctx context.Context, roomID string, event roomEvent, live bool) error {
	event.Origin = h.instance
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", event.Kind, err)
	}
	if err := h.bus.Publish(ctx, pubsub.Message{Room: roomID, Live: live, Data: data}); err != nil {
		return apperrors.Wrap(apperrors.CodePubSubUnavailable, "room is unavailable", err)
	}
	return nil
}

// sweepIdle publishes an expiry for strokes that received no point for idle.
// Every replica resolves the listed strokes when it applies the expiry, so
// instances sweeping the same room at once resolve each stroke only once.
func (h *roomHub) sweepIdle(ctx context.Context, idle time.Duration) {
	for _, r := range h.replicaList() {
		opIDs := r.room.IdleOperations(idle)
		if len(opIDs) == 0 {
			continue
		}
		if err := h.append(ctx, r.room.ID(), roomEvent{Kind: eventExpire, OpIDs: opIDs}, false); err != nil {
			r.logger.Warn("expire idle strokes", zap.Int("strokes", len(opIDs)), zap.Error(err))
		}
	}
}

func (h *roomHub) runSweeper(ctx context.Context, idle time.Duration) {
	ticker := time.NewTicker(max(idle/2, 10*time.Millisecond))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.sweepIdle(ctx, idle)
		}
	}
}

type snapshotRequest struct {
	session *wsSession
	after   uint64
}

// roomReplica applies one room's log to the local drawing.Room and fans the
// resulting frames out to the local sessions of that room. Only run touches
// the engine, so frames reach every session in log order.
type roomReplica struct {
	hub    *roomHub
	room   *drawing.Room
	sub    pubsub.Subscription
	logger *zap.Logger

	requests chan snapshotRequest
	stopped  chan struct{}
	waiting  []snapshotRequest

	mu       sync.Mutex
	sessions map[string]*wsSession
}

func (r *roomReplica) run() {
	defer close(r.stopped)
	for {
		select {
		case msg, ok := <-r.sub.C():
			if !ok {
				return
			}
			r.apply(msg)
		case req := <-r.requests:
			r.waiting = append(r.waiting, req)
		}
		r.answerSnapshots()
	}
}

func (r *roomReplica) attach(s *wsSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.connID] = s
}

func (r *roomReplica) detach(s *wsSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[s.connID] == s {
		delete(r.sessions, s.connID)
	}
}

func (r *roomReplica) session(connID string) *wsSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[connID]
}

// enqueueLocked hands frame to the session writer without blocking the
// replica. Callers hold r.mu.
func (r *roomReplica) enqueueLocked(s *wsSession, frame protocol.Frame) {
	select {
	case s.out <- frame:
	default:
		r.hub.metrics.DeliveryDropped()
		r.logger.Debug("dropped frame for slow connection", zap.String("conn_id", s.connID), zap.String("event", frame.Type))
	}
}

// broadcast sends a frame to every joined local session except one.
func (r *roomReplica) broadcast(except string, frameType string, payload any) {
	frame, err := protocol.NewFrame(frameType, payload)
	if err != nil {
		r.logger.Error("encode broadcast", zap.String("event", frameType), zap.Error(err))
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for connID, s := range r.sessions {
		if !s.joined || connID == except {
			continue
		}
		r.enqueueLocked(s, frame)
	}
}

func (r *roomReplica) apply(msg pubsub.Message) {
	var event roomEvent
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		r.logger.Warn("decode room event", zap.Error(err))
		return
	}
	local := event.Origin == r.hub.instance

	switch event.Kind {
	case eventJoin:
		r.applyJoin(event)
	case eventLeave:
		r.applyLeave(event, local)
	case eventExpire:
		r.applyExpire(event, local)
	case protocol.TypeBeginStroke:
		r.applyBeginStroke(event)
	case protocol.TypeStrokePoint:
		r.applyStrokePoint(event)
	case protocol.TypeEndStroke:
		r.applyEndStroke(event, local)
	case protocol.TypeCursor:
		r.applyCursor(event)
	case protocol.TypeUndo:
		if op, ok := r.room.Undo(); ok {
			r.recordHistory(local, "undo")
			r.broadcast("", protocol.TypeOpRemoved, protocol.OpRemoved{OpID: op.ID})
		}
	case protocol.TypeRedo:
		if op, ok := r.room.Redo(); ok {
			r.recordHistory(local, "redo")
			r.broadcast("", protocol.TypeOpAdded, protocol.OpAdded{Op: op})
		}
	case protocol.TypeClear:
		r.room.Clear()
		r.recordHistory(local, "clear")
		r.broadcast("", protocol.TypeCleared, nil)
	default:
		r.logger.Warn("unknown room event", zap.String("event", event.Kind))
	}

	if local && event.fromClient() {
		if s := r.session(event.Conn); s != nil {
			s.applied++
		}
	}
}

func (r *roomReplica) recordHistory(local bool, action string) {
	if local {
		r.hub.metrics.HistoryAction(action)
	}
}

// applyJoin registers the user, announces it to peers and, when the joiner
// is connected here, queues its init as the first frame it receives.
func (r *roomReplica) applyJoin(event roomEvent) {
	r.room.AddUser(event.Conn, event.Name)
	r.broadcast(event.Conn, protocol.TypeUserJoined, protocol.UserJoined{ID: event.Conn, Name: event.Name})

	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[event.Conn]
	if !ok || s.joined {
		return
	}
	frame, err := protocol.NewFrame(protocol.TypeInit, protocol.Init{
		ID:    event.Conn,
		Name:  event.Name,
		Users: r.room.Users(),
		Ops:   r.room.Snapshot(),
	})
	if err != nil {
		r.logger.Error("encode init", zap.String("conn_id", event.Conn), zap.Error(err))
		return
	}
	s.joined = true
	r.enqueueLocked(s, frame)
	close(s.ready)
}

func (r *roomReplica) applyLeave(event roomEvent, local bool) {
	orphans := r.room.ResolveUserOrphans(event.Conn)
	r.broadcastOrphans(orphans, local, metrics.ReasonDisconnect)
	r.room.RemoveUser(event.Conn)
	r.broadcast(event.Conn, protocol.TypeUserLeft, protocol.UserLeft{ID: event.Conn})
}

func (r *roomReplica) applyExpire(event roomEvent, local bool) {
	orphans := r.room.ResolveOperations(event.OpIDs)
	r.broadcastOrphans(orphans, local, metrics.ReasonIdle)
	if local && !orphans.Empty() {
		r.logger.Info("resolved idle strokes",
			zap.Int("finished", len(orphans.Finished)),
			zap.Int("discarded", len(orphans.Discarded)),
		)
	}
}

// broadcastOrphans tells the room how unfinished strokes were resolved.
func (r *roomReplica) broadcastOrphans(orphans drawing.Orphans, local bool, reason string) {
	for _, op := range orphans.Finished {
		if local {
			r.hub.metrics.OrphanResolved(metrics.OrphanFinished, reason)
			r.hub.metrics.StrokeCommitted()
		}
		r.broadcast("", protocol.TypeEndStroke, protocol.EndStrokeBroadcast{Op: op, UserID: op.Meta.UserID})
	}
	for _, opID := range orphans.Discarded {
		if local {
			r.hub.metrics.OrphanResolved(metrics.OrphanDiscarded, reason)
		}
		r.broadcast("", protocol.TypeOpRemoved, protocol.OpRemoved{OpID: opID})
	}
}

func (r *roomReplica) applyBeginStroke(event roomEvent) {
	payload, err := protocol.Decode[protocol.BeginStroke](event.frame())
	if err != nil {
		r.logger.Warn("apply begin_stroke", zap.Error(err))
		return
	}
	r.room.BeginOperation(payload.OpID, drawing.OperationMeta{
		UserID:      event.Conn,
		DisplayName: event.Name,
		Color:       payload.Color,
		StrokeWidth: payload.Width,
		IsEraser:    payload.IsEraser,
	})
	r.broadcast(event.Conn, protocol.TypeBeginStroke, protocol.BeginStrokeBroadcast{
		BeginStroke: payload,
		UserID:      event.Conn,
		Name:        event.Name,
	})
}

// applyStrokePoint relays the point to peers even when the stroke is not
// active here; the engine ignores it.
func (r *roomReplica) applyStrokePoint(event roomEvent) {
	payload, err := protocol.Decode[protocol.StrokePoint](event.frame())
	if err != nil {
		r.logger.Warn("apply stroke_point", zap.Error(err))
		return
	}
	r.room.AppendPoint(payload.OpID, drawing.Point{X: payload.X, Y: payload.Y})
	r.broadcast(event.Conn, protocol.TypeStrokePoint, protocol.StrokePointBroadcast{
		StrokePoint: payload,
		UserID:      event.Conn,
	})
}

// applyEndStroke broadcasts the authoritative stroke to everyone, the sender
// included. Unknown ids broadcast nothing.
func (r *roomReplica) applyEndStroke(event roomEvent, local bool) {
	payload, err := protocol.Decode[protocol.EndStroke](event.frame())
	if err != nil {
		r.logger.Warn("apply end_stroke", zap.Error(err))
		return
	}
	if r.room.FinishOperation(payload.OpID) && local {
		r.hub.metrics.StrokeCommitted()
	}
	op, ok := r.room.Operation(payload.OpID)
	if !ok {
		r.logger.Debug("end_stroke for unknown op", zap.String("op_id", payload.OpID))
		return
	}
	r.broadcast("", protocol.TypeEndStroke, protocol.EndStrokeBroadcast{Op: op, UserID: event.Conn})
}

func (r *roomReplica) applyCursor(event roomEvent) {
	payload, err := protocol.Decode[protocol.Cursor](event.frame())
	if err != nil {
		r.logger.Warn("apply cursor", zap.Error(err))
		return
	}
	r.broadcast(event.Conn, protocol.TypeCursor, protocol.CursorBroadcast{
		UserID: event.Conn,
		X:      payload.X,
		Y:      payload.Y,
	})
}

// answerSnapshots replies to snapshot requests whose session has seen every
// event it published before asking, so a snapshot never predates the
// requester's own strokes.
func (r *roomReplica) answerSnapshots() {
	if len(r.waiting) == 0 {
		return
	}
	waiting := r.waiting[:0]
	for _, req := range r.waiting {
		if r.session(req.session.connID) != req.session {
			continue
		}
		if req.session.applied < req.after {
			waiting = append(waiting, req)
			continue
		}
		frame, err := protocol.NewFrame(protocol.TypeSnapshot, protocol.Snapshot{Ops: r.room.Snapshot()})
		if err != nil {
			r.logger.Error("encode snapshot", zap.Error(err))
			continue
		}
		r.mu.Lock()
		if r.sessions[req.session.connID] == req.session {
			r.enqueueLocked(req.session, frame)
		}
		r.mu.Unlock()
	}
	clear(r.waiting[len(waiting):])
	r.waiting = waiting
}

type wsSession struct {
	connID  string
	name    string
	roomID  string
	peer    *wsPeer
	replica *roomReplica
	hub     *roomHub
	logger  *zap.Logger

	out   chan protocol.Frame
	ready chan struct{}
	done  chan struct{}

	// sent is owned by the read loop.
	sent uint64
	// joined and applied are owned by the replica goroutine.
	joined  bool
	applied uint64
}

// join attaches the session to its room replica, publishes the join and
// waits until the replica queued init for it.
func (h *roomHub) join(ctx context.Context, connID string, name string, roomID string, peer *wsPeer) (*wsSession, error) {
	ctx, span := h.tracer.Start(ctx, "board.join", trace.WithAttributes(
		attribute.String("room", roomID),
		attribute.String("conn_id", connID),
	))
	defer span.End()

	replica, err := h.replica(ctx, roomID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	session := &wsSession{
		connID:  connID,
		name:    name,
		roomID:  roomID,
		peer:    peer,
		replica: replica,
		hub:     h,
		logger:  h.logger.With(zap.String("room", roomID), zap.String("conn_id", connID)),
		out:     make(chan protocol.Frame, sessionQueueSize),
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
	}
	replica.attach(session)
	go session.forward()

	if err := h.append(ctx, roomID, roomEvent{Kind: eventJoin, Conn: connID, Name: name}, false); err != nil {
		span.RecordError(err)
		session.stop()
		return nil, err
	}

	select {
	case <-session.ready:
	case <-replica.stopped:
		err = errHubClosed
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		span.RecordError(err)
		session.leave(context.WithoutCancel(ctx))
		return nil, err
	}
	session.logger.Info("joined room", zap.String("name", name))
	return session, nil
}

// forward writes queued frames to the connection until the session stops.
func (s *wsSession) forward() {
	defer close(s.done)
	for frame := range s.out {
		if err := s.peer.writeFrame(frame); err != nil {
			// Drain until the read loop notices the closed connection.
			s.logger.Debug("forward frame", zap.String("event", frame.Type), zap.Error(err))
		}
	}
}

// stop detaches the session from its replica and waits for the writer.
func (s *wsSession) stop() {
	s.replica.detach(s)
	close(s.out)
	<-s.done
}

// publish appends a client event for this session to the room log.
func (s *wsSession) publish(ctx context.Context, kind string, payload any) error {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode %s payload: %w", kind, err)
		}
		raw = b
	}
	live := kind == protocol.TypeCursor
	event := roomEvent{Kind: kind, Conn: s.connID, Name: s.name, Payload: raw}
	if err := s.hub.append(ctx, s.roomID, event, live); err != nil {
		return err
	}
	if !live {
		s.sent++
	}
	return nil
}

// requestSnapshot asks the replica for a snapshot ordered after every event
// this session published so far.
func (s *wsSession) requestSnapshot() error {
	select {
	case s.replica.requests <- snapshotRequest{session: s, after: s.sent}:
		return nil
	case <-s.replica.stopped:
		return apperrors.New(apperrors.CodePubSubUnavailable, "room is unavailable")
	}
}

// leave stops the session and publishes its departure. Applying the leave
// resolves the user's unfinished strokes on every instance.
func (s *wsSession) leave(ctx context.Context) {
	ctx, span := s.hub.tracer.Start(ctx, "board.disconnect", trace.WithAttributes(
		attribute.String("room", s.roomID),
		attribute.String("conn_id", s.connID),
	))
	defer span.End()

	s.stop()
	if err := s.hub.append(ctx, s.roomID, roomEvent{Kind: eventLeave, Conn: s.connID}, false); err != nil {
		span.RecordError(err)
		s.logger.Warn("publish leave", zap.Error(err))
		return
	}
	s.logger.Info("left room")
}
