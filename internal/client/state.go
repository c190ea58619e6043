package client

import (
	"errors"
	"sort"
	"sync"

	"github.com/louisbranch/inkroom/internal/drawing"
	"github.com/louisbranch/inkroom/internal/protocol"
)

// State mirrors a room on the client side. Local strokes are applied
// optimistically; the first authoritative message for an operation id
// replaces whatever the client held for that id.
type State struct {
	mu sync.RWMutex

	selfID   string
	selfName string
	users    []drawing.User

	committed []drawing.Operation
	index     map[string]int
	active    map[string]drawing.Operation
	cursors   map[string]drawing.Point
	lastError *protocol.ErrorBody
}

// NewState returns an empty state.
func NewState() *State {
	return &State{
		index:   make(map[string]int),
		active:  make(map[string]drawing.Operation),
		cursors: make(map[string]drawing.Point),
	}
}

// BeginLocal starts an optimistic stroke owned by this client.
func (s *State) BeginLocal(opID string, meta drawing.OperationMeta) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if meta.UserID == "" {
		meta.UserID = s.selfID
	}
	if meta.DisplayName == "" {
		meta.DisplayName = s.selfName
	}
	s.active[opID] = drawing.Operation{ID: opID, Points: []drawing.Point{}, Meta: meta}
}

// AppendLocal adds a point to an active stroke.
func (s *State) AppendLocal(opID string, p drawing.Point) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.appendLocked(opID, p)
}

// FinishLocal commits a local stroke tentatively. The server's end_stroke
// for the same id later replaces it.
func (s *State) FinishLocal(opID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	op, ok := s.active[opID]
	if !ok {
		return false
	}
	delete(s.active, opID)
	op.Finished = true
	s.upsertLocked(op)
	return true
}

// Apply folds one server frame into the state. Unknown frame types are
// ignored.
func (s *State) Apply(frame protocol.Frame) error {
	switch frame.Type {
	case protocol.TypeInit:
		payload, err := protocol.DecodePayload[protocol.Init](frame)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.selfID = payload.ID
		s.selfName = payload.Name
		s.users = append([]drawing.User(nil), payload.Users...)
		s.cursors = make(map[string]drawing.Point)
		s.replaceLocked(payload.Ops)
		s.mu.Unlock()
	case protocol.TypeSnapshot:
		payload, err := protocol.DecodePayload[protocol.Snapshot](frame)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.replaceLocked(payload.Ops)
		s.mu.Unlock()
	case protocol.TypeUserJoined:
		payload, err := protocol.DecodePayload[protocol.UserJoined](frame)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.removeUserLocked(payload.ID)
		s.users = append(s.users, drawing.User{ID: payload.ID, Name: payload.Name})
		s.mu.Unlock()
	case protocol.TypeUserLeft:
		payload, err := protocol.DecodePayload[protocol.UserLeft](frame)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.removeUserLocked(payload.ID)
		delete(s.cursors, payload.ID)
		s.mu.Unlock()
	case protocol.TypeBeginStroke:
		payload, err := protocol.DecodePayload[protocol.BeginStrokeBroadcast](frame)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.active[payload.OpID] = drawing.Operation{
			ID:     payload.OpID,
			Points: []drawing.Point{},
			Meta: drawing.OperationMeta{
				UserID:      payload.UserID,
				DisplayName: payload.Name,
				Color:       payload.Color,
				StrokeWidth: payload.Width,
				IsEraser:    payload.IsEraser,
			},
		}
		s.mu.Unlock()
	case protocol.TypeStrokePoint:
		payload, err := protocol.DecodePayload[protocol.StrokePointBroadcast](frame)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.appendLocked(payload.OpID, drawing.Point{X: payload.X, Y: payload.Y})
		s.mu.Unlock()
	case protocol.TypeEndStroke:
		payload, err := protocol.DecodePayload[protocol.EndStrokeBroadcast](frame)
		if err != nil {
			return err
		}
		if payload.Op.ID == "" {
			return errors.New("end_stroke payload has no op")
		}
		s.mu.Lock()
		delete(s.active, payload.Op.ID)
		s.upsertLocked(payload.Op.Clone())
		s.mu.Unlock()
	case protocol.TypeCursor:
		payload, err := protocol.DecodePayload[protocol.CursorBroadcast](frame)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.cursors[payload.UserID] = drawing.Point{X: payload.X, Y: payload.Y}
		s.mu.Unlock()
	case protocol.TypeOpRemoved:
		payload, err := protocol.DecodePayload[protocol.OpRemoved](frame)
		if err != nil {
			return err
		}
		s.mu.Lock()
		delete(s.active, payload.OpID)
		s.removeLocked(payload.OpID)
		s.mu.Unlock()
	case protocol.TypeOpAdded:
		payload, err := protocol.DecodePayload[protocol.OpAdded](frame)
		if err != nil {
			return err
		}
		s.mu.Lock()
		// Redo restores at the tip of history.
		s.removeLocked(payload.Op.ID)
		s.upsertLocked(payload.Op.Clone())
		s.mu.Unlock()
	case protocol.TypeCleared:
		s.mu.Lock()
		s.replaceLocked(nil)
		s.mu.Unlock()
	case protocol.TypeError:
		payload, err := protocol.DecodePayload[protocol.ErrorPayload](frame)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.lastError = &payload.Error
		s.mu.Unlock()
	}
	return nil
}

// SelfID returns the connection id assigned by init.
func (s *State) SelfID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selfID
}

// Name returns the display name assigned by init.
func (s *State) Name() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selfName
}

// Users returns the roster in join order.
func (s *State) Users() []drawing.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]drawing.User{}, s.users...)
}

// Committed returns a copy of the committed strokes in history order.
func (s *State) Committed() []drawing.Operation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]drawing.Operation, len(s.committed))
	for i, op := range s.committed {
		out[i] = op.Clone()
	}
	return out
}

// Active returns a copy of the in-progress strokes ordered by id.
func (s *State) Active() []drawing.Operation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]drawing.Operation, 0, len(s.active))
	for _, op := range s.active {
		out = append(out, op.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Cursors returns the last known pointer position per remote user.
func (s *State) Cursors() map[string]drawing.Point {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]drawing.Point, len(s.cursors))
	for id, p := range s.cursors {
		out[id] = p
	}
	return out
}

// LastError returns the most recent error frame, if any.
func (s *State) LastError() (protocol.ErrorBody, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastError == nil {
		return protocol.ErrorBody{}, false
	}
	return *s.lastError, true
}

func (s *State) appendLocked(opID string, p drawing.Point) bool {
	op, ok := s.active[opID]
	if !ok {
		return false
	}
	op.Points = append(op.Points, p)
	s.active[opID] = op
	return true
}

func (s *State) upsertLocked(op drawing.Operation) {
	if i, ok := s.index[op.ID]; ok {
		s.committed[i] = op
		return
	}
	s.index[op.ID] = len(s.committed)
	s.committed = append(s.committed, op)
}

func (s *State) removeLocked(opID string) {
	i, ok := s.index[opID]
	if !ok {
		return
	}
	s.committed = append(s.committed[:i], s.committed[i+1:]...)
	s.reindexLocked()
}

// replaceLocked swaps committed history wholesale and drops every active
// stroke, local ones included.
func (s *State) replaceLocked(ops []drawing.Operation) {
	s.committed = make([]drawing.Operation, len(ops))
	for i, op := range ops {
		s.committed[i] = op.Clone()
	}
	s.active = make(map[string]drawing.Operation)
	s.reindexLocked()
}

func (s *State) reindexLocked() {
	s.index = make(map[string]int, len(s.committed))
	for i, op := range s.committed {
		s.index[op.ID] = i
	}
}

func (s *State) removeUserLocked(id string) {
	for i, u := range s.users {
		if u.ID == id {
			s.users = append(s.users[:i], s.users[i+1:]...)
			return
		}
	}
}
