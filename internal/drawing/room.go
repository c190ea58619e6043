package drawing

import (
	"sort"
	"sync"
	"time"
)

// Orphans reports how unfinished strokes were resolved: strokes with at least
// one point are finished into history, empty ones are discarded.
type Orphans struct {
	Finished  []Operation
	Discarded []string
}

// Empty reports whether nothing was resolved.
func (o Orphans) Empty() bool {
	return len(o.Finished) == 0 && len(o.Discarded) == 0
}

type activeOp struct {
	op      Operation
	seq     uint64
	touched time.Time
}

// Room is the history engine for one room. All methods are safe for
// concurrent use; each call is applied atomically.
type Room struct {
	mu  sync.Mutex
	id  string
	now func() time.Time

	users     map[string]User
	userOrder []string

	history []Operation
	active  map[string]*activeOp
	redo    []Operation
	nextSeq uint64
}

// RoomOption configures a Room.
type RoomOption func(*Room)

// WithClock sets the clock used to track stroke activity.
func WithClock(now func() time.Time) RoomOption {
	return func(r *Room) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRoom creates an empty room.
func NewRoom(id string, opts ...RoomOption) *Room {
	r := &Room{
		id:     id,
		now:    time.Now,
		users:  make(map[string]User),
		active: make(map[string]*activeOp),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ID returns the room identifier.
func (r *Room) ID() string {
	return r.id
}

// AddUser registers a user. Re-adding an id overwrites its name.
func (r *Room) AddUser(id string, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.users[id]; !ok {
		r.userOrder = append(r.userOrder, id)
	}
	r.users[id] = User{ID: id, Name: name}
}

// RemoveUser drops a user from the roster. Absent ids are ignored.
func (r *Room) RemoveUser(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.users[id]; !ok {
		return
	}
	delete(r.users, id)
	for i, existing := range r.userOrder {
		if existing == id {
			r.userOrder = append(r.userOrder[:i], r.userOrder[i+1:]...)
			break
		}
	}
}

// Users returns the roster in join order.
func (r *Room) Users() []User {
	r.mu.Lock()
	defer r.mu.Unlock()

	users := make([]User, 0, len(r.userOrder))
	for _, id := range r.userOrder {
		users = append(users, r.users[id])
	}
	return users
}

// BeginOperation opens an active stroke with no points and empties the redo
// stack. Reusing an id that is still active replaces that stroke; callers
// must not reuse ids.
func (r *Room) BeginOperation(opID string, meta OperationMeta) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextSeq++
	r.active[opID] = &activeOp{
		op: Operation{
			ID:     opID,
			Points: []Point{},
			Meta:   meta,
		},
		seq:     r.nextSeq,
		touched: r.now(),
	}
	r.redo = nil
}

// AppendPoint adds p to an active stroke. It reports false, and changes
// nothing, when opID is not active.
func (r *Room) AppendPoint(opID string, p Point) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.active[opID]
	if !ok {
		return false
	}
	a.op.Points = append(a.op.Points, p)
	a.touched = r.now()
	return true
}

// FinishOperation moves an active stroke to the tip of history. It reports
// false when opID is not active, so a repeated finish never appends twice.
func (r *Room) FinishOperation(opID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.finishLocked(opID)
}

func (r *Room) finishLocked(opID string) bool {
	a, ok := r.active[opID]
	if !ok {
		return false
	}
	delete(r.active, opID)
	a.op.Finished = true
	r.history = append(r.history, a.op)
	return true
}

// Operation returns a copy of opID from history, falling back to the active
// set.
func (r *Room) Operation(opID string) (Operation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := len(r.history) - 1; i >= 0; i-- {
		if r.history[i].ID == opID {
			return r.history[i].Clone(), true
		}
	}
	if a, ok := r.active[opID]; ok {
		return a.op.Clone(), true
	}
	return Operation{}, false
}

// Undo hides the most recent stroke in history, by any user, and returns it.
func (r *Room) Undo() (Operation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.history)
	if n == 0 {
		return Operation{}, false
	}
	op := r.history[n-1]
	r.history = r.history[:n-1]
	r.redo = append(r.redo, op)
	return op.Clone(), true
}

// Redo restores the most recently undone stroke at the current tip of
// history, not at its original position.
func (r *Room) Redo() (Operation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.redo)
	if n == 0 {
		return Operation{}, false
	}
	op := r.redo[n-1]
	r.redo = r.redo[:n-1]
	r.history = append(r.history, op)
	return op.Clone(), true
}

// Clear drops history, active strokes and the redo stack. It cannot be undone.
func (r *Room) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.history = nil
	r.active = make(map[string]*activeOp)
	r.redo = nil
}

// Snapshot returns a copy of history in order. Active strokes are excluded.
func (r *Room) Snapshot() []Operation {
	r.mu.Lock()
	defer r.mu.Unlock()

	return cloneAll(r.history)
}

// ActiveCount returns the number of unfinished strokes.
func (r *Room) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.active)
}

// ResolveUserOrphans resolves every active stroke owned by userID, in the
// order the strokes began.
func (r *Room) ResolveUserOrphans(userID string) Orphans {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.resolveLocked(func(a *activeOp) bool {
		return a.op.Meta.UserID == userID
	})
}

// IdleOperations returns the ids of active strokes that received no point
// for at least idle, in the order the strokes began. Nothing is resolved.
func (r *Room) IdleOperations(idle time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-idle)
	var stale []*activeOp
	for _, a := range r.active {
		if !a.touched.After(cutoff) {
			stale = append(stale, a)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].seq < stale[j].seq })

	ids := make([]string, len(stale))
	for i, a := range stale {
		ids[i] = a.op.ID
	}
	return ids
}

// ResolveOperations resolves the listed strokes that are still active. Ids
// that were finished, discarded or never seen are skipped.
func (r *Room) ResolveOperations(opIDs []string) Orphans {
	r.mu.Lock()
	defer r.mu.Unlock()

	wanted := make(map[string]struct{}, len(opIDs))
	for _, id := range opIDs {
		wanted[id] = struct{}{}
	}
	return r.resolveLocked(func(a *activeOp) bool {
		_, ok := wanted[a.op.ID]
		return ok
	})
}

func (r *Room) resolveLocked(match func(*activeOp) bool) Orphans {
	var matched []*activeOp
	for _, a := range r.active {
		if match(a) {
			matched = append(matched, a)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].seq < matched[j].seq })

	var orphans Orphans
	for _, a := range matched {
		if len(a.op.Points) == 0 {
			delete(r.active, a.op.ID)
			orphans.Discarded = append(orphans.Discarded, a.op.ID)
			continue
		}
		r.finishLocked(a.op.ID)
		orphans.Finished = append(orphans.Finished, r.history[len(r.history)-1].Clone())
	}
	return orphans
}
