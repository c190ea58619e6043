package drawing

import (
	"sort"
	"sync"
)

// Registry maps room ids to rooms, creating them on first reference. Rooms
// live for the lifetime of the registry.
type Registry struct {
	mu       sync.Mutex
	rooms    map[string]*Room
	roomOpts []RoomOption
	onCreate func(roomID string)
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRoomOptions applies opts to every room the registry creates.
func WithRoomOptions(opts ...RoomOption) RegistryOption {
	return func(r *Registry) {
		r.roomOpts = append(r.roomOpts, opts...)
	}
}

// WithCreateHook calls fn, outside the registry lock, after a room is created.
func WithCreateHook(fn func(roomID string)) RegistryOption {
	return func(r *Registry) {
		r.onCreate = fn
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{rooms: make(map[string]*Room)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// GetOrCreate returns the room for roomID, creating it if needed.
func (r *Registry) GetOrCreate(roomID string) *Room {
	r.mu.Lock()
	room, ok := r.rooms[roomID]
	if !ok {
		room = NewRoom(roomID, r.roomOpts...)
		r.rooms[roomID] = room
	}
	r.mu.Unlock()

	if !ok && r.onCreate != nil {
		r.onCreate(roomID)
	}
	return room
}

// Lookup returns the room for roomID without creating it.
func (r *Registry) Lookup(roomID string) (*Room, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[roomID]
	return room, ok
}

// Rooms returns every room ordered by id.
func (r *Registry) Rooms() []*Room {
	r.mu.Lock()
	rooms := make([]*Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		rooms = append(rooms, room)
	}
	r.mu.Unlock()

	sort.Slice(rooms, func(i, j int) bool { return rooms[i].id < rooms[j].id })
	return rooms
}
