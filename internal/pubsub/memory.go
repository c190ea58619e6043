package pubsub

import (
	"context"
	"errors"
	"slices"
	"sync"
)

// ErrClosed is returned by a bus after Close.
var ErrClosed = errors.New("pubsub: bus closed")

// MemoryBus delivers messages within one process. Without WithReplay a
// subscriber only sees messages published after Subscribe returned.
type MemoryBus struct {
	opts options

	mu     sync.Mutex
	rooms  map[string]*memoryRoom
	closed bool
}

type memoryRoom struct {
	log  []Message
	subs map[*memorySubscription]struct{}
}

// NewMemoryBus creates an in-process bus.
func NewMemoryBus(opts ...Option) *MemoryBus {
	return &MemoryBus{
		opts:  buildOptions(opts),
		rooms: make(map[string]*memoryRoom),
	}
}

func (b *MemoryBus) roomLocked(id string) *memoryRoom {
	room, ok := b.rooms[id]
	if !ok {
		room = &memoryRoom{subs: make(map[*memorySubscription]struct{})}
		b.rooms[id] = room
	}
	return room
}

// Publish queues msg for every current subscriber of its room. It never
// blocks on a slow subscriber.
func (b *MemoryBus) Publish(_ context.Context, msg Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}
	room := b.roomLocked(msg.Room)
	if !msg.Live && b.opts.replay {
		room.log = append(room.log, msg)
	}
	for sub := range room.subs {
		if msg.Live {
			if sub.live >= b.opts.buffer {
				b.opts.dropped(msg.Room)
				continue
			}
			sub.live++
		}
		sub.pending = append(sub.pending, msg)
		sub.signal()
	}
	return nil
}

// Subscribe starts following room. With replay the retained log is queued
// first.
func (b *MemoryBus) Subscribe(_ context.Context, room string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}
	r := b.roomLocked(room)
	sub := &memorySubscription{
		bus:     b,
		room:    room,
		ch:      make(chan Message),
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		pending: slices.Clone(r.log),
	}
	r.subs[sub] = struct{}{}
	go sub.pump()
	return sub, nil
}

// Close ends every subscription.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var subs []*memorySubscription
	for _, room := range b.rooms {
		for sub := range room.subs {
			subs = append(subs, sub)
		}
	}
	b.rooms = make(map[string]*memoryRoom)
	b.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Close()
	}
	return nil
}

func (b *MemoryBus) detach(sub *memorySubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if room, ok := b.rooms[sub.room]; ok {
		delete(room.subs, sub)
	}
}

type memorySubscription struct {
	bus  *MemoryBus
	room string
	ch   chan Message
	wake chan struct{}
	stop chan struct{}
	done chan struct{}
	once sync.Once

	// Guarded by bus.mu. The head of pending stays queued until pump handed
	// it over, so live counts what the subscriber has not received yet.
	pending []Message
	live    int
}

func (s *memorySubscription) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *memorySubscription) pump() {
	defer close(s.done)
	defer close(s.ch)

	for {
		msg, ok := s.head()
		if !ok {
			select {
			case <-s.wake:
				continue
			case <-s.stop:
				return
			}
		}
		select {
		case s.ch <- msg:
			s.advance()
		case <-s.stop:
			return
		}
	}
}

func (s *memorySubscription) head() (Message, bool) {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	if len(s.pending) == 0 {
		return Message{}, false
	}
	return s.pending[0], true
}

func (s *memorySubscription) advance() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	if s.pending[0].Live {
		s.live--
	}
	s.pending[0] = Message{}
	s.pending = s.pending[1:]
}

func (s *memorySubscription) C() <-chan Message {
	return s.ch
}

func (s *memorySubscription) Close() error {
	s.once.Do(func() {
		s.bus.detach(s)
		close(s.stop)
	})
	<-s.done
	return nil
}
