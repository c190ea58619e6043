package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	apperrors "github.com/louisbranch/inkroom/internal/platform/errors"
)

// DefaultChannelPrefix namespaces room keys in Redis.
const DefaultChannelPrefix = "inkroom"

const (
	streamField     = "data"
	streamReadBatch = 128
	streamReadBlock = 250 * time.Millisecond
	streamRetry     = 500 * time.Millisecond
)

// RedisBus keeps each room's log in a Redis stream and relays live messages
// over Redis pub/sub, so processes serving the same room apply one log.
// Subscribers always replay the stream from its first entry.
type RedisBus struct {
	client *redis.Client
	prefix string
	opts   options

	mu     sync.Mutex
	subs   map[*redisSubscription]struct{}
	closed bool
}

// NewRedisBus wraps client. The caller keeps ownership of client; Close does
// not close it.
func NewRedisBus(client *redis.Client, prefix string, opts ...Option) (*RedisBus, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	return &RedisBus{
		client: client,
		prefix: prefix,
		opts:   buildOptions(opts),
		subs:   make(map[*redisSubscription]struct{}),
	}, nil
}

// Channel returns the pub/sub channel carrying room's live messages.
func (b *RedisBus) Channel(room string) string {
	return b.prefix + ":room:" + room
}

// Stream returns the stream key holding room's log.
func (b *RedisBus) Stream(room string) string {
	return b.Channel(room) + ":log"
}

// Publish appends a durable message to the room stream, or relays a live one.
func (b *RedisBus) Publish(ctx context.Context, msg Message) error {
	if !json.Valid(msg.Data) {
		return fmt.Errorf("room %s message is not valid JSON", msg.Room)
	}
	var err error
	if msg.Live {
		err = b.client.Publish(ctx, b.Channel(msg.Room), []byte(msg.Data)).Err()
	} else {
		// TODO: trim the stream at a clear once the entry carries the roster
		// in effect at that point; until then the log grows with the room.
		err = b.client.XAdd(ctx, &redis.XAddArgs{
			Stream: b.Stream(msg.Room),
			Values: map[string]any{streamField: string(msg.Data)},
		}).Err()
	}
	if err != nil {
		return apperrors.Wrap(apperrors.CodePubSubUnavailable, "publish room message", err)
	}
	return nil
}

// Subscribe blocks until Redis confirmed the live channel subscription, then
// follows the room stream from its first entry.
func (b *RedisBus) Subscribe(ctx context.Context, room string) (Subscription, error) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	ps := b.client.Subscribe(ctx, b.Channel(room))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, apperrors.Wrap(apperrors.CodePubSubUnavailable, "subscribe room channel", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub := &redisSubscription{
		bus:    b,
		room:   room,
		ps:     ps,
		ch:     make(chan Message, b.opts.buffer),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		cancel()
		_ = ps.Close()
		return nil, ErrClosed
	}
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		sub.followStream(runCtx)
	}()
	go func() {
		defer wg.Done()
		sub.relayLive(runCtx)
	}()
	go func() {
		wg.Wait()
		close(sub.ch)
		close(sub.done)
	}()
	return sub, nil
}

// Close ends every subscription opened on the bus.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	b.closed = true
	subs := make([]*redisSubscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		errs = append(errs, sub.Close())
	}
	return errors.Join(errs...)
}

type redisSubscription struct {
	bus    *RedisBus
	room   string
	ps     *redis.PubSub
	ch     chan Message
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	err    error
}

func (s *redisSubscription) followStream(ctx context.Context) {
	stream := s.bus.Stream(s.room)
	last := "0"
	for ctx.Err() == nil {
		res, err := s.bus.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{stream, last},
			Count:   streamReadBatch,
			Block:   streamReadBlock,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.bus.opts.failed(s.room, fmt.Errorf("read room stream: %w", err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(streamRetry):
			}
			continue
		}
		for _, xs := range res {
			for _, entry := range xs.Messages {
				last = entry.ID
				data, err := decodeEntry(entry.Values)
				if err != nil {
					s.bus.opts.failed(s.room, fmt.Errorf("entry %s: %w", entry.ID, err))
					s.bus.opts.dropped(s.room)
					continue
				}
				select {
				case s.ch <- Message{Room: s.room, Data: data}:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

func (s *redisSubscription) relayLive(ctx context.Context) {
	live := s.ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-live:
			if !ok {
				return
			}
			data := json.RawMessage(raw.Payload)
			if !json.Valid(data) {
				s.bus.opts.failed(s.room, errors.New("live message is not valid JSON"))
				s.bus.opts.dropped(s.room)
				continue
			}
			select {
			case s.ch <- Message{Room: s.room, Live: true, Data: data}:
			default:
				s.bus.opts.dropped(s.room)
			}
		}
	}
}

func (s *redisSubscription) C() <-chan Message {
	return s.ch
}

func (s *redisSubscription) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()

		s.cancel()
		s.err = s.ps.Close()
	})
	<-s.done
	return s.err
}

func decodeEntry(values map[string]any) (json.RawMessage, error) {
	raw, ok := values[streamField].(string)
	if !ok {
		return nil, fmt.Errorf("missing %q field", streamField)
	}
	data := json.RawMessage(raw)
	if !json.Valid(data) {
		return nil, errors.New("data is not valid JSON")
	}
	return data, nil
}
