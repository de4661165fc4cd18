package sinks

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/booth-crawler/internal/progress"
)

// ErrTooManySubscribers is returned when the broadcaster is at capacity.
var ErrTooManySubscribers = errors.New("too many progress subscribers")

const (
	defaultSubscriberBuffer = 64
	defaultMaxSubscribers   = 100
)

// BroadcastConfig sizes the broadcaster.
type BroadcastConfig struct {
	SubscriberBuffer int
	MaxSubscribers   int
}

// Broadcaster fans progress events out to live subscribers, typically SSE
// connections. A subscriber whose buffer fills is disconnected rather than
// allowed to stall the hub.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[uint64]*subscriber
	nextID uint64
	closed bool
	cfg    BroadcastConfig
	logger *zap.Logger
}

type subscriber struct {
	ch    chan progress.Event
	jobID string
	once  sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.ch) })
}

// NewBroadcaster builds an empty broadcaster.
func NewBroadcaster(cfg BroadcastConfig, logger *zap.Logger) *Broadcaster {
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = defaultSubscriberBuffer
	}
	if cfg.MaxSubscribers <= 0 {
		cfg.MaxSubscribers = defaultMaxSubscribers
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{subs: make(map[uint64]*subscriber), cfg: cfg, logger: logger}
}

// Subscribe registers a listener. An empty jobID receives every job. The
// returned channel closes when ctx ends, the subscriber falls behind, or
// the broadcaster closes; cancel releases it early.
func (b *Broadcaster) Subscribe(ctx context.Context, jobID string) (<-chan progress.Event, func(), error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, nil, errors.New("progress broadcaster closed")
	}
	if len(b.subs) >= b.cfg.MaxSubscribers {
		b.mu.Unlock()
		return nil, nil, ErrTooManySubscribers
	}
	id := b.nextID
	b.nextID++
	sub := &subscriber{ch: make(chan progress.Event, b.cfg.SubscriberBuffer), jobID: jobID}
	b.subs[id] = sub
	b.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { b.remove(id) })
	cancel := func() {
		stop()
		b.remove(id)
	}
	return sub.ch, cancel, nil
}

// Subscribers returns the number of live subscribers.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Consume delivers the batch without blocking.
func (b *Broadcaster) Consume(_ context.Context, batch []progress.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subs {
		for _, evt := range batch {
			if sub.jobID != "" && sub.jobID != evt.JobID {
				continue
			}
			select {
			case sub.ch <- evt:
			default:
				b.logger.Warn("progress subscriber too slow, disconnecting", zap.Uint64("subscriber", id))
				delete(b.subs, id)
				sub.close()
			}
			if _, ok := b.subs[id]; !ok {
				break
			}
		}
	}
	return nil
}

// Close disconnects every subscriber.
func (b *Broadcaster) Close(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		sub.close()
	}
	return nil
}

func (b *Broadcaster) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[id]; ok {
		delete(b.subs, id)
		sub.close()
	}
}
