package events

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/sitemill/sitemill/internal/logger"
)

const (
	// DefaultSubscriberBuffer is the per-subscriber event buffer size.
	DefaultSubscriberBuffer = 256

	// DefaultEvictAfterDrops is how many consecutive drops a subscriber
	// survives before it is evicted.
	DefaultEvictAfterDrops = 64
)

// Bus fans out pipeline events to zero or more subscribers. Publish is
// fire-and-forget: a slow or absent subscriber never stalls the publisher.
// Each subscriber has a bounded buffer; on overflow the newest event is
// dropped for that subscriber (drop-new policy), and a subscriber that keeps
// dropping is evicted.
type Bus struct {
	mu         sync.Mutex
	subs       map[string]*subscriber
	bufferSize int
	evictAfter int
	log        logger.Interface

	dropped atomic.Uint64
}

type subscriber struct {
	id    string
	ch    chan Event
	drops int
}

// NewBus creates a new event bus.
func NewBus(log logger.Interface) *Bus {
	return NewBusWithBuffer(log, DefaultSubscriberBuffer)
}

// NewBusWithBuffer creates a new event bus with a custom per-subscriber
// buffer size.
func NewBusWithBuffer(log logger.Interface, bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = DefaultSubscriberBuffer
	}
	return &Bus{
		subs:       make(map[string]*subscriber),
		bufferSize: bufferSize,
		evictAfter: DefaultEvictAfterDrops,
		log:        log,
	}
}

// Publish delivers an event to every current subscriber without blocking.
// A subscriber only sees events published after it subscribed.
func (b *Bus) Publish(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, sub := range b.subs {
		select {
		case sub.ch <- event:
			sub.drops = 0
		default:
			// Subscriber buffer full: drop the new event for this
			// subscriber rather than stall the pipeline.
			b.dropped.Add(1)
			sub.drops++
			if sub.drops >= b.evictAfter {
				delete(b.subs, id)
				close(sub.ch)
				b.log.Warn("evicted slow subscriber",
					"subscriber_id", sub.id,
					"consecutive_drops", sub.drops,
				)
				continue
			}
			b.log.Warn("event dropped for slow subscriber",
				"subscriber_id", sub.id,
				"event_type", event.Type,
			)
		}
	}
}

// Subscribe registers a new subscriber and returns its event channel together
// with an unsubscribe function. The channel is closed on unsubscribe or
// eviction.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	sub := &subscriber{
		id: uuid.NewString(),
		ch: make(chan Event, b.bufferSize),
	}

	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()

	b.log.Debug("subscriber added", "subscriber_id", sub.id)

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			if _, present := b.subs[sub.id]; present {
				delete(b.subs, sub.id)
				close(sub.ch)
			}
			b.mu.Unlock()
			b.log.Debug("subscriber removed", "subscriber_id", sub.id)
		})
	}

	return sub.ch, cancel
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Dropped returns the total number of events dropped across subscribers.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}
