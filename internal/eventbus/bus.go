// Package eventbus delivers events to subscribers through keyed partitions.
// Events sharing a key always land on the same partition and are handled in
// publish order.
package eventbus

import (
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/serialx/hashring"

	"firestige.xyz/failsink/internal/metrics"
)

// EventBus is the publish/subscribe surface used by reporters and observers.
type EventBus interface {
	Publish(event *Event) error
	Subscribe(topic string, handler Handler) (SubscriptionID, error)
	Unsubscribe(id SubscriptionID)
	Close() error
	Stats() *Stats
}

// Stats is a point-in-time view of bus counters.
type Stats struct {
	PublishedCount int64
	ProcessedCount int64
	DroppedCount   int64
	PartitionCount int
	QueuedCount    []int
}

// InMemoryEventBus is a partitioned, channel backed EventBus.
type InMemoryEventBus struct {
	partitions     []*partition
	partitionNodes []string
	hashRing       *hashring.HashRing

	mu          sync.RWMutex
	subscribers map[string][]subscriber
	nextID      atomic.Uint64
	closed      atomic.Bool

	publishedCount atomic.Int64
	processedCount atomic.Int64
	droppedCount   atomic.Int64
}

// NewInMemoryEventBus starts partitionCount consumer goroutines, each with a
// queue of queueSize events.
func NewInMemoryEventBus(partitionCount, queueSize int) *InMemoryEventBus {
	if partitionCount <= 0 {
		partitionCount = 1
	}
	if queueSize <= 0 {
		queueSize = 64
	}

	bus := &InMemoryEventBus{
		partitions:     make([]*partition, partitionCount),
		partitionNodes: make([]string, partitionCount),
		subscribers:    make(map[string][]subscriber),
	}
	for i := 0; i < partitionCount; i++ {
		bus.partitionNodes[i] = "partition-" + strconv.Itoa(i)
	}
	bus.hashRing = hashring.New(bus.partitionNodes)

	for i := 0; i < partitionCount; i++ {
		p := &partition{
			id:    i,
			queue: make(chan *Event, queueSize),
			done:  make(chan struct{}),
		}
		bus.partitions[i] = p
		go bus.runPartition(p)
	}
	return bus
}

// Publish enqueues an event without blocking.
func (b *InMemoryEventBus) Publish(event *Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed.Load() {
		return ErrBusClosed
	}

	id := b.partitionID(event.Key)
	select {
	case b.partitions[id].queue <- event:
		b.publishedCount.Add(1)
		return nil
	default:
		b.droppedCount.Add(1)
		metrics.EventBusDroppedTotal.WithLabelValues(event.Topic).Inc()
		return fmt.Errorf("partition %d: %w", id, ErrQueueFull)
	}
}

// Subscribe registers handler for topic. Several handlers may share a topic.
func (b *InMemoryEventBus) Subscribe(topic string, handler Handler) (SubscriptionID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed.Load() {
		return 0, ErrBusClosed
	}

	id := SubscriptionID(b.nextID.Add(1))
	b.subscribers[topic] = append(b.subscribers[topic], subscriber{id: id, handler: handler})
	slog.Debug("subscribed to topic", "topic", topic, "subscription", id)
	return id, nil
}

// Unsubscribe removes a handler. Unknown ids are ignored.
func (b *InMemoryEventBus) Unsubscribe(id SubscriptionID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for topic, subs := range b.subscribers {
		for i, s := range subs {
			if s.id != id {
				continue
			}
			rest := make([]subscriber, 0, len(subs)-1)
			rest = append(rest, subs[:i]...)
			rest = append(rest, subs[i+1:]...)
			if len(rest) == 0 {
				delete(b.subscribers, topic)
			} else {
				b.subscribers[topic] = rest
			}
			return
		}
	}
}

// Close stops accepting events and waits until every queued event has been
// handled. Calling Close twice is a no-op.
func (b *InMemoryEventBus) Close() error {
	b.mu.Lock()
	if !b.closed.CompareAndSwap(false, true) {
		b.mu.Unlock()
		return nil
	}
	for _, p := range b.partitions {
		close(p.queue)
	}
	b.mu.Unlock()

	for _, p := range b.partitions {
		<-p.done
	}
	slog.Debug("event bus closed")
	return nil
}

// Stats returns current counters.
func (b *InMemoryEventBus) Stats() *Stats {
	stats := &Stats{
		PublishedCount: b.publishedCount.Load(),
		ProcessedCount: b.processedCount.Load(),
		DroppedCount:   b.droppedCount.Load(),
		PartitionCount: len(b.partitions),
		QueuedCount:    make([]int, len(b.partitions)),
	}
	for i, p := range b.partitions {
		stats.QueuedCount[i] = len(p.queue)
	}
	return stats
}

func (b *InMemoryEventBus) partitionID(key string) int {
	node, ok := b.hashRing.GetNode(key)
	if !ok {
		return 0
	}
	for i, n := range b.partitionNodes {
		if n == node {
			return i
		}
	}
	return 0
}

func (b *InMemoryEventBus) handlers(topic string) []subscriber {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.subscribers[topic]
}

func (b *InMemoryEventBus) runPartition(p *partition) {
	defer close(p.done)

	for event := range p.queue {
		b.dispatch(p, event)
	}
}

func (b *InMemoryEventBus) dispatch(p *partition, event *Event) {
	for _, s := range b.handlers(event.Topic) {
		if err := safeHandle(s.handler, event); err != nil {
			slog.Error("event handler failed",
				"partition", p.id, "topic", event.Topic, "subscription", s.id, "error", err)
		}
	}
	b.processedCount.Add(1)
}

func safeHandle(h Handler, event *Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(event)
}
