package eventbus

import "errors"

var (
	ErrBusClosed = errors.New("failsink: event bus closed")
	ErrQueueFull = errors.New("failsink: partition queue full")
)

// Event is a single message routed by Key to one partition.
type Event struct {
	Topic   string `json:"topic"`
	Key     string `json:"key"`
	Payload any    `json:"payload"`
}

// Handler consumes an event on the partition goroutine.
type Handler func(event *Event) error

// SubscriptionID identifies a registered handler.
type SubscriptionID uint64

type subscriber struct {
	id      SubscriptionID
	handler Handler
}

type partition struct {
	id    int
	queue chan *Event
	done  chan struct{}
}
