// Package reporter classifies raised failures, logs them with their source
// location and exposes the most recent unacknowledged one to observers.
//
// A Reporter is constructed by the composition root and handed to whatever
// needs to report or observe failures. It is safe for concurrent use.
package reporter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"firestige.xyz/failsink/internal/eventbus"
	"firestige.xyz/failsink/internal/failure"
	"firestige.xyz/failsink/internal/metrics"
)

// Reporter is the terminal sink for failures. At most one failure is pending.
type Reporter struct {
	subsystem  string
	category   string
	baseLogger *slog.Logger
	logger     *slog.Logger
	bus        eventbus.EventBus
	ownsBus    bool
	classifier failure.Classifier
	metrics    bool

	mu      sync.Mutex
	current *failure.Failure

	done      chan struct{}
	closeOnce sync.Once
}

// New builds a Reporter. Without WithBus it owns a single-partition bus that
// Close releases.
func New(opts ...Option) *Reporter {
	r := &Reporter{
		subsystem:  DefaultSubsystem,
		category:   DefaultCategory,
		baseLogger: slog.Default(),
		metrics:    true,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.bus == nil {
		r.bus = eventbus.NewInMemoryEventBus(1, 64)
		r.ownsBus = true
	}
	r.logger = r.baseLogger.With("subsystem", r.subsystem, "category", r.category)
	if r.metrics {
		metrics.FailurePending.WithLabelValues(r.subsystem).Set(0)
	}
	return r
}

// Subsystem returns the subsystem tag.
func (r *Reporter) Subsystem() string {
	return r.subsystem
}

// Report classifies err, makes it the current failure and logs it.
// It never fails; a nil err is ignored.
func (r *Reporter) Report(err error, loc Location) {
	if err == nil {
		r.safeLog(func() {
			r.logger.Debug("ignoring nil failure", "file", loc.Base(), "line", loc.Line)
		})
		return
	}

	f := r.classify(err)

	r.mu.Lock()
	t := r.transition(r.current, &f, loc)
	r.current = clone(&f)
	r.publishLocked(t)
	r.mu.Unlock()

	r.logFailure(t.ID, f, loc)
	if r.metrics {
		metrics.FailuresReportedTotal.WithLabelValues(r.subsystem, f.Kind.String()).Inc()
		metrics.FailurePending.WithLabelValues(r.subsystem).Set(1)
	}
}

// ReportHere reports err with the caller's location.
func (r *Reporter) ReportHere(err error) {
	r.Report(err, caller(2))
}

// Clear acknowledges the pending failure. Clearing an empty reporter is a no-op.
func (r *Reporter) Clear() {
	r.mu.Lock()
	prev := r.current
	r.current = nil
	var t Transition
	if prev != nil {
		t = r.transition(prev, nil, Location{})
		r.publishLocked(t)
	}
	r.mu.Unlock()

	if prev == nil {
		return
	}
	r.safeLog(func() {
		r.logger.Info("failure cleared", "report_id", t.ID.String(), "summary", prev.Summary())
	})
	if r.metrics {
		metrics.FailuresClearedTotal.WithLabelValues(r.subsystem).Inc()
		metrics.FailurePending.WithLabelValues(r.subsystem).Set(0)
	}
}

// Current returns the pending failure, if any.
func (r *Reporter) Current() (failure.Failure, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return failure.Failure{}, false
	}
	return *r.current, true
}

// View returns the pending failure in presentation form, or nil.
func (r *Reporter) View() *View {
	f, ok := r.Current()
	if !ok {
		return nil
	}
	return newView(f)
}

// Subscribe registers fn for every transition of this reporter, delivered in
// order on the bus partition goroutine. The returned func unsubscribes.
func (r *Reporter) Subscribe(fn func(Transition)) (cancel func()) {
	id, err := r.bus.Subscribe(TopicTransition, func(event *eventbus.Event) error {
		env, ok := event.Payload.(*envelope)
		if !ok || env.origin != r {
			return nil
		}
		fn(env.transition)
		return nil
	})
	if err != nil {
		r.logger.Warn("subscribe failed", "error", err)
		return func() {}
	}
	var once sync.Once
	return func() {
		once.Do(func() { r.bus.Unsubscribe(id) })
	}
}

// Watch streams transitions on a channel until ctx is done or the reporter is
// closed, then closes the channel. When the buffer
// is full further transitions are dropped; Current stays authoritative.
func (r *Reporter) Watch(ctx context.Context, buffer int) <-chan Transition {
	if buffer <= 0 {
		buffer = 1
	}
	ch := make(chan Transition, buffer)
	var (
		mu     sync.Mutex
		closed bool
	)
	cancel := r.Subscribe(func(t Transition) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- t:
		default:
			r.logger.Debug("watcher full, dropping transition", "report_id", t.ID.String())
		}
	})
	go func() {
		select {
		case <-ctx.Done():
		case <-r.done:
		}
		cancel()
		mu.Lock()
		closed = true
		close(ch)
		mu.Unlock()
	}()
	return ch
}

// Close ends every Watch stream and releases the bus when the reporter owns
// it. Close is idempotent.
func (r *Reporter) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.done)
		if r.ownsBus {
			err = r.bus.Close()
		}
	})
	return err
}

func (r *Reporter) classify(err error) failure.Failure {
	if r.classifier != nil {
		if f, ok := r.classifier(err); ok {
			return f
		}
	}
	return failure.Classify(err)
}

func (r *Reporter) transition(prev, cur *failure.Failure, loc Location) Transition {
	return Transition{
		ID:        uuid.New(),
		Subsystem: r.subsystem,
		Previous:  clone(prev),
		Current:   clone(cur),
		Location:  loc,
		Time:      time.Now(),
	}
}

// publishLocked must be called with r.mu held so bus order matches state order.
func (r *Reporter) publishLocked(t Transition) {
	err := r.bus.Publish(&eventbus.Event{
		Topic:   TopicTransition,
		Key:     r.subsystem,
		Payload: &envelope{origin: r, transition: t},
	})
	if err != nil {
		r.safeLog(func() {
			r.logger.Warn("failed to publish failure transition", "report_id", t.ID.String(), "error", err)
		})
	}
}

func (r *Reporter) logFailure(id uuid.UUID, f failure.Failure, loc Location) {
	r.safeLog(func() {
		r.logger.Error(fmt.Sprintf("[%s:%d] %s", loc.Base(), loc.Line, f.Summary()),
			"report_id", id.String(),
			"kind", f.Kind.String(),
			"file", loc.Base(),
			"line", loc.Line,
		)
	})
}

// safeLog keeps a misbehaving log handler from escaping the reporter.
func (r *Reporter) safeLog(fn func()) {
	defer func() { _ = recover() }()
	fn()
}
