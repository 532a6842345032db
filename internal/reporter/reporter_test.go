package reporter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"firestige.xyz/failsink/internal/eventbus"
	"firestige.xyz/failsink/internal/failure"
	"firestige.xyz/failsink/internal/metrics"
)

// syncBuffer lets the test read log output written from other goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestReporter(t *testing.T, opts ...Option) (*Reporter, *syncBuffer) {
	t.Helper()
	buf := &syncBuffer{}
	logger := slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	r := New(append([]Option{WithLogger(logger), WithMetrics(false)}, opts...)...)
	t.Cleanup(func() { _ = r.Close() })
	return r, buf
}

func TestReportStoresTaxonomyFailureUnchanged(t *testing.T) {
	r, _ := newTestReporter(t)

	for _, k := range failure.Kinds {
		f := failure.New(k, "message")
		r.Report(f, Location{File: "sync.go", Line: 1})

		got, ok := r.Current()
		require.True(t, ok)
		assert.Equal(t, f, got)
	}
}

func TestReportCoercesForeignErrorToGeneral(t *testing.T) {
	r, _ := newTestReporter(t)

	r.Report(errors.New("disk full"), Location{File: "store.go", Line: 9})

	got, ok := r.Current()
	require.True(t, ok)
	assert.Equal(t, failure.General("disk full"), got)
}

func TestReportNetworkFailureLogsSummaryAndLocation(t *testing.T) {
	r, buf := newTestReporter(t, WithSubsystem("xyz.firestige.watch"), WithCategory("errors"))

	r.Report(failure.Network("timeout"), Location{File: "/src/app/connectivity/session.go", Line: 42})

	got, ok := r.Current()
	require.True(t, ok)
	assert.Equal(t, failure.Network("timeout"), got)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(firstLine(buf.String())), &entry))
	assert.Equal(t, "ERROR", entry["level"])
	assert.Contains(t, entry["msg"], "Network Error: timeout")
	assert.Contains(t, entry["msg"], "session.go:42")
	assert.Equal(t, "session.go", entry["file"])
	assert.Equal(t, float64(42), entry["line"])
	assert.Equal(t, "network", entry["kind"])
	assert.Equal(t, "xyz.firestige.watch", entry["subsystem"])
	assert.Equal(t, "errors", entry["category"])
	assert.NotEmpty(t, entry["report_id"])
}

func TestReportLastWriteWins(t *testing.T) {
	r, _ := newTestReporter(t)

	r.Report(failure.Data("first"), Here())
	r.Report(failure.Permission("second"), Here())

	got, ok := r.Current()
	require.True(t, ok)
	assert.Equal(t, failure.Permission("second"), got)
}

func TestReportSameFailureTwiceIsNotDeduplicated(t *testing.T) {
	r, buf := newTestReporter(t)

	r.Report(failure.Network("timeout"), Here())
	r.Report(failure.Network("timeout"), Here())

	assert.Equal(t, 2, strings.Count(buf.String(), "Network Error: timeout"))
}

func TestClearIsIdempotent(t *testing.T) {
	r, _ := newTestReporter(t)

	r.Clear()
	_, ok := r.Current()
	assert.False(t, ok)

	r.Report(failure.Data("bad row"), Here())
	r.Clear()
	_, ok = r.Current()
	assert.False(t, ok)

	r.Clear()
	_, ok = r.Current()
	assert.False(t, ok)
	assert.Nil(t, r.View())
}

func TestReportNilIsIgnored(t *testing.T) {
	r, _ := newTestReporter(t)

	r.Report(failure.Data("kept"), Here())
	r.Report(nil, Here())

	got, ok := r.Current()
	require.True(t, ok)
	assert.Equal(t, failure.Data("kept"), got)
}

func TestClassifierRunsBeforeFallback(t *testing.T) {
	r, _ := newTestReporter(t, WithClassifier(failure.Unwrapping))

	r.Report(fmt.Errorf("refresh: %w", failure.PeerConnectivity("not paired")), Here())
	got, _ := r.Current()
	assert.Equal(t, failure.PeerConnectivity("not paired"), got)

	r.Report(errors.New("plain"), Here())
	got, _ = r.Current()
	assert.Equal(t, failure.General("plain"), got)
}

func TestReportHereCapturesCaller(t *testing.T) {
	r, buf := newTestReporter(t)

	r.ReportHere(failure.Data("x"))

	assert.Contains(t, buf.String(), `"file":"reporter_test.go"`)
}

func TestHere(t *testing.T) {
	loc := Here()
	assert.Equal(t, "reporter_test.go", loc.Base())
	assert.Greater(t, loc.Line, 0)
	assert.Equal(t, "unknown", Location{}.String())
	assert.Equal(t, "a.go:3", Location{File: "/x/a.go", Line: 3}.String())
}

func TestLoggingPanicDoesNotEscape(t *testing.T) {
	r := New(WithLogger(slog.New(panicHandler{})), WithMetrics(false))
	defer r.Close()

	assert.NotPanics(t, func() {
		r.Report(failure.Network("timeout"), Here())
		r.Clear()
	})
	_, ok := r.Current()
	assert.False(t, ok)
}

type mockObserver struct {
	mock.Mock
}

func (m *mockObserver) OnTransition(t Transition) {
	m.Called(t.Cleared(), t.Current)
}

func TestSubscribeDeliversTransitionsInOrder(t *testing.T) {
	r, _ := newTestReporter(t)

	obs := new(mockObserver)
	var calls sync.WaitGroup
	calls.Add(3)
	cur := failure.Data("a")
	next := failure.Network("b")
	obs.On("OnTransition", false, &cur).Return().Once().Run(func(mock.Arguments) { calls.Done() })
	obs.On("OnTransition", false, &next).Return().Once().Run(func(mock.Arguments) { calls.Done() })
	obs.On("OnTransition", true, (*failure.Failure)(nil)).Return().Once().Run(func(mock.Arguments) { calls.Done() })

	cancel := r.Subscribe(obs.OnTransition)
	defer cancel()

	r.Report(failure.Data("a"), Here())
	r.Report(failure.Network("b"), Here())
	r.Clear()
	r.Clear() // no transition for an empty reporter

	waitGroup(t, &calls)
	obs.AssertExpectations(t)
}

func TestSubscribeTransitionCarriesPrevious(t *testing.T) {
	r, _ := newTestReporter(t)

	got := make(chan Transition, 4)
	cancel := r.Subscribe(func(t Transition) { got <- t })
	defer cancel()

	r.Report(failure.Data("a"), Location{File: "a.go", Line: 1})
	r.Report(failure.Network("b"), Location{File: "b.go", Line: 2})

	first := receive(t, got)
	assert.Nil(t, first.Previous)
	assert.Equal(t, failure.Data("a"), *first.Current)

	second := receive(t, got)
	require.NotNil(t, second.Previous)
	assert.Equal(t, failure.Data("a"), *second.Previous)
	assert.Equal(t, failure.Network("b"), *second.Current)
	assert.Equal(t, "b.go:2", second.Location.String())
	assert.NotEqual(t, first.ID, second.ID)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	r, _ := newTestReporter(t)

	got := make(chan Transition, 4)
	cancel := r.Subscribe(func(t Transition) { got <- t })

	r.Report(failure.Data("a"), Here())
	receive(t, got)

	cancel()
	cancel()
	r.Report(failure.Data("b"), Here())
	require.NoError(t, r.Close())

	assert.Empty(t, got)
}

func TestReportersSharingBusOnlySeeOwnTransitions(t *testing.T) {
	bus := eventbus.NewInMemoryEventBus(2, 16)
	phone := New(WithBus(bus), WithSubsystem("phone"), WithMetrics(false))
	watch := New(WithBus(bus), WithSubsystem("watch"), WithMetrics(false))

	var phoneSeen, watchSeen []string
	phone.Subscribe(func(t Transition) { phoneSeen = append(phoneSeen, t.Subsystem) })
	watch.Subscribe(func(t Transition) { watchSeen = append(watchSeen, t.Subsystem) })

	phone.Report(failure.Network("offline"), Here())
	watch.Report(failure.PeerConnectivity("phone unreachable"), Here())
	watch.Clear()

	require.NoError(t, phone.Close())
	require.NoError(t, bus.Close())

	assert.Equal(t, []string{"phone"}, phoneSeen)
	assert.Equal(t, []string{"watch", "watch"}, watchSeen)
}

func TestWatchStreamsUntilCancelled(t *testing.T) {
	r, _ := newTestReporter(t)

	ctx, cancel := context.WithCancel(context.Background())
	ch := r.Watch(ctx, 4)

	r.Report(failure.Permission("denied"), Here())
	tr := receive(t, ch)
	assert.Equal(t, failure.Permission("denied"), *tr.Current)

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

func TestWatchEndsWhenReporterCloses(t *testing.T) {
	r, _ := newTestReporter(t)

	ch := r.Watch(context.Background(), 1)
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

func TestConcurrentReportersAndReaders(t *testing.T) {
	r, _ := newTestReporter(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				r.Report(failure.Network(fmt.Sprintf("w%d-%d", i, j)), Here())
				if j%10 == 0 {
					r.Clear()
				}
			}
		}(i)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if f, ok := r.Current(); ok {
					assert.Equal(t, failure.KindNetwork, f.Kind)
				}
			}
		}()
	}
	wg.Wait()

	r.Report(failure.Data("final"), Here())
	got, ok := r.Current()
	require.True(t, ok)
	assert.Equal(t, failure.Data("final"), got)
}

func TestMetricsTrackPendingFailures(t *testing.T) {
	r := New(WithSubsystem("metrics-test"), WithLogger(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))))
	defer r.Close()

	reported := metrics.FailuresReportedTotal.WithLabelValues("metrics-test", "network")
	cleared := metrics.FailuresClearedTotal.WithLabelValues("metrics-test")
	before := testutil.ToFloat64(reported)
	clearedBefore := testutil.ToFloat64(cleared)

	r.Report(failure.Network("timeout"), Here())
	assert.Equal(t, before+1, testutil.ToFloat64(reported))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.FailurePending.WithLabelValues("metrics-test")))

	r.Clear()
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.FailurePending.WithLabelValues("metrics-test")))
	assert.Equal(t, clearedBefore+1, testutil.ToFloat64(cleared))
}

type panicHandler struct{}

func (panicHandler) Enabled(context.Context, slog.Level) bool  { return true }
func (panicHandler) Handle(context.Context, slog.Record) error { panic("log sink exploded") }
func (h panicHandler) WithAttrs([]slog.Attr) slog.Handler      { return h }
func (h panicHandler) WithGroup(string) slog.Handler           { return h }

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func receive(t *testing.T, ch <-chan Transition) Transition {
	t.Helper()
	select {
	case tr := <-ch:
		return tr
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for transition")
		return Transition{}
	}
}

func waitGroup(t *testing.T, wg *sync.WaitGroup) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for observer calls")
	}
}
