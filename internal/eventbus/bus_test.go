package eventbus

import (
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestPublishDeliversInOrderPerKey(t *testing.T) {
	bus := NewInMemoryEventBus(4, 128)

	var (
		mu   sync.Mutex
		seen = map[string][]int{}
	)
	_, err := bus.Subscribe("t", func(e *Event) error {
		mu.Lock()
		defer mu.Unlock()
		seen[e.Key] = append(seen[e.Key], e.Payload.(int))
		return nil
	})
	require.NoError(t, err)

	keys := []string{"phone", "watch", "widget"}
	for i := 0; i < 30; i++ {
		for _, k := range keys {
			require.NoError(t, bus.Publish(&Event{Topic: "t", Key: k, Payload: i}))
		}
	}
	require.NoError(t, bus.Close())

	for _, k := range keys {
		require.Len(t, seen[k], 30, k)
		for i, v := range seen[k] {
			assert.Equal(t, i, v, "key %s out of order", k)
		}
	}
	stats := bus.Stats()
	assert.Equal(t, int64(90), stats.PublishedCount)
	assert.Equal(t, int64(90), stats.ProcessedCount)
	assert.Equal(t, 4, stats.PartitionCount)
}

func TestMultipleHandlersAndUnsubscribe(t *testing.T) {
	bus := NewInMemoryEventBus(1, 16)

	var a, b []string
	idA, err := bus.Subscribe("t", func(e *Event) error {
		a = append(a, e.Key)
		return nil
	})
	require.NoError(t, err)
	_, err = bus.Subscribe("t", func(e *Event) error {
		b = append(b, e.Key)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(&Event{Topic: "t", Key: "first"}))
	waitProcessed(t, bus, 1)

	bus.Unsubscribe(idA)
	bus.Unsubscribe(SubscriptionID(9999))
	require.NoError(t, bus.Publish(&Event{Topic: "t", Key: "second"}))
	require.NoError(t, bus.Close())

	assert.Equal(t, []string{"first"}, a)
	assert.Equal(t, []string{"first", "second"}, b)
}

func TestTopicsAreIsolated(t *testing.T) {
	bus := NewInMemoryEventBus(2, 16)

	var got []string
	_, err := bus.Subscribe("wanted", func(e *Event) error {
		got = append(got, e.Topic)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(&Event{Topic: "other", Key: "k"}))
	require.NoError(t, bus.Publish(&Event{Topic: "wanted", Key: "k"}))
	require.NoError(t, bus.Close())

	assert.Equal(t, []string{"wanted"}, got)
}

func TestPublishQueueFull(t *testing.T) {
	bus := NewInMemoryEventBus(1, 1)

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	_, err := bus.Subscribe("t", func(e *Event) error {
		once.Do(func() { close(started) })
		<-release
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(&Event{Topic: "t", Key: "k"}))
	<-started
	require.NoError(t, bus.Publish(&Event{Topic: "t", Key: "k"}))

	err = bus.Publish(&Event{Topic: "t", Key: "k"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, int64(1), bus.Stats().DroppedCount)

	close(release)
	require.NoError(t, bus.Close())
}

func TestHandlerErrorsAndPanicsDoNotStopPartition(t *testing.T) {
	bus := NewInMemoryEventBus(1, 16)

	var delivered []string
	_, err := bus.Subscribe("t", func(e *Event) error {
		switch e.Key {
		case "panic":
			panic("boom")
		case "error":
			return errors.New("handler failed")
		}
		delivered = append(delivered, e.Key)
		return nil
	})
	require.NoError(t, err)

	for _, k := range []string{"panic", "error", "ok"} {
		require.NoError(t, bus.Publish(&Event{Topic: "t", Key: k}))
	}
	require.NoError(t, bus.Close())

	assert.Equal(t, []string{"ok"}, delivered)
}

func TestClosedBus(t *testing.T) {
	bus := NewInMemoryEventBus(2, 4)
	require.NoError(t, bus.Close())
	require.NoError(t, bus.Close())

	assert.ErrorIs(t, bus.Publish(&Event{Topic: "t"}), ErrBusClosed)
	_, err := bus.Subscribe("t", func(*Event) error { return nil })
	assert.ErrorIs(t, err, ErrBusClosed)
}

func TestPartitionIDIsStable(t *testing.T) {
	bus := NewInMemoryEventBus(8, 4)
	defer bus.Close()

	for i := 0; i < 50; i++ {
		key := "subsystem-" + strconv.Itoa(i)
		id := bus.partitionID(key)
		assert.GreaterOrEqual(t, id, 0)
		assert.Less(t, id, 8)
		assert.Equal(t, id, bus.partitionID(key))
	}
}

func waitProcessed(t *testing.T, bus *InMemoryEventBus, n int64) {
	t.Helper()
	require.Eventually(t, func() bool {
		return bus.Stats().ProcessedCount >= n
	}, time.Second, 5*time.Millisecond)
}
