package eventbus

import (
	"sync"
	"testing"
	"time"

	"streamperf/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func event(t domain.EventType) domain.Event {
	return domain.NewEvent(t, nil, time.Now())
}

func TestBus_DeliversByType(t *testing.T) {
	bus := New(zaptest.NewLogger(t).Sugar())

	var got []domain.EventType
	bus.Subscribe(domain.EventCDNFailover, func(e domain.Event) { got = append(got, e.Type) })

	bus.Publish(event(domain.EventMemoryWarning))
	bus.Publish(event(domain.EventCDNFailover))

	assert.Equal(t, []domain.EventType{domain.EventCDNFailover}, got)
}

func TestBus_SubscribeAll(t *testing.T) {
	bus := New(zaptest.NewLogger(t).Sugar())

	count := 0
	bus.SubscribeAll(func(domain.Event) { count++ })

	for _, et := range domain.EventTypes {
		bus.Publish(event(et))
	}
	assert.Equal(t, len(domain.EventTypes), count)
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := New(zaptest.NewLogger(t).Sugar())

	count := 0
	unsubscribe := bus.Subscribe(domain.EventMemoryPressure, func(domain.Event) { count++ })
	bus.Publish(event(domain.EventMemoryPressure))
	unsubscribe()
	unsubscribe()
	bus.Publish(event(domain.EventMemoryPressure))

	assert.Equal(t, 1, count)
	assert.Equal(t, 0, bus.Stats().Subscriptions)
}

func TestBus_PanickingListenerIsIsolated(t *testing.T) {
	bus := New(zaptest.NewLogger(t).Sugar())

	var order []string
	bus.Subscribe(domain.EventOptimizationApplied, func(domain.Event) { order = append(order, "first") })
	bus.Subscribe(domain.EventOptimizationApplied, func(domain.Event) { panic("listener bug") })
	bus.Subscribe(domain.EventOptimizationApplied, func(domain.Event) { order = append(order, "third") })

	require.NotPanics(t, func() { bus.Publish(event(domain.EventOptimizationApplied)) })

	assert.Equal(t, []string{"first", "third"}, order)
	stats := bus.Stats()
	assert.Equal(t, uint64(1), stats.Failures)
	assert.Equal(t, uint64(2), stats.Delivered)
}

func TestBus_ReentrantPublishIsQueued(t *testing.T) {
	bus := New(zaptest.NewLogger(t).Sugar())

	var order []domain.EventType
	bus.SubscribeAll(func(e domain.Event) {
		order = append(order, e.Type)
		if e.Type == domain.EventMemoryPressure {
			bus.Publish(event(domain.EventMemoryWarning))
		}
	})

	bus.Publish(event(domain.EventMemoryPressure))

	assert.Equal(t, []domain.EventType{domain.EventMemoryPressure, domain.EventMemoryWarning}, order)
}

func TestBus_ConcurrentPublishSerialized(t *testing.T) {
	bus := New(zaptest.NewLogger(t).Sugar())

	var mu sync.Mutex
	inside := 0
	maxInside := 0
	total := 0
	bus.SubscribeAll(func(domain.Event) {
		mu.Lock()
		inside++
		if inside > maxInside {
			maxInside = inside
		}
		mu.Unlock()

		time.Sleep(time.Millisecond)

		mu.Lock()
		inside--
		total++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Publish(event(domain.EventBufferHealthChange))
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, maxInside)
	assert.Equal(t, 20, total)
}

func TestBus_Close(t *testing.T) {
	bus := New(zaptest.NewLogger(t).Sugar())

	count := 0
	bus.SubscribeAll(func(domain.Event) { count++ })
	bus.Close()
	bus.Publish(event(domain.EventCDNFailover))

	assert.Equal(t, 0, count)
	unsubscribe := bus.Subscribe(domain.EventCDNFailover, func(domain.Event) {})
	unsubscribe()
}
