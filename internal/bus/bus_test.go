package bus

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/camwatch/internal/logging"
	"github.com/anstrom/camwatch/internal/metrics"
)

func newTestBus(opts ...Option) *Bus {
	opts = append([]Option{
		WithLogger(logging.NewDiscard()),
		WithMetrics(metrics.New()),
	}, opts...)
	return New(opts...)
}

func TestPublishDeliversInOrder(t *testing.T) {
	b := newTestBus()

	var mu sync.Mutex
	var got []int
	b.Subscribe(ByType(TypeScanResult), func(m Message) {
		mu.Lock()
		got = append(got, m.Payload.(int))
		mu.Unlock()
	})

	for i := 0; i < 100; i++ {
		require.True(t, b.Emit(TypeScanResult, "test", i))
	}
	b.Close()

	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestPredicateFilters(t *testing.T) {
	b := newTestBus()

	var mu sync.Mutex
	var scans, all int
	b.Subscribe(ByType(TypeScanResult), func(Message) {
		mu.Lock()
		scans++
		mu.Unlock()
	})
	b.Subscribe(nil, func(Message) {
		mu.Lock()
		all++
		mu.Unlock()
	})

	b.Emit(TypeScanResult, "test", nil)
	b.Emit(TypeError, "test", nil)
	b.Emit(TypeGeolocationResult, "test", nil)
	b.Close()

	assert.Equal(t, 1, scans)
	assert.Equal(t, 3, all)
}

func TestPublishDoesNotWaitForHandlers(t *testing.T) {
	b := newTestBus()
	release := make(chan struct{})
	b.Subscribe(nil, func(Message) { <-release })

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			b.Emit(TypeScanResult, "test", i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
	close(release)
	b.Close()
}

func TestHandlerPanicIsContained(t *testing.T) {
	b := newTestBus()

	var mu sync.Mutex
	var delivered []int
	b.Subscribe(nil, func(m Message) {
		v := m.Payload.(int)
		if v == 1 {
			panic("boom")
		}
		mu.Lock()
		delivered = append(delivered, v)
		mu.Unlock()
	})

	for i := 0; i < 3; i++ {
		b.Emit(TypeScanResult, "test", i)
	}
	b.Close()

	assert.Equal(t, []int{0, 2}, delivered)
}

func TestMailboxLimitDropsOldest(t *testing.T) {
	b := newTestBus(WithMailboxLimit(2))

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	var got []int
	sub := b.Subscribe(nil, func(m Message) {
		once.Do(func() {
			close(started)
			<-release
		})
		got = append(got, m.Payload.(int))
	})

	b.Emit(TypeScanResult, "test", 0)
	<-started
	for i := 1; i <= 5; i++ {
		b.Emit(TypeScanResult, "test", i)
	}
	close(release)
	b.Close()

	assert.Equal(t, []int{0, 4, 5}, got)
	assert.Equal(t, uint64(3), sub.Dropped())
}

func TestCloseDrainsAndRejects(t *testing.T) {
	b := newTestBus()

	var mu sync.Mutex
	count := 0
	sub := b.Subscribe(nil, func(Message) {
		time.Sleep(time.Millisecond)
		mu.Lock()
		count++
		mu.Unlock()
	})
	for i := 0; i < 20; i++ {
		b.Emit(TypeScanResult, "test", i)
	}
	b.Close()

	assert.Equal(t, 20, count)
	assert.False(t, b.Emit(TypeScanResult, "test", 0))
	select {
	case <-sub.Done():
	default:
		t.Fatal("subscriber still running after close")
	}

	// closing twice is a no-op
	b.Close()
}

func TestUnsubscribeFromHandler(t *testing.T) {
	b := newTestBus()
	defer b.Close()

	var sub *Subscription
	calls := make(chan struct{}, 10)
	ready := make(chan struct{})
	sub = b.Subscribe(nil, func(Message) {
		<-ready
		sub.Unsubscribe()
		calls <- struct{}{}
	})
	close(ready)

	b.Emit(TypeScanResult, "test", nil)
	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber did not stop")
	}
	b.Emit(TypeScanResult, "test", nil)

	assert.Len(t, calls, 1)
	assert.Equal(t, 0, b.Subscribers())
}

func TestMessageMarshalJSON(t *testing.T) {
	msg := NewMessage(TypeScanResult, "scanner", ScanResultPayload{
		Target:   "http://10.0.0.1",
		Title:    "IP Camera",
		IsCamera: true,
	})

	raw, err := json.Marshal(msg)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "scan_result", decoded["type"])
	assert.Equal(t, "http://10.0.0.1", decoded["target"])
	assert.Equal(t, "IP Camera", decoded["title"])
	assert.Equal(t, true, decoded["isCamera"])
	assert.Equal(t, "scanner", decoded["producer"])
	assert.Equal(t, msg.ID.String(), decoded["id"])
	assert.NotContains(t, decoded, "error")
}

func TestMessageMarshalScalarPayload(t *testing.T) {
	raw, err := json.Marshal(NewMessage(TypeError, "", "plain"))
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"payload":"plain"`)
}
