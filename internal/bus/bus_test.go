package bus

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToAllSubscribers(t *testing.T) {
	b := New()
	var mu sync.Mutex
	var got []string
	done := make(chan struct{}, 2)
	for _, sub := range []string{"one", "two"} {
		b.Subscribe(sub, 8, func(ev Event) {
			mu.Lock()
			got = append(got, ev.Name)
			mu.Unlock()
			done <- struct{}{}
		})
	}

	b.Publish(Started("tools", 42, 9001))
	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("subscriber never saw the event")
		}
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"tools", "tools"}, got)
	b.Close()
}

func TestPublishNeverBlocksOnFullBuffer(t *testing.T) {
	b := New()
	block := make(chan struct{})
	b.Subscribe("slow", 1, func(Event) { <-block })

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(Stopped("x", "test"))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
	close(block)
	b.Close()
}

func TestCloseDrainsBufferedEvents(t *testing.T) {
	b := New()
	var n atomic.Int32
	b.Subscribe("counter", 64, func(Event) { n.Add(1) })
	for i := 0; i < 10; i++ {
		b.Publish(Crashed("x", 1))
	}
	b.Close()
	assert.Equal(t, int32(10), n.Load())
}

func TestSubscribeAfterCloseIsNoop(t *testing.T) {
	b := New()
	b.Close()
	b.Subscribe("late", 1, func(Event) { t.Fatal("must never fire") })
	b.Publish(Started("x", 1, 1))
}

func TestEventConstructors(t *testing.T) {
	ev := Started("tools", 42, 9001)
	require.NotEmpty(t, ev.ID)
	assert.Equal(t, TypeStarted, ev.Type)
	assert.Equal(t, 42, ev.PID)
	assert.Equal(t, 9001, ev.Port)
	assert.WithinDuration(t, time.Now().UTC(), ev.At, time.Minute)

	hc := HealthChanged("tools", "healthy", "unreachable")
	assert.Equal(t, "healthy", hc.Old)
	assert.Equal(t, "unreachable", hc.New)

	cr := Crashed("tools", 137)
	assert.Equal(t, 137, cr.ExitCode)

	dd := DriftDetected("tools", "running", "gone")
	assert.Equal(t, "running", dd.Expected)
	assert.Equal(t, "gone", dd.Actual)

	// every event gets a distinct id
	assert.NotEqual(t, ev.ID, hc.ID)
}
