package event

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func TestDeliveryOrder(t *testing.T) {
	e := NewEmitter()

	var mu sync.Mutex
	var got []int
	e.On("n", func(args ...any) {
		mu.Lock()
		got = append(got, args[0].(int))
		mu.Unlock()
	})

	const n = 200
	for i := 0; i < n; i++ {
		e.Emit("n", i)
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == n
	})

	mu.Lock()
	defer mu.Unlock()
	for i, v := range got {
		if v != i {
			t.Fatalf("event %d delivered out of order: got %d", i, v)
		}
	}
}

func TestNoOverlappingDeliveries(t *testing.T) {
	e := NewEmitter()

	var active, overlaps, handled atomic.Int32
	e.On("x", func(...any) {
		if active.Add(1) > 1 {
			overlaps.Add(1)
		}
		time.Sleep(time.Millisecond)
		active.Add(-1)
		handled.Add(1)
	})

	// Emit from several goroutines at once; delivery must still be one
	// at a time.
	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				e.Emit("x")
			}
		}()
	}
	wg.Wait()

	waitFor(t, func() bool { return handled.Load() == 40 })
	if overlaps.Load() != 0 {
		t.Fatalf("%d deliveries overlapped", overlaps.Load())
	}
}

func TestEmitFromListener(t *testing.T) {
	e := NewEmitter()

	var mu sync.Mutex
	var got []string
	e.On("first", func(...any) {
		mu.Lock()
		got = append(got, "first")
		mu.Unlock()
		// Re-emitting from inside a delivery must queue, not re-enter.
		e.Emit("second")
	})
	e.On("second", func(...any) {
		mu.Lock()
		got = append(got, "second")
		mu.Unlock()
	})

	e.Emit("first")

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	})

	mu.Lock()
	defer mu.Unlock()
	if got[0] != "first" || got[1] != "second" {
		t.Fatalf("unexpected delivery order: %v", got)
	}
}

func TestOff(t *testing.T) {
	e := NewEmitter()

	var calls atomic.Int32
	off := e.On("x", func(...any) { calls.Add(1) })
	keep := func() { calls.Add(100) }
	e.On("x", func(...any) { keep() })

	off()
	off() // removing twice is harmless

	e.Emit("x")
	waitFor(t, func() bool { return calls.Load() == 100 })

	if calls.Load() != 100 {
		t.Fatalf("removed listener still ran: calls = %d", calls.Load())
	}
}

func TestListenerRegistrationOrder(t *testing.T) {
	e := NewEmitter()

	var mu sync.Mutex
	var got []int
	for i := 0; i < 5; i++ {
		i := i
		e.On("x", func(...any) {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		})
	}

	e.Emit("x")
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 5
	})

	mu.Lock()
	defer mu.Unlock()
	for i, v := range got {
		if v != i {
			t.Fatalf("listeners ran out of registration order: %v", got)
		}
	}
}
