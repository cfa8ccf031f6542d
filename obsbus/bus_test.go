package obsbus_test

import (
	"sync"
	"testing"
	"time"

	"github.com/duskrunner/corio/obsbus"
)

type recordingHandler struct {
	mu     sync.Mutex
	events []obsbus.Event
}

func (h *recordingHandler) HandleEvent(ev obsbus.Event) {
	h.mu.Lock()
	h.events = append(h.events, ev)
	h.mu.Unlock()
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.events)
}

func TestPublishDeliversToHandler(t *testing.T) {
	b := obsbus.New(64, 8)
	h := &recordingHandler{}
	b.RegisterHandler(h)
	go b.Run()
	defer b.Stop()

	if !b.Publish(obsbus.Event{Kind: "fired", Fd: 7, At: time.Now()}) {
		t.Fatal("Publish on a non-full queue should succeed")
	}

	deadline := time.Now().Add(2 * time.Second)
	for h.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if h.count() != 1 {
		t.Fatalf("handler received %d events, want 1", h.count())
	}
}

func TestOnEventAdapterMatchesSignature(t *testing.T) {
	b := obsbus.New(64, 8)
	h := &recordingHandler{}
	b.RegisterHandler(h)
	go b.Run()
	defer b.Stop()

	var onEvent func(kind string, fd int) = b.OnEvent
	onEvent("accept", 3)

	deadline := time.Now().Add(2 * time.Second)
	for h.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if h.count() != 1 || h.events[0].Kind != "accept" || h.events[0].Fd != 3 {
		t.Fatalf("unexpected delivered event: %+v", h.events)
	}
}

func TestPublishDropsWhenQueueFull(t *testing.T) {
	b := obsbus.New(4, 8) // rounds up to 4
	for i := 0; i < 4; i++ {
		if !b.Publish(obsbus.Event{Kind: "x"}) {
			t.Fatalf("Publish %d should have succeeded before Run drains anything", i)
		}
	}
	if b.Publish(obsbus.Event{Kind: "overflow"}) {
		t.Fatal("Publish into a full queue should fail")
	}
	if b.Dropped() != 1 {
		t.Fatalf("Dropped = %d, want 1", b.Dropped())
	}
}

func TestUnregisterHandlerStopsDelivery(t *testing.T) {
	b := obsbus.New(64, 8)
	h := &recordingHandler{}
	b.RegisterHandler(h)
	b.UnregisterHandler(h)
	go b.Run()
	defer b.Stop()

	b.Publish(obsbus.Event{Kind: "fired"})
	time.Sleep(20 * time.Millisecond)
	if h.count() != 0 {
		t.Fatalf("unregistered handler received %d events, want 0", h.count())
	}
}

func TestStopIsIdempotentBeforeRun(t *testing.T) {
	b := obsbus.New(16, 4)
	b.Stop() // Run was never called; must not block or panic
	b.Stop()
}

func TestPendingReflectsQueueDepth(t *testing.T) {
	b := obsbus.New(16, 4)
	b.Publish(obsbus.Event{Kind: "a"})
	b.Publish(obsbus.Event{Kind: "b"})
	if b.Pending() != 2 {
		t.Fatalf("Pending = %d, want 2", b.Pending())
	}
}
