package core

import (
	"testing"
	"time"
)

func drain(ch <-chan Event) []Event {
	var out []Event
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestEventBusDelivers(t *testing.T) {
	bus := newEventBus(50 * time.Millisecond)
	sub := bus.Subscribe()

	bus.publish(Event{Type: EventNodeReady})
	evs := drain(sub)
	if len(evs) != 1 || evs[0].Type != EventNodeReady {
		t.Fatalf("expected one node-ready event, got %v", evs)
	}
	if evs[0].Timestamp.IsZero() {
		t.Fatal("event timestamp not stamped")
	}
}

func TestEventBusThrottles(t *testing.T) {
	bus := newEventBus(50 * time.Millisecond)
	sub := bus.Subscribe()

	for i := 0; i < 10; i++ {
		bus.publishThrottled("upload:/f", Event{Type: EventUploadProgress, Path: "/f", Done: i, Total: 10})
	}
	if got := len(drain(sub)); got != 1 {
		t.Fatalf("expected 1 event inside the throttle window, got %d", got)
	}

	time.Sleep(60 * time.Millisecond)
	bus.publishThrottled("upload:/f", Event{Type: EventUploadProgress, Path: "/f", Done: 10, Total: 10})
	if got := len(drain(sub)); got != 1 {
		t.Fatalf("expected 1 event after the window elapsed, got %d", got)
	}
}

func TestEventBusThrottleKeysAreIndependent(t *testing.T) {
	bus := newEventBus(time.Hour)
	sub := bus.Subscribe()

	bus.publishThrottled("upload:/a", Event{Type: EventUploadProgress, Path: "/a"})
	bus.publishThrottled("upload:/b", Event{Type: EventUploadProgress, Path: "/b"})
	if got := len(drain(sub)); got != 2 {
		t.Fatalf("distinct keys must not throttle each other, got %d", got)
	}
}

func TestEventBusSlowSubscriberDoesNotBlock(t *testing.T) {
	bus := newEventBus(time.Millisecond)
	_ = bus.Subscribe() // never drained

	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			bus.publish(Event{Type: EventPeerConnected, PeerID: "p"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}
}
