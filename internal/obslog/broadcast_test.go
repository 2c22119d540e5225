package obslog

import (
	"testing"
	"time"
)

const testWait = time.Second

func TestHubDeliversOnlyToMatchingExecution(t *testing.T) {
	hub := NewHub(New(false))
	go hub.Run()

	a := &hubClient{hub: hub, send: make(chan *TraceEvent, 4), id: "a", executionID: "exec-1"}
	b := &hubClient{hub: hub, send: make(chan *TraceEvent, 4), id: "b", executionID: "exec-2"}
	// register is unbuffered and Run handles one message at a time, so Run
	// finishes addClient(a) before it receives b, and addClient(b) before
	// it receives the Broadcast queued below.
	hub.register <- a
	hub.register <- b

	hub.Broadcast("exec-1", NewTraceEvent(EventNodeStarted, "exec-1"))

	select {
	case ev := <-a.send:
		if ev.ExecutionID != "exec-1" {
			t.Fatalf("expected exec-1 event, got %+v", ev)
		}
	case <-time.After(testWait):
		t.Fatal("expected client a to receive the broadcast event")
	}

	select {
	case ev := <-b.send:
		t.Fatalf("expected client b to receive nothing, got %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHubRemoveClientClosesSendChannel(t *testing.T) {
	hub := NewHub(New(false))
	go hub.Run()

	c := &hubClient{hub: hub, send: make(chan *TraceEvent, 1), id: "c", executionID: "exec-1"}
	hub.register <- c
	hub.Broadcast("exec-1", NewTraceEvent(EventNodeStarted, "exec-1"))
	select {
	case <-c.send: // drain the event delivered before removal
	case <-time.After(testWait):
		t.Fatal("expected the broadcast event before removal")
	}

	// unregister is unbuffered like register: this send returns once Run
	// has received c, and removeClient then closes c.send.
	hub.unregister <- c

	select {
	case _, ok := <-c.send:
		if ok {
			t.Fatal("expected a closed channel, got a value")
		}
	case <-time.After(testWait):
		t.Fatal("expected c.send to be closed after removal")
	}
}
