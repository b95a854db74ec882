package eventbus

import (
	"testing"
	"time"

	"pkt.systems/gantry/schema"
)

func TestSubscribeAndPublish(t *testing.T) {
	bus := New(nil)
	ch, cancel := bus.Subscribe("alice")
	defer cancel()

	event := schema.TabEvent{UserID: "alice", Type: schema.TabEventOpened, Tab: schema.TabSnapshot{Key: "tab1"}}
	bus.OnTabEvent(event)

	select {
	case got := <-ch:
		if got.Type != EventTab {
			t.Fatalf("expected tab event, got %v", got.Type)
		}
		if got.Tab.UserID != event.UserID || got.Tab.Tab.Key != event.Tab.Key {
			t.Fatalf("unexpected payload: %+v", got.Tab)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("timed out waiting for event")
	}
}

func TestPublishScopedToUser(t *testing.T) {
	bus := New(nil)
	aliceCh, cancelAlice := bus.Subscribe("alice")
	defer cancelAlice()
	bobCh, cancelBob := bus.Subscribe("bob")
	defer cancelBob()

	bus.OnOutput(schema.OutputEvent{UserID: "bob", Key: "tab1", Data: []byte("hi")})

	select {
	case got := <-bobCh:
		if got.Type != EventOutput || string(got.Output.Data) != "hi" {
			t.Fatalf("unexpected payload: %+v", got)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("timed out waiting for event")
	}
	select {
	case got := <-aliceCh:
		t.Fatalf("alice should not receive bob's event, got %+v", got)
	default:
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := New(nil)
	ch, cancel := bus.Subscribe("alice")
	cancel()
	if _, ok := <-ch; ok {
		t.Fatalf("expected channel to be closed")
	}
}

func TestPublishDoesNotBlockWhenFull(t *testing.T) {
	bus := New(nil)
	bus.depth = 1
	_, cancel := bus.Subscribe("alice")
	defer cancel()

	var sendCh chan Event
	bus.mu.Lock()
	for ch := range bus.subs["alice"] {
		sendCh = ch
		break
	}
	bus.mu.Unlock()
	if sendCh == nil {
		t.Fatalf("expected subscriber channel")
	}
	sendCh <- Event{Type: EventOutput}
	done := make(chan struct{})
	go func() {
		bus.OnOutput(schema.OutputEvent{UserID: "alice"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("publish blocked on full channel")
	}
}
