package events

import (
	"testing"
	"time"
)

func TestPublishWithoutSubscribersDoesNotBlock(t *testing.T) {
	bus := NewBus()
	done := make(chan struct{})
	go func() {
		bus.Publish(Event{Type: ToolStart, Tool: "shell"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked with no subscribers")
	}
}

func TestSubscribeReceivesBroadcast(t *testing.T) {
	bus := NewBus()
	ch1, cancel1 := bus.Subscribe()
	defer cancel1()
	ch2, cancel2 := bus.Subscribe()
	defer cancel2()

	bus.Publish(Event{Type: TurnStarted, SessionID: "s1", Turn: 1})

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case e := <-ch:
			if e.Type != TurnStarted || e.Turn != 1 {
				t.Errorf("subscriber %d: got %+v", i, e)
			}
			if e.Timestamp.IsZero() {
				t.Errorf("subscriber %d: timestamp not stamped", i)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d: no event received", i)
		}
	}
}

func TestSubscribeFiltered(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.SubscribeFiltered(Filter{
		SessionID: "s1",
		Types:     []Type{ApprovalRequested},
	})
	defer cancel()

	bus.Publish(Event{Type: ToolStart, SessionID: "s1"})         // wrong type
	bus.Publish(Event{Type: ApprovalRequested, SessionID: "s2"}) // wrong session
	bus.Publish(Event{Type: ApprovalRequested, SessionID: "s1"}) // match
	bus.Publish(Event{Type: ApprovalRequested})                  // sessionless passes

	var got []Event
	timeout := time.After(time.Second)
	for len(got) < 2 {
		select {
		case e := <-ch:
			got = append(got, e)
		case <-timeout:
			t.Fatalf("expected 2 events, got %d", len(got))
		}
	}
	if got[0].SessionID != "s1" {
		t.Errorf("first event session = %q, want s1", got[0].SessionID)
	}
	if got[1].SessionID != "" {
		t.Errorf("second event should be the sessionless one, got %q", got[1].SessionID)
	}

	select {
	case e := <-ch:
		t.Errorf("unexpected extra event: %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCancelStopsDelivery(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe()
	cancel()
	cancel() // second cancel is a no-op

	bus.Publish(Event{Type: TextDelta})
	if _, ok := <-ch; ok {
		t.Error("channel should be closed after cancel")
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	bus := NewBus()
	_, cancel := bus.Subscribe() // never drained
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*2; i++ {
			bus.Publish(Event{Type: TextDelta, Content: "x"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}
}

func TestCloseBus(t *testing.T) {
	bus := NewBus()
	ch, _ := bus.Subscribe()
	bus.Close()
	bus.Publish(Event{Type: TextDelta})
	if _, ok := <-ch; ok {
		t.Error("channel should be closed after bus Close")
	}
}
