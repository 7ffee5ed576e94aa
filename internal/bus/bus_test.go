package bus

import (
	"testing"
	"time"
)

func TestBus_PrefixMatching(t *testing.T) {
	b := New()
	runSub := b.Subscribe("run.")
	defer b.Unsubscribe(runSub)
	allSub := b.Subscribe("")
	defer b.Unsubscribe(allSub)

	b.Publish(TopicRunCreated, RunEvent{RunID: "r1", Status: "pending"})
	b.Publish(TopicGoalProgress, GoalEvent{GoalID: "g1"})

	select {
	case ev := <-runSub.Ch():
		if ev.Topic != TopicRunCreated {
			t.Fatalf("topic = %q", ev.Topic)
		}
		if ev.Payload.(RunEvent).RunID != "r1" {
			t.Fatalf("payload = %#v", ev.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for run event")
	}
	select {
	case ev := <-runSub.Ch():
		t.Fatalf("run subscriber must not see %q", ev.Topic)
	default:
	}

	for i := 0; i < 2; i++ {
		select {
		case <-allSub.Ch():
		case <-time.After(time.Second):
			t.Fatalf("all-subscriber missed event %d", i)
		}
	}
}

func TestBus_FullBufferDropsInsteadOfBlocking(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	done := make(chan struct{})
	go func() {
		for i := 0; i < defaultBufferSize+10; i++ {
			b.Publish(TopicActionGated, i)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	if got := len(sub.ch); got != defaultBufferSize {
		t.Fatalf("buffered %d events, want %d", got, defaultBufferSize)
	}
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	b := New()
	sub := b.Subscribe("goal.")
	b.Unsubscribe(sub)
	b.Unsubscribe(sub)
	if _, ok := <-sub.Ch(); ok {
		t.Fatalf("channel should be closed")
	}
	if b.SubscriberCount() != 0 {
		t.Fatalf("subscriber count = %d", b.SubscriberCount())
	}
}

func TestBus_NilIsNoop(t *testing.T) {
	var b *Bus
	b.Publish(TopicRunFailed, nil)
}

func TestBus_StoreScopedSubscription(t *testing.T) {
	b := New()
	sub := b.SubscribeStore("store-a", "run.")
	defer b.Unsubscribe(sub)

	b.Publish(TopicRunCreated, RunEvent{RunID: "r-other", StoreID: "store-b"})
	b.Publish(TopicRunCreated, "unscoped payload")
	b.Publish(TopicActionGated, ActionEvent{ActionID: "a1", StoreID: "store-a"})
	b.Publish(TopicRunFailed, RunEvent{RunID: "r-mine", StoreID: "store-a"})

	select {
	case ev := <-sub.Ch():
		if ev.Payload.(RunEvent).RunID != "r-mine" {
			t.Fatalf("unexpected payload %#v", ev.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for store event")
	}
	select {
	case ev := <-sub.Ch():
		t.Fatalf("unexpected extra event %q", ev.Topic)
	default:
	}
}

func TestBus_CountsDroppedEvents(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	for i := 0; i < defaultBufferSize+7; i++ {
		b.Publish(TopicGoalProgress, GoalEvent{GoalID: "g"})
	}
	if got := sub.Dropped(); got != 7 {
		t.Fatalf("Dropped() = %d, want 7", got)
	}
}
