package bus

import (
	"sync"
	"testing"
	"time"
)

func recv(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev := <-sub.Ch():
		return ev
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
		return Event{}
	}
}

func expectQuiet(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case ev := <-sub.Ch():
		t.Fatalf("unexpected event: %v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func drain(sub *Subscription) int {
	n := 0
	for {
		select {
		case <-sub.Ch():
			n++
		default:
			return n
		}
	}
}

func TestPublishReachesSubscriber(t *testing.T) {
	b := New()
	sub := b.Subscribe("guard")
	defer b.Unsubscribe(sub)

	b.Publish(TopicGuardBlocked, GuardBlockedEvent{Pack: "core.filesystem"})

	ev := recv(t, sub)
	if ev.Topic != TopicGuardBlocked {
		t.Fatalf("topic = %q, want %q", ev.Topic, TopicGuardBlocked)
	}
	payload, ok := ev.Payload.(GuardBlockedEvent)
	if !ok || payload.Pack != "core.filesystem" {
		t.Fatalf("payload = %#v", ev.Payload)
	}
}

func TestPrefixFiltering(t *testing.T) {
	b := New()
	taskSub := b.Subscribe("task.")
	defer b.Unsubscribe(taskSub)
	allSub := b.Subscribe("")
	defer b.Unsubscribe(allSub)

	b.Publish(TopicTaskStateChanged, TaskStateChangedEvent{TaskID: "t1"})
	b.Publish(TopicHeartbeat, nil)

	if ev := recv(t, taskSub); ev.Topic != TopicTaskStateChanged {
		t.Fatalf("task subscriber got %q", ev.Topic)
	}
	// The heartbeat does not match the task prefix.
	expectQuiet(t, taskSub)

	if got := drain(allSub); got != 2 {
		t.Fatalf("empty-prefix subscriber got %d events, want 2", got)
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	b := New()
	sub := b.Subscribe("turn")
	defer b.Unsubscribe(sub)

	// Overfill the buffer; the extra publishes must drop, not stall.
	for i := 0; i < subscriptionBuffer+10; i++ {
		b.Publish(TopicTurnStarted, i)
	}
	if got := drain(sub); got != subscriptionBuffer {
		t.Fatalf("drained %d events, want buffer size %d", got, subscriptionBuffer)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	sub := b.Subscribe("integrity")
	if n := b.SubscriberCount(); n != 1 {
		t.Fatalf("count = %d, want 1", n)
	}

	b.Unsubscribe(sub)
	if n := b.SubscriberCount(); n != 0 {
		t.Fatalf("count = %d, want 0", n)
	}
	if _, open := <-sub.Ch(); open {
		t.Fatal("channel still open after unsubscribe")
	}

	// Double unsubscribe and nil must both be harmless.
	b.Unsubscribe(sub)
	b.Unsubscribe(nil)
}

func TestFanoutToMultipleSubscribers(t *testing.T) {
	b := New()
	first := b.Subscribe("compaction")
	second := b.Subscribe("compaction")
	defer b.Unsubscribe(first)
	defer b.Unsubscribe(second)

	b.Publish(TopicCompactionDone, CompactionEvent{ThreadID: "th1"})

	for _, sub := range []*Subscription{first, second} {
		ev := recv(t, sub)
		if got := ev.Payload.(CompactionEvent).ThreadID; got != "th1" {
			t.Fatalf("thread id = %q", got)
		}
	}
}

func TestConcurrentPublishers(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	const publishers = 10
	const each = 5

	var wg sync.WaitGroup
	wg.Add(publishers)
	for g := 0; g < publishers; g++ {
		go func(id int) {
			defer wg.Done()
			for i := 0; i < each; i++ {
				b.Publish("concurrent", id*100+i)
			}
		}(g)
	}
	wg.Wait()

	if got := drain(sub); got != publishers*each {
		t.Fatalf("received %d events, want %d", got, publishers*each)
	}
}
