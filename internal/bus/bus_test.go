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

func TestBus_PrefixAndExactSubscriptions(t *testing.T) {
	b := New()
	folders := b.Subscribe(folderTopicPrefix)
	f1 := b.Subscribe(FolderTopic("f1"), Exact())
	all := b.Subscribe("")
	defer b.Unsubscribe(folders)
	defer b.Unsubscribe(f1)
	defer b.Unsubscribe(all)

	if n := b.Publish(FolderTopic("f10"), KindTaskStarted); n != 2 {
		t.Fatalf("f10 delivered to %d subscribers, want 2", n)
	}
	if n := b.Publish(FolderTopic("f1"), KindTaskCompleted); n != 3 {
		t.Fatalf("f1 delivered to %d subscribers, want 3", n)
	}
	b.Publish(TopicObjectAdded, ObjectAddedEvent{EventID: "e1"})

	if ev := recv(t, f1); ev.Topic != FolderTopic("f1") || ev.Payload != KindTaskCompleted {
		t.Fatalf("exact subscriber got %+v", ev)
	}
	if n := drain(f1); n != 0 {
		t.Fatalf("exact subscriber saw %d extra events", n)
	}
	if n := drain(folders); n != 2 {
		t.Fatalf("folder prefix subscriber saw %d events, want 2", n)
	}
	if n := drain(all); n != 3 {
		t.Fatalf("catch-all subscriber saw %d events, want 3", n)
	}
}

func TestBus_FullSubscriberMissesWithoutBlocking(t *testing.T) {
	b := New()
	slow := b.Subscribe(FolderTopic("f1"), Exact(), WithBuffer(2))
	fast := b.Subscribe(FolderTopic("f1"), Exact())
	defer b.Unsubscribe(slow)
	defer b.Unsubscribe(fast)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := range 5 {
			b.Publish(FolderTopic("f1"), i)
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}

	if n := drain(slow); n != 2 {
		t.Fatalf("slow subscriber received %d, want 2", n)
	}
	if slow.Missed() != 3 || fast.Missed() != 0 {
		t.Fatalf("missed slow=%d fast=%d, want 3 and 0", slow.Missed(), fast.Missed())
	}
	if b.Dropped() != 3 {
		t.Fatalf("bus dropped = %d, want 3", b.Dropped())
	}
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	b := New()
	sub := b.Subscribe(TopicObjectAdded, Exact())
	if b.SubscriberCount() != 1 {
		t.Fatalf("count = %d, want 1", b.SubscriberCount())
	}

	b.Unsubscribe(sub)
	b.Unsubscribe(sub)
	b.Unsubscribe(nil)

	if b.SubscriberCount() != 0 {
		t.Fatalf("count = %d, want 0", b.SubscriberCount())
	}
	if _, ok := <-sub.Ch(); ok {
		t.Fatal("expected closed channel")
	}
	if n := b.Publish(TopicObjectAdded, nil); n != 0 {
		t.Fatalf("delivered to %d after unsubscribe", n)
	}
}

func TestBus_ConcurrentPublishAndUnsubscribe(t *testing.T) {
	b := New()
	keep := b.Subscribe(folderTopicPrefix, WithBuffer(1000))
	defer b.Unsubscribe(keep)

	const publishers, perPublisher = 10, 20
	var wg sync.WaitGroup
	for p := range publishers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range perPublisher {
				b.Publish(FolderTopic("f1"), p*100+i)
			}
		}()
	}
	// Churn other subscribers while publishing.
	for range 20 {
		b.Unsubscribe(b.Subscribe(FolderTopic("f1"), Exact(), WithBuffer(1)))
	}
	wg.Wait()

	if n := drain(keep); n != publishers*perPublisher {
		t.Fatalf("received %d events, want %d", n, publishers*perPublisher)
	}
}
