package bus

import (
	"sync"
	"testing"
	"time"
)

func TestBus_PublishSubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe("control")
	defer b.Unsubscribe(sub)

	b.Publish("control.action", "pause")

	select {
	case event := <-sub.Ch():
		if event.Topic != "control.action" {
			t.Fatalf("topic = %q, want %q", event.Topic, "control.action")
		}
		if event.Payload != "pause" {
			t.Fatalf("payload = %v, want %q", event.Payload, "pause")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestBus_PrefixMatching(t *testing.T) {
	b := New()

	questionSub := b.Subscribe("question.")
	defer b.Unsubscribe(questionSub)

	allSub := b.Subscribe("")
	defer b.Unsubscribe(allSub)

	b.Publish("question.enqueued", "q-0001")
	b.Publish("confirmation.created", "req-1")

	select {
	case event := <-questionSub.Ch():
		if event.Topic != "question.enqueued" {
			t.Fatalf("topic = %q, want question.enqueued", event.Topic)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for question event")
	}

	select {
	case event := <-questionSub.Ch():
		t.Fatalf("unexpected event on questionSub: %v", event)
	case <-time.After(50 * time.Millisecond):
	}

	// The catch-all subscriber sees both, in publish order.
	for _, want := range []string{"question.enqueued", "confirmation.created"} {
		select {
		case event := <-allSub.Ch():
			if event.Topic != want {
				t.Fatalf("topic = %q, want %q", event.Topic, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for %s", want)
		}
	}
}

func TestBus_SlowSubscriberDropsEvents(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	// Overflow the buffer without draining. Publish must not block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < defaultBufferSize*2; i++ {
			b.Publish("control.action", i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}

	received := 0
	for {
		select {
		case <-sub.Ch():
			received++
		default:
			if received != defaultBufferSize {
				t.Fatalf("received %d events, want %d", received, defaultBufferSize)
			}
			return
		}
	}
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	b.Unsubscribe(sub)

	if _, ok := <-sub.Ch(); ok {
		t.Fatal("channel still open after unsubscribe")
	}
	if n := b.SubscriberCount(); n != 0 {
		t.Fatalf("subscriber count = %d, want 0", n)
	}

	// Double unsubscribe must not panic.
	b.Unsubscribe(sub)
}

func TestBus_ConcurrentPublish(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 4; j++ {
				b.Publish("control.action", j)
			}
		}()
	}
	wg.Wait()

	received := 0
	for {
		select {
		case <-sub.Ch():
			received++
		default:
			if received != 32 {
				t.Fatalf("received %d events, want 32", received)
			}
			return
		}
	}
}
