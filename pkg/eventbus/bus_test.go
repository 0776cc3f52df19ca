package eventbus

import "testing"

func TestPublishFansOutToSubscribers(t *testing.T) {
	t.Parallel()
	b := New()
	a, unsubA := b.Subscribe(4)
	defer unsubA()
	c, unsubC := b.Subscribe(4)
	defer unsubC()

	b.Publish(Event{Type: "task.finished", Data: 1})

	for _, ch := range []<-chan Event{a, c} {
		select {
		case e := <-ch:
			if e.Type != "task.finished" || e.Time.IsZero() {
				t.Fatalf("unexpected event: %+v", e)
			}
		default:
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestSubscribePrefixFilters(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.SubscribePrefix("task.", 4)
	defer unsub()

	b.Publish(Event{Type: "config.reloaded"})
	b.Publish(Event{Type: "task.failed"})

	select {
	case e := <-ch:
		if e.Type != "task.failed" {
			t.Fatalf("got %q, want task.failed", e.Type)
		}
	default:
		t.Fatal("expected task.failed")
	}
	select {
	case e := <-ch:
		t.Fatalf("unexpected extra event %q", e.Type)
	default:
	}
}

func TestSlowSubscriberDropsWithoutBlocking(t *testing.T) {
	t.Parallel()
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	for i := 0; i < 5; i++ {
		b.Publish(Event{Type: "x"})
	}
	st := b.Stats()
	if st.Published != 5 || st.Delivered != 1 || st.Dropped != 4 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed")
	}
	b.Publish(Event{Type: "after"})
	if got := b.Stats().Subscribers; got != 0 {
		t.Fatalf("Subscribers = %d, want 0", got)
	}
}
