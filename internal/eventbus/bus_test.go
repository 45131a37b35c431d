package eventbus

import (
	"testing"
	"time"
)

func TestFanout(t *testing.T) {
	b := New()
	a, unsubA := b.Subscribe(4)
	c, unsubC := b.Subscribe(4)
	defer unsubC()

	Publish(b, "dispatch.completed", 1)
	for _, ch := range []<-chan Event{a, c} {
		select {
		case e := <-ch:
			if e.Type != "dispatch.completed" || e.Data != 1 || e.Time.IsZero() {
				t.Fatalf("event=%+v", e)
			}
		case <-time.After(time.Second):
			t.Fatalf("event not delivered")
		}
	}

	unsubA()
	unsubA()
	if _, ok := <-a; ok {
		t.Fatalf("channel should be closed after unsubscribe")
	}
	b.Publish(Event{Type: "after"})
	if e := <-c; e.Type != "after" {
		t.Fatalf("event=%+v", e)
	}
}

func TestSlowSubscriberDrops(t *testing.T) {
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()
	for i := 0; i < 5; i++ {
		b.Publish(Event{Type: "x"})
	}
	if got := b.Dropped(); got != 4 {
		t.Fatalf("dropped=%d", got)
	}
}

func TestNilBus(t *testing.T) {
	var b *MemBus
	b.Publish(Event{Type: "x"})
	Publish(nil, "x", nil)
}
