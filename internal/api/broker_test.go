package api

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func TestBrokerPublishSubscribe(t *testing.T) {
	b := NewBroker()
	ch := b.Subscribe(TrainingTopic)

	evt := SSEEvent{Type: "test.event", Data: map[string]any{"x": 1}}
	b.Publish(TrainingTopic, evt)
	b.Publish("other", SSEEvent{Type: "ignored"})

	select {
	case got := <-ch:
		if got.Type != evt.Type {
			t.Fatalf("got type %s, want %s", got.Type, evt.Type)
		}
		if got.Data.(map[string]any)["x"].(int) != 1 {
			t.Fatalf("bad payload: %+v", got.Data)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatal("timeout waiting for event")
	}

	b.Unsubscribe(TrainingTopic, ch)
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after unsubscribe")
	}
	// a second unsubscribe is a no-op
	b.Unsubscribe(TrainingTopic, ch)
}

func TestBrokerDropsWhenSubscriberIsSlow(t *testing.T) {
	b := NewBroker()
	ch := b.Subscribe(TrainingTopic)
	defer b.Unsubscribe(TrainingTopic, ch)
	for i := 0; i < 100; i++ {
		b.Publish(TrainingTopic, SSEEvent{Type: "tick"})
	}
	if n := len(ch); n != cap(ch) {
		t.Fatalf("buffered %d, want %d", n, cap(ch))
	}
}

func TestRedisBroker(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	b, err := NewRedisBroker(ctx, "redis://"+mr.Addr())
	if err != nil {
		t.Fatalf("NewRedisBroker: %v", err)
	}
	defer b.Close()

	ch := b.Subscribe(TrainingTopic)
	b.Publish(TrainingTopic, SSEEvent{Type: "training.progress", Data: map[string]any{"episode": 3}})

	select {
	case got := <-ch:
		if got.Type != "training.progress" {
			t.Fatalf("got type %s", got.Type)
		}
		if ep := got.Data.(map[string]any)["episode"].(float64); ep != 3 {
			t.Fatalf("episode %v", ep)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for redis event")
	}

	b.Unsubscribe(TrainingTopic, ch)
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("unexpected event after unsubscribe")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after unsubscribe")
	}
}

func TestNewRedisBrokerBadURL(t *testing.T) {
	if _, err := NewRedisBroker(context.Background(), "not-a-url"); err == nil {
		t.Fatal("expected error")
	}
}
