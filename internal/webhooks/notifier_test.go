package webhooks

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"vrpopt/internal/config"
	"vrpopt/internal/training"
)

func testNotifier(url string, attempts int) *Notifier {
	n := NewNotifier(config.Notify{WebhookURL: url, WebhookSecret: "secret", MaxAttempts: attempts})
	n.backoff = func(int) time.Duration { return time.Millisecond }
	return n
}

func TestNotifierDisabledWithoutURL(t *testing.T) {
	n := NewNotifier(config.Notify{})
	if n != nil {
		t.Fatal("expected nil notifier")
	}
	// nil receivers are no-ops
	n.Emit("x", nil)
	n.TrainingEvent(training.EventCompleted, nil)
	n.Run(context.Background())
}

func TestDeliverySignedAndTyped(t *testing.T) {
	var (
		mu      sync.Mutex
		gotSig  string
		gotType string
		gotBody []byte
	)
	got := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotSig = r.Header.Get("X-Signature")
		gotType = r.Header.Get("X-Event-Type")
		gotBody, _ = io.ReadAll(r.Body)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
		got <- struct{}{}
	}))
	defer srv.Close()

	n := testNotifier(srv.URL, 3)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go n.Run(ctx)

	n.TrainingEvent(training.EventProgress, training.Progress{Episode: 1})
	n.TrainingEvent(training.EventCompleted, map[string]any{"model_name": "m"})

	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("webhook not called")
	}
	mu.Lock()
	defer mu.Unlock()
	if gotType != training.EventCompleted {
		t.Fatalf("event type %q", gotType)
	}
	if !VerifyHMAC("secret", gotBody, gotSig) {
		t.Fatalf("bad signature %q", gotSig)
	}
}

func TestDeliveryRetriesThenGivesUp(t *testing.T) {
	var (
		mu    sync.Mutex
		calls int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := testNotifier(srv.URL, 3)
	n.deliverWithRetry(context.Background(), Delivery{EventType: "training.failed", Payload: []byte(`{}`)})
	mu.Lock()
	defer mu.Unlock()
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestDeliveryRecoversAfterFailure(t *testing.T) {
	var (
		mu    sync.Mutex
		calls int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		first := calls == 1
		mu.Unlock()
		if first {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := testNotifier(srv.URL, 5)
	n.deliverWithRetry(context.Background(), Delivery{EventType: "training.completed", Payload: []byte(`{}`)})
	mu.Lock()
	defer mu.Unlock()
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
}

func TestBackoffIsCapped(t *testing.T) {
	if d := nextBackoff(0); d != time.Second {
		t.Fatalf("first backoff %v", d)
	}
	if d := nextBackoff(50); d != 5*time.Minute {
		t.Fatalf("capped backoff %v", d)
	}
}
