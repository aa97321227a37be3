// Package webhooks delivers signed training events to an operator webhook.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"vrpopt/internal/config"
	"vrpopt/internal/metrics"
	"vrpopt/internal/training"
)

// Delivery is one queued webhook call.
type Delivery struct {
	EventType string
	Payload   []byte
}

// Notifier queues events and posts them from a single worker goroutine
// with exponential backoff. A nil *Notifier drops everything.
type Notifier struct {
	URL         string
	Secret      string
	HTTP        *http.Client
	MaxAttempts int

	queue   chan Delivery
	backoff func(attempt int) time.Duration
}

// NewNotifier returns nil when no webhook URL is configured.
func NewNotifier(c config.Notify) *Notifier {
	if c.WebhookURL == "" {
		return nil
	}
	max := c.MaxAttempts
	if max <= 0 {
		max = 5
	}
	return &Notifier{
		URL:         c.WebhookURL,
		Secret:      c.WebhookSecret,
		HTTP:        &http.Client{Timeout: 5 * time.Second},
		MaxAttempts: max,
		queue:       make(chan Delivery, 64),
		backoff:     nextBackoff,
	}
}

// TrainingEvent is a training.EventFunc that forwards run outcomes.
func (n *Notifier) TrainingEvent(kind string, payload any) {
	switch kind {
	case training.EventCompleted, training.EventFailed:
		n.Emit(kind, payload)
	}
}

// Emit enqueues an event without blocking. When the queue is full the event
// is dropped and logged.
func (n *Notifier) Emit(eventType string, data any) {
	if n == nil {
		return
	}
	body, err := json.Marshal(map[string]any{
		"id":   "evt_" + uuid.NewString(),
		"type": eventType,
		"ts":   time.Now().UTC().Format(time.RFC3339),
		"data": data,
	})
	if err != nil {
		log.WithError(err).WithField("type", eventType).Warn("webhook: encode event")
		return
	}
	select {
	case n.queue <- Delivery{EventType: eventType, Payload: body}:
	default:
		metrics.WebhookDeliveries.WithLabelValues("dropped").Inc()
		log.WithField("type", eventType).Warn("webhook: queue full, event dropped")
	}
}

// Run delivers queued events until ctx ends.
func (n *Notifier) Run(ctx context.Context) {
	if n == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case d := <-n.queue:
			n.deliverWithRetry(ctx, d)
		}
	}
}

func (n *Notifier) deliverWithRetry(ctx context.Context, d Delivery) {
	lg := log.WithFields(log.Fields{"type": d.EventType, "url": n.URL})
	for attempt := 0; attempt < n.MaxAttempts; attempt++ {
		code, err := n.deliver(ctx, d)
		if err == nil {
			metrics.WebhookDeliveries.WithLabelValues("ok").Inc()
			lg.WithField("attempt", attempt+1).Debug("webhook delivered")
			return
		}
		lg.WithError(err).WithFields(log.Fields{"attempt": attempt + 1, "code": code}).Warn("webhook delivery failed")
		if attempt+1 == n.MaxAttempts {
			break
		}
		timer := time.NewTimer(n.backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
	metrics.WebhookDeliveries.WithLabelValues("failed").Inc()
}

func (n *Notifier) deliver(ctx context.Context, d Delivery) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(d.Payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Type", d.EventType)
	if n.Secret != "" {
		req.Header.Set("X-Signature", SignHMAC(n.Secret, d.Payload))
	}
	resp, err := n.HTTP.Do(req)
	if err != nil {
		return 0, err
	}
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("status %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

func nextBackoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 10 {
		attempt = 10
	}
	d := time.Second * time.Duration(1<<attempt)
	if d > 5*time.Minute {
		d = 5 * time.Minute
	}
	return d
}

// SignHMAC returns lowercase hex of HMAC-SHA256 over body.
func SignHMAC(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyHMAC checks a signature produced by SignHMAC.
func VerifyHMAC(secret string, body []byte, provided string) bool {
	b, err := hex.DecodeString(provided)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), b)
}
