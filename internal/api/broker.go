package api

import (
	"sync"

	"vrpopt/internal/metrics"
	"vrpopt/internal/training"
)

// TrainingTopic carries training run events.
const TrainingTopic = "training"

type SSEEvent struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

type EventBroker interface {
	Subscribe(topic string) chan SSEEvent
	Unsubscribe(topic string, ch chan SSEEvent)
	Publish(topic string, evt SSEEvent)
}

// Broker is the in-process EventBroker. Slow subscribers drop events.
type Broker struct {
	mu   sync.Mutex
	subs map[string]map[chan SSEEvent]struct{} // topic -> set of channels
}

func NewBroker() *Broker {
	return &Broker{subs: map[string]map[chan SSEEvent]struct{}{}}
}

func (b *Broker) Subscribe(topic string) chan SSEEvent {
	ch := make(chan SSEEvent, 8)
	b.mu.Lock()
	if b.subs[topic] == nil {
		b.subs[topic] = map[chan SSEEvent]struct{}{}
	}
	b.subs[topic][ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *Broker) Unsubscribe(topic string, ch chan SSEEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := b.subs[topic]
	if _, ok := m[ch]; !ok {
		return
	}
	delete(m, ch)
	if len(m) == 0 {
		delete(b.subs, topic)
	}
	close(ch)
}

func (b *Broker) Publish(topic string, evt SSEEvent) {
	b.mu.Lock()
	for ch := range b.subs[topic] {
		select {
		case ch <- evt:
		default:
		}
	}
	b.mu.Unlock()
}

// TrainingEvents returns a training.EventFunc that updates the training
// gauges and publishes each event on TrainingTopic.
func TrainingEvents(b EventBroker) training.EventFunc {
	return func(kind string, payload any) {
		switch kind {
		case training.EventStarted:
			metrics.TrainingActive.Set(1)
		case training.EventProgress:
			if p, ok := payload.(training.Progress); ok {
				metrics.TrainingEpisodes.Inc()
				metrics.TrainingReward.Set(p.AvgReward)
				metrics.TrainingEpsilon.Set(p.Epsilon)
			}
		case training.EventCompleted, training.EventFailed:
			metrics.TrainingActive.Set(0)
		}
		if b != nil {
			b.Publish(TrainingTopic, SSEEvent{Type: kind, Data: payload})
		}
	}
}
