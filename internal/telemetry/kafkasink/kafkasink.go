// Package kafkasink publishes fallback telemetry events to Kafka. Publishing
// is fire-and-forget with a bounded queue: when the queue is full events are
// dropped rather than ever blocking an orchestration call.
package kafkasink

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/IBM/sarama"
)

type Event struct {
	Kind     string    `json:"kind"` // attempt_start | attempt_end | depth | complete
	Tier     string    `json:"tier,omitempty"`
	Success  bool      `json:"success,omitempty"`
	Depth    int       `json:"depth,omitempty"`
	Duration int64     `json:"duration_ms,omitempty"`
	TS       time.Time `json:"ts"`
}

type Sink struct {
	topic   string
	events  chan Event
	prod    sarama.AsyncProducer
	stopped chan struct{}
}

func New(brokers []string, topic string, queueSize int) (*Sink, error) {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.Producer.Return.Errors = true
	cfg.Producer.Return.Successes = false

	prod, err := sarama.NewAsyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("kafkasink: create async producer: %w", err)
	}
	return newWithProducer(prod, topic, queueSize), nil
}

func newWithProducer(prod sarama.AsyncProducer, topic string, queueSize int) *Sink {
	if queueSize <= 0 {
		queueSize = 1024
	}

	s := &Sink{
		topic:   topic,
		events:  make(chan Event, queueSize),
		prod:    prod,
		stopped: make(chan struct{}),
	}

	go func() {
		defer close(s.stopped)
		for ev := range s.events {
			b, err := json.Marshal(ev)
			if err != nil {
				log.Printf("kafkasink: marshal error: %v", err)
				continue
			}
			s.prod.Input() <- &sarama.ProducerMessage{
				Topic: s.topic,
				Value: sarama.ByteEncoder(b),
			}
		}
	}()

	go func() {
		for err := range s.prod.Errors() {
			if err != nil {
				log.Printf("kafkasink: producer error: %v", err)
			}
		}
	}()

	return s
}

func (s *Sink) publish(ev Event) {
	ev.TS = time.Now().UTC()
	select {
	case s.events <- ev:
	default:
		// queue full → drop silently (do NOT block the request path)
	}
}

func (s *Sink) OnAttemptStart(tier string) {
	s.publish(Event{Kind: "attempt_start", Tier: tier})
}

func (s *Sink) OnAttemptEnd(tier string, d time.Duration, success bool) {
	s.publish(Event{Kind: "attempt_end", Tier: tier, Duration: d.Milliseconds(), Success: success})
}

func (s *Sink) OnFallbackDepth(depth int) {
	s.publish(Event{Kind: "depth", Depth: depth})
}

func (s *Sink) OnComplete(tier string, total time.Duration) {
	s.publish(Event{Kind: "complete", Tier: tier, Duration: total.Milliseconds()})
}

func (s *Sink) Close() error {
	close(s.events)
	<-s.stopped

	if err := s.prod.Close(); err != nil {
		return fmt.Errorf("kafkasink: close producer: %w", err)
	}
	return nil
}
