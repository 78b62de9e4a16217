package kafkasink

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
)

func newMockSink(t *testing.T, expected int) (*Sink, *mocks.AsyncProducer) {
	t.Helper()
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Errors = true
	prod := mocks.NewAsyncProducer(t, cfg)
	for i := 0; i < expected; i++ {
		prod.ExpectInputAndSucceed()
	}
	return newWithProducer(prod, "fallback-telemetry", 8), prod
}

func TestSink_PublishesTierEvents(t *testing.T) {
	s, _ := newMockSink(t, 4)

	s.OnAttemptStart("effis-fwi")
	s.OnAttemptEnd("effis-fwi", 120*time.Millisecond, false)
	s.OnFallbackDepth(2)
	s.OnComplete("regional", 400*time.Millisecond)

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestSink_EventShape(t *testing.T) {
	ev := Event{Kind: "attempt_end", Tier: "cache", Duration: 12, Success: true, TS: time.Now().UTC()}
	b, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var round map[string]any
	if err := json.Unmarshal(b, &round); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if round["kind"] != "attempt_end" || round["tier"] != "cache" {
		t.Fatalf("unexpected shape: %v", round)
	}
}

func TestSink_DropsWhenQueueFull(t *testing.T) {
	// No expectations registered: nothing may reach the producer.
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Errors = true
	prod := mocks.NewAsyncProducer(t, cfg)

	s := &Sink{
		topic:   "fallback-telemetry",
		events:  make(chan Event), // unbuffered and never drained
		prod:    prod,
		stopped: make(chan struct{}),
	}

	done := make(chan struct{})
	go func() {
		s.OnFallbackDepth(1) // must not block
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("publish blocked on a full queue")
	}

	if err := prod.Close(); err != nil {
		t.Fatalf("producer close: %v", err)
	}
}
