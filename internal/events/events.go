// Package events records order lifecycle transitions to an append-only log.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// Type names a lifecycle transition.
type Type string

const (
	TypePreparing   Type = "order.preparing"
	TypeCompleted   Type = "order.completed"
	TypeReceived    Type = "order.received"
	TypeAutoExpired Type = "order.auto_expired"
)

// Event is one committed transition.
type Event struct {
	Type         Type      `json:"type"`
	OrderID      string    `json:"orderId"`
	Status       string    `json:"status"`
	PickupNumber string    `json:"pickupNumber,omitempty"`
	Actor        string    `json:"actor,omitempty"`
	ActorID      string    `json:"actorId,omitempty"`
	TS           time.Time `json:"ts"`
}

type Writer interface {
	Append(e Event) error
}

// Discard drops every event.
var Discard Writer = discard{}

type discard struct{}

func (discard) Append(Event) error { return nil }

// MultiWriter fans out writes to multiple underlying writers.
type MultiWriter struct {
	writers []Writer
}

func NewMultiWriter(ws ...Writer) *MultiWriter {
	return &MultiWriter{writers: ws}
}

// Append writes to every writer and returns the first error; later writers still run.
func (m *MultiWriter) Append(e Event) error {
	var first error
	for _, w := range m.writers {
		if err := w.Append(e); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// FileWriter appends JSON lines to a file.
type FileWriter struct {
	mu   sync.Mutex
	path string
}

func NewFileWriter(dir string, filename string) (*FileWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir: %w", err)
	}
	return &FileWriter{path: filepath.Join(dir, filename)}, nil
}

func (w *FileWriter) Append(e Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer f.Close()
	if err := json.NewEncoder(f).Encode(&e); err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	return nil
}

// KafkaWriter publishes events to a Kafka topic keyed by order id, so the events of
// one order stay on one partition.
type KafkaWriter struct {
	writer  kafkaMessageWriter
	timeout time.Duration
}

// kafkaMessageWriter abstracts kafka.Writer for testability.
type kafkaMessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// NewKafkaWriter creates a Kafka writer.
// bootstrap can be a comma-separated list of host:port. Messages are batched and sent in
// the background so a slow broker never delays a transition; delivery failures are
// logged. Close flushes what is still queued.
func NewKafkaWriter(bootstrap string, topic string) *KafkaWriter {
	var brokers []string
	for _, a := range strings.Split(bootstrap, ",") {
		if a = strings.TrimSpace(a); a != "" {
			brokers = append(brokers, a)
		}
	}
	return &KafkaWriter{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			Async:        true,
			Completion: func(msgs []kafka.Message, err error) {
				if err != nil {
					log.Printf("events: kafka delivery of %d message(s) to %s: %v", len(msgs), topic, err)
				}
			},
		},
		timeout: 5 * time.Second,
	}
}

// NewKafkaWriterWith is only for tests to inject a fake writer.
func NewKafkaWriterWith(w kafkaMessageWriter) *KafkaWriter {
	return &KafkaWriter{writer: w, timeout: time.Second}
}

func (k *KafkaWriter) Append(e Event) error {
	b, err := json.Marshal(&e)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), k.timeout)
	defer cancel()
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:     []byte(e.OrderID),
		Value:   b,
		Headers: []kafka.Header{{Key: "type", Value: []byte(e.Type)}},
	})
}

// Close flushes and closes the underlying kafka writer.
func (k *KafkaWriter) Close() error {
	if c, ok := k.writer.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
