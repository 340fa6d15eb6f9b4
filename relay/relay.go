/*
Package relay bridges fanout across processes through Kafka.

PURPOSE:
  When several server processes share one database, a session connected to
  process A must still see events committed by process B. In kafka mode the
  outbox Dispatcher hands batches to a Publisher instead of the local
  Registry, and every process runs a Consumer that feeds the topic into its
  own Registry.

ORDERING:
  All messages carry the same key, so they land on one partition and the
  topic keeps commit order. Consumers drop any event whose seq is not past
  the last one they delivered, which absorbs redelivery and the duplicate
  publishes of processes draining the same outbox.

NO REPLAY:
  Each process reads with its own consumer group starting at the newest
  offset. Sessions re-pull projections on connect.
*/
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/warp/referral-engine/fanout"
	"github.com/warp/referral-engine/ledger"
	"github.com/warp/referral-engine/metrics"
)

const partitionKey = "referral-events"

// MessageWriter is the subset of *kafka.Writer the publisher uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// MessageReader is the subset of *kafka.Reader the consumer uses.
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// Encode turns an event into a Kafka message.
func Encode(ev ledger.Event) (kafka.Message, error) {
	value, err := json.Marshal(ev)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encode event %d: %w", ev.Seq, err)
	}
	return kafka.Message{
		Key:   []byte(partitionKey),
		Value: value,
		Time:  ev.CommittedAt,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(ev.Type)},
		},
	}, nil
}

// Decode is the inverse of Encode.
func Decode(m kafka.Message) (ledger.Event, error) {
	var ev ledger.Event
	if err := json.Unmarshal(m.Value, &ev); err != nil {
		return ledger.Event{}, fmt.Errorf("decode event at offset %d: %w", m.Offset, err)
	}
	if ev.Seq <= 0 || ev.Type == "" {
		return ledger.Event{}, fmt.Errorf("decode event at offset %d: missing seq or type", m.Offset)
	}
	return ev, nil
}

// =============================================================================
// PUBLISHER
// =============================================================================

// Publisher is a fanout.Sink that writes to Kafka.
type Publisher struct {
	writer  MessageWriter
	timeout time.Duration
}

var _ fanout.Sink = (*Publisher)(nil)

func NewPublisher(brokers []string, topic string) *Publisher {
	return NewPublisherWithWriter(&kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	})
}

func NewPublisherWithWriter(w MessageWriter) *Publisher {
	return &Publisher{writer: w, timeout: 10 * time.Second}
}

func (p *Publisher) Deliver(ctx context.Context, events []ledger.Event) error {
	if len(events) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(events))
	for _, ev := range events {
		m, err := Encode(ev)
		if err != nil {
			return err
		}
		msgs = append(msgs, m)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("publish %d events: %w", len(msgs), err)
	}
	return nil
}

func (p *Publisher) Close() error { return p.writer.Close() }

// =============================================================================
// CONSUMER
// =============================================================================

// Consumer reads the topic into a local sink, normally the Registry.
type Consumer struct {
	reader  MessageReader
	sink    fanout.Sink
	metrics *metrics.Metrics
	logger  *slog.Logger
	lastSeq int64
}

func NewConsumer(brokers []string, topic, groupID string, sink fanout.Sink, m *metrics.Metrics, logger *slog.Logger) *Consumer {
	return NewConsumerWithReader(kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		Topic:       topic,
		GroupID:     groupID,
		StartOffset: kafka.LastOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     500 * time.Millisecond,
	}), sink, m, logger)
}

func NewConsumerWithReader(r MessageReader, sink fanout.Sink, m *metrics.Metrics, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{reader: r, sink: sink, metrics: m, logger: logger}
}

// Run consumes until ctx ends or the reader fails. Undecodable messages are
// logged and skipped.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.reader.Close()
	for {
		m, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("read message: %w", err)
		}
		if err := c.handle(ctx, m); err != nil {
			c.metrics.ObserveDropped("relay")
			c.logger.Warn("relay message skipped", "offset", m.Offset, "error", err)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, m kafka.Message) error {
	ev, err := Decode(m)
	if err != nil {
		return err
	}
	if ev.Seq <= c.lastSeq {
		return nil
	}
	c.lastSeq = ev.Seq
	return c.sink.Deliver(ctx, []ledger.Event{ev})
}
