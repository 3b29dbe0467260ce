// Package events defines the structured events emitted by the auction and
// rebalancer engines and the sinks that carry them.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Event types emitted by the engines.
const (
	TypeAuctionOpened  = "auction.opened"
	TypeBidPlaced      = "auction.bid"
	TypeAuctionHalted  = "auction.halted"
	TypeAuctionSettled = "auction.settled"
	TypeTradesExecuted = "rebalance.trades"
	TypeAccountPaused  = "rebalance.account_paused"
	TypeAccountSkipped = "rebalance.account_skipped"
	TypeCycleFinished  = "rebalance.cycle_finished"
)

// Event is one structured occurrence.
type Event struct {
	ID    string                 `json:"id"`
	Type  string                 `json:"type"`
	Time  time.Time              `json:"time"`
	Attrs map[string]interface{} `json:"attrs"`
}

// New builds an event with a fresh id.
func New(typ string, at time.Time, attrs map[string]interface{}) Event {
	return Event{ID: uuid.New().String(), Type: typ, Time: at, Attrs: attrs}
}

// Sink consumes events. Publishing is best-effort; engines log and continue
// when a sink fails.
type Sink interface {
	Publish(ctx context.Context, ev Event) error
}

// LogSink writes events to the service log.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a sink that logs every event at info level.
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Publish implements Sink.
func (s *LogSink) Publish(ctx context.Context, ev Event) error {
	s.logger.Info("event",
		zap.String("event_id", ev.ID),
		zap.String("event_type", ev.Type),
		zap.Time("event_time", ev.Time),
		zap.Any("attrs", ev.Attrs))
	return nil
}

// KafkaSink publishes events to a Kafka topic.
type KafkaSink struct {
	writer *kafka.Writer
	logger *zap.Logger
}

// NewKafkaSink creates a sink writing to topic on the given brokers.
func NewKafkaSink(brokers []string, topic string, logger *zap.Logger) *KafkaSink {
	writer := &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Topic:    topic,
		Balancer: &kafka.LeastBytes{},
	}
	return &KafkaSink{writer: writer, logger: logger}
}

// Publish implements Sink.
func (s *KafkaSink) Publish(ctx context.Context, ev Event) error {
	val, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	err = s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.Type),
		Value: val,
	})
	if err != nil {
		s.logger.Error("kafka publish failed", zap.String("event_type", ev.Type), zap.Error(err))
	}
	return err
}

// Close flushes and closes the underlying writer.
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
