package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type EventType string

const (
	PredictionResolved EventType = "prediction.resolved"
	PredictionVoided   EventType = "prediction.voided"
	PrizePoolResolved  EventType = "prize_pool.resolved"
	PayoutBroadcast    EventType = "payout.broadcast"
	PayoutForfeited    EventType = "payout.forfeited"
	PayoutAlert        EventType = "payout.alert"
	DisbursementHalted EventType = "disbursement.halted"
)

// Event is a settlement notification for display-side consumers. Key is the
// prediction or prize pool id so a group's events stay ordered on one partition.
type Event struct {
	Type EventType `json:"type"`
	Key  string    `json:"key"`
	At   time.Time `json:"at"`
	Data any       `json:"data"`
}

func NewEvent(t EventType, key string, data any) Event {
	return Event{Type: t, Key: key, At: time.Now().UTC(), Data: data}
}

type Publisher interface {
	Publish(ctx context.Context, events ...Event) error
}

// WriteMessages blocks until the batch flushes, and the publisher is called
// once per disbursed batch.
const publishBatchTimeout = 10 * time.Millisecond

type KafkaPublisher struct {
	writer *kafka.Writer
	logger *zap.Logger
}

func NewKafkaPublisher(brokers []string, topic string, logger *zap.Logger) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			BatchTimeout:           publishBatchTimeout,
			RequiredAcks:           kafka.RequireOne,
			AllowAutoTopicCreation: true,
		},
		logger: logger.With(zap.String("component", "kafka_publisher"), zap.String("topic", topic)),
	}
}

func BuildMessages(events []Event) ([]kafka.Message, error) {
	msgs := make([]kafka.Message, 0, len(events))
	for _, e := range events {
		payload, err := json.Marshal(e)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to marshal %s event", e.Type)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(e.Key),
			Value: payload,
			Time:  e.At,
			Headers: []kafka.Header{
				{Key: "type", Value: []byte(e.Type)},
			},
		})
	}
	return msgs, nil
}

func (kp *KafkaPublisher) Publish(ctx context.Context, events ...Event) error {
	if len(events) == 0 {
		return nil
	}
	msgs, err := BuildMessages(events)
	if err != nil {
		return err
	}
	if err := kp.writer.WriteMessages(ctx, msgs...); err != nil {
		return errors.Wrapf(err, "failed writing %d events", len(msgs))
	}
	kp.logger.Debug("published events", zap.Int("count", len(msgs)))
	return nil
}

func (kp *KafkaPublisher) Close() error {
	return kp.writer.Close()
}

// MemoryPublisher keeps events in memory, used when no brokers are configured.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (mp *MemoryPublisher) Publish(ctx context.Context, events ...Event) error {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	mp.events = append(mp.events, events...)
	return nil
}

func (mp *MemoryPublisher) Events() []Event {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	return append([]Event(nil), mp.events...)
}

func (mp *MemoryPublisher) OfType(t EventType) []Event {
	var out []Event
	for _, e := range mp.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
