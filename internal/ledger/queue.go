package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tokenlock/lockup/internal/queue"
)

const (
	DefaultIntentTopic  = "lockup.transfers.v1"
	DefaultOutcomeTopic = "lockup.transfer-outcomes.v1"
)

// QueueLedger publishes transfer intents for an out-of-process ledger relay.
// Every accepted transfer is pending; the relay reports outcomes back on the
// outcome topic.
type QueueLedger struct {
	producer queue.Producer
	topic    string
}

var _ Ledger = (*QueueLedger)(nil)

func NewQueueLedger(producer queue.Producer, topic string) (*QueueLedger, error) {
	if producer == nil {
		return nil, errors.New("ledger: nil producer")
	}
	topic = strings.TrimSpace(topic)
	if topic == "" {
		topic = DefaultIntentTopic
	}
	return &QueueLedger{producer: producer, topic: topic}, nil
}

func (q *QueueLedger) Transfer(ctx context.Context, req Request) (Result, error) {
	b, err := EncodeIntent(req)
	if err != nil {
		return Result{}, err
	}
	// Keyed by recipient so one recipient's intents stay ordered.
	if err := q.producer.Publish(ctx, q.topic, []byte(req.Recipient), b); err != nil {
		return Result{}, fmt.Errorf("ledger: publish intent: %w", err)
	}
	return Result{Status: StatusPending}, nil
}
