package queue

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

const (
	DriverKafka = "kafka"
	DriverStdio = "stdio"
)

// ErrMultiline is returned by line-framed producers for payloads that would
// split into more than one record.
var ErrMultiline = errors.New("queue: payload contains a newline")

// Message is one record handed to a consumer.
type Message struct {
	Topic string
	Key   []byte
	Value []byte

	// Partition and Offset are only meaningful for the kafka driver.
	Partition int
	Offset    int64

	// Timestamp is the producer time (kafka) or the receive time (stdio).
	Timestamp time.Time

	ackFn func(context.Context) error
}

// Ack marks the message processed. It is a no-op for drivers without
// delivery tracking.
func (m Message) Ack(ctx context.Context) error {
	if m.ackFn == nil {
		return nil
	}
	return m.ackFn(ctx)
}

type Consumer interface {
	Messages() <-chan Message
	Errors() <-chan error
	Close() error
}

// Producer publishes records. Records sharing a key land on the same kafka
// partition and keep their relative order.
type Producer interface {
	Publish(ctx context.Context, topic string, key []byte, payload []byte) error
	Close() error
}

type ConsumerConfig struct {
	Driver string

	Brokers []string
	Group   string
	Topics  []string
	TLS     bool

	KafkaMinBytes int
	KafkaMaxBytes int

	// Reader defaults to os.Stdin for the stdio driver.
	Reader       io.Reader
	MaxLineBytes int
}

type ProducerConfig struct {
	Driver string

	Brokers      []string
	TLS          bool
	BatchTimeout time.Duration

	// Writer defaults to os.Stdout for the stdio driver.
	Writer io.Writer
}

func NewConsumer(ctx context.Context, cfg ConsumerConfig) (Consumer, error) {
	switch normalizeDriver(cfg.Driver) {
	case DriverKafka:
		c, err := newKafkaConsumer(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return c, nil
	case DriverStdio:
		return newStdioConsumer(ctx, cfg), nil
	default:
		return nil, fmt.Errorf("unsupported queue driver %q", cfg.Driver)
	}
}

func NewProducer(cfg ProducerConfig) (Producer, error) {
	switch normalizeDriver(cfg.Driver) {
	case DriverKafka:
		p, err := newKafkaProducer(cfg)
		if err != nil {
			return nil, err
		}
		return p, nil
	case DriverStdio:
		return newStdioProducer(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported queue driver %q", cfg.Driver)
	}
}

// SplitCommaList splits a comma separated flag value, dropping blanks.
func SplitCommaList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return normalizeList(strings.Split(s, ","))
}

// ParseBool reads boolean-ish flag and env values such as "1", "yes" or "on".
func ParseBool(v string) bool {
	switch strings.TrimSpace(strings.ToLower(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func normalizeDriver(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	if v == "" {
		return DriverKafka
	}
	return v
}

func normalizeList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func tlsConfig(enabled bool) *tls.Config {
	if !enabled {
		return nil
	}
	return &tls.Config{MinVersion: tls.VersionTLS12}
}
