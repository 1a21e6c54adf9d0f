package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/tokenlock/lockup/internal/deposit"
	"github.com/tokenlock/lockup/internal/ledger"
	"github.com/tokenlock/lockup/internal/queue"
)

type stringListFlag []string

func (f *stringListFlag) String() string {
	if f == nil {
		return ""
	}
	return strings.Join(*f, ",")
}

func (f *stringListFlag) Set(v string) error {
	v = strings.TrimSpace(v)
	if v == "" {
		return errors.New("value must not be empty")
	}
	*f = append(*f, v)
	return nil
}

func main() {
	if err := runMain(os.Args[1:], os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func runMain(args []string, stdin io.Reader, stdout io.Writer) error {
	var payloadFiles stringListFlag
	fs := flag.NewFlagSet("lockup-publish", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	queueDriver := fs.String("queue-driver", queue.DriverKafka, "queue driver: kafka|stdio")
	queueBrokers := fs.String("queue-brokers", "", "comma-separated queue brokers (required for kafka)")
	queueTLS := fs.Bool("queue-tls", false, "use TLS for kafka brokers")
	topic := fs.String("topic", "", "queue topic (default: the topic for the payload version)")
	key := fs.String("key", "", "partition key (default: sender for deposits, transfer id for outcomes)")
	payload := fs.String("payload", "", "inline payload body")
	fs.Var(&payloadFiles, "payload-file", "payload file path (repeatable)")

	if err := fs.Parse(args); err != nil {
		return err
	}

	payloads, err := loadPayloads(strings.TrimSpace(*payload), payloadFiles, stdin)
	if err != nil {
		return err
	}
	msgs := make([]message, 0, len(payloads))
	for i, p := range payloads {
		if len(bytes.TrimSpace(p)) == 0 {
			continue
		}
		m, err := classify(p)
		if err != nil {
			return fmt.Errorf("payload %d: %w", i, err)
		}
		if t := strings.TrimSpace(*topic); t != "" {
			m.topic = t
		}
		if k := strings.TrimSpace(*key); k != "" {
			m.key = []byte(k)
		}
		msgs = append(msgs, m)
	}

	producer, err := queue.NewProducer(queue.ProducerConfig{
		Driver:  *queueDriver,
		Brokers: queue.SplitCommaList(*queueBrokers),
		TLS:     *queueTLS,
		Writer:  stdout,
	})
	if err != nil {
		return err
	}
	defer func() { _ = producer.Close() }()

	ctx := context.Background()
	for _, m := range msgs {
		if err := producer.Publish(ctx, m.topic, m.key, m.payload); err != nil {
			return err
		}
	}
	return nil
}

type message struct {
	topic   string
	key     []byte
	payload []byte
}

// classify compacts and validates raw against its declared version and picks the default
// topic and key.
func classify(raw []byte) (message, error) {
	var compact bytes.Buffer
	if err := json.Compact(&compact, bytes.TrimSpace(raw)); err != nil {
		return message{}, fmt.Errorf("parse envelope: %w", err)
	}
	p := compact.Bytes()
	var env struct {
		Version string `json:"version"`
	}
	if err := json.Unmarshal(p, &env); err != nil {
		return message{}, fmt.Errorf("parse envelope: %w", err)
	}
	switch env.Version {
	case deposit.NotificationVersionV1:
		n, err := deposit.DecodeNotification(p)
		if err != nil {
			return message{}, err
		}
		return message{topic: deposit.DefaultTopic, key: []byte(n.Sender), payload: p}, nil
	case ledger.OutcomeVersionV1:
		o, err := ledger.DecodeOutcome(p)
		if err != nil {
			return message{}, err
		}
		return message{topic: ledger.DefaultOutcomeTopic, key: o.ExternalID[:], payload: p}, nil
	default:
		return message{}, fmt.Errorf("unsupported version %q", env.Version)
	}
}

func loadPayloads(payloadInline string, payloadFiles []string, stdin io.Reader) ([][]byte, error) {
	payloads := make([][]byte, 0, len(payloadFiles)+1)
	if payloadInline != "" {
		payloads = append(payloads, []byte(payloadInline))
	}
	for _, filePath := range payloadFiles {
		b, err := os.ReadFile(filePath)
		if err != nil {
			return nil, fmt.Errorf("read payload file %q: %w", filePath, err)
		}
		payloads = append(payloads, b)
	}
	if len(payloads) > 0 {
		return payloads, nil
	}
	if stdin == nil {
		return nil, errors.New("payload is required via --payload, --payload-file, or stdin")
	}
	b, err := io.ReadAll(stdin)
	if err != nil {
		return nil, fmt.Errorf("read stdin payload: %w", err)
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return nil, errors.New("payload is required via --payload, --payload-file, or stdin")
	}
	// Stdin carries one payload per line.
	return bytes.Split(b, []byte("\n")), nil
}
