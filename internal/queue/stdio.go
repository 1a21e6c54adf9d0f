package queue

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os"
	"sync"
	"time"
)

const defaultMaxLineBytes = 1 << 20

// stdioConsumer reads newline-delimited records. Lines carry no topic, so a
// single configured topic is attributed to every record.
type stdioConsumer struct {
	msgCh chan Message
	errCh chan error

	cancel context.CancelFunc
	once   sync.Once
}

func newStdioConsumer(parent context.Context, cfg ConsumerConfig) *stdioConsumer {
	r := cfg.Reader
	if r == nil {
		r = os.Stdin
	}
	maxLine := cfg.MaxLineBytes
	if maxLine <= 0 {
		maxLine = defaultMaxLineBytes
	}
	var topic string
	if topics := normalizeList(cfg.Topics); len(topics) == 1 {
		topic = topics[0]
	}

	ctx, cancel := context.WithCancel(parent)
	c := &stdioConsumer{
		msgCh:  make(chan Message, 64),
		errCh:  make(chan error, 8),
		cancel: cancel,
	}
	go c.run(ctx, r, maxLine, topic)
	return c
}

func (c *stdioConsumer) run(ctx context.Context, r io.Reader, maxLine int, topic string) {
	defer close(c.msgCh)
	defer close(c.errCh)

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 1024), maxLine)
	var offset int64
	for sc.Scan() {
		msg := Message{
			Topic:     topic,
			Value:     append([]byte(nil), sc.Bytes()...),
			Offset:    offset,
			Timestamp: time.Now().UTC(),
		}
		offset++
		select {
		case c.msgCh <- msg:
		case <-ctx.Done():
			return
		}
	}
	if err := sc.Err(); err != nil {
		select {
		case c.errCh <- err:
		case <-ctx.Done():
		}
	}
}

func (c *stdioConsumer) Messages() <-chan Message { return c.msgCh }
func (c *stdioConsumer) Errors() <-chan error     { return c.errCh }

func (c *stdioConsumer) Close() error {
	c.once.Do(c.cancel)
	return nil
}

// stdioProducer writes one payload per line; topic and key are dropped.
type stdioProducer struct {
	mu sync.Mutex
	w  io.Writer
}

func newStdioProducer(cfg ProducerConfig) *stdioProducer {
	w := cfg.Writer
	if w == nil {
		w = os.Stdout
	}
	return &stdioProducer{w: w}
}

func (p *stdioProducer) Publish(_ context.Context, _ string, _ []byte, payload []byte) error {
	if bytes.ContainsAny(payload, "\r\n") {
		return ErrMultiline
	}
	line := make([]byte, 0, len(payload)+1)
	line = append(append(line, payload...), '\n')

	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := p.w.Write(line)
	return err
}

func (p *stdioProducer) Close() error { return nil }
