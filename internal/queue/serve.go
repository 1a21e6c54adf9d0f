package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"
)

// ErrPermanent marks handler errors that must not be retried.
var ErrPermanent = errors.New("queue: permanent failure")

// Handler processes one message.
type Handler func(ctx context.Context, msg Message) error

type ServeConfig struct {
	// MaxAttempts bounds handler invocations per message; <= 0 means one.
	MaxAttempts int
	RetryDelay  time.Duration

	HandleTimeout time.Duration
	AckTimeout    time.Duration

	Log *slog.Logger
}

// Serve drains c until ctx is done or the message stream closes. Every
// message is acked once the handler succeeds, fails permanently or runs out
// of attempts.
func Serve(ctx context.Context, c Consumer, h Handler, cfg ServeConfig) error {
	if c == nil || h == nil {
		return errors.New("queue: nil consumer or handler")
	}
	log := cfg.Log
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	ackTimeout := cfg.AckTimeout
	if ackTimeout <= 0 {
		ackTimeout = 5 * time.Second
	}

	msgCh := c.Messages()
	errCh := c.Errors()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if err != nil {
				log.Error("queue consume error", "err", err)
			}
		case msg, ok := <-msgCh:
			if !ok {
				return nil
			}
			if err := handleWithRetry(ctx, h, msg, attempts, cfg.RetryDelay, cfg.HandleTimeout); err != nil {
				log.Error("handle queue message", "topic", msg.Topic, "err", err)
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			actx, cancel := context.WithTimeout(context.Background(), ackTimeout)
			if err := msg.Ack(actx); err != nil {
				log.Error("ack queue message", "topic", msg.Topic, "err", err)
			}
			cancel()
		}
	}
}

func handleWithRetry(ctx context.Context, h Handler, msg Message, attempts int, delay, timeout time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 && delay > 0 {
			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}
		hctx, cancel := ctx, context.CancelFunc(func() {})
		if timeout > 0 {
			hctx, cancel = context.WithTimeout(ctx, timeout)
		}
		err = h(hctx, msg)
		cancel()
		if err == nil || errors.Is(err, ErrPermanent) {
			return err
		}
	}
	return err
}

// ByVersion routes JSON payloads on their "version" field. Blank lines are
// skipped; unknown versions and undecodable payloads fail permanently.
func ByVersion(routes map[string]Handler) Handler {
	return func(ctx context.Context, msg Message) error {
		line := bytes.TrimSpace(msg.Value)
		if len(line) == 0 {
			return nil
		}
		var env struct {
			Version string `json:"version"`
		}
		if err := json.Unmarshal(line, &env); err != nil {
			return fmt.Errorf("%w: parse envelope: %v", ErrPermanent, err)
		}
		h, ok := routes[env.Version]
		if !ok {
			return fmt.Errorf("%w: unknown version %q", ErrPermanent, env.Version)
		}
		msg.Value = line
		return h(ctx, msg)
	}
}
