package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tokenlock/lockup/internal/deposit"
	"github.com/tokenlock/lockup/internal/ledger"
	"github.com/tokenlock/lockup/internal/lockup"
	"github.com/tokenlock/lockup/internal/queue"
)

type depositor interface {
	OnTransfer(ctx context.Context, n deposit.Notification) (deposit.Result, error)
}

type resolver interface {
	Resolve(ctx context.Context, o ledger.Outcome) (lockup.Transfer, error)
}

// newQueueHandler routes deposit notifications and ledger outcomes. Messages
// that can never succeed are failed permanently so they are acked, not
// retried.
func newQueueHandler(deposits depositor, settle resolver, log *slog.Logger) queue.Handler {
	return queue.ByVersion(map[string]queue.Handler{
		deposit.NotificationVersionV1: func(ctx context.Context, msg queue.Message) error {
			n, err := deposit.DecodeNotification(msg.Value)
			if err != nil {
				return fmt.Errorf("%w: %v", queue.ErrPermanent, err)
			}
			res, err := deposits.OnTransfer(ctx, n)
			if err != nil {
				if rejectedDeposit(err) {
					log.Warn("rejected deposit notification", "sender", n.Sender, "amount", n.Amount.Dec(), "err", err)
					return fmt.Errorf("%w: %v", queue.ErrPermanent, err)
				}
				return err
			}
			log.Info("deposit notification applied",
				"sender", n.Sender,
				"receipt", n.ReceiptID,
				"lockups", len(res.Indices),
				"replayed", res.Replayed,
			)
			return nil
		},
		ledger.OutcomeVersionV1: func(ctx context.Context, msg queue.Message) error {
			o, err := ledger.DecodeOutcome(msg.Value)
			if err != nil {
				return fmt.Errorf("%w: %v", queue.ErrPermanent, err)
			}
			if _, err := settle.Resolve(ctx, o); err != nil {
				if errors.Is(err, lockup.ErrNotFound) || errors.Is(err, ledger.ErrInvalidMessage) {
					return fmt.Errorf("%w: %v", queue.ErrPermanent, err)
				}
				return err
			}
			return nil
		},
	})
}

func rejectedDeposit(err error) bool {
	return errors.Is(err, lockup.ErrValidation) ||
		errors.Is(err, lockup.ErrUnauthorized) ||
		errors.Is(err, lockup.ErrDepositMismatch) ||
		errors.Is(err, deposit.ErrInvalidToken)
}
