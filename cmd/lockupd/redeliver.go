package main

import (
	"context"
	"log/slog"
	"time"
)

type redeliverer interface {
	Redeliver(ctx context.Context, limit int) (int, error)
}

// redeliverLoop resends up to limit pending transfers every interval until
// ctx is done. A record left pending by a ledger outage keeps its account
// busy, so this is what frees it once the ledger is back.
func redeliverLoop(ctx context.Context, r redeliverer, interval time.Duration, limit int, log *slog.Logger) {
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := r.Redeliver(ctx, limit)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Error("redeliver pending transfers", "err", err)
				continue
			}
			if n > 0 {
				log.Info("redelivered pending transfers", "count", n)
			}
		}
	}
}
