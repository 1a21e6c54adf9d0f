package settlement

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/tokenlock/lockup/internal/blobstore"
	"github.com/tokenlock/lockup/internal/idempotency"
	"github.com/tokenlock/lockup/internal/ledger"
	"github.com/tokenlock/lockup/internal/lockup"
	"github.com/tokenlock/lockup/internal/metrics"
	"github.com/tokenlock/lockup/internal/schedule"
)

var ErrInvalidConfig = errors.New("settlement: invalid config")

const (
	// DefaultCompactBatch is the number of trailing lockups Compact pops when
	// no bound is given.
	DefaultCompactBatch = 900

	defaultSendTimeout = 30 * time.Second
)

type Config struct {
	// Operators may administer the deposit allow-list regardless of
	// membership.
	Operators []string

	MaxLockupsPerClaim int
	SendTimeout        time.Duration

	Now   func() time.Time
	Nonce func() [16]byte
}

// Principal identifies the caller of an administrative operation.
type Principal struct {
	Account  string
	Operator bool
}

// Coordinator runs the claim and termination refund protocols against the
// registry and the external ledger.
type Coordinator struct {
	cfg Config

	log     *slog.Logger
	store   lockup.Store
	ledger  ledger.Ledger
	reports blobstore.Store
}

// New returns a Coordinator. reports is optional; without it failed refunds
// are only logged.
func New(cfg Config, store lockup.Store, l ledger.Ledger, reports blobstore.Store, log *slog.Logger) (*Coordinator, error) {
	if store == nil || l == nil {
		return nil, fmt.Errorf("%w: nil store/ledger", ErrInvalidConfig)
	}
	if cfg.MaxLockupsPerClaim < 0 {
		return nil, fmt.Errorf("%w: MaxLockupsPerClaim must be >= 0", ErrInvalidConfig)
	}
	if cfg.MaxLockupsPerClaim == 0 {
		cfg.MaxLockupsPerClaim = lockup.DefaultMaxLockupsPerClaim
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Nonce == nil {
		cfg.Nonce = idempotency.NewNonce
	}
	ops := make([]string, 0, len(cfg.Operators))
	for _, op := range cfg.Operators {
		if op = strings.TrimSpace(op); op != "" {
			ops = append(ops, op)
		}
	}
	cfg.Operators = ops
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Coordinator{cfg: cfg, log: log, store: store, ledger: l, reports: reports}, nil
}

// Claim reserves everything claimable for account and asks the ledger to pay
// it. The returned record is committed, rolled back, or still pending when
// the ledger has not settled yet.
func (c *Coordinator) Claim(ctx context.Context, account string) (lockup.Transfer, error) {
	account = strings.TrimSpace(account)
	if account == "" {
		return lockup.Transfer{}, fmt.Errorf("%w: missing account", lockup.ErrValidation)
	}

	id := idempotency.TransferIDV1(lockup.TransferKindClaim.String(), account, c.cfg.Nonce())
	t, err := c.store.ReserveClaim(ctx, lockup.ClaimRequest{
		ID:         id,
		ExternalID: idempotency.ExternalIDV1(id, 0),
		Account:    account,
		Now:        c.cfg.Now().Unix(),
		MaxLockups: c.cfg.MaxLockupsPerClaim,
	})
	if err != nil {
		return lockup.Transfer{}, err
	}
	metrics.ReportClaim(metrics.OutcomeReserved)
	c.log.Info("reserved claim",
		"transfer_id", hexID(t.ID),
		"account", t.Account,
		"amount", t.Amount.Dec(),
		"lockups", len(t.Items),
	)
	return c.send(ctx, t)
}

// Terminate terminates the lockup at index on behalf of caller and pays the
// unvested amount back to caller. The truncation persists even when the
// refund fails.
func (c *Coordinator) Terminate(ctx context.Context, caller string, index lockup.Index, reveal schedule.Schedule) (lockup.TerminateResult, error) {
	caller = strings.TrimSpace(caller)
	if caller == "" {
		return lockup.TerminateResult{}, fmt.Errorf("%w: missing caller", lockup.ErrValidation)
	}

	id := idempotency.TransferIDV1(lockup.TransferKindTerminationRefund.String(), caller, c.cfg.Nonce())
	res, err := c.store.TerminateLockup(ctx, lockup.TerminateRequest{
		Index:            index,
		Caller:           caller,
		Reveal:           reveal,
		Now:              c.cfg.Now().Unix(),
		RefundID:         id,
		RefundExternalID: idempotency.ExternalIDV1(id, 0),
	})
	if err != nil {
		return lockup.TerminateResult{}, err
	}
	c.log.Info("terminated lockup",
		"index", index,
		"account", res.Lockup.Account,
		"terminator", caller,
		"unvested", res.Unvested.Dec(),
	)
	if res.Refund == nil {
		return res, nil
	}

	t, err := c.send(ctx, *res.Refund)
	res.Refund = &t
	return res, err
}

// RetryRefund resends a failed termination refund under a fresh attempt.
func (c *Coordinator) RetryRefund(ctx context.Context, id [32]byte) (lockup.Transfer, error) {
	cur, err := c.store.GetTransfer(ctx, id)
	if err != nil {
		return lockup.Transfer{}, err
	}
	t, err := c.store.RetryTransfer(ctx, id, idempotency.ExternalIDV1(id, cur.Attempt+1))
	if err != nil {
		return lockup.Transfer{}, err
	}
	metrics.ReportRefund(metrics.OutcomeRetried)
	c.log.Info("retrying refund", "transfer_id", hexID(t.ID), "attempt", t.Attempt)
	return c.send(ctx, t)
}

// Redeliver resends up to limit pending records under their current external
// id. The ledger pays at most once per external id, so this is safe after a
// restart that lost in-flight requests.
func (c *Coordinator) Redeliver(ctx context.Context, limit int) (int, error) {
	pending, err := c.store.ListTransfersByState(ctx, lockup.TransferStatePending, limit)
	if err != nil {
		return 0, err
	}
	for _, t := range pending {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		// Definite failures were already settled by send.
		if _, err := c.send(ctx, t); err != nil && !errors.Is(err, lockup.ErrExternalTransferFailed) {
			return 0, err
		}
	}
	return len(pending), nil
}

// Resolve applies an asynchronous ledger outcome. Outcomes for unknown
// external ids return lockup.ErrNotFound; outcomes for a superseded attempt
// or an already settled record are ignored.
func (c *Coordinator) Resolve(ctx context.Context, o ledger.Outcome) (lockup.Transfer, error) {
	t, err := c.store.GetTransferByExternalID(ctx, o.ExternalID)
	if err != nil {
		return lockup.Transfer{}, err
	}
	if t.ExternalID != o.ExternalID {
		metrics.ReportClaimOrRefund(t.Kind == lockup.TransferKindClaim, metrics.OutcomeStale)
		c.log.Warn("ignoring outcome for superseded attempt",
			"transfer_id", hexID(t.ID),
			"external_id", hexID(o.ExternalID),
			"status", o.Status.String(),
		)
		return t, nil
	}
	if t.State != lockup.TransferStatePending {
		if conflicting(t.State, o.Status) {
			c.log.Error("ledger outcome conflicts with settled record",
				"transfer_id", hexID(t.ID),
				"state", t.State.String(),
				"status", o.Status.String(),
			)
			c.report(ctx, "outcome-conflicts", t, fmt.Sprintf("ledger reported %s for %s record: %s", o.Status, t.State, o.Reason))
		}
		return t, nil
	}

	switch o.Status {
	case ledger.StatusSucceeded:
		return c.commit(ctx, t)
	case ledger.StatusFailed:
		t, err = c.fail(ctx, t, o.Reason)
		if errors.Is(err, lockup.ErrExternalTransferFailed) {
			return t, nil
		}
		return t, err
	default:
		return lockup.Transfer{}, fmt.Errorf("%w: outcome must be final, got %s", ledger.ErrInvalidMessage, o.Status)
	}
}

// Seize forfeits every unclaimed lockup of accounts and reports the batch.
func (c *Coordinator) Seize(ctx context.Context, accounts []string) (lockup.SeizeResult, error) {
	res, err := c.store.Seize(ctx, accounts)
	if err != nil {
		return lockup.SeizeResult{}, err
	}
	seized := 0
	for _, a := range res.Accounts {
		if !a.Amount.IsZero() {
			seized++
		}
	}
	metrics.ReportSeized(seized)
	c.log.Info("seize_for_batch",
		"event_type", "seize_for_batch",
		"amount", res.Total.Dec(),
		"accounts", len(accounts),
		"seized_accounts", seized,
	)
	c.writeReport(ctx, fmt.Sprintf("seize/%d.json", c.cfg.Now().UnixNano()), newSeizeReport(res, c.cfg.Now()))
	return res, nil
}

// Compact pops up to max trailing non-live lockups and returns the remaining
// registry length.
func (c *Coordinator) Compact(ctx context.Context, max int) (uint64, error) {
	if max <= 0 {
		max = DefaultCompactBatch
	}
	n, err := c.store.Compact(ctx, max)
	if err != nil {
		return 0, err
	}
	c.log.Info("compacted registry", "max", max, "remaining", n)
	return n, nil
}

func (c *Coordinator) AllowDepositor(ctx context.Context, caller Principal, account string) error {
	if err := c.authorizeAllowList(ctx, caller); err != nil {
		return err
	}
	if err := c.store.AllowDepositor(ctx, strings.TrimSpace(account)); err != nil {
		return err
	}
	c.log.Info("allowed depositor", "account", account, "by", caller.Account)
	return nil
}

func (c *Coordinator) DisallowDepositor(ctx context.Context, caller Principal, account string) error {
	if err := c.authorizeAllowList(ctx, caller); err != nil {
		return err
	}
	if err := c.store.DisallowDepositor(ctx, strings.TrimSpace(account)); err != nil {
		return err
	}
	c.log.Info("disallowed depositor", "account", account, "by", caller.Account)
	return nil
}

func (c *Coordinator) authorizeAllowList(ctx context.Context, caller Principal) error {
	if caller.Operator || slices.Contains(c.cfg.Operators, caller.Account) {
		return nil
	}
	if caller.Account == "" {
		return fmt.Errorf("%w: missing caller", lockup.ErrUnauthorized)
	}
	ok, err := c.store.IsDepositorAllowed(ctx, caller.Account)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s is not on the deposit allow-list", lockup.ErrUnauthorized, caller.Account)
	}
	return nil
}

// send issues the ledger request for a pending record and applies whatever
// final answer comes back synchronously.
func (c *Coordinator) send(ctx context.Context, t lockup.Transfer) (lockup.Transfer, error) {
	req := ledger.Request{
		ExternalID: t.ExternalID,
		Kind:       t.Kind.String(),
		Recipient:  t.Recipient,
		Amount:     t.Amount,
		Memo:       memoFor(t),
	}

	sendCtx, cancel := context.WithTimeout(ctx, c.cfg.SendTimeout)
	start := time.Now()
	res, err := c.ledger.Transfer(sendCtx, req)
	cancel()
	if err != nil {
		if errors.Is(err, ledger.ErrRejected) {
			metrics.ReportLedgerRequest("rejected", time.Since(start))
			return c.fail(ctx, t, err.Error())
		}
		// The request may have reached the ledger; wait for its outcome.
		metrics.ReportLedgerRequest("error", time.Since(start))
		metrics.ReportClaimOrRefund(t.Kind == lockup.TransferKindClaim, metrics.OutcomePending)
		c.log.Warn("ledger transfer outcome unknown; record stays pending",
			"transfer_id", hexID(t.ID),
			"external_id", hexID(t.ExternalID),
			"kind", t.Kind.String(),
			"err", err,
		)
		return t, nil
	}
	metrics.ReportLedgerRequest(res.Status.String(), time.Since(start))

	switch res.Status {
	case ledger.StatusSucceeded:
		return c.commit(ctx, t)
	case ledger.StatusFailed:
		return c.fail(ctx, t, res.Reason)
	default:
		metrics.ReportClaimOrRefund(t.Kind == lockup.TransferKindClaim, metrics.OutcomePending)
		return t, nil
	}
}

func (c *Coordinator) commit(ctx context.Context, t lockup.Transfer) (lockup.Transfer, error) {
	out, err := c.store.CommitTransfer(ctx, t.ID)
	if err != nil {
		return t, fmt.Errorf("settlement: commit %s: %w", hexID(t.ID), err)
	}
	metrics.ReportClaimOrRefund(out.Kind == lockup.TransferKindClaim, metrics.OutcomeCommitted)
	c.log.Info("committed transfer",
		"transfer_id", hexID(out.ID),
		"kind", out.Kind.String(),
		"recipient", out.Recipient,
		"amount", out.Amount.Dec(),
	)
	return out, nil
}

// fail settles a definite ledger failure. The returned error wraps
// lockup.ErrExternalTransferFailed.
func (c *Coordinator) fail(ctx context.Context, t lockup.Transfer, reason string) (lockup.Transfer, error) {
	if t.Kind == lockup.TransferKindClaim {
		out, err := c.store.RollbackTransfer(ctx, t.ID, reason)
		if err != nil {
			return t, fmt.Errorf("settlement: rollback %s: %w", hexID(t.ID), err)
		}
		metrics.ReportClaim(metrics.OutcomeRolledBack)
		c.log.Info("rolled back claim", "transfer_id", hexID(out.ID), "account", out.Account, "reason", reason)
		return out, fmt.Errorf("%w: %s", lockup.ErrExternalTransferFailed, reason)
	}

	out, err := c.store.FailTransfer(ctx, t.ID, reason)
	if err != nil {
		return t, fmt.Errorf("settlement: fail %s: %w", hexID(t.ID), err)
	}
	metrics.ReportRefund(metrics.OutcomeFailed)
	c.log.Error("termination refund failed; needs reconciliation",
		"transfer_id", hexID(out.ID),
		"recipient", out.Recipient,
		"amount", out.Amount.Dec(),
		"attempt", out.Attempt,
		"reason", reason,
	)
	c.report(ctx, "refund-failures", out, reason)
	return out, fmt.Errorf("%w: %s", lockup.ErrExternalTransferFailed, reason)
}

func (c *Coordinator) report(ctx context.Context, dir string, t lockup.Transfer, reason string) {
	key := fmt.Sprintf("%s/%s/%d.json", dir, hexID(t.ID), t.Attempt)
	c.writeReport(ctx, key, newTransferReport(dir, t, reason, c.cfg.Now()))
}

func (c *Coordinator) writeReport(ctx context.Context, key string, v any) {
	if c.reports == nil {
		return
	}
	err := blobstore.PutJSON(ctx, c.reports, key, v, map[string]string{"report-type": reportType(key)})
	if err != nil && !errors.Is(err, blobstore.ErrExists) {
		c.log.Error("write report", "key", key, "err", err)
	}
}

func conflicting(state lockup.TransferState, status ledger.Status) bool {
	switch state {
	case lockup.TransferStateCommitted:
		return status != ledger.StatusSucceeded
	case lockup.TransferStateRolledBack, lockup.TransferStateFailed:
		return status != ledger.StatusFailed
	default:
		return false
	}
}

func memoFor(t lockup.Transfer) string {
	if t.Kind == lockup.TransferKindTerminationRefund && len(t.Items) == 1 {
		return fmt.Sprintf("Terminated lockup #%d", t.Items[0].Index)
	}
	return ""
}

func hexID(id [32]byte) string {
	return hexutil.Encode(id[:])
}
