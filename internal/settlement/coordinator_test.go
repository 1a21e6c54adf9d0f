package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/tokenlock/lockup/internal/blobstore"
	"github.com/tokenlock/lockup/internal/idempotency"
	"github.com/tokenlock/lockup/internal/ledger"
	"github.com/tokenlock/lockup/internal/lockup"
	"github.com/tokenlock/lockup/internal/schedule"
)

type harness struct {
	deposits atomic.Uint32

	store   *lockup.MemoryStore
	ledger  *ledger.Memory
	reports blobstore.Store
	coord   *Coordinator
}

func newHarness(t *testing.T, now int64) *harness {
	t.Helper()

	var nonce atomic.Uint32
	clock := func() time.Time { return time.Unix(now, 0) }

	store := lockup.NewMemoryStore(clock)
	l := ledger.NewMemory()
	reports, err := blobstore.New(blobstore.Config{Driver: blobstore.DriverMemory})
	if err != nil {
		t.Fatalf("blobstore.New: %v", err)
	}
	coord, err := New(Config{
		Operators: []string{"ops"},
		Now:       clock,
		Nonce: func() [16]byte {
			var n [16]byte
			n[15] = byte(nonce.Add(1))
			return n
		},
	}, store, l, reports, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &harness{store: store, ledger: l, reports: reports, coord: coord}
}

func linear(total uint64) schedule.Schedule {
	return schedule.Schedule{
		{Timestamp: 0},
		{Timestamp: 100, Balance: schedule.Amount(total)},
	}
}

func (h *harness) create(t *testing.T, account string, policy *lockup.TerminationPolicy) lockup.Index {
	t.Helper()
	s := linear(1000)
	l, err := lockup.New(account, s, s.Total(), policy)
	if err != nil {
		t.Fatalf("lockup.New: %v", err)
	}
	receipt := fmt.Sprintf("rcpt-%d", h.deposits.Add(1))
	d := lockup.Deposit{ID: idempotency.DepositIDV1("token", "treasury", receipt)}
	idx, _, err := h.store.CreateLockups(context.Background(), d, []lockup.Lockup{l})
	if err != nil {
		t.Fatalf("CreateLockups: %v", err)
	}
	return idx[0]
}

func (h *harness) claimed(t *testing.T, idx lockup.Index) uint64 {
	t.Helper()
	l, err := h.store.Get(context.Background(), idx)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	return l.Claimed.Uint64()
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{}, nil, ledger.NewMemory(), nil, nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("nil store: expected ErrInvalidConfig, got %v", err)
	}
	if _, err := New(Config{MaxLockupsPerClaim: -1}, lockup.NewMemoryStore(time.Now), ledger.NewMemory(), nil, nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("negative max: expected ErrInvalidConfig, got %v", err)
	}
}

func TestClaim_CommitsOnSuccess(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, 50)
	a := h.create(t, "alice", nil)
	b := h.create(t, "alice", nil)

	tr, err := h.coord.Claim(ctx, "alice")
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if tr.State != lockup.TransferStateCommitted || tr.Amount.Uint64() != 1000 {
		t.Fatalf("unexpected transfer: state=%s amount=%s", tr.State, tr.Amount.Dec())
	}
	if got := h.claimed(t, a) + h.claimed(t, b); got != 1000 {
		t.Fatalf("claimed: got %d want 1000", got)
	}
	bal := h.ledger.Balance("alice")
	if bal.Uint64() != 1000 {
		t.Fatalf("ledger balance: got %s want 1000", bal.Dec())
	}

	reqs := h.ledger.Requests()
	if len(reqs) != 1 || reqs[0].ExternalID != idempotency.ExternalIDV1(tr.ID, 0) || reqs[0].Kind != "claim" {
		t.Fatalf("unexpected ledger requests: %+v", reqs)
	}

	if _, err := h.coord.Claim(ctx, "alice"); !errors.Is(err, lockup.ErrNothingToClaim) {
		t.Fatalf("second claim: expected ErrNothingToClaim, got %v", err)
	}
}

func TestClaim_DefiniteFailureRollsBack(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		respond func(ledger.Request) (ledger.Result, error)
	}{
		{
			name: "rejected error",
			respond: func(ledger.Request) (ledger.Result, error) {
				return ledger.Result{}, fmt.Errorf("%w: unknown receiver", ledger.ErrRejected)
			},
		},
		{
			name: "failed status",
			respond: func(ledger.Request) (ledger.Result, error) {
				return ledger.Result{Status: ledger.StatusFailed, Reason: "unknown receiver"}, nil
			},
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			ctx := context.Background()
			h := newHarness(t, 50)
			idx := h.create(t, "alice", nil)
			h.ledger.Respond = tc.respond

			tr, err := h.coord.Claim(ctx, "alice")
			if !errors.Is(err, lockup.ErrExternalTransferFailed) {
				t.Fatalf("expected ErrExternalTransferFailed, got %v", err)
			}
			if tr.State != lockup.TransferStateRolledBack {
				t.Fatalf("state: got %s want rolled_back", tr.State)
			}
			if got := h.claimed(t, idx); got != 0 {
				t.Fatalf("claimed after rollback: got %d", got)
			}

			// The account is free to claim again.
			h.ledger.Respond = nil
			tr, err = h.coord.Claim(ctx, "alice")
			if err != nil || tr.State != lockup.TransferStateCommitted || tr.Amount.Uint64() != 500 {
				t.Fatalf("claim after rollback: tr=%+v err=%v", tr, err)
			}
		})
	}
}

func TestClaim_AmbiguousErrorStaysPendingUntilOutcome(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, 50)
	idx := h.create(t, "alice", nil)
	h.ledger.Respond = func(ledger.Request) (ledger.Result, error) {
		return ledger.Result{}, errors.New("connection reset")
	}

	tr, err := h.coord.Claim(ctx, "alice")
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if tr.State != lockup.TransferStatePending {
		t.Fatalf("state: got %s want pending", tr.State)
	}
	if _, err := h.coord.Claim(ctx, "alice"); !errors.Is(err, lockup.ErrAccountBusy) {
		t.Fatalf("expected ErrAccountBusy, got %v", err)
	}
	if _, err := h.coord.Terminate(ctx, "dao", idx, nil); !errors.Is(err, lockup.ErrAccountBusy) {
		t.Fatalf("terminate while pending: expected ErrAccountBusy, got %v", err)
	}

	out := ledger.Outcome{ExternalID: tr.ExternalID, Status: ledger.StatusSucceeded}
	got, err := h.coord.Resolve(ctx, out)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.State != lockup.TransferStateCommitted {
		t.Fatalf("state after outcome: got %s", got.State)
	}
	if c := h.claimed(t, idx); c != 500 {
		t.Fatalf("claimed: got %d want 500", c)
	}

	// Duplicate delivery is a no-op.
	again, err := h.coord.Resolve(ctx, out)
	if err != nil || again.State != lockup.TransferStateCommitted {
		t.Fatalf("Resolve replay: %+v err=%v", again, err)
	}
	if c := h.claimed(t, idx); c != 500 {
		t.Fatalf("claimed after replay: got %d want 500", c)
	}
}

func TestClaim_PendingThenFailedOutcome(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, 50)
	idx := h.create(t, "alice", nil)
	h.ledger.Respond = func(ledger.Request) (ledger.Result, error) {
		return ledger.Result{Status: ledger.StatusPending}, nil
	}

	tr, err := h.coord.Claim(ctx, "alice")
	if err != nil || tr.State != lockup.TransferStatePending {
		t.Fatalf("Claim: tr=%+v err=%v", tr, err)
	}

	got, err := h.coord.Resolve(ctx, ledger.Outcome{ExternalID: tr.ExternalID, Status: ledger.StatusFailed, Reason: "frozen"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.State != lockup.TransferStateRolledBack || got.Failure != "frozen" {
		t.Fatalf("unexpected record: %+v", got)
	}
	if c := h.claimed(t, idx); c != 0 {
		t.Fatalf("claimed after failed outcome: got %d", c)
	}
	bal := h.ledger.Balance("alice")
	if !bal.IsZero() {
		t.Fatalf("ledger credited on failure: %s", bal.Dec())
	}
}

func TestResolve_Errors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, 50)

	var unknown [32]byte
	unknown[0] = 1
	if _, err := h.coord.Resolve(ctx, ledger.Outcome{ExternalID: unknown, Status: ledger.StatusSucceeded}); !errors.Is(err, lockup.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	h.create(t, "alice", nil)
	h.ledger.Respond = func(ledger.Request) (ledger.Result, error) {
		return ledger.Result{Status: ledger.StatusPending}, nil
	}
	tr, err := h.coord.Claim(ctx, "alice")
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if _, err := h.coord.Resolve(ctx, ledger.Outcome{ExternalID: tr.ExternalID, Status: ledger.StatusPending}); !errors.Is(err, ledger.ErrInvalidMessage) {
		t.Fatalf("expected ErrInvalidMessage for non-final outcome, got %v", err)
	}
}

func TestResolve_ConflictingOutcomeIsReported(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, 50)
	h.create(t, "alice", nil)

	tr, err := h.coord.Claim(ctx, "alice")
	if err != nil || tr.State != lockup.TransferStateCommitted {
		t.Fatalf("Claim: tr=%+v err=%v", tr, err)
	}

	got, err := h.coord.Resolve(ctx, ledger.Outcome{ExternalID: tr.ExternalID, Status: ledger.StatusFailed, Reason: "late"})
	if err != nil || got.State != lockup.TransferStateCommitted {
		t.Fatalf("Resolve: %+v err=%v", got, err)
	}
	keys, err := h.reports.List(ctx, "outcome-conflicts/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(keys) != 1 {
		t.Fatalf("expected one conflict report, got %v", keys)
	}
}

func TestTerminate_RefundsUnvestedToTerminator(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, 50)
	h.create(t, "bob", nil)
	idx := h.create(t, "alice", &lockup.TerminationPolicy{Terminator: "dao"})

	res, err := h.coord.Terminate(ctx, "dao", idx, nil)
	if err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if res.Unvested.Uint64() != 500 || res.Refund == nil || res.Refund.State != lockup.TransferStateCommitted {
		t.Fatalf("unexpected result: %+v", res)
	}
	bal := h.ledger.Balance("dao")
	if bal.Uint64() != 500 {
		t.Fatalf("terminator balance: got %s want 500", bal.Dec())
	}
	reqs := h.ledger.Requests()
	if len(reqs) != 1 || reqs[0].Memo != "Terminated lockup #1" || reqs[0].Kind != "termination_refund" {
		t.Fatalf("unexpected ledger request: %+v", reqs)
	}

	// Repeating yields nothing further.
	res, err = h.coord.Terminate(ctx, "dao", idx, nil)
	if err != nil || !res.Unvested.IsZero() || res.Refund != nil {
		t.Fatalf("second Terminate: %+v err=%v", res, err)
	}

	if _, err := h.coord.Terminate(ctx, "mallory", idx, nil); !errors.Is(err, lockup.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestTerminate_RefundFailureKeepsTruncationAndRetries(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, 50)
	idx := h.create(t, "alice", &lockup.TerminationPolicy{Terminator: "dao"})
	h.ledger.Respond = func(ledger.Request) (ledger.Result, error) {
		return ledger.Result{Status: ledger.StatusFailed, Reason: "receiver not registered"}, nil
	}

	res, err := h.coord.Terminate(ctx, "dao", idx, nil)
	if !errors.Is(err, lockup.ErrExternalTransferFailed) {
		t.Fatalf("expected ErrExternalTransferFailed, got %v", err)
	}
	if res.Refund == nil || res.Refund.State != lockup.TransferStateFailed {
		t.Fatalf("unexpected refund: %+v", res.Refund)
	}
	l, err := h.store.Get(ctx, idx)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	total := l.Total()
	if total.Uint64() != 500 {
		t.Fatalf("truncation rolled back: total %s", total.Dec())
	}

	key := fmt.Sprintf("refund-failures/%s/0.json", hexID(res.Refund.ID))
	obj, err := h.reports.Get(ctx, key)
	if err != nil {
		t.Fatalf("report Get: %v", err)
	}
	var rep transferReport
	if err := json.Unmarshal(obj.Data, &rep); err != nil {
		t.Fatalf("unmarshal report: %v", err)
	}
	want := transferReport{
		Version:    reportVersionV1,
		Type:       "refund_failure",
		TransferID: hexID(res.Refund.ID),
		ExternalID: hexID(res.Refund.ExternalID),
		Kind:       "termination_refund",
		State:      "failed",
		Account:    "alice",
		Recipient:  "dao",
		Amount:     "500",
		Items:      []reportItem{{Index: 0, Amount: "500"}},
		Reason:     "receiver not registered",
		At:         time.Unix(50, 0).UTC(),
	}
	if diff := cmp.Diff(want, rep); diff != "" {
		t.Fatalf("report mismatch (-want +got):\n%s", diff)
	}

	h.ledger.Respond = nil
	retried, err := h.coord.RetryRefund(ctx, res.Refund.ID)
	if err != nil {
		t.Fatalf("RetryRefund: %v", err)
	}
	if retried.State != lockup.TransferStateCommitted || retried.Attempt != 1 {
		t.Fatalf("unexpected retried record: %+v", retried)
	}
	if retried.ExternalID != idempotency.ExternalIDV1(res.Refund.ID, 1) {
		t.Fatalf("retry did not use a fresh external id")
	}
	bal := h.ledger.Balance("dao")
	if bal.Uint64() != 500 {
		t.Fatalf("terminator balance: got %s want 500", bal.Dec())
	}

	if _, err := h.coord.RetryRefund(ctx, res.Refund.ID); !errors.Is(err, lockup.ErrInvalidTransition) {
		t.Fatalf("retry of committed refund: expected ErrInvalidTransition, got %v", err)
	}
}

func TestResolve_IgnoresSupersededAttempt(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, 50)
	idx := h.create(t, "alice", &lockup.TerminationPolicy{Terminator: "dao"})
	h.ledger.Respond = func(ledger.Request) (ledger.Result, error) {
		return ledger.Result{Status: ledger.StatusPending}, nil
	}

	res, err := h.coord.Terminate(ctx, "dao", idx, nil)
	if err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	first := res.Refund.ExternalID
	if _, err := h.coord.Resolve(ctx, ledger.Outcome{ExternalID: first, Status: ledger.StatusFailed}); err != nil {
		t.Fatalf("Resolve failure: %v", err)
	}
	retried, err := h.coord.RetryRefund(ctx, res.Refund.ID)
	if err != nil || retried.State != lockup.TransferStatePending {
		t.Fatalf("RetryRefund: %+v err=%v", retried, err)
	}

	stale, err := h.coord.Resolve(ctx, ledger.Outcome{ExternalID: first, Status: ledger.StatusSucceeded})
	if err != nil {
		t.Fatalf("Resolve stale: %v", err)
	}
	if stale.State != lockup.TransferStatePending {
		t.Fatalf("stale outcome applied: %+v", stale)
	}

	done, err := h.coord.Resolve(ctx, ledger.Outcome{ExternalID: retried.ExternalID, Status: ledger.StatusSucceeded})
	if err != nil || done.State != lockup.TransferStateCommitted {
		t.Fatalf("Resolve current: %+v err=%v", done, err)
	}
}

func TestRedeliver_ResendsPendingRecords(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, 50)
	idx := h.create(t, "alice", nil)
	h.ledger.Respond = func(ledger.Request) (ledger.Result, error) {
		return ledger.Result{}, context.DeadlineExceeded
	}
	tr, err := h.coord.Claim(ctx, "alice")
	if err != nil || tr.State != lockup.TransferStatePending {
		t.Fatalf("Claim: %+v err=%v", tr, err)
	}

	h.ledger.Respond = nil
	n, err := h.coord.Redeliver(ctx, 10)
	if err != nil || n != 1 {
		t.Fatalf("Redeliver: n=%d err=%v", n, err)
	}
	got, err := h.store.GetTransfer(ctx, tr.ID)
	if err != nil || got.State != lockup.TransferStateCommitted {
		t.Fatalf("GetTransfer: %+v err=%v", got, err)
	}
	if c := h.claimed(t, idx); c != 500 {
		t.Fatalf("claimed: got %d want 500", c)
	}
}

func TestSeize_ReportsBatch(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, 50)
	h.create(t, "carol", nil)
	h.create(t, "dave", nil)

	res, err := h.coord.Seize(ctx, []string{"carol", "nobody"})
	if err != nil {
		t.Fatalf("Seize: %v", err)
	}
	if res.Total.Uint64() != 1000 {
		t.Fatalf("seized total: got %s want 1000", res.Total.Dec())
	}
	keys, err := h.reports.List(ctx, "seize/")
	if err != nil || len(keys) != 1 {
		t.Fatalf("seize reports: %v err=%v", keys, err)
	}
	obj, err := h.reports.Get(ctx, keys[0])
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	var rep seizeReport
	if err := json.Unmarshal(obj.Data, &rep); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if rep.Total != "1000" || rep.Type != "seize_batch" {
		t.Fatalf("unexpected report: %+v", rep)
	}
}

func TestCompact_DefaultsBatch(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, 50)
	h.create(t, "carol", nil)
	h.create(t, "carol", nil)
	if _, err := h.coord.Seize(ctx, []string{"carol"}); err != nil {
		t.Fatalf("Seize: %v", err)
	}
	n, err := h.coord.Compact(ctx, 0)
	if err != nil || n != 0 {
		t.Fatalf("Compact: n=%d err=%v", n, err)
	}
}

func TestAllowList_Authorization(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, 50)

	if err := h.coord.AllowDepositor(ctx, Principal{Account: "mallory"}, "mallory"); !errors.Is(err, lockup.ErrUnauthorized) {
		t.Fatalf("non-member: expected ErrUnauthorized, got %v", err)
	}
	if err := h.coord.AllowDepositor(ctx, Principal{}, "x"); !errors.Is(err, lockup.ErrUnauthorized) {
		t.Fatalf("anonymous: expected ErrUnauthorized, got %v", err)
	}
	if err := h.coord.AllowDepositor(ctx, Principal{Account: "ops"}, "treasury"); err != nil {
		t.Fatalf("configured operator: %v", err)
	}
	if err := h.coord.AllowDepositor(ctx, Principal{Account: "treasury"}, "foundation"); err != nil {
		t.Fatalf("member adds member: %v", err)
	}
	if err := h.coord.DisallowDepositor(ctx, Principal{Operator: true}, "treasury"); err != nil {
		t.Fatalf("operator removes: %v", err)
	}
	ok, err := h.store.IsDepositorAllowed(ctx, "treasury")
	if err != nil || ok {
		t.Fatalf("treasury still allowed: ok=%v err=%v", ok, err)
	}
	if err := h.coord.DisallowDepositor(ctx, Principal{Account: "treasury"}, "foundation"); !errors.Is(err, lockup.ErrUnauthorized) {
		t.Fatalf("removed member: expected ErrUnauthorized, got %v", err)
	}
}
