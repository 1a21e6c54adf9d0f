package deposit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/tokenlock/lockup/internal/lockup"
	"github.com/tokenlock/lockup/internal/schedule"
)

const tokenID = "token.lockup.test"

func newTestHandler(t *testing.T) (*Handler, *lockup.MemoryStore) {
	t.Helper()
	store := lockup.NewMemoryStore(time.Now)
	if err := store.AllowDepositor(context.Background(), "treasury"); err != nil {
		t.Fatalf("AllowDepositor: %v", err)
	}
	h, err := New(Config{TokenID: tokenID}, store, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return h, store
}

var receipts atomic.Uint64

// note returns a notification with a receipt id no other call shares.
func note(amount uint64, msg string) Notification {
	return Notification{
		TokenID:   tokenID,
		Sender:    "treasury",
		ReceiptID: fmt.Sprintf("rcpt-%d", receipts.Add(1)),
		Amount:    schedule.Amount(amount),
		Msg:       msg,
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	store := lockup.NewMemoryStore(time.Now)
	if _, err := New(Config{}, store, nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("missing token: expected ErrInvalidConfig, got %v", err)
	}
	if _, err := New(Config{TokenID: tokenID}, nil, nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("nil store: expected ErrInvalidConfig, got %v", err)
	}
	bad := schedule.CliffConfig{Cliff: 10, CliffBps: 100, FullUnlock: 5}
	if _, err := New(Config{TokenID: tokenID, Batch: bad}, store, nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("bad batch: expected ErrInvalidConfig, got %v", err)
	}
}

func TestOnTransfer_SingleLockup(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h, store := newTestHandler(t)

	msg := `{"lockup":{"accountId":"alice","schedule":[{"timestamp":0,"balance":"0"},{"timestamp":100,"balance":"1000"}],"claimedBalance":"0","terminationConfig":{"terminatorId":"dao"}}}`
	res, err := h.OnTransfer(ctx, note(1000, msg))
	if err != nil {
		t.Fatalf("OnTransfer: %v", err)
	}
	if !res.Refund.IsZero() || len(res.Indices) != 1 || res.Indices[0] != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
	l, err := store.Get(ctx, 0)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if l.Account != "alice" || l.Termination == nil || l.Termination.Terminator != "dao" || l.Termination.Vesting != lockup.VestingPlain {
		t.Fatalf("unexpected lockup: %+v", l)
	}
}

func TestOnTransfer_CommittedVesting(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h, store := newTestHandler(t)
	private := schedule.Schedule{
		{Timestamp: 0},
		{Timestamp: 200, Balance: schedule.Amount(1000)},
	}
	public := `"schedule":[{"timestamp":0,"balance":"0"},{"timestamp":100,"balance":"1000"}]`

	byHash := `{"lockup":{"accountId":"alice",` + public + `,"terminationConfig":{"terminatorId":"dao","vestingSchedule":{"hash":"` + private.Hash().Hex() + `"}}}}`
	bySchedule := `{"lockup":{"accountId":"bob",` + public + `,"terminationConfig":{"terminatorId":"dao","vestingSchedule":{"schedule":[{"timestamp":0,"balance":"0"},{"timestamp":200,"balance":"1000"}]}}}}`

	for _, msg := range []string{byHash, bySchedule} {
		res, err := h.OnTransfer(ctx, note(1000, msg))
		if err != nil {
			t.Fatalf("OnTransfer: %v", err)
		}
		l, err := store.Get(ctx, res.Indices[0])
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if l.Termination.Vesting != lockup.VestingCommitted || l.Termination.Commitment != private.Hash() {
			t.Fatalf("unexpected policy: %+v", l.Termination)
		}
	}

	both := `{"lockup":{"accountId":"carol",` + public + `,"terminationConfig":{"terminatorId":"dao","vestingSchedule":{"hash":"` + private.Hash().Hex() + `","schedule":[{"timestamp":0,"balance":"1000"}]}}}}`
	if _, err := h.OnTransfer(ctx, note(1000, both)); !errors.Is(err, lockup.ErrValidation) {
		t.Fatalf("hash and schedule: expected ErrValidation, got %v", err)
	}
}

func TestOnTransfer_Batch(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h, store := newTestHandler(t)

	res, err := h.OnTransfer(ctx, note(4000, `{"batch":[["alice","1000"],["bob","3000"]]}`))
	if err != nil {
		t.Fatalf("OnTransfer: %v", err)
	}
	if diff := cmp.Diff([]lockup.Index{0, 1}, res.Indices); diff != "" {
		t.Fatalf("indices mismatch (-want +got):\n%s", diff)
	}

	l, err := store.Get(ctx, 0)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	want := schedule.Schedule{
		{Timestamp: DefaultBatchCliff - 1},
		{Timestamp: DefaultBatchCliff, Balance: schedule.Amount(100)},
		{Timestamp: DefaultBatchFullUnlock, Balance: schedule.Amount(1000)},
	}
	if !l.Schedule.Equal(want) {
		t.Fatalf("batch schedule mismatch: %+v", l.Schedule)
	}
}

func TestOnTransfer_Rejections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		n    func() Notification
		want error
	}{
		{
			name: "wrong token",
			n: func() Notification {
				n := note(1000, `{"batch":[["alice","1000"]]}`)
				n.TokenID = "other.token"
				return n
			},
			want: ErrInvalidToken,
		},
		{
			name: "sender not allowed",
			n: func() Notification {
				n := note(1000, `{"batch":[["alice","1000"]]}`)
				n.Sender = "mallory"
				return n
			},
			want: lockup.ErrUnauthorized,
		},
		{
			name: "missing receipt",
			n: func() Notification {
				n := note(1000, `{"batch":[["alice","1000"]]}`)
				n.ReceiptID = ""
				return n
			},
			want: lockup.ErrValidation,
		},
		{name: "not json", n: func() Notification { return note(1000, "hello") }, want: lockup.ErrValidation},
		{name: "empty msg object", n: func() Notification { return note(1000, `{}`) }, want: lockup.ErrValidation},
		{name: "both kinds", n: func() Notification {
			return note(1000, `{"batch":[["alice","1000"]],"lockup":{"accountId":"a","schedule":[{"timestamp":0,"balance":"1000"}]}}`)
		}, want: lockup.ErrValidation},
		{name: "empty batch", n: func() Notification { return note(0, `{"batch":[]}`) }, want: lockup.ErrValidation},
		{name: "batch sum mismatch", n: func() Notification { return note(999, `{"batch":[["alice","1000"]]}`) }, want: lockup.ErrValidation},
		{name: "batch entry shape", n: func() Notification { return note(1000, `{"batch":[["alice"]]}`) }, want: lockup.ErrValidation},
		{name: "batch zero amount", n: func() Notification { return note(0, `{"batch":[["alice","0"]]}`) }, want: lockup.ErrValidation},
		{name: "schedule total mismatch", n: func() Notification {
			return note(999, `{"lockup":{"accountId":"alice","schedule":[{"timestamp":0,"balance":"1000"}]}}`)
		}, want: lockup.ErrValidation},
		{name: "pre-claimed lockup", n: func() Notification {
			return note(1000, `{"lockup":{"accountId":"alice","schedule":[{"timestamp":0,"balance":"1000"}],"claimedBalance":"1"}}`)
		}, want: lockup.ErrValidation},
		{name: "decreasing schedule", n: func() Notification {
			return note(10, `{"lockup":{"accountId":"alice","schedule":[{"timestamp":0,"balance":"20"},{"timestamp":5,"balance":"10"}]}}`)
		}, want: lockup.ErrValidation},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			h, store := newTestHandler(t)
			if _, err := h.OnTransfer(context.Background(), tc.n()); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if n, _ := store.Count(context.Background()); n != 0 {
				t.Fatalf("rejected notification created %d lockups", n)
			}
		})
	}
}

func TestOnTransfer_BatchIsAllOrNothing(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h, store := newTestHandler(t)

	// The second entry has no account, so the first must not be created either.
	_, err := h.OnTransfer(ctx, note(2000, `{"batch":[["alice","1000"],[" ","1000"]]}`))
	if !errors.Is(err, lockup.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if n, _ := store.Count(ctx); n != 0 {
		t.Fatalf("partial batch created %d lockups", n)
	}
}

func TestOnTransfer_RedeliveryIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h, store := newTestHandler(t)
	n := note(3000, `{"batch":[["alice","1000"],["bob","2000"]]}`)

	first, err := h.OnTransfer(ctx, n)
	if err != nil {
		t.Fatalf("OnTransfer: %v", err)
	}
	if first.Replayed {
		t.Fatalf("first delivery reported as replay")
	}
	again, err := h.OnTransfer(ctx, n)
	if err != nil {
		t.Fatalf("OnTransfer redelivery: %v", err)
	}
	if !again.Replayed {
		t.Fatalf("redelivery not reported as replay")
	}
	if diff := cmp.Diff(first.Indices, again.Indices); diff != "" {
		t.Fatalf("indices mismatch (-first +redelivery):\n%s", diff)
	}
	if count, _ := store.Count(ctx); count != 2 {
		t.Fatalf("redelivery created lockups: count=%d", count)
	}

	// Same receipt with other content is a different transfer claiming the
	// same identity.
	forged := n
	forged.Msg = `{"batch":[["mallory","3000"]]}`
	if _, err := h.OnTransfer(ctx, forged); !errors.Is(err, lockup.ErrDepositMismatch) {
		t.Fatalf("expected ErrDepositMismatch, got %v", err)
	}

	other := n
	other.ReceiptID = n.ReceiptID + "-2"
	res, err := h.OnTransfer(ctx, other)
	if err != nil || res.Replayed {
		t.Fatalf("distinct receipt: res=%+v err=%v", res, err)
	}
	if count, _ := store.Count(ctx); count != 4 {
		t.Fatalf("count after distinct receipt: got %d want 4", count)
	}
}

func TestDecodeNotification(t *testing.T) {
	t.Parallel()

	n, err := DecodeNotification([]byte(`{"version":"lockup.deposit.v1","tokenId":" token ","senderId":"treasury","receiptId":" tx-1 ","amount":"60000000000000000000000","msg":"{}"}`))
	if err != nil {
		t.Fatalf("DecodeNotification: %v", err)
	}
	if n.TokenID != "token" || n.ReceiptID != "tx-1" || n.Amount.Dec() != "60000000000000000000000" || n.Msg != "{}" {
		t.Fatalf("unexpected notification: %+v", n)
	}

	for _, in := range []string{
		`{"amount":"1"}`,
		`{"version":"lockup.deposit.v0","receiptId":"tx-1","amount":"1"}`,
		`{"receiptId":"tx-1","amount":"-1"}`,
		`{"receiptId":"tx-1","amount":""}`,
		`not json`,
	} {
		if _, err := DecodeNotification([]byte(in)); !errors.Is(err, lockup.ErrValidation) {
			t.Fatalf("DecodeNotification(%s): expected ErrValidation, got %v", strings.TrimSpace(in), err)
		}
	}
}
