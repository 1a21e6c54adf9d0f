package lockup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/holiman/uint256"
	"github.com/tokenlock/lockup/internal/schedule"
)

var (
	ErrNotFound          = errors.New("lockup: not found")
	ErrAccountBusy       = errors.New("lockup: account has a pending claim")
	ErrInvalidTransition = errors.New("lockup: invalid transition")
	ErrTransferMismatch  = errors.New("lockup: transfer mismatch")
	ErrDepositMismatch   = errors.New("lockup: deposit mismatch")
)

// Deposit identifies the funding transfer behind a CreateLockups call.
type Deposit struct {
	ID [32]byte
	// Digest commits to the funded content. Replaying ID with a different
	// digest fails with ErrDepositMismatch.
	Digest [32]byte
}

// DefaultMaxLockupsPerClaim bounds how many lockups one claim aggregates.
// Remaining claimable lockups are picked up by the next claim.
const DefaultMaxLockupsPerClaim = 128

type TransferKind uint8

const (
	TransferKindUnknown TransferKind = iota
	TransferKindClaim
	TransferKindTerminationRefund
)

func (k TransferKind) String() string {
	switch k {
	case TransferKindClaim:
		return "claim"
	case TransferKindTerminationRefund:
		return "termination_refund"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

type TransferState uint8

const (
	TransferStateUnknown TransferState = iota
	TransferStatePending
	TransferStateCommitted
	TransferStateRolledBack
	TransferStateFailed
)

func (s TransferState) String() string {
	switch s {
	case TransferStatePending:
		return "pending"
	case TransferStateCommitted:
		return "committed"
	case TransferStateRolledBack:
		return "rolled_back"
	case TransferStateFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// TransferItem is the share of a transfer attributed to one lockup.
type TransferItem struct {
	Index  Index
	Amount uint256.Int
}

// Transfer is the durable record of an outbound transfer to the external
// ledger. For claims it is the reservation that is committed into the
// lockups only once the ledger confirms; for termination refunds the
// lockup is already truncated and the record tracks disbursement only.
type Transfer struct {
	ID   [32]byte
	Kind TransferKind

	// Account owns the lockups; Recipient receives the tokens.
	Account   string
	Recipient string

	Items  []TransferItem // sorted ascending by index
	Amount uint256.Int

	State TransferState

	// Attempt counts operator retries; ExternalID is the ledger idempotency key
	// of the current attempt.
	Attempt    uint32
	ExternalID [32]byte

	Failure string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ClaimRequest reserves everything claimable for Account at Now.
type ClaimRequest struct {
	ID         [32]byte
	ExternalID [32]byte
	Account    string
	Now        int64

	// MaxLockups bounds the number of lockups aggregated; <= 0 uses
	// DefaultMaxLockupsPerClaim.
	MaxLockups int
}

// TerminateRequest terminates the lockup at Index on behalf of Caller.
type TerminateRequest struct {
	Index  Index
	Caller string
	Reveal schedule.Schedule
	Now    int64

	// RefundID and RefundExternalID identify the refund record created when
	// the unvested amount is non-zero.
	RefundID         [32]byte
	RefundExternalID [32]byte
}

type TerminateResult struct {
	Lockup   Lockup
	Unvested uint256.Int
	// Refund is set only when Unvested > 0.
	Refund *Transfer
}

// SeizeResult reports the forfeited amount per account, in request order.
type SeizeResult struct {
	Total    uint256.Int
	Accounts []AccountSeizure
}

type AccountSeizure struct {
	Account string
	Amount  uint256.Int
}

// Store is the lockup registry: the dense lockup collection, the account
// index over live lockups, transfer records and the deposit allow-list.
//
// Every method is atomic. Transitions on transfer records are idempotent:
// repeating the transition that already happened returns the same record.
type Store interface {
	// CreateLockups registers the lockups funded by d. Replaying d returns the
	// indices assigned the first time with created=false.
	CreateLockups(ctx context.Context, d Deposit, lockups []Lockup) (indices []Index, created bool, err error)
	Get(ctx context.Context, index Index) (Lockup, error)
	List(ctx context.Context, offset Index, limit int) ([]Entry, error)
	ListByAccount(ctx context.Context, account string) ([]Entry, error)
	Count(ctx context.Context) (uint64, error)

	ReserveClaim(ctx context.Context, req ClaimRequest) (Transfer, error)
	TerminateLockup(ctx context.Context, req TerminateRequest) (TerminateResult, error)
	Seize(ctx context.Context, accounts []string) (SeizeResult, error)
	Compact(ctx context.Context, max int) (uint64, error)

	GetTransfer(ctx context.Context, id [32]byte) (Transfer, error)
	GetTransferByExternalID(ctx context.Context, externalID [32]byte) (Transfer, error)
	PendingClaim(ctx context.Context, account string) (Transfer, error)
	ListTransfersByState(ctx context.Context, state TransferState, limit int) ([]Transfer, error)

	CommitTransfer(ctx context.Context, id [32]byte) (Transfer, error)
	RollbackTransfer(ctx context.Context, id [32]byte, reason string) (Transfer, error)
	FailTransfer(ctx context.Context, id [32]byte, reason string) (Transfer, error)
	RetryTransfer(ctx context.Context, id [32]byte, externalID [32]byte) (Transfer, error)

	AllowDepositor(ctx context.Context, account string) error
	DisallowDepositor(ctx context.Context, account string) error
	IsDepositorAllowed(ctx context.Context, account string) (bool, error)
}

// PlanClaim computes the per-lockup reservation for a claim. Entries must be
// the account's live lockups in ascending index order; pending amounts are
// never included since at most one claim is pending per account.
func PlanClaim(entries []Entry, now int64, max int) ([]TransferItem, uint256.Int, error) {
	if max <= 0 {
		max = DefaultMaxLockupsPerClaim
	}
	var (
		items []TransferItem
		total uint256.Int
	)
	for _, e := range entries {
		if len(items) >= max {
			break
		}
		amt, err := e.Lockup.Claimable(now)
		if err != nil {
			return nil, uint256.Int{}, fmt.Errorf("lockup %d: %w", e.Index, err)
		}
		if amt.IsZero() {
			continue
		}
		if _, overflow := total.AddOverflow(&total, &amt); overflow {
			return nil, uint256.Int{}, fmt.Errorf("%w: claim total overflows", ErrInvalidState)
		}
		items = append(items, TransferItem{Index: e.Index, Amount: amt})
	}
	if total.IsZero() {
		return nil, uint256.Int{}, ErrNothingToClaim
	}
	return items, total, nil
}

// ApplyClaim adds a committed claim share to the lockup, refusing to claim
// past its total.
func ApplyClaim(l *Lockup, amount uint256.Int) error {
	var next uint256.Int
	if _, overflow := next.AddOverflow(&l.Claimed, &amount); overflow {
		return fmt.Errorf("%w: claimed overflows", ErrInvalidState)
	}
	total := l.Total()
	if total.Lt(&next) {
		return fmt.Errorf("%w: claimed %s would exceed total %s", ErrInvalidState, next.Dec(), total.Dec())
	}
	l.Claimed = next
	return nil
}

func (t Transfer) Validate() error {
	if t.ID == ([32]byte{}) {
		return fmt.Errorf("%w: missing transfer id", ErrValidation)
	}
	if t.ExternalID == ([32]byte{}) {
		return fmt.Errorf("%w: missing external id", ErrValidation)
	}
	if t.Account == "" || t.Recipient == "" {
		return fmt.Errorf("%w: missing account or recipient", ErrValidation)
	}
	if len(t.Items) == 0 || t.Amount.IsZero() {
		return fmt.Errorf("%w: empty transfer", ErrValidation)
	}
	var sum uint256.Int
	for i, it := range t.Items {
		if i > 0 && it.Index <= t.Items[i-1].Index {
			return fmt.Errorf("%w: items must be sorted and unique", ErrValidation)
		}
		sum.Add(&sum, &it.Amount)
	}
	if !sum.Eq(&t.Amount) {
		return fmt.Errorf("%w: items sum %s != amount %s", ErrValidation, sum.Dec(), t.Amount.Dec())
	}
	return nil
}

func cloneTransfer(t Transfer) Transfer {
	t.Items = append([]TransferItem(nil), t.Items...)
	return t
}
