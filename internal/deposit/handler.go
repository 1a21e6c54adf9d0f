package deposit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/tokenlock/lockup/internal/idempotency"
	"github.com/tokenlock/lockup/internal/lockup"
	"github.com/tokenlock/lockup/internal/metrics"
	"github.com/tokenlock/lockup/internal/schedule"
)

// Queue identifiers for deposit notifications.
const (
	NotificationVersionV1 = "lockup.deposit.v1"
	DefaultTopic          = "lockup.deposits.v1"
)

// Default batch schedule: 10% at 2022-09-13T12:00:00Z, linear to
// 2024-09-13T12:00:00Z.
const (
	DefaultBatchCliff      int64  = 1663070400
	DefaultBatchCliffBps   uint32 = 1000
	DefaultBatchFullUnlock int64  = 1726228800
)

var (
	ErrInvalidConfig = errors.New("deposit: invalid config")
	ErrInvalidToken  = errors.New("deposit: invalid token")
)

type Config struct {
	// TokenID is the only token accepted for funding.
	TokenID string
	// Batch shapes every lockup created from a batch message. The zero value
	// uses the Default* constants.
	Batch schedule.CliffConfig
}

// Notification reports Amount of TokenID moved to this service by Sender,
// with Msg describing the lockups to fund. ReceiptID is the ledger's id for
// the transfer and is the same on every redelivery.
type Notification struct {
	TokenID   string
	Sender    string
	ReceiptID string
	Amount    uint256.Int
	Msg       string
}

// Deposit returns the registry identity of the funding transfer.
func (n Notification) Deposit() lockup.Deposit {
	return lockup.Deposit{
		ID:     idempotency.DepositIDV1(n.TokenID, n.Sender, n.ReceiptID),
		Digest: idempotency.DepositDigestV1(n.Amount.Bytes32(), n.Msg),
	}
}

// NotificationMessage is the wire form of a Notification.
type NotificationMessage struct {
	Version   string `json:"version,omitempty"`
	TokenID   string `json:"tokenId"`
	Sender    string `json:"senderId"`
	ReceiptID string `json:"receiptId"`
	Amount    string `json:"amount"`
	Msg       string `json:"msg"`
}

// Result is the answer to the funding transfer: Refund is returned to the
// sender and is always zero for accepted notifications. Replayed is set when
// the notification was already applied and Indices are the original ones.
type Result struct {
	Refund   uint256.Int
	Indices  []lockup.Index
	Replayed bool
}

type Handler struct {
	cfg   Config
	store lockup.Store
	log   *slog.Logger
}

func New(cfg Config, store lockup.Store, log *slog.Logger) (*Handler, error) {
	cfg.TokenID = strings.TrimSpace(cfg.TokenID)
	if cfg.TokenID == "" {
		return nil, fmt.Errorf("%w: TokenID is required", ErrInvalidConfig)
	}
	if store == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if cfg.Batch == (schedule.CliffConfig{}) {
		cfg.Batch = schedule.CliffConfig{
			Cliff:      DefaultBatchCliff,
			CliffBps:   DefaultBatchCliffBps,
			FullUnlock: DefaultBatchFullUnlock,
		}
	}
	if err := cfg.Batch.Validate(); err != nil {
		return nil, fmt.Errorf("%w: batch schedule: %v", ErrInvalidConfig, err)
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Handler{cfg: cfg, store: store, log: log}, nil
}

// OnTransfer validates a funding notification and registers its lockups.
// Either every lockup of the notification is created or none is, and a
// redelivered notification never creates lockups twice.
func (h *Handler) OnTransfer(ctx context.Context, n Notification) (Result, error) {
	if n.ReceiptID == "" {
		return Result{}, fmt.Errorf("%w: missing receipt id", lockup.ErrValidation)
	}
	if n.TokenID != h.cfg.TokenID {
		return Result{}, fmt.Errorf("%w: got %q", ErrInvalidToken, n.TokenID)
	}
	ok, err := h.store.IsDepositorAllowed(ctx, n.Sender)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return Result{}, fmt.Errorf("%w: %s is not on the deposit allow-list", lockup.ErrUnauthorized, n.Sender)
	}

	lockups, kind, err := h.parseMsg(n)
	if err != nil {
		return Result{}, err
	}
	idx, created, err := h.store.CreateLockups(ctx, n.Deposit(), lockups)
	if err != nil {
		return Result{}, err
	}
	if !created {
		h.log.Info("deposit already applied",
			"sender", n.Sender,
			"receipt", n.ReceiptID,
			"first_index", idx[0],
		)
		return Result{Indices: idx, Replayed: true}, nil
	}

	metrics.ReportLockupsCreated(kind, len(idx))
	h.log.Info("created lockups",
		"sender", n.Sender,
		"receipt", n.ReceiptID,
		"kind", kind,
		"amount", n.Amount.Dec(),
		"count", len(idx),
		"first_index", idx[0],
	)
	return Result{Indices: idx}, nil
}

type depositMsg struct {
	Lockup *lockupMsg `json:"lockup"`
	Batch  [][]string `json:"batch"`
}

type lockupMsg struct {
	Account     string            `json:"accountId"`
	Schedule    schedule.Schedule `json:"schedule"`
	Claimed     string            `json:"claimedBalance,omitempty"`
	Termination *terminationMsg   `json:"terminationConfig,omitempty"`
}

type terminationMsg struct {
	Terminator string      `json:"terminatorId"`
	Vesting    *vestingMsg `json:"vestingSchedule,omitempty"`
}

// vestingMsg carries the commitment either as its hash or as the schedule
// it commits to.
type vestingMsg struct {
	Hash     *common.Hash      `json:"hash,omitempty"`
	Schedule schedule.Schedule `json:"schedule,omitempty"`
}

func (h *Handler) parseMsg(n Notification) ([]lockup.Lockup, string, error) {
	var m depositMsg
	if err := json.Unmarshal([]byte(n.Msg), &m); err != nil {
		return nil, "", fmt.Errorf("%w: msg: %v", lockup.ErrValidation, err)
	}
	switch {
	case m.Lockup != nil && m.Batch != nil:
		return nil, "", fmt.Errorf("%w: msg must carry either lockup or batch", lockup.ErrValidation)
	case m.Lockup != nil:
		l, err := buildLockup(*m.Lockup, n.Amount)
		if err != nil {
			return nil, "", err
		}
		return []lockup.Lockup{l}, "single", nil
	case m.Batch != nil:
		ls, err := h.buildBatch(m.Batch, n.Amount)
		if err != nil {
			return nil, "", err
		}
		return ls, "batch", nil
	default:
		return nil, "", fmt.Errorf("%w: msg carries neither lockup nor batch", lockup.ErrValidation)
	}
}

func buildLockup(m lockupMsg, amount uint256.Int) (lockup.Lockup, error) {
	if m.Claimed != "" {
		claimed, err := schedule.ParseAmount(m.Claimed)
		if err != nil {
			return lockup.Lockup{}, fmt.Errorf("%w: claimedBalance: %w", lockup.ErrValidation, err)
		}
		if !claimed.IsZero() {
			return lockup.Lockup{}, fmt.Errorf("%w: new lockup must start unclaimed", lockup.ErrValidation)
		}
	}

	var policy *lockup.TerminationPolicy
	if t := m.Termination; t != nil {
		policy = &lockup.TerminationPolicy{Terminator: strings.TrimSpace(t.Terminator)}
		if v := t.Vesting; v != nil {
			switch {
			case v.Hash != nil && len(v.Schedule) > 0:
				return lockup.Lockup{}, fmt.Errorf("%w: vestingSchedule must carry either hash or schedule", lockup.ErrValidation)
			case v.Hash != nil:
				policy.Vesting = lockup.VestingCommitted
				policy.Commitment = *v.Hash
			case len(v.Schedule) > 0:
				if err := v.Schedule.AssertNewValid(amount); err != nil {
					return lockup.Lockup{}, fmt.Errorf("%w: vestingSchedule: %w", lockup.ErrValidation, err)
				}
				policy.Vesting = lockup.VestingCommitted
				policy.Commitment = v.Schedule.Hash()
			}
		}
	}
	return lockup.New(strings.TrimSpace(m.Account), m.Schedule, amount, policy)
}

func (h *Handler) buildBatch(batch [][]string, amount uint256.Int) ([]lockup.Lockup, error) {
	if len(batch) == 0 {
		return nil, fmt.Errorf("%w: empty batch", lockup.ErrValidation)
	}
	var sum uint256.Int
	out := make([]lockup.Lockup, 0, len(batch))
	for i, entry := range batch {
		if len(entry) != 2 {
			return nil, fmt.Errorf("%w: batch entry %d must be [account, amount]", lockup.ErrValidation, i)
		}
		total, err := schedule.ParseAmount(entry[1])
		if err != nil {
			return nil, fmt.Errorf("%w: batch entry %d: %w", lockup.ErrValidation, i, err)
		}
		if _, overflow := sum.AddOverflow(&sum, &total); overflow {
			return nil, fmt.Errorf("%w: batch total overflows", lockup.ErrValidation)
		}
		s, err := schedule.CliffLinear(total, h.cfg.Batch)
		if err != nil {
			return nil, fmt.Errorf("%w: batch entry %d: %w", lockup.ErrValidation, i, err)
		}
		l, err := lockup.New(strings.TrimSpace(entry[0]), s, total, nil)
		if err != nil {
			return nil, fmt.Errorf("batch entry %d: %w", i, err)
		}
		out = append(out, l)
	}
	if !sum.Eq(&amount) {
		return nil, fmt.Errorf("%w: batch total %s != deposited %s", lockup.ErrValidation, sum.Dec(), amount.Dec())
	}
	return out, nil
}

// ParseNotification converts a wire notification.
func ParseNotification(m NotificationMessage) (Notification, error) {
	if m.Version != "" && m.Version != NotificationVersionV1 {
		return Notification{}, fmt.Errorf("%w: unexpected version %q", lockup.ErrValidation, m.Version)
	}
	amt, err := schedule.ParseAmount(m.Amount)
	if err != nil {
		return Notification{}, fmt.Errorf("%w: amount: %w", lockup.ErrValidation, err)
	}
	receipt := strings.TrimSpace(m.ReceiptID)
	if receipt == "" {
		return Notification{}, fmt.Errorf("%w: receiptId is required", lockup.ErrValidation)
	}
	return Notification{
		TokenID:   strings.TrimSpace(m.TokenID),
		Sender:    strings.TrimSpace(m.Sender),
		ReceiptID: receipt,
		Amount:    amt,
		Msg:       m.Msg,
	}, nil
}

func DecodeNotification(b []byte) (Notification, error) {
	var m NotificationMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return Notification{}, fmt.Errorf("%w: notification: %v", lockup.ErrValidation, err)
	}
	return ParseNotification(m)
}
