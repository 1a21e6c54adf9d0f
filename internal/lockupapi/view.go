package lockupapi

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
	"github.com/tokenlock/lockup/internal/lockup"
	"github.com/tokenlock/lockup/internal/schedule"
)

// lockupView is a lockup as of the request time.
type lockupView struct {
	Index       uint64            `json:"index"`
	Account     string            `json:"accountId"`
	Schedule    schedule.Schedule `json:"schedule"`
	Claimed     string            `json:"claimedBalance"`
	Total       string            `json:"totalBalance"`
	Unlocked    string            `json:"unlockedBalance"`
	Unclaimed   string            `json:"unclaimedBalance"`
	Unvested    string            `json:"unvestedBalance"`
	Pending     string            `json:"pendingBalance"`
	Termination *terminationView  `json:"terminationConfig"`
}

type terminationView struct {
	Terminator string `json:"terminatorId"`
	Vesting    string `json:"vesting"`
	Hash       string `json:"vestingScheduleHash,omitempty"`
}

// newLockupView projects e at now. pending is the account's pending claim,
// if any; its share for this lockup is reported but not subtracted.
func newLockupView(e lockup.Entry, now int64, pending *lockup.Transfer) (lockupView, error) {
	l := e.Lockup
	total := l.Total()
	unlocked := l.Schedule.UnlockedAt(now)
	unclaimed, err := l.Claimable(now)
	if err != nil {
		return lockupView{}, fmt.Errorf("lockup %d: %w", e.Index, err)
	}
	var unvested uint256.Int
	unvested.Sub(&total, &unlocked)

	var pendingAmt uint256.Int
	if pending != nil {
		for _, it := range pending.Items {
			if it.Index == e.Index {
				pendingAmt = it.Amount
				break
			}
		}
	}

	v := lockupView{
		Index:     uint64(e.Index),
		Account:   l.Account,
		Schedule:  l.Schedule,
		Claimed:   l.Claimed.Dec(),
		Total:     total.Dec(),
		Unlocked:  unlocked.Dec(),
		Unclaimed: unclaimed.Dec(),
		Unvested:  unvested.Dec(),
		Pending:   pendingAmt.Dec(),
	}
	if p := l.Termination; p != nil {
		tv := &terminationView{Terminator: p.Terminator, Vesting: p.Vesting.String()}
		if p.Vesting != lockup.VestingPlain {
			tv.Hash = p.Commitment.Hex()
		}
		v.Termination = tv
	}
	return v, nil
}

func transferResponse(t lockup.Transfer) map[string]any {
	items := make([]map[string]any, len(t.Items))
	for i, it := range t.Items {
		items[i] = map[string]any{
			"lockupIndex": uint64(it.Index),
			"amount":      it.Amount.Dec(),
		}
	}
	return map[string]any{
		"transferId": hexID(t.ID),
		"externalId": hexID(t.ExternalID),
		"kind":       t.Kind.String(),
		"state":      t.State.String(),
		"accountId":  t.Account,
		"receiverId": t.Recipient,
		"amount":     t.Amount.Dec(),
		"attempt":    t.Attempt,
		"items":      items,
		"failure":    t.Failure,
		"createdAt":  t.CreatedAt.UTC().Format(time.RFC3339),
		"updatedAt":  t.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func hexID(id [32]byte) string {
	return hexutil.Encode(id[:])
}

func parseHex32(s string) ([32]byte, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "0x") {
		s = "0x" + s
	}
	b, err := hexutil.Decode(s)
	if err != nil {
		return [32]byte{}, err
	}
	if len(b) != 32 {
		return [32]byte{}, fmt.Errorf("invalid length %d", len(b))
	}
	var out [32]byte
	copy(out[:], b)
	return out, nil
}
