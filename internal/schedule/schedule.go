package schedule

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

var ErrInvalidSchedule = errors.New("schedule: invalid schedule")

const hashPrefixV1 = "lockup-schedule-v1"

// Checkpoint is a vertex of the vesting curve: the cumulative amount unlocked
// at Timestamp (unix seconds).
type Checkpoint struct {
	Timestamp int64
	Balance   uint256.Int
}

// Schedule is an ordered list of checkpoints. A nil or empty schedule is the
// dead schedule: nothing is ever unlocked and the total is zero.
type Schedule []Checkpoint

// Dead returns the empty schedule used for forfeited lockups.
func Dead() Schedule {
	return Schedule{}
}

// Total returns the balance of the last checkpoint.
func (s Schedule) Total() uint256.Int {
	if len(s) == 0 {
		return uint256.Int{}
	}
	return s[len(s)-1].Balance
}

// UnlockedAt returns the cumulative amount unlocked at unix second t.
//
// Between two checkpoints (t0,a0) <= t < (t1,a1) the amount is
// a0 + (a1-a0)*(t-t0)/(t1-t0), truncated toward zero.
func (s Schedule) UnlockedAt(t int64) uint256.Int {
	if len(s) == 0 || t < s[0].Timestamp {
		return uint256.Int{}
	}
	last := s[len(s)-1]
	if t >= last.Timestamp {
		return last.Balance
	}

	// First checkpoint strictly after t; i >= 1 because s[0].Timestamp <= t.
	i := 1
	for i < len(s) && s[i].Timestamp <= t {
		i++
	}
	prev, next := s[i-1], s[i]

	var delta, elapsed, span uint256.Int
	delta.Sub(&next.Balance, &prev.Balance)
	elapsed.SetUint64(uint64(t - prev.Timestamp))
	span.SetUint64(uint64(next.Timestamp - prev.Timestamp))

	var out uint256.Int
	out.MulDivOverflow(&delta, &elapsed, &span)
	out.Add(&out, &prev.Balance)
	return out
}

// AssertNewValid checks the invariants of a freshly funded schedule and ties
// its total to the amount actually deposited.
func (s Schedule) AssertNewValid(expectedTotal uint256.Int) error {
	if len(s) == 0 {
		return fmt.Errorf("%w: at least one checkpoint required", ErrInvalidSchedule)
	}
	for i := 1; i < len(s); i++ {
		if s[i].Timestamp <= s[i-1].Timestamp {
			return fmt.Errorf("%w: timestamps must be strictly increasing at checkpoint %d", ErrInvalidSchedule, i)
		}
		if s[i].Balance.Lt(&s[i-1].Balance) {
			return fmt.Errorf("%w: balances must be non-decreasing at checkpoint %d", ErrInvalidSchedule, i)
		}
	}
	total := s.Total()
	if !total.Eq(&expectedTotal) {
		return fmt.Errorf("%w: total %s does not match expected %s", ErrInvalidSchedule, total.Dec(), expectedTotal.Dec())
	}
	return nil
}

// Truncated freezes the schedule at vested from at onwards. Checkpoints before
// at that do not exceed vested are kept so the past curve stays intact.
func (s Schedule) Truncated(at int64, vested uint256.Int) Schedule {
	out := make(Schedule, 0, len(s)+1)
	for _, c := range s {
		if c.Timestamp >= at || c.Balance.Gt(&vested) {
			break
		}
		out = append(out, c)
	}
	return append(out, Checkpoint{Timestamp: at, Balance: vested})
}

// Clone returns a copy that does not share the backing array.
func (s Schedule) Clone() Schedule {
	if s == nil {
		return nil
	}
	out := make(Schedule, len(s))
	copy(out, s)
	return out
}

// Equal reports whether both schedules have identical checkpoints.
func (s Schedule) Equal(o Schedule) bool {
	if len(s) != len(o) {
		return false
	}
	for i := range s {
		if s[i].Timestamp != o[i].Timestamp || !s[i].Balance.Eq(&o[i].Balance) {
			return false
		}
	}
	return true
}

// Hash is the commitment to a schedule:
//
//	keccak256("lockup-schedule-v1" || countBE32 || (tsBE64 || balanceBE256)*)
func (s Schedule) Hash() common.Hash {
	buf := make([]byte, 0, len(hashPrefixV1)+4+len(s)*40)
	buf = append(buf, hashPrefixV1...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(s)))
	for _, c := range s {
		buf = binary.BigEndian.AppendUint64(buf, uint64(c.Timestamp))
		b := c.Balance.Bytes32()
		buf = append(buf, b[:]...)
	}
	return crypto.Keccak256Hash(buf)
}
