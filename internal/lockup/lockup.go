package lockup

import (
	"fmt"

	"github.com/holiman/uint256"
	"github.com/tokenlock/lockup/internal/schedule"
)

// New builds a freshly funded lockup. The schedule must account for exactly
// the deposited amount.
func New(account string, s schedule.Schedule, deposited uint256.Int, policy *TerminationPolicy) (Lockup, error) {
	l := Lockup{
		Account:     account,
		Schedule:    s.Clone(),
		Termination: policy,
	}
	if err := l.AssertNewValid(deposited); err != nil {
		return Lockup{}, err
	}
	return l.Clone(), nil
}

// NewUnlocked builds a lockup whose whole total is unlocked from epoch 0.
// A zero total yields a dead lockup with an empty schedule.
func NewUnlocked(account string, total uint256.Int) Lockup {
	if total.IsZero() {
		return Lockup{Account: account, Schedule: schedule.Dead()}
	}
	return Lockup{
		Account:  account,
		Schedule: schedule.Schedule{{Timestamp: 0, Balance: total}},
	}
}

// AssertNewValid validates a lockup about to be registered.
func (l Lockup) AssertNewValid(deposited uint256.Int) error {
	if l.Account == "" {
		return fmt.Errorf("%w: missing account", ErrValidation)
	}
	if deposited.IsZero() {
		return fmt.Errorf("%w: total must be > 0", ErrValidation)
	}
	if err := l.Schedule.AssertNewValid(deposited); err != nil {
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}
	if !l.Claimed.IsZero() {
		return fmt.Errorf("%w: new lockup must start unclaimed", ErrValidation)
	}
	if l.Termination != nil {
		if err := l.Termination.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func (l Lockup) Total() uint256.Int {
	return l.Schedule.Total()
}

// Live reports whether the lockup still holds unclaimed balance. Only live
// lockups are kept in the account index.
func (l Lockup) Live() bool {
	total := l.Total()
	return l.Claimed.Lt(&total)
}

// Claimable returns the unlocked balance not yet claimed at now.
func (l Lockup) Claimable(now int64) (uint256.Int, error) {
	unlocked := l.Schedule.UnlockedAt(now)
	if unlocked.Lt(&l.Claimed) {
		return uint256.Int{}, fmt.Errorf("%w: claimed %s exceeds unlocked %s", ErrInvalidState, l.Claimed.Dec(), unlocked.Dec())
	}
	var out uint256.Int
	out.Sub(&unlocked, &l.Claimed)
	return out, nil
}

// Terminate freezes the schedule at the amount vested at now and returns the
// unvested remainder owed back to the terminator. When the policy carries a
// commitment, reveal must hash to it and replaces the stored schedule first.
// A second call on a terminated lockup returns zero.
func (l *Lockup) Terminate(caller string, reveal schedule.Schedule, now int64) (uint256.Int, error) {
	p := l.Termination
	if p == nil || p.Terminator != caller {
		return uint256.Int{}, fmt.Errorf("%w: caller %q may not terminate", ErrUnauthorized, caller)
	}

	oldTotal := l.Total()
	sched := l.Schedule
	switch p.Vesting {
	case VestingCommitted:
		if len(reveal) == 0 {
			return uint256.Int{}, fmt.Errorf("%w: revealed schedule required", ErrInvalidReveal)
		}
		if reveal.Hash() != p.Commitment {
			return uint256.Int{}, fmt.Errorf("%w: schedule hash does not match commitment", ErrInvalidReveal)
		}
		if err := reveal.AssertNewValid(oldTotal); err != nil {
			return uint256.Int{}, fmt.Errorf("%w: %w", ErrValidation, err)
		}
		sched = reveal.Clone()
	case VestingRevealed:
		if len(reveal) != 0 && reveal.Hash() != p.Commitment {
			return uint256.Int{}, fmt.Errorf("%w: schedule hash does not match commitment", ErrInvalidReveal)
		}
	default:
		if len(reveal) != 0 {
			return uint256.Int{}, fmt.Errorf("%w: lockup has no committed schedule", ErrInvalidReveal)
		}
	}

	vested := sched.UnlockedAt(now)
	if vested.Lt(&l.Claimed) {
		vested = l.Claimed
	}
	if oldTotal.Lt(&vested) {
		return uint256.Int{}, fmt.Errorf("%w: vested %s exceeds total %s", ErrInvalidState, vested.Dec(), oldTotal.Dec())
	}

	l.Schedule = sched.Truncated(now, vested)
	if p.Vesting == VestingCommitted {
		l.Termination = &TerminationPolicy{Terminator: p.Terminator, Vesting: VestingRevealed, Commitment: p.Commitment}
	}

	var unvested uint256.Int
	unvested.Sub(&oldTotal, &vested)
	return unvested, nil
}

// Seize forfeits an untouched lockup and returns its total. Lockups with any
// claimed balance are left alone and report zero.
func (l *Lockup) Seize() uint256.Int {
	if !l.Claimed.IsZero() {
		return uint256.Int{}
	}
	total := l.Total()
	*l = NewUnlocked(l.Account, uint256.Int{})
	return total
}
