package lockup

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/tokenlock/lockup/internal/schedule"
)

var (
	ErrValidation             = errors.New("lockup: validation error")
	ErrUnauthorized           = errors.New("lockup: unauthorized")
	ErrInvalidReveal          = errors.New("lockup: invalid reveal")
	ErrNothingToClaim         = errors.New("lockup: nothing to claim")
	ErrExternalTransferFailed = errors.New("lockup: external transfer failed")
	ErrInvalidState           = errors.New("lockup: invalid state")
)

// Index is the stable position of a lockup in the registry.
type Index uint64

// VestingKind tags the termination policy variant.
type VestingKind uint8

const (
	// VestingPlain terminates against the stored schedule.
	VestingPlain VestingKind = iota
	// VestingCommitted holds only the hash of a stricter private schedule
	// that must be revealed on termination.
	VestingCommitted
	// VestingRevealed is a committed policy whose schedule was revealed and
	// applied by a termination. The commitment is kept for audit.
	VestingRevealed
)

func (k VestingKind) String() string {
	switch k {
	case VestingPlain:
		return "plain"
	case VestingCommitted:
		return "committed"
	case VestingRevealed:
		return "revealed"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// TerminationPolicy names who may terminate a lockup and, optionally, the
// commitment to the schedule that takes effect when they do.
type TerminationPolicy struct {
	Terminator string

	Vesting    VestingKind
	Commitment common.Hash
}

func (p TerminationPolicy) Validate() error {
	if p.Terminator == "" {
		return fmt.Errorf("%w: missing terminator", ErrValidation)
	}
	switch p.Vesting {
	case VestingPlain:
		if p.Commitment != (common.Hash{}) {
			return fmt.Errorf("%w: plain policy must not carry a commitment", ErrValidation)
		}
	case VestingCommitted, VestingRevealed:
		if p.Commitment == (common.Hash{}) {
			return fmt.Errorf("%w: missing commitment", ErrValidation)
		}
	default:
		return fmt.Errorf("%w: unknown vesting kind %d", ErrValidation, p.Vesting)
	}
	return nil
}

// Lockup is one vesting grant for one account.
type Lockup struct {
	Account  string
	Schedule schedule.Schedule
	Claimed  uint256.Int

	Termination *TerminationPolicy
}

// Entry pairs a lockup with its registry index.
type Entry struct {
	Index  Index
	Lockup Lockup
}

func (l Lockup) Clone() Lockup {
	l.Schedule = l.Schedule.Clone()
	if l.Termination != nil {
		p := *l.Termination
		l.Termination = &p
	}
	return l
}

func (l Lockup) Equal(o Lockup) bool {
	if l.Account != o.Account || !l.Claimed.Eq(&o.Claimed) || !l.Schedule.Equal(o.Schedule) {
		return false
	}
	if (l.Termination == nil) != (o.Termination == nil) {
		return false
	}
	return l.Termination == nil || *l.Termination == *o.Termination
}
