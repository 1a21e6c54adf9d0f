package schedule

import (
	"fmt"

	"github.com/holiman/uint256"
)

const maxBps = 10_000

// CliffConfig parameterizes the canonical schedule used for batch funding:
// nothing before Cliff, CliffBps of the total at Cliff, then linear up to the
// full total at FullUnlock.
type CliffConfig struct {
	Cliff      int64
	CliffBps   uint32
	FullUnlock int64
}

func (c CliffConfig) Validate() error {
	if c.Cliff <= 0 {
		return fmt.Errorf("%w: cliff timestamp must be > 0", ErrInvalidSchedule)
	}
	if c.CliffBps > maxBps {
		return fmt.Errorf("%w: cliff bps must be <= %d", ErrInvalidSchedule, maxBps)
	}
	if c.CliffBps < maxBps && c.FullUnlock <= c.Cliff {
		return fmt.Errorf("%w: full unlock must be after cliff", ErrInvalidSchedule)
	}
	return nil
}

// CliffLinear builds the two- or three-checkpoint schedule for total.
func CliffLinear(total uint256.Int, cfg CliffConfig) (Schedule, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.CliffBps == maxBps || cfg.FullUnlock <= cfg.Cliff {
		return Schedule{
			{Timestamp: cfg.Cliff - 1},
			{Timestamp: cfg.Cliff, Balance: total},
		}, nil
	}

	var atCliff uint256.Int
	bps := Amount(uint64(cfg.CliffBps))
	den := Amount(maxBps)
	atCliff.MulDivOverflow(&total, &bps, &den)

	return Schedule{
		{Timestamp: cfg.Cliff - 1},
		{Timestamp: cfg.Cliff, Balance: atCliff},
		{Timestamp: cfg.FullUnlock, Balance: total},
	}, nil
}
