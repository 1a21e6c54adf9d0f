package schedule

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/holiman/uint256"
)

type checkpointJSON struct {
	Timestamp int64  `json:"timestamp"`
	Balance   string `json:"balance"`
}

func (c Checkpoint) MarshalJSON() ([]byte, error) {
	return json.Marshal(checkpointJSON{Timestamp: c.Timestamp, Balance: c.Balance.Dec()})
}

func (c *Checkpoint) UnmarshalJSON(b []byte) error {
	var raw checkpointJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("%w: decode checkpoint: %v", ErrInvalidSchedule, err)
	}
	bal, err := ParseAmount(raw.Balance)
	if err != nil {
		return err
	}
	c.Timestamp = raw.Timestamp
	c.Balance = bal
	return nil
}

// ParseAmount parses a base-10 token amount as used on every wire surface.
func ParseAmount(s string) (uint256.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return uint256.Int{}, fmt.Errorf("%w: empty amount", ErrInvalidSchedule)
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return uint256.Int{}, fmt.Errorf("%w: amount %q: %v", ErrInvalidSchedule, s, err)
	}
	return *v, nil
}

// Amount is shorthand for building amounts from small constants.
func Amount(v uint64) uint256.Int {
	var out uint256.Int
	out.SetUint64(v)
	return out
}
