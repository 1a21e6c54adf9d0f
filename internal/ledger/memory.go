package ledger

import (
	"context"
	"sync"

	"github.com/holiman/uint256"
)

// Memory is an in-process ledger with idempotent transfers keyed by
// ExternalID. Respond, when set, decides each new request's outcome; a
// failed or rejected request moves no funds.
type Memory struct {
	mu sync.Mutex

	Respond func(Request) (Result, error)

	balances map[string]uint256.Int
	results  map[[32]byte]Result
	requests []Request
}

var _ Ledger = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		balances: make(map[string]uint256.Int),
		results:  make(map[[32]byte]Result),
	}
}

func (m *Memory) Transfer(_ context.Context, req Request) (Result, error) {
	if err := req.Validate(); err != nil {
		return Result{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.requests = append(m.requests, req)
	if prev, ok := m.results[req.ExternalID]; ok && prev.Status != StatusPending {
		return prev, nil
	}

	res := Result{Status: StatusSucceeded}
	if m.Respond != nil {
		var err error
		res, err = m.Respond(req)
		if err != nil {
			return Result{}, err
		}
	}
	m.results[req.ExternalID] = res
	if res.Status == StatusSucceeded {
		m.creditLocked(req.Recipient, req.Amount)
	}
	return res, nil
}

// Settle finalizes a pending transfer and returns the outcome to report.
func (m *Memory) Settle(externalID [32]byte, status Status, reason string) (Outcome, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, ok := m.results[externalID]
	if !ok || prev.Status != StatusPending {
		return Outcome{}, false
	}
	m.results[externalID] = Result{Status: status, Reason: reason}
	if status == StatusSucceeded {
		for _, r := range m.requests {
			if r.ExternalID == externalID {
				m.creditLocked(r.Recipient, r.Amount)
				break
			}
		}
	}
	return Outcome{ExternalID: externalID, Status: status, Reason: reason}, true
}

func (m *Memory) Balance(account string) uint256.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[account]
}

// Requests returns every request received, including replays.
func (m *Memory) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request(nil), m.requests...)
}

func (m *Memory) creditLocked(account string, amount uint256.Int) {
	bal := m.balances[account]
	bal.Add(&bal, &amount)
	m.balances[account] = bal
}
