package lockup

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/holiman/uint256"
)

// MemoryStore is an in-memory registry intended for unit tests and
// single-process usage. It is safe for concurrent use.
type MemoryStore struct {
	mu  sync.Mutex
	now func() time.Time

	lockups  []Lockup
	accounts map[string]map[Index]struct{}

	transfers  map[[32]byte]Transfer
	byExternal map[[32]byte][32]byte
	pending    map[string][32]byte // account -> pending claim id

	depositors map[string]struct{}
	deposits   map[[32]byte]memDeposit
}

type memDeposit struct {
	digest  [32]byte
	indices []Index
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		now:        now,
		accounts:   make(map[string]map[Index]struct{}),
		transfers:  make(map[[32]byte]Transfer),
		byExternal: make(map[[32]byte][32]byte),
		pending:    make(map[string][32]byte),
		depositors: make(map[string]struct{}),
		deposits:   make(map[[32]byte]memDeposit),
	}
}

func (s *MemoryStore) CreateLockups(_ context.Context, d Deposit, lockups []Lockup) ([]Index, bool, error) {
	if d.ID == ([32]byte{}) {
		return nil, false, fmt.Errorf("%w: missing deposit id", ErrValidation)
	}
	if len(lockups) == 0 {
		return nil, false, fmt.Errorf("%w: no lockups", ErrValidation)
	}
	for i, l := range lockups {
		if err := l.AssertNewValid(l.Total()); err != nil {
			return nil, false, fmt.Errorf("lockup #%d: %w", i, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.deposits[d.ID]; ok {
		if prev.digest != d.Digest || len(prev.indices) != len(lockups) {
			return nil, false, ErrDepositMismatch
		}
		return slices.Clone(prev.indices), false, nil
	}

	out := make([]Index, 0, len(lockups))
	for _, l := range lockups {
		idx := Index(len(s.lockups))
		s.lockups = append(s.lockups, l.Clone())
		s.indexLocked(idx, l)
		out = append(out, idx)
	}
	s.deposits[d.ID] = memDeposit{digest: d.Digest, indices: slices.Clone(out)}
	return out, true, nil
}

func (s *MemoryStore) Get(_ context.Context, index Index) (Lockup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if uint64(index) >= uint64(len(s.lockups)) {
		return Lockup{}, ErrNotFound
	}
	return s.lockups[index].Clone(), nil
}

func (s *MemoryStore) List(_ context.Context, offset Index, limit int) ([]Entry, error) {
	if limit <= 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Entry
	for i := uint64(offset); i < uint64(len(s.lockups)) && len(out) < limit; i++ {
		out = append(out, Entry{Index: Index(i), Lockup: s.lockups[i].Clone()})
	}
	return out, nil
}

func (s *MemoryStore) ListByAccount(_ context.Context, account string) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.entriesLocked(account), nil
}

func (s *MemoryStore) Count(_ context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return uint64(len(s.lockups)), nil
}

func (s *MemoryStore) ReserveClaim(_ context.Context, req ClaimRequest) (Transfer, error) {
	if req.Account == "" {
		return Transfer{}, fmt.Errorf("%w: missing account", ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.transfers[req.ID]; ok {
		return cloneTransfer(existing), nil
	}
	if _, busy := s.pending[req.Account]; busy {
		return Transfer{}, ErrAccountBusy
	}

	items, total, err := PlanClaim(s.entriesLocked(req.Account), req.Now, req.MaxLockups)
	if err != nil {
		return Transfer{}, err
	}

	now := s.now().UTC()
	t := Transfer{
		ID:         req.ID,
		Kind:       TransferKindClaim,
		Account:    req.Account,
		Recipient:  req.Account,
		Items:      items,
		Amount:     total,
		State:      TransferStatePending,
		ExternalID: req.ExternalID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := t.Validate(); err != nil {
		return Transfer{}, err
	}
	if _, dup := s.byExternal[t.ExternalID]; dup {
		return Transfer{}, fmt.Errorf("%w: duplicate external id", ErrTransferMismatch)
	}
	s.putTransferLocked(t)
	s.pending[req.Account] = t.ID
	return cloneTransfer(t), nil
}

func (s *MemoryStore) TerminateLockup(_ context.Context, req TerminateRequest) (TerminateResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if uint64(req.Index) >= uint64(len(s.lockups)) {
		return TerminateResult{}, ErrNotFound
	}
	l := s.lockups[req.Index].Clone()
	if _, busy := s.pending[l.Account]; busy {
		return TerminateResult{}, ErrAccountBusy
	}

	unvested, err := l.Terminate(req.Caller, req.Reveal, req.Now)
	if err != nil {
		return TerminateResult{}, err
	}

	var refund *Transfer
	if !unvested.IsZero() {
		now := s.now().UTC()
		t := Transfer{
			ID:         req.RefundID,
			Kind:       TransferKindTerminationRefund,
			Account:    l.Account,
			Recipient:  req.Caller,
			Items:      []TransferItem{{Index: req.Index, Amount: unvested}},
			Amount:     unvested,
			State:      TransferStatePending,
			ExternalID: req.RefundExternalID,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := t.Validate(); err != nil {
			return TerminateResult{}, err
		}
		if _, dup := s.transfers[t.ID]; dup {
			return TerminateResult{}, fmt.Errorf("%w: duplicate refund id", ErrTransferMismatch)
		}
		if _, dup := s.byExternal[t.ExternalID]; dup {
			return TerminateResult{}, fmt.Errorf("%w: duplicate external id", ErrTransferMismatch)
		}
		s.putTransferLocked(t)
		c := cloneTransfer(t)
		refund = &c
	}

	s.lockups[req.Index] = l
	s.reindexLocked(req.Index, l)
	return TerminateResult{Lockup: l.Clone(), Unvested: unvested, Refund: refund}, nil
}

func (s *MemoryStore) Seize(_ context.Context, accounts []string) (SeizeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res SeizeResult
	for _, account := range accounts {
		reserved := s.reservedLocked(account)

		var accountTotal uint256.Int
		for _, e := range s.entriesLocked(account) {
			if _, ok := reserved[e.Index]; ok {
				continue
			}
			l := e.Lockup
			amt := l.Seize()
			if amt.IsZero() {
				continue
			}
			accountTotal.Add(&accountTotal, &amt)
			s.lockups[e.Index] = l
			s.reindexLocked(e.Index, l)
		}
		res.Total.Add(&res.Total, &accountTotal)
		res.Accounts = append(res.Accounts, AccountSeizure{Account: account, Amount: accountTotal})
	}
	return res, nil
}

func (s *MemoryStore) Compact(_ context.Context, max int) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	open := s.openItemsLocked()
	for n := 0; n < max && len(s.lockups) > 0; n++ {
		last := Index(len(s.lockups) - 1)
		if _, ok := open[last]; ok || s.lockups[last].Live() {
			break
		}
		s.lockups = s.lockups[:last]
	}
	return uint64(len(s.lockups)), nil
}

func (s *MemoryStore) GetTransfer(_ context.Context, id [32]byte) (Transfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.transfers[id]
	if !ok {
		return Transfer{}, ErrNotFound
	}
	return cloneTransfer(t), nil
}

func (s *MemoryStore) GetTransferByExternalID(_ context.Context, externalID [32]byte) (Transfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byExternal[externalID]
	if !ok {
		return Transfer{}, ErrNotFound
	}
	return cloneTransfer(s.transfers[id]), nil
}

func (s *MemoryStore) PendingClaim(_ context.Context, account string) (Transfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.pending[account]
	if !ok {
		return Transfer{}, ErrNotFound
	}
	return cloneTransfer(s.transfers[id]), nil
}

func (s *MemoryStore) ListTransfersByState(_ context.Context, state TransferState, limit int) ([]Transfer, error) {
	if limit <= 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Transfer
	for _, t := range s.transfers {
		if t.State == state {
			out = append(out, cloneTransfer(t))
		}
	}
	slices.SortFunc(out, func(a, b Transfer) int { return a.CreatedAt.Compare(b.CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) CommitTransfer(_ context.Context, id [32]byte) (Transfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.transfers[id]
	if !ok {
		return Transfer{}, ErrNotFound
	}
	switch t.State {
	case TransferStateCommitted:
		return cloneTransfer(t), nil
	case TransferStatePending:
	default:
		return Transfer{}, fmt.Errorf("%w: commit from %s", ErrInvalidTransition, t.State)
	}

	if t.Kind == TransferKindClaim {
		// Validate first so the commit is all-or-nothing.
		updated := make([]Lockup, len(t.Items))
		for i, it := range t.Items {
			if uint64(it.Index) >= uint64(len(s.lockups)) {
				return Transfer{}, fmt.Errorf("%w: lockup %d missing", ErrInvalidState, it.Index)
			}
			l := s.lockups[it.Index].Clone()
			if err := ApplyClaim(&l, it.Amount); err != nil {
				return Transfer{}, fmt.Errorf("lockup %d: %w", it.Index, err)
			}
			updated[i] = l
		}
		for i, it := range t.Items {
			s.lockups[it.Index] = updated[i]
			s.reindexLocked(it.Index, updated[i])
		}
		delete(s.pending, t.Account)
	}

	t.State = TransferStateCommitted
	t.Failure = ""
	t.UpdatedAt = s.now().UTC()
	s.transfers[id] = t
	return cloneTransfer(t), nil
}

func (s *MemoryStore) RollbackTransfer(_ context.Context, id [32]byte, reason string) (Transfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.transfers[id]
	if !ok {
		return Transfer{}, ErrNotFound
	}
	if t.Kind != TransferKindClaim {
		return Transfer{}, fmt.Errorf("%w: only claims roll back", ErrInvalidTransition)
	}
	switch t.State {
	case TransferStateRolledBack:
		return cloneTransfer(t), nil
	case TransferStatePending:
	default:
		return Transfer{}, fmt.Errorf("%w: rollback from %s", ErrInvalidTransition, t.State)
	}

	t.State = TransferStateRolledBack
	t.Failure = reason
	t.UpdatedAt = s.now().UTC()
	s.transfers[id] = t
	delete(s.pending, t.Account)
	return cloneTransfer(t), nil
}

func (s *MemoryStore) FailTransfer(_ context.Context, id [32]byte, reason string) (Transfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.transfers[id]
	if !ok {
		return Transfer{}, ErrNotFound
	}
	if t.Kind != TransferKindTerminationRefund {
		return Transfer{}, fmt.Errorf("%w: claims roll back instead of failing", ErrInvalidTransition)
	}
	switch t.State {
	case TransferStateFailed:
		return cloneTransfer(t), nil
	case TransferStatePending:
	default:
		return Transfer{}, fmt.Errorf("%w: fail from %s", ErrInvalidTransition, t.State)
	}

	t.State = TransferStateFailed
	t.Failure = reason
	t.UpdatedAt = s.now().UTC()
	s.transfers[id] = t
	return cloneTransfer(t), nil
}

func (s *MemoryStore) RetryTransfer(_ context.Context, id [32]byte, externalID [32]byte) (Transfer, error) {
	if externalID == ([32]byte{}) {
		return Transfer{}, fmt.Errorf("%w: missing external id", ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.transfers[id]
	if !ok {
		return Transfer{}, ErrNotFound
	}
	if t.Kind != TransferKindTerminationRefund {
		return Transfer{}, fmt.Errorf("%w: only refunds are retried", ErrInvalidTransition)
	}
	if t.State == TransferStatePending && t.ExternalID == externalID {
		return cloneTransfer(t), nil
	}
	if t.State != TransferStateFailed {
		return Transfer{}, fmt.Errorf("%w: retry from %s", ErrInvalidTransition, t.State)
	}
	if _, dup := s.byExternal[externalID]; dup {
		return Transfer{}, fmt.Errorf("%w: duplicate external id", ErrTransferMismatch)
	}

	t.State = TransferStatePending
	t.Attempt++
	t.ExternalID = externalID
	t.UpdatedAt = s.now().UTC()
	s.putTransferLocked(t)
	return cloneTransfer(t), nil
}

func (s *MemoryStore) AllowDepositor(_ context.Context, account string) error {
	if account == "" {
		return fmt.Errorf("%w: missing account", ErrValidation)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.depositors[account] = struct{}{}
	return nil
}

func (s *MemoryStore) DisallowDepositor(_ context.Context, account string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.depositors, account)
	return nil
}

func (s *MemoryStore) IsDepositorAllowed(_ context.Context, account string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.depositors[account]
	return ok, nil
}

func (s *MemoryStore) entriesLocked(account string) []Entry {
	set := s.accounts[account]
	out := make([]Entry, 0, len(set))
	for idx := range set {
		out = append(out, Entry{Index: idx, Lockup: s.lockups[idx].Clone()})
	}
	slices.SortFunc(out, func(a, b Entry) int {
		switch {
		case a.Index < b.Index:
			return -1
		case a.Index > b.Index:
			return 1
		default:
			return 0
		}
	})
	return out
}

func (s *MemoryStore) reservedLocked(account string) map[Index]struct{} {
	id, ok := s.pending[account]
	if !ok {
		return nil
	}
	out := make(map[Index]struct{})
	for _, it := range s.transfers[id].Items {
		out[it.Index] = struct{}{}
	}
	return out
}

// openItemsLocked returns the lockups referenced by transfers that may still
// reach the ledger.
func (s *MemoryStore) openItemsLocked() map[Index]struct{} {
	out := make(map[Index]struct{})
	for _, t := range s.transfers {
		if t.State != TransferStatePending && t.State != TransferStateFailed {
			continue
		}
		for _, it := range t.Items {
			out[it.Index] = struct{}{}
		}
	}
	return out
}

func (s *MemoryStore) indexLocked(idx Index, l Lockup) {
	if !l.Live() {
		return
	}
	set, ok := s.accounts[l.Account]
	if !ok {
		set = make(map[Index]struct{})
		s.accounts[l.Account] = set
	}
	set[idx] = struct{}{}
}

func (s *MemoryStore) reindexLocked(idx Index, l Lockup) {
	if l.Live() {
		s.indexLocked(idx, l)
		return
	}
	set := s.accounts[l.Account]
	delete(set, idx)
	if len(set) == 0 {
		delete(s.accounts, l.Account)
	}
}

func (s *MemoryStore) putTransferLocked(t Transfer) {
	t = cloneTransfer(t)
	s.transfers[t.ID] = t
	s.byExternal[t.ExternalID] = t.ID
}
