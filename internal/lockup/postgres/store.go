package postgres

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tokenlock/lockup/internal/lockup"
	"github.com/tokenlock/lockup/internal/schedule"
)

var ErrInvalidConfig = errors.New("lockup/postgres: invalid config")

// registryLockKey serializes appends and compaction on the lockup collection.
const registryLockKey int64 = 0x6c6f636b7570

type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Store struct {
	pool *pgxpool.Pool
}

var _ lockup.Store = (*Store)(nil)

func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	_, err := s.pool.Exec(ctx, schemaSQL)
	if err != nil {
		return fmt.Errorf("lockup/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) CreateLockups(ctx context.Context, d lockup.Deposit, lockups []lockup.Lockup) ([]lockup.Index, bool, error) {
	if s == nil || s.pool == nil {
		return nil, false, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if d.ID == ([32]byte{}) {
		return nil, false, fmt.Errorf("%w: missing deposit id", lockup.ErrValidation)
	}
	if len(lockups) == 0 {
		return nil, false, fmt.Errorf("%w: no lockups", lockup.ErrValidation)
	}
	for i, l := range lockups {
		if err := l.AssertNewValid(l.Total()); err != nil {
			return nil, false, fmt.Errorf("lockup #%d: %w", i, err)
		}
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, false, fmt.Errorf("lockup/postgres: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	next, err := lockRegistry(ctx, tx)
	if err != nil {
		return nil, false, err
	}
	if next+uint64(len(lockups)) > math.MaxInt64 {
		return nil, false, fmt.Errorf("%w: registry full", lockup.ErrInvalidState)
	}

	// The registry lock serializes creators, so a replay always sees the row
	// committed by the first delivery.
	tag, err := tx.Exec(ctx, `
		INSERT INTO lockup_deposits (deposit_id, digest, first_index, lockup_count, created_at)
		VALUES ($1,$2,$3,$4,now())
		ON CONFLICT (deposit_id) DO NOTHING
	`, d.ID[:], d.Digest[:], int64(next), len(lockups))
	if err != nil {
		return nil, false, fmt.Errorf("lockup/postgres: insert deposit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		out, err := replayDeposit(ctx, tx, d, len(lockups))
		return out, false, err
	}

	out := make([]lockup.Index, 0, len(lockups))
	for _, l := range lockups {
		if err := insertLockup(ctx, tx, lockup.Index(next), l); err != nil {
			return nil, false, err
		}
		out = append(out, lockup.Index(next))
		next++
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("lockup/postgres: commit: %w", err)
	}
	return out, true, nil
}

func (s *Store) Get(ctx context.Context, index lockup.Index) (lockup.Lockup, error) {
	if s == nil || s.pool == nil {
		return lockup.Lockup{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	e, err := getLockup(ctx, s.pool, index, false)
	if err != nil {
		return lockup.Lockup{}, err
	}
	return e.Lockup, nil
}

func (s *Store) List(ctx context.Context, offset lockup.Index, limit int) ([]lockup.Entry, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if limit <= 0 || uint64(offset) > math.MaxInt64 {
		return nil, nil
	}
	return queryLockups(ctx, s.pool, `
		SELECT `+lockupColumns+`
		FROM lockups
		WHERE lockup_index >= $1
		ORDER BY lockup_index ASC
		LIMIT $2
	`, int64(offset), limit)
}

func (s *Store) ListByAccount(ctx context.Context, account string) ([]lockup.Entry, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	return liveByAccount(ctx, s.pool, account, false)
}

func (s *Store) Count(ctx context.Context) (uint64, error) {
	if s == nil || s.pool == nil {
		return 0, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(lockup_index) + 1, 0) FROM lockups`).Scan(&n); err != nil {
		return 0, fmt.Errorf("lockup/postgres: count: %w", err)
	}
	return uint64(n), nil
}

func (s *Store) ReserveClaim(ctx context.Context, req lockup.ClaimRequest) (lockup.Transfer, error) {
	if s == nil || s.pool == nil {
		return lockup.Transfer{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if req.Account == "" {
		return lockup.Transfer{}, fmt.Errorf("%w: missing account", lockup.ErrValidation)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return lockup.Transfer{}, fmt.Errorf("lockup/postgres: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if existing, err := getTransfer(ctx, tx, req.ID, false); err == nil {
		return existing, nil
	} else if !errors.Is(err, lockup.ErrNotFound) {
		return lockup.Transfer{}, err
	}

	entries, err := liveByAccount(ctx, tx, req.Account, true)
	if err != nil {
		return lockup.Transfer{}, err
	}
	if _, err := pendingClaimID(ctx, tx, req.Account); err == nil {
		return lockup.Transfer{}, lockup.ErrAccountBusy
	} else if !errors.Is(err, lockup.ErrNotFound) {
		return lockup.Transfer{}, err
	}

	items, total, err := lockup.PlanClaim(entries, req.Now, req.MaxLockups)
	if err != nil {
		return lockup.Transfer{}, err
	}
	t := lockup.Transfer{
		ID:         req.ID,
		Kind:       lockup.TransferKindClaim,
		Account:    req.Account,
		Recipient:  req.Account,
		Items:      items,
		Amount:     total,
		State:      lockup.TransferStatePending,
		ExternalID: req.ExternalID,
	}
	if err := t.Validate(); err != nil {
		return lockup.Transfer{}, err
	}
	if err := insertTransfer(ctx, tx, t); err != nil {
		return lockup.Transfer{}, err
	}

	out, err := getTransfer(ctx, tx, t.ID, false)
	if err != nil {
		return lockup.Transfer{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return lockup.Transfer{}, fmt.Errorf("lockup/postgres: commit: %w", err)
	}
	return out, nil
}

func (s *Store) TerminateLockup(ctx context.Context, req lockup.TerminateRequest) (lockup.TerminateResult, error) {
	if s == nil || s.pool == nil {
		return lockup.TerminateResult{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return lockup.TerminateResult{}, fmt.Errorf("lockup/postgres: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	e, err := getLockup(ctx, tx, req.Index, true)
	if err != nil {
		return lockup.TerminateResult{}, err
	}
	if _, err := pendingClaimID(ctx, tx, e.Lockup.Account); err == nil {
		return lockup.TerminateResult{}, lockup.ErrAccountBusy
	} else if !errors.Is(err, lockup.ErrNotFound) {
		return lockup.TerminateResult{}, err
	}

	l := e.Lockup
	unvested, err := l.Terminate(req.Caller, req.Reveal, req.Now)
	if err != nil {
		return lockup.TerminateResult{}, err
	}

	var refund *lockup.Transfer
	if !unvested.IsZero() {
		t := lockup.Transfer{
			ID:         req.RefundID,
			Kind:       lockup.TransferKindTerminationRefund,
			Account:    l.Account,
			Recipient:  req.Caller,
			Items:      []lockup.TransferItem{{Index: req.Index, Amount: unvested}},
			Amount:     unvested,
			State:      lockup.TransferStatePending,
			ExternalID: req.RefundExternalID,
		}
		if err := t.Validate(); err != nil {
			return lockup.TerminateResult{}, err
		}
		if err := insertTransfer(ctx, tx, t); err != nil {
			return lockup.TerminateResult{}, err
		}
		stored, err := getTransfer(ctx, tx, t.ID, false)
		if err != nil {
			return lockup.TerminateResult{}, err
		}
		refund = &stored
	}

	if err := updateLockup(ctx, tx, req.Index, l); err != nil {
		return lockup.TerminateResult{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return lockup.TerminateResult{}, fmt.Errorf("lockup/postgres: commit: %w", err)
	}
	return lockup.TerminateResult{Lockup: l, Unvested: unvested, Refund: refund}, nil
}

func (s *Store) Seize(ctx context.Context, accounts []string) (lockup.SeizeResult, error) {
	if s == nil || s.pool == nil {
		return lockup.SeizeResult{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return lockup.SeizeResult{}, fmt.Errorf("lockup/postgres: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var res lockup.SeizeResult
	for _, account := range accounts {
		entries, err := liveByAccount(ctx, tx, account, true)
		if err != nil {
			return lockup.SeizeResult{}, err
		}
		reserved, err := reservedIndices(ctx, tx, account)
		if err != nil {
			return lockup.SeizeResult{}, err
		}

		var accountTotal uint256.Int
		for _, e := range entries {
			if _, ok := reserved[e.Index]; ok {
				continue
			}
			l := e.Lockup
			amt := l.Seize()
			if amt.IsZero() {
				continue
			}
			if err := updateLockup(ctx, tx, e.Index, l); err != nil {
				return lockup.SeizeResult{}, err
			}
			accountTotal.Add(&accountTotal, &amt)
		}
		res.Total.Add(&res.Total, &accountTotal)
		res.Accounts = append(res.Accounts, lockup.AccountSeizure{Account: account, Amount: accountTotal})
	}

	if err := tx.Commit(ctx); err != nil {
		return lockup.SeizeResult{}, fmt.Errorf("lockup/postgres: commit: %w", err)
	}
	return res, nil
}

func (s *Store) Compact(ctx context.Context, max int) (uint64, error) {
	if s == nil || s.pool == nil {
		return 0, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("lockup/postgres: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	n, err := lockRegistry(ctx, tx)
	if err != nil {
		return 0, err
	}
	for i := 0; i < max && n > 0; i++ {
		tag, err := tx.Exec(ctx, `
			DELETE FROM lockups l
			WHERE l.lockup_index = $1 AND l.claimed >= l.total
			AND NOT EXISTS (
				SELECT 1
				FROM lockup_transfer_items i
				JOIN lockup_transfers t ON t.transfer_id = i.transfer_id
				WHERE i.lockup_index = l.lockup_index AND t.state IN ($2, $3)
			)
		`, int64(n-1), int16(lockup.TransferStatePending), int16(lockup.TransferStateFailed))
		if err != nil {
			return 0, fmt.Errorf("lockup/postgres: compact: %w", err)
		}
		if tag.RowsAffected() != 1 {
			break
		}
		n--
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("lockup/postgres: commit: %w", err)
	}
	return n, nil
}

func (s *Store) GetTransfer(ctx context.Context, id [32]byte) (lockup.Transfer, error) {
	if s == nil || s.pool == nil {
		return lockup.Transfer{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	return getTransfer(ctx, s.pool, id, false)
}

func (s *Store) GetTransferByExternalID(ctx context.Context, externalID [32]byte) (lockup.Transfer, error) {
	if s == nil || s.pool == nil {
		return lockup.Transfer{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	var idRaw []byte
	err := s.pool.QueryRow(ctx, `
		SELECT transfer_id FROM lockup_transfer_attempts WHERE external_id = $1
	`, externalID[:]).Scan(&idRaw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return lockup.Transfer{}, lockup.ErrNotFound
		}
		return lockup.Transfer{}, fmt.Errorf("lockup/postgres: get attempt: %w", err)
	}
	id, err := to32(idRaw)
	if err != nil {
		return lockup.Transfer{}, err
	}
	return getTransfer(ctx, s.pool, id, false)
}

func (s *Store) PendingClaim(ctx context.Context, account string) (lockup.Transfer, error) {
	if s == nil || s.pool == nil {
		return lockup.Transfer{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	id, err := pendingClaimID(ctx, s.pool, account)
	if err != nil {
		return lockup.Transfer{}, err
	}
	return getTransfer(ctx, s.pool, id, false)
}

func (s *Store) ListTransfersByState(ctx context.Context, state lockup.TransferState, limit int) ([]lockup.Transfer, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if limit <= 0 {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT transfer_id
		FROM lockup_transfers
		WHERE state = $1
		ORDER BY created_at ASC, transfer_id ASC
		LIMIT $2
	`, int16(state), limit)
	if err != nil {
		return nil, fmt.Errorf("lockup/postgres: list transfers: %w", err)
	}
	var ids [][32]byte
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			rows.Close()
			return nil, fmt.Errorf("lockup/postgres: scan transfer id: %w", err)
		}
		id, err := to32(raw)
		if err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("lockup/postgres: transfer rows: %w", err)
	}

	out := make([]lockup.Transfer, 0, len(ids))
	for _, id := range ids {
		t, err := getTransfer(ctx, s.pool, id, false)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *Store) CommitTransfer(ctx context.Context, id [32]byte) (lockup.Transfer, error) {
	return s.transition(ctx, id, func(ctx context.Context, tx pgx.Tx, t *lockup.Transfer) (bool, error) {
		switch t.State {
		case lockup.TransferStateCommitted:
			return false, nil
		case lockup.TransferStatePending:
		default:
			return false, fmt.Errorf("%w: commit from %s", lockup.ErrInvalidTransition, t.State)
		}

		if t.Kind == lockup.TransferKindClaim {
			for _, it := range t.Items {
				e, err := getLockup(ctx, tx, it.Index, true)
				if err != nil {
					if errors.Is(err, lockup.ErrNotFound) {
						return false, fmt.Errorf("%w: lockup %d missing", lockup.ErrInvalidState, it.Index)
					}
					return false, err
				}
				l := e.Lockup
				if err := lockup.ApplyClaim(&l, it.Amount); err != nil {
					return false, fmt.Errorf("lockup %d: %w", it.Index, err)
				}
				if err := updateLockup(ctx, tx, it.Index, l); err != nil {
					return false, err
				}
			}
		}
		t.State = lockup.TransferStateCommitted
		t.Failure = ""
		return true, nil
	})
}

func (s *Store) RollbackTransfer(ctx context.Context, id [32]byte, reason string) (lockup.Transfer, error) {
	return s.transition(ctx, id, func(_ context.Context, _ pgx.Tx, t *lockup.Transfer) (bool, error) {
		if t.Kind != lockup.TransferKindClaim {
			return false, fmt.Errorf("%w: only claims roll back", lockup.ErrInvalidTransition)
		}
		switch t.State {
		case lockup.TransferStateRolledBack:
			return false, nil
		case lockup.TransferStatePending:
		default:
			return false, fmt.Errorf("%w: rollback from %s", lockup.ErrInvalidTransition, t.State)
		}
		t.State = lockup.TransferStateRolledBack
		t.Failure = reason
		return true, nil
	})
}

func (s *Store) FailTransfer(ctx context.Context, id [32]byte, reason string) (lockup.Transfer, error) {
	return s.transition(ctx, id, func(_ context.Context, _ pgx.Tx, t *lockup.Transfer) (bool, error) {
		if t.Kind != lockup.TransferKindTerminationRefund {
			return false, fmt.Errorf("%w: claims roll back instead of failing", lockup.ErrInvalidTransition)
		}
		switch t.State {
		case lockup.TransferStateFailed:
			return false, nil
		case lockup.TransferStatePending:
		default:
			return false, fmt.Errorf("%w: fail from %s", lockup.ErrInvalidTransition, t.State)
		}
		t.State = lockup.TransferStateFailed
		t.Failure = reason
		return true, nil
	})
}

func (s *Store) RetryTransfer(ctx context.Context, id [32]byte, externalID [32]byte) (lockup.Transfer, error) {
	if externalID == ([32]byte{}) {
		return lockup.Transfer{}, fmt.Errorf("%w: missing external id", lockup.ErrValidation)
	}
	return s.transition(ctx, id, func(ctx context.Context, tx pgx.Tx, t *lockup.Transfer) (bool, error) {
		if t.Kind != lockup.TransferKindTerminationRefund {
			return false, fmt.Errorf("%w: only refunds are retried", lockup.ErrInvalidTransition)
		}
		if t.State == lockup.TransferStatePending && t.ExternalID == externalID {
			return false, nil
		}
		if t.State != lockup.TransferStateFailed {
			return false, fmt.Errorf("%w: retry from %s", lockup.ErrInvalidTransition, t.State)
		}
		t.State = lockup.TransferStatePending
		t.Attempt++
		t.ExternalID = externalID
		if err := insertAttempt(ctx, tx, t.ID, externalID, t.Attempt); err != nil {
			return false, err
		}
		return true, nil
	})
}

func (s *Store) AllowDepositor(ctx context.Context, account string) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if account == "" {
		return fmt.Errorf("%w: missing account", lockup.ErrValidation)
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO lockup_depositors (account, created_at)
		VALUES ($1, now())
		ON CONFLICT (account) DO NOTHING
	`, account)
	if err != nil {
		return fmt.Errorf("lockup/postgres: allow depositor: %w", err)
	}
	return nil
}

func (s *Store) DisallowDepositor(ctx context.Context, account string) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	_, err := s.pool.Exec(ctx, `DELETE FROM lockup_depositors WHERE account = $1`, account)
	if err != nil {
		return fmt.Errorf("lockup/postgres: disallow depositor: %w", err)
	}
	return nil
}

func (s *Store) IsDepositorAllowed(ctx context.Context, account string) (bool, error) {
	if s == nil || s.pool == nil {
		return false, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	var ok bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM lockup_depositors WHERE account = $1)
	`, account).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("lockup/postgres: is depositor allowed: %w", err)
	}
	return ok, nil
}

// transition loads the transfer under a row lock, lets fn mutate it and
// persists the result when fn reports a change.
func (s *Store) transition(ctx context.Context, id [32]byte, fn func(context.Context, pgx.Tx, *lockup.Transfer) (bool, error)) (lockup.Transfer, error) {
	if s == nil || s.pool == nil {
		return lockup.Transfer{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return lockup.Transfer{}, fmt.Errorf("lockup/postgres: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	t, err := getTransfer(ctx, tx, id, true)
	if err != nil {
		return lockup.Transfer{}, err
	}
	changed, err := fn(ctx, tx, &t)
	if err != nil {
		return lockup.Transfer{}, err
	}
	if !changed {
		return t, nil
	}

	_, err = tx.Exec(ctx, `
		UPDATE lockup_transfers
		SET state = $2,
			attempt = $3,
			external_id = $4,
			failure = $5,
			updated_at = now()
		WHERE transfer_id = $1
	`, id[:], int16(t.State), int32(t.Attempt), t.ExternalID[:], t.Failure)
	if err != nil {
		return lockup.Transfer{}, fmt.Errorf("lockup/postgres: update transfer: %w", err)
	}

	out, err := getTransfer(ctx, tx, id, false)
	if err != nil {
		return lockup.Transfer{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return lockup.Transfer{}, fmt.Errorf("lockup/postgres: commit: %w", err)
	}
	return out, nil
}

const lockupColumns = `lockup_index, account, schedule::text, claimed::text, terminator, vesting, commitment`

func lockRegistry(ctx context.Context, tx pgx.Tx) (uint64, error) {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, registryLockKey); err != nil {
		return 0, fmt.Errorf("lockup/postgres: lock registry: %w", err)
	}
	var n int64
	if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(lockup_index) + 1, 0) FROM lockups`).Scan(&n); err != nil {
		return 0, fmt.Errorf("lockup/postgres: registry size: %w", err)
	}
	return uint64(n), nil
}

func replayDeposit(ctx context.Context, q dbtx, d lockup.Deposit, count int) ([]lockup.Index, error) {
	var (
		digest []byte
		first  int64
		n      int
	)
	err := q.QueryRow(ctx, `
		SELECT digest, first_index, lockup_count
		FROM lockup_deposits
		WHERE deposit_id = $1
	`, d.ID[:]).Scan(&digest, &first, &n)
	if err != nil {
		return nil, fmt.Errorf("lockup/postgres: get deposit: %w", err)
	}
	if !bytes.Equal(digest, d.Digest[:]) || n != count {
		return nil, lockup.ErrDepositMismatch
	}
	out := make([]lockup.Index, n)
	for i := range out {
		out[i] = lockup.Index(first + int64(i))
	}
	return out, nil
}

func insertLockup(ctx context.Context, q dbtx, index lockup.Index, l lockup.Lockup) error {
	args, err := lockupArgs(l)
	if err != nil {
		return err
	}
	_, err = q.Exec(ctx, `
		INSERT INTO lockups (
			lockup_index,
			account,
			schedule,
			total,
			claimed,
			terminator,
			vesting,
			commitment,
			created_at,
			updated_at
		) VALUES ($1,$2,$3::jsonb,$4::numeric,$5::numeric,$6,$7,$8,now(),now())
	`, append([]any{int64(index)}, args...)...)
	if err != nil {
		return fmt.Errorf("lockup/postgres: insert lockup: %w", err)
	}
	return nil
}

func updateLockup(ctx context.Context, q dbtx, index lockup.Index, l lockup.Lockup) error {
	args, err := lockupArgs(l)
	if err != nil {
		return err
	}
	tag, err := q.Exec(ctx, `
		UPDATE lockups
		SET account = $2,
			schedule = $3::jsonb,
			total = $4::numeric,
			claimed = $5::numeric,
			terminator = $6,
			vesting = $7,
			commitment = $8,
			updated_at = now()
		WHERE lockup_index = $1
	`, append([]any{int64(index)}, args...)...)
	if err != nil {
		return fmt.Errorf("lockup/postgres: update lockup: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return lockup.ErrNotFound
	}
	return nil
}

func lockupArgs(l lockup.Lockup) ([]any, error) {
	sched := l.Schedule
	if sched == nil {
		sched = schedule.Dead()
	}
	raw, err := json.Marshal(sched)
	if err != nil {
		return nil, fmt.Errorf("lockup/postgres: encode schedule: %w", err)
	}
	total := l.Total()

	var (
		terminator *string
		vesting    *int16
		commitment []byte
	)
	if p := l.Termination; p != nil {
		name := p.Terminator
		kind := int16(p.Vesting)
		terminator = &name
		vesting = &kind
		if p.Commitment != (common.Hash{}) {
			commitment = append([]byte(nil), p.Commitment[:]...)
		}
	}
	return []any{l.Account, string(raw), total.Dec(), l.Claimed.Dec(), terminator, vesting, commitment}, nil
}

func getLockup(ctx context.Context, q dbtx, index lockup.Index, forUpdate bool) (lockup.Entry, error) {
	if uint64(index) > math.MaxInt64 {
		return lockup.Entry{}, lockup.ErrNotFound
	}
	sql := `SELECT ` + lockupColumns + ` FROM lockups WHERE lockup_index = $1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	e, err := scanLockup(q.QueryRow(ctx, sql, int64(index)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return lockup.Entry{}, lockup.ErrNotFound
		}
		return lockup.Entry{}, err
	}
	return e, nil
}

func liveByAccount(ctx context.Context, q dbtx, account string, forUpdate bool) ([]lockup.Entry, error) {
	sql := `
		SELECT ` + lockupColumns + `
		FROM lockups
		WHERE account = $1 AND claimed < total
		ORDER BY lockup_index ASC`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	return queryLockups(ctx, q, sql, account)
}

func queryLockups(ctx context.Context, q dbtx, sql string, args ...any) ([]lockup.Entry, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("lockup/postgres: query lockups: %w", err)
	}
	defer rows.Close()

	var out []lockup.Entry
	for rows.Next() {
		e, err := scanLockup(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("lockup/postgres: lockup rows: %w", err)
	}
	return out, nil
}

func scanLockup(row pgx.Row) (lockup.Entry, error) {
	var (
		index      int64
		account    string
		schedRaw   string
		claimedRaw string
		terminator *string
		vesting    *int16
		commitment []byte
	)
	if err := row.Scan(&index, &account, &schedRaw, &claimedRaw, &terminator, &vesting, &commitment); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return lockup.Entry{}, err
		}
		return lockup.Entry{}, fmt.Errorf("lockup/postgres: scan lockup: %w", err)
	}
	if index < 0 {
		return lockup.Entry{}, fmt.Errorf("lockup/postgres: negative index in db")
	}

	var sched schedule.Schedule
	if err := json.Unmarshal([]byte(schedRaw), &sched); err != nil {
		return lockup.Entry{}, fmt.Errorf("lockup/postgres: decode schedule: %w", err)
	}
	claimed, err := schedule.ParseAmount(claimedRaw)
	if err != nil {
		return lockup.Entry{}, fmt.Errorf("lockup/postgres: decode claimed: %w", err)
	}

	l := lockup.Lockup{Account: account, Schedule: sched, Claimed: claimed}
	if terminator != nil {
		p := &lockup.TerminationPolicy{Terminator: *terminator}
		if vesting != nil {
			p.Vesting = lockup.VestingKind(*vesting)
		}
		if len(commitment) > 0 {
			h, err := to32(commitment)
			if err != nil {
				return lockup.Entry{}, err
			}
			p.Commitment = common.Hash(h)
		}
		l.Termination = p
	}
	return lockup.Entry{Index: lockup.Index(index), Lockup: l}, nil
}

func insertTransfer(ctx context.Context, q dbtx, t lockup.Transfer) error {
	_, err := q.Exec(ctx, `
		INSERT INTO lockup_transfers (
			transfer_id,
			kind,
			account,
			recipient,
			amount,
			state,
			attempt,
			external_id,
			failure,
			created_at,
			updated_at
		) VALUES ($1,$2,$3,$4,$5::numeric,$6,$7,$8,'',now(),now())
	`, t.ID[:], int16(t.Kind), t.Account, t.Recipient, t.Amount.Dec(), int16(t.State), int32(t.Attempt), t.ExternalID[:])
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			if pgErr.ConstraintName == "lockup_transfers_pending_claim_uniq" {
				return lockup.ErrAccountBusy
			}
			return fmt.Errorf("%w: duplicate transfer id", lockup.ErrTransferMismatch)
		}
		return fmt.Errorf("lockup/postgres: insert transfer: %w", err)
	}

	for _, it := range t.Items {
		_, err := q.Exec(ctx, `
			INSERT INTO lockup_transfer_items (transfer_id, lockup_index, amount)
			VALUES ($1,$2,$3::numeric)
		`, t.ID[:], int64(it.Index), it.Amount.Dec())
		if err != nil {
			return fmt.Errorf("lockup/postgres: insert transfer item: %w", err)
		}
	}
	return insertAttempt(ctx, q, t.ID, t.ExternalID, t.Attempt)
}

func insertAttempt(ctx context.Context, q dbtx, id, externalID [32]byte, attempt uint32) error {
	_, err := q.Exec(ctx, `
		INSERT INTO lockup_transfer_attempts (external_id, transfer_id, attempt)
		VALUES ($1,$2,$3)
	`, externalID[:], id[:], int32(attempt))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%w: duplicate external id", lockup.ErrTransferMismatch)
		}
		return fmt.Errorf("lockup/postgres: insert attempt: %w", err)
	}
	return nil
}

func getTransfer(ctx context.Context, q dbtx, id [32]byte, forUpdate bool) (lockup.Transfer, error) {
	sql := `
		SELECT kind, account, recipient, amount::text, state, attempt, external_id, failure, created_at, updated_at
		FROM lockup_transfers
		WHERE transfer_id = $1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}

	var (
		t         = lockup.Transfer{ID: id}
		kind      int16
		amountRaw string
		state     int16
		attempt   int32
		extRaw    []byte
	)
	err := q.QueryRow(ctx, sql, id[:]).Scan(&kind, &t.Account, &t.Recipient, &amountRaw, &state, &attempt, &extRaw, &t.Failure, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return lockup.Transfer{}, lockup.ErrNotFound
		}
		return lockup.Transfer{}, fmt.Errorf("lockup/postgres: get transfer: %w", err)
	}
	if attempt < 0 {
		return lockup.Transfer{}, fmt.Errorf("lockup/postgres: negative attempt in db")
	}
	t.Kind = lockup.TransferKind(kind)
	t.State = lockup.TransferState(state)
	t.Attempt = uint32(attempt)
	if t.Amount, err = schedule.ParseAmount(amountRaw); err != nil {
		return lockup.Transfer{}, fmt.Errorf("lockup/postgres: decode amount: %w", err)
	}
	if t.ExternalID, err = to32(extRaw); err != nil {
		return lockup.Transfer{}, err
	}

	rows, err := q.Query(ctx, `
		SELECT lockup_index, amount::text
		FROM lockup_transfer_items
		WHERE transfer_id = $1
		ORDER BY lockup_index ASC
	`, id[:])
	if err != nil {
		return lockup.Transfer{}, fmt.Errorf("lockup/postgres: query transfer items: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			index int64
			raw   string
		)
		if err := rows.Scan(&index, &raw); err != nil {
			return lockup.Transfer{}, fmt.Errorf("lockup/postgres: scan transfer item: %w", err)
		}
		amt, err := schedule.ParseAmount(raw)
		if err != nil {
			return lockup.Transfer{}, fmt.Errorf("lockup/postgres: decode item amount: %w", err)
		}
		t.Items = append(t.Items, lockup.TransferItem{Index: lockup.Index(index), Amount: amt})
	}
	if err := rows.Err(); err != nil {
		return lockup.Transfer{}, fmt.Errorf("lockup/postgres: transfer item rows: %w", err)
	}
	return t, nil
}

func pendingClaimID(ctx context.Context, q dbtx, account string) ([32]byte, error) {
	var raw []byte
	err := q.QueryRow(ctx, `
		SELECT transfer_id
		FROM lockup_transfers
		WHERE account = $1 AND kind = $2 AND state = $3
	`, account, int16(lockup.TransferKindClaim), int16(lockup.TransferStatePending)).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return [32]byte{}, lockup.ErrNotFound
		}
		return [32]byte{}, fmt.Errorf("lockup/postgres: pending claim: %w", err)
	}
	return to32(raw)
}

func reservedIndices(ctx context.Context, q dbtx, account string) (map[lockup.Index]struct{}, error) {
	rows, err := q.Query(ctx, `
		SELECT i.lockup_index
		FROM lockup_transfer_items i
		JOIN lockup_transfers t ON t.transfer_id = i.transfer_id
		WHERE t.account = $1 AND t.kind = $2 AND t.state = $3
	`, account, int16(lockup.TransferKindClaim), int16(lockup.TransferStatePending))
	if err != nil {
		return nil, fmt.Errorf("lockup/postgres: reserved indices: %w", err)
	}
	defer rows.Close()

	out := make(map[lockup.Index]struct{})
	for rows.Next() {
		var index int64
		if err := rows.Scan(&index); err != nil {
			return nil, fmt.Errorf("lockup/postgres: scan reserved index: %w", err)
		}
		out[lockup.Index(index)] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("lockup/postgres: reserved rows: %w", err)
	}
	return out, nil
}

func to32(b []byte) ([32]byte, error) {
	if len(b) != 32 {
		return [32]byte{}, fmt.Errorf("lockup/postgres: expected 32 bytes, got %d", len(b))
	}
	var out [32]byte
	copy(out[:], b)
	return out, nil
}
