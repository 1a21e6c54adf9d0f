package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS lockups (
	lockup_index BIGINT PRIMARY KEY,
	account TEXT NOT NULL,
	schedule JSONB NOT NULL,
	total NUMERIC(78,0) NOT NULL,
	claimed NUMERIC(78,0) NOT NULL DEFAULT 0,

	terminator TEXT,
	vesting SMALLINT,
	commitment BYTEA,

	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT lockup_index_nonneg CHECK (lockup_index >= 0),
	CONSTRAINT account_nonempty CHECK (account <> ''),
	CONSTRAINT claimed_le_total CHECK (claimed >= 0 AND claimed <= total),
	CONSTRAINT terminator_nonempty CHECK (terminator IS NULL OR terminator <> ''),
	CONSTRAINT vesting_range CHECK (vesting IS NULL OR (vesting >= 0 AND vesting <= 2)),
	CONSTRAINT commitment_len CHECK (commitment IS NULL OR octet_length(commitment) = 32)
);

-- Account index over live lockups.
CREATE INDEX IF NOT EXISTS lockups_live_account_idx ON lockups (account, lockup_index) WHERE claimed < total;

CREATE TABLE IF NOT EXISTS lockup_transfers (
	transfer_id BYTEA PRIMARY KEY,
	kind SMALLINT NOT NULL,
	account TEXT NOT NULL,
	recipient TEXT NOT NULL,
	amount NUMERIC(78,0) NOT NULL,
	state SMALLINT NOT NULL,
	attempt INTEGER NOT NULL DEFAULT 0,
	external_id BYTEA NOT NULL,
	failure TEXT NOT NULL DEFAULT '',

	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT transfer_id_len CHECK (octet_length(transfer_id) = 32),
	CONSTRAINT external_id_len CHECK (octet_length(external_id) = 32),
	CONSTRAINT kind_range CHECK (kind >= 1 AND kind <= 2),
	CONSTRAINT state_range CHECK (state >= 1 AND state <= 4),
	CONSTRAINT amount_positive CHECK (amount > 0),
	CONSTRAINT attempt_nonneg CHECK (attempt >= 0)
);

-- At most one pending claim per account.
CREATE UNIQUE INDEX IF NOT EXISTS lockup_transfers_pending_claim_uniq ON lockup_transfers (account) WHERE kind = 1 AND state = 1;
CREATE INDEX IF NOT EXISTS lockup_transfers_state_idx ON lockup_transfers (state, created_at);

CREATE TABLE IF NOT EXISTS lockup_transfer_items (
	transfer_id BYTEA NOT NULL REFERENCES lockup_transfers(transfer_id) ON DELETE CASCADE,
	lockup_index BIGINT NOT NULL,
	amount NUMERIC(78,0) NOT NULL,

	PRIMARY KEY (transfer_id, lockup_index),

	CONSTRAINT item_amount_positive CHECK (amount > 0)
);

CREATE TABLE IF NOT EXISTS lockup_transfer_attempts (
	external_id BYTEA PRIMARY KEY,
	transfer_id BYTEA NOT NULL REFERENCES lockup_transfers(transfer_id) ON DELETE CASCADE,
	attempt INTEGER NOT NULL,

	CONSTRAINT attempt_external_id_len CHECK (octet_length(external_id) = 32)
);

-- One row per funding transfer; its lockups are the contiguous range
-- [first_index, first_index + lockup_count).
CREATE TABLE IF NOT EXISTS lockup_deposits (
	deposit_id BYTEA PRIMARY KEY,
	digest BYTEA NOT NULL,
	first_index BIGINT NOT NULL,
	lockup_count INTEGER NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT deposit_id_len CHECK (octet_length(deposit_id) = 32),
	CONSTRAINT deposit_digest_len CHECK (octet_length(digest) = 32),
	CONSTRAINT deposit_count_positive CHECK (lockup_count > 0)
);

CREATE TABLE IF NOT EXISTS lockup_depositors (
	account TEXT PRIMARY KEY,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT depositor_nonempty CHECK (account <> '')
);
`
