package db

import (
	"context"
	"strings"
)

// schema is the relational schema for the settlement service. The DDL is
// kept portable between postgres (production) and sqlite (test harness):
// TEXT keys, TEXT monetary amounts holding canonical decimal strings, and
// invariants that need arithmetic are enforced with conditional updates
// rather than column types. Uniqueness that spans rows (one active key per
// tuple, one pending wallet per identity) is enforced with partial unique
// indexes, which both engines support.
const schema = `
CREATE TABLE IF NOT EXISTS users (
	id              TEXT PRIMARY KEY,
	github_id       TEXT NOT NULL,
	wallet_address  TEXT NOT NULL DEFAULT '',
	root_credential TEXT NOT NULL DEFAULT '',
	date_created    TIMESTAMP NOT NULL,
	date_modified   TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS organizations (
	id              TEXT PRIMARY KEY,
	name            TEXT NOT NULL,
	root_credential TEXT NOT NULL,
	treasury_address TEXT NOT NULL DEFAULT '',
	date_created    TIMESTAMP NOT NULL,
	date_modified   TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS organization_members (
	org_id     TEXT NOT NULL,
	user_id    TEXT NOT NULL,
	role       TEXT NOT NULL,
	date_added TIMESTAMP NOT NULL,
	PRIMARY KEY (org_id, user_id)
);

CREATE TABLE IF NOT EXISTS access_keys (
	id                 TEXT PRIMARY KEY,
	owner_type         TEXT NOT NULL,
	owner_id           TEXT NOT NULL,
	grantee_user_id    TEXT NOT NULL DEFAULT '',
	delegate_key_id    TEXT NOT NULL,
	chain_id           BIGINT NOT NULL,
	key_type           SMALLINT NOT NULL,
	expiry             TIMESTAMP,
	status             TEXT NOT NULL,
	authorization_sig  TEXT NOT NULL,
	authorization_hash TEXT NOT NULL,
	revoke_reason      TEXT NOT NULL DEFAULT '',
	date_created       TIMESTAMP NOT NULL,
	date_modified      TIMESTAMP NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS access_keys_active_tuple
	ON access_keys (owner_type, owner_id, grantee_user_id, delegate_key_id, chain_id)
	WHERE status = 'active';

CREATE TABLE IF NOT EXISTS access_key_limits (
	key_id         TEXT NOT NULL,
	token_address  TEXT NOT NULL,
	initial_amount TEXT NOT NULL,
	remaining      TEXT NOT NULL,
	PRIMARY KEY (key_id, token_address)
);

CREATE TABLE IF NOT EXISTS access_key_receipts (
	id            TEXT PRIMARY KEY,
	key_id        TEXT NOT NULL,
	token_address TEXT NOT NULL,
	amount        TEXT NOT NULL,
	compensated   BOOLEAN NOT NULL DEFAULT FALSE,
	date_created  TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS payouts (
	id                TEXT PRIMARY KEY,
	source_type       TEXT NOT NULL,
	source_id         TEXT NOT NULL,
	payer_type        TEXT NOT NULL,
	payer_id          TEXT NOT NULL,
	recipient_address TEXT NOT NULL,
	recipient_user_id TEXT NOT NULL DEFAULT '',
	custodial         BOOLEAN NOT NULL DEFAULT FALSE,
	amount            TEXT NOT NULL,
	token_address     TEXT NOT NULL,
	memo              TEXT NOT NULL DEFAULT '',
	chain_id          BIGINT NOT NULL,
	status            TEXT NOT NULL,
	tx_hash           TEXT NOT NULL DEFAULT '',
	block_number      BIGINT NOT NULL DEFAULT 0,
	confirmed_at      TIMESTAMP,
	released_by       TEXT NOT NULL DEFAULT '',
	release_receipt_id TEXT NOT NULL DEFAULT '',
	error_message     TEXT NOT NULL DEFAULT '',
	date_created      TIMESTAMP NOT NULL,
	date_modified     TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS custodial_wallets (
	id                   TEXT PRIMARY KEY,
	external_identity_id TEXT NOT NULL,
	chain_id             BIGINT NOT NULL,
	address              TEXT NOT NULL,
	claim_token          TEXT NOT NULL,
	claim_expires_at     TIMESTAMP NOT NULL,
	status               TEXT NOT NULL,
	transferred_to       TEXT NOT NULL DEFAULT '',
	transfer_tx_hash     TEXT NOT NULL DEFAULT '',
	date_created         TIMESTAMP NOT NULL,
	date_modified        TIMESTAMP NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS custodial_wallets_claim_token ON custodial_wallets (claim_token);

CREATE UNIQUE INDEX IF NOT EXISTS custodial_wallets_pending_identity
	ON custodial_wallets (external_identity_id, chain_id)
	WHERE status = 'pending';

CREATE TABLE IF NOT EXISTS custodial_wallet_transfers (
	id            TEXT PRIMARY KEY,
	wallet_id     TEXT NOT NULL,
	token_address TEXT NOT NULL,
	amount        TEXT NOT NULL,
	tx_hash       TEXT NOT NULL,
	date_created  TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS bounties (
	id             TEXT PRIMARY KEY,
	org_id         TEXT NOT NULL DEFAULT '',
	funder_user_id TEXT NOT NULL DEFAULT '',
	issue_ref      TEXT NOT NULL,
	token_address  TEXT NOT NULL,
	amount         TEXT NOT NULL,
	status         TEXT NOT NULL,
	date_created   TIMESTAMP NOT NULL,
	date_modified  TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS submissions (
	id                  TEXT PRIMARY KEY,
	bounty_id           TEXT NOT NULL,
	contributor_user_id TEXT NOT NULL,
	status              TEXT NOT NULL,
	note                TEXT NOT NULL DEFAULT '',
	date_created        TIMESTAMP NOT NULL,
	date_modified       TIMESTAMP NOT NULL
);
`

// EnsureSchema creates any missing tables. Statements are idempotent so this
// is safe to run at every startup.
func (db *DB) EnsureSchema(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if len(stmt) == 0 {
			continue
		}

		if err := db.Execute(ctx, stmt); err != nil {
			return err
		}
	}

	return nil
}
