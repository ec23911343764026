package infra

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// migrations are applied in order and recorded by name, so adding a new
// statement at the end is the only supported way to evolve the schema.
var migrations = []struct {
	name string
	ddl  string
}{
	{
		name: "001_accounts",
		ddl: `
CREATE TABLE IF NOT EXISTS accounts (
    id         UUID PRIMARY KEY,
    owner_id   UUID NOT NULL,
    type       TEXT NOT NULL,
    balance    BIGINT NOT NULL DEFAULT 0,
    currency   TEXT NOT NULL,
    status     TEXT NOT NULL DEFAULT 'active',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS accounts_owner_type_uniq
    ON accounts (owner_id, type) WHERE type <> 'EXTERNAL';
CREATE UNIQUE INDEX IF NOT EXISTS accounts_external_currency_uniq
    ON accounts (currency) WHERE type = 'EXTERNAL';`,
	},
	{
		name: "002_transactions",
		ddl: `
CREATE TABLE IF NOT EXISTS transactions (
    id                   UUID PRIMARY KEY,
    type                 TEXT NOT NULL,
    sender_account_id    UUID REFERENCES accounts (id),
    recipient_account_id UUID REFERENCES accounts (id),
    amount               BIGINT NOT NULL CHECK (amount > 0),
    currency             TEXT NOT NULL,
    status               TEXT NOT NULL DEFAULT 'pending',
    reference            TEXT NOT NULL UNIQUE,
    channel              TEXT NOT NULL DEFAULT 'internal',
    risk_score           INT NOT NULL DEFAULT 0,
    retry_count          INT NOT NULL DEFAULT 0,
    provider_ref         TEXT NOT NULL DEFAULT '',
    failure_reason       TEXT NOT NULL DEFAULT '',
    reversal_of          UUID REFERENCES transactions (id),
    created_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
    completed_at         TIMESTAMPTZ,
    failed_at            TIMESTAMPTZ,
    cancelled_at         TIMESTAMPTZ,
    reversed_at          TIMESTAMPTZ,
    blocked_at           TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS transactions_status_channel_idx
    ON transactions (status, channel, created_at);
CREATE INDEX IF NOT EXISTS transactions_created_at_idx
    ON transactions (created_at);`,
	},
	{
		name: "003_entries",
		ddl: `
CREATE TABLE IF NOT EXISTS entries (
    id             UUID PRIMARY KEY,
    transaction_id UUID NOT NULL REFERENCES transactions (id),
    account_id     UUID NOT NULL REFERENCES accounts (id),
    direction      TEXT NOT NULL CHECK (direction IN ('DEBIT', 'CREDIT')),
    amount         BIGINT NOT NULL CHECK (amount > 0),
    currency       TEXT NOT NULL,
    created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS entries_transaction_idx ON entries (transaction_id);
CREATE INDEX IF NOT EXISTS entries_account_idx ON entries (account_id, created_at);`,
	},
	{
		name: "004_kyc_profiles",
		ddl: `
CREATE TABLE IF NOT EXISTS kyc_profiles (
    owner_id   UUID PRIMARY KEY,
    tier       TEXT NOT NULL DEFAULT 'basic',
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`,
	},
}

// Migrate applies the embedded schema, recording each applied step so the
// call is safe to repeat on every boot.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, `
        CREATE TABLE IF NOT EXISTS schema_migrations (
            version    TEXT PRIMARY KEY,
            applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
        )`); err != nil {
		return fmt.Errorf("ensure schema_migrations table: %w", err)
	}

	for _, m := range migrations {
		var applied bool
		err := pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version = $1)`, m.name).Scan(&applied)
		if err != nil {
			return fmt.Errorf("check migration %q: %w", m.name, err)
		}
		if applied {
			continue
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin migration %q: %w", m.name, err)
		}
		if _, err := tx.Exec(ctx, m.ddl); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("apply migration %q: %w", m.name, err)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, m.name); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("record migration %q: %w", m.name, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit migration %q: %w", m.name, err)
		}
	}

	return nil
}
