package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kigipay/kigipay/internal/limits"
)

const (
	// lockTimeout bounds how long a posting waits for account row locks so
	// no operation blocks indefinitely.
	lockTimeout = 2 * time.Second

	uniqueViolation  = "23505"
	lockNotAvailable = "55P03"
	serializationErr = "40001"
	deadlockDetected = "40P01"
)

// PostgresStore persists accounts, entries and transaction rows in
// PostgreSQL. Every mutating operation runs in one database transaction with
// account row locks taken in ascending id order.
type PostgresStore struct {
	db     *pgxpool.Pool
	policy *limits.Policy
}

// NewPostgresStore constructs a Postgres-backed ledger store.
func NewPostgresStore(db *pgxpool.Pool, policy *limits.Policy) *PostgresStore {
	return &PostgresStore{db: db, policy: policy}
}

func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case lockNotAvailable, serializationErr, deadlockDetected:
			return fmt.Errorf("%w: %s", ErrConcurrencyConflict, pgErr.Code)
		}
	}
	return err
}

const accountColumns = `id, owner_id, type, balance, currency, status, created_at`

func scanAccount(row pgx.Row) (Account, error) {
	var acc Account
	if err := row.Scan(&acc.ID, &acc.OwnerID, &acc.Type, &acc.Balance, &acc.Currency, &acc.Status, &acc.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, err
	}
	return acc, nil
}

// CreateAccount provisions one account per (owner, type). Creation is
// idempotent: a second call returns the existing account.
func (s *PostgresStore) CreateAccount(ctx context.Context, acc Account) (Account, error) {
	if acc.ID == uuid.Nil {
		acc.ID = uuid.New()
	}
	if acc.Status == "" {
		acc.Status = AccountActive
	}
	_, err := s.db.Exec(ctx, `
        INSERT INTO accounts (id, owner_id, type, balance, currency, status)
        VALUES ($1, $2, $3, 0, $4, $5)
        ON CONFLICT (owner_id, type) WHERE type <> 'EXTERNAL' DO NOTHING`,
		acc.ID, acc.OwnerID, acc.Type, acc.Currency, acc.Status)
	if err != nil {
		return Account{}, err
	}
	row := s.db.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE owner_id = $1 AND type = $2`,
		acc.OwnerID, acc.Type)
	return scanAccount(row)
}

// GetAccount fetches an account by id.
func (s *PostgresStore) GetAccount(ctx context.Context, id uuid.UUID) (Account, error) {
	row := s.db.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
	return scanAccount(row)
}

// AccountsByOwner lists the owner's accounts oldest first.
func (s *PostgresStore) AccountsByOwner(ctx context.Context, ownerID uuid.UUID) ([]Account, error) {
	rows, err := s.db.Query(ctx, `SELECT `+accountColumns+` FROM accounts WHERE owner_id = $1 ORDER BY created_at`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, acc)
	}
	return out, rows.Err()
}

// SetAccountStatus freezes, closes or reactivates an account.
func (s *PostgresStore) SetAccountStatus(ctx context.Context, id uuid.UUID, status AccountStatus) error {
	tag, err := s.db.Exec(ctx, `UPDATE accounts SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// EnsureExternalAccount guarantees the per-currency system account mirroring
// the external world exists.
func (s *PostgresStore) EnsureExternalAccount(ctx context.Context, currency string) (Account, error) {
	_, err := s.db.Exec(ctx, `
        INSERT INTO accounts (id, owner_id, type, balance, currency, status)
        VALUES ($1, $2, 'EXTERNAL', 0, $3, 'active')
        ON CONFLICT (currency) WHERE type = 'EXTERNAL' DO NOTHING`,
		uuid.New(), uuid.Nil, currency)
	if err != nil {
		return Account{}, err
	}
	row := s.db.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE type = 'EXTERNAL' AND currency = $1`, currency)
	return scanAccount(row)
}

const txnColumns = `id, type, sender_account_id, recipient_account_id, amount, currency, status,
        reference, channel, risk_score, retry_count, provider_ref, failure_reason, reversal_of,
        created_at, completed_at, failed_at, cancelled_at, reversed_at, blocked_at`

func scanTransaction(row pgx.Row) (Transaction, error) {
	var t Transaction
	err := row.Scan(&t.ID, &t.Type, &t.SenderAccountID, &t.RecipientAccountID, &t.Amount, &t.Currency,
		&t.Status, &t.Reference, &t.Channel, &t.RiskScore, &t.RetryCount, &t.ProviderRef,
		&t.FailureReason, &t.ReversalOf, &t.CreatedAt, &t.CompletedAt, &t.FailedAt,
		&t.CancelledAt, &t.ReversedAt, &t.BlockedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Transaction{}, ErrTransactionNotFound
	}
	if err != nil {
		return Transaction{}, err
	}
	return t, nil
}

func insertTransaction(ctx context.Context, q interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}, txn Transaction) error {
	_, err := q.Exec(ctx, `
        INSERT INTO transactions (id, type, sender_account_id, recipient_account_id, amount, currency,
            status, reference, channel, risk_score, retry_count, provider_ref, failure_reason, reversal_of,
            completed_at, failed_at, blocked_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		txn.ID, txn.Type, txn.SenderAccountID, txn.RecipientAccountID, txn.Amount, txn.Currency,
		txn.Status, txn.Reference, txn.Channel, txn.RiskScore, txn.RetryCount, txn.ProviderRef,
		txn.FailureReason, txn.ReversalOf, txn.CompletedAt, txn.FailedAt, txn.BlockedAt)
	return err
}

// CreateTransaction inserts a transaction row with a unique reference. A
// duplicate reference returns the existing row with ErrDuplicateTransaction
// so retried requests are idempotent.
func (s *PostgresStore) CreateTransaction(ctx context.Context, txn Transaction) (Transaction, error) {
	if txn.ID == uuid.Nil {
		txn.ID = uuid.New()
	}
	if err := insertTransaction(ctx, s.db, txn); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			existing, lookupErr := s.GetTransactionByReference(ctx, txn.Reference)
			if lookupErr != nil {
				return Transaction{}, lookupErr
			}
			return existing, ErrDuplicateTransaction
		}
		return Transaction{}, err
	}
	return s.GetTransaction(ctx, txn.ID)
}

// GetTransaction fetches a transaction by id.
func (s *PostgresStore) GetTransaction(ctx context.Context, id uuid.UUID) (Transaction, error) {
	row := s.db.QueryRow(ctx, `SELECT `+txnColumns+` FROM transactions WHERE id = $1`, id)
	return scanTransaction(row)
}

// GetTransactionByReference fetches a transaction by its idempotency reference.
func (s *PostgresStore) GetTransactionByReference(ctx context.Context, reference string) (Transaction, error) {
	row := s.db.QueryRow(ctx, `SELECT `+txnColumns+` FROM transactions WHERE reference = $1`, reference)
	return scanTransaction(row)
}

func statusTimestampColumn(status TransactionStatus) string {
	switch status {
	case StatusCompleted:
		return "completed_at"
	case StatusFailed:
		return "failed_at"
	case StatusCancelled:
		return "cancelled_at"
	case StatusReversed:
		return "reversed_at"
	case StatusBlocked:
		return "blocked_at"
	default:
		return ""
	}
}

// Transition performs a compare-and-set status change without writing entries.
func (s *PostgresStore) Transition(ctx context.Context, id uuid.UUID, from, to TransactionStatus, failureReason string) (Transaction, error) {
	query := `UPDATE transactions SET status = $3, failure_reason = $4`
	if col := statusTimestampColumn(to); col != "" {
		query += `, ` + col + ` = now()`
	}
	query += ` WHERE id = $1 AND status = $2 RETURNING ` + txnColumns

	txn, err := scanTransaction(s.db.QueryRow(ctx, query, id, from, to, failureReason))
	if errors.Is(err, ErrTransactionNotFound) {
		existing, lookupErr := s.GetTransaction(ctx, id)
		if lookupErr != nil {
			return Transaction{}, lookupErr
		}
		return existing, ErrInvalidTransition
	}
	return txn, err
}

// IncrementRetry moves a failed transaction back to pending, bounded by
// maxRetries.
func (s *PostgresStore) IncrementRetry(ctx context.Context, id uuid.UUID, maxRetries int32) (Transaction, error) {
	row := s.db.QueryRow(ctx, `
        UPDATE transactions
        SET status = 'pending', retry_count = retry_count + 1, failure_reason = '', failed_at = NULL
        WHERE id = $1 AND status = 'failed' AND retry_count < $2
        RETURNING `+txnColumns, id, maxRetries)
	txn, err := scanTransaction(row)
	if !errors.Is(err, ErrTransactionNotFound) {
		return txn, err
	}

	existing, lookupErr := s.GetTransaction(ctx, id)
	if lookupErr != nil {
		return Transaction{}, lookupErr
	}
	if existing.Status != StatusFailed {
		return existing, ErrInvalidTransition
	}
	return existing, ErrRetryExhausted
}

// Post atomically writes the balanced entry pair, mutates balances and
// settles the transaction row. Limits and non-negativity are re-evaluated
// under the row locks, so a denial observed here is authoritative: the
// pending row is marked failed in the same commit and no entries are written.
func (s *PostgresStore) Post(ctx context.Context, in PostingInput) (Transaction, error) {
	if err := ValidatePosting(in); err != nil {
		return Transaction{}, err
	}

	table := s.policy.Table()

	dbTx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Transaction{}, err
	}
	defer dbTx.Rollback(ctx) // nolint:errcheck

	if _, err := dbTx.Exec(ctx, fmt.Sprintf(`SET LOCAL lock_timeout = '%dms'`, lockTimeout.Milliseconds())); err != nil {
		return Transaction{}, err
	}

	txn := in.Transaction
	if !in.Insert {
		existing, err := scanTransaction(dbTx.QueryRow(ctx,
			`SELECT `+txnColumns+` FROM transactions WHERE id = $1 FOR UPDATE`, txn.ID))
		if err != nil {
			return Transaction{}, mapPgError(err)
		}
		if existing.Status == StatusCompleted {
			return existing, ErrDuplicateTransaction
		}
		if existing.Status != StatusPending {
			return existing, ErrInvalidTransition
		}
		if in.Transaction.ProviderRef != "" {
			existing.ProviderRef = in.Transaction.ProviderRef
		}
		txn = existing
	}

	// Lock every involved account in ascending id order so two postings over
	// the same pair can never deadlock.
	ids := make([]uuid.UUID, 0, len(in.Entries))
	seen := make(map[uuid.UUID]bool, len(in.Entries))
	for _, leg := range in.Entries {
		if !seen[leg.AccountID] {
			seen[leg.AccountID] = true
			ids = append(ids, leg.AccountID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })

	involved := make(map[uuid.UUID]Account, len(ids))
	for _, id := range ids {
		acc, err := scanAccount(dbTx.QueryRow(ctx,
			`SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return Transaction{}, mapPgError(err)
		}
		if acc.Status != AccountActive {
			return Transaction{}, ErrAccountNotActive
		}
		if acc.Currency != txn.Currency {
			return Transaction{}, ErrCurrencyMismatch
		}
		involved[acc.ID] = acc
	}

	failPending := func(reason string) (Transaction, error) {
		failed, err := scanTransaction(dbTx.QueryRow(ctx, `
            UPDATE transactions SET status = 'failed', failure_reason = $2, failed_at = now()
            WHERE id = $1 RETURNING `+txnColumns, txn.ID, reason))
		if err != nil {
			return Transaction{}, err
		}
		if err := dbTx.Commit(ctx); err != nil {
			return Transaction{}, mapPgError(err)
		}
		return failed, nil
	}

	now := time.Now().UTC()
	for _, check := range in.Checks {
		acc, ok := involved[check.AccountID]
		if !ok {
			continue
		}
		var volume int64
		if check.CheckDailyVolume {
			volume, err = dailyVolumeQuery(ctx, dbTx, check.AccountID, now)
			if err != nil {
				return Transaction{}, mapPgError(err)
			}
		}
		decision := table.Evaluate(limits.Input{
			Tier:             check.Tier,
			Amount:           txn.Amount,
			Balance:          acc.Balance,
			TodayVolume:      volume,
			CreditIncreasing: check.CreditIncreasing,
		})
		if !decision.Allowed {
			limitErr := &LimitError{Reason: decision.Reason}
			if in.Insert {
				return Transaction{}, limitErr
			}
			failed, err := failPending(string(decision.Reason))
			if err != nil {
				return Transaction{}, err
			}
			return failed, limitErr
		}
	}

	for _, leg := range in.Entries {
		acc := involved[leg.AccountID]
		if leg.Direction == Debit && acc.Type != AccountExternal && acc.Balance < leg.Amount {
			if in.Insert {
				return Transaction{}, ErrInsufficientFunds
			}
			failed, err := failPending("insufficient_balance")
			if err != nil {
				return Transaction{}, err
			}
			return failed, ErrInsufficientFunds
		}
	}

	if in.Insert {
		txn.Status = StatusCompleted
		txn.CompletedAt = &now
		if err := insertTransaction(ctx, dbTx, txn); err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
				return Transaction{}, ErrDuplicateTransaction
			}
			return Transaction{}, mapPgError(err)
		}
	} else {
		if _, err := dbTx.Exec(ctx,
			`UPDATE transactions SET status = 'completed', completed_at = $2, provider_ref = $3 WHERE id = $1`,
			txn.ID, now, txn.ProviderRef); err != nil {
			return Transaction{}, mapPgError(err)
		}
		txn.Status = StatusCompleted
		txn.CompletedAt = &now
	}

	for _, leg := range in.Entries {
		if _, err := dbTx.Exec(ctx, `
            INSERT INTO entries (id, transaction_id, account_id, direction, amount, currency)
            VALUES ($1, $2, $3, $4, $5, $6)`,
			uuid.New(), txn.ID, leg.AccountID, leg.Direction, leg.Amount, txn.Currency); err != nil {
			return Transaction{}, mapPgError(err)
		}
		if _, err := dbTx.Exec(ctx,
			`UPDATE accounts SET balance = balance + $2 WHERE id = $1`,
			leg.AccountID, leg.Direction.Signed(leg.Amount)); err != nil {
			return Transaction{}, mapPgError(err)
		}
	}

	if in.MarkReversed != nil {
		tag, err := dbTx.Exec(ctx,
			`UPDATE transactions SET status = 'reversed', reversed_at = $2 WHERE id = $1 AND status = 'completed'`,
			*in.MarkReversed, now)
		if err != nil {
			return Transaction{}, mapPgError(err)
		}
		if tag.RowsAffected() == 0 {
			return Transaction{}, ErrInvalidTransition
		}
	}

	if err := dbTx.Commit(ctx); err != nil {
		return Transaction{}, mapPgError(err)
	}
	return txn, nil
}

func dailyVolumeQuery(ctx context.Context, q interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}, accountID uuid.UUID, at time.Time) (int64, error) {
	start, end := DayBounds(at)
	var volume int64
	err := q.QueryRow(ctx, `
        SELECT COALESCE(SUM(amount), 0) FROM transactions
        WHERE (sender_account_id = $1 OR recipient_account_id = $1)
          AND status IN ('completed', 'reversed')
          AND type <> 'reversal'
          AND completed_at >= $2 AND completed_at < $3`,
		accountID, start, end).Scan(&volume)
	return volume, err
}

const entryColumns = `id, transaction_id, account_id, direction, amount, currency, created_at`

func scanEntries(rows pgx.Rows) ([]Entry, error) {
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.TransactionID, &e.AccountID, &e.Direction, &e.Amount, &e.Currency, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// EntriesByTransaction lists the posting legs of one transaction.
func (s *PostgresStore) EntriesByTransaction(ctx context.Context, txnID uuid.UUID) ([]Entry, error) {
	rows, err := s.db.Query(ctx, `SELECT `+entryColumns+` FROM entries WHERE transaction_id = $1 ORDER BY created_at`, txnID)
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}

// EntriesByAccount lists an account's entries oldest first.
func (s *PostgresStore) EntriesByAccount(ctx context.Context, accountID uuid.UUID) ([]Entry, error) {
	rows, err := s.db.Query(ctx, `SELECT `+entryColumns+` FROM entries WHERE account_id = $1 ORDER BY created_at`, accountID)
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}

// DerivedBalance recomputes the balance from entries.
func (s *PostgresStore) DerivedBalance(ctx context.Context, accountID uuid.UUID) (int64, error) {
	var balance int64
	err := s.db.QueryRow(ctx, `
        SELECT COALESCE(SUM(CASE WHEN direction = 'CREDIT' THEN amount ELSE -amount END), 0)
        FROM entries WHERE account_id = $1`, accountID).Scan(&balance)
	return balance, err
}

// DailyVolume sums completed transaction amounts charged to the account for
// the UTC day containing at.
func (s *PostgresStore) DailyVolume(ctx context.Context, accountID uuid.UUID, at time.Time) (int64, error) {
	return dailyVolumeQuery(ctx, s.db, accountID, at)
}

// PendingOlderThan lists stale pending transactions for the reconciliation
// sweep, oldest first.
func (s *PostgresStore) PendingOlderThan(ctx context.Context, channel Channel, cutoff time.Time, limit int) ([]Transaction, error) {
	rows, err := s.db.Query(ctx, `
        SELECT `+txnColumns+` FROM transactions
        WHERE status = 'pending' AND channel = $1 AND created_at < $2
        ORDER BY created_at ASC
        LIMIT $3`, channel, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, txn)
	}
	return out, rows.Err()
}

// TransactionsInRange lists transactions created in [from, to) for reporting.
func (s *PostgresStore) TransactionsInRange(ctx context.Context, from, to time.Time) ([]Transaction, error) {
	rows, err := s.db.Query(ctx, `
        SELECT `+txnColumns+` FROM transactions
        WHERE created_at >= $1 AND created_at < $2
        ORDER BY created_at ASC`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, txn)
	}
	return out, rows.Err()
}

// UnbalancedTransactionIDs lists completed or reversed transactions whose
// entries do not balance, including those with no entries at all.
func (s *PostgresStore) UnbalancedTransactionIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := s.db.Query(ctx, `
        SELECT t.id FROM transactions t
        LEFT JOIN entries e ON e.transaction_id = t.id
        WHERE t.status IN ('completed', 'reversed')
        GROUP BY t.id
        HAVING COUNT(e.id) = 0
            OR COALESCE(SUM(CASE WHEN e.direction = 'CREDIT' THEN e.amount ELSE -e.amount END), 0) <> 0`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
