package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kigipay/kigipay/internal/limits"
)

var (
	// ErrAccountNotFound indicates the referenced account does not exist.
	ErrAccountNotFound = errors.New("account not found")

	// ErrAccountNotActive indicates the account is frozen or closed and must
	// not participate in postings.
	ErrAccountNotActive = errors.New("account not active")

	// ErrTransactionNotFound indicates the referenced transaction does not exist.
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrInsufficientFunds occurs when a debit would drive a wallet, card or
	// merchant balance negative.
	ErrInsufficientFunds = errors.New("insufficient balance")

	// ErrDuplicateTransaction indicates the provided reference already exists
	// and the operation should be treated as idempotent.
	ErrDuplicateTransaction = errors.New("duplicate transaction")

	// ErrCurrencyMismatch indicates the posting mixes currencies.
	ErrCurrencyMismatch = errors.New("unsupported currency")

	// ErrInvalidTransition indicates a status change the state machine forbids.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrConcurrencyConflict is a transient lock-acquisition or serialization
	// failure; callers may retry with backoff.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrImbalanced indicates a completed transaction whose debit and credit
	// sums disagree. Entries are never mutated to hide it.
	ErrImbalanced = errors.New("ledger imbalance")

	// ErrRetryExhausted indicates a failed transaction already used all of
	// its retries.
	ErrRetryExhausted = errors.New("retry limit reached")
)

// LimitError reports a regulatory limit denial with its stable reason code.
type LimitError struct {
	Reason limits.Reason
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("limit exceeded: %s", e.Reason)
}

// ErrLimitExceeded matches any LimitError via errors.Is.
var ErrLimitExceeded = errors.New("limit exceeded")

// Is lets errors.Is(err, ErrLimitExceeded) match regardless of reason.
func (e *LimitError) Is(target error) bool {
	return target == ErrLimitExceeded
}

// Direction marks one half of a double-entry posting. A CREDIT increases the
// account balance, a DEBIT decreases it: a transfer debits the sender and
// credits the recipient.
type Direction string

const (
	Debit  Direction = "DEBIT"
	Credit Direction = "CREDIT"
)

// Signed converts a positive entry amount into the balance delta it applies.
func (d Direction) Signed(amount int64) int64 {
	if d == Debit {
		return -amount
	}
	return amount
}

// Opposite returns the mirroring direction, used when building reversals.
func (d Direction) Opposite() Direction {
	if d == Debit {
		return Credit
	}
	return Debit
}

// AccountType distinguishes customer wallets from card, merchant and the
// external world's mirror accounts.
type AccountType string

const (
	AccountWallet   AccountType = "WALLET"
	AccountCard     AccountType = "CARD"
	AccountMerchant AccountType = "MERCHANT"
	AccountExternal AccountType = "EXTERNAL"
)

// AccountStatus is the account lifecycle state. Accounts are never deleted.
type AccountStatus string

const (
	AccountActive AccountStatus = "active"
	AccountFrozen AccountStatus = "frozen"
	AccountClosed AccountStatus = "closed"
)

// Account holds one balance per (owner, account type) pair. The balance is
// int64 minor currency units and always equals the signed sum of the
// account's entries; it is mutated only through Store.Post.
type Account struct {
	ID        uuid.UUID
	OwnerID   uuid.UUID
	Type      AccountType
	Balance   int64
	Currency  string
	Status    AccountStatus
	CreatedAt time.Time
}

// Entry is one half of a double-entry posting. Immutable once written;
// corrections are made by posting opposite-direction entries.
type Entry struct {
	ID            uuid.UUID
	TransactionID uuid.UUID
	AccountID     uuid.UUID
	Direction     Direction
	Amount        int64
	Currency      string
	CreatedAt     time.Time
}

// TransactionType classifies money movement.
type TransactionType string

const (
	TypeDeposit    TransactionType = "deposit"
	TypeWithdrawal TransactionType = "withdrawal"
	TypeTransfer   TransactionType = "transfer"
	TypePayment    TransactionType = "payment"
	TypeReversal   TransactionType = "reversal"
)

// TransactionStatus is the state-machine position of a transaction. pending
// and blocked are the only non-terminal states; failed may re-enter pending
// via a bounded retry and completed may become reversed.
type TransactionStatus string

const (
	StatusPending   TransactionStatus = "pending"
	StatusCompleted TransactionStatus = "completed"
	StatusFailed    TransactionStatus = "failed"
	StatusCancelled TransactionStatus = "cancelled"
	StatusReversed  TransactionStatus = "reversed"
	StatusBlocked   TransactionStatus = "blocked"
)

// Terminal reports whether s ends the normal lifecycle.
func (s TransactionStatus) Terminal() bool {
	return s != StatusPending && s != StatusBlocked
}

// Channel identifies how a transaction is settled.
type Channel string

const (
	// ChannelInternal settles synchronously against the ledger.
	ChannelInternal Channel = "internal"
	// ChannelMobileMoney waits for an asynchronous provider callback.
	ChannelMobileMoney Channel = "mobile_money"
)

// Transaction is the durable transaction record. Its lifecycle semantics are
// owned by the transaction state machine; the store owns its durability so
// entry insertion and status transitions commit atomically.
type Transaction struct {
	ID                 uuid.UUID
	Type               TransactionType
	SenderAccountID    *uuid.UUID
	RecipientAccountID *uuid.UUID
	Amount             int64
	Currency           string
	Status             TransactionStatus
	Reference          string
	Channel            Channel
	RiskScore          int32
	RetryCount         int32

	// Closed set of optional provider and failure fields, not an open bag.
	ProviderRef   string
	FailureReason string
	ReversalOf    *uuid.UUID

	CreatedAt   time.Time
	CompletedAt *time.Time
	FailedAt    *time.Time
	CancelledAt *time.Time
	ReversedAt  *time.Time
	BlockedAt   *time.Time
}

// EntryInput describes one leg of a posting.
type EntryInput struct {
	AccountID uuid.UUID
	Direction Direction
	Amount    int64
}

// LimitCheck asks Post to re-evaluate the regulatory policy for one account
// under the same locks the balance mutation commits under, closing the race
// between check and commit.
type LimitCheck struct {
	AccountID uuid.UUID
	Tier      limits.Tier
	// CreditIncreasing applies the max-balance cap.
	CreditIncreasing bool
	// CheckDailyVolume applies the daily volume cap.
	CheckDailyVolume bool
}

// PostingInput is the single atomic mutation primitive of the store: it
// locks every involved account, re-checks limits and non-negativity under
// that snapshot, writes the balanced entry pair, updates balances and
// settles the transaction row in one commit.
type PostingInput struct {
	// Transaction is the row being settled. When Insert is false it must
	// already exist in pending status and is transitioned to completed;
	// when Insert is true (reversals) the row is inserted as completed.
	Transaction Transaction
	Insert      bool

	// MarkReversed, when set, transitions the original transaction to
	// reversed in the same commit.
	MarkReversed *uuid.UUID

	// Entries must hold exactly one DEBIT and one CREDIT of equal amount.
	Entries []EntryInput

	Checks []LimitCheck
}

// Store is the transactional persistence contract for accounts, entries and
// transaction rows. Implementations must let operations over disjoint
// account sets proceed in parallel and acquire multi-account locks in
// ascending account id order to avoid deadlock.
type Store interface {
	CreateAccount(ctx context.Context, acc Account) (Account, error)
	GetAccount(ctx context.Context, id uuid.UUID) (Account, error)
	AccountsByOwner(ctx context.Context, ownerID uuid.UUID) ([]Account, error)
	SetAccountStatus(ctx context.Context, id uuid.UUID, status AccountStatus) error
	// EnsureExternalAccount returns the per-currency system account mirroring
	// the external world for deposits and withdrawals.
	EnsureExternalAccount(ctx context.Context, currency string) (Account, error)

	CreateTransaction(ctx context.Context, txn Transaction) (Transaction, error)
	GetTransaction(ctx context.Context, id uuid.UUID) (Transaction, error)
	GetTransactionByReference(ctx context.Context, reference string) (Transaction, error)
	// Transition performs a compare-and-set status change that writes no
	// entries (fail, cancel, block, approve back to pending).
	Transition(ctx context.Context, id uuid.UUID, from, to TransactionStatus, failureReason string) (Transaction, error)
	// IncrementRetry moves a failed transaction back to pending, bounded by
	// maxRetries.
	IncrementRetry(ctx context.Context, id uuid.UUID, maxRetries int32) (Transaction, error)

	Post(ctx context.Context, in PostingInput) (Transaction, error)

	EntriesByTransaction(ctx context.Context, txnID uuid.UUID) ([]Entry, error)
	EntriesByAccount(ctx context.Context, accountID uuid.UUID) ([]Entry, error)
	// DerivedBalance recomputes a balance from entries; integrity checks and
	// audits compare it against the stored balance.
	DerivedBalance(ctx context.Context, accountID uuid.UUID) (int64, error)
	// DailyVolume sums completed transaction amounts charged to the account
	// for the UTC day containing at.
	DailyVolume(ctx context.Context, accountID uuid.UUID, at time.Time) (int64, error)

	// PendingOlderThan lists pending transactions on the given settlement
	// channel created before the cutoff, for the reconciliation sweep.
	PendingOlderThan(ctx context.Context, channel Channel, cutoff time.Time, limit int) ([]Transaction, error)
	TransactionsInRange(ctx context.Context, from, to time.Time) ([]Transaction, error)
	// UnbalancedTransactionIDs lists completed or reversed transactions whose
	// debit and credit sums disagree.
	UnbalancedTransactionIDs(ctx context.Context) ([]uuid.UUID, error)
}

// ValidatePosting performs the structural checks shared by all Store
// implementations: exactly two legs, one debit and one credit, equal
// positive amounts.
func ValidatePosting(in PostingInput) error {
	if len(in.Entries) != 2 {
		return fmt.Errorf("posting requires exactly two entries, got %d", len(in.Entries))
	}
	var debits, credits int64
	for _, e := range in.Entries {
		if e.Amount <= 0 {
			return fmt.Errorf("entry amount must be positive")
		}
		switch e.Direction {
		case Debit:
			debits += e.Amount
		case Credit:
			credits += e.Amount
		default:
			return fmt.Errorf("unknown entry direction %q", e.Direction)
		}
	}
	if debits == 0 || credits == 0 {
		return fmt.Errorf("posting requires one debit and one credit")
	}
	if debits != credits {
		return ErrImbalanced
	}
	return nil
}

// DayBounds returns the UTC day window containing at, used for daily volume
// accounting.
func DayBounds(at time.Time) (time.Time, time.Time) {
	at = at.UTC()
	start := time.Date(at.Year(), at.Month(), at.Day(), 0, 0, 0, 0, time.UTC)
	return start, start.Add(24 * time.Hour)
}
