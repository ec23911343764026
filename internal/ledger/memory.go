package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kigipay/kigipay/internal/limits"
)

// memoryStore is a concurrency-safe in-memory Store used by unit tests and
// local development. A single mutex stands in for the row locks of the
// Postgres implementation; the posting semantics are identical.
type memoryStore struct {
	mu        sync.RWMutex
	policy    *limits.Policy
	accounts  map[uuid.UUID]Account
	entries   []Entry
	txns      map[uuid.UUID]Transaction
	byRef     map[string]uuid.UUID
	externals map[string]uuid.UUID
}

// NewMemoryStore creates an in-memory ledger store evaluating limits against
// the given policy.
func NewMemoryStore(policy *limits.Policy) Store {
	return &memoryStore{
		policy:    policy,
		accounts:  make(map[uuid.UUID]Account),
		txns:      make(map[uuid.UUID]Transaction),
		byRef:     make(map[string]uuid.UUID),
		externals: make(map[string]uuid.UUID),
	}
}

func (s *memoryStore) CreateAccount(_ context.Context, acc Account) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// One account per (owner, type): creation is idempotent.
	for _, existing := range s.accounts {
		if existing.OwnerID == acc.OwnerID && existing.Type == acc.Type {
			return existing, nil
		}
	}

	if acc.ID == uuid.Nil {
		acc.ID = uuid.New()
	}
	if acc.Status == "" {
		acc.Status = AccountActive
	}
	acc.Balance = 0
	acc.CreatedAt = time.Now().UTC()
	s.accounts[acc.ID] = acc
	return acc, nil
}

func (s *memoryStore) GetAccount(_ context.Context, id uuid.UUID) (Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acc, ok := s.accounts[id]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return acc, nil
}

func (s *memoryStore) AccountsByOwner(_ context.Context, ownerID uuid.UUID) ([]Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Account
	for _, acc := range s.accounts {
		if acc.OwnerID == ownerID {
			out = append(out, acc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *memoryStore) SetAccountStatus(_ context.Context, id uuid.UUID, status AccountStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[id]
	if !ok {
		return ErrAccountNotFound
	}
	acc.Status = status
	s.accounts[id] = acc
	return nil
}

func (s *memoryStore) EnsureExternalAccount(_ context.Context, currency string) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.externals[currency]; ok {
		return s.accounts[id], nil
	}
	acc := Account{
		ID:        uuid.New(),
		OwnerID:   uuid.Nil,
		Type:      AccountExternal,
		Currency:  currency,
		Status:    AccountActive,
		CreatedAt: time.Now().UTC(),
	}
	s.accounts[acc.ID] = acc
	s.externals[currency] = acc.ID
	return acc, nil
}

func (s *memoryStore) CreateTransaction(_ context.Context, txn Transaction) (Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byRef[txn.Reference]; ok {
		return s.txns[id], ErrDuplicateTransaction
	}

	if txn.ID == uuid.Nil {
		txn.ID = uuid.New()
	}
	txn.CreatedAt = time.Now().UTC()
	s.txns[txn.ID] = txn
	s.byRef[txn.Reference] = txn.ID
	return txn, nil
}

func (s *memoryStore) GetTransaction(_ context.Context, id uuid.UUID) (Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	txn, ok := s.txns[id]
	if !ok {
		return Transaction{}, ErrTransactionNotFound
	}
	return txn, nil
}

func (s *memoryStore) GetTransactionByReference(_ context.Context, reference string) (Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byRef[reference]
	if !ok {
		return Transaction{}, ErrTransactionNotFound
	}
	return s.txns[id], nil
}

func (s *memoryStore) Transition(_ context.Context, id uuid.UUID, from, to TransactionStatus, failureReason string) (Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionLocked(id, from, to, failureReason)
}

func (s *memoryStore) transitionLocked(id uuid.UUID, from, to TransactionStatus, failureReason string) (Transaction, error) {
	txn, ok := s.txns[id]
	if !ok {
		return Transaction{}, ErrTransactionNotFound
	}
	if txn.Status != from {
		return txn, ErrInvalidTransition
	}
	txn.Status = to
	now := time.Now().UTC()
	switch to {
	case StatusFailed:
		txn.FailedAt = &now
		txn.FailureReason = failureReason
	case StatusCancelled:
		txn.CancelledAt = &now
	case StatusReversed:
		txn.ReversedAt = &now
	case StatusBlocked:
		txn.BlockedAt = &now
	case StatusCompleted:
		txn.CompletedAt = &now
	}
	s.txns[id] = txn
	return txn, nil
}

func (s *memoryStore) IncrementRetry(_ context.Context, id uuid.UUID, maxRetries int32) (Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	txn, ok := s.txns[id]
	if !ok {
		return Transaction{}, ErrTransactionNotFound
	}
	if txn.Status != StatusFailed {
		return txn, ErrInvalidTransition
	}
	if txn.RetryCount >= maxRetries {
		return txn, ErrRetryExhausted
	}
	txn.Status = StatusPending
	txn.RetryCount++
	txn.FailureReason = ""
	txn.FailedAt = nil
	s.txns[id] = txn
	return txn, nil
}

func (s *memoryStore) Post(_ context.Context, in PostingInput) (Transaction, error) {
	if err := ValidatePosting(in); err != nil {
		return Transaction{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	table := s.policy.Table()
	now := time.Now().UTC()

	// Resolve and validate every involved account.
	involved := make(map[uuid.UUID]Account, len(in.Entries))
	for _, leg := range in.Entries {
		acc, ok := s.accounts[leg.AccountID]
		if !ok {
			return Transaction{}, ErrAccountNotFound
		}
		if acc.Status != AccountActive {
			return Transaction{}, ErrAccountNotActive
		}
		if acc.Currency != in.Transaction.Currency {
			return Transaction{}, ErrCurrencyMismatch
		}
		involved[acc.ID] = acc
	}

	txn := in.Transaction
	if in.Insert {
		if _, ok := s.byRef[txn.Reference]; ok {
			return s.txns[s.byRef[txn.Reference]], ErrDuplicateTransaction
		}
		if txn.ID == uuid.Nil {
			txn.ID = uuid.New()
		}
		txn.CreatedAt = now
	} else {
		existing, ok := s.txns[txn.ID]
		if !ok {
			return Transaction{}, ErrTransactionNotFound
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

	// Re-evaluate limits under the same snapshot the mutation commits under.
	for _, check := range in.Checks {
		acc, ok := involved[check.AccountID]
		if !ok {
			continue
		}
		volume := int64(0)
		if check.CheckDailyVolume {
			volume = s.dailyVolumeLocked(check.AccountID, now)
		}
		decision := table.Evaluate(limits.Input{
			Tier:             check.Tier,
			Amount:           txn.Amount,
			Balance:          acc.Balance,
			TodayVolume:      volume,
			CreditIncreasing: check.CreditIncreasing,
		})
		if !decision.Allowed {
			if in.Insert {
				return Transaction{}, &LimitError{Reason: decision.Reason}
			}
			_, _ = s.transitionLocked(txn.ID, StatusPending, StatusFailed, string(decision.Reason))
			return s.txns[txn.ID], &LimitError{Reason: decision.Reason}
		}
	}

	// Non-negativity for every debited non-external account.
	for _, leg := range in.Entries {
		acc := involved[leg.AccountID]
		if leg.Direction == Debit && acc.Type != AccountExternal && acc.Balance < leg.Amount {
			if in.Insert {
				return Transaction{}, ErrInsufficientFunds
			}
			_, _ = s.transitionLocked(txn.ID, StatusPending, StatusFailed, "insufficient_balance")
			return s.txns[txn.ID], ErrInsufficientFunds
		}
	}

	// Apply: entries, balances, status.
	for _, leg := range in.Entries {
		s.entries = append(s.entries, Entry{
			ID:            uuid.New(),
			TransactionID: txn.ID,
			AccountID:     leg.AccountID,
			Direction:     leg.Direction,
			Amount:        leg.Amount,
			Currency:      txn.Currency,
			CreatedAt:     now,
		})
		acc := s.accounts[leg.AccountID]
		acc.Balance += leg.Direction.Signed(leg.Amount)
		s.accounts[leg.AccountID] = acc
	}

	txn.Status = StatusCompleted
	txn.CompletedAt = &now
	s.txns[txn.ID] = txn
	if in.Insert {
		s.byRef[txn.Reference] = txn.ID
	}

	if in.MarkReversed != nil {
		if _, err := s.transitionLocked(*in.MarkReversed, StatusCompleted, StatusReversed, ""); err != nil {
			return txn, err
		}
	}

	return txn, nil
}

func (s *memoryStore) EntriesByTransaction(_ context.Context, txnID uuid.UUID) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Entry
	for _, e := range s.entries {
		if e.TransactionID == txnID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *memoryStore) EntriesByAccount(_ context.Context, accountID uuid.UUID) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Entry
	for _, e := range s.entries {
		if e.AccountID == accountID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *memoryStore) DerivedBalance(_ context.Context, accountID uuid.UUID) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var sum int64
	for _, e := range s.entries {
		if e.AccountID == accountID {
			sum += e.Direction.Signed(e.Amount)
		}
	}
	return sum, nil
}

func (s *memoryStore) DailyVolume(_ context.Context, accountID uuid.UUID, at time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dailyVolumeLocked(accountID, at), nil
}

func (s *memoryStore) dailyVolumeLocked(accountID uuid.UUID, at time.Time) int64 {
	start, end := DayBounds(at)
	var sum int64
	for _, txn := range s.txns {
		if txn.Status != StatusCompleted && txn.Status != StatusReversed {
			continue
		}
		if txn.Type == TypeReversal {
			continue
		}
		if txn.CompletedAt == nil || txn.CompletedAt.Before(start) || !txn.CompletedAt.Before(end) {
			continue
		}
		if (txn.SenderAccountID != nil && *txn.SenderAccountID == accountID) ||
			(txn.RecipientAccountID != nil && *txn.RecipientAccountID == accountID) {
			sum += txn.Amount
		}
	}
	return sum
}

func (s *memoryStore) PendingOlderThan(_ context.Context, channel Channel, cutoff time.Time, limit int) ([]Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Transaction
	for _, txn := range s.txns {
		if txn.Status == StatusPending && txn.Channel == channel && txn.CreatedAt.Before(cutoff) {
			out = append(out, txn)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memoryStore) TransactionsInRange(_ context.Context, from, to time.Time) ([]Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Transaction
	for _, txn := range s.txns {
		if !txn.CreatedAt.Before(from) && txn.CreatedAt.Before(to) {
			out = append(out, txn)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *memoryStore) UnbalancedTransactionIDs(_ context.Context) ([]uuid.UUID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sums := make(map[uuid.UUID]int64)
	counts := make(map[uuid.UUID]int)
	for _, e := range s.entries {
		sums[e.TransactionID] += e.Direction.Signed(e.Amount)
		counts[e.TransactionID]++
	}
	var out []uuid.UUID
	for id, txn := range s.txns {
		if txn.Status != StatusCompleted && txn.Status != StatusReversed {
			continue
		}
		if counts[id] == 0 || sums[id] != 0 {
			out = append(out, id)
		}
	}
	return out, nil
}
