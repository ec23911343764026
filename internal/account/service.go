package account

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kigipay/kigipay/internal/kyc"
	"github.com/kigipay/kigipay/internal/ledger"
	"github.com/kigipay/kigipay/internal/limits"
)

const defaultCurrency = "RWF"

// ErrInvalidAccountType rejects account types outside the closed set.
var ErrInvalidAccountType = errors.New("invalid account type")

// Service exposes account onboarding and lifecycle operations backed by the
// ledger store. Balances are never mutated here; only the transaction state
// machine moves money.
type Service struct {
	store ledger.Store
	tiers kyc.TierProvider
}

// NewService builds an account service.
func NewService(store ledger.Store, tiers kyc.TierProvider) *Service {
	return &Service{store: store, tiers: tiers}
}

// CreateInput captures data required to open an account.
type CreateInput struct {
	OwnerID  uuid.UUID
	Type     ledger.AccountType
	Currency string
}

// Create provisions one account per (owner, type). Repeated calls return the
// existing account.
func (s *Service) Create(ctx context.Context, in CreateInput) (ledger.Account, error) {
	switch in.Type {
	case ledger.AccountWallet, ledger.AccountCard, ledger.AccountMerchant:
	default:
		return ledger.Account{}, ErrInvalidAccountType
	}
	if in.OwnerID == uuid.Nil {
		return ledger.Account{}, fmt.Errorf("owner id is required")
	}
	currency := in.Currency
	if currency == "" {
		currency = defaultCurrency
	}

	return s.store.CreateAccount(ctx, ledger.Account{
		OwnerID:  in.OwnerID,
		Type:     in.Type,
		Currency: currency,
		Status:   ledger.AccountActive,
	})
}

// Get fetches account metadata.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (ledger.Account, error) {
	return s.store.GetAccount(ctx, id)
}

// ByOwner lists an owner's accounts.
func (s *Service) ByOwner(ctx context.Context, ownerID uuid.UUID) ([]ledger.Account, error) {
	return s.store.AccountsByOwner(ctx, ownerID)
}

// Balance reports the stored balance together with the KYC tier and limit
// headroom the caller's UI needs.
type Balance struct {
	AccountID uuid.UUID
	Amount    int64
	Currency  string
	Tier      limits.Tier
	AsOf      time.Time
}

// Balance returns the current balance for the account.
func (s *Service) Balance(ctx context.Context, id uuid.UUID) (Balance, error) {
	acc, err := s.store.GetAccount(ctx, id)
	if err != nil {
		return Balance{}, err
	}
	tier, err := s.tiers.Tier(ctx, acc.OwnerID)
	if err != nil {
		return Balance{}, err
	}
	return Balance{
		AccountID: acc.ID,
		Amount:    acc.Balance,
		Currency:  acc.Currency,
		Tier:      tier,
		AsOf:      time.Now().UTC(),
	}, nil
}

// Statement lists the account's ledger entries oldest first. Entries are the
// audit trail, so this is the statement of record, not a cached projection.
func (s *Service) Statement(ctx context.Context, id uuid.UUID) ([]ledger.Entry, error) {
	if _, err := s.store.GetAccount(ctx, id); err != nil {
		return nil, err
	}
	return s.store.EntriesByAccount(ctx, id)
}

// SetStatus freezes, reactivates or closes an account. Closed accounts stay
// closed.
func (s *Service) SetStatus(ctx context.Context, id uuid.UUID, status ledger.AccountStatus) (ledger.Account, error) {
	switch status {
	case ledger.AccountActive, ledger.AccountFrozen, ledger.AccountClosed:
	default:
		return ledger.Account{}, fmt.Errorf("invalid account status %q", status)
	}
	current, err := s.store.GetAccount(ctx, id)
	if err != nil {
		return ledger.Account{}, err
	}
	if current.Status == ledger.AccountClosed {
		return current, ledger.ErrInvalidTransition
	}
	if err := s.store.SetAccountStatus(ctx, id, status); err != nil {
		return ledger.Account{}, err
	}
	current.Status = status
	return current, nil
}
