package kyc

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kigipay/kigipay/internal/limits"
)

// ErrUnknownOwner indicates the identity provider has no record for the owner.
var ErrUnknownOwner = errors.New("unknown account owner")

// TierProvider exposes the verification tier assigned to an account owner by
// the external identity/KYC system. The ledger engine only reads tiers.
type TierProvider interface {
	Tier(ctx context.Context, ownerID uuid.UUID) (limits.Tier, error)
}

// PostgresProvider reads tiers from the kyc_profiles table kept in sync by
// the identity service.
type PostgresProvider struct {
	db *pgxpool.Pool
}

// NewPostgresProvider builds a tier provider backed by PostgreSQL.
func NewPostgresProvider(db *pgxpool.Pool) *PostgresProvider {
	return &PostgresProvider{db: db}
}

// Tier returns the stored tier for the owner. Owners without a profile are
// treated as basic so missing KYC data can never widen limits.
func (p *PostgresProvider) Tier(ctx context.Context, ownerID uuid.UUID) (limits.Tier, error) {
	var tier string
	err := p.db.QueryRow(ctx, `SELECT tier FROM kyc_profiles WHERE owner_id = $1`, ownerID).Scan(&tier)
	if errors.Is(err, pgx.ErrNoRows) {
		return limits.TierBasic, nil
	}
	if err != nil {
		return "", err
	}
	return limits.Tier(tier), nil
}

// MemoryProvider is a concurrency-safe in-memory tier store for tests and
// local development.
type MemoryProvider struct {
	mu    sync.RWMutex
	tiers map[uuid.UUID]limits.Tier
}

// NewMemoryProvider builds an empty in-memory provider.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{tiers: make(map[uuid.UUID]limits.Tier)}
}

// SetTier records the tier for an owner.
func (p *MemoryProvider) SetTier(ownerID uuid.UUID, tier limits.Tier) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tiers[ownerID] = tier
}

// Tier returns the recorded tier, defaulting to basic.
func (p *MemoryProvider) Tier(_ context.Context, ownerID uuid.UUID) (limits.Tier, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if tier, ok := p.tiers[ownerID]; ok {
		return tier, nil
	}
	return limits.TierBasic, nil
}
