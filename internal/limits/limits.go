package limits

import (
	"encoding/json"
	"fmt"
	"os"
	"sync/atomic"
)

// Tier is the KYC verification level supplied by the identity provider.
// The engine never computes tiers, it only reads them.
type Tier string

const (
	TierBasic   Tier = "basic"
	TierTier1   Tier = "tier1"
	TierTier2   Tier = "tier2"
	TierPremium Tier = "premium"
)

// Reason identifies which regulatory limit denied an operation. Reasons are
// stable codes surfaced to API consumers and recorded on failed transactions.
type Reason string

const (
	ReasonSingleTransaction Reason = "single_transaction_limit"
	ReasonDailyVolume       Reason = "daily_volume_limit"
	ReasonMaxBalance        Reason = "max_balance_limit"
)

// Unlimited disables a cap for a tier. Premium accounts use it.
const Unlimited int64 = -1

// Profile holds the per-tier regulatory caps in minor currency units.
type Profile struct {
	SingleTransactionMax int64 `json:"single_transaction_max"`
	DailyVolumeMax       int64 `json:"daily_volume_max"`
	MaxBalance           int64 `json:"max_balance"`
}

// Table maps KYC tiers to their limit profiles.
type Table map[Tier]Profile

// DefaultTable returns the built-in RWF limit schedule used when no limits
// file is configured.
func DefaultTable() Table {
	return Table{
		TierBasic:   {SingleTransactionMax: 100_000, DailyVolumeMax: 300_000, MaxBalance: 500_000},
		TierTier1:   {SingleTransactionMax: 300_000, DailyVolumeMax: 500_000, MaxBalance: 1_000_000},
		TierTier2:   {SingleTransactionMax: 500_000, DailyVolumeMax: 1_000_000, MaxBalance: 5_000_000},
		TierPremium: {SingleTransactionMax: Unlimited, DailyVolumeMax: Unlimited, MaxBalance: Unlimited},
	}
}

// Profile resolves the limit profile for a tier, falling back to the basic
// schedule for unknown tiers so an unrecognized value can never widen limits.
func (t Table) Profile(tier Tier) Profile {
	if p, ok := t[tier]; ok {
		return p
	}
	return t[TierBasic]
}

// Decision is the outcome of a policy evaluation.
type Decision struct {
	Allowed bool
	Reason  Reason
}

func allow() Decision             { return Decision{Allowed: true} }
func deny(reason Reason) Decision { return Decision{Reason: reason} }

// Input captures the snapshot a policy evaluation runs against. Balance and
// TodayVolume must come from the same consistency snapshot that the
// subsequent ledger write commits under.
type Input struct {
	Tier        Tier
	Amount      int64
	Balance     int64
	TodayVolume int64
	// CreditIncreasing marks operations that raise the account balance;
	// the max-balance cap only applies to those.
	CreditIncreasing bool
}

// Evaluate applies the regulatory caps for the given tier. It is pure and
// deterministic; all arithmetic is int64 minor units.
func (t Table) Evaluate(in Input) Decision {
	p := t.Profile(in.Tier)
	if p.SingleTransactionMax != Unlimited && in.Amount > p.SingleTransactionMax {
		return deny(ReasonSingleTransaction)
	}
	if p.DailyVolumeMax != Unlimited && in.TodayVolume+in.Amount > p.DailyVolumeMax {
		return deny(ReasonDailyVolume)
	}
	if in.CreditIncreasing && p.MaxBalance != Unlimited && in.Balance+in.Amount > p.MaxBalance {
		return deny(ReasonMaxBalance)
	}
	return allow()
}

// Policy holds the active limit table behind an atomic pointer so regulators'
// schedules can be hot-reloaded without a restart. An operation that already
// captured a table keeps it for its whole atomic unit.
type Policy struct {
	table atomic.Pointer[Table]
	path  string
}

// NewPolicy builds a policy from the limits file at path, or from the
// default schedule when path is empty.
func NewPolicy(path string) (*Policy, error) {
	p := &Policy{path: path}
	if err := p.Reload(); err != nil {
		return nil, err
	}
	return p, nil
}

// NewStaticPolicy wraps a fixed table. Useful for tests.
func NewStaticPolicy(table Table) *Policy {
	p := &Policy{}
	p.table.Store(&table)
	return p
}

// Table returns the currently active limit table.
func (p *Policy) Table() Table {
	return *p.table.Load()
}

// Reload re-reads the limits file and swaps the active table. A malformed or
// incomplete file leaves the previous table in place.
func (p *Policy) Reload() error {
	if p.path == "" {
		t := DefaultTable()
		p.table.Store(&t)
		return nil
	}

	raw, err := os.ReadFile(p.path)
	if err != nil {
		return fmt.Errorf("read limits file: %w", err)
	}

	var loaded Table
	if err := json.Unmarshal(raw, &loaded); err != nil {
		return fmt.Errorf("parse limits file: %w", err)
	}
	for _, tier := range []Tier{TierBasic, TierTier1, TierTier2, TierPremium} {
		if _, ok := loaded[tier]; !ok {
			return fmt.Errorf("limits file missing tier %q", tier)
		}
	}

	p.table.Store(&loaded)
	return nil
}
