package compliance

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/kigipay/kigipay/internal/kyc"
	"github.com/kigipay/kigipay/internal/ledger"
	"github.com/kigipay/kigipay/internal/limits"
)

// ViolationKind classifies the second-line checks the reporter runs over
// committed ledger data, independently of the live limit policy.
type ViolationKind string

const (
	// ViolationSingleCap flags transactions above the single-transaction cap.
	ViolationSingleCap ViolationKind = "single_transaction_cap"
	// ViolationDailyCap flags owners whose completed daily volume exceeded
	// their cap.
	ViolationDailyCap ViolationKind = "daily_volume_cap"
	// ViolationStructuring flags three or more same-day transactions in the
	// 95-100% band below a sender's single-transaction cap. A signal, never
	// an automatic block.
	ViolationStructuring ViolationKind = "structuring_pattern"
)

// Violation is one flagged finding in a report.
type Violation struct {
	Kind           ViolationKind `json:"kind"`
	OwnerID        uuid.UUID     `json:"owner_id"`
	AccountID      uuid.UUID     `json:"account_id"`
	Day            string        `json:"day"`
	Amount         int64         `json:"amount"`
	Limit          int64         `json:"limit"`
	TransactionIDs []uuid.UUID   `json:"transaction_ids"`
}

// TypeAggregate is the per-transaction-type rollup of a reporting window.
type TypeAggregate struct {
	Count  int   `json:"count"`
	Volume int64 `json:"volume"`
}

// Report is the regulatory reporting export for a date range.
type Report struct {
	From       time.Time                               `json:"from"`
	To         time.Time                               `json:"to"`
	ByType     map[ledger.TransactionType]TypeAggregate `json:"by_type"`
	Violations []Violation                             `json:"violations"`
}

// Reporter aggregates committed ledger data for regulatory reporting. It is
// strictly read-only.
type Reporter struct {
	store  ledger.Store
	tiers  kyc.TierProvider
	policy *limits.Policy
}

// NewReporter wires a reporter over the ledger store.
func NewReporter(store ledger.Store, tiers kyc.TierProvider, policy *limits.Policy) *Reporter {
	return &Reporter{store: store, tiers: tiers, policy: policy}
}

// Report builds the aggregate and violation findings for transactions
// created in [from, to).
func (r *Reporter) Report(ctx context.Context, from, to time.Time) (Report, error) {
	txns, err := r.store.TransactionsInRange(ctx, from, to)
	if err != nil {
		return Report{}, err
	}

	report := Report{
		From:   from.UTC(),
		To:     to.UTC(),
		ByType: make(map[ledger.TransactionType]TypeAggregate),
	}

	table := r.policy.Table()
	accounts := make(map[uuid.UUID]ledger.Account)
	profiles := make(map[uuid.UUID]limits.Profile)

	account := func(id uuid.UUID) (ledger.Account, error) {
		if acc, ok := accounts[id]; ok {
			return acc, nil
		}
		acc, err := r.store.GetAccount(ctx, id)
		if err != nil {
			return ledger.Account{}, err
		}
		accounts[id] = acc
		return acc, nil
	}
	profile := func(ownerID uuid.UUID) (limits.Profile, error) {
		if p, ok := profiles[ownerID]; ok {
			return p, nil
		}
		tier, err := r.tiers.Tier(ctx, ownerID)
		if err != nil {
			return limits.Profile{}, err
		}
		p := table.Profile(tier)
		profiles[ownerID] = p
		return p, nil
	}

	type dayKey struct {
		account uuid.UUID
		day     string
	}
	dailyVolume := make(map[dayKey]int64)
	dailyTxns := make(map[dayKey][]uuid.UUID)
	nearCap := make(map[dayKey][]uuid.UUID)

	for _, txn := range txns {
		if txn.Status != ledger.StatusCompleted && txn.Status != ledger.StatusReversed {
			continue
		}

		agg := report.ByType[txn.Type]
		agg.Count++
		agg.Volume += txn.Amount
		report.ByType[txn.Type] = agg

		if txn.Type == ledger.TypeReversal {
			continue
		}

		charged := txn.SenderAccountID
		if charged == nil {
			charged = txn.RecipientAccountID
		}
		if charged == nil {
			continue
		}
		acc, err := account(*charged)
		if err != nil {
			return Report{}, err
		}
		if acc.Type == ledger.AccountExternal {
			continue
		}
		p, err := profile(acc.OwnerID)
		if err != nil {
			return Report{}, err
		}

		day := txn.CreatedAt.UTC().Format("2006-01-02")
		key := dayKey{account: acc.ID, day: day}
		dailyVolume[key] += txn.Amount
		dailyTxns[key] = append(dailyTxns[key], txn.ID)

		if p.SingleTransactionMax != limits.Unlimited {
			cap := p.SingleTransactionMax
			if txn.Amount > cap {
				report.Violations = append(report.Violations, Violation{
					Kind:           ViolationSingleCap,
					OwnerID:        acc.OwnerID,
					AccountID:      acc.ID,
					Day:            day,
					Amount:         txn.Amount,
					Limit:          cap,
					TransactionIDs: []uuid.UUID{txn.ID},
				})
			}
			// Integer 95% band check: amount*100 in [cap*95, cap*100).
			if txn.Amount*100 >= cap*95 && txn.Amount < cap {
				nearCap[key] = append(nearCap[key], txn.ID)
			}
		}
	}

	for key, volume := range dailyVolume {
		acc := accounts[key.account]
		p := profiles[acc.OwnerID]
		if p.DailyVolumeMax != limits.Unlimited && volume > p.DailyVolumeMax {
			report.Violations = append(report.Violations, Violation{
				Kind:           ViolationDailyCap,
				OwnerID:        acc.OwnerID,
				AccountID:      acc.ID,
				Day:            key.day,
				Amount:         volume,
				Limit:          p.DailyVolumeMax,
				TransactionIDs: dailyTxns[key],
			})
		}
	}

	for key, ids := range nearCap {
		if len(ids) < 3 {
			continue
		}
		acc := accounts[key.account]
		p := profiles[acc.OwnerID]
		report.Violations = append(report.Violations, Violation{
			Kind:           ViolationStructuring,
			OwnerID:        acc.OwnerID,
			AccountID:      acc.ID,
			Day:            key.day,
			Amount:         int64(len(ids)),
			Limit:          p.SingleTransactionMax,
			TransactionIDs: ids,
		})
	}

	sort.Slice(report.Violations, func(i, j int) bool {
		a, b := report.Violations[i], report.Violations[j]
		if a.Day != b.Day {
			return a.Day < b.Day
		}
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		return a.AccountID.String() < b.AccountID.String()
	})

	return report, nil
}
