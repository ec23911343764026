package compliance

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/kigipay/kigipay/internal/kyc"
	"github.com/kigipay/kigipay/internal/ledger"
	"github.com/kigipay/kigipay/internal/limits"
)

type reporterEnv struct {
	store    ledger.Store
	tiers    *kyc.MemoryProvider
	reporter *Reporter
}

func newReporterEnv(t *testing.T) *reporterEnv {
	t.Helper()
	policy := limits.NewStaticPolicy(limits.DefaultTable())
	store := ledger.NewMemoryStore(policy)
	tiers := kyc.NewMemoryProvider()
	return &reporterEnv{
		store:    store,
		tiers:    tiers,
		reporter: NewReporter(store, tiers, policy),
	}
}

func (e *reporterEnv) wallet(t *testing.T) ledger.Account {
	t.Helper()
	acc, err := e.store.CreateAccount(context.Background(), ledger.Account{
		OwnerID:  uuid.New(),
		Type:     ledger.AccountWallet,
		Currency: "RWF",
	})
	if err != nil {
		t.Fatalf("create wallet: %v", err)
	}
	return acc
}

// post writes a completed transfer straight through the store, bypassing the
// live policy the way historic or migrated data would.
func (e *reporterEnv) post(t *testing.T, from, to ledger.Account, amount int64, ref string) ledger.Transaction {
	t.Helper()
	fromID, toID := from.ID, to.ID
	txn, err := e.store.Post(context.Background(), ledger.PostingInput{
		Insert: true,
		Transaction: ledger.Transaction{
			Type:               ledger.TypeTransfer,
			SenderAccountID:    &fromID,
			RecipientAccountID: &toID,
			Amount:             amount,
			Currency:           "RWF",
			Reference:          ref,
			Channel:            ledger.ChannelInternal,
		},
		Entries: []ledger.EntryInput{
			{AccountID: fromID, Direction: ledger.Debit, Amount: amount},
			{AccountID: toID, Direction: ledger.Credit, Amount: amount},
		},
	})
	if err != nil {
		t.Fatalf("post %s: %v", ref, err)
	}
	return txn
}

func violationsOfKind(report Report, kind ViolationKind) []Violation {
	var out []Violation
	for _, v := range report.Violations {
		if v.Kind == kind {
			out = append(out, v)
		}
	}
	return out
}

func TestReportAggregatesAndViolations(t *testing.T) {
	env := newReporterEnv(t)
	ctx := context.Background()

	overCap := env.wallet(t)
	structuring := env.wallet(t)
	heavyVolume := env.wallet(t)
	recipient := env.wallet(t)

	ledger.SeedBalance(t, env.store, overCap, 200_000)
	ledger.SeedBalance(t, env.store, structuring, 300_000)
	ledger.SeedBalance(t, env.store, heavyVolume, 400_000)

	// One transaction above the basic 100k single cap.
	capTxn := env.post(t, overCap, recipient, 150_000, "cap-1")

	// Three same-day transfers in the 95-100% band below the cap.
	env.post(t, structuring, recipient, 96_000, "struct-1")
	env.post(t, structuring, recipient, 97_000, "struct-2")
	env.post(t, structuring, recipient, 98_000, "struct-3")

	// Four transfers under the cap whose sum exceeds the 300k daily cap.
	for _, ref := range []string{"vol-1", "vol-2", "vol-3", "vol-4"} {
		env.post(t, heavyVolume, recipient, 90_000, ref)
	}

	// Failed transactions never enter the report.
	now := time.Now().UTC()
	overCapID := overCap.ID
	if _, err := env.store.CreateTransaction(ctx, ledger.Transaction{
		Type:            ledger.TypeWithdrawal,
		SenderAccountID: &overCapID,
		Amount:          999_000,
		Currency:        "RWF",
		Status:          ledger.StatusFailed,
		Reference:       "failed-1",
		Channel:         ledger.ChannelInternal,
		FailedAt:        &now,
	}); err != nil {
		t.Fatalf("create failed transaction: %v", err)
	}

	report, err := env.reporter.Report(ctx, now.Add(-time.Hour), now.Add(time.Hour))
	if err != nil {
		t.Fatalf("report: %v", err)
	}

	transfers := report.ByType[ledger.TypeTransfer]
	if transfers.Count != 8 {
		t.Fatalf("expected 8 transfers got %d", transfers.Count)
	}
	if transfers.Volume != 798_000 {
		t.Fatalf("expected transfer volume 798000 got %d", transfers.Volume)
	}
	if agg := report.ByType[ledger.TypeWithdrawal]; agg.Count != 0 {
		t.Fatalf("failed withdrawal must not be aggregated, got %d", agg.Count)
	}

	if len(report.Violations) != 3 {
		t.Fatalf("expected 3 violations got %d: %+v", len(report.Violations), report.Violations)
	}

	single := violationsOfKind(report, ViolationSingleCap)
	if len(single) != 1 {
		t.Fatalf("expected 1 single-cap violation got %d", len(single))
	}
	if single[0].AccountID != overCap.ID || single[0].Amount != 150_000 || single[0].Limit != 100_000 {
		t.Fatalf("unexpected single-cap violation %+v", single[0])
	}
	if len(single[0].TransactionIDs) != 1 || single[0].TransactionIDs[0] != capTxn.ID {
		t.Fatalf("single-cap violation must cite the transaction, got %+v", single[0].TransactionIDs)
	}

	daily := violationsOfKind(report, ViolationDailyCap)
	if len(daily) != 1 {
		t.Fatalf("expected 1 daily-cap violation got %d", len(daily))
	}
	if daily[0].AccountID != heavyVolume.ID || daily[0].Amount != 360_000 || daily[0].Limit != 300_000 {
		t.Fatalf("unexpected daily-cap violation %+v", daily[0])
	}

	flagged := violationsOfKind(report, ViolationStructuring)
	if len(flagged) != 1 {
		t.Fatalf("expected 1 structuring violation got %d", len(flagged))
	}
	if flagged[0].AccountID != structuring.ID || len(flagged[0].TransactionIDs) != 3 {
		t.Fatalf("unexpected structuring violation %+v", flagged[0])
	}
}

func TestReportStructuringNeedsThreeHits(t *testing.T) {
	env := newReporterEnv(t)

	sender := env.wallet(t)
	recipient := env.wallet(t)
	ledger.SeedBalance(t, env.store, sender, 200_000)

	// Two near-cap transfers stay under the structuring threshold.
	env.post(t, sender, recipient, 96_000, "near-1")
	env.post(t, sender, recipient, 97_000, "near-2")

	now := time.Now().UTC()
	report, err := env.reporter.Report(context.Background(), now.Add(-time.Hour), now.Add(time.Hour))
	if err != nil {
		t.Fatalf("report: %v", err)
	}

	if flagged := violationsOfKind(report, ViolationStructuring); len(flagged) != 0 {
		t.Fatalf("two hits must not be flagged, got %+v", flagged)
	}
}

func TestReportReversalNotDoubleCharged(t *testing.T) {
	env := newReporterEnv(t)
	ctx := context.Background()

	sender := env.wallet(t)
	recipient := env.wallet(t)
	ledger.SeedBalance(t, env.store, sender, 100_000)

	original := env.post(t, sender, recipient, 40_000, "orig-1")

	// Mirror the original the way the state machine reverses a transfer.
	senderID, recipientID := sender.ID, recipient.ID
	originalID := original.ID
	if _, err := env.store.Post(ctx, ledger.PostingInput{
		Insert:       true,
		MarkReversed: &originalID,
		Transaction: ledger.Transaction{
			Type:               ledger.TypeReversal,
			SenderAccountID:    &recipientID,
			RecipientAccountID: &senderID,
			Amount:             40_000,
			Currency:           "RWF",
			Reference:          "rev-orig-1",
			Channel:            ledger.ChannelInternal,
			ReversalOf:         &originalID,
		},
		Entries: []ledger.EntryInput{
			{AccountID: senderID, Direction: ledger.Credit, Amount: 40_000},
			{AccountID: recipientID, Direction: ledger.Debit, Amount: 40_000},
		},
	}); err != nil {
		t.Fatalf("post reversal: %v", err)
	}

	now := time.Now().UTC()
	report, err := env.reporter.Report(ctx, now.Add(-time.Hour), now.Add(time.Hour))
	if err != nil {
		t.Fatalf("report: %v", err)
	}

	// The reversed original still aggregates, and the reversal shows up under
	// its own type, but neither produces a violation.
	if agg := report.ByType[ledger.TypeTransfer]; agg.Count != 1 || agg.Volume != 40_000 {
		t.Fatalf("unexpected transfer aggregate %+v", agg)
	}
	if agg := report.ByType[ledger.TypeReversal]; agg.Count != 1 || agg.Volume != 40_000 {
		t.Fatalf("unexpected reversal aggregate %+v", agg)
	}
	if len(report.Violations) != 0 {
		t.Fatalf("expected no violations got %+v", report.Violations)
	}
}
