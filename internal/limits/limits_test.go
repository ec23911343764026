package limits

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestEvaluateSingleTransactionCap(t *testing.T) {
	table := DefaultTable()
	cap := table[TierBasic].SingleTransactionMax

	d := table.Evaluate(Input{Tier: TierBasic, Amount: cap})
	if !d.Allowed {
		t.Fatalf("amount at cap should be allowed, denied with %s", d.Reason)
	}

	d = table.Evaluate(Input{Tier: TierBasic, Amount: cap + 1})
	if d.Allowed {
		t.Fatal("amount above cap should be denied")
	}
	if d.Reason != ReasonSingleTransaction {
		t.Fatalf("expected reason %s, got %s", ReasonSingleTransaction, d.Reason)
	}
}

func TestEvaluateMaxBalanceTier1(t *testing.T) {
	// tier1 account holding 400,000 RWF attempting a 700,000 RWF deposit:
	// resulting balance 1,100,000 exceeds the 1,000,000 cap.
	table := Table{
		TierBasic: {SingleTransactionMax: 100_000, DailyVolumeMax: 300_000, MaxBalance: 500_000},
		TierTier1: {SingleTransactionMax: 1_000_000, DailyVolumeMax: 2_000_000, MaxBalance: 1_000_000},
	}

	d := table.Evaluate(Input{Tier: TierTier1, Amount: 700_000, Balance: 400_000, CreditIncreasing: true})
	if d.Allowed {
		t.Fatal("deposit breaching max balance should be denied")
	}
	if d.Reason != ReasonMaxBalance {
		t.Fatalf("expected reason %s, got %s", ReasonMaxBalance, d.Reason)
	}

	// The same amount leaving the account is not capped by max balance.
	d = table.Evaluate(Input{Tier: TierTier1, Amount: 700_000, Balance: 400_000})
	if !d.Allowed {
		t.Fatalf("debit should not hit max balance cap, denied with %s", d.Reason)
	}
}

func TestEvaluateDailyVolumeTier2(t *testing.T) {
	// tier2 with 900,000 RWF already moved today attempting 200,000 more
	// against a 1,000,000 daily cap.
	table := DefaultTable()

	d := table.Evaluate(Input{Tier: TierTier2, Amount: 200_000, TodayVolume: 900_000})
	if d.Allowed {
		t.Fatal("transfer breaching daily volume should be denied")
	}
	if d.Reason != ReasonDailyVolume {
		t.Fatalf("expected reason %s, got %s", ReasonDailyVolume, d.Reason)
	}

	d = table.Evaluate(Input{Tier: TierTier2, Amount: 100_000, TodayVolume: 900_000})
	if !d.Allowed {
		t.Fatalf("transfer exactly reaching daily cap should be allowed, denied with %s", d.Reason)
	}
}

func TestEvaluatePremiumUnlimited(t *testing.T) {
	table := DefaultTable()
	d := table.Evaluate(Input{
		Tier:             TierPremium,
		Amount:           10_000_000_000,
		Balance:          10_000_000_000,
		TodayVolume:      10_000_000_000,
		CreditIncreasing: true,
	})
	if !d.Allowed {
		t.Fatalf("premium should be uncapped, denied with %s", d.Reason)
	}
}

func TestEvaluateUnknownTierFallsBackToBasic(t *testing.T) {
	table := DefaultTable()
	cap := table[TierBasic].SingleTransactionMax

	d := table.Evaluate(Input{Tier: Tier("gold"), Amount: cap + 1})
	if d.Allowed {
		t.Fatal("unknown tier must not widen limits")
	}
}

func TestPolicyReloadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "limits.json")
	writeTable := func(single int64) {
		table := DefaultTable()
		p := table[TierBasic]
		p.SingleTransactionMax = single
		table[TierBasic] = p
		raw, err := json.Marshal(table)
		if err != nil {
			t.Fatalf("marshal table: %v", err)
		}
		if err := os.WriteFile(path, raw, 0o600); err != nil {
			t.Fatalf("write limits file: %v", err)
		}
	}

	writeTable(100_000)
	policy, err := NewPolicy(path)
	if err != nil {
		t.Fatalf("new policy: %v", err)
	}
	if got := policy.Table()[TierBasic].SingleTransactionMax; got != 100_000 {
		t.Fatalf("expected cap 100000, got %d", got)
	}

	writeTable(250_000)
	if err := policy.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got := policy.Table()[TierBasic].SingleTransactionMax; got != 250_000 {
		t.Fatalf("expected reloaded cap 250000, got %d", got)
	}
}

func TestPolicyReloadKeepsTableOnBadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "limits.json")
	raw, _ := json.Marshal(DefaultTable())
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		t.Fatalf("write limits file: %v", err)
	}

	policy, err := NewPolicy(path)
	if err != nil {
		t.Fatalf("new policy: %v", err)
	}

	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("corrupt limits file: %v", err)
	}
	if err := policy.Reload(); err == nil {
		t.Fatal("expected reload error for malformed file")
	}

	if got := policy.Table()[TierBasic].SingleTransactionMax; got != DefaultTable()[TierBasic].SingleTransactionMax {
		t.Fatalf("previous table should survive a failed reload, got cap %d", got)
	}
}
