package transaction

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/kigipay/kigipay/internal/kyc"
	"github.com/kigipay/kigipay/internal/ledger"
	"github.com/kigipay/kigipay/internal/limits"
	"github.com/kigipay/kigipay/internal/logging"
	"github.com/kigipay/kigipay/internal/mobilemoney"
	"github.com/kigipay/kigipay/internal/notification"
)

type testEnv struct {
	store   ledger.Store
	tiers   *kyc.MemoryProvider
	gateway *mobilemoney.StaticGateway
	svc     *Service
}

func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()
	policy := limits.NewStaticPolicy(limits.DefaultTable())
	store := ledger.NewMemoryStore(policy)
	tiers := kyc.NewMemoryProvider()
	gateway := mobilemoney.NewStaticGateway()
	logger := logging.Discard()

	cfg := DefaultConfig()
	cfg.ConflictBackoff = time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}

	svc := NewService(store, tiers, policy, gateway, notification.NewLoggerNotifier(logger), logger, cfg)
	return &testEnv{store: store, tiers: tiers, gateway: gateway, svc: svc}
}

func (e *testEnv) wallet(t *testing.T, tier limits.Tier) ledger.Account {
	t.Helper()
	owner := uuid.New()
	e.tiers.SetTier(owner, tier)
	acc, err := e.store.CreateAccount(context.Background(), ledger.Account{
		OwnerID:  owner,
		Type:     ledger.AccountWallet,
		Currency: "RWF",
	})
	if err != nil {
		t.Fatalf("create wallet: %v", err)
	}
	return acc
}

func (e *testEnv) merchant(t *testing.T, tier limits.Tier) ledger.Account {
	t.Helper()
	owner := uuid.New()
	e.tiers.SetTier(owner, tier)
	acc, err := e.store.CreateAccount(context.Background(), ledger.Account{
		OwnerID:  owner,
		Type:     ledger.AccountMerchant,
		Currency: "RWF",
	})
	if err != nil {
		t.Fatalf("create merchant: %v", err)
	}
	return acc
}

func (e *testEnv) balance(t *testing.T, id uuid.UUID) int64 {
	t.Helper()
	acc, err := e.store.GetAccount(context.Background(), id)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	return acc.Balance
}

func (e *testEnv) entryCount(t *testing.T, txnID uuid.UUID) int {
	t.Helper()
	entries, err := e.store.EntriesByTransaction(context.Background(), txnID)
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	return len(entries)
}

func TestDepositCreditsWallet(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	wallet := env.wallet(t, limits.TierBasic)

	txn, err := env.svc.Deposit(ctx, DepositInput{
		RecipientAccountID: wallet.ID,
		Amount:             50_000,
	})
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if txn.Status != ledger.StatusCompleted {
		t.Fatalf("expected completed got %s", txn.Status)
	}
	if got := env.balance(t, wallet.ID); got != 50_000 {
		t.Fatalf("expected balance 50000 got %d", got)
	}
	if n := env.entryCount(t, txn.ID); n != 2 {
		t.Fatalf("expected 2 entries got %d", n)
	}
}

func TestWithdrawInsufficientBalanceRecordsFailed(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	wallet := env.wallet(t, limits.TierBasic)

	txn, err := env.svc.Withdraw(ctx, WithdrawInput{
		SenderAccountID: wallet.ID,
		Amount:          10_000,
	})
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds got %v", err)
	}
	if txn.Status != ledger.StatusFailed {
		t.Fatalf("expected failed got %s", txn.Status)
	}
	if txn.FailureReason != "insufficient_balance" {
		t.Fatalf("expected reason insufficient_balance got %q", txn.FailureReason)
	}
	if n := env.entryCount(t, txn.ID); n != 0 {
		t.Fatalf("failed transaction must hold no entries, got %d", n)
	}
	if got := env.balance(t, wallet.ID); got != 0 {
		t.Fatalf("balance must be untouched, got %d", got)
	}
}

func TestTransferMovesFunds(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	sender := env.wallet(t, limits.TierBasic)
	recipient := env.wallet(t, limits.TierBasic)
	ledger.SeedBalance(t, env.store, sender, 100_000)

	txn, err := env.svc.Transfer(ctx, TransferInput{
		SenderAccountID:    sender.ID,
		RecipientAccountID: recipient.ID,
		Amount:             40_000,
	})
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if txn.Status != ledger.StatusCompleted {
		t.Fatalf("expected completed got %s", txn.Status)
	}
	if got := env.balance(t, sender.ID); got != 60_000 {
		t.Fatalf("expected sender balance 60000 got %d", got)
	}
	if got := env.balance(t, recipient.ID); got != 40_000 {
		t.Fatalf("expected recipient balance 40000 got %d", got)
	}
}

func TestTransferLimitDenialLeavesBalancesUntouched(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	sender := env.wallet(t, limits.TierBasic)
	recipient := env.wallet(t, limits.TierBasic)
	ledger.SeedBalance(t, env.store, sender, 200_000)

	txn, err := env.svc.Transfer(ctx, TransferInput{
		SenderAccountID:    sender.ID,
		RecipientAccountID: recipient.ID,
		Amount:             150_000,
	})
	var limitErr *ledger.LimitError
	if !errors.As(err, &limitErr) {
		t.Fatalf("expected limit error got %v", err)
	}
	if limitErr.Reason != limits.ReasonSingleTransaction {
		t.Fatalf("expected single transaction reason got %s", limitErr.Reason)
	}
	if txn.Status != ledger.StatusFailed {
		t.Fatalf("expected failed got %s", txn.Status)
	}
	if got := env.balance(t, sender.ID); got != 200_000 {
		t.Fatalf("sender balance must be untouched, got %d", got)
	}
	if got := env.balance(t, recipient.ID); got != 0 {
		t.Fatalf("recipient balance must be untouched, got %d", got)
	}
}

func TestTransferDailyVolumeDenied(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	sender := env.wallet(t, limits.TierBasic)
	recipient := env.wallet(t, limits.TierBasic)
	// The seed deposit already contributes 250k of today's 300k cap.
	ledger.SeedBalance(t, env.store, sender, 250_000)

	_, err := env.svc.Transfer(ctx, TransferInput{
		SenderAccountID:    sender.ID,
		RecipientAccountID: recipient.ID,
		Amount:             100_000,
	})
	var limitErr *ledger.LimitError
	if !errors.As(err, &limitErr) {
		t.Fatalf("expected limit error got %v", err)
	}
	if limitErr.Reason != limits.ReasonDailyVolume {
		t.Fatalf("expected daily volume reason got %s", limitErr.Reason)
	}
}

func TestPaymentRequiresMerchantRecipient(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	sender := env.wallet(t, limits.TierBasic)
	notMerchant := env.wallet(t, limits.TierBasic)
	merchant := env.merchant(t, limits.TierTier2)
	ledger.SeedBalance(t, env.store, sender, 80_000)

	if _, err := env.svc.Pay(ctx, TransferInput{
		SenderAccountID:    sender.ID,
		RecipientAccountID: notMerchant.ID,
		Amount:             10_000,
	}); !errors.Is(err, ErrNotMerchantAccount) {
		t.Fatalf("expected merchant check got %v", err)
	}

	txn, err := env.svc.Pay(ctx, TransferInput{
		SenderAccountID:    sender.ID,
		RecipientAccountID: merchant.ID,
		Amount:             10_000,
	})
	if err != nil {
		t.Fatalf("pay: %v", err)
	}
	if txn.Status != ledger.StatusCompleted {
		t.Fatalf("expected completed got %s", txn.Status)
	}
	if got := env.balance(t, merchant.ID); got != 10_000 {
		t.Fatalf("expected merchant balance 10000 got %d", got)
	}
}

func TestDuplicateReferenceReturnsOriginal(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	sender := env.wallet(t, limits.TierBasic)
	recipient := env.wallet(t, limits.TierBasic)
	ledger.SeedBalance(t, env.store, sender, 100_000)

	in := TransferInput{
		SenderAccountID:    sender.ID,
		RecipientAccountID: recipient.ID,
		Amount:             30_000,
		ExternalRef:        "client-ref-1",
	}
	first, err := env.svc.Transfer(ctx, in)
	if err != nil {
		t.Fatalf("first transfer: %v", err)
	}

	second, err := env.svc.Transfer(ctx, in)
	if !errors.Is(err, ledger.ErrDuplicateTransaction) {
		t.Fatalf("expected duplicate got %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected original transaction back, got %s want %s", second.ID, first.ID)
	}
	if got := env.balance(t, sender.ID); got != 70_000 {
		t.Fatalf("duplicate must not post twice, balance %d", got)
	}
}

func TestCancelPendingTransaction(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	wallet := env.wallet(t, limits.TierBasic)

	pending, err := env.svc.Deposit(ctx, DepositInput{
		RecipientAccountID: wallet.ID,
		Amount:             20_000,
		ExternalRef:        "mm-cancel-1",
		Channel:            ledger.ChannelMobileMoney,
		Phone:              "+250780000001",
	})
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if pending.Status != ledger.StatusPending {
		t.Fatalf("mobile money deposit must stay pending, got %s", pending.Status)
	}

	cancelled, err := env.svc.Cancel(ctx, pending.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != ledger.StatusCancelled {
		t.Fatalf("expected cancelled got %s", cancelled.Status)
	}
	if cancelled.CancelledAt == nil {
		t.Fatal("expected cancelled_at to be set")
	}

	if _, err := env.svc.Cancel(ctx, pending.ID); !errors.Is(err, ledger.ErrInvalidTransition) {
		t.Fatalf("second cancel must fail, got %v", err)
	}
}

func TestRetryRerunsFailedTransaction(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	wallet := env.wallet(t, limits.TierBasic)

	failed, err := env.svc.Withdraw(ctx, WithdrawInput{
		SenderAccountID: wallet.ID,
		Amount:          15_000,
	})
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds got %v", err)
	}

	ledger.SeedBalance(t, env.store, wallet, 50_000)

	retried, err := env.svc.Retry(ctx, failed.ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if retried.Status != ledger.StatusCompleted {
		t.Fatalf("expected completed got %s", retried.Status)
	}
	if retried.RetryCount != 1 {
		t.Fatalf("expected retry count 1 got %d", retried.RetryCount)
	}
	if got := env.balance(t, wallet.ID); got != 35_000 {
		t.Fatalf("expected balance 35000 got %d", got)
	}
}

func TestRetryBoundedByMaxRetries(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) { cfg.MaxRetries = 1 })
	ctx := context.Background()
	wallet := env.wallet(t, limits.TierBasic)

	failed, err := env.svc.Withdraw(ctx, WithdrawInput{
		SenderAccountID: wallet.ID,
		Amount:          15_000,
	})
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds got %v", err)
	}

	// Still unfunded, so the retry fails again and exhausts the budget.
	if _, err := env.svc.Retry(ctx, failed.ID); !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds got %v", err)
	}
	if _, err := env.svc.Retry(ctx, failed.ID); !errors.Is(err, ledger.ErrRetryExhausted) {
		t.Fatalf("expected retry exhausted got %v", err)
	}
}

func TestApprovalThresholdBlocksAndApproveReleases(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	sender := env.wallet(t, limits.TierPremium)
	recipient := env.wallet(t, limits.TierPremium)
	ledger.SeedBalance(t, env.store, sender, 1_000_000)

	blocked, err := env.svc.Transfer(ctx, TransferInput{
		SenderAccountID:    sender.ID,
		RecipientAccountID: recipient.ID,
		Amount:             600_000,
	})
	if !errors.Is(err, ErrApprovalRequired) {
		t.Fatalf("expected approval required got %v", err)
	}
	if blocked.Status != ledger.StatusBlocked {
		t.Fatalf("expected blocked got %s", blocked.Status)
	}
	if got := env.balance(t, recipient.ID); got != 0 {
		t.Fatalf("blocked transaction must not move funds, got %d", got)
	}

	approved, err := env.svc.Approve(ctx, blocked.ID)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approved.Status != ledger.StatusCompleted {
		t.Fatalf("expected completed got %s", approved.Status)
	}
	if got := env.balance(t, recipient.ID); got != 600_000 {
		t.Fatalf("expected recipient balance 600000 got %d", got)
	}
}

func TestReverseRestoresBalances(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	sender := env.wallet(t, limits.TierBasic)
	recipient := env.wallet(t, limits.TierBasic)
	ledger.SeedBalance(t, env.store, sender, 100_000)

	original, err := env.svc.Transfer(ctx, TransferInput{
		SenderAccountID:    sender.ID,
		RecipientAccountID: recipient.ID,
		Amount:             25_000,
	})
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}

	reversal, err := env.svc.Reverse(ctx, original.ID)
	if err != nil {
		t.Fatalf("reverse: %v", err)
	}
	if reversal.Type != ledger.TypeReversal {
		t.Fatalf("expected reversal type got %s", reversal.Type)
	}
	if reversal.ReversalOf == nil || *reversal.ReversalOf != original.ID {
		t.Fatal("reversal must reference the original transaction")
	}
	if reversal.Reference != "rev-"+original.Reference {
		t.Fatalf("unexpected reversal reference %q", reversal.Reference)
	}

	updated, err := env.store.GetTransaction(ctx, original.ID)
	if err != nil {
		t.Fatalf("get original: %v", err)
	}
	if updated.Status != ledger.StatusReversed {
		t.Fatalf("expected original reversed got %s", updated.Status)
	}
	if got := env.balance(t, sender.ID); got != 100_000 {
		t.Fatalf("expected sender restored to 100000 got %d", got)
	}
	if got := env.balance(t, recipient.ID); got != 0 {
		t.Fatalf("expected recipient restored to 0 got %d", got)
	}

	// A reversal of a reversal is off the table.
	if _, err := env.svc.Reverse(ctx, reversal.ID); !errors.Is(err, ErrNotReversible) {
		t.Fatalf("expected not reversible got %v", err)
	}
}

func TestReverseWindowExpired(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) { cfg.ReversalWindow = time.Nanosecond })
	ctx := context.Background()
	sender := env.wallet(t, limits.TierBasic)
	recipient := env.wallet(t, limits.TierBasic)
	ledger.SeedBalance(t, env.store, sender, 100_000)

	original, err := env.svc.Transfer(ctx, TransferInput{
		SenderAccountID:    sender.ID,
		RecipientAccountID: recipient.ID,
		Amount:             25_000,
	})
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}

	time.Sleep(time.Millisecond)

	if _, err := env.svc.Reverse(ctx, original.ID); !errors.Is(err, ErrReversalWindowExpired) {
		t.Fatalf("expected window expired got %v", err)
	}
}

func TestReverseMobileMoneyDepositRejected(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	wallet := env.wallet(t, limits.TierBasic)

	pending, err := env.svc.Deposit(ctx, DepositInput{
		RecipientAccountID: wallet.ID,
		Amount:             20_000,
		ExternalRef:        "mm-rev-1",
		Channel:            ledger.ChannelMobileMoney,
		Phone:              "+250780000002",
	})
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := env.svc.HandleExternalCallback(ctx, pending.Reference, mobilemoney.StatusSuccessful, "prov-1"); err != nil {
		t.Fatalf("callback: %v", err)
	}

	if _, err := env.svc.Reverse(ctx, pending.ID); !errors.Is(err, ErrNotReversible) {
		t.Fatalf("expected not reversible got %v", err)
	}
}

func TestCallbackSettlesPendingDeposit(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	wallet := env.wallet(t, limits.TierBasic)

	pending, err := env.svc.Deposit(ctx, DepositInput{
		RecipientAccountID: wallet.ID,
		Amount:             30_000,
		ExternalRef:        "mm-ok-1",
		Channel:            ledger.ChannelMobileMoney,
		Phone:              "+250780000003",
	})
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if got := env.balance(t, wallet.ID); got != 0 {
		t.Fatalf("pending deposit must not credit, got %d", got)
	}

	settled, err := env.svc.HandleExternalCallback(ctx, pending.Reference, mobilemoney.StatusSuccessful, "prov-42")
	if err != nil {
		t.Fatalf("callback: %v", err)
	}
	if settled.Status != ledger.StatusCompleted {
		t.Fatalf("expected completed got %s", settled.Status)
	}
	if settled.ProviderRef != "prov-42" {
		t.Fatalf("expected provider ref recorded, got %q", settled.ProviderRef)
	}
	if got := env.balance(t, wallet.ID); got != 30_000 {
		t.Fatalf("expected balance 30000 got %d", got)
	}

	// Replay: same callback again must not double-credit.
	replayed, err := env.svc.HandleExternalCallback(ctx, pending.Reference, mobilemoney.StatusSuccessful, "prov-42")
	if err != nil {
		t.Fatalf("replay callback: %v", err)
	}
	if replayed.ID != settled.ID {
		t.Fatalf("replay must return the settled transaction")
	}
	if got := env.balance(t, wallet.ID); got != 30_000 {
		t.Fatalf("replay must not double-credit, got %d", got)
	}
	if n := env.entryCount(t, settled.ID); n != 2 {
		t.Fatalf("expected exactly one entry pair, got %d entries", n)
	}
}

func TestCallbackFailureLeavesNoEntries(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	wallet := env.wallet(t, limits.TierBasic)
	ledger.SeedBalance(t, env.store, wallet, 50_000)

	pending, err := env.svc.Withdraw(ctx, WithdrawInput{
		SenderAccountID: wallet.ID,
		Amount:          20_000,
		ExternalRef:     "mm-fail-1",
		Channel:         ledger.ChannelMobileMoney,
		Phone:           "+250780000004",
	})
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}

	failed, err := env.svc.HandleExternalCallback(ctx, pending.Reference, mobilemoney.StatusFailed, "")
	if err != nil {
		t.Fatalf("callback: %v", err)
	}
	if failed.Status != ledger.StatusFailed {
		t.Fatalf("expected failed got %s", failed.Status)
	}
	if failed.FailureReason != "provider_rejected" {
		t.Fatalf("expected provider_rejected got %q", failed.FailureReason)
	}
	if n := env.entryCount(t, failed.ID); n != 0 {
		t.Fatalf("failed transaction must hold no entries, got %d", n)
	}
	if got := env.balance(t, wallet.ID); got != 50_000 {
		t.Fatalf("balance must be untouched, got %d", got)
	}
}

func TestSameAccountTransferRejected(t *testing.T) {
	env := newTestEnv(t, nil)
	wallet := env.wallet(t, limits.TierBasic)

	_, err := env.svc.Transfer(context.Background(), TransferInput{
		SenderAccountID:    wallet.ID,
		RecipientAccountID: wallet.ID,
		Amount:             1_000,
	})
	if !errors.Is(err, ErrSameAccount) {
		t.Fatalf("expected same account rejection got %v", err)
	}
}
