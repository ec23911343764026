package transaction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kigipay/kigipay/internal/kyc"
	"github.com/kigipay/kigipay/internal/ledger"
	"github.com/kigipay/kigipay/internal/limits"
	"github.com/kigipay/kigipay/internal/mobilemoney"
	"github.com/kigipay/kigipay/internal/notification"
)

var (
	// ErrInvalidAmount rejects non-positive amounts before any state change.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrSameAccount rejects transfers between an account and itself.
	ErrSameAccount = errors.New("sender and recipient are the same account")

	// ErrNotMerchantAccount rejects payments whose recipient is not a
	// merchant account.
	ErrNotMerchantAccount = errors.New("recipient is not a merchant account")

	// ErrApprovalRequired marks a transaction held in blocked status until an
	// operator approves it.
	ErrApprovalRequired = errors.New("manual approval required")

	// ErrNotReversible indicates the transaction type or channel cannot be
	// reversed.
	ErrNotReversible = errors.New("transaction not reversible")

	// ErrReversalWindowExpired indicates the reversal window has passed.
	ErrReversalWindowExpired = errors.New("reversal window expired")
)

// Config carries the state machine's policy knobs. The reversal window and
// approval threshold are business rules with no regulatory citation in the
// source material, so they are configuration rather than literals.
type Config struct {
	MaxRetries        int32
	ReversalWindow    time.Duration
	ApprovalThreshold int64 // minor units; 0 disables manual approval
	ConflictRetries   int
	ConflictBackoff   time.Duration
	CallbackSLA       time.Duration
	SweepInterval     time.Duration
	SweepBatchSize    int
}

// DefaultConfig returns the built-in policy values.
func DefaultConfig() Config {
	return Config{
		MaxRetries:        3,
		ReversalWindow:    24 * time.Hour,
		ApprovalThreshold: 500_000,
		ConflictRetries:   3,
		ConflictBackoff:   50 * time.Millisecond,
		CallbackSLA:       15 * time.Minute,
		SweepInterval:     time.Minute,
		SweepBatchSize:    100,
	}
}

// Service is the transaction state machine. It owns every Transaction
// lifecycle transition and orchestrates account and entry writes through the
// ledger store's atomic posting primitive.
type Service struct {
	store    ledger.Store
	tiers    kyc.TierProvider
	policy   *limits.Policy
	gateway  mobilemoney.Gateway
	notifier notification.Notifier
	logger   *slog.Logger
	cfg      Config
}

// NewService wires the state machine.
func NewService(store ledger.Store, tiers kyc.TierProvider, policy *limits.Policy, gateway mobilemoney.Gateway, notifier notification.Notifier, logger *slog.Logger, cfg Config) *Service {
	return &Service{
		store:    store,
		tiers:    tiers,
		policy:   policy,
		gateway:  gateway,
		notifier: notifier,
		logger:   logger,
		cfg:      cfg,
	}
}

// DepositInput starts a credit into a wallet from the external world.
type DepositInput struct {
	RecipientAccountID uuid.UUID
	Amount             int64
	ExternalRef        string
	Channel            ledger.Channel
	Phone              string
}

// WithdrawInput starts a debit from a wallet toward the external world.
type WithdrawInput struct {
	SenderAccountID uuid.UUID
	Amount          int64
	ExternalRef     string
	Channel         ledger.Channel
	Phone           string
}

// TransferInput moves funds between two internal accounts.
type TransferInput struct {
	SenderAccountID    uuid.UUID
	RecipientAccountID uuid.UUID
	Amount             int64
	ExternalRef        string
}

// Deposit runs the deposit flow: limit check, pending transaction, balanced
// posting. Mobile-money deposits stay pending until the provider callback.
func (s *Service) Deposit(ctx context.Context, in DepositInput) (ledger.Transaction, error) {
	if in.Amount <= 0 {
		return ledger.Transaction{}, ErrInvalidAmount
	}
	if in.Channel == "" {
		in.Channel = ledger.ChannelInternal
	}

	recipient, err := s.store.GetAccount(ctx, in.RecipientAccountID)
	if err != nil {
		return ledger.Transaction{}, err
	}
	if recipient.Status != ledger.AccountActive {
		return ledger.Transaction{}, ledger.ErrAccountNotActive
	}

	recipientID := recipient.ID
	txn := ledger.Transaction{
		Type:               ledger.TypeDeposit,
		RecipientAccountID: &recipientID,
		Amount:             in.Amount,
		Currency:           recipient.Currency,
		Status:             ledger.StatusPending,
		Reference:          referenceOrNew(in.ExternalRef),
		Channel:            in.Channel,
	}

	tier, err := s.tiers.Tier(ctx, recipient.OwnerID)
	if err != nil {
		return ledger.Transaction{}, err
	}
	txn.RiskScore = s.riskScore(tier, in.Amount, 0)

	if denied, failedTxn, err := s.precheck(ctx, txn, recipient, tier, true); denied {
		return failedTxn, err
	}

	if blocked, blockedTxn, err := s.holdForApproval(ctx, txn); blocked {
		return blockedTxn, err
	}

	created, err := s.store.CreateTransaction(ctx, txn)
	if err != nil {
		if errors.Is(err, ledger.ErrDuplicateTransaction) {
			return created, err
		}
		return ledger.Transaction{}, err
	}

	if in.Channel == ledger.ChannelMobileMoney {
		return s.initiateExternal(ctx, created, in.Phone)
	}
	return s.settle(ctx, created)
}

// Withdraw runs the withdrawal flow. The sender balance must cover the
// amount; mobile-money withdrawals stay pending until the provider callback.
func (s *Service) Withdraw(ctx context.Context, in WithdrawInput) (ledger.Transaction, error) {
	if in.Amount <= 0 {
		return ledger.Transaction{}, ErrInvalidAmount
	}
	if in.Channel == "" {
		in.Channel = ledger.ChannelInternal
	}

	sender, err := s.store.GetAccount(ctx, in.SenderAccountID)
	if err != nil {
		return ledger.Transaction{}, err
	}
	if sender.Status != ledger.AccountActive {
		return ledger.Transaction{}, ledger.ErrAccountNotActive
	}

	senderID := sender.ID
	txn := ledger.Transaction{
		Type:            ledger.TypeWithdrawal,
		SenderAccountID: &senderID,
		Amount:          in.Amount,
		Currency:        sender.Currency,
		Status:          ledger.StatusPending,
		Reference:       referenceOrNew(in.ExternalRef),
		Channel:         in.Channel,
	}

	tier, err := s.tiers.Tier(ctx, sender.OwnerID)
	if err != nil {
		return ledger.Transaction{}, err
	}
	txn.RiskScore = s.riskScore(tier, in.Amount, 0)

	if sender.Balance < in.Amount {
		failed, err := s.createFailed(ctx, txn, "insufficient_balance")
		if err != nil {
			return ledger.Transaction{}, err
		}
		return failed, ledger.ErrInsufficientFunds
	}

	if denied, failedTxn, err := s.precheck(ctx, txn, sender, tier, false); denied {
		return failedTxn, err
	}

	if blocked, blockedTxn, err := s.holdForApproval(ctx, txn); blocked {
		return blockedTxn, err
	}

	created, err := s.store.CreateTransaction(ctx, txn)
	if err != nil {
		if errors.Is(err, ledger.ErrDuplicateTransaction) {
			return created, err
		}
		return ledger.Transaction{}, err
	}

	if in.Channel == ledger.ChannelMobileMoney {
		return s.initiateExternal(ctx, created, in.Phone)
	}
	return s.settle(ctx, created)
}

// Transfer moves funds between two wallets in one atomic posting.
func (s *Service) Transfer(ctx context.Context, in TransferInput) (ledger.Transaction, error) {
	return s.internalMove(ctx, ledger.TypeTransfer, in)
}

// Pay moves funds from a wallet to a merchant account.
func (s *Service) Pay(ctx context.Context, in TransferInput) (ledger.Transaction, error) {
	return s.internalMove(ctx, ledger.TypePayment, in)
}

func (s *Service) internalMove(ctx context.Context, kind ledger.TransactionType, in TransferInput) (ledger.Transaction, error) {
	if in.Amount <= 0 {
		return ledger.Transaction{}, ErrInvalidAmount
	}
	if in.SenderAccountID == in.RecipientAccountID {
		return ledger.Transaction{}, ErrSameAccount
	}

	sender, err := s.store.GetAccount(ctx, in.SenderAccountID)
	if err != nil {
		return ledger.Transaction{}, err
	}
	recipient, err := s.store.GetAccount(ctx, in.RecipientAccountID)
	if err != nil {
		return ledger.Transaction{}, err
	}
	if sender.Status != ledger.AccountActive || recipient.Status != ledger.AccountActive {
		return ledger.Transaction{}, ledger.ErrAccountNotActive
	}
	if sender.Currency != recipient.Currency {
		return ledger.Transaction{}, ledger.ErrCurrencyMismatch
	}
	if kind == ledger.TypePayment && recipient.Type != ledger.AccountMerchant {
		return ledger.Transaction{}, ErrNotMerchantAccount
	}

	senderID, recipientID := sender.ID, recipient.ID
	txn := ledger.Transaction{
		Type:               kind,
		SenderAccountID:    &senderID,
		RecipientAccountID: &recipientID,
		Amount:             in.Amount,
		Currency:           sender.Currency,
		Status:             ledger.StatusPending,
		Reference:          referenceOrNew(in.ExternalRef),
		Channel:            ledger.ChannelInternal,
	}

	senderTier, err := s.tiers.Tier(ctx, sender.OwnerID)
	if err != nil {
		return ledger.Transaction{}, err
	}
	txn.RiskScore = s.riskScore(senderTier, in.Amount, 0)

	if sender.Balance < in.Amount {
		failed, err := s.createFailed(ctx, txn, "insufficient_balance")
		if err != nil {
			return ledger.Transaction{}, err
		}
		return failed, ledger.ErrInsufficientFunds
	}

	if denied, failedTxn, err := s.precheck(ctx, txn, sender, senderTier, false); denied {
		return failedTxn, err
	}

	recipientTier, err := s.tiers.Tier(ctx, recipient.OwnerID)
	if err != nil {
		return ledger.Transaction{}, err
	}
	recipientDecision := s.policy.Table().Evaluate(limits.Input{
		Tier:             recipientTier,
		Amount:           in.Amount,
		Balance:          recipient.Balance,
		CreditIncreasing: true,
	})
	if !recipientDecision.Allowed {
		failed, err := s.createFailed(ctx, txn, string(recipientDecision.Reason))
		if err != nil {
			return ledger.Transaction{}, err
		}
		return failed, &ledger.LimitError{Reason: recipientDecision.Reason}
	}

	if blocked, blockedTxn, err := s.holdForApproval(ctx, txn); blocked {
		return blockedTxn, err
	}

	created, err := s.store.CreateTransaction(ctx, txn)
	if err != nil {
		if errors.Is(err, ledger.ErrDuplicateTransaction) {
			return created, err
		}
		return ledger.Transaction{}, err
	}

	return s.settle(ctx, created)
}

// Get fetches a transaction by id.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (ledger.Transaction, error) {
	return s.store.GetTransaction(ctx, id)
}

// Cancel aborts a pending transaction before any entries exist.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) (ledger.Transaction, error) {
	txn, err := s.store.Transition(ctx, id, ledger.StatusPending, ledger.StatusCancelled, "cancelled_by_caller")
	if err != nil {
		return txn, err
	}
	s.notifyTerminal(ctx, txn)
	return txn, nil
}

// Approve releases a blocked transaction and runs its posting flow.
func (s *Service) Approve(ctx context.Context, id uuid.UUID) (ledger.Transaction, error) {
	txn, err := s.store.Transition(ctx, id, ledger.StatusBlocked, ledger.StatusPending, "")
	if err != nil {
		return txn, err
	}
	if txn.Channel == ledger.ChannelMobileMoney {
		return s.initiateExternal(ctx, txn, "")
	}
	return s.settle(ctx, txn)
}

// Retry re-enters the originating flow of a failed transaction, bounded by
// MaxRetries. Failed transactions hold no entries, so nothing is replayed.
func (s *Service) Retry(ctx context.Context, id uuid.UUID) (ledger.Transaction, error) {
	txn, err := s.store.IncrementRetry(ctx, id, s.cfg.MaxRetries)
	if err != nil {
		return txn, err
	}
	txn.RiskScore = s.riskScore("", txn.Amount, txn.RetryCount)
	if txn.Channel == ledger.ChannelMobileMoney {
		return s.initiateExternal(ctx, txn, "")
	}
	return s.settle(ctx, txn)
}

// Reverse undoes a completed transaction by posting a synthetic reversal
// with mirrored entries. External-channel deposits cannot be reversed, and
// the configurable reversal window bounds how late a reversal may happen.
func (s *Service) Reverse(ctx context.Context, id uuid.UUID) (ledger.Transaction, error) {
	original, err := s.store.GetTransaction(ctx, id)
	if err != nil {
		return ledger.Transaction{}, err
	}
	if original.Status != ledger.StatusCompleted {
		return original, ledger.ErrInvalidTransition
	}
	if original.Type == ledger.TypeReversal {
		return original, ErrNotReversible
	}
	if original.Type == ledger.TypeDeposit && original.Channel == ledger.ChannelMobileMoney {
		return original, ErrNotReversible
	}
	if original.CompletedAt == nil || time.Since(*original.CompletedAt) > s.cfg.ReversalWindow {
		return original, ErrReversalWindowExpired
	}

	entries, err := s.store.EntriesByTransaction(ctx, id)
	if err != nil {
		return ledger.Transaction{}, err
	}
	mirrored := make([]ledger.EntryInput, 0, len(entries))
	for _, e := range entries {
		mirrored = append(mirrored, ledger.EntryInput{
			AccountID: e.AccountID,
			Direction: e.Direction.Opposite(),
			Amount:    e.Amount,
		})
	}

	originalID := original.ID
	reversal := ledger.Transaction{
		Type:               ledger.TypeReversal,
		SenderAccountID:    original.RecipientAccountID,
		RecipientAccountID: original.SenderAccountID,
		Amount:             original.Amount,
		Currency:           original.Currency,
		Reference:          "rev-" + original.Reference,
		Channel:            ledger.ChannelInternal,
		ReversalOf:         &originalID,
	}

	posted, err := s.postWithRetry(ctx, ledger.PostingInput{
		Transaction:  reversal,
		Insert:       true,
		MarkReversed: &originalID,
		Entries:      mirrored,
	})
	if err != nil {
		return posted, err
	}
	s.notifyTerminal(ctx, posted)
	return posted, nil
}

// HandleExternalCallback settles a pending mobile-money transaction from the
// provider's confirmation. Replays with the same reference are no-ops
// returning the settled transaction.
func (s *Service) HandleExternalCallback(ctx context.Context, externalRef string, status mobilemoney.CallbackStatus, providerTxID string) (ledger.Transaction, error) {
	txn, err := s.store.GetTransactionByReference(ctx, externalRef)
	if err != nil {
		return ledger.Transaction{}, err
	}
	if txn.Status.Terminal() {
		// Idempotent replay: the first callback already settled it.
		return txn, nil
	}
	if txn.Status != ledger.StatusPending {
		return txn, ledger.ErrInvalidTransition
	}

	switch status {
	case mobilemoney.StatusSuccessful:
		txn.ProviderRef = providerTxID
		settled, err := s.settle(ctx, txn)
		if errors.Is(err, ledger.ErrDuplicateTransaction) {
			return settled, nil
		}
		return settled, err
	case mobilemoney.StatusFailed:
		failed, err := s.store.Transition(ctx, txn.ID, ledger.StatusPending, ledger.StatusFailed, "provider_rejected")
		if errors.Is(err, ledger.ErrInvalidTransition) && failed.Status.Terminal() {
			return failed, nil
		}
		if err != nil {
			return failed, err
		}
		s.notifyTerminal(ctx, failed)
		return failed, nil
	default:
		return txn, fmt.Errorf("unknown callback status %q", status)
	}
}

// settle derives the balanced entry pair and limit checks for the
// transaction and posts them atomically, retrying transient conflicts.
func (s *Service) settle(ctx context.Context, txn ledger.Transaction) (ledger.Transaction, error) {
	entries, checks, err := s.postingFor(ctx, txn)
	if err != nil {
		return ledger.Transaction{}, err
	}

	posted, err := s.postWithRetry(ctx, ledger.PostingInput{
		Transaction: txn,
		Entries:     entries,
		Checks:      checks,
	})
	if err != nil {
		if posted.Status == ledger.StatusFailed {
			s.notifyTerminal(ctx, posted)
		}
		return posted, err
	}
	s.notifyTerminal(ctx, posted)
	return posted, nil
}

// postingFor maps a transaction to its ledger legs and under-lock checks.
func (s *Service) postingFor(ctx context.Context, txn ledger.Transaction) ([]ledger.EntryInput, []ledger.LimitCheck, error) {
	switch txn.Type {
	case ledger.TypeDeposit:
		external, err := s.store.EnsureExternalAccount(ctx, txn.Currency)
		if err != nil {
			return nil, nil, err
		}
		recipient, err := s.store.GetAccount(ctx, *txn.RecipientAccountID)
		if err != nil {
			return nil, nil, err
		}
		tier, err := s.tiers.Tier(ctx, recipient.OwnerID)
		if err != nil {
			return nil, nil, err
		}
		return []ledger.EntryInput{
				{AccountID: external.ID, Direction: ledger.Debit, Amount: txn.Amount},
				{AccountID: recipient.ID, Direction: ledger.Credit, Amount: txn.Amount},
			}, []ledger.LimitCheck{
				{AccountID: recipient.ID, Tier: tier, CreditIncreasing: true, CheckDailyVolume: true},
			}, nil

	case ledger.TypeWithdrawal:
		external, err := s.store.EnsureExternalAccount(ctx, txn.Currency)
		if err != nil {
			return nil, nil, err
		}
		sender, err := s.store.GetAccount(ctx, *txn.SenderAccountID)
		if err != nil {
			return nil, nil, err
		}
		tier, err := s.tiers.Tier(ctx, sender.OwnerID)
		if err != nil {
			return nil, nil, err
		}
		return []ledger.EntryInput{
				{AccountID: sender.ID, Direction: ledger.Debit, Amount: txn.Amount},
				{AccountID: external.ID, Direction: ledger.Credit, Amount: txn.Amount},
			}, []ledger.LimitCheck{
				{AccountID: sender.ID, Tier: tier, CheckDailyVolume: true},
			}, nil

	case ledger.TypeTransfer, ledger.TypePayment:
		sender, err := s.store.GetAccount(ctx, *txn.SenderAccountID)
		if err != nil {
			return nil, nil, err
		}
		recipient, err := s.store.GetAccount(ctx, *txn.RecipientAccountID)
		if err != nil {
			return nil, nil, err
		}
		senderTier, err := s.tiers.Tier(ctx, sender.OwnerID)
		if err != nil {
			return nil, nil, err
		}
		recipientTier, err := s.tiers.Tier(ctx, recipient.OwnerID)
		if err != nil {
			return nil, nil, err
		}
		return []ledger.EntryInput{
				{AccountID: sender.ID, Direction: ledger.Debit, Amount: txn.Amount},
				{AccountID: recipient.ID, Direction: ledger.Credit, Amount: txn.Amount},
			}, []ledger.LimitCheck{
				{AccountID: sender.ID, Tier: senderTier, CheckDailyVolume: true},
				{AccountID: recipient.ID, Tier: recipientTier, CreditIncreasing: true},
			}, nil

	default:
		return nil, nil, fmt.Errorf("cannot derive posting for transaction type %q", txn.Type)
	}
}

// postWithRetry retries transient concurrency conflicts a bounded number of
// times with linear backoff before surfacing them.
func (s *Service) postWithRetry(ctx context.Context, in ledger.PostingInput) (ledger.Transaction, error) {
	var (
		txn ledger.Transaction
		err error
	)
	for attempt := 0; ; attempt++ {
		txn, err = s.store.Post(ctx, in)
		if !errors.Is(err, ledger.ErrConcurrencyConflict) || attempt >= s.cfg.ConflictRetries {
			return txn, err
		}
		select {
		case <-ctx.Done():
			return txn, ctx.Err()
		case <-time.After(s.cfg.ConflictBackoff * time.Duration(attempt+1)):
		}
	}
}

// precheck runs the limit policy before creating the pending transaction so
// denials land directly in failed with their reason. The same checks run
// again inside Post under the account locks.
func (s *Service) precheck(ctx context.Context, txn ledger.Transaction, account ledger.Account, tier limits.Tier, creditIncreasing bool) (bool, ledger.Transaction, error) {
	volume, err := s.store.DailyVolume(ctx, account.ID, time.Now().UTC())
	if err != nil {
		return true, ledger.Transaction{}, err
	}
	decision := s.policy.Table().Evaluate(limits.Input{
		Tier:             tier,
		Amount:           txn.Amount,
		Balance:          account.Balance,
		TodayVolume:      volume,
		CreditIncreasing: creditIncreasing,
	})
	if decision.Allowed {
		return false, ledger.Transaction{}, nil
	}
	failed, err := s.createFailed(ctx, txn, string(decision.Reason))
	if err != nil {
		return true, ledger.Transaction{}, err
	}
	return true, failed, &ledger.LimitError{Reason: decision.Reason}
}

// createFailed records a denial as a failed transaction with zero entries.
func (s *Service) createFailed(ctx context.Context, txn ledger.Transaction, reason string) (ledger.Transaction, error) {
	now := time.Now().UTC()
	txn.Status = ledger.StatusFailed
	txn.FailureReason = reason
	txn.FailedAt = &now
	created, err := s.store.CreateTransaction(ctx, txn)
	if errors.Is(err, ledger.ErrDuplicateTransaction) {
		return created, nil
	}
	if err != nil {
		return ledger.Transaction{}, err
	}
	s.notifyTerminal(ctx, created)
	return created, nil
}

// holdForApproval blocks transactions above the manual approval threshold.
func (s *Service) holdForApproval(ctx context.Context, txn ledger.Transaction) (bool, ledger.Transaction, error) {
	if s.cfg.ApprovalThreshold <= 0 || txn.Amount <= s.cfg.ApprovalThreshold {
		return false, ledger.Transaction{}, nil
	}
	now := time.Now().UTC()
	txn.Status = ledger.StatusBlocked
	txn.BlockedAt = &now
	created, err := s.store.CreateTransaction(ctx, txn)
	if errors.Is(err, ledger.ErrDuplicateTransaction) {
		return true, created, err
	}
	if err != nil {
		return true, ledger.Transaction{}, err
	}
	return true, created, ErrApprovalRequired
}

// initiateExternal hands a pending transaction to the mobile-money provider
// and leaves it pending until the callback or the reconciliation sweep.
func (s *Service) initiateExternal(ctx context.Context, txn ledger.Transaction, phone string) (ledger.Transaction, error) {
	decision, err := s.gateway.Initiate(ctx, mobilemoney.Initiation{
		ExternalRef: txn.Reference,
		Phone:       phone,
		Amount:      txn.Amount,
		Currency:    txn.Currency,
	})
	if err != nil {
		s.logger.Warn("mobile money initiation failed", "reference", txn.Reference, "error", err)
		return txn, nil // stays pending; the sweep resolves it
	}
	if !decision.Accepted {
		failed, trErr := s.store.Transition(ctx, txn.ID, ledger.StatusPending, ledger.StatusFailed, "provider_rejected")
		if trErr != nil {
			return failed, trErr
		}
		s.notifyTerminal(ctx, failed)
		return failed, nil
	}
	s.logger.Info("mobile money initiated", "reference", txn.Reference, "provider_tx_id", decision.ProviderTxID)
	return txn, nil
}

// notifyTerminal emits the fire-and-forget event for a terminal transition.
// Delivery failure never affects ledger state.
func (s *Service) notifyTerminal(ctx context.Context, txn ledger.Transaction) {
	if s.notifier == nil {
		return
	}
	var kind string
	switch txn.Status {
	case ledger.StatusCompleted:
		kind = notification.KindTransactionCompleted
	case ledger.StatusReversed, ledger.StatusFailed, ledger.StatusCancelled:
		kind = notification.KindTransactionFailed
		if txn.Status == ledger.StatusReversed || txn.Type == ledger.TypeReversal {
			kind = notification.KindTransactionReversed
		}
	default:
		return
	}

	ownerID := uuid.Nil
	accountID := txn.SenderAccountID
	if accountID == nil {
		accountID = txn.RecipientAccountID
	}
	if accountID != nil {
		if acc, err := s.store.GetAccount(ctx, *accountID); err == nil {
			ownerID = acc.OwnerID
		}
	}

	event := notification.Event{
		Kind:          kind,
		OwnerID:       ownerID,
		TransactionID: txn.ID,
		Amount:        txn.Amount,
		Reason:        txn.FailureReason,
	}
	if err := s.notifier.Send(ctx, event); err != nil {
		s.logger.Warn("notification delivery failed", "transaction_id", txn.ID, "error", err)
	}
}

// riskScore is a cheap deterministic heuristic recorded for the compliance
// reporter. It never blocks a transaction on its own.
func (s *Service) riskScore(tier limits.Tier, amount int64, retryCount int32) int32 {
	score := int32(0)
	if tier != "" {
		profile := s.policy.Table().Profile(tier)
		if profile.SingleTransactionMax != limits.Unlimited && amount*100 >= profile.SingleTransactionMax*90 {
			score += 40
		}
	}
	if s.cfg.ApprovalThreshold > 0 && amount > s.cfg.ApprovalThreshold {
		score += 30
	}
	score += 10 * retryCount
	if score > 100 {
		score = 100
	}
	return score
}

func referenceOrNew(ref string) string {
	if ref != "" {
		return ref
	}
	return uuid.NewString()
}
