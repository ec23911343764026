package transaction

import (
	"context"
	"errors"
	"time"

	"github.com/kigipay/kigipay/internal/ledger"
	"github.com/kigipay/kigipay/internal/mobilemoney"
)

// Sweep is the reconciliation loop: it resolves mobile-money transactions
// stuck in pending past the callback SLA by querying the provider's status
// endpoint, and forces any completed transaction with unbalanced entries to
// failed for manual investigation.
type Sweep struct {
	service *Service
}

// NewSweep builds a reconciliation sweep over the given state machine.
func NewSweep(service *Service) *Sweep {
	return &Sweep{service: service}
}

// Run blocks, executing sweep passes at the configured interval until the
// context is cancelled.
func (w *Sweep) Run(ctx context.Context) {
	ticker := time.NewTicker(w.service.cfg.SweepInterval)
	defer ticker.Stop()

	w.service.logger.Info("reconciliation sweep started", "interval", w.service.cfg.SweepInterval)
	for {
		select {
		case <-ctx.Done():
			w.service.logger.Info("reconciliation sweep stopped")
			return
		case <-ticker.C:
			if err := w.Pass(ctx); err != nil && !errors.Is(err, context.Canceled) {
				w.service.logger.Error("sweep pass failed", "error", err)
			}
		}
	}
}

// Pass executes one reconciliation cycle.
func (w *Sweep) Pass(ctx context.Context) error {
	if err := w.resolveStalePending(ctx); err != nil {
		return err
	}
	return w.enforceIntegrity(ctx)
}

func (w *Sweep) resolveStalePending(ctx context.Context) error {
	s := w.service
	cutoff := time.Now().UTC().Add(-s.cfg.CallbackSLA)
	stale, err := s.store.PendingOlderThan(ctx, ledger.ChannelMobileMoney, cutoff, s.cfg.SweepBatchSize)
	if err != nil {
		return err
	}

	for _, txn := range stale {
		status, err := s.gateway.Status(ctx, txn.Reference)
		if err != nil {
			s.logger.Warn("provider status query failed", "reference", txn.Reference, "error", err)
			continue
		}
		switch status {
		case mobilemoney.StatusSuccessful, mobilemoney.StatusFailed:
			if _, err := s.HandleExternalCallback(ctx, txn.Reference, status, txn.ProviderRef); err != nil {
				s.logger.Error("sweep settlement failed", "reference", txn.Reference, "error", err)
			} else {
				s.logger.Info("sweep resolved stale transaction", "reference", txn.Reference, "status", status)
			}
		case mobilemoney.StatusPending:
			// Provider still settling; give it another cycle.
		}
	}
	return nil
}

// enforceIntegrity forces transactions whose entries do not balance to
// failed. The entries themselves are never touched.
func (w *Sweep) enforceIntegrity(ctx context.Context) error {
	s := w.service
	ids, err := s.store.UnbalancedTransactionIDs(ctx)
	if err != nil {
		return err
	}

	for _, id := range ids {
		txn, err := s.store.GetTransaction(ctx, id)
		if err != nil {
			s.logger.Error("integrity lookup failed", "transaction_id", id, "error", err)
			continue
		}
		forced, err := s.store.Transition(ctx, id, txn.Status, ledger.StatusFailed, "ledger_imbalance")
		if err != nil {
			s.logger.Error("integrity transition failed", "transaction_id", id, "error", err)
			continue
		}
		s.logger.Error("ledger imbalance detected, transaction forced to failed",
			"transaction_id", id, "previous_status", txn.Status)
		s.notifyTerminal(ctx, forced)
	}
	return nil
}
