package transaction

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/kigipay/kigipay/internal/ledger"
	"github.com/kigipay/kigipay/internal/mobilemoney"
)

// Handler exposes the transaction state machine over HTTP.
type Handler struct {
	service *Service
}

// NewHandler constructs a transaction handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// MoveRequest is the shared payload shape for deposits and withdrawals.
type MoveRequest struct {
	AccountID   string `json:"account_id"`
	Amount      int64  `json:"amount"`
	ExternalRef string `json:"external_ref"`
	Channel     string `json:"channel"`
	Phone       string `json:"phone"`
}

// TransferRequest is the payload for transfers and payments.
type TransferRequest struct {
	SenderAccountID    string `json:"sender_account_id"`
	RecipientAccountID string `json:"recipient_account_id"`
	Amount             int64  `json:"amount"`
	ExternalRef        string `json:"external_ref"`
}

// CallbackRequest is the inbound mobile-money confirmation payload.
type CallbackRequest struct {
	ExternalRef  string `json:"external_ref"`
	Status       string `json:"status"`
	ProviderTxID string `json:"provider_tx_id"`
}

// Response is the API shape of a transaction.
type Response struct {
	ID            string     `json:"id"`
	Type          string     `json:"type"`
	Sender        string     `json:"sender_account_id,omitempty"`
	Recipient     string     `json:"recipient_account_id,omitempty"`
	Amount        int64      `json:"amount"`
	Currency      string     `json:"currency"`
	Status        string     `json:"status"`
	Reference     string     `json:"reference"`
	Channel       string     `json:"channel"`
	RiskScore     int32      `json:"risk_score"`
	RetryCount    int32      `json:"retry_count"`
	ProviderRef   string     `json:"provider_ref,omitempty"`
	FailureReason string     `json:"failure_reason,omitempty"`
	ReversalOf    string     `json:"reversal_of,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

func toResponse(txn ledger.Transaction) Response {
	resp := Response{
		ID:            txn.ID.String(),
		Type:          string(txn.Type),
		Amount:        txn.Amount,
		Currency:      txn.Currency,
		Status:        string(txn.Status),
		Reference:     txn.Reference,
		Channel:       string(txn.Channel),
		RiskScore:     txn.RiskScore,
		RetryCount:    txn.RetryCount,
		ProviderRef:   txn.ProviderRef,
		FailureReason: txn.FailureReason,
		CreatedAt:     txn.CreatedAt,
		CompletedAt:   txn.CompletedAt,
	}
	if txn.SenderAccountID != nil {
		resp.Sender = txn.SenderAccountID.String()
	}
	if txn.RecipientAccountID != nil {
		resp.Recipient = txn.RecipientAccountID.String()
	}
	if txn.ReversalOf != nil {
		resp.ReversalOf = txn.ReversalOf.String()
	}
	return resp
}

// respond maps service outcomes to HTTP responses carrying the stable
// denial reason code so callers can react distinctly to each failure class.
func respond(c *fiber.Ctx, txn ledger.Transaction, err error) error {
	if err == nil {
		status := http.StatusCreated
		if txn.Status.Terminal() && txn.Status != ledger.StatusCompleted {
			status = http.StatusOK
		}
		return c.Status(status).JSON(toResponse(txn))
	}

	var limitErr *ledger.LimitError
	switch {
	case errors.Is(err, ledger.ErrDuplicateTransaction):
		// A retried request with the same reference returns the original.
		return c.Status(http.StatusOK).JSON(toResponse(txn))
	case errors.Is(err, ErrApprovalRequired):
		return c.Status(http.StatusAccepted).JSON(toResponse(txn))
	case errors.As(err, &limitErr):
		return denial(c, http.StatusUnprocessableEntity, string(limitErr.Reason), txn)
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return denial(c, http.StatusUnprocessableEntity, "insufficient_balance", txn)
	case errors.Is(err, ErrInvalidAmount):
		return reason(c, http.StatusBadRequest, "invalid_amount", err)
	case errors.Is(err, ErrSameAccount):
		return reason(c, http.StatusBadRequest, "same_account", err)
	case errors.Is(err, ErrNotMerchantAccount):
		return reason(c, http.StatusBadRequest, "not_merchant_account", err)
	case errors.Is(err, ledger.ErrCurrencyMismatch):
		return reason(c, http.StatusBadRequest, "unsupported_currency", err)
	case errors.Is(err, ledger.ErrAccountNotFound):
		return reason(c, http.StatusNotFound, "unknown_account", err)
	case errors.Is(err, ledger.ErrTransactionNotFound):
		return reason(c, http.StatusNotFound, "unknown_transaction", err)
	case errors.Is(err, ledger.ErrAccountNotActive):
		return reason(c, http.StatusConflict, "account_not_active", err)
	case errors.Is(err, ErrNotReversible):
		return reason(c, http.StatusConflict, "not_reversible", err)
	case errors.Is(err, ErrReversalWindowExpired):
		return reason(c, http.StatusConflict, "reversal_window_expired", err)
	case errors.Is(err, ledger.ErrRetryExhausted):
		return reason(c, http.StatusConflict, "retry_limit_reached", err)
	case errors.Is(err, ledger.ErrInvalidTransition):
		return reason(c, http.StatusConflict, "invalid_status", err)
	case errors.Is(err, ledger.ErrConcurrencyConflict):
		return reason(c, http.StatusServiceUnavailable, "concurrency_conflict", err)
	default:
		return err
	}
}

func denial(c *fiber.Ctx, status int, code string, txn ledger.Transaction) error {
	body := fiber.Map{"code": code}
	if txn.ID != uuid.Nil {
		body["transaction"] = toResponse(txn)
	}
	return c.Status(status).JSON(body)
}

func reason(c *fiber.Ctx, status int, code string, err error) error {
	return c.Status(status).JSON(fiber.Map{"code": code, "message": err.Error()})
}

// Deposit credits a wallet from the external world.
func (h *Handler) Deposit(c *fiber.Ctx) error {
	var req MoveRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	accountID, err := uuid.Parse(req.AccountID)
	if err != nil {
		return reason(c, http.StatusBadRequest, "unknown_account", err)
	}
	txn, err := h.service.Deposit(c.UserContext(), DepositInput{
		RecipientAccountID: accountID,
		Amount:             req.Amount,
		ExternalRef:        req.ExternalRef,
		Channel:            ledger.Channel(req.Channel),
		Phone:              req.Phone,
	})
	return respond(c, txn, err)
}

// Withdraw debits a wallet toward the external world.
func (h *Handler) Withdraw(c *fiber.Ctx) error {
	var req MoveRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	accountID, err := uuid.Parse(req.AccountID)
	if err != nil {
		return reason(c, http.StatusBadRequest, "unknown_account", err)
	}
	txn, err := h.service.Withdraw(c.UserContext(), WithdrawInput{
		SenderAccountID: accountID,
		Amount:          req.Amount,
		ExternalRef:     req.ExternalRef,
		Channel:         ledger.Channel(req.Channel),
		Phone:           req.Phone,
	})
	return respond(c, txn, err)
}

// Transfer moves funds between two wallets.
func (h *Handler) Transfer(c *fiber.Ctx) error {
	return h.move(c, h.service.Transfer)
}

// Pay moves funds from a wallet to a merchant.
func (h *Handler) Pay(c *fiber.Ctx) error {
	return h.move(c, h.service.Pay)
}

func (h *Handler) move(c *fiber.Ctx, op func(ctx context.Context, in TransferInput) (ledger.Transaction, error)) error {
	var req TransferRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	senderID, err := uuid.Parse(req.SenderAccountID)
	if err != nil {
		return reason(c, http.StatusBadRequest, "unknown_account", err)
	}
	recipientID, err := uuid.Parse(req.RecipientAccountID)
	if err != nil {
		return reason(c, http.StatusBadRequest, "unknown_account", err)
	}
	txn, err := op(c.UserContext(), TransferInput{
		SenderAccountID:    senderID,
		RecipientAccountID: recipientID,
		Amount:             req.Amount,
		ExternalRef:        req.ExternalRef,
	})
	return respond(c, txn, err)
}

// Get returns a transaction by id.
func (h *Handler) Get(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("transactionId"))
	if err != nil {
		return reason(c, http.StatusBadRequest, "unknown_transaction", err)
	}
	txn, err := h.service.Get(c.UserContext(), id)
	if err != nil {
		return respond(c, txn, err)
	}
	return c.JSON(toResponse(txn))
}

// Cancel aborts a pending transaction.
func (h *Handler) Cancel(c *fiber.Ctx) error {
	return h.transition(c, h.service.Cancel)
}

// Retry re-runs a failed transaction.
func (h *Handler) Retry(c *fiber.Ctx) error {
	return h.transition(c, h.service.Retry)
}

// Reverse mirrors a completed transaction.
func (h *Handler) Reverse(c *fiber.Ctx) error {
	return h.transition(c, h.service.Reverse)
}

// Approve releases a blocked transaction.
func (h *Handler) Approve(c *fiber.Ctx) error {
	return h.transition(c, h.service.Approve)
}

func (h *Handler) transition(c *fiber.Ctx, op func(ctx context.Context, id uuid.UUID) (ledger.Transaction, error)) error {
	id, err := uuid.Parse(c.Params("transactionId"))
	if err != nil {
		return reason(c, http.StatusBadRequest, "unknown_transaction", err)
	}
	txn, err := op(c.UserContext(), id)
	return respond(c, txn, err)
}

// Callback settles a pending mobile-money transaction from the provider's
// confirmation. Replays with identical payloads are no-ops.
func (h *Handler) Callback(c *fiber.Ctx) error {
	var req CallbackRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	if req.ExternalRef == "" {
		return reason(c, http.StatusBadRequest, "unknown_transaction", errors.New("external_ref is required"))
	}
	txn, err := h.service.HandleExternalCallback(c.UserContext(), req.ExternalRef, mobilemoney.CallbackStatus(req.Status), req.ProviderTxID)
	if err != nil {
		return respond(c, txn, err)
	}
	return c.JSON(toResponse(txn))
}
