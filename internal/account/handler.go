package account

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/kigipay/kigipay/internal/ledger"
)

// Handler exposes HTTP endpoints for account onboarding and lifecycle.
type Handler struct {
	service *Service
}

// NewHandler constructs an account handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// CreateRequest captures the onboarding payload.
type CreateRequest struct {
	OwnerID  string `json:"owner_id"`
	Type     string `json:"type"`
	Currency string `json:"currency"`
}

// AccountResponse is the API shape of an account.
type AccountResponse struct {
	ID       string `json:"id"`
	OwnerID  string `json:"owner_id"`
	Type     string `json:"type"`
	Balance  int64  `json:"balance"`
	Currency string `json:"currency"`
	Status   string `json:"status"`
}

func toResponse(acc ledger.Account) AccountResponse {
	return AccountResponse{
		ID:       acc.ID.String(),
		OwnerID:  acc.OwnerID.String(),
		Type:     string(acc.Type),
		Balance:  acc.Balance,
		Currency: acc.Currency,
		Status:   string(acc.Status),
	}
}

// Create opens an account for an owner.
func (h *Handler) Create(c *fiber.Ctx) error {
	var req CreateRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	ownerID, err := uuid.Parse(req.OwnerID)
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid owner id")
	}

	acc, err := h.service.Create(c.UserContext(), CreateInput{
		OwnerID:  ownerID,
		Type:     ledger.AccountType(req.Type),
		Currency: req.Currency,
	})
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	return c.Status(http.StatusCreated).JSON(toResponse(acc))
}

// ByOwner lists the accounts belonging to an owner.
func (h *Handler) ByOwner(c *fiber.Ctx) error {
	ownerID, err := uuid.Parse(c.Query("owner_id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid owner id")
	}
	accounts, err := h.service.ByOwner(c.UserContext(), ownerID)
	if err != nil {
		return err
	}
	out := make([]AccountResponse, 0, len(accounts))
	for _, acc := range accounts {
		out = append(out, toResponse(acc))
	}
	return c.JSON(out)
}

// Get returns account metadata.
func (h *Handler) Get(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("accountId"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid account id")
	}
	acc, err := h.service.Get(c.UserContext(), id)
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			return fiber.NewError(http.StatusNotFound, "account not found")
		}
		return err
	}
	return c.JSON(toResponse(acc))
}

// Balance returns the current balance with tier context.
func (h *Handler) Balance(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("accountId"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid account id")
	}
	bal, err := h.service.Balance(c.UserContext(), id)
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			return fiber.NewError(http.StatusNotFound, "account not found")
		}
		return err
	}
	return c.JSON(fiber.Map{
		"account_id": bal.AccountID.String(),
		"balance":    bal.Amount,
		"currency":   bal.Currency,
		"tier":       string(bal.Tier),
		"as_of":      bal.AsOf,
	})
}

// Statement lists the account's entries.
func (h *Handler) Statement(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("accountId"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid account id")
	}
	entries, err := h.service.Statement(c.UserContext(), id)
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			return fiber.NewError(http.StatusNotFound, "account not found")
		}
		return err
	}
	out := make([]fiber.Map, 0, len(entries))
	for _, e := range entries {
		out = append(out, fiber.Map{
			"id":             e.ID.String(),
			"transaction_id": e.TransactionID.String(),
			"direction":      string(e.Direction),
			"amount":         e.Amount,
			"currency":       e.Currency,
			"created_at":     e.CreatedAt,
		})
	}
	return c.JSON(out)
}

// SetStatus freezes, reactivates or closes an account.
func (h *Handler) SetStatus(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("accountId"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid account id")
	}
	var req struct {
		Status string `json:"status"`
	}
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}

	acc, err := h.service.SetStatus(c.UserContext(), id, ledger.AccountStatus(req.Status))
	switch {
	case errors.Is(err, ledger.ErrAccountNotFound):
		return fiber.NewError(http.StatusNotFound, "account not found")
	case errors.Is(err, ledger.ErrInvalidTransition):
		return fiber.NewError(http.StatusConflict, "closed accounts cannot change status")
	case err != nil:
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(toResponse(acc))
}
