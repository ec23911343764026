package compliance

import (
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
)

// Handler serves compliance reports.
type Handler struct {
	reporter *Reporter
}

// NewHandler constructs a compliance handler.
func NewHandler(reporter *Reporter) *Handler {
	return &Handler{reporter: reporter}
}

// Report builds a compliance report for the requested window. Bounds are
// RFC 3339 timestamps; the window defaults to the last 24 hours.
func (h *Handler) Report(c *fiber.Ctx) error {
	to := time.Now().UTC()
	from := to.Add(-24 * time.Hour)

	if raw := c.Query("from"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return fiber.NewError(http.StatusBadRequest, "invalid from timestamp")
		}
		from = parsed.UTC()
	}
	if raw := c.Query("to"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return fiber.NewError(http.StatusBadRequest, "invalid to timestamp")
		}
		to = parsed.UTC()
	}
	if !from.Before(to) {
		return fiber.NewError(http.StatusBadRequest, "from must precede to")
	}

	report, err := h.reporter.Report(c.UserContext(), from, to)
	if err != nil {
		return err
	}
	return c.JSON(report)
}
