package middleware

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"github.com/kigipay/kigipay/internal/logging"
)

func setupTestApp(t *testing.T) (*fiber.App, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}

	cache := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	app := fiber.New()
	calls := 0
	app.Use(Idempotency(cache, time.Minute, logging.Discard()))
	app.Post("/transfers", func(c *fiber.Ctx) error {
		calls++
		return c.Status(fiber.StatusCreated).JSON(fiber.Map{"calls": calls})
	})

	cleanup := func() {
		cache.Close()
		mr.Close()
	}

	return app, cleanup
}

func TestIdempotencyRequiresHeader(t *testing.T) {
	app, cleanup := setupTestApp(t)
	defer cleanup()

	req := httptest.NewRequest(fiber.MethodPost, "/transfers", strings.NewReader("{}"))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("expected %d got %d", fiber.StatusBadRequest, resp.StatusCode)
	}
}

func TestIdempotencyReplaysFirstResponse(t *testing.T) {
	app, cleanup := setupTestApp(t)
	defer cleanup()

	first := httptest.NewRequest(fiber.MethodPost, "/transfers", strings.NewReader("{}"))
	first.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	first.Header.Set(idempotencyKeyHeader, "txn-42")

	resp, err := app.Test(first)
	if err != nil {
		t.Fatalf("first request: %v", err)
	}
	if resp.StatusCode != fiber.StatusCreated {
		t.Fatalf("expected status %d got %d", fiber.StatusCreated, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	resp.Body.Close()

	second := httptest.NewRequest(fiber.MethodPost, "/transfers", strings.NewReader("{}"))
	second.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	second.Header.Set(idempotencyKeyHeader, "txn-42")

	resp2, err := app.Test(second)
	if err != nil {
		t.Fatalf("second request: %v", err)
	}
	if resp2.StatusCode != fiber.StatusCreated {
		t.Fatalf("expected cached status %d got %d", fiber.StatusCreated, resp2.StatusCode)
	}
	replayed, err := io.ReadAll(resp2.Body)
	if err != nil {
		t.Fatalf("read cached body: %v", err)
	}
	resp2.Body.Close()

	// The handler must not run twice for the same key.
	if string(replayed) != string(body) {
		t.Fatalf("expected replayed payload %s got %s", string(body), string(replayed))
	}
}

func TestServiceTokenRejectsBadToken(t *testing.T) {
	const hash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

	app := fiber.New()
	app.Use(ServiceToken(hash))
	app.Post("/callbacks", func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})

	req := httptest.NewRequest(fiber.MethodPost, "/callbacks", strings.NewReader("{}"))
	req.Header.Set(fiber.HeaderAuthorization, "Bearer wrong")

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	if resp.StatusCode != fiber.StatusUnauthorized {
		t.Fatalf("expected %d got %d", fiber.StatusUnauthorized, resp.StatusCode)
	}

	missing := httptest.NewRequest(fiber.MethodPost, "/callbacks", strings.NewReader("{}"))
	resp2, err := app.Test(missing)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	if resp2.StatusCode != fiber.StatusUnauthorized {
		t.Fatalf("expected %d got %d", fiber.StatusUnauthorized, resp2.StatusCode)
	}
}
