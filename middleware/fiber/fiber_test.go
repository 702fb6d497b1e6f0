package fiber

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/mihaimyh/polarkit/pkg/billing/webhook"
	"github.com/mihaimyh/polarkit/storage/memory"
)

const testSecret = "polar_whs_fiber"

// Test helper to create an ingestor verifying testSecret
func setupIngestor(t *testing.T, cfg webhook.Config) *webhook.Ingestor {
	t.Helper()

	verifier, err := webhook.NewSignatureVerifier(testSecret)
	if err != nil {
		t.Fatalf("Failed to create verifier: %v", err)
	}
	cfg.Verifier = verifier
	if cfg.Receipts == nil {
		cfg.Receipts = memory.New()
	}
	in, err := webhook.NewIngestor(cfg)
	if err != nil {
		t.Fatalf("Failed to create ingestor: %v", err)
	}
	return in
}

func signedRequest(t *testing.T, id string, body []byte) *http.Request {
	t.Helper()

	signer, err := webhook.NewSigner(testSecret)
	if err != nil {
		t.Fatalf("Failed to create signer: %v", err)
	}
	h, err := signer.Sign(id, time.Now(), body)
	if err != nil {
		t.Fatalf("Failed to sign: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/webhooks", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	h.Apply(req)
	return req
}

func newApp(cfg Config, handler fiber.Handler) *fiber.App {
	app := fiber.New()
	app.Post("/webhooks", Middleware(cfg), handler)
	return app
}

func TestMiddleware_Success(t *testing.T) {
	var seen string
	app := newApp(Config{Ingestor: setupIngestor(t, webhook.Config{})}, func(c *fiber.Ctx) error {
		event, ok := Event(c)
		if !ok {
			t.Error("expected event in Locals")
			return c.SendStatus(fiber.StatusTeapot)
		}
		seen = event.Type
		return Ack(c)
	})

	body := []byte(`{"type":"refund.created","data":{"id":"re_1"}}`)
	resp, err := app.Test(signedRequest(t, "msg_1", body))
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
	got, _ := io.ReadAll(resp.Body)
	if string(got) != string(body) {
		t.Errorf("body = %q, want %q", got, body)
	}
	if seen != "refund.created" {
		t.Errorf("event type = %q", seen)
	}
}

func TestMiddleware_Rejections(t *testing.T) {
	app := newApp(Config{Ingestor: setupIngestor(t, webhook.Config{MaxBodyBytes: 128})}, func(c *fiber.Ctx) error {
		t.Error("handler must not run")
		return nil
	})

	badSig := signedRequest(t, "msg_1", []byte(`{"type":"order.paid"}`))
	badSig.Header.Set(webhook.HeaderSignature, "v1,bm90IGEgc2lnbmF0dXJl")

	big := []byte(`{"type":"order.paid","data":"` + strings.Repeat("x", 256) + `"}`)

	tests := []struct {
		name   string
		req    *http.Request
		status int
		msg    string
	}{
		{"missing body", httptest.NewRequest(http.MethodPost, "/webhooks", http.NoBody), http.StatusBadRequest, "Missing request body"},
		{"bad signature", badSig, http.StatusForbidden, "Webhook verification failed"},
		{"too large", signedRequest(t, "msg_2", big), http.StatusRequestEntityTooLarge, "Payload too large"},
		{"not json", signedRequest(t, "msg_3", []byte(`hello`)), http.StatusBadRequest, "Invalid webhook payload"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := app.Test(tt.req)
			if err != nil {
				t.Fatalf("Request failed: %v", err)
			}
			if resp.StatusCode != tt.status {
				t.Errorf("Expected status %d, got %d", tt.status, resp.StatusCode)
			}
			got, _ := io.ReadAll(resp.Body)
			if !strings.HasPrefix(string(got), tt.msg) {
				t.Errorf("body = %q, want prefix %q", got, tt.msg)
			}
		})
	}
}

func TestMiddleware_Deliver(t *testing.T) {
	var delivered atomic.Int32
	in := setupIngestor(t, webhook.Config{
		Handler: webhook.EventHandlerFunc(func(context.Context, *webhook.Event) error {
			delivered.Add(1)
			return nil
		}),
	})
	app := newApp(Config{Ingestor: in, Deliver: true}, Ack)

	body := []byte(`{"type":"subscription.revoked"}`)
	for i := 0; i < 3; i++ {
		resp, err := app.Test(signedRequest(t, "msg_same", body))
		if err != nil {
			t.Fatalf("Request failed: %v", err)
		}
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("delivery %d: status %d", i, resp.StatusCode)
		}
	}
	if n := delivered.Load(); n != 1 {
		t.Errorf("handler ran %d times, want 1", n)
	}
}

func TestMiddleware_CustomOnError(t *testing.T) {
	in := setupIngestor(t, webhook.Config{
		Handler: webhook.EventHandlerFunc(func(context.Context, *webhook.Event) error {
			return errors.New("connection refused")
		}),
	})
	app := newApp(Config{
		Ingestor: in,
		Deliver:  true,
		OnError: func(c *fiber.Ctx, err error) error {
			status, _ := webhook.ErrorResponse(err)
			return c.Status(status).JSON(fiber.Map{"error": err.Error()})
		},
	}, Ack)

	resp, err := app.Test(signedRequest(t, "msg_err", []byte(`{"type":"order.paid"}`)))
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("Expected status 500, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestMiddleware_RequiresIngestor(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic without Ingestor")
		}
	}()
	Middleware(Config{})
}
