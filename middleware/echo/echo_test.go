package echo

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/polarkit/pkg/billing/webhook"
	"github.com/mihaimyh/polarkit/storage/memory"
)

const testSecret = "polar_whs_echo"

// Test helper to create an ingestor verifying testSecret
func setupIngestor(t *testing.T, handler webhook.EventHandler) *webhook.Ingestor {
	t.Helper()

	verifier, err := webhook.NewSignatureVerifier(testSecret)
	if err != nil {
		t.Fatalf("Failed to create verifier: %v", err)
	}
	in, err := webhook.NewIngestor(webhook.Config{
		Verifier: verifier,
		Handler:  handler,
		Receipts: memory.New(),
	})
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
	h.Apply(req)
	return req
}

func TestMiddleware_Success(t *testing.T) {
	e := echo.New()
	e.POST("/webhooks", func(c echo.Context) error {
		event, ok := Event(c)
		if !ok {
			t.Fatal("expected event in context")
		}
		if event.Type != "benefit_grant.created" {
			t.Errorf("event type = %q", event.Type)
		}
		return Ack(c)
	}, Middleware(Config{Ingestor: setupIngestor(t, nil)}))

	body := []byte(`{"type":"benefit_grant.created","data":{"id":"bg_1"}}`)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, signedRequest(t, "msg_1", body))

	if rec.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rec.Code)
	}
	if rec.Body.String() != string(body) {
		t.Errorf("body = %q, want %q", rec.Body.String(), body)
	}
}

func TestMiddleware_Rejections(t *testing.T) {
	e := echo.New()
	e.POST("/webhooks", func(c echo.Context) error {
		t.Error("handler must not run")
		return nil
	}, Middleware(Config{Ingestor: setupIngestor(t, nil)}))

	stale := httptest.NewRequest(http.MethodPost, "/webhooks", bytes.NewReader([]byte(`{"type":"order.paid"}`)))
	signer, _ := webhook.NewSigner(testSecret)
	h, _ := signer.Sign("msg_old", time.Now().Add(-time.Hour), []byte(`{"type":"order.paid"}`))
	h.Apply(stale)

	tests := []struct {
		name   string
		req    *http.Request
		status int
	}{
		{"missing body", httptest.NewRequest(http.MethodPost, "/webhooks", nil), http.StatusBadRequest},
		{"missing headers", httptest.NewRequest(http.MethodPost, "/webhooks", bytes.NewReader([]byte(`{}`))), http.StatusForbidden},
		{"stale timestamp", stale, http.StatusForbidden},
		{"no type", signedRequest(t, "msg_2", []byte(`{"data":{}}`)), http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, tt.req)
			if rec.Code != tt.status {
				t.Errorf("Expected status %d, got %d (%s)", tt.status, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestMiddleware_Deliver(t *testing.T) {
	delivered := 0
	in := setupIngestor(t, webhook.EventHandlerFunc(func(context.Context, *webhook.Event) error {
		delivered++
		return nil
	}))

	e := echo.New()
	e.POST("/webhooks", Ack, Middleware(Config{Ingestor: in, Deliver: true}))

	body := []byte(`{"type":"customer.updated"}`)
	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, signedRequest(t, "msg_same", body))
		if rec.Code != http.StatusOK {
			t.Fatalf("delivery %d: status %d", i, rec.Code)
		}
	}
	if delivered != 1 {
		t.Errorf("handler ran %d times, want 1", delivered)
	}
}

func TestMiddleware_DeliverFailure(t *testing.T) {
	in := setupIngestor(t, webhook.EventHandlerFunc(func(context.Context, *webhook.Event) error {
		return errors.New("connection refused")
	}))

	e := echo.New()
	e.POST("/webhooks", Ack, Middleware(Config{Ingestor: in, Deliver: true}))

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, signedRequest(t, "msg_err", []byte(`{"type":"order.paid"}`)))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("Expected status 500, got %d", rec.Code)
	}
	if rec.Body.String() != "failed to process webhook" {
		t.Errorf("body = %q", rec.Body.String())
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
