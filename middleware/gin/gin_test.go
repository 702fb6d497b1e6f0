package gin

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gongin "github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/polarkit/pkg/billing/webhook"
	"github.com/mihaimyh/polarkit/storage/memory"
)

const testSecret = "polar_whs_gin"

func init() {
	gongin.SetMode(gongin.TestMode)
}

func setupIngestor(t *testing.T, handler webhook.EventHandler) *webhook.Ingestor {
	t.Helper()

	verifier, err := webhook.NewSignatureVerifier(testSecret)
	require.NoError(t, err)
	in, err := webhook.NewIngestor(webhook.Config{
		Verifier: verifier,
		Handler:  handler,
		Receipts: memory.New(),
	})
	require.NoError(t, err)
	return in
}

func signedRequest(t *testing.T, id string, body []byte) *http.Request {
	t.Helper()

	signer, err := webhook.NewSigner(testSecret)
	require.NoError(t, err)
	h, err := signer.Sign(id, time.Now(), body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/webhooks", bytes.NewReader(body))
	h.Apply(req)
	return req
}

func TestMiddleware_Success(t *testing.T) {
	r := gongin.New()
	r.POST("/webhooks", Middleware(Config{Ingestor: setupIngestor(t, nil)}), func(c *gongin.Context) {
		event, ok := Event(c)
		require.True(t, ok)
		assert.Equal(t, "checkout.updated", event.Type)
		Ack(c)
	})

	body := []byte(`{"type":"checkout.updated","data":{"id":"chk_1"}}`)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, signedRequest(t, "msg_1", body))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, string(body), w.Body.String())
}

func TestMiddleware_InvalidSignature(t *testing.T) {
	r := gongin.New()
	r.POST("/webhooks", Middleware(Config{Ingestor: setupIngestor(t, nil)}), func(c *gongin.Context) {
		t.Error("handler must not run")
	})

	req := signedRequest(t, "msg_1", []byte(`{"type":"order.paid"}`))
	req.Header.Set(webhook.HeaderSignature, "v1,AAAA")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.True(t, strings.HasPrefix(w.Body.String(), "Webhook verification failed"))
}

func TestMiddleware_MissingBody(t *testing.T) {
	r := gongin.New()
	r.POST("/webhooks", Middleware(Config{Ingestor: setupIngestor(t, nil)}), Ack)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/webhooks", nil))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Missing request body", w.Body.String())
}

func TestMiddleware_Deliver(t *testing.T) {
	delivered := 0
	in := setupIngestor(t, webhook.EventHandlerFunc(func(context.Context, *webhook.Event) error {
		delivered++
		return nil
	}))

	r := gongin.New()
	r.POST("/webhooks", Middleware(Config{Ingestor: in, Deliver: true}), Ack)

	body := []byte(`{"type":"subscription.created"}`)
	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, signedRequest(t, "msg_same", body))
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, string(body), w.Body.String())
	}
	assert.Equal(t, 1, delivered)
}

func TestMiddleware_DeliverFailure(t *testing.T) {
	in := setupIngestor(t, webhook.EventHandlerFunc(func(context.Context, *webhook.Event) error {
		return errors.New("boom")
	}))

	var got error
	r := gongin.New()
	r.POST("/webhooks", Middleware(Config{
		Ingestor: in,
		Deliver:  true,
		OnError: func(c *gongin.Context, err error) {
			got = err
			c.JSON(http.StatusServiceUnavailable, gongin.H{"error": "retry later"})
		},
	}), Ack)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, signedRequest(t, "msg_err", []byte(`{"type":"order.paid"}`)))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	require.Error(t, got)
	assert.Equal(t, webhook.KindUnknown, webhook.KindOf(got))
}

func TestMiddleware_RequiresIngestor(t *testing.T) {
	assert.Panics(t, func() { Middleware(Config{}) })
}
