package webhook_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/polarkit/pkg/billing/webhook"
)

type fakeReceipts struct {
	mu       sync.Mutex
	claimed  map[string]bool
	released []string
	err      error
}

func newFakeReceipts() *fakeReceipts {
	return &fakeReceipts{claimed: make(map[string]bool)}
}

func (f *fakeReceipts) Claim(_ context.Context, id string, _ time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	if f.claimed[id] {
		return false, nil
	}
	f.claimed[id] = true
	return true, nil
}

func (f *fakeReceipts) Release(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.claimed, id)
	f.released = append(f.released, id)
	return nil
}

type recordingHandler struct {
	mu     sync.Mutex
	events []*webhook.Event
	err    error
}

func (h *recordingHandler) HandleEvent(_ context.Context, ev *webhook.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
	return h.err
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.events)
}

func newTestIngestor(t *testing.T, mutate func(*webhook.Config)) *webhook.Ingestor {
	t.Helper()
	cfg := webhook.Config{
		Verifier: newTestVerifier(t),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	in, err := webhook.NewIngestor(cfg)
	require.NoError(t, err)
	return in
}

func signedRequest(t *testing.T, id string, body []byte) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/polar/webhooks", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	sign(t, id, testNow, body).Apply(req)
	return req
}

func TestNewIngestor_RequiresVerifier(t *testing.T) {
	_, err := webhook.NewIngestor(webhook.Config{})
	assert.ErrorIs(t, err, webhook.ErrNoVerifier)
}

func TestNewIngestor_InvalidTrustedProxy(t *testing.T) {
	_, err := webhook.NewIngestor(webhook.Config{
		Verifier:       newTestVerifier(t),
		TrustedProxies: []string{"not-an-ip"},
	})
	assert.Error(t, err)
}

func TestIngestor_Verify(t *testing.T) {
	in := newTestIngestor(t, nil)
	body := []byte(`{"type":"order.created"}`)

	ev, err := in.Verify(body, sign(t, "msg_1", testNow, body))
	require.NoError(t, err)
	assert.Equal(t, "order.created", ev.Type)
	assert.Equal(t, "msg_1", ev.MessageID)

	_, err = in.Verify(nil, webhook.Headers{})
	assert.Equal(t, webhook.KindMissingBody, webhook.KindOf(err))
	assert.ErrorIs(t, err, webhook.ErrMissingBody)

	_, err = in.Verify(body, webhook.Headers{})
	assert.Equal(t, webhook.KindVerificationFailed, webhook.KindOf(err))
	assert.ErrorIs(t, err, webhook.ErrMissingHeaders)

	notJSON := []byte(`not json`)
	_, err = in.Verify(notJSON, sign(t, "msg_2", testNow, notJSON))
	assert.Equal(t, webhook.KindInvalidPayload, webhook.KindOf(err))
}

func TestIngestor_VerifyDoesNotParseUnverifiedBody(t *testing.T) {
	in := newTestIngestor(t, nil)
	// Unparseable body with a bad signature reports the signature, not the payload.
	_, err := in.Verify([]byte(`{{{`), webhook.Headers{ID: "msg", Timestamp: "1", Signature: "v1,x"})
	assert.Equal(t, webhook.KindVerificationFailed, webhook.KindOf(err))
}

func TestHandler_Scenarios(t *testing.T) {
	validBody := []byte(`{"type":"order.created"}`)

	tests := []struct {
		name       string
		request    func(t *testing.T) *http.Request
		wantStatus int
		wantBody   string
		wantPrefix string
		dispatched int
	}{
		{
			name: "valid signature",
			request: func(t *testing.T) *http.Request {
				return signedRequest(t, "msg_valid", validBody)
			},
			wantStatus: http.StatusOK,
			wantBody:   `{"type":"order.created"}`,
			dispatched: 1,
		},
		{
			name: "empty body without headers",
			request: func(t *testing.T) *http.Request {
				return httptest.NewRequest(http.MethodPost, "/polar/webhooks", nil)
			},
			wantStatus: http.StatusBadRequest,
			wantBody:   "Missing request body",
		},
		{
			name: "tampered signature",
			request: func(t *testing.T) *http.Request {
				req := signedRequest(t, "msg_tampered", validBody)
				req.Header.Set(webhook.HeaderSignature, "v1,dGFtcGVyZWQ=")
				return req
			},
			wantStatus: http.StatusForbidden,
			wantPrefix: "Webhook verification failed: ",
		},
		{
			name: "flipped body byte",
			request: func(t *testing.T) *http.Request {
				req := signedRequest(t, "msg_flipped", validBody)
				req.Body = io.NopCloser(bytes.NewReader([]byte(`{"type":"order.createD"}`)))
				return req
			},
			wantStatus: http.StatusForbidden,
			wantPrefix: "Webhook verification failed: ",
		},
		{
			name: "missing headers",
			request: func(t *testing.T) *http.Request {
				return httptest.NewRequest(http.MethodPost, "/polar/webhooks", bytes.NewReader(validBody))
			},
			wantStatus: http.StatusForbidden,
			wantPrefix: "Webhook verification failed: ",
		},
		{
			name: "verified but not an event",
			request: func(t *testing.T) *http.Request {
				return signedRequest(t, "msg_bad_payload", []byte(`{"data":{}}`))
			},
			wantStatus: http.StatusBadRequest,
			wantBody:   "Invalid webhook payload",
		},
		{
			name: "wrong method",
			request: func(t *testing.T) *http.Request {
				return httptest.NewRequest(http.MethodGet, "/polar/webhooks", nil)
			},
			wantStatus: http.StatusMethodNotAllowed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := &recordingHandler{}
			in := newTestIngestor(t, func(cfg *webhook.Config) { cfg.Handler = handler })

			w := httptest.NewRecorder()
			in.Handler().ServeHTTP(w, tt.request(t))

			assert.Equal(t, tt.wantStatus, w.Code, w.Body.String())
			body := strings.TrimSpace(w.Body.String())
			if tt.wantBody != "" {
				assert.Equal(t, tt.wantBody, body)
			}
			if tt.wantPrefix != "" {
				assert.True(t, strings.HasPrefix(body, tt.wantPrefix), "body = %q", body)
			}
			assert.Equal(t, tt.dispatched, handler.count())
		})
	}
}

func TestHandler_EchoesVerifiedBody(t *testing.T) {
	handler := &recordingHandler{}
	in := newTestIngestor(t, func(cfg *webhook.Config) { cfg.Handler = handler })

	// Whitespace and key order must survive untouched.
	body := []byte("{ \"data\": {\"b\":1, \"a\":2},\n  \"type\": \"subscription.updated\" }")
	w := httptest.NewRecorder()
	in.Handler().ServeHTTP(w, signedRequest(t, "msg_echo", body))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Equal(t, string(body), w.Body.String())
	require.Equal(t, 1, handler.count())
	assert.Equal(t, "subscription.updated", handler.events[0].Type)
	assert.Equal(t, "msg_echo", handler.events[0].MessageID)
}

func TestHandler_PayloadTooLarge(t *testing.T) {
	in := newTestIngestor(t, func(cfg *webhook.Config) { cfg.MaxBodyBytes = 64 })

	body := []byte(`{"type":"order.created","data":{"note":"` + strings.Repeat("x", 128) + `"}}`)
	w := httptest.NewRecorder()
	in.Handler().ServeHTTP(w, signedRequest(t, "msg_big", body))

	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestHandler_DuplicateDeliveries(t *testing.T) {
	handler := &recordingHandler{}
	receipts := newFakeReceipts()
	in := newTestIngestor(t, func(cfg *webhook.Config) {
		cfg.Handler = handler
		cfg.Receipts = receipts
	})

	body := []byte(`{"type":"order.paid"}`)
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		in.Handler().ServeHTTP(w, signedRequest(t, "msg_dup", body))
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, string(body), w.Body.String())
	}
	assert.Equal(t, 1, handler.count())

	w := httptest.NewRecorder()
	in.Handler().ServeHTTP(w, signedRequest(t, "msg_other", body))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2, handler.count())
}

func TestHandler_FailedDispatchIsRetried(t *testing.T) {
	handler := &recordingHandler{err: errors.New("database unavailable")}
	receipts := newFakeReceipts()
	in := newTestIngestor(t, func(cfg *webhook.Config) {
		cfg.Handler = handler
		cfg.Receipts = receipts
	})

	body := []byte(`{"type":"subscription.canceled"}`)
	w := httptest.NewRecorder()
	in.Handler().ServeHTTP(w, signedRequest(t, "msg_retry", body))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "failed to process webhook", strings.TrimSpace(w.Body.String()))
	assert.Equal(t, []string{"msg_retry"}, receipts.released)

	handler.mu.Lock()
	handler.err = nil
	handler.mu.Unlock()

	w = httptest.NewRecorder()
	in.Handler().ServeHTTP(w, signedRequest(t, "msg_retry", body))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2, handler.count())
}

func TestHandler_ReceiptStoreFailure(t *testing.T) {
	handler := &recordingHandler{}
	receipts := newFakeReceipts()
	receipts.err = errors.New("connection refused")
	in := newTestIngestor(t, func(cfg *webhook.Config) {
		cfg.Handler = handler
		cfg.Receipts = receipts
	})

	w := httptest.NewRecorder()
	in.Handler().ServeHTTP(w, signedRequest(t, "msg_store", []byte(`{"type":"order.paid"}`)))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, 0, handler.count())
}

func TestIngestor_DeliverOutcome(t *testing.T) {
	receipts := newFakeReceipts()
	in := newTestIngestor(t, func(cfg *webhook.Config) { cfg.Receipts = receipts })

	ev := &webhook.Event{Type: "order.paid", MessageID: "msg_outcome"}
	outcome, err := in.Deliver(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, webhook.OutcomeProcessed, outcome)

	outcome, err = in.Deliver(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, webhook.OutcomeDuplicate, outcome)
	assert.Equal(t, "duplicate", outcome.String())

	receipts.err = errors.New("down")
	_, err = in.Deliver(context.Background(), &webhook.Event{Type: "order.paid", MessageID: "msg_new"})
	assert.ErrorIs(t, err, webhook.ErrReceiptStore)
}

func TestHandler_RateLimit(t *testing.T) {
	in := newTestIngestor(t, func(cfg *webhook.Config) { cfg.RateLimit = 2 })
	body := []byte(`{"type":"order.created"}`)

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		in.Handler().ServeHTTP(w, signedRequest(t, "msg_rl", body))
		codes = append(codes, w.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)

	// ServeHTTP bypasses the limiter for callers that bring their own.
	w := httptest.NewRecorder()
	in.ServeHTTP(w, signedRequest(t, "msg_rl", body))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandler_ConcurrentDeliveries(t *testing.T) {
	handler := &recordingHandler{}
	in := newTestIngestor(t, func(cfg *webhook.Config) {
		cfg.Handler = handler
		cfg.Receipts = newFakeReceipts()
		cfg.RateLimit = -1
	})

	body := []byte(`{"type":"order.created"}`)
	headers := sign(t, "msg_concurrent", testNow, body)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := httptest.NewRequest(http.MethodPost, "/polar/webhooks", bytes.NewReader(body))
			headers.Apply(req)
			w := httptest.NewRecorder()
			in.Handler().ServeHTTP(w, req)
			assert.Equal(t, http.StatusOK, w.Code)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, handler.count())
}
