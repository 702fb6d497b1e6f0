package webhook_test

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mihaimyh/polarkit/pkg/billing/webhook"
)

func TestFromHTTPHeader(t *testing.T) {
	h := http.Header{}
	h.Set("Webhook-Id", " msg_1 ")
	h.Set("Webhook-Timestamp", "1773489600")
	h.Set("Webhook-Signature", "v1,abc")
	h.Set("Stripe-Signature", "t=1,v1=def")

	got := webhook.FromHTTPHeader(h)
	assert.Equal(t, webhook.Headers{ID: "msg_1", Timestamp: "1773489600", Signature: "v1,abc"}, got)
	assert.True(t, got.Complete())
}

func TestFromHTTPHeader_StripeSignature(t *testing.T) {
	h := http.Header{}
	h.Set("stripe-signature", "t=1773489600,v1=def")

	got := webhook.FromHTTPHeader(h)
	assert.Equal(t, webhook.Headers{Signature: "t=1773489600,v1=def"}, got)
	assert.False(t, got.Complete())
}
