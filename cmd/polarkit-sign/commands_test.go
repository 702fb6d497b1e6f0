package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/polarkit/pkg/billing/webhook"
)

const testSecret = "polar_whs_cli"

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func parseHeaders(t *testing.T, out string) webhook.Headers {
	t.Helper()
	h := http.Header{}
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		name, value, ok := strings.Cut(line, ": ")
		require.True(t, ok, "unexpected line %q", line)
		h.Set(name, value)
	}
	return webhook.FromHTTPHeader(h)
}

func TestSign_VerifiesWithSameSecret(t *testing.T) {
	body := `{"type":"order.created","data":{"id":"ord_1"}}`
	ts := time.Now().Unix()

	out, err := run(t, body, "sign", "-", "--secret", testSecret, "--id", "msg_cli",
		"--timestamp", strconv.FormatInt(ts, 10))
	require.NoError(t, err)

	h := parseHeaders(t, out)
	assert.Equal(t, "msg_cli", h.ID)

	v, err := webhook.NewSignatureVerifier(testSecret)
	require.NoError(t, err)
	assert.NoError(t, v.Verify([]byte(body), h))
}

func TestSign_EncodedSecret(t *testing.T) {
	const secret = "whsec_MfKQ9r8GKYqrTwjUPD8ILPZIo2LaLaSw"
	body := `{"type":"order.created"}`

	out, err := run(t, body, "sign", "-", "--secret", secret, "--encoded-secret")
	require.NoError(t, err)
	h := parseHeaders(t, out)

	v, err := webhook.NewSignatureVerifier(secret, webhook.WithEncodedSecret())
	require.NoError(t, err)
	assert.NoError(t, v.Verify([]byte(body), h))

	plain, err := webhook.NewSignatureVerifier(secret)
	require.NoError(t, err)
	assert.ErrorIs(t, plain.Verify([]byte(body), h), webhook.ErrInvalidSignature)
}

func TestSign_SecretFromEnv(t *testing.T) {
	t.Setenv("POLAR_WEBHOOK_SECRET", testSecret)

	dir := t.TempDir()
	path := filepath.Join(dir, "payload.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"type":"subscription.active"}`), 0o600))

	out, err := run(t, "", "sign", path)
	require.NoError(t, err)
	h := parseHeaders(t, out)
	assert.True(t, strings.HasPrefix(h.ID, "msg_"))
	assert.True(t, h.Complete())
}

func TestSign_Errors(t *testing.T) {
	t.Setenv("POLAR_WEBHOOK_SECRET", "")

	_, err := run(t, "{}", "sign", "-")
	assert.ErrorIs(t, err, errNoSecret)

	_, err = run(t, "   ", "sign", "-", "--secret", testSecret)
	assert.ErrorContains(t, err, "payload is empty")

	_, err = run(t, "", "sign", filepath.Join(t.TempDir(), "missing.json"), "--secret", testSecret)
	assert.ErrorContains(t, err, "read payload")
}

func TestSend(t *testing.T) {
	verifier, err := webhook.NewSignatureVerifier(testSecret)
	require.NoError(t, err)
	in, err := webhook.NewIngestor(webhook.Config{Verifier: verifier})
	require.NoError(t, err)
	srv := httptest.NewServer(in.Handler())
	defer srv.Close()

	out, err := run(t, "", "send", "--secret", testSecret, "--type", "checkout.updated", "--url", srv.URL)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "200 OK"), out)
	assert.Contains(t, out, `"type":"checkout.updated"`)
}

func TestSend_Rejected(t *testing.T) {
	verifier, err := webhook.NewSignatureVerifier("some_other_secret")
	require.NoError(t, err)
	in, err := webhook.NewIngestor(webhook.Config{Verifier: verifier})
	require.NoError(t, err)
	srv := httptest.NewServer(in.Handler())
	defer srv.Close()

	out, err := run(t, "", "send", "--secret", testSecret, "--url", srv.URL)
	assert.Error(t, err)
	assert.True(t, strings.HasPrefix(out, "403 Forbidden"), out)
}

func TestReadPayload_Generated(t *testing.T) {
	body, err := readPayload(strings.NewReader(""), nil, "refund.created")
	require.NoError(t, err)

	ev, err := webhook.ParseEvent(body)
	require.NoError(t, err)
	assert.Equal(t, "refund.created", ev.Type)
	assert.False(t, ev.Timestamp.IsZero())
}
