// Package webhook authenticates and dispatches billing-provider webhooks that
// follow the Standard Webhooks scheme (webhook-id, webhook-timestamp and
// webhook-signature headers).
//
// The raw request body is verified byte-for-byte before anything parses it:
//
//	verifier, err := webhook.NewSignatureVerifier(os.Getenv("POLAR_WEBHOOK_SECRET"))
//	ingestor, err := webhook.NewIngestor(webhook.Config{
//		Verifier: verifier,
//		Handler:  mux,
//	})
//	http.Handle("/polar/webhooks", ingestor.Handler())
//
// Framework integrations live under middleware/ and call Ingestor.Verify
// directly.
package webhook
