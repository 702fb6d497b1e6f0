package webhook

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mihaimyh/polarkit/pkg/billing"
	"github.com/mihaimyh/polarkit/pkg/billing/internal"
)

const (
	defaultProviderName      = "polar"
	defaultMaxBodyBytes      = 256 * 1024
	defaultRateLimitWindow   = time.Minute
	defaultRateLimitRequests = 100
)

// Outcome describes what Deliver did with a verified event.
type Outcome int

const (
	// OutcomeProcessed means the event was dispatched to the handler.
	OutcomeProcessed Outcome = iota + 1

	// OutcomeDuplicate means the webhook-id was already delivered; nothing was dispatched.
	OutcomeDuplicate
)

func (o Outcome) String() string {
	switch o {
	case OutcomeProcessed:
		return "success"
	case OutcomeDuplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// Config configures an Ingestor.
type Config struct {
	// Verifier authenticates the raw body (required).
	// Use NewSignatureVerifier for Standard Webhooks signatures.
	Verifier Verifier

	// Handler receives verified events. If nil, events are acknowledged and dropped.
	Handler EventHandler

	// Receipts suppresses duplicate deliveries of the same webhook-id (optional).
	Receipts ReceiptStore

	// ReceiptTTL is how long a webhook-id is remembered. Default: DefaultReceiptTTL.
	ReceiptTTL time.Duration

	// Provider labels metrics and logs. Default: "polar".
	Provider string

	// MaxBodyBytes caps the request body read by Handler(). Default: 256 KiB.
	MaxBodyBytes int64

	// RateLimit is the number of requests per minute accepted from one client
	// IP by Handler(). Zero uses the default of 100; negative disables limiting.
	RateLimit int

	// TrustedProxies lists the proxy addresses or CIDR ranges whose
	// X-Forwarded-For header identifies the client for rate limiting. When
	// empty the connection's remote address is used.
	TrustedProxies []string

	// Metrics is an optional metrics collector. If nil, metrics are not recorded.
	Metrics billing.Metrics

	// Logger is an optional structured logger. If nil, nothing is logged.
	Logger billing.Logger
}

// Ingestor verifies, deduplicates and dispatches webhook deliveries. It is
// safe for concurrent use; the only state shared between requests is
// read-only configuration, the rate limiter and the receipt store.
type Ingestor struct {
	verifier     Verifier
	handler      EventHandler
	receipts     ReceiptStore
	receiptTTL   time.Duration
	provider     string
	maxBodyBytes int64
	rateLimiter  *internal.RateLimiter
	metrics      billing.Metrics
	logger       billing.Logger
}

// NewIngestor creates an Ingestor from cfg.
func NewIngestor(cfg Config) (*Ingestor, error) {
	if cfg.Verifier == nil {
		return nil, ErrNoVerifier
	}

	provider := strings.TrimSpace(cfg.Provider)
	if provider == "" {
		provider = defaultProviderName
	}

	receiptTTL := cfg.ReceiptTTL
	if receiptTTL <= 0 {
		receiptTTL = DefaultReceiptTTL
	}

	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}

	rateLimit := cfg.RateLimit
	if rateLimit == 0 {
		rateLimit = defaultRateLimitRequests
	}

	trusted, err := internal.ParseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		return nil, err
	}
	rateLimiter := internal.NewRateLimiter(rateLimit, defaultRateLimitWindow)
	rateLimiter.TrustProxies(trusted)

	metrics := cfg.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = &billing.NoopLogger{}
	}

	return &Ingestor{
		verifier:     cfg.Verifier,
		handler:      cfg.Handler,
		receipts:     cfg.Receipts,
		receiptTTL:   receiptTTL,
		provider:     provider,
		maxBodyBytes: maxBody,
		rateLimiter:  rateLimiter,
		metrics:      metrics,
		logger:       logger,
	}, nil
}

// Verify authenticates body against h and, only on success, parses it.
// Failures are returned as *Error; use KindOf to branch on the cause.
func (in *Ingestor) Verify(body []byte, h Headers) (*Event, error) {
	if len(body) == 0 {
		in.metrics.RecordWebhookError(in.provider, "missing_body")
		return nil, newError(KindMissingBody, ErrMissingBody)
	}

	if err := in.verifier.Verify(body, h); err != nil {
		in.metrics.RecordWebhookError(in.provider, "auth_failed")
		in.logger.Warn("webhook verification failed",
			billing.F("provider", in.provider),
			billing.F("webhook_id", h.ID),
			billing.Err(err),
		)
		return nil, newError(KindVerificationFailed, err)
	}

	event, err := ParseEvent(body)
	if err != nil {
		in.metrics.RecordWebhookError(in.provider, "invalid_payload")
		in.logger.Warn("verified webhook has invalid payload",
			billing.F("provider", in.provider),
			billing.F("webhook_id", h.ID),
			billing.Err(err),
		)
		return nil, newError(KindInvalidPayload, err)
	}
	event.MessageID = h.ID
	if event.MessageID == "" {
		event.MessageID = event.ID
	}
	return event, nil
}

// Deliver hands a verified event to the configured handler, at most once per
// webhook-id when a ReceiptStore is configured. A failed dispatch releases
// the receipt so the provider's retry is processed.
func (in *Ingestor) Deliver(ctx context.Context, event *Event) (Outcome, error) {
	claimed := false
	if in.receipts != nil && event.MessageID != "" {
		ok, err := in.receipts.Claim(ctx, event.MessageID, in.receiptTTL)
		if err != nil {
			in.metrics.RecordWebhookError(in.provider, "receipt_error")
			in.logger.Error("failed to claim webhook receipt",
				billing.F("provider", in.provider),
				billing.F("webhook_id", event.MessageID),
				billing.Err(err),
			)
			return 0, fmt.Errorf("%w: %w", ErrReceiptStore, err)
		}
		if !ok {
			in.metrics.RecordWebhookEvent(in.provider, event.Type, OutcomeDuplicate.String())
			in.logger.Debug("duplicate webhook delivery ignored",
				billing.F("provider", in.provider),
				billing.F("webhook_id", event.MessageID),
				billing.F("event_type", event.Type),
			)
			return OutcomeDuplicate, nil
		}
		claimed = true
	}

	if in.handler != nil {
		if err := in.handler.HandleEvent(ctx, event); err != nil {
			in.metrics.RecordWebhookEvent(in.provider, event.Type, "error")
			in.metrics.RecordWebhookError(in.provider, "processing_error")
			in.logger.Error("webhook handler failed",
				billing.F("provider", in.provider),
				billing.F("webhook_id", event.MessageID),
				billing.F("event_type", event.Type),
				billing.Err(err),
			)
			if claimed {
				// Use a fresh context: the request may already be cancelled.
				releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
				defer cancel()
				if relErr := in.receipts.Release(releaseCtx, event.MessageID); relErr != nil {
					err = errors.Join(err, fmt.Errorf("%w: %w", ErrReceiptStore, relErr))
				}
			}
			return 0, fmt.Errorf("handle %s: %w", event.Type, err)
		}
	}

	in.metrics.RecordWebhookEvent(in.provider, event.Type, OutcomeProcessed.String())
	return OutcomeProcessed, nil
}
