package polar

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/polarsource/polar-go/models/apierrors"

	"github.com/mihaimyh/polarkit/pkg/billing"
)

// exchange carries the HTTP status of one SDK call back to Provider.call.
type exchange struct {
	status int
}

type exchangeKey struct{}

func observeStatus(ctx context.Context, status int) {
	if ex, ok := ctx.Value(exchangeKey{}).(*exchange); ok {
		ex.status = status
	}
}

// statusRecorder is the SDK's HTTP client. It notes the response status
// on the call's exchange so metrics and errors see it.
type statusRecorder struct {
	next *http.Client
}

func (r *statusRecorder) Do(req *http.Request) (*http.Response, error) {
	res, err := r.next.Do(req)
	if res != nil {
		observeStatus(req.Context(), res.StatusCode)
	}
	return res, err
}

// call runs one SDK operation against endpoint, records its metrics and
// maps failed responses to *billing.APIError.
func (p *Provider) call(ctx context.Context, endpoint string, fn func(context.Context) error) error {
	ex := &exchange{}
	start := time.Now()
	err := fn(context.WithValue(ctx, exchangeKey{}, ex))

	status := "error"
	if ex.status != 0 {
		status = strconv.Itoa(ex.status)
	}
	p.metrics.RecordAPICall(providerName, endpoint, status)
	p.metrics.RecordAPICallDuration(providerName, endpoint, time.Since(start))

	if err == nil {
		return nil
	}

	var sdkErr *apierrors.APIError
	if errors.As(err, &sdkErr) || ex.status >= http.StatusMultipleChoices {
		apiErr := &billing.APIError{
			Provider:   providerName,
			Endpoint:   endpoint,
			StatusCode: ex.status,
			Body:       err.Error(),
		}
		if sdkErr != nil {
			if apiErr.StatusCode == 0 {
				apiErr.StatusCode = sdkErr.StatusCode
			}
			if sdkErr.Body != "" {
				apiErr.Body = sdkErr.Body
			}
		}
		p.logger.Warn("polar api error",
			billing.F("endpoint", endpoint),
			billing.F("status", apiErr.StatusCode),
		)
		return apiErr
	}

	p.logger.Error("polar request failed",
		billing.F("endpoint", endpoint),
		billing.Err(err),
	)
	return fmt.Errorf("polar %s: %w", endpoint, err)
}
