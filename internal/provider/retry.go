package provider

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/ksred/fleet-api/internal/types"
)

// classify maps an HTTP outcome onto the control-plane error taxonomy:
// 401/403 are auth failures, 429 is rate limiting (with Retry-After when
// the provider supplies one), 5xx and transport errors are transient,
// any other 4xx is permanent.
func classify(resp *resty.Response, err error, op string) error {
	if err != nil {
		return types.WrapKind(types.KindTransient, err, op)
	}
	if resp == nil {
		return types.E(types.KindTransient, "%s: empty response", op)
	}

	code := resp.StatusCode()
	switch {
	case code < 400:
		return nil
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return types.E(types.KindAuthError, "%s: provider rejected credentials (status %d)", op, code)
	case code == http.StatusTooManyRequests:
		msg := op + ": rate limited"
		if ra := resp.Header().Get("Retry-After"); ra != "" {
			if secs, convErr := strconv.Atoi(ra); convErr == nil {
				msg = op + ": rate limited, retry after " + strconv.Itoa(secs) + "s"
			}
		}
		return types.E(types.KindRateLimited, "%s", msg)
	case code >= 500:
		return types.E(types.KindTransient, "%s: provider error (status %d): %s", op, code, resp.String())
	default:
		return types.E(types.KindPermanent, "%s: request rejected (status %d): %s", op, code, resp.String())
	}
}

// withRetry runs fn with exponential backoff (1s, 2s, 4s) for retryable
// error kinds, up to 3 attempts total. Non-retryable kinds surface
// immediately.
func withRetry(ctx context.Context, fn func() error) error {
	backoff := time.Second
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if !types.Retryable(types.KindOf(err)) {
			return err
		}
		select {
		case <-ctx.Done():
			return types.WrapKind(types.KindTransient, ctx.Err(), "retry cancelled")
		case <-time.After(backoff):
			backoff *= 2
		}
	}
	return err
}
