// Package retry decides which outbound failures are safe to replay.
//
// The backend bills per processed request, so a failure is only retryable
// when we know the service never started working on it: gateway-level 502,
// 503, 504 responses and DNS resolution failures. Timeouts are the dangerous
// case: the request may have been processed and charged, so they are never
// retried.
package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/discord-voice-bridge/internal/logging"
)

// StatusError reports a non-2xx HTTP response from a backend service.
// Clients return it so the gateway can classify by status code instead of
// scraping message text.
type StatusError struct {
	Code    int
	Service string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned status %d", e.Service, e.Code)
}

// Classification is the outcome of inspecting an error.
type Classification int

const (
	// NonRetryable covers everything we cannot prove is unbilled,
	// including all timeouts.
	NonRetryable Classification = iota
	// Retryable means the upstream certainly never began billable work.
	Retryable
)

// gatewayPhrases are checked before any generic "timeout" substring match so
// a "Gateway Timeout" (retryable 504) is not misread as a billed timeout.
var gatewayPhrases = []string{"bad gateway", "service unavailable", "gateway timeout"}

// Classify inspects err and reports whether a retry is billing-safe.
func Classify(err error) Classification {
	if err == nil {
		return NonRetryable
	}

	var se *StatusError
	if errors.As(err, &se) {
		switch se.Code {
		case 502, 503, 504:
			return Retryable
		}
		return NonRetryable
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return Retryable
	}

	msg := strings.ToLower(err.Error())
	for _, p := range gatewayPhrases {
		if strings.Contains(msg, p) {
			return Retryable
		}
	}

	// Timeouts are explicitly non-retryable: the request may already have
	// been processed and charged. Everything else is non-retryable too;
	// unknown failure modes are assumed possibly billed.
	return NonRetryable
}

// IsTimeout reports whether err is a billing-ambiguous timeout, which gets
// a distinct user-facing message. Gateway phrases are excluded: a "Gateway
// Timeout" is a 504, not a billed timeout.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, p := range gatewayPhrases {
		if strings.Contains(msg, p) {
			return false
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out")
}

// Gateway applies the retry policy to outbound calls.
type Gateway struct {
	// Enabled gates retrying entirely. When false, Do invokes the
	// operation once and propagates any failure as-is.
	Enabled bool
	// MaxRetries is the number of additional attempts after the first.
	MaxRetries int

	// sleep is replaceable in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewGateway builds a Gateway with the given policy.
func NewGateway(enabled bool, maxRetries int) *Gateway {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Gateway{Enabled: enabled, MaxRetries: maxRetries, sleep: sleepCtx}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do runs op, retrying only billing-safe failures with exponential backoff
// (2^attempt seconds). label identifies the operation in logs. The last
// error is returned when all attempts are exhausted.
func (g *Gateway) Do(ctx context.Context, label string, op func(ctx context.Context) error) error {
	if !g.Enabled {
		return op(ctx)
	}

	var lastErr error
	for attempt := 0; attempt <= g.MaxRetries; attempt++ {
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if Classify(lastErr) != Retryable {
			logging.Debugw("retry: non-retryable failure", "op", label, "attempt", attempt+1, "err", lastErr)
			return lastErr
		}
		if attempt == g.MaxRetries {
			break
		}
		backoff := time.Duration(1<<uint(attempt)) * time.Second
		logging.Warnw("retry: transient failure, backing off", "op", label, "attempt", attempt+1, "backoff", backoff, "err", lastErr)
		if err := g.sleep(ctx, backoff); err != nil {
			return lastErr
		}
	}
	logging.Warnw("retry: attempts exhausted", "op", label, "attempts", g.MaxRetries+1, "err", lastErr)
	return lastErr
}
