package connection

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jmap-go/connection-core/pkg/jmapwire"
)

// rateLimitBackoff is the fixed 30-second hint spec §4.4 gives for
// 429/502/503/504 responses.
const rateLimitBackoff = 30 * time.Second

// handleTransportFailure classifies a non-2xx HTTP completion (or a
// transport-level failure, statusCode 0) per spec §4.4's branch table and
// takes the matching action. It always returns nil: failures are reported
// to Auth or discarded, never propagated as a Go error, mirroring the
// spec's "callbacks are never left orphaned" guarantee.
func (c *Connection) handleTransportFailure(ctx context.Context, statusCode int, willRetry bool, body []byte) error {
	switch {
	case statusCode == 400 || statusCode == 413:
		c.logger().WarnContext(ctx, "request rejected, discarding",
			slog.Int("status", statusCode), slog.String("body", string(body)))
		c.discard(ctx)

	case statusCode == 401:
		c.logger().WarnContext(ctx, "lost authentication", slog.Int("status", statusCode))
		c.Auth.DidLoseAuthentication(ctx)
		c.inFlight = false

	case statusCode == 404:
		// Ambiguous source behavior (spec §9): refreshing the session and
		// re-sending without bounding attempts risks looping forever if
		// the refresh doesn't change the API URL. Flagged, not fixed here
		// — see DESIGN.md.
		c.logger().WarnContext(ctx, "api url stale, refreshing session", slog.Int("status", statusCode))
		go func() {
			_ = c.Auth.FetchSession(context.Background())
		}()
		c.inFlight = false

	case statusCode == 429 || statusCode == 502 || statusCode == 503 || statusCode == 504:
		c.logger().WarnContext(ctx, "connection failure, backing off",
			slog.Int("status", statusCode), slog.Duration("backoff", rateLimitBackoff))
		c.Auth.Failed(ctx, rateLimitBackoff)
		c.inFlight = false

	case statusCode == 500:
		c.logger().ErrorContext(ctx, "server-side failure, discarding",
			slog.Int("status", statusCode))
		c.discard(ctx)

	default:
		if willRetry {
			delay := c.retryBackoff()
			c.logger().WarnContext(ctx, "transport failure, retrying",
				slog.Int("status", statusCode), slog.Duration("backoff", delay))
			c.Auth.Failed(ctx, delay)
			c.inFlight = false
		} else {
			c.logger().WarnContext(ctx, "transport failure, discarding", slog.Int("status", statusCode))
			c.discard(ctx)
		}
	}

	return nil
}

// retryBackoff computes an escalating generic-retry delay with
// cenkalti/backoff's exponential backoff. The backoff state persists on
// Connection across consecutive failures so each call escalates from the
// last, instead of resetting to the initial interval every time;
// resetBackoff (called from handleSuccess) drops it back to the start.
func (c *Connection) retryBackoff() time.Duration {
	if c.backoff == nil {
		c.backoff = backoff.NewExponentialBackOff()
		c.backoff.InitialInterval = time.Second
		c.backoff.MaxInterval = rateLimitBackoff
		// A single Connection backs off against one server, not a fleet of
		// clients, so there's no thundering herd to de-synchronize; zeroing
		// the randomization factor keeps the escalation strictly monotonic.
		c.backoff.RandomizationFactor = 0
	}
	return c.backoff.NextBackOff()
}

// resetBackoff returns retryBackoff's escalation to its initial interval,
// called once a batch succeeds so the next failure starts fresh rather than
// continuing to escalate from an unrelated prior failure streak.
func (c *Connection) resetBackoff() {
	if c.backoff != nil {
		c.backoff.Reset()
	}
}

// discard flushes every pending callback with an empty response (spec
// §4.4: "Discard always flushes pending callbacks with ([], []) so callers
// are not orphaned") and clears all in-flight state.
func (c *Connection) discard(ctx context.Context) {
	for _, cb := range c.inFlightCallbacks {
		c.safeCallback(cb.Fn, jmapwire.MethodResponse{}, "", nil)
	}
	c.finishBatch()
}
