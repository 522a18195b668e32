// Package connection implements the request pipeline and failure
// classifier that sit between a record store and the JMAP HTTP transport:
// draining work queues into batched method calls, paginating across
// maxCallsInRequest, dispatching responses back to registered handlers, and
// classifying transport/protocol failures into retry, re-auth, fatal, and
// resync outcomes.
package connection

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// HTTPDoer is the narrow seam this package needs from an HTTP client. The
// standard *http.Client satisfies it; tests substitute a stub.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Auth is the authentication/session module's contract, consumed but not
// implemented here (spec's auth module is out of scope).
type Auth interface {
	// WillSend is consulted before materialising a batch; returning false
	// vetoes the send for this tick.
	WillSend(ctx context.Context) bool
	Succeeded(ctx context.Context)
	Failed(ctx context.Context, retryAfter time.Duration)
	DidLoseAuthentication(ctx context.Context)
	FetchSession(ctx context.Context) error

	AccessToken() string
	APIURL() string
	Capabilities() map[string]any
	SessionState() string
	Accounts() []string
	PrimaryAccounts() map[string]string
}

// MethodError represents a JMAP method-level or top-level error response,
// mirroring CompleteError's shape from the store-completion handler this
// package is grounded on.
type MethodError struct {
	Type        string
	Description string
}

func (e *MethodError) Error() string {
	if e.Description == "" {
		return e.Type
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Description)
}

// Config configures one Connection's pipeline behavior.
type Config struct {
	// Timeout bounds a request before any upload completes. Defaults to 30s.
	Timeout time.Duration
	// TimeoutAfterUpload is the relaxed bound once an upload has completed.
	// Defaults to 120s.
	TimeoutAfterUpload time.Duration
	// MaxCallsInRequest overrides the session capability's value when
	// non-zero; tests use this to force pagination without a fake session.
	MaxCallsInRequest int
	// ChangesScheduleByType names the maxChanges escalation ladder for each
	// record type's "<Type>/changes" calls, e.g. {"Email": {50,100,150}}.
	ChangesScheduleByType map[string][]int
}

func (c Config) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return 30 * time.Second
}

func (c Config) timeoutAfterUpload() time.Duration {
	if c.TimeoutAfterUpload > 0 {
		return c.TimeoutAfterUpload
	}
	return 120 * time.Second
}

// inFlightContext tracks pagination state for a batch split across more
// than one HTTP request. createdIDs accumulates server-minted ids so later
// pages can reference records created on earlier ones.
type inFlightContext struct {
	createdIDs map[string]string
	doneCount  int
	sentCount  int
}

// changesState is the adaptive maxChanges escalation state machine for one
// (accountId, typeId) pair's "<Type>/changes" calls, per spec §9: a small
// state machine over a fixed schedule rather than a bare mutable integer.
type changesState struct {
	schedule []int
	index    int
}

func newChangesState(schedule []int) *changesState {
	if len(schedule) == 0 {
		schedule = []int{0}
	}
	return &changesState{schedule: schedule}
}

// current returns the maxChanges value this state machine is currently at.
// A zero schedule (no ceiling configured) reports 0, meaning "unbounded".
func (s *changesState) current() int {
	return s.schedule[s.index]
}

// escalate advances to the next rung of the schedule. maxed reports whether
// the ceiling was already reached (the caller must then force a full
// resync instead of escalating further).
func (s *changesState) escalate() (value int, maxed bool) {
	if s.index >= len(s.schedule)-1 {
		return s.schedule[s.index], true
	}
	s.index++
	return s.schedule[s.index], false
}

// reset returns the schedule to its initial rung, as happens after a forced
// resync.
func (s *changesState) reset() {
	s.index = 0
}
