package connection

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/cenkalti/backoff/v4"
	"github.com/jmap-go/connection-core/internal/queue"
	"github.com/jmap-go/connection-core/internal/registry"
	"github.com/jmap-go/connection-core/internal/setbuilder"
	"github.com/jmap-go/connection-core/internal/tracing"
	"github.com/jmap-go/connection-core/pkg/jmapwire"
)

var defaultLogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
	Level: slog.LevelInfo,
}))

// Connection is the request batching and response dispatch engine that
// sits between a record store and the HTTP transport for one data group
// (mail, contacts, calendar, ...). It accumulates pending work into a
// queue.Queues, drains it into a batched JSON-RPC request once per
// run-loop tick, pages the batch across the session's maxCallsInRequest,
// and routes responses to the handlers registered in its Registry.
type Connection struct {
	DataGroup string
	Registry  *registry.Registry
	Auth      Auth
	HTTP      HTTPDoer
	Config    Config
	Logger    *slog.Logger

	// ScheduleMiddle runs fn on the host application's "middle" run-loop
	// phase (spec §4.3/§5): callbacks must fire after response handlers
	// have mutated the store. Run-loop phase scheduling itself is out of
	// scope; a nil ScheduleMiddle runs fn synchronously, which satisfies
	// the ordering guarantee trivially for a single-threaded caller.
	ScheduleMiddle func(fn func())

	// UploadCompleted reports whether an upload relevant to the in-flight
	// batch has finished. The upload queue itself is out of scope; a host
	// application that runs one sets this so sendPage can pick the relaxed
	// TimeoutAfterUpload bound instead of the tighter default Timeout.
	UploadCompleted bool

	queues *queue.Queues

	inFlight            bool
	inFlightRemoteCalls []jmapwire.MethodCall
	inFlightCallbacks   []queue.Callback
	inFlightCtx         *inFlightContext
	responseByTag       map[string]jmapwire.MethodResponse
	sessionState        string

	changesStates map[string]*changesState

	backoff *backoff.ExponentialBackOff
}

// NewConnection builds a Connection for one data group.
func NewConnection(dataGroup string, reg *registry.Registry, auth Auth, http HTTPDoer, cfg Config) *Connection {
	return &Connection{
		DataGroup:     dataGroup,
		Registry:      reg,
		Auth:          auth,
		HTTP:          http,
		Config:        cfg,
		queues:        queue.New(),
		changesStates: make(map[string]*changesState),
	}
}

func (c *Connection) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return defaultLogger
}

// Call enqueues a direct method call, tagging it with its decimal index in
// the eventual batch (spec §3 invariant). callback, if non-nil, fires once
// the matching response is known.
func (c *Connection) Call(name string, args map[string]any, callback func(resp jmapwire.MethodResponse, requestName string, requestArgs map[string]any)) string {
	clientID := c.appendCall(jmapwire.MethodCall{Name: name, Arguments: args})
	if callback != nil {
		c.queues.AppendCallback(clientID, callback)
	}
	return clientID
}

// FetchRecord queues a targeted record-level fetch.
func (c *Connection) FetchRecord(accountID, typeID string, ids ...string) {
	c.queues.AddRecordFetch(accountID, typeID, queue.Targeted(ids...))
}

// RefreshRecord queues a record-level refresh from a known state.
func (c *Connection) RefreshRecord(accountID, typeID, state string) {
	c.queues.AddRecordRefresh(accountID, typeID, queue.FromState(state))
}

// FetchType queues a whole-type fetch.
func (c *Connection) FetchType(accountID, typeID string) {
	c.queues.AddTypeFetch(accountID, typeID, queue.All())
}

// RefreshType queues a type-level refresh from a known state.
func (c *Connection) RefreshType(accountID, typeID, state string) {
	c.queues.AddTypeRefresh(accountID, typeID, queue.FromState(state))
}

// FetchQuery queues a query fetch.
func (c *Connection) FetchQuery(q queue.Query) {
	c.queues.AddQuery(q)
}

// CommitChanges shapes change into one or more method calls via the
// registered Commit handler (or the built-in commitType helper) and
// enqueues them. callback, if non-nil, is bound to the primary (set) call.
func (c *Connection) CommitChanges(ctx context.Context, typeID string, change setbuilder.ChangeSet, callback func(resp jmapwire.MethodResponse, requestName string, requestArgs map[string]any)) {
	handlers, ok := c.Registry.TypeHandlersFor(typeID)

	var calls []jmapwire.MethodCall
	switch {
	case ok && handlers.Commit != nil:
		calls = handlers.Commit(ctx, change)
	case ok:
		calls = builtinCommit(builtinTypeName(handlers, typeID), change)
	default:
		calls = builtinCommit(typeID, change)
	}

	for i, call := range calls {
		clientID := c.appendCall(call)
		if callback != nil && i == 0 {
			c.queues.AppendCallback(clientID, callback)
		}
	}
}

// IsDirty reports whether this Connection has an in-flight or queued
// create/update/destroy/copy, per spec §5's aggregate "dirty" definition.
func (c *Connection) IsDirty() bool {
	for _, call := range c.inFlightRemoteCalls {
		if isMutatingCall(call.Name) {
			return true
		}
	}
	for _, call := range c.queues.SendQueue {
		if isMutatingCall(call.Name) {
			return true
		}
	}
	return false
}

func isMutatingCall(name string) bool {
	return strings.HasSuffix(name, "/set") || strings.HasSuffix(name, "/copy")
}

func builtinTypeName(handlers registry.TypeHandlers, typeID string) string {
	if handlers.BuiltinName != "" {
		return handlers.BuiltinName
	}
	return typeID
}

// appendCall assigns call its clientId (the decimal index it will occupy
// in the eventual batch) and appends it to the send queue.
func (c *Connection) appendCall(call jmapwire.MethodCall) string {
	clientID := strconv.Itoa(len(c.queues.SendQueue))
	call.ClientID = clientID
	c.queues.AppendCall(call)
	return clientID
}

// Send runs one pipeline tick: if nothing is in flight, it asks auth
// whether to proceed, materialises the queued work into a batch, and
// submits (the first page of) it. It is the entry point the host
// application's run-loop calls at the end of its "after" phase.
func (c *Connection) Send(ctx context.Context) error {
	if c.inFlight {
		return nil
	}
	if !c.Auth.WillSend(ctx) {
		return nil
	}

	if c.inFlightRemoteCalls == nil {
		c.materialize(ctx)
		c.inFlightRemoteCalls = c.queues.SendQueue
		c.inFlightCallbacks = c.queues.CallbackQueue
		c.queues.SendQueue = nil
		c.queues.CallbackQueue = nil
		c.responseByTag = make(map[string]jmapwire.MethodResponse)
	}

	if len(c.inFlightRemoteCalls) == 0 {
		c.inFlightRemoteCalls = nil
		c.inFlightCallbacks = nil
		c.responseByTag = nil
		return nil
	}

	c.inFlight = true
	return c.sendPage(ctx)
}

// materialize drains the pending queues into sendQueue in the order spec
// §4.3 requires: query fetches, type refreshes, record refreshes, type
// fetches, record fetches.
func (c *Connection) materialize(ctx context.Context) {
	for _, q := range c.queues.DrainQueries() {
		c.materializeQuery(ctx, q)
	}
	c.materializeTable(ctx, c.queues.DrainTypeRefreshes())
	c.materializeTable(ctx, c.queues.DrainRecordRefreshes())
	c.materializeTable(ctx, c.queues.DrainTypeFetches())
	c.materializeTable(ctx, c.queues.DrainRecordFetches())
}

func (c *Connection) materializeQuery(ctx context.Context, q queue.Query) {
	handlers, ok := c.Registry.TypeHandlersFor(q.TypeID)
	if !ok || handlers.Query == nil {
		c.logger().WarnContext(ctx, "no query handler registered for type",
			slog.String("type", q.TypeID))
		return
	}
	for _, call := range handlers.Query(ctx, q.AccountID, q.Args) {
		c.appendCall(call)
	}
}

func (c *Connection) materializeTable(ctx context.Context, table queue.TypeTable) {
	for _, accountID := range sortedKeys(table) {
		byType := table[accountID]
		for _, typeID := range sortedKeys(byType) {
			c.materializeSpec(ctx, accountID, typeID, byType[typeID])
		}
	}
}

func (c *Connection) materializeSpec(ctx context.Context, accountID, typeID string, spec queue.FetchSpec) {
	handlers, ok := c.Registry.TypeHandlersFor(typeID)
	if !ok {
		c.logger().WarnContext(ctx, "no handlers registered for type, dropping pending fetch",
			slog.String("type", typeID), slog.String("account_id", accountID))
		return
	}
	name := builtinTypeName(handlers, typeID)

	if spec.Kind == queue.FetchFromState {
		if handlers.Refresh != nil {
			for _, call := range handlers.Refresh(ctx, accountID, nil, spec.State) {
				c.appendCall(call)
			}
			return
		}
		maxChanges := c.changesStateFor(accountID, typeID).current()
		c.appendCall(builtinRefresh(name, accountID, spec.State, maxChanges))
		return
	}

	var ids []string
	if spec.Kind == queue.FetchTargeted {
		ids = sortedSetKeys(spec.IDs)
	}
	if handlers.Fetch != nil {
		for _, call := range handlers.Fetch(ctx, accountID, ids, "") {
			c.appendCall(call)
		}
		return
	}
	c.appendCall(builtinFetch(name, accountID, ids))
}

func (c *Connection) changesStateFor(accountID, typeID string) *changesState {
	key := accountID + "|" + typeID
	if s, ok := c.changesStates[key]; ok {
		return s
	}
	s := newChangesState(c.Config.ChangesScheduleByType[typeID])
	c.changesStates[key] = s
	return s
}

func (c *Connection) maxCallsInRequest() int {
	if c.Config.MaxCallsInRequest > 0 {
		return c.Config.MaxCallsInRequest
	}
	cap := jmapwire.ParseCoreCapability(c.Auth.Capabilities())
	if cap.MaxCallsInRequest > 0 {
		return cap.MaxCallsInRequest
	}
	return 16
}

func capabilityKeys(capabilities map[string]any) []string {
	keys := make([]string, 0, len(capabilities))
	for k := range capabilities {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// sendPage submits calls[start:end) as one HTTP round trip, where start is
// the batch's doneCount so far and end is bounded by maxCallsInRequest.
//
// Pages are plain contiguous slices of at most maxCallsInRequest calls; the
// slicer does not look at result references, so a call whose back-reference
// targets the last call of the previous page is sent on a later page than
// its target. validateBackReferences checks such a reference against the
// target's already-landed response before the page goes out (see
// DESIGN.md).
func (c *Connection) sendPage(ctx context.Context) error {
	maxCalls := c.maxCallsInRequest()
	start := 0
	if c.inFlightCtx != nil {
		start = c.inFlightCtx.doneCount
	}
	end := start + maxCalls
	if end > len(c.inFlightRemoteCalls) || end <= start {
		end = len(c.inFlightRemoteCalls)
	}
	if c.inFlightCtx == nil && end < len(c.inFlightRemoteCalls) {
		c.inFlightCtx = &inFlightContext{createdIDs: map[string]string{}}
	}

	page := c.inFlightRemoteCalls[start:end]
	c.validateBackReferences(ctx, page)

	ctx, span := tracing.StartRequestSpan(ctx, c.DataGroup, start/maxOrOne(maxCalls), len(page))
	defer span.End()

	wireReq := jmapwire.Request{
		Using:       capabilityKeys(c.Auth.Capabilities()),
		MethodCalls: make([][3]any, len(page)),
	}
	for i, call := range page {
		wireReq.MethodCalls[i] = jmapwire.EncodeCall(call)
	}
	if c.inFlightCtx != nil {
		wireReq.CreatedIDs = c.inFlightCtx.createdIDs
	}

	body, err := json.Marshal(wireReq)
	if err != nil {
		tracing.RecordError(span, err)
		return fmt.Errorf("connection: marshal batch request: %w", err)
	}

	timeout := c.Config.timeout()
	if c.UploadCompleted {
		timeout = c.Config.timeoutAfterUpload()
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.Auth.APIURL(), bytes.NewReader(body))
	if err != nil {
		tracing.RecordError(span, err)
		return fmt.Errorf("connection: build batch request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.Auth.AccessToken())

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		tracing.RecordError(span, err)
		return c.handleTransportFailure(ctx, 0, true, nil)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		tracing.RecordError(span, err)
		return c.handleTransportFailure(ctx, resp.StatusCode, true, nil)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.handleTransportFailure(ctx, resp.StatusCode, willRetryFrom(respBody), respBody)
	}

	var wireResp jmapwire.Response
	if err := json.Unmarshal(respBody, &wireResp); err != nil {
		tracing.RecordError(span, err)
		return fmt.Errorf("connection: decode batch response: %w", err)
	}

	return c.handleSuccess(ctx, end, wireResp)
}

func maxOrOne(n int) int {
	if n <= 0 {
		return 1
	}
	return n
}

func willRetryFrom(body []byte) bool {
	var probe struct {
		WillRetry *bool `json:"willRetry"`
	}
	if err := json.Unmarshal(body, &probe); err != nil || probe.WillRetry == nil {
		return true
	}
	return *probe.WillRetry
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedSetKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
