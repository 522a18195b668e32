package connection

import (
	"context"
	"log/slog"
	"strconv"
	"strings"

	"github.com/jmap-go/connection-core/internal/resultref"
	"github.com/jmap-go/connection-core/pkg/jmapwire"
)

// handleSuccess processes one page's HTTP 2xx response: session-state
// refresh, the connection-failure catch-all, per-response routing, and —
// once every page of the batch has landed — callback scheduling.
func (c *Connection) handleSuccess(ctx context.Context, pageEnd int, wireResp jmapwire.Response) error {
	if wireResp.SessionState != "" && wireResp.SessionState != c.sessionState {
		c.sessionState = wireResp.SessionState
		go func() {
			_ = c.Auth.FetchSession(context.Background())
		}()
	}

	if len(wireResp.MethodResponses) == 0 || allServerUnavailable(wireResp.MethodResponses) {
		c.Auth.Failed(ctx, 0)
		c.inFlight = false
		return nil
	}

	for _, raw := range wireResp.MethodResponses {
		resp := jmapwire.DecodeResponse(raw[:])
		// clientId is the call's absolute index in the whole batch (assigned
		// at append time), not an index into this page's slice.
		idx, err := strconv.Atoi(resp.ClientID)
		if err != nil || idx < 0 || idx >= len(c.inFlightRemoteCalls) {
			c.logger().WarnContext(ctx, "response clientId does not correlate to a sent call",
				slog.String("client_id", resp.ClientID))
			continue
		}
		c.responseByTag[resp.ClientID] = resp
		call := c.inFlightRemoteCalls[idx]
		c.routeResponse(ctx, resp, call.Name, call.Arguments)
	}

	if c.inFlightCtx != nil {
		for k, v := range wireResp.CreatedIDs {
			c.inFlightCtx.createdIDs[k] = v
		}
		c.inFlightCtx.doneCount = pageEnd
		if pageEnd < len(c.inFlightRemoteCalls) {
			return c.sendPage(ctx)
		}
	}

	c.Auth.Succeeded(ctx)
	c.resetBackoff()
	c.scheduleCallbacks(ctx)
	c.finishBatch()
	return nil
}

func allServerUnavailable(raw [][3]any) bool {
	for _, r := range raw {
		resp := jmapwire.DecodeResponse(r[:])
		if resp.ErrorType() != "serverUnavailable" {
			return false
		}
		willRetry, _ := resp.Arguments["willRetry"].(bool)
		if !willRetry {
			return false
		}
	}
	return true
}

// validateBackReferences sanity-checks every "#"-prefixed argument in page
// against c.responseByTag: for any back-reference whose target already
// landed (an earlier page of this same batch), it confirms the reference's
// path actually resolves against that response and logs a warning if not.
// A reference targeting a call in this same page or a call not yet sent
// has no landed response to check against — that's resolved server-side,
// per resultref's package doc.
func (c *Connection) validateBackReferences(ctx context.Context, page []jmapwire.MethodCall) {
	for _, call := range page {
		for argName, ref := range resultref.References(call.Arguments) {
			resp, known := c.responseByTag[ref.ResultOf]
			if !known {
				continue
			}
			if _, err := resultref.EvaluatePath(resp.Arguments, ref.Path); err != nil {
				c.logger().WarnContext(ctx, "back-reference does not resolve against its landed target response",
					slog.String("call", call.Name),
					slog.String("argument", argName),
					slog.String("result_of", ref.ResultOf),
					slog.String("path", ref.Path),
					slog.String("error", err.Error()))
			}
		}
	}
}

// routeResponse dispatches one method response per spec §7: method-level
// errors by layered lookup with a generic set/copy fallback, successful
// responses to the registered response handler, and hasMoreChanges
// escalation for "<Type>/changes" replies.
func (c *Connection) routeResponse(ctx context.Context, resp jmapwire.MethodResponse, requestName string, requestArgs map[string]any) {
	if resp.IsError() {
		errType := resp.ErrorType()

		if errType == "cannotCalculateChanges" && strings.HasSuffix(requestName, "/changes") {
			c.recoverFromCannotCalculateChanges(ctx, requestName, requestArgs, resp)
			return
		}

		if handler, ok := c.Registry.ResolveErrorHandler(requestName, errType); ok {
			c.safeInvoke(ctx, handler, resp.Arguments, requestName, requestArgs)
			return
		}

		c.logger().WarnContext(ctx, "unhandled method error",
			slog.String("request", requestName), slog.String("error_type", errType))

		if fallbackArgs := synthesizeSetFailure(requestName, errType, requestArgs); fallbackArgs != nil {
			if handler, ok := c.Registry.ResponseHandlerFor(requestName); ok {
				c.safeInvoke(ctx, handler, fallbackArgs, requestName, requestArgs)
			}
		}
		return
	}

	if handler, ok := c.Registry.ResponseHandlerFor(requestName); ok {
		c.safeInvoke(ctx, handler, resp.Arguments, requestName, requestArgs)
	}

	c.checkHasMoreChanges(ctx, resp, requestName, requestArgs)
}

// synthesizeSetFailure builds the generic notCreated/notUpdated/notDestroyed
// fallback for an unhandled error on a "/set" or "/copy" call, attributing
// the error to every id the caller attempted, per spec §7 item 3.
func synthesizeSetFailure(requestName, errType string, requestArgs map[string]any) map[string]any {
	if !strings.HasSuffix(requestName, "/set") && !strings.HasSuffix(requestName, "/copy") {
		return nil
	}

	errObj := map[string]any{"type": errType}
	args := map[string]any{}

	if create, ok := requestArgs["create"].(map[string]map[string]any); ok && len(create) > 0 {
		notCreated := map[string]any{}
		for id := range create {
			notCreated[id] = errObj
		}
		args["notCreated"] = notCreated
	}
	if update, ok := requestArgs["update"].(map[string]map[string]any); ok && len(update) > 0 {
		notUpdated := map[string]any{}
		for id := range update {
			notUpdated[id] = errObj
		}
		args["notUpdated"] = notUpdated
	}
	if destroy, ok := requestArgs["destroy"].([]string); ok && len(destroy) > 0 {
		notDestroyed := map[string]any{}
		for _, id := range destroy {
			notDestroyed[id] = errObj
		}
		args["notDestroyed"] = notDestroyed
	}

	if len(args) == 0 {
		return nil
	}
	return args
}

// checkHasMoreChanges implements the adaptive maxChanges escalation of
// spec §4.4: on hasMoreChanges, queue a refresh at the next schedule rung,
// or force a full resync once the ceiling is reached.
func (c *Connection) checkHasMoreChanges(ctx context.Context, resp jmapwire.MethodResponse, requestName string, requestArgs map[string]any) {
	if !strings.HasSuffix(requestName, "/changes") {
		return
	}
	hasMore, _ := resp.Arguments["hasMoreChanges"].(bool)
	if !hasMore {
		return
	}

	typeName := strings.TrimSuffix(requestName, "/changes")
	accountID, _ := requestArgs["accountId"].(string)
	newState, _ := resp.Arguments["newState"].(string)

	state := c.changesStateFor(accountID, typeName)
	if _, maxed := state.escalate(); maxed {
		c.logger().WarnContext(ctx, "maxChanges ceiling reached, forcing full resync",
			slog.String("type", typeName), slog.String("account_id", accountID))
		state.reset()
		c.forceResync(ctx, typeName, accountID, newState, requestName)
		return
	}

	c.RefreshType(accountID, typeName, newState)
}

// recoverFromCannotCalculateChanges implements spec §4.4's state-resync
// error path.
func (c *Connection) recoverFromCannotCalculateChanges(ctx context.Context, requestName string, requestArgs map[string]any, resp jmapwire.MethodResponse) {
	typeName := strings.TrimSuffix(requestName, "/changes")
	accountID, _ := requestArgs["accountId"].(string)
	newState, _ := resp.Arguments["newState"].(string)

	c.changesStateFor(accountID, typeName).reset()
	c.forceResync(ctx, typeName, accountID, newState, requestName)
}

// forceResync routes a synthetic "everything changed, adopt newState"
// response through the type's ordinary "<Type>/changes" response handler,
// so the store's resync path is the same code the normal success case
// uses, just fed a forced shape (spec §4.4: "mark all ... obsolete ... tell
// the store to adopt the new state with no updated/destroyed lists").
func (c *Connection) forceResync(ctx context.Context, typeName, accountID, newState, requestName string) {
	handler, ok := c.Registry.ResponseHandlerFor(requestName)
	if !ok {
		return
	}
	args := map[string]any{
		"accountId": accountID,
		"updated":   nil,
		"destroyed": nil,
		"newState":  newState,
	}
	c.safeInvoke(ctx, handler, args, requestName, nil)
}

// scheduleCallbacks runs the callback queue on the host's "middle" phase
// (spec §4.3/§5): every callback's matching response is located by its
// clientId (or the error sentinel, if the response never arrived), and
// unconditional callbacks (empty clientId) run with no bound context.
func (c *Connection) scheduleCallbacks(ctx context.Context) {
	run := func() {
		for _, cb := range c.inFlightCallbacks {
			if cb.ClientID == "" {
				c.safeCallback(cb.Fn, jmapwire.MethodResponse{}, "", nil)
				continue
			}

			resp, ok := c.responseByTag[cb.ClientID]
			if !ok {
				resp = jmapwire.ErrorResponse("error", "", cb.ClientID)
			}

			var requestName string
			var requestArgs map[string]any
			if idx, err := strconv.Atoi(cb.ClientID); err == nil && idx >= 0 && idx < len(c.inFlightRemoteCalls) {
				requestName = c.inFlightRemoteCalls[idx].Name
				requestArgs = c.inFlightRemoteCalls[idx].Arguments
			}

			c.safeCallback(cb.Fn, resp, requestName, requestArgs)
		}
	}

	if c.ScheduleMiddle != nil {
		c.ScheduleMiddle(run)
		return
	}
	run()
}

func (c *Connection) safeCallback(fn func(resp jmapwire.MethodResponse, requestName string, requestArgs map[string]any), resp jmapwire.MethodResponse, requestName string, requestArgs map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			c.logger().Error("callback panicked", slog.Any("recovered", r))
		}
	}()
	fn(resp, requestName, requestArgs)
}

func (c *Connection) safeInvoke(ctx context.Context, handler func(ctx context.Context, args map[string]any, requestName string, requestArgs map[string]any) error, args map[string]any, requestName string, requestArgs map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			c.logger().ErrorContext(ctx, "response handler panicked",
				slog.String("request", requestName), slog.Any("recovered", r))
		}
	}()
	if err := handler(ctx, args, requestName, requestArgs); err != nil {
		c.logger().ErrorContext(ctx, "response handler returned an error",
			slog.String("request", requestName), slog.String("error", err.Error()))
	}
}

// finishBatch clears all in-flight state once a (possibly paginated) batch
// has fully completed.
func (c *Connection) finishBatch() {
	c.inFlight = false
	c.inFlightRemoteCalls = nil
	c.inFlightCallbacks = nil
	c.inFlightCtx = nil
	c.responseByTag = nil
}
