// Package storeadaptor translates JMAP method responses into calls against a
// consumer-supplied record store, and registers those translations as
// response handlers on an internal/registry.Registry. It is the seam between
// the wire-shaped maps the connection pipeline deals in and whatever typed
// storage a caller actually keeps its records in — the adaptor itself holds
// no state of its own.
package storeadaptor

import (
	"context"
	"fmt"

	"github.com/jmap-go/connection-core/internal/registry"
)

// Store is the narrow contract a record store must satisfy for one data
// group's types. Method names mirror the store interface named in spec §6,
// translated to Go's exported-method convention.
type Store interface {
	// DidFetchRecords delivers the full record list from a "<Type>/get" with
	// no explicit property list (or one that returned every property).
	DidFetchRecords(ctx context.Context, accountID, typeName string, records []map[string]any, state string)
	// DidFetchPartialRecords delivers records fetched with an explicit
	// properties list, alongside ids the server reported as notFound.
	DidFetchPartialRecords(ctx context.Context, accountID, typeName string, records []map[string]any, notFound []string, state string)
	// CouldNotFindRecords reports ids a "<Type>/get" could not resolve at all.
	CouldNotFindRecords(ctx context.Context, accountID, typeName string, ids []string)
	// DidFetchUpdates delivers a "<Type>/changes" result: updated and
	// destroyed ids plus the new state string. A nil updated/destroyed pair
	// signals a forced full reconciliation (spec §4.4's state-resync path).
	DidFetchUpdates(ctx context.Context, accountID, typeName string, updated, destroyed []string, newState string)

	// DidCommitCreate tells the store the server minted serverID for the
	// record previously tracked under storeKey.
	DidCommitCreate(ctx context.Context, accountID, typeName, storeKey, serverID string, record map[string]any)
	DidCommitUpdate(ctx context.Context, accountID, typeName, storeKey string)
	DidCommitDestroy(ctx context.Context, accountID, typeName, storeKey string)

	// DidNotCreate/Update/Destroy deliver a per-record commit failure.
	// isPermanent distinguishes a server-attributed error (true) from one
	// synthesized by the generic error fallback (false is never produced by
	// this adaptor; it exists so a store can special-case synthesized
	// failures if it chooses to retry them).
	DidNotCreate(ctx context.Context, accountID, typeName, storeKey string, methodErr MethodError, isPermanent bool)
	DidNotUpdate(ctx context.Context, accountID, typeName, storeKey string, methodErr MethodError, isPermanent bool)
	DidNotDestroy(ctx context.Context, accountID, typeName, storeKey string, methodErr MethodError, isPermanent bool)

	// CommitDidChangeState adopts the state string a "<Type>/set" response
	// carries once every create/update/destroy in the batch has been applied.
	CommitDidChangeState(ctx context.Context, accountID, typeName, newState string)

	// StoreKey resolves a server-assigned id to this store's surrogate key
	// for the record, stable across create-before-commit.
	StoreKey(ctx context.Context, accountID, typeName, id string) string
	// TypeState returns the state string this store last adopted for
	// (accountID, typeName), used to decide whether a changes fetch is due.
	TypeState(ctx context.Context, accountID, typeName string) string
}

// MethodError mirrors connection.MethodError without importing it, so this
// package has no dependency on the connection package's internals — it is
// wired in by the caller, not by connection itself.
type MethodError struct {
	Type        string
	Description string
}

func (e MethodError) Error() string {
	if e.Description == "" {
		return e.Type
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Description)
}

// Adaptor registers Store-backed response handlers for one record type onto
// a registry. Grounded on the teacher's blobcomplete.Handler: a thin struct
// composing a narrow storage interface, translating one method family's
// wire shape into typed calls.
type Adaptor struct {
	TypeName string
	Store    Store
}

// New creates an Adaptor for typeName backed by store.
func New(typeName string, store Store) *Adaptor {
	return &Adaptor{TypeName: typeName, Store: store}
}

// Register installs this adaptor's "<Type>/get", "<Type>/changes",
// "<Type>/set", and "<Type>/copy" response handlers on reg.
func (a *Adaptor) Register(reg *registry.Registry) {
	reg.HandleResponse(a.TypeName+"/get", a.handleGet)
	reg.HandleResponse(a.TypeName+"/changes", a.handleChanges)
	reg.HandleResponse(a.TypeName+"/set", a.handleSet)
	reg.HandleResponse(a.TypeName+"/copy", a.handleSet)
}

// handleGet translates a "<Type>/get" response into DidFetchRecords,
// DidFetchPartialRecords, or CouldNotFindRecords depending on whether the
// originating request named an explicit properties list.
func (a *Adaptor) handleGet(ctx context.Context, args map[string]any, requestName string, requestArgs map[string]any) error {
	accountID, _ := args["accountId"].(string)
	state, _ := args["state"].(string)

	list := toRecordList(args["list"])
	notFound := toStringSlice(args["notFound"])

	if len(list) == 0 && len(notFound) > 0 {
		a.Store.CouldNotFindRecords(ctx, accountID, a.TypeName, notFound)
		return nil
	}

	if _, explicitProperties := requestArgs["properties"]; explicitProperties {
		a.Store.DidFetchPartialRecords(ctx, accountID, a.TypeName, list, notFound, state)
		return nil
	}

	a.Store.DidFetchRecords(ctx, accountID, a.TypeName, list, state)
	if len(notFound) > 0 {
		a.Store.CouldNotFindRecords(ctx, accountID, a.TypeName, notFound)
	}
	return nil
}

// handleChanges translates a "<Type>/changes" response, including the
// synthetic resync shape connection.forceResync emits (updated/destroyed
// both nil) into DidFetchUpdates.
func (a *Adaptor) handleChanges(ctx context.Context, args map[string]any, requestName string, requestArgs map[string]any) error {
	accountID, _ := args["accountId"].(string)
	newState, _ := args["newState"].(string)
	if accountID == "" {
		accountID, _ = requestArgs["accountId"].(string)
	}

	var updated, destroyed []string
	if args["updated"] != nil {
		updated = toStringSlice(args["updated"])
	}
	if args["destroyed"] != nil {
		destroyed = toStringSlice(args["destroyed"])
	}

	a.Store.DidFetchUpdates(ctx, accountID, a.TypeName, updated, destroyed, newState)
	return nil
}

// handleSet translates a "<Type>/set" (or "<Type>/copy", same response
// shape) response's created/updated/destroyed/notCreated/notUpdated/
// notDestroyed maps into the matching per-record Store calls, then adopts
// the new state once every bucket has been applied.
func (a *Adaptor) handleSet(ctx context.Context, args map[string]any, requestName string, requestArgs map[string]any) error {
	accountID, _ := args["accountId"].(string)
	newState, _ := args["newState"].(string)

	if created, ok := args["created"].(map[string]any); ok {
		for storeKey, v := range created {
			record, _ := v.(map[string]any)
			serverID, _ := record["id"].(string)
			a.Store.DidCommitCreate(ctx, accountID, a.TypeName, storeKey, serverID, record)
		}
	}
	for _, storeKey := range toStringSlice(args["updated"]) {
		a.Store.DidCommitUpdate(ctx, accountID, a.TypeName, storeKey)
	}
	for _, storeKey := range toStringSlice(args["destroyed"]) {
		a.Store.DidCommitDestroy(ctx, accountID, a.TypeName, storeKey)
	}

	a.reportFailures(ctx, accountID, args["notCreated"], a.Store.DidNotCreate)
	a.reportFailures(ctx, accountID, args["notUpdated"], a.Store.DidNotUpdate)
	a.reportFailures(ctx, accountID, args["notDestroyed"], a.Store.DidNotDestroy)

	if newState != "" {
		a.Store.CommitDidChangeState(ctx, accountID, a.TypeName, newState)
	}
	return nil
}

type failureReporter func(ctx context.Context, accountID, typeName, storeKey string, methodErr MethodError, isPermanent bool)

// reportFailures walks one of notCreated/notUpdated/notDestroyed and invokes
// report for every entry, per spec §7 rule 4: delivered as sourceDidNot*
// with isPermanent=true and the server-supplied error object.
func (a *Adaptor) reportFailures(ctx context.Context, accountID string, raw any, report failureReporter) {
	bucket, ok := raw.(map[string]any)
	if !ok {
		return
	}
	for storeKey, v := range bucket {
		errObj, _ := v.(map[string]any)
		methodErr := MethodError{}
		if errObj != nil {
			methodErr.Type, _ = errObj["type"].(string)
			methodErr.Description, _ = errObj["description"].(string)
		}
		report(ctx, accountID, a.TypeName, storeKey, methodErr, true)
	}
}

func toRecordList(raw any) []map[string]any {
	items, ok := raw.([]any)
	if !ok {
		return nil
	}
	list := make([]map[string]any, 0, len(items))
	for _, item := range items {
		if m, ok := item.(map[string]any); ok {
			list = append(list, m)
		}
	}
	return list
}

func toStringSlice(raw any) []string {
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
