// Package setbuilder shapes Foo/set and Foo/copy request arguments from a
// record store's pending change set.
package setbuilder

import (
	"github.com/google/uuid"
	"github.com/jmap-go/connection-core/internal/patch"
)

// Update describes one record's pending update: its committed (last known
// server) state, its current (locally mutated) state, and which top-level
// attributes actually changed.
type Update struct {
	StoreKey  string
	Committed map[string]any
	Record    map[string]any
	Changes   map[string]bool
}

// MoveSource describes records being moved into this account from another,
// grouped by the account they are moving from.
type MoveSource struct {
	FromAccountID string
	Creates       map[string]map[string]any // storeKey -> record, sent with noPatch semantics
}

// ChangeSet is the input to a commit: the create/update/destroy buckets for
// one record type on one account, plus any cross-account moves.
type ChangeSet struct {
	AccountID       string
	PrimaryKey      string
	Create          map[string]map[string]any // storeKey -> record
	Update          []Update
	DestroyIDs      []string
	MoveFromAccount []MoveSource
	State           string
}

// NewCreationID mints a client-side creation id for a new record's create
// bucket entry, before the server has assigned it a real id. RFC 8620 only
// requires these to be unique within the request; a random UUID guarantees
// that across concurrent commits without the store needing a counter.
func NewCreationID() string {
	return uuid.NewString()
}

// BuildSetRequest shapes the create/update/destroy arguments for a
// "<Type>/set" call. It returns (nil, false) if every bucket is empty.
//
// When noPatch is true, update values are sent as whole replacement records
// instead of being diffed into patches.
func BuildSetRequest(change ChangeSet, noPatch bool) (map[string]any, bool) {
	args := map[string]any{}
	nonEmpty := false

	if len(change.Create) > 0 {
		args["create"] = change.Create
		nonEmpty = true
	}

	if len(change.Update) > 0 {
		updates := make(map[string]map[string]any, len(change.Update))
		for _, u := range change.Update {
			if noPatch {
				updates[u.StoreKey] = u.Record
				continue
			}
			updates[u.StoreKey] = diffUpdate(u)
		}
		args["update"] = updates
		nonEmpty = true
	}

	if len(change.DestroyIDs) > 0 {
		args["destroy"] = change.DestroyIDs
		nonEmpty = true
	}

	if !nonEmpty {
		return nil, false
	}

	args["accountId"] = change.AccountID
	return args, true
}

// diffUpdate builds the patch map for one record's update: every attribute
// marked changed (except accountId) is diffed between committed and current.
func diffUpdate(u Update) map[string]any {
	patches := map[string]any{}
	for attr, changed := range u.Changes {
		if !changed || attr == "accountId" {
			continue
		}
		patch.MakePatches(patch.EncodeComponent(attr), patches, u.Committed[attr], u.Record[attr])
	}
	return patches
}

// BuildCopyRequest shapes one "<Type>/copy" call for a moveFromAccount
// source: creates carry whole record values (noPatch) and
// onSuccessDestroyOriginal is always set so the server removes the
// original once the copy lands.
func BuildCopyRequest(accountID string, source MoveSource) map[string]any {
	return map[string]any{
		"fromAccountId":            source.FromAccountID,
		"accountId":                accountID,
		"create":                   source.Creates,
		"onSuccessDestroyOriginal": true,
	}
}
