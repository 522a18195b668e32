// Package aggregate reports a merged "dirty" status across every
// independent Connection a host application runs, per spec §5: mail,
// contacts, calendar, and any peripheral data group progress independently,
// but a caller deciding whether it is safe to e.g. navigate away or shut
// down needs one answer spanning all of them.
//
// Grounded on the teacher's plugin.Registry, which aggregates per-plugin
// state (capabilities, allowed principals) across many independently
// loaded sources by merging into one registry-wide view; this package
// applies the same merge-across-sources shape to Connection.IsDirty()
// instead of plugin capability maps.
package aggregate

import "context"

// DirtySource is the one signal an aggregate needs from each member: does
// it have unsent mutations or an in-flight commit right now. Connection
// satisfies this directly via its IsDirty method.
type DirtySource interface {
	IsDirty() bool
}

// Uploader reports whether a data group has an active upload in flight;
// blob upload tracking lives outside Connection (spec's upload module is
// out of scope here), so this is a second, optional narrow seam a member
// can also satisfy.
type Uploader interface {
	HasActiveUpload() bool
}

// Aggregate reports a merged dirty status across a set of named data-group
// members. It holds no other state of its own — whether a member is dirty
// right now is always read live from the member, never cached.
type Aggregate struct {
	members map[string]DirtySource
}

// New creates an empty Aggregate.
func New() *Aggregate {
	return &Aggregate{members: make(map[string]DirtySource)}
}

// Register adds (or replaces) the member for a data group, e.g.
// "urn:ietf:params:jmap:mail" -> that group's Connection.
func (a *Aggregate) Register(dataGroup string, member DirtySource) {
	a.members[dataGroup] = member
}

// IsDirty reports true if any registered member is dirty: has an in-flight
// set/copy (per Connection.IsDirty) or, for members that also implement
// Uploader, an active upload.
func (a *Aggregate) IsDirty(ctx context.Context) bool {
	for _, member := range a.members {
		if member.IsDirty() {
			return true
		}
		if uploader, ok := member.(Uploader); ok && uploader.HasActiveUpload() {
			return true
		}
	}
	return false
}

// DirtyDataGroups returns the data groups currently reporting dirty, sorted
// by nothing in particular — callers needing a stable order should sort the
// result themselves; this mirrors the unspecified-order contract recurrence
// and connection already carry for other enumeration results.
func (a *Aggregate) DirtyDataGroups(ctx context.Context) []string {
	var dirty []string
	for dataGroup, member := range a.members {
		if member.IsDirty() {
			dirty = append(dirty, dataGroup)
			continue
		}
		if uploader, ok := member.(Uploader); ok && uploader.HasActiveUpload() {
			dirty = append(dirty, dataGroup)
		}
	}
	return dirty
}
