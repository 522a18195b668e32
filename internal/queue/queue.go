// Package queue holds the per-Connection pending work a JMAP engine
// accumulates between run-loop ticks: method calls, callbacks, query
// fetches, and per-(account,type) fetch/refresh requests.
package queue

import "github.com/jmap-go/connection-core/pkg/jmapwire"

// FetchKind distinguishes the three shapes a pending fetch/refresh can take.
type FetchKind int

const (
	// FetchAll requests every record of a type (value is nil in spec terms).
	FetchAll FetchKind = iota
	// FetchFromState requests changes since a given state string.
	FetchFromState
	// FetchTargeted requests only specific record ids.
	FetchTargeted
)

// FetchSpec is the innermost value of typesToFetch/typesToRefresh and
// recordsToFetch/recordsToRefresh: either "fetch everything", "refresh from
// this state", or "fetch exactly these ids".
type FetchSpec struct {
	Kind  FetchKind
	State string
	IDs   map[string]bool
}

// Targeted builds a FetchSpec naming specific record ids.
func Targeted(ids ...string) FetchSpec {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return FetchSpec{Kind: FetchTargeted, IDs: set}
}

// FromState builds a FetchSpec requesting changes since state.
func FromState(state string) FetchSpec {
	return FetchSpec{Kind: FetchFromState, State: state}
}

// All builds a FetchSpec requesting every record of a type.
func All() FetchSpec {
	return FetchSpec{Kind: FetchAll}
}

// merge combines an additional spec into an existing one at the same
// (accountId, typeId) slot. A FetchAll always wins. Two FetchTargeted specs
// union their ids. Anything else keeps the most recent state/kind.
func (s FetchSpec) merge(other FetchSpec) FetchSpec {
	if s.Kind == FetchAll || other.Kind == FetchAll {
		return All()
	}
	if s.Kind == FetchTargeted && other.Kind == FetchTargeted {
		merged := make(map[string]bool, len(s.IDs)+len(other.IDs))
		for id := range s.IDs {
			merged[id] = true
		}
		for id := range other.IDs {
			merged[id] = true
		}
		return FetchSpec{Kind: FetchTargeted, IDs: merged}
	}
	return other
}

// Callback is a registered (clientId, fn) pair awaiting its matching
// response. An empty ClientID means "call unconditionally, with no bound
// response" once the batch completes.
type Callback struct {
	ClientID string
	Fn       func(response jmapwire.MethodResponse, requestName string, requestArgs map[string]any)
}

// TypeTable is accountId -> typeId -> FetchSpec.
type TypeTable map[string]map[string]FetchSpec

// Queues holds one Connection's accumulated pending work.
type Queues struct {
	SendQueue      []jmapwire.MethodCall
	CallbackQueue  []Callback
	QueriesToFetch map[string]Query

	TypesToFetch     TypeTable
	TypesToRefresh   TypeTable
	RecordsToFetch   TypeTable
	RecordsToRefresh TypeTable
}

// Query is a pending query fetch: a (type, accountId, filter/sort) the
// Connection must turn into a "<Type>/query" (and possibly "<Type>/get" for
// the matched ids) call.
type Query struct {
	QueryID   string
	AccountID string
	TypeID    string
	Args      map[string]any
}

// New returns an empty Queues ready to accumulate work.
func New() *Queues {
	return &Queues{
		QueriesToFetch:   make(map[string]Query),
		TypesToFetch:     make(TypeTable),
		TypesToRefresh:   make(TypeTable),
		RecordsToFetch:   make(TypeTable),
		RecordsToRefresh: make(TypeTable),
	}
}

// IsEmpty reports whether there is no pending work at all.
func (q *Queues) IsEmpty() bool {
	return len(q.SendQueue) == 0 &&
		len(q.CallbackQueue) == 0 &&
		len(q.QueriesToFetch) == 0 &&
		len(q.TypesToFetch) == 0 &&
		len(q.TypesToRefresh) == 0 &&
		len(q.RecordsToFetch) == 0 &&
		len(q.RecordsToRefresh) == 0
}

// AppendCall enqueues a direct method call, tagging it with its decimal
// index within the eventual batch is the caller's job — queues only store
// calls in append order, which the pipeline uses to assign client tags.
func (q *Queues) AppendCall(call jmapwire.MethodCall) {
	q.SendQueue = append(q.SendQueue, call)
}

// AppendCallback registers fn to run once the response for clientID (or the
// whole batch, if clientID is empty) is known.
func (q *Queues) AppendCallback(clientID string, fn func(response jmapwire.MethodResponse, requestName string, requestArgs map[string]any)) {
	q.CallbackQueue = append(q.CallbackQueue, Callback{ClientID: clientID, Fn: fn})
}

// AddQuery enqueues a query fetch.
func (q *Queues) AddQuery(query Query) {
	q.QueriesToFetch[query.QueryID] = query
}

func addFetch(table TypeTable, accountID, typeID string, spec FetchSpec) {
	byType, ok := table[accountID]
	if !ok {
		byType = make(map[string]FetchSpec)
		table[accountID] = byType
	}
	if existing, ok := byType[typeID]; ok {
		byType[typeID] = existing.merge(spec)
		return
	}
	byType[typeID] = spec
}

// AddTypeFetch queues a whole-type or targeted type-level fetch.
func (q *Queues) AddTypeFetch(accountID, typeID string, spec FetchSpec) {
	addFetch(q.TypesToFetch, accountID, typeID, spec)
}

// AddTypeRefresh queues a type-level refresh from a known state.
func (q *Queues) AddTypeRefresh(accountID, typeID string, spec FetchSpec) {
	addFetch(q.TypesToRefresh, accountID, typeID, spec)
}

// AddRecordFetch queues a record-level fetch.
func (q *Queues) AddRecordFetch(accountID, typeID string, spec FetchSpec) {
	addFetch(q.RecordsToFetch, accountID, typeID, spec)
}

// AddRecordRefresh queues a record-level refresh.
func (q *Queues) AddRecordRefresh(accountID, typeID string, spec FetchSpec) {
	addFetch(q.RecordsToRefresh, accountID, typeID, spec)
}

// DrainQueries removes and returns all pending queries, in no particular
// order — the pipeline is responsible for any ordering guarantee across
// queries.
func (q *Queues) DrainQueries() []Query {
	queries := make([]Query, 0, len(q.QueriesToFetch))
	for _, query := range q.QueriesToFetch {
		queries = append(queries, query)
	}
	q.QueriesToFetch = make(map[string]Query)
	return queries
}

// DrainTypeFetches removes and returns all pending type-level fetches.
func (q *Queues) DrainTypeFetches() TypeTable {
	table := q.TypesToFetch
	q.TypesToFetch = make(TypeTable)
	return table
}

// DrainTypeRefreshes removes and returns all pending type-level refreshes.
func (q *Queues) DrainTypeRefreshes() TypeTable {
	table := q.TypesToRefresh
	q.TypesToRefresh = make(TypeTable)
	return table
}

// DrainRecordFetches removes and returns all pending record-level fetches.
func (q *Queues) DrainRecordFetches() TypeTable {
	table := q.RecordsToFetch
	q.RecordsToFetch = make(TypeTable)
	return table
}

// DrainRecordRefreshes removes and returns all pending record-level refreshes.
func (q *Queues) DrainRecordRefreshes() TypeTable {
	table := q.RecordsToRefresh
	q.RecordsToRefresh = make(TypeTable)
	return table
}
