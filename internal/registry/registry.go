// Package registry maps record types to the handlers that fetch, refresh,
// commit, and query them, and maps method/error names to the functions that
// dispatch their responses. Composition is explicit copy-on-write layering
// over a base registry rather than prototype inheritance (spec REDESIGN
// FLAGS §9).
package registry

import (
	"context"

	"github.com/jmap-go/connection-core/internal/setbuilder"
	"github.com/jmap-go/connection-core/pkg/jmapwire"
)

// FetchFunc builds the method call(s) needed to fetch or refresh a type.
// ids is nil for a whole-type fetch; state is empty unless this is a
// changes-based refresh.
type FetchFunc func(ctx context.Context, accountID string, ids []string, state string) []jmapwire.MethodCall

// CommitFunc builds the method call(s) needed to commit a change set.
type CommitFunc func(ctx context.Context, change setbuilder.ChangeSet) []jmapwire.MethodCall

// QueryFunc builds the method call(s) needed to run a query fetch.
type QueryFunc func(ctx context.Context, accountID string, queryArgs map[string]any) []jmapwire.MethodCall

// ResponseHandler processes one method response's arguments against the
// store. requestArgs is the arguments of the request this response answers,
// needed to recover context (e.g. accountId) the response itself omits.
type ResponseHandler func(ctx context.Context, args map[string]any, requestName string, requestArgs map[string]any) error

// TypeHandlers bundles the handlers registered for one record type. A nil
// field falls back to the built-in fetchType/refreshType/commitType helper
// named by BuiltinName, matching the spec's "string vs function" handler
// shape — BuiltinName is what a string registration ("Foo") names.
type TypeHandlers struct {
	BuiltinName string
	Fetch       FetchFunc
	Refresh     FetchFunc
	Commit      CommitFunc
	Query       QueryFunc
	Precedence  int
}

// Registry owns the method-type → handler mapping and the response-method →
// handler mapping for one Connection (or data group of Connections sharing
// defaults).
type Registry struct {
	base             *Registry
	ownTypes         map[string]bool
	ownResponses     map[string]bool
	types            map[string]TypeHandlers
	responseHandlers map[string]ResponseHandler
}

// New creates an empty registry with no base to fall back to.
func New() *Registry {
	return &Registry{
		types:            make(map[string]TypeHandlers),
		responseHandlers: make(map[string]ResponseHandler),
	}
}

// NewLayered creates a registry that shadows base: lookups fall through to
// base for any type or response name this registry has not registered
// itself. Mutating the returned registry never affects base.
func NewLayered(base *Registry) *Registry {
	return &Registry{
		base:             base,
		ownTypes:         make(map[string]bool),
		ownResponses:     make(map[string]bool),
		types:            make(map[string]TypeHandlers),
		responseHandlers: make(map[string]ResponseHandler),
	}
}

// Handle registers (or replaces) the handlers for a record type. This is
// the copy-on-write point: the first call on a layered registry makes it
// independent of base for this type name; later mutations on base do not
// leak in, and later mutations here do not leak out.
func (r *Registry) Handle(typeName string, handlers TypeHandlers) {
	r.types[typeName] = handlers
	if r.ownTypes != nil {
		r.ownTypes[typeName] = true
	}
}

// HandleResponse registers a named response handler (a method name, or a
// layered error key — see ErrorHandlerKeys).
func (r *Registry) HandleResponse(name string, handler ResponseHandler) {
	r.responseHandlers[name] = handler
	if r.ownResponses != nil {
		r.ownResponses[name] = true
	}
}

// TypeHandlersFor returns the handlers registered for typeName, searching
// this registry's own registrations first and falling back to base.
func (r *Registry) TypeHandlersFor(typeName string) (TypeHandlers, bool) {
	if h, ok := r.types[typeName]; ok {
		return h, true
	}
	if r.base != nil {
		return r.base.TypeHandlersFor(typeName)
	}
	return TypeHandlers{}, false
}

// ResponseHandlerFor returns the response handler registered for name,
// searching this registry first and falling back to base.
func (r *Registry) ResponseHandlerFor(name string) (ResponseHandler, bool) {
	if h, ok := r.responseHandlers[name]; ok {
		return h, true
	}
	if r.base != nil {
		return r.base.ResponseHandlerFor(name)
	}
	return nil, false
}

// ErrorHandlerKeys returns the layered lookup keys for a method-level error,
// most specific first, per spec §7: error_<Method>_<type> →
// error_<Method> → error_/<verb> → error_<type>.
func ErrorHandlerKeys(method, errType string) []string {
	verb := method
	if idx := lastSlash(method); idx >= 0 {
		verb = method[idx:]
	}
	return []string{
		"error_" + method + "_" + errType,
		"error_" + method,
		"error_" + verb,
		"error_" + errType,
	}
}

// ResolveErrorHandler walks ErrorHandlerKeys in order and returns the first
// one registered, or ok=false if none match (the "unhandled" case in spec §7).
func (r *Registry) ResolveErrorHandler(method, errType string) (ResponseHandler, bool) {
	for _, key := range ErrorHandlerKeys(method, errType) {
		if h, ok := r.ResponseHandlerFor(key); ok {
			return h, true
		}
	}
	return nil, false
}

func lastSlash(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '/' {
			return i
		}
	}
	return -1
}
