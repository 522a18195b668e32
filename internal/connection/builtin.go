package connection

import (
	"github.com/jmap-go/connection-core/internal/setbuilder"
	"github.com/jmap-go/connection-core/pkg/jmapwire"
)

// builtinFetch builds the "<Type>/get" call a string-named handler
// (registry.TypeHandlers{BuiltinName: "Email"}) resolves to. A nil ids
// slice requests every record of the type.
func builtinFetch(typeName, accountID string, ids []string) jmapwire.MethodCall {
	args := map[string]any{"accountId": accountID}
	if ids != nil {
		args["ids"] = ids
	} else {
		args["ids"] = nil
	}
	return jmapwire.MethodCall{Name: typeName + "/get", Arguments: args}
}

// builtinRefresh builds the "<Type>/changes" call a string-named handler
// resolves to when refreshing from a known state.
func builtinRefresh(typeName, accountID, state string, maxChanges int) jmapwire.MethodCall {
	args := map[string]any{"accountId": accountID, "sinceState": state}
	if maxChanges > 0 {
		args["maxChanges"] = maxChanges
	}
	return jmapwire.MethodCall{Name: typeName + "/changes", Arguments: args}
}

// builtinCommit builds the "<Type>/set" call plus one "<Type>/copy" per
// moveFromAccount source, per spec §4.2's commitType rule.
func builtinCommit(typeName string, change setbuilder.ChangeSet) []jmapwire.MethodCall {
	var calls []jmapwire.MethodCall

	if args, ok := setbuilder.BuildSetRequest(change, false); ok {
		calls = append(calls, jmapwire.MethodCall{Name: typeName + "/set", Arguments: args})
	}

	for _, source := range change.MoveFromAccount {
		copyArgs := setbuilder.BuildCopyRequest(change.AccountID, source)
		calls = append(calls, jmapwire.MethodCall{Name: typeName + "/copy", Arguments: copyArgs})
	}

	return calls
}
