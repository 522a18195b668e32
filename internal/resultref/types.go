// Package resultref builds and inspects JMAP result references (RFC 8620
// §3.7) — the "#"-prefixed argument keys a client uses to chain a method
// call off an earlier call's response without waiting for a round trip.
// The engine constructs and scans these, and EvaluatePath checks a
// reference's path against a response it already holds; resolving a
// reference for the outgoing call is the server's job.
package resultref

import "strings"

// Reference is the value side of a result reference argument: given
// {"#ids": Reference{...}}, the server substitutes Path evaluated against
// the response named ResultOf.
type Reference struct {
	ResultOf string `json:"resultOf"`
	Name     string `json:"name"`
	Path     string `json:"path"`
}

// New builds a result reference pointing at an earlier call's response.
func New(resultOf, name, path string) Reference {
	return Reference{ResultOf: resultOf, Name: name, Path: path}
}

// Arg wraps a Reference as the "#"-prefixed argument entry the caller should
// merge into a method call's arguments map.
func Arg(key string, ref Reference) (string, map[string]any) {
	return "#" + key, map[string]any{
		"resultOf": ref.ResultOf,
		"name":     ref.Name,
		"path":     ref.Path,
	}
}

// HasReference reports whether args contains any "#"-prefixed key, i.e.
// whether this call depends on an earlier call's response.
func HasReference(args map[string]any) bool {
	for key := range args {
		if strings.HasPrefix(key, "#") {
			return true
		}
	}
	return false
}

// ResultOfTargets returns the resultOf client IDs named by every "#"-prefixed
// argument in args, for diagnostics and testing.
func ResultOfTargets(args map[string]any) []string {
	var targets []string
	for key, value := range args {
		if !strings.HasPrefix(key, "#") {
			continue
		}
		obj, ok := value.(map[string]any)
		if !ok {
			continue
		}
		if resultOf, ok := obj["resultOf"].(string); ok {
			targets = append(targets, resultOf)
		}
	}
	return targets
}

// References decodes every "#"-prefixed argument in args back into a
// Reference, keyed by its argument name with the leading "#" stripped
// (e.g. "#ids" -> "ids"). Malformed entries (not the resultOf/name/path
// shape Arg produces) are skipped.
func References(args map[string]any) map[string]Reference {
	refs := make(map[string]Reference)
	for key, value := range args {
		if !strings.HasPrefix(key, "#") {
			continue
		}
		obj, ok := value.(map[string]any)
		if !ok {
			continue
		}
		resultOf, _ := obj["resultOf"].(string)
		name, _ := obj["name"].(string)
		path, _ := obj["path"].(string)
		if resultOf == "" || path == "" {
			continue
		}
		refs[strings.TrimPrefix(key, "#")] = Reference{ResultOf: resultOf, Name: name, Path: path}
	}
	return refs
}
