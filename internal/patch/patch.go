// Package patch builds and applies JSON-Pointer patches (RFC 6901) between
// JSON-like trees, as JMAP's Foo/set update argument requires.
package patch

import "strings"

// MakePatches recursively diffs original against current and records one
// entry per changed leaf into patches, keyed by a JSON-Pointer path rooted
// at basePath. It returns true if any patch was recorded.
//
// Arrays are never recursed into — a changed array is recorded wholesale
// under its own path, matching JMAP's "arrays are atomic" convention. Only
// plain object (map[string]any) values are walked key by key.
func MakePatches(basePath string, patches map[string]any, original, current any) bool {
	originalMap, originalIsMap := original.(map[string]any)
	currentMap, currentIsMap := current.(map[string]any)

	if originalIsMap && currentIsMap {
		didPatch := false
		for key := range unionKeys(originalMap, currentMap) {
			childPath := basePath + "/" + EncodeComponent(key)
			currentValue, present := currentMap[key]
			if !present {
				// Missing-in-current emits a deletion.
				patches[childPath] = nil
				didPatch = true
				continue
			}
			originalValue := originalMap[key]
			if MakePatches(childPath, patches, originalValue, currentValue) {
				didPatch = true
			}
		}
		return didPatch
	}

	if !deepEqual(original, current) {
		if current == nil {
			patches[basePath] = nil
		} else {
			patches[basePath] = current
		}
		return true
	}

	return false
}

// ApplyPatch applies a single JSON-Pointer patch to object. A nil patch
// value deletes the key; any other value replaces it. If any intermediate
// path component does not resolve to an object, the patch is silently
// dropped — per spec, invalid patches never surface as errors.
func ApplyPatch(object map[string]any, path string, value any) {
	components := splitPath(path)
	if len(components) == 0 {
		return
	}

	cursor := object
	for _, component := range components[:len(components)-1] {
		next, ok := cursor[component]
		if !ok {
			return
		}
		nextMap, ok := next.(map[string]any)
		if !ok {
			return
		}
		cursor = nextMap
	}

	lastKey := components[len(components)-1]
	if value == nil {
		delete(cursor, lastKey)
		return
	}
	cursor[lastKey] = value
}

// IsValidPatch reports whether path resolves within object, i.e. whether
// every intermediate component names an existing nested object. The final
// component need not already exist (a patch may create a new key).
func IsValidPatch(object map[string]any, path string) bool {
	components := splitPath(path)
	if len(components) == 0 {
		return false
	}

	cursor := object
	for _, component := range components[:len(components)-1] {
		next, ok := cursor[component]
		if !ok {
			return false
		}
		nextMap, ok := next.(map[string]any)
		if !ok {
			return false
		}
		cursor = nextMap
	}

	return true
}

// EncodeComponent escapes a single path component per RFC 6901: '~' becomes
// '~0' first, then '/' becomes '~1'. Order matters — reversing it would
// double-escape a literal "~1" that started life as a "/".
func EncodeComponent(component string) string {
	component = strings.ReplaceAll(component, "~", "~0")
	component = strings.ReplaceAll(component, "/", "~1")
	return component
}

// DecodeComponent reverses EncodeComponent: '~1' becomes '/' first, then
// '~0' becomes '~'.
func DecodeComponent(component string) string {
	component = strings.ReplaceAll(component, "~1", "/")
	component = strings.ReplaceAll(component, "~0", "~")
	return component
}

func splitPath(path string) []string {
	path = strings.TrimPrefix(path, "/")
	if path == "" {
		return nil
	}
	rawComponents := strings.Split(path, "/")
	components := make([]string, len(rawComponents))
	for i, c := range rawComponents {
		components[i] = DecodeComponent(c)
	}
	return components
}

func unionKeys(a, b map[string]any) map[string]struct{} {
	keys := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		keys[k] = struct{}{}
	}
	for k := range b {
		keys[k] = struct{}{}
	}
	return keys
}

// deepEqual compares two JSON-decoded values (maps, slices, and scalars) for
// structural equality, without recursing into arrays the way MakePatches
// does for objects — arrays compare element-by-element here since this is
// the leaf-equality check, not the tree walk.
func deepEqual(a, b any) bool {
	switch av := a.(type) {
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			bvv, ok := bv[k]
			if !ok || !deepEqual(v, bvv) {
				return false
			}
		}
		return true
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !deepEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	default:
		return a == b
	}
}
