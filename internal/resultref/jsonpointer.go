package resultref

import (
	"fmt"
	"strings"

	"github.com/qri-io/jsonpointer"
)

// EvaluatePath evaluates a JSON Pointer path against data, with support for
// the JMAP wildcard extension (*). The connection package's sendPage calls
// this to sanity-check a page's back-references against already-landed
// responses from an earlier page before sending: resolution itself is
// always the server's job, but a reference that can't resolve against data
// the engine already has in hand is worth a warning instead of a silent
// server-side error.
//
// Standard JSON Pointer paths (RFC 6901) are supported, plus:
//   - /list/* extracts matching elements from all array items
//   - wildcards flatten nested arrays when extracting arrays
func EvaluatePath(data any, path string) (any, error) {
	if path == "" {
		return data, nil
	}

	if strings.Contains(path, "/*") {
		return evaluateWildcardPath(data, path)
	}

	ptr, err := jsonpointer.Parse(path)
	if err != nil {
		return nil, fmt.Errorf("invalid JSON Pointer: %w", err)
	}

	result, err := ptr.Eval(data)
	if err != nil {
		return nil, fmt.Errorf("path not found: %s", path)
	}

	// The jsonpointer library returns (nil, nil) both for a missing object key
	// and for a key holding an explicit null; only the former is an error.
	if result == nil {
		parent, _ := ptr[:len(ptr)-1].Eval(data)
		_, isArray := parent.([]any)
		obj, isObj := parent.(map[string]any)
		_, exists := obj[ptr[len(ptr)-1]]
		if !isArray && !(isObj && exists) {
			return nil, fmt.Errorf("path not found: %s", path)
		}
	}

	return result, nil
}

// evaluateWildcardPath handles paths containing the JMAP wildcard (*) extension.
func evaluateWildcardPath(data any, path string) (any, error) {
	wildcardIdx := strings.Index(path, "/*")
	beforeWildcard := path[:wildcardIdx]
	afterWildcard := path[wildcardIdx+2:] // skip "/*"

	var arrayData any
	if beforeWildcard == "" {
		arrayData = data
	} else {
		ptr, err := jsonpointer.Parse(beforeWildcard)
		if err != nil {
			return nil, fmt.Errorf("invalid JSON Pointer before wildcard: %w", err)
		}
		arrayData, err = ptr.Eval(data)
		if err != nil {
			return nil, fmt.Errorf("path not found before wildcard: %s", beforeWildcard)
		}
	}

	arr, ok := arrayData.([]any)
	if !ok {
		return nil, fmt.Errorf("wildcard requires an array, got %T at path %s", arrayData, beforeWildcard)
	}

	results := make([]any, 0, len(arr))
	for i, item := range arr {
		var value any
		var err error
		if afterWildcard == "" {
			value = item
		} else {
			value, err = EvaluatePath(item, afterWildcard)
			if err != nil {
				return nil, fmt.Errorf("failed to evaluate path %s on array element %d: %w", afterWildcard, i, err)
			}
		}

		// Flatten arrays per the JMAP wildcard extension.
		if valueArr, isArr := value.([]any); isArr {
			results = append(results, valueArr...)
		} else {
			results = append(results, value)
		}
	}

	return results, nil
}
