package patch

import (
	"reflect"
	"testing"
)

func TestMakePatches_SimpleFieldChange(t *testing.T) {
	original := map[string]any{"subject": "a", "keywords": map[string]any{"$seen": true}}
	current := map[string]any{"subject": "b", "keywords": map[string]any{}}

	patches := map[string]any{}
	didPatch := MakePatches("", patches, original, current)

	if !didPatch {
		t.Fatal("expected MakePatches to report a change")
	}

	expected := map[string]any{
		"/subject":        "b",
		"/keywords/$seen": nil,
	}
	if !reflect.DeepEqual(patches, expected) {
		t.Errorf("expected %v, got %v", expected, patches)
	}
}

func TestMakePatches_NoChange(t *testing.T) {
	original := map[string]any{"subject": "a"}
	current := map[string]any{"subject": "a"}

	patches := map[string]any{}
	if MakePatches("", patches, original, current) {
		t.Error("expected no patch for identical trees")
	}
	if len(patches) != 0 {
		t.Errorf("expected no entries, got %v", patches)
	}
}

func TestMakePatches_ArraysAreAtomic(t *testing.T) {
	original := map[string]any{"tags": []any{"a", "b"}}
	current := map[string]any{"tags": []any{"a", "b", "c"}}

	patches := map[string]any{}
	MakePatches("", patches, original, current)

	value, ok := patches["/tags"]
	if !ok {
		t.Fatal("expected /tags to be patched wholesale")
	}
	if !reflect.DeepEqual(value, []any{"a", "b", "c"}) {
		t.Errorf("expected whole array replacement, got %v", value)
	}
}

func TestMakePatches_NewKeyInCurrent(t *testing.T) {
	original := map[string]any{}
	current := map[string]any{"mailboxIds": map[string]any{"mb1": true}}

	patches := map[string]any{}
	MakePatches("", patches, original, current)

	if _, ok := patches["/mailboxIds"]; !ok {
		t.Errorf("expected /mailboxIds to be patched, got %v", patches)
	}
}

func TestApplyPatch_RoundTrip(t *testing.T) {
	original := map[string]any{"subject": "a", "keywords": map[string]any{"$seen": true}}
	current := map[string]any{"subject": "b", "keywords": map[string]any{}}

	patches := map[string]any{}
	MakePatches("", patches, original, current)

	result := deepCopy(original)
	for path, value := range patches {
		ApplyPatch(result, path, value)
	}

	if !reflect.DeepEqual(result, current) {
		t.Errorf("expected %v after applying patches, got %v", current, result)
	}
}

func TestApplyPatch_Delete(t *testing.T) {
	object := map[string]any{"keywords": map[string]any{"$seen": true}}
	ApplyPatch(object, "/keywords/$seen", nil)

	keywords := object["keywords"].(map[string]any)
	if _, ok := keywords["$seen"]; ok {
		t.Error("expected $seen to be deleted")
	}
}

func TestApplyPatch_MissingIntermediate_SilentlyDropped(t *testing.T) {
	object := map[string]any{"subject": "a"}
	ApplyPatch(object, "/missing/child", "value")

	if _, ok := object["missing"]; ok {
		t.Error("expected patch with missing intermediate to be silently dropped")
	}
}

func TestIsValidPatch(t *testing.T) {
	object := map[string]any{"keywords": map[string]any{"$seen": true}}

	if !IsValidPatch(object, "/keywords/$seen") {
		t.Error("expected existing nested path to be valid")
	}
	if !IsValidPatch(object, "/keywords/$flagged") {
		t.Error("expected path with missing final key (but valid parent) to be valid")
	}
	if IsValidPatch(object, "/missing/child") {
		t.Error("expected path with missing intermediate to be invalid")
	}
	if IsValidPatch(object, "/keywords/$seen/nested") {
		t.Error("expected path through a non-object intermediate to be invalid")
	}
}

func TestEncodeDecodeComponent_RoundTrip(t *testing.T) {
	cases := []string{"$seen", "a/b", "a~b", "a~/b", ""}
	for _, c := range cases {
		encoded := EncodeComponent(c)
		decoded := DecodeComponent(encoded)
		if decoded != c {
			t.Errorf("round trip failed for %q: encoded=%q decoded=%q", c, encoded, decoded)
		}
	}
}

func TestEncodeComponent_OrderMatters(t *testing.T) {
	// "~/" should encode to "~0~1", not "~0~01" (i.e. the '~' substitution
	// runs first, so the "~1" produced for '/' is not escaped again).
	encoded := EncodeComponent("~/")
	if encoded != "~0~1" {
		t.Errorf("expected '~0~1', got %q", encoded)
	}
	if DecodeComponent(encoded) != "~/" {
		t.Errorf("expected round trip back to '~/', got %q", DecodeComponent(encoded))
	}
}

func deepCopy(v map[string]any) map[string]any {
	result := make(map[string]any, len(v))
	for k, val := range v {
		if m, ok := val.(map[string]any); ok {
			result[k] = deepCopy(m)
		} else {
			result[k] = val
		}
	}
	return result
}
