package aggregate

import (
	"context"
	"sort"
	"testing"
)

type fakeSource struct {
	dirty bool
}

func (f *fakeSource) IsDirty() bool { return f.dirty }

type fakeUploadingSource struct {
	fakeSource
	uploading bool
}

func (f *fakeUploadingSource) HasActiveUpload() bool { return f.uploading }

func TestIsDirty_FalseWhenNoMemberDirty(t *testing.T) {
	a := New()
	a.Register("urn:ietf:params:jmap:mail", &fakeSource{dirty: false})
	a.Register("urn:ietf:params:jmap:contacts", &fakeSource{dirty: false})

	if a.IsDirty(context.Background()) {
		t.Error("expected IsDirty to be false when no member is dirty")
	}
}

func TestIsDirty_TrueWhenOneMemberDirty(t *testing.T) {
	a := New()
	a.Register("urn:ietf:params:jmap:mail", &fakeSource{dirty: true})
	a.Register("urn:ietf:params:jmap:contacts", &fakeSource{dirty: false})

	if !a.IsDirty(context.Background()) {
		t.Error("expected IsDirty to be true when any member is dirty")
	}
}

func TestIsDirty_TrueWhenUploadActiveButNotDirty(t *testing.T) {
	a := New()
	a.Register("urn:ietf:params:jmap:mail", &fakeUploadingSource{uploading: true})

	if !a.IsDirty(context.Background()) {
		t.Error("expected an active upload to count as dirty even with no pending commit")
	}
}

func TestDirtyDataGroups_ListsOnlyDirtyMembers(t *testing.T) {
	a := New()
	a.Register("urn:ietf:params:jmap:mail", &fakeSource{dirty: true})
	a.Register("urn:ietf:params:jmap:contacts", &fakeSource{dirty: false})
	a.Register("urn:ietf:params:jmap:calendar", &fakeUploadingSource{uploading: true})

	got := a.DirtyDataGroups(context.Background())
	sort.Strings(got)

	want := []string{"urn:ietf:params:jmap:calendar", "urn:ietf:params:jmap:mail"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("expected %v, got %v", want, got)
			break
		}
	}
}
