package storeadaptor

import (
	"context"
	"testing"

	"github.com/jmap-go/connection-core/internal/registry"
)

type fetchRecordsCall struct {
	accountID, typeName string
	records             []map[string]any
	state               string
}

type fetchUpdatesCall struct {
	accountID, typeName         string
	updated, destroyed          []string
	newState                    string
}

type notCall struct {
	accountID, typeName, storeKey string
	methodErr                     MethodError
	isPermanent                   bool
}

// mockStore implements Store, recording every call it receives.
type mockStore struct {
	fetchRecords      []fetchRecordsCall
	partialRecords    []fetchRecordsCall
	notFound          [][]string
	fetchUpdates      []fetchUpdatesCall
	commitCreates     []string
	commitUpdates     []string
	commitDestroys    []string
	notCreates        []notCall
	notUpdates        []notCall
	notDestroys       []notCall
	stateChanges      map[string]string
}

func newMockStore() *mockStore {
	return &mockStore{stateChanges: map[string]string{}}
}

func (m *mockStore) DidFetchRecords(ctx context.Context, accountID, typeName string, records []map[string]any, state string) {
	m.fetchRecords = append(m.fetchRecords, fetchRecordsCall{accountID, typeName, records, state})
}

func (m *mockStore) DidFetchPartialRecords(ctx context.Context, accountID, typeName string, records []map[string]any, notFound []string, state string) {
	m.partialRecords = append(m.partialRecords, fetchRecordsCall{accountID, typeName, records, state})
	m.notFound = append(m.notFound, notFound)
}

func (m *mockStore) CouldNotFindRecords(ctx context.Context, accountID, typeName string, ids []string) {
	m.notFound = append(m.notFound, ids)
}

func (m *mockStore) DidFetchUpdates(ctx context.Context, accountID, typeName string, updated, destroyed []string, newState string) {
	m.fetchUpdates = append(m.fetchUpdates, fetchUpdatesCall{accountID, typeName, updated, destroyed, newState})
}

func (m *mockStore) DidCommitCreate(ctx context.Context, accountID, typeName, storeKey, serverID string, record map[string]any) {
	m.commitCreates = append(m.commitCreates, storeKey+"->"+serverID)
}

func (m *mockStore) DidCommitUpdate(ctx context.Context, accountID, typeName, storeKey string) {
	m.commitUpdates = append(m.commitUpdates, storeKey)
}

func (m *mockStore) DidCommitDestroy(ctx context.Context, accountID, typeName, storeKey string) {
	m.commitDestroys = append(m.commitDestroys, storeKey)
}

func (m *mockStore) DidNotCreate(ctx context.Context, accountID, typeName, storeKey string, methodErr MethodError, isPermanent bool) {
	m.notCreates = append(m.notCreates, notCall{accountID, typeName, storeKey, methodErr, isPermanent})
}

func (m *mockStore) DidNotUpdate(ctx context.Context, accountID, typeName, storeKey string, methodErr MethodError, isPermanent bool) {
	m.notUpdates = append(m.notUpdates, notCall{accountID, typeName, storeKey, methodErr, isPermanent})
}

func (m *mockStore) DidNotDestroy(ctx context.Context, accountID, typeName, storeKey string, methodErr MethodError, isPermanent bool) {
	m.notDestroys = append(m.notDestroys, notCall{accountID, typeName, storeKey, methodErr, isPermanent})
}

func (m *mockStore) CommitDidChangeState(ctx context.Context, accountID, typeName, newState string) {
	m.stateChanges[accountID+"/"+typeName] = newState
}

func (m *mockStore) StoreKey(ctx context.Context, accountID, typeName, id string) string { return id }

func (m *mockStore) TypeState(ctx context.Context, accountID, typeName string) string { return "" }

func TestHandleGet_WholeRecords(t *testing.T) {
	store := newMockStore()
	reg := registry.New()
	New("Email", store).Register(reg)

	handler, ok := reg.ResponseHandlerFor("Email/get")
	if !ok {
		t.Fatal("expected Email/get handler to be registered")
	}

	args := map[string]any{
		"accountId": "A1",
		"state":     "s1",
		"list": []any{
			map[string]any{"id": "m7", "subject": nil},
		},
	}
	if err := handler(context.Background(), args, "Email/get", map[string]any{"accountId": "A1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(store.fetchRecords) != 1 {
		t.Fatalf("expected one DidFetchRecords call, got %d", len(store.fetchRecords))
	}
	if store.fetchRecords[0].state != "s1" || len(store.fetchRecords[0].records) != 1 {
		t.Errorf("unexpected fetch call: %+v", store.fetchRecords[0])
	}
}

func TestHandleGet_ExplicitPropertiesRoutesToPartial(t *testing.T) {
	store := newMockStore()
	reg := registry.New()
	New("Email", store).Register(reg)

	handler, _ := reg.ResponseHandlerFor("Email/get")
	args := map[string]any{
		"accountId": "A1",
		"state":     "s1",
		"list":      []any{map[string]any{"id": "m7"}},
		"notFound":  []any{"m8"},
	}
	requestArgs := map[string]any{"accountId": "A1", "properties": []any{"subject"}}
	if err := handler(context.Background(), args, "Email/get", requestArgs); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(store.partialRecords) != 1 {
		t.Fatalf("expected a partial-records call, got %d full=%d", len(store.partialRecords), len(store.fetchRecords))
	}
	if len(store.notFound) != 1 || store.notFound[0][0] != "m8" {
		t.Errorf("expected notFound [m8], got %v", store.notFound)
	}
}

func TestHandleChanges_ForwardsUpdatedAndDestroyed(t *testing.T) {
	store := newMockStore()
	reg := registry.New()
	New("Email", store).Register(reg)

	handler, _ := reg.ResponseHandlerFor("Email/changes")
	args := map[string]any{
		"accountId": "A1",
		"newState":  "s2",
		"updated":   []any{"m1"},
		"destroyed": []any{"m2"},
	}
	handler(context.Background(), args, "Email/changes", map[string]any{"accountId": "A1"})

	if len(store.fetchUpdates) != 1 {
		t.Fatalf("expected one DidFetchUpdates call, got %d", len(store.fetchUpdates))
	}
	call := store.fetchUpdates[0]
	if call.newState != "s2" || len(call.updated) != 1 || len(call.destroyed) != 1 {
		t.Errorf("unexpected changes call: %+v", call)
	}
}

func TestHandleChanges_ResyncReportsNilBuckets(t *testing.T) {
	store := newMockStore()
	reg := registry.New()
	New("Email", store).Register(reg)

	handler, _ := reg.ResponseHandlerFor("Email/changes")
	args := map[string]any{"accountId": "A1", "newState": "s9", "updated": nil, "destroyed": nil}
	handler(context.Background(), args, "Email/changes", map[string]any{"accountId": "A1"})

	call := store.fetchUpdates[0]
	if call.updated != nil || call.destroyed != nil {
		t.Errorf("expected nil updated/destroyed for a forced resync, got %+v", call)
	}
}

func TestHandleSet_RoutesCreateUpdateDestroyAndState(t *testing.T) {
	store := newMockStore()
	reg := registry.New()
	New("Email", store).Register(reg)

	handler, _ := reg.ResponseHandlerFor("Email/set")
	args := map[string]any{
		"accountId": "A1",
		"newState":  "s3",
		"created": map[string]any{
			"new1": map[string]any{"id": "m9"},
		},
		"updated":   []any{"m1"},
		"destroyed": []any{"m2"},
		"notCreated": map[string]any{
			"new2": map[string]any{"type": "invalidArguments", "description": "bad"},
		},
	}
	handler(context.Background(), args, "Email/set", map[string]any{"accountId": "A1"})

	if len(store.commitCreates) != 1 || store.commitCreates[0] != "new1->m9" {
		t.Errorf("expected commitCreates [new1->m9], got %v", store.commitCreates)
	}
	if len(store.commitUpdates) != 1 || store.commitUpdates[0] != "m1" {
		t.Errorf("expected commitUpdates [m1], got %v", store.commitUpdates)
	}
	if len(store.commitDestroys) != 1 || store.commitDestroys[0] != "m2" {
		t.Errorf("expected commitDestroys [m2], got %v", store.commitDestroys)
	}
	if len(store.notCreates) != 1 || store.notCreates[0].methodErr.Type != "invalidArguments" || !store.notCreates[0].isPermanent {
		t.Errorf("unexpected notCreates: %+v", store.notCreates)
	}
	if store.stateChanges["A1/Email"] != "s3" {
		t.Errorf("expected state A1/Email = s3, got %v", store.stateChanges)
	}
}

func TestHandleSet_CopySharesSetHandler(t *testing.T) {
	store := newMockStore()
	reg := registry.New()
	New("Email", store).Register(reg)

	getHandler, _ := reg.ResponseHandlerFor("Email/get")
	setHandler, _ := reg.ResponseHandlerFor("Email/set")
	copyHandler, ok := reg.ResponseHandlerFor("Email/copy")
	if !ok {
		t.Fatal("expected Email/copy handler to be registered")
	}
	if getHandler == nil || setHandler == nil {
		t.Fatal("expected get/set handlers to also be registered")
	}

	args := map[string]any{
		"accountId": "B1",
		"created":   map[string]any{"sk1": map[string]any{"id": "m42"}},
	}
	copyHandler(context.Background(), args, "Email/copy", map[string]any{"accountId": "B1"})

	if len(store.commitCreates) != 1 || store.commitCreates[0] != "sk1->m42" {
		t.Errorf("expected Email/copy to commit through the same path as Email/set, got %v", store.commitCreates)
	}
}
