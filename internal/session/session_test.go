package session

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"testing"
)

type mockHTTP struct {
	response *http.Response
	err      error
	lastReq  *http.Request
}

func (m *mockHTTP) Do(req *http.Request) (*http.Response, error) {
	m.lastReq = req
	if m.err != nil {
		return nil, m.err
	}
	return m.response, nil
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(bytes.NewBufferString(body)),
	}
}

func TestHTTPFetcher_DecodesSession(t *testing.T) {
	body := `{
		"apiUrl": "https://example.com/jmap",
		"state": "s1",
		"capabilities": {"urn:ietf:params:jmap:core": {"maxCallsInRequest": 16}},
		"accounts": {"u1": {"name": "mailbox", "isPersonal": true}},
		"primaryAccounts": {"urn:ietf:params:jmap:core": "u1"}
	}`
	doer := &mockHTTP{response: jsonResponse(200, body)}
	fetcher := &HTTPFetcher{URL: "https://example.com/session", HTTP: doer, AccessToken: "tok"}

	s, err := fetcher.FetchSession(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.APIURL != "https://example.com/jmap" || s.State != "s1" {
		t.Errorf("unexpected session: %+v", s)
	}
	if doer.lastReq.Header.Get("Authorization") != "Bearer tok" {
		t.Errorf("expected bearer token header, got %q", doer.lastReq.Header.Get("Authorization"))
	}
}

func TestHTTPFetcher_NonOKStatusIsError(t *testing.T) {
	httpClient := &mockHTTP{response: jsonResponse(500, `{"error":"boom"}`)}
	fetcher := &HTTPFetcher{URL: "https://example.com/session", HTTP: httpClient}

	_, err := fetcher.FetchSession(context.Background())
	if err == nil {
		t.Fatal("expected an error for a non-200 response")
	}
}

func TestManager_RefreshUpdatesAccessors(t *testing.T) {
	body := `{
		"apiUrl": "https://example.com/jmap",
		"state": "s2",
		"capabilities": {"urn:ietf:params:jmap:core": {"maxCallsInRequest": 8}},
		"accounts": {"u1": {"name": "mailbox"}},
		"primaryAccounts": {"urn:ietf:params:jmap:core": "u1"}
	}`
	fetcher := &HTTPFetcher{URL: "https://example.com/session", HTTP: &mockHTTP{response: jsonResponse(200, body)}}
	m := NewManager(fetcher)

	if m.APIURL() != "" {
		t.Errorf("expected empty APIURL before any Refresh, got %q", m.APIURL())
	}

	if err := m.Refresh(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if m.APIURL() != "https://example.com/jmap" {
		t.Errorf("expected apiUrl to update, got %q", m.APIURL())
	}
	if m.SessionState() != "s2" {
		t.Errorf("expected state s2, got %q", m.SessionState())
	}
	if len(m.Accounts()) != 1 || m.Accounts()[0] != "u1" {
		t.Errorf("expected accounts [u1], got %v", m.Accounts())
	}
	if m.PrimaryAccounts()["urn:ietf:params:jmap:core"] != "u1" {
		t.Errorf("expected primary account u1, got %v", m.PrimaryAccounts())
	}
}

func TestManager_RefreshFailurePreservesPreviousSession(t *testing.T) {
	goodBody := `{"apiUrl": "https://example.com/jmap", "state": "s1"}`
	fetcher := &HTTPFetcher{URL: "https://example.com/session", HTTP: &mockHTTP{response: jsonResponse(200, goodBody)}}
	m := NewManager(fetcher)
	if err := m.Refresh(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	failing := NewManager(&HTTPFetcher{URL: "https://example.com/session", HTTP: &mockHTTP{response: jsonResponse(503, "")}})
	failing.current = m.current
	if err := failing.Refresh(context.Background()); err == nil {
		t.Fatal("expected a 503 to produce an error")
	}
	if failing.APIURL() != "https://example.com/jmap" {
		t.Errorf("expected a failed refresh to leave the previous session in place, got %q", failing.APIURL())
	}
}
