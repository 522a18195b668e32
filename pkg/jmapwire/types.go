// Package jmapwire defines the wire-level JSON shapes of the JMAP JSON-RPC
// protocol (RFC 8620) that the connection engine sends and receives. These
// types cross the HTTP transport boundary and are shared between the
// connection pipeline and anything that needs to inspect a raw batch.
package jmapwire

// MethodCall is the (name, arguments, clientId) triple RFC 8620 §3.2 calls a
// "method call". name is "<Type>/<verb>" or a non-typed method name.
type MethodCall struct {
	Name      string
	Arguments map[string]any
	ClientID  string
}

// MethodResponse is the (name, arguments, clientId) triple a server returns
// for each method call. When Name is "error", Arguments["type"] names the
// JMAP error type.
type MethodResponse struct {
	Name      string
	Arguments map[string]any
	ClientID  string
}

// IsError reports whether this response represents a method-level error.
func (r MethodResponse) IsError() bool {
	return r.Name == "error"
}

// ErrorType returns Arguments["type"] for an error response, or "" if this is
// not an error response or the type is missing.
func (r MethodResponse) ErrorType() string {
	if !r.IsError() || r.Arguments == nil {
		return ""
	}
	t, _ := r.Arguments["type"].(string)
	return t
}

// Request is the top-level JSON-RPC batch request body (RFC 8620 §3.3).
type Request struct {
	Using       []string          `json:"using"`
	MethodCalls [][3]any          `json:"methodCalls"`
	CreatedIDs  map[string]string `json:"createdIds,omitempty"`
}

// Response is the top-level JSON-RPC batch response body.
type Response struct {
	MethodResponses [][3]any          `json:"methodResponses"`
	SessionState    string            `json:"sessionState,omitempty"`
	CreatedIDs      map[string]string `json:"createdIds,omitempty"`
}

// EncodeCall converts a MethodCall into the [name, args, clientId] triple
// shape the wire protocol expects.
func EncodeCall(c MethodCall) [3]any {
	return [3]any{c.Name, c.Arguments, c.ClientID}
}

// DecodeResponse converts a raw [name, args, clientId] triple (as produced by
// decoding JSON into []any) into a MethodResponse. Malformed triples decode
// to a best-effort zero value rather than erroring, matching the permissive
// handling the wire format requires of clients.
func DecodeResponse(raw []any) MethodResponse {
	var resp MethodResponse
	if len(raw) >= 1 {
		resp.Name, _ = raw[0].(string)
	}
	if len(raw) >= 2 {
		switch v := raw[1].(type) {
		case map[string]any:
			resp.Arguments = v
		}
	}
	if len(raw) >= 3 {
		resp.ClientID, _ = raw[2].(string)
	}
	return resp
}

// ErrorResponse builds the generic error response triple used by the
// failure classifier and unhandled-method fallback paths.
func ErrorResponse(errType, description, clientID string) MethodResponse {
	return MethodResponse{
		Name: "error",
		Arguments: map[string]any{
			"type":        errType,
			"description": description,
		},
		ClientID: clientID,
	}
}

// CoreCapability is the parsed form of the urn:ietf:params:jmap:core
// capability object a JMAP session advertises.
type CoreCapability struct {
	MaxSizeUpload         int64 `json:"maxSizeUpload"`
	MaxConcurrentUpload   int   `json:"maxConcurrentUpload"`
	MaxSizeRequest        int64 `json:"maxSizeRequest"`
	MaxConcurrentRequests int   `json:"maxConcurrentRequests"`
	MaxCallsInRequest     int   `json:"maxCallsInRequest"`
	MaxObjectsInGet       int   `json:"maxObjectsInGet"`
	MaxObjectsInSet       int   `json:"maxObjectsInSet"`
}

// ParseCoreCapability extracts a CoreCapability from a session's capability
// map, defaulting MaxCallsInRequest to a generous value when absent so an
// unconfigured session doesn't stall pagination.
func ParseCoreCapability(capabilities map[string]any) CoreCapability {
	const coreURN = "urn:ietf:params:jmap:core"
	cap := CoreCapability{MaxCallsInRequest: 16}

	raw, ok := capabilities[coreURN].(map[string]any)
	if !ok {
		return cap
	}
	if v, ok := raw["maxCallsInRequest"].(float64); ok {
		cap.MaxCallsInRequest = int(v)
	}
	if v, ok := raw["maxSizeRequest"].(float64); ok {
		cap.MaxSizeRequest = int64(v)
	}
	if v, ok := raw["maxConcurrentRequests"].(float64); ok {
		cap.MaxConcurrentRequests = int(v)
	}
	if v, ok := raw["maxSizeUpload"].(float64); ok {
		cap.MaxSizeUpload = int64(v)
	}
	if v, ok := raw["maxConcurrentUpload"].(float64); ok {
		cap.MaxConcurrentUpload = int(v)
	}
	if v, ok := raw["maxObjectsInGet"].(float64); ok {
		cap.MaxObjectsInGet = int(v)
	}
	if v, ok := raw["maxObjectsInSet"].(float64); ok {
		cap.MaxObjectsInSet = int(v)
	}
	return cap
}
