package relay

import (
	"encoding/json"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/Bridge-Gate/Bridgegate/internal/domain/validation"
)

// ProtocolVersion is the protocol revision the gateway reports when it
// answers initialize itself.
const ProtocolVersion = "2024-11-05"

// invalidRequestPrefix prefixes validation reasons on the wire.
const invalidRequestPrefix = "Invalid request: "

// Reply envelopes are structs, not maps: clients and tests depend on
// stable member order, and an absent id must be omitted entirely
// rather than serialized as null.
type errorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type errorReply struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Error   errorBody       `json:"error"`
}

type resultReply struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result"`
}

type authenticateResult struct {
	Authenticated bool `json:"authenticated"`
}

type initializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	ServerInfo      mcp.Implementation `json:"serverInfo"`
}

// ErrorReply builds a JSON-RPC error frame. id is echoed verbatim when
// non-nil and omitted when nil.
func ErrorReply(id json.RawMessage, code int, message string) []byte {
	b, _ := json.Marshal(errorReply{
		JSONRPC: "2.0",
		ID:      id,
		Error:   errorBody{Code: code, Message: message},
	})
	return b
}

// InvalidRequestReply builds the -32600 frame for a validation failure,
// with the reason appended to the fixed prefix.
func InvalidRequestReply(id json.RawMessage, reason string) []byte {
	return ErrorReply(id, validation.ErrCodeInvalidRequest, invalidRequestPrefix+reason)
}

// ServerErrorReply builds the -32000 frame used for auth, rate limit,
// and availability errors.
func ServerErrorReply(id json.RawMessage, message string) []byte {
	return ErrorReply(id, validation.ErrCodeServerError, message)
}

// AuthenticatedReply builds the successful authenticate response.
func AuthenticatedReply(id json.RawMessage) []byte {
	b, _ := json.Marshal(resultReply{
		JSONRPC: "2.0",
		ID:      id,
		Result:  authenticateResult{Authenticated: true},
	})
	return b
}

// InitializeReply builds the locally answered initialize response
// carrying the gateway's identity.
func InitializeReply(id json.RawMessage, name, version string) []byte {
	b, _ := json.Marshal(resultReply{
		JSONRPC: "2.0",
		ID:      id,
		Result: initializeResult{
			ProtocolVersion: ProtocolVersion,
			ServerInfo:      mcp.Implementation{Name: name, Version: version},
		},
	})
	return b
}

// RejectLine builds the single-line admission rejection the TCP listener
// writes before closing: {"error":"<reason>"}.
func RejectLine(reason string) []byte {
	b, _ := json.Marshal(struct {
		Error string `json:"error"`
	}{Error: reason})
	return b
}
