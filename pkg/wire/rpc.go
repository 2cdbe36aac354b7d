package wire

import (
	"encoding/json"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/tidwall/gjson"
)

// EncodeMessage serializes a JSON-RPC message to its wire format.
// This delegates to the MCP SDK's jsonrpc package.
func EncodeMessage(msg jsonrpc.Message) ([]byte, error) {
	return jsonrpc.EncodeMessage(msg)
}

// DecodeMessage deserializes JSON-RPC wire format data into a Message.
// It returns either a *jsonrpc.Request or *jsonrpc.Response based on the
// message content. This delegates to the MCP SDK's jsonrpc package.
func DecodeMessage(data []byte) (jsonrpc.Message, error) {
	return jsonrpc.DecodeMessage(data)
}

// Valid reports whether frame is well-formed JSON.
func Valid(frame []byte) bool {
	return gjson.ValidBytes(frame)
}

// RawID returns the raw JSON text of the frame's "id" member, or nil when
// the frame carries none. The result is suitable for echoing back verbatim.
func RawID(frame []byte) json.RawMessage {
	res := gjson.GetBytes(frame, "id")
	if !res.Exists() {
		return nil
	}
	return json.RawMessage(res.Raw)
}

// IDKey returns the frame's id as a correlation key: the raw JSON text of
// the member, exactly as it appears on the wire. The second result is
// false when the frame has no id member.
func IDKey(frame []byte) (string, bool) {
	res := gjson.GetBytes(frame, "id")
	if !res.Exists() {
		return "", false
	}
	return res.Raw, true
}

// PeekMethod returns the frame's "method" member when it is a JSON string,
// and "" otherwise. It never parses more of the frame than needed.
func PeekMethod(frame []byte) string {
	res := gjson.GetBytes(frame, "method")
	if res.Type != gjson.String {
		return ""
	}
	return res.Str
}

// ParamString returns the named member of the frame's "params" object when
// it is a JSON string, and "" otherwise.
func ParamString(frame []byte, key string) string {
	res := gjson.GetBytes(frame, "params."+key)
	if res.Type != gjson.String {
		return ""
	}
	return res.Str
}
