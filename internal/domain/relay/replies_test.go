package relay

import (
	"encoding/json"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

func TestErrorReply_OmitsAbsentID(t *testing.T) {
	t.Parallel()

	got := string(ErrorReply(nil, -32600, "Invalid request: Input too large"))
	want := `{"jsonrpc":"2.0","error":{"code":-32600,"message":"Invalid request: Input too large"}}`
	if got != want {
		t.Errorf("reply:\n got %s\nwant %s", got, want)
	}
}

func TestErrorReply_EchoesID(t *testing.T) {
	t.Parallel()

	got := string(ErrorReply(json.RawMessage("7"), -32000, "Rate limit exceeded"))
	want := `{"jsonrpc":"2.0","id":7,"error":{"code":-32000,"message":"Rate limit exceeded"}}`
	if got != want {
		t.Errorf("reply:\n got %s\nwant %s", got, want)
	}

	got = string(ErrorReply(json.RawMessage(`"abc"`), -32000, "Authentication failed"))
	want = `{"jsonrpc":"2.0","id":"abc","error":{"code":-32000,"message":"Authentication failed"}}`
	if got != want {
		t.Errorf("reply:\n got %s\nwant %s", got, want)
	}
}

func TestErrorReply_NullIDIsEchoed(t *testing.T) {
	t.Parallel()

	// A frame that carried id:null gets id:null back; only an absent
	// id is omitted.
	got := string(ErrorReply(json.RawMessage("null"), -32000, "x"))
	want := `{"jsonrpc":"2.0","id":null,"error":{"code":-32000,"message":"x"}}`
	if got != want {
		t.Errorf("reply:\n got %s\nwant %s", got, want)
	}
}

func TestInvalidRequestReply_PrefixesReason(t *testing.T) {
	t.Parallel()

	got := string(InvalidRequestReply(nil, "Input too large"))
	want := `{"jsonrpc":"2.0","error":{"code":-32600,"message":"Invalid request: Input too large"}}`
	if got != want {
		t.Errorf("reply:\n got %s\nwant %s", got, want)
	}
}

func TestServerErrorReply(t *testing.T) {
	t.Parallel()

	got := string(ServerErrorReply(nil, "MCP not ready"))
	want := `{"jsonrpc":"2.0","error":{"code":-32000,"message":"MCP not ready"}}`
	if got != want {
		t.Errorf("reply:\n got %s\nwant %s", got, want)
	}
}

func TestAuthenticatedReply(t *testing.T) {
	t.Parallel()

	got := string(AuthenticatedReply(json.RawMessage("2")))
	want := `{"jsonrpc":"2.0","id":2,"result":{"authenticated":true}}`
	if got != want {
		t.Errorf("reply:\n got %s\nwant %s", got, want)
	}
}

func TestInitializeReply(t *testing.T) {
	t.Parallel()

	raw := InitializeReply(json.RawMessage("1"), "bridge-gate", "1.2.3")

	info, err := json.Marshal(mcp.Implementation{Name: "bridge-gate", Version: "1.2.3"})
	if err != nil {
		t.Fatal(err)
	}
	want := `{"jsonrpc":"2.0","id":1,"result":{"protocolVersion":"2024-11-05","serverInfo":` + string(info) + `}}`
	if string(raw) != want {
		t.Errorf("reply:\n got %s\nwant %s", raw, want)
	}

	// The serverInfo member must carry exactly the gateway identity.
	var parsed struct {
		Result struct {
			ProtocolVersion string `json:"protocolVersion"`
			ServerInfo      struct {
				Name    string `json:"name"`
				Version string `json:"version"`
			} `json:"serverInfo"`
		} `json:"result"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		t.Fatalf("reply is not valid JSON: %v", err)
	}
	if parsed.Result.ProtocolVersion != ProtocolVersion {
		t.Errorf("protocolVersion = %q", parsed.Result.ProtocolVersion)
	}
	if parsed.Result.ServerInfo.Name != "bridge-gate" || parsed.Result.ServerInfo.Version != "1.2.3" {
		t.Errorf("serverInfo = %+v", parsed.Result.ServerInfo)
	}
}

func TestRejectLine(t *testing.T) {
	t.Parallel()

	got := string(RejectLine("Forbidden"))
	if got != `{"error":"Forbidden"}` {
		t.Errorf("RejectLine = %s", got)
	}
	got = string(RejectLine("Too many connections"))
	if got != `{"error":"Too many connections"}` {
		t.Errorf("RejectLine = %s", got)
	}
}
