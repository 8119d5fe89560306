package mcp

import "encoding/json"

// Wire constants for the line-delimited JSON-RPC dialect spoken to the
// mcp-proxy subprocess.
const (
	jsonrpcVersion  = "2.0"
	protocolVersion = "2024-11-05"

	clientName    = "anylog-bridge"
	clientVersion = "3.0"

	methodInitialize  = "initialize"
	methodInitialized = "notifications/initialized"
	methodToolsCall   = "tools/call"
)

// request is an outgoing JSON-RPC message. A nil ID makes it a notification:
// no response is expected and no waiter is registered.
type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      *int64 `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// response is an incoming JSON-RPC message. Lines that do not unmarshal into
// this shape, or that carry no id, are dropped by the reader.
type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// initializeParams is the handshake payload naming the protocol version,
// capability set, and client identity.
type initializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ClientInfo      clientInfo     `json:"clientInfo"`
}

type clientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// toolsCallParams is the payload of a tools/call request.
type toolsCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// toolEnvelope is the content wrapper most tool responses use. Responses
// without the wrapper are passed through as raw structured values.
type toolEnvelope struct {
	Content []contentBlock `json:"content"`
	IsError bool           `json:"isError"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}
