package daemon

import (
	"github.com/shurlinet/parley/pkg/p2pnet"
)

// NameRequest is the body for POST /v1/name.
type NameRequest struct {
	Name string `json:"name"`
}

// NameResponse is returned by POST /v1/name.
type NameResponse struct {
	Name string `json:"name"`
}

// ConnectRequest is the body for POST /v1/connect. Target is a multiaddr
// ending in /p2p/<peer-id>, or a bare /p2p/<peer-id> resolved via the DHT.
type ConnectRequest struct {
	Target string `json:"target"`
}

// ConnectResponse is returned by POST /v1/connect.
type ConnectResponse struct {
	PeerID string          `json:"peer_id"`
	Path   p2pnet.PathType `json:"path"`
}

// ChatRequest is the body for POST /v1/chat.
type ChatRequest struct {
	Text string `json:"text"`
}

// ChatResponse is returned by POST /v1/chat.
type ChatResponse struct {
	Delivered int `json:"delivered"`
}

// CallRequest is the body for POST /v1/call.
type CallRequest struct {
	Peer string `json:"peer"`
}

// CallResponse is returned by POST /v1/call.
type CallResponse struct {
	CallID string `json:"call_id"`
}

// AudioRequest is the body for POST /v1/call/audio. Chunk is base64 in JSON.
type AudioRequest struct {
	Chunk []byte `json:"chunk"`
}

// RelayJoinRequest is the body for POST /v1/relay/join.
type RelayJoinRequest struct {
	Address string `json:"address"`
}

// RelayResponse is returned by the relay endpoints.
type RelayResponse struct {
	Address string `json:"address"`
}

// StatusMessage is the body of responses that only acknowledge.
type StatusMessage struct {
	Status string `json:"status"`
}

// ErrorResponse is returned for all errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

// DataResponse wraps successful responses.
type DataResponse struct {
	Data any `json:"data"`
}
