package transport

// Package transport carries decoded trace tuples from svtrace-decode to
// svtrace-collectord over gRPC. There is no protoc-generated alertpb package
// behind this: the wire messages below are plain Go structs marshalled by
// jsonCodec (codec.go), and service.go hand-assembles the grpc.ServiceDesc
// that normally comes out of protoc-gen-go-grpc.

// RegisterSessionRequest opens a new decode session with the collector.
type RegisterSessionRequest struct {
	Hostname     string `json:"hostname"`
	AgentVersion string `json:"agent_version"`
}

// RegisterSessionResponse returns the collector-assigned session identity.
type RegisterSessionResponse struct {
	SessionID    string `json:"session_id"`
	ServerTimeUs int64  `json:"server_time_us"`
}

// DecodedEventMessage is the wire form of one decode.Event tuple, flattened
// for JSON transport.
type DecodedEventMessage struct {
	SessionID string `json:"session_id"`
	Time      uint64 `json:"time"`
	Kind      uint8  `json:"kind"`
	Tag       uint8  `json:"tag"`
	Param     uint32 `json:"param"`
	Payload   []byte `json:"payload,omitempty"`
}

// StreamAck is sent by the collector in response to each DecodedEventMessage
// on the StreamEvents RPC.
type StreamAck struct {
	Accepted bool   `json:"accepted"`
	Error    string `json:"error,omitempty"`
}

// StreamSummary closes out a StreamEvents call with a running total.
type StreamSummary struct {
	EventsAccepted int64 `json:"events_accepted"`
}
