// Package rpc exposes the core's scheduler ports over gRPC (C14's control
// service) without a protoc-generated stub: the teacher's own gRPC service
// (internal/gateway/grpc_service.go) is built on generated pkg/proto types
// that this retrieval pack never included, so this package registers a
// plain JSON codec (google.golang.org/grpc/encoding.Codec needs only
// Marshal/Unmarshal/Name) and hand-declares the grpc.ServiceDesc that
// would otherwise come from protoc. The wire shapes are ordinary Go
// structs with json tags; the gRPC framing, flow control, and auth
// interceptors are all real.
package rpc

import (
	"encoding/json"
	"fmt"
)

// jsonCodec implements encoding.Codec (Marshal/Unmarshal/Name). It's wired
// in as the server's only codec via grpc.ForceServerCodec, so it never has
// to compete with the built-in proto codec on content-subtype negotiation.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("rpc: decode json payload: %w", err)
	}
	return nil
}

func (jsonCodec) Name() string { return "json" }
