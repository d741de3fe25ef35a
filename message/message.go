// Package message defines the packet bodies exchanged between a consumer and a provider.
//
// Each body is serialized by the codec layer and wrapped in a protocol frame for
// transmission over TCP. The frame's packet type tells the receiver which of
// these structs the payload decodes into.
package message

// Request is the unit submitted to a provider: one method call on one service.
//
// ArgTypes carries the caller's type descriptors (e.g. "string", "int64") so a
// provider can dispatch on overloaded methods; Args holds the argument values
// in the same order.
type Request struct {
	Service  string   `json:"service" codec:"service"`
	Method   string   `json:"method" codec:"method"`
	ArgTypes []string `json:"argTypes,omitempty" codec:"argTypes,omitempty"`
	Args     []any    `json:"args,omitempty" codec:"args,omitempty"`
}

// Response answers exactly one Request on the same connection.
// Error is non-empty if the provider-side handler failed.
type Response struct {
	Result any    `json:"result,omitempty" codec:"result,omitempty"`
	Error  string `json:"error,omitempty" codec:"error,omitempty"`
}

// Heartbeat is an empty keep-alive probe. Receivers drop it.
type Heartbeat struct{}
