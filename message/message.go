// Package message defines the typed protocol messages exchanged between
// client and server.
//
// On the wire every message is a JSON array with a leading integer
// discriminant (see the protocol package). The types here are the decoded,
// direction-aware views of those arrays: the server reads Requests, the
// client reads Responses and Publishes.
package message

import (
	"errors"
	"fmt"
)

// Request asks the peer to invoke a named method. ID correlates the
// eventual response; IDs are allocated per connection, counting up from 0,
// and are never reused while the connection is open.
type Request struct {
	Method string
	ID     uint64
	Args   []any
}

// Response settles the request with the matching ID.
//
//   - OK:  Result carries the handler's return value.
//   - !OK: ErrPayload carries the failure payload (an RPCError record or
//     whatever raw value the responder forwarded).
type Response struct {
	ID         uint64
	OK         bool
	Result     any
	ErrPayload any
}

// Publish fans a channel event out to subscribed connections.
type Publish struct {
	Channel string
	Args    []any
}

// RPCError is the normalized form of a structured handler failure. It
// survives JSON serialization as {"name": ..., "message": ..., "stack": ...},
// so the caller sees the same record the handler produced.
type RPCError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("%s: %s", e.Name, e.Message)
}

// Normalize converts a handler failure into a payload that survives
// serialization. An *RPCError anywhere in the chain keeps its name, message
// and stack; any other error becomes an RPCError named "Error".
func Normalize(err error) *RPCError {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	return &RPCError{Name: "Error", Message: err.Error()}
}
