// Package protocol implements the wire frame format.
//
// Every frame is one UTF-8 JSON array carried in a single transport
// message; position 0 is an integer discriminant:
//
//	[0, method, id, args...]   request        (client → server)
//	[0, id, result]            success reply  (server → client)
//	[1, id, payload]           failure reply  (server → client)
//	[2, channel, args...]      publish        (server → client)
//
// The value 0 is shared by requests and success replies. Frames are
// disambiguated by direction, never by value: the server decodes inbound
// bytes with DecodeRequest, the client with DecodeClientFrame, and the
// overload stays out of the type system.
//
// Decoding malformed input of any kind (invalid JSON, a non-array, wrong
// arity or element types) yields nil. It never panics past this package.
package protocol

import (
	"math"

	"github.com/laino/final-rpc/codec"
	"github.com/laino/final-rpc/message"
)

// Frame discriminants.
const (
	FrameRequest  = 0
	FrameReplyOK  = 0
	FrameReplyErr = 1
	FramePublish  = 2
)

// EncodeRequest builds [0, method, id, args...].
func EncodeRequest(method string, id uint64, args []any) ([]byte, error) {
	frame := make([]any, 0, 3+len(args))
	frame = append(frame, FrameRequest, method, id)
	frame = append(frame, args...)
	return codec.Default.Encode(frame)
}

// EncodeResponse builds [0, id, result] or [1, id, payload] depending on
// the response outcome.
func EncodeResponse(resp *message.Response) ([]byte, error) {
	if resp.OK {
		return codec.Default.Encode([]any{FrameReplyOK, resp.ID, resp.Result})
	}
	return codec.Default.Encode([]any{FrameReplyErr, resp.ID, resp.ErrPayload})
}

// EncodePublish builds [2, channel, args...].
func EncodePublish(channel string, args []any) ([]byte, error) {
	frame := make([]any, 0, 2+len(args))
	frame = append(frame, FramePublish, channel)
	frame = append(frame, args...)
	return codec.Default.Encode(frame)
}

// DecodeRequest parses a server-bound frame. Anything that is not a
// well-formed request returns nil.
func DecodeRequest(data []byte) *message.Request {
	arr := decodeArray(data)
	if len(arr) < 3 {
		return nil
	}
	disc, ok := asInt(arr[0])
	if !ok || disc != FrameRequest {
		return nil
	}
	method, ok := arr[1].(string)
	if !ok {
		return nil
	}
	id, ok := asID(arr[2])
	if !ok {
		return nil
	}
	return &message.Request{Method: method, ID: id, Args: arr[3:]}
}

// DecodeClientFrame parses a client-bound frame into either a response or
// a publish. Exactly one of the results is non-nil for a well-formed
// frame; both are nil for malformed input.
func DecodeClientFrame(data []byte) (*message.Response, *message.Publish) {
	arr := decodeArray(data)
	if len(arr) == 0 {
		return nil, nil
	}
	disc, ok := asInt(arr[0])
	if !ok {
		return nil, nil
	}

	switch disc {
	case FramePublish:
		if len(arr) < 2 {
			return nil, nil
		}
		channel, ok := arr[1].(string)
		if !ok {
			return nil, nil
		}
		return nil, &message.Publish{Channel: channel, Args: arr[2:]}

	case FrameReplyOK, FrameReplyErr:
		if len(arr) != 3 {
			return nil, nil
		}
		id, ok := asID(arr[1])
		if !ok {
			return nil, nil
		}
		resp := &message.Response{ID: id, OK: disc == FrameReplyOK}
		if resp.OK {
			resp.Result = arr[2]
		} else {
			resp.ErrPayload = arr[2]
		}
		return resp, nil
	}

	return nil, nil
}

func decodeArray(data []byte) []any {
	var arr []any
	if err := codec.Default.Decode(data, &arr); err != nil {
		return nil
	}
	return arr
}

// encoding/json decodes every number into float64; discriminants and ids
// must be non-negative integers.
func asInt(v any) (int, bool) {
	f, ok := v.(float64)
	if !ok || f != math.Trunc(f) {
		return 0, false
	}
	return int(f), true
}

func asID(v any) (uint64, bool) {
	f, ok := v.(float64)
	if !ok || f < 0 || f != math.Trunc(f) {
		return 0, false
	}
	return uint64(f), true
}
