// Package wire defines the envelope union exchanged between clients and
// servers and its JSON codec. Every message on every transport is one
// envelope: a JSON object carrying a "type" discriminator and the fields of
// the corresponding envelope kind.
//
// Encoding rules:
//   - timestamps are ISO-8601 with UTC "Z" (RFC 3339)
//   - UUIDs are canonical 36-character strings
//   - byte fields are base64
//   - callID, streamID and sequenceNumber are never elided
//
// The codec is transport-agnostic: framed TCP length-prefixes each encoded
// envelope, websocket carries one envelope per frame, and HTTP carries one
// envelope per request or response body.
package wire

import (
	"time"

	"github.com/google/uuid"
)

// Kind discriminates the envelope union on the wire.
type Kind string

const (
	// KindInvocation is a client request to invoke a method on a named actor.
	KindInvocation Kind = "invocation"
	// KindResponse is the server reply to a non-streaming invocation.
	KindResponse Kind = "response"
	// KindStreamStart announces a new server-owned stream for an observe call.
	KindStreamStart Kind = "streamStart"
	// KindStreamData carries one sequenced payload frame of a live stream.
	KindStreamData Kind = "streamData"
	// KindStreamEnd terminates a stream with a reason tag.
	KindStreamEnd Kind = "streamEnd"
	// KindStreamError terminates a stream because the producing method failed.
	KindStreamError Kind = "streamError"
	// KindStreamResume asks the server to replay a stream after reconnection.
	KindStreamResume Kind = "streamResume"
)

// EndReason tags a StreamEnd envelope with why the stream terminated.
type EndReason string

const (
	// EndCompleted means the source sequence finished normally.
	EndCompleted EndReason = "completed"
	// EndError means the stream terminated due to a method error. Servers
	// normally emit StreamError instead; the tag exists for completeness.
	EndError EndReason = "error"
	// EndCancelled means the server cancelled the stream, typically during
	// shutdown or explicit unsubscription.
	EndCancelled EndReason = "cancelled"
)

type (
	// Envelope is the wire message union. Exactly the seven envelope kinds
	// implement it.
	Envelope interface {
		// Kind returns the discriminator written to the "type" field.
		Kind() Kind
	}

	// Invocation asks the receiving process to execute targetIdentifier on
	// the actor registered under ActorID.ID. Targets whose identifier begins
	// with "observe" open a stream instead of producing a Response.
	Invocation struct {
		// CallID uniquely identifies this call within its connection.
		CallID uuid.UUID `json:"callID"`
		// ActorID addresses the target actor.
		ActorID ActorID `json:"actorID"`
		// Target is the method label or observe-prefixed stream label.
		Target string `json:"targetIdentifier"`
		// ProtocolVersion is the envelope protocol revision. Decoders default
		// a missing value to 1.
		ProtocolVersion uint32 `json:"protocolVersion"`
		// GenericSubstitutions carries type arguments for generic targets, in
		// declaration order.
		GenericSubstitutions []string `json:"genericSubstitutions,omitempty"`
		// Arguments carries the encoded method arguments in declaration order.
		Arguments [][]byte `json:"arguments,omitempty"`
		// StreamFilter optionally filters stream payloads server-side.
		StreamFilter *Filter `json:"streamFilter,omitempty"`
		// TraceContext propagates the caller's trace across the invocation.
		TraceContext *TraceContext `json:"traceContext,omitempty"`
	}

	// Response answers a non-streaming Invocation. Exactly one of Result or
	// ErrorMessage is set.
	Response struct {
		// CallID echoes the invocation's call identifier.
		CallID uuid.UUID `json:"callID"`
		// Result is the encoded return value on success.
		Result []byte `json:"result,omitempty"`
		// ErrorMessage describes the failure when the call did not succeed.
		ErrorMessage *string `json:"errorMessage,omitempty"`
	}

	// StreamStart announces the server-chosen stream identifier for an
	// observe invocation, correlated by CallID.
	StreamStart struct {
		// CallID echoes the originating invocation's call identifier.
		CallID uuid.UUID `json:"callID"`
		// StreamID is the server-owned stream identity used by all subsequent
		// frames of this stream.
		StreamID uuid.UUID `json:"streamID"`
		// Timestamp records when the stream was opened (UTC).
		Timestamp time.Time `json:"timestamp"`
	}

	// StreamData carries one emitted payload of a live stream.
	StreamData struct {
		// StreamID identifies the stream this frame belongs to.
		StreamID uuid.UUID `json:"streamID"`
		// Sequence is the monotonically increasing frame counter, starting
		// at 1. It counts emitted frames only; filtered-out candidates do not
		// advance it.
		Sequence uint64 `json:"sequenceNumber"`
		// Data is the encoded stream payload.
		Data []byte `json:"data"`
		// Timestamp records when the frame was emitted (UTC).
		Timestamp time.Time `json:"timestamp"`
	}

	// StreamEnd terminates a stream normally or by cancellation.
	StreamEnd struct {
		// StreamID identifies the terminated stream.
		StreamID uuid.UUID `json:"streamID"`
		// Reason tags why the stream ended.
		Reason EndReason `json:"reason"`
		// Timestamp records when the stream ended (UTC).
		Timestamp time.Time `json:"timestamp"`
	}

	// StreamError terminates a stream because the producing method failed.
	StreamError struct {
		// StreamID identifies the failed stream.
		StreamID uuid.UUID `json:"streamID"`
		// ErrorMessage describes the failure.
		ErrorMessage string `json:"errorMessage"`
		// Timestamp records when the failure was observed (UTC).
		Timestamp time.Time `json:"timestamp"`
	}

	// StreamResume is sent by a reconnecting client that holds a stream
	// identity and the last sequence number it observed. The server either
	// replays buffered frames past LastSequence or restarts the observe call
	// under a fresh stream identity.
	StreamResume struct {
		// StreamID is the stream the client wants to resume.
		StreamID uuid.UUID `json:"streamID"`
		// LastSequence is the highest sequence number the client observed.
		LastSequence uint64 `json:"lastSequence"`
		// ActorID addresses the actor backing the stream, used when the
		// server must restart the observe call.
		ActorID ActorID `json:"actorID"`
		// Target is the observe label backing the stream.
		Target string `json:"targetIdentifier"`
	}
)

// Kind implements Envelope.
func (*Invocation) Kind() Kind { return KindInvocation }

// Kind implements Envelope.
func (*Response) Kind() Kind { return KindResponse }

// Kind implements Envelope.
func (*StreamStart) Kind() Kind { return KindStreamStart }

// Kind implements Envelope.
func (*StreamData) Kind() Kind { return KindStreamData }

// Kind implements Envelope.
func (*StreamEnd) Kind() Kind { return KindStreamEnd }

// Kind implements Envelope.
func (*StreamError) Kind() Kind { return KindStreamError }

// Kind implements Envelope.
func (*StreamResume) Kind() Kind { return KindStreamResume }

// OK reports whether the response carries a successful result.
func (r *Response) OK() bool { return r.ErrorMessage == nil }

// SuccessResponse builds a Response carrying an encoded result.
func SuccessResponse(callID uuid.UUID, result []byte) *Response {
	return &Response{CallID: callID, Result: result}
}

// FailureResponse builds a Response carrying an error message.
func FailureResponse(callID uuid.UUID, msg string) *Response {
	return &Response{CallID: callID, ErrorMessage: &msg}
}
