package wire

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/objectwire/objectwire/rpcerrors"
)

// ProtocolVersion is the envelope protocol revision spoken by this codec.
const ProtocolVersion = 1

// MarshalJSON writes the invocation with its discriminator.
func (e *Invocation) MarshalJSON() ([]byte, error) {
	type alias Invocation
	return json.Marshal(struct {
		Type Kind `json:"type"`
		*alias
	}{KindInvocation, (*alias)(e)})
}

// MarshalJSON writes the response with its discriminator.
func (e *Response) MarshalJSON() ([]byte, error) {
	type alias Response
	return json.Marshal(struct {
		Type Kind `json:"type"`
		*alias
	}{KindResponse, (*alias)(e)})
}

// MarshalJSON writes the stream-start frame with its discriminator.
func (e *StreamStart) MarshalJSON() ([]byte, error) {
	type alias StreamStart
	return json.Marshal(struct {
		Type Kind `json:"type"`
		*alias
	}{KindStreamStart, (*alias)(e)})
}

// MarshalJSON writes the stream-data frame with its discriminator.
func (e *StreamData) MarshalJSON() ([]byte, error) {
	type alias StreamData
	return json.Marshal(struct {
		Type Kind `json:"type"`
		*alias
	}{KindStreamData, (*alias)(e)})
}

// MarshalJSON writes the stream-end frame with its discriminator.
func (e *StreamEnd) MarshalJSON() ([]byte, error) {
	type alias StreamEnd
	return json.Marshal(struct {
		Type Kind `json:"type"`
		*alias
	}{KindStreamEnd, (*alias)(e)})
}

// MarshalJSON writes the stream-error frame with its discriminator.
func (e *StreamError) MarshalJSON() ([]byte, error) {
	type alias StreamError
	return json.Marshal(struct {
		Type Kind `json:"type"`
		*alias
	}{KindStreamError, (*alias)(e)})
}

// MarshalJSON writes the stream-resume frame with its discriminator.
func (e *StreamResume) MarshalJSON() ([]byte, error) {
	type alias StreamResume
	return json.Marshal(struct {
		Type Kind `json:"type"`
		*alias
	}{KindStreamResume, (*alias)(e)})
}

// Encode serializes an envelope to its JSON wire form.
func Encode(env Envelope) ([]byte, error) {
	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", env.Kind(), err)
	}
	return b, nil
}

// Decode parses a JSON wire message into its envelope type. It fails with a
// *rpcerrors.ProtocolError when the discriminator is missing or unknown, when
// the body does not parse, or when a required field is absent.
func Decode(data []byte) (Envelope, error) {
	var probe struct {
		Type Kind `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, &rpcerrors.ProtocolError{Reason: fmt.Sprintf("malformed envelope: %s", err)}
	}
	switch probe.Type {
	case KindInvocation:
		var env Invocation
		if err := json.Unmarshal(data, &env); err != nil {
			return nil, &rpcerrors.ProtocolError{Reason: fmt.Sprintf("malformed invocation: %s", err)}
		}
		if env.CallID == uuid.Nil {
			return nil, &rpcerrors.ProtocolError{Reason: "invocation missing callID"}
		}
		if err := env.ActorID.Validate(); err != nil {
			return nil, &rpcerrors.ProtocolError{Reason: fmt.Sprintf("invocation actorID: %s", err)}
		}
		if env.Target == "" {
			return nil, &rpcerrors.ProtocolError{Reason: "invocation missing targetIdentifier"}
		}
		if env.ProtocolVersion == 0 {
			env.ProtocolVersion = ProtocolVersion
		}
		if env.StreamFilter != nil {
			if err := env.StreamFilter.Validate(); err != nil {
				return nil, &rpcerrors.ProtocolError{Reason: fmt.Sprintf("invocation streamFilter: %s", err)}
			}
		}
		return &env, nil
	case KindResponse:
		var env Response
		if err := json.Unmarshal(data, &env); err != nil {
			return nil, &rpcerrors.ProtocolError{Reason: fmt.Sprintf("malformed response: %s", err)}
		}
		if env.CallID == uuid.Nil {
			return nil, &rpcerrors.ProtocolError{Reason: "response missing callID"}
		}
		return &env, nil
	case KindStreamStart:
		var env StreamStart
		if err := json.Unmarshal(data, &env); err != nil {
			return nil, &rpcerrors.ProtocolError{Reason: fmt.Sprintf("malformed streamStart: %s", err)}
		}
		if env.StreamID == uuid.Nil {
			return nil, &rpcerrors.ProtocolError{Reason: "streamStart missing streamID"}
		}
		return &env, nil
	case KindStreamData:
		var env StreamData
		if err := json.Unmarshal(data, &env); err != nil {
			return nil, &rpcerrors.ProtocolError{Reason: fmt.Sprintf("malformed streamData: %s", err)}
		}
		if env.StreamID == uuid.Nil {
			return nil, &rpcerrors.ProtocolError{Reason: "streamData missing streamID"}
		}
		if env.Sequence == 0 {
			return nil, &rpcerrors.ProtocolError{Reason: "streamData missing sequenceNumber"}
		}
		return &env, nil
	case KindStreamEnd:
		var env StreamEnd
		if err := json.Unmarshal(data, &env); err != nil {
			return nil, &rpcerrors.ProtocolError{Reason: fmt.Sprintf("malformed streamEnd: %s", err)}
		}
		if env.StreamID == uuid.Nil {
			return nil, &rpcerrors.ProtocolError{Reason: "streamEnd missing streamID"}
		}
		switch env.Reason {
		case EndCompleted, EndError, EndCancelled:
		default:
			return nil, &rpcerrors.ProtocolError{Reason: fmt.Sprintf("streamEnd unknown reason %q", env.Reason)}
		}
		return &env, nil
	case KindStreamError:
		var env StreamError
		if err := json.Unmarshal(data, &env); err != nil {
			return nil, &rpcerrors.ProtocolError{Reason: fmt.Sprintf("malformed streamError: %s", err)}
		}
		if env.StreamID == uuid.Nil {
			return nil, &rpcerrors.ProtocolError{Reason: "streamError missing streamID"}
		}
		return &env, nil
	case KindStreamResume:
		var env StreamResume
		if err := json.Unmarshal(data, &env); err != nil {
			return nil, &rpcerrors.ProtocolError{Reason: fmt.Sprintf("malformed streamResume: %s", err)}
		}
		if env.StreamID == uuid.Nil {
			return nil, &rpcerrors.ProtocolError{Reason: "streamResume missing streamID"}
		}
		if err := env.ActorID.Validate(); err != nil {
			return nil, &rpcerrors.ProtocolError{Reason: fmt.Sprintf("streamResume actorID: %s", err)}
		}
		return &env, nil
	case "":
		return nil, &rpcerrors.ProtocolError{Reason: "envelope missing type discriminator"}
	default:
		return nil, &rpcerrors.ProtocolError{Reason: fmt.Sprintf("unknown envelope type %q", probe.Type)}
	}
}
