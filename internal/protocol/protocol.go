package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Envelope wraps every message on the wire: a version, a message kind
// (query, reply or event), the op for query/reply pairs, a request ID
// correlating a reply to its query, and the op-specific payload.
type Envelope struct {
	Version   int             `json:"version"`
	Kind      Kind            `json:"kind"`
	Op        Op              `json:"op,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
	Timestamp int64           `json:"timestamp"`
	Error     *WireError      `json:"error,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewQuery builds a query envelope for op with a fresh request ID.
func NewQuery(op Op, payload any) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return &Envelope{
		Version:   Version,
		Kind:      KindQuery,
		Op:        op,
		RequestID: uuid.New().String(),
		Timestamp: time.Now().Unix(),
		Payload:   raw,
	}, nil
}

// NewReply builds a successful reply correlated to the given query.
func NewReply(query *Envelope, payload any) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return &Envelope{
		Version:   Version,
		Kind:      KindReply,
		Op:        query.Op,
		RequestID: query.RequestID,
		Timestamp: time.Now().Unix(),
		Payload:   raw,
	}, nil
}

// NewErrorReply builds a failed reply correlated to the given query,
// carrying the wire code for err.
func NewErrorReply(query *Envelope, err error) *Envelope {
	return &Envelope{
		Version:   Version,
		Kind:      KindReply,
		Op:        query.Op,
		RequestID: query.RequestID,
		Timestamp: time.Now().Unix(),
		Error:     NewWireError(err),
	}
}

// NewEvent builds an event envelope. Tick is zero on client-submitted
// events; the server sets it when forwarding or replaying.
func NewEvent(msg *EventMessage) (*Envelope, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return &Envelope{
		Version:   Version,
		Kind:      KindEvent,
		Timestamp: time.Now().Unix(),
		Payload:   raw,
	}, nil
}

// MarshalEnvelope converts an Envelope to JSON bytes after validation.
func MarshalEnvelope(env *Envelope) ([]byte, error) {
	if err := validateEnvelope(env); err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// UnmarshalEnvelope converts JSON bytes to an Envelope with validation.
func UnmarshalEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	if err := validateEnvelope(&env); err != nil {
		return nil, err
	}
	return &env, nil
}

// validateEnvelope checks version, kind and the kind's required fields.
func validateEnvelope(env *Envelope) error {
	if env.Version != Version {
		return fmt.Errorf("%w: got %d, expected %d", ErrUnsupportedVersion, env.Version, Version)
	}
	if env.Timestamp == 0 {
		return ErrMissingTimestamp
	}
	switch env.Kind {
	case KindQuery, KindReply:
		if env.Op == "" {
			return ErrMissingOp
		}
		if env.RequestID == "" {
			return ErrMissingRequestID
		}
	case KindEvent:
		if len(env.Payload) == 0 {
			return ErrInvalidPayload
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, env.Kind)
	}
	return nil
}

// DecodePayload unmarshals the envelope payload into dst.
func DecodePayload(env *Envelope, dst any) error {
	if len(env.Payload) == 0 {
		return ErrInvalidPayload
	}
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}
