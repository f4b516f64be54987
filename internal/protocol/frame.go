package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/vaultsync/vaultsync/internal/e2ee"
)

// Frame is the outermost wire structure. When Encrypted is true the
// payload is an e2ee.Envelope; otherwise it is a plaintext Message.
type Frame struct {
	Encrypted bool            `json:"encrypted"`
	Payload   json.RawMessage `json:"payload"`
}

// Frame codec errors.
var (
	ErrBadFrame     = errors.New("protocol: malformed frame")
	ErrNeedKey      = errors.New("protocol: encrypted frame received without an active key")
	ErrMustBeSealed = errors.New("protocol: message type requires encryption when a key is active")
)

// EncodeMessage marshals a single message (without the frame). The type
// discriminator is stamped before marshaling so hand-built structs cannot
// go out with an empty type field.
func EncodeMessage(m Message) ([]byte, error) {
	m.stamp()

	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: encoding %s: %w", m.MessageType(), err)
	}

	return data, nil
}

// DecodeMessage parses a payload into its concrete message type,
// rejecting unknown variants.
func DecodeMessage(data []byte) (Message, error) {
	var probe struct {
		Type MessageType `json:"type"`
	}

	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("protocol: probing message type: %w", err)
	}

	var m Message

	switch probe.Type {
	case TypeHello:
		m = &Hello{}
	case TypeHelloAck:
		m = &HelloAck{}
	case TypeIndexRequest:
		m = &IndexRequest{}
	case TypeIndexResponse:
		m = &IndexResponse{}
	case TypeDeltaPush:
		m = &DeltaPush{}
	case TypeDeltaAck:
		m = &DeltaAck{}
	case TypeFileRequest:
		m = &FileRequest{}
	case TypeFileResponse:
		m = &FileResponse{}
	case TypePairRequest:
		m = &PairRequest{}
	case TypePairConfirm:
		m = &PairConfirm{}
	case TypeDeviceList:
		m = &DeviceList{}
	case TypePing:
		m = &Ping{}
	case TypePong:
		m = &Pong{}
	case TypeError:
		m = &Error{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, probe.Type)
	}

	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("protocol: decoding %s: %w", probe.Type, err)
	}

	return m, nil
}

// EncodeFrame produces the full wire bytes for a message. When key is
// non-nil and the message is not whitelisted plaintext, the payload is
// sealed into an envelope first. Whitelisted messages always travel
// plaintext so the handshake can bootstrap without key material.
func EncodeFrame(m Message, key []byte) ([]byte, error) {
	payload, err := EncodeMessage(m)
	if err != nil {
		return nil, err
	}

	if len(key) == 0 || IsPlaintext(m.MessageType()) {
		data, err := json.Marshal(Frame{Encrypted: false, Payload: payload})
		if err != nil {
			return nil, fmt.Errorf("protocol: encoding frame: %w", err)
		}

		return data, nil
	}

	env, err := e2ee.Seal(key, payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: sealing %s: %w", m.MessageType(), err)
	}

	envJSON, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("protocol: encoding envelope: %w", err)
	}

	data, err := json.Marshal(Frame{Encrypted: true, Payload: envJSON})
	if err != nil {
		return nil, fmt.Errorf("protocol: encoding frame: %w", err)
	}

	return data, nil
}

// ParseFrame splits the outer frame without touching the payload. The
// relay uses this to route encrypted frames opaquely.
func ParseFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadFrame, err)
	}

	if len(f.Payload) == 0 {
		return nil, ErrBadFrame
	}

	return &f, nil
}

// DecodeFrame parses wire bytes to a concrete message, unsealing
// encrypted payloads with the given key. A receiver without a key fails
// encrypted frames with ErrNeedKey.
func DecodeFrame(data []byte, key []byte) (Message, error) {
	f, err := ParseFrame(data)
	if err != nil {
		return nil, err
	}

	if !f.Encrypted {
		return DecodeMessage(f.Payload)
	}

	if len(key) == 0 {
		return nil, ErrNeedKey
	}

	var env e2ee.Envelope
	if err := json.Unmarshal(f.Payload, &env); err != nil {
		return nil, fmt.Errorf("%w: bad envelope: %v", ErrBadFrame, err)
	}

	plaintext, err := e2ee.Open(key, &env)
	if err != nil {
		return nil, fmt.Errorf("protocol: opening envelope: %w", err)
	}

	return DecodeMessage(plaintext)
}
