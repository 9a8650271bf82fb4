package codec

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Data-plane messages travel as binary websocket frames: a one-byte
// kind tag followed by a CBOR body. The control plane stays JSON text
// frames; only the high-volume payloads take the binary path.
const (
	kindFrame byte = 0x01
	kindInput byte = 0x02
)

// FrameMessage carries one compressed, encrypted screen frame from
// target to controller. Data is ciphertext end to end; the relay
// forwards it without the session key.
type FrameMessage struct {
	SessionID string `cbor:"sid"`
	Sequence  uint64 `cbor:"seq"`
	Width     int    `cbor:"w"`
	Height    int    `cbor:"h"`
	Codec     string `cbor:"codec"`
	Data      []byte `cbor:"data"`
}

// InputMessage carries one encrypted input event from controller to
// target. Data is the ciphertext of a CBOR-encoded InputEvent.
type InputMessage struct {
	SessionID string `cbor:"sid"`
	Sequence  uint64 `cbor:"seq"`
	Data      []byte `cbor:"data"`
}

// EncodeFrame serializes a frame message for the wire.
func EncodeFrame(m FrameMessage) ([]byte, error) {
	body, err := cbor.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode frame message: %w", err)
	}
	return append([]byte{kindFrame}, body...), nil
}

// EncodeInput serializes an input message for the wire.
func EncodeInput(m InputMessage) ([]byte, error) {
	body, err := cbor.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode input message: %w", err)
	}
	return append([]byte{kindInput}, body...), nil
}

// DecodeBinary parses a binary wire message into *FrameMessage or
// *InputMessage. Unknown kinds and malformed bodies are protocol
// errors; the caller replies and keeps the connection alive.
func DecodeBinary(data []byte) (any, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("binary message too short (%d bytes)", len(data))
	}
	switch data[0] {
	case kindFrame:
		var m FrameMessage
		if err := cbor.Unmarshal(data[1:], &m); err != nil {
			return nil, fmt.Errorf("decode frame message: %w", err)
		}
		return &m, nil
	case kindInput:
		var m InputMessage
		if err := cbor.Unmarshal(data[1:], &m); err != nil {
			return nil, fmt.Errorf("decode input message: %w", err)
		}
		return &m, nil
	default:
		return nil, fmt.Errorf("unknown binary message kind 0x%02x", data[0])
	}
}
