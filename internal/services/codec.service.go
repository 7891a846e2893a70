package services

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"relaymon/internal/models"
)

// StatusBufferSize is the fixed size of a status message on the collector socket.
const StatusBufferSize = 256

var (
	// ErrShortMessage is returned when fewer than 24 bytes are given to DecodeTelemetry.
	ErrShortMessage = errors.New("telemetry message shorter than 24 bytes")
	// ErrUnknownFraming is returned for an unsupported status framing mode.
	ErrUnknownFraming = errors.New("unknown status framing")
)

// DecodeTelemetry decodes the fixed 24-byte little-endian telemetry layout:
//
//	pid:int32 | progress:f32 | send:f32 | recv:f32 | delay:f32 | scatter:f32
//
// Only the slice length is checked. Values are not range-validated.
func DecodeTelemetry(buf []byte) (models.TelemetryMessage, error) {
	if len(buf) < models.TelemetryMessageSize {
		return models.TelemetryMessage{}, fmt.Errorf("decode telemetry (%d bytes): %w", len(buf), ErrShortMessage)
	}
	return models.TelemetryMessage{
		PID:         int32(binary.LittleEndian.Uint32(buf[0:4])),
		Progress:    readFloat32(buf[4:8]),
		SendTime:    readFloat32(buf[8:12]),
		RecvTime:    readFloat32(buf[12:16]),
		DelayTime:   readFloat32(buf[16:20]),
		ScatterTime: readFloat32(buf[20:24]),
	}, nil
}

// EncodeTelemetry produces the wire form of msg. Workers written in Go use it;
// the agent itself only decodes.
func EncodeTelemetry(msg models.TelemetryMessage) []byte {
	buf := make([]byte, models.TelemetryMessageSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(msg.PID))
	binary.LittleEndian.PutUint32(buf[4:8], math.Float32bits(msg.Progress))
	binary.LittleEndian.PutUint32(buf[8:12], math.Float32bits(msg.SendTime))
	binary.LittleEndian.PutUint32(buf[12:16], math.Float32bits(msg.RecvTime))
	binary.LittleEndian.PutUint32(buf[16:20], math.Float32bits(msg.DelayTime))
	binary.LittleEndian.PutUint32(buf[20:24], math.Float32bits(msg.ScatterTime))
	return buf
}

func readFloat32(b []byte) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(b))
}

// MarshalStatus renders a status as its JSON object.
func MarshalStatus(status models.Status) ([]byte, error) {
	switch s := status.(type) {
	case models.NodeStatus:
		return json.Marshal(s)
	case models.ProcessStatus:
		return json.Marshal(s)
	default:
		return nil, fmt.Errorf("marshal status: unsupported type %T", status)
	}
}

// EncodeStatus frames a status for the collector socket. With FramingFixed256
// the JSON is copied into a zero-padded 256-byte buffer and truncated is true
// when the payload did not fit; the collector has no way to detect that.
func EncodeStatus(status models.Status, framing models.StatusFraming) (frame []byte, truncated bool, err error) {
	payload, err := MarshalStatus(status)
	if err != nil {
		return nil, false, err
	}

	switch framing {
	case models.FramingFixed256, "":
		frame = make([]byte, StatusBufferSize)
		copy(frame, payload)
		return frame, len(payload) > StatusBufferSize, nil
	case models.FramingLengthPrefixed:
		frame = make([]byte, 4+len(payload))
		binary.BigEndian.PutUint32(frame[0:4], uint32(len(payload)))
		copy(frame[4:], payload)
		return frame, false, nil
	default:
		return nil, false, fmt.Errorf("%w: %q", ErrUnknownFraming, framing)
	}
}
