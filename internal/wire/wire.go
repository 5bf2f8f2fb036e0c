// Package wire implements the control-frame codec shared by every channel:
// a fixed magic+length header followed by a typed, JSON-encoded body.
package wire

import (
	"encoding/binary"
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"github.com/ehrlich-b/datadist/internal/constants"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Header is the fixed-width frame prefix: magic(4) + body_size(8), both
// little-endian, matching spec.md §6's wire layout exactly.
type Header struct {
	Magic    uint32
	BodySize uint64
}

// EncodeHeader writes a header into an 12-byte buffer.
func EncodeHeader(h Header) []byte {
	buf := make([]byte, constants.HeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], h.Magic)
	binary.LittleEndian.PutUint64(buf[4:12], h.BodySize)
	return buf
}

// DecodeHeader parses a 12-byte buffer into a Header.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < constants.HeaderSize {
		return Header{}, fmt.Errorf("wire: short header buffer (%d bytes)", len(buf))
	}
	return Header{
		Magic:    binary.LittleEndian.Uint32(buf[0:4]),
		BodySize: binary.LittleEndian.Uint64(buf[4:12]),
	}, nil
}

// Frame is one decoded control message: the body always opens with a
// 4-byte little-endian type tag, followed by the JSON payload, carried
// inside the header's body_size bytes.
type Frame struct {
	Type int32
	Body []byte
}

// ErrBadMagic is returned when a header's magic does not match WireMagic;
// the caller must close the channel on this error.
var ErrBadMagic = fmt.Errorf("wire: bad magic, expected 0x%X", constants.WireMagic)

// Encode serialises a typed payload into a full frame (header + type + json
// body), ready to write to a control socket.
func Encode(msgType int32, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal body: %w", err)
	}
	typed := make([]byte, 4+len(body))
	binary.LittleEndian.PutUint32(typed[0:4], uint32(msgType))
	copy(typed[4:], body)

	h := Header{Magic: constants.WireMagic, BodySize: uint64(len(typed))}
	out := append(EncodeHeader(h), typed...)
	return out, nil
}

// DecodeFrame splits a validated body (per a Header already checked for
// magic) into its type tag and JSON payload.
func DecodeFrame(h Header, body []byte) (Frame, error) {
	if h.Magic != constants.WireMagic {
		return Frame{}, ErrBadMagic
	}
	if uint64(len(body)) != h.BodySize {
		return Frame{}, fmt.Errorf("wire: body length %d does not match header %d", len(body), h.BodySize)
	}
	if len(body) < 4 {
		return Frame{}, fmt.Errorf("wire: body too short for type tag (%d bytes)", len(body))
	}
	return Frame{
		Type: int32(binary.LittleEndian.Uint32(body[0:4])),
		Body: body[4:],
	}, nil
}

// Heartbeat carries no fields beyond the frame type; its presence is the
// message.
type Heartbeat struct{}

// BufferReq is the wire form of a buffer-staged transfer request.
type BufferReq struct {
	TransferType string `json:"transfer_type"` // "pull" | "push" | "release"
	ReqID        uint64 `json:"req_id"`
	TimeoutMs    uint64 `json:"timeout_ms"`
	// DataMemType is the placement (0=host, 1=device, mirroring
	// interfaces.MemType's iota ordering) of the actual tensor memory behind
	// SrcAddrs/DstAddrs, so the responder can stage through the pool of
	// matching type instead of guessing from TransferType. Kept as a plain
	// int rather than interfaces.MemType so this package doesn't need to
	// import interfaces.
	DataMemType int      `json:"data_mem_type"`
	SrcAddrs    []uint64 `json:"src_addrs"`
	DstAddrs    []uint64 `json:"dst_addrs"`
	BufferLens  []uint64 `json:"buffer_lens"`
	TotalLen    uint64   `json:"total_len"`
}

// BufferResp is the wire form of the corresponding response: the staging
// buffer's address and its ready-flag address, so the requester can poll it
// directly once the fabric has mapped the remote span.
type BufferResp struct {
	ReqID      uint64 `json:"req_id"`
	Status     string `json:"status"`
	BufferAddr uint64 `json:"buffer_addr"`
	FlagAddr   uint64 `json:"flag_addr"`
	BufferLen  uint64 `json:"buffer_len"`
}

// Marshal/Unmarshal wrap jsoniter so callers outside this package never need
// to import it directly.
func Marshal(v any) ([]byte, error)       { return json.Marshal(v) }
func Unmarshal(data []byte, v any) error  { return json.Unmarshal(data, v) }
