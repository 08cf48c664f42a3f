package cproto

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Wire constants. The magic, header layout, and field widths must stay
// bit-exact with the server; none of these change independently of a
// protocol version bump.
const (
	frameMagic = 0xEEDD1132

	minCompatVersion uint16 = 0x101
	currentVersion    uint16 = 0x102

	headerSize = 16
)

// Header is the fixed 16-byte frame header that precedes every payload
// on the wire.
type Header struct {
	Version     uint16
	PayloadSize uint32
	Sequence    uint32
}

// EncodeHeader writes a 16-byte header for an outbound frame into dst,
// which must be at least headerSize bytes. version is the sender's
// protocol version; reserved is always zero on send.
func EncodeHeader(dst []byte, version uint16, payloadSize uint32, sequence uint32) {
	binary.LittleEndian.PutUint32(dst[0:4], frameMagic)
	binary.LittleEndian.PutUint16(dst[4:6], version)
	binary.LittleEndian.PutUint16(dst[6:8], 0) // reserved
	binary.LittleEndian.PutUint32(dst[8:12], payloadSize)
	binary.LittleEndian.PutUint32(dst[12:16], sequence)
}

// DecodeHeader parses a 16-byte frame header. It validates magic and
// protocol version but not the sequence range, since the valid range
// depends on the caller's pipeline depth (see ValidateSequence).
func DecodeHeader(hdr []byte) (Header, error) {
	if len(hdr) < headerSize {
		return Header{}, errors.Wrap(ErrTruncated, "short header")
	}
	magic := binary.LittleEndian.Uint32(hdr[0:4])
	if magic != frameMagic {
		return Header{}, ErrInvalidMagic
	}
	version := binary.LittleEndian.Uint16(hdr[4:6])
	if version < minCompatVersion {
		return Header{}, ErrUnsupportedVersion
	}
	payloadSize := binary.LittleEndian.Uint32(hdr[8:12])
	sequence := binary.LittleEndian.Uint32(hdr[12:16])
	return Header{Version: version, PayloadSize: payloadSize, Sequence: sequence}, nil
}

// ValidateSequence checks that seq lies in [0, max). A reply whose
// sequence fails this check is a protocol error and must fail the
// connection.
func ValidateSequence(seq uint32, max uint32) error {
	if seq >= max {
		return ErrInvalidSequence
	}
	return nil
}

// EncodeRequest builds a complete frame (header + payload) for an
// outbound request: command code, primary arguments, and the trailing
// args chunk carrying the execution timeout.
func EncodeRequest(cmd Command, sequence uint32, args []any, execTimeoutMs int64) []byte {
	payload := encodeRequestPayload(cmd, args, execTimeoutMs)

	buf := make([]byte, headerSize+len(payload))
	EncodeHeader(buf, currentVersion, uint32(len(payload)), sequence)
	copy(buf[headerSize:], payload)
	return buf
}

func encodeRequestPayload(cmd Command, args []any, execTimeoutMs int64) []byte {
	var buf []byte
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], uint16(cmd))
	buf = append(buf, tmp[:]...)
	buf = appendArgs(buf, args)
	buf = appendArgs(buf, []any{execTimeoutMs})
	return buf
}

// DecodeRequestPayload reverses encodeRequestPayload. It is used by
// tests exercising the encode/decode round trip and by anything
// wanting to inspect the transport-level timeout chunk.
func DecodeRequestPayload(payload []byte) (cmd Command, args []any, execTimeoutMs int64, err error) {
	r := &byteReader{buf: payload}
	cmdVal, err := r.uint16()
	if err != nil {
		return 0, nil, 0, err
	}
	cmd = Command(cmdVal)

	args, err = decodeArgsStream(r)
	if err != nil {
		return 0, nil, 0, err
	}

	chunk, err := decodeArgsStream(r)
	if err != nil {
		return 0, nil, 0, err
	}
	if len(chunk) != 1 {
		return 0, nil, 0, errors.Wrap(ErrTruncated, "missing exec timeout chunk")
	}
	timeout, ok := chunk[0].(int64)
	if !ok {
		return 0, nil, 0, errors.Wrap(ErrTruncated, "exec timeout chunk has wrong type")
	}
	return cmd, args, timeout, nil
}

// DecodeArgs decodes a reply payload, which is a single tagged argument
// stream with no command prefix and no secondary chunk.
func DecodeArgs(payload []byte) ([]any, error) {
	r := &byteReader{buf: payload}
	return decodeArgsStream(r)
}
