package cproto

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
)

// Argument tags. The codec only knows about these semantic types; there
// is no virtual dispatch, only an explicit switch at encode time and an
// explicit switch on the tag byte at decode time.
type argTag byte

const (
	tagInt32 argTag = iota + 1
	tagInt64
	tagDouble
	tagBool
	tagString
	tagNull
	tagTuple
)

// appendArgs appends a count-prefixed tagged argument stream to dst.
func appendArgs(dst []byte, args []any) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint32(tmp[:4], uint32(len(args)))
	dst = append(dst, tmp[:4]...)
	for _, a := range args {
		dst = appendArg(dst, a)
	}
	return dst
}

func appendArg(dst []byte, a any) []byte {
	var tmp [8]byte
	switch v := a.(type) {
	case nil:
		dst = append(dst, byte(tagNull))
	case int32:
		dst = append(dst, byte(tagInt32))
		binary.LittleEndian.PutUint32(tmp[:4], uint32(v))
		dst = append(dst, tmp[:4]...)
	case int64:
		dst = append(dst, byte(tagInt64))
		binary.LittleEndian.PutUint64(tmp[:8], uint64(v))
		dst = append(dst, tmp[:8]...)
	case float64:
		dst = append(dst, byte(tagDouble))
		binary.LittleEndian.PutUint64(tmp[:8], math.Float64bits(v))
		dst = append(dst, tmp[:8]...)
	case bool:
		dst = append(dst, byte(tagBool))
		if v {
			dst = append(dst, 1)
		} else {
			dst = append(dst, 0)
		}
	case string:
		dst = append(dst, byte(tagString))
		binary.LittleEndian.PutUint32(tmp[:4], uint32(len(v)))
		dst = append(dst, tmp[:4]...)
		dst = append(dst, v...)
	case []byte:
		dst = append(dst, byte(tagString))
		binary.LittleEndian.PutUint32(tmp[:4], uint32(len(v)))
		dst = append(dst, tmp[:4]...)
		dst = append(dst, v...)
	case []any:
		dst = append(dst, byte(tagTuple))
		dst = appendArgs(dst, v)
	default:
		// Unreachable from Call/CallAsync, which coerce before reaching
		// the codec; a direct caller of appendArg with an unsupported
		// type is a programming error.
		panic(errors.Wrap(ErrInvalidArgument, "unsupported codec argument type"))
	}
	return dst
}

// byteReader is a minimal forward-only cursor over a decode buffer. It is
// not exported: the codec's public decode entry points are DecodeArgs /
// DecodeRequestPayload / DecodeHeader.
type byteReader struct {
	buf []byte
	pos int
}

func (r *byteReader) remaining() int { return len(r.buf) - r.pos }

func (r *byteReader) byte() (byte, error) {
	if r.remaining() < 1 {
		return 0, errors.Wrap(ErrTruncated, "byte")
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

func (r *byteReader) uint16() (uint16, error) {
	if r.remaining() < 2 {
		return 0, errors.Wrap(ErrTruncated, "uint16")
	}
	v := binary.LittleEndian.Uint16(r.buf[r.pos : r.pos+2])
	r.pos += 2
	return v, nil
}

func (r *byteReader) uint32() (uint32, error) {
	if r.remaining() < 4 {
		return 0, errors.Wrap(ErrTruncated, "uint32")
	}
	v := binary.LittleEndian.Uint32(r.buf[r.pos : r.pos+4])
	r.pos += 4
	return v, nil
}

func (r *byteReader) uint64() (uint64, error) {
	if r.remaining() < 8 {
		return 0, errors.Wrap(ErrTruncated, "uint64")
	}
	v := binary.LittleEndian.Uint64(r.buf[r.pos : r.pos+8])
	r.pos += 8
	return v, nil
}

func (r *byteReader) bytes(n int) ([]byte, error) {
	if r.remaining() < n {
		return nil, errors.Wrap(ErrTruncated, "bytes")
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func decodeArgsStream(r *byteReader) ([]any, error) {
	count, err := r.uint32()
	if err != nil {
		return nil, err
	}
	args := make([]any, 0, count)
	for i := uint32(0); i < count; i++ {
		v, err := decodeArg(r)
		if err != nil {
			return nil, err
		}
		args = append(args, v)
	}
	return args, nil
}

func decodeArg(r *byteReader) (any, error) {
	tagByte, err := r.byte()
	if err != nil {
		return nil, err
	}
	switch argTag(tagByte) {
	case tagNull:
		return nil, nil
	case tagInt32:
		v, err := r.uint32()
		if err != nil {
			return nil, err
		}
		return int32(v), nil
	case tagInt64:
		v, err := r.uint64()
		if err != nil {
			return nil, err
		}
		return int64(v), nil
	case tagDouble:
		v, err := r.uint64()
		if err != nil {
			return nil, err
		}
		return math.Float64frombits(v), nil
	case tagBool:
		b, err := r.byte()
		if err != nil {
			return nil, err
		}
		return b != 0, nil
	case tagString:
		n, err := r.uint32()
		if err != nil {
			return nil, err
		}
		b, err := r.bytes(int(n))
		if err != nil {
			return nil, err
		}
		return string(b), nil
	case tagTuple:
		return decodeArgsStream(r)
	default:
		return nil, errors.Wrapf(ErrTruncated, "unknown argument tag %d", tagByte)
	}
}
