package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// BinaryCodec implements the binary-schema dialect: a fixed-order, explicit
// byte-level encoding with no reflection and no generic framework — every
// field is read and written by hand with bounds checks via io.ReadFull and
// the stdlib varint helpers.
type BinaryCodec struct{}

// ErrShortPayload means the buffer ended before every field could be read.
var ErrShortPayload = fmt.Errorf("protocol: short payload")

func putString(buf *bytes.Buffer, s string) {
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(s)))
	buf.Write(lenBuf[:n])
	buf.WriteString(s)
}

type byteStringReader interface {
	io.ByteReader
	io.Reader
}

func readString(r byteStringReader) (string, error) {
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return "", ErrShortPayload
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", ErrShortPayload
	}
	return string(b), nil
}

// EncodeRequest serializes req as: method(1) id(8 BE) type(varint-string)
// key(varint-string) count(signed varint) all(1).
func (BinaryCodec) EncodeRequest(req *Request) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(byte(req.Method))

	var idBuf [8]byte
	binary.BigEndian.PutUint64(idBuf[:], req.ID)
	buf.Write(idBuf[:])

	putString(&buf, req.Type)
	putString(&buf, req.Key)

	var countBuf [binary.MaxVarintLen64]byte
	n := binary.PutVarint(countBuf[:], req.Count)
	buf.Write(countBuf[:n])

	if req.All {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}

	return buf.Bytes(), nil
}

// DecodeRequest parses payload into a Request. An unrecognized method byte
// is still decoded (ID is recovered) so the caller can emit
// ErrorResponse{UNKNOWN_METHOD} correlated by ID rather than closing blind.
func (BinaryCodec) DecodeRequest(payload []byte) (*Request, error) {
	r := bytes.NewReader(payload)

	methodByte, err := r.ReadByte()
	if err != nil {
		return nil, ErrShortPayload
	}

	var idBuf [8]byte
	if _, err := io.ReadFull(r, idBuf[:]); err != nil {
		return nil, ErrShortPayload
	}
	id := binary.BigEndian.Uint64(idBuf[:])

	typ, err := readString(r)
	if err != nil {
		return &Request{ID: id, Method: Method(methodByte)}, err
	}
	key, err := readString(r)
	if err != nil {
		return &Request{ID: id, Method: Method(methodByte)}, err
	}

	count, err := binary.ReadVarint(r)
	if err != nil {
		return &Request{ID: id, Method: Method(methodByte), Type: typ, Key: key}, ErrShortPayload
	}

	allByte, err := r.ReadByte()
	if err != nil {
		return nil, ErrShortPayload
	}

	return &Request{
		ID:     id,
		Method: Method(methodByte),
		Type:   typ,
		Key:    key,
		Count:  count,
		All:    allByte != 0,
	}, nil
}

const (
	variantTake byte = iota + 1
	variantPut
	variantStatus
	variantError
)

// EncodeResponse serializes resp as: variant(1) id(8 BE) then
// variant-specific fields.
func (BinaryCodec) EncodeResponse(resp *Response) ([]byte, error) {
	var buf bytes.Buffer

	var idBuf [8]byte
	binary.BigEndian.PutUint64(idBuf[:], resp.ID)

	switch b := resp.Body.(type) {
	case TakeBody:
		buf.WriteByte(variantTake)
		buf.Write(idBuf[:])
		if b.Conformant {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
		writeFloat64(&buf, b.Remaining)
		writeUvarint(&buf, uint64(b.Limit))
		writeInt64(&buf, b.Reset)

	case PutBody:
		buf.WriteByte(variantPut)
		buf.Write(idBuf[:])
		writeFloat64(&buf, b.Remaining)
		writeUvarint(&buf, uint64(b.Limit))
		writeInt64(&buf, b.Reset)

	case StatusBody:
		buf.WriteByte(variantStatus)
		buf.Write(idBuf[:])
		writeUvarint(&buf, uint64(len(b.Items)))
		for key, item := range b.Items {
			putString(&buf, key)
			writeFloat64(&buf, item.Remaining)
			writeUvarint(&buf, uint64(item.Limit))
			writeInt64(&buf, item.Reset)
		}

	case ErrorBody:
		buf.WriteByte(variantError)
		buf.Write(idBuf[:])
		putString(&buf, b.Kind)
		putString(&buf, b.Message)

	default:
		return nil, fmt.Errorf("protocol: unknown response body type %T", resp.Body)
	}

	return buf.Bytes(), nil
}

// DecodeResponse parses payload into a Response.
func (BinaryCodec) DecodeResponse(payload []byte) (*Response, error) {
	r := bytes.NewReader(payload)

	variant, err := r.ReadByte()
	if err != nil {
		return nil, ErrShortPayload
	}

	var idBuf [8]byte
	if _, err := io.ReadFull(r, idBuf[:]); err != nil {
		return nil, ErrShortPayload
	}
	id := binary.BigEndian.Uint64(idBuf[:])

	switch variant {
	case variantTake:
		conformantByte, err := r.ReadByte()
		if err != nil {
			return nil, ErrShortPayload
		}
		remaining, err := readFloat64(r)
		if err != nil {
			return nil, err
		}
		limit, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, ErrShortPayload
		}
		reset, err := readInt64(r)
		if err != nil {
			return nil, err
		}
		return &Response{ID: id, Body: TakeBody{
			Conformant: conformantByte != 0,
			Remaining:  remaining,
			Limit:      int64(limit),
			Reset:      reset,
		}}, nil

	case variantPut:
		remaining, err := readFloat64(r)
		if err != nil {
			return nil, err
		}
		limit, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, ErrShortPayload
		}
		reset, err := readInt64(r)
		if err != nil {
			return nil, err
		}
		return &Response{ID: id, Body: PutBody{Remaining: remaining, Limit: int64(limit), Reset: reset}}, nil

	case variantStatus:
		count, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, ErrShortPayload
		}
		items := make(map[string]StatusItem, count)
		for i := uint64(0); i < count; i++ {
			key, err := readString(r)
			if err != nil {
				return nil, err
			}
			remaining, err := readFloat64(r)
			if err != nil {
				return nil, err
			}
			limit, err := binary.ReadUvarint(r)
			if err != nil {
				return nil, ErrShortPayload
			}
			reset, err := readInt64(r)
			if err != nil {
				return nil, err
			}
			items[key] = StatusItem{Remaining: remaining, Limit: int64(limit), Reset: reset}
		}
		return &Response{ID: id, Body: StatusBody{Items: items}}, nil

	case variantError:
		kind, err := readString(r)
		if err != nil {
			return nil, err
		}
		msg, err := readString(r)
		if err != nil {
			return nil, err
		}
		return &Response{ID: id, Body: ErrorBody{Kind: kind, Message: msg}}, nil

	default:
		return nil, fmt.Errorf("protocol: unknown response variant %d", variant)
	}
}

func writeFloat64(buf *bytes.Buffer, f float64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], math.Float64bits(f))
	buf.Write(b[:])
}

func readFloat64(r io.Reader) (float64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, ErrShortPayload
	}
	return math.Float64frombits(binary.BigEndian.Uint64(b[:])), nil
}

func writeInt64(buf *bytes.Buffer, v int64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	buf.Write(b[:])
}

func readInt64(r io.Reader) (int64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, ErrShortPayload
	}
	return int64(binary.BigEndian.Uint64(b[:])), nil
}

func writeUvarint(buf *bytes.Buffer, v uint64) {
	var b [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(b[:], v)
	buf.Write(b[:n])
}
