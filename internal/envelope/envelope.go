// Package envelope implements the length-delimited, type-tagged message
// framing shared by the replication stream and the backup protocol: a
// 1-byte message type, a 4-byte big-endian body length, and the body
// itself. All multi-byte integers travel in network byte order; 64-bit
// values are split into two 32-bit halves, high half first.
package envelope

import (
	"encoding/binary"
	"fmt"
	"io"
)

// ReservedType is never a valid message type; receiving it is a protocol
// error.
const ReservedType byte = 0xFE

// ProtocolError reports a framing violation involving the reserved type
// id. Truncated reads are reported as the underlying io error instead.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string { return "envelope: protocol error: " + e.Reason }

// Message is one framed envelope: a type tag plus an opaque body.
type Message struct {
	Type byte
	Body []byte
}

// Write frames and writes msg to w: 1 byte type, 4 bytes big-endian body
// length, then the body.
func Write(w io.Writer, msg Message) error {
	if msg.Type == ReservedType {
		return &ProtocolError{Reason: fmt.Sprintf("type 0x%02X is reserved and must never be sent", ReservedType)}
	}
	header := make([]byte, 5)
	header[0] = msg.Type
	binary.BigEndian.PutUint32(header[1:5], uint32(len(msg.Body)))
	if _, err := w.Write(header); err != nil {
		return err
	}
	if len(msg.Body) == 0 {
		return nil
	}
	_, err := w.Write(msg.Body)
	return err
}

// Read parses one framed envelope from r. The reserved type id is a
// *ProtocolError; every other type id is returned as read. Any truncated
// read surfaces the underlying io error (typically io.ErrUnexpectedEOF for
// a short body).
func Read(r io.Reader) (Message, error) {
	var header [5]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Message{}, err
	}
	msgType := header[0]
	if msgType == ReservedType {
		return Message{}, &ProtocolError{Reason: fmt.Sprintf("received reserved type 0x%02X", ReservedType)}
	}
	n := binary.BigEndian.Uint32(header[1:5])
	body := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			return Message{}, err
		}
	}
	return Message{Type: msgType, Body: body}, nil
}

// PutUint16 appends v to buf in network byte order.
func PutUint16(buf []byte, v uint16) []byte {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	return append(buf, b[:]...)
}

// PutUint32 appends v to buf in network byte order.
func PutUint32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}

// PutUint64 appends v to buf as two network-byte-order 32-bit halves,
// high half first.
func PutUint64(buf []byte, v uint64) []byte {
	buf = PutUint32(buf, uint32(v>>32))
	buf = PutUint32(buf, uint32(v))
	return buf
}

// PutString appends a uint32 length prefix followed by the raw (8-bit
// clean) bytes of s.
func PutString(buf []byte, s string) []byte {
	buf = PutUint32(buf, uint32(len(s)))
	return append(buf, s...)
}

// Uint16 reads a network-byte-order uint16 from r.
func Uint16(r io.Reader) (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b[:]), nil
}

// Uint32 reads a network-byte-order uint32 from r.
func Uint32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

// Uint64 reads a network-byte-order uint64 from r as two 32-bit halves,
// high half first.
func Uint64(r io.Reader) (uint64, error) {
	high, err := Uint32(r)
	if err != nil {
		return 0, err
	}
	low, err := Uint32(r)
	if err != nil {
		return 0, err
	}
	return uint64(high)<<32 | uint64(low), nil
}

// String reads a uint32-length-prefixed, 8-bit-clean string from r.
func String(r io.Reader) (string, error) {
	n, err := Uint32(r)
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, buf); err != nil {
			return "", err
		}
	}
	return string(buf), nil
}
