// Package frame implements the length-prefixed JSON framing shared by the
// native messaging pipe and the TCP link to the desktop application.
// A frame is a 4-byte length prefix followed by that many bytes of UTF-8
// JSON. The byte order of the prefix is a property of the Codec, so each
// transport carries its own.
package frame

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/routine/routine-host/internal/types"
)

const (
	// PrefixSize is the size of the length prefix in bytes.
	PrefixSize = 4

	// MaxPayloadSize is the largest payload a 32-bit prefix can describe.
	MaxPayloadSize = math.MaxUint32
)

var (
	// ErrFrameTooLarge is returned when a payload does not fit the
	// codec's size limit.
	ErrFrameTooLarge = errors.New("frame too large")

	// ErrTruncated is returned when the stream ends inside a frame.
	ErrTruncated = errors.New("truncated frame")

	// ErrMalformedPayload is returned when the payload is not a UTF-8 JSON
	// object with a string "action" member.
	ErrMalformedPayload = errors.New("malformed payload")
)

// DecodeError describes why a frame could not be read.
type DecodeError struct {
	// Kind is ErrTruncated, ErrMalformedPayload or ErrFrameTooLarge.
	Kind error
	// Length is the declared payload length, if the prefix was read.
	Length uint32
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode frame (length %d): %v: %v", e.Length, e.Kind, e.Err)
	}
	return fmt.Sprintf("decode frame (length %d): %v", e.Length, e.Kind)
}

// Is makes errors.Is match both the kind and the underlying cause.
func (e *DecodeError) Is(target error) bool {
	return target == e.Kind
}

func (e *DecodeError) Unwrap() error { return e.Err }

// IsDecodeError reports whether err came from a malformed or cut-off frame.
func IsDecodeError(err error) bool {
	var decodeErr *DecodeError
	return errors.As(err, &decodeErr)
}

// Codec encodes and decodes frames with a fixed prefix byte order.
type Codec struct {
	Order binary.ByteOrder
	// MaxSize caps payload length in bytes. Zero means MaxPayloadSize.
	MaxSize uint32
}

// NewCodec returns a Codec with the given byte order and size limit.
func NewCodec(order binary.ByteOrder, maxSize uint32) Codec {
	return Codec{Order: order, MaxSize: maxSize}
}

func (c Codec) limit() uint64 {
	if c.MaxSize == 0 {
		return MaxPayloadSize
	}
	return uint64(c.MaxSize)
}

func (c Codec) order() binary.ByteOrder {
	if c.Order == nil {
		return NativeOrder()
	}
	return c.Order
}

// Marshal renders msg as canonical JSON: compact, no HTML escaping and a
// literal null for absent data.
func Marshal(msg types.Message) ([]byte, error) {
	if len(msg.Data) == 0 {
		msg.Data = json.RawMessage("null")
	}
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(msg); err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
}

// Encode returns the complete frame (prefix and payload) for msg.
func (c Codec) Encode(msg types.Message) ([]byte, error) {
	payload, err := Marshal(msg)
	if err != nil {
		return nil, err
	}
	return c.EncodePayload(payload)
}

// EncodePayload frames an already serialized JSON payload.
func (c Codec) EncodePayload(payload []byte) ([]byte, error) {
	if uint64(len(payload)) > c.limit() {
		return nil, fmt.Errorf("%w: %d bytes exceeds limit %d", ErrFrameTooLarge, len(payload), c.limit())
	}
	out := make([]byte, PrefixSize+len(payload))
	c.order().PutUint32(out[:PrefixSize], uint32(len(payload)))
	copy(out[PrefixSize:], payload)
	return out, nil
}

// ReadPayload reads one frame from r and returns its raw payload.
// A clean end of stream before any prefix byte returns io.EOF.
func (c Codec) ReadPayload(r io.Reader) ([]byte, error) {
	var prefix [PrefixSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, &DecodeError{Kind: ErrTruncated, Err: err}
		}
		return nil, fmt.Errorf("read frame length: %w", err)
	}

	length := c.order().Uint32(prefix[:])
	if uint64(length) > c.limit() {
		return nil, &DecodeError{Kind: ErrFrameTooLarge, Length: length}
	}

	// Grow with the data actually received so a bogus prefix on a short
	// stream cannot force a huge allocation.
	var body bytes.Buffer
	n, err := io.Copy(&body, io.LimitReader(r, int64(length)))
	if err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}
	if n < int64(length) {
		return nil, &DecodeError{
			Kind:   ErrTruncated,
			Length: length,
			Err:    fmt.Errorf("got %d of %d bytes", n, length),
		}
	}
	return body.Bytes(), nil
}

// Unmarshal parses a payload into a Message.
func Unmarshal(payload []byte) (types.Message, error) {
	length := uint32(len(payload))
	if !utf8.Valid(payload) {
		return types.Message{}, &DecodeError{Kind: ErrMalformedPayload, Length: length, Err: errors.New("invalid UTF-8")}
	}

	// Keys match exactly; struct decoding would also accept "ACTION".
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return types.Message{}, &DecodeError{Kind: ErrMalformedPayload, Length: length, Err: err}
	}
	var action *string
	if raw, ok := fields["action"]; ok {
		if err := json.Unmarshal(raw, &action); err != nil {
			return types.Message{}, &DecodeError{Kind: ErrMalformedPayload, Length: length, Err: err}
		}
	}
	if action == nil {
		return types.Message{}, &DecodeError{Kind: ErrMalformedPayload, Length: length, Err: errors.New(`missing string "action"`)}
	}

	data := fields["data"]
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	return types.Message{Action: *action, Data: data}, nil
}

// Decode reads and parses one frame from r.
func (c Codec) Decode(r io.Reader) (types.Message, error) {
	payload, err := c.ReadPayload(r)
	if err != nil {
		return types.Message{}, err
	}
	return Unmarshal(payload)
}

// ParseByteOrder maps a config value to a byte order.
func ParseByteOrder(name string) (binary.ByteOrder, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "native", "host":
		return NativeOrder(), nil
	case "big", "big-endian", "network":
		return binary.BigEndian, nil
	case "little", "little-endian":
		return binary.LittleEndian, nil
	default:
		return nil, fmt.Errorf("unknown byte order %q (want native, big or little)", name)
	}
}

// NativeOrder returns the host machine's byte order.
func NativeOrder() binary.ByteOrder {
	return binary.NativeEndian
}
