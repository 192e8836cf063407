// Package protocol implements the wire protocol shared by the hub
// server and its clients: the packet envelope, the length-prefixed
// frame codec, the reserved handshake packets, and the typed errors
// every rejection is expressed through.
package protocol

import (
	"encoding/json"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/apphub-dev/apphub/pkg/identifier"
)

// Packet is the wire unit: a packet-type identifier key plus an opaque
// payload. The payload's interpretation belongs to the registered
// PacketType.
type Packet struct {
	Type    string
	Payload []byte
}

// Frame wire format:
//
//	┌──────────────────────┬─────────────────────┬──────────────┬─────────┐
//	│ type key length      │ type key bytes      │ payload len  │ payload │
//	│ (varint)             │ (UTF-8)             │ (4B big-end) │ (bytes) │
//	└──────────────────────┴─────────────────────┴──────────────┴─────────┘

// EncodePacket encodes a packet into its frame form.
func EncodePacket(p Packet) []byte {
	e := NewEncoder()
	e.WriteString(p.Type)
	e.WriteBlob(p.Payload)
	return e.Bytes()
}

// DecodePacket decodes a frame produced by EncodePacket. Malformed
// length prefixes yield a ProtocolError with reason invalid_packet.
func DecodePacket(data []byte) (Packet, error) {
	d := NewDecoder(data)
	key, err := d.ReadString()
	if err != nil {
		return Packet{}, NewProtocolError(ReasonInvalidPacket, "malformed packet type key", err)
	}
	payload, err := d.ReadBlob()
	if err != nil {
		return Packet{}, NewProtocolError(ReasonInvalidPacket, "malformed packet payload", err)
	}
	if d.Remaining() != 0 {
		return Packet{}, NewProtocolError(ReasonInvalidPacket,
			fmt.Sprintf("%d trailing bytes after payload", d.Remaining()), nil)
	}
	return Packet{Type: key, Payload: payload}, nil
}

// WritePacket writes a packet frame to w.
func WritePacket(w io.Writer, p Packet) error {
	_, err := w.Write(EncodePacket(p))
	return err
}

// ReadPacket reads a packet frame from a stream transport. Framing on
// a raw byte stream is self-delimiting through the two length
// prefixes.
func ReadPacket(r io.Reader) (Packet, error) {
	br := newByteReader(r)
	keyLen, err := readUvarint(br)
	if err != nil {
		return Packet{}, err
	}
	if keyLen > MaxIdentifierSize {
		return Packet{}, NewProtocolError(ReasonInvalidPacket, "packet type key too long", ErrPayloadTooLarge)
	}
	key := make([]byte, keyLen)
	if _, err := io.ReadFull(r, key); err != nil {
		return Packet{}, err
	}
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Packet{}, err
	}
	n := uint32(lenBuf[0])<<24 | uint32(lenBuf[1])<<16 | uint32(lenBuf[2])<<8 | uint32(lenBuf[3])
	if n > MaxPayloadSize {
		return Packet{}, NewProtocolError(ReasonInvalidPacket, "packet payload too large", ErrPayloadTooLarge)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Packet{}, err
	}
	return Packet{Type: string(key), Payload: payload}, nil
}

type byteReader struct{ r io.Reader }

func newByteReader(r io.Reader) *byteReader { return &byteReader{r: r} }

func (b *byteReader) ReadByte() (byte, error) {
	var buf [1]byte
	if _, err := io.ReadFull(b.r, buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}

func readUvarint(br *byteReader) (uint64, error) {
	var v uint64
	var shift uint
	for i := 0; ; i++ {
		if i >= MaxVarintLen {
			return 0, ErrVarintOverflow
		}
		b, err := br.ReadByte()
		if err != nil {
			return 0, err
		}
		v |= uint64(b&0x7F) << shift
		if b < 0x80 {
			return v, nil
		}
		shift += 7
	}
}

// Type is the untyped view of a packet type held by the dispatcher's
// registry: an identifier plus payload codec behind a uniform
// interface. Concrete types come from JSONType and BytesType.
type Type interface {
	ID() identifier.ID
	// Serial uniquely identifies one descriptor value, letting a
	// registry tell idempotent re-registration of the same
	// descriptor apart from a conflicting second one.
	Serial() uint64
	// EncodeAny and DecodeAny move between the typed payload (boxed
	// as any) and wire bytes. Decode failures surface as
	// ProtocolError with reason invalid_packet_data.
	EncodeAny(v any) ([]byte, error)
	DecodeAny(data []byte) (any, error)
}

var typeSerial atomic.Uint64

// PacketType is a typed packet descriptor: identifier plus codec for
// payload type T. Declared once per feature at startup and never
// mutated after registration.
type PacketType[T any] struct {
	id     identifier.ID
	serial uint64
	encode func(T) ([]byte, error)
	decode func([]byte) (T, error)
}

// NewType creates a packet type with explicit codec functions.
func NewType[T any](id identifier.ID, encode func(T) ([]byte, error), decode func([]byte) (T, error)) PacketType[T] {
	return PacketType[T]{id: id, serial: typeSerial.Add(1), encode: encode, decode: decode}
}

// JSONType creates a packet type whose payload is UTF-8 JSON of T.
func JSONType[T any](id identifier.ID) PacketType[T] {
	return NewType(id,
		func(v T) ([]byte, error) {
			return json.Marshal(v)
		},
		func(data []byte) (T, error) {
			var v T
			if err := json.Unmarshal(data, &v); err != nil {
				return v, err
			}
			return v, nil
		},
	)
}

// BytesType creates a packet type whose payload is an opaque byte
// blob, used for chunked transfers such as file or body streaming.
func BytesType(id identifier.ID) PacketType[[]byte] {
	return NewType(id,
		func(b []byte) ([]byte, error) { return b, nil },
		func(data []byte) ([]byte, error) { return data, nil },
	)
}

// ID returns the packet type identifier.
func (t PacketType[T]) ID() identifier.ID { return t.id }

// Serial implements Type.
func (t PacketType[T]) Serial() uint64 { return t.serial }

// Encode encodes a typed payload to wire bytes.
func (t PacketType[T]) Encode(v T) ([]byte, error) { return t.encode(v) }

// Decode decodes wire bytes into the typed payload.
func (t PacketType[T]) Decode(data []byte) (T, error) { return t.decode(data) }

// EncodeAny implements Type.
func (t PacketType[T]) EncodeAny(v any) ([]byte, error) {
	typed, ok := v.(T)
	if !ok {
		return nil, fmt.Errorf("protocol: %s: payload is %T", t.id, v)
	}
	return t.encode(typed)
}

// DecodeAny implements Type.
func (t PacketType[T]) DecodeAny(data []byte) (any, error) {
	v, err := t.decode(data)
	if err != nil {
		return nil, NewProtocolError(ReasonInvalidPacketData, "decode "+t.id.Key(), err)
	}
	return v, nil
}

// Make builds a wire packet from a typed payload.
func (t PacketType[T]) Make(v T) (Packet, error) {
	payload, err := t.encode(v)
	if err != nil {
		return Packet{}, fmt.Errorf("protocol: encode %s: %w", t.id, err)
	}
	return Packet{Type: t.id.Key(), Payload: payload}, nil
}
