// Package packet implements the framed message envelope exchanged between
// mailboxes.
//
// On the wire, a packet is:
//
//	varint(header_size) | header | body
//
// The header and the body are independent protobuf records, so a reader can
// decode the header first and learn the body size from it before touching
// the body bytes:
//
//	Header { 1: id bytes, 2: size uint64, 3: repeated Fact { 1: name, 2: value } }
//	Body   { 1: id bytes, 2: type int32, 3: token string, 4: sender bytes, 5: message bytes }
package packet

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nohros/nohrosruby-sub001/pkg/fact"
	"google.golang.org/protobuf/encoding/protowire"
)

var (
	ErrMalformedPacket = errors.New("packet: malformed packet")
	ErrMissingID       = errors.New("packet: a packet requires a non-empty id")
)

// MessageType identifies how the application should interpret a message.
type MessageType int32

const (
	TypeUnknown MessageType = iota
	TypeQuery
	TypeResponse
	TypeAnnounce
	TypePing
	TypePong
)

func (t MessageType) String() string {
	switch t {
	case TypeQuery:
		return "query"
	case TypeResponse:
		return "response"
	case TypeAnnounce:
		return "announce"
	case TypePing:
		return "ping"
	case TypePong:
		return "pong"
	default:
		return fmt.Sprintf("type(%d)", int32(t))
	}
}

// Header is decoded before the body to learn its size.
type Header struct {
	// CorrelationID echoes the body id.
	CorrelationID []byte
	// Size is the body length in bytes.
	Size  int
	Facts fact.Set
}

// Body holds the message itself.
type Body struct {
	ID      []byte
	Type    MessageType
	Token   string
	Sender  []byte
	Message []byte
}

// Packet is an immutable envelope, build it with [Create] or [Parse].
type Packet struct {
	Header     Header
	HeaderSize int
	Body       Body
	TotalSize  int

	header []byte
	body   []byte
}

// Option customises a packet built by [Create].
type Option func(*Body, *Header)

// WithSender sets the return address of the message.
func WithSender(sender []byte) Option {
	return func(b *Body, _ *Header) {
		b.Sender = bytes.Clone(sender)
	}
}

// WithToken sets the routing/dispatch hint of the message.
func WithToken(token string) Option {
	return func(b *Body, _ *Header) {
		b.Token = token
	}
}

// WithFacts attaches facts to the header.
func WithFacts(facts fact.Set) Option {
	return func(_ *Body, h *Header) {
		h.Facts = facts.Clone()
	}
}

// Create builds a packet. An empty message is valid.
func Create(id []byte, typ MessageType, message []byte, opts ...Option) (Packet, error) {
	if len(id) == 0 {
		return Packet{}, ErrMissingID
	}

	body := Body{
		ID:      bytes.Clone(id),
		Type:    typ,
		Message: bytes.Clone(message),
	}
	var header Header
	for _, opt := range opts {
		opt(&body, &header)
	}

	bodyBuf := appendBody(nil, &body)
	header.CorrelationID = body.ID
	header.Size = len(bodyBuf)
	headerBuf := appendHeader(nil, &header)

	return Packet{
		Header:     header,
		HeaderSize: len(headerBuf),
		Body:       body,
		TotalSize:  protowire.SizeVarint(uint64(len(headerBuf))) + len(headerBuf) + len(bodyBuf),
		header:     headerBuf,
		body:       bodyBuf,
	}, nil
}

// Marshal returns the wire form of the packet.
func (p Packet) Marshal() []byte {
	buf := make([]byte, 0, p.TotalSize)
	buf = protowire.AppendVarint(buf, uint64(len(p.header)))
	buf = append(buf, p.header...)
	return append(buf, p.body...)
}

// Parse decodes a packet. It either returns a fully populated packet or an
// error wrapping [ErrMalformedPacket], never a partial result.
func Parse(buf []byte) (Packet, error) {
	headerSize, n := protowire.ConsumeVarint(buf)
	if n < 0 {
		return Packet{}, fmt.Errorf("%w: header size: %w", ErrMalformedPacket, protowire.ParseError(n))
	}
	rest := buf[n:]
	if headerSize > uint64(len(rest)) {
		return Packet{}, fmt.Errorf("%w: header size %d exceeds %d available bytes", ErrMalformedPacket, headerSize, len(rest))
	}

	headerBuf := rest[:headerSize]
	bodyBuf := rest[headerSize:]

	header, err := consumeHeader(headerBuf)
	if err != nil {
		return Packet{}, fmt.Errorf("%w: header: %w", ErrMalformedPacket, err)
	}
	if header.Size != len(bodyBuf) {
		return Packet{}, fmt.Errorf("%w: header announces a %d bytes body, got %d", ErrMalformedPacket, header.Size, len(bodyBuf))
	}

	body, err := consumeBody(bodyBuf)
	if err != nil {
		return Packet{}, fmt.Errorf("%w: body: %w", ErrMalformedPacket, err)
	}
	if len(body.ID) == 0 {
		return Packet{}, fmt.Errorf("%w: %w", ErrMalformedPacket, ErrMissingID)
	}

	return Packet{
		Header:     header,
		HeaderSize: len(headerBuf),
		Body:       body,
		TotalSize:  len(buf),
		header:     bytes.Clone(headerBuf),
		body:       bytes.Clone(bodyBuf),
	}, nil
}

// Key is the base64 form of the body id, used to correlate a response with
// its request.
func (p Packet) Key() string {
	return Key(p.Body.ID)
}

// Key is the correlation key of id.
func Key(id []byte) string {
	return base64.StdEncoding.EncodeToString(id)
}

func (p Packet) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", p.Key()),
		slog.String("type", p.Body.Type.String()),
		slog.String("token", p.Body.Token),
		slog.Int("size", p.TotalSize),
	)
}
