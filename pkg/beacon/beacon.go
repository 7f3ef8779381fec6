// Package beacon implements the UDP beacons peers broadcast to advertise
// their mailbox.
//
// A beacon datagram is the `RBY` magic followed by a record:
//
//	{ 1: peer_id bytes(16), 2: mailbox_port varint, 3: transport string }
//
// The mailbox host is not carried, receivers use the source address of the
// datagram.
package beacon

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"

	"github.com/google/uuid"
	"github.com/nohros/nohrosruby-sub001/pkg/endpoint"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	Magic = "RBY"

	// DefaultPort beacons are broadcast to.
	DefaultPort = 8520

	// MaxDatagramSize is more than enough for a beacon.
	MaxDatagramSize = 512
)

const (
	fieldPeerID    protowire.Number = 1
	fieldPort      protowire.Number = 2
	fieldTransport protowire.Number = 3
)

var (
	ErrBadMagic        = errors.New("beacon: bad magic")
	ErrMalformedBeacon = errors.New("beacon: malformed record")
)

type Beacon struct {
	PeerID      uuid.UUID
	MailboxPort int
	// Transport of the mailbox, tcp when unset.
	Transport endpoint.Kind
	// From is where the datagram came from, only set on received beacons.
	From netip.AddrPort
}

// Marshal returns the datagram payload.
func (b Beacon) Marshal() []byte {
	buf := make([]byte, 0, 32)
	buf = append(buf, Magic...)
	buf = protowire.AppendTag(buf, fieldPeerID, protowire.BytesType)
	buf = protowire.AppendBytes(buf, b.PeerID[:])
	buf = protowire.AppendTag(buf, fieldPort, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(b.MailboxPort))
	if b.Transport != endpoint.KindUnknown && b.Transport != endpoint.KindTCP {
		buf = protowire.AppendTag(buf, fieldTransport, protowire.BytesType)
		buf = protowire.AppendString(buf, b.Transport.String())
	}
	return buf
}

// Parse validates the magic then decodes the record of datagram.
func Parse(datagram []byte, from netip.AddrPort) (Beacon, error) {
	if len(datagram) < len(Magic) || string(datagram[:len(Magic)]) != Magic {
		return Beacon{}, ErrBadMagic
	}

	b := Beacon{From: from, Transport: endpoint.KindTCP}
	var hasID, hasPort bool
	buf := datagram[len(Magic):]
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return Beacon{}, fmt.Errorf("%w: %w", ErrMalformedBeacon, protowire.ParseError(n))
		}
		buf = buf[n:]

		switch {
		case num == fieldPeerID && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return Beacon{}, fmt.Errorf("%w: peer id: %w", ErrMalformedBeacon, protowire.ParseError(n))
			}
			id, err := uuid.FromBytes(v)
			if err != nil {
				return Beacon{}, fmt.Errorf("%w: peer id: %w", ErrMalformedBeacon, err)
			}
			b.PeerID = id
			hasID = true
			buf = buf[n:]
		case num == fieldPort && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return Beacon{}, fmt.Errorf("%w: port: %w", ErrMalformedBeacon, protowire.ParseError(n))
			}
			if v == 0 || v > 65535 {
				return Beacon{}, fmt.Errorf("%w: port %d out of range", ErrMalformedBeacon, v)
			}
			b.MailboxPort = int(v)
			hasPort = true
			buf = buf[n:]
		case num == fieldTransport && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(buf)
			if n < 0 {
				return Beacon{}, fmt.Errorf("%w: transport: %w", ErrMalformedBeacon, protowire.ParseError(n))
			}
			b.Transport = endpoint.ParseKind(v)
			if b.Transport != endpoint.KindTCP && b.Transport != endpoint.KindQUIC {
				return Beacon{}, fmt.Errorf("%w: transport %q cannot be reached remotely", ErrMalformedBeacon, v)
			}
			buf = buf[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return Beacon{}, fmt.Errorf("%w: %w", ErrMalformedBeacon, protowire.ParseError(n))
			}
			buf = buf[n:]
		}
	}

	if !hasID || !hasPort {
		return Beacon{}, fmt.Errorf("%w: peer id and port are required", ErrMalformedBeacon)
	}
	return b, nil
}

// Mailbox is the endpoint of the mailbox the beacon advertises, on the host
// it was received from.
func (b Beacon) Mailbox() (endpoint.Endpoint, error) {
	if !b.From.IsValid() {
		return endpoint.Endpoint{}, fmt.Errorf("%w: unknown source address", ErrMalformedBeacon)
	}
	kind := b.Transport
	if kind == endpoint.KindUnknown {
		kind = endpoint.KindTCP
	}
	return endpoint.FromHostPort(kind, b.From.Addr().Unmap().WithZone("").String(), b.MailboxPort)
}

func (b Beacon) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("peer_id", b.PeerID.String()),
		slog.Int("mailbox_port", b.MailboxPort),
		slog.String("from", b.From.String()),
	)
}
