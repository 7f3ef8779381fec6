package ruby

import (
	"encoding/binary"
	"fmt"

	"github.com/nohros/nohrosruby-sub001/pkg/endpoint"
	"google.golang.org/protobuf/encoding/protowire"
)

// Tokens trackers tag their messages with.
const (
	TokenQueryService    = "ruby.tracker.query-service"
	TokenAnnounceService = "ruby.tracker.announce-service"
)

// Payloads exchanged between trackers. Facts always travel in the packet
// header, the message only holds endpoints:
//
//	query:    empty, the header facts are the query
//	response: { 1: endpoint string } repeated
//	announce: { 1: endpoint string }
const fieldEndpoint protowire.Number = 1

// keySize is the size of a correlation key once encoded as a packet id.
const keySize = 8

func encodeKey(key uint64) []byte {
	return binary.BigEndian.AppendUint64(make([]byte, 0, keySize), key)
}

func decodeKey(id []byte) (uint64, error) {
	if len(id) != keySize {
		return 0, fmt.Errorf("%w: correlation id of %d bytes", ErrMalformedMessage, len(id))
	}
	return binary.BigEndian.Uint64(id), nil
}

func encodeEndpoints(eps ...endpoint.Endpoint) []byte {
	var buf []byte
	for _, ep := range eps {
		buf = protowire.AppendTag(buf, fieldEndpoint, protowire.BytesType)
		buf = protowire.AppendString(buf, ep.String())
	}
	return buf
}

func decodeEndpoints(buf []byte) ([]endpoint.Endpoint, error) {
	var eps []endpoint.Endpoint
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return nil, fmt.Errorf("%w: %w", ErrMalformedMessage, protowire.ParseError(n))
		}
		buf = buf[n:]

		if num != fieldEndpoint || typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return nil, fmt.Errorf("%w: %w", ErrMalformedMessage, protowire.ParseError(n))
			}
			buf = buf[n:]
			continue
		}

		raw, n := protowire.ConsumeString(buf)
		if n < 0 {
			return nil, fmt.Errorf("%w: %w", ErrMalformedMessage, protowire.ParseError(n))
		}
		buf = buf[n:]

		ep, err := endpoint.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
		}
		eps = append(eps, ep)
	}
	return eps, nil
}

func decodeAnnounce(buf []byte) (endpoint.Endpoint, error) {
	eps, err := decodeEndpoints(buf)
	if err != nil {
		return endpoint.Endpoint{}, err
	}
	if len(eps) != 1 {
		return endpoint.Endpoint{}, fmt.Errorf("%w: announce of %d endpoints", ErrMalformedMessage, len(eps))
	}
	return eps[0], nil
}
