package ruby

import (
	"testing"
	"time"

	"github.com/nohros/nohrosruby-sub001/pkg/endpoint"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestCorrelationKey(t *testing.T) {
	for _, key := range []uint64{1, 255, 1 << 40, ^uint64(0)} {
		id := encodeKey(key)
		require.Len(t, id, keySize)
		decoded, err := decodeKey(id)
		require.NoError(t, err)
		require.Equal(t, key, decoded)
	}

	_, err := decodeKey([]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrMalformedMessage)
}

func TestEndpointsPayload(t *testing.T) {
	eps := []endpoint.Endpoint{
		endpoint.MustParse("tcp://10.0.0.5:9000"),
		endpoint.MustParse("ipc:///run/billing.sock"),
	}
	decoded, err := decodeEndpoints(encodeEndpoints(eps...))
	require.NoError(t, err)
	require.Equal(t, eps, decoded)

	decoded, err = decodeEndpoints(nil)
	require.NoError(t, err)
	require.Empty(t, decoded)

	// unknown fields are skipped.
	buf := protowire.AppendVarint(protowire.AppendTag(nil, 7, protowire.VarintType), 42)
	buf = append(buf, encodeEndpoints(eps[0])...)
	decoded, err = decodeEndpoints(buf)
	require.NoError(t, err)
	require.Equal(t, eps[:1], decoded)

	invalid := protowire.AppendString(protowire.AppendTag(nil, fieldEndpoint, protowire.BytesType), "udp://nope")
	_, err = decodeEndpoints(invalid)
	require.ErrorIs(t, err, ErrMalformedMessage)

	_, err = decodeEndpoints(encodeEndpoints(eps[0])[:5])
	require.ErrorIs(t, err, ErrMalformedMessage)
}

func TestAnnouncePayload(t *testing.T) {
	ep := endpoint.MustParse("quic://node1:8520")
	decoded, err := decodeAnnounce(encodeEndpoints(ep))
	require.NoError(t, err)
	require.Equal(t, ep, decoded)

	_, err = decodeAnnounce(nil)
	require.ErrorIs(t, err, ErrMalformedMessage)
	_, err = decodeAnnounce(encodeEndpoints(ep, ep))
	require.ErrorIs(t, err, ErrMalformedMessage)
}

func TestMaintenanceInterval(t *testing.T) {
	require.Zero(t, maintenanceInterval(0, 0))
	require.Equal(t, 30*time.Second, maintenanceInterval(time.Minute, 0))
	require.Equal(t, 5*time.Second, maintenanceInterval(time.Minute, 10*time.Second))
	require.Equal(t, 10*time.Millisecond, maintenanceInterval(time.Millisecond, 0))
}

func TestAdvertise(t *testing.T) {
	ep, err := advertise(endpoint.MustParse("inproc://mailbox"), "")
	require.NoError(t, err)
	require.Equal(t, "inproc://mailbox", ep.String())

	ep, err = advertise(endpoint.MustParse("tcp://127.0.0.1:9000"), "")
	require.NoError(t, err)
	require.Equal(t, "tcp://127.0.0.1:9000", ep.String())

	ep, err = advertise(endpoint.MustParse("quic://*:9000"), "node1")
	require.NoError(t, err)
	require.Equal(t, "quic://node1:9000", ep.String())

	ep, err = advertise(endpoint.MustParse("tcp://0.0.0.0:9000"), "")
	require.NoError(t, err)
	require.Equal(t, "9000", ep.Port())
	require.NotEqual(t, "0.0.0.0", ep.Host())
}
