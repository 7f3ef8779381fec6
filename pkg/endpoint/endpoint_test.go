package endpoint

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	cases := []struct {
		uri     string
		want    string
		kind    Kind
		address string
	}{
		{"tcp://10.0.0.5:9000", "tcp://10.0.0.5:9000", KindTCP, "10.0.0.5:9000"},
		{"TCP://Node1:08520", "tcp://node1:8520", KindTCP, "node1:8520"},
		{"tcp://*:8520", "tcp://*:8520", KindTCP, ":8520"},
		{"tcp://[::1]:80", "tcp://[::1]:80", KindTCP, "[::1]:80"},
		{"quic://127.0.0.1:6021", "quic://127.0.0.1:6021", KindQUIC, "127.0.0.1:6021"},
		{"ipc:///run/ruby.sock", "ipc:///run/ruby.sock", KindIPC, "/run/ruby.sock"},
		{"inproc://tracker", "inproc://tracker", KindInproc, "tracker"},
	}

	for _, c := range cases {
		t.Run(c.uri, func(t *testing.T) {
			ep, err := Parse(c.uri)
			require.NoError(t, err)
			require.Equal(t, c.want, ep.String())
			require.Equal(t, c.kind, ep.Kind())
			require.Equal(t, c.address, ep.Address())
		})
	}
}

func TestParse_Invalid(t *testing.T) {
	for _, uri := range []string{
		"",
		"http://example.com:80",
		"tcp://10.0.0.5",
		"tcp://:9000",
		"tcp://host:notaport",
		"tcp://host:70000",
		"tcp://10.0.0.5:9000/billing",
		"tcp://10.0.0.5:9000/",
		"tcp://10.0.0.5:9000?service=billing",
		"tcp://10.0.0.5:9000#billing",
		"tcp://user@10.0.0.5:9000",
		"quic://10.0.0.5:9000/payroll",
		"inproc://",
		"ipc://",
	} {
		_, err := Parse(uri)
		require.ErrorIs(t, err, ErrInvalidEndpoint, uri)
	}
}

func TestEndpoint_Equality(t *testing.T) {
	a := MustParse("tcp://Host:9000")
	b := MustParse("tcp://host:9000")
	c := MustParse("tcp://host:9001")

	require.True(t, a.Equal(b))
	require.Equal(t, a, b, "normalised endpoints are comparable values")
	require.False(t, a.Equal(c))
}

func TestFromHostPort(t *testing.T) {
	ep, err := FromHostPort(KindTCP, "1.2.3.4", 8520)
	require.NoError(t, err)
	require.Equal(t, "tcp://1.2.3.4:8520", ep.String())
	require.Equal(t, "8520", ep.Port())
}

func TestEndpoint_Text(t *testing.T) {
	var ep Endpoint
	require.NoError(t, ep.UnmarshalText([]byte("tcp://1.2.3.4:1")))
	text, err := ep.MarshalText()
	require.NoError(t, err)
	require.Equal(t, "tcp://1.2.3.4:1", string(text))
	require.Error(t, ep.UnmarshalText([]byte("bogus")))
}
