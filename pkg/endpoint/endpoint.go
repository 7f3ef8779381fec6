// Package endpoint parses the transport URIs services are reachable at,
// e.g. `tcp://10.0.0.5:9000`, `ipc:///run/ruby.sock`, `inproc://tracker`
// or `quic://node1:8520`.
package endpoint

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"
)

var ErrInvalidEndpoint = errors.New("endpoint: invalid transport uri")

// Kind is the transport an [Endpoint] uses.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindTCP
	KindIPC
	KindInproc
	KindQUIC
)

func (k Kind) String() string {
	switch k {
	case KindTCP:
		return "tcp"
	case KindIPC:
		return "ipc"
	case KindInproc:
		return "inproc"
	case KindQUIC:
		return "quic"
	default:
		return "unknown"
	}
}

// ParseKind maps a URI scheme to its [Kind].
func ParseKind(scheme string) Kind {
	switch strings.ToLower(scheme) {
	case "tcp":
		return KindTCP
	case "ipc":
		return KindIPC
	case "inproc":
		return KindInproc
	case "quic":
		return KindQUIC
	default:
		return KindUnknown
	}
}

// Endpoint is an immutable, normalised transport URI. Two endpoints are
// equal when their normalised URIs are equal, so the zero value can be
// compared with `==` as well.
type Endpoint struct {
	uri  string
	kind Kind
	host string
	port string
}

// Parse validates and normalises uri.
//
// Network kinds (tcp, quic) require a host and a numeric port, and nothing
// else; `*` is accepted as host and means every interface. ipc requires a
// path, inproc a name.
func Parse(uri string) (Endpoint, error) {
	u, err := url.Parse(strings.TrimSpace(uri))
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: %w", ErrInvalidEndpoint, err)
	}

	kind := ParseKind(u.Scheme)
	switch kind {
	case KindTCP, KindQUIC:
		if u.Path != "" || u.RawQuery != "" || u.Fragment != "" || u.User != nil {
			return Endpoint{}, fmt.Errorf("%w: only host and port are allowed in %q", ErrInvalidEndpoint, uri)
		}
		host, port, err := net.SplitHostPort(u.Host)
		if err != nil {
			return Endpoint{}, fmt.Errorf("%w: %w", ErrInvalidEndpoint, err)
		}
		if host == "" {
			return Endpoint{}, fmt.Errorf("%w: missing host in %q", ErrInvalidEndpoint, uri)
		}
		p, err := strconv.ParseUint(port, 10, 16)
		if err != nil {
			return Endpoint{}, fmt.Errorf("%w: invalid port in %q", ErrInvalidEndpoint, uri)
		}
		port = strconv.FormatUint(p, 10)
		host = strings.ToLower(host)
		return Endpoint{
			uri:  kind.String() + "://" + net.JoinHostPort(host, port),
			kind: kind,
			host: host,
			port: port,
		}, nil
	case KindIPC:
		path := u.Host + u.Path
		if path == "" {
			return Endpoint{}, fmt.Errorf("%w: missing path in %q", ErrInvalidEndpoint, uri)
		}
		return Endpoint{uri: "ipc://" + path, kind: kind, host: path}, nil
	case KindInproc:
		name := u.Host + u.Path
		if name == "" {
			return Endpoint{}, fmt.Errorf("%w: missing name in %q", ErrInvalidEndpoint, uri)
		}
		return Endpoint{uri: "inproc://" + name, kind: kind, host: name}, nil
	default:
		return Endpoint{}, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidEndpoint, u.Scheme)
	}
}

// MustParse is like [Parse] but panics on error.
func MustParse(uri string) Endpoint {
	ep, err := Parse(uri)
	if err != nil {
		panic(err)
	}
	return ep
}

// FromHostPort builds a network endpoint of the given kind.
func FromHostPort(kind Kind, host string, port int) (Endpoint, error) {
	return Parse(kind.String() + "://" + net.JoinHostPort(host, strconv.Itoa(port)))
}

func (ep Endpoint) String() string { return ep.uri }

func (ep Endpoint) Kind() Kind { return ep.kind }

// Host is the host of network endpoints, the path of ipc endpoints and
// the name of inproc ones.
func (ep Endpoint) Host() string { return ep.host }

// Port is empty for non-network endpoints.
func (ep Endpoint) Port() string { return ep.port }

// IsZero reports whether ep is the zero value.
func (ep Endpoint) IsZero() bool { return ep.uri == "" }

// Address returns what the underlying transport dials or binds: `host:port`
// for network kinds, the path or the name otherwise. A `*` host becomes
// the unspecified address.
func (ep Endpoint) Address() string {
	switch ep.kind {
	case KindTCP, KindQUIC:
		host := ep.host
		if host == "*" {
			host = ""
		}
		return net.JoinHostPort(host, ep.port)
	default:
		return ep.host
	}
}

func (ep Endpoint) Equal(other Endpoint) bool {
	return ep.uri == other.uri
}

func (ep Endpoint) LogValue() slog.Value {
	return slog.StringValue(ep.uri)
}

// MarshalText implements [encoding.TextMarshaler].
func (ep Endpoint) MarshalText() ([]byte, error) {
	return []byte(ep.uri), nil
}

// UnmarshalText implements [encoding.TextUnmarshaler].
func (ep *Endpoint) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*ep = parsed
	return nil
}
