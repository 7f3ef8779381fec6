// Package fact holds the capability descriptors services are registered and
// looked up with.
//
// A [Fact] is an immutable name/value pair such as `service-name=billing`.
// A [Set] is an ordered list of facts: a service matches a query [Set] when
// it carries every fact of the query. Duplicated names are legal, each fact
// being an independent constraint on the same service record.
package fact

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
)

var ErrInvalidFact = errors.New("fact: expected a non-empty name in the form name=value")

// Fact is a key/value capability descriptor.
type Fact struct {
	Name  string
	Value string
}

// Hash is the digest of a single [Fact].
type Hash uint64

// New returns a fact.
func New(name, value string) Fact {
	return Fact{Name: name, Value: value}
}

// Parse reads a fact written as `name=value`. The value may be empty or
// contain `=`, the name may not be empty.
func Parse(s string) (Fact, error) {
	name, value, ok := strings.Cut(s, "=")
	name = strings.TrimSpace(name)
	if !ok || name == "" {
		return Fact{}, fmt.Errorf("%w: %q", ErrInvalidFact, s)
	}
	return Fact{Name: name, Value: strings.TrimSpace(value)}, nil
}

func (f Fact) String() string {
	return f.Name + "=" + f.Value
}

// Hash returns a digest stable across calls and processes.
//
// The name is length-prefixed so that `ab`+`c` and `a`+`bc` do not collide.
func (f Fact) Hash() Hash {
	var prefix [8]byte
	n := len(f.Name)
	for i := range prefix {
		prefix[i] = byte(n >> (8 * i))
	}
	d := xxhash.New()
	_, _ = d.Write(prefix[:])
	_, _ = d.WriteString(f.Name)
	_, _ = d.WriteString(f.Value)
	return Hash(d.Sum64())
}

// String returns the fixed-width hex form of the hash, suitable as an
// ordered index key.
func (h Hash) String() string {
	var buf [8]byte
	for i := range buf {
		buf[7-i] = byte(h >> (8 * i))
	}
	return hex.EncodeToString(buf[:])
}
