package fact

import (
	"log/slog"
	"strings"
)

// Set is an ordered collection of facts, also known as the service facts.
type Set []Fact

// ParseSet reads a comma-separated list of `name=value` facts.
func ParseSet(s string) (Set, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var set Set
	for _, raw := range strings.Split(s, ",") {
		f, err := Parse(raw)
		if err != nil {
			return nil, err
		}
		set = append(set, f)
	}
	return set, nil
}

// Contains reports whether f is part of the set.
func (s Set) Contains(f Fact) bool {
	for _, candidate := range s {
		if candidate == f {
			return true
		}
	}
	return false
}

// Matches reports whether s carries every fact of query.
// An empty query matches every set.
func (s Set) Matches(query Set) bool {
	for _, f := range query {
		if !s.Contains(f) {
			return false
		}
	}
	return true
}

// Hashes returns the digest of every fact, in order.
func (s Set) Hashes() []Hash {
	hashes := make([]Hash, len(s))
	for i, f := range s {
		hashes[i] = f.Hash()
	}
	return hashes
}

// Clone returns a copy that does not share storage with s.
func (s Set) Clone() Set {
	if s == nil {
		return nil
	}
	cloned := make(Set, len(s))
	copy(cloned, s)
	return cloned
}

func (s Set) String() string {
	parts := make([]string, len(s))
	for i, f := range s {
		parts[i] = f.String()
	}
	return strings.Join(parts, ",")
}

func (s Set) LogValue() slog.Value {
	return slog.StringValue(s.String())
}
