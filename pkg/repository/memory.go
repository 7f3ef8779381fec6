package repository

import (
	"context"
	"sync"
	"sync/atomic"

	iradix "github.com/hashicorp/go-immutable-radix"
	"github.com/nohros/nohrosruby-sub001/pkg/endpoint"
	"github.com/nohros/nohrosruby-sub001/pkg/fact"
)

const MemoryBackend = "memory"

func init() {
	Register(MemoryBackend, func(Config) (Repository, error) {
		return NewMemory(), nil
	})
}

// Memory keeps services in an immutable radix tree:
//
//	svc/<endpoint>              -> fact.Set
//	idx/<fact hash>/<endpoint>  -> endpoint.Endpoint
//
// Queries read a snapshot and never block, writers are serialized.
type Memory struct {
	tree   atomic.Pointer[iradix.Tree]
	wlk    sync.Mutex
	closed atomic.Bool
}

func NewMemory() *Memory {
	m := &Memory{}
	m.tree.Store(iradix.New())
	return m
}

func serviceKey(ep endpoint.Endpoint) []byte {
	return []byte("svc/" + ep.String())
}

func indexKey(h fact.Hash, ep endpoint.Endpoint) []byte {
	return []byte("idx/" + h.String() + "/" + ep.String())
}

func indexPrefix(h fact.Hash) []byte {
	return []byte("idx/" + h.String() + "/")
}

func (m *Memory) Query(_ context.Context, facts fact.Set) ([]endpoint.Endpoint, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	return query(m.tree.Load(), facts), nil
}

func query(tree *iradix.Tree, facts fact.Set) []endpoint.Endpoint {
	var matches []endpoint.Endpoint
	if len(facts) == 0 {
		tree.Root().WalkPrefix([]byte("svc/"), func(_ []byte, v interface{}) bool {
			matches = append(matches, v.(record).ep)
			return false
		})
		return matches
	}

	// candidates share the first fact, the record tells if they hold the
	// others.
	tree.Root().WalkPrefix(indexPrefix(facts[0].Hash()), func(_ []byte, v interface{}) bool {
		ep := v.(endpoint.Endpoint)
		rec, ok := tree.Get(serviceKey(ep))
		if ok && rec.(record).facts.Matches(facts) {
			matches = append(matches, ep)
		}
		return false
	})
	return matches
}

type record struct {
	ep    endpoint.Endpoint
	facts fact.Set
}

func (m *Memory) Add(_ context.Context, ep endpoint.Endpoint, facts fact.Set) error {
	m.wlk.Lock()
	defer m.wlk.Unlock()
	if m.closed.Load() {
		return ErrClosed
	}

	txn := m.tree.Load().Txn()
	unindex(txn, ep)
	txn.Insert(serviceKey(ep), record{ep: ep, facts: facts.Clone()})
	for _, f := range facts {
		txn.Insert(indexKey(f.Hash(), ep), ep)
	}
	m.tree.Store(txn.Commit())
	return nil
}

func unindex(txn *iradix.Txn, ep endpoint.Endpoint) {
	old, ok := txn.Get(serviceKey(ep))
	if !ok {
		return
	}
	for _, f := range old.(record).facts {
		txn.Delete(indexKey(f.Hash(), ep))
	}
	txn.Delete(serviceKey(ep))
}

func (m *Memory) Remove(_ context.Context, facts fact.Set) error {
	if len(facts) == 0 {
		return ErrNoFacts
	}
	m.wlk.Lock()
	defer m.wlk.Unlock()
	if m.closed.Load() {
		return ErrClosed
	}

	tree := m.tree.Load()
	matches := query(tree, facts)
	if len(matches) == 0 {
		return nil
	}

	txn := tree.Txn()
	for _, ep := range matches {
		unindex(txn, ep)
	}
	m.tree.Store(txn.Commit())
	return nil
}

// Len is the number of services stored.
func (m *Memory) Len() int {
	n := 0
	m.tree.Load().Root().WalkPrefix([]byte("svc/"), func([]byte, interface{}) bool {
		n++
		return false
	})
	return n
}

func (m *Memory) Close() error {
	m.closed.Store(true)
	return nil
}
