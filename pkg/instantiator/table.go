package instantiator

import (
	"context"
	"sort"
	"sync"

	"github.com/platinummonkey/impromptu/pkg/pluginkey"
)

// Invoker constructs a T from arguments matching one constructor signature
type Invoker[T any] func(ctx context.Context, args ...interface{}) (T, error)

// Table maps keys and signatures to invokers. Entries are only ever added,
// and an entry once published is never replaced. There is no eviction: the
// table lives as long as its Factory.
type Table[T any] struct {
	mu      sync.RWMutex
	entries map[pluginkey.Key]map[string]Invoker[T]
	built   map[string]bool
}

// NewTable creates an empty table
func NewTable[T any]() *Table[T] {
	return &Table[T]{
		entries: map[pluginkey.Key]map[string]Invoker[T]{},
		built:   map[string]bool{},
	}
}

// Lookup returns the invoker for key and signature. ok is false when the
// key's package has not been built yet. Once it has, a missing type or
// signature is reported as an *UnknownSignatureError.
func (t *Table[T]) Lookup(key pluginkey.Key, signature string) (inv Invoker[T], ok bool, err error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	bySig, known := t.entries[key]
	if known {
		if inv, ok := bySig[signature]; ok {
			return inv, true, nil
		}
		return nil, false, &UnknownSignatureError{Key: key, Signature: signature}
	}
	if t.built[key.PackageDirName()] {
		return nil, false, &UnknownSignatureError{Key: key, Signature: signature}
	}
	return nil, false, nil
}

// Built reports whether the package directory name has been merged
func (t *Table[T]) Built(packageDirName string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.built[packageDirName]
}

// Merge inserts entries that are not already present and marks the package
// as built. It returns the number of signatures added.
func (t *Table[T]) Merge(packageDirName string, entries map[pluginkey.Key]map[string]Invoker[T]) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	added := 0
	for key, bySig := range entries {
		existing, ok := t.entries[key]
		if !ok {
			existing = make(map[string]Invoker[T], len(bySig))
			t.entries[key] = existing
		}
		for sig, inv := range bySig {
			if _, taken := existing[sig]; taken {
				continue
			}
			existing[sig] = inv
			added++
		}
	}
	t.built[packageDirName] = true
	return added
}

// Keys returns the known keys sorted by their string form
func (t *Table[T]) Keys() []pluginkey.Key {
	t.mu.RLock()
	defer t.mu.RUnlock()

	keys := make([]pluginkey.Key, 0, len(t.entries))
	for k := range t.entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// Signatures returns the constructor signatures known for key, sorted
func (t *Table[T]) Signatures(key pluginkey.Key) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	sigs := make([]string, 0, len(t.entries[key]))
	for sig := range t.entries[key] {
		sigs = append(sigs, sig)
	}
	sort.Strings(sigs)
	return sigs
}

// Len returns the number of keys
func (t *Table[T]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}
