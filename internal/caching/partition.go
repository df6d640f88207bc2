package caching

import (
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"
)

// partition is a typed view over a shared ristretto.Cache, namespacing keys
// by prefix so unrelated partitions (e.g. RoomNID and EventNID, both backed
// by int64-ish keys) can't collide.
//
// immutable partitions panic on a Set that would change an existing key's
// value — used for mappings like room-id -> NID that are assigned once and
// never change for the lifetime of the process. Mutable partitions simply
// overwrite, optionally with a TTL.
type partition[K comparable, V any] struct {
	cache     *ristretto.Cache
	prefix    string
	immutable bool
	ttl       time.Duration
}

func newPartition[K comparable, V any](cache *ristretto.Cache, prefix string, immutable bool, ttl time.Duration) *partition[K, V] {
	return &partition[K, V]{cache: cache, prefix: prefix, immutable: immutable, ttl: ttl}
}

func (p *partition[K, V]) key(k K) string {
	return fmt.Sprintf("%s\x00%v", p.prefix, k)
}

func (p *partition[K, V]) get(k K) (V, bool) {
	var zero V
	v, ok := p.cache.Get(p.key(k))
	if !ok {
		return zero, false
	}
	typed, ok := v.(V)
	if !ok {
		return zero, false
	}
	return typed, true
}

func (p *partition[K, V]) set(k K, v V) {
	if p.immutable {
		if existing, ok := p.get(k); ok {
			if !valuesEqual(existing, v) {
				panic(fmt.Sprintf("caching: immutable partition %q: conflicting Set for key %v", p.prefix, k))
			}
			return
		}
	}
	if p.ttl > 0 {
		p.cache.SetWithTTL(p.key(k), v, 1, p.ttl)
	} else {
		p.cache.Set(p.key(k), v, 1)
	}
}

func (p *partition[K, V]) del(k K) {
	p.cache.Del(p.key(k))
}

// valuesEqual compares two partition values for the immutable-conflict
// check above. Values stored in these partitions are always either
// comparable scalars/strings or pointers, so a plain interface comparison
// is sufficient and avoids pulling in reflect.DeepEqual for every Set call.
func valuesEqual[V any](a, b V) bool {
	ai, bi := any(a), any(b)
	defer func() { recover() }()
	return ai == bi
}
