package analytics

import (
	"sort"
	"sync"

	"github.com/unkn0wn-root/cachekit"
)

// KeyCount is one row of the top-keys table.
type KeyCount struct {
	Key      string `json:"key"`
	Hits     int64  `json:"hits"`
	Accesses int64  `json:"accesses"`
}

type keyStat struct {
	hits, accesses int64
	seen           uint64 // last access order
}

// TopKeys is a bounded table of the most accessed keys. Once it grows past its
// cap the entry with the fewest hits is dropped (ties: least recently seen).
// It implements cachekit.AccessObserver.
type TopKeys struct {
	mu  sync.Mutex
	cap int
	seq uint64
	m   map[string]*keyStat
}

var _ cachekit.AccessObserver = (*TopKeys)(nil)

func NewTopKeys(capacity int) *TopKeys {
	if capacity <= 0 {
		capacity = DefaultTopN
	}
	return &TopKeys{cap: capacity, m: make(map[string]*keyStat, capacity+1)}
}

func (t *TopKeys) Observe(key string, hit bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seq++
	ks, ok := t.m[key]
	if !ok {
		ks = &keyStat{}
		t.m[key] = ks
	}
	ks.accesses++
	if hit {
		ks.hits++
	}
	ks.seen = t.seq
	if len(t.m) > t.cap {
		t.evictLocked()
	}
}

func (t *TopKeys) evictLocked() {
	var (
		victim string
		v      *keyStat
	)
	for k, ks := range t.m {
		if v == nil || ks.hits < v.hits || (ks.hits == v.hits && ks.seen < v.seen) {
			victim, v = k, ks
		}
	}
	delete(t.m, victim)
}

func (t *TopKeys) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.m)
}

// Top returns up to n rows ordered by hits, then accesses, then key.
// n <= 0 returns every row.
func (t *TopKeys) Top(n int) []KeyCount {
	t.mu.Lock()
	out := make([]KeyCount, 0, len(t.m))
	for k, ks := range t.m {
		out = append(out, KeyCount{Key: k, Hits: ks.hits, Accesses: ks.accesses})
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Hits != out[j].Hits {
			return out[i].Hits > out[j].Hits
		}
		if out[i].Accesses != out[j].Accesses {
			return out[i].Accesses > out[j].Accesses
		}
		return out[i].Key < out[j].Key
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

func (t *TopKeys) Reset() {
	t.mu.Lock()
	t.m = make(map[string]*keyStat, t.cap+1)
	t.mu.Unlock()
}
