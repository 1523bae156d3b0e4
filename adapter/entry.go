package adapter

import "time"

// entryOverhead approximates the per-entry bookkeeping bytes (timestamps, sizes, flags).
const entryOverhead = 32

// Entry is the value+metadata envelope stored per key.
type Entry struct {
	Value          []byte // stored bytes; compressed when Compressed is set
	TTL            time.Duration
	CreatedAt      time.Time
	Tags           []string
	Compressed     bool
	OriginalSize   int
	CompressedSize int
}

// ExpiresAt is CreatedAt + TTL.
func (e *Entry) ExpiresAt() time.Time { return e.CreatedAt.Add(e.TTL) }

// Live reports whether now < CreatedAt + TTL.
func (e *Entry) Live(now time.Time) bool { return now.Before(e.ExpiresAt()) }

// Remaining is the TTL left at now, never negative.
func (e *Entry) Remaining(now time.Time) time.Duration {
	d := e.ExpiresAt().Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// SerializedSize approximates the encoded size of the entry.
func (e *Entry) SerializedSize() int {
	n := len(e.Value) + entryOverhead
	for _, t := range e.Tags {
		n += len(t)
	}
	return n
}

// MemoryEstimate is the pressure signal used for memory-bounded eviction:
// two bytes per key byte plus two bytes per serialized entry byte.
func MemoryEstimate(key string, e *Entry) int64 {
	return int64(len(key)*2 + e.SerializedSize()*2)
}

// Meta is the read-only view of an entry's metadata.
type Meta struct {
	Key            string        `json:"key"`
	TTL            time.Duration `json:"ttl"`
	CreatedAt      time.Time     `json:"created_at"`
	ExpiresAt      time.Time     `json:"expires_at"`
	Tags           []string      `json:"tags,omitempty"`
	Compressed     bool          `json:"compressed"`
	OriginalSize   int           `json:"original_size"`
	CompressedSize int           `json:"compressed_size"`
}

// MetaOf copies e's metadata.
func MetaOf(key string, e *Entry) Meta {
	return Meta{
		Key:            key,
		TTL:            e.TTL,
		CreatedAt:      e.CreatedAt,
		ExpiresAt:      e.ExpiresAt(),
		Tags:           append([]string(nil), e.Tags...),
		Compressed:     e.Compressed,
		OriginalSize:   e.OriginalSize,
		CompressedSize: e.CompressedSize,
	}
}

// DedupTags returns tags without empty strings or duplicates, order preserved.
func DedupTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
