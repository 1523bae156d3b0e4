package wire

import (
	"bytes"
	"encoding/binary"
	"time"

	"github.com/cockroachdb/errors"
)

const (
	version   byte = 1
	kindEntry byte = 1

	flagCompressed byte = 1 << 0

	maxTags   = 0xFFFF
	maxTagLen = 0xFFFF
)

// Compression algorithms recorded in the header.
const (
	AlgoNone byte = 0
	AlgoZstd byte = 1
	AlgoS2   byte = 2
)

var (
	ErrCorrupt = errors.New("cachekit: corrupt entry")
	magic4     = [...]byte{'C', 'K', 'I', 'T'}
)

func hasMagic(b []byte) bool {
	return len(b) >= 4 && bytes.Equal(b[:4], magic4[:])
}

// Entry is the stored form of a cache value plus its metadata.
type Entry struct {
	CreatedAt    time.Time
	TTL          time.Duration
	Compressed   bool
	Algo         byte
	OriginalSize int
	Tags         []string
	Payload      []byte
}

// Encode lays out an entry as:
//
//	magic(4) | ver(1) | kind(1) | flags(1) | algo(1) | createdAt(i64 unix nanos)
//	ttl(i64 nanos) | origSize(u32) | ntags(u16) | [tagLen(u16) | tag] * ntags
//	vlen(u32) | payload(vlen)
func Encode(e Entry) ([]byte, error) {
	if len(e.Tags) > maxTags {
		return nil, errors.Newf("cachekit: too many tags (%d)", len(e.Tags))
	}
	total := 4 + 1 + 1 + 1 + 1 + 8 + 8 + 4 + 2 + 4 + len(e.Payload)
	for _, t := range e.Tags {
		if len(t) > maxTagLen {
			return nil, errors.Newf("cachekit: tag too long (%d bytes)", len(t))
		}
		total += 2 + len(t)
	}

	var buf bytes.Buffer
	buf.Grow(total)

	buf.Write(magic4[:])
	buf.WriteByte(version)
	buf.WriteByte(kindEntry)

	var flags byte
	if e.Compressed {
		flags |= flagCompressed
	}
	buf.WriteByte(flags)
	buf.WriteByte(e.Algo)

	var u8 [8]byte
	var u4 [4]byte
	var u2 [2]byte

	var created int64
	if !e.CreatedAt.IsZero() {
		created = e.CreatedAt.UnixNano()
	}
	binary.BigEndian.PutUint64(u8[:], uint64(created))
	buf.Write(u8[:])
	binary.BigEndian.PutUint64(u8[:], uint64(e.TTL))
	buf.Write(u8[:])

	binary.BigEndian.PutUint32(u4[:], uint32(e.OriginalSize))
	buf.Write(u4[:])

	binary.BigEndian.PutUint16(u2[:], uint16(len(e.Tags)))
	buf.Write(u2[:])
	for _, t := range e.Tags {
		binary.BigEndian.PutUint16(u2[:], uint16(len(t)))
		buf.Write(u2[:])
		buf.WriteString(t)
	}

	binary.BigEndian.PutUint32(u4[:], uint32(len(e.Payload)))
	buf.Write(u4[:])
	buf.Write(e.Payload)
	return buf.Bytes(), nil
}

// Decode parses an encoded entry. The returned Payload aliases b.
func Decode(b []byte) (Entry, error) {
	const hdr = 4 + 1 + 1 + 1 + 1 + 8 + 8 + 4 + 2
	if len(b) < hdr || !hasMagic(b) || b[4] != version || b[5] != kindEntry {
		return Entry{}, ErrCorrupt
	}
	off := 6

	var e Entry
	flags := b[off]
	e.Compressed = flags&flagCompressed != 0
	e.Algo = b[off+1]
	off += 2

	if created := int64(binary.BigEndian.Uint64(b[off : off+8])); created != 0 {
		e.CreatedAt = time.Unix(0, created)
	}
	off += 8
	e.TTL = time.Duration(binary.BigEndian.Uint64(b[off : off+8]))
	off += 8
	if e.TTL < 0 {
		return Entry{}, ErrCorrupt
	}

	e.OriginalSize = int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4

	n := int(binary.BigEndian.Uint16(b[off : off+2]))
	off += 2
	if n > 0 {
		e.Tags = make([]string, 0, n)
	}
	for i := 0; i < n; i++ {
		if off+2 > len(b) {
			return Entry{}, ErrCorrupt
		}
		tlen := int(binary.BigEndian.Uint16(b[off : off+2]))
		off += 2
		if tlen > len(b)-off {
			return Entry{}, ErrCorrupt
		}
		e.Tags = append(e.Tags, string(b[off:off+tlen]))
		off += tlen
	}

	if off+4 > len(b) {
		return Entry{}, ErrCorrupt
	}
	vlen := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	// trailing bytes are corruption too
	if vlen != len(b)-off {
		return Entry{}, ErrCorrupt
	}
	e.Payload = b[off : off+vlen]
	return e, nil
}
