package local

import (
	"github.com/cockroachdb/errors"
	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
)

type compressor interface {
	compress(src []byte) []byte
	decompress(src []byte) ([]byte, error)
}

func newCompressor(a Algorithm) (compressor, error) {
	switch a {
	case Zstd:
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault), zstd.WithEncoderConcurrency(1))
		if err != nil {
			return nil, errors.Wrap(err, "local: zstd encoder")
		}
		dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, errors.Wrap(err, "local: zstd decoder")
		}
		return zstdCompressor{enc: enc, dec: dec}, nil
	case S2:
		return s2Compressor{}, nil
	default:
		return nil, errors.Newf("local: unknown compression algorithm %q", a)
	}
}

type zstdCompressor struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func (z zstdCompressor) compress(src []byte) []byte {
	return z.enc.EncodeAll(src, make([]byte, 0, len(src)/2))
}

func (z zstdCompressor) decompress(src []byte) ([]byte, error) {
	return z.dec.DecodeAll(src, nil)
}

type s2Compressor struct{}

func (s2Compressor) compress(src []byte) []byte { return s2.Encode(nil, src) }

func (s2Compressor) decompress(src []byte) ([]byte, error) { return s2.Decode(nil, src) }
