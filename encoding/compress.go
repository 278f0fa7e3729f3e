package encoding

import (
	"errors"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Frame headers prefixed to every framed value
const (
	frameRaw  byte = 0x00
	frameZstd byte = 0x01
)

// CompressThreshold is the value size above which Frame compresses
const CompressThreshold = 1024

var ErrBadFrame = errors.New("encoding: unknown frame header")

var (
	encoderPool = sync.Pool{
		New: func() interface{} {
			enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
			if err != nil {
				panic(err)
			}
			return enc
		},
	}
	decoderPool = sync.Pool{
		New: func() interface{} {
			dec, err := zstd.NewReader(nil)
			if err != nil {
				panic(err)
			}
			return dec
		},
	}
)

// Frame prefixes data with a one-byte header and zstd-compresses it when it
// is larger than CompressThreshold. The returned slice never aliases data.
func Frame(data []byte) []byte {
	if len(data) <= CompressThreshold {
		out := make([]byte, 0, len(data)+1)
		out = append(out, frameRaw)
		return append(out, data...)
	}

	enc := encoderPool.Get().(*zstd.Encoder)
	defer encoderPool.Put(enc)

	dst := make([]byte, 1, len(data)/2+1)
	dst[0] = frameZstd
	return enc.EncodeAll(data, dst)
}

// Unframe reverses Frame
func Unframe(framed []byte) ([]byte, error) {
	if len(framed) == 0 {
		return nil, ErrBadFrame
	}

	switch framed[0] {
	case frameRaw:
		out := make([]byte, len(framed)-1)
		copy(out, framed[1:])
		return out, nil
	case frameZstd:
		dec := decoderPool.Get().(*zstd.Decoder)
		defer decoderPool.Put(dec)
		return dec.DecodeAll(framed[1:], nil)
	default:
		return nil, ErrBadFrame
	}
}
