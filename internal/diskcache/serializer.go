package diskcache

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// Serializer encodes payload bytes on their way to disk. The name is
// recorded in each entry's metadata so entries stay readable after the
// configured serializer changes.
type Serializer interface {
	Name() string
	Encode(w io.Writer) (io.WriteCloser, error)
	Decode(r io.Reader) (io.ReadCloser, error)
}

// IdentitySerializer stores payloads as is.
type IdentitySerializer struct{}

func (IdentitySerializer) Name() string { return "identity" }

func (IdentitySerializer) Encode(w io.Writer) (io.WriteCloser, error) {
	return nopWriteCloser{w}, nil
}

func (IdentitySerializer) Decode(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(r), nil
}

// ZstdSerializer compresses payloads with zstd. Useful for the download
// cache when sources are uncompressed formats.
type ZstdSerializer struct {
	Level zstd.EncoderLevel
}

func (ZstdSerializer) Name() string { return "zstd" }

func (s ZstdSerializer) Encode(w io.Writer) (io.WriteCloser, error) {
	level := s.Level
	if level == 0 {
		level = zstd.SpeedDefault
	}
	enc, err := zstd.NewWriter(w,
		zstd.WithEncoderLevel(level),
		zstd.WithEncoderConcurrency(1),
		zstd.WithLowerEncoderMem(true))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	return enc, nil
}

func (ZstdSerializer) Decode(r io.Reader) (io.ReadCloser, error) {
	dec, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return dec.IOReadCloser(), nil
}

// serializerFor returns the serializer that wrote an entry.
func serializerFor(name string) (Serializer, error) {
	switch name {
	case "", "identity":
		return IdentitySerializer{}, nil
	case "zstd":
		return ZstdSerializer{}, nil
	default:
		return nil, fmt.Errorf("unknown payload encoding %q", name)
	}
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }
