package report

import (
	"compress/gzip"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// Algorithm is the compression applied to a written report.
type Algorithm string

const (
	// AlgorithmZSTD writes Zstandard frames. Selected by the .zst extension.
	AlgorithmZSTD Algorithm = "zstd"

	// AlgorithmGzip writes gzip. Selected by the .gz extension.
	AlgorithmGzip Algorithm = "gzip"

	// AlgorithmNone writes plain JSON.
	AlgorithmNone Algorithm = "none"
)

// Level is a compression level on the zstd 1-9 scale. Gzip maps it onto its
// own levels.
type Level int

const (
	LevelFastest Level = 1
	LevelDefault Level = 3
	LevelBetter  Level = 6
	LevelBest    Level = 9
)

// AlgorithmForPath picks the algorithm from path's extension.
func AlgorithmForPath(path string) Algorithm {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".zst", ".zstd":
		return AlgorithmZSTD
	case ".gz", ".gzip":
		return AlgorithmGzip
	default:
		return AlgorithmNone
	}
}

// ContentEncoding returns the HTTP Content-Encoding value for a.
func (a Algorithm) ContentEncoding() string {
	switch a {
	case AlgorithmZSTD, AlgorithmGzip:
		return string(a)
	default:
		return ""
	}
}

// NewWriter wraps w so that bytes written are compressed with alg. Close
// flushes the compressor but does not close w.
func NewWriter(w io.Writer, alg Algorithm, level Level) (io.WriteCloser, error) {
	switch alg {
	case AlgorithmZSTD:
		enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(int(level))))
		if err != nil {
			return nil, fmt.Errorf("zstd writer error: %w", err)
		}
		return enc, nil
	case AlgorithmGzip:
		gw, err := gzip.NewWriterLevel(w, gzipLevel(level))
		if err != nil {
			return nil, fmt.Errorf("gzip writer error: %w", err)
		}
		return gw, nil
	case AlgorithmNone, "":
		return nopWriteCloser{w}, nil
	default:
		return nil, fmt.Errorf("unsupported compression algorithm: %s", alg)
	}
}

// NewReader wraps r to decompress alg.
func NewReader(r io.Reader, alg Algorithm) (io.ReadCloser, error) {
	switch alg {
	case AlgorithmZSTD:
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("zstd reader error: %w", err)
		}
		return zstdReadCloser{dec}, nil
	case AlgorithmGzip:
		gr, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("gzip reader error: %w", err)
		}
		return gr, nil
	case AlgorithmNone, "":
		return io.NopCloser(r), nil
	default:
		return nil, fmt.Errorf("unsupported compression algorithm: %s", alg)
	}
}

func gzipLevel(l Level) int {
	switch {
	case l <= 0:
		return gzip.DefaultCompression
	case l <= 3:
		return gzip.BestSpeed
	case l >= 7:
		return gzip.BestCompression
	default:
		return gzip.DefaultCompression
	}
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// zstd.Decoder.Close has no error result.
type zstdReadCloser struct{ *zstd.Decoder }

func (z zstdReadCloser) Close() error {
	z.Decoder.Close()
	return nil
}
