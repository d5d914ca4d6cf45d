// Package compress wraps the gzip encoder used for compression jobs.
package compress

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

const (
	// Algorithm is the identifier stored on every job.
	Algorithm = "gzip"

	// NoCompression stores the payload in gzip framing without deflating it.
	NoCompression = gzip.NoCompression
	// DefaultLevel is applied when a caller asks for a level outside 0..9.
	DefaultLevel = 6

	minLevel = gzip.BestSpeed
	maxLevel = gzip.BestCompression

	// Extension is appended to derived artifact names.
	Extension = ".gz"
)

// NormalizeLevel returns the level the engine will actually run for a
// requested value. 1..9 pass through, 0 means no compression and anything
// else falls back to DefaultLevel.
func NormalizeLevel(requested int) int {
	switch {
	case requested == NoCompression:
		return NoCompression
	case requested >= minLevel && requested <= maxLevel:
		return requested
	default:
		return DefaultLevel
	}
}

// Engine compresses byte slices. It holds no state between calls and is
// safe for concurrent use.
type Engine struct{}

// NewEngine returns a gzip Engine.
func NewEngine() *Engine {
	return &Engine{}
}

// Algorithm returns the identifier of the format Compress produces.
func (e *Engine) Algorithm() string {
	return Algorithm
}

// Compress gzips data at the given level. The header carries no name or
// modification time, so identical input and level give identical output.
func (e *Engine) Compress(data []byte, level int) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, NormalizeLevel(level))
	if err != nil {
		return nil, fmt.Errorf("gzip writer: %w", err)
	}
	if _, err := zw.Write(data); err != nil {
		_ = zw.Close()
		return nil, fmt.Errorf("gzip write: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("gzip close: %w", err)
	}
	return buf.Bytes(), nil
}

// Decompress reverses Compress.
func (e *Engine) Decompress(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("gzip reader: %w", err)
	}
	defer zr.Close()

	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("gzip read: %w", err)
	}
	return out, nil
}
