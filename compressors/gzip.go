package compressors

import (
	"bytes"
	"fmt"
	"io"

	"github.com/Abyteon/canp/core"
	"github.com/klauspost/compress/gzip"
)

// GzipCompressor implements the Compressor interface using the gzip
// stream format. The same format wraps the compressed region of
// capture files, so the decoder shares this package's import.
type GzipCompressor struct{}

var _ core.Compressor = (*GzipCompressor)(nil)

func NewGzipCompressor() *GzipCompressor {
	return &GzipCompressor{}
}

func (c *GzipCompressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("gzip compress error: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("gzip close error: %w", err)
	}
	return buf.Bytes(), nil
}

func (c *GzipCompressor) Decompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("gzip reader error: %w", err)
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("gzip decompress error: %w", err)
	}
	return out, nil
}

func (c *GzipCompressor) Type() core.CompressionType {
	return core.CompressionGzip
}
