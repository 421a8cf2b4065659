package compressors

import (
	"errors"
	"fmt"

	"github.com/Abyteon/canp/core"
	lz4 "github.com/pierrec/lz4/v4"
)

// LZ4Compressor implements the Compressor interface using the LZ4
// block format.
type LZ4Compressor struct{}

var _ core.Compressor = (*LZ4Compressor)(nil)

func NewLz4Compressor() *LZ4Compressor {
	return &LZ4Compressor{}
}

func (c *LZ4Compressor) Compress(data []byte) ([]byte, error) {
	// Allocate a destination buffer with the maximum possible compressed size.
	dst := make([]byte, lz4.CompressBlockBound(len(data)))
	n, err := lz4.CompressBlock(data, dst, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress error: %w", err)
	}
	if n == 0 && len(data) > 0 {
		return nil, fmt.Errorf("lz4 compression resulted in zero bytes for non-empty input")
	}
	return dst[:n], nil
}

func (c *LZ4Compressor) Decompress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	// The lz4 block format does not store the original size; start
	// with a heuristic buffer and grow on short-buffer errors.
	dstSize := len(data) * 3
	if dstSize < 1024 {
		dstSize = 1024
	}
	dst := make([]byte, dstSize)
	for {
		n, err := lz4.UncompressBlock(data, dst)
		if err == nil {
			return dst[:n], nil
		}
		if errors.Is(err, lz4.ErrInvalidSourceShortBuffer) {
			if len(dst) > 16*1024*1024 {
				return nil, fmt.Errorf("lz4 decompression buffer grew too large (>16MB)")
			}
			dst = make([]byte, len(dst)*2)
			continue
		}
		return nil, fmt.Errorf("lz4 decompress error: %w", err)
	}
}

func (c *LZ4Compressor) Type() core.CompressionType {
	return core.CompressionLZ4
}
