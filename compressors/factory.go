package compressors

import (
	"fmt"

	"github.com/Abyteon/canp/core"
)

// Create returns the compressor for the given codec.
func Create(t core.CompressionType) (core.Compressor, error) {
	switch t {
	case core.CompressionNone:
		return NewNoCompressionCompressor(), nil
	case core.CompressionSnappy:
		return NewSnappyCompressor(), nil
	case core.CompressionGzip:
		return NewGzipCompressor(), nil
	case core.CompressionLZ4:
		return NewLz4Compressor(), nil
	case core.CompressionZSTD:
		return NewZstdCompressor(), nil
	default:
		return nil, fmt.Errorf("unsupported compression type: %v", t)
	}
}
