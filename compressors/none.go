package compressors

import "github.com/Abyteon/canp/core"

// NoCompressionCompressor implements the Compressor interface without
// performing compression.
type NoCompressionCompressor struct{}

var _ core.Compressor = (*NoCompressionCompressor)(nil)

func NewNoCompressionCompressor() *NoCompressionCompressor {
	return &NoCompressionCompressor{}
}

func (c *NoCompressionCompressor) Compress(data []byte) ([]byte, error) {
	return data, nil // Return data as is
}

func (c *NoCompressionCompressor) Decompress(data []byte) ([]byte, error) {
	return data, nil
}

func (c *NoCompressionCompressor) Type() core.CompressionType {
	return core.CompressionNone
}
