package core

// Compressor is the codec contract the archive sink writes chunks
// through. Implementations live in the compressors package.
type Compressor interface {
	// Compress returns the compressed form of data.
	Compress(data []byte) ([]byte, error)
	// Decompress expands data produced by Compress.
	Decompress(data []byte) ([]byte, error)
	// Type identifies the codec for manifests and file naming.
	Type() CompressionType
}
