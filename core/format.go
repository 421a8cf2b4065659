package core

import (
	"encoding/binary"
	"fmt"
)

// On-disk capture layout. All multi-byte integers are little-endian.
//
//	outer header (35B) | gzip stream of compressed_length bytes
//
// The decompressed payload carries:
//
//	inner header (20B) | frame groups
//
// where each group is a 16-byte group header followed by group_length
// bytes of packed 24-byte frames.
const (
	FileHeaderSize  = 35
	InnerHeaderSize = 20
	GroupHeaderSize = 16
	FrameSize       = 24

	FormatVersion = 1

	// ExtendedIDFlag marks a 29-bit extended identifier in a frame's
	// id word; the low 29 bits carry the id itself.
	ExtendedIDFlag uint32 = 1 << 31
	ExtendedIDMask uint32 = 0x1FFFFFFF
	StandardIDMask uint32 = 0x7FF

	// FrameFlagRemote marks a remote transmission request.
	FrameFlagRemote byte = 1 << 0

	MaxDLC = 8
)

// FileMagic is the 4-byte magic of both the outer and inner headers.
var FileMagic = [4]byte{'C', 'A', 'N', 'P'}

// FileHeader is the 35-byte outer header at offset 0 of a capture file.
type FileHeader struct {
	Magic            [4]byte
	Version          byte
	Flags            byte
	Reserved         [25]byte
	CompressedLength uint32
}

// NewFileHeader returns a header describing a compressed payload of
// the given length.
func NewFileHeader(compressedLength uint32) FileHeader {
	return FileHeader{
		Magic:            FileMagic,
		Version:          FormatVersion,
		CompressedLength: compressedLength,
	}
}

// DecodeFileHeader parses the outer header from the start of data.
func DecodeFileHeader(data []byte) (FileHeader, error) {
	var h FileHeader
	if len(data) < FileHeaderSize {
		return h, fmt.Errorf("need %d header bytes, have %d", FileHeaderSize, len(data))
	}
	copy(h.Magic[:], data[0:4])
	if h.Magic != FileMagic {
		return h, fmt.Errorf("bad magic %q", data[0:4])
	}
	h.Version = data[4]
	if h.Version != FormatVersion {
		return h, fmt.Errorf("unsupported version %d", h.Version)
	}
	h.Flags = data[5]
	copy(h.Reserved[:], data[6:31])
	h.CompressedLength = binary.LittleEndian.Uint32(data[31:35])
	return h, nil
}

// Encode appends the 35-byte wire form of h to dst.
func (h FileHeader) Encode(dst []byte) []byte {
	dst = append(dst, h.Magic[:]...)
	dst = append(dst, h.Version, h.Flags)
	dst = append(dst, h.Reserved[:]...)
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], h.CompressedLength)
	return append(dst, lenBuf[:]...)
}

// InnerHeader is the 20-byte header at offset 0 of the decompressed
// payload.
type InnerHeader struct {
	Magic             [4]byte
	Version           byte
	Flags             byte
	Reserved          [10]byte
	FrameRegionLength uint32
}

func NewInnerHeader(frameRegionLength uint32) InnerHeader {
	return InnerHeader{
		Magic:             FileMagic,
		Version:           FormatVersion,
		FrameRegionLength: frameRegionLength,
	}
}

// DecodeInnerHeader parses the inner header from the start of data.
func DecodeInnerHeader(data []byte) (InnerHeader, error) {
	var h InnerHeader
	if len(data) < InnerHeaderSize {
		return h, fmt.Errorf("need %d inner header bytes, have %d", InnerHeaderSize, len(data))
	}
	copy(h.Magic[:], data[0:4])
	if h.Magic != FileMagic {
		return h, fmt.Errorf("bad inner magic %q", data[0:4])
	}
	h.Version = data[4]
	if h.Version != FormatVersion {
		return h, fmt.Errorf("unsupported inner version %d", h.Version)
	}
	h.Flags = data[5]
	copy(h.Reserved[:], data[6:16])
	h.FrameRegionLength = binary.LittleEndian.Uint32(data[16:20])
	return h, nil
}

// Encode appends the 20-byte wire form of h to dst.
func (h InnerHeader) Encode(dst []byte) []byte {
	dst = append(dst, h.Magic[:]...)
	dst = append(dst, h.Version, h.Flags)
	dst = append(dst, h.Reserved[:]...)
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], h.FrameRegionLength)
	return append(dst, lenBuf[:]...)
}

// GroupHeader prefixes each run of packed frames.
type GroupHeader struct {
	GroupLength uint32
	Reserved    [12]byte
}

// DecodeGroupHeader parses a group header from the start of data.
func DecodeGroupHeader(data []byte) (GroupHeader, error) {
	var h GroupHeader
	if len(data) < GroupHeaderSize {
		return h, fmt.Errorf("need %d group header bytes, have %d", GroupHeaderSize, len(data))
	}
	h.GroupLength = binary.LittleEndian.Uint32(data[0:4])
	copy(h.Reserved[:], data[4:16])
	return h, nil
}

// Encode appends the 16-byte wire form of h to dst.
func (h GroupHeader) Encode(dst []byte) []byte {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], h.GroupLength)
	dst = append(dst, lenBuf[:]...)
	return append(dst, h.Reserved[:]...)
}

// Frame is one fixed 24-byte CAN frame record.
type Frame struct {
	RawID     uint32 // id word as stored, extended flag included
	DLC       byte
	Flags     byte
	Timestamp uint64 // microseconds since capture start
	Payload   [8]byte
}

// ID returns the logical identifier with the extended flag stripped.
func (f Frame) ID() uint32 {
	if f.RawID&ExtendedIDFlag != 0 {
		return f.RawID & ExtendedIDMask
	}
	return f.RawID & StandardIDMask
}

// Extended reports whether the frame carries a 29-bit identifier.
func (f Frame) Extended() bool { return f.RawID&ExtendedIDFlag != 0 }

// Remote reports whether the frame is a remote transmission request.
func (f Frame) Remote() bool { return f.Flags&FrameFlagRemote != 0 }

// DecodeFrame parses one frame record from the start of data.
func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	if len(data) < FrameSize {
		return f, fmt.Errorf("need %d frame bytes, have %d", FrameSize, len(data))
	}
	f.RawID = binary.LittleEndian.Uint32(data[0:4])
	f.DLC = data[4]
	f.Flags = data[5]
	f.Timestamp = binary.LittleEndian.Uint64(data[8:16])
	copy(f.Payload[:], data[16:24])
	return f, nil
}

// Encode appends the 24-byte wire form of f to dst.
func (f Frame) Encode(dst []byte) []byte {
	var buf [FrameSize]byte
	binary.LittleEndian.PutUint32(buf[0:4], f.RawID)
	buf[4] = f.DLC
	buf[5] = f.Flags
	binary.LittleEndian.PutUint64(buf[8:16], f.Timestamp)
	copy(buf[16:24], f.Payload[:])
	return append(dst, buf[:]...)
}
