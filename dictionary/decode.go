package dictionary

import (
	"fmt"

	"github.com/Abyteon/canp/core"
)

// extractLittleEndian accumulates length bits starting at startBit of
// the payload viewed as a contiguous little-endian bitstring, least
// significant bit first.
func extractLittleEndian(payload []byte, startBit, length int) (uint64, error) {
	if startBit+length > len(payload)*8 {
		return 0, fmt.Errorf("signal bits [%d,%d) exceed payload of %d bits", startBit, startBit+length, len(payload)*8)
	}
	var raw uint64
	for i := 0; i < length; i++ {
		bit := startBit + i
		if payload[bit/8]>>(bit%8)&1 == 1 {
			raw |= 1 << i
		}
	}
	return raw, nil
}

// extractBigEndian walks Motorola bit order: the start bit names the
// first (most significant) bit of the field; successive bits proceed
// toward the least significant bit of the byte, then continue at bit 7
// of the next byte.
func extractBigEndian(payload []byte, startBit, length int) (uint64, error) {
	var raw uint64
	bit := startBit
	for i := 0; i < length; i++ {
		byteIdx := bit / 8
		if byteIdx >= len(payload) {
			return 0, fmt.Errorf("signal bit %d exceeds payload of %d bits", bit, len(payload)*8)
		}
		raw = raw<<1 | uint64(payload[byteIdx]>>(bit%8)&1)
		if bit%8 == 0 {
			bit += 15 // jump to bit 7 of the next byte
		} else {
			bit--
		}
	}
	return raw, nil
}

// signExtend interprets raw as a two's-complement value of the given
// bit width.
func signExtend(raw uint64, length int) int64 {
	if length <= 0 || length >= 64 {
		return int64(raw)
	}
	if raw&(1<<(length-1)) != 0 {
		return int64(raw | ^uint64(0)<<length)
	}
	return int64(raw)
}

// DecodeSignal extracts one signal from a payload, returning the raw
// integer and scaled physical value.
func DecodeSignal(sig *Signal, payload []byte) (raw int64, physical float64, err error) {
	var bits uint64
	switch sig.Order {
	case LittleEndian:
		bits, err = extractLittleEndian(payload, sig.StartBit, sig.Length)
	case BigEndian:
		bits, err = extractBigEndian(payload, sig.StartBit, sig.Length)
	default:
		err = fmt.Errorf("unknown byte order %d", sig.Order)
	}
	if err != nil {
		return 0, 0, err
	}
	if sig.Signed {
		raw = signExtend(bits, sig.Length)
	} else {
		raw = int64(bits)
	}
	return raw, float64(raw)*sig.Factor + sig.Offset, nil
}

// DecodeStats tallies per-frame decode outcomes.
type DecodeStats struct {
	Rows             int
	MalformedSignals int
}

// DecodeFrame decodes every signal of the message matching fr against
// msg, appending rows to dst. Signals with zero length are skipped;
// signals overrunning the frame's DLC are counted malformed and
// skipped. Remote frames produce no rows.
func DecodeFrame(msg *Message, fr core.Frame, dst []core.DecodedRow) ([]core.DecodedRow, DecodeStats) {
	var st DecodeStats
	if fr.Remote() {
		return dst, st
	}
	payload := fr.Payload[:fr.DLC]
	for i := range msg.Signals {
		sig := &msg.Signals[i]
		if sig.Length == 0 {
			continue
		}
		raw, physical, err := DecodeSignal(sig, payload)
		if err != nil {
			st.MalformedSignals++
			continue
		}
		row := core.DecodedRow{
			Timestamp:  fr.Timestamp,
			MessageID:  msg.ID,
			SignalName: sig.Name,
			RawValue:   raw,
			Physical:   physical,
			Unit:       sig.Unit,
		}
		if sig.Enum != nil {
			if label, ok := sig.Enum[raw]; ok {
				row.Label = label
			}
		}
		dst = append(dst, row)
		st.Rows++
	}
	return dst, st
}
