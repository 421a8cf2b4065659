package archive

import (
	"fmt"
	"time"

	"github.com/Abyteon/canp/core"
)

type partitionKind int

const (
	partitionByTime partitionKind = iota
	partitionByHash
	partitionByFunc
)

// PartitionRule assigns each row to a partition key. The rule is a
// closed set of variants: a time interval over the frame timestamp, a
// hash of the message id, or a caller-supplied function.
type PartitionRule struct {
	kind     partitionKind
	interval time.Duration
	buckets  uint32
	fn       func(core.DecodedRow) string
}

// TimePartition buckets rows by frame timestamp into fixed intervals.
func TimePartition(interval time.Duration) PartitionRule {
	if interval <= 0 {
		interval = time.Minute
	}
	return PartitionRule{kind: partitionByTime, interval: interval}
}

// HashPartition buckets rows by a Fibonacci hash of the message id,
// reduced modulo buckets.
func HashPartition(buckets uint32) PartitionRule {
	if buckets == 0 {
		buckets = 16
	}
	return PartitionRule{kind: partitionByHash, buckets: buckets}
}

// FuncPartition delegates the key to fn.
func FuncPartition(fn func(core.DecodedRow) string) PartitionRule {
	return PartitionRule{kind: partitionByFunc, fn: fn}
}

// Key returns the partition key for a row.
func (r PartitionRule) Key(row core.DecodedRow) string {
	switch r.kind {
	case partitionByTime:
		intervalUS := uint64(r.interval / time.Microsecond)
		bucket := row.Timestamp / intervalUS * intervalUS
		return fmt.Sprintf("time-%016d", bucket)
	case partitionByHash:
		// Fibonacci hashing spreads dense id ranges across buckets.
		h := uint64(row.MessageID) * 0x9E3779B97F4A7C15
		return fmt.Sprintf("hash-%04d", uint32(h>>32)%r.buckets)
	case partitionByFunc:
		return r.fn(row)
	default:
		return "default"
	}
}

// ParsePartitionRule parses the CLI form: "time:<seconds>" or
// "hash:<buckets>".
func ParsePartitionRule(s string) (PartitionRule, error) {
	var kind string
	var arg uint64
	if _, err := fmt.Sscanf(s, "time:%d", &arg); err == nil {
		kind = "time"
	} else if _, err := fmt.Sscanf(s, "hash:%d", &arg); err == nil {
		kind = "hash"
	} else {
		return PartitionRule{}, fmt.Errorf("malformed partition rule %q", s)
	}
	switch kind {
	case "time":
		if arg == 0 {
			return PartitionRule{}, fmt.Errorf("partition interval must be positive")
		}
		return TimePartition(time.Duration(arg) * time.Second), nil
	default:
		if arg == 0 || arg > 1<<20 {
			return PartitionRule{}, fmt.Errorf("partition bucket count %d out of range", arg)
		}
		return HashPartition(uint32(arg)), nil
	}
}
