// Package dictionary parses CAN bus-description (DBC) files into
// immutable signal dictionaries and decodes frames against them.
package dictionary

import (
	"github.com/Abyteon/canp/core"
)

// ByteOrder of a signal's bit field within the payload.
type ByteOrder int

const (
	LittleEndian ByteOrder = iota // Intel
	BigEndian                     // Motorola
)

// Signal describes one bit field of a message.
type Signal struct {
	Name      string
	StartBit  int
	Length    int
	Order     ByteOrder
	Signed    bool
	Factor    float64
	Offset    float64
	Min       float64
	Max       float64
	Unit      string
	Receivers []string
	// Enum maps raw integer values to labels (DBC value table).
	Enum map[int64]string
}

// Message describes one CAN message and its ordered signals.
type Message struct {
	ID         uint32 // logical id, extended flag stripped
	Extended   bool
	Name       string
	PayloadLen int
	Sender     string
	Signals    []Signal
}

// SignalDictionary is an immutable decoding table keyed by message id.
// It is shared by reference across decode tasks and never mutated
// after Parse returns it.
type SignalDictionary struct {
	messages map[uint32]*Message
	ordered  []*Message // declaration order
	version  string
	nodes    []string
}

// Lookup returns the message descriptor for a logical id.
func (d *SignalDictionary) Lookup(id uint32) (*Message, bool) {
	m, ok := d.messages[id&core.ExtendedIDMask]
	return m, ok
}

// Messages returns the message descriptors in declaration order.
func (d *SignalDictionary) Messages() []*Message { return d.ordered }

// Version returns the dictionary's VERSION string, if any.
func (d *SignalDictionary) Version() string { return d.version }

// Nodes returns the bus nodes named on the BU_ line.
func (d *SignalDictionary) Nodes() []string { return d.nodes }

// Len returns the number of messages.
func (d *SignalDictionary) Len() int { return len(d.ordered) }

// Merge combines dictionaries into one table. Later dictionaries win
// on duplicate message ids. The inputs are not modified.
func Merge(dicts ...*SignalDictionary) *SignalDictionary {
	out := &SignalDictionary{messages: make(map[uint32]*Message)}
	for _, d := range dicts {
		if d == nil {
			continue
		}
		if out.version == "" {
			out.version = d.version
		}
		out.nodes = append(out.nodes, d.nodes...)
		for _, m := range d.ordered {
			if _, dup := out.messages[m.ID]; dup {
				for i, existing := range out.ordered {
					if existing.ID == m.ID {
						out.ordered[i] = m
						break
					}
				}
			} else {
				out.ordered = append(out.ordered, m)
			}
			out.messages[m.ID] = m
		}
	}
	return out
}
