package dictionary

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/Abyteon/canp/core"
)

// DictionaryExtension is the file suffix LoadDirectory filters on.
const DictionaryExtension = ".dbc"

// Parse reads a DBC document from r. The supported subset covers
// message definitions (BO_), signal definitions (SG_), value tables
// (VAL_), plus tolerated VERSION, BU_, BS_ and CM_ lines; unknown
// keywords are skipped. name is used in error reporting only.
func Parse(r io.Reader, name string) (*SignalDictionary, error) {
	d := &SignalDictionary{messages: make(map[uint32]*Message)}
	var current *Message

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			current = nil
			continue
		}
		switch {
		case strings.HasPrefix(line, "VERSION"):
			d.version = strings.Trim(strings.TrimSpace(strings.TrimPrefix(line, "VERSION")), `"`)
		case strings.HasPrefix(line, "BU_:"):
			d.nodes = strings.Fields(strings.TrimPrefix(line, "BU_:"))
		case strings.HasPrefix(line, "BO_ "):
			msg, err := parseMessageLine(line)
			if err != nil {
				return nil, &core.DictionaryParseError{File: name, Line: lineNo, Cause: err}
			}
			d.messages[msg.ID] = msg
			d.ordered = append(d.ordered, msg)
			current = msg
		case strings.HasPrefix(line, "SG_ "):
			if current == nil {
				return nil, &core.DictionaryParseError{File: name, Line: lineNo, Cause: fmt.Errorf("signal outside message block")}
			}
			sig, err := parseSignalLine(line)
			if err != nil {
				return nil, &core.DictionaryParseError{File: name, Line: lineNo, Cause: err}
			}
			current.Signals = append(current.Signals, sig)
		case strings.HasPrefix(line, "VAL_ "):
			if err := parseValueTableLine(line, d); err != nil {
				return nil, &core.DictionaryParseError{File: name, Line: lineNo, Cause: err}
			}
		default:
			// BS_, CM_, attribute lines and anything else are ignored.
			current = nil
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, &core.DictionaryParseError{File: name, Line: lineNo, Cause: err}
	}
	return d, nil
}

// ParseFile parses the DBC file at path.
func ParseFile(path string) (*SignalDictionary, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &core.IoError{Path: path, Cause: err}
	}
	defer f.Close()
	return Parse(f, path)
}

// parseMessageLine handles: BO_ <id> <name>: <dlc> <sender>
func parseMessageLine(line string) (*Message, error) {
	fields := strings.Fields(line)
	if len(fields) < 4 {
		return nil, fmt.Errorf("malformed BO_ line: %q", line)
	}
	rawID, err := strconv.ParseUint(fields[1], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("bad message id %q: %w", fields[1], err)
	}
	name := strings.TrimSuffix(fields[2], ":")
	if name == "" {
		return nil, fmt.Errorf("empty message name")
	}
	dlc, err := strconv.Atoi(fields[3])
	if err != nil {
		return nil, fmt.Errorf("bad payload length %q: %w", fields[3], err)
	}
	if dlc < 0 || dlc > core.MaxDLC {
		return nil, fmt.Errorf("payload length %d out of range", dlc)
	}
	msg := &Message{
		Extended:   uint32(rawID)&core.ExtendedIDFlag != 0,
		ID:         uint32(rawID) & core.ExtendedIDMask,
		Name:       name,
		PayloadLen: dlc,
	}
	if len(fields) > 4 {
		msg.Sender = fields[4]
	}
	return msg, nil
}

// parseSignalLine handles:
//
//	SG_ <name> : <start>|<len>@<order><sign> (<factor>,<offset>) [<min>|<max>] "<unit>" <receivers...>
//
// Multiplexer indicators between the name and the colon are accepted
// and ignored.
func parseSignalLine(line string) (Signal, error) {
	var sig Signal

	body := strings.TrimPrefix(line, "SG_ ")
	colon := strings.Index(body, ":")
	if colon < 0 {
		return sig, fmt.Errorf("malformed SG_ line: missing colon")
	}
	nameFields := strings.Fields(body[:colon])
	if len(nameFields) == 0 {
		return sig, fmt.Errorf("malformed SG_ line: missing name")
	}
	sig.Name = nameFields[0]

	rest := strings.Fields(body[colon+1:])
	if len(rest) < 2 {
		return sig, fmt.Errorf("malformed SG_ line: missing layout")
	}

	// <start>|<len>@<order><sign>
	layout := rest[0]
	pipe := strings.Index(layout, "|")
	at := strings.Index(layout, "@")
	if pipe < 0 || at < pipe {
		return sig, fmt.Errorf("malformed signal layout %q", layout)
	}
	start, err := strconv.Atoi(layout[:pipe])
	if err != nil {
		return sig, fmt.Errorf("bad start bit in %q: %w", layout, err)
	}
	length, err := strconv.Atoi(layout[pipe+1 : at])
	if err != nil {
		return sig, fmt.Errorf("bad bit length in %q: %w", layout, err)
	}
	orderSign := layout[at+1:]
	if len(orderSign) != 2 {
		return sig, fmt.Errorf("bad order/sign suffix in %q", layout)
	}
	switch orderSign[0] {
	case '1':
		sig.Order = LittleEndian
	case '0':
		sig.Order = BigEndian
	default:
		return sig, fmt.Errorf("bad byte order %q", orderSign[0])
	}
	switch orderSign[1] {
	case '+':
		sig.Signed = false
	case '-':
		sig.Signed = true
	default:
		return sig, fmt.Errorf("bad signedness %q", orderSign[1])
	}
	if start < 0 || length < 0 || length > 64 {
		return sig, fmt.Errorf("signal layout out of range: start=%d length=%d", start, length)
	}
	sig.StartBit = start
	sig.Length = length

	// (<factor>,<offset>)
	scaling := strings.Trim(rest[1], "()")
	parts := strings.SplitN(scaling, ",", 2)
	if len(parts) != 2 {
		return sig, fmt.Errorf("malformed scaling %q", rest[1])
	}
	if sig.Factor, err = strconv.ParseFloat(parts[0], 64); err != nil {
		return sig, fmt.Errorf("bad factor %q: %w", parts[0], err)
	}
	if sig.Offset, err = strconv.ParseFloat(parts[1], 64); err != nil {
		return sig, fmt.Errorf("bad offset %q: %w", parts[1], err)
	}

	// [<min>|<max>] then "<unit>" then receivers; all optional in
	// practice, so parse defensively.
	idx := 2
	if idx < len(rest) && strings.HasPrefix(rest[idx], "[") {
		bounds := strings.Trim(rest[idx], "[]")
		bp := strings.SplitN(bounds, "|", 2)
		if len(bp) == 2 {
			sig.Min, _ = strconv.ParseFloat(bp[0], 64)
			sig.Max, _ = strconv.ParseFloat(bp[1], 64)
		}
		idx++
	}
	if idx < len(rest) && strings.HasPrefix(rest[idx], `"`) {
		sig.Unit = strings.Trim(rest[idx], `"`)
		idx++
	}
	if idx < len(rest) {
		for _, rcv := range rest[idx:] {
			for _, r := range strings.Split(rcv, ",") {
				if r != "" {
					sig.Receivers = append(sig.Receivers, r)
				}
			}
		}
	}
	return sig, nil
}

// parseValueTableLine handles: VAL_ <id> <signal> <raw> "<label>" ... ;
func parseValueTableLine(line string, d *SignalDictionary) error {
	body := strings.TrimSuffix(strings.TrimSpace(strings.TrimPrefix(line, "VAL_")), ";")
	fields := splitQuoted(body)
	if len(fields) < 2 {
		return fmt.Errorf("malformed VAL_ line: %q", line)
	}
	rawID, err := strconv.ParseUint(fields[0], 10, 32)
	if err != nil {
		return fmt.Errorf("bad VAL_ message id %q: %w", fields[0], err)
	}
	msg, ok := d.messages[uint32(rawID)&core.ExtendedIDMask]
	if !ok {
		return fmt.Errorf("VAL_ for unknown message id %d", rawID)
	}
	signalName := fields[1]
	var sig *Signal
	for i := range msg.Signals {
		if msg.Signals[i].Name == signalName {
			sig = &msg.Signals[i]
			break
		}
	}
	if sig == nil {
		return fmt.Errorf("VAL_ for unknown signal %q on message %d", signalName, msg.ID)
	}
	pairs := fields[2:]
	if len(pairs)%2 != 0 {
		return fmt.Errorf("VAL_ entries must be value/label pairs")
	}
	if sig.Enum == nil {
		sig.Enum = make(map[int64]string, len(pairs)/2)
	}
	for i := 0; i < len(pairs); i += 2 {
		raw, err := strconv.ParseInt(pairs[i], 10, 64)
		if err != nil {
			return fmt.Errorf("bad VAL_ raw value %q: %w", pairs[i], err)
		}
		sig.Enum[raw] = pairs[i+1]
	}
	return nil
}

// splitQuoted splits on whitespace while keeping quoted strings (with
// the quotes stripped) as single fields.
func splitQuoted(s string) []string {
	var out []string
	var cur strings.Builder
	inQuote := false
	flush := func() {
		if cur.Len() > 0 {
			out = append(out, cur.String())
			cur.Reset()
		}
	}
	for _, r := range s {
		switch {
		case r == '"':
			if inQuote {
				out = append(out, cur.String())
				cur.Reset()
			} else {
				flush()
			}
			inQuote = !inQuote
		case !inQuote && (r == ' ' || r == '\t'):
			flush()
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return out
}
