package vici

import (
	"encoding/binary"
	"fmt"
)

// element tags for the vici message body (spec section 4.6 / 6.2). These are
// not part of the packet header; they describe the recursive structure
// inside a packet's opaque body.
const (
	elSectionStart uint8 = 1
	elSectionEnd   uint8 = 2
	elKeyValue     uint8 = 3
	elListStart    uint8 = 4
	elListItem     uint8 = 5
	elListEnd      uint8 = 6
)

// Message is a vici message body: an ordered mapping from key to value,
// where a value is one of a string, a nested *Message (a section), or a
// []string (a list). Insertion order is preserved so that a decoded
// response (e.g. connection names in list-conns) round-trips in the order
// the daemon sent it, mirroring the Rust test suite's use of IndexMap.
type Message struct {
	keys   []string
	values map[string]any
}

// NewMessage returns an empty message body ready for Set calls.
func NewMessage() *Message {
	return &Message{values: make(map[string]any)}
}

// Set assigns a scalar, *Message (section), or []string (list) value for
// key, appending key to the iteration order if it is new.
func (m *Message) Set(key string, value any) {
	if m.values == nil {
		m.values = make(map[string]any)
	}
	if _, ok := m.values[key]; !ok {
		m.keys = append(m.keys, key)
	}
	m.values[key] = value
}

// SetBool sets key to the wire boolean encoding required by spec section
// 6.2: the literal strings "yes"/"no", never a native bool.
func (m *Message) SetBool(key string, value bool) {
	if value {
		m.Set(key, "yes")
	} else {
		m.Set(key, "no")
	}
}

// Get returns the raw value stored for key, and whether it was present.
func (m *Message) Get(key string) (any, bool) {
	if m.values == nil {
		return nil, false
	}
	v, ok := m.values[key]
	return v, ok
}

// GetString returns key's value as a string, or "" if absent or not a string.
func (m *Message) GetString(key string) string {
	if v, ok := m.Get(key); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// GetBool decodes key's value per the yes/no convention of spec section 6.2.
func (m *Message) GetBool(key string) (bool, bool) {
	s, ok := m.Get(key)
	if !ok {
		return false, false
	}
	switch s {
	case "yes":
		return true, true
	case "no":
		return false, true
	default:
		return false, false
	}
}

// Keys returns the message's keys in insertion order.
func (m *Message) Keys() []string {
	return append([]string(nil), m.keys...)
}

// checkSuccess inspects the conventional success/errmsg pair used by
// CMD_RESPONSE bodies (spec section 4.4 step 3) and returns a CmdFailure
// error if success == "no".
func (m *Message) checkSuccess() error {
	ok, has := m.GetBool("success")
	if !has || ok {
		return nil
	}
	return cmdFailureErr(m.GetString("errmsg"))
}

// Encode serializes a Message into the tagged element stream of spec
// section 4.6.
func Encode(m *Message) ([]byte, error) {
	var buf []byte
	if m == nil {
		return buf, nil
	}
	for _, k := range m.keys {
		v := m.values[k]
		enc, err := encodeElement(k, v)
		if err != nil {
			return nil, err
		}
		buf = append(buf, enc...)
	}
	return buf, nil
}

func encodeElement(key string, value any) ([]byte, error) {
	switch v := value.(type) {
	case string:
		return encodeKeyValue(key, []byte(v))
	case []byte:
		return encodeKeyValue(key, v)
	case *Message:
		return encodeSection(key, v)
	case []string:
		return encodeList(key, v)
	default:
		return nil, dataErr(fmt.Sprintf("message: unsupported value type for key %q", key))
	}
}

func encodeKeyValue(name string, value []byte) ([]byte, error) {
	if len(name) > maxNameLen {
		return nil, dataErr(fmt.Sprintf("message: name %q exceeds %d bytes", name, maxNameLen))
	}
	if len(value) > 0xFFFF {
		return nil, dataErr(fmt.Sprintf("message: value for %q exceeds 65535 bytes", name))
	}

	buf := make([]byte, 0, 1+1+len(name)+2+len(value))
	buf = append(buf, elKeyValue, byte(len(name)))
	buf = append(buf, name...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(value)))
	buf = append(buf, value...)
	return buf, nil
}

func encodeSection(name string, sec *Message) ([]byte, error) {
	if len(name) > maxNameLen {
		return nil, dataErr(fmt.Sprintf("message: name %q exceeds %d bytes", name, maxNameLen))
	}

	buf := []byte{elSectionStart, byte(len(name))}
	buf = append(buf, name...)

	inner, err := Encode(sec)
	if err != nil {
		return nil, err
	}
	buf = append(buf, inner...)
	buf = append(buf, elSectionEnd)
	return buf, nil
}

func encodeList(name string, items []string) ([]byte, error) {
	if len(name) > maxNameLen {
		return nil, dataErr(fmt.Sprintf("message: name %q exceeds %d bytes", name, maxNameLen))
	}

	buf := []byte{elListStart, byte(len(name))}
	buf = append(buf, name...)

	for _, item := range items {
		if len(item) > 0xFFFF {
			return nil, dataErr(fmt.Sprintf("message: list item for %q exceeds 65535 bytes", name))
		}
		buf = append(buf, elListItem)
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(item)))
		buf = append(buf, item...)
	}

	buf = append(buf, elListEnd)
	return buf, nil
}

// Decode parses the tagged element stream of spec section 4.6 back into a
// Message.
func Decode(buf []byte) (*Message, error) {
	m := NewMessage()
	rest, err := decodeInto(m, buf)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, dataErr("message: trailing bytes after top-level elements")
	}
	return m, nil
}

// decodeInto consumes elements from buf until it is exhausted or a
// section-end tag is found, appending to m. It returns the remainder of buf
// starting just after a consumed section-end tag (or empty, at top level).
func decodeInto(m *Message, buf []byte) ([]byte, error) {
	for len(buf) > 0 {
		tag := buf[0]
		buf = buf[1:]

		switch tag {
		case elSectionEnd, elListEnd:
			return buf, nil

		case elSectionStart:
			name, rest, err := readName(buf)
			if err != nil {
				return nil, err
			}
			sec := NewMessage()
			rest, err = decodeInto(sec, rest)
			if err != nil {
				return nil, err
			}
			m.Set(name, sec)
			buf = rest

		case elKeyValue:
			name, rest, err := readName(buf)
			if err != nil {
				return nil, err
			}
			value, rest2, err := readValue16(rest)
			if err != nil {
				return nil, err
			}
			m.Set(name, string(value))
			buf = rest2

		case elListStart:
			name, rest, err := readName(buf)
			if err != nil {
				return nil, err
			}
			items, rest2, err := decodeList(rest)
			if err != nil {
				return nil, err
			}
			m.Set(name, items)
			buf = rest2

		default:
			return nil, dataErr(fmt.Sprintf("message: unknown element tag %d", tag))
		}
	}
	return buf, nil
}

func decodeList(buf []byte) ([]string, []byte, error) {
	var items []string
	for {
		if len(buf) < 1 {
			return nil, nil, dataErr("message: truncated list")
		}
		tag := buf[0]
		buf = buf[1:]

		if tag == elListEnd {
			return items, buf, nil
		}
		if tag != elListItem {
			return nil, nil, dataErr(fmt.Sprintf("message: unexpected tag %d inside list", tag))
		}

		value, rest, err := readValue16(buf)
		if err != nil {
			return nil, nil, err
		}
		items = append(items, string(value))
		buf = rest
	}
}

func readName(buf []byte) (string, []byte, error) {
	if len(buf) < 1 {
		return "", nil, dataErr("message: truncated name length")
	}
	n := int(buf[0])
	buf = buf[1:]
	if len(buf) < n {
		return "", nil, dataErr("message: truncated name")
	}
	return string(buf[:n]), buf[n:], nil
}

func readValue16(buf []byte) ([]byte, []byte, error) {
	if len(buf) < 2 {
		return nil, nil, dataErr("message: truncated value length")
	}
	n := int(binary.BigEndian.Uint16(buf[:2]))
	buf = buf[2:]
	if len(buf) < n {
		return nil, nil, dataErr("message: truncated value")
	}
	return buf[:n], buf[n:], nil
}
