package vici

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// packetType is the wire tag of a vici packet (spec section 6.1). Values are
// fixed by the protocol and must not change.
type packetType uint8

const (
	pktCmdRequest packetType = iota
	pktCmdResponse
	pktCmdUnknown
	pktEventRegister
	pktEventUnregister
	pktEventConfirm
	pktEventUnknown
	pktEvent
)

func (t packetType) String() string {
	switch t {
	case pktCmdRequest:
		return "CMD_REQUEST"
	case pktCmdResponse:
		return "CMD_RESPONSE"
	case pktCmdUnknown:
		return "CMD_UNKNOWN"
	case pktEventRegister:
		return "EVENT_REGISTER"
	case pktEventUnregister:
		return "EVENT_UNREGISTER"
	case pktEventConfirm:
		return "EVENT_CONFIRM"
	case pktEventUnknown:
		return "EVENT_UNKNOWN"
	case pktEvent:
		return "EVENT"
	default:
		return fmt.Sprintf("PACKET_TYPE(%d)", uint8(t))
	}
}

// named reports whether this packet type carries an inline name (section 6.1).
func (t packetType) named() bool {
	switch t {
	case pktCmdRequest, pktEventRegister, pktEventUnregister, pktEvent:
		return true
	default:
		return false
	}
}

const maxNameLen = 255

// packet is the framed envelope described in spec section 3 and 6.1: a tag,
// an optional name, and an opaque body. Packets are immutable after
// construction.
type packet struct {
	ptype packetType
	name  string
	body  []byte
}

func newPacket(ptype packetType, name string, body []byte) *packet {
	return &packet{ptype: ptype, name: name, body: body}
}

// encode serializes p into the length-prefixed wire frame of section 6.1,
// including the 4-byte big-endian length header.
func (p *packet) encode() ([]byte, error) {
	if p.named() && len(p.name) > maxNameLen {
		return nil, &Error{category: CategoryData, msg: fmt.Sprintf("name %q exceeds %d bytes", p.name, maxNameLen)}
	}

	size := 1
	if p.named() {
		size += 1 + len(p.name)
	}
	size += len(p.body)

	buf := make([]byte, 4+size)
	binary.BigEndian.PutUint32(buf[0:4], uint32(size))
	buf[4] = byte(p.ptype)
	n := 5
	if p.named() {
		buf[n] = byte(len(p.name))
		n++
		n += copy(buf[n:], p.name)
	}
	copy(buf[n:], p.body)

	return buf, nil
}

func (p *packet) named() bool {
	return p.ptype.named()
}

// decodeBody parses the bytes that follow the 4-byte length header: a type
// tag, optional name, and the remaining opaque body. It never looks past the
// slice it is given; the caller is responsible for reading exactly `length`
// bytes off the transport first.
func decodeBody(buf []byte) (*packet, error) {
	if len(buf) < 1 {
		return nil, &Error{category: CategoryData, msg: "truncated packet: missing type tag"}
	}

	tag := buf[0]
	if tag > uint8(pktEvent) {
		return nil, &Error{category: CategoryData, msg: fmt.Sprintf("invalid packet: unknown type tag %d", tag)}
	}
	ptype := packetType(tag)
	rest := buf[1:]

	p := &packet{ptype: ptype}

	if ptype.named() {
		if len(rest) < 1 {
			return nil, &Error{category: CategoryData, msg: "truncated packet: missing name length"}
		}
		nameLen := int(rest[0])
		rest = rest[1:]
		if len(rest) < nameLen {
			return nil, &Error{category: CategoryData, msg: "truncated packet: name shorter than declared"}
		}
		// Lossy on invalid UTF-8, per spec 6.1.
		p.name = strings.ToValidUTF8(string(rest[:nameLen]), "�")
		rest = rest[nameLen:]
	}

	p.body = rest
	return p, nil
}
