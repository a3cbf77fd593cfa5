package vici

import (
	"bytes"
	"testing"
)

func TestPacketEncodeDecodeRoundTrip(t *testing.T) {
	p := newPacket(pktCmdRequest, "version", nil)
	buf, err := p.encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	want := []byte{0, 0, 0, 9, 0, 7, 'v', 'e', 'r', 's', 'i', 'o', 'n'}
	if !bytes.Equal(buf, want) {
		t.Fatalf("encode mismatch:\ngot  %v\nwant %v", buf, want)
	}

	got, err := decodeBody(buf[4:])
	if err != nil {
		t.Fatalf("decodeBody: %v", err)
	}
	if got.ptype != pktCmdRequest || got.name != "version" {
		t.Fatalf("decoded packet mismatch: %+v", got)
	}
}

func TestPacketUnnamedHasNoNameField(t *testing.T) {
	p := newPacket(pktCmdResponse, "", []byte("body"))
	buf, err := p.encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	// length(4) + type(1) + body(4), no name-length byte.
	want := []byte{0, 0, 0, 5, 1, 'b', 'o', 'd', 'y'}
	if !bytes.Equal(buf, want) {
		t.Fatalf("encode mismatch:\ngot  %v\nwant %v", buf, want)
	}
}

func TestDecodeBodyTruncated(t *testing.T) {
	if _, err := decodeBody(nil); err == nil || !IsData(err) {
		t.Fatalf("expected data error for empty buffer, got %v", err)
	}
	if _, err := decodeBody([]byte{byte(pktEventRegister), 5, 'a', 'b'}); err == nil || !IsData(err) {
		t.Fatalf("expected data error for truncated name, got %v", err)
	}
}

func TestDecodeBodyLossyUTF8Name(t *testing.T) {
	raw := []byte{byte(pktEvent), 2, 0xff, 0xfe}
	p, err := decodeBody(raw)
	if err != nil {
		t.Fatalf("decodeBody: %v", err)
	}
	if p.name == "" {
		t.Fatalf("expected a lossily-decoded replacement name, got empty string")
	}
}

func TestPacketTypeString(t *testing.T) {
	cases := map[packetType]string{
		pktCmdRequest:  "CMD_REQUEST",
		pktEvent:       "EVENT",
		pktCmdUnknown:  "CMD_UNKNOWN",
		packetType(99): "PACKET_TYPE(99)",
	}
	for pt, want := range cases {
		if got := pt.String(); got != want {
			t.Fatalf("packetType(%d).String() = %q, want %q", pt, got, want)
		}
	}
}
