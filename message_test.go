package vici

import (
	"reflect"
	"testing"
)

func TestMessageEncodeKeyValue(t *testing.T) {
	m := NewMessage()
	m.Set("group", "IKE")
	m.Set("level", "1")

	buf, err := Encode(m)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	want := []byte{
		3, 5, 'g', 'r', 'o', 'u', 'p', 0, 3, 'I', 'K', 'E',
		3, 5, 'l', 'e', 'v', 'e', 'l', 0, 1, '1',
	}
	if !reflect.DeepEqual(buf, want) {
		t.Fatalf("encode mismatch:\ngot  %v\nwant %v", buf, want)
	}
}

func TestMessageDecodeKeyValue(t *testing.T) {
	wire := []byte{
		3, 6, 'd', 'a', 'e', 'm', 'o', 'n', 0, 14, 'c', 'h', 'a', 'r', 'o', 'n', '-', 's', 'y', 's', 't', 'e', 'm', 'd',
		3, 7, 'v', 'e', 'r', 's', 'i', 'o', 'n', 0, 5, '5', '.', '9', '.', '5',
	}
	m, err := Decode(wire)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if m.GetString("daemon") != "charon-systemd" || m.GetString("version") != "5.9.5" {
		t.Fatalf("unexpected decoded message: %+v", m)
	}
	if keys := m.Keys(); !reflect.DeepEqual(keys, []string{"daemon", "version"}) {
		t.Fatalf("unexpected key order: %v", keys)
	}
}

func TestMessageSectionRoundTrip(t *testing.T) {
	child := NewMessage()
	child.Set("local_addrs", []string{"10.0.0.1", "10.0.0.2"})

	m := NewMessage()
	m.Set("conn1", child)

	buf, err := Encode(m)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	decoded, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	v, ok := decoded.Get("conn1")
	if !ok {
		t.Fatalf("expected conn1 section")
	}
	sec, ok := v.(*Message)
	if !ok {
		t.Fatalf("expected *Message section, got %T", v)
	}
	addrs, ok := sec.Get("local_addrs")
	if !ok {
		t.Fatalf("expected local_addrs list")
	}
	if !reflect.DeepEqual(addrs, []string{"10.0.0.1", "10.0.0.2"}) {
		t.Fatalf("unexpected list contents: %v", addrs)
	}
}

func TestMessageBoolEncoding(t *testing.T) {
	m := NewMessage()
	m.SetBool("success", true)
	m.SetBool("wildcard", false)

	if m.GetString("success") != "yes" || m.GetString("wildcard") != "no" {
		t.Fatalf("expected yes/no wire encoding, got %+v", m)
	}

	ok, has := m.GetBool("success")
	if !has || !ok {
		t.Fatalf("GetBool(success) = %v, %v", ok, has)
	}
}

func TestMessageCheckSuccess(t *testing.T) {
	m := NewMessage()
	m.SetBool("success", false)
	m.Set("errmsg", "unable to load")

	err := m.checkSuccess()
	if err == nil || !IsCmdFailure(err) {
		t.Fatalf("expected CmdFailure error, got %v", err)
	}

	ok := NewMessage()
	ok.SetBool("success", true)
	if err := ok.checkSuccess(); err != nil {
		t.Fatalf("expected no error for success=yes, got %v", err)
	}

	noField := NewMessage()
	if err := noField.checkSuccess(); err != nil {
		t.Fatalf("expected no error when success is absent, got %v", err)
	}
}

func TestMessageDecodeTruncated(t *testing.T) {
	if _, err := Decode([]byte{3, 5, 'h', 'e', 'l', 'l', 'o'}); err == nil || !IsData(err) {
		t.Fatalf("expected data error for truncated key-value, got %v", err)
	}
}

func TestMessageDecodeUnknownTag(t *testing.T) {
	if _, err := Decode([]byte{9}); err == nil || !IsData(err) {
		t.Fatalf("expected data error for unknown element tag, got %v", err)
	}
}
