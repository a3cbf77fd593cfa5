package vici

import (
	"context"
	"testing"
)

func TestClientSetSchemaRejectsInvalidMessage(t *testing.T) {
	tr := NewScriptedTransport()
	c := NewClient(tr)
	defer c.Close()

	schema := []byte(`{
		"type": "object",
		"required": ["ike"],
		"properties": {"ike": {"type": "string"}}
	}`)
	if err := c.SetSchema("initiate", schema); err != nil {
		t.Fatalf("SetSchema: %v", err)
	}

	_, err := c.Request(context.Background(), "initiate", NewMessage())
	if err == nil || !IsData(err) {
		t.Fatalf("expected schema validation failure, got %v", err)
	}
}

func TestClientSetSchemaAcceptsValidMessage(t *testing.T) {
	tr := NewScriptedTransport().
		ExpectWrite(mustEncodeInitiateRequest()).
		QueueRead(b(0, 0, 0, 1, 1))

	c := NewClient(tr)
	defer c.Close()

	schema := []byte(`{
		"type": "object",
		"required": ["ike"],
		"properties": {"ike": {"type": "string"}}
	}`)
	if err := c.SetSchema("initiate", schema); err != nil {
		t.Fatalf("SetSchema: %v", err)
	}

	msg := NewMessage()
	msg.Set("ike", "home")
	if _, err := c.Request(context.Background(), "initiate", msg); err != nil {
		t.Fatalf("Request: %v", err)
	}
}

func TestClientSetSchemaRemoval(t *testing.T) {
	tr := NewScriptedTransport()
	c := NewClient(tr)
	defer c.Close()

	if err := c.SetSchema("initiate", []byte(`{"required":["ike"]}`)); err != nil {
		t.Fatalf("SetSchema: %v", err)
	}
	if err := c.SetSchema("initiate", nil); err != nil {
		t.Fatalf("SetSchema removal: %v", err)
	}
	if err := c.schemas.validate("initiate", NewMessage()); err != nil {
		t.Fatalf("expected no validator after removal, got %v", err)
	}
}

func mustEncodeInitiateRequest() []byte {
	msg := NewMessage()
	msg.Set("ike", "home")
	p := newPacket(pktCmdRequest, "initiate", mustEncodeMessage(msg))
	buf, err := p.encode()
	if err != nil {
		panic(err)
	}
	return buf
}

func mustEncodeMessage(m *Message) []byte {
	buf, err := Encode(m)
	if err != nil {
		panic(err)
	}
	return buf
}
