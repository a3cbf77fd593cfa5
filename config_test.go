package vici

import "testing"

func TestDecodeConfigDefaults(t *testing.T) {
	cfg, err := decodeConfig([]byte("network: unix\n"))
	if err != nil {
		t.Fatalf("decodeConfig: %v", err)
	}
	if cfg.Address != "/run/charon.vici" {
		t.Fatalf("expected default unix address, got %q", cfg.Address)
	}
	if cfg.DialTimeout != defaultDialTimeout {
		t.Fatalf("expected default dial timeout, got %v", cfg.DialTimeout)
	}
	if cfg.LoaderGlob != defaultLoaderGlob {
		t.Fatalf("expected default loader glob, got %q", cfg.LoaderGlob)
	}
}

func TestDecodeConfigTCPRequiresAddress(t *testing.T) {
	_, err := decodeConfig([]byte("network: tcp\n"))
	if err == nil {
		t.Fatal("expected error for tcp config without address")
	}
}

func TestDecodeConfigRejectsUnknownFields(t *testing.T) {
	_, err := decodeConfig([]byte("network: unix\nbogus: true\n"))
	if err == nil {
		t.Fatal("expected strict decode to reject unknown field")
	}
}

func TestDecodeConfigRejectsInvalidNetwork(t *testing.T) {
	_, err := decodeConfig([]byte("network: carrier-pigeon\naddress: foo\n"))
	if err == nil {
		t.Fatal("expected error for invalid network kind")
	}
}

func TestDecodeConfigMultiDocumentRejected(t *testing.T) {
	_, err := decodeConfig([]byte("network: unix\n---\nnetwork: tcp\naddress: x\n"))
	if err == nil {
		t.Fatal("expected error for multiple YAML documents")
	}
}
