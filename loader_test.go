package vici

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConnFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestLoadConnsFromDir(t *testing.T) {
	dir := t.TempDir()
	writeConnFile(t, dir, "home.conn.yaml", "version: IKEv2\nlocal_addrs:\n  - 10.0.0.1\n")
	writeConnFile(t, dir, "office.conn.yaml", "version: IKEv1\n")

	report, err := LoadConnsFromDir(dir, "*.conn.yaml", nil)
	if err != nil {
		t.Fatalf("LoadConnsFromDir: %v", err)
	}
	if len(report.Conns) != 2 {
		t.Fatalf("expected 2 connections, got %d", len(report.Conns))
	}

	names := map[string]bool{}
	for _, c := range report.Conns {
		names[c.Name] = true
	}
	if !names["home"] || !names["office"] {
		t.Fatalf("unexpected connection names: %v", names)
	}
}

func TestLoadConnsFromDirDeduplicatesByContent(t *testing.T) {
	dir := t.TempDir()
	writeConnFile(t, dir, "a.conn.yaml", "version: IKEv2\n")
	writeConnFile(t, dir, "b.conn.yaml", "version: IKEv2\n")

	report, err := LoadConnsFromDir(dir, "*.conn.yaml", nil)
	if err != nil {
		t.Fatalf("LoadConnsFromDir: %v", err)
	}
	if len(report.Conns) != 1 {
		t.Fatalf("expected 1 distinct connection after dedup, got %d", len(report.Conns))
	}
	if len(report.Duplicates) != 1 {
		t.Fatalf("expected 1 reported duplicate, got %d", len(report.Duplicates))
	}
}

func TestLoadConnsFromDirSkipsUnchangedFilesAcrossCalls(t *testing.T) {
	dir := t.TempDir()
	writeConnFile(t, dir, "home.conn.yaml", "version: IKEv2\n")
	writeConnFile(t, dir, "office.conn.yaml", "version: IKEv1\n")

	cache := NewLoadCache()

	first, err := LoadConnsFromDir(dir, "*.conn.yaml", cache)
	if err != nil {
		t.Fatalf("first LoadConnsFromDir: %v", err)
	}
	if len(first.Conns) != 2 {
		t.Fatalf("expected 2 connections on first scan, got %d", len(first.Conns))
	}
	if len(first.Duplicates) != 0 {
		t.Fatalf("expected no duplicates on first scan, got %v", first.Duplicates)
	}

	second, err := LoadConnsFromDir(dir, "*.conn.yaml", cache)
	if err != nil {
		t.Fatalf("second LoadConnsFromDir: %v", err)
	}
	if len(second.Conns) != 0 {
		t.Fatalf("expected second scan to load nothing unchanged, got %d", len(second.Conns))
	}
	if len(second.Duplicates) != 2 {
		t.Fatalf("expected both files reported as already loaded, got %d", len(second.Duplicates))
	}

	writeConnFile(t, dir, "home.conn.yaml", "version: IKEv2\nlocal_addrs:\n  - 10.0.0.1\n")

	third, err := LoadConnsFromDir(dir, "*.conn.yaml", cache)
	if err != nil {
		t.Fatalf("third LoadConnsFromDir: %v", err)
	}
	if len(third.Conns) != 1 || third.Conns[0].Name != "home" {
		t.Fatalf("expected only the changed file to reload, got %+v", third.Conns)
	}
	if len(third.Duplicates) != 1 {
		t.Fatalf("expected the unchanged file to be skipped, got %v", third.Duplicates)
	}
}

func TestDecodeConnYAMLNestedSections(t *testing.T) {
	m, err := decodeConnYAML([]byte("version: IKEv2\nlocal_addrs:\n  - 10.0.0.1\n  - 10.0.0.2\nchildren:\n  net:\n    esp_proposals:\n      - aes256-sha256\n"))
	if err != nil {
		t.Fatalf("decodeConnYAML: %v", err)
	}
	if m.GetString("version") != "IKEv2" {
		t.Fatalf("unexpected version: %+v", m)
	}
	addrs, ok := m.Get("local_addrs")
	if !ok {
		t.Fatalf("expected local_addrs")
	}
	if list, ok := addrs.([]string); !ok || len(list) != 2 {
		t.Fatalf("unexpected local_addrs: %v", addrs)
	}
	children, ok := m.Get("children")
	if !ok {
		t.Fatalf("expected children section")
	}
	if _, ok := children.(*Message); !ok {
		t.Fatalf("expected children to decode as a section, got %T", children)
	}
}
