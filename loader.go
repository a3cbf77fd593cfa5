package vici

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

// ConnEntry is one decoded connection definition found while scanning a
// directory of swanctl-style connection files. Name is the file's
// connection key (its basename without extension, matching swanctl's
// convention of one named section per file or per top-level key), and
// Body is the section ready to be embedded as a swanctl.conns argument to
// Request.
type ConnEntry struct {
	Name string
	Body *Message
	Path string
	Hash string
}

// LoadReport summarizes a directory scan: the connections found, and any
// duplicates skipped because their content hash matched a file already
// loaded (the hash, not the path, is the identity — two copies of the same
// connection reachable via different symlinked paths should not be loaded
// twice).
type LoadReport struct {
	Conns      []ConnEntry
	Duplicates []string
}

// LoadCache remembers the content hashes LoadConnsFromDir has already
// loaded, so a repeated scan of an unchanged directory tree loads
// nothing on the second call (spec section 8, "bulk loader skips a file
// whose BLAKE3 hash is unchanged between two LoadConnsFromDir calls").
// A nil *LoadCache disables cross-call memory; duplicates within a
// single call are still caught.
type LoadCache struct {
	mu   sync.Mutex
	seen map[string]string // content hash -> first path seen
}

// NewLoadCache returns an empty cache ready to be passed to
// LoadConnsFromDir across repeated scans of the same directory tree.
func NewLoadCache() *LoadCache {
	return &LoadCache{seen: make(map[string]string)}
}

// LoadConnsFromDir walks dir for files matching pattern (a doublestar glob,
// e.g. "**/*.conn.yaml"), decodes each as a connection section, and
// returns the set of distinct connections found. pattern is matched
// relative to dir. cache, if non-nil, is checked and updated so a file
// whose content hash was already loaded in a prior call is skipped
// instead of reloaded; pass nil for a one-shot scan with no cross-call
// memory.
func LoadConnsFromDir(dir, pattern string, cache *LoadCache) (*LoadReport, error) {
	report := &LoadReport{}

	if cache == nil {
		cache = NewLoadCache()
	}
	cache.mu.Lock()
	defer cache.mu.Unlock()
	seen := cache.seen
	// Hashes first seen in this call join the cache only if the scan
	// succeeds, so a failed scan leaves nothing marked as loaded.
	added := make(map[string]string)

	fsys := os.DirFS(dir)
	matches, err := doublestar.Glob(fsys, pattern)
	if err != nil {
		return nil, fmt.Errorf("vici: invalid glob %q: %w", pattern, err)
	}

	for _, rel := range matches {
		full := filepath.Join(dir, rel)
		b, err := os.ReadFile(full)
		if err != nil {
			return nil, fmt.Errorf("vici: reading %s: %w", full, err)
		}

		sum := blake3.Sum256(b)
		hash := fmt.Sprintf("%x", sum[:])
		prior, ok := seen[hash]
		if !ok {
			prior, ok = added[hash]
		}
		if ok {
			report.Duplicates = append(report.Duplicates, fmt.Sprintf("%s (duplicate of %s)", full, prior))
			continue
		}
		added[hash] = full

		sec, err := decodeConnYAML(b)
		if err != nil {
			return nil, fmt.Errorf("vici: decoding %s: %w", full, err)
		}

		name := connNameFromPath(rel)
		report.Conns = append(report.Conns, ConnEntry{Name: name, Body: sec, Path: full, Hash: hash})
	}

	for h, p := range added {
		seen[h] = p
	}
	return report, nil
}

// decodeConnYAML parses a YAML mapping document into a Message, the same
// shape a swanctl connection definition takes once translated to the wire
// format: scalars become key/value pairs, sequences of scalars become
// lists, and nested mappings become sections.
func decodeConnYAML(b []byte) (*Message, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, err
	}
	if len(doc.Content) == 0 {
		return NewMessage(), nil
	}
	return yamlNodeToMessage(doc.Content[0])
}

func yamlNodeToMessage(n *yaml.Node) (*Message, error) {
	if n.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("top level must be a mapping, got %v", n.Kind)
	}
	m := NewMessage()
	for i := 0; i+1 < len(n.Content); i += 2 {
		key := n.Content[i].Value
		val := n.Content[i+1]
		switch val.Kind {
		case yaml.ScalarNode:
			m.Set(key, val.Value)
		case yaml.MappingNode:
			sub, err := yamlNodeToMessage(val)
			if err != nil {
				return nil, err
			}
			m.Set(key, sub)
		case yaml.SequenceNode:
			items := make([]string, 0, len(val.Content))
			for _, item := range val.Content {
				if item.Kind != yaml.ScalarNode {
					return nil, fmt.Errorf("key %q: only scalar list items are supported", key)
				}
				items = append(items, item.Value)
			}
			m.Set(key, items)
		default:
			return nil, fmt.Errorf("key %q: unsupported YAML node kind %v", key, val.Kind)
		}
	}
	return m, nil
}

func connNameFromPath(rel string) string {
	base := filepath.Base(rel)
	for ext := filepath.Ext(base); ext != ""; ext = filepath.Ext(base) {
		base = base[:len(base)-len(ext)]
	}
	return base
}

// LoadConns issues a load-conn request (spec section 6.4, "Client-initiated
// commands") for every connection found by a prior LoadConnsFromDir call.
func (c *Client) LoadConns(ctx context.Context, report *LoadReport) error {
	for _, entry := range report.Conns {
		body := NewMessage()
		body.Set(entry.Name, entry.Body)
		resp, err := c.Request(ctx, "load-conn", body)
		if err != nil {
			return fmt.Errorf("vici: load-conn %s: %w", entry.Name, err)
		}
		if err := resp.checkSuccess(); err != nil {
			return fmt.Errorf("vici: load-conn %s: %w", entry.Name, err)
		}
	}
	return nil
}
