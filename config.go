package vici

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config describes how to reach a charon daemon's vici socket, decoded
// from a YAML connection file the way the rest of the pack decodes its own
// run configuration: strict field checking, a single top-level document,
// defaults applied after decode.
type Config struct {
	Network     string        `yaml:"network"` // "unix" or "tcp"
	Address     string        `yaml:"address"`
	DialTimeout time.Duration `yaml:"dial_timeout,omitempty"`
	LoaderGlob  string        `yaml:"loader_glob,omitempty"`
}

const (
	defaultDialTimeout = 5 * time.Second
	defaultLoaderGlob  = "**/*.conn.yaml"
)

// LoadConfig reads and strictly decodes a single-document YAML connection
// file from path.
func LoadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := decodeConfig(b)
	if err != nil {
		return nil, fmt.Errorf("vici: config %s: %w", path, err)
	}
	return cfg, nil
}

func decodeConfig(b []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("multiple documents are not allowed")
		}
		return nil, err
	}

	cfg.Network = strings.ToLower(strings.TrimSpace(cfg.Network))
	if cfg.Network == "" {
		cfg.Network = "unix"
	}
	if cfg.Network != "unix" && cfg.Network != "tcp" {
		return nil, fmt.Errorf("network must be \"unix\" or \"tcp\", got %q", cfg.Network)
	}
	if strings.TrimSpace(cfg.Address) == "" {
		if cfg.Network == "unix" {
			cfg.Address = "/run/charon.vici"
		} else {
			return nil, fmt.Errorf("address is required for network=tcp")
		}
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if strings.TrimSpace(cfg.LoaderGlob) == "" {
		cfg.LoaderGlob = defaultLoaderGlob
	}
	return &cfg, nil
}

// Dial connects using the configuration's network, address, and dial
// timeout, returning a ready Client. log and rec may be nil.
func (c *Config) Dial(ctx context.Context, log *logger, rec *recorder) (*Client, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.DialTimeout)
	defer cancel()

	var client *Client
	var err error
	switch c.Network {
	case "tcp":
		client, err = dialTCPWithOptions(dialCtx, c.Address, log, rec)
	default:
		client, err = dialUnixWithOptions(dialCtx, c.Address, log, rec)
	}
	return client, err
}
