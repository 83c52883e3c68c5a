// SPDX-FileCopyrightText: Copyright 2026 MXCP Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads, normalizes, and validates a configuration file. Unknown keys
// are rejected so typos fail at startup instead of silently disabling a
// setting.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return &cfg, nil
}

// UnmarshalYAML decodes token lifetimes from duration strings ("15m", "720h").
func (t *Tokens) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		AccessTTL   string `yaml:"access_ttl"`
		RefreshTTL  string `yaml:"refresh_ttl"`
		IdleTimeout string `yaml:"idle_timeout"`
		StateTTL    string `yaml:"state_ttl"`
		AuthCodeTTL string `yaml:"auth_code_ttl"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	fields := []struct {
		name string
		src  string
		dst  *time.Duration
	}{
		{"access_ttl", raw.AccessTTL, &t.AccessTTL},
		{"refresh_ttl", raw.RefreshTTL, &t.RefreshTTL},
		{"idle_timeout", raw.IdleTimeout, &t.IdleTimeout},
		{"state_ttl", raw.StateTTL, &t.StateTTL},
		{"auth_code_ttl", raw.AuthCodeTTL, &t.AuthCodeTTL},
	}
	for _, f := range fields {
		d, err := parseDuration(f.name, f.src)
		if err != nil {
			return err
		}
		*f.dst = d
	}
	return nil
}

// UnmarshalYAML decodes the persistence block, accepting a duration string
// for the cleanup interval.
func (p *Persistence) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Backend          string `yaml:"backend"`
		Path             string `yaml:"path"`
		RedisURL         string `yaml:"redis_url"`
		EncryptionKeyRef string `yaml:"encryption_key_ref"`
		CleanupInterval  string `yaml:"cleanup_interval"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	p.Backend = raw.Backend
	p.Path = raw.Path
	p.RedisURL = raw.RedisURL
	p.EncryptionKeyRef = raw.EncryptionKeyRef

	interval, err := parseDuration("cleanup_interval", raw.CleanupInterval)
	if err != nil {
		return err
	}
	p.CleanupInterval = interval
	return nil
}

func parseDuration(name, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: negative durations are not allowed", name)
	}
	return d, nil
}
