// Copyright (c) the strata authors
// Licensed under the MIT license

// Package config carries the operator-tunable knobs. None of them
// change what a scan concludes about its input, only how fast it gets
// there and which optional formats take part.
package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"
)

type Config struct {
	// Workers sizes the scan worker pool.
	Workers int `yaml:"workers"`

	// Formats filters the built-in format catalog by name pattern.
	Formats Patterns `yaml:"formats"`

	// DeferWait bounds how long a task may wait for a sibling it
	// depends on before the dependency counts as absent.
	DeferWait Duration `yaml:"defer_wait"`

	// OnError is "subtree" to fence a fatal fault into its node, or
	// "abort" to stop the whole run.
	OnError string `yaml:"on_error"`

	// CacheDir enables the persistent scan-hint cache. Empty = off.
	CacheDir string `yaml:"cache_dir"`

	// BlockCache is the in-memory block cache size in bytes.
	BlockCache int64 `yaml:"block_cache"`

	// SweepChunk is the signature sweep window in bytes.
	SweepChunk int `yaml:"sweep_chunk"`

	// HashCap is the largest region that still gets content-hashed
	// into its node metadata. Zero disables hashing.
	HashCap int64 `yaml:"hash_cap"`
}

// Patterns selects format names with doublestar globs. An empty enable
// list means everything; disable wins over enable.
type Patterns struct {
	Enable  []string `yaml:"enable"`
	Disable []string `yaml:"disable"`
}

func Default() Config {
	return Config{
		Workers:    runtime.NumCPU(),
		DeferWait:  Duration(2 * time.Second),
		OnError:    "subtree",
		BlockCache: 256 << 20,
		SweepChunk: 1 << 20,
		HashCap:    128 << 20,
	}
}

// Load reads a YAML file over the defaults. An empty path returns the
// defaults unchanged.
func Load(path string) (Config, error) {
	c := Default()
	if path == "" {
		return c, c.Validate()
	}
	buf, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(buf, &c); err != nil {
		return c, fmt.Errorf("%s: %w", path, err)
	}
	return c, c.Validate()
}

func (c *Config) Validate() error {
	if c.Workers < 1 {
		return errors.New("workers must be at least 1")
	}
	switch c.OnError {
	case "abort", "subtree":
	default:
		return fmt.Errorf("on_error must be abort or subtree, not %q", c.OnError)
	}
	for _, pat := range append(append([]string(nil), c.Formats.Enable...), c.Formats.Disable...) {
		if !doublestar.ValidatePattern(pat) {
			return fmt.Errorf("bad format pattern %q", pat)
		}
	}
	return nil
}

// Keep decides whether a format of this name takes part in the scan.
func (p Patterns) Keep(name string) bool {
	if len(p.Enable) > 0 && !matchAny(p.Enable, name) {
		return false
	}
	return !matchAny(p.Disable, name)
}

func matchAny(patterns []string, name string) bool {
	for _, pat := range patterns {
		if ok, err := doublestar.Match(pat, name); err == nil && ok {
			return true
		}
	}
	return false
}

// Duration is a time.Duration that unmarshals from YAML strings like
// "2s" or "500ms".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		// Plain integers are taken as seconds.
		var n int64
		if err2 := value.Decode(&n); err2 != nil {
			return err
		}
		*d = Duration(time.Duration(n) * time.Second)
		return nil
	}
	dd, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dd)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }
