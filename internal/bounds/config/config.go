// Package config holds the bounds runtime configuration.
//
// A configuration starts from Default, is optionally overlaid by a TOML or
// YAML file (BOUNDS_CONFIG) and then by the BOUNDS_OPTIONS environment
// string, in the style of GORACE:
//
//	BOUNDS_OPTIONS="log_level=debug permissive_unknown=1 heap_size=0x100000"
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/kolkov/boundscheck/internal/bounds/addr"
	"github.com/kolkov/boundscheck/internal/bounds/heap"
	"github.com/kolkov/boundscheck/internal/bounds/logging"
	"github.com/kolkov/boundscheck/internal/bounds/regiontable"
)

// Environment variables read by FromEnv.
const (
	EnvConfig  = "BOUNDS_CONFIG"
	EnvOptions = "BOUNDS_OPTIONS"
)

// Config is the complete runtime configuration.
type Config struct {
	// Geometry of the region table and the checked address space.
	Geometry regiontable.Geometry `toml:"geometry" yaml:"geometry"`

	// HeapBase and HeapSize place the host allocator's arena.
	HeapBase uint64 `toml:"heap_base" yaml:"heap_base"`
	HeapSize uint64 `toml:"heap_size" yaml:"heap_size"`

	// DataBase and DataSize place the memory backing globals and stack
	// frames registered by the instrumented program.
	DataBase uint64 `toml:"data_base" yaml:"data_base"`
	DataSize uint64 `toml:"data_size" yaml:"data_size"`

	// NullGuardSize is the length of the always-invalid zone at address 0.
	NullGuardSize uint64 `toml:"null_guard_size" yaml:"null_guard_size"`

	// PermissiveUnknown lets pointers into untracked memory pass checks.
	PermissiveUnknown bool `toml:"permissive_unknown" yaml:"permissive_unknown"`

	// Serialize guards every runtime entry point with one mutex.
	Serialize bool `toml:"serialize" yaml:"serialize"`

	// HaltOnError makes the process-wide runtime exit on the first
	// violation; otherwise it panics with the violation.
	HaltOnError bool `toml:"halt_on_error" yaml:"halt_on_error"`

	// LogLevel is a zap level name or "off"; LogFormat is console or json.
	LogLevel  string `toml:"log_level" yaml:"log_level"`
	LogFormat string `toml:"log_format" yaml:"log_format"`
}

// Default returns the default configuration: a 4 GiB address space with a
// 64 KiB null guard, 16 MiB of data segment at 128 MiB and a 64 MiB heap at
// 256 MiB.
func Default() Config {
	return Config{
		Geometry:      regiontable.DefaultGeometry,
		HeapBase:      0x1000_0000,
		HeapSize:      64 << 20,
		DataBase:      0x0800_0000,
		DataSize:      16 << 20,
		NullGuardSize: 64 << 10,
		HaltOnError:   true,
		LogLevel:      "off",
		LogFormat:     logging.FormatConsole,
	}
}

// Validate checks that the configuration describes a usable runtime.
func (c Config) Validate() error {
	if err := c.Geometry.Validate(); err != nil {
		return fmt.Errorf("geometry: %w", err)
	}
	limit := c.Geometry.Limit()

	type window struct {
		name       string
		base, size uint64
	}
	windows := []window{
		{"heap", c.HeapBase, c.HeapSize},
		{"data", c.DataBase, c.DataSize},
	}
	for _, w := range windows {
		switch {
		case w.size == 0 || w.size%heap.MinAlign != 0:
			return fmt.Errorf("%s_size %#x must be a non-zero multiple of %d", w.name, w.size, heap.MinAlign)
		case w.base%heap.MinAlign != 0:
			return fmt.Errorf("%s_base %#x must be %d-byte aligned", w.name, w.base, heap.MinAlign)
		case w.base < c.NullGuardSize:
			return fmt.Errorf("%s_base %#x lies inside the null guard (%#x bytes)", w.name, w.base, c.NullGuardSize)
		case w.base >= limit || w.size > limit-w.base:
			return fmt.Errorf("%s window [%#x, %#x) exceeds the %d-bit address space",
				w.name, w.base, w.base+w.size, c.Geometry.AddressBits)
		}
	}
	if addr.Overlaps(addr.Address(c.HeapBase), c.HeapSize, addr.Address(c.DataBase), c.DataSize) {
		return fmt.Errorf("heap [%#x, %#x) overlaps data [%#x, %#x)",
			c.HeapBase, c.HeapBase+c.HeapSize, c.DataBase, c.DataBase+c.DataSize)
	}

	if !strings.EqualFold(c.LogLevel, "off") && c.LogLevel != "" {
		if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
			return fmt.Errorf("log_level: %w", err)
		}
	}
	switch c.LogFormat {
	case logging.FormatConsole, logging.FormatJSON, "":
	default:
		return fmt.Errorf("log_format %q: want %q or %q", c.LogFormat, logging.FormatConsole, logging.FormatJSON)
	}
	return nil
}

// Load overlays the file at path onto c. The format is chosen by extension:
// .toml, or .yaml/.yml. Unknown keys are errors.
func (c *Config) Load(path string) error {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		meta, err := toml.DecodeFile(path, c)
		if err != nil {
			return fmt.Errorf("load config %s: %w", path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return fmt.Errorf("load config %s: unknown keys %s", path, strings.Join(keys, ", "))
		}
		if meta.IsDefined("log_level") {
			c.LogLevel = strings.TrimSpace(c.LogLevel)
		}
		return nil

	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("load config %s: %w", path, err)
		}
		c.LogLevel = strings.TrimSpace(c.LogLevel)
		return nil

	default:
		return fmt.Errorf("load config %s: unsupported extension %q", path, ext)
	}
}

// setters maps option keys to functions applying a value.
var setters = map[string]func(c *Config, v string) error{
	"address_bits":       uintSetter(func(c *Config, n uint64) { c.Geometry.AddressBits = uint(n) }),
	"granule_bits":       uintSetter(func(c *Config, n uint64) { c.Geometry.GranuleBits = uint(n) }),
	"page_bits":          uintSetter(func(c *Config, n uint64) { c.Geometry.PageBits = uint(n) }),
	"heap_base":          uintSetter(func(c *Config, n uint64) { c.HeapBase = n }),
	"heap_size":          uintSetter(func(c *Config, n uint64) { c.HeapSize = n }),
	"data_base":          uintSetter(func(c *Config, n uint64) { c.DataBase = n }),
	"data_size":          uintSetter(func(c *Config, n uint64) { c.DataSize = n }),
	"null_guard_size":    uintSetter(func(c *Config, n uint64) { c.NullGuardSize = n }),
	"permissive_unknown": boolSetter(func(c *Config, b bool) { c.PermissiveUnknown = b }),
	"serialize":          boolSetter(func(c *Config, b bool) { c.Serialize = b }),
	"halt_on_error":      boolSetter(func(c *Config, b bool) { c.HaltOnError = b }),
	"log_level":          func(c *Config, v string) error { c.LogLevel = v; return nil },
	"log_format":         func(c *Config, v string) error { c.LogFormat = v; return nil },
}

// OptionKeys returns the keys accepted by ParseOptions, sorted.
func OptionKeys() []string {
	keys := make([]string, 0, len(setters))
	for k := range setters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ParseOptions applies a whitespace-separated list of key=value pairs.
// Numbers may be given in decimal or with a 0x prefix.
func (c *Config) ParseOptions(opts string) error {
	for _, field := range strings.Fields(opts) {
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			return fmt.Errorf("option %q: want key=value", field)
		}
		set, ok := setters[key]
		if !ok {
			return fmt.Errorf("option %q: unknown key (known: %s)", key, strings.Join(OptionKeys(), ", "))
		}
		if err := set(c, value); err != nil {
			return fmt.Errorf("option %s: %w", key, err)
		}
	}
	return nil
}

// FromEnv builds the configuration from Default, the file named by
// BOUNDS_CONFIG and the BOUNDS_OPTIONS string, then validates it.
func FromEnv() (Config, error) {
	c := Default()
	if path := os.Getenv(EnvConfig); path != "" {
		if err := c.Load(path); err != nil {
			return Config{}, err
		}
	}
	if err := c.ParseOptions(os.Getenv(EnvOptions)); err != nil {
		return Config{}, fmt.Errorf("%s: %w", EnvOptions, err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return c, nil
}

// Encode writes c as TOML.
func (c Config) Encode(w io.Writer) error {
	return toml.NewEncoder(w).Encode(c)
}

func uintSetter(apply func(*Config, uint64)) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.ParseUint(v, 0, 64)
		if err != nil {
			return err
		}
		apply(c, n)
		return nil
	}
}

func boolSetter(apply func(*Config, bool)) func(*Config, string) error {
	return func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		apply(c, b)
		return nil
	}
}
