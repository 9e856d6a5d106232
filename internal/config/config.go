// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config loads and saves the chatrelay configuration.
//
// Values come from, in order of precedence:
//   - Environment variables (CHATRELAY_*)
//   - $CHATRELAY_HOME/config.toml (default ~/.chatrelay/config.toml)
//   - Built-in defaults
package config

import (
	"bytes"
	"encoding"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/jeranaias/chatrelay/internal/util"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete chatrelay configuration.
type Config struct {
	API   APIConfig   `toml:"api"`
	User  UserConfig  `toml:"user"`
	Store StoreConfig `toml:"store"`
	Log   LogConfig   `toml:"log"`
	UI    UIConfig    `toml:"ui"`
}

// APIConfig describes the agent service.
type APIConfig struct {
	BaseURL string `toml:"base_url"`
	// APIKey is sent as X-API-Key when set.
	APIKey  string   `toml:"api_key"`
	AppName string   `toml:"app_name"`
	Timeout Duration `toml:"timeout"`
	// MaxFramesPerSec paces stream handling; 0 only yields between frames.
	MaxFramesPerSec float64 `toml:"max_frames_per_sec"`
}

// UserConfig identifies who is chatting.
type UserConfig struct {
	ID     string `toml:"id"`
	Locale string `toml:"locale"`
}

// StoreConfig selects where conversations are kept.
type StoreConfig struct {
	// Driver is "sqlite" or "memory".
	Driver string `toml:"driver"`
	Path   string `toml:"path"`
}

// LogConfig controls diagnostic logging on stderr.
type LogConfig struct {
	Level  string `toml:"level"`
	Pretty bool   `toml:"pretty"`
}

// UIConfig controls console rendering.
type UIConfig struct {
	Markdown     bool `toml:"markdown"`
	ShowThinking bool `toml:"show_thinking"`
	Width        int  `toml:"width"`
}

// Duration is a time.Duration written as a string such as "30s".
type Duration struct {
	time.Duration
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// =============================================================================
// DEFAULTS
// =============================================================================

const (
	DefaultBaseURL = "http://127.0.0.1:8000"
	DefaultAppName = "Practia"
	DefaultTimeout = 30 * time.Second
	DefaultDriver  = "sqlite"
	DefaultDBName  = "chatrelay.db"
	DefaultLevel   = "warn"
)

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		API: APIConfig{
			BaseURL: DefaultBaseURL,
			AppName: DefaultAppName,
			Timeout: Duration{DefaultTimeout},
		},
		User:  UserConfig{ID: "anonymous"},
		Store: StoreConfig{Driver: DefaultDriver},
		Log:   LogConfig{Level: DefaultLevel, Pretty: true},
		UI:    UIConfig{Markdown: true},
	}
}

// SetDefaults fills unset fields.
func (c *Config) SetDefaults() {
	if c.API.BaseURL == "" {
		c.API.BaseURL = DefaultBaseURL
	}
	c.API.BaseURL = strings.TrimRight(c.API.BaseURL, "/")
	if c.API.AppName == "" {
		c.API.AppName = DefaultAppName
	}
	if c.API.Timeout.Duration == 0 {
		c.API.Timeout = Duration{DefaultTimeout}
	}
	if c.User.ID == "" {
		c.User.ID = "anonymous"
	}
	if c.Store.Driver == "" {
		c.Store.Driver = DefaultDriver
	}
	if c.Store.Path == "" && c.Store.Driver == DefaultDriver {
		if dir, err := Dir(); err == nil {
			c.Store.Path = filepath.Join(dir, DefaultDBName)
		}
	}
	if c.Log.Level == "" {
		c.Log.Level = DefaultLevel
	}
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// Dir returns the configuration directory: $CHATRELAY_HOME, or ~/.chatrelay.
func Dir() (string, error) {
	if home := os.Getenv("CHATRELAY_HOME"); home != "" {
		return home, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".chatrelay"), nil
}

// Path returns the location of config.toml.
func Path() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// =============================================================================
// LOAD / SAVE
// =============================================================================

// Load reads the default config file if it exists, then applies
// environment overrides and defaults and validates the result.
func Load() (*Config, error) {
	path, err := Path()
	if err != nil {
		return nil, err
	}
	return LoadFromPath(path)
}

// LoadFromPath is Load for an explicit file. A missing file is not an error.
func LoadFromPath(path string) (*Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}

	cfg.ApplyEnvOverrides()
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Read decodes path over the defaults, without environment overrides or
// validation. It is what the config command edits. A missing file yields
// the defaults.
func Read(path string) (*Config, error) {
	cfg := Default()
	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", path, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes cfg to the default config file.
func Save(cfg *Config) error {
	path, err := Path()
	if err != nil {
		return err
	}
	return SaveTo(cfg, path)
}

// SaveTo writes cfg as TOML to path with owner-only permissions.
func SaveTo(cfg *Config, path string) error {
	var buf bytes.Buffer
	buf.WriteString("# chatrelay configuration file\n")
	buf.WriteString("# Environment variables (CHATRELAY_*) take precedence over these values.\n\n")
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	// The file may hold an API key.
	if err := util.AtomicWriteFile(path, buf.Bytes(), 0600, 0700); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies CHATRELAY_* environment variables:
//   - CHATRELAY_API_URL: api.base_url
//   - CHATRELAY_API_KEY: api.api_key
//   - CHATRELAY_USER_ID: user.id
//   - CHATRELAY_LOCALE: user.locale
//   - CHATRELAY_STORE_DRIVER: store.driver
//   - CHATRELAY_STORE_PATH: store.path
//   - CHATRELAY_LOG_LEVEL: log.level
func (c *Config) ApplyEnvOverrides() {
	overrides := []struct {
		env   string
		field *string
	}{
		{"CHATRELAY_API_URL", &c.API.BaseURL},
		{"CHATRELAY_API_KEY", &c.API.APIKey},
		{"CHATRELAY_USER_ID", &c.User.ID},
		{"CHATRELAY_LOCALE", &c.User.Locale},
		{"CHATRELAY_STORE_DRIVER", &c.Store.Driver},
		{"CHATRELAY_STORE_PATH", &c.Store.Path},
		{"CHATRELAY_LOG_LEVEL", &c.Log.Level},
	}
	for _, o := range overrides {
		if v := os.Getenv(o.env); v != "" {
			*o.field = v
		}
	}
}

// =============================================================================
// VALIDATION
// =============================================================================

// ErrInvalidConfig matches every error returned by Validate.
var ErrInvalidConfig = errors.New("invalid configuration")

// ValidationError is one invalid field.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return "invalid configuration: " + strings.Join(msgs, "; ")
}

// Is makes errors.Is(err, ErrInvalidConfig) hold.
func (e ValidateErrors) Is(target error) bool {
	return target == ErrInvalidConfig
}

// Validate checks the configuration and returns ValidateErrors when any
// field is invalid.
func (c *Config) Validate() error {
	var errs ValidateErrors

	if u, err := url.Parse(c.API.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, ValidationError{
			Field:   "api.base_url",
			Message: fmt.Sprintf("invalid URL %q, must be http(s)://host[:port]", c.API.BaseURL),
		})
	}
	if c.API.Timeout.Duration < 0 {
		errs = append(errs, ValidationError{Field: "api.timeout", Message: "must not be negative"})
	}
	if c.API.MaxFramesPerSec < 0 {
		errs = append(errs, ValidationError{Field: "api.max_frames_per_sec", Message: "must not be negative"})
	}
	switch c.Store.Driver {
	case "sqlite":
		if c.Store.Path == "" {
			errs = append(errs, ValidationError{Field: "store.path", Message: "required for the sqlite driver"})
		}
	case "memory":
	default:
		errs = append(errs, ValidationError{
			Field:   "store.driver",
			Message: fmt.Sprintf("invalid driver %q, must be one of: sqlite, memory", c.Store.Driver),
		})
	}
	switch strings.ToLower(c.Log.Level) {
	case "trace", "debug", "info", "warn", "warning", "error", "disabled", "off":
	default:
		errs = append(errs, ValidationError{
			Field:   "log.level",
			Message: fmt.Sprintf("invalid level %q", c.Log.Level),
		})
	}
	if c.UI.Width < 0 {
		errs = append(errs, ValidationError{Field: "ui.width", Message: "must not be negative"})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// =============================================================================
// GET/SET HELPERS (DOT NOTATION)
// =============================================================================

// lookup walks key ("api.base_url") through the toml tags of c.
func (c *Config) lookup(key string) (reflect.Value, error) {
	if key == "" {
		return reflect.Value{}, errors.New("empty key")
	}
	parts := strings.Split(key, ".")
	v := reflect.ValueOf(c).Elem()
	for i, part := range parts {
		field, ok := fieldByTag(v, part)
		if !ok {
			return reflect.Value{}, fmt.Errorf("unknown key: %s", strings.Join(parts[:i+1], "."))
		}
		if i == len(parts)-1 {
			if field.Kind() == reflect.Struct && !isLeaf(field) {
				return reflect.Value{}, fmt.Errorf("%s is a section, not a key", key)
			}
			return field, nil
		}
		if field.Kind() != reflect.Struct || isLeaf(field) {
			return reflect.Value{}, fmt.Errorf("%s is not a section", strings.Join(parts[:i+1], "."))
		}
		v = field
	}
	return reflect.Value{}, fmt.Errorf("invalid key: %s", key)
}

func fieldByTag(v reflect.Value, name string) (reflect.Value, bool) {
	name = strings.ReplaceAll(strings.ToLower(name), "-", "_")
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		if tag := strings.Split(t.Field(i).Tag.Get("toml"), ",")[0]; tag == name {
			return v.Field(i), true
		}
	}
	return reflect.Value{}, false
}

// isLeaf reports whether a struct value is a single setting, like Duration.
func isLeaf(v reflect.Value) bool {
	_, ok := v.Addr().Interface().(encoding.TextUnmarshaler)
	return ok
}

// Get returns the value at key as a string.
func (c *Config) Get(key string) (string, error) {
	field, err := c.lookup(key)
	if err != nil {
		return "", err
	}
	if m, ok := field.Interface().(encoding.TextMarshaler); ok {
		b, err := m.MarshalText()
		return string(b), err
	}
	return fmt.Sprint(field.Interface()), nil
}

// Set parses value into the setting at key. The result is not validated.
func (c *Config) Set(key, value string) error {
	field, err := c.lookup(key)
	if err != nil {
		return err
	}
	if u, ok := field.Addr().Interface().(encoding.TextUnmarshaler); ok {
		if err := u.UnmarshalText([]byte(value)); err != nil {
			return fmt.Errorf("invalid value for %s: %w", key, err)
		}
		return nil
	}
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int, reflect.Int64:
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid integer for %s: %w", key, err)
		}
		field.SetInt(n)
	case reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid number for %s: %w", key, err)
		}
		field.SetFloat(f)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean for %s: %w", key, err)
		}
		field.SetBool(b)
	default:
		return fmt.Errorf("cannot set %s of kind %s", key, field.Kind())
	}
	return nil
}

// Keys returns every settable key in dot notation, sorted.
func Keys() []string {
	var keys []string
	var walk func(t reflect.Type, prefix string)
	walk = func(t reflect.Type, prefix string) {
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			name := prefix + strings.Split(f.Tag.Get("toml"), ",")[0]
			if f.Type.Kind() == reflect.Struct && !reflect.PointerTo(f.Type).Implements(reflect.TypeOf((*encoding.TextUnmarshaler)(nil)).Elem()) {
				walk(f.Type, name+".")
				continue
			}
			keys = append(keys, name)
		}
	}
	walk(reflect.TypeOf(Config{}), "")
	sort.Strings(keys)
	return keys
}

// Redacted returns a copy safe to print, with the API key masked.
func (c *Config) Redacted() *Config {
	clone := *c
	if k := clone.API.APIKey; k != "" {
		if len(k) > 4 {
			clone.API.APIKey = strings.Repeat("*", 8) + k[len(k)-4:]
		} else {
			clone.API.APIKey = strings.Repeat("*", 8)
		}
	}
	return &clone
}

// String renders the redacted configuration as TOML.
func (c *Config) String() string {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(c.Redacted()); err != nil {
		return fmt.Sprintf("config: %v", err)
	}
	return buf.String()
}
