package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/slyt3/strategist/internal/assert"
)

// ConfigError is fatal: the engine must not run any phase with this config.
type ConfigError struct {
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("strategy config %s: %v", e.Path, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Store loads and saves the strategy document at Path. The format follows the
// extension: .yaml/.yml is YAML, anything else TOML.
type Store struct {
	Path string
}

// NewStore returns a store for path.
func NewStore(path string) (*Store, error) {
	if err := assert.Check(path != "", "config path must not be empty"); err != nil {
		return nil, err
	}
	return &Store{Path: path}, nil
}

func (s *Store) isYAML() bool {
	ext := strings.ToLower(filepath.Ext(s.Path))
	return ext == ".yaml" || ext == ".yml"
}

// Load reads, defaults and validates the document. Any failure is a
// *ConfigError; a partially valid document is never returned.
func (s *Store) Load() (*StrategyConfig, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, &ConfigError{Path: s.Path, Err: fmt.Errorf("reading: %w", err)}
	}
	cfg, err := s.decode(data)
	if err != nil {
		return nil, &ConfigError{Path: s.Path, Err: fmt.Errorf("parsing: %w", err)}
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, &ConfigError{Path: s.Path, Err: err}
	}
	return cfg, nil
}

func (s *Store) decode(data []byte) (*StrategyConfig, error) {
	var cfg StrategyConfig
	if s.isYAML() {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return nil, err
		}
		return &cfg, nil
	}
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		var derr *toml.DecodeError
		if errors.As(err, &derr) {
			row, col := derr.Position()
			return nil, fmt.Errorf("line %d column %d: %w", row, col, err)
		}
		return nil, err
	}
	return &cfg, nil
}

// Save validates cfg and replaces the document atomically: readers see the
// old file or the complete new one, never a partial write.
func (s *Store) Save(cfg *StrategyConfig) error {
	if err := assert.NotNil(cfg, "config"); err != nil {
		return &ConfigError{Path: s.Path, Err: err}
	}
	if err := cfg.Validate(); err != nil {
		return &ConfigError{Path: s.Path, Err: err}
	}

	var data []byte
	var err error
	if s.isYAML() {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = toml.Marshal(cfg)
	}
	if err != nil {
		return &ConfigError{Path: s.Path, Err: fmt.Errorf("encoding: %w", err)}
	}
	if err := writeAtomic(s.Path, data); err != nil {
		return &ConfigError{Path: s.Path, Err: err}
	}
	return nil
}

func writeAtomic(path string, data []byte) (err error) {
	dir := filepath.Dir(path)
	mode := os.FileMode(0o600)
	if info, statErr := os.Stat(path); statErr == nil {
		mode = info.Mode().Perm()
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err = os.Chmod(tmpName, mode); err != nil {
		return fmt.Errorf("setting mode: %w", err)
	}
	if err = os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replacing config: %w", err)
	}

	// Persist the rename itself. Not every platform can fsync a directory.
	if d, openErr := os.Open(dir); openErr == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}
