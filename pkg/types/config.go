package types

import (
	"errors"
	"strings"
	"time"
)

// Config holds the external configuration surface of the store: storage
// identity and the destructive-reset flag, plus the per-request wait bound.
type Config struct {
	// DataDir is the directory holding the database file. Empty means the
	// current directory.
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// Filename is the database file name inside DataDir.
	Filename string `json:"filename" yaml:"filename"`

	// Destructive discards existing storage on open.
	Destructive bool `json:"destructive" yaml:"destructive"`

	// Timeout bounds the wait for each request; zero selects
	// DefaultTimeout.
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
}

// DefaultFilename is used when Config.Filename is empty.
const DefaultFilename = "larder.db"

// DefaultTimeout bounds each request's wait for a response, guarding
// against a silently stalled backend.
const DefaultTimeout = 10 * time.Second

// Config validation errors.
var (
	ErrFilenameInvalid = errors.New("filename must not contain path separators")
	ErrTimeoutInvalid  = errors.New("timeout must not be negative")
)

// Validate checks the configuration. A zero Config is valid.
func (c Config) Validate() error {
	if strings.ContainsAny(c.Filename, `/\`) {
		return ErrFilenameInvalid
	}
	if c.Timeout < 0 {
		return ErrTimeoutInvalid
	}
	return nil
}

// WithDefaults returns a copy with empty fields replaced by defaults.
func (c Config) WithDefaults() Config {
	if c.Filename == "" {
		c.Filename = DefaultFilename
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	return c
}
