// Package config loads and validates the YAML configuration document: port,
// hostname, db path, log level, protocol dialect, the bucket-type map, and
// the optional remote-config poller settings. Parsing rejects unrecognized
// top-level keys rather than silently ignoring them, so a typo in a config
// file fails fast instead of running with unintended defaults.
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/limitd/limitd-go/internal/bucket"
)

// Defaults mirror the CLI flag defaults, reused as the config file's
// defaults when a key is omitted.
const (
	DefaultPort                 = 9231
	DefaultHostname             = "0.0.0.0"
	DefaultProtocol             = "binary-schema"
	DefaultLogLevel             = "info"
	DefaultRemoteConfigInterval = 60000 * time.Millisecond
)

// File is the parsed, validated YAML configuration document.
type File struct {
	Port     int    `yaml:"port"`
	Hostname string `yaml:"hostname"`
	DB       string `yaml:"db"`
	LogLevel string `yaml:"log_level"`
	Protocol string `yaml:"protocol"`

	Buckets map[string]bucket.BucketType `yaml:"buckets"`

	RemoteConfigURI      string `yaml:"remoteConfigURI"`
	RemoteConfigInterval int64  `yaml:"remoteConfigInterval"`
}

// Load reads and parses the YAML document at path, rejecting any top-level
// key not named in File's yaml tags.
func Load(path string) (*File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)

	var f File
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	f.applyDefaults()
	if err := f.validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return &f, nil
}

func (f *File) applyDefaults() {
	if f.Port == 0 {
		f.Port = DefaultPort
	}
	if f.Hostname == "" {
		f.Hostname = DefaultHostname
	}
	if f.Protocol == "" {
		f.Protocol = DefaultProtocol
	}
	if f.LogLevel == "" {
		f.LogLevel = DefaultLogLevel
	}
	if f.RemoteConfigURI != "" && f.RemoteConfigInterval == 0 {
		f.RemoteConfigInterval = DefaultRemoteConfigInterval.Milliseconds()
	}
}

func (f *File) validate() error {
	if f.DB == "" {
		return fmt.Errorf("db path must be set")
	}
	switch f.Protocol {
	case "binary-schema", "tagged-json":
	default:
		return fmt.Errorf("protocol must be one of binary-schema, tagged-json, got %q", f.Protocol)
	}
	switch f.LogLevel {
	case "debug", "info", "error":
	default:
		return fmt.Errorf("log_level must be one of debug, info, error, got %q", f.LogLevel)
	}
	for name, bt := range f.Buckets {
		bt.Name = name
		if err := bt.Validate(); err != nil {
			return fmt.Errorf("buckets: %w", err)
		}
		f.Buckets[name] = bt
	}
	return nil
}

// RemoteConfigIntervalDuration converts the millisecond field to a Duration,
// falling back to DefaultRemoteConfigInterval when the field is unset or not
// positive, whether or not a URI is present.
func (f *File) RemoteConfigIntervalDuration() time.Duration {
	if f.RemoteConfigInterval <= 0 {
		return DefaultRemoteConfigInterval
	}
	return time.Duration(f.RemoteConfigInterval) * time.Millisecond
}
