// Package bucket holds the configuration data model (BucketType, Override),
// the live type registry, and the drift-free refill math shared by the
// handler and the store engine. Config structs and evaluation logic are
// kept in separate files, generalized from a single fixed policy to a
// named, swappable set of policies.
package bucket

import (
	"fmt"
	"path"
	"time"
)

// Override re-binds (Size, PerInterval, Interval) for keys matching either
// an exact Key or a glob Match pattern. The first entry in a BucketType's
// Overrides slice whose Key or Match matches a given key wins; later
// entries are never consulted. Overrides never create additional storage
// entries: a matched override changes which limits apply to the same
// (type, key) entry the caller already addressed.
type Override struct {
	Key         string `yaml:"key" json:"key,omitempty"`
	Match       string `yaml:"match" json:"match,omitempty"`
	Size        int64  `yaml:"size" json:"size"`
	PerInterval int64  `yaml:"per_interval" json:"per_interval"`
	Interval    Millis `yaml:"interval" json:"interval"`
}

// Millis is a duration expressed in milliseconds on the wire and in YAML.
type Millis int64

// Duration converts to a time.Duration.
func (m Millis) Duration() time.Duration {
	return time.Duration(m) * time.Millisecond
}

// matches reports whether key satisfies this override's selector. An exact
// Key takes precedence over Match when both are set (Key is meant for the
// common "this one instance needs a different limit" case; Match is for
// classes of instances).
func (o Override) matches(key string) bool {
	if o.Key != "" {
		return o.Key == key
	}
	if o.Match != "" {
		ok, err := path.Match(o.Match, key)
		return err == nil && ok
	}
	return false
}

func (o Override) validate() error {
	if o.Key == "" && o.Match == "" {
		return fmt.Errorf("override must set key or match")
	}
	if o.Size < 1 {
		return fmt.Errorf("override size must be >= 1, got %d", o.Size)
	}
	if o.PerInterval < 1 {
		return fmt.Errorf("override per_interval must be >= 1, got %d", o.PerInterval)
	}
	if o.Interval < 1 {
		return fmt.Errorf("override interval must be >= 1ms, got %d", o.Interval)
	}
	return nil
}

// BucketType is an immutable, named rate-limit configuration template.
// Once published into a Registry it is never mutated; a reload replaces the
// whole registry snapshot (see Registry.Replace).
type BucketType struct {
	Name        string     `yaml:"-" json:"name"`
	Size        int64      `yaml:"size" json:"size"`
	PerInterval int64      `yaml:"per_interval" json:"per_interval"`
	Interval    Millis     `yaml:"interval" json:"interval"`
	Unlimited   bool       `yaml:"unlimited" json:"unlimited,omitempty"`
	Overrides   []Override `yaml:"overrides" json:"overrides,omitempty"`
}

// Validate checks that bt is safe to publish into a Registry.
func (bt BucketType) Validate() error {
	if bt.Name == "" {
		return fmt.Errorf("bucket type name must not be empty")
	}
	if bt.Unlimited {
		// An unlimited type still needs a nominal size for TakeBody.limit,
		// but per_interval/interval are irrelevant since no refill ever runs.
		if bt.Size < 1 {
			return fmt.Errorf("bucket type %q: size must be >= 1", bt.Name)
		}
		return nil
	}
	if bt.Size < 1 {
		return fmt.Errorf("bucket type %q: size must be >= 1, got %d", bt.Name, bt.Size)
	}
	if bt.PerInterval < 1 {
		return fmt.Errorf("bucket type %q: per_interval must be >= 1, got %d", bt.Name, bt.PerInterval)
	}
	if bt.Interval < 1 {
		return fmt.Errorf("bucket type %q: interval must be >= 1ms, got %d", bt.Name, bt.Interval)
	}
	for i, ov := range bt.Overrides {
		if err := ov.validate(); err != nil {
			return fmt.Errorf("bucket type %q: override[%d]: %w", bt.Name, i, err)
		}
	}
	return nil
}

// Effective resolves the (size, per_interval, interval) that apply to key,
// applying the first matching override. Overrides are consulted in
// declaration order; first match wins.
func (bt BucketType) Effective(key string) (size, perInterval int64, interval time.Duration) {
	for _, ov := range bt.Overrides {
		if ov.matches(key) {
			return ov.Size, ov.PerInterval, ov.Interval.Duration()
		}
	}
	return bt.Size, bt.PerInterval, bt.Interval.Duration()
}

// State is the persisted per-(type,key) token state. Tokens is
// kept as a float so drift-free fractional refill survives multiple small
// requests without rounding loss.
type State struct {
	Tokens     float64
	LastDrip   time.Time
	BeforeDrop *float64
}
