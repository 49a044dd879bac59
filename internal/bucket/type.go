// Package bucket holds the rate-limit configuration model: bucket types,
// overrides, the drift-free refill arithmetic, and the live registry that
// maps type names to published configurations.
package bucket

import (
	"fmt"
	"path"
	"time"
)

// Params are the effective token-bucket parameters applied to one key after
// override resolution.
type Params struct {
	Size        int64
	PerInterval int64
	Interval    time.Duration
}

// Override re-binds the bucket parameters for keys selected by an exact Key
// or a Match glob (path.Match syntax). First match wins. Matching never
// changes which storage entry a key uses.
type Override struct {
	Name        string
	Key         string
	Match       string
	Size        int64
	PerInterval int64
	Interval    time.Duration
}

// Type is one named, immutable bucket configuration. Published Types are
// never mutated; registry swaps replace the whole mapping.
type Type struct {
	Name        string
	Size        int64
	PerInterval int64
	Interval    time.Duration
	Unlimited   bool
	Overrides   []Override
}

// Params returns the effective parameters for key, applying the first
// matching override.
func (t *Type) Params(key string) Params {
	for i := range t.Overrides {
		o := &t.Overrides[i]
		if o.Key != "" {
			if o.Key == key {
				return Params{Size: o.Size, PerInterval: o.PerInterval, Interval: o.Interval}
			}
			continue
		}
		if o.Match != "" {
			if ok, err := path.Match(o.Match, key); err == nil && ok {
				return Params{Size: o.Size, PerInterval: o.PerInterval, Interval: o.Interval}
			}
		}
	}
	return Params{Size: t.Size, PerInterval: t.PerInterval, Interval: t.Interval}
}

// Validate checks a single type definition.
func (t *Type) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("bucket: type name must not be empty")
	}
	if t.Unlimited {
		return nil
	}
	if err := validateParams(t.Name, "", t.Size, t.PerInterval, t.Interval); err != nil {
		return err
	}
	for i := range t.Overrides {
		o := &t.Overrides[i]
		if o.Key == "" && o.Match == "" {
			return fmt.Errorf("bucket: type %q override %d selects nothing (key or match required)", t.Name, i)
		}
		if o.Match != "" {
			if _, err := path.Match(o.Match, "probe"); err != nil {
				return fmt.Errorf("bucket: type %q override %d: bad glob %q: %w", t.Name, i, o.Match, err)
			}
		}
		label := o.Key
		if label == "" {
			label = o.Match
		}
		if err := validateParams(t.Name, label, o.Size, o.PerInterval, o.Interval); err != nil {
			return err
		}
	}
	return nil
}

func validateParams(typeName, override string, size, perInterval int64, interval time.Duration) error {
	where := fmt.Sprintf("type %q", typeName)
	if override != "" {
		where = fmt.Sprintf("type %q override %q", typeName, override)
	}
	if size < 1 {
		return fmt.Errorf("bucket: %s: size must be >= 1, got %d", where, size)
	}
	if perInterval < 1 {
		return fmt.Errorf("bucket: %s: per_interval must be >= 1, got %d", where, perInterval)
	}
	if interval < time.Millisecond {
		return fmt.Errorf("bucket: %s: interval must be >= 1ms, got %s", where, interval)
	}
	return nil
}

// ValidateSet checks a whole bucket-type mapping before publication.
func ValidateSet(types map[string]*Type) error {
	for name, t := range types {
		if t == nil {
			return fmt.Errorf("bucket: type %q is nil", name)
		}
		if t.Name != name {
			return fmt.Errorf("bucket: type keyed %q declares name %q", name, t.Name)
		}
		if err := t.Validate(); err != nil {
			return err
		}
	}
	return nil
}
