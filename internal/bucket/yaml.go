package bucket

import (
	"bytes"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// fileOverride is the YAML shape of one override entry.
type fileOverride struct {
	Name        string `yaml:"name"`
	Key         string `yaml:"key"`
	Match       string `yaml:"match"`
	Size        int64  `yaml:"size"`
	PerInterval int64  `yaml:"per_interval"`
	Interval    int64  `yaml:"interval"`
}

// fileType is the YAML shape of one bucket type. Intervals are integral
// milliseconds on the wire and in files.
type fileType struct {
	Size        int64          `yaml:"size"`
	PerInterval int64          `yaml:"per_interval"`
	Interval    int64          `yaml:"interval"`
	Unlimited   bool           `yaml:"unlimited"`
	Overrides   []fileOverride `yaml:"overrides"`
}

// TypesFromYAML decodes a bucket-type mapping from YAML, rejecting unknown
// fields, and validates the result before returning it.
func TypesFromYAML(data []byte) (map[string]*Type, error) {
	var raw map[string]fileType
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&raw); err != nil {
		return nil, fmt.Errorf("bucket: decode bucket config: %w", err)
	}
	types := make(map[string]*Type, len(raw))
	for name, ft := range raw {
		t := &Type{
			Name:        name,
			Size:        ft.Size,
			PerInterval: ft.PerInterval,
			Interval:    time.Duration(ft.Interval) * time.Millisecond,
			Unlimited:   ft.Unlimited,
		}
		for _, fo := range ft.Overrides {
			t.Overrides = append(t.Overrides, Override{
				Name:        fo.Name,
				Key:         fo.Key,
				Match:       fo.Match,
				Size:        fo.Size,
				PerInterval: fo.PerInterval,
				Interval:    time.Duration(fo.Interval) * time.Millisecond,
			})
		}
		types[name] = t
	}
	if err := ValidateSet(types); err != nil {
		return nil, err
	}
	return types, nil
}
