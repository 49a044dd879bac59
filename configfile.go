package limitd

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dirceu/limitd/internal/bucket"
)

// FileConfig is the YAML configuration document. Unknown top-level keys are
// rejected with a descriptive error so typos never silently disappear.
type FileConfig struct {
	Port                 int       `yaml:"port"`
	Hostname             string    `yaml:"hostname"`
	DB                   string    `yaml:"db"`
	LogLevel             string    `yaml:"log_level"`
	Protocol             string    `yaml:"protocol"`
	Buckets              yaml.Node `yaml:"buckets"`
	RemoteConfigURI      string    `yaml:"remoteConfigURI"`
	RemoteConfigInterval int64     `yaml:"remoteConfigInterval"`
}

// LoadFileConfig reads and strictly decodes the YAML config file at path.
func LoadFileConfig(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}
	return ParseFileConfig(data)
}

// ParseFileConfig strictly decodes a YAML configuration document.
func ParseFileConfig(data []byte) (*FileConfig, error) {
	var fc FileConfig
	if err := strictUnmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &fc, nil
}

func strictUnmarshal(data []byte, out any) error {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			// An empty document is a valid configuration.
			return nil
		}
		return err
	}
	return nil
}

// BucketTypes extracts and validates the buckets section; an absent section
// yields an empty set.
func (fc *FileConfig) BucketTypes() (map[string]*bucket.Type, error) {
	if fc.Buckets.Kind == 0 {
		return map[string]*bucket.Type{}, nil
	}
	raw, err := yaml.Marshal(&fc.Buckets)
	if err != nil {
		return nil, fmt.Errorf("config: re-encode buckets: %w", err)
	}
	return bucket.TypesFromYAML(raw)
}

// RemoteInterval converts the millisecond file value to a duration; zero
// means "use the default".
func (fc *FileConfig) RemoteInterval() time.Duration {
	if fc.RemoteConfigInterval <= 0 {
		return 0
	}
	return time.Duration(fc.RemoteConfigInterval) * time.Millisecond
}

// Apply copies file values into cfg for every field the caller has not set
// through a higher-precedence source (flags or environment).
func (fc *FileConfig) Apply(cfg *Config, isSet func(field string) bool) error {
	if fc.Port != 0 && !isSet("port") {
		cfg.Port = fc.Port
	}
	if fc.Hostname != "" && !isSet("hostname") {
		cfg.Hostname = fc.Hostname
	}
	if fc.DB != "" && !isSet("db") {
		cfg.Store = fc.DB
	}
	if fc.Protocol != "" && !isSet("protocol") {
		cfg.Protocol = fc.Protocol
	}
	if fc.RemoteConfigURI != "" && !isSet("remote-config-uri") {
		cfg.RemoteConfigURI = fc.RemoteConfigURI
	}
	if d := fc.RemoteInterval(); d > 0 && !isSet("remote-config-interval") {
		cfg.RemoteConfigInterval = d
	}
	types, err := fc.BucketTypes()
	if err != nil {
		return err
	}
	if len(types) > 0 {
		cfg.Buckets = types
	}
	return nil
}
