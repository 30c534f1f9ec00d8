package config

import (
	"fmt"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

// Duration wraps time.Duration so YAML can carry Go duration strings
// ("500ms", "5m") or bare seconds.
type Duration struct {
	D time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var asInt int64
	if err := value.Decode(&asInt); err == nil {
		d.D = time.Duration(asInt) * time.Second
		return nil
	}
	var asStr string
	if err := value.Decode(&asStr); err != nil {
		return fmt.Errorf("duration: %w", err)
	}
	parsed, err := time.ParseDuration(asStr)
	if err != nil {
		return fmt.Errorf("duration %q: %w", asStr, err)
	}
	d.D = parsed
	return nil
}

func (d Duration) MarshalYAML() (any, error) { return d.D.String(), nil }
