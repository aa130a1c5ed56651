package loader

import (
	"errors"
	"fmt"
	"os"
	"time"

	fp "github.com/veggiemonk/flowpipe"
	"gopkg.in/yaml.v3"
)

var (
	ErrUnknownStep  = errors.New("step not in catalog")
	ErrInvalidStep  = errors.New("invalid step entry")
	ErrInvalidRetry = errors.New("invalid retry configuration")
	ErrNoPipeline   = errors.New("pipeline not defined")
)

// Document is the root of a definition file.
type Document struct {
	Groups    map[string][]StepRef      `yaml:"groups"`
	Pipelines map[string]PipelineConfig `yaml:"pipelines"`
}

// PipelineConfig defines one pipeline.
type PipelineConfig struct {
	Steps []StepRef `yaml:"steps"`

	// Retry protects every top-level step.
	Retry *RetryConfig `yaml:"retry"`

	// Timeout bounds the work of each step, excluding the steps after it.
	Timeout Duration `yaml:"timeout"`
}

// StepRef is a single step entry. In YAML, a step can be written as:
//   - trim
//   - group: normalize
//   - nested: [a, b]
//     label: ab
//   - when: {field: total, operator: greater_than, value: 100}
//     then: [express]
//     else: [standard]
//   - expr: payload.Total > 100
//     then: [express]
//   - name: fetch
//     retry: {max_attempts: 3}
type StepRef struct {
	Name   string        `yaml:"name"`
	Group  string        `yaml:"group"`
	Nested []StepRef     `yaml:"nested"`
	When   *fp.Condition `yaml:"when"`
	Expr   string        `yaml:"expr"`

	Then []StepRef `yaml:"then"`
	Else []StepRef `yaml:"else"`

	// Label names a nested pipeline.
	Label string `yaml:"label"`

	// Retry replaces the strategy of the enclosing scope for this entry.
	Retry *RetryConfig `yaml:"retry"`
}

// UnmarshalYAML allows a step to be a string (catalog name only) or a
// mapping.
func (s *StepRef) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		var nameOnly string
		if err := value.Decode(&nameOnly); err != nil {
			return err
		}
		s.Name = nameOnly
		return nil
	}
	type raw StepRef
	return value.Decode((*raw)(s))
}

// RetryConfig is the YAML form of flowpipe.RetryConfig.
type RetryConfig struct {
	MaxAttempts int `yaml:"max_attempts"`

	// Backoff: "exponential" (default) | "linear" | "constant"
	Backoff string `yaml:"backoff"`

	// Initial is the first delay. Default is 100ms.
	Initial Duration `yaml:"initial"`

	// Increment is added per attempt by the linear backoff.
	Increment Duration `yaml:"increment"`

	// Multiplier of the exponential backoff. Default is 2.
	Multiplier float64 `yaml:"multiplier"`

	MaxDelay Duration `yaml:"max_delay"`
}

// Config converts c into a flowpipe.RetryConfig.
func (c RetryConfig) Config() (fp.RetryConfig, error) {
	if c.MaxAttempts < 0 {
		return fp.RetryConfig{}, fmt.Errorf("%w: max_attempts %d", ErrInvalidRetry, c.MaxAttempts)
	}
	initial := c.Initial.Duration()
	if initial <= 0 {
		initial = 100 * time.Millisecond
	}
	cfg := fp.RetryConfig{MaxAttempts: c.MaxAttempts, MaxDelay: c.MaxDelay.Duration()}
	switch c.Backoff {
	case "", "exponential":
		mult := c.Multiplier
		if mult <= 0 {
			mult = 2
		}
		cfg.Backoff = fp.ExponentialBackoff(initial, mult)
	case "linear":
		cfg.Backoff = fp.LinearBackoff(initial, c.Increment.Duration())
	case "constant", "fixed":
		cfg.Backoff = fp.ConstantBackoff(initial)
	default:
		return fp.RetryConfig{}, fmt.Errorf("%w: backoff %q", ErrInvalidRetry, c.Backoff)
	}
	return cfg, nil
}

// Duration is a time.Duration that unmarshals from YAML strings (e.g. "60s", "5m").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("duration %q: want a number with a unit such as \"5s\" or \"250ms\": %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the standard time.Duration.
func (d Duration) Duration() time.Duration { return time.Duration(d) }

// Parse parses YAML bytes into a Document.
func Parse(data []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Load reads and parses the document at path.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	doc, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return doc, nil
}
