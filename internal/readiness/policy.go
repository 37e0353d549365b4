package readiness

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Weights are percentages and must sum to 100.
type Weights struct {
	Trust      int `yaml:"trust"`
	Compliance int `yaml:"compliance"`
	Financial  int `yaml:"financial"`
	Logistics  int `yaml:"logistics"`
}

// Thresholds split scores into ready, warning and blocked.
type Thresholds struct {
	Ready   int `yaml:"ready"`
	Warning int `yaml:"warning"`
}

// Policy configures scoring.
type Policy struct {
	Weights      Weights    `yaml:"weights"`
	Thresholds   Thresholds `yaml:"thresholds"`
	MinTrust     int        `yaml:"minTrust"`
	MinLogistics int        `yaml:"minLogistics"`
	// DefaultScore stands in for a signal that has never been read.
	DefaultScore int `yaml:"defaultScore"`
}

// DefaultPolicy returns the built-in scoring policy.
func DefaultPolicy() Policy {
	return Policy{
		Weights:      Weights{Trust: 30, Compliance: 25, Financial: 25, Logistics: 20},
		Thresholds:   Thresholds{Ready: 80, Warning: 60},
		MinTrust:     60,
		MinLogistics: 60,
		DefaultScore: 50,
	}
}

// Validate checks weights and threshold ordering.
func (p Policy) Validate() error {
	w := p.Weights
	var errs []error
	if w.Trust < 0 || w.Compliance < 0 || w.Financial < 0 || w.Logistics < 0 {
		errs = append(errs, errors.New("weights must not be negative"))
	}
	if sum := w.Trust + w.Compliance + w.Financial + w.Logistics; sum != 100 {
		errs = append(errs, fmt.Errorf("weights must sum to 100, got %d", sum))
	}
	if p.Thresholds.Warning < 0 || p.Thresholds.Warning > p.Thresholds.Ready || p.Thresholds.Ready > 100 {
		errs = append(errs, fmt.Errorf("thresholds must satisfy 0 <= warning (%d) <= ready (%d) <= 100",
			p.Thresholds.Warning, p.Thresholds.Ready))
	}
	if p.DefaultScore < 0 || p.DefaultScore > 100 {
		errs = append(errs, fmt.Errorf("defaultScore must be within 0..100, got %d", p.DefaultScore))
	}
	return errors.Join(errs...)
}

// ParsePolicy reads YAML over the defaults. Omitted keys keep their
// default values.
func ParsePolicy(data []byte) (Policy, error) {
	p := DefaultPolicy()
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("parse readiness policy: %w", err)
	}
	if err := p.Validate(); err != nil {
		return Policy{}, fmt.Errorf("invalid readiness policy: %w", err)
	}
	return p, nil
}

// LoadPolicy reads a policy file. An empty path returns the default policy.
func LoadPolicy(path string) (Policy, error) {
	if path == "" {
		return DefaultPolicy(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read readiness policy: %w", err)
	}
	return ParsePolicy(data)
}
