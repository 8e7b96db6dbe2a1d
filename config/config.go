package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/glimte/phasechain/phase"
)

// ErrInvalidConfig is wrapped by every validation failure
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Config is the declarative chain configuration
type Config struct {
	Phases        PhasesConfig        `yaml:"phases"`
	Interceptors  []InterceptorConfig `yaml:"interceptors"`
	Continuations ContinuationsConfig `yaml:"continuations"`
}

// PhasesConfig overrides the default phase lists. Empty lists keep the
// defaults.
type PhasesConfig struct {
	In  []PhaseConfig `yaml:"in"`
	Out []PhaseConfig `yaml:"out"`
}

// PhaseConfig declares one phase
type PhaseConfig struct {
	Name     string `yaml:"name"`
	Priority int    `yaml:"priority"`
}

// ContinuationsConfig bounds suspended messages
type ContinuationsConfig struct {
	MaxPending int `yaml:"maxPending"`
}

// InterceptorConfig declares one interceptor. Options are decoded by the
// factory registered for Type.
type InterceptorConfig struct {
	ID      string                 `yaml:"id"`
	Type    string                 `yaml:"type"`
	Flow    string                 `yaml:"flow"`
	Phase   string                 `yaml:"phase"`
	Before  []string               `yaml:"before"`
	After   []string               `yaml:"after"`
	Options map[string]interface{} `yaml:"options"`
}

// FlowValue parses Flow, defaulting to the in flow
func (ic InterceptorConfig) FlowValue() (phase.Flow, error) {
	if ic.Flow == "" {
		return phase.In, nil
	}
	return phase.ParseFlow(ic.Flow)
}

// Load reads and validates a configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to load config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes and validates YAML configuration
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks structural rules. Phase names are checked against the
// phase lists when the chain is assembled.
func (c *Config) Validate() error {
	if c.Continuations.MaxPending < 0 {
		return fmt.Errorf("%w: continuations.maxPending must not be negative", ErrInvalidConfig)
	}

	seen := make(map[string]struct{})
	for i, ic := range c.Interceptors {
		if ic.Type == "" {
			return fmt.Errorf("%w: interceptor %d has no type", ErrInvalidConfig, i)
		}
		if ic.Phase == "" {
			return fmt.Errorf("%w: interceptor %d (%s) has no phase", ErrInvalidConfig, i, ic.Type)
		}
		flow, err := ic.FlowValue()
		if err != nil {
			return fmt.Errorf("%w: interceptor %d: %v", ErrInvalidConfig, i, err)
		}
		if ic.ID == "" {
			continue
		}
		key := flow.String() + "/" + ic.ID
		if _, dup := seen[key]; dup {
			return fmt.Errorf("%w: duplicate interceptor id %q in %s flow", ErrInvalidConfig, ic.ID, flow)
		}
		seen[key] = struct{}{}
	}
	return nil
}

// PhaseManager builds the phase manager the configuration describes
func (c *Config) PhaseManager() (*phase.Manager, error) {
	if len(c.Phases.In) == 0 && len(c.Phases.Out) == 0 {
		return phase.NewManager(), nil
	}

	defaults := phase.NewManager()
	in := defaults.InPhases()
	out := defaults.OutPhases()
	if len(c.Phases.In) > 0 {
		in = toPhases(c.Phases.In)
	}
	if len(c.Phases.Out) > 0 {
		out = toPhases(c.Phases.Out)
	}
	m, err := phase.NewManagerWithPhases(in, out)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return m, nil
}

func toPhases(list []PhaseConfig) []phase.Phase {
	out := make([]phase.Phase, len(list))
	for i, p := range list {
		out[i] = phase.Phase{Name: p.Name, Priority: p.Priority}
	}
	return out
}
