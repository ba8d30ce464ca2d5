package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/ivm/internal/fanout"
	"github.com/roach88/ivm/internal/ir"
)

// Scenario defines a conformance scenario.
type Scenario struct {
	// Name uniquely identifies the scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what the scenario validates.
	Description string `yaml:"description"`

	// Contracts is the rule set directory, relative to the scenario file.
	Contracts string `yaml:"contracts"`

	// Tenant is the tenant every step runs as.
	Tenant string `yaml:"tenant"`

	// Fanout overrides the workflow defaults.
	Fanout *FanoutOverrides `yaml:"fanout,omitempty"`

	Steps      []Step      `yaml:"steps"`
	Assertions []Assertion `yaml:"assertions"`
}

// FanoutOverrides tunes the fanout workflow for one scenario.
type FanoutOverrides struct {
	CircuitAction    fanout.CircuitAction `yaml:"circuit_action,omitempty"`
	DefaultMaxFanout int                  `yaml:"default_max_fanout,omitempty"`
}

// Step is one scenario action. Exactly one of Ingest, Delete, Reslice,
// Drain or Advance is set.
type Step struct {
	Ingest  string `yaml:"ingest,omitempty"`
	Delete  string `yaml:"delete,omitempty"`
	Reslice string `yaml:"reslice,omitempty"`
	Drain   bool   `yaml:"drain,omitempty"`
	Advance string `yaml:"advance,omitempty"`

	Version int64          `yaml:"version,omitempty"`
	Payload map[string]any `yaml:"payload,omitempty"`
	Reason  string         `yaml:"reason,omitempty"`

	// ExpectError is the error code the step must fail with.
	ExpectError string `yaml:"expect_error,omitempty"`
}

// Kind names the action the step performs.
func (s Step) Kind() string {
	switch {
	case s.Ingest != "":
		return StepIngest
	case s.Delete != "":
		return StepDelete
	case s.Reslice != "":
		return StepReslice
	case s.Drain:
		return StepDrain
	case s.Advance != "":
		return StepAdvance
	}
	return ""
}

func (s Step) actions() int {
	n := 0
	for _, set := range []bool{s.Ingest != "", s.Delete != "", s.Reslice != "", s.Drain, s.Advance != ""} {
		if set {
			n++
		}
	}
	return n
}

// Step kinds.
const (
	StepIngest  = "ingest"
	StepDelete  = "delete"
	StepReslice = "reslice"
	StepDrain   = "drain"
	StepAdvance = "advance"
)

// Assertion validates the final state.
type Assertion struct {
	Type string `yaml:"type"`

	// Key is the entity key (slice, tombstone, no_drift).
	Key string `yaml:"key,omitempty"`

	// Slice is the slice type (slice).
	Slice ir.SliceType `yaml:"slice,omitempty"`

	// Version is the expected slice version (slice). Zero skips the check.
	Version int64 `yaml:"version,omitempty"`

	// Data holds expected slice fields (slice). Subset match.
	Data map[string]any `yaml:"data,omitempty"`

	// Index and Value select index rows (index_count).
	Index string `yaml:"index,omitempty"`
	Value string `yaml:"value,omitempty"`

	// EventType and Status filter outbox entries (outbox_count).
	EventType string `yaml:"event_type,omitempty"`
	Status    string `yaml:"status,omitempty"`

	// Count is the expected row count (index_count, outbox_count).
	Count *int `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertSlice       = "slice"
	AssertTombstone   = "tombstone"
	AssertIndexCount  = "index_count"
	AssertOutboxCount = "outbox_count"
	AssertNoDrift     = "no_drift"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields, or fails validation.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	// Strict decoding catches typos like "assertion:" vs "assertions:".
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if scenario.Contracts != "" && !filepath.IsAbs(scenario.Contracts) {
		scenario.Contracts = filepath.Join(filepath.Dir(path), scenario.Contracts)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// LoadDir loads every *.yaml scenario in dir, sorted by file name.
func LoadDir(dir string) ([]*Scenario, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, err
	}
	scenarios := make([]*Scenario, 0, len(paths))
	for _, p := range paths {
		s, err := LoadScenario(p)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(p), err)
		}
		scenarios = append(scenarios, s)
	}
	return scenarios, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Contracts == "" {
		return fmt.Errorf("contracts is required")
	}
	if s.Tenant == "" {
		return fmt.Errorf("tenant is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	if s.Fanout != nil {
		switch s.Fanout.CircuitAction {
		case "", fanout.CircuitSkip, fanout.CircuitError, fanout.CircuitAsync:
		default:
			return fmt.Errorf("fanout: unknown circuit_action %q", s.Fanout.CircuitAction)
		}
		if s.Fanout.DefaultMaxFanout < 0 {
			return fmt.Errorf("fanout: default_max_fanout must not be negative")
		}
	}

	for i, step := range s.Steps {
		if err := validateStep(step); err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(a); err != nil {
			return fmt.Errorf("assertion %d: %w", i, err)
		}
	}
	return nil
}

func validateStep(s Step) error {
	if s.actions() != 1 {
		return fmt.Errorf("exactly one of ingest, delete, reslice, drain or advance is required")
	}
	switch s.Kind() {
	case StepIngest:
		if s.Version <= 0 {
			return fmt.Errorf("ingest requires a positive version")
		}
		if s.Payload == nil {
			return fmt.Errorf("ingest requires a payload")
		}
	case StepDelete:
		if s.Version <= 0 {
			return fmt.Errorf("delete requires a positive version")
		}
	case StepAdvance:
		d, err := time.ParseDuration(s.Advance)
		if err != nil {
			return fmt.Errorf("advance: %w", err)
		}
		if d <= 0 {
			return fmt.Errorf("advance must be positive")
		}
	}
	return nil
}

func validateAssertion(a Assertion) error {
	switch a.Type {
	case AssertSlice:
		if a.Key == "" || a.Slice == "" {
			return fmt.Errorf("slice requires key and slice")
		}
	case AssertTombstone, AssertNoDrift:
		if a.Key == "" {
			return fmt.Errorf("%s requires key", a.Type)
		}
	case AssertIndexCount:
		if a.Index == "" || a.Value == "" || a.Count == nil {
			return fmt.Errorf("index_count requires index, value and count")
		}
	case AssertOutboxCount:
		if a.Count == nil {
			return fmt.Errorf("outbox_count requires count")
		}
	default:
		return fmt.Errorf("unknown type %q", a.Type)
	}
	return nil
}
