package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Scenario defines a conformance test scenario: a boundary tree, scripted
// resources, and a sequence of scheduler steps, with optional inline trace
// assertions.
type Scenario struct {
	// Name uniquely identifies this scenario. Also names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Defaults sets the cache windows applied to every read.
	Defaults Defaults `yaml:"defaults,omitempty"`

	// Boundaries declares the suspension boundary tree, outside-in.
	Boundaries []BoundarySpec `yaml:"boundaries,omitempty"`

	// Resources scripts the loaders. Every key read by a step must be
	// declared here; its fetch blocks until a settle step releases it.
	Resources []ResourceSpec `yaml:"resources,omitempty"`

	// Steps is the scenario's action sequence.
	Steps []Step `yaml:"steps"`

	// Assertions validate the trace after the run.
	// Supported types: trace_contains, trace_order, trace_count.
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// Defaults are the cache windows applied to every resource read.
// Durations use Go syntax ("60s", "5m"); empty means zero.
type Defaults struct {
	StaleTime string `yaml:"stale_time,omitempty"`
	CacheTime string `yaml:"cache_time,omitempty"`
	Deadline  string `yaml:"deadline,omitempty"`
}

// BoundarySpec declares one suspension boundary.
type BoundarySpec struct {
	ID            string `yaml:"id"`
	Parent        string `yaml:"parent,omitempty"`
	Fallback      string `yaml:"fallback,omitempty"`
	HandlesErrors bool   `yaml:"handles_errors,omitempty"`
}

// ResourceSpec scripts one loader outcome. Exactly one of Value or Error
// applies when the resource is settled.
type ResourceSpec struct {
	Key   string `yaml:"key"`
	Value string `yaml:"value,omitempty"`
	Error string `yaml:"error,omitempty"`
}

// Read declares that rendering an update touches a resource under a
// boundary.
type Read struct {
	Key      string `yaml:"key"`
	Boundary string `yaml:"boundary"`
}

// EnqueueStep submits one update.
type EnqueueStep struct {
	// Lane is "urgent", "normal", or "transition".
	Lane    string `yaml:"lane,omitempty"`
	Slot    string `yaml:"slot"`
	Payload string `yaml:"payload"`
	Reads   []Read `yaml:"reads,omitempty"`
}

// BudgetStep drives the step loop.
type BudgetStep struct {
	// Budget bounds the number of updates consumed; 0 drains the queue.
	Budget int `yaml:"budget,omitempty"`
}

// KeyStep names a resource key for settle, evict, and invalidate.
type KeyStep struct {
	Key string `yaml:"key"`
}

// AdvanceStep moves the scenario clock forward.
type AdvanceStep struct {
	Duration string `yaml:"duration"`
}

// Step is one scenario action. Exactly one directive must be set.
type Step struct {
	Enqueue    *EnqueueStep  `yaml:"enqueue,omitempty"`
	Transition []EnqueueStep `yaml:"transition,omitempty"`
	Step       *BudgetStep   `yaml:"step,omitempty"`
	Settle     *KeyStep      `yaml:"settle,omitempty"`
	Advance    *AdvanceStep  `yaml:"advance,omitempty"`
	Evict      *KeyStep      `yaml:"evict,omitempty"`
	Invalidate *KeyStep      `yaml:"invalidate,omitempty"`
}

// Assertion validates the recorded trace.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Event is the trace event type to match (trace_contains, trace_count).
	Event string `yaml:"event,omitempty"`

	// Optional field matchers for trace_contains. Empty fields match any.
	Boundary string `yaml:"boundary,omitempty"`
	Key      string `yaml:"key,omitempty"`
	Slot     string `yaml:"slot,omitempty"`
	Lane     string `yaml:"lane,omitempty"`

	// Events is the expected event-type order (trace_order). Events need
	// not be consecutive.
	Events []string `yaml:"events,omitempty"`

	// Count is the expected number of occurrences (trace_count).
	Count int `yaml:"count"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
)

var validLanes = map[string]bool{"": true, "urgent": true, "normal": true, "transition": true}

// LoadScenario reads, schema-checks, and parses a scenario YAML file.
// Returns an error if the file doesn't exist, fails the CUE schema, is
// malformed, contains unknown fields (typos), or is missing required
// fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario schema-checks and parses scenario YAML bytes.
func ParseScenario(data []byte) (*Scenario, error) {
	// CUE first: structural errors with schema context beat decode errors.
	if err := ValidateSchema(data); err != nil {
		return nil, fmt.Errorf("scenario failed schema validation: %w", err)
	}

	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks cross-field rules the schema cannot express:
// referential integrity between steps, resources, and boundaries.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	for _, d := range []struct{ name, val string }{
		{"defaults.stale_time", s.Defaults.StaleTime},
		{"defaults.cache_time", s.Defaults.CacheTime},
		{"defaults.deadline", s.Defaults.Deadline},
	} {
		if d.val == "" {
			continue
		}
		if _, err := time.ParseDuration(d.val); err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
	}

	boundaries := make(map[string]bool)
	for i, b := range s.Boundaries {
		if b.ID == "" {
			return fmt.Errorf("boundaries[%d]: id is required", i)
		}
		if boundaries[b.ID] {
			return fmt.Errorf("boundaries[%d]: duplicate id %q", i, b.ID)
		}
		if b.Parent != "" && !boundaries[b.Parent] {
			return fmt.Errorf("boundaries[%d]: parent %q must be declared first", i, b.Parent)
		}
		boundaries[b.ID] = true
	}

	resources := make(map[string]bool)
	for i, r := range s.Resources {
		if r.Key == "" {
			return fmt.Errorf("resources[%d]: key is required", i)
		}
		if resources[r.Key] {
			return fmt.Errorf("resources[%d]: duplicate key %q", i, r.Key)
		}
		if r.Value != "" && r.Error != "" {
			return fmt.Errorf("resources[%d]: value and error are mutually exclusive", i)
		}
		resources[r.Key] = true
	}

	for i, step := range s.Steps {
		if err := validateStep(i, &step, boundaries, resources); err != nil {
			return err
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(i, &a); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, step *Step, boundaries, resources map[string]bool) error {
	directives := 0
	if step.Enqueue != nil {
		directives++
		if err := validateEnqueue(index, step.Enqueue, boundaries, resources); err != nil {
			return err
		}
	}
	if step.Transition != nil {
		directives++
		if len(step.Transition) == 0 {
			return fmt.Errorf("steps[%d].transition: must enqueue at least one update", index)
		}
		for _, e := range step.Transition {
			if e.Lane != "" {
				return fmt.Errorf("steps[%d].transition: lane is implied, do not set it", index)
			}
			if err := validateEnqueue(index, &e, boundaries, resources); err != nil {
				return err
			}
		}
	}
	if step.Step != nil {
		directives++
		if step.Step.Budget < 0 {
			return fmt.Errorf("steps[%d].step: budget must be non-negative", index)
		}
	}
	if step.Settle != nil {
		directives++
		if !resources[step.Settle.Key] {
			return fmt.Errorf("steps[%d].settle: unknown resource %q", index, step.Settle.Key)
		}
	}
	if step.Advance != nil {
		directives++
		if _, err := time.ParseDuration(step.Advance.Duration); err != nil {
			return fmt.Errorf("steps[%d].advance: %w", index, err)
		}
	}
	if step.Evict != nil {
		directives++
		if !resources[step.Evict.Key] {
			return fmt.Errorf("steps[%d].evict: unknown resource %q", index, step.Evict.Key)
		}
	}
	if step.Invalidate != nil {
		directives++
		if !resources[step.Invalidate.Key] {
			return fmt.Errorf("steps[%d].invalidate: unknown resource %q", index, step.Invalidate.Key)
		}
	}

	if directives != 1 {
		return fmt.Errorf("steps[%d]: exactly one directive required, got %d", index, directives)
	}
	return nil
}

func validateEnqueue(index int, e *EnqueueStep, boundaries, resources map[string]bool) error {
	if e.Slot == "" {
		return fmt.Errorf("steps[%d]: slot is required", index)
	}
	if e.Payload == "" {
		return fmt.Errorf("steps[%d]: payload is required", index)
	}
	if !validLanes[e.Lane] {
		return fmt.Errorf("steps[%d]: invalid lane %q", index, e.Lane)
	}
	for _, r := range e.Reads {
		if !resources[r.Key] {
			return fmt.Errorf("steps[%d]: read of undeclared resource %q", index, r.Key)
		}
		if !boundaries[r.Boundary] {
			return fmt.Errorf("steps[%d]: read under undeclared boundary %q", index, r.Boundary)
		}
	}
	return nil
}

func validateAssertion(index int, a *Assertion) error {
	switch a.Type {
	case AssertTraceContains:
		if a.Event == "" {
			return fmt.Errorf("assertions[%d]: event is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Events) == 0 {
			return fmt.Errorf("assertions[%d]: events list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Event == "" {
			return fmt.Errorf("assertions[%d]: event is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative", index)
		}
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
