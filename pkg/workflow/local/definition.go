// Package local is an in-process EXPRESS workflow engine. It runs Pass,
// Succeed and Fail states, authorizes callers against role policies and
// can be served over the StartSyncExecution HTTP protocol.
package local

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/polisai/polis-sfn/pkg/domain"
)

// State types understood by the engine.
const (
	StatePass    = "Pass"
	StateSucceed = "Succeed"
	StateFail    = "Fail"
)

// DefaultDefinition is a single Pass state that echoes its input.
const DefaultDefinition = `{"StartAt": "PassTask", "States": {"PassTask": {"Type": "Pass", "End": true}}}`

// Definition is a state machine in Amazon States Language form. JSON
// definitions parse as YAML.
type Definition struct {
	Comment string            `yaml:"Comment,omitempty"`
	StartAt string            `yaml:"StartAt"`
	States  map[string]*State `yaml:"States"`
}

// State is one node of a Definition.
type State struct {
	Type       string `yaml:"Type"`
	Comment    string `yaml:"Comment,omitempty"`
	Next       string `yaml:"Next,omitempty"`
	End        bool   `yaml:"End,omitempty"`
	Result     any    `yaml:"Result,omitempty"`
	InputPath  string `yaml:"InputPath,omitempty"`
	ResultPath string `yaml:"ResultPath,omitempty"`
	OutputPath string `yaml:"OutputPath,omitempty"`
	Error      string `yaml:"Error,omitempty"`
	Cause      string `yaml:"Cause,omitempty"`

	// discardResult is set by an explicit "ResultPath": null.
	discardResult bool
	// discardInput and discardOutput are set by null InputPath / OutputPath.
	discardInput  bool
	discardOutput bool
}

// UnmarshalYAML records explicit nulls, which ASL treats differently from
// an absent path.
func (s *State) UnmarshalYAML(value *yaml.Node) error {
	type plain State
	var p plain
	if err := value.Decode(&p); err != nil {
		return err
	}
	*s = State(p)

	if value.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(value.Content); i += 2 {
		key, val := value.Content[i], value.Content[i+1]
		if val.Tag != "!!null" {
			continue
		}
		switch key.Value {
		case "ResultPath":
			s.discardResult = true
		case "InputPath":
			s.discardInput = true
		case "OutputPath":
			s.discardOutput = true
		}
	}
	return nil
}

// ParseDefinition decodes and validates a definition.
func ParseDefinition(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("%w: state machine definition: %v", domain.ErrConfigInvalid, err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// LoadDefinition reads a definition file.
func LoadDefinition(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read state machine definition %s: %w", path, err)
	}
	return ParseDefinition(data)
}

// Validate checks that the state graph is well formed.
func (d *Definition) Validate() error {
	if d.StartAt == "" {
		return fmt.Errorf("%w: StartAt is required", domain.ErrConfigInvalid)
	}
	if len(d.States) == 0 {
		return fmt.Errorf("%w: States must not be empty", domain.ErrConfigInvalid)
	}
	if _, ok := d.States[d.StartAt]; !ok {
		return fmt.Errorf("%w: StartAt %q is not a state", domain.ErrConfigInvalid, d.StartAt)
	}

	names := make([]string, 0, len(d.States))
	for name := range d.States {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		s := d.States[name]
		if s == nil {
			return fmt.Errorf("%w: state %q is empty", domain.ErrConfigInvalid, name)
		}
		switch s.Type {
		case StatePass:
			if s.End == (s.Next != "") {
				return fmt.Errorf("%w: state %q needs exactly one of Next or End", domain.ErrConfigInvalid, name)
			}
			if s.Next != "" {
				if _, ok := d.States[s.Next]; !ok {
					return fmt.Errorf("%w: state %q: Next %q is not a state", domain.ErrConfigInvalid, name, s.Next)
				}
			}
		case StateSucceed, StateFail:
			if s.Next != "" || s.End {
				return fmt.Errorf("%w: %s state %q is terminal", domain.ErrConfigInvalid, s.Type, name)
			}
		default:
			return fmt.Errorf("%w: state %q: unsupported type %q", domain.ErrConfigInvalid, name, s.Type)
		}
		for _, p := range []string{s.InputPath, s.ResultPath, s.OutputPath} {
			if p != "" && !strings.HasPrefix(p, "$") {
				return fmt.Errorf("%w: state %q: path %q must start with $", domain.ErrConfigInvalid, name, p)
			}
		}
	}
	return nil
}
