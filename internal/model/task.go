package model

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"
)

// ParamType is the declared type of a task parameter. Arguments travel as
// strings; the type only governs validation.
type ParamType string

const (
	ParamString ParamType = "string"
	ParamInt    ParamType = "int"
	ParamFloat  ParamType = "float"
	ParamBool   ParamType = "bool"
	ParamTime   ParamType = "time"
	ParamEnum   ParamType = "enum"
)

// ParamSpec declares one named task parameter.
type ParamSpec struct {
	Name        string    `json:"name"`
	Type        ParamType `json:"type"`
	Required    bool      `json:"required,omitempty"`
	Default     *string   `json:"default,omitempty"`
	Choices     []string  `json:"choices,omitempty"`
	Description string    `json:"description,omitempty"`
}

// TaskInfo describes a registered task for the catalog.
type TaskInfo struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Collection  string      `json:"collection"`
	Params      []ParamSpec `json:"params"`
	RequiresCSV bool        `json:"requires_csv"`
	Parallel    bool        `json:"parallel"`
	Throttles   []string    `json:"throttles"`
}

// ErrInvalidArguments is wrapped by every argument validation failure.
var ErrInvalidArguments = errors.New("model: invalid arguments")

// ValidateArguments checks args against the declared parameters and returns a
// new map with defaults applied. Unknown argument names are rejected.
func ValidateArguments(specs []ParamSpec, args map[string]string) (map[string]string, error) {
	if len(args) > MaxArgumentsCount {
		return nil, fmt.Errorf("%w: too many arguments (max %d)", ErrInvalidArguments, MaxArgumentsCount)
	}
	known := make(map[string]ParamSpec, len(specs))
	for _, s := range specs {
		known[s.Name] = s
	}
	for _, name := range slices.Sorted(maps.Keys(args)) {
		if _, ok := known[name]; !ok {
			return nil, fmt.Errorf("%w: unknown argument %q", ErrInvalidArguments, name)
		}
		if len(args[name]) > MaxArgumentLen {
			return nil, fmt.Errorf("%w: argument %q exceeds maximum length of %d bytes", ErrInvalidArguments, name, MaxArgumentLen)
		}
	}

	out := make(map[string]string, len(specs))
	for _, s := range specs {
		v, ok := args[s.Name]
		if !ok || v == "" {
			switch {
			case s.Default != nil:
				v = *s.Default
			case s.Required:
				return nil, fmt.Errorf("%w: %q is required", ErrInvalidArguments, s.Name)
			default:
				continue
			}
		}
		if err := s.check(v); err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrInvalidArguments, s.Name, err)
		}
		out[s.Name] = v
	}
	return out, nil
}

func (s ParamSpec) check(v string) error {
	switch s.Type {
	case ParamString, "":
		return nil
	case ParamInt:
		_, err := strconv.ParseInt(v, 10, 64)
		return err
	case ParamFloat:
		_, err := strconv.ParseFloat(v, 64)
		return err
	case ParamBool:
		_, err := strconv.ParseBool(v)
		return err
	case ParamTime:
		_, err := time.Parse(time.RFC3339, v)
		return err
	case ParamEnum:
		if !slices.Contains(s.Choices, v) {
			return fmt.Errorf("must be one of %s", strings.Join(s.Choices, ", "))
		}
		return nil
	default:
		return fmt.Errorf("unsupported parameter type %q", s.Type)
	}
}
