package codnida

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Service names a camera service
type Service string

const (
	ServicePTZ     Service = "ptz"
	ServicePreset  Service = "preset"
	ServiceTurnOn  Service = "turn_on"
	ServiceTurnOff Service = "turn_off"
)

// Service data attributes
const (
	AttrMovement = "movement"
	AttrPreset   = "preset"
)

// Feature is a bitmask of entity features
type Feature int

const (
	FeatureOnOff  Feature = 1
	FeatureStream Feature = 2
)

// SupportedFeatures is what every Codnida camera entity offers
const SupportedFeatures = FeatureOnOff | FeatureStream

// ErrUnknownService is returned for a service missing from the table
var ErrUnknownService = errors.New("unknown service")

// ServiceCall is a request to run a service against one camera
type ServiceCall struct {
	Service Service        `json:"service"`
	Data    map[string]any `json:"data,omitempty"`
}

// FieldSpec describes one field of a service schema
type FieldSpec struct {
	Name     string   `json:"name"`
	Type     string   `json:"type"`
	Required bool     `json:"required"`
	Options  []string `json:"options,omitempty"`
	Min      int      `json:"min,omitempty"`
	Max      int      `json:"max,omitempty"`
}

// ServiceSpec describes one entry of the service table
type ServiceSpec struct {
	Service Service     `json:"service"`
	Fields  []FieldSpec `json:"fields"`
}

// ValidationError represents a validation error with field information
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors holds multiple validation errors
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors returns true if there are validation errors
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

type serviceEntry struct {
	validate func(data map[string]any, lo, hi int) ValidationErrors
	run      func(ctx context.Context, cam *Camera, data map[string]any)
}

var serviceTable = map[Service]serviceEntry{
	ServicePTZ: {
		validate: func(data map[string]any, _, _ int) ValidationErrors {
			raw, ok := data[AttrMovement]
			if !ok {
				return ValidationErrors{{Field: AttrMovement, Message: "required"}}
			}
			s, ok := raw.(string)
			if !ok {
				return ValidationErrors{{Field: AttrMovement, Message: "must be a string"}}
			}
			if _, ok := ParseDirection(s); !ok {
				return ValidationErrors{{Field: AttrMovement, Message: "must be one of up, down, left, right"}}
			}
			return nil
		},
		run: func(ctx context.Context, cam *Camera, data map[string]any) {
			cam.Move(ctx, data[AttrMovement].(string))
		},
	},
	ServicePreset: {
		validate: func(data map[string]any, lo, hi int) ValidationErrors {
			raw, ok := data[AttrPreset]
			if !ok {
				return ValidationErrors{{Field: AttrPreset, Message: "required"}}
			}
			n, err := coerceInt(raw)
			if err != nil {
				return ValidationErrors{{Field: AttrPreset, Message: err.Error()}}
			}
			if n < lo || n > hi {
				return ValidationErrors{{Field: AttrPreset, Message: fmt.Sprintf("must be between %d and %d", lo, hi)}}
			}
			data[AttrPreset] = n
			return nil
		},
		run: func(ctx context.Context, cam *Camera, data map[string]any) {
			cam.SetPreset(ctx, data[AttrPreset].(int))
		},
	},
	ServiceTurnOn: {
		run: func(ctx context.Context, cam *Camera, _ map[string]any) { cam.TurnOn(ctx) },
	},
	ServiceTurnOff: {
		run: func(ctx context.Context, cam *Camera, _ map[string]any) { cam.TurnOff(ctx) },
	},
}

// Services describes the service table for a camera accepting presets lo..hi
func Services(lo, hi int) []ServiceSpec {
	directions := make([]string, len(Directions))
	for i, d := range Directions {
		directions[i] = string(d)
	}
	return []ServiceSpec{
		{Service: ServicePTZ, Fields: []FieldSpec{{Name: AttrMovement, Type: "string", Required: true, Options: directions}}},
		{Service: ServicePreset, Fields: []FieldSpec{{Name: AttrPreset, Type: "integer", Required: true, Min: lo, Max: hi}}},
		{Service: ServiceTurnOn, Fields: []FieldSpec{}},
		{Service: ServiceTurnOff, Fields: []FieldSpec{}},
	}
}

// Validate checks call against the schema of its service. Coerced values
// are written back into call.Data.
func Validate(call *ServiceCall, lo, hi int) (ValidationErrors, error) {
	entry, ok := serviceTable[call.Service]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownService, call.Service)
	}
	if call.Data == nil {
		call.Data = map[string]any{}
	}
	if entry.validate == nil {
		return nil, nil
	}
	return entry.validate(call.Data, lo, hi), nil
}

// Call validates call and runs it against cam. Device failures are not
// returned; they show up in cam.Available.
func Call(ctx context.Context, cam *Camera, call ServiceCall) error {
	lo, hi := cam.PresetRange()
	verrs, err := Validate(&call, lo, hi)
	if err != nil {
		return err
	}
	if verrs.HasErrors() {
		return verrs
	}
	serviceTable[call.Service].run(ctx, cam, call.Data)
	return nil
}

func coerceInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("must be an integer")
		}
		return int(n), nil
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, fmt.Errorf("must be an integer")
		}
		return int(i), nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			return 0, fmt.Errorf("must be an integer")
		}
		return i, nil
	default:
		return 0, fmt.Errorf("must be an integer")
	}
}
