package model

import (
	"encoding/json"
	"fmt"
)

// ConditionType is the serialization tag that discriminates condition variants.
type ConditionType string

const (
	ConditionThreshold ConditionType = "threshold"
	ConditionChange    ConditionType = "change"
	ConditionComposite ConditionType = "composite"
	ConditionNot       ConditionType = "not"
)

// Operator compares an observed metric value against a constant.
type Operator string

const (
	OpGT  Operator = "gt"
	OpGTE Operator = "gte"
	OpLT  Operator = "lt"
	OpLTE Operator = "lte"
	OpEQ  Operator = "eq"
	OpNEQ Operator = "neq"
)

// NormalizeOperator maps legacy symbolic operators to their named forms.
// Older agent definitions stored ">", ">=", etc.; both spellings decode.
func NormalizeOperator(raw string) (Operator, error) {
	switch raw {
	case "gt", ">":
		return OpGT, nil
	case "gte", ">=":
		return OpGTE, nil
	case "lt", "<":
		return OpLT, nil
	case "lte", "<=":
		return OpLTE, nil
	case "eq", "=", "==":
		return OpEQ, nil
	case "neq", "!=":
		return OpNEQ, nil
	default:
		return "", fmt.Errorf("model: unknown operator %q", raw)
	}
}

// ReferencePeriod selects which historical bucket a change condition compares against.
type ReferencePeriod string

const (
	RefPreviousDay    ReferencePeriod = "previous_day"    // most recent prior bucket
	RefPreviousWeek   ReferencePeriod = "previous_week"   // 7 buckets back
	RefPreviousPeriod ReferencePeriod = "previous_period" // earliest bucket in the window
)

// ChangeDirection filters which sign of change can satisfy a change condition.
type ChangeDirection string

const (
	DirIncrease ChangeDirection = "increase"
	DirDecrease ChangeDirection = "decrease"
	DirAny      ChangeDirection = "any"
)

// CompositeOp combines child condition results.
type CompositeOp string

const (
	CompositeAnd CompositeOp = "and"
	CompositeOr  CompositeOp = "or"
)

// Condition is the closed union of evaluable condition variants. Conditions
// are stored as JSON tagged by "type" and reconstructed via DecodeCondition.
type Condition interface {
	Type() ConditionType
	Validate() error
}

// ThresholdCondition compares a single metric against a constant value.
type ThresholdCondition struct {
	Metric   string   `json:"metric"`
	Operator Operator `json:"operator"`
	Value    float64  `json:"value"`
}

// Type returns the condition's serialization tag.
func (ThresholdCondition) Type() ConditionType { return ConditionThreshold }

// Validate checks the condition is well-formed.
func (c ThresholdCondition) Validate() error {
	if c.Metric == "" {
		return fmt.Errorf("model: threshold condition requires a metric")
	}
	if _, err := NormalizeOperator(string(c.Operator)); err != nil {
		return err
	}
	return nil
}

// MarshalJSON injects the type tag alongside the condition fields.
func (c ThresholdCondition) MarshalJSON() ([]byte, error) {
	type alias ThresholdCondition
	return json.Marshal(struct {
		Type ConditionType `json:"type"`
		alias
	}{ConditionThreshold, alias(c)})
}

// ChangeCondition compares the current metric value against a historical
// reference value and checks the percent change against a threshold.
type ChangeCondition struct {
	Metric           string          `json:"metric"`
	ReferencePeriod  ReferencePeriod `json:"reference_period"`
	Direction        ChangeDirection `json:"direction"`
	PercentThreshold float64         `json:"percent_threshold"`
}

// Type returns the condition's serialization tag.
func (ChangeCondition) Type() ConditionType { return ConditionChange }

// Validate checks the condition is well-formed.
func (c ChangeCondition) Validate() error {
	if c.Metric == "" {
		return fmt.Errorf("model: change condition requires a metric")
	}
	switch c.ReferencePeriod {
	case RefPreviousDay, RefPreviousWeek, RefPreviousPeriod:
	default:
		return fmt.Errorf("model: unknown reference period %q", c.ReferencePeriod)
	}
	switch c.Direction {
	case DirIncrease, DirDecrease, DirAny:
	default:
		return fmt.Errorf("model: unknown change direction %q", c.Direction)
	}
	if c.PercentThreshold < 0 {
		return fmt.Errorf("model: percent threshold must be non-negative")
	}
	return nil
}

// MarshalJSON injects the type tag alongside the condition fields.
func (c ChangeCondition) MarshalJSON() ([]byte, error) {
	type alias ChangeCondition
	return json.Marshal(struct {
		Type ConditionType `json:"type"`
		alias
	}{ConditionChange, alias(c)})
}

// CompositeCondition combines two or more child conditions with AND/OR.
type CompositeCondition struct {
	Operator CompositeOp `json:"operator"`
	Children []Condition `json:"conditions"`
}

// Type returns the condition's serialization tag.
func (CompositeCondition) Type() ConditionType { return ConditionComposite }

// Validate checks the combinator and recursively validates children.
func (c CompositeCondition) Validate() error {
	if c.Operator != CompositeAnd && c.Operator != CompositeOr {
		return fmt.Errorf("model: unknown composite operator %q", c.Operator)
	}
	if len(c.Children) < 2 {
		return fmt.Errorf("model: composite condition requires at least 2 children, got %d", len(c.Children))
	}
	for i, child := range c.Children {
		if err := child.Validate(); err != nil {
			return fmt.Errorf("model: composite child %d: %w", i, err)
		}
	}
	return nil
}

// MarshalJSON injects the type tag alongside the condition fields.
func (c CompositeCondition) MarshalJSON() ([]byte, error) {
	type alias CompositeCondition
	return json.Marshal(struct {
		Type ConditionType `json:"type"`
		alias
	}{ConditionComposite, alias(c)})
}

// NotCondition negates a single child condition.
type NotCondition struct {
	Child Condition `json:"condition"`
}

// Type returns the condition's serialization tag.
func (NotCondition) Type() ConditionType { return ConditionNot }

// Validate recursively validates the negated child.
func (c NotCondition) Validate() error {
	if c.Child == nil {
		return fmt.Errorf("model: not condition requires a child")
	}
	return c.Child.Validate()
}

// MarshalJSON injects the type tag alongside the condition fields.
func (c NotCondition) MarshalJSON() ([]byte, error) {
	type alias NotCondition
	return json.Marshal(struct {
		Type ConditionType `json:"type"`
		alias
	}{ConditionNot, alias(c)})
}

// DecodeCondition reconstructs a condition tree from its JSON form.
// The factory dispatches on the "type" tag; adding a new variant means
// extending the union plus one branch here.
func DecodeCondition(data []byte) (Condition, error) {
	var probe struct {
		Type ConditionType `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("model: decode condition tag: %w", err)
	}

	switch probe.Type {
	case ConditionThreshold:
		var raw struct {
			Metric   string  `json:"metric"`
			Operator string  `json:"operator"`
			Value    float64 `json:"value"`
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("model: decode threshold condition: %w", err)
		}
		op, err := NormalizeOperator(raw.Operator)
		if err != nil {
			return nil, err
		}
		c := ThresholdCondition{Metric: raw.Metric, Operator: op, Value: raw.Value}
		if err := c.Validate(); err != nil {
			return nil, err
		}
		return c, nil

	case ConditionChange:
		var c ChangeCondition
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("model: decode change condition: %w", err)
		}
		if c.Direction == "" {
			c.Direction = DirAny
		}
		if err := c.Validate(); err != nil {
			return nil, err
		}
		return c, nil

	case ConditionComposite:
		var raw struct {
			Operator CompositeOp       `json:"operator"`
			Children []json.RawMessage `json:"conditions"`
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("model: decode composite condition: %w", err)
		}
		c := CompositeCondition{Operator: raw.Operator, Children: make([]Condition, 0, len(raw.Children))}
		for i, childRaw := range raw.Children {
			child, err := DecodeCondition(childRaw)
			if err != nil {
				return nil, fmt.Errorf("model: composite child %d: %w", i, err)
			}
			c.Children = append(c.Children, child)
		}
		if err := c.Validate(); err != nil {
			return nil, err
		}
		return c, nil

	case ConditionNot:
		var raw struct {
			Child json.RawMessage `json:"condition"`
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("model: decode not condition: %w", err)
		}
		if len(raw.Child) == 0 {
			return nil, fmt.Errorf("model: not condition requires a child")
		}
		child, err := DecodeCondition(raw.Child)
		if err != nil {
			return nil, fmt.Errorf("model: not child: %w", err)
		}
		return NotCondition{Child: child}, nil

	default:
		return nil, fmt.Errorf("model: unknown condition type %q", probe.Type)
	}
}
