package condition

import "fmt"

// Compound combines ordered conditions with AND or OR.
// Params: conditions and logical operator.
// Returns: alert trigger predicate.
type Compound struct {
	Conditions []*Condition    `json:"conditions"`
	Logic      LogicalOperator `json:"logical_operator"`
}

// Single wraps one condition as an AND compound.
func Single(metric string, op Operator, threshold float64) *Compound {
	return &Compound{Conditions: []*Condition{New(metric, op, threshold)}, Logic: And}
}

// Spec is one (metric, operator, threshold) tuple used to build compounds.
type Spec struct {
	Metric    string  `json:"metric" toml:"metric"`
	Operator  string  `json:"operator" toml:"operator"`
	Threshold float64 `json:"threshold" toml:"threshold"`
}

// Build validates tuples and logic and assembles a compound condition.
// Params: condition tuples and logical operator literal.
// Returns: compound or ErrUnknownOperator/ErrUnknownLogic.
func Build(specs []Spec, logic string) (*Compound, error) {
	op, err := ParseLogicalOperator(logic)
	if err != nil {
		return nil, err
	}
	out := &Compound{Conditions: make([]*Condition, 0, len(specs)), Logic: op}
	for i, spec := range specs {
		parsed, err := ParseOperator(spec.Operator)
		if err != nil {
			return nil, fmt.Errorf("condition[%d]: %w", i, err)
		}
		if spec.Metric == "" {
			return nil, fmt.Errorf("condition[%d]: metric is required", i)
		}
		out.Conditions = append(out.Conditions, New(spec.Metric, parsed, spec.Threshold))
	}
	return out, nil
}

// EvaluateAndAdvance evaluates every condition whose metric is present,
// advancing each one, and combines the results.
// A missing metric counts as false and leaves that condition untouched.
// Params: metric values for the alert's symbol.
// Returns: combined result; false for an empty compound.
func (c *Compound) EvaluateAndAdvance(values map[string]float64) bool {
	if c == nil || len(c.Conditions) == 0 {
		return false
	}
	allTrue, anyTrue := true, false
	for _, cond := range c.Conditions {
		value, ok := values[cond.Metric]
		if !ok {
			allTrue = false
			continue
		}
		if cond.EvaluateAndAdvance(value) {
			anyTrue = true
		} else {
			allTrue = false
		}
	}
	if c.Logic == Or {
		return anyTrue
	}
	return allTrue
}

// Clone returns a deep copy.
func (c *Compound) Clone() *Compound {
	if c == nil {
		return nil
	}
	out := &Compound{Logic: c.Logic, Conditions: make([]*Condition, 0, len(c.Conditions))}
	for _, cond := range c.Conditions {
		out.Conditions = append(out.Conditions, cond.Clone())
	}
	return out
}
