package condition

import "math"

// Condition is a single threshold test over one named metric.
// Previous holds the value seen on the last evaluation and is advanced on every call.
// Params: metric name, operator, threshold, optional previous value.
// Returns: stateful predicate used by Compound.
type Condition struct {
	Metric    string   `json:"metric"`
	Operator  Operator `json:"operator"`
	Threshold float64  `json:"threshold"`
	Previous  *float64 `json:"previous_value,omitempty"`
}

// New builds a condition without history.
func New(metric string, op Operator, threshold float64) *Condition {
	return &Condition{Metric: metric, Operator: op, Threshold: threshold}
}

// EvaluateAndAdvance tests current against the threshold and then records
// current as the previous value, whatever the result.
// Params: current metric value.
// Returns: true when the condition holds.
func (c *Condition) EvaluateAndAdvance(current float64) bool {
	result := c.test(current)
	value := current
	c.Previous = &value
	return result
}

func (c *Condition) test(current float64) bool {
	switch c.Operator {
	case GreaterThan:
		return current > c.Threshold
	case GreaterThanOrEqual:
		return current >= c.Threshold
	case LessThan:
		return current < c.Threshold
	case LessThanOrEqual:
		return current <= c.Threshold
	case Equal:
		return current == c.Threshold
	case NotEqual:
		return current != c.Threshold
	}

	if c.Previous == nil {
		return false
	}
	prev := *c.Previous
	switch c.Operator {
	case CrossesAbove:
		return prev <= c.Threshold && current > c.Threshold
	case CrossesBelow:
		return prev >= c.Threshold && current < c.Threshold
	case PctChangeAbove, PctChangeBelow:
		if prev == 0 {
			return false
		}
		pct := (current - prev) / math.Abs(prev) * 100
		if c.Operator == PctChangeAbove {
			return pct > c.Threshold
		}
		return pct < c.Threshold
	default:
		return false
	}
}

// Clone returns a deep copy including the previous value.
func (c *Condition) Clone() *Condition {
	if c == nil {
		return nil
	}
	out := *c
	if c.Previous != nil {
		prev := *c.Previous
		out.Previous = &prev
	}
	return &out
}
