package condition

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnknownOperator reports an operator literal outside the supported set.
	ErrUnknownOperator = errors.New("unknown condition operator")
	// ErrUnknownLogic reports a logical operator other than AND/OR.
	ErrUnknownLogic = errors.New("unknown logical operator")
)

// Operator is a comparison applied to one metric value.
type Operator string

const (
	GreaterThan        Operator = ">"
	GreaterThanOrEqual Operator = ">="
	LessThan           Operator = "<"
	LessThanOrEqual    Operator = "<="
	Equal              Operator = "=="
	NotEqual           Operator = "!="
	CrossesAbove       Operator = "crosses_above"
	CrossesBelow       Operator = "crosses_below"
	PctChangeAbove     Operator = "pct_change_gt"
	PctChangeBelow     Operator = "pct_change_lt"
)

var operators = map[Operator]struct{}{
	GreaterThan:        {},
	GreaterThanOrEqual: {},
	LessThan:           {},
	LessThanOrEqual:    {},
	Equal:              {},
	NotEqual:           {},
	CrossesAbove:       {},
	CrossesBelow:       {},
	PctChangeAbove:     {},
	PctChangeBelow:     {},
}

// ParseOperator normalizes and validates one operator literal.
// Params: operator literal from config or API input.
// Returns: operator or ErrUnknownOperator.
func ParseOperator(raw string) (Operator, error) {
	op := Operator(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := operators[op]; !ok {
		return "", fmt.Errorf("%w %q", ErrUnknownOperator, raw)
	}
	return op, nil
}

// NeedsHistory reports whether operator compares against the previous value.
func (o Operator) NeedsHistory() bool {
	switch o {
	case CrossesAbove, CrossesBelow, PctChangeAbove, PctChangeBelow:
		return true
	default:
		return false
	}
}

// LogicalOperator combines condition results.
type LogicalOperator string

const (
	And LogicalOperator = "AND"
	Or  LogicalOperator = "OR"
)

// ParseLogicalOperator validates AND/OR (case-insensitive).
// Params: logical operator literal.
// Returns: operator or ErrUnknownLogic.
func ParseLogicalOperator(raw string) (LogicalOperator, error) {
	switch LogicalOperator(strings.ToUpper(strings.TrimSpace(raw))) {
	case And:
		return And, nil
	case Or:
		return Or, nil
	default:
		return "", fmt.Errorf("%w %q", ErrUnknownLogic, raw)
	}
}
