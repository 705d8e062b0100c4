package templates

import (
	"sort"
	"strings"

	"axion-alerts/internal/condition"
	"axion-alerts/internal/domain"
)

// Template is a pre-filled single-condition alert definition.
type Template struct {
	Name        string
	Description string
	Type        domain.AlertType
	Metric      string
	Operator    condition.Operator
	Threshold   float64
	Priority    domain.AlertPriority
}

var registry = map[string]Template{
	"price_breakout": {
		Description: "Price crosses above a resistance level",
		Type:        domain.AlertTypePrice,
		Metric:      "price",
		Operator:    condition.CrossesAbove,
		Priority:    domain.PriorityMedium,
	},
	"price_breakdown": {
		Description: "Price crosses below a support level",
		Type:        domain.AlertTypePrice,
		Metric:      "price",
		Operator:    condition.CrossesBelow,
		Priority:    domain.PriorityMedium,
	},
	"rsi_overbought": {
		Description: "RSI(14) above 70",
		Type:        domain.AlertTypeTechnical,
		Metric:      "rsi_14",
		Operator:    condition.GreaterThan,
		Threshold:   70,
		Priority:    domain.PriorityMedium,
	},
	"rsi_oversold": {
		Description: "RSI(14) below 30",
		Type:        domain.AlertTypeTechnical,
		Metric:      "rsi_14",
		Operator:    condition.LessThan,
		Threshold:   30,
		Priority:    domain.PriorityMedium,
	},
	"ma_golden_cross": {
		Description: "50-day moving average crosses above the 200-day",
		Type:        domain.AlertTypeTechnical,
		Metric:      "ma_50_200_spread",
		Operator:    condition.CrossesAbove,
		Priority:    domain.PriorityHigh,
	},
	"ma_death_cross": {
		Description: "50-day moving average crosses below the 200-day",
		Type:        domain.AlertTypeTechnical,
		Metric:      "ma_50_200_spread",
		Operator:    condition.CrossesBelow,
		Priority:    domain.PriorityHigh,
	},
	"high_factor_score": {
		Description: "Composite factor score above 0.80",
		Type:        domain.AlertTypeFactor,
		Metric:      "factor_score",
		Operator:    condition.GreaterThan,
		Threshold:   0.80,
		Priority:    domain.PriorityMedium,
	},
	"drawdown_warning": {
		Description: "Portfolio drawdown deeper than 5%",
		Type:        domain.AlertTypePortfolio,
		Metric:      "drawdown",
		Operator:    condition.LessThan,
		Threshold:   -0.05,
		Priority:    domain.PriorityHigh,
	},
	"var_breach": {
		Description: "Daily 95% VaR above 2%",
		Type:        domain.AlertTypeRisk,
		Metric:      "var_95",
		Operator:    condition.GreaterThan,
		Threshold:   0.02,
		Priority:    domain.PriorityCritical,
	},
	"unusual_volume": {
		Description: "Volume above twice its average",
		Type:        domain.AlertTypeVolume,
		Metric:      "volume_ratio",
		Operator:    condition.GreaterThan,
		Threshold:   2.0,
		Priority:    domain.PriorityMedium,
	},
	"sentiment_drop": {
		Description: "News sentiment below -0.5",
		Type:        domain.AlertTypeSentiment,
		Metric:      "sentiment_score",
		Operator:    condition.LessThan,
		Threshold:   -0.5,
		Priority:    domain.PriorityMedium,
	},
	"price_spike": {
		Description: "Price up more than 5% since the last snapshot",
		Type:        domain.AlertTypePrice,
		Metric:      "price",
		Operator:    condition.PctChangeAbove,
		Threshold:   5,
		Priority:    domain.PriorityHigh,
	},
	"price_drop": {
		Description: "Price down more than 5% since the last snapshot",
		Type:        domain.AlertTypePrice,
		Metric:      "price",
		Operator:    condition.PctChangeBelow,
		Threshold:   -5,
		Priority:    domain.PriorityHigh,
	},
}

// Lookup returns the named template.
// Params: template name (case-insensitive).
// Returns: template and true when registered.
func Lookup(name string) (Template, bool) {
	key := strings.ToLower(strings.TrimSpace(name))
	tmpl, ok := registry[key]
	if !ok {
		return Template{}, false
	}
	tmpl.Name = key
	return tmpl, true
}

// Names returns registered template names in lexical order.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Condition builds the template's compound condition, applying an optional threshold override.
func (t Template) Condition(thresholdOverride *float64) *condition.Compound {
	threshold := t.Threshold
	if thresholdOverride != nil {
		threshold = *thresholdOverride
	}
	return condition.Single(t.Metric, t.Operator, threshold)
}
