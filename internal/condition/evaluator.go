package condition

import (
	"time"

	"axion-alerts/internal/state"
)

// Evaluator evaluates compound conditions with per-alert metric history.
// Params: snapshot store keyed by alert ID.
// Returns: shared evaluator for the engine.
type Evaluator struct {
	store state.Store
}

// NewEvaluator creates evaluator over the given store (in-memory when nil).
func NewEvaluator(store state.Store) *Evaluator {
	if store == nil {
		store = state.NewMemoryStore(nil)
	}
	return &Evaluator{store: store}
}

// Evaluate seeds missing previous values from the alert's last snapshot,
// evaluates and advances the compound, then stores values as the new snapshot.
// Runs under the alert's store lock.
// Params: alert ID, its compound condition, and incoming metric values.
// Returns: combined condition result.
func (e *Evaluator) Evaluate(alertID string, compound *Compound, values map[string]float64) bool {
	var result bool
	e.store.Update(alertID, func(previous map[string]float64) map[string]float64 {
		if compound != nil {
			for _, cond := range compound.Conditions {
				if cond.Previous != nil {
					continue
				}
				if last, ok := previous[cond.Metric]; ok {
					seeded := last
					cond.Previous = &seeded
				}
			}
		}
		result = compound.EvaluateAndAdvance(values)
		return values
	})
	return result
}

// Snapshot returns the last stored values for the alert.
// Params: alert ID.
// Returns: values and true when present.
func (e *Evaluator) Snapshot(alertID string) (map[string]float64, bool) {
	values, err := e.store.Get(alertID)
	if err != nil {
		return nil, false
	}
	return values, true
}

// ClearState forgets history for one alert.
func (e *Evaluator) ClearState(alertID string) {
	e.store.Delete(alertID)
}

// ClearAll forgets history for every alert.
func (e *Evaluator) ClearAll() {
	e.store.Reset()
}

// PruneIdle drops history not refreshed within idle.
func (e *Evaluator) PruneIdle(idle time.Duration) int {
	return e.store.PruneIdle(idle)
}
