package state

import (
	"errors"
	"time"
)

// ErrNotFound indicates no snapshot is stored for the alert.
var ErrNotFound = errors.New("not found")

// Store keeps the last metric snapshot seen per alert.
// Params: alert-scoped read-modify-write and reset operations.
// Returns: backend for cross-detection history.
type Store interface {
	// Update runs fn under the alert's lock with the stored snapshot (nil when absent)
	// and stores the snapshot fn returns.
	Update(alertID string, fn func(previous map[string]float64) map[string]float64)
	Get(alertID string) (map[string]float64, error)
	Delete(alertID string)
	Reset()
	Len() int
	PruneIdle(idle time.Duration) int
}
