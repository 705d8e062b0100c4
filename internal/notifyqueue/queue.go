package notifyqueue

import (
	"sort"
	"sync"
	"time"

	"axion-alerts/internal/domain"
)

// DefaultMaxRetries is the retry budget after the first attempt.
const DefaultMaxRetries = 3

// DefaultBackoff spaces retries 30s, 2m, then 10m.
var DefaultBackoff = []time.Duration{30 * time.Second, 2 * time.Minute, 10 * time.Minute}

// DropReason explains why a failed notification was not queued for retry.
type DropReason string

const (
	// DropPermanent marks failures a retry cannot fix.
	DropPermanent DropReason = "permanent_error"
	// DropExhausted marks notifications whose retry budget is spent.
	DropExhausted DropReason = "max_retries_exceeded"
)

// Policy bounds delivery retries.
// Params: retry budget and per-retry spacing.
// Returns: schedule rules for Queue.
type Policy struct {
	MaxRetries int
	Backoff    []time.Duration
}

// PolicyFromSeconds builds a policy from config values, applying defaults to empty input.
func PolicyFromSeconds(maxRetries int, backoffSec []int) Policy {
	policy := Policy{MaxRetries: maxRetries}
	for _, seconds := range backoffSec {
		policy.Backoff = append(policy.Backoff, time.Duration(seconds)*time.Second)
	}
	if len(policy.Backoff) == 0 {
		policy.Backoff = append([]time.Duration(nil), DefaultBackoff...)
	}
	return policy
}

// Delay returns the wait before retry number n (1-based); past the list the last step repeats.
func (p Policy) Delay(n int) time.Duration {
	if len(p.Backoff) == 0 || n <= 0 {
		return 0
	}
	if n > len(p.Backoff) {
		return p.Backoff[len(p.Backoff)-1]
	}
	return p.Backoff[n-1]
}

// Entry is one notification waiting for its next attempt.
type Entry struct {
	Notification *domain.Notification
	Due          time.Time
}

// Queue holds failed notifications until their next retry is due.
// Queue never sends; callers poll Due.
type Queue struct {
	policy Policy

	mu      sync.Mutex
	entries map[string]Entry
}

// New creates an empty retry queue.
func New(policy Policy) *Queue {
	return &Queue{policy: policy, entries: make(map[string]Entry)}
}

// Schedule queues a failed notification for retry.
// Attempts already made decide the spacing: after attempt k the wait is Backoff[k-1].
// Params: failed notification (a copy is stored) and current time.
// Returns: due time, or a drop reason when the notification will not be retried.
func (q *Queue) Schedule(notification *domain.Notification, now time.Time) (time.Time, DropReason) {
	if notification.Terminal {
		q.Remove(notification.ID)
		return time.Time{}, DropPermanent
	}
	retriesUsed := notification.Attempts - 1
	if retriesUsed >= q.policy.MaxRetries {
		q.Remove(notification.ID)
		return time.Time{}, DropExhausted
	}
	due := now.Add(q.policy.Delay(notification.Attempts))

	q.mu.Lock()
	q.entries[notification.ID] = Entry{Notification: notification.Clone(), Due: due}
	q.mu.Unlock()
	return due, ""
}

// Due removes and returns entries due at or before now, earliest first.
func (q *Queue) Due(now time.Time) []Entry {
	q.mu.Lock()
	var due []Entry
	for id, entry := range q.entries {
		if entry.Due.After(now) {
			continue
		}
		due = append(due, entry)
		delete(q.entries, id)
	}
	q.mu.Unlock()

	sort.Slice(due, func(i, j int) bool {
		if due[i].Due.Equal(due[j].Due) {
			return due[i].Notification.ID < due[j].Notification.ID
		}
		return due[i].Due.Before(due[j].Due)
	})
	return due
}

// Remove drops a pending retry.
func (q *Queue) Remove(notificationID string) {
	q.mu.Lock()
	delete(q.entries, notificationID)
	q.mu.Unlock()
}

// Len returns the number of pending retries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}
