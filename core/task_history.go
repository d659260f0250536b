package core

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultTaskHistoryCapacity = 100

// TaskExecutionRecord captures a task that reached a terminal state.
type TaskExecutionRecord struct {
	RunID       string
	TaskID      string
	Name        string
	Lane        string
	State       TaskState
	SubmittedAt time.Time
	StartedAt   time.Time // zero when the task never ran
	FinishedAt  time.Time
	Duration    time.Duration
	Panicked    bool
}

// NewRunID returns a unique identifier for one task execution.
func NewRunID() string {
	return uuid.NewString()
}

// executionHistory keeps the newest records in a fixed ring; older ones are
// overwritten.
type executionHistory struct {
	mu    sync.Mutex
	ring  []TaskExecutionRecord
	next  int // slot the next record goes to
	count int
}

func newExecutionHistory(capacity int) *executionHistory {
	if capacity < 1 {
		capacity = defaultTaskHistoryCapacity
	}
	return &executionHistory{ring: make([]TaskExecutionRecord, capacity)}
}

func (h *executionHistory) Add(record TaskExecutionRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.ring[h.next] = record
	h.next = (h.next + 1) % len(h.ring)
	h.count = min(h.count+1, len(h.ring))
}

// newestLocked returns the i-th newest record, 0 being the latest.
func (h *executionHistory) newestLocked(i int) TaskExecutionRecord {
	return h.ring[(h.next-1-i+2*len(h.ring))%len(h.ring)]
}

// Recent returns up to limit records, newest first. limit <= 0 means all.
func (h *executionHistory) Recent(limit int) []TaskExecutionRecord {
	return h.Matching(limit, nil)
}

// Matching returns up to limit records accepted by keep, newest first.
// A nil keep accepts everything.
func (h *executionHistory) Matching(limit int, keep func(TaskExecutionRecord) bool) []TaskExecutionRecord {
	h.mu.Lock()
	defer h.mu.Unlock()

	if limit <= 0 {
		limit = h.count
	}

	var out []TaskExecutionRecord
	for i := 0; i < h.count && len(out) < limit; i++ {
		rec := h.newestLocked(i)
		if keep == nil || keep(rec) {
			out = append(out, rec)
		}
	}
	return out
}

func (h *executionHistory) Last() (TaskExecutionRecord, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.count == 0 {
		return TaskExecutionRecord{}, false
	}
	return h.newestLocked(0), true
}
