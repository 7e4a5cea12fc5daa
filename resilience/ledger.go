package resilience

import (
	"sync"
	"time"

	"github.com/gammazero/deque"

	"github.com/loomflow/loom/types"
)

// FailureRecord is one append-only ledger entry.
type FailureRecord struct {
	Operation string    `json:"operation"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	At        time.Time `json:"at"`
}

// Ledger is a bounded, thread-safe log of failures. Once capacity is
// reached the oldest entry is evicted on every append.
type Ledger struct {
	mu       sync.Mutex
	capacity int
	entries  deque.Deque[FailureRecord]
}

func NewLedger(capacity int) *Ledger {
	if capacity <= 0 {
		capacity = 1000
	}
	return &Ledger{capacity: capacity}
}

func (l *Ledger) Append(operation string, err error) {
	if err == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.entries.Len() >= l.capacity {
		l.entries.PopFront()
	}
	l.entries.PushBack(FailureRecord{
		Operation: operation,
		Kind:      types.ErrKind(err),
		Message:   err.Error(),
		At:        time.Now(),
	})
}

func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.entries.Len()
}

// Records returns every entry, oldest first.
func (l *Ledger) Records() []FailureRecord {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]FailureRecord, 0, l.entries.Len())
	for i := 0; i < l.entries.Len(); i++ {
		out = append(out, l.entries.At(i))
	}
	return out
}

// CountSince returns failure counts within the window grouped by operation
// name. Pass a zero time to count everything.
func (l *Ledger) CountSince(since time.Time) map[string]int {
	l.mu.Lock()
	defer l.mu.Unlock()

	counts := make(map[string]int)
	for i := 0; i < l.entries.Len(); i++ {
		r := l.entries.At(i)
		if !since.IsZero() && r.At.Before(since) {
			continue
		}
		counts[r.Operation]++
	}
	return counts
}

// CountByKindSince is CountSince grouped by error kind instead.
func (l *Ledger) CountByKindSince(since time.Time) map[string]int {
	l.mu.Lock()
	defer l.mu.Unlock()

	counts := make(map[string]int)
	for i := 0; i < l.entries.Len(); i++ {
		r := l.entries.At(i)
		if !since.IsZero() && r.At.Before(since) {
			continue
		}
		counts[r.Kind]++
	}
	return counts
}
