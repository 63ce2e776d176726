// Package lifecycle holds the authoritative state of one scrape job. The
// Machine is transport-agnostic: it is driven by decoded scrape.Status values
// and by acknowledged cancellations, and can be exercised by feeding it a
// literal sequence of records.
package lifecycle

import (
	"sync"
	"time"

	"github.com/JakeFAU/scrapewatch/internal/scrape"
)

// Snapshot is a consistent copy of the machine's state.
type Snapshot struct {
	Status       scrape.Status
	Cancellation *scrape.Cancellation
	Applied      int
	UpdatedAt    time.Time
}

// Terminal reports whether the snapshot is in a terminal phase.
func (s Snapshot) Terminal() bool {
	return s.Status.Phase.Terminal()
}

// Counts returns the latest result counts, or zero values when none arrived.
func (s Snapshot) Counts() scrape.ResultCounts {
	if s.Status.Counts == nil {
		return scrape.ResultCounts{}
	}
	return *s.Status.Counts
}

// Machine serializes status application for one job. A single goroutine is
// expected to call Apply; any goroutine may read.
type Machine struct {
	mu           sync.RWMutex
	status       scrape.Status
	cancellation *scrape.Cancellation
	applied      int
	updatedAt    time.Time
}

// New returns a machine in the initializing phase.
func New(now time.Time) *Machine {
	return &Machine{
		status:    scrape.Status{Phase: scrape.PhaseInitializing},
		updatedAt: now,
	}
}

// Apply replaces the current status with st. It returns false, leaving the
// state untouched, once the machine is terminal. Counts and the record id are
// retained when st omits them; the retry hint only survives in the delayed phase.
func (m *Machine) Apply(st scrape.Status, at time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status.Phase.Terminal() {
		return false
	}
	next := scrape.Status{
		Phase:    st.Phase,
		Message:  st.Message,
		Progress: st.Progress,
		Counts:   m.status.Counts,
		RecordID: m.status.RecordID,
	}
	if st.Phase == scrape.PhaseDelayed && st.RetryAfterSeconds != nil {
		v := *st.RetryAfterSeconds
		next.RetryAfterSeconds = &v
	}
	if st.Counts != nil {
		c := *st.Counts
		next.Counts = &c
	}
	if st.RecordID != "" {
		next.RecordID = st.RecordID
	}
	m.status = next
	m.applied++
	m.updatedAt = at
	return true
}

// Cancel moves the machine to the canceled phase. The acknowledgement wins
// over a completed or failed phase the stream may have delivered meanwhile.
// It returns false when the machine was already canceled.
func (m *Machine) Cancel(c scrape.Cancellation) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status.Phase == scrape.PhaseCanceled {
		return false
	}
	m.status.Phase = scrape.PhaseCanceled
	m.status.RetryAfterSeconds = nil
	m.cancellation = &c
	m.updatedAt = c.AcknowledgedAt
	return true
}

// CheckCancelable reports whether a cancellation may be issued now. It
// returns nil when the job is already canceled, since repeating the command
// is a no-op.
func (m *Machine) CheckCancelable() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return cancelable(m.status)
}

func cancelable(st scrape.Status) error {
	switch {
	case st.Phase == scrape.PhaseCanceled:
		return nil
	case st.Phase.Terminal():
		return &scrape.CancellationError{
			Kind:     scrape.CancelRejected,
			RecordID: st.RecordID,
			Reason:   "job already " + string(st.Phase),
		}
	case st.RecordID == "":
		return &scrape.CancellationError{Kind: scrape.CancelNotYetCancelable}
	}
	return nil
}

// Cancelable is the boolean form of CheckCancelable for display code. A
// canceled job is not offered as cancelable.
func (s Snapshot) Cancelable() bool {
	if s.Status.Phase == scrape.PhaseCanceled {
		return false
	}
	return cancelable(s.Status) == nil
}

// Snapshot copies the current state.
func (m *Machine) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap := Snapshot{
		Status:    m.status,
		Applied:   m.applied,
		UpdatedAt: m.updatedAt,
	}
	if m.status.Counts != nil {
		c := *m.status.Counts
		snap.Status.Counts = &c
	}
	if m.status.RetryAfterSeconds != nil {
		v := *m.status.RetryAfterSeconds
		snap.Status.RetryAfterSeconds = &v
	}
	if m.cancellation != nil {
		c := *m.cancellation
		snap.Cancellation = &c
	}
	return snap
}

// Terminal reports whether the machine has stopped accepting statuses.
func (m *Machine) Terminal() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status.Phase.Terminal()
}
