package scrape

import (
	"fmt"
	"strings"
	"time"
)

// Phase is the coarse lifecycle stage of a scrape job.
type Phase string

// Supported phases. Completed, Failed, and Canceled are terminal.
const (
	PhaseInitializing Phase = "initializing"
	PhaseInProgress   Phase = "in_progress"
	PhaseDelayed      Phase = "delayed"
	PhaseCompleted    Phase = "completed"
	PhaseFailed       Phase = "failed"
	PhaseCanceled     Phase = "canceled"
)

// Terminal reports whether no further status may be applied in this phase.
func (p Phase) Terminal() bool {
	switch p {
	case PhaseCompleted, PhaseFailed, PhaseCanceled:
		return true
	default:
		return false
	}
}

// Valid reports whether p is one of the known phases.
func (p Phase) Valid() bool {
	switch p {
	case PhaseInitializing, PhaseInProgress, PhaseDelayed, PhaseCompleted, PhaseFailed, PhaseCanceled:
		return true
	default:
		return false
	}
}

// ParsePhase converts user input (for example a query parameter) to a Phase.
func ParsePhase(s string) (Phase, error) {
	p := Phase(strings.ToLower(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", fmt.Errorf("unknown phase %q", s)
	}
	return p, nil
}

// Mode is the scope of a scrape.
type Mode string

// Supported scrape scopes.
const (
	ModeFollowers Mode = "followers"
	ModeFollowing Mode = "following"
	ModeBoth      Mode = "both"
)

// ParseMode validates and normalizes a scrape scope.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeFollowers, ModeFollowing, ModeBoth:
		return m, nil
	default:
		return "", fmt.Errorf("unknown scrape mode %q", s)
	}
}

// Disposition is the operator's choice for partial results when canceling.
type Disposition string

// Supported dispositions.
const (
	DispositionPersistPartial Disposition = "persist_partial"
	DispositionDiscard        Disposition = "discard"
)

// ParseDisposition validates a disposition string.
func ParseDisposition(s string) (Disposition, error) {
	switch d := Disposition(strings.ToLower(strings.TrimSpace(s))); d {
	case DispositionPersistPartial, DispositionDiscard:
		return d, nil
	default:
		return "", fmt.Errorf("unknown disposition %q", s)
	}
}

// SavePartial maps the disposition onto the collaborator's save_partial flag.
func (d Disposition) SavePartial() bool {
	return d == DispositionPersistPartial
}

// ResultCounts tallies collected relations.
type ResultCounts struct {
	Followers int64 `json:"followers"`
	Following int64 `json:"following"`
}

// Job describes a submitted scrape. It is immutable after submission.
type Job struct {
	Handle                string    `json:"job_handle"`
	TargetID              int64     `json:"target_id"`
	Mode                  Mode      `json:"mode"`
	UsePrivateCredentials bool      `json:"use_private_credentials"`
	SubmittedAt           time.Time `json:"submitted_at"`
}

// SubmitRequest is the input to a job submission.
type SubmitRequest struct {
	TargetID              int64
	Mode                  Mode
	UsePrivateCredentials bool
}

// Validate performs local checks before a request reaches the collaborator.
func (r SubmitRequest) Validate() error {
	if r.TargetID <= 0 {
		return fmt.Errorf("target id must be > 0")
	}
	if _, err := ParseMode(string(r.Mode)); err != nil {
		return err
	}
	return nil
}

// CancelRequest addresses a cancellation to a server job record.
type CancelRequest struct {
	RecordID    string
	Disposition Disposition
}

// Status is one decoded progress record. A Status replaces the previous one
// wholesale; see lifecycle.Machine for the retention rules.
type Status struct {
	Phase             Phase         `json:"phase"`
	Message           string        `json:"message"`
	Progress          float64       `json:"progress"`
	RetryAfterSeconds *int          `json:"retry_after_seconds,omitempty"`
	Counts            *ResultCounts `json:"result_counts,omitempty"`
	RecordID          string        `json:"server_job_record_id,omitempty"`
}

// Cancellation records an acknowledged cancel. Counts are the values frozen
// when the operator was prompted, not the latest stream values.
type Cancellation struct {
	Disposition    Disposition  `json:"disposition"`
	Counts         ResultCounts `json:"counts"`
	RequestedAt    time.Time    `json:"requested_at"`
	AcknowledgedAt time.Time    `json:"acknowledged_at"`
}

// StreamState describes the health of a job's progress subscription.
type StreamState string

// Stream states.
const (
	StreamConnecting   StreamState = "connecting"
	StreamLive         StreamState = "live"
	StreamReconnecting StreamState = "reconnecting"
	StreamStalled      StreamState = "stalled"
	StreamClosed       StreamState = "closed"
	StreamDetached     StreamState = "detached"
)

// Released reports whether the subscription has been given up for good.
func (s StreamState) Released() bool {
	return s == StreamStalled || s == StreamClosed || s == StreamDetached
}

// View is the read-only picture of a tracked job handed to presentation code.
type View struct {
	Job          Job           `json:"job"`
	Status       Status        `json:"status"`
	Cancellation *Cancellation `json:"cancellation,omitempty"`
	Stream       StreamState   `json:"stream"`
	Cancelable   bool          `json:"cancelable"`
	Dropped      int64         `json:"dropped_messages"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// CancelPrompt holds the counts shown to the operator while they decide how
// to cancel. It stays fixed until the prompt is confirmed or dismissed.
type CancelPrompt struct {
	Handle     string       `json:"job_handle"`
	RecordID   string       `json:"server_job_record_id"`
	Counts     ResultCounts `json:"counts"`
	PreparedAt time.Time    `json:"prepared_at"`
}
