package scrape

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// maxRetryAfter caps a server backoff hint at one day.
const maxRetryAfter = 24 * 60 * 60

// ProgressScale tells the decoder how to read the progress field.
type ProgressScale string

// Supported progress scales. ScaleAuto reads values above 1 as percentages.
const (
	ScaleAuto     ProgressScale = "auto"
	ScaleFraction ProgressScale = "fraction"
	ScalePercent  ProgressScale = "percent"
)

// ParseProgressScale validates a configured scale; empty means ScaleAuto.
func ParseProgressScale(s string) (ProgressScale, error) {
	switch sc := ProgressScale(strings.ToLower(strings.TrimSpace(s))); sc {
	case "":
		return ScaleAuto, nil
	case ScaleAuto, ScaleFraction, ScalePercent:
		return sc, nil
	default:
		return "", fmt.Errorf("unknown progress scale %q", s)
	}
}

// Record is the collaborator's wire form of a progress message.
type Record struct {
	Status     string          `json:"status"`
	Message    string          `json:"message"`
	Progress   *float64        `json:"progress,omitempty"`
	Results    *RecordResults  `json:"results,omitempty"`
	RetryAfter *float64        `json:"retry_after,omitempty"`
	ScrapeID   json.RawMessage `json:"scrape_id,omitempty"`
}

// RecordResults is the wire form of ResultCounts.
type RecordResults struct {
	FollowersCount int64 `json:"followers_count"`
	FollowingCount int64 `json:"following_count"`
}

// Decoder turns raw stream messages into Status values.
type Decoder struct {
	Scale ProgressScale
}

// DecodeStatus parses one message with automatic progress scaling.
func DecodeStatus(raw []byte) (Status, error) {
	return Decoder{Scale: ScaleAuto}.Decode(raw)
}

// Decode parses one message. Every failure wraps ErrMalformedEvent so callers
// can drop the message without inspecting the cause.
func (d Decoder) Decode(raw []byte) (Status, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return Status{}, fmt.Errorf("%w: empty message", ErrMalformedEvent)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Status{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return d.FromRecord(rec)
}

// FromRecord validates a wire record and converts it to a Status.
func (d Decoder) FromRecord(rec Record) (Status, error) {
	phase, err := phaseFromWire(rec.Status)
	if err != nil {
		return Status{}, err
	}
	st := Status{Phase: phase, Message: rec.Message}
	if rec.Progress != nil {
		frac, err := d.normalize(*rec.Progress)
		if err != nil {
			return Status{}, err
		}
		st.Progress = frac
	}
	if rec.Results != nil {
		if rec.Results.FollowersCount < 0 || rec.Results.FollowingCount < 0 {
			return Status{}, fmt.Errorf("%w: negative result counts", ErrMalformedEvent)
		}
		st.Counts = &ResultCounts{
			Followers: rec.Results.FollowersCount,
			Following: rec.Results.FollowingCount,
		}
	}
	if phase == PhaseDelayed && rec.RetryAfter != nil {
		secs := *rec.RetryAfter
		if math.IsNaN(secs) || math.IsInf(secs, 0) || secs < 0 || secs > maxRetryAfter {
			return Status{}, fmt.Errorf("%w: invalid retry_after %v", ErrMalformedEvent, secs)
		}
		v := int(math.Ceil(secs))
		st.RetryAfterSeconds = &v
	}
	id, err := recordID(rec.ScrapeID)
	if err != nil {
		return Status{}, err
	}
	st.RecordID = id
	return st, nil
}

func (d Decoder) normalize(v float64) (float64, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0, fmt.Errorf("%w: invalid progress %v", ErrMalformedEvent, v)
	}
	switch d.Scale {
	case ScalePercent:
		v /= 100
	case ScaleFraction:
	default:
		if v > 1 {
			v /= 100
		}
	}
	if v > 1 {
		return 0, fmt.Errorf("%w: progress out of range", ErrMalformedEvent)
	}
	return v, nil
}

func phaseFromWire(s string) (Phase, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "initializing", "pending":
		return PhaseInitializing, nil
	case "in_progress":
		return PhaseInProgress, nil
	case "delayed":
		return PhaseDelayed, nil
	case "completed":
		return PhaseCompleted, nil
	case "failed", "error":
		return PhaseFailed, nil
	case "":
		return "", fmt.Errorf("%w: missing status", ErrMalformedEvent)
	default:
		return "", fmt.Errorf("%w: unknown status %q", ErrMalformedEvent, s)
	}
}

func recordID(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", fmt.Errorf("%w: scrape_id: %v", ErrMalformedEvent, err)
		}
		return strings.TrimSpace(s), nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", fmt.Errorf("%w: scrape_id: %v", ErrMalformedEvent, err)
	}
	return n.String(), nil
}

// RecordFromStatus renders a Status in the collaborator's wire shape, with
// progress expressed as a percentage.
func RecordFromStatus(st Status) Record {
	progress := math.Round(st.Progress*10000) / 100
	rec := Record{
		Status:   string(st.Phase),
		Message:  st.Message,
		Progress: &progress,
	}
	if st.Counts != nil {
		rec.Results = &RecordResults{
			FollowersCount: st.Counts.Followers,
			FollowingCount: st.Counts.Following,
		}
	}
	if st.RetryAfterSeconds != nil {
		v := float64(*st.RetryAfterSeconds)
		rec.RetryAfter = &v
	}
	if st.RecordID != "" {
		if _, err := strconv.ParseInt(st.RecordID, 10, 64); err == nil {
			rec.ScrapeID = json.RawMessage(st.RecordID)
		} else {
			quoted, _ := json.Marshal(st.RecordID)
			rec.ScrapeID = quoted
		}
	}
	return rec
}
