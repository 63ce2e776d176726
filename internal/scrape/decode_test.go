package scrape

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeStatusFullRecord(t *testing.T) {
	t.Parallel()

	st, err := DecodeStatus([]byte(`{
		"status": "in_progress",
		"message": "Scraping followers...",
		"progress": 0.6,
		"results": {"followers_count": 120, "following_count": 80},
		"scrape_id": 17
	}`))
	require.NoError(t, err)
	require.Equal(t, PhaseInProgress, st.Phase)
	require.Equal(t, "Scraping followers...", st.Message)
	require.InDelta(t, 0.6, st.Progress, 1e-9)
	require.Equal(t, &ResultCounts{Followers: 120, Following: 80}, st.Counts)
	require.Equal(t, "17", st.RecordID)
	require.Nil(t, st.RetryAfterSeconds)
}

func TestDecodeStatusDelayedCarriesRetryAfter(t *testing.T) {
	t.Parallel()

	st, err := DecodeStatus([]byte(`{"status":"delayed","progress":0.1,"retry_after":29.2}`))
	require.NoError(t, err)
	require.Equal(t, PhaseDelayed, st.Phase)
	require.NotNil(t, st.RetryAfterSeconds)
	require.Equal(t, 30, *st.RetryAfterSeconds)
}

func TestDecodeStatusIgnoresRetryAfterOutsideDelayed(t *testing.T) {
	t.Parallel()

	st, err := DecodeStatus([]byte(`{"status":"in_progress","retry_after":30}`))
	require.NoError(t, err)
	require.Nil(t, st.RetryAfterSeconds)
}

func TestDecodeStatusProgressScales(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		scale ProgressScale
		in    string
		want  float64
	}{
		{name: "auto fraction", scale: ScaleAuto, in: `{"status":"in_progress","progress":0.25}`, want: 0.25},
		{name: "auto percent", scale: ScaleAuto, in: `{"status":"in_progress","progress":50}`, want: 0.5},
		{name: "percent one", scale: ScalePercent, in: `{"status":"in_progress","progress":1}`, want: 0.01},
		{name: "fraction", scale: ScaleFraction, in: `{"status":"completed","progress":1}`, want: 1},
		{name: "missing", scale: ScaleAuto, in: `{"status":"initializing"}`, want: 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			st, err := Decoder{Scale: tc.scale}.Decode([]byte(tc.in))
			require.NoError(t, err)
			require.InDelta(t, tc.want, st.Progress, 1e-9)
		})
	}
}

func TestDecodeStatusStatusAliases(t *testing.T) {
	t.Parallel()

	for raw, want := range map[string]Phase{
		"pending":      PhaseInitializing,
		"initializing": PhaseInitializing,
		"IN_PROGRESS":  PhaseInProgress,
		"error":        PhaseFailed,
		"failed":       PhaseFailed,
		"completed":    PhaseCompleted,
	} {
		st, err := DecodeStatus([]byte(`{"status":"` + raw + `"}`))
		require.NoError(t, err, raw)
		require.Equal(t, want, st.Phase, raw)
	}
}

func TestDecodeStatusStringScrapeID(t *testing.T) {
	t.Parallel()

	st, err := DecodeStatus([]byte(`{"status":"in_progress","scrape_id":"rec-9"}`))
	require.NoError(t, err)
	require.Equal(t, "rec-9", st.RecordID)

	st, err = DecodeStatus([]byte(`{"status":"in_progress","scrape_id":null}`))
	require.NoError(t, err)
	require.Empty(t, st.RecordID)
}

func TestDecodeStatusRejectsMalformed(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{
		``,
		`not json`,
		`{"progress": 0.5}`,
		`{"status":"exploded"}`,
		`{"status":"canceled"}`,
		`{"status":"in_progress","progress":-0.1}`,
		`{"status":"in_progress","progress":250}`,
		`{"status":"in_progress","results":{"followers_count":-1}}`,
		`{"status":"delayed","retry_after":-5}`,
		`{"status":"delayed","progress":0.1,"retry_after":1e300}`,
		`{"status":"delayed","retry_after":86401}`,
		`{"status":"in_progress","scrape_id":{"id":1}}`,
		`{"status":"in_progress","progress":"half"}`,
	} {
		_, err := DecodeStatus([]byte(raw))
		require.Error(t, err, raw)
		require.True(t, errors.Is(err, ErrMalformedEvent), raw)
	}
}

func TestRecordFromStatusMatchesWireShape(t *testing.T) {
	t.Parallel()

	retry := 30
	rec := RecordFromStatus(Status{
		Phase:             PhaseDelayed,
		Message:           "Rate limited",
		Progress:          0.5,
		RetryAfterSeconds: &retry,
		Counts:            &ResultCounts{Followers: 3, Following: 4},
		RecordID:          "42",
	})
	raw, err := json.Marshal(rec)
	require.NoError(t, err)
	require.JSONEq(t, `{
		"status": "delayed",
		"message": "Rate limited",
		"progress": 50,
		"results": {"followers_count": 3, "following_count": 4},
		"retry_after": 30,
		"scrape_id": 42
	}`, string(raw))

	back, err := DecodeStatus(raw)
	require.NoError(t, err)
	require.Equal(t, PhaseDelayed, back.Phase)
	require.InDelta(t, 0.5, back.Progress, 1e-9)
	require.Equal(t, "42", back.RecordID)
}

func TestParseProgressScale(t *testing.T) {
	t.Parallel()

	sc, err := ParseProgressScale("")
	require.NoError(t, err)
	require.Equal(t, ScaleAuto, sc)
	sc, err = ParseProgressScale("Percent")
	require.NoError(t, err)
	require.Equal(t, ScalePercent, sc)
	_, err = ParseProgressScale("permille")
	require.Error(t, err)
}
