package retrieve

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func fp(v float64) *float64 { return &v }

func TestNormalizeChannelsMinMax(t *testing.T) {
	rows := []*candidateRow{
		{ID: 1, FTSScore: fp(2)},
		{ID: 2, FTSScore: fp(4)},
		{ID: 3, FTSScore: fp(6)},
	}
	normalizeChannels(rows)
	require.Equal(t, 0.0, *rows[0].FTSScore)
	require.Equal(t, 0.5, *rows[1].FTSScore)
	require.Equal(t, 1.0, *rows[2].FTSScore)
}

func TestNormalizeChannelsZeroSpread(t *testing.T) {
	rows := []*candidateRow{
		{ID: 1, VecScore: fp(0.7)},
		{ID: 2, VecScore: fp(0.7)},
	}
	normalizeChannels(rows)
	require.Equal(t, 1.0, *rows[0].VecScore)
	require.Equal(t, 1.0, *rows[1].VecScore)
}

func TestWeightedFusionImputesMissingChannelWithMean(t *testing.T) {
	r := New(Deps{}, DefaultConfig())
	rows := []*candidateRow{
		{ID: 1, FTSScore: fp(1.0), VecScore: fp(1.0)},
		{ID: 2, FTSScore: fp(0.5)}, // no vector hit
	}
	r.fuse(rows)

	// Row 2's missing vector score is imputed with the channel mean (1.0),
	// not zero, so it doesn't fall off a cliff at the channel boundary.
	require.Equal(t, 1.0, rows[0].Fused)
	require.Equal(t, 0.5*0.5+0.5*1.0, rows[1].Fused)
}

func TestRRFFusionSumsReciprocalRanks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Fusion = FusionRRF
	cfg.RRFK = 60
	r := New(Deps{}, cfg)

	rows := []*candidateRow{
		{ID: 1, FTSScore: fp(0.9), VecScore: fp(0.8)},
		{ID: 2, FTSScore: fp(0.4)},
	}
	r.fuse(rows)

	require.InDelta(t, 1.0/61+1.0/61, rows[0].Fused, 1e-9)
	require.InDelta(t, 1.0/62, rows[1].Fused, 1e-9)
}

func TestRecencyDecayHalvesAtHalfLife(t *testing.T) {
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	cfg := DefaultConfig()
	cfg.RecencyHalfLifeHours = 168
	r := New(Deps{Now: func() time.Time { return now }}, cfg)

	rows := []*candidateRow{
		{ID: 1, Fused: 1.0, RuleBoost: 1.0, Timestamp: now},
		{ID: 2, Fused: 1.0, RuleBoost: 1.0, Timestamp: now.Add(-168 * time.Hour)},
		{ID: 3, Fused: 1.0, RuleBoost: 1.0, Timestamp: now.Add(time.Hour)}, // future-dated clamps to age 0
	}
	r.applyRecencyAndBoost(rows)

	require.InDelta(t, 1.0, rows[0].Final, 1e-9)
	require.InDelta(t, 0.5, rows[1].Final, 1e-9)
	require.InDelta(t, 1.0, rows[2].Final, 1e-9)
}

func TestRuleBoostMultiplies(t *testing.T) {
	now := time.Now()
	r := New(Deps{Now: func() time.Time { return now }}, DefaultConfig())
	rows := []*candidateRow{
		{ID: 1, Fused: 0.5, RuleBoost: 2.0, Timestamp: now},
		{ID: 2, Fused: 0.5, RuleBoost: 0, Timestamp: now}, // unset defaults to 1.0
	}
	r.applyRecencyAndBoost(rows)
	require.InDelta(t, 1.0, rows[0].Final, 1e-9)
	require.InDelta(t, 0.5, rows[1].Final, 1e-9)
}

func TestTieBreakOrdering(t *testing.T) {
	ts := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	both := &candidateRow{ID: 1, Final: 1.0, FTSScore: fp(1), VecScore: fp(1), Timestamp: ts}
	single := &candidateRow{ID: 2, Final: 1.0, FTSScore: fp(1), Timestamp: ts}
	require.True(t, lessResult(single, both), "dual-channel hits outrank single-channel at equal score")

	older := &candidateRow{ID: 3, Final: 1.0, FTSScore: fp(1), Timestamp: ts.Add(-time.Hour)}
	newer := &candidateRow{ID: 4, Final: 1.0, FTSScore: fp(1), Timestamp: ts}
	require.True(t, lessResult(older, newer), "newer timestamp wins at equal score")

	low := &candidateRow{ID: 5, Final: 1.0, FTSScore: fp(1), Timestamp: ts}
	high := &candidateRow{ID: 6, Final: 1.0, FTSScore: fp(1), Timestamp: ts}
	require.True(t, lessResult(low, high), "higher id wins as the final tie-break")
}

func TestApplyFiltersKindsAndTimeRange(t *testing.T) {
	ts := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	rows := []*candidateRow{
		{ID: 1, Kind: "chat", Timestamp: ts},
		{ID: 2, Kind: "user_profile", Timestamp: ts},
		{ID: 3, Kind: "chat", Timestamp: ts.Add(-48 * time.Hour)},
	}

	after := ts.Add(-time.Hour)
	out := applyFilters(rows, Filters{Kinds: []string{"chat"}, After: &after})
	require.Len(t, out, 1)
	require.Equal(t, int64(1), out[0].ID)
}

func TestSnippetWindowsAroundMatch(t *testing.T) {
	r := New(Deps{}, DefaultConfig())
	long := ""
	for i := 0; i < 30; i++ {
		long += "some leading filler text "
	}
	long += "the needle phrase"

	row := &candidateRow{Value: long}
	s := r.snippet(row, "needle")
	require.Contains(t, s, "needle")
	require.LessOrEqual(t, len(s), 160+6)
}

func TestSnippetPrefersSummary(t *testing.T) {
	r := New(Deps{}, DefaultConfig())
	row := &candidateRow{Value: "full body", Summary: "short summary"}
	require.Equal(t, "short summary", r.snippet(row, ""))
}
