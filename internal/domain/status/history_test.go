package status

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

func TestAdvance_Idempotent(t *testing.T) {
	t1 := t0
	t2 := t0.Add(time.Minute)

	h, err := History(nil).Advance(StageAccepted, t1)
	require.NoError(t, err)

	again, err := h.Advance(StageAccepted, t2)
	require.NoError(t, err)

	require.NotNil(t, again[StageAccepted].CompletedAt)
	assert.Equal(t, t1, *again[StageAccepted].CompletedAt)
	assert.Equal(t, h, again)
}

func TestAdvance_DoesNotMutateInput(t *testing.T) {
	h, err := History(nil).Advance(StageAccepted, t0)
	require.NoError(t, err)

	next, err := h.Advance(StageDispatched, t0.Add(time.Minute))
	require.NoError(t, err)

	assert.False(t, h.IsCompleted(StageDispatched))
	assert.True(t, next.IsCompleted(StageDispatched))

	// Changing the returned timestamp must not leak back.
	*next[StageAccepted].CompletedAt = t0.Add(time.Hour)
	assert.Equal(t, t0, *h[StageAccepted].CompletedAt)
}

func TestAdvance_UnknownStage(t *testing.T) {
	_, err := History(nil).Advance("baking", t0)
	require.ErrorIs(t, err, ErrUnknownStage)
}

func TestProject_FullLifecycle(t *testing.T) {
	h := History(nil)
	var err error
	for i, s := range Stages {
		h, err = h.Advance(s, t0.Add(time.Duration(i)*time.Minute))
		require.NoError(t, err)
	}

	entries := h.Project()
	require.Len(t, entries, 3)

	var prev time.Time
	for i, e := range entries {
		assert.Equal(t, Stages[i], e.Stage)
		assert.True(t, e.Completed)
		require.NotNil(t, e.CompletedAt)
		assert.False(t, e.CompletedAt.Before(prev))
		prev = *e.CompletedAt
	}
	assert.Equal(t, 2, h.CurrentStageIndex())
	require.NoError(t, h.Validate())
}

func TestProject_PartialLifecycle(t *testing.T) {
	h, err := History(nil).Advance(StageAccepted, t0)
	require.NoError(t, err)

	entries := h.Project()
	require.Len(t, entries, 3)
	assert.True(t, entries[0].Completed)
	assert.False(t, entries[1].Completed)
	assert.Nil(t, entries[1].CompletedAt)
	assert.False(t, entries[2].Completed)
}

func TestCurrentStageIndex(t *testing.T) {
	tests := []struct {
		name   string
		stages []Stage
		want   int
	}{
		{name: "empty", want: -1},
		{name: "accepted", stages: []Stage{StageAccepted}, want: 0},
		{name: "dispatched", stages: []Stage{StageAccepted, StageDispatched}, want: 1},
		{name: "all", stages: Stages, want: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := History{}
			var err error
			for _, s := range tt.stages {
				h, err = h.Advance(s, t0)
				require.NoError(t, err)
			}
			assert.Equal(t, tt.want, h.CurrentStageIndex())
		})
	}
}

func TestAdvanceThrough_FillsSkippedStages(t *testing.T) {
	accepted := t0
	completed := t0.Add(30 * time.Minute)

	h, err := History(nil).Advance(StageAccepted, accepted)
	require.NoError(t, err)

	h, err = h.AdvanceThrough(StageCompleted, completed)
	require.NoError(t, err)
	require.NoError(t, h.Validate())

	entries := h.Project()
	assert.Equal(t, accepted, *entries[0].CompletedAt)
	assert.Equal(t, completed, *entries[1].CompletedAt)
	assert.Equal(t, completed, *entries[2].CompletedAt)

	stage, ok := h.Current()
	require.True(t, ok)
	assert.Equal(t, StageCompleted, stage)
}

func TestRetreat(t *testing.T) {
	h, err := History(nil).AdvanceThrough(StageDispatched, t0)
	require.NoError(t, err)

	undone, err := h.Retreat(StageDispatched)
	require.NoError(t, err)
	assert.False(t, undone.IsCompleted(StageDispatched))
	assert.True(t, undone.IsCompleted(StageAccepted))
	assert.True(t, h.IsCompleted(StageDispatched))

	// Clearing an incomplete stage is harmless.
	again, err := undone.Retreat(StageDispatched)
	require.NoError(t, err)
	assert.Equal(t, undone, again)
}

func TestRetreat_RefusesGap(t *testing.T) {
	h, err := History(nil).AdvanceThrough(StageCompleted, t0)
	require.NoError(t, err)

	_, err = h.Retreat(StageDispatched)
	require.ErrorIs(t, err, ErrOutOfOrder)
}

func TestValidate(t *testing.T) {
	at := t0
	tests := []struct {
		name    string
		h       History
		wantErr error
	}{
		{name: "empty", h: History{}},
		{
			name: "gap",
			h: History{
				StageDispatched: {Stage: StageDispatched, Completed: true, CompletedAt: &at},
			},
			wantErr: ErrOutOfOrder,
		},
		{
			name: "unknown stage",
			h: History{
				"plated": {Stage: "plated", Completed: true, CompletedAt: &at},
			},
			wantErr: ErrUnknownStage,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.h.Validate()
			if tt.wantErr == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestParseStage(t *testing.T) {
	s, err := ParseStage("dispatched")
	require.NoError(t, err)
	assert.Equal(t, StageDispatched, s)

	_, err = ParseStage("ready")
	require.ErrorIs(t, err, ErrUnknownStage)
}
