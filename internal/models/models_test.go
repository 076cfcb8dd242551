package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduleItemTransitions(t *testing.T) {
	tests := []struct {
		from, to ScheduleItemStatus
		want     bool
	}{
		{ItemPending, ItemSent, true},
		{ItemPending, ItemSatisfied, true},
		{ItemPending, ItemMissed, true},
		{ItemSent, ItemSatisfied, true},
		{ItemSent, ItemMissed, true},
		{ItemSent, ItemPending, false},
		{ItemSatisfied, ItemMissed, false},
		{ItemMissed, ItemSatisfied, false},
		{ItemMissed, ItemSent, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.from.CanTransitionTo(tt.to), "%s -> %s", tt.from, tt.to)
	}
	assert.True(t, ItemSatisfied.IsTerminal())
	assert.True(t, ItemMissed.IsTerminal())
	assert.False(t, ItemSent.IsTerminal())
}

func TestInstanceTransitions(t *testing.T) {
	assert.True(t, InstanceActive.CanTransitionTo(InstancePaused))
	assert.True(t, InstancePaused.CanTransitionTo(InstanceActive))
	assert.True(t, InstancePaused.CanTransitionTo(InstanceCancelled))
	assert.False(t, InstanceActive.CanTransitionTo(InstanceActive))
	assert.False(t, InstanceCompleted.CanTransitionTo(InstanceActive))
	assert.False(t, InstanceCancelled.CanTransitionTo(InstancePaused))
}

func TestRiskLevelAlertMapping(t *testing.T) {
	assert.Equal(t, AlertCritical, RiskCritical.AlertLevel())
	assert.Equal(t, AlertHigh, RiskHigh.AlertLevel())
	assert.Equal(t, AlertMedium, RiskMedium.AlertLevel())
	assert.Equal(t, AlertLow, RiskLow.AlertLevel())

	assert.True(t, RiskHigh.IsElevated())
	assert.True(t, RiskCritical.IsElevated())
	assert.False(t, RiskMedium.IsElevated())
}

func TestAnalysisResultValidate(t *testing.T) {
	ok := AnalysisResult{
		RiskLevel: RiskLow,
		ExtractedObservations: []ExtractedObservation{
			{ActivityType: ActivityWeight},
		},
	}
	require.NoError(t, ok.Validate())

	bad := ok
	bad.RiskLevel = "SEVERE"
	assert.ErrorIs(t, bad.Validate(), ErrInvalidRiskLevel)

	bad = ok
	bad.ExtractedObservations = []ExtractedObservation{{ActivityType: "BLOOD"}}
	assert.ErrorIs(t, bad.Validate(), ErrInvalidActivityType)
}

func TestActivityClockMinutes(t *testing.T) {
	m, err := Activity{Time: "08:30"}.ClockMinutes()
	require.NoError(t, err)
	assert.Equal(t, 510, m)

	_, err = Activity{Time: "8h"}.ClockMinutes()
	assert.ErrorIs(t, err, ErrInvalidActivityTime)
}

func TestSlotOrder(t *testing.T) {
	assert.True(t, SlotMorning.Less(SlotAfternoon))
	assert.True(t, SlotAfternoon.Less(SlotEvening))
	assert.False(t, SlotEvening.Less(SlotMorning))
}

func TestInstanceLocation(t *testing.T) {
	loc, err := ProgramInstance{ID: "inst_1", Timezone: "Asia/Yekaterinburg"}.Location()
	require.NoError(t, err)
	assert.Equal(t, "Asia/Yekaterinburg", loc.String())

	_, err = ProgramInstance{ID: "inst_1"}.Location()
	assert.ErrorIs(t, err, ErrInvalidTimezone)
	_, err = ProgramInstance{ID: "inst_1", Timezone: "Mars/Olympus"}.Location()
	assert.ErrorIs(t, err, ErrInvalidTimezone)
}

func TestDedupeKeys(t *testing.T) {
	k := ScheduleItemKey{InstanceID: "inst_1", Day: 3, ActivityType: ActivityWeight, Slot: SlotMorning}
	assert.Equal(t, "inst_1:3:WEIGHT:MORNING", k.String())
	assert.Equal(t, "missed:inst_1:3:WEIGHT:MORNING", MissedCheckinDedupeKey(k))
	assert.Equal(t, "alert:al_1", AlertTaskDedupeKey("al_1"))
}

func TestTaskStatusActive(t *testing.T) {
	assert.True(t, TaskOpen.IsActive())
	assert.True(t, TaskInProgress.IsActive())
	assert.False(t, TaskDone.IsActive())
}

func TestInboundMessageReceivedAt(t *testing.T) {
	m := InboundMessage{Time: 1717400000}
	assert.Equal(t, time.Unix(1717400000, 0), m.ReceivedAt())

	before := time.Now()
	got := InboundMessage{}.ReceivedAt()
	assert.False(t, got.Before(before))
}
