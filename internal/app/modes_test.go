package app

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calebwestray/protectbot/internal/config"
	"github.com/calebwestray/protectbot/internal/domain"
	"github.com/calebwestray/protectbot/internal/protection"
)

func TestStopLadderFromConfigDefaults(t *testing.T) {
	ladder := stopLadderFromConfig(nil)
	assert.Equal(t, protection.DefaultStopLadder(), ladder)
}

func TestStopLadderFromConfigOverride(t *testing.T) {
	ladder := stopLadderFromConfig([]config.StopRungConfig{
		{TriggerR: 1.5, LockR: 0.5},
		{TriggerR: 3.0, LockR: 2.0},
	})
	require.Len(t, ladder, 2)
	assert.Equal(t, protection.StopRung{TriggerR: 1.5, LockR: 0.5}, ladder[0])
	assert.Equal(t, protection.StopRung{TriggerR: 3.0, LockR: 2.0}, ladder[1])
	require.NoError(t, ladder.Validate())
}

func TestExitScheduleFromConfigDefaults(t *testing.T) {
	schedule := exitScheduleFromConfig(nil)
	assert.Equal(t, protection.DefaultExitSchedule(), schedule)
}

func TestExitScheduleFromConfigStateProgression(t *testing.T) {
	schedule := exitScheduleFromConfig([]config.ExitStepConfig{
		{TriggerR: 1.5, Fraction: 0.25},
		{TriggerR: 2.5, Fraction: 0.25},
		{TriggerR: 3.5, Fraction: 0.25},
		{TriggerR: 4.5, Fraction: 0.25},
	})
	require.Len(t, schedule, 4)
	assert.Equal(t, domain.StatePartialProfit, schedule[0].State)
	assert.Equal(t, domain.StateAdvancedProfit, schedule[1].State)
	assert.Equal(t, domain.StateAdvancedProfit, schedule[2].State)
	assert.Equal(t, domain.StateFinalProfit, schedule[3].State)
	require.NoError(t, schedule.Validate())
}

func TestExitScheduleFromConfigSingleStepIsFinal(t *testing.T) {
	schedule := exitScheduleFromConfig([]config.ExitStepConfig{
		{TriggerR: 2.0, Fraction: 1.0},
	})
	require.Len(t, schedule, 1)
	assert.Equal(t, domain.StateFinalProfit, schedule[0].State)
}
