package budget_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"udplat/pkg/budget"
)

func TestBufferFloor(t *testing.T) {
	b, err := budget.Compute(budget.ModeReceiver, 60, true)
	require.NoError(t, err)
	assert.Equal(t, 60, b.BufferSeconds)
	assert.Equal(t, 60+60+60, b.TotalSeconds)
}

func TestBufferFraction(t *testing.T) {
	b, err := budget.Compute(budget.ModeReceiver, 1800, true)
	require.NoError(t, err)
	assert.Equal(t, 360, b.BufferSeconds)
	assert.Equal(t, 60+1800+360, b.TotalSeconds)
}

func TestSenderHasNoBuffer(t *testing.T) {
	for _, active := range []int{1, 60, 1800, 7200} {
		b, err := budget.Compute(budget.ModeSender, active, true)
		require.NoError(t, err)
		assert.Zero(t, b.BufferSeconds)
		assert.Equal(t, b.PreparationSeconds+active, b.TotalSeconds)
	}
}

func TestReceiverOutlivesSender(t *testing.T) {
	for _, active := range []int{1, 60, 299, 300, 301, 1800} {
		s, err := budget.Compute(budget.ModeSender, active, true)
		require.NoError(t, err)
		r, err := budget.Compute(budget.ModeReceiver, active, true)
		require.NoError(t, err)
		assert.GreaterOrEqual(t,
			r.ActiveSeconds+r.BufferSeconds-s.ActiveSeconds, r.BufferSeconds)
		assert.GreaterOrEqual(t, r.BufferSeconds, 60)
	}
}

func TestRecorderOutlivesTransport(t *testing.T) {
	b, err := budget.Compute(budget.ModeReceiver, 600, true)
	require.NoError(t, err)
	assert.Equal(t, 600+120+120, b.RecorderSeconds)
	assert.Greater(t, b.RecorderSeconds, b.ActiveSeconds+b.BufferSeconds)

	b, err = budget.Compute(budget.ModeSender, 600, true)
	require.NoError(t, err)
	assert.Equal(t, 600+120, b.RecorderSeconds)
}

func TestPreparationShrinksWithoutSync(t *testing.T) {
	with, err := budget.Compute(budget.ModeSender, 60, true)
	require.NoError(t, err)
	without, err := budget.Compute(budget.ModeSender, 60, false)
	require.NoError(t, err)
	assert.Less(t, without.PreparationSeconds, with.PreparationSeconds)
}

func TestRejectsNonPositiveDuration(t *testing.T) {
	for _, active := range []int{0, -1, -3600} {
		_, err := budget.Compute(budget.ModeReceiver, active, true)
		assert.Error(t, err)
	}
}

func TestModeString(t *testing.T) {
	assert.Equal(t, "sender", budget.ModeSender.String())
	assert.Equal(t, "receiver", budget.ModeReceiver.String())
}
