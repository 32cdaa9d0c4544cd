package schedule

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saintparish4/udpunch/pkg/types"
)

func at(h, m, s int) time.Time {
	return time.Date(2024, time.March, 9, h, m, s, 0, time.UTC)
}

func TestAtMinute(t *testing.T) {
	tests := []struct {
		name   string
		now    time.Time
		minute int
		want   time.Time
	}{
		{"later this hour", at(12, 4, 30), 5, at(12, 5, 0)},
		{"same minute rolls over", at(12, 5, 10), 5, at(13, 5, 0)},
		{"earlier minute rolls over", at(12, 30, 0), 10, at(13, 10, 0)},
		{"minute zero", at(12, 59, 59), 0, at(13, 0, 0)},
		{"end of day", at(23, 45, 0), 15, time.Date(2024, time.March, 10, 0, 15, 0, 0, time.UTC)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target, err := AtMinute(tt.now, tt.minute)
			require.NoError(t, err)
			assert.Equal(t, tt.want, target.At)
			assert.Equal(t, tt.want.Sub(tt.now), target.Delay)
			assert.Positive(t, target.Delay)
			assert.False(t, target.Immediate())
		})
	}
}

func TestAtMinuteInvalid(t *testing.T) {
	for _, m := range []int{-1, 60, 99} {
		_, err := AtMinute(at(12, 0, 0), m)
		assert.ErrorIs(t, err, types.ErrInvalidInput, "minute %d", m)
	}
}

func TestImmediate(t *testing.T) {
	target := Immediate(at(8, 0, 0))
	assert.True(t, target.Immediate())
	assert.Zero(t, target.Delay)
}

func TestNextStep(t *testing.T) {
	tests := []struct {
		remaining time.Duration
		want      time.Duration
	}{
		{0, 0},
		{-time.Second, 0},
		{500 * time.Millisecond, 500 * time.Millisecond},
		{9 * time.Second, time.Second},
		{10 * time.Second, time.Second},
		{30 * time.Second, 21 * time.Second},
		{5 * time.Minute, 30 * time.Second},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, NextStep(tt.remaining), "remaining %v", tt.remaining)
	}
}

func TestCountdownCadence(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(at(12, 4, 30))

	target, err := AtMinute(mock.Now(), 5)
	require.NoError(t, err)
	cd := NewCountdown(mock, target)
	defer cd.Stop()

	var reported []time.Duration
	for i := 0; i < 20; i++ {
		mock.Add(NextStep(cd.Remaining()))
		select {
		case <-cd.C():
		default:
			t.Fatalf("step %d did not fire", i)
		}

		remaining, done := cd.Tick()
		if done {
			break
		}
		reported = append(reported, remaining)
	}

	want := []time.Duration{9 * time.Second}
	for s := 8; s >= 1; s-- {
		want = append(want, time.Duration(s)*time.Second)
	}
	assert.Equal(t, want, reported)
	assert.Equal(t, target.At, mock.Now())
	assert.Nil(t, cd.C())
}

func TestCountdownStopIsSafe(t *testing.T) {
	var nilCountdown *Countdown
	nilCountdown.Stop()
	assert.Nil(t, nilCountdown.C())

	mock := clock.NewMock()
	cd := NewCountdown(mock, Target{At: mock.Now().Add(time.Minute), Delay: time.Minute})
	cd.Stop()
	cd.Stop()
	assert.Nil(t, cd.C())
}
