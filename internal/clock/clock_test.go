package clock

import (
	"testing"
	"time"
)

func TestRealClock_Now(t *testing.T) {
	clock := &RealClock{}

	t.Run("returns current time", func(t *testing.T) {
		before := time.Now()
		actual := clock.Now()
		after := time.Now()

		if actual.Before(before) || actual.After(after) {
			t.Errorf("RealClock.Now() returned time outside expected range: got %v, expected between %v and %v", actual, before, after)
		}
	})

	t.Run("returns UTC", func(t *testing.T) {
		if loc := clock.Now().Location(); loc != time.UTC {
			t.Errorf("RealClock.Now() location = %v, want UTC", loc)
		}
	})
}

func TestFakeClock_Now(t *testing.T) {
	fixedTime := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)
	clock := NewFakeClock(fixedTime)

	first := clock.Now()
	second := clock.Now()

	if !first.Equal(fixedTime) {
		t.Errorf("FakeClock.Now() = %v, want %v", first, fixedTime)
	}
	if !first.Equal(second) {
		t.Errorf("FakeClock without step should not move: first=%v, second=%v", first, second)
	}
}

func TestTickingClock_Now(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := NewTickingClock(start, 5*time.Millisecond)

	readings := []time.Time{clock.Now(), clock.Now(), clock.Now()}

	for i, want := range []time.Time{start, start.Add(5 * time.Millisecond), start.Add(10 * time.Millisecond)} {
		if !readings[i].Equal(want) {
			t.Errorf("reading %d = %v, want %v", i, readings[i], want)
		}
	}
}

func TestFakeClock_SetAndAdvance(t *testing.T) {
	initialTime := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := NewFakeClock(initialTime)

	tests := []struct {
		name    string
		advance []time.Duration
		want    time.Time
	}{
		{
			name:    "single advance",
			advance: []time.Duration{time.Hour},
			want:    initialTime.Add(time.Hour),
		},
		{
			name:    "multiple advances accumulate",
			advance: []time.Duration{time.Hour, 30 * time.Minute, 15 * time.Second},
			want:    initialTime.Add(time.Hour + 30*time.Minute + 15*time.Second),
		},
		{
			name:    "negative advance",
			advance: []time.Duration{-time.Hour},
			want:    initialTime.Add(-time.Hour),
		},
		{
			name:    "zero advance",
			advance: []time.Duration{0},
			want:    initialTime,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock.Set(initialTime)
			for _, d := range tt.advance {
				clock.Advance(d)
			}
			if got := clock.Now(); !got.Equal(tt.want) {
				t.Errorf("Now() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSince(t *testing.T) {
	start := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := NewFakeClock(start)
	clock.Advance(1500 * time.Millisecond)

	if got := Since(clock, start); got != 1500*time.Millisecond {
		t.Errorf("Since() = %v, want 1.5s", got)
	}
}
