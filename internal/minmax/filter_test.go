package minmax

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFilterTracksMinimumWithinWindow(t *testing.T) {
	f := New(10 * time.Second)
	base := time.Unix(0, 0)

	f.Update(base, 5.0)
	f.Update(base.Add(1*time.Second), 3.0)
	f.Update(base.Add(2*time.Second), 4.0)

	min, ok := f.Min(base.Add(2 * time.Second))
	require.True(t, ok)
	require.Equal(t, 3.0, min)
}

func TestFilterEvictsExpiredSamples(t *testing.T) {
	f := New(10 * time.Second)
	base := time.Unix(0, 0)

	f.Update(base, 1.0)
	f.Update(base.Add(5*time.Second), 9.0)

	min, ok := f.Min(base.Add(11 * time.Second))
	require.True(t, ok)
	require.Equal(t, 9.0, min)

	_, ok = f.Min(base.Add(16 * time.Second))
	require.False(t, ok)
}

func TestFilterResetClearsHistory(t *testing.T) {
	f := New(10 * time.Second)
	base := time.Unix(0, 0)
	f.Update(base, 1.0)
	f.Reset()
	_, ok := f.Min(base)
	require.False(t, ok)
}

func TestFilterRunningMinUsesPerCallWindow(t *testing.T) {
	f := New(0) // window is irrelevant at construction; RunningMin overrides it
	base := time.Unix(0, 0)

	require.Equal(t, 5.0, f.RunningMin(base, 10*time.Second, 5.0))
	require.Equal(t, 3.0, f.RunningMin(base.Add(time.Second), 10*time.Second, 3.0))

	// A much narrower window should evict the now-stale 3.0 sample.
	min := f.RunningMin(base.Add(2*time.Second), 500*time.Millisecond, 9.0)
	require.Equal(t, 9.0, min)
}

func TestFilterNewMinimumDiscardsLargerSamples(t *testing.T) {
	f := New(10 * time.Second)
	base := time.Unix(0, 0)
	f.Update(base, 10.0)
	f.Update(base.Add(time.Second), 2.0)
	// the 10.0 sample should have been discarded on insert of 2.0
	min, ok := f.Min(base.Add(time.Second))
	require.True(t, ok)
	require.Equal(t, 2.0, min)
}
