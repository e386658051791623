package meter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilter_StableEdgeRequiresDurationAndCount(t *testing.T) {
	f := New(2, 5*time.Second)
	base := time.Unix(0, 0)

	require.False(t, f.Push(FromFloat(4.1), base))
	require.False(t, f.Push(FromFloat(9.0), base.Add(1*time.Second)))
	// Two identical readings but gap < 5s: not stable yet.
	require.False(t, f.Push(FromFloat(12.3), base.Add(2*time.Second)))
	require.False(t, f.Push(FromFloat(12.3), base.Add(3*time.Second)))

	// Same run, now 5s+ apart: stable edge fires (R2).
	stable := f.Push(FromFloat(12.3), base.Add(7*time.Second))
	assert.True(t, stable)
	assert.Equal(t, FromFloat(12.3), f.LastStable())
	assert.Equal(t, FromFloat(12.3), f.Current())
}

func TestFilter_LowReadingNeverDecreasesLastStable(t *testing.T) {
	f := New(2, 5*time.Second)
	base := time.Unix(0, 0)
	f.Push(FromFloat(10.0), base)
	f.Push(FromFloat(10.0), base.Add(6*time.Second))
	require.Equal(t, FromFloat(10.0), f.LastStable())

	// A glitchy low reading is recorded as current but must not pull
	// last_stable backwards (I2, spec.md §4.2).
	f.Push(FromFloat(0.0), base.Add(7*time.Second))
	assert.Equal(t, FromFloat(0.0), f.Current())
	assert.Equal(t, FromFloat(10.0), f.LastStable())
}

func TestFilter_MarkSavedAndReset(t *testing.T) {
	f := New(2, 5*time.Second)
	base := time.Unix(0, 0)
	f.Push(FromFloat(5.0), base)
	f.Push(FromFloat(5.0), base.Add(6*time.Second))
	f.MarkSaved(f.LastStable())
	assert.Equal(t, f.LastStable(), f.LastSaved())

	f.Reset()
	assert.False(t, f.HasReading())
	assert.Equal(t, Liters(0), f.Current())
	assert.Equal(t, Liters(0), f.LastStable())
}
