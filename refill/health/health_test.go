package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMonitor_ExpiryAndRefresh(t *testing.T) {
	base := time.Unix(0, 0)
	m := New(base, 40*time.Second, 10*time.Minute)

	assert.Empty(t, m.Tick(base.Add(39*time.Second)))
	assert.ElementsMatch(t, []Watch{BoardHeartbeat, NozzleHeartbeat}, m.Tick(base.Add(41*time.Second)))

	m.Refresh(BoardHeartbeat, base.Add(41*time.Second))
	assert.ElementsMatch(t, []Watch{NozzleHeartbeat}, m.Tick(base.Add(41*time.Second)))
}

func TestMonitor_OperatorUnboundedWhileIdle(t *testing.T) {
	base := time.Unix(0, 0)
	m := New(base, 40*time.Second, 10*time.Minute)
	m.SetOperatorBounded(false)
	assert.False(t, m.Expired(OperatorContact, base.Add(24*time.Hour)))

	m.SetOperatorBounded(true)
	m.Refresh(OperatorContact, base)
	assert.True(t, m.Expired(OperatorContact, base.Add(11*time.Minute)))
}

func TestMonitor_ResetReseedsAllWatches(t *testing.T) {
	base := time.Unix(0, 0)
	m := New(base, 40*time.Second, 10*time.Minute)
	later := base.Add(time.Hour)
	m.Reset(later)
	for _, w := range []Watch{BoardHeartbeat, NozzleHeartbeat, OperatorContact} {
		assert.Equal(t, later, m.LastSeen(w))
	}
}
