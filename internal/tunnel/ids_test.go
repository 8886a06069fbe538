package tunnel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAllocator(t *testing.T, used map[uint32]bool) (*IDAllocator, *time.Time) {
	t.Helper()
	a, err := NewIDAllocator(16, time.Minute, func(id uint32) bool { return used[id] })
	require.NoError(t, err)
	now := time.Unix(1000, 0)
	a.now = func() time.Time { return now }
	return a, &now
}

func TestIDAllocatorSkipsInUse(t *testing.T) {
	a, _ := newTestAllocator(t, map[uint32]bool{10: true, 11: true})
	assert.Equal(t, uint32(12), a.Next(10))
	assert.Equal(t, uint32(9), a.Next(9))
}

// TestIDAllocatorQuarantine verifies a released id is not handed out again
// until the hold period has passed.
func TestIDAllocatorQuarantine(t *testing.T) {
	a, now := newTestAllocator(t, map[uint32]bool{})

	a.Release(7)
	assert.False(t, a.Available(7))
	assert.Equal(t, uint32(8), a.Next(7))

	*now = now.Add(59 * time.Second)
	assert.False(t, a.Available(7))

	*now = now.Add(2 * time.Second)
	assert.True(t, a.Available(7))
	assert.Equal(t, uint32(7), a.Next(7))
}

func TestIDAllocatorWraps(t *testing.T) {
	a, _ := newTestAllocator(t, map[uint32]bool{0xFFFFFFFF: true})
	assert.Equal(t, uint32(0), a.Next(0xFFFFFFFF))
}

func TestNewIDAllocatorInvalidSize(t *testing.T) {
	_, err := NewIDAllocator(0, time.Second, func(uint32) bool { return false })
	assert.Error(t, err)
}
