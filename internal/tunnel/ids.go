package tunnel

import (
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Quarantine defaults for released connection ids.
const (
	DefaultQuarantineSize = 1024
	DefaultQuarantineHold = 30 * time.Second
)

// IDAllocator hands out connection ids that are not in use and were not
// released recently. A released id stays quarantined for the hold period so
// frames still in flight for the old tunnel cannot reach a new one.
type IDAllocator struct {
	inUse      func(id uint32) bool
	quarantine *lru.Cache[uint32, time.Time]
	hold       time.Duration
	now        func() time.Time
}

// NewIDAllocator creates an allocator. inUse reports ids that are taken by
// open tunnels or pending requests.
func NewIDAllocator(size int, hold time.Duration, inUse func(id uint32) bool) (*IDAllocator, error) {
	cache, err := lru.New[uint32, time.Time](size)
	if err != nil {
		return nil, fmt.Errorf("create id quarantine: %w", err)
	}
	return &IDAllocator{
		inUse:      inUse,
		quarantine: cache,
		hold:       hold,
		now:        time.Now,
	}, nil
}

// Available reports whether id may be assigned to a new tunnel.
func (a *IDAllocator) Available(id uint32) bool {
	if a.inUse(id) {
		return false
	}
	released, ok := a.quarantine.Get(id)
	if !ok {
		return true
	}
	if a.now().Sub(released) >= a.hold {
		a.quarantine.Remove(id)
		return true
	}
	return false
}

// Next returns the first available id at or after seed.
func (a *IDAllocator) Next(seed uint32) uint32 {
	id := seed
	for !a.Available(id) {
		id++
	}
	return id
}

// Release quarantines id.
func (a *IDAllocator) Release(id uint32) {
	a.quarantine.Add(id, a.now())
}
