package obs

import "sync/atomic"

// IDGenerator hands out monotonically increasing intent IDs. IDs are
// deterministic for a given seed so replays produce the same intent stream.
type IDGenerator struct {
	next atomic.Uint64
}

// NewIDGenerator returns a generator whose first ID is seed+1.
func NewIDGenerator(seed uint64) *IDGenerator {
	g := &IDGenerator{}
	g.next.Store(seed)
	return g
}

// Next returns the next ID.
func (g *IDGenerator) Next() uint64 {
	if g == nil {
		return 0
	}
	return g.next.Add(1)
}
