package mirror

import (
	"errors"
	"math"
)

// ErrConnIDExhausted is returned when the session's connection-identifier
// space runs out. It is fatal for the client session; a new session starts
// with a fresh allocator.
var ErrConnIDExhausted = errors.New("connection id space exhausted")

// connIDAllocator issues strictly increasing connection ids from a bounded
// space. Ids are never reused within a session, so "at most one live
// connection per id" holds by construction.
type connIDAllocator struct {
	next      uint64
	limit     uint64
	exhausted bool
}

func newConnIDAllocator() *connIDAllocator {
	return &connIDAllocator{limit: math.MaxUint64}
}

// Next returns the next id, or ErrConnIDExhausted once the space is spent.
func (a *connIDAllocator) Next() (uint64, error) {
	if a.exhausted {
		return 0, ErrConnIDExhausted
	}
	id := a.next
	if id == a.limit {
		a.exhausted = true
	} else {
		a.next = id + 1
	}
	return id, nil
}
