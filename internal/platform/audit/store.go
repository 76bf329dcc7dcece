package audit

import (
	"errors"
	"sync"
)

var ErrCorruptChain = errors.New("attempt chain corruption detected")

type InMemoryChain struct {
	mu      sync.Mutex
	entries []Entry
	last    string
}

func NewInMemoryChain() *InMemoryChain {
	return &InMemoryChain{last: Genesis}
}

func (c *InMemoryChain) Append(e Entry) (Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) > 0 {
		prev := c.entries[len(c.entries)-1]
		if ComputeHash(prev.HashPrev, prev) != prev.HashCurr {
			return Entry{}, ErrCorruptChain
		}
	}

	e.HashPrev = c.last
	e.HashCurr = ComputeHash(c.last, e)
	c.entries = append(c.entries, e)
	c.last = e.HashCurr
	return e, nil
}

func (c *InMemoryChain) Entries() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Entry, len(c.entries))
	copy(out, c.entries)
	return out
}

func (c *InMemoryChain) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
