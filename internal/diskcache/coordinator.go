package diskcache

import (
	"sync"
)

// Coordinator tracks which keys have a producer writing them. All caches of
// one engine share a Coordinator so that a consumer asking for a key that is
// being produced waits for the producer instead of failing.
type Coordinator struct {
	mu       sync.Mutex
	inflight map[string]chan struct{}
}

// NewCoordinator returns an empty coordinator.
func NewCoordinator() *Coordinator {
	return &Coordinator{inflight: make(map[string]chan struct{})}
}

// acquire makes the caller the producer for id if there is none. Otherwise
// it returns a channel that is closed when the current producer finishes.
func (c *Coordinator) acquire(id string) (done <-chan struct{}, release func(), owner bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ch, ok := c.inflight[id]; ok {
		return ch, nil, false
	}

	ch := make(chan struct{})
	c.inflight[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.inflight, id)
			c.mu.Unlock()
			close(ch)
		})
	}, true
}

// InFlight returns the number of keys being produced.
func (c *Coordinator) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight)
}
