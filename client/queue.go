package client

import (
	"sync"

	"poolrpc/transport"
)

// connQueue is a FIFO of connections waiting to be reconnected.
type connQueue struct {
	mu    sync.Mutex
	items []*transport.Conn
}

func (q *connQueue) push(c *transport.Conn) {
	q.mu.Lock()
	q.items = append(q.items, c)
	q.mu.Unlock()
}

func (q *connQueue) pop() (*transport.Conn, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	c := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return c, true
}

// drain empties the queue and returns what it held, oldest first.
func (q *connQueue) drain() []*transport.Conn {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

func (q *connQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
