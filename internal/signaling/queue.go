package signaling

import (
	"sync"

	"github.com/1ureka/roomsession/internal/protocol"
)

// queue is a fixed-capacity FIFO of outbound messages. When full, the
// oldest message is dropped to make room, bounding memory while the
// transport is disconnected.
type queue struct {
	mu    sync.Mutex
	items []protocol.Outbound
	limit int
}

func newQueue(limit int) *queue {
	return &queue{limit: limit, items: make([]protocol.Outbound, 0, limit)}
}

// push appends msg and reports whether an older message was dropped.
func (q *queue) push(msg protocol.Outbound) (dropped bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.limit {
		q.items = q.items[1:]
		dropped = true
	}
	q.items = append(q.items, msg)
	return dropped
}

// pushFront puts msg at the head, used for the resync request and for a
// message whose write failed. The oldest queued message still gives way
// when full.
func (q *queue) pushFront(msg protocol.Outbound) (dropped bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.limit {
		q.items = q.items[1:]
		dropped = true
	}
	q.items = append([]protocol.Outbound{msg}, q.items...)
	return dropped
}

func (q *queue) pop() (protocol.Outbound, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	msg := q.items[0]
	q.items = q.items[1:]
	return msg, true
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
