package otc

import (
	"context"
	"errors"
	"sync"

	"github.com/twmb/go-rbtree"
)

// fanoutTicket is the reserved ticket delivered when the connection itself
// fails; every synchronous waiter sees it and raises.
const fanoutTicket int64 = -1

// storeEntry is one delivered response waiting for its synchronous waiter,
// ordered by ticket.
type storeEntry struct {
	ticket int64
	val    interface{}
}

func (e *storeEntry) Less(other rbtree.Item) bool {
	return e.ticket < other.(*storeEntry).ticket
}

// registry correlates delivered responses with synchronous waiters. It is
// deliberately guarded by its own mutex, separate from the client's
// callbacks/prepared mutex, so the read loop's delivery path never blocks
// behind a waiter that holds the store lock.
//
// The store is an ordered tree rather than a map: responses whose waiter
// timed out before arrival stay behind, and the tree lets trimIfQuiescent
// drop the stale prefix below the highest consumed ticket without a full
// scan.
type registry struct {
	mu      sync.Mutex
	store   rbtree.Tree
	waitCh  chan struct{} // closed and replaced on every delivery
	waiters int
	highest int64 // highest ticket a waiter has consumed
}

func newRegistry() *registry {
	return &registry{waitCh: make(chan struct{})}
}

// deliver stores a response value for ticket and wakes every waiter. A
// second delivery for the same ticket overwrites the first; that only
// happens for the fanout ticket.
func (r *registry) deliver(ticket int64, val interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n := r.store.Find(&storeEntry{ticket: ticket}); n != nil {
		n.Item.(*storeEntry).val = val
	} else {
		r.store.Insert(&storeEntry{ticket: ticket, val: val})
	}
	r.broadcast()
}

// fail clears the store and delivers the fanout ticket, waking every waiter
// with the connection-level error.
func (r *registry) fail(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resetLocked()
	r.store.Insert(&storeEntry{ticket: fanoutTicket, val: reason})
	r.broadcast()
}

// clear empties the store, dropping any pending fanout entry so a fresh
// connection does not wake new waiters with a stale failure.
func (r *registry) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resetLocked()
	r.broadcast()
}

func (r *registry) resetLocked() {
	for n := r.store.Min(); n != nil; n = r.store.Min() {
		r.store.Delete(n)
	}
}

func (r *registry) broadcast() {
	close(r.waitCh)
	r.waitCh = make(chan struct{})
}

// wait blocks until a response for ticket arrives, the fanout ticket fires,
// or ctx expires. A string scalar response is the server's error reply; the
// fanout value is the connection failure reason.
func (r *registry) wait(ctx context.Context, ticket int64) (interface{}, error) {
	r.mu.Lock()
	r.waiters++
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.waiters--
		r.mu.Unlock()
	}()

	for {
		r.mu.Lock()
		if n := r.store.Find(&storeEntry{ticket: ticket}); n != nil {
			val := n.Item.(*storeEntry).val
			r.store.Delete(n)
			if ticket > r.highest {
				r.highest = ticket
			}
			r.mu.Unlock()
			if msg, ok := val.(string); ok {
				return nil, &ServerError{Message: msg}
			}
			return val, nil
		}
		if n := r.store.Find(&storeEntry{ticket: fanoutTicket}); n != nil {
			reason, _ := n.Item.(*storeEntry).val.(string)
			// left in place so every other waiter sees it too
			r.mu.Unlock()
			return nil, &ConnectionLostError{Reason: reason}
		}
		ch := r.waitCh
		r.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil, ctx.Err()
			}
			return nil, ErrTimeout
		}
	}
}

// trimIfQuiescent drops stored responses whose waiters have long given up.
// Only safe when nothing is waiting and no callbacks are registered: every
// entry below the highest consumed ticket is then a late arrival nobody will
// ever claim.
func (r *registry) trimIfQuiescent(idle bool) {
	if !idle {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.waiters > 0 {
		return
	}
	for n := r.store.Min(); n != nil; n = r.store.Min() {
		e := n.Item.(*storeEntry)
		if e.ticket == fanoutTicket || e.ticket >= r.highest {
			return
		}
		r.store.Delete(n)
	}
}
