package mqtt

import "sync"

// replyChan is the one-shot "at most one value, sender-drop observable to
// receiver" primitive behind every awaited ack and credit waiter (§9: "pool
// or allocate ad hoc; not semantically significant"). Closing it without a
// send is how close()/force_close() signal failure to a waiting caller.
type replyChan chan AckResult

// waiterChan is the "you may proceed" signal used by credit waiters; it
// carries nothing but whether the wait ended in success (a free slot) or
// failure (the connection closed first).
type waiterChan chan bool

// pool recycles reply channels across Sink calls on a single connection.
// Connections are single-threaded per §5, so no locking is required beyond
// what sync.Pool itself does internally for cross-connection sharing.
type pool struct {
	replies sync.Pool
	waiters sync.Pool
}

func newPool() *pool {
	return &pool{
		replies: sync.Pool{New: func() any { return make(replyChan, 1) }},
		waiters: sync.Pool{New: func() any { return make(waiterChan, 1) }},
	}
}

func (p *pool) getReply() replyChan {
	return p.replies.Get().(replyChan)
}

func (p *pool) putReply(c replyChan) {
	// Drain any stale value before returning to the pool; a channel that
	// already carries an unread value is not reusable.
	select {
	case <-c:
	default:
	}
	p.replies.Put(c)
}

func (p *pool) getWaiter() waiterChan {
	return p.waiters.Get().(waiterChan)
}

func (p *pool) putWaiter(c waiterChan) {
	select {
	case <-c:
	default:
	}
	p.waiters.Put(c)
}
