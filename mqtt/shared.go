package mqtt

import (
	"sync"

	"github.com/nexmq/core/encoding"
)

// inflightEntry pairs the one-shot reply channel a Sink call is awaiting
// with the AckType it expects back (§3 "inflight: mapping packet_id ->
// (one-shot reply channel, AckType)").
type inflightEntry struct {
	reply    replyChan
	ackType  AckType
	qos2Rec  bool // true once a QoS-2 publish's PUBREC leg has completed
}

// Shared is the per-connection shared connection state (§4.1): codec,
// framed I/O, inflight bookkeeping, capacity, waiter queue and packet-id
// allocator. A connection's dispatcher goroutine is the sole mutator;
// §5's single-threaded-cooperative model means the mutex here exists only
// to let the Sink (which the user may also call concurrently with the
// dispatcher in a multi-goroutine Go port of a single-task design) observe
// consistent state, not to serialize logically-concurrent writers.
type Shared struct {
	mu sync.Mutex

	// writeMu serializes Framed.Write calls. Once handlePublish dispatches
	// QoS>=1 publishes to the publish service concurrently (§4.4), more than
	// one goroutine can be encoding an ack onto the wire at the same time;
	// Framed itself does no such serialization.
	writeMu sync.Mutex

	codec  *Codec
	framed *Framed
	pool   *pool

	cap uint16 // receive-maximum: peer-advertised inflight limit

	inflight      map[uint16]*inflightEntry
	inflightOrder []uint16
	waiters       []waiterChan

	nextID uint16 // last allocated id; 0 means "none allocated yet"
}

func NewShared(framed *Framed, codec *Codec, cap uint16) *Shared {
	return &Shared{
		codec:    codec,
		framed:   framed,
		pool:     newPool(),
		cap:      cap,
		inflight: make(map[uint16]*inflightEntry),
	}
}

// WriteLocked encodes and writes p to the underlying Framed under writeMu,
// the one serialization point for what would otherwise be concurrent writers
// (the dispatcher's per-publish goroutines, the Sink's builders, PktAck's
// PUBREL re-send).
func (s *Shared) WriteLocked(p encoding.Packet) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.framed.Write(p)
}

// HasCredit reports whether inflight.len() < cap (§4.1).
func (s *Shared) HasCredit() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasCreditLocked()
}

func (s *Shared) hasCreditLocked() bool {
	return len(s.inflight) < int(s.cap)
}

// Credit returns the remaining outbound slots.
func (s *Shared) Credit() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int(s.cap) - len(s.inflight)
}

// NextID allocates the next packet id, skipping zero and any id currently
// inflight (§4.1, invariant 5). Returns ErrIDsExhausted if the entire
// 16-bit space is taken — unreachable while invariant 2 holds (cap is at
// most 65535) but guarded against defensively since Go has no type-level
// proof of that invariant.
func (s *Shared) NextID() (uint16, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextIDLocked()
}

func (s *Shared) nextIDLocked() (uint16, error) {
	for i := 0; i < 1<<16; i++ {
		s.nextID++
		if s.nextID == 0 {
			s.nextID = 1
		}
		if _, taken := s.inflight[s.nextID]; !taken {
			return s.nextID, nil
		}
	}
	return 0, ErrIDsExhausted
}

// registerInflight records a newly-sent packet id under the given AckType
// and appends it to inflight_order. Returns PacketIdInUseError if id is
// already registered (a caller-supplied id collision).
func (s *Shared) registerInflight(id uint16, ackType AckType, reply replyChan) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.inflight[id]; exists {
		return &PacketIdInUseError{ID: id}
	}
	s.inflight[id] = &inflightEntry{reply: reply, ackType: ackType}
	s.inflightOrder = append(s.inflightOrder, id)
	return nil
}

// unregisterInflight removes a packet id's bookkeeping without producing an
// ack — used when an encode failure must roll back a registration (§4.2
// send_at_least_once step 4).
func (s *Shared) unregisterInflight(id uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, id)
	for i, v := range s.inflightOrder {
		if v == id {
			s.inflightOrder = append(s.inflightOrder[:i], s.inflightOrder[i+1:]...)
			break
		}
	}
}

// enqueueWaiter appends a credit waiter to the FIFO and returns it; callers
// await it after releasing any lock per §5's critical rule.
func (s *Shared) enqueueWaiter() waiterChan {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := s.pool.getWaiter()
	s.waiters = append(s.waiters, w)
	return w
}

// wakeOneWaiter pops and signals at most one live waiter from the FIFO,
// dropping dead ones along the way (§4.2 step 5, P4). A waiter channel is
// buffered size 1 so a send here never blocks.
func (s *Shared) wakeOneWaiter() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.waiters) > 0 {
		w := s.waiters[0]
		s.waiters = s.waiters[1:]
		select {
		case w <- true:
			return
		default:
			// Dead or already-signalled waiter; keep trying the next one.
		}
	}
}

// Close marks the framed transport closed and drains inflight/waiters,
// failing every awaited call with ErrDisconnected (§4.1, invariant 4).
// Idempotent.
func (s *Shared) Close() {
	s.closeInternal(false)
}

// ForceClose is like Close but also discards buffered outbound bytes by
// force-closing the underlying transport.
func (s *Shared) ForceClose() {
	s.closeInternal(true)
}

func (s *Shared) closeInternal(force bool) {
	s.mu.Lock()
	wasOpen := s.framed.IsOpen()
	inflight := s.inflight
	s.inflight = make(map[uint16]*inflightEntry)
	s.inflightOrder = nil
	waiters := s.waiters
	s.waiters = nil
	s.mu.Unlock()

	if !wasOpen && len(inflight) == 0 && len(waiters) == 0 {
		return
	}

	if force {
		s.framed.ForceClose()
	} else {
		s.framed.Close()
	}

	for _, entry := range inflight {
		select {
		case entry.reply <- AckResult{Err: ErrDisconnected}:
		default:
		}
	}
	for _, w := range waiters {
		select {
		case w <- false:
		default:
		}
	}
}
