package mqtt

import (
	"github.com/nexmq/core/encoding"
)

// Sink is the outbound-origination API (§4.2): publish, subscribe and
// unsubscribe, with credit enforcement and ordered-ack tracking. A Sink is
// cheap to clone (it is a thin handle over *Shared) and is the value handed
// to user code and carried in Session.
type Sink struct {
	shared *Shared
}

func NewSink(shared *Shared) Sink {
	return Sink{shared: shared}
}

// Credit returns the remaining outbound slots.
func (s Sink) Credit() int {
	return s.shared.Credit()
}

// Ready resolves true once at least one outbound slot is free and the
// connection is open; it resolves false if the connection closes first.
// The spec models this as an awaitable; Go's idiomatic analogue is a
// blocking call the caller runs on its own goroutine, so it takes no
// context here (callers that need cancellation wrap it with select).
func (s Sink) Ready() bool {
	if !s.shared.framed.IsOpen() {
		return false
	}
	if s.shared.HasCredit() {
		return true
	}
	w := s.shared.enqueueWaiter()
	ok := <-w
	s.shared.pool.putWaiter(w)
	return ok
}

func (s Sink) Close()      { s.shared.Close() }
func (s Sink) ForceClose() { s.shared.ForceClose() }

// Publish begins building an outbound PUBLISH.
func (s Sink) Publish(topic string, payload []byte) *PublishBuilder {
	return &PublishBuilder{sink: s, topic: topic, payload: payload}
}

// Subscribe begins building an outbound SUBSCRIBE.
func (s Sink) Subscribe() *SubscribeBuilder {
	return &SubscribeBuilder{sink: s}
}

// Unsubscribe begins building an outbound UNSUBSCRIBE.
func (s Sink) Unsubscribe() *UnsubscribeBuilder {
	return &UnsubscribeBuilder{sink: s}
}

// PublishBuilder collects the optional fields of an outbound PUBLISH before
// a terminal Send* call (§4.2).
type PublishBuilder struct {
	sink     Sink
	topic    string
	payload  []byte
	id       uint16
	dup      bool
	retain   bool
	idIsSet  bool
}

// PacketID sets an explicit packet id; panics on 0, matching the
// reference's "packet_id(id) panics on 0" builder contract.
func (b *PublishBuilder) PacketID(id uint16) *PublishBuilder {
	if id == 0 {
		panic("mqtt: PublishBuilder.PacketID(0) is invalid")
	}
	b.id = id
	b.idIsSet = true
	return b
}

func (b *PublishBuilder) Dup(dup bool) *PublishBuilder       { b.dup = dup; return b }
func (b *PublishBuilder) Retain(retain bool) *PublishBuilder { b.retain = retain; return b }

// SendAtMostOnce sends the PUBLISH as QoS 0: synchronous, no ack tracking.
func (b *PublishBuilder) SendAtMostOnce() error {
	pkt := &encoding.PublishPacket{
		FixedHeader: encoding.FixedHeader{Type: encoding.PUBLISH, QoS: encoding.QoS0, Retain: b.retain, DUP: b.dup},
		TopicName:   b.topic,
		Payload:     b.payload,
	}
	if err := b.sink.shared.WriteLocked(pkt); err != nil {
		return err
	}
	return nil
}

// SendAtLeastOnce sends the PUBLISH as QoS 1, blocking the calling
// goroutine until the matching PUBACK arrives or the connection closes.
func (b *PublishBuilder) SendAtLeastOnce() error {
	_, err := b.send(encoding.QoS1, AckPublishQoS1)
	return err
}

// SendExactlyOnce sends the PUBLISH as QoS 2 (v5 two-phase variant): it
// blocks until the terminal PUBCOMP arrives. The PUBREC leg is handled
// transparently by the dispatcher's pkt_ack call promoting the inflight
// entry's expected ack type from PublishRec to PublishComp and re-encoding
// a PUBREL; the caller only observes the final outcome.
func (b *PublishBuilder) SendExactlyOnce() error {
	_, err := b.send(encoding.QoS2, AckPublishQoS2Rec)
	return err
}

func (b *PublishBuilder) send(qos encoding.QoS, ackType AckType) (Ack, error) {
	shared := b.sink.shared

	if !shared.HasCredit() {
		if !shared.framed.IsOpen() {
			return Ack{}, ErrDisconnected
		}
		w := shared.enqueueWaiter()
		ok := <-w
		shared.pool.putWaiter(w)
		if !ok {
			return Ack{}, ErrDisconnected
		}
	}

	id := b.id
	if !b.idIsSet {
		var err error
		id, err = shared.NextID()
		if err != nil {
			return Ack{}, err
		}
	}

	reply := shared.pool.getReply()
	if err := shared.registerInflight(id, ackType, reply); err != nil {
		shared.pool.putReply(reply)
		return Ack{}, err
	}

	pkt := &encoding.PublishPacket{
		FixedHeader: encoding.FixedHeader{Type: encoding.PUBLISH, QoS: qos, Retain: b.retain, DUP: b.dup},
		TopicName:   b.topic,
		PacketID:    id,
		Payload:     b.payload,
	}

	// §5 critical rule: the mutable queues view must not be held across a
	// suspension point. Nothing here holds shared.mu while awaiting reply.
	if err := shared.WriteLocked(pkt); err != nil {
		shared.unregisterInflight(id)
		shared.pool.putReply(reply)
		return Ack{}, ErrEncode
	}

	result := <-reply
	shared.pool.putReply(reply)
	if result.Err != nil {
		return Ack{}, result.Err
	}
	return result.Ack, nil
}

// SubscribeBuilder collects topic-filter/QoS pairs for an outbound
// SUBSCRIBE.
type SubscribeBuilder struct {
	sink  Sink
	subs  []encoding.Subscription
}

func (b *SubscribeBuilder) Filter(topicFilter string, qos encoding.QoS) *SubscribeBuilder {
	b.subs = append(b.subs, encoding.Subscription{TopicFilter: topicFilter, QoS: qos})
	return b
}

// Send transmits the SUBSCRIBE and blocks until SUBACK, returning the
// peer-assigned per-filter reason codes.
func (b *SubscribeBuilder) Send() ([]encoding.ReasonCode, error) {
	shared := b.sink.shared

	if !shared.HasCredit() {
		if !shared.framed.IsOpen() {
			return nil, ErrDisconnected
		}
		w := shared.enqueueWaiter()
		ok := <-w
		shared.pool.putWaiter(w)
		if !ok {
			return nil, ErrDisconnected
		}
	}

	id, err := shared.NextID()
	if err != nil {
		return nil, err
	}

	reply := shared.pool.getReply()
	if err := shared.registerInflight(id, AckSubscribe, reply); err != nil {
		shared.pool.putReply(reply)
		return nil, err
	}

	pkt := &encoding.SubscribePacket{
		FixedHeader:   encoding.FixedHeader{Type: encoding.SUBSCRIBE, Flags: 0x02},
		PacketID:      id,
		Subscriptions: b.subs,
	}

	if err := shared.WriteLocked(pkt); err != nil {
		shared.unregisterInflight(id)
		shared.pool.putReply(reply)
		return nil, ErrEncode
	}

	result := <-reply
	shared.pool.putReply(reply)
	if result.Err != nil {
		return nil, result.Err
	}
	return result.Ack.SubackCodes, nil
}

// UnsubscribeBuilder collects topic filters for an outbound UNSUBSCRIBE.
type UnsubscribeBuilder struct {
	sink    Sink
	filters []string
}

func (b *UnsubscribeBuilder) Filter(topicFilter string) *UnsubscribeBuilder {
	b.filters = append(b.filters, topicFilter)
	return b
}

// Send transmits the UNSUBSCRIBE and blocks until UNSUBACK.
func (b *UnsubscribeBuilder) Send() error {
	shared := b.sink.shared

	if !shared.HasCredit() {
		if !shared.framed.IsOpen() {
			return ErrDisconnected
		}
		w := shared.enqueueWaiter()
		ok := <-w
		shared.pool.putWaiter(w)
		if !ok {
			return ErrDisconnected
		}
	}

	id, err := shared.NextID()
	if err != nil {
		return err
	}

	reply := shared.pool.getReply()
	if err := shared.registerInflight(id, AckUnsubscribe, reply); err != nil {
		shared.pool.putReply(reply)
		return err
	}

	pkt := &encoding.UnsubscribePacket{
		FixedHeader:  encoding.FixedHeader{Type: encoding.UNSUBSCRIBE, Flags: 0x02},
		PacketID:     id,
		TopicFilters: b.filters,
	}

	if err := shared.WriteLocked(pkt); err != nil {
		shared.unregisterInflight(id)
		shared.pool.putReply(reply)
		return ErrEncode
	}

	result := <-reply
	shared.pool.putReply(reply)
	return result.Err
}

// PktAck delivers an inbound ack-category packet to the sink's inflight
// bookkeeping (§4.2 "Ack reception"). It is called by the dispatcher for
// every PUBACK/PUBREC/PUBCOMP/SUBACK/UNSUBACK it reads. A non-nil error
// always means the connection has already been closed by this call.
func (s Sink) PktAck(ack Ack) error {
	shared := s.shared

	shared.mu.Lock()
	if len(shared.inflightOrder) == 0 {
		shared.mu.Unlock()
		shared.Close()
		return newProtocolError(encoding.ReasonProtocolError, ErrPacketIdMismatch)
	}

	headID := shared.inflightOrder[0]
	if headID != ack.PacketID {
		shared.mu.Unlock()
		shared.Close()
		return newProtocolError(encoding.ReasonProtocolError, ErrPacketIdMismatch)
	}

	entry := shared.inflight[headID]

	// QoS-2 PUBREC leg: promote in place, re-encode PUBREL, and do not pop
	// inflight_order yet — the entry is still outstanding, now awaiting
	// PUBCOMP instead of PUBREC.
	if entry != nil && entry.ackType == AckPublishQoS2Rec && ack.Type == encoding.PUBREC {
		entry.ackType = AckPublishQoS2Comp
		entry.qos2Rec = true
		shared.mu.Unlock()

		pubrel := &encoding.PubrelPacket{
			FixedHeader: encoding.FixedHeader{Type: encoding.PUBREL, Flags: 0x02},
			PacketID:    ack.PacketID,
		}
		if err := shared.WriteLocked(pubrel); err != nil {
			shared.Close()
			return newProtocolError(encoding.ReasonUnspecifiedError, ErrEncode)
		}
		return nil
	}

	shared.inflightOrder = shared.inflightOrder[1:]
	delete(shared.inflight, headID)
	shared.mu.Unlock()

	if entry == nil || !ack.IsMatch(entry.ackType) {
		shared.Close()
		expected := AckPublishQoS1
		if entry != nil {
			expected = entry.ackType
		}
		err := &UnexpectedAckError{Received: ack.Type, Expected: expected}
		return newProtocolError(encoding.ReasonProtocolError, err)
	}

	select {
	case entry.reply <- AckResult{Ack: ack}:
	default:
		// Receiver already gone (dropped Sink operation future); not an
		// error per §5 cancellation semantics.
	}

	shared.wakeOneWaiter()
	return nil
}
