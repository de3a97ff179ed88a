package mqtt

import "github.com/nexmq/core/encoding"

// ControlMessage is the tagged envelope the dispatcher hands to the user's
// control service for every non-publish, non-ack inbound packet (§4.5).
// Exactly one of the Ping/Disconnect/Subscribe/Unsubscribe/Closed fields is
// set, mirroring the reference's enum; Go has no sum types, so the
// discriminant lives in Kind.
type ControlMessage struct {
	Kind ControlKind

	Ping       *PingMessage
	Disconnect *DisconnectMessage
	Subscribe  *SubscribeMessage
	Unsubscribe *UnsubscribeMessage
	Closed     *ClosedMessage
}

type ControlKind int

const (
	ControlPing ControlKind = iota
	ControlDisconnect
	ControlSubscribe
	ControlUnsubscribe
	ControlClosed
)

// ControlResult is the wire-level reply the dispatcher emits in response to
// an ack() call on a ControlMessage variant.
type ControlResult struct {
	Packet encoding.Packet // nil means "no wire reply" (e.g. Closed)
}

// PingMessage wraps an inbound PINGREQ.
type PingMessage struct{}

// Ack acknowledges a PINGREQ with PINGRESP.
func (PingMessage) Ack() ControlResult {
	return ControlResult{Packet: &encoding.PingrespPacket{
		FixedHeader: encoding.FixedHeader{Type: encoding.PINGRESP},
	}}
}

// DisconnectMessage wraps an inbound DISCONNECT.
type DisconnectMessage struct {
	Packet *encoding.DisconnectPacket
}

// Ack acknowledges a DISCONNECT with no wire reply; the dispatcher
// proceeds straight to the disconnect-timeout grace period.
func (DisconnectMessage) Ack() ControlResult {
	return ControlResult{}
}

// SubscribeMessage wraps an inbound SUBSCRIBE (server role).
type SubscribeMessage struct {
	Packet *encoding.SubscribePacket
}

// Ack builds a SUBACK granting every requested filter at its requested QoS.
// Callers that need per-filter control should build the SubackPacket
// directly instead of calling Ack.
func (m SubscribeMessage) Ack() ControlResult {
	codes := make([]encoding.ReasonCode, len(m.Packet.Subscriptions))
	for i, sub := range m.Packet.Subscriptions {
		switch sub.QoS {
		case encoding.QoS1:
			codes[i] = encoding.ReasonGrantedQoS1
		case encoding.QoS2:
			codes[i] = encoding.ReasonGrantedQoS2
		default:
			codes[i] = encoding.ReasonGrantedQoS0
		}
	}
	return ControlResult{Packet: &encoding.SubackPacket{
		FixedHeader: encoding.FixedHeader{Type: encoding.SUBACK},
		PacketID:    m.Packet.PacketID,
		ReasonCodes: codes,
	}}
}

// UnsubscribeMessage wraps an inbound UNSUBSCRIBE (server role).
type UnsubscribeMessage struct {
	Packet *encoding.UnsubscribePacket
}

// Ack builds an UNSUBACK granting every requested filter.
func (m UnsubscribeMessage) Ack() ControlResult {
	codes := make([]encoding.ReasonCode, len(m.Packet.TopicFilters))
	for i := range codes {
		codes[i] = encoding.ReasonSuccess
	}
	return ControlResult{Packet: &encoding.UnsubackPacket{
		FixedHeader: encoding.FixedHeader{Type: encoding.UNSUBACK},
		PacketID:    m.Packet.PacketID,
		ReasonCodes: codes,
	}}
}

// ClosedMessage is a synthetic control message the dispatcher raises for a
// protocol error (§4.4 "Protocol error -> forward as ControlMessage::Closed
// {error}"). There is no inbound wire packet behind it.
type ClosedMessage struct {
	Reason error
}

// Ack is a no-op: Closed carries no wire reply, the connection is already
// on its way down.
func (ClosedMessage) Ack() ControlResult {
	return ControlResult{}
}

// ControlService is the user-supplied handler invoked for every
// ControlMessage (§1 "User's publish handler, control handler... specified
// only through their call contracts").
type ControlService interface {
	HandleControl(msg ControlMessage) (ControlResult, error)
}

// ControlServiceFunc adapts a plain function to ControlService.
type ControlServiceFunc func(ControlMessage) (ControlResult, error)

func (f ControlServiceFunc) HandleControl(msg ControlMessage) (ControlResult, error) {
	return f(msg)
}

// DefaultControlService acknowledges every control message with the
// protocol's neutral response, matching the reference's DefaultControlService
// (v3/default.rs): Ping/Disconnect/Subscribe/Unsubscribe/Closed each
// dispatch to their own Ack() method.
var DefaultControlService ControlService = ControlServiceFunc(func(msg ControlMessage) (ControlResult, error) {
	switch msg.Kind {
	case ControlPing:
		return msg.Ping.Ack(), nil
	case ControlDisconnect:
		return msg.Disconnect.Ack(), nil
	case ControlSubscribe:
		return msg.Subscribe.Ack(), nil
	case ControlUnsubscribe:
		return msg.Unsubscribe.Ack(), nil
	case ControlClosed:
		return msg.Closed.Ack(), nil
	default:
		return ControlResult{}, nil
	}
})

// PublishService is the user-supplied handler for inbound PUBLISH packets.
// Its error return is fatal to the connection (§4.4); a nil error for a
// QoS >= 1 publish causes the dispatcher to emit the matching PUBACK/PUBREC.
type PublishService interface {
	HandlePublish(pkt *encoding.PublishPacket) error
}

type PublishServiceFunc func(*encoding.PublishPacket) error

func (f PublishServiceFunc) HandlePublish(pkt *encoding.PublishPacket) error {
	return f(pkt)
}

// DefaultPublishService accepts every publish without logging, matching the
// reference's DefaultPublishService ("Publish service is disabled").
var DefaultPublishService PublishService = PublishServiceFunc(func(*encoding.PublishPacket) error {
	return nil
})
