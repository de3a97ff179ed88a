package mqtt

import "github.com/nexmq/core/encoding"

// AckType discriminates the reply shape an inflight entry expects, per the
// data model's AckType tag (§3).
type AckType byte

const (
	AckPublishQoS1 AckType = iota
	AckPublishQoS2Rec
	AckPublishQoS2Comp
	AckSubscribe
	AckUnsubscribe
)

func (t AckType) String() string {
	switch t {
	case AckPublishQoS1:
		return "PublishAck"
	case AckPublishQoS2Rec:
		return "PublishRec"
	case AckPublishQoS2Comp:
		return "PublishComp"
	case AckSubscribe:
		return "Subscribe"
	case AckUnsubscribe:
		return "Unsubscribe"
	default:
		return "Unknown"
	}
}

// Ack is an inbound acknowledgement carrying the packet id, the wire type it
// arrived as, and the peer's reason: Reason for PUBACK/PUBREC/PUBCOMP,
// SubackCodes for SUBACK. An UNSUBACK ack carries neither.
type Ack struct {
	PacketID uint16
	Type     encoding.PacketType
	Reason   encoding.ReasonCode
	// SubackCodes carries the peer-returned per-filter reason codes for a
	// SUBACK ack; nil for every other ack type.
	SubackCodes []encoding.ReasonCode
}

// IsMatch reports whether the wire packet type backing this ack is the one
// an inflight entry of the given AckType expects.
func (a Ack) IsMatch(expected AckType) bool {
	switch expected {
	case AckPublishQoS1:
		return a.Type == encoding.PUBACK
	case AckPublishQoS2Rec:
		return a.Type == encoding.PUBREC
	case AckPublishQoS2Comp:
		return a.Type == encoding.PUBCOMP
	case AckSubscribe:
		return a.Type == encoding.SUBACK
	case AckUnsubscribe:
		return a.Type == encoding.UNSUBACK
	default:
		return false
	}
}

// AckResult is what a waiting Sink call receives through its one-shot reply
// channel: either a successful Ack or the error that closed the connection.
type AckResult struct {
	Ack Ack
	Err error
}
