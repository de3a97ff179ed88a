package mqtt

import (
	"io"
	"time"

	"github.com/nexmq/core/encoding"
)

const (
	defaultReceiveMax   = 16 // peer's receive_max default when CONNECT omits it (v5/server.rs)
	defaultMaxReceive   = 15 // server's own inbound publish concurrency cap default (§6)
	defaultMaxTopicAlias = 32
)

// Handshake is the envelope the handshake engine hands to the user's
// authenticator (§4.3 step 4): the CONNECT payload, the raw I/O, shared
// state, and the server's advertised limits.
type Handshake struct {
	Connect *encoding.ConnectPacket

	io     io.ReadWriter
	shared *Shared

	MaxSize       uint32
	MaxReceive    uint16
	MaxTopicAlias uint16
}

// HandshakeAck is the authenticator's verdict (§4.3 step 5). Session is
// nil to reject the connection; on acceptance Packet carries the CONNACK
// fields the engine layers server-side overrides onto.
type HandshakeAck[St any] struct {
	Session  *St
	Packet   ConnAckFields
	Keepalive uint16
}

// ConnAckFields is the subset of CONNACK content the user's handshake
// service controls directly; the engine fills in the rest (§4.3 step 6).
type ConnAckFields struct {
	ReasonCode        encoding.ReasonCode
	SessionPresent    bool
	MaxQoS            *encoding.QoS
	ReceiveMax        *uint16
	MaxPacketSize     *uint32
	ServerKeepAliveSec *uint16
	TopicAliasMax     uint16
}

// HandshakeService authenticates a CONNECT and decides whether to admit
// the connection (§1 "handshake authenticator... specified only through
// its call contract").
type HandshakeService[St any] interface {
	HandleHandshake(h *Handshake) (HandshakeAck[St], error)
}

type HandshakeServiceFunc[St any] func(*Handshake) (HandshakeAck[St], error)

func (f HandshakeServiceFunc[St]) HandleHandshake(h *Handshake) (HandshakeAck[St], error) {
	return f(h)
}

// HandshakeConfig carries the server-side knobs the handshake engine
// applies (§6).
type HandshakeConfig struct {
	HandshakeTimeout time.Duration // 0 = off
	MaxSize          uint32        // 0 = unlimited
	MaxReceive       uint16        // default 15
	MaxTopicAlias    uint16        // default 32 (v5)
	MaxQoS           *encoding.QoS // unset by default
}

func DefaultHandshakeConfig() *HandshakeConfig {
	return &HandshakeConfig{
		MaxReceive:    defaultMaxReceive,
		MaxTopicAlias: defaultMaxTopicAlias,
	}
}

// RunHandshake drives the state machine in §4.3:
//   READ_CONNECT -> CALL_AUTH -> (ACCEPTED -> WRITE_CONNACK -> RUN_SESSION)
//                             \-> (REJECTED -> WRITE_CONNACK -> CLOSE)
// It returns the negotiated Session, Sink, effective keepalive, and the
// Shared state the dispatcher will drive, or an error that is always one
// of ErrHandshakeTimeout, ErrNotConnect, or ErrDisconnected (possibly
// wrapped).
func RunHandshake[St any](rw io.ReadWriter, cfg *HandshakeConfig, svc HandshakeService[St]) (*Session[St], *Shared, uint16, error) {
	if cfg == nil {
		cfg = DefaultHandshakeConfig()
	}

	resultCh := make(chan handshakeResult[St], 1)
	go func() { resultCh <- doHandshake(rw, cfg, svc) }()

	if cfg.HandshakeTimeout <= 0 {
		r := <-resultCh
		return r.session, r.shared, r.keepalive, r.err
	}

	select {
	case r := <-resultCh:
		return r.session, r.shared, r.keepalive, r.err
	case <-time.After(cfg.HandshakeTimeout):
		return nil, nil, 0, ErrHandshakeTimeout
	}
}

type handshakeResult[St any] struct {
	session   *Session[St]
	shared    *Shared
	keepalive uint16
	err       error
}

func doHandshake[St any](rw io.ReadWriter, cfg *HandshakeConfig, svc HandshakeService[St]) handshakeResult[St] {
	codec := NewCodec()
	codec.SetMaxInboundSize(cfg.MaxSize)
	framed := NewFramed(rw, codec)

	pkt, err := framed.Next()
	if err != nil {
		return handshakeResult[St]{err: ErrDisconnected}
	}

	connect, ok := pkt.(*encoding.ConnectPacket)
	if !ok {
		err := newProtocolError(encoding.ReasonProtocolError, &UnexpectedPacketError{Received: pkt.Type()})
		return handshakeResult[St]{err: err}
	}

	receiveMax := uint16(defaultReceiveMax)
	if prop := connect.Properties.GetProperty(encoding.PropReceiveMaximum); prop != nil {
		if v, ok := prop.Value.(uint16); ok {
			receiveMax = v
		}
	}
	if prop := connect.Properties.GetProperty(encoding.PropMaximumPacketSize); prop != nil {
		if v, ok := prop.Value.(uint32); ok {
			codec.SetMaxOutboundSize(v)
		}
	}

	shared := NewShared(framed, codec, receiveMax)
	h := &Handshake{
		Connect:       connect,
		io:            rw,
		shared:        shared,
		MaxSize:       cfg.MaxSize,
		MaxReceive:    cfg.MaxReceive,
		MaxTopicAlias: cfg.MaxTopicAlias,
	}

	ack, err := svc.HandleHandshake(h)
	if err != nil {
		writeRejection(framed, encoding.ReasonUnspecifiedError)
		return handshakeResult[St]{err: ErrDisconnected}
	}

	if ack.Session == nil {
		writeRejection(framed, ack.Packet.ReasonCode)
		return handshakeResult[St]{err: ErrDisconnected}
	}

	maxTopicAlias := cfg.MaxTopicAlias
	if ack.Packet.TopicAliasMax != 0 {
		maxTopicAlias = ack.Packet.TopicAliasMax
	}

	maxQoS := ack.Packet.MaxQoS
	if maxQoS == nil {
		maxQoS = cfg.MaxQoS
	}

	maxReceive := cfg.MaxReceive
	if ack.Packet.ReceiveMax != nil {
		maxReceive = *ack.Packet.ReceiveMax
	} else {
		maxReceive = 0 // unbounded, mirrors the reference's "else 0 meaning unbounded"
	}

	if ack.Packet.MaxPacketSize != nil {
		codec.SetMaxInboundSize(*ack.Packet.MaxPacketSize)
	}

	keepalive := connect.KeepAlive
	serverKeepAlive := ack.Packet.ServerKeepAliveSec
	if serverKeepAlive == nil && ack.Keepalive > 0 && ack.Keepalive < keepalive {
		v := ack.Keepalive
		serverKeepAlive = &v
	}
	if serverKeepAlive != nil {
		keepalive = *serverKeepAlive
	}

	props := encoding.Properties{}
	if maxQoS != nil {
		_ = props.AddProperty(encoding.PropMaximumQoS, byte(*maxQoS))
	}
	_ = props.AddProperty(encoding.PropReceiveMaximum, maxReceive)
	_ = props.AddProperty(encoding.PropTopicAliasMaximum, maxTopicAlias)
	if serverKeepAlive != nil {
		_ = props.AddProperty(encoding.PropServerKeepAlive, *serverKeepAlive)
	}

	connack := &encoding.ConnackPacket{
		FixedHeader:    encoding.FixedHeader{Type: encoding.CONNACK},
		SessionPresent: ack.Packet.SessionPresent,
		ReasonCode:     ack.Packet.ReasonCode,
		Properties:     props,
	}

	if err := framed.Write(connack); err != nil {
		return handshakeResult[St]{err: ErrDisconnected}
	}

	sink := NewSink(shared)
	session := NewSession(*ack.Session, sink, maxReceive, maxTopicAlias)

	return handshakeResult[St]{session: session, shared: shared, keepalive: keepalive}
}

// writeRejection attempts a best-effort CONNACK(reason) then shuts down the
// write side, matching §4.3 step 7.
func writeRejection(framed *Framed, reason encoding.ReasonCode) {
	connack := &encoding.ConnackPacket{
		FixedHeader: encoding.FixedHeader{Type: encoding.CONNACK},
		ReasonCode:  reason,
	}
	_ = framed.Write(connack)
	framed.ForceClose()
}
