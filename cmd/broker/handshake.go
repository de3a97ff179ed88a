package main

import (
	"context"
	"time"

	"github.com/nexmq/core/encoding"
	"github.com/nexmq/core/hook"
	"github.com/nexmq/core/mqtt"
	"github.com/nexmq/core/session"
)

// brokerHandshake is the example server's HandshakeService: it runs the
// hook chain's OnConnectAuthenticate (policy), resolves session-present
// via the in-process session.Manager (clean-start / session takeover
// bookkeeping, ordinary protocol semantics, not persistent storage). It
// does not touch the registry: the accepted client's Sink is registered by
// newBrokerPublish once the session is built.
type brokerHandshake struct {
	hooks    *hook.Manager
	sessions *session.Manager
	reg      *registry
	logger   mqtt.Logger
}

func (b *brokerHandshake) HandleHandshake(h *mqtt.Handshake) (mqtt.HandshakeAck[ClientState], error) {
	c := h.Connect

	hookClient := &hook.Client{
		ID:              c.ClientID,
		Username:        c.Username,
		CleanStart:      c.CleanStart,
		ProtocolVersion: byte(c.ProtocolVersion),
		KeepAlive:       c.KeepAlive,
		ConnectedAt:     time.Now(),
	}
	hookConnect := &hook.ConnectPacket{
		ProtocolName:    c.ProtocolName,
		ProtocolVersion: byte(c.ProtocolVersion),
		CleanStart:      c.CleanStart,
		KeepAlive:       c.KeepAlive,
		ClientID:        c.ClientID,
		Username:        c.Username,
		Password:        c.Password,
	}

	if !b.hooks.OnConnectAuthenticate(hookClient, hookConnect) {
		b.logger.Warn("handshake rejected", "client_id", c.ClientID)
		return mqtt.HandshakeAck[ClientState]{
			Packet: mqtt.ConnAckFields{ReasonCode: encoding.ReasonBadUsernameOrPassword},
		}, nil
	}

	clientID := c.ClientID
	if clientID == "" {
		clientID = generateClientID()
	}

	sess, present, err := b.sessions.CreateSession(context.Background(), clientID, c.CleanStart, 0, byte(c.ProtocolVersion))
	if err != nil {
		return mqtt.HandshakeAck[ClientState]{}, err
	}

	if c.WillFlag {
		var delay uint32
		if prop := c.WillProperties.GetProperty(encoding.PropWillDelayInterval); prop != nil {
			if v, ok := prop.Value.(uint32); ok {
				delay = v
			}
		}
		sess.SetWillMessage(&session.WillMessage{
			Topic:   c.WillTopic,
			Payload: c.WillPayload,
			QoS:     byte(c.WillQoS),
			Retain:  c.WillRetain,
		}, delay)
	}

	state := ClientState{ClientID: clientID}

	return mqtt.HandshakeAck[ClientState]{
		Session: &state,
		Packet: mqtt.ConnAckFields{
			ReasonCode:     encoding.ReasonSuccess,
			SessionPresent: present,
		},
		Keepalive: c.KeepAlive,
	}, nil
}

func generateClientID() string {
	return "auto-" + time.Now().Format("150405.000000000")
}
