package main

import (
	"context"

	"github.com/nexmq/core/encoding"
	"github.com/nexmq/core/hook"
	"github.com/nexmq/core/mqtt"
	"github.com/nexmq/core/session"
	"github.com/nexmq/core/topic"
)

// deliverToSubscribers matches topicName against the router and pushes the
// payload into every matching subscriber's registered Sink, downgrading QoS
// to the minimum of the publisher's and the subscription's grant. publisherID
// is "" for a will message, where there is no live publisher to exclude.
func deliverToSubscribers(router *topic.Router, reg *registry, publisherID, topicName string, payload []byte, pubQoS encoding.QoS, retain bool) {
	subs := router.MatchWithPublisher(topicName, publisherID)
	for _, sub := range subs {
		sink, ok := reg.get(sub.ClientID)
		if !ok {
			continue
		}
		qos := encoding.QoS(sub.QoS)
		if pubQoS < qos {
			qos = pubQoS
		}
		builder := sink.Publish(topicName, payload).Retain(retain)
		switch qos {
		case encoding.QoS0:
			_ = builder.SendAtMostOnce()
		case encoding.QoS1:
			go func() { _ = builder.SendAtLeastOnce() }()
		case encoding.QoS2:
			go func() { _ = builder.SendExactlyOnce() }()
		}
	}
}

// brokerPublish delivers an inbound PUBLISH to every matching subscriber's
// Sink via the registry, exercising topic.Router end-to-end.
type brokerPublish struct {
	clientID string
	router   *topic.Router
	reg      *registry
	hooks    *hook.Manager
}

// newBrokerPublish also registers the connecting client's Sink in the
// registry; this is called exactly once per connection (Server.Handler's
// publishFactory), making it the natural place to publish the Sink that
// HandlePublish's peers will later look up.
func newBrokerPublish(clientID string, sink mqtt.Sink, router *topic.Router, reg *registry, hooks *hook.Manager) mqtt.PublishService {
	reg.put(clientID, sink)
	return &brokerPublish{clientID: clientID, router: router, reg: reg, hooks: hooks}
}

func (p *brokerPublish) HandlePublish(pkt *encoding.PublishPacket) error {
	hookPkt := &hook.PublishPacket{
		PacketID:  pkt.PacketID,
		Topic:     pkt.TopicName,
		Payload:   pkt.Payload,
		QoS:       byte(pkt.FixedHeader.QoS),
		Retain:    pkt.FixedHeader.Retain,
		Duplicate: pkt.FixedHeader.DUP,
	}
	if err := p.hooks.OnPublish(&hook.Client{ID: p.clientID}, hookPkt); err != nil {
		// Rejected by a rate limiter or similar policy hook: swallow the
		// publish rather than fan it out, but don't fail the connection.
		return nil
	}

	deliverToSubscribers(p.router, p.reg, p.clientID, pkt.TopicName, pkt.Payload, pkt.FixedHeader.QoS, pkt.FixedHeader.Retain)
	return nil
}

// brokerWillPublisher hands session.Manager's will-delivery machinery a
// route into the same router/registry brokerPublish uses, so a will message
// reaches live subscribers exactly like an ordinary PUBLISH would.
type brokerWillPublisher struct {
	router *topic.Router
	reg    *registry
}

func newBrokerWillPublisher(router *topic.Router, reg *registry) session.WillPublisher {
	return &brokerWillPublisher{router: router, reg: reg}
}

func (w *brokerWillPublisher) PublishWill(_ context.Context, will *session.WillMessage, _ string) error {
	deliverToSubscribers(w.router, w.reg, "", will.Topic, will.Payload, encoding.QoS(will.QoS), will.Retain)
	return nil
}

// brokerControl registers/deregisters topic.Router subscriptions for
// inbound SUBSCRIBE/UNSUBSCRIBE and retires the client's registry entry and
// router subscriptions once the connection goes down. On an abnormal close
// it also triggers the session manager's will delivery.
type brokerControl struct {
	clientID string
	router   *topic.Router
	reg      *registry
	sessions *session.Manager
}

func newBrokerControl(clientID string, router *topic.Router, reg *registry, sessions *session.Manager) mqtt.ControlService {
	return &brokerControl{clientID: clientID, router: router, reg: reg, sessions: sessions}
}

func (c *brokerControl) HandleControl(msg mqtt.ControlMessage) (mqtt.ControlResult, error) {
	switch msg.Kind {
	case mqtt.ControlSubscribe:
		for _, sub := range msg.Subscribe.Packet.Subscriptions {
			_ = c.router.Subscribe(&topic.Subscription{
				ClientID:          c.clientID,
				TopicFilter:       sub.TopicFilter,
				QoS:               byte(sub.QoS),
				NoLocal:           sub.NoLocal,
				RetainAsPublished: sub.RetainAsPublished,
				RetainHandling:    sub.RetainHandling,
			})
		}
		return msg.Subscribe.Ack(), nil
	case mqtt.ControlUnsubscribe:
		for _, filter := range msg.Unsubscribe.Packet.TopicFilters {
			c.router.Unsubscribe(c.clientID, filter)
		}
		return msg.Unsubscribe.Ack(), nil
	case mqtt.ControlDisconnect:
		// Reason 0x00 (normal) is the only code that suppresses the will per
		// the Disconnect-with-Will-Message rule; every other reason,
		// including the client's own choice of 0x04, triggers it.
		sendWill := msg.Disconnect.Packet.ReasonCode != encoding.ReasonSuccess
		c.teardown(sendWill)
		return mqtt.DefaultControlService.HandleControl(msg)
	case mqtt.ControlClosed:
		// An ungraceful close (no DISCONNECT seen) always triggers the will.
		c.teardown(true)
		return mqtt.DefaultControlService.HandleControl(msg)
	default:
		return mqtt.DefaultControlService.HandleControl(msg)
	}
}

func (c *brokerControl) teardown(sendWill bool) {
	c.router.UnsubscribeAll(c.clientID)
	c.reg.remove(c.clientID)
	_ = c.sessions.DisconnectSession(context.Background(), c.clientID, sendWill)
}
