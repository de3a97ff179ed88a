package mqtt

import (
	"testing"

	"github.com/nexmq/core/encoding"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPingMessage_AckIsPingresp(t *testing.T) {
	result := PingMessage{}.Ack()
	_, ok := result.Packet.(*encoding.PingrespPacket)
	assert.True(t, ok)
}

func TestDisconnectMessage_AckHasNoWireReply(t *testing.T) {
	result := DisconnectMessage{Packet: &encoding.DisconnectPacket{}}.Ack()
	assert.Nil(t, result.Packet)
}

func TestSubscribeMessage_AckGrantsRequestedQoS(t *testing.T) {
	msg := SubscribeMessage{Packet: &encoding.SubscribePacket{
		PacketID: 7,
		Subscriptions: []encoding.Subscription{
			{TopicFilter: "a/#", QoS: encoding.QoS0},
			{TopicFilter: "b/#", QoS: encoding.QoS1},
			{TopicFilter: "c/#", QoS: encoding.QoS2},
		},
	}}

	result := msg.Ack()
	suback, ok := result.Packet.(*encoding.SubackPacket)
	require.True(t, ok)
	assert.Equal(t, uint16(7), suback.PacketID)
	assert.Equal(t, []encoding.ReasonCode{
		encoding.ReasonGrantedQoS0,
		encoding.ReasonGrantedQoS1,
		encoding.ReasonGrantedQoS2,
	}, suback.ReasonCodes)
}

func TestUnsubscribeMessage_AckGrantsEveryFilter(t *testing.T) {
	msg := UnsubscribeMessage{Packet: &encoding.UnsubscribePacket{
		PacketID:     3,
		TopicFilters: []string{"a/#", "b/#"},
	}}

	result := msg.Ack()
	unsuback, ok := result.Packet.(*encoding.UnsubackPacket)
	require.True(t, ok)
	assert.Len(t, unsuback.ReasonCodes, 2)
	for _, code := range unsuback.ReasonCodes {
		assert.Equal(t, encoding.ReasonSuccess, code)
	}
}

func TestDefaultControlService_DispatchesByKind(t *testing.T) {
	result, err := DefaultControlService.HandleControl(ControlMessage{Kind: ControlPing, Ping: &PingMessage{}})
	require.NoError(t, err)
	_, ok := result.Packet.(*encoding.PingrespPacket)
	assert.True(t, ok)

	result, err = DefaultControlService.HandleControl(ControlMessage{
		Kind:   ControlClosed,
		Closed: &ClosedMessage{Reason: ErrDisconnected},
	})
	require.NoError(t, err)
	assert.Nil(t, result.Packet)
}

func TestDefaultPublishService_AcceptsEverything(t *testing.T) {
	err := DefaultPublishService.HandlePublish(&encoding.PublishPacket{TopicName: "x"})
	assert.NoError(t, err)
}
