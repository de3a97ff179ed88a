package mqtt

import (
	"errors"
	"fmt"

	"github.com/nexmq/core/encoding"
)

// Sentinel errors for the protocol engine, following the package-local
// errors.go convention used across network/hook/qos.
var (
	ErrDisconnected     = errors.New("mqtt: connection disconnected")
	ErrEncode           = errors.New("mqtt: encode failed")
	ErrPacketIdMismatch = errors.New("mqtt: packet identifier mismatch (out-of-order ack)")
	ErrHandshakeTimeout = errors.New("mqtt: handshake timed out")
	ErrNotConnect       = errors.New("mqtt: expected CONNECT packet")
	ErrIDsExhausted     = errors.New("mqtt: packet identifier space exhausted")
)

// UnexpectedAckError reports an ack whose type did not match what the
// inflight entry expected (§4.2 step 3).
type UnexpectedAckError struct {
	Received encoding.PacketType
	Expected AckType
}

func (e *UnexpectedAckError) Error() string {
	return fmt.Sprintf("mqtt: unexpected ack %s, expected %s", e.Received, e.Expected)
}

// UnexpectedPacketError reports the packet type that arrived in place of a
// required CONNECT. The reference logs a hard-coded packet type 1 here
// regardless of what actually arrived; this carries the real one instead.
type UnexpectedPacketError struct {
	Received encoding.PacketType
}

func (e *UnexpectedPacketError) Error() string {
	return fmt.Sprintf("mqtt: expected CONNECT packet, got %s", e.Received)
}

func (e *UnexpectedPacketError) Unwrap() error {
	return ErrNotConnect
}

// PacketIdInUseError is returned by the Sink builders when a caller-supplied
// packet id is already registered in the inflight table.
type PacketIdInUseError struct {
	ID uint16
}

func (e *PacketIdInUseError) Error() string {
	return fmt.Sprintf("mqtt: packet id %d already in use", e.ID)
}

// ProtocolError wraps a fatal, connection-closing condition with the reason
// the dispatcher should surface on the wire (v5) or silently close on (v3).
type ProtocolError struct {
	Reason encoding.ReasonCode
	Err    error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("mqtt: protocol error: %v", e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

func newProtocolError(reason encoding.ReasonCode, err error) *ProtocolError {
	return &ProtocolError{Reason: reason, Err: err}
}
