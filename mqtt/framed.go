package mqtt

import (
	"bytes"
	"io"
	"sync/atomic"

	"github.com/nexmq/core/encoding"
)

// framedState tags the three states a Framed can be in; force-closing
// discards whatever was buffered for write, plain closing does not (there
// is nothing buffered to discard since every Framed.Write flushes
// synchronously, but the distinction matters for callers).
type framedState int32

const (
	framedOpen framedState = iota
	framedClosed
	framedForceClosed
)

// Codec is the wire codec external collaborator (§6): it is assumed
// available and only its vocabulary — packet size ceilings — is fixed here.
type Codec struct {
	maxInboundSize  atomic.Uint32
	maxOutboundSize atomic.Uint32
}

func NewCodec() *Codec {
	return &Codec{}
}

func (c *Codec) SetMaxInboundSize(n uint32)  { c.maxInboundSize.Store(n) }
func (c *Codec) SetMaxOutboundSize(n uint32) { c.maxOutboundSize.Store(n) }
func (c *Codec) MaxInboundSize() uint32      { return c.maxInboundSize.Load() }
func (c *Codec) MaxOutboundSize() uint32     { return c.maxOutboundSize.Load() }

// Framed is the open/closed/force-closed byte-stream wrapper from §3: a
// write(packet) -> Result and next() -> Option<packet> pair over a raw
// transport (a network.Connection in the example server, any io.ReadWriter
// for tests).
type Framed struct {
	rw    io.ReadWriter
	codec *Codec
	state atomic.Int32
}

func NewFramed(rw io.ReadWriter, codec *Codec) *Framed {
	f := &Framed{rw: rw, codec: codec}
	f.state.Store(int32(framedOpen))
	return f
}

func (f *Framed) IsOpen() bool {
	return framedState(f.state.Load()) == framedOpen
}

// Close marks the Framed closed; idempotent. It does not force the
// underlying transport closed itself — that is the caller's (dispatcher's)
// job once bookkeeping has been drained.
func (f *Framed) Close() {
	f.state.CompareAndSwap(int32(framedOpen), int32(framedClosed))
}

// ForceClose marks the Framed force-closed, discarding the distinction
// between "orderly" and "abrupt" for any caller still inspecting state.
func (f *Framed) ForceClose() {
	f.state.Store(int32(framedForceClosed))
	if closer, ok := f.rw.(io.Closer); ok {
		_ = closer.Close()
	}
}

// Next reads and decodes the next packet, enforcing the inbound size
// ceiling (0 == unlimited) before attempting to parse the payload.
func (f *Framed) Next() (encoding.Packet, error) {
	if !f.IsOpen() {
		return nil, ErrDisconnected
	}

	fh, err := encoding.ParseFixedHeader(f.rw)
	if err != nil {
		if err == io.EOF || err == encoding.ErrUnexpectedEOF {
			return nil, ErrDisconnected
		}
		return nil, err
	}

	if max := f.codec.MaxInboundSize(); max != 0 && fh.RemainingLength > max {
		return nil, newProtocolError(encoding.ReasonPacketTooLarge, encoding.ErrPayloadTooLarge)
	}

	return decodeBody(f.rw, fh)
}

// decodeBody dispatches on the already-parsed fixed header, mirroring
// encoding.Decode's switch without re-reading the header.
func decodeBody(r io.Reader, fh *encoding.FixedHeader) (encoding.Packet, error) {
	switch fh.Type {
	case encoding.CONNECT:
		return encoding.ParseConnectPacket(r, fh)
	case encoding.CONNACK:
		return encoding.ParseConnackPacket(r, fh)
	case encoding.PUBLISH:
		return encoding.ParsePublishPacket(r, fh)
	case encoding.PUBACK:
		return encoding.ParsePubackPacket(r, fh)
	case encoding.PUBREC:
		return encoding.ParsePubrecPacket(r, fh)
	case encoding.PUBREL:
		return encoding.ParsePubrelPacket(r, fh)
	case encoding.PUBCOMP:
		return encoding.ParsePubcompPacket(r, fh)
	case encoding.SUBSCRIBE:
		return encoding.ParseSubscribePacket(r, fh)
	case encoding.SUBACK:
		return encoding.ParseSubackPacket(r, fh)
	case encoding.UNSUBSCRIBE:
		return encoding.ParseUnsubscribePacket(r, fh)
	case encoding.UNSUBACK:
		return encoding.ParseUnsubackPacket(r, fh)
	case encoding.PINGREQ:
		return encoding.ParsePingreqPacket(fh)
	case encoding.PINGRESP:
		return encoding.ParsePingrespPacket(fh)
	case encoding.DISCONNECT:
		return encoding.ParseDisconnectPacket(r, fh)
	case encoding.AUTH:
		return encoding.ParseAuthPacket(r, fh)
	default:
		return nil, encoding.ErrInvalidType
	}
}

// Write encodes and flushes one packet, enforcing the outbound size ceiling
// (0 == no client-declared ceiling) by encoding into a scratch buffer first.
func (f *Framed) Write(p encoding.Packet) error {
	if !f.IsOpen() {
		return ErrDisconnected
	}

	var buf bytes.Buffer
	if err := p.Encode(&buf); err != nil {
		return ErrEncode
	}

	if max := f.codec.MaxOutboundSize(); max != 0 && uint32(buf.Len()) > max {
		return ErrEncode
	}

	if _, err := f.rw.Write(buf.Bytes()); err != nil {
		return ErrDisconnected
	}
	return nil
}
