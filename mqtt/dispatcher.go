package mqtt

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/nexmq/core/encoding"
	"github.com/nexmq/core/network"
	"github.com/nexmq/core/qos"
)

// sharedCloser adapts *Shared to network.KeepAliveCloser so the dispatcher's
// keepalive monitor can force-close the connection through the same path
// the read loop itself uses, regardless of what transport Shared is wrapping.
type sharedCloser struct{ shared *Shared }

func (c sharedCloser) Close() error {
	c.shared.ForceClose()
	return nil
}

// Logger is the ambient logging contract the dispatcher and handshake
// engine use, satisfied by logger.SlogLogger.
type Logger interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
}

// noopLogger discards everything; used when a Dispatcher is built without
// an explicit Logger.
type noopLogger struct{}

func (noopLogger) Debug(string, ...interface{}) {}
func (noopLogger) Info(string, ...interface{})  {}
func (noopLogger) Warn(string, ...interface{})  {}
func (noopLogger) Error(string, ...interface{}) {}

// DispatcherConfig carries the server-side knobs the dispatcher enforces
// beyond what the handshake already negotiated (§6).
type DispatcherConfig struct {
	DisconnectTimeout time.Duration // grace for orderly close; 0 disables it
	Keepalive         time.Duration // negotiated at handshake; 0 disables the check
	Logger            Logger
}

// Dispatcher is the inbound read loop (§4.4): it pulls frames off the
// Framed, classifies and routes them, enforces max_receive backpressure and
// the keepalive deadline, and drives orderly/forced shutdown.
type Dispatcher[St any] struct {
	shared  *Shared
	session *Session[St]
	cfg     DispatcherConfig

	publishSvc PublishService
	controlSvc ControlService

	// publishSlots gates how many QoS>=1 PUBLISH handler calls may run
	// concurrently, enforcing max_receive (§4.4) for real: handlePublish
	// hands each one to its own goroutine and returns immediately so the
	// read loop keeps pulling frames while they run, only blocking once
	// every slot is taken. nil means MaxReceive()==0 (unbounded).
	publishSlots chan struct{}

	inflightPublishes atomic.Int32

	// keepAlive drives the "no inbound frame for 1.5x keepalive seconds"
	// deadline (§4.4). It is network.KeepAlive adapted for a passive,
	// receive-only role: no PingHandler, so sendPing never writes to the
	// wire, only checks elapsed time since the last frame and force-closes
	// on breach; runLoop reports every inbound frame as activity via OnPong.
	keepAlive *network.KeepAlive

	// inboundDedup tracks inbound QoS-2 packet ids between PUBLISH and
	// PUBREL so a retransmitted PUBLISH (DUP=1) is re-acked without being
	// redelivered to the application. Bookkeeping only, per the Non-goal
	// on exactly-once machinery beyond that.
	inboundDedup *qos.InboundDedup
}

const defaultDedupWindow = 1024

func NewDispatcher[St any](shared *Shared, session *Session[St], cfg DispatcherConfig, publishSvc PublishService, controlSvc ControlService) *Dispatcher[St] {
	if cfg.Logger == nil {
		cfg.Logger = noopLogger{}
	}
	if publishSvc == nil {
		publishSvc = DefaultPublishService
	}
	if controlSvc == nil {
		controlSvc = DefaultControlService
	}
	d := &Dispatcher[St]{
		shared:       shared,
		session:      session,
		cfg:          cfg,
		publishSvc:   publishSvc,
		controlSvc:   controlSvc,
		inboundDedup: qos.NewInboundDedup(defaultDedupWindow),
	}
	if max := session.MaxReceive(); max > 0 {
		d.publishSlots = make(chan struct{}, max)
	}
	return d
}

// Run drives the read loop until the connection closes or a fatal error
// occurs. It blocks the calling goroutine; a server spawns one goroutine
// per accepted connection to call Run, matching §5's "spawns one such
// task per accepted connection" model.
//
// Whatever ends the loop — a transport read error, an ungraceful peer drop,
// or a protocol violation — is reported to the control service as a Closed
// message exactly once, unless the loop ended via an already-handled
// ControlDisconnect (cleanDisconnectError), which ran that notification
// itself. This is what lets the will-message path in cmd/broker fire on an
// ungraceful TCP drop, not just an orderly DISCONNECT.
func (d *Dispatcher[St]) Run() error {
	defer d.shared.Close()

	stopKeepalive := d.startKeepaliveMonitor()
	defer stopKeepalive()

	stopDedupCleanup := d.startDedupCleanup()
	defer stopDedupCleanup()

	err := d.runLoop()
	d.closeWithGrace()

	var clean cleanDisconnectError
	if !errors.As(err, &clean) {
		_, _ = d.controlSvc.HandleControl(ControlMessage{Kind: ControlClosed, Closed: &ClosedMessage{Reason: err}})
	}
	return err
}

func (d *Dispatcher[St]) runLoop() error {
	for {
		pkt, err := d.shared.framed.Next()
		if err != nil {
			return err
		}
		if d.keepAlive != nil {
			d.keepAlive.OnPong()
		}

		if err := d.dispatch(pkt); err != nil {
			return err
		}
	}
}

// startKeepaliveMonitor enforces the "no inbound frame for 1.5x keepalive
// seconds" rule (§4.4) via network.KeepAlive run in a passive, receive-only
// mode: Interval+Timeout add up to the 1.5x deadline, MaxRetries is 1 so the
// very first breach closes the connection (the spec has no separate retry
// budget), and PingHandler is left nil since a server never originates the
// heartbeat — runLoop's OnPong call on every inbound frame is what keeps it
// alive. Returns a stop function.
func (d *Dispatcher[St]) startKeepaliveMonitor() func() {
	if d.cfg.Keepalive <= 0 {
		return func() {}
	}

	deadline := time.Duration(float64(d.cfg.Keepalive) * 1.5)
	d.keepAlive = network.NewKeepAlive(sharedCloser{d.shared}, &network.KeepAliveConfig{
		Interval:   deadline / 3,
		Timeout:    deadline - deadline/3,
		MaxRetries: 1,
	})
	d.keepAlive.Start()

	return func() {
		if d.keepAlive.MissedPings() > 0 {
			d.cfg.Logger.Warn("keepalive timeout", "deadline", deadline)
		}
		d.keepAlive.Stop()
	}
}

// dedupCleanupInterval bounds how long an inbound QoS-2 dedup entry can
// survive a peer that sends PUBLISH but never follows up with PUBREL.
const dedupCleanupInterval = time.Minute

// startDedupCleanup periodically evicts stale entries from inboundDedup so a
// misbehaving peer can't grow the window unbounded between evictions that
// would otherwise only happen on overflow. Returns a stop function.
func (d *Dispatcher[St]) startDedupCleanup() func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(dedupCleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				d.inboundDedup.Cleanup()
				d.cfg.Logger.Debug("dedup window swept", "size", d.inboundDedup.Size())
			}
		}
	}()
	return func() { close(done) }
}

// closeWithGrace implements the disconnect-timeout grace period (§4.4): it
// gives pending work up to DisconnectTimeout before force-closing.
func (d *Dispatcher[St]) closeWithGrace() {
	if d.cfg.DisconnectTimeout <= 0 {
		d.shared.ForceClose()
		return
	}

	done := make(chan struct{})
	go func() {
		for d.inflightPublishes.Load() > 0 {
			time.Sleep(time.Millisecond)
		}
		close(done)
	}()

	select {
	case <-done:
		d.shared.Close()
	case <-time.After(d.cfg.DisconnectTimeout):
		d.shared.ForceClose()
	}
}

// cleanDisconnectError marks a DISCONNECT the control service's
// ControlDisconnect branch already ran teardown for (router/registry
// cleanup, will-suppression) — Run skips the redundant ControlClosed
// notification it would otherwise send for every other way the loop ends.
// It still satisfies errors.Is(err, ErrDisconnected) for callers that only
// care whether the connection is gone.
type cleanDisconnectError struct{}

func (cleanDisconnectError) Error() string        { return ErrDisconnected.Error() }
func (cleanDisconnectError) Is(target error) bool { return target == ErrDisconnected }

func (d *Dispatcher[St]) dispatch(pkt encoding.Packet) error {
	switch p := pkt.(type) {
	case *encoding.PublishPacket:
		return d.handlePublish(p)
	case *encoding.PubackPacket:
		return d.handleAck(Ack{PacketID: p.PacketID, Type: encoding.PUBACK, Reason: p.ReasonCode})
	case *encoding.PubrecPacket:
		return d.handleAck(Ack{PacketID: p.PacketID, Type: encoding.PUBREC, Reason: p.ReasonCode})
	case *encoding.PubcompPacket:
		return d.handleAck(Ack{PacketID: p.PacketID, Type: encoding.PUBCOMP, Reason: p.ReasonCode})
	case *encoding.SubackPacket:
		return d.handleAck(Ack{PacketID: p.PacketID, Type: encoding.SUBACK, SubackCodes: p.ReasonCodes})
	case *encoding.UnsubackPacket:
		return d.handleAck(Ack{PacketID: p.PacketID, Type: encoding.UNSUBACK})
	case *encoding.PubrelPacket:
		return d.handlePubrel(p)
	case *encoding.PingreqPacket:
		return d.handleControl(ControlMessage{Kind: ControlPing, Ping: &PingMessage{}})
	case *encoding.SubscribePacket:
		return d.handleControl(ControlMessage{Kind: ControlSubscribe, Subscribe: &SubscribeMessage{Packet: p}})
	case *encoding.UnsubscribePacket:
		return d.handleControl(ControlMessage{Kind: ControlUnsubscribe, Unsubscribe: &UnsubscribeMessage{Packet: p}})
	case *encoding.DisconnectPacket:
		err := d.handleControl(ControlMessage{Kind: ControlDisconnect, Disconnect: &DisconnectMessage{Packet: p}})
		if err != nil {
			return err
		}
		return cleanDisconnectError{}
	default:
		return newProtocolError(encoding.ReasonProtocolError, ErrNotConnect)
	}
}

// handlePublish routes an inbound PUBLISH to the user publish service. QoS 0
// is handled inline; QoS 1/2 acquire a publishSlots slot — blocking the read
// loop if max_receive concurrent publishes are already outstanding — and
// then hand the actual service call and ack off to processPublish so the
// read loop can keep pulling frames while up to max_receive of them run at
// once (§4.4).
func (d *Dispatcher[St]) handlePublish(p *encoding.PublishPacket) error {
	if p.FixedHeader.QoS == encoding.QoS0 {
		return d.publishSvc.HandlePublish(p)
	}

	if d.publishSlots != nil {
		d.publishSlots <- struct{}{}
	}
	d.inflightPublishes.Add(1)

	go d.processPublish(p)
	return nil
}

// processPublish runs off the read loop goroutine. A failure here has no
// synchronous return path back to Run, so it force-closes the connection
// directly; Run's next framed.Next() call then surfaces the resulting
// transport error and the deferred Closed notification covers it.
func (d *Dispatcher[St]) processPublish(p *encoding.PublishPacket) {
	defer func() {
		d.inflightPublishes.Add(-1)
		if d.publishSlots != nil {
			<-d.publishSlots
		}
	}()

	if p.FixedHeader.QoS == encoding.QoS1 {
		if err := d.publishSvc.HandlePublish(p); err != nil {
			d.shared.ForceClose()
			return
		}
		ack := &encoding.PubackPacket{
			FixedHeader: encoding.FixedHeader{Type: encoding.PUBACK},
			PacketID:    p.PacketID,
			ReasonCode:  encoding.ReasonSuccess,
		}
		if err := d.shared.WriteLocked(ack); err != nil {
			d.shared.ForceClose()
		}
		return
	}

	// QoS 2: a retransmitted PUBLISH (peer never saw our PUBREC) must be
	// re-acked without redelivering to the application — this is the
	// "bookkeeping" the Non-goal on exactly-once machinery still allows.
	if !d.inboundDedup.Seen(p.PacketID) {
		if err := d.publishSvc.HandlePublish(p); err != nil {
			d.shared.ForceClose()
			return
		}
	}

	rec := &encoding.PubrecPacket{
		FixedHeader: encoding.FixedHeader{Type: encoding.PUBREC},
		PacketID:    p.PacketID,
		ReasonCode:  encoding.ReasonSuccess,
	}
	if err := d.shared.WriteLocked(rec); err != nil {
		d.shared.ForceClose()
	}
}

// handlePubrel completes the inbound QoS-2 second phase: the peer's PUBREL
// is answered with PUBCOMP, and the dedup window entry is retired since the
// cycle is now complete.
func (d *Dispatcher[St]) handlePubrel(p *encoding.PubrelPacket) error {
	d.inboundDedup.Complete(p.PacketID)

	comp := &encoding.PubcompPacket{
		FixedHeader: encoding.FixedHeader{Type: encoding.PUBCOMP},
		PacketID:    p.PacketID,
		ReasonCode:  encoding.ReasonSuccess,
	}
	if err := d.shared.WriteLocked(comp); err != nil {
		return ErrEncode
	}
	return nil
}

func (d *Dispatcher[St]) handleAck(ack Ack) error {
	sink := Sink{shared: d.shared}
	if err := sink.PktAck(ack); err != nil {
		return err
	}
	// A PUBREC ack that was just promoted to await PUBCOMP must not be
	// treated as terminal; PktAck already re-encoded the PUBREL in that
	// case and returned nil, so nothing further happens here.
	return nil
}

func (d *Dispatcher[St]) handleControl(msg ControlMessage) error {
	result, err := d.controlSvc.HandleControl(msg)
	if err != nil {
		return err
	}
	if result.Packet != nil {
		if err := d.shared.WriteLocked(result.Packet); err != nil {
			return ErrEncode
		}
	}
	return nil
}
