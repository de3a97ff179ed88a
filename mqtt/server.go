package mqtt

import (
	"time"

	"github.com/nexmq/core/encoding"
	"github.com/nexmq/core/network"
)

// Server is the top-level per-connection engine builder, grounded on the
// reference's MqttServer<Io,St,C,Cn,P> builder (v5/server.rs): it bundles
// the handshake/control/publish services and the knobs from §6, and
// exposes a network.ConnectionHandler a Listener can register directly.
type Server[St any] struct {
	handshakeCfg *HandshakeConfig
	dispatchCfg  DispatcherConfig

	handshakeSvc HandshakeService[St]
	controlSvc   ControlService
	publishSvc   PublishService

	// controlFactory/publishFactory, when set, build a per-connection
	// service from the negotiated Session instead of sharing one static
	// instance — needed whenever the service must know which client it is
	// serving (e.g. a broker's router-backed publish/control services).
	controlFactory func(*Session[St]) ControlService
	publishFactory func(*Session[St]) PublishService

	logger Logger
}

// NewServer constructs a Server with the §6 defaults; callers override via
// the With* methods before Handler().
func NewServer[St any](handshakeSvc HandshakeService[St]) *Server[St] {
	return &Server[St]{
		handshakeCfg: DefaultHandshakeConfig(),
		handshakeSvc: handshakeSvc,
		logger:       noopLogger{},
	}
}

func (s *Server[St]) WithHandshakeTimeout(d time.Duration) *Server[St] {
	s.handshakeCfg.HandshakeTimeout = d
	return s
}

func (s *Server[St]) WithDisconnectTimeout(d time.Duration) *Server[St] {
	s.dispatchCfg.DisconnectTimeout = d
	return s
}

func (s *Server[St]) WithMaxSize(n uint32) *Server[St] {
	s.handshakeCfg.MaxSize = n
	return s
}

func (s *Server[St]) WithMaxReceive(n uint16) *Server[St] {
	s.handshakeCfg.MaxReceive = n
	return s
}

func (s *Server[St]) WithMaxTopicAlias(n uint16) *Server[St] {
	s.handshakeCfg.MaxTopicAlias = n
	return s
}

func (s *Server[St]) WithMaxQoS(q encoding.QoS) *Server[St] {
	s.handshakeCfg.MaxQoS = &q
	return s
}

func (s *Server[St]) WithControl(svc ControlService) *Server[St] {
	s.controlSvc = svc
	return s
}

func (s *Server[St]) WithPublish(svc PublishService) *Server[St] {
	s.publishSvc = svc
	return s
}

// WithControlFactory sets a per-connection control service builder,
// overriding WithControl.
func (s *Server[St]) WithControlFactory(f func(*Session[St]) ControlService) *Server[St] {
	s.controlFactory = f
	return s
}

// WithPublishFactory sets a per-connection publish service builder,
// overriding WithPublish.
func (s *Server[St]) WithPublishFactory(f func(*Session[St]) PublishService) *Server[St] {
	s.publishFactory = f
	return s
}

func (s *Server[St]) WithLogger(l Logger) *Server[St] {
	s.logger = l
	s.dispatchCfg.Logger = l
	return s
}

// disconnectTimeoutDefault mirrors the reference's disconnect_timeout=3000
// default (v5/server.rs); handshake_timeout defaults to 0 (off) so a
// freshly-built Server is only fully defaulted once WithDisconnectTimeout
// is applied or Handler() fills it in below.
const disconnectTimeoutDefault = 3000 * time.Millisecond

// Handler returns a network.ConnectionHandler suitable for
// network.Listener.OnConnection: it runs the handshake, then the
// dispatcher, to completion for one accepted connection.
func (s *Server[St]) Handler() network.ConnectionHandler {
	dispatchCfg := s.dispatchCfg
	if dispatchCfg.DisconnectTimeout == 0 {
		dispatchCfg.DisconnectTimeout = disconnectTimeoutDefault
	}
	if dispatchCfg.Logger == nil {
		dispatchCfg.Logger = s.logger
	}

	return func(conn *network.Connection) error {
		session, shared, keepalive, err := RunHandshake(conn, s.handshakeCfg, s.handshakeSvc)
		if err != nil {
			s.logger.Info("handshake failed", "err", err)
			return err
		}

		cfg := dispatchCfg
		cfg.Keepalive = time.Duration(keepalive) * time.Second

		publishSvc := s.publishSvc
		if s.publishFactory != nil {
			publishSvc = s.publishFactory(session)
		}
		controlSvc := s.controlSvc
		if s.controlFactory != nil {
			controlSvc = s.controlFactory(session)
		}

		dispatcher := NewDispatcher(shared, session, cfg, publishSvc, controlSvc)
		return dispatcher.Run()
	}
}
