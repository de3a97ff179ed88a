package mqtt

// Session carries user state St, a cloned Sink, and the negotiated limits
// to the user's per-session handler factories (§4.6). It is immutable from
// outside: callers read fields, they do not mutate the Session itself.
type Session[St any] struct {
	state       St
	sink        Sink
	maxReceive  uint16
	maxTopicAlias uint16 // v5 only; 0 for v3 sessions
}

// NewSession constructs a Session facade; called by the handshake engine
// once the user authenticator has accepted the connection (§4.3 step 6).
func NewSession[St any](state St, sink Sink, maxReceive, maxTopicAlias uint16) *Session[St] {
	return &Session[St]{
		state:         state,
		sink:          sink,
		maxReceive:    maxReceive,
		maxTopicAlias: maxTopicAlias,
	}
}

// State returns the user state carried by this session.
func (s *Session[St]) State() St { return s.state }

// Sink returns the cloned outbound-origination handle for this connection.
func (s *Session[St]) Sink() Sink { return s.sink }

// MaxReceive returns the negotiated inbound publish concurrency cap.
func (s *Session[St]) MaxReceive() uint16 { return s.maxReceive }

// MaxTopicAlias returns the negotiated inbound topic-alias range (v5 only;
// 0 for a v3 session).
func (s *Session[St]) MaxTopicAlias() uint16 { return s.maxTopicAlias }
