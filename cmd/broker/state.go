package main

import (
	"sync"

	"github.com/nexmq/core/mqtt"
)

// ClientState is the per-connection application state (St) threaded
// through mqtt.Session[St]: it holds only the MQTT client id. Peer Sinks
// are looked up in the separate registry below, not through this state.
type ClientState struct {
	ClientID string
}

// registry is the in-process, non-persistent table of live clientID ->
// Sink the example broker consults to deliver a PUBLISH locally (§1's
// "independent utility" router needs somewhere to deliver to). Nothing
// here survives a process restart; that is deliberate (persistent session
// storage is out of scope for the core, and this registry is example/
// server-level, not engine code).
type registry struct {
	mu      sync.RWMutex
	clients map[string]mqtt.Sink
}

func newRegistry() *registry {
	return &registry{clients: make(map[string]mqtt.Sink)}
}

func (r *registry) put(clientID string, sink mqtt.Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[clientID] = sink
}

func (r *registry) remove(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, clientID)
}

func (r *registry) get(clientID string) (mqtt.Sink, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.clients[clientID]
	return s, ok
}
