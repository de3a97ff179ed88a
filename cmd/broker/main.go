// Command broker is a minimal in-process MQTT broker built on the mqtt
// engine: it wires a BasicAuthHook for CONNECT authentication, a
// RateLimitHook for per-client publish throttling, a session.Manager for
// clean-start/session-present bookkeeping and will-message delivery, and a
// topic.Router for local pub/sub fan-out, none of which persist across a
// restart.
package main

import (
	"context"
	stdlog "log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nexmq/core/hook"
	"github.com/nexmq/core/mqtt"
	"github.com/nexmq/core/network"
	"github.com/nexmq/core/pkg/logger"
	"github.com/nexmq/core/session"
	"github.com/nexmq/core/topic"
)

func main() {
	addr := os.Getenv("BROKER_ADDR")
	if addr == "" {
		addr = ":1883"
	}

	log := logger.NewSlogLogger(slog.LevelInfo, os.Stdout)

	auth := hook.NewBasicAuthHook()
	auth.AddUser("demo", "demo")
	hooks := hook.NewManager()
	if err := hooks.Add(auth); err != nil {
		stdlog.Fatal(err)
	}
	if err := hooks.Add(hook.NewRateLimitHook(100, time.Second)); err != nil {
		stdlog.Fatal(err)
	}

	router := topic.NewRouter()
	reg := newRegistry()

	sessions := session.NewManager(session.ManagerConfig{
		Store:         session.NewMemoryStore(),
		WillPublisher: newBrokerWillPublisher(router, reg),
	})
	defer sessions.Close()

	hs := &brokerHandshake{hooks: hooks, sessions: sessions, reg: reg, logger: log}

	server := mqtt.NewServer[ClientState](hs).
		WithLogger(log)

	server.WithPublishFactory(func(sess *mqtt.Session[ClientState]) mqtt.PublishService {
		state := sess.State()
		return newBrokerPublish(state.ClientID, sess.Sink(), router, reg, hooks)
	})
	server.WithControlFactory(func(sess *mqtt.Session[ClientState]) mqtt.ControlService {
		return newBrokerControl(sess.State().ClientID, router, reg, sessions)
	})

	pool, err := network.NewPool(network.DefaultPoolConfig())
	if err != nil {
		stdlog.Fatal(err)
	}

	listenerCfg := network.DefaultListenerConfig(addr)
	if certFile, keyFile := os.Getenv("BROKER_TLS_CERT"), os.Getenv("BROKER_TLS_KEY"); certFile != "" && keyFile != "" {
		tlsCfg := network.DefaultTLSConfig()
		tlsCfg.CertFile = certFile
		tlsCfg.KeyFile = keyFile
		tlsCfg.CAFile = os.Getenv("BROKER_TLS_CA")
		built, err := tlsCfg.Build()
		if err != nil {
			stdlog.Fatal(err)
		}
		listenerCfg.TLSConfig = built
	}

	listener, err := network.NewListener(listenerCfg, pool)
	if err != nil {
		stdlog.Fatal(err)
	}
	listener.OnConnection(server.Handler())

	dm := network.NewDisconnectManager(5 * time.Second)
	shutdown := network.NewGracefulShutdown(pool, dm, 30*time.Second)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutting down, sending DISCONNECT to live clients")
		if err := shutdown.Shutdown(context.Background()); err != nil {
			log.Warn("graceful shutdown incomplete", "err", err)
		}
		if err := listener.Close(); err != nil {
			log.Warn("listener close failed", "err", err)
		}
		os.Exit(0)
	}()

	log.Info("broker listening", "addr", addr)
	if err := listener.Start(); err != nil {
		stdlog.Fatal(err)
	}
}
