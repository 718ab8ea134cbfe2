// Package broker wires the configuration catalog, session table, event
// loop, dispatcher, validator, and postgres backend into one runnable
// process value, grounded on this codebase's own Handler/NewHandler/Start
// top-level shape.
package broker

import (
	"context"
	"fmt"
	"net"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/S3tuit/ai-db-explorer-sub000/internal/backend"
	"github.com/S3tuit/ai-db-explorer-sub000/internal/backend/postgres"
	"github.com/S3tuit/ai-db-explorer-sub000/internal/config"
	"github.com/S3tuit/ai-db-explorer-sub000/internal/dispatch"
	"github.com/S3tuit/ai-db-explorer-sub000/internal/eventloop"
	"github.com/S3tuit/ai-db-explorer-sub000/internal/session"
	"github.com/S3tuit/ai-db-explorer-sub000/internal/validator"
)

// Broker is the fully wired broker process. It owns the listening socket
// and every component the event loop touches.
type Broker struct {
	loop       *eventloop.Loop
	listener   *net.UnixListener
	socketPath string
	backend    backend.Manager
	log        *logrus.Entry
}

// Options collects everything needed to construct a Broker, decoupling
// wiring from how the catalog and runtime flags were obtained (flags, env,
// or a test harness building them in-process).
type Options struct {
	Catalog      *config.Catalog
	Runtime      *config.RuntimeFlags
	IRBuilder    postgres.IRBuilder // external SQL parser/analyzer; may be nil
	SharedSecret [32]byte
	Log          *logrus.Entry
}

// New resolves the socket path, binds a fresh Unix listener (unlinking any
// stale socket first), and wires every component named in SPEC_FULL §4 and
// §6 into a runnable Broker.
func New(opts Options) (*Broker, error) {
	log := opts.Log
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	log = log.WithField("component", "broker")

	pgConfigs := make([]postgres.ConnectionConfig, 0, len(opts.Catalog.Databases))
	for _, db := range opts.Catalog.Databases {
		pgConfigs = append(pgConfigs, postgres.ConnectionConfig{
			Name:     db.ConnectionName,
			Host:     db.Host,
			Port:     db.Port,
			User:     db.Username,
			Password: db.Password,
			Database: db.Database,
			Options:  db.Options,
			Profile:  db.Profile,
		})
	}
	be := postgres.New(log.WithField("component", "backend"), pgConfigs, opts.IRBuilder)

	v := validator.New(nil)
	disp := dispatch.New(be, v, log.WithField("component", "dispatch"))

	sessions := session.NewTable(session.DefaultConfig())

	if err := prepareSocketDir(opts.Runtime.SocketPath); err != nil {
		return nil, err
	}
	_ = os.Remove(opts.Runtime.SocketPath)
	ln, err := net.Listen("unix", opts.Runtime.SocketPath)
	if err != nil {
		return nil, fmt.Errorf("broker: listen on %s: %w", opts.Runtime.SocketPath, err)
	}
	if err := os.Chmod(opts.Runtime.SocketPath, 0o600); err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("broker: chmod socket: %w", err)
	}
	unixLn := ln.(*net.UnixListener)

	loopCfg := eventloop.DefaultConfig()
	loopCfg.RequireSharedSecret = opts.Runtime.RequireSecret
	loopCfg.SharedSecret = opts.SharedSecret
	loopCfg.HandshakeTimeout = opts.Runtime.HandshakeTimeout
	loopCfg.RequestTimeout = opts.Runtime.RequestTimeout

	loop, err := eventloop.New(unixLn, sessions, disp, log.WithField("component", "eventloop"), loopCfg)
	if err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("broker: building event loop: %w", err)
	}

	return &Broker{
		loop:       loop,
		listener:   unixLn,
		socketPath: opts.Runtime.SocketPath,
		backend:    be,
		log:        log,
	}, nil
}

// prepareSocketDir ensures the socket's parent directory exists with mode
// 0700, per SPEC_FULL §6's "Local control socket" requirement.
func prepareSocketDir(socketPath string) error {
	dir := socketDir(socketPath)
	if dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o700)
}

func socketDir(socketPath string) string {
	i := len(socketPath) - 1
	for i >= 0 && socketPath[i] != '/' {
		i--
	}
	if i < 0 {
		return ""
	}
	return socketPath[:i]
}

// Run drives the broker's event loop until ctx is cancelled, then closes
// the listener, unlinks the socket, and releases backend resources.
func (b *Broker) Run(ctx context.Context) error {
	b.log.WithField("socket", b.socketPath).Info("broker listening")
	err := b.loop.Run(ctx)
	b.shutdown()
	return err
}

func (b *Broker) shutdown() {
	b.log.Info("broker shutting down")
	_ = b.listener.Close()
	_ = os.Remove(b.socketPath)
	b.backend.Close()
}
