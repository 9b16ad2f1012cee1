package mitm

import (
	"context"
	"net"
	"reflect"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mitmgo/mitmproxy/internal/ca"
	"github.com/mitmgo/mitmproxy/internal/flow"
	"github.com/mitmgo/mitmproxy/internal/perr"
	"github.com/mitmgo/mitmproxy/internal/proxy"
)

// Config configures a Server.
type Config struct {
	// BindAddr is the client-facing listen address (default 127.0.0.1:8080,
	// per spec.md §6).
	BindAddr string

	// CertDir is where the certificate authority persists its root
	// certificate and key (C5).
	CertDir string

	// DialTimeout bounds dialing an upstream server (default 10s).
	DialTimeout time.Duration

	// Options seeds every connection's proxy.Context option bag.
	Options proxy.Options

	// Hooks is the control-plane seam every layer's hook commands are
	// dispatched to. Defaults to PassthroughHooks.
	Hooks HookSink

	// Store records every completed/observed flow (C2). Defaults to a
	// fresh flow.Store if nil.
	Store *flow.Store

	// Logger is the structured event logger (C17). Defaults to the
	// package-global zerolog logger.
	Logger zerolog.Logger
}

func (c *Config) applyDefaults() {
	if c.BindAddr == "" {
		c.BindAddr = "127.0.0.1:8080"
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.Hooks == nil {
		c.Hooks = PassthroughHooks{}
	}
	if c.Store == nil {
		c.Store = flow.NewStore()
	}
	if reflect.DeepEqual(c.Logger, zerolog.Logger{}) {
		// Logger was never assigned (zero value): fall back to the global
		// logger rather than a logger with no writer.
		c.Logger = log.Logger
	}
}

// Server is the C15 proxy server package: it wires the C1-C14 data model
// and layer engine into a runnable net.Listener-based MITM proxy.
type Server struct {
	cfg   Config
	ca    *ca.Authority
	store *flow.Store

	mu       sync.Mutex
	listener net.Listener

	wg sync.WaitGroup
}

// New constructs a Server, bootstrapping its certificate authority from
// cfg.CertDir (generating a fresh root on first use, per spec.md §4.11).
func New(cfg Config) (*Server, error) {
	cfg.applyDefaults()

	authority, err := ca.New(cfg.CertDir)
	if err != nil {
		return nil, perr.NewCA("bootstrap", "failed to initialize certificate authority", err)
	}

	return &Server{cfg: cfg, ca: authority, store: cfg.Store}, nil
}

// Store returns the flow store flows are recorded into, for a control
// plane to query or filter.
func (s *Server) Store() *flow.Store { return s.store }

// CA returns the certificate authority minting intercepted leaf
// certificates, so a control plane can expose its root for installation.
func (s *Server) CA() *ca.Authority { return s.ca }

// Addr returns the listener's bound address, or nil before ListenAndServe
// has bound its listener. Useful when cfg.BindAddr uses
// port 0 (tests, ephemeral deployments).
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ListenAndServe accepts connections on cfg.BindAddr until ctx is canceled
// or the listener otherwise fails, serving each on its own goroutine per
// spec.md §5's "many connections in parallel across a task pool."
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.BindAddr)
	if err != nil {
		return perr.NewConnection(s.cfg.BindAddr, 0, err)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	stopped := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			ln.Close()
		case <-stopped:
		}
	}()
	defer close(stopped)

	s.cfg.Logger.Info().Str("addr", ln.Addr().String()).Msg("mitm proxy listening")

	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.wg.Wait()
				return nil
			}
			return perr.NewIO("accept", err)
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			newSession(s, nc).run(ctx)
		}()
	}
}

// Close stops accepting new connections; connections already being served
// run to completion.
func (s *Server) Close() error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return nil
	}
	return ln.Close()
}
