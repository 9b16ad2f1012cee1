package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mitmgo/mitmproxy/internal/mitm"
	"github.com/mitmgo/mitmproxy/internal/proxy"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	bind := flag.String("bind", "127.0.0.1:8080", "client-facing listen address")
	certDir := flag.String("cert-dir", defaultCertDir(), "directory holding (or to generate) the CA root")
	dialTimeout := flag.Duration("dial-timeout", 10*time.Second, "timeout dialing upstream servers")
	shutdownTimeout := flag.Duration("shutdown-timeout", 5*time.Second, "grace period for in-flight connections on shutdown")
	logLevel := flag.String("log-level", "info", "zerolog level: debug, info, warn, error")
	flag.Parse()

	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		log.Fatal().Err(err).Str("log_level", *logLevel).Msg("invalid log level")
	}
	log.Logger = log.Level(level)

	srv, err := mitm.New(mitm.Config{
		BindAddr:    *bind,
		CertDir:     *certDir,
		DialTimeout: *dialTimeout,
		Options:     proxy.DefaultOptions(),
		Logger:      log.Logger,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to construct proxy")
	}

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan struct{})

	go func() {
		defer close(served)
		log.Info().Str("bind", *bind).Str("cert_dir", *certDir).Msg("starting mitm proxy")
		if err := srv.ListenAndServe(ctx); err != nil {
			log.Fatal().Err(err).Msg("proxy server exited unexpectedly")
		}
	}()

	waitForShutdown(srv, cancel, served, *shutdownTimeout)
}

func waitForShutdown(srv *mitm.Server, cancel context.CancelFunc, served <-chan struct{}, timeout time.Duration) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	<-stop

	log.Info().Msg("shutting down mitm proxy")

	cancel()
	srv.Close()

	select {
	case <-served:
		log.Info().Msg("proxy stopped")
	case <-time.After(timeout):
		log.Warn().Msg("shutdown grace period elapsed; exiting")
	}
}

func defaultCertDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".mitmproxy-go"
	}
	return dir + "/mitmproxy-go"
}
