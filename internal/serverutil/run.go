// Package serverutil runs an http.Server until its context ends.
package serverutil

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

type TLSConfig struct {
	CertFile string
	KeyFile  string
}

func (c TLSConfig) enabled() bool {
	return c.CertFile != "" && c.KeyFile != ""
}

type Config struct {
	Server          *http.Server
	TLS             TLSConfig
	ShutdownTimeout time.Duration
	// Ready is closed once the listener is bound.
	Ready chan<- struct{}
	// OnListen receives the bound address, which differs from Server.Addr
	// when the port is 0.
	OnListen func(net.Addr)
	// OnShutdown hooks run when shutdown begins. Shutdown does not wait for
	// hijacked connections such as websockets, so their owners close them
	// here.
	OnShutdown []func()
	Logger     *slog.Logger
}

// DefaultShutdownTimeout bounds graceful shutdown when the context is cancelled.
const DefaultShutdownTimeout = 10 * time.Second

// Run binds the listener, serves until ctx is cancelled or serving fails, and
// then shuts the server down within ShutdownTimeout. TLS is enabled when both
// a certificate and a key file are configured.
func Run(ctx context.Context, cfg Config) error {
	if cfg.Server == nil {
		return fmt.Errorf("server is required")
	}
	if (cfg.TLS.CertFile == "") != (cfg.TLS.KeyFile == "") {
		return fmt.Errorf("both TLS cert file and key file must be provided")
	}
	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ln, err := listen(cfg.Server, cfg.TLS)
	if err != nil {
		return err
	}
	for _, hook := range cfg.OnShutdown {
		if hook != nil {
			cfg.Server.RegisterOnShutdown(hook)
		}
	}

	logger.Info("http server listening", "addr", ln.Addr().String(), "tls", cfg.TLS.enabled())
	if cfg.OnListen != nil {
		cfg.OnListen(ln.Addr())
	}
	if cfg.Ready != nil {
		close(cfg.Ready)
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- cfg.Server.Serve(ln)
	}()

	select {
	case err := <-serveErr:
		return ignoreClosed(err)
	case <-ctx.Done():
	}
	return shutdown(cfg.Server, serveErr, timeout, logger)
}

// listen binds the server address and wraps it in TLS when configured. The
// certificate is loaded before serving so a bad pair fails at startup.
func listen(server *http.Server, tlsFiles TLSConfig) (net.Listener, error) {
	ln, err := net.Listen("tcp", server.Addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", server.Addr, err)
	}
	if !tlsFiles.enabled() {
		return ln, nil
	}
	cert, err := tls.LoadX509KeyPair(tlsFiles.CertFile, tlsFiles.KeyFile)
	if err != nil {
		ln.Close()
		return nil, fmt.Errorf("load tls key pair: %w", err)
	}
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if server.TLSConfig != nil {
		tlsCfg = server.TLSConfig.Clone()
	}
	tlsCfg.Certificates = append([]tls.Certificate{cert}, tlsCfg.Certificates...)
	server.TLSConfig = tlsCfg
	return tls.NewListener(ln, tlsCfg), nil
}

func shutdown(server *http.Server, serveErr <-chan error, timeout time.Duration, logger *slog.Logger) error {
	logger.Info("http server shutting down", "timeout", timeout.String())
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	shutdownErr := server.Shutdown(ctx)
	select {
	case err := <-serveErr:
		if err = ignoreClosed(err); err != nil {
			return err
		}
		return shutdownErr
	case <-ctx.Done():
		if shutdownErr != nil {
			return shutdownErr
		}
		return ctx.Err()
	}
}

func ignoreClosed(err error) error {
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
