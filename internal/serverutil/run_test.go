package serverutil

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

type running struct {
	addr   net.Addr
	cancel context.CancelFunc
	done   chan error
}

func start(t *testing.T, cfg Config) *running {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	addrs := make(chan net.Addr, 1)
	cfg.OnListen = func(addr net.Addr) { addrs <- addr }
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = time.Second
	}
	r := &running{cancel: cancel, done: make(chan error, 1)}
	go func() { r.done <- Run(ctx, cfg) }()

	select {
	case r.addr = <-addrs:
	case err := <-r.done:
		t.Fatalf("run returned before listening: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not start")
	}
	return r
}

func (r *running) stop(t *testing.T) {
	t.Helper()
	r.cancel()
	select {
	case err := <-r.done:
		if err != nil {
			t.Fatalf("run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func healthMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

func TestRunServesUntilCancelled(t *testing.T) {
	var hooked atomic.Int32
	r := start(t, Config{
		Server:     &http.Server{Addr: "127.0.0.1:0", Handler: healthMux()},
		OnShutdown: []func(){func() { hooked.Add(1) }, nil},
	})

	resp, err := http.Get("http://" + r.addr.String() + "/healthz")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}

	r.stop(t)
	// Shutdown starts hooks in their own goroutines.
	deadline := time.Now().Add(time.Second)
	for hooked.Load() != 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if hooked.Load() != 1 {
		t.Fatalf("expected shutdown hook to run once, ran %d times", hooked.Load())
	}
}

func TestRunReadyIsClosed(t *testing.T) {
	ready := make(chan struct{})
	r := start(t, Config{Server: &http.Server{Addr: "127.0.0.1:0", Handler: healthMux()}, Ready: ready})
	select {
	case <-ready:
	case <-time.After(time.Second):
		t.Fatal("ready was not closed")
	}
	r.stop(t)
}

func TestRunServesTLS(t *testing.T) {
	certFile, keyFile := writeSelfSignedCert(t)
	r := start(t, Config{
		Server: &http.Server{Addr: "127.0.0.1:0", Handler: healthMux()},
		TLS:    TLSConfig{CertFile: certFile, KeyFile: keyFile},
	})

	client := &http.Client{Transport: &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}}}
	resp, err := client.Get("https://" + r.addr.String() + "/healthz")
	if err != nil {
		t.Fatalf("tls request failed: %v", err)
	}
	resp.Body.Close()
	if resp.TLS == nil {
		t.Fatal("expected a TLS connection")
	}
	r.stop(t)
}

func TestRunRejectsBadConfig(t *testing.T) {
	if err := Run(context.Background(), Config{}); err == nil {
		t.Fatal("expected error when server is nil")
	}
	server := &http.Server{Addr: "127.0.0.1:0"}
	if err := Run(context.Background(), Config{Server: server, TLS: TLSConfig{CertFile: "cert.pem"}}); err == nil {
		t.Fatal("expected error when key file is missing")
	}

	dir := t.TempDir()
	cert := filepath.Join(dir, "cert.pem")
	key := filepath.Join(dir, "key.pem")
	if err := os.WriteFile(cert, []byte("not a cert"), 0o600); err != nil {
		t.Fatalf("write cert: %v", err)
	}
	if err := os.WriteFile(key, []byte("not a key"), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	if err := Run(context.Background(), Config{Server: server, TLS: TLSConfig{CertFile: cert, KeyFile: key}}); err == nil {
		t.Fatal("expected error for an unreadable key pair")
	}
}

func TestRunReportsAddressInUse(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = listener.Close() })

	ready := make(chan struct{})
	err = Run(context.Background(), Config{
		Server: &http.Server{Addr: listener.Addr().String(), Handler: healthMux()},
		Ready:  ready,
	})
	if err == nil {
		t.Fatal("expected startup error")
	}
	select {
	case <-ready:
		t.Fatal("server unexpectedly signalled readiness")
	default:
	}
}

func writeSelfSignedCert(t *testing.T) (string, string) {
	t.Helper()

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	certDER, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &priv.PublicKey, priv)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}

	dir := t.TempDir()
	certPath := filepath.Join(dir, "cert.pem")
	keyPath := filepath.Join(dir, "key.pem")
	if err := os.WriteFile(certPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER}), 0o600); err != nil {
		t.Fatalf("write cert: %v", err)
	}
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	return certPath, keyPath
}
