package prover

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"tlsn-mpc/attestation"
	"tlsn-mpc/notary"
	"tlsn-mpc/shared"
)

const targetResponse = "HTTP/1.1 200 OK\r\n" +
	"Content-Type: application/json\r\n" +
	"Content-Length: 15\r\n" +
	"Connection: close\r\n" +
	"\r\n" +
	`{"balance":100}`

const targetResponse404 = "HTTP/1.1 404 Not Found\r\n" +
	"Content-Length: 0\r\n" +
	"Connection: close\r\n" +
	"\r\n"

func TestParseTarget(t *testing.T) {
	t.Run("FullURL", func(t *testing.T) {
		tgt, err := parseTarget("https://example.com/info?id=7")
		if err != nil {
			t.Fatalf("Failed to parse URL: %v", err)
		}
		if tgt.host != "example.com" || tgt.port != "443" || tgt.path != "/info?id=7" {
			t.Errorf("Expected example.com:443 /info?id=7, got %s:%s %s", tgt.host, tgt.port, tgt.path)
		}
	})

	t.Run("ExplicitPort", func(t *testing.T) {
		tgt, err := parseTarget("https://example.com:8443")
		if err != nil {
			t.Fatalf("Failed to parse URL: %v", err)
		}
		if tgt.port != "8443" {
			t.Errorf("Expected port 8443, got %s", tgt.port)
		}
		if tgt.path != "/" {
			t.Errorf("Expected bare path /, got %s", tgt.path)
		}
	})

	t.Run("NonHTTPS", func(t *testing.T) {
		_, err := parseTarget("http://example.com/")
		if !shared.IsErrorType(err, shared.ErrTypeInvalidInput) {
			t.Fatalf("Expected invalid_input for http scheme, got %v", err)
		}
	})

	t.Run("NoHost", func(t *testing.T) {
		_, err := parseTarget("https://")
		if !shared.IsErrorType(err, shared.ErrTypeInvalidInput) {
			t.Fatalf("Expected invalid_input for missing host, got %v", err)
		}
	})

	t.Run("Unparseable", func(t *testing.T) {
		_, err := parseTarget("https://exa mple.com/")
		if !shared.IsErrorType(err, shared.ErrTypeInvalidInput) {
			t.Fatalf("Expected invalid_input for unparseable URL, got %v", err)
		}
	})
}

func TestBuildHTTPRequest(t *testing.T) {
	cfg := Config{
		UserAgent: "test-agent/1.0",
		Accept:    "application/json",
		Headers:   []Header{{Name: "apiKey", Value: "secret123"}},
	}
	got := string(buildHTTPRequest(target{host: "example.com", port: "443", path: "/info?id=7"}, cfg))
	want := "GET /info?id=7 HTTP/1.1\r\n" +
		"Host: example.com\r\n" +
		"Accept: application/json\r\n" +
		"Accept-Encoding: identity\r\n" +
		"Connection: close\r\n" +
		"User-Agent: test-agent/1.0\r\n" +
		"apiKey: secret123\r\n" +
		"\r\n"
	if got != want {
		t.Errorf("Expected request:\n%q\ngot:\n%q", want, got)
	}
}

func testServerTLSConfig(t *testing.T) (*tls.Config, *x509.CertPool) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("Failed to generate server key: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("Failed to create server certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("Failed to parse server certificate: %v", err)
	}

	pool := x509.NewCertPool()
	pool.AddCert(cert)
	serverCfg := &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key, Leaf: cert}},
		MinVersion:   tls.VersionTLS12,
	}
	return serverCfg, pool
}

// startTargetServer serves a single TLS connection: read one request
// head, write the canned response, close.
func startTargetServer(t *testing.T, response string) (int, *x509.CertPool) {
	t.Helper()

	serverCfg, pool := testServerTLSConfig(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		tlsConn := tls.Server(conn, serverCfg)
		defer tlsConn.Close()
		if err := tlsConn.Handshake(); err != nil {
			return
		}
		buf := make([]byte, 4096)
		var head []byte
		for !bytes.Contains(head, []byte("\r\n\r\n")) {
			n, err := tlsConn.Read(buf)
			if n > 0 {
				head = append(head, buf[:n]...)
			}
			if err != nil {
				return
			}
		}
		tlsConn.Write([]byte(response))
	}()

	return ln.Addr().(*net.TCPAddr).Port, pool
}

func startNotaryServer(t *testing.T) (string, int) {
	t.Helper()

	key, err := shared.GenerateSigningKeyPair()
	if err != nil {
		t.Fatalf("Failed to generate notary key: %v", err)
	}
	srv := notary.NewServer(key, notary.DefaultConfig(), nil, shared.NewNopLogger())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.Serve(ctx, ln)
	return srv.PublicKeyHex(), ln.Addr().(*net.TCPAddr).Port
}

func TestRun_EndToEnd(t *testing.T) {
	notaryKey, notaryPort := startNotaryServer(t)
	targetPort, pool := startTargetServer(t, targetResponse)

	cfg := DefaultConfig()
	cfg.URL = fmt.Sprintf("https://127.0.0.1:%d/info?id=7", targetPort)
	cfg.NotaryHost = "127.0.0.1"
	cfg.NotaryPort = notaryPort
	cfg.OutputPath = filepath.Join(t.TempDir(), "presentation.bin")
	cfg.RootCAs = pool
	cfg.Headers = []Header{{Name: "apiKey", Value: "secret123"}}

	res, err := Run(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.StatusCode != 200 {
		t.Errorf("Expected status 200, got %d", res.StatusCode)
	}
	if res.ServerHost != "127.0.0.1" {
		t.Errorf("Expected server host 127.0.0.1, got %s", res.ServerHost)
	}

	written, err := os.ReadFile(cfg.OutputPath)
	if err != nil {
		t.Fatalf("Failed to read output file: %v", err)
	}
	if !bytes.Equal(written, res.Presentation) {
		t.Error("Expected the output file to hold the returned presentation bytes")
	}

	pres, err := attestation.DecodePresentation(res.Presentation)
	if err != nil {
		t.Fatalf("Failed to decode presentation: %v", err)
	}
	if got := pres.VerifyingKey().Hex(); got != notaryKey {
		t.Errorf("Expected presentation key %s, got %s", notaryKey, got)
	}

	provider := attestation.CryptoProvider{Roots: pool}
	out, err := provider.Verify(pres)
	if err != nil {
		t.Fatalf("Presentation did not verify: %v", err)
	}
	if out.ServerName != "127.0.0.1" {
		t.Errorf("Expected server name 127.0.0.1, got %s", out.ServerName)
	}

	out.Transcript.SetUnauthed('X')
	sent := string(out.Transcript.Sent)
	if !strings.Contains(sent, "GET /info?id=7 HTTP/1.1") {
		t.Error("Expected the request line to be revealed")
	}
	if !strings.Contains(sent, "apiKey:") {
		t.Error("Expected the redacted header name to be revealed")
	}
	if strings.Contains(sent, "secret123") {
		t.Error("Redacted header value leaked into the presentation")
	}
	if !strings.Contains(sent, "apiKey: XXXXXXXXX") {
		t.Error("Expected the redacted value to be filled with the sentinel")
	}
	if !strings.Contains(sent, "Host: 127.0.0.1") {
		t.Error("Expected the Host header to be revealed")
	}

	recv := string(out.Transcript.Recv)
	if recv != targetResponse {
		t.Errorf("Expected the full response to be revealed, got %q", recv)
	}
}

func TestRun_UnexpectedStatus(t *testing.T) {
	_, notaryPort := startNotaryServer(t)
	targetPort, pool := startTargetServer(t, targetResponse404)

	cfg := DefaultConfig()
	cfg.URL = fmt.Sprintf("https://127.0.0.1:%d/missing", targetPort)
	cfg.NotaryHost = "127.0.0.1"
	cfg.NotaryPort = notaryPort
	cfg.OutputPath = filepath.Join(t.TempDir(), "presentation.bin")
	cfg.RootCAs = pool

	_, err := Run(context.Background(), cfg)
	if !shared.IsErrorType(err, shared.ErrTypeUnexpectedStatus) {
		t.Fatalf("Expected unexpected_status, got %v", err)
	}
	if _, statErr := os.Stat(cfg.OutputPath); !os.IsNotExist(statErr) {
		t.Error("Expected no presentation file after a failed run")
	}
}

func TestRun_InputValidation(t *testing.T) {
	t.Run("BadURL", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.URL = "http://example.com/"
		cfg.OutputPath = filepath.Join(t.TempDir(), "p.bin")
		_, err := Run(context.Background(), cfg)
		if !shared.IsErrorType(err, shared.ErrTypeInvalidInput) {
			t.Fatalf("Expected invalid_input, got %v", err)
		}
	})

	t.Run("NoOutputPath", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.URL = "https://example.com/"
		_, err := Run(context.Background(), cfg)
		if !shared.IsErrorType(err, shared.ErrTypeInvalidInput) {
			t.Fatalf("Expected invalid_input, got %v", err)
		}
	})

	t.Run("UnreachableNotary", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatalf("Failed to listen: %v", err)
		}
		port := ln.Addr().(*net.TCPAddr).Port
		ln.Close()

		cfg := DefaultConfig()
		cfg.URL = "https://example.com/"
		cfg.NotaryHost = "127.0.0.1"
		cfg.NotaryPort = port
		cfg.OutputPath = filepath.Join(t.TempDir(), "p.bin")
		cfg.DialTimeout = 2 * time.Second
		_, err = Run(context.Background(), cfg)
		if !shared.IsErrorType(err, shared.ErrTypeConnection) {
			t.Fatalf("Expected connection_error, got %v", err)
		}
	})
}
