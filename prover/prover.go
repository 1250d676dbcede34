package prover

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tlsn-mpc/attestation"
	"tlsn-mpc/mpctls"
	"tlsn-mpc/session"
	"tlsn-mpc/shared"
	"tlsn-mpc/transcript"
)

// Result summarizes a successful attested request
type Result struct {
	// Presentation is the serialized artifact, also written to the
	// configured output path.
	Presentation []byte
	ServerHost   string
	StatusCode   int
}

// target is the parsed form of the URL flag
type target struct {
	host string
	port string
	path string
}

func (t target) addr() string { return net.JoinHostPort(t.host, t.port) }

func parseTarget(raw string) (target, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return target{}, shared.NewInvalidInputError(fmt.Sprintf("invalid URL %q", raw), err)
	}
	if u.Scheme != "https" {
		return target{}, shared.NewInvalidInputError(fmt.Sprintf("URL scheme must be https, got %q", u.Scheme), nil)
	}
	if u.Hostname() == "" {
		return target{}, shared.NewInvalidInputError("URL must have a host", nil)
	}
	port := u.Port()
	if port == "" {
		port = "443"
	}
	return target{host: u.Hostname(), port: port, path: u.RequestURI()}, nil
}

// Run performs one attested HTTPS request and writes the presentation to
// cfg.OutputPath. Any failure aborts the whole run; no partial
// presentation file is ever written.
func Run(ctx context.Context, cfg Config) (*Result, error) {
	log := cfg.Logger
	if log == nil {
		log = shared.NewNopLogger()
	}

	tgt, err := parseTarget(cfg.URL)
	if err != nil {
		return nil, err
	}
	if cfg.OutputPath == "" {
		return nil, shared.NewInvalidInputError("output path must be set", nil)
	}
	if err := cfg.Caps.Validate(); err != nil {
		return nil, err
	}

	notaryAddr := net.JoinHostPort(cfg.NotaryHost, strconv.Itoa(cfg.NotaryPort))
	log.Info("connecting to notary", zap.String("addr", notaryAddr))
	dialer := net.Dialer{Timeout: cfg.DialTimeout}
	notaryConn, err := dialer.DialContext(ctx, "tcp", notaryAddr)
	if err != nil {
		return nil, shared.NewConnectionError(notaryAddr, err)
	}
	defer notaryConn.Close()

	// The session driver is the first of the two load-bearing pumps. It
	// must outlive every handle operation; the deferred cancel+wait joins
	// it on failure paths before the socket closes underneath it.
	runCtx, cancel := context.WithCancel(ctx)
	driver, handle := session.New(notaryConn, log).Split()
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return driver.Run(gctx) })
	defer func() {
		cancel()
		g.Wait()
	}()

	engine := mpctls.NewProver(handle, log)
	if err := engine.Commit(gctx, cfg.Caps); err != nil {
		return nil, err
	}
	log.Info("commit config accepted",
		zap.String("session_id", engine.SessionID()),
		zap.Uint32("max_sent_data", cfg.Caps.MaxSentData),
		zap.Uint32("max_recv_data", cfg.Caps.MaxRecvData))

	log.Info("connecting to target", zap.String("addr", tgt.addr()))
	stream, drive, err := engine.Connect(gctx, tgt.addr(), mpctls.ClientConfig{
		ServerName: tgt.host,
		RootCAs:    cfg.RootCAs,
	})
	if err != nil {
		return nil, err
	}

	// Second pump: the traffic drive runs for the life of the bound
	// stream. Closing the stream drains it, so the deferred close must
	// run before the deferred wait.
	dg, dctx := errgroup.WithContext(gctx)
	dg.Go(func() error { return drive.Run(dctx) })
	defer dg.Wait()
	defer stream.Close()

	request := buildHTTPRequest(tgt, cfg)
	if _, err := stream.Write(request); err != nil {
		return nil, err
	}
	if _, err := io.Copy(io.Discard, stream); err != nil {
		return nil, err
	}
	if err := stream.Close(); err != nil {
		return nil, err
	}
	if err := dg.Wait(); err != nil {
		return nil, err
	}

	tr, err := engine.Transcript()
	if err != nil {
		return nil, err
	}
	parsed, err := transcript.ParseHTTP(tr)
	if err != nil {
		return nil, err
	}
	if len(parsed.Requests) != 1 || len(parsed.Responses) != 1 {
		return nil, shared.NewTranscriptShapeError(len(parsed.Requests), len(parsed.Responses))
	}
	status := parsed.Responses[0].StatusCode
	log.Info("exchange complete",
		zap.Int("status", status),
		zap.Int("sent_bytes", tr.Len(transcript.DirectionSent)),
		zap.Int("recv_bytes", tr.Len(transcript.DirectionReceived)))
	if status != 200 {
		return nil, shared.NewUnexpectedStatusError(status)
	}

	out, err := engine.Prove(transcript.Commit(parsed))
	if err != nil {
		return nil, err
	}
	areq, err := engine.BuildRequest(out)
	if err != nil {
		return nil, err
	}

	// Reclaim the notary socket: handle close flushes and detaches the
	// driver, then the raw conn carries the attestation exchange.
	if err := engine.Close(); err != nil {
		return nil, err
	}
	if err := g.Wait(); err != nil {
		return nil, shared.NewProtocolError("attest", "session driver failed", err)
	}
	raw, err := driver.Detach()
	if err != nil {
		return nil, shared.NewProtocolError("attest", "reclaim notary socket", err)
	}

	att, err := exchangeAttestation(raw, areq, cfg.AttestationTimeout)
	if err != nil {
		return nil, err
	}
	if err := areq.Validate(att); err != nil {
		return nil, err
	}
	log.Info("attestation received and validated")

	proof, err := buildTranscriptProof(out.Secrets, parsed, cfg.Redact)
	if err != nil {
		return nil, err
	}
	blob, err := attestation.EncodePresentation(attestation.BuildPresentation(att, out.Secrets, proof))
	if err != nil {
		return nil, err
	}
	if err := writeFileAtomic(cfg.OutputPath, blob); err != nil {
		return nil, err
	}
	log.Info("presentation written",
		zap.String("path", cfg.OutputPath),
		zap.Int("bytes", len(blob)))

	return &Result{Presentation: blob, ServerHost: tgt.host, StatusCode: status}, nil
}

// buildHTTPRequest renders the single GET the prover sends. Connection:
// close delimits the response; Accept-Encoding: identity keeps the body
// bytes stable in the transcript.
func buildHTTPRequest(t target, cfg Config) []byte {
	var b strings.Builder
	b.WriteString("GET " + t.path + " HTTP/1.1\r\n")
	b.WriteString("Host: " + t.host + "\r\n")
	b.WriteString("Accept: " + cfg.Accept + "\r\n")
	b.WriteString("Accept-Encoding: identity\r\n")
	b.WriteString("Connection: close\r\n")
	b.WriteString("User-Agent: " + cfg.UserAgent + "\r\n")
	for _, h := range cfg.Headers {
		b.WriteString(h.Name + ": " + h.Value + "\r\n")
	}
	b.WriteString("\r\n")
	return []byte(b.String())
}

// exchangeAttestation runs the raw swap on the reclaimed notary socket:
// write the request, half-close, read the reply to EOF.
func exchangeAttestation(conn net.Conn, req *attestation.Request, timeout time.Duration) (*attestation.Attestation, error) {
	if timeout > 0 {
		conn.SetDeadline(time.Now().Add(timeout))
	}
	data, err := attestation.EncodeRequest(req)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Write(data); err != nil {
		return nil, shared.NewProtocolError("attest", "send attestation request", err)
	}
	cw, ok := conn.(interface{ CloseWrite() error })
	if !ok {
		return nil, shared.NewProtocolError("attest", fmt.Sprintf("connection %T cannot half-close", conn), nil)
	}
	if err := cw.CloseWrite(); err != nil {
		return nil, shared.NewProtocolError("attest", "half-close to notary", err)
	}
	raw, err := io.ReadAll(conn)
	if err != nil {
		return nil, shared.NewProtocolError("attest", "read attestation reply", err)
	}
	if len(raw) == 0 {
		return nil, shared.NewProtocolError("attest", "notary closed without issuing an attestation", nil)
	}
	return attestation.DecodeAttestation(raw)
}

// buildTranscriptProof walks the parsed exchange against the redaction
// set. Request: structure and target revealed, each header in full unless
// redacted, then name-only; the request body stays hidden. The response
// is revealed in full.
func buildTranscriptProof(secrets *attestation.Secrets, parsed *transcript.HTTPTranscript, redact *RedactionSet) (*attestation.TranscriptProof, error) {
	builder := secrets.ProofBuilder()

	req := &parsed.Requests[0]
	if err := builder.Reveal(req.Structure()); err != nil {
		return nil, err
	}
	if err := builder.Reveal(req.TargetRef()); err != nil {
		return nil, err
	}
	for _, h := range req.Headers {
		ref := h.Ref(transcript.DirectionSent)
		if redact.ShouldRedact(h.Name) {
			ref = h.NameOnlyRef(transcript.DirectionSent)
		}
		if err := builder.Reveal(ref); err != nil {
			return nil, err
		}
	}

	resp := &parsed.Responses[0]
	if err := builder.Reveal(resp.Structure()); err != nil {
		return nil, err
	}
	for _, h := range resp.Headers {
		if err := builder.Reveal(h.Ref(transcript.DirectionReceived)); err != nil {
			return nil, err
		}
	}
	if body, ok := resp.BodyRef(); ok {
		if err := builder.Reveal(body); err != nil {
			return nil, err
		}
	}
	return builder.Build()
}

// writeFileAtomic stages the artifact in a temp file and renames it into
// place, so an interrupted run never leaves a partial presentation.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".presentation-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write presentation: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close presentation: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("move presentation into place: %w", err)
	}
	return nil
}
