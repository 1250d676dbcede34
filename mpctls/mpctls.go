// Package mpctls implements the prover side of the transcript-binding
// protocol. A Prover negotiates transcript caps with the notary over an
// established session, binds a TLS connection to the target so every
// plaintext chunk is accounted to the notary as it moves, and finally
// produces blinded commitments over the finished transcript. The notary
// learns chunk lengths and digests, never plaintext.
package mpctls

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"fmt"
	"net"

	"go.uber.org/zap"

	"tlsn-mpc/attestation"
	"tlsn-mpc/session"
	"tlsn-mpc/shared"
	"tlsn-mpc/transcript"
)

// bindingLabel is the keying-material exporter label for the session
// binding committed in the handshake data.
const bindingLabel = "EXPORTER-transcript-binding"

// Prover drives the binding protocol over a notary session handle:
// negotiate caps, bind a TLS connection, account its traffic, and
// produce commitments over the finished transcript.
type Prover struct {
	handle *session.Handle
	log    *shared.Logger

	caps      CommitConfig
	sessionID string
	committed bool

	serverName string
	handshake  attestation.HandshakeData
	conn       *Conn
	drive      *Drive
}

// NewProver wraps an established session handle
func NewProver(handle *session.Handle, log *shared.Logger) *Prover {
	if log == nil {
		log = shared.NewNopLogger()
	}
	return &Prover{handle: handle, log: log}
}

// SessionID returns the notary-assigned session id, available after
// Commit.
func (p *Prover) SessionID() string { return p.sessionID }

// send encodes a message and queues it as one frame
func (p *Prover) send(ctx context.Context, frameType uint8, msg interface{}) error {
	payload, err := session.EncodeMsg(msg)
	if err != nil {
		return fmt.Errorf("encode frame %d: %w", frameType, err)
	}
	return p.handle.Send(ctx, session.Frame{Type: frameType, Payload: payload})
}

// recv awaits one frame of the given type and decodes it into msg
func (p *Prover) recv(ctx context.Context, frameType uint8, msg interface{}) error {
	f, err := p.handle.Recv(ctx)
	if err != nil {
		return err
	}
	if f.Type != frameType {
		return fmt.Errorf("expected frame type %d, got %d", frameType, f.Type)
	}
	return session.DecodeMsg(f.Payload, msg)
}

// Commit negotiates the transcript-size ceiling with the notary. Must
// complete before Connect: the caps are an invariant of the whole
// session, not a per-connection knob.
func (p *Prover) Commit(ctx context.Context, caps CommitConfig) error {
	if p.committed {
		return shared.NewProtocolError("commit", "configuration already committed", nil)
	}
	if err := caps.Validate(); err != nil {
		return err
	}

	if err := p.send(ctx, session.FrameHello, session.Hello{Version: session.ProtocolVersion}); err != nil {
		return shared.NewProtocolError("commit", "send hello", err)
	}
	var hello session.HelloAck
	if err := p.recv(ctx, session.FrameHelloAck, &hello); err != nil {
		return shared.NewProtocolError("commit", "await hello ack", err)
	}
	p.sessionID = hello.SessionID

	if err := p.send(ctx, session.FrameCommitConfig, session.CommitConfigMsg{
		MaxSentData: caps.MaxSentData,
		MaxRecvData: caps.MaxRecvData,
	}); err != nil {
		return shared.NewProtocolError("commit", "send commit config", err)
	}
	var ack session.CommitAck
	if err := p.recv(ctx, session.FrameCommitAck, &ack); err != nil {
		return shared.NewProtocolError("commit", "await commit ack", err)
	}
	if !ack.OK {
		return shared.NewProtocolError("commit", "notary rejected commit config: "+ack.Reason, nil)
	}

	p.caps = caps
	p.committed = true
	p.log.Info("commit configuration accepted",
		zap.String("session_id", p.sessionID),
		zap.Uint32("max_sent_data", caps.MaxSentData),
		zap.Uint32("max_recv_data", caps.MaxRecvData))
	return nil
}

// Connect dials the target, performs the TLS handshake and binds the
// connection: the identity material is captured for attestation and all
// traffic is wired into accounting. The returned drive must be kept
// running concurrently for as long as the connection is used; reads and
// writes block against it.
func (p *Prover) Connect(ctx context.Context, addr string, cfg ClientConfig) (*Conn, *Drive, error) {
	if !p.committed {
		return nil, nil, shared.NewProtocolError("connect", "commit configuration before connecting", nil)
	}
	if p.conn != nil {
		return nil, nil, shared.NewProtocolError("connect", "connection already bound", nil)
	}

	var dialer net.Dialer
	raw, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, nil, shared.NewConnectionError(addr, err)
	}

	tlsConn := tls.Client(raw, &tls.Config{
		ServerName: cfg.ServerName,
		RootCAs:    cfg.RootCAs,
		MinVersion: tls.VersionTLS12,
	})
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		raw.Close()
		return nil, nil, shared.NewProtocolError("connect", "TLS handshake with target", err)
	}

	handshake, err := captureHandshake(tlsConn.ConnectionState())
	if err != nil {
		tlsConn.Close()
		return nil, nil, err
	}

	p.serverName = cfg.ServerName
	p.handshake = handshake
	p.conn = newConn(tlsConn, p.caps)
	p.drive = &Drive{handle: p.handle, conn: p.conn, log: p.log}
	p.log.Info("bound target connection",
		zap.String("addr", addr),
		zap.String("server_name", cfg.ServerName))
	return p.conn, p.drive, nil
}

// captureHandshake extracts the attestable identity material from a
// completed TLS handshake.
func captureHandshake(state tls.ConnectionState) (attestation.HandshakeData, error) {
	if len(state.PeerCertificates) == 0 {
		return attestation.HandshakeData{}, shared.NewMissingHandshakeDataError("certificate chain")
	}
	certs := make([][]byte, 0, len(state.PeerCertificates))
	for _, cert := range state.PeerCertificates {
		certs = append(certs, cert.Raw)
	}
	binding, err := state.ExportKeyingMaterial(bindingLabel, nil, 32)
	if err != nil {
		return attestation.HandshakeData{}, shared.NewMissingHandshakeDataError(
			fmt.Sprintf("session binding (%v)", err))
	}

	handshake := attestation.HandshakeData{
		Certs:   certs,
		Sig:     state.PeerCertificates[0].Signature,
		Binding: binding,
	}
	if err := handshake.Validate(); err != nil {
		return attestation.HandshakeData{}, err
	}
	return handshake, nil
}

// Transcript returns the captured streams of the bound connection
func (p *Prover) Transcript() (*transcript.Transcript, error) {
	if p.conn == nil {
		return nil, shared.NewProtocolError("prove", "no bound connection", nil)
	}
	return p.conn.Transcript(), nil
}

// Prove computes one blinded commitment per entry of the commit config
// over the finished transcript. Blinders derive from a fresh random seed.
func (p *Prover) Prove(cfg *transcript.CommitConfig) (*attestation.ProverOutput, error) {
	tr, err := p.Transcript()
	if err != nil {
		return nil, err
	}
	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		return nil, shared.NewProtocolError("prove", "draw commitment seed", err)
	}
	return attestation.BuildCommitments(tr, cfg, p.handshake, seed)
}

// BuildRequest assembles the attestation request for a prove output. The
// bound connection must be closed and its drive finished, so the digest
// chain heads are final.
func (p *Prover) BuildRequest(out *attestation.ProverOutput) (*attestation.Request, error) {
	if p.conn == nil || p.drive == nil {
		return nil, shared.NewProtocolError("attest", "no bound connection", nil)
	}
	select {
	case <-p.conn.driveDone:
	default:
		return nil, shared.NewProtocolError("attest", "drive task still running", nil)
	}

	sentChain, recvChain := p.drive.Chains()
	tr := out.Secrets.Transcript
	return &attestation.Request{
		Version:             session.ProtocolVersion,
		ServerName:          p.serverName,
		HandshakeCommitment: out.HandshakeCommitment(),
		Commitments:         out.Commitments,
		SentLen:             uint32(tr.Len(transcript.DirectionSent)),
		RecvLen:             uint32(tr.Len(transcript.DirectionReceived)),
		SentDigest:          sentChain,
		RecvDigest:          recvChain,
	}, nil
}

// Close releases the prover's session handle. The notary socket itself
// is reclaimed from the session driver by the caller, in that order.
func (p *Prover) Close() error {
	return p.handle.Close()
}
