// Package notary implements the attestation server. A notary accounts
// the traffic of a bound connection from digest frames alone, then signs
// an attestation over the prover's transcript commitments. It never sees
// application plaintext: lengths, chunk digests and blinded commitments
// are all it learns.
package notary

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"tlsn-mpc/attestation"
	"tlsn-mpc/mpctls"
	"tlsn-mpc/session"
	"tlsn-mpc/shared"
	"tlsn-mpc/transcript"
)

// maxCommitments bounds one attestation request. A full-structure commit
// of a capped transcript stays far below this.
const maxCommitments = 2048

// Config holds the notary's session policy
type Config struct {
	// MaxSentData and MaxRecvData are the largest caps the notary
	// accepts in a commit configuration.
	MaxSentData uint32
	MaxRecvData uint32
	// SessionTimeout bounds one session from accept to attestation.
	// Zero disables the deadline.
	SessionTimeout time.Duration
}

// DefaultConfig returns the standard policy
func DefaultConfig() Config {
	return Config{
		MaxSentData:    mpctls.DefaultMaxSentData,
		MaxRecvData:    mpctls.DefaultMaxRecvData,
		SessionTimeout: 2 * time.Minute,
	}
}

// Server accounts prover sessions and signs attestations
type Server struct {
	key      *shared.SigningKeyPair
	cfg      Config
	journal  *Journal
	log      *shared.Logger
	upgrader websocket.Upgrader
}

// NewServer builds a notary server. The journal is optional; without one
// issued attestations are only logged.
func NewServer(key *shared.SigningKeyPair, cfg Config, journal *Journal, log *shared.Logger) *Server {
	if log == nil {
		log = shared.NewNopLogger()
	}
	return &Server{
		key:     key,
		cfg:     cfg,
		journal: journal,
		log:     log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			// the session protocol authenticates itself; browser-origin
			// checks do not apply
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// PublicKeyHex returns the verifying key provers and verifiers pin
func (s *Server) PublicKeyHex() string {
	return s.key.PublicKeyHex()
}

// Serve accepts framed TCP sessions until ctx is cancelled or the
// listener fails.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	s.log.Info("notary listening", zap.String("addr", ln.Addr().String()))
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("accept: %w", err)
		}
		go s.handleConn(ctx, conn)
	}
}

// ServeWS accepts sessions over WebSocket at /session. Each connection
// is adapted to the frame protocol; an empty binary message acts as the
// prover's half-close during the attestation exchange.
func (s *Server) ServeWS(ctx context.Context, ln net.Listener) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/session", func(w http.ResponseWriter, r *http.Request) {
		ws, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.log.Warn("websocket upgrade failed", zap.Error(err))
			return
		}
		s.handleConn(ctx, session.NewWSConn(ws))
	})

	srv := &http.Server{Handler: mux}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	s.log.Info("notary listening for websocket sessions", zap.String("addr", ln.Addr().String()))
	err := srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return ctx.Err()
	}
	return err
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	id := uuid.NewString()
	log := s.log.WithSession(id)
	if s.cfg.SessionTimeout > 0 {
		conn.SetDeadline(time.Now().Add(s.cfg.SessionTimeout))
	}
	log.Info("session opened", zap.String("remote", conn.RemoteAddr().String()))

	if err := s.runSession(ctx, conn, id, log); err != nil {
		log.Warn("session failed", zap.Error(err))
		return
	}
	log.Info("session completed")
}

// sessionState is the notary's view of one prover session: the committed
// caps and the running traffic accounting.
type sessionState struct {
	id        string
	helloSeen bool
	caps      *session.CommitConfigMsg
	sentLen   uint64
	recvLen   uint64
	sentChain []byte
	recvChain []byte
}

// runSession executes the framed phase of the protocol and hands over to
// the attestation exchange when the prover detaches.
func (s *Server) runSession(ctx context.Context, conn net.Conn, id string, log *zap.Logger) error {
	st := &sessionState{
		id:        id,
		sentChain: session.InitialTrafficChain(),
		recvChain: session.InitialTrafficChain(),
	}

	for {
		f, err := session.ReadFrame(conn)
		if err != nil {
			return fmt.Errorf("read frame: %w", err)
		}

		switch f.Type {
		case session.FrameHello:
			var hello session.Hello
			if err := session.DecodeMsg(f.Payload, &hello); err != nil {
				return s.reject(conn, "bad_frame", "undecodable hello")
			}
			if hello.Version != session.ProtocolVersion {
				return s.reject(conn, "unsupported_version",
					fmt.Sprintf("protocol version %d not supported", hello.Version))
			}
			st.helloSeen = true
			if err := s.reply(conn, session.FrameHelloAck, session.HelloAck{SessionID: id}); err != nil {
				return err
			}

		case session.FrameCommitConfig:
			if !st.helloSeen {
				return s.reject(conn, "bad_sequence", "commit config before hello")
			}
			if st.caps != nil {
				return s.reject(conn, "bad_sequence", "commit config already set")
			}
			var msg session.CommitConfigMsg
			if err := session.DecodeMsg(f.Payload, &msg); err != nil {
				return s.reject(conn, "bad_frame", "undecodable commit config")
			}
			if reason := s.checkCaps(msg); reason != "" {
				if err := s.reply(conn, session.FrameCommitAck, session.CommitAck{OK: false, Reason: reason}); err != nil {
					return err
				}
				return fmt.Errorf("commit config rejected: %s", reason)
			}
			st.caps = &msg
			if err := s.reply(conn, session.FrameCommitAck, session.CommitAck{OK: true}); err != nil {
				return err
			}
			log.Info("commit config accepted",
				zap.Uint32("max_sent_data", msg.MaxSentData),
				zap.Uint32("max_recv_data", msg.MaxRecvData))

		case session.FrameTraffic:
			if st.caps == nil {
				return s.reject(conn, "bad_sequence", "traffic before commit config")
			}
			var msg session.TrafficMsg
			if err := session.DecodeMsg(f.Payload, &msg); err != nil {
				return s.reject(conn, "bad_frame", "undecodable traffic message")
			}
			if err := s.account(st, msg); err != nil {
				return s.reject(conn, "caps_exceeded", err.Error())
			}

		case session.FrameDetach:
			return s.attest(ctx, conn, st, log)

		default:
			return s.reject(conn, "bad_frame", fmt.Sprintf("unexpected frame type %d", f.Type))
		}
	}
}

// account folds one traffic message into the session accounting
func (s *Server) account(st *sessionState, msg session.TrafficMsg) error {
	if len(msg.Digest) != sha256.Size {
		return fmt.Errorf("chunk digest must be %d bytes", sha256.Size)
	}
	switch transcript.Direction(msg.Direction) {
	case transcript.DirectionSent:
		if st.sentLen+uint64(msg.Length) > uint64(st.caps.MaxSentData) {
			return fmt.Errorf("sent traffic exceeds committed cap of %d bytes", st.caps.MaxSentData)
		}
		st.sentLen += uint64(msg.Length)
		st.sentChain = session.FoldTrafficChain(st.sentChain, msg.Digest)
	case transcript.DirectionReceived:
		if st.recvLen+uint64(msg.Length) > uint64(st.caps.MaxRecvData) {
			return fmt.Errorf("received traffic exceeds committed cap of %d bytes", st.caps.MaxRecvData)
		}
		st.recvLen += uint64(msg.Length)
		st.recvChain = session.FoldTrafficChain(st.recvChain, msg.Digest)
	default:
		return fmt.Errorf("unknown traffic direction %d", msg.Direction)
	}
	return nil
}

// checkCaps returns a rejection reason, or "" when the requested caps
// are acceptable.
func (s *Server) checkCaps(msg session.CommitConfigMsg) string {
	if msg.MaxSentData == 0 || msg.MaxRecvData == 0 {
		return "caps must be positive"
	}
	if msg.MaxSentData > s.cfg.MaxSentData {
		return fmt.Sprintf("max sent data %d exceeds notary limit %d", msg.MaxSentData, s.cfg.MaxSentData)
	}
	if msg.MaxRecvData > s.cfg.MaxRecvData {
		return fmt.Sprintf("max recv data %d exceeds notary limit %d", msg.MaxRecvData, s.cfg.MaxRecvData)
	}
	return ""
}

// attest handles the raw exchange after detach: read the request to EOF,
// validate it against the accounted session, reply with the signed
// attestation and half-close.
func (s *Server) attest(ctx context.Context, conn net.Conn, st *sessionState, log *zap.Logger) error {
	raw, err := io.ReadAll(conn)
	if err != nil {
		return fmt.Errorf("read attestation request: %w", err)
	}
	req, err := attestation.DecodeRequest(raw)
	if err != nil {
		return err
	}
	if err := s.validateRequest(req, st); err != nil {
		return err
	}

	issuedAt := time.Now()
	att, err := attestation.Sign(&attestation.Body{
		Version:             session.ProtocolVersion,
		SessionID:           st.id,
		ServerName:          req.ServerName,
		Time:                issuedAt.Unix(),
		HandshakeCommitment: req.HandshakeCommitment,
		Commitments:         req.Commitments,
		SentLen:             req.SentLen,
		RecvLen:             req.RecvLen,
		SentDigest:          req.SentDigest,
		RecvDigest:          req.RecvDigest,
	}, s.key)
	if err != nil {
		return err
	}
	data, err := attestation.EncodeAttestation(att)
	if err != nil {
		return err
	}
	if _, err := conn.Write(data); err != nil {
		return fmt.Errorf("write attestation: %w", err)
	}
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		cw.CloseWrite()
	}

	if s.journal != nil {
		if err := s.journal.Record(ctx, st.id, req.ServerName, req.SentLen, req.RecvLen, issuedAt); err != nil {
			log.Warn("failed to journal attestation", zap.Error(err))
		}
	}
	log.Info("attestation issued",
		zap.String("server_name", req.ServerName),
		zap.Uint32("sent_len", req.SentLen),
		zap.Uint32("recv_len", req.RecvLen),
		zap.Int("commitments", len(req.Commitments)))
	return nil
}

// validateRequest checks an attestation request against the session's
// own accounting. The notary signs nothing it did not observe.
func (s *Server) validateRequest(req *attestation.Request, st *sessionState) error {
	if st.caps == nil {
		return shared.NewProtocolError("attest", "no committed configuration", nil)
	}
	if req.ServerName == "" {
		return shared.NewInvalidInputError("attestation request has no server name", nil)
	}
	if len(req.HandshakeCommitment) != sha256.Size {
		return shared.NewInvalidInputError("handshake commitment must be 32 bytes", nil)
	}
	if uint64(req.SentLen) != st.sentLen || uint64(req.RecvLen) != st.recvLen {
		return shared.NewProtocolError("attest",
			fmt.Sprintf("claimed transcript lengths %d/%d do not match accounted %d/%d",
				req.SentLen, req.RecvLen, st.sentLen, st.recvLen), nil)
	}
	if !bytes.Equal(req.SentDigest, st.sentChain) || !bytes.Equal(req.RecvDigest, st.recvChain) {
		return shared.NewProtocolError("attest", "digest chains do not match accounted traffic", nil)
	}
	if len(req.Commitments) == 0 {
		return shared.NewInvalidInputError("attestation request has no commitments", nil)
	}
	if len(req.Commitments) > maxCommitments {
		return shared.NewInvalidInputError(
			fmt.Sprintf("too many commitments: %d exceeds %d", len(req.Commitments), maxCommitments), nil)
	}
	for i, c := range req.Commitments {
		var limit int
		switch transcript.Direction(c.Direction) {
		case transcript.DirectionSent:
			limit = int(req.SentLen)
		case transcript.DirectionReceived:
			limit = int(req.RecvLen)
		default:
			return shared.NewInvalidInputError(
				fmt.Sprintf("commitment %d has unknown direction %d", i, c.Direction), nil)
		}
		if len(c.Digest) != sha256.Size {
			return shared.NewInvalidInputError(
				fmt.Sprintf("commitment %d digest must be %d bytes", i, sha256.Size), nil)
		}
		if len(c.Ranges) == 0 || !transcript.RangesWithin(c.Ranges, limit) {
			return shared.NewInvalidInputError(
				fmt.Sprintf("commitment %d ranges exceed the transcript", i), nil)
		}
	}
	return nil
}

func (s *Server) reply(conn net.Conn, frameType uint8, msg interface{}) error {
	payload, err := session.EncodeMsg(msg)
	if err != nil {
		return fmt.Errorf("encode reply: %w", err)
	}
	if err := session.WriteFrame(conn, session.Frame{Type: frameType, Payload: payload}); err != nil {
		return fmt.Errorf("write reply: %w", err)
	}
	return nil
}

// reject sends an error frame and returns the failure for logging
func (s *Server) reject(conn net.Conn, code, message string) error {
	payload, err := session.EncodeMsg(session.ErrorMsg{Code: code, Message: message})
	if err == nil {
		session.WriteFrame(conn, session.Frame{Type: session.FrameError, Payload: payload})
	}
	return fmt.Errorf("%s: %s", code, message)
}
