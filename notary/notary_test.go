package notary

import (
	"bytes"
	"context"
	"crypto/sha256"
	"io"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"tlsn-mpc/attestation"
	"tlsn-mpc/session"
	"tlsn-mpc/shared"
	"tlsn-mpc/transcript"
)

const notaryTestRequest = "GET /info?id=7 HTTP/1.1\r\n" +
	"Host: example.com\r\n" +
	"Accept: application/json\r\n" +
	"apiKey: secret123\r\n" +
	"Connection: close\r\n" +
	"\r\n"

const notaryTestResponse = "HTTP/1.1 200 OK\r\n" +
	"Content-Type: application/json\r\n" +
	"Content-Length: 15\r\n" +
	"\r\n" +
	`{"balance":100}`

func testHandshake() attestation.HandshakeData {
	return attestation.HandshakeData{
		Certs:   [][]byte{[]byte("leaf certificate der"), []byte("issuer certificate der")},
		Sig:     []byte("handshake signature"),
		Binding: bytes.Repeat([]byte{0xAB}, 32),
	}
}

// startNotary runs a server on a loopback TCP listener for the duration
// of the test.
func startNotary(t *testing.T, cfg Config, journal *Journal) (*Server, string) {
	t.Helper()
	key, err := shared.GenerateSigningKeyPair()
	if err != nil {
		t.Fatalf("Failed to generate notary key: %v", err)
	}
	srv := NewServer(key, cfg, journal, shared.NewNopLogger())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.Serve(ctx, ln)
	return srv, ln.Addr().String()
}

func dialNotary(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Failed to dial notary: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetDeadline(time.Now().Add(10 * time.Second))
	return conn
}

func sendMsg(t *testing.T, conn net.Conn, frameType uint8, msg interface{}) {
	t.Helper()
	payload, err := session.EncodeMsg(msg)
	if err != nil {
		t.Fatalf("Failed to encode frame payload: %v", err)
	}
	if err := session.WriteFrame(conn, session.Frame{Type: frameType, Payload: payload}); err != nil {
		t.Fatalf("Failed to write frame: %v", err)
	}
}

func recvFrame(t *testing.T, conn net.Conn) session.Frame {
	t.Helper()
	f, err := session.ReadFrame(conn)
	if err != nil {
		t.Fatalf("Failed to read frame: %v", err)
	}
	return f
}

// expectError reads a frame and requires it to be an error with the given
// code.
func expectError(t *testing.T, conn net.Conn, code string) {
	t.Helper()
	f := recvFrame(t, conn)
	if f.Type != session.FrameError {
		t.Fatalf("Expected error frame, got type %d", f.Type)
	}
	msg, err := session.DecodeErrorMsg(f.Payload)
	if err != nil {
		t.Fatalf("Failed to decode error frame: %v", err)
	}
	if msg.Code != code {
		t.Errorf("Expected error code %q, got %q (%s)", code, msg.Code, msg.Message)
	}
}

// openSession performs the hello and commit handshake with default caps
func openSession(t *testing.T, conn net.Conn) {
	t.Helper()
	sendMsg(t, conn, session.FrameHello, session.Hello{Version: session.ProtocolVersion})
	f := recvFrame(t, conn)
	if f.Type != session.FrameHelloAck {
		t.Fatalf("Expected hello ack, got frame type %d", f.Type)
	}
	var ack session.HelloAck
	if err := session.DecodeMsg(f.Payload, &ack); err != nil {
		t.Fatalf("Failed to decode hello ack: %v", err)
	}
	if ack.SessionID == "" {
		t.Error("Expected a session id in the hello ack")
	}

	sendMsg(t, conn, session.FrameCommitConfig, session.CommitConfigMsg{
		MaxSentData: DefaultConfig().MaxSentData,
		MaxRecvData: DefaultConfig().MaxRecvData,
	})
	f = recvFrame(t, conn)
	if f.Type != session.FrameCommitAck {
		t.Fatalf("Expected commit ack, got frame type %d", f.Type)
	}
	var cack session.CommitAck
	if err := session.DecodeMsg(f.Payload, &cack); err != nil {
		t.Fatalf("Failed to decode commit ack: %v", err)
	}
	if !cack.OK {
		t.Fatalf("Expected commit config to be accepted, got rejection: %s", cack.Reason)
	}
}

// sendTraffic accounts one chunk and returns the chain folded over it
func sendTraffic(t *testing.T, conn net.Conn, d transcript.Direction, data []byte, chain []byte) []byte {
	t.Helper()
	digest := sha256.Sum256(data)
	sendMsg(t, conn, session.FrameTraffic, session.TrafficMsg{
		Direction: uint8(d),
		Length:    uint32(len(data)),
		Digest:    digest[:],
	})
	return session.FoldTrafficChain(chain, digest[:])
}

// buildAttestationRequest commits the fixture transcript and assembles
// the request a prover would send after detaching.
func buildAttestationRequest(t *testing.T, sentChain, recvChain []byte) *attestation.Request {
	t.Helper()
	tr := transcript.New([]byte(notaryTestRequest), []byte(notaryTestResponse))
	parsed, err := transcript.ParseHTTP(tr)
	if err != nil {
		t.Fatalf("Failed to parse fixture transcript: %v", err)
	}
	out, err := attestation.BuildCommitments(tr, transcript.Commit(parsed), testHandshake(), bytes.Repeat([]byte{0x42}, 32))
	if err != nil {
		t.Fatalf("Failed to build commitments: %v", err)
	}
	return &attestation.Request{
		Version:             session.ProtocolVersion,
		ServerName:          "example.com",
		HandshakeCommitment: out.HandshakeCommitment(),
		Commitments:         out.Commitments,
		SentLen:             uint32(len(notaryTestRequest)),
		RecvLen:             uint32(len(notaryTestResponse)),
		SentDigest:          sentChain,
		RecvDigest:          recvChain,
	}
}

// exchangeAttestation writes the request, half-closes and reads the reply
// to EOF. Used over both TCP and WebSocket conns.
func exchangeAttestation(t *testing.T, conn net.Conn, req *attestation.Request) []byte {
	t.Helper()
	data, err := attestation.EncodeRequest(req)
	if err != nil {
		t.Fatalf("Failed to encode attestation request: %v", err)
	}
	if _, err := conn.Write(data); err != nil {
		t.Fatalf("Failed to write attestation request: %v", err)
	}
	cw, ok := conn.(interface{ CloseWrite() error })
	if !ok {
		t.Fatalf("Connection %T does not support half-close", conn)
	}
	if err := cw.CloseWrite(); err != nil {
		t.Fatalf("Failed to half-close: %v", err)
	}
	raw, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("Failed to read attestation reply: %v", err)
	}
	return raw
}

func TestServer_IssuesAttestation(t *testing.T) {
	srv, addr := startNotary(t, DefaultConfig(), nil)
	conn := dialNotary(t, addr)

	openSession(t, conn)
	sentChain := sendTraffic(t, conn, transcript.DirectionSent, []byte(notaryTestRequest), session.InitialTrafficChain())
	recvChain := sendTraffic(t, conn, transcript.DirectionReceived, []byte(notaryTestResponse), session.InitialTrafficChain())
	if err := session.WriteFrame(conn, session.Frame{Type: session.FrameDetach}); err != nil {
		t.Fatalf("Failed to send detach: %v", err)
	}

	req := buildAttestationRequest(t, sentChain, recvChain)
	raw := exchangeAttestation(t, conn, req)
	if len(raw) == 0 {
		t.Fatal("Expected an attestation, got nothing")
	}

	att, err := attestation.DecodeAttestation(raw)
	if err != nil {
		t.Fatalf("Failed to decode attestation: %v", err)
	}
	if err := att.VerifySignature(); err != nil {
		t.Fatalf("Attestation signature did not verify: %v", err)
	}
	if got := att.Key.Hex(); got != srv.PublicKeyHex() {
		t.Errorf("Expected attestation key %s, got %s", srv.PublicKeyHex(), got)
	}
	if err := req.Validate(att); err != nil {
		t.Fatalf("Attestation did not match the request: %v", err)
	}

	body, err := att.Body()
	if err != nil {
		t.Fatalf("Failed to decode attestation body: %v", err)
	}
	if body.ServerName != "example.com" {
		t.Errorf("Expected server name example.com, got %s", body.ServerName)
	}
	if body.SessionID == "" {
		t.Error("Expected a session id in the attestation body")
	}
	if body.SentLen != uint32(len(notaryTestRequest)) || body.RecvLen != uint32(len(notaryTestResponse)) {
		t.Errorf("Expected transcript lengths %d/%d, got %d/%d",
			len(notaryTestRequest), len(notaryTestResponse), body.SentLen, body.RecvLen)
	}
	issued := time.Unix(body.Time, 0)
	if d := time.Since(issued); d < -time.Minute || d > time.Minute {
		t.Errorf("Expected a recent attestation time, got %v", issued)
	}
}

func TestServer_RejectsOversizedCaps(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSentData = 1024
	_, addr := startNotary(t, cfg, nil)
	conn := dialNotary(t, addr)

	sendMsg(t, conn, session.FrameHello, session.Hello{Version: session.ProtocolVersion})
	recvFrame(t, conn)

	sendMsg(t, conn, session.FrameCommitConfig, session.CommitConfigMsg{
		MaxSentData: 4096,
		MaxRecvData: 1024,
	})
	f := recvFrame(t, conn)
	if f.Type != session.FrameCommitAck {
		t.Fatalf("Expected commit ack, got frame type %d", f.Type)
	}
	var ack session.CommitAck
	if err := session.DecodeMsg(f.Payload, &ack); err != nil {
		t.Fatalf("Failed to decode commit ack: %v", err)
	}
	if ack.OK {
		t.Fatal("Expected the commit config to be rejected")
	}
	if !strings.Contains(ack.Reason, "exceeds notary limit") {
		t.Errorf("Expected a limit rejection reason, got %q", ack.Reason)
	}
}

func TestServer_RejectsUnsupportedVersion(t *testing.T) {
	_, addr := startNotary(t, DefaultConfig(), nil)
	conn := dialNotary(t, addr)

	sendMsg(t, conn, session.FrameHello, session.Hello{Version: session.ProtocolVersion + 1})
	expectError(t, conn, "unsupported_version")
}

func TestServer_SequenceEnforcement(t *testing.T) {
	t.Run("CommitBeforeHello", func(t *testing.T) {
		_, addr := startNotary(t, DefaultConfig(), nil)
		conn := dialNotary(t, addr)
		sendMsg(t, conn, session.FrameCommitConfig, session.CommitConfigMsg{MaxSentData: 1, MaxRecvData: 1})
		expectError(t, conn, "bad_sequence")
	})

	t.Run("TrafficBeforeCommit", func(t *testing.T) {
		_, addr := startNotary(t, DefaultConfig(), nil)
		conn := dialNotary(t, addr)
		sendMsg(t, conn, session.FrameHello, session.Hello{Version: session.ProtocolVersion})
		recvFrame(t, conn)
		digest := sha256.Sum256([]byte("data"))
		sendMsg(t, conn, session.FrameTraffic, session.TrafficMsg{
			Direction: uint8(transcript.DirectionSent),
			Length:    4,
			Digest:    digest[:],
		})
		expectError(t, conn, "bad_sequence")
	})

	t.Run("DoubleCommit", func(t *testing.T) {
		_, addr := startNotary(t, DefaultConfig(), nil)
		conn := dialNotary(t, addr)
		openSession(t, conn)
		sendMsg(t, conn, session.FrameCommitConfig, session.CommitConfigMsg{MaxSentData: 1, MaxRecvData: 1})
		expectError(t, conn, "bad_sequence")
	})
}

func TestServer_RejectsTrafficOverCap(t *testing.T) {
	_, addr := startNotary(t, DefaultConfig(), nil)
	conn := dialNotary(t, addr)

	sendMsg(t, conn, session.FrameHello, session.Hello{Version: session.ProtocolVersion})
	recvFrame(t, conn)
	sendMsg(t, conn, session.FrameCommitConfig, session.CommitConfigMsg{MaxSentData: 8, MaxRecvData: 8})
	recvFrame(t, conn)

	digest := sha256.Sum256([]byte("0123456789abcdef"))
	sendMsg(t, conn, session.FrameTraffic, session.TrafficMsg{
		Direction: uint8(transcript.DirectionSent),
		Length:    16,
		Digest:    digest[:],
	})
	expectError(t, conn, "caps_exceeded")
}

func TestServer_RejectsMismatchedAccounting(t *testing.T) {
	run := func(t *testing.T, mutate func(*attestation.Request)) {
		t.Helper()
		_, addr := startNotary(t, DefaultConfig(), nil)
		conn := dialNotary(t, addr)

		openSession(t, conn)
		sentChain := sendTraffic(t, conn, transcript.DirectionSent, []byte(notaryTestRequest), session.InitialTrafficChain())
		recvChain := sendTraffic(t, conn, transcript.DirectionReceived, []byte(notaryTestResponse), session.InitialTrafficChain())
		if err := session.WriteFrame(conn, session.Frame{Type: session.FrameDetach}); err != nil {
			t.Fatalf("Failed to send detach: %v", err)
		}

		req := buildAttestationRequest(t, sentChain, recvChain)
		mutate(req)

		data, err := attestation.EncodeRequest(req)
		if err != nil {
			t.Fatalf("Failed to encode attestation request: %v", err)
		}
		if _, err := conn.Write(data); err != nil {
			t.Fatalf("Failed to write attestation request: %v", err)
		}
		conn.(*net.TCPConn).CloseWrite()
		raw, _ := io.ReadAll(conn)
		if len(raw) != 0 {
			t.Fatalf("Expected no attestation for a mismatched request, got %d bytes", len(raw))
		}
	}

	t.Run("WrongSentLength", func(t *testing.T) {
		run(t, func(r *attestation.Request) { r.SentLen++ })
	})
	t.Run("WrongRecvChain", func(t *testing.T) {
		run(t, func(r *attestation.Request) { r.RecvDigest[0] ^= 0x01 })
	})
	t.Run("NoCommitments", func(t *testing.T) {
		run(t, func(r *attestation.Request) { r.Commitments = nil })
	})
	t.Run("CommitmentRangeBeyondTranscript", func(t *testing.T) {
		run(t, func(r *attestation.Request) {
			r.Commitments[0].Ranges = []transcript.Range{{Start: 0, End: r.SentLen + 1}}
		})
	})
	t.Run("EmptyServerName", func(t *testing.T) {
		run(t, func(r *attestation.Request) { r.ServerName = "" })
	})
}

func TestServer_WebSocketSession(t *testing.T) {
	key, err := shared.GenerateSigningKeyPair()
	if err != nil {
		t.Fatalf("Failed to generate notary key: %v", err)
	}
	srv := NewServer(key, DefaultConfig(), nil, shared.NewNopLogger())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.ServeWS(ctx, ln)

	ws, _, err := websocket.DefaultDialer.Dial("ws://"+ln.Addr().String()+"/session", nil)
	if err != nil {
		t.Fatalf("Failed to dial websocket: %v", err)
	}
	conn := session.NewWSConn(ws)
	t.Cleanup(func() { conn.Close() })
	conn.SetDeadline(time.Now().Add(10 * time.Second))

	openSession(t, conn)
	sentChain := sendTraffic(t, conn, transcript.DirectionSent, []byte(notaryTestRequest), session.InitialTrafficChain())
	recvChain := sendTraffic(t, conn, transcript.DirectionReceived, []byte(notaryTestResponse), session.InitialTrafficChain())
	if err := session.WriteFrame(conn, session.Frame{Type: session.FrameDetach}); err != nil {
		t.Fatalf("Failed to send detach: %v", err)
	}

	req := buildAttestationRequest(t, sentChain, recvChain)
	raw := exchangeAttestation(t, conn, req)
	att, err := attestation.DecodeAttestation(raw)
	if err != nil {
		t.Fatalf("Failed to decode attestation from websocket session: %v", err)
	}
	if err := req.Validate(att); err != nil {
		t.Fatalf("Attestation did not match the request: %v", err)
	}
	if got := att.Key.Hex(); got != srv.PublicKeyHex() {
		t.Errorf("Expected attestation key %s, got %s", srv.PublicKeyHex(), got)
	}
}

func TestServer_JournalsAttestations(t *testing.T) {
	journal, err := OpenJournal(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("Failed to open journal: %v", err)
	}
	t.Cleanup(func() { journal.Close() })

	_, addr := startNotary(t, DefaultConfig(), journal)
	conn := dialNotary(t, addr)

	openSession(t, conn)
	sentChain := sendTraffic(t, conn, transcript.DirectionSent, []byte(notaryTestRequest), session.InitialTrafficChain())
	recvChain := sendTraffic(t, conn, transcript.DirectionReceived, []byte(notaryTestResponse), session.InitialTrafficChain())
	if err := session.WriteFrame(conn, session.Frame{Type: session.FrameDetach}); err != nil {
		t.Fatalf("Failed to send detach: %v", err)
	}
	raw := exchangeAttestation(t, conn, buildAttestationRequest(t, sentChain, recvChain))
	if _, err := attestation.DecodeAttestation(raw); err != nil {
		t.Fatalf("Failed to decode attestation: %v", err)
	}

	// The journal write happens after the reply; poll briefly.
	deadline := time.Now().Add(5 * time.Second)
	for {
		n, err := journal.CountForServer(context.Background(), "example.com")
		if err != nil {
			t.Fatalf("Failed to count journal entries: %v", err)
		}
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Expected 1 journal entry for example.com, got %d", n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestJournal_RecordAndCount(t *testing.T) {
	journal, err := OpenJournal(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("Failed to open journal: %v", err)
	}
	defer journal.Close()

	ctx := context.Background()
	now := time.Now()
	if err := journal.Record(ctx, "s1", "example.com", 100, 200, now); err != nil {
		t.Fatalf("Failed to record attestation: %v", err)
	}
	if err := journal.Record(ctx, "s2", "example.com", 150, 250, now); err != nil {
		t.Fatalf("Failed to record attestation: %v", err)
	}
	if err := journal.Record(ctx, "s3", "other.test", 10, 20, now); err != nil {
		t.Fatalf("Failed to record attestation: %v", err)
	}

	n, err := journal.CountForServer(ctx, "example.com")
	if err != nil {
		t.Fatalf("Failed to count: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected 2 attestations for example.com, got %d", n)
	}
	n, err = journal.CountForServer(ctx, "missing.test")
	if err != nil {
		t.Fatalf("Failed to count: %v", err)
	}
	if n != 0 {
		t.Errorf("Expected 0 attestations for missing.test, got %d", n)
	}
}
