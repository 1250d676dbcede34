package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tlsn-mpc/notary"
	"tlsn-mpc/shared"
)

func main() {
	godotenv.Load()

	listen := flag.String("listen", "127.0.0.1:7047", "TCP listen address for framed sessions")
	wsListen := flag.String("ws-listen", "", "optional listen address for WebSocket sessions")
	keyFile := flag.String("key-file", "", "file holding the hex signing key; NOTARY_KEY env is the fallback")
	journalPath := flag.String("journal", "", "optional sqlite journal path")
	maxSent := flag.Uint("max-sent-data", uint(notary.DefaultConfig().MaxSentData), "largest sent-data cap accepted")
	maxRecv := flag.Uint("max-recv-data", uint(notary.DefaultConfig().MaxRecvData), "largest recv-data cap accepted")
	flag.Parse()

	logger, err := shared.NewLoggerFromEnv("notary")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	key, err := loadKey(*keyFile, logger)
	if err != nil {
		logger.Fatal("failed to load signing key", zap.Error(err))
	}
	logger.Info("signing key ready", zap.String("public_key", key.PublicKeyHex()))

	cfg := notary.DefaultConfig()
	cfg.MaxSentData = uint32(*maxSent)
	cfg.MaxRecvData = uint32(*maxRecv)
	cfg.SessionTimeout = shared.GetEnvDurationOrDefault("NOTARY_SESSION_TIMEOUT", cfg.SessionTimeout)

	var journal *notary.Journal
	if *journalPath != "" {
		journal, err = notary.OpenJournal(*journalPath)
		if err != nil {
			logger.Fatal("failed to open journal", zap.String("path", *journalPath), zap.Error(err))
		}
		defer journal.Close()
		logger.Info("journal open", zap.String("path", *journalPath))
	}

	srv := notary.NewServer(key, cfg, journal, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	ln, err := net.Listen("tcp", *listen)
	if err != nil {
		logger.Fatal("failed to listen", zap.String("addr", *listen), zap.Error(err))
	}
	g.Go(func() error { return srv.Serve(gctx, ln) })

	if *wsListen != "" {
		wsLn, err := net.Listen("tcp", *wsListen)
		if err != nil {
			logger.Fatal("failed to listen for websocket sessions", zap.String("addr", *wsListen), zap.Error(err))
		}
		g.Go(func() error { return srv.ServeWS(gctx, wsLn) })
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("notary stopped", zap.Error(err))
	}
	logger.Info("notary shut down")
}

// loadKey resolves the signing key: key file first, then the NOTARY_KEY
// environment variable, then an ephemeral key whose hex is logged so the
// run stays usable.
func loadKey(keyFile string, logger *shared.Logger) (*shared.SigningKeyPair, error) {
	if keyFile != "" {
		data, err := os.ReadFile(keyFile)
		if err != nil {
			return nil, fmt.Errorf("read key file: %w", err)
		}
		return shared.LoadSigningKeyPair(string(data))
	}
	if hexKey := os.Getenv("NOTARY_KEY"); hexKey != "" {
		return shared.LoadSigningKeyPair(hexKey)
	}
	key, err := shared.GenerateSigningKeyPair()
	if err != nil {
		return nil, err
	}
	logger.Warn("no signing key configured, generated an ephemeral one",
		zap.String("private_key", key.PrivateKeyHex()))
	return key, nil
}
