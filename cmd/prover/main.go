package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"tlsn-mpc/prover"
	"tlsn-mpc/shared"
)

// headerFlag collects repeatable --header name=value arguments
type headerFlag []prover.Header

func (h *headerFlag) String() string {
	parts := make([]string, 0, len(*h))
	for _, hd := range *h {
		parts = append(parts, hd.Name+"="+hd.Value)
	}
	return strings.Join(parts, ",")
}

func (h *headerFlag) Set(v string) error {
	name, value, ok := strings.Cut(v, "=")
	if !ok || strings.TrimSpace(name) == "" {
		return fmt.Errorf("expected name=value, got %q", v)
	}
	*h = append(*h, prover.Header{Name: strings.TrimSpace(name), Value: strings.TrimSpace(value)})
	return nil
}

// result is the single JSON line printed to stdout on success
type result struct {
	Status         string `json:"status"`
	Output         string `json:"output"`
	Server         string `json:"server"`
	ResponseStatus int    `json:"response_status"`
}

func main() {
	godotenv.Load()

	var headers headerFlag
	url := flag.String("url", "", "HTTPS URL to fetch and attest")
	notaryHost := flag.String("notary-host", prover.DefaultNotaryHost, "notary host")
	notaryPort := flag.Int("notary-port", prover.DefaultNotaryPort, "notary port")
	output := flag.String("output", "presentation.tlsn", "path for the presentation file")
	redact := flag.String("redact-headers", prover.DefaultRedactHeaders,
		"comma-separated header names whose values stay secret")
	configPath := flag.String("config", "", "optional JSON config file")
	flag.Var(&headers, "header", "extra request header as name=value, repeatable")
	flag.Parse()

	log, err := shared.NewLoggerFromEnv("prover")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	cfg := prover.DefaultConfig()
	cfg.URL = *url
	cfg.NotaryHost = *notaryHost
	cfg.NotaryPort = *notaryPort
	cfg.OutputPath = *output
	cfg.Logger = log

	if *configPath != "" {
		if err := cfg.ApplyFile(*configPath); err != nil {
			log.Error("failed to load config file", zap.String("path", *configPath), zap.Error(err))
			os.Exit(1)
		}
	}
	// An explicit --redact-headers wins over the config file.
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "redact-headers" {
			cfg.Redact = prover.ParseRedactList(*redact)
		}
	})
	cfg.Headers = append(cfg.Headers, headers...)

	res, err := prover.Run(context.Background(), cfg)
	if err != nil {
		log.Error("attested request failed", zap.Error(err))
		os.Exit(1)
	}
	log.Info("presentation written",
		zap.String("output", cfg.OutputPath),
		zap.Int("size", len(res.Presentation)))

	line, err := json.Marshal(result{
		Status:         "success",
		Output:         cfg.OutputPath,
		Server:         res.ServerHost,
		ResponseStatus: res.StatusCode,
	})
	if err != nil {
		log.Error("failed to encode result", zap.Error(err))
		os.Exit(1)
	}
	fmt.Println(string(line))
}
