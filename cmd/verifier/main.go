package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"tlsn-mpc/shared"
	"tlsn-mpc/verifier"
)

// verifiedReport is the pretty JSON printed when the presentation holds up
type verifiedReport struct {
	Status         string `json:"status"`
	ServerName     string `json:"server_name"`
	NotaryKeyAlg   string `json:"notary_key_alg"`
	NotaryKey      string `json:"notary_key"`
	ConnectionTime string `json:"connection_time"`
	Request        string `json:"request"`
	ResponseBody   string `json:"response_body"`
	ResponseFull   string `json:"response_full"`
}

// failedReport is printed for any failure, usage errors included. A key
// mismatch additionally carries both keys.
type failedReport struct {
	Status   string `json:"status"`
	Error    string `json:"error"`
	Expected string `json:"expected,omitempty"`
	Actual   string `json:"actual,omitempty"`
}

var log *shared.Logger

func main() {
	godotenv.Load()

	presentationPath := flag.String("presentation", "", "path to the presentation file")
	notaryPubkey := flag.String("notary-pubkey", "", "expected notary key, compressed secp256k1 hex")
	flag.Parse()

	var err error
	log, err = shared.NewLoggerFromEnv("verifier")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if *presentationPath == "" {
		fail(errors.New("missing required flag --presentation"))
	}
	blob, err := os.ReadFile(*presentationPath)
	if err != nil {
		fail(fmt.Errorf("read presentation: %w", err))
	}

	out, err := verifier.Run(blob, *notaryPubkey)
	if err != nil {
		fail(err)
	}
	log.Info("presentation verified",
		zap.String("server_name", out.ServerName),
		zap.String("notary_key", out.Key))

	render(verifiedReport{
		Status:         "verified",
		ServerName:     out.ServerName,
		NotaryKeyAlg:   out.KeyAlg,
		NotaryKey:      out.Key,
		ConnectionTime: out.ConnectionTime.Format(time.RFC3339),
		Request:        out.Request,
		ResponseBody:   out.ResponseBody,
		ResponseFull:   out.ResponseFull,
	})
}

func fail(err error) {
	log.Warn("verification failed", zap.Error(err))
	report := failedReport{Status: "failed", Error: err.Error()}
	var mismatch *shared.KeyMismatchError
	if errors.As(err, &mismatch) {
		report.Error = mismatch.Message
		report.Expected = mismatch.Expected
		report.Actual = mismatch.Actual
	}
	render(report)
	os.Exit(1)
}

// render pretty-prints a report on stdout; logs stay on stderr
func render(report interface{}) {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to encode report: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(data))
}
