package prover

import (
	"crypto/x509"
	"encoding/json"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"tlsn-mpc/mpctls"
	"tlsn-mpc/shared"
)

// Defaults for the prover CLI. The User-Agent mimics a desktop browser so
// targets serve the same representation a user would see.
const (
	DefaultNotaryHost    = "127.0.0.1"
	DefaultNotaryPort    = 7047
	DefaultRedactHeaders = "authorization,apikey,x-api-key"
	DefaultUserAgent     = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	DefaultAccept        = "application/json"
)

// Header is one extra request header, sent in the order configured
type Header struct {
	Name  string
	Value string
}

// Config carries everything one attested request needs
type Config struct {
	// URL is the https resource to fetch.
	URL string
	// NotaryHost and NotaryPort locate the notary's TCP listener.
	NotaryHost string
	NotaryPort int
	// OutputPath receives the serialized presentation.
	OutputPath string
	// Redact decides which request header values stay hidden.
	Redact *RedactionSet

	UserAgent string
	Accept    string
	// Headers are appended after the fixed request headers.
	Headers []Header

	// Caps bound the transcript; they are committed to the notary before
	// any target traffic flows.
	Caps mpctls.CommitConfig

	// RootCAs overrides the trust anchors for the target's certificate.
	// Nil means system roots.
	RootCAs *x509.CertPool

	// DialTimeout applies to the notary and target dials. Zero disables.
	DialTimeout time.Duration
	// AttestationTimeout bounds the raw attestation round-trip on the
	// reclaimed notary socket. Zero disables.
	AttestationTimeout time.Duration

	Logger *shared.Logger
}

// DefaultConfig returns a config with every tunable at its default.
// URL and OutputPath must still be set by the caller.
func DefaultConfig() Config {
	return Config{
		NotaryHost:         DefaultNotaryHost,
		NotaryPort:         DefaultNotaryPort,
		Redact:             ParseRedactList(DefaultRedactHeaders),
		UserAgent:          DefaultUserAgent,
		Accept:             DefaultAccept,
		Caps:               mpctls.DefaultCommitConfig(),
		DialTimeout:        shared.GetEnvDurationOrDefault("PROVER_DIAL_TIMEOUT", 30*time.Second),
		AttestationTimeout: shared.GetEnvDurationOrDefault("PROVER_ATTESTATION_TIMEOUT", time.Minute),
	}
}

// configFileSchema validates the optional --config JSON file before any
// of it is applied.
const configFileSchema = `{
	"type": "object",
	"additionalProperties": false,
	"properties": {
		"user_agent":     {"type": "string", "minLength": 1},
		"accept":         {"type": "string", "minLength": 1},
		"headers":        {"type": "object", "additionalProperties": {"type": "string"}},
		"max_sent_data":  {"type": "integer", "minimum": 1, "maximum": 4294967295},
		"max_recv_data":  {"type": "integer", "minimum": 1, "maximum": 4294967295},
		"redact_headers": {"type": "array", "items": {"type": "string", "minLength": 1}}
	}
}`

var (
	configSchemaOnce sync.Once
	configSchema     *gojsonschema.Schema
	configSchemaErr  error
)

func compiledConfigSchema() (*gojsonschema.Schema, error) {
	configSchemaOnce.Do(func() {
		configSchema, configSchemaErr = gojsonschema.NewSchema(gojsonschema.NewStringLoader(configFileSchema))
	})
	return configSchema, configSchemaErr
}

type configFile struct {
	UserAgent     *string           `json:"user_agent"`
	Accept        *string           `json:"accept"`
	Headers       map[string]string `json:"headers"`
	MaxSentData   *uint32           `json:"max_sent_data"`
	MaxRecvData   *uint32           `json:"max_recv_data"`
	RedactHeaders []string          `json:"redact_headers"`
}

// ApplyFile overlays a JSON config file onto the config. The file is
// schema-validated first; nothing is applied from an invalid file.
func (c *Config) ApplyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return shared.NewInvalidInputError("read config file", err)
	}

	schema, err := compiledConfigSchema()
	if err != nil {
		return shared.NewInvalidInputError("compile config schema", err)
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return shared.NewInvalidInputError("config file is not valid JSON", err)
	}
	if !result.Valid() {
		var b strings.Builder
		for _, e := range result.Errors() {
			if b.Len() > 0 {
				b.WriteString("; ")
			}
			b.WriteString(e.String())
		}
		return shared.NewInvalidInputError("config file rejected by schema: "+b.String(), nil)
	}

	var f configFile
	if err := json.Unmarshal(data, &f); err != nil {
		return shared.NewInvalidInputError("decode config file", err)
	}

	if f.UserAgent != nil {
		c.UserAgent = *f.UserAgent
	}
	if f.Accept != nil {
		c.Accept = *f.Accept
	}
	if len(f.Headers) > 0 {
		// JSON objects are unordered; sort for a deterministic transcript.
		names := make([]string, 0, len(f.Headers))
		for name := range f.Headers {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			c.Headers = append(c.Headers, Header{Name: name, Value: f.Headers[name]})
		}
	}
	if f.MaxSentData != nil {
		c.Caps.MaxSentData = *f.MaxSentData
	}
	if f.MaxRecvData != nil {
		c.Caps.MaxRecvData = *f.MaxRecvData
	}
	if f.RedactHeaders != nil {
		c.Redact = NewRedactionSet(f.RedactHeaders)
	}
	return nil
}
