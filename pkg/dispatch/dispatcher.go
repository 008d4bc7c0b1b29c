package dispatch

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/lucid-vigil/warden/pkg/config"
	"github.com/lucid-vigil/warden/pkg/errors"
	"github.com/lucid-vigil/warden/pkg/logger"
	"github.com/rs/zerolog"
)

// Sender delivers one event payload to a collector endpoint. Monitors depend
// on this interface so tests can capture payloads without a network.
type Sender interface {
	Send(endpoint string, payload interface{}) error
}

// Dispatcher posts events to the collector with the agent's identity headers
// over a TLS channel pinned to the configured trust anchor. Any transport or
// non-2xx failure appends the payload to a per-endpoint spool file and the
// producer continues; spooled payloads are never re-sent automatically.
type Dispatcher struct {
	baseURL  string
	creds    *config.Credentials
	client   *http.Client
	spoolDir string
	logger   zerolog.Logger
	mu       sync.Mutex
}

// Identity headers expected by the collector on every event write.
const (
	HeaderAgentUUID = "X-Agent-UUID"
	HeaderAPIKey    = "X-API-Key"
)

// NewDispatcher builds a dispatcher from the agent configuration. When a CA
// certificate path is configured, the HTTP client trusts only that anchor.
func NewDispatcher(cfg config.AgentConfig, creds *config.Credentials) (*Dispatcher, error) {
	timeout := 15 * time.Second
	if cfg.RequestTimeout != "" {
		d, err := time.ParseDuration(cfg.RequestTimeout)
		if err != nil {
			return nil, fmt.Errorf("invalid request_timeout: %w", err)
		}
		timeout = d
	}

	client, err := NewPinnedClient(cfg.CACertPath, timeout)
	if err != nil {
		return nil, err
	}

	return &Dispatcher{
		baseURL:  strings.TrimRight(cfg.ServerURL, "/"),
		creds:    creds,
		client:   client,
		spoolDir: cfg.SpoolDir,
		logger:   logger.Component("dispatcher"),
	}, nil
}

// NewPinnedClient builds an HTTP client trusting only the given CA
// certificate. An empty path yields a client with the system trust store.
func NewPinnedClient(caCertPath string, timeout time.Duration) (*http.Client, error) {
	transport := &http.Transport{}
	if caCertPath != "" {
		pem, err := os.ReadFile(caCertPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", caCertPath)
		}
		transport.TLSClientConfig = &tls.Config{RootCAs: pool}
	}
	return &http.Client{Timeout: timeout, Transport: transport}, nil
}

// Send posts one payload to the given endpoint. Delivery failures are spooled
// locally and swallowed: producers are never interrupted by the collector
// being unreachable.
func (d *Dispatcher) Send(endpoint string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload for %s: %w", endpoint, err)
	}

	req, err := http.NewRequest(http.MethodPost, d.baseURL+endpoint, bytes.NewReader(body))
	if err != nil {
		d.spool(endpoint, body, err)
		return nil
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderAgentUUID, d.creds.AgentUUID)
	req.Header.Set(HeaderAPIKey, d.creds.APIKey)

	resp, err := d.client.Do(req)
	if err != nil {
		d.spool(endpoint, body, err)
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		d.spool(endpoint, body, fmt.Errorf("collector returned %s", resp.Status))
		return nil
	}

	d.logger.Debug().Str("endpoint", endpoint).Msg("Event delivered.")
	return nil
}

// SpoolFile returns the fallback log path for an endpoint.
func (d *Dispatcher) SpoolFile(endpoint string) string {
	name := "failed" + strings.ReplaceAll(endpoint, "/", "_") + ".jsonl"
	return filepath.Join(d.spoolDir, name)
}

// spool appends one JSON line to the endpoint's fallback log. The spool is
// append-only with a single writer per endpoint file.
func (d *Dispatcher) spool(endpoint string, line []byte, cause error) {
	errors.NewDeliveryError("dispatcher", endpoint, cause).Log(&d.logger)

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := os.MkdirAll(d.spoolDir, 0o700); err != nil {
		d.logger.Error().Err(err).Msg("Could not create spool directory, event lost.")
		return
	}
	f, err := os.OpenFile(d.SpoolFile(endpoint), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		d.logger.Error().Err(err).Msg("Could not open spool file, event lost.")
		return
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		d.logger.Error().Err(err).Msg("Could not append to spool file.")
	}
}
