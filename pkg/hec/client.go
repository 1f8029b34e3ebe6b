// Package hec provides a client for the Splunk HTTP Event Collector.
package hec

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/warped-quasar/StatSync/pkg/record"
)

// Prometheus metrics for collector requests.
var (
	hecRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "statsync_hec_requests_total",
		Help: "Total HEC requests by status",
	}, []string{"status"})

	hecEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "statsync_hec_events_total",
		Help: "Total events accepted by HEC by sourcetype",
	}, []string{"sourcetype"})

	hecRequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "statsync_hec_request_duration_seconds",
		Help:    "HEC request duration in seconds",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10},
	})
)

// CollectorPath is appended to the base URL.
const CollectorPath = "/services/collector"

// Config holds the client configuration.
type Config struct {
	// BaseURL of the collector, e.g. https://localhost:8088
	BaseURL string

	// Token sent as "Authorization: <AuthScheme> <Token>"
	Token      string
	AuthScheme string

	// Defaults applied when a send does not override them
	DefaultIndex      string
	DefaultSourcetype string
	DefaultHost       string

	// TLS verification. InsecureSkipVerify disables it; CABundle adds a PEM
	// trust bundle on top of the system pool.
	InsecureSkipVerify bool
	CABundle           string

	Timeout time.Duration
}

// DefaultConfig returns a default configuration for the given endpoint.
func DefaultConfig(baseURL, token string) Config {
	return Config{
		BaseURL:    baseURL,
		Token:      token,
		AuthScheme: "Splunk",
		Timeout:    30 * time.Second,
	}
}

// SendOptions are per-call envelope fields. Sourcetype is required unless the
// client has a DefaultSourcetype.
type SendOptions struct {
	Sourcetype string
	Index      string
	Host       string

	// Time is the event time in epoch seconds.
	Time *float64
}

// Envelope is the wire form of one event.
type Envelope struct {
	Event      record.Record `json:"event"`
	Index      string        `json:"index,omitempty"`
	Sourcetype string        `json:"sourcetype"`
	Host       string        `json:"host,omitempty"`
	Time       *float64      `json:"time,omitempty"`
}

// Ack is the collector acknowledgement body.
type Ack struct {
	Text string `json:"text"`
	Code int    `json:"code"`
}

// Client sends event batches to HEC. It is safe to reuse across sends.
type Client struct {
	httpClient *http.Client
	url        string
	authHeader string
	config     Config
	logger     zerolog.Logger
}

// New creates a new HEC client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("%w: base url is required", ErrConfig)
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("%w: token is required", ErrConfig)
	}
	if cfg.AuthScheme == "" {
		cfg.AuthScheme = "Splunk"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	logger := log.With().Str("component", "hec-client").Logger()

	tlsConfig, err := buildTLSConfig(cfg, logger)
	if err != nil {
		return nil, err
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = tlsConfig

	return &Client{
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
		url:        strings.TrimRight(cfg.BaseURL, "/") + CollectorPath,
		authHeader: cfg.AuthScheme + " " + cfg.Token,
		config:     cfg,
		logger:     logger,
	}, nil
}

func buildTLSConfig(cfg Config, logger zerolog.Logger) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	if cfg.InsecureSkipVerify {
		logger.Warn().
			Str("url", cfg.BaseURL).
			Msg("TLS certificate verification disabled for HEC")
		tlsConfig.InsecureSkipVerify = true
		return tlsConfig, nil
	}

	if cfg.CABundle != "" {
		pem, err := os.ReadFile(cfg.CABundle)
		if err != nil {
			return nil, fmt.Errorf("%w: read ca bundle: %v", ErrConfig, err)
		}
		// the bundle replaces the system roots
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("%w: no certificates in ca bundle %s", ErrConfig, cfg.CABundle)
		}
		tlsConfig.RootCAs = pool
	}

	return tlsConfig, nil
}

// URL returns the collector endpoint.
func (c *Client) URL() string {
	return c.url
}

// Envelopes wraps events with routing metadata, applying client defaults.
func (c *Client) Envelopes(events []record.Record, opts SendOptions) ([]Envelope, error) {
	sourcetype := opts.Sourcetype
	if sourcetype == "" {
		sourcetype = c.config.DefaultSourcetype
	}
	if sourcetype == "" {
		return nil, ErrMissingSourcetype
	}

	index := opts.Index
	if index == "" {
		index = c.config.DefaultIndex
	}
	host := opts.Host
	if host == "" {
		host = c.config.DefaultHost
	}

	out := make([]Envelope, len(events))
	for i, e := range events {
		out[i] = Envelope{
			Event:      e,
			Index:      index,
			Sourcetype: sourcetype,
			Host:       host,
			Time:       opts.Time,
		}
	}
	return out, nil
}

// Encode frames envelopes as newline-joined JSON objects.
func Encode(envelopes []Envelope) ([]byte, error) {
	var buf bytes.Buffer
	for i, env := range envelopes {
		if i > 0 {
			buf.WriteByte('\n')
		}
		data, err := json.Marshal(env)
		if err != nil {
			return nil, fmt.Errorf("marshal event %d: %w", i, err)
		}
		buf.Write(data)
	}
	return buf.Bytes(), nil
}

// Send delivers events in a single request. An empty slice sends nothing.
// Any non-2xx response is returned as a *SinkError; nothing is retried.
func (c *Client) Send(ctx context.Context, events []record.Record, opts SendOptions) (*Ack, error) {
	envelopes, err := c.Envelopes(events, opts)
	if err != nil {
		return nil, err
	}
	if len(envelopes) == 0 {
		return nil, nil
	}

	body, err := Encode(envelopes)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", c.authHeader)
	req.Header.Set("Content-Type", "application/json")

	sourcetype := envelopes[0].Sourcetype
	c.logger.Debug().
		Str("sourcetype", sourcetype).
		Int("events", len(envelopes)).
		Int("bytes", len(body)).
		Msg("Sending batch to HEC")

	startTime := time.Now()
	resp, err := c.httpClient.Do(req)
	hecRequestDuration.Observe(time.Since(startTime).Seconds())
	if err != nil {
		hecRequestsTotal.WithLabelValues("network_error").Inc()
		c.logger.Error().Err(err).Str("sourcetype", sourcetype).Msg("HEC request failed")
		return nil, &SinkError{Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &SinkError{StatusCode: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}

	hecRequestsTotal.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Warn().
			Int("status", resp.StatusCode).
			Str("sourcetype", sourcetype).
			Int("events", len(envelopes)).
			Msg("HEC rejected batch")
		return nil, &SinkError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	hecEventsTotal.WithLabelValues(sourcetype).Add(float64(len(envelopes)))

	ack := &Ack{}
	if len(bytes.TrimSpace(respBody)) > 0 {
		if err := json.Unmarshal(respBody, ack); err != nil {
			c.logger.Warn().Err(err).Msg("Unparseable HEC acknowledgement")
		}
	}
	return ack, nil
}

// SendOne sends a single event.
func (c *Client) SendOne(ctx context.Context, event record.Record, opts SendOptions) (*Ack, error) {
	return c.Send(ctx, []record.Record{event}, opts)
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}
