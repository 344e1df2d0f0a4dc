// Package uplink posts decoded AVL records to the ingest endpoint.
package uplink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/okian/trackgate/internal/domain/avl"
	"github.com/okian/trackgate/internal/domain/ionorm"
	"github.com/okian/trackgate/pkg/logger"
	"github.com/okian/trackgate/pkg/metrics"
)

// DefaultTimeout bounds a single forward call.
const DefaultTimeout = 5 * time.Second

// maxErrorBody caps how much of a rejection body is kept for the error.
const maxErrorBody = 512

// Forwarder converts records to the ingest JSON shape and posts them one at a
// time. It is safe for concurrent use.
type Forwarder struct {
	url        string
	token      string
	timeout    time.Duration
	client     *http.Client
	normalizer *ionorm.Normalizer
	logger     logger.Logger
}

// Option configures a Forwarder.
type Option func(*Forwarder)

// WithToken sets the bearer token sent with every request.
func WithToken(token string) Option {
	return func(f *Forwarder) { f.token = token }
}

// WithTimeout sets the per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(f *Forwarder) {
		if d > 0 {
			f.timeout = d
		}
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Forwarder) {
		if c != nil {
			f.client = c
		}
	}
}

// WithNormalizer sets the IO mapping used to name record IO.
func WithNormalizer(n *ionorm.Normalizer) Option {
	return func(f *Forwarder) {
		if n != nil {
			f.normalizer = n
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(l logger.Logger) Option {
	return func(f *Forwarder) {
		if l != nil {
			f.logger = l
		}
	}
}

// New returns a forwarder posting to ingestURL.
func New(ingestURL string, opts ...Option) (*Forwarder, error) {
	u, err := url.Parse(ingestURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidURL, ingestURL)
	}
	f := &Forwarder{
		url:     u.String(),
		timeout: DefaultTimeout,
		client:  &http.Client{},
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.normalizer == nil {
		f.normalizer = ionorm.New(nil)
	}
	if f.logger == nil {
		f.logger = logger.GetOrNop().Named("uplink")
	}
	return f, nil
}

// Forward posts one record and waits for the response. Any non-2xx status is
// returned as a *StatusError.
func (f *Forwarder) Forward(ctx context.Context, id avl.Identity, rec avl.Record) error {
	body, err := json.Marshal(f.Payload(id, rec))
	if err != nil {
		metrics.RecordForwardError("encode")
		return fmt.Errorf("encode record: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(body))
	if err != nil {
		metrics.RecordForwardError("request")
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	reqID := uuid.NewString()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", reqID)
	if f.token != "" {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}

	start := time.Now()
	resp, err := f.client.Do(req)
	metrics.RecordForwardLatency(float64(time.Since(start).Microseconds()) / 1000)
	if err != nil {
		kind := "transport"
		if errors.Is(err, context.DeadlineExceeded) {
			kind = "timeout"
		}
		metrics.RecordForwardError(kind)
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		metrics.RecordForwardError(fmt.Sprintf("status_%d", resp.StatusCode))
		f.logger.Warn(ctx, "ingest rejected record",
			logger.String("imei", id.ExternalID),
			logger.String("requestId", reqID),
			logger.Int("status", resp.StatusCode),
		)
		return &StatusError{Code: resp.StatusCode, Body: string(bytes.TrimSpace(snippet))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Payload builds the ingest document for rec. Mapped IO values are placed at
// the top level under their names, unmapped ones under "io".
func (f *Forwarder) Payload(id avl.Identity, rec avl.Record) map[string]any {
	doc := map[string]any{
		"deviceId":   id.ExternalID,
		"imei":       id.ExternalID,
		"latitude":   rec.Latitude,
		"longitude":  rec.Longitude,
		"timestamp":  rec.Timestamp.UnixMilli(),
		"speed":      rec.Speed,
		"heading":    rec.Heading,
		"altitude":   rec.Altitude,
		"satellites": rec.Satellites,
		"priority":   rec.Priority,
	}
	if rec.EventIOID != 0 {
		doc["eventIoId"] = rec.EventIOID
	}

	norm := f.normalizer.Normalize(rec.IO)
	for name, v := range norm.Named {
		if _, taken := doc[name]; taken {
			continue
		}
		if v == nil {
			doc[name] = nil
			continue
		}
		doc[name] = *v
	}
	if len(norm.Unmapped) > 0 {
		doc["io"] = norm.Unmapped
	}
	return doc
}
