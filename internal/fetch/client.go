package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/signalsfoundry/traceview/internal/domain"
	"github.com/signalsfoundry/traceview/internal/logging"
	"github.com/signalsfoundry/traceview/internal/observability"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/signalsfoundry/traceview/internal/fetch"

// maxErrorBody caps how much of an error response is kept in the error text.
const maxErrorBody = 512

// Fetcher issues windowed data requests. Implementations run on the caller's
// goroutine and must honour ctx cancellation.
type Fetcher interface {
	// Fetch returns the complete payload for q.
	Fetch(ctx context.Context, q Query) (*Payload, error)
	// Stream delivers q's metadata and records to emit as they arrive and
	// returns when the stream completes. emit is called on the caller's
	// goroutine, in order.
	Stream(ctx context.Context, q Query, emit func(StreamEvent)) error
}

// StreamTransport selects how Client.Stream reaches the server.
type StreamTransport string

const (
	TransportNDJSON    StreamTransport = "ndjson"
	TransportWebSocket StreamTransport = "websocket"
)

// DatasetInfo is one entry of the dataset listing.
type DatasetInfo struct {
	ID       string        `json:"id"`
	Overview domain.Domain `json:"overview"`
	Ready    bool          `json:"ready"`
}

// Client is the HTTP Fetcher for the traceview data API.
type Client struct {
	base      *url.URL
	http      *http.Client
	log       logging.Logger
	transport StreamTransport
	wsTimeout time.Duration
}

// ClientOption customises a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the default instrumented http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithClientLogger attaches a structured logger.
func WithClientLogger(l logging.Logger) ClientOption {
	return func(c *Client) { c.log = logging.OrNoop(l) }
}

// WithStreamTransport selects NDJSON (default) or WebSocket streaming.
func WithStreamTransport(t StreamTransport) ClientOption {
	return func(c *Client) {
		if t != "" {
			c.transport = t
		}
	}
}

// WithHandshakeTimeout bounds the WebSocket opening handshake.
func WithHandshakeTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.wsTimeout = d
		}
	}
}

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("server url %q: scheme must be http or https", baseURL)
	}
	c := &Client{
		base:      u,
		http:      &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		log:       logging.Noop(),
		transport: TransportNDJSON,
		wsTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BaseURL returns the server address.
func (c *Client) BaseURL() string { return c.base.String() }

// Datasets lists the datasets the server knows about.
func (c *Client) Datasets(ctx context.Context) ([]DatasetInfo, error) {
	resp, err := c.get(ctx, "datasets", c.endpoint("api", "datasets"))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out []DatasetInfo
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &FetchError{Resource: "datasets", Err: fmt.Errorf("%w: %v", ErrMalformedPayload, err)}
	}
	return out, nil
}

// Fetch implements Fetcher.
func (c *Client) Fetch(ctx context.Context, q Query) (p *Payload, err error) {
	ctx, span := c.startSpan(ctx, "fetch.batch", q)
	defer func() { observability.EndSpan(span, err, IsNotReady) }()

	if err := q.Validate(); err != nil {
		return nil, &FetchError{Resource: q.Resource, Err: err}
	}
	u := c.resourceURL(q)
	resp, err := c.get(ctx, q.Resource, u)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &FetchError{Resource: q.Resource, Err: err}
	}
	p, err = DecodePayload(body)
	if err != nil {
		return nil, &FetchError{Resource: q.Resource, StatusCode: resp.StatusCode, Err: err}
	}
	span.SetAttributes(attribute.Int("traceview.records", p.Len()))
	return p, nil
}

// Stream implements Fetcher using the configured transport.
func (c *Client) Stream(ctx context.Context, q Query, emit func(StreamEvent)) (err error) {
	ctx, span := c.startSpan(ctx, "fetch.stream", q)
	defer func() { observability.EndSpan(span, err, IsNotReady) }()

	if err := q.Validate(); err != nil {
		return &FetchError{Resource: q.Resource, Err: err}
	}
	span.SetAttributes(attribute.String("traceview.transport", string(c.transport)))
	if c.transport == TransportWebSocket {
		return c.streamWebSocket(ctx, q, emit)
	}
	return c.streamNDJSON(ctx, q, emit)
}

func (c *Client) get(ctx context.Context, resource string, u *url.URL) (*http.Response, error) {
	ctx, reqID := logging.EnsureRequestID(ctx)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, &FetchError{Resource: resource, Err: err}
	}
	req.Header.Set(logging.RequestIDHeader, reqID)
	req.Header.Set("Accept", "application/json, application/x-ndjson")

	c.log.Debug(ctx, "fetch request",
		logging.String("resource", resource),
		logging.String("url", u.String()),
	)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &FetchError{Resource: resource, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, statusError(resource, resp, strings.TrimSpace(string(body)))
	}
	return resp, nil
}

func (c *Client) endpoint(parts ...string) *url.URL {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.Join(parts, "/")
	u.RawPath = ""
	u.RawQuery = ""
	return &u
}

func (c *Client) resourceURL(q Query) *url.URL {
	parts := append([]string{"api", "datasets", q.Dataset}, strings.Split(q.Resource, "/")...)
	u := c.endpoint(parts...)
	u.RawQuery = q.Values().Encode()
	return u
}

func (c *Client) startSpan(ctx context.Context, name string, q Query) (context.Context, trace.Span) {
	return observability.StartQuerySpan(ctx, tracerName, name, observability.QuerySpan{
		Dataset:  q.Dataset,
		Resource: q.Resource,
		Bins:     q.Bins,
		Begin:    q.Window.Begin,
		End:      q.Window.End,
	})
}
