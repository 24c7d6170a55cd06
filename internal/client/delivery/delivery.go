// Package delivery sends work events to the server and falls back to the
// durable outbox when the attempt fails in a retryable way.
package delivery

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/lotline/lotline/internal/client/outbox"
)

// DefaultTimeout is the default timeout for API requests.
const DefaultTimeout = 10 * time.Second

// Kind classifies a failed delivery attempt.
type Kind string

const (
	// KindConnection is a refused or unreachable endpoint.
	KindConnection Kind = "connection"
	// KindTimeout is an attempt that exceeded the request timeout.
	KindTimeout Kind = "timeout"
	// KindHTTPStatus is a response with a non-2xx status.
	KindHTTPStatus Kind = "http_status"
)

// RemoteError is a failed delivery attempt with enough detail to decide
// whether retrying can help.
type RemoteError struct {
	Kind   Kind
	Status int
	Body   string
	Err    error
}

func (e *RemoteError) Error() string {
	switch e.Kind {
	case KindHTTPStatus:
		return fmt.Sprintf("API error (%d): %s", e.Status, e.Body)
	case KindTimeout:
		return fmt.Sprintf("API request timed out: %v", e.Err)
	default:
		return fmt.Sprintf("API request failed: %v", e.Err)
	}
}

func (e *RemoteError) Unwrap() error {
	return e.Err
}

// Retryable reports whether a later attempt could succeed. Connection
// failures and timeouts always can; server-side 5xx can; a 4xx is a
// deterministic answer and never will.
func (e *RemoteError) Retryable() bool {
	switch e.Kind {
	case KindConnection, KindTimeout:
		return true
	case KindHTTPStatus:
		return e.Status >= 500
	}
	return false
}

// Transport is the bare HTTP sender with timeout. It knows nothing about
// queueing; the Client layers that on top.
type Transport struct {
	baseURL string
	client  *http.Client
}

// NewTransport creates a transport against the given server base URL.
func NewTransport(baseURL string, timeout time.Duration) *Transport {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Transport{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// Post sends one JSON payload and returns the response body on 2xx.
// Any failure comes back as a *RemoteError.
func (t *Transport) Post(endpoint string, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	resp, err := t.client.Post(t.baseURL+endpoint, "application/json", bytes.NewReader(data))
	if err != nil {
		return nil, classify(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &RemoteError{Kind: KindConnection, Err: err}
	}

	if resp.StatusCode >= 300 {
		return nil, &RemoteError{Kind: KindHTTPStatus, Status: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}

// Get fetches one resource and returns the response body on 2xx.
func (t *Transport) Get(endpoint string) ([]byte, error) {
	resp, err := t.client.Get(t.baseURL + endpoint)
	if err != nil {
		return nil, classify(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &RemoteError{Kind: KindConnection, Err: err}
	}

	if resp.StatusCode >= 300 {
		return nil, &RemoteError{Kind: KindHTTPStatus, Status: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}

// Ping probes the server's health endpoint. A nil return means the
// server answered 200 with ok=true.
func (t *Transport) Ping() error {
	resp, err := t.client.Get(t.baseURL + "/health")
	if err != nil {
		return classify(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &RemoteError{Kind: KindConnection, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return &RemoteError{Kind: KindHTTPStatus, Status: resp.StatusCode, Body: string(body)}
	}

	var health struct {
		OK bool `json:"ok"`
	}
	if err := json.Unmarshal(body, &health); err != nil {
		return &RemoteError{Kind: KindHTTPStatus, Status: resp.StatusCode, Body: string(body)}
	}
	if !health.OK {
		return &RemoteError{Kind: KindHTTPStatus, Status: resp.StatusCode, Body: string(body)}
	}
	return nil
}

// classify maps a transport-level error to its retry class.
func classify(err error) *RemoteError {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &RemoteError{Kind: KindTimeout, Err: err}
	}
	return &RemoteError{Kind: KindConnection, Err: err}
}

// Result is the outcome of one Send. Either the server answered (Body
// holds its response) or the payload went to the outbox (Queued).
type Result struct {
	Queued bool
	Body   []byte
}

// Client delivers events with the queue-on-failure behavior the line
// terminals depend on: a transport failure is never surfaced to the
// operator as an error, it becomes a queued delivery.
type Client struct {
	transport *Transport
	queue     *outbox.Outbox
}

// NewClient creates a delivery client over the transport and outbox.
func NewClient(t *Transport, q *outbox.Outbox) *Client {
	return &Client{transport: t, queue: q}
}

// Send attempts immediate delivery of one event. Retryable failures
// enqueue the payload and report Queued; a 4xx is a final server answer
// and surfaces as an error without queueing.
func (c *Client) Send(itemType, endpoint string, payload interface{}) (*Result, error) {
	body, err := c.transport.Post(endpoint, payload)
	if err == nil {
		return &Result{Body: body}, nil
	}

	re, ok := err.(*RemoteError)
	if !ok || !re.Retryable() {
		return nil, err
	}

	if _, qerr := c.queue.Enqueue(itemType, endpoint, payload); qerr != nil {
		// Could not even queue; the caller must see the original failure.
		return nil, fmt.Errorf("delivery failed (%v) and queueing failed: %w", re, qerr)
	}
	return &Result{Queued: true}, nil
}

// Ping reports current server reachability.
func (c *Client) Ping() error {
	return c.transport.Ping()
}
