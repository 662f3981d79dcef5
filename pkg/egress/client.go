// Package egress sends anonymized tables to an OpenAI-compatible
// chat-completions endpoint. Every call is guarded by a PrivacyPass.
package egress

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/franklinbaldo/egregora-sub010/pkg/capability"
	"github.com/franklinbaldo/egregora-sub010/pkg/gate"
	"github.com/franklinbaldo/egregora-sub010/pkg/ir"
)

// Op is the capability operation name for Send.
const Op = "egress.send"

var (
	// ErrRawColumns is returned for tables that still carry pre-Gate columns.
	ErrRawColumns = errors.New("egress: table carries raw identifier columns")
	ErrNoEndpoint = errors.New("egress: LLM service url not configured")
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Response is the first choice returned by the endpoint.
type Response struct {
	Content string
	Model   string
	Rows    int
}

type request struct {
	table       *ir.Table
	instruction string
}

// Client posts anonymized rows to an LLM service.
type Client struct {
	endpoint string
	apiKey   string
	model    string
	http     *retryClient
	logger   *slog.Logger
	send     capability.Guarded[request, *Response]
}

type options struct {
	apiKey     string
	model      string
	hc         *http.Client
	maxRetries int
	baseDelay  time.Duration
	threshold  int
	reset      time.Duration
	logger     *slog.Logger
}

type Option func(*options)

func WithAPIKey(key string) Option { return func(o *options) { o.apiKey = key } }
func WithModel(model string) Option { return func(o *options) { o.model = model } }

func WithHTTPClient(hc *http.Client) Option { return func(o *options) { o.hc = hc } }

// WithRetry sets the retry count and the base backoff delay.
func WithRetry(maxRetries int, baseDelay time.Duration) Option {
	return func(o *options) {
		o.maxRetries = maxRetries
		o.baseDelay = baseDelay
	}
}

// WithBreaker opens the circuit after threshold failed calls for reset.
func WithBreaker(threshold int, reset time.Duration) Option {
	return func(o *options) {
		o.threshold = threshold
		o.reset = reset
	}
}

func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// New builds a client for the chat-completions URL endpoint.
func New(endpoint string, opts ...Option) (*Client, error) {
	if endpoint == "" {
		return nil, ErrNoEndpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("egress: invalid LLM service url %q", endpoint)
	}
	o := options{
		model:      "gpt-4o-mini",
		hc:         &http.Client{Timeout: 30 * time.Second},
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		threshold:  5,
		reset:      10 * time.Second,
		logger:     slog.Default().With("component", "egress"),
	}
	for _, opt := range opts {
		opt(&o)
	}
	c := &Client{
		endpoint: endpoint,
		apiKey:   o.apiKey,
		model:    o.model,
		http:     newRetryClient(o.hc, o.maxRetries, o.baseDelay, newCircuitBreaker(u.Host, o.threshold, o.reset)),
		logger:   o.logger,
	}
	c.send = capability.Guard(Op, func(r request) (string, error) {
		return capability.TableTenant(r.table)
	}, c.post)
	return c, nil
}

// Send posts t to the endpoint with instruction as the system message. The
// pass must have been issued for t's tenant.
func (c *Client) Send(ctx context.Context, pass gate.PrivacyPass, t *ir.Table, instruction string) (*Response, error) {
	return c.send(ctx, pass, request{table: t, instruction: instruction})
}

func (c *Client) post(ctx context.Context, r request) (*Response, error) {
	if r.table.Has(ir.ColAuthorRaw) {
		return nil, fmt.Errorf("%w: %s", ErrRawColumns, ir.ColAuthorRaw)
	}
	if err := ir.Validate(r.table, ir.StagePostGate); err != nil {
		return nil, fmt.Errorf("egress: refusing table: %w", err)
	}

	var rows bytes.Buffer
	if err := ir.EncodeJSONL(&rows, r.table); err != nil {
		return nil, fmt.Errorf("egress: encode rows: %w", err)
	}
	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []Message{
			{Role: "system", Content: r.instruction},
			{Role: "user", Content: rows.String()},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("egress: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("egress: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("egress: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("egress: LLM service returned %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}
	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("egress: decode response: %w", err)
	}
	if len(out.Choices) == 0 {
		return nil, errors.New("egress: empty choices in response")
	}

	c.logger.InfoContext(ctx, "egress sent",
		"tenant_id", r.table.TenantID[0], "rows", r.table.Len(), "model", out.Model)
	return &Response{Content: out.Choices[0].Message.Content, Model: out.Model, Rows: r.table.Len()}, nil
}
