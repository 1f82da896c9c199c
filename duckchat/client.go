// Package duckchat implements a multi-turn chat session against the
// DuckDuckGo AI chat service: vqd token acquisition and renewal, turn
// requests carrying the full conversation, SSE record framing in buffered
// and streaming modes, and bounded retry on the service's soft block signal.
package duckchat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultBaseURL = "https://duckduckgo.com"
	statusPath     = "/duckchat/v1/status"
	chatPath       = "/duckchat/v1/chat"

	vqdHeader       = "x-vqd-4"
	vqdAcceptHeader = "x-vqd-accept"
)

// Retry defaults for the soft block signal.
const (
	DefaultMaxRetries = 3
	DefaultRetryDelay = 10 * time.Second
)

// errBlocked aborts record consumption when the soft block signal arrives.
// Internal to the turn loop, never surfaced.
var errBlocked = errors.New("soft block")

// Client is one chat session: a conversation history, the ledger of vqd
// tokens issued so far, and the retry policy. A Client supports one
// in-flight turn at a time; concurrent callers must serialize externally.
type Client struct {
	baseURL    string
	httpClient *http.Client
	ownsClient bool
	proxyURL   string
	userAgent  string
	maxRetries int
	retryDelay time.Duration

	history *History
	vqd     TokenLedger
}

// Option configures a Client.
type Option func(*Client)

// WithModel selects the upstream model for the session.
func WithModel(m Model) Option {
	return func(c *Client) { c.history.Model = m }
}

// WithBaseURL overrides the service base URL.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimSuffix(u, "/") }
}

// WithHTTPClient supplies the transport. The caller keeps ownership; Close
// will not touch it. WithProxy is ignored when a transport is supplied.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithProxy routes requests through the given proxy URL.
func WithProxy(proxyURL string) Option {
	return func(c *Client) { c.proxyURL = proxyURL }
}

// WithUserAgent pins the User-Agent header instead of picking a random one.
func WithUserAgent(ua string) Option {
	return func(c *Client) { c.userAgent = ua }
}

// WithMaxRetries caps attempts at a soft-blocked turn.
func WithMaxRetries(n int) Option {
	return func(c *Client) { c.maxRetries = n }
}

// WithRetryDelay sets the fixed delay between soft-block attempts.
func WithRetryDelay(d time.Duration) Option {
	return func(c *Client) { c.retryDelay = d }
}

// New creates a chat session. With no options it talks to duckduckgo.com
// with the default model, a random browser User-Agent and the default retry
// policy.
func New(opts ...Option) (*Client, error) {
	c := &Client{
		baseURL:    defaultBaseURL,
		maxRetries: DefaultMaxRetries,
		retryDelay: DefaultRetryDelay,
		history:    NewHistory(DefaultModel),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.userAgent == "" {
		c.userAgent = randomUserAgent()
	}

	if c.httpClient == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		if c.proxyURL != "" {
			proxy, err := url.Parse(c.proxyURL)
			if err != nil {
				return nil, fmt.Errorf("parse proxy url: %w", err)
			}
			transport.Proxy = http.ProxyURL(proxy)
		}
		c.httpClient = &http.Client{Transport: transport}
		c.ownsClient = true
	}
	return c, nil
}

// Close releases the transport if the Client created it. A caller-supplied
// http.Client is left alone.
func (c *Client) Close() {
	if c.ownsClient {
		c.httpClient.CloseIdleConnections()
	}
}

// Model returns the session's model identifier.
func (c *Client) Model() Model {
	return c.history.Model
}

// Messages returns a copy of the conversation transcript.
func (c *Client) Messages() []Message {
	return c.history.snapshot()
}

// Turns returns the number of user turns sent so far.
func (c *Client) Turns() int {
	return (c.history.Len() + 1) / 2
}

// VQD returns a copy of the token ledger contents.
func (c *Client) VQD() []string {
	return c.vqd.Tokens()
}

// Ask sends query as the next turn and returns the complete answer. On
// success the transcript gains the question and the answer, and the ledger
// gains the renewed token; on any failure neither is touched.
func (c *Client) Ask(ctx context.Context, query string) (string, error) {
	return c.ask(ctx, query, nil)
}

// AskStream sends query as the next turn, invoking sink with each answer
// fragment as it is decoded. The transcript and ledger are updated only
// after the stream completes; the full answer is also returned.
func (c *Client) AskStream(ctx context.Context, query string, sink func(fragment string) error) (string, error) {
	if sink == nil {
		return "", errors.New("duckchat: nil sink")
	}
	return c.ask(ctx, query, sink)
}

func (c *Client) ask(ctx context.Context, query string, sink func(string) error) (string, error) {
	if err := c.vqd.Ensure(ctx, c.fetchVQD); err != nil {
		return "", err
	}

	payload := &History{
		Model:    c.history.Model,
		Messages: append(c.history.snapshot(), Message{Role: RoleUser, Content: query}),
	}
	answer, token, err := c.runTurn(ctx, payload, sink)
	if err != nil {
		return "", err
	}

	if err := c.history.AddInput(query); err != nil {
		return "", err
	}
	if err := c.history.AddAnswer(answer); err != nil {
		return "", err
	}
	c.vqd.Append(token)
	return answer, nil
}

// Reask regenerates the answer for user turn n (1-based; clamped to the
// turns the ledger can still authorize), discarding all later history and
// tokens. Rewinding past the first token forgets everything after the
// original question and performs a fresh handshake. Returns ErrNoHistory on
// an empty conversation.
func (c *Client) Reask(ctx context.Context, turn int) (string, error) {
	return c.reask(ctx, turn, nil)
}

// ReaskStream is Reask with fragment delivery through sink, as in AskStream.
func (c *Client) ReaskStream(ctx context.Context, turn int, sink func(fragment string) error) (string, error) {
	if sink == nil {
		return "", errors.New("duckchat: nil sink")
	}
	return c.reask(ctx, turn, sink)
}

func (c *Client) reask(ctx context.Context, turn int, sink func(string) error) (string, error) {
	if c.history.Len() == 0 {
		return "", ErrNoHistory
	}
	if turn >= c.vqd.Len() {
		turn = c.vqd.Len() - 1
	}
	if turn < 0 {
		turn = 0
	}

	c.vqd.Rewind(turn)
	if c.vqd.Len() == 0 {
		// No token can authorize a partially rewound conversation, so the
		// session restarts from the original question alone.
		if err := c.vqd.Ensure(ctx, c.fetchVQD); err != nil {
			return "", err
		}
		c.history.TruncateToTurn(1)
	} else {
		c.history.TruncateToTurn(turn)
	}

	answer, token, err := c.runTurn(ctx, c.history, sink)
	if err != nil {
		return "", err
	}

	if err := c.history.AddAnswer(answer); err != nil {
		return "", err
	}
	c.vqd.Append(token)
	return answer, nil
}

// runTurn drives one turn through the retry loop: send, frame, classify,
// and on a soft block wait out the configured delay before resending the
// identical request. Both framing modes share this path; a nil sink selects
// buffered parsing of the whole body.
func (c *Client) runTurn(ctx context.Context, payload *History, sink func(string) error) (answer, token string, err error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", "", fmt.Errorf("encode history: %w", err)
	}

	for attempt := 0; attempt < c.maxRetries; attempt++ {
		answer, token, blocked, err := c.sendTurn(ctx, body, sink)
		if err != nil {
			return "", "", err
		}
		if !blocked {
			return answer, token, nil
		}
		if attempt+1 < c.maxRetries {
			select {
			case <-time.After(c.retryDelay):
			case <-ctx.Done():
				return "", "", ctx.Err()
			}
		}
	}
	return "", "", &RetriesExhaustedError{Attempts: c.maxRetries}
}

func (c *Client) sendTurn(ctx context.Context, body []byte, sink func(string) error) (answer, token string, blocked bool, err error) {
	current, err := c.vqd.Current()
	if err != nil {
		return "", "", false, err
	}

	req, err := c.newRequest(ctx, http.MethodPost, chatPath, bytes.NewReader(body))
	if err != nil {
		return "", "", false, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(vqdHeader, current)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", "", false, fmt.Errorf("chat request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		raw, _ := io.ReadAll(resp.Body)
		return "", "", false, &RatelimitError{Message: string(raw)}
	}

	var b strings.Builder
	consume := func(rec chatRecord) error {
		soft, cerr := classify(rec)
		if cerr != nil {
			return cerr
		}
		if soft {
			return errBlocked
		}
		if rec.Message == "" {
			return nil
		}
		b.WriteString(rec.Message)
		if sink != nil {
			return sink(rec.Message)
		}
		return nil
	}

	if sink == nil {
		raw, rerr := io.ReadAll(resp.Body)
		if rerr != nil {
			return "", "", false, fmt.Errorf("read chat body: %w", rerr)
		}
		records, perr := parseRecords(raw)
		if perr != nil {
			return "", "", false, perr
		}
		for _, rec := range records {
			if err := consume(rec); err != nil {
				if errors.Is(err, errBlocked) {
					return "", "", true, nil
				}
				return "", "", false, err
			}
		}
	} else {
		if err := scanRecords(resp.Body, consume); err != nil {
			if errors.Is(err, errBlocked) {
				return "", "", true, nil
			}
			return "", "", false, err
		}
	}

	return b.String(), resp.Header.Get(vqdHeader), false, nil
}

// fetchVQD performs the status handshake that issues the first token.
func (c *Client) fetchVQD(ctx context.Context) (string, error) {
	req, err := c.newRequest(ctx, http.MethodGet, statusPath, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set(vqdAcceptHeader, "1")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("status request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		raw, _ := io.ReadAll(resp.Body)
		var rec chatRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return "", &ProtocolError{Message: "couldn't parse status body", Raw: string(raw)}
		}
		return "", &RatelimitError{Message: rec.Type}
	}

	tok := resp.Header.Get(vqdHeader)
	if tok == "" {
		return "", ErrTokenUnavailable
	}
	return tok, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Accept-Language", "en-US,en;q=0.5")
	req.Header.Set("Referer", defaultBaseURL+"/")
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("DNT", "1")
	req.Header.Set("Sec-GPC", "1")
	req.Header.Set("Sec-Fetch-Dest", "empty")
	req.Header.Set("Sec-Fetch-Mode", "cors")
	req.Header.Set("Sec-Fetch-Site", "same-origin")
	return req, nil
}
