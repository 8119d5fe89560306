// Package anylog is a direct HTTP client for a single AnyLog node. The node
// speaks an unusual REST dialect: every request is a GET with an empty body,
// the command travels in a "command" header, and distributed SQL additionally
// sets "destination: network".
//
// The node also has a framing quirk: on command failure it writes its JSON
// error payload where the chunked transfer encoding expects a chunk length,
// which surfaces client-side as a transport error rather than an HTTP error.
// This client digs the payload back out and returns it as a *NodeError.
package anylog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/proveit-io/anylog-bridge/internal/logging"
)

const userAgent = "AnyLog/1.23"

// ErrTimeout reports that the node did not answer within the call timeout.
var ErrTimeout = errors.New("anylog: node timed out")

// NodeError is a structured error the node embedded in a malformed chunked
// response. Code -1 means the framing was broken but no payload was found.
type NodeError struct {
	Code int
	Text string
	Raw  string
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("anylog error %d: %s", e.Code, e.Text)
}

// HTTPError is a plain non-2xx answer from the node.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("anylog: node returned HTTP %d", e.Status)
}

// Client issues commands against one node address.
type Client struct {
	nodeAddr string
	http     *http.Client
	logger   zerolog.Logger

	// Observe, when set, is called after every node round trip with the
	// elapsed time and outcome. Used for proxy-level stats.
	Observe func(elapsed time.Duration, err error)
}

// NewClient builds a client for the node at addr ("host:port"). timeout
// bounds each call unless the caller's context is shorter.
func NewClient(addr string, timeout time.Duration, logger zerolog.Logger) *Client {
	return &Client{
		nodeAddr: addr,
		http:     &http.Client{Timeout: timeout},
		logger:   logging.ComponentLogger(logger, "anylog"),
	}
}

// NodeAddr returns the configured node address.
func (c *Client) NodeAddr() string {
	return c.nodeAddr
}

// Command runs a non-SQL node command and returns the raw response text.
func (c *Client) Command(ctx context.Context, command string) (string, error) {
	return c.get(ctx, command, false)
}

// SQL runs a distributed SQL query ("sql <dbms> <query>") across the
// network and returns the result as row objects.
func (c *Client) SQL(ctx context.Context, dbms, query string) ([]map[string]any, error) {
	raw, err := c.get(ctx, fmt.Sprintf("sql %s %s", dbms, query), true)
	if err != nil {
		return nil, err
	}
	return ParseRows(raw), nil
}

func (c *Client) get(ctx context.Context, command string, sql bool) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+c.nodeAddr, nil)
	if err != nil {
		return "", fmt.Errorf("anylog: build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("command", command)
	if sql {
		req.Header.Set("destination", "network")
	}

	c.logger.Debug().Str("command", truncate(command, 160)).Bool("sql", sql).Msg("node call")

	start := time.Now()
	body, status, err := c.roundTrip(req)
	elapsed := time.Since(start)
	if c.Observe != nil {
		c.Observe(elapsed, err)
	}
	if err != nil {
		return "", c.classify(err, body, elapsed)
	}

	c.logger.Debug().
		Dur("elapsed", elapsed).
		Int("status", status).
		Int("bytes", len(body)).
		Msg("node answered")

	if status >= http.StatusBadRequest {
		return "", &HTTPError{Status: status, Body: truncate(body, 300)}
	}
	return body, nil
}

// roundTrip performs the request and reads the whole body. Body read errors
// matter as much as request errors here: the node's malformed chunked
// framing only surfaces while reading.
func (c *Client) roundTrip(req *http.Request) (string, int, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return string(data), resp.StatusCode, err
	}
	return string(data), resp.StatusCode, nil
}

// classify turns a transport error into the richest error we can produce:
// an embedded NodeError when one can be recovered from the error text or
// the partial body, ErrTimeout on deadline, the raw error otherwise.
func (c *Client) classify(err error, partialBody string, elapsed time.Duration) error {
	raw := err.Error()
	if partialBody != "" {
		raw += "\n" + partialBody
	}

	if nodeErr := ExtractNodeError(raw); nodeErr != nil {
		c.logger.Warn().
			Dur("elapsed", elapsed).
			Int("err_code", nodeErr.Code).
			Str("err_text", nodeErr.Text).
			Msg("node returned embedded error")
		return nodeErr
	}

	if looksChunked(raw) {
		c.logger.Warn().Dur("elapsed", elapsed).Msg("malformed chunked response without payload")
		return &NodeError{Code: -1, Text: "Malformed chunked response", Raw: raw}
	}

	if isTimeout(err) {
		return fmt.Errorf("%w after %s: %s", ErrTimeout, elapsed.Round(time.Millisecond), raw)
	}
	return fmt.Errorf("anylog: node call failed: %w", err)
}

// ExtractNodeError scans s for the first JSON object carrying err_code or
// err_text. Decoding from every "{" is more robust than a regex when the
// payload nests braces inside strings.
func ExtractNodeError(s string) *NodeError {
	for i := 0; i < len(s); i++ {
		if s[i] != '{' {
			continue
		}
		var obj map[string]any
		dec := json.NewDecoder(strings.NewReader(s[i:]))
		if err := dec.Decode(&obj); err != nil {
			continue
		}
		_, hasCode := obj["err_code"]
		_, hasText := obj["err_text"]
		if !hasCode && !hasText {
			continue
		}
		code := -1
		if f, ok := obj["err_code"].(float64); ok {
			code = int(f)
		}
		text := "Unknown"
		if t, ok := obj["err_text"].(string); ok {
			text = t
		}
		return &NodeError{Code: code, Text: text, Raw: s}
	}
	return nil
}

// ParseRows coerces any node response shape into a list of row objects:
// a bare array as-is, a wrapping object by its known list key, a plain
// object as a single row, anything unparseable as no rows.
func ParseRows(raw string) []map[string]any {
	raw = strings.TrimSpace(raw)
	switch raw {
	case "", "[]", "null", "{}":
		return []map[string]any{}
	}

	var asList []map[string]any
	if err := json.Unmarshal([]byte(raw), &asList); err == nil {
		return asList
	}

	var asObject map[string]any
	if err := json.Unmarshal([]byte(raw), &asObject); err != nil {
		return []map[string]any{}
	}
	for _, key := range []string{"Query", "result", "rows", "data"} {
		if inner, ok := asObject[key].([]any); ok {
			rows := make([]map[string]any, 0, len(inner))
			for _, item := range inner {
				if row, ok := item.(map[string]any); ok {
					rows = append(rows, row)
				}
			}
			return rows
		}
	}
	return []map[string]any{asObject}
}

func looksChunked(raw string) bool {
	for _, marker := range []string{"chunked", "err_code"} {
		if strings.Contains(raw, marker) {
			return true
		}
	}
	return false
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
