// Package mcp manages the mcp-proxy subprocess and speaks a line-delimited
// JSON-RPC dialect over its stdin/stdout, correlating requests to responses
// by numeric id.
//
// The client moves through Disconnected -> Handshaking -> Ready and back to
// Disconnected when the process exits. Transitions are lazy: liveness is
// checked when a call is about to be made, not by a background monitor. The
// bridge worker is the only production caller, but the client is safe for
// concurrent use.
package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/proveit-io/anylog-bridge/internal/logging"
)

// maxLineBytes bounds a single response line from the subprocess. Large row
// sets arrive as one line, so this is generous.
const maxLineBytes = 8 * 1024 * 1024

// Config holds the immutable parameters of the subprocess connection.
type Config struct {
	// ProxyPath is the mcp-proxy executable.
	ProxyPath string

	// ServerURL is the MCP server endpoint passed as the proxy's argument.
	ServerURL string

	// HandshakeTimeout bounds the initialize round trip after a spawn.
	HandshakeTimeout time.Duration
}

// conn is one live generation of the subprocess connection. A respawn
// replaces the whole conn; waiters on the old generation observe exited.
type conn struct {
	cmd    *exec.Cmd
	stdin  io.Writer
	stdout io.Reader

	writeMu sync.Mutex

	// exited is closed when the process is gone.
	exited chan struct{}

	stopOnce  sync.Once
	terminate func()
}

func (cn *conn) alive() bool {
	select {
	case <-cn.exited:
		return false
	default:
		return true
	}
}

func (cn *conn) stop() {
	cn.stopOnce.Do(cn.terminate)
}

// write marshals obj and sends it as one newline-terminated line. Writes are
// serialized so concurrent requests cannot interleave bytes.
func (cn *conn) write(obj any) error {
	data, err := json.Marshal(obj)
	if err != nil {
		return fmt.Errorf("marshaling message: %w", err)
	}
	cn.writeMu.Lock()
	defer cn.writeMu.Unlock()
	if _, err := cn.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing message: %w", err)
	}
	return nil
}

// Client owns at most one mcp-proxy subprocess at a time.
type Client struct {
	cfg    Config
	logger zerolog.Logger

	// mu guards conn lifecycle so spawn/respawn cannot race an
	// in-progress call setup.
	mu   sync.Mutex
	conn *conn

	// reqID survives respawns so ids never collide across generations.
	reqID atomic.Int64

	pendMu  sync.Mutex
	pending map[int64]chan *response

	// spawn is replaceable in tests.
	spawn func(ctx context.Context) (*conn, error)
}

// NewClient creates a client. No process is spawned until the first call.
func NewClient(cfg Config, logger zerolog.Logger) *Client {
	c := &Client{
		cfg:     cfg,
		logger:  logging.ComponentLogger(logger, "mcp"),
		pending: make(map[int64]chan *response),
	}
	c.spawn = c.spawnProcess
	return c
}

// Connected reports whether a handshaken subprocess is currently alive.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && c.conn.alive()
}

// EnsureReady spawns the subprocess and runs the handshake if there is no
// live connection. Present for the worker's pre-call check; Call performs
// the same check itself.
func (c *Client) EnsureReady(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ensureLocked(ctx)
}

func (c *Client) ensureLocked(ctx context.Context) error {
	if c.conn != nil && c.conn.alive() {
		return nil
	}
	if c.conn != nil {
		c.logger.Warn().Msg("subprocess exited, respawning")
		c.teardownLocked()
	}

	cn, err := c.spawn(ctx)
	if err != nil {
		return fmt.Errorf("%w: spawning %s: %v", ErrConnection, c.cfg.ProxyPath, err)
	}
	c.conn = cn
	go c.readLoop(cn)

	if err := c.handshake(ctx, cn); err != nil {
		c.teardownLocked()
		return fmt.Errorf("%w: handshake: %v", ErrConnection, err)
	}

	c.logger.Info().Str("proxy", c.cfg.ProxyPath).Msg("connected and ready")
	return nil
}

// Call executes one tool invocation and blocks up to timeout for the
// response. If the subprocess has died it is respawned and re-handshaken
// transparently first. A namespace prefix ("server:tool") is stripped.
func (c *Client) Call(ctx context.Context, tool string, params map[string]any, timeout time.Duration) (Result, error) {
	c.mu.Lock()
	if err := c.ensureLocked(ctx); err != nil {
		c.mu.Unlock()
		return Result{}, err
	}
	cn := c.conn
	c.mu.Unlock()

	if i := strings.IndexByte(tool, ':'); i >= 0 {
		tool = tool[i+1:]
	}
	if params == nil {
		params = map[string]any{}
	}

	id := c.reqID.Add(1)
	ch := c.register(id)
	req := request{
		JSONRPC: jsonrpcVersion,
		ID:      &id,
		Method:  methodToolsCall,
		Params:  toolsCallParams{Name: tool, Arguments: params},
	}
	if err := cn.write(req); err != nil {
		c.deregister(id)
		return Result{}, fmt.Errorf("%w: %v", ErrConnection, err)
	}
	c.logger.Debug().Str("tool", tool).Int64("id", id).Msg("call sent")

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		return c.unwrap(tool, resp)
	case <-timer.C:
		// The subprocess may still answer later; that answer finds no
		// registered waiter and is dropped by the reader.
		c.deregister(id)
		c.logger.Warn().Str("tool", tool).Dur("timeout", timeout).Msg("call timed out")
		return Result{}, fmt.Errorf("%w: %s after %s", ErrCallTimeout, tool, timeout)
	case <-cn.exited:
		c.deregister(id)
		return Result{}, fmt.Errorf("%w: subprocess exited during call", ErrConnection)
	case <-ctx.Done():
		c.deregister(id)
		return Result{}, ctx.Err()
	}
}

// Shutdown terminates the subprocess and clears all correlation state.
// Safe to invoke multiple times.
func (c *Client) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.teardownLocked()
}

func (c *Client) teardownLocked() {
	if c.conn == nil {
		return
	}
	c.conn.stop()
	c.conn = nil

	c.pendMu.Lock()
	c.pending = make(map[int64]chan *response)
	c.pendMu.Unlock()
}

// handshake sends initialize, waits for the matching response, then fires
// the initialized notification (no response expected, no waiter registered).
func (c *Client) handshake(ctx context.Context, cn *conn) error {
	id := c.reqID.Add(1)
	ch := c.register(id)
	req := request{
		JSONRPC: jsonrpcVersion,
		ID:      &id,
		Method:  methodInitialize,
		Params: initializeParams{
			ProtocolVersion: protocolVersion,
			Capabilities:    map[string]any{},
			ClientInfo:      clientInfo{Name: clientName, Version: clientVersion},
		},
	}
	if err := cn.write(req); err != nil {
		c.deregister(id)
		return err
	}

	timer := time.NewTimer(c.cfg.HandshakeTimeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return fmt.Errorf("rejected: %s", resp.Error.Message)
		}
	case <-timer.C:
		c.deregister(id)
		return fmt.Errorf("timed out after %s", c.cfg.HandshakeTimeout)
	case <-cn.exited:
		c.deregister(id)
		return fmt.Errorf("subprocess exited during handshake")
	case <-ctx.Done():
		c.deregister(id)
		return ctx.Err()
	}

	return cn.write(request{JSONRPC: jsonrpcVersion, Method: methodInitialized})
}

// register creates a waiter for id. The channel is buffered so the reader
// never blocks on delivery.
func (c *Client) register(id int64) chan *response {
	ch := make(chan *response, 1)
	c.pendMu.Lock()
	c.pending[id] = ch
	c.pendMu.Unlock()
	return ch
}

func (c *Client) deregister(id int64) {
	c.pendMu.Lock()
	delete(c.pending, id)
	c.pendMu.Unlock()
}

// readLoop continuously reads newline-delimited messages from the subprocess
// and wakes the waiter registered for each id. Unparseable lines and ids
// with no registered waiter are dropped, never fatal.
func (c *Client) readLoop(cn *conn) {
	scanner := bufio.NewScanner(cn.stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var resp response
		if err := json.Unmarshal(line, &resp); err != nil {
			c.logger.Debug().Err(err).Msg("dropping unparseable line")
			continue
		}
		if resp.ID == nil {
			// Server-initiated notification; nothing waits on these.
			continue
		}

		c.pendMu.Lock()
		ch, ok := c.pending[*resp.ID]
		if ok {
			delete(c.pending, *resp.ID)
		}
		c.pendMu.Unlock()

		if !ok {
			c.logger.Debug().Int64("id", *resp.ID).Msg("dropping response with no waiter")
			continue
		}
		ch <- &resp
	}
	if err := scanner.Err(); err != nil {
		c.logger.Warn().Err(err).Msg("reader stopped")
	}
	if cn.alive() {
		// Stdout closed or the scan failed while the process still runs.
		// No response can ever arrive on this generation, so mark it dead
		// and let the next call's liveness check respawn.
		c.logger.Warn().Msg("reader lost stdout, marking connection dead")
		cn.stop()
	}
}

// unwrap converts a raw response into a normalized Result or a RemoteError.
func (c *Client) unwrap(tool string, resp *response) (Result, error) {
	if resp.Error != nil {
		c.logger.Warn().Str("tool", tool).Str("error", resp.Error.Message).Msg("remote error")
		return Result{}, &RemoteError{Message: resp.Error.Message}
	}

	var env toolEnvelope
	if len(resp.Result) > 0 && json.Unmarshal(resp.Result, &env) == nil {
		if env.IsError || len(env.Content) > 0 {
			text := joinTextBlocks(env.Content)
			if env.IsError {
				if text == "" {
					text = "isError=true"
				}
				c.logger.Warn().Str("tool", tool).Str("error", text).Msg("tool reported error")
				return Result{}, &RemoteError{Message: text}
			}
			return normalizeText(text), nil
		}
	}

	// No content wrapper: pass the raw structured value through unmodified.
	raw := resp.Result
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}
	return normalizeRaw(raw), nil
}

func joinTextBlocks(blocks []contentBlock) string {
	parts := make([]string, 0, len(blocks))
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.TrimSpace(strings.Join(parts, "\n"))
}

// spawnProcess starts the real mcp-proxy subprocess with piped stdio.
func (c *Client) spawnProcess(_ context.Context) (*conn, error) {
	cmd := exec.Command(c.cfg.ProxyPath, c.cfg.ServerURL)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("opening stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("opening stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting process: %w", err)
	}
	c.logger.Debug().Int("pid", cmd.Process.Pid).Msg("subprocess started")

	exited := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(exited)
	}()

	return &conn{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		exited: exited,
		terminate: func() {
			_ = stdin.Close()
			if cmd.Process != nil {
				_ = cmd.Process.Kill()
			}
		},
	}, nil
}
