package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// toolHandler produces the JSON-RPC result field for a tools/call request.
// Returning ok=false suppresses the response entirely.
type toolHandler func(tool string, args map[string]any) (result json.RawMessage, ok bool)

// fakeProxy scripts the subprocess side of the connection over in-memory
// pipes. Each spawn creates a fresh instance, like a respawned process.
type fakeProxy struct {
	mu         sync.Mutex
	spawns     int
	handshakes int
	calls      []string
	current    *fakeInstance

	answerHandshake bool
	handler         toolHandler
}

type fakeInstance struct {
	serverIn  *io.PipeReader
	serverOut *io.PipeWriter
	exited    chan struct{}
	killOnce  sync.Once
}

func (fi *fakeInstance) kill() {
	fi.killOnce.Do(func() {
		_ = fi.serverOut.Close()
		_ = fi.serverIn.Close()
		close(fi.exited)
	})
}

func newFakeClient(t *testing.T, handler toolHandler) (*Client, *fakeProxy) {
	t.Helper()
	p := &fakeProxy{answerHandshake: true, handler: handler}
	c := NewClient(Config{ProxyPath: "fake-proxy", HandshakeTimeout: time.Second}, zerolog.Nop())
	c.spawn = p.spawn
	t.Cleanup(c.Shutdown)
	return c, p
}

func (p *fakeProxy) spawn(_ context.Context) (*conn, error) {
	clientOut, serverOut := io.Pipe() // server -> client stdout
	serverIn, clientIn := io.Pipe()   // client stdin -> server

	inst := &fakeInstance{serverIn: serverIn, serverOut: serverOut, exited: make(chan struct{})}
	p.mu.Lock()
	p.spawns++
	p.current = inst
	p.mu.Unlock()

	go p.serve(inst)

	return &conn{
		stdin:     clientIn,
		stdout:    clientOut,
		exited:    inst.exited,
		terminate: inst.kill,
	}, nil
}

func (p *fakeProxy) serve(inst *fakeInstance) {
	scanner := bufio.NewScanner(inst.serverIn)
	for scanner.Scan() {
		var msg struct {
			ID     *int64 `json:"id"`
			Method string `json:"method"`
			Params struct {
				Name      string         `json:"name"`
				Arguments map[string]any `json:"arguments"`
			} `json:"params"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			continue
		}

		switch msg.Method {
		case methodInitialize:
			p.mu.Lock()
			p.handshakes++
			answer := p.answerHandshake
			p.mu.Unlock()
			if answer && msg.ID != nil {
				p.respond(inst, *msg.ID, json.RawMessage(`{"protocolVersion":"2024-11-05"}`))
			}
		case methodInitialized:
			// Fire-and-forget; nothing to answer.
		case methodToolsCall:
			p.mu.Lock()
			p.calls = append(p.calls, msg.Params.Name)
			p.mu.Unlock()
			if result, ok := p.handler(msg.Params.Name, msg.Params.Arguments); ok && msg.ID != nil {
				p.respond(inst, *msg.ID, result)
			}
		}
	}
}

func (p *fakeProxy) respond(inst *fakeInstance, id int64, result json.RawMessage) {
	line, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"result":  json.RawMessage(result),
	})
	_, _ = inst.serverOut.Write(append(line, '\n'))
}

func (p *fakeProxy) sendRaw(line string) {
	p.mu.Lock()
	inst := p.current
	p.mu.Unlock()
	_, _ = inst.serverOut.Write([]byte(line + "\n"))
}

func (p *fakeProxy) stats() (spawns, handshakes, calls int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.spawns, p.handshakes, len(p.calls)
}

func envelope(text string, isErr bool) json.RawMessage {
	env, _ := json.Marshal(map[string]any{
		"content": []map[string]any{{"type": "text", "text": text}},
		"isError": isErr,
	})
	return env
}

func TestCallParsesJSONContent(t *testing.T) {
	c, _ := newFakeClient(t, func(string, map[string]any) (json.RawMessage, bool) {
		return envelope("[1,2,3]", false), true
	})

	res, err := c.Call(context.Background(), "listTables", nil, time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `[1,2,3]`, string(res.JSON()), "content text that parses as JSON is returned parsed, not as raw text")
}

func TestCallRowsContent(t *testing.T) {
	c, _ := newFakeClient(t, func(string, map[string]any) (json.RawMessage, bool) {
		return envelope(`[{"name":"sensors"},{"name":"alerts"}]`, false), true
	})

	res, err := c.Call(context.Background(), "listTables", map[string]any{"dbms": "x"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, KindRows, res.Kind)
	require.Len(t, res.Rows, 2)
	assert.Equal(t, "sensors", res.Rows[0]["name"])
}

func TestCallPlainTextContent(t *testing.T) {
	c, _ := newFakeClient(t, func(string, map[string]any) (json.RawMessage, bool) {
		return envelope("node is up", false), true
	})

	res, err := c.Call(context.Background(), "checkStatus", nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, KindText, res.Kind)
	assert.Equal(t, "node is up", res.Text)
	assert.JSONEq(t, `{"text":"node is up"}`, string(res.JSON()))
}

func TestCallErrorEnvelope(t *testing.T) {
	c, _ := newFakeClient(t, func(string, map[string]any) (json.RawMessage, bool) {
		return envelope("boom", true), true
	})

	_, err := c.Call(context.Background(), "executeQuery", nil, time.Second)
	require.Error(t, err)
	msg, ok := IsRemoteError(err)
	require.True(t, ok)
	assert.Equal(t, "boom", msg)
}

func TestCallRawResultPassthrough(t *testing.T) {
	c, _ := newFakeClient(t, func(string, map[string]any) (json.RawMessage, bool) {
		return json.RawMessage(`{"status":"ok","nodes":3}`), true
	})

	res, err := c.Call(context.Background(), "checkStatus", nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, KindRaw, res.Kind)
	assert.JSONEq(t, `{"status":"ok","nodes":3}`, string(res.JSON()))
}

func TestCallStripsToolPrefix(t *testing.T) {
	c, p := newFakeClient(t, func(string, map[string]any) (json.RawMessage, bool) {
		return envelope("{}", false), true
	})

	_, err := c.Call(context.Background(), "anylog-proveit:listTables", nil, time.Second)
	require.NoError(t, err)

	p.mu.Lock()
	defer p.mu.Unlock()
	require.Len(t, p.calls, 1)
	assert.Equal(t, "listTables", p.calls[0])
}

func TestCallTimeoutClearsWaiter(t *testing.T) {
	c, _ := newFakeClient(t, func(string, map[string]any) (json.RawMessage, bool) {
		return nil, false // never answer
	})

	_, err := c.Call(context.Background(), "slow", nil, 50*time.Millisecond)
	require.ErrorIs(t, err, ErrCallTimeout)

	c.pendMu.Lock()
	remaining := len(c.pending)
	c.pendMu.Unlock()
	assert.Zero(t, remaining, "timed-out request id must not stay registered")
}

func TestLateResponseDropped(t *testing.T) {
	c, p := newFakeClient(t, func(tool string, _ map[string]any) (json.RawMessage, bool) {
		if tool == "slow" {
			return nil, false
		}
		return envelope("{}", false), true
	})

	_, err := c.Call(context.Background(), "slow", nil, 50*time.Millisecond)
	require.ErrorIs(t, err, ErrCallTimeout)

	// A late answer for the timed-out id finds no waiter and is dropped;
	// the connection keeps working.
	p.sendRaw(`{"jsonrpc":"2.0","id":2,"result":{}}`)
	p.sendRaw(`this is not json`)

	res, err := c.Call(context.Background(), "fast", nil, time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(res.JSON()))
}

func TestOversizedLineTearsDownConnection(t *testing.T) {
	c, p := newFakeClient(t, func(string, map[string]any) (json.RawMessage, bool) {
		return envelope("{}", false), true
	})

	_, err := c.Call(context.Background(), "checkStatus", nil, time.Second)
	require.NoError(t, err)
	require.True(t, c.Connected())

	// A line the reader cannot buffer stops the scanner. The connection
	// must be marked dead so the next call respawns instead of timing out
	// against a reader that no longer exists. The write blocks until the
	// teardown closes the pipe, so it runs in the background.
	go p.sendRaw(strings.Repeat("x", maxLineBytes+1))

	require.Eventually(t, func() bool { return !c.Connected() }, 2*time.Second, 10*time.Millisecond,
		"connection must go dead after the reader stops")

	_, err = c.Call(context.Background(), "checkStatus", nil, time.Second)
	require.NoError(t, err)

	spawns, handshakes, _ := p.stats()
	assert.Equal(t, 2, spawns)
	assert.Equal(t, 2, handshakes)
}

func TestSpawnOncePerConnection(t *testing.T) {
	c, p := newFakeClient(t, func(string, map[string]any) (json.RawMessage, bool) {
		return envelope("{}", false), true
	})

	for i := 0; i < 3; i++ {
		_, err := c.Call(context.Background(), "checkStatus", nil, time.Second)
		require.NoError(t, err)
	}

	spawns, handshakes, calls := p.stats()
	assert.Equal(t, 1, spawns)
	assert.Equal(t, 1, handshakes)
	assert.Equal(t, 3, calls)
}

func TestTransparentRespawn(t *testing.T) {
	c, p := newFakeClient(t, func(string, map[string]any) (json.RawMessage, bool) {
		return envelope("{}", false), true
	})

	_, err := c.Call(context.Background(), "checkStatus", nil, time.Second)
	require.NoError(t, err)
	require.True(t, c.Connected())

	// Kill the subprocess out from under the client.
	p.mu.Lock()
	inst := p.current
	p.mu.Unlock()
	inst.kill()

	// The next call respawns and re-handshakes with no caller-visible
	// error for the respawn itself.
	_, err = c.Call(context.Background(), "checkStatus", nil, time.Second)
	require.NoError(t, err)

	spawns, handshakes, _ := p.stats()
	assert.Equal(t, 2, spawns)
	assert.Equal(t, 2, handshakes)
}

func TestSpawnFailure(t *testing.T) {
	c, _ := newFakeClient(t, nil)
	c.spawn = func(context.Context) (*conn, error) {
		return nil, errors.New("no such file")
	}

	_, err := c.Call(context.Background(), "checkStatus", nil, time.Second)
	assert.ErrorIs(t, err, ErrConnection)
	assert.False(t, c.Connected())
}

func TestHandshakeTimeout(t *testing.T) {
	p := &fakeProxy{answerHandshake: false}
	c := NewClient(Config{ProxyPath: "fake-proxy", HandshakeTimeout: 50 * time.Millisecond}, zerolog.Nop())
	c.spawn = p.spawn
	t.Cleanup(c.Shutdown)

	err := c.EnsureReady(context.Background())
	assert.ErrorIs(t, err, ErrConnection)
	assert.False(t, c.Connected())
}

func TestShutdownIdempotent(t *testing.T) {
	c, _ := newFakeClient(t, func(string, map[string]any) (json.RawMessage, bool) {
		return envelope("{}", false), true
	})

	_, err := c.Call(context.Background(), "checkStatus", nil, time.Second)
	require.NoError(t, err)

	c.Shutdown()
	c.Shutdown()
	assert.False(t, c.Connected())
}
