// Package restproxy is the standalone proxy surface for dashboards that talk
// to an AnyLog node directly. Unlike the bridge API it has no queue, cache,
// or deduplication: every request is one synchronous node call, and node
// failures map onto HTTP status codes (502 node error, 503 unreachable on
// connection endpoints, 504 timeout).
package restproxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/proveit-io/anylog-bridge/internal/anylog"
	"github.com/proveit-io/anylog-bridge/internal/httpmw"
	"github.com/proveit-io/anylog-bridge/internal/logging"
	"github.com/proveit-io/anylog-bridge/internal/query"
)

// Node is the slice of the AnyLog client the proxy needs.
type Node interface {
	Command(ctx context.Context, command string) (string, error)
	SQL(ctx context.Context, dbms, sql string) ([]map[string]any, error)
	NodeAddr() string
}

// Proxy serves the legacy dashboard API against one node.
type Proxy struct {
	node    Node
	timeout time.Duration
	logger  zerolog.Logger
	metrics *Metrics
	stats   *stats
}

// New wires the proxy. timeout bounds each node call; when node is an
// *anylog.Client its Observe hook is attached to the latency stats.
func New(node Node, timeout time.Duration, logger zerolog.Logger) *Proxy {
	p := &Proxy{
		node:    node,
		timeout: timeout,
		logger:  logging.ComponentLogger(logger, "restproxy"),
		metrics: NewMetrics(),
		stats:   newStats(),
	}
	if c, ok := node.(*anylog.Client); ok {
		c.Observe = func(elapsed time.Duration, err error) {
			p.stats.recordNodeCall(elapsed)
			p.metrics.nodeCalls.Inc()
			p.metrics.nodeLatency.Observe(elapsed.Seconds())
		}
	}
	return p
}

// Router assembles the proxy route table.
func (p *Proxy) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(httpmw.RequestID(p.logger))
	r.Use(httpmw.CORS)
	r.Use(httpmw.Recovery)
	r.Use(p.countRequests)
	r.Use(httpmw.AccessLog)

	r.Get("/health", p.handleHealth)
	r.Get("/stats", p.handleStats)
	r.Method(http.MethodGet, "/metrics", p.metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/query", p.handleQuery)
		r.Post("/query/increment", p.handleQueryIncrement)
		r.Post("/command", p.handleCommand)
		r.Get("/databases", p.handleDatabases)
		r.Get("/databases/{dbms}/tables", p.handleTables)
		r.Get("/databases/{dbms}/tables/{table}/columns", p.handleColumns)
		r.Get("/nodes", p.handleNodes)
		r.Get("/nodes/status", p.handleNodeStatus)
		r.Post("/nodes/status", p.handleNodeStatus)
		r.Get("/data/location", p.handleDataLocation)
		r.Get("/uns", p.handleUNS)
		r.Get("/connection/status", p.handleConnectionStatus)
		r.Post("/connection/test", p.handleConnectionTest)
	})

	return r
}

// skipPaths are probes that should not inflate the proxy call counter.
var skipPaths = map[string]bool{
	"/health":      true,
	"/stats":       true,
	"/metrics":     true,
	"/favicon.ico": true,
}

func (p *Proxy) countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !skipPaths[r.URL.Path] {
			p.stats.proxyCall()
			p.metrics.proxyCalls.Inc()
		}
		next.ServeHTTP(w, r)
	})
}

func (p *Proxy) ctx(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), p.timeout)
}

// command runs a node command under the proxy timeout.
func (p *Proxy) command(r *http.Request, cmd string) (string, error) {
	ctx, cancel := p.ctx(r)
	defer cancel()
	return p.node.Command(ctx, cmd)
}

// fail writes the error response and bumps the error counters.
func (p *Proxy) fail(w http.ResponseWriter, status int, msg, details string) {
	p.stats.errored()
	p.metrics.errors.Inc()
	body := map[string]string{"error": msg}
	if details != "" {
		body["details"] = details
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// failNode maps a node call error onto the legacy status contract.
func (p *Proxy) failNode(w http.ResponseWriter, err error) {
	var nodeErr *anylog.NodeError
	if errors.As(err, &nodeErr) {
		p.fail(w, http.StatusBadGateway,
			fmt.Sprintf("AnyLog error %d: %s", nodeErr.Code, nodeErr.Text),
			truncate(nodeErr.Raw, 300))
		return
	}
	var httpErr *anylog.HTTPError
	if errors.As(err, &httpErr) {
		p.fail(w, http.StatusBadGateway,
			fmt.Sprintf("AnyLog returned HTTP %d", httpErr.Status), httpErr.Body)
		return
	}
	if errors.Is(err, anylog.ErrTimeout) {
		p.fail(w, http.StatusGatewayTimeout,
			fmt.Sprintf("AnyLog node timed out after %s", p.timeout), "")
		return
	}
	p.fail(w, http.StatusBadGateway,
		fmt.Sprintf("Cannot connect to AnyLog node %s", p.node.NodeAddr()), err.Error())
}

func respond(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(v)
}

func (p *Proxy) handleHealth(w http.ResponseWriter, r *http.Request) {
	conn, nodeStatus := "ok", ""
	raw, err := p.command(r, "get status")
	if err != nil {
		conn = "error"
		nodeStatus = truncate(err.Error(), 200)
	} else {
		nodeStatus = truncate(strings.TrimSpace(raw), 200)
	}

	snap := p.stats.snapshot()
	respond(w, map[string]any{
		"status":          "healthy",
		"service":         "anylog-rest-proxy",
		"anylog_node":     p.node.NodeAddr(),
		"anylog_protocol": "http",
		"user_agent":      "AnyLog/1.23",
		"connection":      conn,
		"node_status":     nodeStatus,
		"uptime_sec":      snap.UptimeSec,
		"avg_latency_ms":  snap.AvgLatencyMS,
		"stats": map[string]any{
			"proxy_calls":  snap.ProxyCalls,
			"anylog_calls": snap.NodeCalls,
			"total_rows":   snap.TotalRows,
			"errors":       snap.Errors,
		},
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (p *Proxy) handleStats(w http.ResponseWriter, r *http.Request) {
	snap := p.stats.snapshot()
	respond(w, map[string]any{
		"proxy_calls":    snap.ProxyCalls,
		"anylog_calls":   snap.NodeCalls,
		"total_rows":     snap.TotalRows,
		"errors":         snap.Errors,
		"avg_latency_ms": snap.AvgLatencyMS,
		"uptime_sec":     snap.UptimeSec,
	})
}

type proxyQueryRequest struct {
	DBMS string `json:"dbms"`
	SQL  string `json:"sql"`
}

func (p *Proxy) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req proxyQueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		p.fail(w, http.StatusBadRequest, "Request body must include 'dbms' and 'sql'", "")
		return
	}
	req.DBMS = strings.TrimSpace(req.DBMS)
	req.SQL = strings.TrimSpace(req.SQL)
	if req.DBMS == "" || req.SQL == "" {
		p.fail(w, http.StatusBadRequest, "Request body must include 'dbms' and 'sql'", "")
		return
	}

	p.logger.Info().Str("dbms", req.DBMS).Str("sql", truncate(req.SQL, 150)).Msg("query")
	p.runSQL(w, r, req.DBMS, req.SQL)
}

type proxyIncrementRequest struct {
	DBMS           string   `json:"dbms"`
	Table          string   `json:"table"`
	TimeColumn     string   `json:"timeColumn"`
	StartTime      string   `json:"startTime"`
	EndTime        string   `json:"endTime"`
	TimeUnit       string   `json:"timeUnit"`
	IntervalLength int      `json:"intervalLength"`
	Projections    []string `json:"projections"`
}

func (p *Proxy) handleQueryIncrement(w http.ResponseWriter, r *http.Request) {
	req := proxyIncrementRequest{
		TimeColumn:     "insert_timestamp",
		StartTime:      "NOW() - 1 day",
		EndTime:        "NOW()",
		TimeUnit:       "hour",
		IntervalLength: 1,
		Projections:    []string{"avg(rest)"},
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		p.fail(w, http.StatusBadRequest, "invalid JSON body", "")
		return
	}
	if strings.TrimSpace(req.DBMS) == "" || strings.TrimSpace(req.Table) == "" {
		p.fail(w, http.StatusBadRequest, "Missing 'dbms' or 'table'", "")
		return
	}

	sql := query.NodeIncrementsSQL(req.Table, req.TimeColumn,
		req.StartTime, req.EndTime, req.TimeUnit, req.IntervalLength, req.Projections)
	p.logger.Info().Str("dbms", req.DBMS).Str("sql", truncate(sql, 160)).Msg("increment query")
	p.runSQL(w, r, req.DBMS, sql)
}

func (p *Proxy) runSQL(w http.ResponseWriter, r *http.Request, dbms, sql string) {
	ctx, cancel := p.ctx(r)
	defer cancel()

	rows, err := p.node.SQL(ctx, dbms, sql)
	if err != nil {
		p.failNode(w, err)
		return
	}
	p.stats.addRows(len(rows))
	p.metrics.rows.Add(float64(len(rows)))
	respond(w, rows)
}

type commandRequest struct {
	Command string  `json:"command"`
	Timeout float64 `json:"timeout"`
}

func (p *Proxy) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		p.fail(w, http.StatusBadRequest, "Request body must include 'command'", "")
		return
	}
	req.Command = strings.TrimSpace(req.Command)
	if req.Command == "" {
		p.fail(w, http.StatusBadRequest, "Request body must include 'command'", "")
		return
	}

	timeout := p.timeout
	if req.Timeout > 0 {
		timeout = time.Duration(req.Timeout * float64(time.Second))
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	raw, err := p.node.Command(ctx, req.Command)
	if err != nil {
		p.failNode(w, err)
		return
	}
	respond(w, map[string]any{
		"command": req.Command,
		"raw":     raw,
		"rows":    anylog.ParseRows(raw),
	})
}

func (p *Proxy) handleDatabases(w http.ResponseWriter, r *http.Request) {
	raw, err := p.command(r, "get databases")
	if err != nil {
		p.failNode(w, err)
		return
	}
	respond(w, map[string]any{"databases": anylog.ParseRows(raw), "raw": raw})
}

func (p *Proxy) handleTables(w http.ResponseWriter, r *http.Request) {
	dbms := chi.URLParam(r, "dbms")
	raw, err := p.command(r, fmt.Sprintf("get tables where dbms = %s", dbms))
	if err != nil {
		p.failNode(w, err)
		return
	}
	respond(w, map[string]any{"dbms": dbms, "tables": anylog.ParseRows(raw), "raw": raw})
}

func (p *Proxy) handleColumns(w http.ResponseWriter, r *http.Request) {
	dbms := chi.URLParam(r, "dbms")
	table := chi.URLParam(r, "table")
	raw, err := p.command(r,
		fmt.Sprintf("get columns where dbms = %s and table = %s and format = json", dbms, table))
	if err != nil {
		p.failNode(w, err)
		return
	}
	respond(w, map[string]any{"dbms": dbms, "table": table, "columns": anylog.ParseRows(raw)})
}

func (p *Proxy) handleNodes(w http.ResponseWriter, r *http.Request) {
	raw, err := p.command(r, "get cluster info")
	if err != nil {
		p.failNode(w, err)
		return
	}
	respond(w, map[string]any{"nodes": anylog.ParseRows(raw), "raw": raw})
}

func (p *Proxy) handleNodeStatus(w http.ResponseWriter, r *http.Request) {
	node := r.URL.Query().Get("node")
	if r.Method == http.MethodPost {
		var body struct {
			Node string `json:"node"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		node = body.Node
	}

	cmd := "get status"
	if node != "" {
		cmd = fmt.Sprintf("get status where node = %s", node)
	}
	raw, err := p.command(r, cmd)
	if err != nil {
		p.failNode(w, err)
		return
	}
	label := node
	if label == "" {
		label = "local"
	}
	respond(w, map[string]any{"node": label, "status": strings.TrimSpace(raw)})
}

func (p *Proxy) handleDataLocation(w http.ResponseWriter, r *http.Request) {
	dbms := r.URL.Query().Get("dbms")
	table := r.URL.Query().Get("table")

	raw, err := p.command(r, "get data nodes")
	if err != nil {
		p.failNode(w, err)
		return
	}

	rows := anylog.ParseRows(raw)
	filtered := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		if dbms != "" && !strings.EqualFold(fmt.Sprint(row["dbms"]), dbms) {
			continue
		}
		if table != "" && !strings.EqualFold(fmt.Sprint(row["table"]), table) {
			continue
		}
		filtered = append(filtered, row)
	}
	respond(w, map[string]any{"dbms": dbms, "table": table, "locations": filtered})
}

func (p *Proxy) handleUNS(w http.ResponseWriter, r *http.Request) {
	const cmd = "blockchain get uns"
	raw, err := p.command(r, cmd)
	if err != nil {
		p.failNode(w, err)
		return
	}
	respond(w, map[string]any{"command": cmd, "policies": anylog.ParseRows(raw), "raw": raw})
}

func (p *Proxy) handleConnectionStatus(w http.ResponseWriter, r *http.Request) {
	raw, err := p.command(r, "get status")
	if err != nil {
		p.fail(w, http.StatusServiceUnavailable, "Connection failed", err.Error())
		return
	}
	respond(w, map[string]any{
		"status":   "established",
		"node":     p.node.NodeAddr(),
		"response": truncate(strings.TrimSpace(raw), 200),
	})
}

func (p *Proxy) handleConnectionTest(w http.ResponseWriter, r *http.Request) {
	raw, err := p.command(r, "get status")
	if err != nil {
		p.fail(w, http.StatusServiceUnavailable, "Connection test failed", err.Error())
		return
	}
	respond(w, map[string]any{
		"success":  true,
		"response": truncate(strings.TrimSpace(raw), 200),
	})
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
