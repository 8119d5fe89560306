// Package httpapi is the HTTP surface of the bridge: thin chi handlers that
// validate input, submit jobs to the gateway, and reshape results. All
// backend access goes through job submission so the response path inherits
// caching, deduplication, and throttling for free.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/proveit-io/anylog-bridge/internal/bridge"
	"github.com/proveit-io/anylog-bridge/internal/httpmw"
	"github.com/proveit-io/anylog-bridge/internal/logging"
	"github.com/proveit-io/anylog-bridge/internal/query"
)

// Backend tool names exposed through the API.
const (
	toolCheckStatus     = "checkStatus"
	toolListTables      = "listTables"
	toolListColumns     = "listColumns"
	toolListPolicyTypes = "listPolicyTypes"
	toolListPolicies    = "listPolicies"
	toolExecuteQuery    = "executeQuery"
)

// Bridge is the slice of the gateway the handlers need.
type Bridge interface {
	Submit(tool string, params map[string]any, ttl time.Duration) *bridge.Job
	Invalidate(tool string, params map[string]any)
	ClearCache()
	Status() bridge.Status
}

// Config carries the handler-level policy: per-class cache TTLs, how long a
// request blocks on a job, and query defaults.
type Config struct {
	MetadataTTL  time.Duration
	DataTTL      time.Duration
	WaitTimeout  time.Duration
	DefaultDBMS  string
	DefaultHours int
}

// API owns the routes and their shared collaborators.
type API struct {
	cfg     Config
	gw      Bridge
	metrics *Metrics
	logger  zerolog.Logger
}

// NewAPI wires the handler set. metrics may be shared with other surfaces.
func NewAPI(cfg Config, gw Bridge, metrics *Metrics, logger zerolog.Logger) *API {
	return &API{
		cfg:     cfg,
		gw:      gw,
		metrics: metrics,
		logger:  logging.ComponentLogger(logger, "httpapi"),
	}
}

// Router assembles the middleware chain and route table.
func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(httpmw.RequestID(a.logger))
	r.Use(httpmw.CORS)
	r.Use(httpmw.Recovery)
	r.Use(a.metrics.instrument)
	r.Use(httpmw.AccessLog)

	r.Get("/healthz", a.handleHealthz)
	r.Method(http.MethodGet, "/metrics", a.metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", a.handleStatus)
		r.Get("/tables", a.handleTables)
		r.Get("/columns", a.handleColumns)
		r.Get("/uns/discover", a.handleUNSDiscover)
		r.Get("/uns/policies", a.handleUNSPolicies)
		r.Post("/query", a.handleQuery)
		r.Post("/query/increment", a.handleQueryIncrement)
		r.Post("/cache/clear", a.handleCacheClear)
		r.Get("/worker/status", a.handleWorkerStatus)
	})

	return r
}

// runJob submits a job and blocks up to the wait timeout. Failures come back
// as an error payload rather than an error status: the backend answered, the
// answer is "it failed", and clients render it as data. A wait timeout only
// abandons this request; the job keeps running and fills the cache.
func (a *API) runJob(tool string, params map[string]any, ttl time.Duration) json.RawMessage {
	j := a.gw.Submit(tool, params, ttl)
	if j.FromCache {
		a.metrics.jobCacheHits.Inc()
	}
	value, err := j.Wait(a.cfg.WaitTimeout)
	switch {
	case errors.Is(err, bridge.ErrWaitTimeout):
		a.metrics.jobTimeouts.Inc()
		msg := fmt.Sprintf("worker timeout (%s) for %s", a.cfg.WaitTimeout, j.Key)
		payload, _ := json.Marshal(map[string]string{"error": msg})
		return payload
	case err != nil:
		a.metrics.jobErrors.Inc()
		if len(value) > 0 {
			return value
		}
		payload, _ := json.Marshal(map[string]string{"error": err.Error()})
		return payload
	default:
		return value
	}
}

func (a *API) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	respondRaw(w, http.StatusOK, a.runJob(toolCheckStatus, nil, a.cfg.MetadataTTL))
}

func (a *API) handleTables(w http.ResponseWriter, r *http.Request) {
	dbms := queryParam(r, "dbms", a.cfg.DefaultDBMS)
	raw := a.runJob(toolListTables, map[string]any{"dbms": dbms}, a.cfg.MetadataTTL)

	// Dashboards expect a uniform [{"name": ...}] shape whether the
	// backend returned strings or objects.
	var items []any
	if err := json.Unmarshal(raw, &items); err != nil {
		respondRaw(w, http.StatusOK, raw)
		return
	}
	tables := make([]map[string]string, 0, len(items))
	for _, item := range items {
		switch t := item.(type) {
		case map[string]any:
			name, _ := t["name"].(string)
			tables = append(tables, map[string]string{"name": name})
		default:
			tables = append(tables, map[string]string{"name": fmt.Sprint(t)})
		}
	}
	respondJSON(w, http.StatusOK, tables)
}

func (a *API) handleColumns(w http.ResponseWriter, r *http.Request) {
	table := queryParam(r, "table", "")
	if table == "" {
		respondError(w, http.StatusBadRequest, "Missing ?table=")
		return
	}
	dbms := queryParam(r, "dbms", a.cfg.DefaultDBMS)
	raw := a.runJob(toolListColumns, map[string]any{"dbms": dbms, "table": table}, a.cfg.MetadataTTL)
	respondRaw(w, http.StatusOK, raw)
}

func (a *API) handleUNSDiscover(w http.ResponseWriter, r *http.Request) {
	raw := a.runJob(toolListPolicyTypes, nil, a.cfg.MetadataTTL)

	types := []any{}
	_ = json.Unmarshal(raw, &types)
	respondJSON(w, http.StatusOK, map[string]any{
		"policyTypes": types,
		"unsPolicies": []any{},
	})
}

func (a *API) handleUNSPolicies(w http.ResponseWriter, r *http.Request) {
	namespace := queryParam(r, "namespace", "")
	name := queryParam(r, "name", "")
	if namespace == "" && name == "" {
		respondError(w, http.StatusBadRequest, "Provide ?namespace= or ?name=")
		return
	}

	var parts []string
	if namespace != "" {
		parts = append(parts, fmt.Sprintf("namespace = %q", namespace))
	}
	if name != "" {
		parts = append(parts, fmt.Sprintf("name = %q", name))
	}
	params := map[string]any{
		"policyType": "uns",
		"whereCond":  strings.Join(parts, " and "),
	}
	respondRaw(w, http.StatusOK, a.runJob(toolListPolicies, params, a.cfg.MetadataTTL))
}

type queryRequest struct {
	DBMS    string  `json:"dbms"`
	SQL     string  `json:"sql"`
	Nodes   string  `json:"nodes"`
	Hours   float64 `json:"hours"`
	Refresh bool    `json:"refresh"`
}

func (a *API) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.SQL = strings.TrimSpace(req.SQL)
	if req.SQL == "" {
		respondError(w, http.StatusBadRequest, "Missing sql")
		return
	}
	if req.DBMS == "" {
		req.DBMS = a.cfg.DefaultDBMS
	}
	if req.Hours <= 0 {
		req.Hours = float64(a.cfg.DefaultHours)
	}

	execSQL, isStats := query.RewriteAggregate(req.SQL, req.Hours)
	if !isStats {
		execSQL = req.SQL
	}

	params := map[string]any{"dbms": req.DBMS, "sql": execSQL}
	if req.Nodes != "" {
		params["nodes"] = req.Nodes
	}
	if req.Refresh {
		a.gw.Invalidate(toolExecuteQuery, params)
	}

	logging.FromContext(r.Context()).Info().
		Str("dbms", req.DBMS).
		Str("sql", truncateSQL(execSQL)).
		Bool("stats", isStats).
		Msg("query")

	raw := a.runJob(toolExecuteQuery, params, a.cfg.DataTTL)
	rows := query.Rows(raw)

	if isStats {
		respondJSON(w, http.StatusOK, query.ComputeStats(rows))
		return
	}
	if len(rows) > 0 {
		respondJSON(w, http.StatusOK, rows)
		return
	}
	respondRaw(w, http.StatusOK, raw)
}

type incrementRequest struct {
	DBMS           string `json:"dbms"`
	Table          string `json:"table"`
	TimeColumn     string `json:"timeColumn"`
	StartTime      string `json:"startTime"`
	EndTime        string `json:"endTime"`
	TimeUnit       string `json:"timeUnit"`
	IntervalLength int    `json:"intervalLength"`
	Nodes          string `json:"nodes"`
}

func (req *incrementRequest) validate() error {
	missing := func(f string) error { return fmt.Errorf("Missing field: %s", f) }
	switch {
	case req.DBMS == "":
		return missing("dbms")
	case req.Table == "":
		return missing("table")
	case req.TimeColumn == "":
		return missing("timeColumn")
	case req.StartTime == "":
		return missing("startTime")
	case req.EndTime == "":
		return missing("endTime")
	case req.TimeUnit == "":
		return missing("timeUnit")
	case req.IntervalLength <= 0:
		return missing("intervalLength")
	}
	return nil
}

func (a *API) handleQueryIncrement(w http.ResponseWriter, r *http.Request) {
	var req incrementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := req.validate(); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	sql := query.IncrementsSQL(req.Table, req.TimeColumn, req.StartTime, req.EndTime)
	params := map[string]any{"dbms": req.DBMS, "sql": sql}
	if req.Nodes != "" {
		params["nodes"] = req.Nodes
	}

	raw := a.runJob(toolExecuteQuery, params, a.cfg.DataTTL)
	rows := query.Rows(raw)
	buckets := query.BucketRows(rows, req.TimeColumn, query.BucketSeconds(req.TimeUnit, req.IntervalLength))
	respondJSON(w, http.StatusOK, buckets)
}

func (a *API) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	a.gw.ClearCache()
	respondJSON(w, http.StatusOK, map[string]bool{"cleared": true})
}

func (a *API) handleWorkerStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, a.gw.Status())
}

func queryParam(r *http.Request, name, fallback string) string {
	if v := r.URL.Query().Get(name); v != "" {
		return v
	}
	return fallback
}

func truncateSQL(sql string) string {
	if len(sql) <= 150 {
		return sql
	}
	return sql[:150]
}
