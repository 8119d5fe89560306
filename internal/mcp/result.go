package mcp

import (
	"encoding/json"
	"strings"
)

// ResultKind tags the shape of a normalized backend result.
type ResultKind int

const (
	// KindRaw is an arbitrary JSON value that is neither a row set nor
	// bare text.
	KindRaw ResultKind = iota

	// KindRows is a sequence of records, either a top-level JSON array or
	// a list found under a conventional key (rows, data, results, Query).
	KindRows

	// KindText is backend output that is not valid JSON.
	KindText
)

// rowListKeys are the object keys under which backends wrap row lists,
// in lookup order.
var rowListKeys = []string{"rows", "data", "results", "Query"}

// Result is a backend response normalized once inside the RPC client, so
// downstream handlers never re-infer the shape. Raw is always populated with
// a canonical JSON encoding suitable for caching and serving.
type Result struct {
	Kind ResultKind
	Rows []map[string]any
	Text string
	Raw  json.RawMessage
}

// JSON returns the canonical JSON encoding of the result.
func (r Result) JSON() json.RawMessage {
	return r.Raw
}

// normalizeText classifies concatenated text content from a tool envelope.
// Text that parses as JSON becomes Rows or Raw; anything else stays Text and
// is encoded as {"text": ...} for transport.
func normalizeText(text string) Result {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return Result{Kind: KindRaw, Raw: json.RawMessage(`{}`)}
	}
	if json.Valid([]byte(trimmed)) {
		return normalizeRaw(json.RawMessage(trimmed))
	}
	encoded, _ := json.Marshal(map[string]string{"text": trimmed})
	return Result{Kind: KindText, Text: trimmed, Raw: encoded}
}

// normalizeRaw classifies an arbitrary JSON value.
func normalizeRaw(raw json.RawMessage) Result {
	res := Result{Kind: KindRaw, Raw: raw}

	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return res
	}

	switch val := v.(type) {
	case []any:
		if rows, ok := coerceRows(val); ok {
			res.Kind = KindRows
			res.Rows = rows
		}
	case map[string]any:
		for _, key := range rowListKeys {
			list, ok := val[key].([]any)
			if !ok {
				continue
			}
			if rows, rowsOK := coerceRows(list); rowsOK {
				res.Kind = KindRows
				res.Rows = rows
			}
			break
		}
	}
	return res
}

// coerceRows converts a JSON array into records. Arrays holding anything
// other than objects are left to the caller as raw values.
func coerceRows(list []any) ([]map[string]any, bool) {
	rows := make([]map[string]any, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, false
		}
		rows = append(rows, m)
	}
	return rows, true
}
