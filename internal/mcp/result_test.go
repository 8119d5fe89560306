package mcp

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeTextEmpty(t *testing.T) {
	res := normalizeText("   ")
	assert.Equal(t, KindRaw, res.Kind)
	assert.JSONEq(t, `{}`, string(res.Raw))
}

func TestNormalizeTextNonJSON(t *testing.T) {
	res := normalizeText("AnyLog node running")
	assert.Equal(t, KindText, res.Kind)
	assert.Equal(t, "AnyLog node running", res.Text)
	assert.JSONEq(t, `{"text":"AnyLog node running"}`, string(res.Raw))
}

func TestNormalizeRawRowKeys(t *testing.T) {
	for _, key := range []string{"rows", "data", "results", "Query"} {
		t.Run(key, func(t *testing.T) {
			raw, _ := json.Marshal(map[string]any{
				key: []map[string]any{{"value": 1.5}},
			})
			res := normalizeRaw(raw)
			assert.Equal(t, KindRows, res.Kind)
			require.Len(t, res.Rows, 1)
			assert.Equal(t, 1.5, res.Rows[0]["value"])
			// Raw keeps the full original value for caching.
			assert.JSONEq(t, string(raw), string(res.Raw))
		})
	}
}

func TestNormalizeRawScalarArray(t *testing.T) {
	res := normalizeRaw(json.RawMessage(`[1,2,3]`))
	assert.Equal(t, KindRaw, res.Kind, "arrays of non-objects stay raw")
	assert.JSONEq(t, `[1,2,3]`, string(res.Raw))
}

func TestNormalizeRawObjectArray(t *testing.T) {
	res := normalizeRaw(json.RawMessage(`[{"a":1},{"a":2}]`))
	assert.Equal(t, KindRows, res.Kind)
	assert.Len(t, res.Rows, 2)
}

func TestNormalizeRawPlainObject(t *testing.T) {
	res := normalizeRaw(json.RawMessage(`{"status":"ok"}`))
	assert.Equal(t, KindRaw, res.Kind)
}
