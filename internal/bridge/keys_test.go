package bridge

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCacheKey(t *testing.T) {
	t.Run("no params is just the tool name", func(t *testing.T) {
		assert.Equal(t, "listDatabases", CacheKey("listDatabases", nil))
		assert.Equal(t, "listDatabases", CacheKey("listDatabases", map[string]any{}))
	})

	t.Run("params are canonicalized", func(t *testing.T) {
		a := CacheKey("executeQuery", map[string]any{"dbms": "x", "sql": "SELECT 1"})
		b := CacheKey("executeQuery", map[string]any{"sql": "SELECT 1", "dbms": "x"})
		assert.Equal(t, a, b, "parameter order must not change the key")
		assert.Equal(t, `executeQuery?{"dbms":"x","sql":"SELECT 1"}`, a)
	})

	t.Run("different params give different keys", func(t *testing.T) {
		a := CacheKey("listTables", map[string]any{"dbms": "a"})
		b := CacheKey("listTables", map[string]any{"dbms": "b"})
		assert.NotEqual(t, a, b)
	})

	t.Run("nested values are included", func(t *testing.T) {
		a := CacheKey("tool", map[string]any{"filter": map[string]any{"min": 1}})
		b := CacheKey("tool", map[string]any{"filter": map[string]any{"min": 2}})
		assert.NotEqual(t, a, b)
	})
}
