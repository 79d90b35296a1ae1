package logger

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsSensitiveKey(t *testing.T) {
	for _, key := range []string{"password", "api_key", "API-Key", "client_secret", "auth_token", "Authorization"} {
		assert.True(t, IsSensitiveKey(key), key)
	}
	for _, key := range []string{"path", "query", "value", "limit"} {
		assert.False(t, IsSensitiveKey(key), key)
	}
}

func TestSanitizeParams(t *testing.T) {
	params := map[string]interface{}{
		"path":     "/tmp/report.txt",
		"password": "hunter2",
		"limit":    10,
		"nested": map[string]interface{}{
			"api_key": "sk-123",
			"region":  "eu",
		},
		"body": strings.Repeat("x", 500),
	}

	out := SanitizeParams(params, 50)

	assert.Equal(t, "/tmp/report.txt", out["path"])
	assert.Equal(t, ElidedValue, out["password"])
	assert.Equal(t, 10, out["limit"])

	nested := out["nested"].(map[string]interface{})
	assert.Equal(t, ElidedValue, nested["api_key"])
	assert.Equal(t, "eu", nested["region"])

	body := out["body"].(string)
	assert.True(t, strings.HasSuffix(body, "...[truncated]"))
	assert.Less(t, len(body), 100)

	// source map is untouched
	assert.Equal(t, "hunter2", params["password"])
}

func TestSanitizeParams_Nil(t *testing.T) {
	assert.Nil(t, SanitizeParams(nil, 10))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", Truncate("short", 10))
	assert.Equal(t, "ab...[truncated]", Truncate("abcdef", 2))
	assert.Equal(t, "äö...[truncated]", Truncate("äöüß", 2))
}

func TestSanitizeParams_Lists(t *testing.T) {
	params := map[string]interface{}{
		"items": []interface{}{
			map[string]interface{}{"password": "hunter2", "name": "db"},
			"plain",
			[]interface{}{map[string]interface{}{"token": "t-1"}},
		},
		"accounts": []map[string]interface{}{
			{"api_key": "sk-123", "id": 7},
		},
	}

	out := SanitizeParams(params, 50)

	items := out["items"].([]interface{})
	require.Len(t, items, 3)
	first := items[0].(map[string]interface{})
	assert.Equal(t, ElidedValue, first["password"])
	assert.Equal(t, "db", first["name"])
	assert.Equal(t, "plain", items[1])
	inner := items[2].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, ElidedValue, inner["token"])

	accounts := out["accounts"].([]interface{})
	require.Len(t, accounts, 1)
	assert.Equal(t, ElidedValue, accounts[0].(map[string]interface{})["api_key"])
	assert.Equal(t, 7, accounts[0].(map[string]interface{})["id"])

	assert.NotContains(t, fmt.Sprintf("%v", out), "hunter2")
	assert.NotContains(t, fmt.Sprintf("%v", out), "sk-123")
}
