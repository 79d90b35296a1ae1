package observability

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditLogger_Record(t *testing.T) {
	var buf bytes.Buffer
	audit := NewAuditLogger(&buf)

	audit.Record(context.Background(), AuditEvent{
		Type:     "policy",
		Actor:    "lane-A",
		Action:   "delete_file",
		Status:   "blocked",
		Metadata: map[string]interface{}{"reason": "destructive"},
	})

	out := buf.String()
	assert.Contains(t, out, `"event_type":"policy"`)
	assert.Contains(t, out, `"actor":"lane-A"`)
	assert.Contains(t, out, `"status":"blocked"`)
	assert.Contains(t, out, `"reason":"destructive"`)
}

func TestAuditLogger_Nil(t *testing.T) {
	var audit *AuditLogger

	assert.NotPanics(t, func() {
		audit.Record(context.Background(), AuditEvent{Action: "noop"})
	})
	assert.NoError(t, audit.Close())
}

func TestOpenAuditLogger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")

	audit, err := OpenAuditLogger(path)
	require.NoError(t, err)

	audit.Record(context.Background(), AuditEvent{Type: "guard", Action: "search", Status: "flagged"})
	require.NoError(t, audit.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"action":"search"`)
}
