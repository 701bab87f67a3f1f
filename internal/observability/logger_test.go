package observability

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger_ProdWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "prod", "info")

	logger.Info("hello", slog.String("k", "v"))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "hello", line["msg"])
	assert.Equal(t, "v", line["k"])
}

func TestNewLogger_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "dev", "warn")

	logger.Info("dropped")
	logger.Warn("kept")

	out := buf.String()
	assert.NotContains(t, out, "dropped")
	assert.Contains(t, out, "kept")
}

func TestCallContext_BaseFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "prod", "debug")
	call := NewCallContextWithID(logger, "req-1", "cache", "acme", "u-7")

	call.Error("tier read failed", errors.New("disk gone"), slog.String(LogFieldTier, "durable"))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "req-1", line[LogFieldRequestID])
	assert.Equal(t, "acme", line[LogFieldTenantID])
	assert.Equal(t, "u-7", line[LogFieldUserID])
	assert.Equal(t, "cache", line[LogFieldComponent])
	assert.Equal(t, "durable", line[LogFieldTier])
	assert.Equal(t, "disk gone", line["error"])
}

func TestCallContext_ComponentLoggedOnce(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "prod", "info").With(slog.String(LogFieldComponent, "cache"))

	NewCallContext(logger, "", "acme", "u-1").Warn("miss")

	assert.Equal(t, 1, strings.Count(buf.String(), `"component":`))
	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "cache", line[LogFieldComponent])
}

func TestCallContext_SecurityEvent(t *testing.T) {
	var buf bytes.Buffer
	call := NewCallContext(NewLogger(&buf, "prod", "info"), "cache", "acme", "u-1")

	call.SecurityEvent("tenant_mismatch")

	assert.True(t, strings.Contains(buf.String(), `"event_type":"tenant_mismatch"`))
	assert.NotEmpty(t, call.RequestID)
}

func TestNewPassID_Unique(t *testing.T) {
	assert.NotEqual(t, NewPassID(), NewPassID())
}
