package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetLoggingState() {
	Shutdown()

	mu.Lock()
	defer mu.Unlock()

	baseWriter = os.Stderr
	baseComponent = ""
	baseLogger = zerolog.New(baseWriter).With().Timestamp().Logger()
	log.Logger = baseLogger
	zerolog.TimeFieldFormat = defaultTimeFmt
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	isTerminalFn = func(int) bool { return false }
}

func readJSONLine(t *testing.T, data []byte) map[string]interface{} {
	t.Helper()

	line := strings.TrimSpace(string(data))
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = line[:idx]
	}
	require.NotEmpty(t, line, "expected log output")

	var event map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(line), &event))
	return event
}

func TestInitJSONFormatSetsLevelAndComponent(t *testing.T) {
	t.Cleanup(resetLoggingState)

	Init(Config{
		Format:    "json",
		Level:     "debug",
		Component: "billing-bridge",
	})

	mu.RLock()
	defer mu.RUnlock()

	assert.Equal(t, os.Stderr, baseWriter)
	assert.Equal(t, "billing-bridge", baseComponent)
	assert.Equal(t, zerolog.DebugLevel, zerolog.GlobalLevel())
}

func TestInitWritesToLogFile(t *testing.T) {
	t.Cleanup(resetLoggingState)

	path := filepath.Join(t.TempDir(), "logs", "bridge.log")
	Init(Config{Format: "json", Level: "info", Component: "bridge", FilePath: path})

	log.Info().Str("product", "gems").Msg("Purchase flow launched")
	Shutdown()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	event := readJSONLine(t, data)
	assert.Equal(t, "Purchase flow launched", event["message"])
	assert.Equal(t, "bridge", event["component"])
	assert.Equal(t, "gems", event["product"])
}

func TestInitAppendsToExistingLogFile(t *testing.T) {
	t.Cleanup(resetLoggingState)

	path := filepath.Join(t.TempDir(), "bridge.log")
	require.NoError(t, os.WriteFile(path, []byte("{\"message\":\"earlier\"}\n"), 0o600))

	Init(Config{Format: "json", FilePath: path})
	log.Info().Msg("later")
	Shutdown()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "earlier")
	assert.Contains(t, lines[1], "later")
}

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"":         zerolog.InfoLevel,
		"INFO":     zerolog.InfoLevel,
		"debug":    zerolog.DebugLevel,
		" trace ":  zerolog.TraceLevel,
		"warning":  zerolog.WarnLevel,
		"warn":     zerolog.WarnLevel,
		"error":    zerolog.ErrorLevel,
		"disabled": zerolog.Disabled,
		"verbose":  zerolog.InfoLevel,
	}
	for in, want := range tests {
		assert.Equal(t, want, parseLevel(in), "level %q", in)
	}
}

func TestSelectWriterAutoUsesConsoleOnTerminal(t *testing.T) {
	t.Cleanup(resetLoggingState)

	isTerminalFn = func(int) bool { return true }
	_, ok := selectWriter("auto").(zerolog.ConsoleWriter)
	assert.True(t, ok)

	isTerminalFn = func(int) bool { return false }
	assert.Equal(t, os.Stderr, selectWriter("auto"))
	assert.Equal(t, os.Stderr, selectWriter("yaml"))
}

func TestSetLevelChangesGlobalLevel(t *testing.T) {
	t.Cleanup(resetLoggingState)

	assert.Equal(t, zerolog.WarnLevel, SetLevel("warn"))
	assert.Equal(t, zerolog.WarnLevel, zerolog.GlobalLevel())
}

func TestWithRequestIDAndFromContext(t *testing.T) {
	t.Cleanup(resetLoggingState)

	ctx, id := WithRequestID(context.Background(), "  ")
	require.NotEmpty(t, id)
	assert.Equal(t, id, RequestID(ctx))

	ctx, id = WithRequestID(nil, "call-7") //nolint:staticcheck
	assert.Equal(t, "call-7", id)

	var buf bytes.Buffer
	log.Logger = zerolog.New(&buf)
	logger := FromContext(ctx)
	logger.Info().Msg("hello")

	event := readJSONLine(t, buf.Bytes())
	assert.Equal(t, "call-7", event["request_id"])
	assert.Empty(t, RequestID(context.Background()))
}
