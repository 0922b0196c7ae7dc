package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		"INFO":    zerolog.InfoLevel,
		"warning": zerolog.WarnLevel,
		"Error":   zerolog.ErrorLevel,
		"bogus":   zerolog.InfoLevel,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestContextRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	ctx, l := WithTraceContext(context.Background(), base)
	require.NotEmpty(t, TraceID(ctx))

	fromCtx := FromContext(ctx)
	fromCtx.Info().Msg("hello")
	l.Info().Msg("again")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)
	for _, line := range lines {
		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal(line, &entry))
		assert.Equal(t, TraceID(ctx), entry["trace_id"])
	}
}

func TestInvestmentContextFields(t *testing.T) {
	var buf bytes.Buffer
	l := InvestmentContext(Component(zerolog.New(&buf), "settlement"), "inv-1", "user-1")
	l.Warn().Msg("plan missing")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "settlement", entry["component"])
	assert.Equal(t, "inv-1", entry["investment_id"])
	assert.Equal(t, "user-1", entry["user_id"])
	assert.Equal(t, "warn", entry["level"])
}
