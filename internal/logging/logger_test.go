package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestAppendContextFields_NilContext_ReturnsUnchanged(t *testing.T) {
	fields := appendContextFields(nil, []zap.Field{zap.String("k", "v")})
	assert.Len(t, fields, 1)
}

func TestAppendContextFields_AddsEveryKnownKey(t *testing.T) {
	ctx := context.Background()
	ctx = WithCorrelationID(ctx, "corr-1")
	ctx = WithUserID(ctx, "user-1")
	ctx = WithSessionID(ctx, "sess-1")
	ctx = WithVideoID(ctx, "vid-1")

	fields := appendContextFields(ctx, nil)

	keys := make(map[string]string, len(fields))
	for _, f := range fields {
		keys[f.Key] = f.String
	}
	assert.Equal(t, "corr-1", keys["correlation_id"])
	assert.Equal(t, "user-1", keys["user_id"])
	assert.Equal(t, "sess-1", keys["session_id"])
	assert.Equal(t, "vid-1", keys["video_id"])
	assert.Equal(t, "videogen-gateway", keys["service"])
}

func TestGetLogger_NeverNil(t *testing.T) {
	assert.NotNil(t, GetLogger())
}
