package ctxkeys

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContextHelpers(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	_, ok := OwnerID(ctx)
	assert.False(t, ok)

	ctx = WithTraceID(ctx, "t1")
	ctx = WithRequestID(ctx, "req-1")
	ctx = WithOwnerID(ctx, "alice")
	ctx = WithTaskID(ctx, "task-1")

	got, ok := TraceID(ctx)
	assert.True(t, ok)
	assert.Equal(t, "t1", got)

	got, ok = RequestID(ctx)
	assert.True(t, ok)
	assert.Equal(t, "req-1", got)

	got, ok = OwnerID(ctx)
	assert.True(t, ok)
	assert.Equal(t, "alice", got)

	got, ok = TaskID(ctx)
	assert.True(t, ok)
	assert.Equal(t, "task-1", got)

	_, ok = OwnerID(WithOwnerID(context.Background(), ""))
	assert.False(t, ok, "empty values are treated as absent")
}
