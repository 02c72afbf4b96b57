package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"rillcall/internal/infrastructure/repositories/memory"

	"github.com/stretchr/testify/assert"
)

func TestHealthChecker_CheckAll(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddRepositoryCheck(memory.NewMemoryPresenceRepository(), time.Second, time.Second)
	assert.True(t, h.IsReady(context.Background()))

	h.AddPingCheck("redis", func(context.Context) error { return errors.New("connection refused") }, time.Second, time.Second)
	status := h.CheckAll(context.Background())
	assert.Equal(t, "unhealthy", status.Status)
	assert.Equal(t, "healthy", status.Checks["presence"])
	assert.Equal(t, "connection refused", status.Checks["redis"])
	assert.False(t, h.IsReady(context.Background()))
}

func TestHealthChecker_CheckTimeout(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddPingCheck("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, time.Second, 10*time.Millisecond)

	status := h.CheckAll(context.Background())
	assert.Equal(t, "unhealthy", status.Status)
	assert.Equal(t, context.DeadlineExceeded.Error(), status.Checks["slow"])
}
