package health

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_Empty(t *testing.T) {
	healthy, statuses := NewRegistry().CheckAll(context.Background())
	assert.True(t, healthy)
	assert.Empty(t, statuses)
}

func TestRegistry_Aggregates(t *testing.T) {
	r := NewRegistry()
	r.Ping("database", func(context.Context) error { return nil })
	r.Ping("kafka", func(context.Context) error { return errors.New("broker down") })
	r.Running("reconciliation", func() bool { return true })
	r.Register("unnamed", func(context.Context) Status { return Status{Healthy: true} })

	healthy, statuses := r.CheckAll(context.Background())
	assert.False(t, healthy)
	require.Len(t, statuses, 4)
	assert.Equal(t, Status{Name: "database", Healthy: true}, statuses[0])
	assert.Equal(t, Status{Name: "kafka", Healthy: false, Detail: "broker down"}, statuses[1])
	assert.True(t, statuses[2].Healthy)
	assert.Equal(t, "unnamed", statuses[3].Name)
}

func TestRegistry_StoppedLoop(t *testing.T) {
	r := NewRegistry()
	r.Running("readiness_timer", func() bool { return false })

	healthy, statuses := r.CheckAll(context.Background())
	assert.False(t, healthy)
	assert.Equal(t, "not running", statuses[0].Detail)
}

func TestRegistry_CheckBoundedByTimeout(t *testing.T) {
	r := NewRegistry()
	r.timeout = 0
	r.Ping("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	healthy, _ := r.CheckAll(context.Background())
	assert.False(t, healthy)
}
