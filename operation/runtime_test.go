package operation

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openwiki/packsync/errkind"
	"github.com/openwiki/packsync/registry"
)

// collectors must register exactly once, even on the default registerer
func TestEnableMetricsWithDefaultRegisterer(t *testing.T) {
	require.NotPanics(t, func() {
		EnableMetrics("packsync_optest", prometheus.DefaultRegisterer)
	})
}

func testRuntime(t *testing.T, cfg Config) (*Runtime, *registry.OperationRegistry) {
	t.Helper()
	db, err := registry.Open(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	ops := registry.NewOperationRegistry(db)
	return New(cfg, ops, nil), ops
}

func waitTerminal(t *testing.T, ops *registry.OperationRegistry, id string) *registry.Operation {
	t.Helper()
	op, err := Poll(context.Background(), ops, id, 5*time.Second, 10*time.Millisecond, nil)
	require.NoError(t, err)
	return op
}

func TestOperationRunsToSuccess(t *testing.T) {
	rt, ops := testRuntime(t, Config{Workers: 1})

	var gotPayload string
	rt.Register("noop", func(_ context.Context, _ *registry.Operation, payload json.RawMessage, progress ProgressFunc) (string, error) {
		gotPayload = string(payload)
		progress(45, "halfway")
		return `{"files":42}`, nil
	})
	rt.Start(context.Background())
	defer rt.Shutdown()

	id, err := rt.Enqueue(context.Background(), "noop", "alice", "doing nothing", json.RawMessage(`{"x":1}`))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	op := waitTerminal(t, ops, id)
	assert.Equal(t, registry.OpSuccess, op.Status)
	assert.Equal(t, 100, op.Progress)
	assert.Equal(t, `{"files":42}`, op.ResultData)
	assert.NotNil(t, op.StartedAt)
	assert.Equal(t, `{"x":1}`, gotPayload)
}

func TestOperationFailureRecorded(t *testing.T) {
	rt, ops := testRuntime(t, Config{Workers: 1})
	rt.Register("boom", func(context.Context, *registry.Operation, json.RawMessage, ProgressFunc) (string, error) {
		return "", errkind.New(errkind.Fetch, "upstream gone")
	})
	rt.Start(context.Background())
	defer rt.Shutdown()

	id, err := rt.Enqueue(context.Background(), "boom", "alice", "", nil)
	require.NoError(t, err)

	op := waitTerminal(t, ops, id)
	assert.Equal(t, registry.OpFailed, op.Status)
	assert.Contains(t, op.Message, "upstream gone")
}

func TestEnqueueUnknownTypeRejected(t *testing.T) {
	rt, _ := testRuntime(t, Config{})
	_, err := rt.Enqueue(context.Background(), "mystery", "alice", "", nil)
	require.Error(t, err)
	assert.Equal(t, errkind.Validation, errkind.KindOf(err))
}

func TestQueueOverflowReturnsQueueFull(t *testing.T) {
	// one slot, no workers started: the second enqueue must overflow
	rt, ops := testRuntime(t, Config{Workers: 1, QueueSize: 1})
	rt.Register("noop", func(context.Context, *registry.Operation, json.RawMessage, ProgressFunc) (string, error) {
		return "", nil
	})

	_, err := rt.Enqueue(context.Background(), "noop", "alice", "", nil)
	require.NoError(t, err)

	_, err = rt.Enqueue(context.Background(), "noop", "alice", "", nil)
	require.Error(t, err)
	assert.Equal(t, errkind.QueueFull, errkind.KindOf(err))

	// the overflowed row is failed, not silently dropped
	overflowID, ok := errkind.ContextOf(err)["operation_id"].(string)
	require.True(t, ok)
	op, err := ops.Get(context.Background(), overflowID)
	require.NoError(t, err)
	require.NotNil(t, op)
	assert.Equal(t, registry.OpFailed, op.Status)
}

func TestPollTimesOutWhileOperationRuns(t *testing.T) {
	rt, ops := testRuntime(t, Config{Workers: 1})
	release := make(chan struct{})
	rt.Register("slow", func(ctx context.Context, _ *registry.Operation, _ json.RawMessage, _ ProgressFunc) (string, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return "", nil
	})
	rt.Start(context.Background())
	defer rt.Shutdown()
	defer close(release)

	id, err := rt.Enqueue(context.Background(), "slow", "alice", "", nil)
	require.NoError(t, err)

	var seen []string
	op, err := Poll(context.Background(), ops, id, 100*time.Millisecond, 20*time.Millisecond,
		func(op *registry.Operation) { seen = append(seen, op.Status) })
	require.Error(t, err)
	assert.Equal(t, errkind.Timeout, errkind.KindOf(err))
	require.NotNil(t, op)
	assert.False(t, op.Terminal(), "the operation keeps running after a poll timeout")
	assert.NotEmpty(t, seen)
}

func TestPollUnknownOperation(t *testing.T) {
	_, ops := testRuntime(t, Config{})
	_, err := Poll(context.Background(), ops, "nope", 50*time.Millisecond, 10*time.Millisecond, nil)
	require.Error(t, err)
	assert.Equal(t, errkind.NotFound, errkind.KindOf(err))
}
