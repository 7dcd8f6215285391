package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Potat-Industries/eval-server/internal/domain"
)

// echoScript is a fake Worker Process: for every eval frame it reads on a
// line of stdin, it replies with a canned result frame echoing the request
// id, exercising the real stdio framing without needing the actual sandbox
// kernel binary.
const echoScript = `
while IFS= read -r line; do
  id=$(echo "$line" | sed -n 's/.*"id":\([0-9]*\).*/\1/p')
  printf '{"kind":"result","id":%s,"result":"echoed"}\n' "$id"
done
`

func waitReady(t *testing.T, p *Pool, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, sup := range p.supervisors {
			if sup.Ready() {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("pool never became ready")
}

func TestPoolDispatchRoundTripsThroughChildProcess(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool := NewPool(ctx, 1, "/bin/sh", []string{"-c", echoScript}, nil, Settings{
		MaxQueueSizePerWorker:  10,
		WorkerExecutionTimeout: 2 * time.Second,
	})
	waitReady(t, pool, 2*time.Second)

	result, err := pool.Dispatch(context.Background(), "1+1", nil)
	require.NoError(t, err)
	assert.Equal(t, "echoed", result)
}

func TestPoolDispatchFailsWithCapacityErrorWhenNoSupervisorReady(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Dispatch runs right after NewPool, before the supervisor goroutine has
	// started its first child, so no supervisor is Running yet; /bin/false
	// also exits at once, so any later Running window is brief.
	pool := NewPool(ctx, 1, "/bin/false", nil, nil, Settings{
		MaxQueueSizePerWorker:  10,
		WorkerExecutionTimeout: time.Second,
	})

	_, err := pool.Dispatch(context.Background(), "1+1", nil)
	assert.ErrorIs(t, err, domain.ErrCapacity)
}

func TestPoolDispatchFailsWhenQueueCapIsZero(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool := NewPool(ctx, 1, "/bin/sh", []string{"-c", echoScript}, nil, Settings{
		MaxQueueSizePerWorker:  0,
		WorkerExecutionTimeout: time.Second,
	})
	waitReady(t, pool, 2*time.Second)

	_, err := pool.Dispatch(context.Background(), "1+1", nil)
	assert.ErrorIs(t, err, domain.ErrCapacity)
}
