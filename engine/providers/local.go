package providers

import (
	"context"
	"sync"
	"time"

	"github.com/YASSERRMD/AiMesh/engine/dispatcher"
	"github.com/YASSERRMD/AiMesh/engine/errors"
)

// LocalOptions configures the local executor.
type LocalOptions struct {
	// Latency delays every execution to mimic a model round trip.
	Latency time.Duration
	// TokensPerByte converts payload size into a reported token cost.
	TokensPerByte float64
	// FailEvery makes every Nth call fail, for fallback drills. 0 disables.
	FailEvery int
}

// LocalExecutor is a deterministic in-process endpoint: it echoes the
// payload and charges tokens proportional to its size. Used for local-model
// endpoints, demos, and tests.
type LocalExecutor struct {
	opts  LocalOptions
	mu    sync.Mutex
	calls int
}

// NewLocalExecutor creates a local executor.
func NewLocalExecutor(optFns ...func(*LocalOptions)) *LocalExecutor {
	opts := LocalOptions{
		Latency:       5 * time.Millisecond,
		TokensPerByte: 0.25,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &LocalExecutor{opts: opts}
}

// Execute implements dispatcher.Executor.
func (l *LocalExecutor) Execute(ctx context.Context, endpointID string, payload []byte, _ int64, _ time.Time) (*dispatcher.ExecutionResult, error) {
	l.mu.Lock()
	l.calls++
	call := l.calls
	l.mu.Unlock()

	if l.opts.Latency > 0 {
		select {
		case <-time.After(l.opts.Latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if l.opts.FailEvery > 0 && call%l.opts.FailEvery == 0 {
		return nil, errors.Newf(errors.KindEndpointFailure, "injected failure on %s", endpointID)
	}

	tokens := int64(float64(len(payload)) * l.opts.TokensPerByte)
	if tokens < 1 {
		tokens = 1
	}
	return &dispatcher.ExecutionResult{
		Result:     append([]byte(nil), payload...),
		TokensUsed: tokens,
		LatencyMS:  l.opts.Latency.Milliseconds(),
	}, nil
}

// CallCount reports how many executions ran.
func (l *LocalExecutor) CallCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}
