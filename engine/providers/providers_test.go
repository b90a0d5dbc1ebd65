package providers

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YASSERRMD/AiMesh/engine/errors"
	"github.com/YASSERRMD/AiMesh/engine/testutil"
)

func TestMux_RoutesByEndpointID(t *testing.T) {
	mux := NewMux()
	a := &testutil.MockExecutor{Result: []byte("from-a")}
	b := &testutil.MockExecutor{Result: []byte("from-b")}
	mux.Register("ep-a", a)
	mux.Register("ep-b", b)

	result, err := mux.Execute(context.Background(), "ep-b", []byte("x"), 100, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, []byte("from-b"), result.Result)
	assert.Equal(t, 0, a.CallCount())
	assert.Equal(t, 1, b.CallCount())
}

func TestMux_UnknownEndpointUsesFallback(t *testing.T) {
	mux := NewMux()
	fb := &testutil.MockExecutor{Result: []byte("fallback")}
	mux.SetFallback(fb)

	result, err := mux.Execute(context.Background(), "nowhere", []byte("x"), 100, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, []byte("fallback"), result.Result)
	assert.Equal(t, 1, fb.CallsTo("nowhere"))
}

func TestMux_UnknownEndpointWithoutFallbackFails(t *testing.T) {
	mux := NewMux()
	_, err := mux.Execute(context.Background(), "nowhere", []byte("x"), 100, time.Time{})
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindEndpointFailure))
}

func TestMux_RemoveDropsBinding(t *testing.T) {
	mux := NewMux()
	mux.Register("ep-a", testutil.NewMockExecutor(1))
	mux.Remove("ep-a")

	_, err := mux.Execute(context.Background(), "ep-a", []byte("x"), 100, time.Time{})
	require.Error(t, err)
}

func TestLocalExecutor_EchoesPayload(t *testing.T) {
	exec := NewLocalExecutor(func(o *LocalOptions) { o.Latency = 0 })

	result, err := exec.Execute(context.Background(), "local", []byte("hello world!"), 100, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, []byte("hello world!"), result.Result)
	// 12 bytes at 0.25 tokens per byte.
	assert.Equal(t, int64(3), result.TokensUsed)
	assert.Equal(t, 1, exec.CallCount())
}

func TestLocalExecutor_TokenFloor(t *testing.T) {
	exec := NewLocalExecutor(func(o *LocalOptions) { o.Latency = 0 })

	result, err := exec.Execute(context.Background(), "local", []byte("x"), 100, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.TokensUsed)
}

func TestLocalExecutor_FailEvery(t *testing.T) {
	exec := NewLocalExecutor(func(o *LocalOptions) {
		o.Latency = 0
		o.FailEvery = 2
	})

	_, err := exec.Execute(context.Background(), "local", []byte("x"), 100, time.Time{})
	require.NoError(t, err)
	_, err = exec.Execute(context.Background(), "local", []byte("x"), 100, time.Time{})
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindEndpointFailure))
	_, err = exec.Execute(context.Background(), "local", []byte("x"), 100, time.Time{})
	require.NoError(t, err)
}

func TestLocalExecutor_HonorsContextCancellation(t *testing.T) {
	exec := NewLocalExecutor(func(o *LocalOptions) { o.Latency = time.Second })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := exec.Execute(ctx, "local", []byte("x"), 100, time.Time{})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
