package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgebench/anacore/pkg/taskerr"
)

type fakeTransport struct {
	mu      sync.Mutex
	fail    map[string]int
	calls   map[string]int
	failErr error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{fail: map[string]int{}, calls: map[string]int{}}
}

func (f *fakeTransport) Dispatch(_ context.Context, endpoint string, _ Request) (Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[endpoint]++
	if f.fail[endpoint] > 0 {
		f.fail[endpoint]--
		if f.failErr != nil {
			return Result{}, f.failErr
		}
		return Result{}, taskerr.New(taskerr.Transient, "connection refused")
	}
	return Result{Summary: map[string]any{"ok": true}}, nil
}

func TestDispatchSucceedsOnHealthyEndpoint(t *testing.T) {
	ft := newFakeTransport()
	p := New(Config{Kind: "static", Endpoints: []EndpointConfig{{Address: "a"}}}, ft)

	res, err := p.Dispatch(context.Background(), Request{RequestID: "r1"})
	require.NoError(t, err)
	assert.Equal(t, true, res.Summary["ok"])
}

func TestDispatchRetriesOnTransientFailure(t *testing.T) {
	ft := newFakeTransport()
	ft.fail["a"] = 1 // first endpoint fails once then would succeed, but cross-endpoint retry should hit b
	p := New(Config{
		Kind:                    "static",
		Endpoints:               []EndpointConfig{{Address: "a"}, {Address: "b"}},
		MaxCrossEndpointRetries: 1,
	}, ft)

	_, err := p.Dispatch(context.Background(), Request{RequestID: "r1"})
	require.NoError(t, err)

	ft.mu.Lock()
	defer ft.mu.Unlock()
	assert.Equal(t, 1, ft.calls["a"])
	assert.Equal(t, 1, ft.calls["b"])
}

func TestDispatchReturnsNonTransientImmediately(t *testing.T) {
	ft := newFakeTransport()
	ft.fail["a"] = 1
	ft.failErr = taskerr.New(taskerr.Validation, "bad request")
	p := New(Config{Kind: "static", Endpoints: []EndpointConfig{{Address: "a"}, {Address: "b"}}}, ft)

	_, err := p.Dispatch(context.Background(), Request{RequestID: "r1"})
	require.Error(t, err)
	assert.True(t, taskerr.Is(err, taskerr.Validation))

	ft.mu.Lock()
	defer ft.mu.Unlock()
	assert.Equal(t, 1, ft.calls["a"])
	assert.Equal(t, 0, ft.calls["b"])
}

func TestEndpointEntersCooldownAfterConsecutiveFailures(t *testing.T) {
	ft := newFakeTransport()
	ft.fail["a"] = 10
	p := New(Config{
		Kind:                    "static",
		Endpoints:               []EndpointConfig{{Address: "a"}},
		FailureThreshold:        3,
		CooldownDuration:        time.Hour,
		MaxCrossEndpointRetries: 0,
	}, ft)

	for i := 0; i < 3; i++ {
		_, err := p.Dispatch(context.Background(), Request{RequestID: "r"})
		require.Error(t, err)
	}

	_, err := p.Dispatch(context.Background(), Request{RequestID: "r4"})
	require.Error(t, err)
	assert.True(t, taskerr.Is(err, taskerr.Preflight), "endpoint should now fail fast from cooldown")

	ft.mu.Lock()
	calls := ft.calls["a"]
	ft.mu.Unlock()
	assert.Equal(t, 3, calls, "the 4th dispatch must not touch the transport")
}

func TestNoHealthyEndpointReturnsPreflightError(t *testing.T) {
	ft := newFakeTransport()
	p := New(Config{Kind: "static", Endpoints: nil}, ft)

	_, err := p.Dispatch(context.Background(), Request{RequestID: "r1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoHealthyEndpoint)
}

func TestStatsReportsActiveRequests(t *testing.T) {
	ft := newFakeTransport()
	p := New(Config{Kind: "static", Endpoints: []EndpointConfig{{Address: "a"}}}, ft)

	var wg sync.WaitGroup
	var dispatched int32
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = p.Dispatch(context.Background(), Request{RequestID: "r1"})
		atomic.AddInt32(&dispatched, 1)
	}()
	wg.Wait()

	stats := p.Stats()
	require.Len(t, stats, 1)
	assert.True(t, stats[0].Healthy)
	assert.Equal(t, 0, stats[0].ActiveRequests)
}
