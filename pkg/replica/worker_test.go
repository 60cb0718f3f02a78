package replica

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgebench/anacore/pkg/replica/transport"
	"github.com/forgebench/anacore/pkg/taskerr"
)

type fakeChannel struct {
	mu        sync.Mutex
	pending   []transport.RequestFrame
	responses map[string]transport.ResponseFrame
	responded chan string
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{responses: make(map[string]transport.ResponseFrame), responded: make(chan string, 16)}
}

func (f *fakeChannel) enqueue(req transport.RequestFrame) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = append(f.pending, req)
}

func (f *fakeChannel) Consume(_ context.Context, _ string, lastID string, _ time.Duration) ([]transport.RequestFrame, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pending) == 0 {
		time.Sleep(time.Millisecond)
		return nil, lastID, nil
	}
	out := f.pending
	f.pending = nil
	return out, "next", nil
}

func (f *fakeChannel) Respond(_ context.Context, requestID string, frame transport.ResponseFrame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[requestID] = frame
	f.responded <- requestID
	return nil
}

func (f *fakeChannel) wait(t *testing.T, requestID string) transport.ResponseFrame {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case id := <-f.responded:
			f.mu.Lock()
			frame, ok := f.responses[id]
			f.mu.Unlock()
			if ok && id == requestID {
				return frame
			}
		case <-deadline:
			t.Fatalf("timed out waiting for response to %s", requestID)
		}
	}
}

func TestWorkerProcessesAcceptedRequestSuccessfully(t *testing.T) {
	ch := newFakeChannel()
	handler := func(context.Context, transport.RequestFrame) (any, error) {
		return map[string]any{"ok": true}, nil
	}
	w := New(Config{Endpoint: "static-1", Concurrency: 2}, ch, handler)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	ch.enqueue(transport.RequestFrame{RequestID: "r1"})

	frame := ch.wait(t, "r1")
	assert.Equal(t, transport.FrameResult, frame.Kind)
}

func TestWorkerMapsTransientErrorToOverload(t *testing.T) {
	ch := newFakeChannel()
	handler := func(context.Context, transport.RequestFrame) (any, error) {
		return nil, taskerr.New(taskerr.Transient, "tool process crashed")
	}
	w := New(Config{Endpoint: "static-1"}, ch, handler)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	ch.enqueue(transport.RequestFrame{RequestID: "r2"})
	frame := ch.wait(t, "r2")
	assert.Equal(t, transport.FrameOverload, frame.Kind)
}

func TestWorkerMapsValidationErrorToErrorFrame(t *testing.T) {
	ch := newFakeChannel()
	handler := func(context.Context, transport.RequestFrame) (any, error) {
		return nil, taskerr.New(taskerr.Validation, "bad tool selection")
	}
	w := New(Config{Endpoint: "static-1"}, ch, handler)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	ch.enqueue(transport.RequestFrame{RequestID: "r3"})
	frame := ch.wait(t, "r3")
	assert.Equal(t, transport.FrameError, frame.Kind)

	var body map[string]any
	require.NoError(t, json.Unmarshal(frame.Payload, &body))
	assert.Equal(t, "validation", body["classification"])
}

func TestWorkerOverloadsWhenQueueFull(t *testing.T) {
	ch := newFakeChannel()
	block := make(chan struct{})
	handler := func(context.Context, transport.RequestFrame) (any, error) {
		<-block
		return map[string]any{}, nil
	}
	w := New(Config{Endpoint: "static-1", QueueCapacity: 1, Concurrency: 1}, ch, handler)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	ch.enqueue(transport.RequestFrame{RequestID: "busy"})
	time.Sleep(20 * time.Millisecond) // let it be picked up and block the single worker slot

	ch.enqueue(transport.RequestFrame{RequestID: "q1"})
	time.Sleep(20 * time.Millisecond)
	ch.enqueue(transport.RequestFrame{RequestID: "overflow"})

	frame := ch.wait(t, "overflow")
	assert.Equal(t, transport.FrameOverload, frame.Kind)
	close(block)
}
