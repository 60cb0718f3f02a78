// Package transport implements the replica channel (§6): a framed,
// bidirectional, request/response protocol between the Analyzer Pool and a
// replica worker, carried over Redis Streams. The pool XADDs a request frame
// onto the replica's request stream and blocks on XREAD against a
// per-request response stream; the replica worker (pkg/replica) consumes the
// request stream and XADDs exactly one terminal frame (result, error, or
// overload) to the response stream, with progress frames optionally
// preceding it.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// FrameKind identifies a response frame's role in the protocol.
type FrameKind string

const (
	FrameProgress FrameKind = "progress"
	FrameResult   FrameKind = "result"
	FrameError    FrameKind = "error"
	FrameOverload FrameKind = "overload"
)

// IsTerminal reports whether a frame of this kind ends the exchange. Exactly
// one terminal frame is ever emitted per request.
func (k FrameKind) IsTerminal() bool {
	return k == FrameResult || k == FrameError || k == FrameOverload
}

// RequestFrame is the message the pool publishes to a replica's request
// stream.
type RequestFrame struct {
	RequestID  string          `json:"request_id"`
	Kind       string          `json:"kind"`
	TaskID     string          `json:"task_id"`
	AppKey     string          `json:"app_key"`
	SourcePath string          `json:"source_path"`
	ToolNames  []string        `json:"tool_names"`
	Config     json.RawMessage `json:"config"`
	TimeoutMS  int64           `json:"timeout_ms"`
}

// ResponseFrame is a frame the replica publishes to the request's dedicated
// response stream.
type ResponseFrame struct {
	RequestID string          `json:"request_id"`
	Kind      FrameKind       `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
}

func requestStreamKey(endpoint string) string {
	return fmt.Sprintf("anacore:replica:%s:requests", endpoint)
}

func responseStreamKey(requestID string) string {
	return fmt.Sprintf("anacore:replica:response:%s", requestID)
}

// ResponseStreamTTL bounds how long a per-request response stream survives
// after its terminal frame, so an abandoned request (pool crashed mid-wait)
// doesn't leak streams forever.
const ResponseStreamTTL = 10 * time.Minute

// Channel is a Redis-Streams-backed bidirectional channel between pool and
// replica worker.
type Channel struct {
	rdb *redis.Client
}

// New constructs a Channel bound to rdb.
func New(rdb *redis.Client) *Channel { return &Channel{rdb: rdb} }

// Publish appends a request frame onto endpoint's request stream.
func (c *Channel) Publish(ctx context.Context, endpoint string, req RequestFrame) error {
	b, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encoding request frame: %w", err)
	}
	if err := c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: requestStreamKey(endpoint),
		Values: map[string]any{"frame": b},
	}).Err(); err != nil {
		return fmt.Errorf("publishing request to %s: %w", endpoint, err)
	}
	return nil
}

// Consume blocks reading endpoint's request stream starting after lastID,
// returning newly available request frames and the ID to resume from.
func (c *Channel) Consume(ctx context.Context, endpoint, lastID string, block time.Duration) ([]RequestFrame, string, error) {
	if lastID == "" {
		lastID = "0"
	}
	streams, err := c.rdb.XRead(ctx, &redis.XReadArgs{
		Streams: []string{requestStreamKey(endpoint), lastID},
		Block:   block,
		Count:   10,
	}).Result()
	if err == redis.Nil {
		return nil, lastID, nil
	}
	if err != nil {
		return nil, lastID, fmt.Errorf("reading request stream for %s: %w", endpoint, err)
	}

	var out []RequestFrame
	nextID := lastID
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			raw, _ := msg.Values["frame"].(string)
			var req RequestFrame
			if err := json.Unmarshal([]byte(raw), &req); err != nil {
				continue
			}
			out = append(out, req)
			nextID = msg.ID
		}
	}
	return out, nextID, nil
}

// Respond appends a response frame to requestID's dedicated response
// stream, refreshing the stream's TTL so it outlives the terminal frame
// only long enough for a slow reader to catch up.
func (c *Channel) Respond(ctx context.Context, requestID string, frame ResponseFrame) error {
	b, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encoding response frame: %w", err)
	}
	key := responseStreamKey(requestID)
	if err := c.rdb.XAdd(ctx, &redis.XAddArgs{Stream: key, Values: map[string]any{"frame": b}}).Err(); err != nil {
		return fmt.Errorf("publishing response for %s: %w", requestID, err)
	}
	c.rdb.Expire(ctx, key, ResponseStreamTTL)
	return nil
}

// AwaitTerminal blocks reading requestID's response stream until the
// terminal frame arrives or ctx is done, ignoring progress frames.
func (c *Channel) AwaitTerminal(ctx context.Context, requestID string) (ResponseFrame, error) {
	key := responseStreamKey(requestID)
	lastID := "0"
	for {
		streams, err := c.rdb.XRead(ctx, &redis.XReadArgs{
			Streams: []string{key, lastID},
			Block:   2 * time.Second,
			Count:   10,
		}).Result()
		if err != nil && err != redis.Nil {
			return ResponseFrame{}, fmt.Errorf("awaiting terminal frame for %s: %w", requestID, err)
		}
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				lastID = msg.ID
				raw, _ := msg.Values["frame"].(string)
				var resp ResponseFrame
				if err := json.Unmarshal([]byte(raw), &resp); err != nil {
					continue
				}
				if resp.Kind.IsTerminal() {
					return resp, nil
				}
			}
		}
		select {
		case <-ctx.Done():
			return ResponseFrame{}, ctx.Err()
		default:
		}
	}
}

// Cleanup deletes requestID's response stream immediately, for use once the
// pool has consumed the terminal frame and doesn't need the TTL grace
// period.
func (c *Channel) Cleanup(ctx context.Context, requestID string) error {
	return c.rdb.Del(ctx, responseStreamKey(requestID)).Err()
}
