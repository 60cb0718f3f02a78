package pool

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/forgebench/anacore/pkg/replica/transport"
	"github.com/forgebench/anacore/pkg/taskerr"
)

// Channel is the subset of *transport.Channel a ChannelTransport needs, so
// tests can substitute an in-memory fake instead of a live Redis instance.
type Channel interface {
	Publish(ctx context.Context, endpoint string, req transport.RequestFrame) error
	AwaitTerminal(ctx context.Context, requestID string) (transport.ResponseFrame, error)
	Cleanup(ctx context.Context, requestID string) error
}

// ChannelTransport implements Transport over the replica channel: it
// publishes a request frame to the target endpoint's request stream and
// blocks on the request's dedicated response stream for the terminal
// frame, translating it back into a Result or classified error.
type ChannelTransport struct {
	channel Channel
}

var _ Transport = (*ChannelTransport)(nil)

// NewChannelTransport constructs a ChannelTransport bound to channel.
func NewChannelTransport(channel Channel) *ChannelTransport {
	return &ChannelTransport{channel: channel}
}

// Dispatch implements Transport.
func (c *ChannelTransport) Dispatch(ctx context.Context, endpoint string, req Request) (Result, error) {
	cfgRaw, err := json.Marshal(req.Config)
	if err != nil {
		return Result{}, taskerr.Wrap(taskerr.Validation, "encoding request config", err)
	}

	frame := transport.RequestFrame{
		RequestID:  req.RequestID,
		TaskID:     req.TaskID,
		AppKey:     req.AppKey,
		SourcePath: req.SourcePath,
		ToolNames:  req.ToolNames,
		Config:     cfgRaw,
		TimeoutMS:  req.Timeout.Milliseconds(),
	}
	if err := c.channel.Publish(ctx, endpoint, frame); err != nil {
		return Result{}, taskerr.Wrap(taskerr.Transient, fmt.Sprintf("publishing request to %s", endpoint), err)
	}
	defer c.channel.Cleanup(context.WithoutCancel(ctx), req.RequestID)

	resp, err := c.channel.AwaitTerminal(ctx, req.RequestID)
	if err != nil {
		return Result{}, taskerr.Wrap(taskerr.Transient, fmt.Sprintf("awaiting response from %s", endpoint), err)
	}
	return frameToResult(resp)
}

func frameToResult(resp transport.ResponseFrame) (Result, error) {
	switch resp.Kind {
	case transport.FrameResult:
		var tools map[string]any
		if len(resp.Payload) > 0 {
			if err := json.Unmarshal(resp.Payload, &tools); err != nil {
				return Result{}, taskerr.Wrap(taskerr.Fatal, "decoding result payload", err)
			}
		}
		return Result{Tools: tools}, nil
	case transport.FrameOverload:
		return Result{}, overloadError(resp.Payload)
	case transport.FrameError:
		return Result{}, errorFrameToTaskErr(resp.Payload)
	default:
		return Result{}, taskerr.New(taskerr.Fatal, fmt.Sprintf("unexpected response frame kind %q", resp.Kind))
	}
}

// overloadError handles both overload variants the replica worker emits:
// a bare frame (queue full, empty payload) and one carrying a
// Transient-classified error body (a dispatch that failed at the
// connection level before reaching a handler).
func overloadError(payload json.RawMessage) error {
	if len(payload) == 0 {
		return taskerr.New(taskerr.Transient, "replica endpoint overloaded")
	}
	return errorFrameToTaskErr(payload)
}

func errorFrameToTaskErr(payload json.RawMessage) error {
	var body struct {
		Classification string `json:"classification"`
		Message        string `json:"message"`
	}
	if len(payload) > 0 {
		_ = json.Unmarshal(payload, &body)
	}
	class := taskerr.Classification(body.Classification)
	if class == "" {
		class = taskerr.Fatal
	}
	msg := body.Message
	if msg == "" {
		msg = "replica reported an error"
	}
	return taskerr.New(class, msg)
}
