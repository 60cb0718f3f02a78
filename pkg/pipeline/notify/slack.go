// Package notify provides optional pipeline.Observer implementations for
// surfacing pipeline completion to external channels.
package notify

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"

	"github.com/forgebench/anacore/pkg/pipeline"
	"github.com/forgebench/anacore/pkg/telemetry"
)

// SlackObserver posts a one-line pipeline-completion summary to a Slack
// incoming webhook. It composes with Orchestrator as any other
// pipeline.Observer rather than being hard-coded into the orchestrator
// itself.
type SlackObserver struct {
	webhookURL string
	logger     telemetry.Logger
}

// NewSlackObserver constructs a SlackObserver posting to webhookURL.
func NewSlackObserver(webhookURL string, logger telemetry.Logger) *SlackObserver {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &SlackObserver{webhookURL: webhookURL, logger: logger}
}

var _ pipeline.Observer = (*SlackObserver)(nil)

// PipelineCompleted implements pipeline.Observer.
func (s *SlackObserver) PipelineCompleted(ctx context.Context, p pipeline.Pipeline) {
	msg := &slack.WebhookMessage{
		Text: fmt.Sprintf("pipeline %s (%s) finished: %s", p.Name, p.ID, p.State),
	}
	if err := slack.PostWebhookContext(ctx, s.webhookURL, msg); err != nil {
		s.logger.Warn(ctx, "posting pipeline completion to slack failed", "pipeline_id", p.ID, "error", err)
	}
}
