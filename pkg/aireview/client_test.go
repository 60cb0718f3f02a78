package aireview

import (
	"context"
	"errors"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMessages struct {
	resp *sdk.Message
	err  error
	got  sdk.MessageNewParams
}

func (f *fakeMessages) New(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) (*sdk.Message, error) {
	f.got = body
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func textMessage(text string) *sdk.Message {
	return &sdk.Message{
		Content: []sdk.ContentBlockUnion{
			{Type: "text", Text: text},
		},
	}
}

func TestReviewReturnsConcatenatedText(t *testing.T) {
	fake := &fakeMessages{resp: textMessage("NO_FINDINGS")}
	c, err := New(fake, "claude-test-model")
	require.NoError(t, err)

	text, err := c.Review(context.Background(), "system", "review this")
	require.NoError(t, err)
	assert.Equal(t, "NO_FINDINGS", text)
	assert.Equal(t, int64(MaxOutputTokens), fake.got.MaxTokens)
}

func TestReviewRejectsEmptyUserPrompt(t *testing.T) {
	fake := &fakeMessages{resp: textMessage("x")}
	c, err := New(fake, "claude-test-model")
	require.NoError(t, err)

	_, err = c.Review(context.Background(), "system", "")
	assert.Error(t, err)
}

func TestReviewErrorsOnEmptyModelResponse(t *testing.T) {
	fake := &fakeMessages{resp: &sdk.Message{}}
	c, err := New(fake, "claude-test-model")
	require.NoError(t, err)

	_, err = c.Review(context.Background(), "", "review this")
	assert.ErrorIs(t, err, ErrEmptyResponse)
}

func TestReviewWrapsTransportErrors(t *testing.T) {
	fake := &fakeMessages{err: errors.New("connection reset")}
	c, err := New(fake, "claude-test-model")
	require.NoError(t, err)

	_, err = c.Review(context.Background(), "", "review this")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestNewRequiresMessagesClientAndModel(t *testing.T) {
	_, err := New(nil, "model")
	assert.Error(t, err)

	_, err = New(&fakeMessages{}, "")
	assert.Error(t, err)
}
