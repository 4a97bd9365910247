package anthropic

import (
	"context"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/require"

	"goa.design/recall/runtime/llm"
)

type fakeMessages struct {
	params sdk.MessageNewParams
	msg    *sdk.Message
	err    error
}

func (f *fakeMessages) New(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) (*sdk.Message, error) {
	f.params = body
	return f.msg, f.err
}

func textMessage(text string, in, out int64) *sdk.Message {
	return &sdk.Message{
		Content: []sdk.ContentBlockUnion{{Type: "text", Text: text}},
		Usage:   sdk.Usage{InputTokens: in, OutputTokens: out},
	}
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(nil, Options{Model: "claude-sonnet-4-5"})
	require.EqualError(t, err, "anthropic client is required")
	_, err = New(&fakeMessages{}, Options{})
	require.EqualError(t, err, "model identifier is required")
}

func TestChatSplitsSystemPrompt(t *testing.T) {
	fake := &fakeMessages{msg: textMessage("answer", 12, 7)}
	c, err := New(fake, Options{Model: "claude-sonnet-4-5"})
	require.NoError(t, err)

	text, usage, err := c.Chat(context.Background(), []llm.Message{
		{Role: llm.RoleSystem, Content: "be brief"},
		{Role: llm.RoleUser, Content: "hi"},
		{Role: llm.RoleAssistant, Content: "hello"},
		{Role: llm.RoleUser, Content: "continue"},
	}, llm.Options{MaxTokens: 256})
	require.NoError(t, err)
	require.Equal(t, "answer", text)
	require.Equal(t, llm.Usage{InputTokens: 12, OutputTokens: 7}, usage)

	require.Len(t, fake.params.System, 1)
	require.Equal(t, "be brief", fake.params.System[0].Text)
	require.Len(t, fake.params.Messages, 3)
	require.Equal(t, int64(256), fake.params.MaxTokens)
	require.Equal(t, sdk.Model("claude-sonnet-4-5"), fake.params.Model)
}

func TestChatDefaultsMaxTokens(t *testing.T) {
	fake := &fakeMessages{msg: textMessage("x", 0, 0)}
	c, err := New(fake, Options{Model: "claude-sonnet-4-5"})
	require.NoError(t, err)
	_, _, err = c.Chat(context.Background(), []llm.Message{{Role: llm.RoleUser, Content: "hi"}}, llm.Options{})
	require.NoError(t, err)
	require.Equal(t, int64(defaultMaxTokens), fake.params.MaxTokens)
}

func TestEmbedAndTranscribeAreUnsupported(t *testing.T) {
	c, err := New(&fakeMessages{}, Options{Model: "claude-sonnet-4-5"})
	require.NoError(t, err)
	_, _, err = c.Embed(context.Background(), []string{"a"})
	require.ErrorIs(t, err, llm.ErrUnsupported)
	_, _, err = c.Transcribe(context.Background(), "a.mp3")
	require.ErrorIs(t, err, llm.ErrUnsupported)
}

func TestVisionRejectsRemoteRefs(t *testing.T) {
	c, err := New(&fakeMessages{msg: textMessage("", 0, 0)}, Options{Model: "claude-sonnet-4-5"})
	require.NoError(t, err)
	_, _, err = c.Vision(context.Background(), "describe", []string{"https://example.com/x.png"}, llm.Options{})
	require.Error(t, err)
}
