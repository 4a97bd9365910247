package bedrock

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/stretchr/testify/require"

	"goa.design/recall/runtime/llm"
)

type fakeRuntime struct {
	converseInput *bedrockruntime.ConverseInput
	converseOut   *bedrockruntime.ConverseOutput

	invokeInputs []*bedrockruntime.InvokeModelInput
	invokeBodies [][]byte
	calls        int
}

func (f *fakeRuntime) Converse(_ context.Context, params *bedrockruntime.ConverseInput, _ ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
	f.converseInput = params
	f.calls++
	return f.converseOut, nil
}

func (f *fakeRuntime) InvokeModel(_ context.Context, params *bedrockruntime.InvokeModelInput, _ ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error) {
	f.invokeInputs = append(f.invokeInputs, params)
	f.calls++
	body := f.invokeBodies[len(f.invokeInputs)-1]
	return &bedrockruntime.InvokeModelOutput{Body: body}, nil
}

func textOutput(text string, in, out int32) *bedrockruntime.ConverseOutput {
	return &bedrockruntime.ConverseOutput{
		Output: &brtypes.ConverseOutputMemberMessage{
			Value: brtypes.Message{
				Role:    brtypes.ConversationRoleAssistant,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: text}},
			},
		},
		Usage: &brtypes.TokenUsage{InputTokens: aws.Int32(in), OutputTokens: aws.Int32(out)},
	}
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{ChatModel: "anthropic.claude-3-sonnet"})
	require.EqualError(t, err, "bedrock runtime client is required")
	_, err = New(Options{Runtime: &fakeRuntime{}})
	require.EqualError(t, err, "chat model is required")
}

func TestChatMapsSystemAndUsage(t *testing.T) {
	rt := &fakeRuntime{converseOut: textOutput("answer", 9, 4)}
	c, err := New(Options{Runtime: rt, ChatModel: "anthropic.claude-3-sonnet"})
	require.NoError(t, err)

	text, usage, err := c.Chat(context.Background(), []llm.Message{
		{Role: llm.RoleSystem, Content: "be brief"},
		{Role: llm.RoleUser, Content: "hi"},
	}, llm.Options{MaxTokens: 128, Temperature: 0.3})
	require.NoError(t, err)
	require.Equal(t, "answer", text)
	require.Equal(t, llm.Usage{InputTokens: 9, OutputTokens: 4}, usage)

	require.Equal(t, "anthropic.claude-3-sonnet", aws.ToString(rt.converseInput.ModelId))
	require.Len(t, rt.converseInput.System, 1)
	require.Len(t, rt.converseInput.Messages, 1)
	require.Equal(t, int32(128), aws.ToInt32(rt.converseInput.InferenceConfig.MaxTokens))
}

func TestEmbedInvokesTitanPerText(t *testing.T) {
	mk := func(vec []float32, tokens int) []byte {
		b, _ := json.Marshal(titanEmbedResponse{Embedding: vec, InputTextTokenCount: tokens})
		return b
	}
	rt := &fakeRuntime{invokeBodies: [][]byte{mk([]float32{1, 0}, 3), mk([]float32{0, 1}, 4)}}
	c, err := New(Options{Runtime: rt, ChatModel: "m", EmbedModel: "amazon.titan-embed-text-v2:0"})
	require.NoError(t, err)

	vecs, usage, err := c.Embed(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	require.Equal(t, [][]float32{{1, 0}, {0, 1}}, vecs)
	require.Equal(t, 7, usage.InputTokens)
	require.Len(t, rt.invokeInputs, 2)

	var req titanEmbedRequest
	require.NoError(t, json.Unmarshal(rt.invokeInputs[0].Body, &req))
	require.Equal(t, "a", req.InputText)
}

func TestEmbedWithoutModelIsUnsupported(t *testing.T) {
	c, err := New(Options{Runtime: &fakeRuntime{}, ChatModel: "m"})
	require.NoError(t, err)
	_, _, err = c.Embed(context.Background(), []string{"a"})
	require.ErrorIs(t, err, llm.ErrUnsupported)
}

func TestLimiterPacesCalls(t *testing.T) {
	rt := &fakeRuntime{converseOut: textOutput("x", 0, 0)}
	c, err := New(Options{Runtime: rt, ChatModel: "m", RequestsPerSecond: 50, Burst: 1})
	require.NoError(t, err)

	start := time.Now()
	for i := 0; i < 3; i++ {
		_, _, err := c.Chat(context.Background(), []llm.Message{{Role: llm.RoleUser, Content: "hi"}}, llm.Options{})
		require.NoError(t, err)
	}
	// Two waits at 50 req/s is at least 40ms of pacing.
	require.GreaterOrEqual(t, time.Since(start), 35*time.Millisecond)
	require.Equal(t, 3, rt.calls)
}
