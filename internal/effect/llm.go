package effect

import (
	"context"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/spiral-run/spiral/internal/domain"
)

// LLMClient is the minimal surface io:llmComplete needs. Keeping it as an
// interface (rather than calling *openai.Client directly from the effect)
// lets tests substitute a fake completion without reaching the network.
type LLMClient interface {
	Complete(ctx context.Context, model, prompt string) (string, error)
}

// OpenAIClient adapts github.com/sashabaranov/go-openai to LLMClient,
// grounded on the teacher's OpenAICompletionExecutor
// (internal/application/executor/node_executors.go): resolve a model
// default, build a single-user-message ChatCompletionRequest, and return
// the first choice's trimmed content.
type OpenAIClient struct {
	client       *openai.Client
	defaultModel string
}

// NewOpenAIClient builds a client for apiKey; defaultModel is used when a
// call omits one (the teacher defaults to "gpt-4o").
func NewOpenAIClient(apiKey, defaultModel string) *OpenAIClient {
	if defaultModel == "" {
		defaultModel = "gpt-4o"
	}
	return &OpenAIClient{client: openai.NewClient(apiKey), defaultModel: defaultModel}
}

func (c *OpenAIClient) Complete(ctx context.Context, model, prompt string) (string, error) {
	if model == "" {
		model = c.defaultModel
	}
	req := openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	}
	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errNoChoices
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

var errNoChoices = domainErr("openai: response had no choices")

type domainErr string

func (e domainErr) Error() string { return string(e) }

// NewLLMCompleteEffect returns the io:llmComplete(prompt) / (prompt, model)
// effect, dispatching through client (SPEC_FULL.md §11's binding of
// sashabaranov/go-openai).
func NewLLMCompleteEffect(client LLMClient) Effect {
	return DefineEffect("io", "llmComplete").ArityRange(1, 2).Fn(func(ctx context.Context, args []domain.Value) (domain.Value, error) {
		if args[0].Kind != domain.KindString {
			return domain.Errorf(domain.ErrTypeError, "io:llmComplete expects a string prompt, got %s", args[0].TypeName()), nil
		}
		model := ""
		if len(args) == 2 {
			if args[1].Kind != domain.KindString {
				return domain.Errorf(domain.ErrTypeError, "io:llmComplete expects a string model name, got %s", args[1].TypeName()), nil
			}
			model = args[1].S
		}
		text, err := client.Complete(ctx, model, args[0].S)
		if err != nil {
			return domain.Value{}, err
		}
		return domain.Str(text), nil
	}).Build()
}
