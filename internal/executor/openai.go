package executor

import (
	"context"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAI executes tasks through the OpenAI chat completion API.
type OpenAI struct {
	client       *openai.Client
	defaultModel string
}

func NewOpenAI(apiKey, defaultModel string) *OpenAI {
	if defaultModel == "" {
		defaultModel = openai.GPT4oMini
	}
	return &OpenAI{client: openai.NewClient(apiKey), defaultModel: defaultModel}
}

func (o *OpenAI) Execute(ctx context.Context, req Request) (Result, error) {
	model := req.Model
	if model == "" {
		model = o.defaultModel
	}
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: req.Instructions},
		},
	})
	if err != nil {
		return Result{}, classify(err)
	}
	if len(resp.Choices) == 0 {
		return Result{}, fmt.Errorf("openai: empty response for task %d", req.TaskSeq)
	}
	return Result{
		Output:     resp.Choices[0].Message.Content,
		TokensUsed: resp.Usage.TotalTokens,
	}, nil
}

// classify maps API failures to the retry taxonomy. 429 and 5xx are worth
// another attempt, everything else is permanent.
func classify(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500 {
			return Retryable(err)
		}
		return err
	}
	// transport-level failures fall through to the net.Error check
	return err
}
