package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	commonllm "mindops.dev/sidecar/common/llm"
	"mindops.dev/sidecar/internal/model"
)

// observationResponse is the structured-output shape requested from the model.
type observationResponse struct {
	Summary string `json:"summary" jsonschema_description:"A concise T1 observation summarizing the conversation turns"`
}

var observationSchema = commonllm.GenerateSchema[observationResponse]()

// ChatObserverAdapter is the production ObserverAdapter, backed by an
// OpenAI-compatible structured-output chat client (github.com/openai/openai-go).
type ChatObserverAdapter struct {
	client commonllm.Client
}

func NewChatObserverAdapter(client commonllm.Client) *ChatObserverAdapter {
	return &ChatObserverAdapter{client: client}
}

func (a *ChatObserverAdapter) ObserveT1(ctx context.Context, input ObserverInput, profile ModelProfile, guardrails model.Guardrails) (ObserverOutput, error) {
	deadline := time.Duration(guardrails.PerAttemptTimeoutMS) * time.Millisecond
	if deadline <= 0 {
		deadline = 20 * time.Second
	}
	attemptCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	prompt := buildObservationPrompt(input)

	var response observationResponse
	temp := profile.Temperature
	_, err := a.client.Chat(attemptCtx, commonllm.Request{
		SystemPrompt: "You summarize a coding-agent conversation into a single durable observation.",
		UserPrompt:   prompt,
		SchemaName:   "t1_observation",
		Schema:       observationSchema,
		Temperature:  &temp,
	}, &response)

	if err != nil {
		return ObserverOutput{}, classifyAdapterError(attemptCtx, err)
	}
	if strings.TrimSpace(response.Summary) == "" {
		return ObserverOutput{}, &AdapterError{Kind: model.FailurePolicyViolation, Message: "empty summary returned by model"}
	}

	return ObserverOutput{Text: response.Summary}, nil
}

func buildObservationPrompt(input ObserverInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "conversation_id=%s\n", input.ConversationID)
	for _, event := range input.Events {
		fmt.Fprintf(&b, "[%s] %s: %s\n", event.Kind, event.AgentID, event.Body)
	}
	return b.String()
}

func classifyAdapterError(ctx context.Context, err error) *AdapterError {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &AdapterError{Kind: model.FailureTimeout, Message: err.Error()}
	}
	if commonllm.IsRetryable(ctx, err) {
		return &AdapterError{Kind: model.FailureProviderError, Message: err.Error()}
	}
	return &AdapterError{Kind: model.FailurePolicyViolation, Message: err.Error()}
}
