package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"mindops.dev/sidecar/internal/llm"
	"mindops.dev/sidecar/internal/model"
)

// StubAdapter is a no-op ObserverAdapter for tests and initial deployment: it
// never calls a provider, logs the input, and returns a deterministic
// observation built from the event count.
type StubAdapter struct{}

func NewStubAdapter() *StubAdapter {
	return &StubAdapter{}
}

func (a *StubAdapter) ObserveT1(ctx context.Context, input llm.ObserverInput, profile llm.ModelProfile, guardrails model.Guardrails) (llm.ObserverOutput, error) {
	slog.InfoContext(ctx, "stub adapter: observing conversation",
		"conversation_id", input.ConversationID,
		"event_count", len(input.Events))

	return llm.ObserverOutput{
		Text: fmt.Sprintf("T1 observation (stub, source_events=%d)", len(input.Events)),
	}, nil
}
