// Package llm defines the ObserverAdapter capability (spec §6.2) and a
// concrete OpenAI-backed implementation grounded on the teacher's
// common/llm package.
package llm

import (
	"context"
	"fmt"

	"mindops.dev/sidecar/internal/model"
)

// ModelProfile selects which provider/model/parameters an observe_t1 call uses.
type ModelProfile struct {
	ID          string
	Provider    string
	Model       string
	Temperature float64
}

// ObserverInput is the compacted T0 slice handed to the adapter.
type ObserverInput struct {
	ConversationID string
	Events         []model.T0Event
}

// ObserverOutput is a successful semantic observation.
type ObserverOutput struct {
	Text string
}

// AdapterError is the structured failure the Pipeline's retry loop inspects.
type AdapterError struct {
	Kind    model.AdapterFailureKind
	Message string
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("semantic adapter error (%s): %s", e.Kind, e.Message)
}

// ObserverAdapter is the single polymorphism point of the core (spec §9):
// the Pipeline depends on this interface only, never a concrete provider.
type ObserverAdapter interface {
	ObserveT1(ctx context.Context, input ObserverInput, profile ModelProfile, guardrails model.Guardrails) (ObserverOutput, error)
}
