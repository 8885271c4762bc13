package diag

import "github.com/castra-project/castra/internal/event"

// OperationOutput is the success envelope returned by every orchestrator
// operation: the primary value, plus everything non-fatal worth telling
// the operator, plus the ordered events observed. A failed operation
// returns a nil *OperationOutput and a non-nil *Error — the two channels
// are never conflated.
type OperationOutput[T any] struct {
	Value       T
	Diagnostics []Diagnostic
	Events      []event.Event
}

func Ok[T any](value T, diagnostics []Diagnostic, events []event.Event) *OperationOutput[T] {
	return &OperationOutput[T]{Value: value, Diagnostics: diagnostics, Events: events}
}
