package llm

import "context"

// Completer sends a two-message (system, user) chat to a model and returns
// the assistant's raw text. Implementations classify their own failures:
// transport, 429 and 5xx errors come back as common.TransientError.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
}
