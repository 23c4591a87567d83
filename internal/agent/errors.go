package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/nugget/mcpchat/internal/llm"
	"github.com/nugget/mcpchat/internal/mcp"
)

// ErrToolBudgetExhausted is returned when the model still asks for a
// tool, with no accompanying text, after every allowed tool round has
// been used.
var ErrToolBudgetExhausted = errors.New("model requested another tool after the tool budget was spent")

// ModelError wraps a failure of the model provider (network, auth,
// quota). The query's conversation is discarded.
type ModelError struct {
	Model string
	Round int
	Err   error
}

func (e *ModelError) Error() string {
	return fmt.Sprintf("model %s (round %d): %v", e.Model, e.Round, e.Err)
}

func (e *ModelError) Unwrap() error { return e.Err }

// Describe renders an error from [Loop.Process] as one line for the
// operator.
func Describe(err error) string {
	if err == nil {
		return ""
	}

	var (
		modelErr *ModelError
		apiErr   *llm.APIError
		protoErr *mcp.ProtocolError
	)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "Error: the query timed out"
	case errors.Is(err, context.Canceled):
		return "Error: the query was cancelled"
	case errors.Is(err, ErrToolBudgetExhausted):
		return "Error: the model kept asking for tools and gave no answer"
	case errors.As(err, &apiErr):
		return fmt.Sprintf("Error calling the %s API (HTTP %d): %s", apiErr.Provider, apiErr.StatusCode, apiErr.Body)
	case errors.As(err, &modelErr):
		return fmt.Sprintf("Error calling the model: %v", modelErr.Err)
	case errors.As(err, &protoErr):
		return fmt.Sprintf("Error talking to the tool server: %v", protoErr)
	default:
		return fmt.Sprintf("Error: %v", err)
	}
}
