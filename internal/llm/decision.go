package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Decision is what the model chose to do with a turn: answer directly
// or ask for a tool. It is either a [DirectAnswer] or a [ToolRequest].
type Decision interface {
	isDecision()
}

// DirectAnswer is a terminal text reply.
type DirectAnswer struct {
	Text string
}

// ToolRequest asks for one tool invocation.
type ToolRequest struct {
	CallID       string
	Name         string
	Arguments    map[string]any
	RawArguments string

	// Text is any prose the model sent alongside the call.
	Text string

	// Ignored counts additional tool calls in the same turn that were
	// dropped; only one call is honoured per turn.
	Ignored int

	argsErr error
}

func (DirectAnswer) isDecision() {}
func (ToolRequest) isDecision()  {}

// ErrMalformedToolCall reports a tool call that cannot be executed.
var ErrMalformedToolCall = errors.New("malformed tool call")

// Validate reports whether the request names a tool and carries
// arguments that parsed as a JSON object.
func (r ToolRequest) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("%w: no tool name", ErrMalformedToolCall)
	}
	if r.argsErr != nil {
		return fmt.Errorf("%w: arguments for %s: %v", ErrMalformedToolCall, r.Name, r.argsErr)
	}
	return nil
}

// Decide classifies a provider response. A response with at least one
// tool call is a ToolRequest for the first call; anything else is a
// DirectAnswer. A nil response is an empty DirectAnswer.
func Decide(resp *ChatResponse) Decision {
	if resp == nil {
		return DirectAnswer{}
	}
	msg := resp.Message
	if len(msg.ToolCalls) == 0 {
		return DirectAnswer{Text: msg.Content}
	}

	tc := msg.ToolCalls[0]
	req := ToolRequest{
		CallID:       tc.ID,
		Name:         tc.Function.Name,
		Arguments:    tc.Function.Arguments,
		RawArguments: tc.Function.RawArguments,
		Text:         msg.Content,
		Ignored:      len(msg.ToolCalls) - 1,
		argsErr:      tc.Function.ArgumentsErr,
	}

	if req.Arguments == nil && req.argsErr == nil {
		req.Arguments, req.argsErr = ParseArguments(req.RawArguments)
	}
	return req
}

// ParseArguments decodes a JSON object of tool arguments. Empty input
// yields an empty map.
func ParseArguments(raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, err
	}
	if args == nil {
		// "null" decodes without error.
		return map[string]any{}, nil
	}
	return args, nil
}
