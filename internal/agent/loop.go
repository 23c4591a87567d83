// Package agent runs the per-query exchange between the language model
// and the MCP tool server.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nugget/mcpchat/internal/config"
	"github.com/nugget/mcpchat/internal/llm"
	"github.com/nugget/mcpchat/internal/usage"
)

// SchemaSource supplies the tool schemas offered to the model.
// *tools.Catalog implements it.
type SchemaSource interface {
	Schemas() []map[string]any
}

// ToolCaller invokes a tool on the server. *mcp.Session implements it.
type ToolCaller interface {
	CallTool(ctx context.Context, name string, args map[string]any) (string, error)
}

// UsageRecorder persists token usage. *usage.Store implements it.
type UsageRecorder interface {
	Record(ctx context.Context, rec usage.Record) error
}

// Config is the immutable configuration of a [Loop].
type Config struct {
	Model    string
	Provider string

	// Server names the MCP server, for usage records and logs.
	Server string

	// SystemPrompt is prepended to every conversation when non-empty.
	SystemPrompt string

	// MaxToolRounds bounds tool calls per query. Values below 1 mean 1.
	MaxToolRounds int

	// ModelTimeout and ToolTimeout bound a single model call and a
	// single tool call. Zero means no extra deadline.
	ModelTimeout time.Duration
	ToolTimeout  time.Duration

	// Pricing prices recorded usage. Models missing from it cost zero.
	Pricing map[string]config.PricingEntry
}

// ToolCallRecord describes one tool invocation made during a query.
type ToolCallRecord struct {
	ID        string
	Name      string
	Arguments map[string]any
	Result    string
	Err       error
	Duration  time.Duration
}

// Result is the outcome of one query.
type Result struct {
	RequestID string
	Answer    string
	Model     string

	// Transcript is the conversation as last sent to the model, plus
	// the final assistant message.
	Transcript []llm.Message

	ToolCalls    []ToolCallRecord
	InputTokens  int
	OutputTokens int
}

// Loop coordinates model decisions and tool invocations for one query
// at a time. It holds no conversation state between queries.
type Loop struct {
	cfg     Config
	llm     llm.Client
	schemas SchemaSource
	caller  ToolCaller
	usage   UsageRecorder
	logger  *slog.Logger
}

// NewLoop creates a loop. schemas and caller are usually the tool
// catalog and the MCP session.
func NewLoop(cfg Config, client llm.Client, schemas SchemaSource, caller ToolCaller, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxToolRounds < 1 {
		cfg.MaxToolRounds = 1
	}
	return &Loop{
		cfg:     cfg,
		llm:     client,
		schemas: schemas,
		caller:  caller,
		logger:  logger,
	}
}

// SetUsageRecorder enables token usage recording. A nil recorder
// disables it.
func (l *Loop) SetUsageRecorder(r UsageRecorder) {
	l.usage = r
}

// Process answers one query. The model may request up to MaxToolRounds
// tool calls, one per turn; each result (or error text) is appended to
// the conversation and the model is asked again. The turn after the
// last allowed round is sent without tool schemas and is terminal.
//
// Tool failures never fail the query: they reach the model as the tool
// result. Model failures return a *ModelError and the conversation is
// discarded.
func (l *Loop) Process(ctx context.Context, query string) (*Result, error) {
	requestID := generateRequestID()
	log := l.logger.With("request_id", requestID)
	start := time.Now()

	messages := make([]llm.Message, 0, 2+2*l.cfg.MaxToolRounds)
	if l.cfg.SystemPrompt != "" {
		messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: l.cfg.SystemPrompt})
	}
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: query})

	res := &Result{RequestID: requestID, Model: l.cfg.Model}

	log.Info("query started", "model", l.cfg.Model, "max_tool_rounds", l.cfg.MaxToolRounds)

	for round := 0; ; round++ {
		var toolDefs []map[string]any
		if round < l.cfg.MaxToolRounds && l.schemas != nil {
			toolDefs = l.schemas.Schemas()
		}

		resp, err := l.chat(ctx, messages, toolDefs, requestID, round)
		if err != nil {
			log.Error("model call failed", "round", round, "error", err)
			return nil, &ModelError{Model: l.cfg.Model, Round: round, Err: err}
		}
		res.InputTokens += resp.InputTokens
		res.OutputTokens += resp.OutputTokens
		if resp.Model != "" {
			res.Model = resp.Model
		}

		switch d := llm.Decide(resp).(type) {
		case llm.DirectAnswer:
			res.Answer = d.Text
			res.Transcript = append(messages, llm.Message{Role: llm.RoleAssistant, Content: d.Text})
			log.Info("query completed",
				"rounds", round,
				"tool_calls", len(res.ToolCalls),
				"input_tokens", res.InputTokens,
				"output_tokens", res.OutputTokens,
				"elapsed", time.Since(start).Round(time.Millisecond),
			)
			return res, nil

		case llm.ToolRequest:
			if round >= l.cfg.MaxToolRounds {
				if strings.TrimSpace(d.Text) != "" {
					log.Warn("tool budget spent, using text from tool request", "tool", d.Name)
					res.Answer = d.Text
					res.Transcript = append(messages, llm.Message{Role: llm.RoleAssistant, Content: d.Text})
					return res, nil
				}
				log.Warn("tool budget spent, model still requesting a tool", "tool", d.Name)
				return nil, ErrToolBudgetExhausted
			}
			if d.Ignored > 0 {
				log.Warn("model requested several tools in one turn, only the first is run",
					"tool", d.Name, "ignored", d.Ignored)
			}

			callID := d.CallID
			if callID == "" {
				callID = "call_" + uuid.NewString()
			}
			messages = append(messages, llm.Message{
				Role:    llm.RoleAssistant,
				Content: d.Text,
				ToolCalls: []llm.ToolCall{{
					ID: callID,
					Function: llm.FunctionCall{
						Name:         d.Name,
						Arguments:    d.Arguments,
						RawArguments: d.RawArguments,
					},
				}},
			})

			rec := l.runTool(ctx, log, d, callID)
			res.ToolCalls = append(res.ToolCalls, rec)

			content := rec.Result
			if rec.Err != nil {
				content = "Error: " + rec.Err.Error()
			}
			messages = append(messages, llm.Message{
				Role:       llm.RoleTool,
				Content:    content,
				ToolCallID: callID,
			})
		}
	}
}

// chat performs one model call under ModelTimeout and records usage.
func (l *Loop) chat(ctx context.Context, messages []llm.Message, toolDefs []map[string]any, requestID string, round int) (*llm.ChatResponse, error) {
	if l.cfg.ModelTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.cfg.ModelTimeout)
		defer cancel()
	}

	l.logger.Debug("calling model",
		"request_id", requestID,
		"round", round,
		"messages", len(messages),
		"tools", len(toolDefs),
	)

	resp, err := l.llm.Chat(ctx, l.cfg.Model, messages, toolDefs)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, fmt.Errorf("provider returned no response")
	}
	l.recordUsage(ctx, resp, requestID, round)
	return resp, nil
}

func (l *Loop) recordUsage(ctx context.Context, resp *llm.ChatResponse, requestID string, round int) {
	if l.usage == nil {
		return
	}
	model := resp.Model
	if model == "" {
		model = l.cfg.Model
	}
	rec := usage.Record{
		RequestID:    requestID,
		Server:       l.cfg.Server,
		Model:        model,
		Provider:     l.cfg.Provider,
		Round:        round,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
		CostUSD:      usage.ComputeCost(model, resp.InputTokens, resp.OutputTokens, l.cfg.Pricing),
	}
	// Usage is best effort; a failed write never fails the query.
	if err := l.usage.Record(context.WithoutCancel(ctx), rec); err != nil {
		l.logger.Warn("failed to record usage", "request_id", requestID, "error", err)
	}
}

// runTool validates and executes one tool request under ToolTimeout.
func (l *Loop) runTool(ctx context.Context, log *slog.Logger, req llm.ToolRequest, callID string) ToolCallRecord {
	rec := ToolCallRecord{ID: callID, Name: req.Name, Arguments: req.Arguments}

	if err := req.Validate(); err != nil {
		log.Warn("malformed tool call", "tool", req.Name, "raw_arguments", req.RawArguments, "error", err)
		rec.Err = err
		return rec
	}

	if l.cfg.ToolTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.cfg.ToolTimeout)
		defer cancel()
	}

	log.Info("calling tool", "tool", req.Name, "call_id", callID)
	log.Log(ctx, llm.LevelTrace, "tool arguments", "tool", req.Name, "arguments", req.Arguments)

	start := time.Now()
	rec.Result, rec.Err = l.caller.CallTool(ctx, req.Name, req.Arguments)
	rec.Duration = time.Since(start)

	if rec.Err != nil {
		log.Warn("tool call failed", "tool", req.Name, "elapsed", rec.Duration.Round(time.Millisecond), "error", rec.Err)
	} else {
		log.Debug("tool call completed", "tool", req.Name, "elapsed", rec.Duration.Round(time.Millisecond), "result_len", len(rec.Result))
	}
	return rec
}

// generateRequestID returns a short ID ("r_" plus eight hex digits) for
// correlating the log lines and usage records of one query.
func generateRequestID() string {
	id := uuid.New()
	return fmt.Sprintf("r_%x", id[:4])
}
