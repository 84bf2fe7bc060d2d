// Package chat answers one user message within a scope: questions about past
// conversation are answered from the history window, everything else goes to
// Claude with the recent exchanges prepended. Every exchange is stored.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/becomeliminal/nim-history/history"
	"github.com/becomeliminal/nim-history/observability"
	"github.com/becomeliminal/nim-history/temporal"
	"github.com/becomeliminal/nim-history/tools"
)

const (
	// DefaultScope is used when a request names no scope.
	DefaultScope = "general"

	DefaultModel     = "claude-sonnet-4-20250514"
	DefaultMaxTokens = 1024
	DefaultMaxTurns  = 3
)

// ErrEmptyMessage is returned for a blank user message.
var ErrEmptyMessage = errors.New("message is required")

// MessageClient is the subset of the Anthropic Messages API the engine uses.
// *anthropic.MessageService satisfies it.
type MessageClient interface {
	New(ctx context.Context, params anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// History is the subset of *history.Manager the engine uses.
type History interface {
	AddMessage(ctx context.Context, scope, userMessage, assistantResponse string) (*history.Record, error)
	GetRecentHistory(ctx context.Context, scope string, q history.RecentQuery) ([]*history.Record, error)
	GetHistoryContext(ctx context.Context, scope string, limit int) (string, error)
	SearchHistory(ctx context.Context, scope, query string, nResults int) ([]history.SearchResult, error)
}

// Engine runs chat requests against Claude and the history store.
type Engine struct {
	client       MessageClient
	history      History
	model        string
	maxTokens    int64
	maxTurns     int
	systemPrompt string
	metrics      *observability.Metrics
}

// Option configures the engine.
type Option func(*Engine)

// WithModel sets the Claude model.
func WithModel(model string) Option {
	return func(e *Engine) {
		if model != "" {
			e.model = model
		}
	}
}

// WithMaxTokens sets the response token limit.
func WithMaxTokens(n int64) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxTokens = n
		}
	}
}

// WithMaxTurns bounds the model round trips per request, tool calls included.
func WithMaxTurns(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxTurns = n
		}
	}
}

// WithSystemPrompt replaces DefaultSystemPrompt.
func WithSystemPrompt(prompt string) Option {
	return func(e *Engine) {
		if prompt != "" {
			e.systemPrompt = prompt
		}
	}
}

// WithMetrics counts requests by kind and result.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// NewEngine creates an engine. client may be nil, in which case only
// questions about past conversation can be answered.
func NewEngine(client MessageClient, h History, opts ...Option) *Engine {
	e := &Engine{
		client:       client,
		history:      h,
		model:        DefaultModel,
		maxTokens:    DefaultMaxTokens,
		maxTurns:     DefaultMaxTurns,
		systemPrompt: DefaultSystemPrompt,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Input is one chat request.
type Input struct {
	// Scope is the conversation partition. Defaults to DefaultScope.
	Scope string `json:"scope,omitempty"`

	// Message is the user's message.
	Message string `json:"message"`

	// IncludeHistory controls context augmentation. Nil means true.
	IncludeHistory *bool `json:"include_history,omitempty"`

	// HistoryLimit is the number of recent exchanges prepended.
	// Zero uses the history manager's configured limit.
	HistoryLimit int `json:"history_limit,omitempty"`
}

// Output is the result of a chat request.
type Output struct {
	Response    string   `json:"response"`
	Scope       string   `json:"scope"`
	IsTemporal  bool     `json:"is_temporal_query"`
	HoursAgo    int      `json:"hours_ago,omitempty"`
	HistoryUsed bool     `json:"history_used"`
	ToolsUsed   []string `json:"tools_used,omitempty"`
	Stored      bool     `json:"stored"`
	TokensUsed  Usage    `json:"tokens_used"`
}

// Usage tracks Claude API token consumption for one request.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Run answers one message.
func (e *Engine) Run(ctx context.Context, in Input) (out *Output, err error) {
	if strings.TrimSpace(in.Message) == "" {
		return nil, ErrEmptyMessage
	}
	scope := in.Scope
	if strings.TrimSpace(scope) == "" {
		scope = DefaultScope
	}
	if scope, err = history.NormalizeScope(scope); err != nil {
		return nil, err
	}

	if window, ok := temporal.Interpret(in.Message); ok {
		out, err = e.runTemporal(ctx, scope, in.Message, window)
		e.count("temporal", err)
		return out, err
	}

	out, err = e.runModel(ctx, scope, in)
	kind := "plain"
	if out != nil && out.HistoryUsed {
		kind = "augmented"
	}
	e.count(kind, err)
	return out, err
}

// runTemporal answers from the stored window without calling the model.
func (e *Engine) runTemporal(ctx context.Context, scope, message string, window temporal.Window) (*Output, error) {
	log.Printf("[CHAT] Temporal query: scope=%s, phrase=%q, hours=%d", scope, window.Phrase, window.Hours)

	records, err := e.history.GetRecentHistory(ctx, scope, history.RecentQuery{HoursAgo: window.Hours})
	if err != nil {
		return nil, fmt.Errorf("load history window: %w", err)
	}

	out := &Output{
		Response:   temporalReply(scope, window.Hours, records),
		Scope:      scope,
		IsTemporal: true,
		HoursAgo:   window.Hours,
	}
	out.Stored = e.store(ctx, scope, message, out.Response)
	return out, nil
}

// runModel augments the message with recent history and calls Claude.
func (e *Engine) runModel(ctx context.Context, scope string, in Input) (*Output, error) {
	if e.client == nil {
		return nil, errors.New("chat model is not configured")
	}
	out := &Output{Scope: scope}

	prompt := in.Message
	if in.IncludeHistory == nil || *in.IncludeHistory {
		historyContext, err := e.history.GetHistoryContext(ctx, scope, in.HistoryLimit)
		if err != nil {
			// Non-fatal, continue without history
			log.Printf("[CHAT] History context failed: scope=%s: %v", scope, err)
		} else if historyContext != "" {
			prompt = augment(historyContext, in.Message)
			out.HistoryUsed = true
		}
	}

	messages := []anthropic.MessageParam{
		anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
	}
	apiTools := tools.Params(tools.SearchHistoryDefinition())

	for turn := 1; ; turn++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("timed out: %w", err)
		}
		if turn > e.maxTurns {
			return nil, fmt.Errorf("exceeded maximum turns (%d)", e.maxTurns)
		}

		resp, err := e.client.New(ctx, anthropic.MessageNewParams{
			Model:     anthropic.Model(e.model),
			MaxTokens: e.maxTokens,
			Messages:  messages,
			System: []anthropic.TextBlockParam{
				{Text: e.systemPrompt},
			},
			Tools: apiTools,
		})
		if err != nil {
			return nil, fmt.Errorf("claude API error: %w", err)
		}
		out.TokensUsed.InputTokens += resp.Usage.InputTokens
		out.TokensUsed.OutputTokens += resp.Usage.OutputTokens

		var text strings.Builder
		var toolResults []anthropic.ContentBlockParamUnion
		for _, block := range resp.Content {
			switch block.Type {
			case "text":
				text.WriteString(block.Text)
			case "tool_use":
				out.ToolsUsed = append(out.ToolsUsed, block.Name)
				toolResults = append(toolResults, e.executeTool(ctx, scope, block.ID, block.Name, block.Input))
			}
		}

		// No tool calls, we're done
		if len(toolResults) == 0 {
			out.Response = text.String()
			out.Stored = e.store(ctx, scope, in.Message, out.Response)
			return out, nil
		}

		messages = append(messages,
			anthropic.NewAssistantMessage(assistantBlocks(resp)...),
			anthropic.NewUserMessage(toolResults...),
		)
	}
}

// executeTool answers one tool call. Failures are reported to the model.
func (e *Engine) executeTool(ctx context.Context, scope, id, name string, input json.RawMessage) anthropic.ContentBlockParamUnion {
	if name != tools.SearchHistoryName {
		return anthropic.NewToolResultBlock(id, fmt.Sprintf("unknown tool: %s", name), true)
	}
	args, err := tools.ParseSearchHistoryInput(input)
	if err != nil {
		return anthropic.NewToolResultBlock(id, err.Error(), true)
	}

	results, err := e.history.SearchHistory(ctx, scope, args.Query, args.NResults)
	if err != nil {
		log.Printf("[CHAT] search_history failed: scope=%s: %v", scope, err)
		return anthropic.NewToolResultBlock(id, "history search failed", true)
	}
	log.Printf("[CHAT] search_history: scope=%s, query=%q, results=%d", scope, args.Query, len(results))

	data, err := json.Marshal(searchObservation(results))
	if err != nil {
		return anthropic.NewToolResultBlock(id, err.Error(), true)
	}
	return anthropic.NewToolResultBlock(id, string(data), false)
}

// store writes the exchange back. Failures are logged, the reply still stands.
func (e *Engine) store(ctx context.Context, scope, message, response string) bool {
	rec, err := e.history.AddMessage(ctx, scope, message, response)
	if err != nil {
		// A record alongside the error means the exchange is durable.
		log.Printf("[CHAT] Failed to store exchange: scope=%s, stored=%t: %v", scope, rec != nil, err)
		return rec != nil
	}
	return true
}

func (e *Engine) count(kind string, err error) {
	if e.metrics == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	e.metrics.ChatRequests.WithLabelValues(kind, result).Inc()
}

// assistantBlocks rebuilds the model's turn for the next request.
func assistantBlocks(resp *anthropic.Message) []anthropic.ContentBlockParamUnion {
	blocks := make([]anthropic.ContentBlockParamUnion, 0, len(resp.Content))
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			if block.Text != "" {
				blocks = append(blocks, anthropic.NewTextBlock(block.Text))
			}
		case "tool_use":
			blocks = append(blocks, anthropic.NewToolUseBlock(block.ID, block.Input, block.Name))
		}
	}
	return blocks
}
