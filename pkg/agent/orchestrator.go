// Package agent drives the LLM conversation loop: it assembles the toolset,
// streams model output, executes the tool calls the model plans, and meters
// token usage for every run.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/relaydesk/agentd/pkg/config"
	"github.com/relaydesk/agentd/pkg/mcp"
	"github.com/relaydesk/agentd/pkg/services"
)

const (
	// defaultMaxTokens caps one completion when the request does not say.
	defaultMaxTokens = 4096

	// maxLoopIterations bounds model round-trips independently of the tool
	// call budget, so a model that keeps planning tools cannot spin forever.
	maxLoopIterations = 24

	// streamBuffer is the event channel capacity for streaming runs.
	streamBuffer = 64
)

// MessagesClient is the subset of the Anthropic SDK the orchestrator uses.
// Satisfied by *sdk.MessageService; tests substitute a fake.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
}

// ToolRouter is the router surface the orchestrator depends on.
// Satisfied by *mcp.Router.
type ToolRouter interface {
	ToolsetFor(ctx context.Context, userID string) []mcp.ToolInfo
	CallTool(ctx context.Context, cc mcp.CallContext, qualifiedName string, args map[string]any) (json.RawMessage, *mcp.CallMeta, error)
}

// Message is one turn of prior conversation.
type Message struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

// ChatParams describes one agent run.
type ChatParams struct {
	RequestID       string
	UserID          string
	WorkspaceID     string
	DeviceSessionID string
	ThreadID        string
	UserMessageID   string

	System   string
	Messages []Message

	MaxToolCalls int           // 0 → configured default
	Timeout      time.Duration // 0 → configured default
	ForceRefresh bool
	ForceRetry   bool
}

// TokenUsage totals one run's token consumption.
type TokenUsage struct {
	Input  int64 `json:"input"`
	Output int64 `json:"output"`
}

// ChatMeta describes how a run went.
type ChatMeta struct {
	RequestID  string     `json:"request_id"`
	Model      string     `json:"model"`
	ToolCalls  int        `json:"tool_calls"`
	CacheHits  int        `json:"cache_hits"`
	Usage      TokenUsage `json:"usage"`
	DurationMS int64      `json:"duration_ms"`
	Warning    string     `json:"warning,omitempty"`
}

// ChatResult is the aggregate outcome of one run.
type ChatResult struct {
	Reply string   `json:"reply"`
	Meta  ChatMeta `json:"meta"`
}

// Orchestrator runs the agent loop.
type Orchestrator struct {
	llm    MessagesClient
	router ToolRouter
	usage  *services.UsageService // nil disables metering and budget checks
	model  string
	cfg    config.AgentConfig
	logger *slog.Logger
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(llm MessagesClient, router ToolRouter, usage *services.UsageService, model string, cfg config.AgentConfig, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxToolCalls <= 0 {
		cfg.MaxToolCalls = 10
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	return &Orchestrator{
		llm:    llm,
		router: router,
		usage:  usage,
		model:  model,
		cfg:    cfg,
		logger: logger.With("component", "agent"),
	}
}

// Run executes one synchronous agent run.
func (o *Orchestrator) Run(ctx context.Context, params ChatParams) (*ChatResult, error) {
	return o.run(ctx, params, nil)
}

// RunStream executes one streaming run. The returned channel is closed after
// the final or error event.
func (o *Orchestrator) RunStream(ctx context.Context, params ChatParams) <-chan StreamEvent {
	events := make(chan StreamEvent, streamBuffer)
	go func() {
		defer close(events)
		emit := func(ev StreamEvent) {
			ev.RequestID = params.RequestID
			select {
			case events <- ev:
			case <-ctx.Done():
			}
		}
		result, err := o.run(ctx, params, emit)
		if err != nil {
			agentErr := newError(BucketUnexpected, "app", err)
			emit(StreamEvent{Type: EventError, Error: &ErrorEvent{
				Bucket:  agentErr.Bucket,
				Origin:  agentErr.Origin,
				Message: agentErr.Err.Error(),
			}})
			return
		}
		emit(StreamEvent{Type: EventFinal, Final: result})
	}()
	return events
}

// run is the shared loop. emit is nil for synchronous runs.
func (o *Orchestrator) run(ctx context.Context, params ChatParams, emit func(StreamEvent)) (*ChatResult, error) {
	start := time.Now()

	timeout := params.Timeout
	if timeout <= 0 {
		timeout = o.cfg.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	maxToolCalls := params.MaxToolCalls
	if maxToolCalls <= 0 {
		maxToolCalls = o.cfg.MaxToolCalls
	}

	result := &ChatResult{Meta: ChatMeta{RequestID: params.RequestID, Model: o.model}}

	warning, err := o.checkBudget(ctx, params)
	if err != nil {
		return nil, err
	}
	if warning != "" {
		result.Meta.Warning = warning
		if emit != nil {
			emit(StreamEvent{Type: EventWarning, Warning: warning})
		}
	}

	toolset := o.router.ToolsetFor(ctx, params.UserID)
	tools, provToQualified, err := encodeToolset(toolset)
	if err != nil {
		return nil, newError(BucketUnexpected, "app", err)
	}

	conversation, system, err := encodeMessages(params)
	if err != nil {
		return nil, newError(BucketUnexpected, "app", err)
	}

	runErr := o.loop(ctx, params, &loopState{
		conversation: conversation,
		system:       system,
		tools:        tools,
		nameMap:      provToQualified,
		maxToolCalls: maxToolCalls,
		result:       result,
		emit:         emit,
	})
	result.Meta.DurationMS = time.Since(start).Milliseconds()

	o.trackUsage(params, result, runErr)
	if runErr != nil {
		return nil, runErr
	}
	return result, nil
}

type loopState struct {
	conversation []sdk.MessageParam
	system       []sdk.TextBlockParam
	tools        []sdk.ToolUnionParam
	nameMap      map[string]string
	maxToolCalls int
	result       *ChatResult
	emit         func(StreamEvent)
	toolsUsed    int
}

func (o *Orchestrator) loop(ctx context.Context, params ChatParams, st *loopState) error {
	for iteration := 0; iteration < maxLoopIterations; iteration++ {
		body := sdk.MessageNewParams{
			Model:     sdk.Model(o.model),
			MaxTokens: defaultMaxTokens,
			Messages:  st.conversation,
		}
		if len(st.system) > 0 {
			body.System = st.system
		}
		if len(st.tools) > 0 {
			body.Tools = st.tools
		}

		msg, err := o.completeOnce(ctx, body, st.emit)
		if err != nil {
			return classifyModelError(err)
		}
		st.result.Meta.Usage.Input += msg.Usage.InputTokens
		st.result.Meta.Usage.Output += msg.Usage.OutputTokens

		toolUses := extractToolUses(msg)
		if len(toolUses) == 0 {
			st.result.Reply = extractText(msg)
			return nil
		}

		st.conversation = append(st.conversation, msg.ToParam())

		resultBlocks := make([]sdk.ContentBlockParamUnion, 0, len(toolUses))
		for _, use := range toolUses {
			block, err := o.executeToolUse(ctx, params, st, use)
			if err != nil {
				return err
			}
			resultBlocks = append(resultBlocks, block)
		}
		st.conversation = append(st.conversation, sdk.NewUserMessage(resultBlocks...))
	}
	return newError(BucketUnexpected, "app",
		fmt.Errorf("agent loop exceeded %d iterations", maxLoopIterations))
}

// completeOnce performs one model round-trip, streaming deltas when emit is set.
func (o *Orchestrator) completeOnce(ctx context.Context, body sdk.MessageNewParams, emit func(StreamEvent)) (*sdk.Message, error) {
	if emit == nil {
		return o.llm.New(ctx, body)
	}

	stream := o.llm.NewStreaming(ctx, body)
	msg := sdk.Message{}
	for stream.Next() {
		event := stream.Current()
		if err := msg.Accumulate(event); err != nil {
			return nil, err
		}
		if ev, ok := event.AsAny().(sdk.ContentBlockDeltaEvent); ok {
			if delta, ok := ev.Delta.AsAny().(sdk.TextDelta); ok && delta.Text != "" {
				emit(StreamEvent{Type: EventText, Text: delta.Text})
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, err
	}
	return &msg, nil
}

// executeToolUse runs one tool_use block through the router and renders the
// tool_result block for the next model turn.
func (o *Orchestrator) executeToolUse(ctx context.Context, params ChatParams, st *loopState, use sdk.ToolUseBlock) (sdk.ContentBlockParamUnion, error) {
	qualifiedName, known := st.nameMap[use.Name]
	if !known {
		// The model hallucinated a tool that was never advertised; feed the
		// failure back so it can recover on the next turn.
		return sdk.NewToolResultBlock(use.ID, fmt.Sprintf("unknown tool %q", use.Name), true), nil
	}

	if st.toolsUsed >= st.maxToolCalls {
		if st.result.Meta.Warning == "" {
			st.result.Meta.Warning = fmt.Sprintf("tool call limit of %d reached", st.maxToolCalls)
		}
		return sdk.NewToolResultBlock(use.ID,
			fmt.Sprintf("tool call limit of %d reached; answer with what you have", st.maxToolCalls), true), nil
	}

	var args map[string]any
	if len(use.Input) > 0 {
		if err := json.Unmarshal(use.Input, &args); err != nil {
			return sdk.NewToolResultBlock(use.ID, fmt.Sprintf("malformed tool arguments: %v", err), true), nil
		}
	}

	callIndex := st.toolsUsed
	st.toolsUsed++
	st.result.Meta.ToolCalls++

	cc := mcp.CallContext{
		UserID:        params.UserID,
		WorkspaceID:   params.WorkspaceID,
		ThreadID:      params.ThreadID,
		RequestID:     params.RequestID,
		UserMessageID: params.UserMessageID,
		CallIndex:     callIndex,
		ForceRetry:    params.ForceRetry,
	}
	if params.ForceRefresh {
		cc.CacheMode = mcp.CacheModeRefresh
	}

	value, meta, err := o.router.CallTool(ctx, cc, qualifiedName, args)
	if err != nil {
		agentErr := classifyToolError(err)
		if !recoverableToolError(agentErr) {
			return sdk.ContentBlockParamUnion{}, agentErr
		}
		o.logger.Warn("Tool call failed, surfacing to model",
			"tool", qualifiedName, "call_index", callIndex, "error", err)
		if st.emit != nil {
			st.emit(StreamEvent{Type: EventToolCall, ToolCall: &ToolCallEvent{
				Tool:      qualifiedName,
				CallIndex: callIndex,
				Failed:    true,
				Error:     err.Error(),
			}})
		}
		return sdk.NewToolResultBlock(use.ID, fmt.Sprintf("tool failed: %v", err), true), nil
	}

	if meta.Cached {
		st.result.Meta.CacheHits++
	}
	if st.emit != nil {
		st.emit(StreamEvent{Type: EventToolCall, ToolCall: &ToolCallEvent{
			Tool:      qualifiedName,
			CallIndex: callIndex,
			Cached:    meta.Cached,
			Replayed:  meta.Replayed,
		}})
	}
	return sdk.NewToolResultBlock(use.ID, string(value), false), nil
}

// checkBudget refuses blocked runs and returns the budget level for runs at
// or near the threshold; callers carry it verbatim as meta.warning.
func (o *Orchestrator) checkBudget(ctx context.Context, params ChatParams) (string, error) {
	if o.usage == nil || params.UserID == "" {
		return "", nil
	}
	status, err := o.usage.CheckBudget(ctx, params.UserID, params.WorkspaceID)
	if err != nil {
		o.logger.Warn("Budget check failed, allowing request", "user_id", params.UserID, "error", err)
		return "", nil
	}
	if status.Blocked {
		return "", fmt.Errorf("%w: %.0f%% of token budget used", services.ErrBudgetExceeded, status.PercentUsed)
	}
	switch status.Level {
	case services.BudgetLevelWarning, services.BudgetLevelCritical, services.BudgetLevelOver:
		o.logger.Info("Token budget warning",
			"user_id", params.UserID, "level", status.Level, "percent_used", status.PercentUsed)
		return status.Level, nil
	}
	return "", nil
}

// trackUsage meters the run. Metering failures are logged, never surfaced.
func (o *Orchestrator) trackUsage(params ChatParams, result *ChatResult, runErr error) {
	if o.usage == nil || params.UserID == "" || params.RequestID == "" {
		return
	}
	status := "success"
	if runErr != nil {
		status = "error"
	}

	// Metering must survive request cancellation.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := o.usage.Track(ctx, services.UsageRecord{
		RequestID:       params.RequestID,
		UserID:          params.UserID,
		WorkspaceID:     params.WorkspaceID,
		DeviceSessionID: params.DeviceSessionID,
		ThreadID:        params.ThreadID,
		InputTokens:     result.Meta.Usage.Input,
		OutputTokens:    result.Meta.Usage.Output,
		Model:           o.model,
		Provider:        "anthropic",
		ToolCallsCount:  result.Meta.ToolCalls,
		Status:          status,
	})
	if err != nil {
		o.logger.Error("Usage tracking failed", "request_id", params.RequestID, "error", err)
	}
}

// encodeMessages converts the request history into SDK messages. System
// content comes from params.System plus any system-role history entries.
func encodeMessages(params ChatParams) ([]sdk.MessageParam, []sdk.TextBlockParam, error) {
	var system []sdk.TextBlockParam
	if params.System != "" {
		system = append(system, sdk.TextBlockParam{Text: params.System})
	}

	conversation := make([]sdk.MessageParam, 0, len(params.Messages))
	for _, m := range params.Messages {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		switch m.Role {
		case "system":
			system = append(system, sdk.TextBlockParam{Text: m.Content})
		case "user", "":
			conversation = append(conversation, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		case "assistant":
			conversation = append(conversation, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Content)))
		default:
			return nil, nil, fmt.Errorf("unsupported message role %q", m.Role)
		}
	}
	if len(conversation) == 0 {
		return nil, nil, fmt.Errorf("at least one user message is required")
	}
	return conversation, system, nil
}

func extractToolUses(msg *sdk.Message) []sdk.ToolUseBlock {
	var uses []sdk.ToolUseBlock
	for _, block := range msg.Content {
		if use, ok := block.AsAny().(sdk.ToolUseBlock); ok {
			uses = append(uses, use)
		}
	}
	return uses
}

func extractText(msg *sdk.Message) string {
	var parts []string
	for _, block := range msg.Content {
		if text, ok := block.AsAny().(sdk.TextBlock); ok && text.Text != "" {
			parts = append(parts, text.Text)
		}
	}
	return strings.Join(parts, "")
}
