package agent

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaydesk/agentd/pkg/config"
	"github.com/relaydesk/agentd/pkg/mcp"
)

// fakeMessages serves queued responses and records request bodies.
type fakeMessages struct {
	responses []*sdk.Message
	streams   [][]ssestream.Event
	err       error
	bodies    []sdk.MessageNewParams
}

func (f *fakeMessages) New(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) (*sdk.Message, error) {
	f.bodies = append(f.bodies, body)
	if f.err != nil {
		return nil, f.err
	}
	if len(f.responses) == 0 {
		return nil, errors.New("no queued response")
	}
	msg := f.responses[0]
	f.responses = f.responses[1:]
	return msg, nil
}

func (f *fakeMessages) NewStreaming(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion] {
	f.bodies = append(f.bodies, body)
	var events []ssestream.Event
	if len(f.streams) > 0 {
		events = f.streams[0]
		f.streams = f.streams[1:]
	}
	return ssestream.NewStream[sdk.MessageStreamEventUnion](&testDecoder{events: events}, nil)
}

// testDecoder feeds a fixed event sequence to the ssestream.Stream.
type testDecoder struct {
	events []ssestream.Event
	i      int
	err    error
}

func (d *testDecoder) Event() ssestream.Event { return d.events[d.i-1] }

func (d *testDecoder) Next() bool {
	if d.err != nil || d.i >= len(d.events) {
		return false
	}
	d.i++
	return true
}

func (d *testDecoder) Close() error { return nil }
func (d *testDecoder) Err() error   { return d.err }

type routedCall struct {
	cc   mcp.CallContext
	name string
	args map[string]any
}

// fakeRouter returns canned tool results.
type fakeRouter struct {
	tools   []mcp.ToolInfo
	calls   []routedCall
	value   json.RawMessage
	meta    *mcp.CallMeta
	callErr error
}

func (f *fakeRouter) ToolsetFor(_ context.Context, _ string) []mcp.ToolInfo { return f.tools }

func (f *fakeRouter) CallTool(_ context.Context, cc mcp.CallContext, name string, args map[string]any) (json.RawMessage, *mcp.CallMeta, error) {
	f.calls = append(f.calls, routedCall{cc: cc, name: name, args: args})
	if f.callErr != nil {
		return nil, nil, f.callErr
	}
	meta := f.meta
	if meta == nil {
		meta = &mcp.CallMeta{}
	}
	return f.value, meta, nil
}

func mustMessage(t *testing.T, raw string) *sdk.Message {
	t.Helper()
	var msg sdk.Message
	require.NoError(t, json.Unmarshal([]byte(raw), &msg))
	return &msg
}

func textResponse(t *testing.T, text string) *sdk.Message {
	t.Helper()
	return mustMessage(t, `{
		"id": "msg_1", "type": "message", "role": "assistant", "model": "test",
		"content": [{"type": "text", "text": "`+text+`"}],
		"stop_reason": "end_turn",
		"usage": {"input_tokens": 10, "output_tokens": 5}
	}`)
}

func toolUseResponse(t *testing.T, name, input string) *sdk.Message {
	t.Helper()
	return mustMessage(t, `{
		"id": "msg_2", "type": "message", "role": "assistant", "model": "test",
		"content": [{"type": "tool_use", "id": "tu_1", "name": "`+name+`", "input": `+input+`}],
		"stop_reason": "tool_use",
		"usage": {"input_tokens": 20, "output_tokens": 15}
	}`)
}

func newTestOrchestrator(llm MessagesClient, router ToolRouter) *Orchestrator {
	return NewOrchestrator(llm, router, nil, "test-model", config.AgentConfig{}, nil)
}

func searchToolset() []mcp.ToolInfo {
	return []mcp.ToolInfo{{
		Server:       "notion",
		Name:         "notion.search",
		OriginalName: "search",
		Description:  "Search pages",
		InputSchema:  json.RawMessage(`{"type":"object","properties":{"query":{"type":"string"}}}`),
	}}
}

func TestRunSimpleReply(t *testing.T) {
	llm := &fakeMessages{responses: []*sdk.Message{textResponse(t, "hello there")}}
	router := &fakeRouter{}
	o := newTestOrchestrator(llm, router)

	result, err := o.Run(context.Background(), ChatParams{
		RequestID: "req-1",
		Messages:  []Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello there", result.Reply)
	assert.Equal(t, 0, result.Meta.ToolCalls)
	assert.Equal(t, int64(10), result.Meta.Usage.Input)
	assert.Equal(t, int64(5), result.Meta.Usage.Output)
	assert.Equal(t, "test-model", result.Meta.Model)
	assert.Empty(t, router.calls)
}

func TestRunWithToolCall(t *testing.T) {
	llm := &fakeMessages{responses: []*sdk.Message{
		toolUseResponse(t, "notion__search", `{"query":"roadmap"}`),
		textResponse(t, "found it"),
	}}
	router := &fakeRouter{
		tools: searchToolset(),
		value: json.RawMessage(`{"results":["a"]}`),
		meta:  &mcp.CallMeta{Cached: true},
	}
	o := newTestOrchestrator(llm, router)

	result, err := o.Run(context.Background(), ChatParams{
		RequestID: "req-1",
		UserID:    "user-1",
		ThreadID:  "thread-1",
		Messages:  []Message{{Role: "user", Content: "find the roadmap"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "found it", result.Reply)
	assert.Equal(t, 1, result.Meta.ToolCalls)
	assert.Equal(t, 1, result.Meta.CacheHits)
	assert.Equal(t, int64(30), result.Meta.Usage.Input)
	assert.Equal(t, int64(20), result.Meta.Usage.Output)

	require.Len(t, router.calls, 1)
	call := router.calls[0]
	assert.Equal(t, "notion.search", call.name)
	assert.Equal(t, map[string]any{"query": "roadmap"}, call.args)
	assert.Equal(t, 0, call.cc.CallIndex)
	assert.Equal(t, "user-1", call.cc.UserID)
	assert.Equal(t, "thread-1", call.cc.ThreadID)

	// Second round carries the assistant turn and the tool result
	require.Len(t, llm.bodies, 2)
	assert.Len(t, llm.bodies[0].Messages, 1)
	assert.Len(t, llm.bodies[1].Messages, 3)
	require.Len(t, llm.bodies[0].Tools, 1)
}

func TestRunToolFailureFedBackToModel(t *testing.T) {
	llm := &fakeMessages{responses: []*sdk.Message{
		toolUseResponse(t, "notion__search", `{"query":"x"}`),
		textResponse(t, "could not search"),
	}}
	router := &fakeRouter{
		tools:   searchToolset(),
		callErr: mcp.ErrToolFailed,
	}
	o := newTestOrchestrator(llm, router)

	result, err := o.Run(context.Background(), ChatParams{
		RequestID: "req-1",
		Messages:  []Message{{Role: "user", Content: "search"}},
	})
	require.NoError(t, err, "tool-level failures must not abort the run")
	assert.Equal(t, "could not search", result.Reply)
	assert.Len(t, router.calls, 1)
	assert.Len(t, llm.bodies, 2)
}

func TestRunTransportFailureAborts(t *testing.T) {
	llm := &fakeMessages{responses: []*sdk.Message{
		toolUseResponse(t, "notion__search", `{"query":"x"}`),
	}}
	router := &fakeRouter{
		tools:   searchToolset(),
		callErr: errors.New("dial tcp: connection refused"),
	}
	o := newTestOrchestrator(llm, router)

	_, err := o.Run(context.Background(), ChatParams{
		RequestID: "req-1",
		Messages:  []Message{{Role: "user", Content: "search"}},
	})
	require.Error(t, err)
	var agentErr *Error
	require.True(t, errors.As(err, &agentErr))
	assert.Equal(t, BucketMCPUnavailable, agentErr.Bucket)
	assert.Equal(t, "mcp", agentErr.Origin)
}

func TestRunModelFailure(t *testing.T) {
	llm := &fakeMessages{err: errors.New("overloaded")}
	o := newTestOrchestrator(llm, &fakeRouter{})

	_, err := o.Run(context.Background(), ChatParams{
		RequestID: "req-1",
		Messages:  []Message{{Role: "user", Content: "hi"}},
	})
	require.Error(t, err)
	var agentErr *Error
	require.True(t, errors.As(err, &agentErr))
	assert.Equal(t, BucketModelProvider, agentErr.Bucket)
	assert.Equal(t, "anthropic", agentErr.Origin)
}

func TestRunToolCallLimit(t *testing.T) {
	llm := &fakeMessages{responses: []*sdk.Message{
		toolUseResponse(t, "notion__search", `{"query":"a"}`),
		toolUseResponse(t, "notion__search", `{"query":"b"}`),
		textResponse(t, "done"),
	}}
	router := &fakeRouter{tools: searchToolset(), value: json.RawMessage(`{}`)}
	o := newTestOrchestrator(llm, router)

	result, err := o.Run(context.Background(), ChatParams{
		RequestID:    "req-1",
		MaxToolCalls: 1,
		Messages:     []Message{{Role: "user", Content: "search twice"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "done", result.Reply)
	assert.Len(t, router.calls, 1, "second tool call must be refused")
	assert.Contains(t, result.Meta.Warning, "tool call limit")
}

func TestRunHallucinatedTool(t *testing.T) {
	llm := &fakeMessages{responses: []*sdk.Message{
		toolUseResponse(t, "bogus__tool", `{}`),
		textResponse(t, "never mind"),
	}}
	router := &fakeRouter{tools: searchToolset()}
	o := newTestOrchestrator(llm, router)

	result, err := o.Run(context.Background(), ChatParams{
		RequestID: "req-1",
		Messages:  []Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "never mind", result.Reply)
	assert.Empty(t, router.calls, "unknown tools are never routed")
	assert.Equal(t, 0, result.Meta.ToolCalls)
}

func TestRunForceRefreshPropagates(t *testing.T) {
	llm := &fakeMessages{responses: []*sdk.Message{
		toolUseResponse(t, "notion__search", `{"query":"a"}`),
		textResponse(t, "ok"),
	}}
	router := &fakeRouter{tools: searchToolset(), value: json.RawMessage(`{}`)}
	o := newTestOrchestrator(llm, router)

	_, err := o.Run(context.Background(), ChatParams{
		RequestID:    "req-1",
		ForceRefresh: true,
		Messages:     []Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	require.Len(t, router.calls, 1)
	assert.Equal(t, mcp.CacheModeRefresh, router.calls[0].cc.CacheMode)
}

func TestRunStream(t *testing.T) {
	events := []ssestream.Event{
		{Type: "message_start", Data: json.RawMessage(`{
			"type": "message_start",
			"message": {"id": "msg_1", "type": "message", "role": "assistant",
				"model": "test", "content": [], "usage": {"input_tokens": 7, "output_tokens": 0}}
		}`)},
		{Type: "content_block_start", Data: json.RawMessage(`{
			"type": "content_block_start", "index": 0,
			"content_block": {"type": "text", "text": ""}
		}`)},
		{Type: "content_block_delta", Data: json.RawMessage(`{
			"type": "content_block_delta", "index": 0,
			"delta": {"type": "text_delta", "text": "hel"}
		}`)},
		{Type: "content_block_delta", Data: json.RawMessage(`{
			"type": "content_block_delta", "index": 0,
			"delta": {"type": "text_delta", "text": "lo"}
		}`)},
		{Type: "content_block_stop", Data: json.RawMessage(`{"type": "content_block_stop", "index": 0}`)},
		{Type: "message_delta", Data: json.RawMessage(`{
			"type": "message_delta",
			"delta": {"stop_reason": "end_turn"},
			"usage": {"output_tokens": 4}
		}`)},
		{Type: "message_stop", Data: json.RawMessage(`{"type": "message_stop"}`)},
	}
	llm := &fakeMessages{streams: [][]ssestream.Event{events}}
	o := newTestOrchestrator(llm, &fakeRouter{})

	ch := o.RunStream(context.Background(), ChatParams{
		RequestID: "req-1",
		Messages:  []Message{{Role: "user", Content: "hi"}},
	})

	var texts []string
	var final *ChatResult
	for ev := range ch {
		assert.Equal(t, "req-1", ev.RequestID)
		switch ev.Type {
		case EventText:
			texts = append(texts, ev.Text)
		case EventFinal:
			final = ev.Final
		case EventError:
			t.Fatalf("unexpected error event: %+v", ev.Error)
		}
	}
	assert.Equal(t, []string{"hel", "lo"}, texts)
	require.NotNil(t, final)
	assert.Equal(t, "hello", final.Reply)
}

func TestEncodeMessages(t *testing.T) {
	conversation, system, err := encodeMessages(ChatParams{
		System: "be brief",
		Messages: []Message{
			{Role: "system", Content: "also be kind"},
			{Role: "user", Content: "hi"},
			{Role: "assistant", Content: "hello"},
			{Role: "user", Content: "  "},
		},
	})
	require.NoError(t, err)
	assert.Len(t, conversation, 2)
	require.Len(t, system, 2)
	assert.Equal(t, "be brief", system[0].Text)

	_, _, err = encodeMessages(ChatParams{})
	assert.Error(t, err)

	_, _, err = encodeMessages(ChatParams{Messages: []Message{{Role: "tool", Content: "x"}}})
	assert.Error(t, err)
}

func TestSanitizeToolName(t *testing.T) {
	assert.Equal(t, "notion__search", sanitizeToolName("notion.search"))
	assert.Equal(t, "files__read__chunk", sanitizeToolName("files.read.chunk"))
	assert.Equal(t, "a_b", sanitizeToolName("a b"))
}

func TestEncodeToolset(t *testing.T) {
	params, nameMap, err := encodeToolset(searchToolset())
	require.NoError(t, err)
	require.Len(t, params, 1)
	assert.Equal(t, "notion.search", nameMap["notion__search"])

	empty, emptyMap, err := encodeToolset(nil)
	require.NoError(t, err)
	assert.Nil(t, empty)
	assert.Nil(t, emptyMap)

	_, _, err = encodeToolset([]mcp.ToolInfo{
		{Name: "a.b"}, {Name: "a__b"},
	})
	assert.Error(t, err, "colliding sanitised names must be rejected")
}
