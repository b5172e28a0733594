package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"supernova/internal/domain"
)

type recordingBus struct {
	mu     sync.Mutex
	events []domain.Event
}

func (b *recordingBus) Publish(_ context.Context, e domain.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, e)
}

func (b *recordingBus) Subscribe(domain.EventType, domain.EventHandler) func() { return func() {} }
func (b *recordingBus) SubscribeAll(domain.EventHandler) func()                { return func() {} }
func (b *recordingBus) Close()                                                 {}

func (b *recordingBus) count(t domain.EventType) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, e := range b.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

func newTestLoop(llm domain.LLMProvider, tools *mockTools, opts ...func(*LoopDeps)) *ToolCallLoop {
	deps := LoopDeps{
		LLM:            llm,
		Executor:       tools,
		Registry:       tools,
		ContextBuilder: NewContextBuilder("You are a test assistant.", "test-model", 0),
		Logger:         discardLogger(),
	}
	for _, o := range opts {
		o(&deps)
	}
	return NewToolCallLoop(deps)
}

func echoTerminal() *mockTools {
	return newMockTools().add(domain.TerminalCommandTool,
		func(_ context.Context, args map[string]any, _ *domain.SessionState) (*domain.ToolOutput, error) {
			return okOutput("ran " + args["command"].(string)), nil
		})
}

func TestToolLoopNoToolCallsIsDone(t *testing.T) {
	llm := &mockLLM{}
	tools := echoTerminal()
	conv := NewSession("/work")

	out, err := newTestLoop(llm, tools).Run(context.Background(), textResponse("hello"), conv, domain.NewSessionState("/work"))
	require.NoError(t, err)

	assert.Equal(t, LoopDone, out.Status)
	assert.Equal(t, 0, out.Iterations)
	assert.Zero(t, llm.calls())
	msgs, _ := conv.Messages(context.Background())
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].Content)
}

func TestToolLoopExecutesAndFollowsUp(t *testing.T) {
	llm := &mockLLM{responses: []*domain.ChatResponse{textResponse("two files")}}
	tools := echoTerminal()
	conv := NewSession("/work")
	state := domain.NewSessionState("/work")

	out, err := newTestLoop(llm, tools).Run(context.Background(), toolResponse("", command("c1", "ls")), conv, state)
	require.NoError(t, err)

	assert.Equal(t, LoopDone, out.Status)
	assert.Equal(t, 1, out.Iterations)
	assert.Equal(t, "two files", out.Response.Message.Content)
	require.Len(t, out.Results, 1)
	assert.True(t, out.Results[0].Success)

	msgs, _ := conv.Messages(context.Background())
	assert.Equal(t, []string{domain.RoleAssistant, domain.RoleTool, domain.RoleAssistant}, roles(msgs))
	assert.Equal(t, "c1", msgs[1].ToolCallID)
	assert.Contains(t, msgs[1].Content, "Command executed successfully: ls")
	assert.Contains(t, msgs[1].Content, "ran ls")

	require.Len(t, state.ExecutedCommands, 1)
	assert.Equal(t, "ls", state.ExecutedCommands[0].Command)
	assert.Equal(t, "/work", state.ExecutedCommands[0].Dir)
	assert.Equal(t, []string{domain.TerminalCommandTool}, state.UsedTools)

	// The follow-up request carries the tool result and the closing instruction.
	require.Len(t, llm.requests, 1)
	req := llm.requests[0]
	last := req.Messages[len(req.Messages)-1]
	assert.Equal(t, domain.RoleSystem, last.Role)
	assert.Contains(t, last.Content, "1 tool just executed")
	assert.Equal(t, domain.ToolChoiceAuto, req.ToolChoice)
}

func TestToolLoopAtMostOncePerCallID(t *testing.T) {
	// The model echoes the same call id back; it must not run again.
	llm := &mockLLM{responses: []*domain.ChatResponse{
		toolResponse("still here", command("c1", "ls")),
	}}
	tools := echoTerminal()

	out, err := newTestLoop(llm, tools).Run(context.Background(), toolResponse("", command("c1", "ls")), NewSession(""), domain.NewSessionState("/"))
	require.NoError(t, err)

	assert.Equal(t, []string{domain.TerminalCommandTool}, tools.executed())
	assert.Equal(t, LoopDone, out.Status)
	assert.Len(t, out.Results, 1)
}

func TestToolLoopDuplicateIDInOneResponseRunsOnce(t *testing.T) {
	llm := &mockLLM{responses: []*domain.ChatResponse{textResponse("done")}}
	tools := echoTerminal()
	conv := NewSession("")

	initial := toolResponse("", command("dup", "echo a"), command("dup", "echo a"))
	out, err := newTestLoop(llm, tools).Run(context.Background(), initial, conv, domain.NewSessionState("/"))
	require.NoError(t, err)

	assert.Len(t, tools.executed(), 1)
	require.Len(t, out.Results, 1)
	assert.Equal(t, "dup", out.Results[0].ToolCallID)

	msgs, _ := conv.Messages(context.Background())
	assert.Equal(t, []string{domain.RoleAssistant, domain.RoleTool, domain.RoleAssistant}, roles(msgs))
	assert.Len(t, msgs[0].ToolCalls, 1)
}

func TestToolLoopInvalidCallIDIsNotMarkedProcessed(t *testing.T) {
	// c1 first names an unknown tool, then comes back naming a real one.
	llm := &mockLLM{responses: []*domain.ChatResponse{
		toolResponse("retrying", command("c1", "ls")),
		textResponse("listed"),
	}}
	tools := echoTerminal()

	initial := toolResponse("", domain.ToolCall{ID: "c1", Name: "list_files", Arguments: map[string]any{}})
	out, err := newTestLoop(llm, tools).Run(context.Background(), initial, NewSession(""), domain.NewSessionState("/"))
	require.NoError(t, err)

	assert.Equal(t, []string{domain.TerminalCommandTool}, tools.executed())
	require.Len(t, out.Results, 1)
	assert.Equal(t, "c1", out.Results[0].ToolCallID)
	assert.Equal(t, "listed", out.Response.Message.Content)
	assert.Equal(t, 2, out.Iterations)
}

func TestToolLoopBoundedIterations(t *testing.T) {
	var responses []*domain.ChatResponse
	for i := 1; i <= 10; i++ {
		responses = append(responses, toolResponse(fmt.Sprintf("step %d", i), command(fmt.Sprintf("c%d", i), fmt.Sprintf("echo %d", i))))
	}
	llm := &mockLLM{responses: responses}
	tools := echoTerminal()
	conv := NewSession("")

	loop := newTestLoop(llm, tools, func(d *LoopDeps) { d.MaxIterations = 3 })
	out, err := loop.Run(context.Background(), toolResponse("", command("c0", "echo 0")), conv, domain.NewSessionState("/"))
	require.NoError(t, err)

	assert.Equal(t, LoopMaxIterationsReached, out.Status)
	assert.Equal(t, 3, out.Iterations)
	assert.Equal(t, 3, llm.calls())
	assert.Len(t, tools.executed(), 3)
	require.Len(t, out.Pending, 1)
	assert.Equal(t, "c3", out.Pending[0].ID)
	assert.Equal(t, "step 3", out.Response.Message.Content)

	// The final response is recorded without the calls that never ran.
	msgs, _ := conv.Messages(context.Background())
	last := msgs[len(msgs)-1]
	assert.Equal(t, domain.RoleAssistant, last.Role)
	assert.Equal(t, "step 3", last.Content)
	assert.Empty(t, last.ToolCalls)
}

func TestToolLoopDefaultMaxIterations(t *testing.T) {
	loop := NewToolCallLoop(LoopDeps{})
	assert.Equal(t, DefaultMaxIterations, loop.deps.MaxIterations)
	assert.NotNil(t, loop.deps.Logger)
}

func TestToolLoopUnknownToolOnly(t *testing.T) {
	llm := &mockLLM{responses: []*domain.ChatResponse{textResponse("sorry, done")}}
	tools := echoTerminal()
	conv := NewSession("")

	initial := toolResponse("", domain.ToolCall{ID: "c1", Name: "launch_rockets", Arguments: map[string]any{}})
	out, err := newTestLoop(llm, tools).Run(context.Background(), initial, conv, domain.NewSessionState("/"))
	require.NoError(t, err)

	assert.Empty(t, tools.executed())
	assert.Empty(t, out.Results)
	assert.Equal(t, 1, llm.calls())
	assert.Equal(t, LoopDone, out.Status)

	msgs, _ := conv.Messages(context.Background())
	require.Len(t, msgs, 2)
	assert.Equal(t, domain.RoleSystem, msgs[0].Role)
	assert.Contains(t, msgs[0].Content, "launch_rockets")
	assert.Contains(t, msgs[0].Content, "Available tools: "+domain.TerminalCommandTool)
	assert.Equal(t, "sorry, done", msgs[1].Content)
}

func TestToolLoopMixedValidAndUnknown(t *testing.T) {
	llm := &mockLLM{responses: []*domain.ChatResponse{textResponse("ok")}}
	tools := echoTerminal()
	conv := NewSession("")

	initial := toolResponse("checking",
		command("c1", "pwd"),
		domain.ToolCall{ID: "c2", Name: ""},
		domain.ToolCall{ID: "c3", Name: "ghost"},
	)
	_, err := newTestLoop(llm, tools).Run(context.Background(), initial, conv, domain.NewSessionState("/"))
	require.NoError(t, err)

	msgs, _ := conv.Messages(context.Background())
	require.Equal(t, []string{domain.RoleAssistant, domain.RoleTool, domain.RoleSystem, domain.RoleAssistant}, roles(msgs))
	// Only the forwarded call stays attached to the assistant message.
	require.Len(t, msgs[0].ToolCalls, 1)
	assert.Equal(t, "c1", msgs[0].ToolCalls[0].ID)
	assert.Contains(t, msgs[2].Content, "(unnamed), ghost")
}

func TestToolLoopRepeatedFailureIsSkipped(t *testing.T) {
	tools := newMockTools().add(domain.TerminalCommandTool,
		func(context.Context, map[string]any, *domain.SessionState) (*domain.ToolOutput, error) {
			return &domain.ToolOutput{Success: false, Error: "Command failed with exit code 2"}, nil
		})
	llm := &mockLLM{responses: []*domain.ChatResponse{
		toolResponse("", command("c2", "  make build ")),
		textResponse("giving up"),
	}}
	conv := NewSession("")
	state := domain.NewSessionState("/")

	out, err := newTestLoop(llm, tools).Run(context.Background(), toolResponse("", command("c1", "make build")), conv, state)
	require.NoError(t, err)

	assert.Len(t, tools.executed(), 1)
	require.Len(t, out.Results, 2)
	assert.False(t, out.Results[1].Success)
	assert.ErrorIs(t, out.Results[1].Err, domain.ErrRepeatedFailure)
	assert.Contains(t, out.Results[1].Error, "already failed in iteration 0")

	msgs, _ := conv.Messages(context.Background())
	var notice string
	for _, m := range msgs {
		if m.Role == domain.RoleSystem && strings.Contains(m.Content, "Did not re-run") {
			notice = m.Content
		}
	}
	assert.NotEmpty(t, notice)
	require.Len(t, state.FailedCommands, 1)
	assert.Equal(t, 0, state.FailedCommands[0].Iteration)
}

func TestToolLoopDifferentCommandAfterFailureRuns(t *testing.T) {
	runs := 0
	tools := newMockTools().add(domain.TerminalCommandTool,
		func(_ context.Context, args map[string]any, _ *domain.SessionState) (*domain.ToolOutput, error) {
			runs++
			if args["command"] == "make build" {
				return &domain.ToolOutput{Success: false, Error: "boom"}, nil
			}
			return okOutput(""), nil
		})
	llm := &mockLLM{responses: []*domain.ChatResponse{
		toolResponse("", command("c2", "make build-all")),
		textResponse("done"),
	}}

	_, err := newTestLoop(llm, tools).Run(context.Background(), toolResponse("", command("c1", "make build")), NewSession(""), domain.NewSessionState("/"))
	require.NoError(t, err)
	assert.Equal(t, 2, runs)
}

func TestToolLoopTracksDirectoryChanges(t *testing.T) {
	tools := newMockTools().add(domain.TerminalCommandTool,
		func(_ context.Context, args map[string]any, _ *domain.SessionState) (*domain.ToolOutput, error) {
			if args["command"] == "cd /tmp/project" {
				return &domain.ToolOutput{Success: true, NewDirectory: "/tmp/project", Data: map[string]any{}}, nil
			}
			return okOutput(""), nil
		})
	llm := &mockLLM{responses: []*domain.ChatResponse{textResponse("moved")}}
	state := domain.NewSessionState("/home/me")

	_, err := newTestLoop(llm, tools).Run(context.Background(),
		toolResponse("", command("c1", "cd /tmp/project"), command("c2", "ls")),
		NewSession(""), state)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/project", state.CWD)
	assert.Equal(t, []string{"/home/me", "/tmp/project"}, state.PathHistory)
	require.Len(t, state.ExecutedCommands, 2)
	assert.Equal(t, "/home/me", state.ExecutedCommands[0].Dir)
	assert.Equal(t, "/tmp/project", state.ExecutedCommands[1].Dir)
}

func TestToolLoopRecordsCreatedFiles(t *testing.T) {
	tools := newMockTools().add("filesystem",
		func(context.Context, map[string]any, *domain.SessionState) (*domain.ToolOutput, error) {
			return &domain.ToolOutput{Success: true, CreatedFile: "notes.txt", Data: map[string]any{"bytes": 5}}, nil
		})
	llm := &mockLLM{responses: []*domain.ChatResponse{textResponse("written")}}
	state := domain.NewSessionState("/")

	call := domain.ToolCall{ID: "c1", Name: "filesystem", Arguments: map[string]any{"action": "write"}}
	_, err := newTestLoop(llm, tools).Run(context.Background(), toolResponse("", call), NewSession(""), state)
	require.NoError(t, err)
	assert.Equal(t, []string{"notes.txt"}, state.CreatedFiles)
	assert.Empty(t, state.ExecutedCommands)
}

func TestToolLoopPanickingToolBecomesFailure(t *testing.T) {
	tools := newMockTools().add("flaky",
		func(context.Context, map[string]any, *domain.SessionState) (*domain.ToolOutput, error) {
			panic("nil map write")
		})
	llm := &mockLLM{responses: []*domain.ChatResponse{textResponse("recovered")}}

	out, err := newTestLoop(llm, tools).Run(context.Background(),
		toolResponse("", domain.ToolCall{ID: "c1", Name: "flaky"}), NewSession(""), domain.NewSessionState("/"))
	require.NoError(t, err)

	require.Len(t, out.Results, 1)
	assert.False(t, out.Results[0].Success)
	assert.ErrorIs(t, out.Results[0].Err, domain.ErrToolExecution)
	assert.Contains(t, out.Results[0].Error, "panicked")
	assert.Equal(t, LoopDone, out.Status)
}

func TestToolLoopCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tools := newMockTools().
		add("slow", func(ctx context.Context, _ map[string]any, _ *domain.SessionState) (*domain.ToolOutput, error) {
			cancel()
			<-ctx.Done()
			return nil, ctx.Err()
		}).
		add(domain.TerminalCommandTool, func(context.Context, map[string]any, *domain.SessionState) (*domain.ToolOutput, error) {
			t.Fatal("must not run after cancellation")
			return nil, nil
		})
	llm := &mockLLM{}
	conv := NewSession("")

	initial := toolResponse("", domain.ToolCall{ID: "c1", Name: "slow"}, command("c2", "ls"))
	out, err := newTestLoop(llm, tools).Run(ctx, initial, conv, domain.NewSessionState("/"))

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrCancelled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, errIsCancellation(err))
	assert.Equal(t, LoopCancelled, out.Status)
	assert.Zero(t, llm.calls())

	require.Len(t, out.Results, 2)
	for _, r := range out.Results {
		assert.ErrorIs(t, r.Err, domain.ErrCancelled)
	}

	// Every forwarded call still has its tool message.
	msgs, _ := conv.Messages(context.Background())
	assert.Equal(t, []string{domain.RoleAssistant, domain.RoleTool, domain.RoleTool}, roles(msgs))
}

func TestToolLoopLLMErrorPropagates(t *testing.T) {
	llm := &mockLLM{errs: []error{fmt.Errorf("API error 401: invalid key")}}
	loop := newTestLoop(llm, echoTerminal(), func(d *LoopDeps) { d.ErrorClassifier = NewErrorClassifier() })

	_, err := loop.Run(context.Background(), toolResponse("", command("c1", "ls")), NewSession(""), domain.NewSessionState("/"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
	assert.Equal(t, 1, llm.calls(), "permanent errors are not retried")
}

func TestToolLoopRetriesTransientLLMError(t *testing.T) {
	llm := &mockLLM{
		errs:      []error{errors.New("API error 503: overloaded")},
		responses: []*domain.ChatResponse{nil, textResponse("after retry")},
	}
	loop := newTestLoop(llm, echoTerminal(), func(d *LoopDeps) { d.ErrorClassifier = NewErrorClassifier() })

	out, err := loop.Run(context.Background(), toolResponse("", command("c1", "ls")), NewSession(""), domain.NewSessionState("/"))
	require.NoError(t, err)
	assert.Equal(t, 2, llm.calls())
	assert.Equal(t, "after retry", out.Response.Message.Content)
}

func TestToolLoopStreamsFollowUps(t *testing.T) {
	llm := &mockStreamLLM{scripts: [][]domain.StreamDelta{
		{
			{ToolCall: &domain.ToolCallFragment{ID: "s1", Index: domain.IntPtr(0), Name: domain.TerminalCommandTool}},
			{ToolCall: &domain.ToolCallFragment{Index: domain.IntPtr(0), ArgumentsFragment: `{"command":`}},
			{ToolCall: &domain.ToolCallFragment{Index: domain.IntPtr(0), ArgumentsFragment: `"pwd"}`}},
			{Done: true},
		},
		{
			{Content: "All "},
			{Content: "done"},
			{Done: true, Usage: &domain.Usage{TotalTokens: 12}},
		},
	}}
	tools := echoTerminal()
	bus := &recordingBus{}

	loop := newTestLoop(llm, tools, func(d *LoopDeps) {
		d.Stream = true
		d.Bus = bus
	})
	out, err := loop.Run(context.Background(), toolResponse("", command("c1", "ls")), NewSession(""), domain.NewSessionState("/"))
	require.NoError(t, err)

	assert.Equal(t, LoopDone, out.Status)
	assert.Equal(t, 2, out.Iterations)
	assert.Equal(t, "All done", out.Response.Message.Content)
	assert.Equal(t, 12, out.Response.Usage.TotalTokens)
	require.Len(t, out.Results, 2)
	assert.Equal(t, "s1", out.Results[1].ToolCallID)
	assert.Equal(t, "pwd", out.Results[1].ToolArgs["command"])

	for _, req := range llm.requests {
		assert.True(t, req.Stream)
	}
	assert.Equal(t, 2, bus.count(domain.EventStreamCompleted))
	assert.Equal(t, 2, bus.count(domain.EventToolCallCompleted))
	assert.Equal(t, 1, bus.count(domain.EventLoopCompleted))
	assert.Positive(t, bus.count(domain.EventStreamDelta))
}

func TestToolLoopStreamError(t *testing.T) {
	streamErr := errors.New("read stream: connection reset")
	llm := &mockStreamLLM{scripts: [][]domain.StreamDelta{
		{{Content: "partial"}, {Err: streamErr}},
	}}
	loop := newTestLoop(llm, echoTerminal(), func(d *LoopDeps) { d.Stream = true })

	_, err := loop.Run(context.Background(), toolResponse("", command("c1", "ls")), NewSession(""), domain.NewSessionState("/"))
	assert.ErrorIs(t, err, streamErr)
}

func TestToolLoopStreamWithoutFinishIsRejected(t *testing.T) {
	// The transport closes after half a tool call and no finish marker.
	llm := &mockStreamLLM{scripts: [][]domain.StreamDelta{
		{
			{Content: "Let me check"},
			{ToolCall: &domain.ToolCallFragment{ID: "s1", Index: domain.IntPtr(0), Name: domain.TerminalCommandTool}},
			{ToolCall: &domain.ToolCallFragment{Index: domain.IntPtr(0), ArgumentsFragment: `{"command":"rm -`}},
		},
	}}
	tools := echoTerminal()
	bus := &recordingBus{}
	loop := newTestLoop(llm, tools, func(d *LoopDeps) {
		d.Stream = true
		d.Bus = bus
	})

	_, err := loop.Run(context.Background(), toolResponse("", command("c1", "ls")), NewSession(""), domain.NewSessionState("/"))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrProviderError)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.Equal(t, []string{domain.TerminalCommandTool}, tools.executed(), "only the initial call ran")
	assert.Zero(t, bus.count(domain.EventStreamCompleted))
}

func TestToolLoopRetriesStreamWithoutFinish(t *testing.T) {
	llm := &mockStreamLLM{scripts: [][]domain.StreamDelta{
		{{Content: "All "}},
		{{Content: "done"}, {Done: true}},
	}}
	loop := newTestLoop(llm, echoTerminal(), func(d *LoopDeps) {
		d.Stream = true
		d.ErrorClassifier = NewErrorClassifier()
	})

	out, err := loop.Run(context.Background(), toolResponse("", command("c1", "ls")), NewSession(""), domain.NewSessionState("/"))
	require.NoError(t, err)
	assert.Equal(t, 2, llm.streams)
	assert.Equal(t, "done", out.Response.Message.Content)
}

func TestToolLoopTruncatesLongOutput(t *testing.T) {
	long := strings.Repeat("line\n", 50)
	tools := newMockTools().add(domain.TerminalCommandTool,
		func(context.Context, map[string]any, *domain.SessionState) (*domain.ToolOutput, error) {
			return okOutput(long), nil
		})
	llm := &mockLLM{responses: []*domain.ChatResponse{textResponse("ok")}}
	conv := NewSession("")

	loop := newTestLoop(llm, tools, func(d *LoopDeps) { d.ResultLineLimit = 10 })
	_, err := loop.Run(context.Background(), toolResponse("", command("c1", "cat big.log")), conv, domain.NewSessionState("/"))
	require.NoError(t, err)

	msgs, _ := conv.Messages(context.Background())
	assert.Contains(t, msgs[1].Content, "more lines truncated")
	assert.Len(t, strings.Split(msgs[1].Content, "\n"), 11)
}
