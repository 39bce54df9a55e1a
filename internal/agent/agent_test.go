package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/rakunlabs/cortex/internal/cache"
	"github.com/rakunlabs/cortex/internal/service"
	"github.com/rakunlabs/cortex/internal/toolregistry"
)

type fakeProvider struct {
	calls     int
	responses []*service.LLMResponse
	onChat    func(calls int, messages []service.Message, tools []service.Tool) *service.LLMResponse
}

func (f *fakeProvider) Chat(_ context.Context, _ string, messages []service.Message, tools []service.Tool) (*service.LLMResponse, error) {
	defer func() { f.calls++ }()
	if f.onChat != nil {
		return f.onChat(f.calls, messages, tools), nil
	}
	if f.calls < len(f.responses) {
		return f.responses[f.calls], nil
	}
	return f.responses[len(f.responses)-1], nil
}

type fakeTools struct {
	reg     *toolregistry.Registry
	callLog []string
}

func (f *fakeTools) Active(filter []string) []toolregistry.Tool { return f.reg.Active(filter) }
func (f *fakeTools) Call(ctx context.Context, fullName string, arguments map[string]any) (string, error) {
	f.callLog = append(f.callLog, fullName)
	return f.reg.Call(ctx, fullName, arguments)
}

func newFakeTools(t *testing.T) *fakeTools {
	t.Helper()
	reg := toolregistry.New()
	reg.Register(toolregistry.Tool{Name: "search", Source: toolregistry.SourceMCP, Description: "search docs"},
		func(_ context.Context, args map[string]any) (string, error) {
			return fmt.Sprintf("found: %v", args["query"]), nil
		})
	return &fakeTools{reg: reg}
}

func TestRunSimpleAnswerNoTools(t *testing.T) {
	provider := &fakeProvider{responses: []*service.LLMResponse{
		{Content: "hello there", Finished: true},
	}}
	r := New(Config{Provider: provider, Tools: newFakeTools(t)})

	result, err := r.Run(context.Background(), Request{UserID: "u1", Message: "hi"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.FinalText != "hello there" {
		t.Fatalf("FinalText = %q, want %q", result.FinalText, "hello there")
	}
	if result.Iterations != 1 {
		t.Fatalf("Iterations = %d, want 1", result.Iterations)
	}
}

func TestRunExecutesToolThenFinishes(t *testing.T) {
	tools := newFakeTools(t)
	provider := &fakeProvider{responses: []*service.LLMResponse{
		{
			ToolCalls: []service.ToolCall{{ID: "call1", Name: "mcp:search", Arguments: map[string]any{"query": "cortex"}}},
			Finished:  false,
		},
		{Content: "the answer is 42", Finished: true},
	}}
	r := New(Config{Provider: provider, Tools: tools})

	result, err := r.Run(context.Background(), Request{UserID: "u1", Message: "please search something useful"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.FinalText != "the answer is 42" {
		t.Fatalf("FinalText = %q", result.FinalText)
	}
	if len(tools.callLog) != 1 || tools.callLog[0] != "mcp:search" {
		t.Fatalf("callLog = %v, want one call to mcp:search", tools.callLog)
	}
	if len(result.ToolCalls) != 1 || result.ToolCalls[0].Err != nil {
		t.Fatalf("ToolCalls = %+v", result.ToolCalls)
	}
}

type denyAll struct{}

func (denyAll) UserAllowed(string, string) bool { return false }

func TestRunPermissionDeniedToolNeverOffered(t *testing.T) {
	tools := newFakeTools(t)
	var seenTools []service.Tool
	provider := &fakeProvider{onChat: func(_ int, _ []service.Message, tools []service.Tool) *service.LLMResponse {
		seenTools = tools
		return &service.LLMResponse{Content: "done", Finished: true}
	}}
	r := New(Config{Provider: provider, Tools: tools, Perms: denyAll{}})

	if _, err := r.Run(context.Background(), Request{UserID: "u1", Role: "guest", Message: "hi there friend"}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(seenTools) != 0 {
		t.Fatalf("seenTools = %+v, want none visible to a denied role", seenTools)
	}
}

func TestRunLoopDetectionStopsRepeatedToolCalls(t *testing.T) {
	tools := newFakeTools(t)
	provider := &fakeProvider{onChat: func(_ int, _ []service.Message, _ []service.Tool) *service.LLMResponse {
		return &service.LLMResponse{
			ToolCalls: []service.ToolCall{{ID: "x", Name: "mcp:search", Arguments: map[string]any{"query": "same"}}},
			Finished:  false,
		}
	}}
	r := New(Config{Provider: provider, Tools: tools})

	result, err := r.Run(context.Background(), Request{UserID: "u1", Message: "search the same thing repeatedly"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Iterations >= maxIterations {
		t.Fatalf("Iterations = %d, want loop detection to stop well before the %d cap", result.Iterations, maxIterations)
	}
	if !strings.Contains(result.Reason, "suspected loop") {
		t.Fatalf("Reason = %q, want it to mention the suspected loop", result.Reason)
	}
	if result.Confidence != ConfidenceLow {
		t.Fatalf("Confidence = %q, want %q for a loop-terminated run", result.Confidence, ConfidenceLow)
	}
}

func TestRunCapsAtMaxIterations(t *testing.T) {
	tools := newFakeTools(t)
	provider := &fakeProvider{onChat: func(calls int, _ []service.Message, _ []service.Tool) *service.LLMResponse {
		return &service.LLMResponse{
			ToolCalls: []service.ToolCall{{ID: fmt.Sprintf("c%d", calls), Name: "mcp:search", Arguments: map[string]any{"query": fmt.Sprintf("q%d", calls)}}},
			Finished:  false,
		}
	}}
	r := New(Config{Provider: provider, Tools: tools})

	result, err := r.Run(context.Background(), Request{UserID: "u1", Message: "keep searching for new things"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Iterations != maxIterations {
		t.Fatalf("Iterations = %d, want %d", result.Iterations, maxIterations)
	}
	if !strings.Contains(result.Reason, "iteration limit") {
		t.Fatalf("Reason = %q, want it to mention the iteration limit", result.Reason)
	}
}

type flakyTools struct {
	*fakeTools
	failuresLeft int
}

func (f *flakyTools) Call(ctx context.Context, fullName string, arguments map[string]any) (string, error) {
	if f.failuresLeft > 0 {
		f.failuresLeft--
		return "", errors.New("temporary glitch")
	}
	return f.fakeTools.Call(ctx, fullName, arguments)
}

func TestRunRetriesTransientToolFailure(t *testing.T) {
	tools := &flakyTools{fakeTools: newFakeTools(t), failuresLeft: 2}
	provider := &fakeProvider{responses: []*service.LLMResponse{
		{ToolCalls: []service.ToolCall{{ID: "c1", Name: "mcp:search", Arguments: map[string]any{"query": "x"}}}, Finished: false},
		{Content: "done", Finished: true},
	}}
	r := New(Config{Provider: provider, Tools: tools})

	result, err := r.Run(context.Background(), Request{UserID: "u1", Message: "search for something please"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(result.ToolCalls) != 1 || result.ToolCalls[0].Err != nil {
		t.Fatalf("expected the retried call to eventually succeed: %+v", result.ToolCalls)
	}
}

func TestRunServesSecondIdenticalTurnFromCache(t *testing.T) {
	provider := &fakeProvider{responses: []*service.LLMResponse{{Content: "cached answer", Finished: true}}}
	mgr := cache.New(cache.Sizes{LLM: 16, Tool: 16, Retrieval: 16, DefaultTTL: time.Minute})
	r := New(Config{Provider: provider, Tools: newFakeTools(t), Cache: mgr})

	req := Request{UserID: "u1", Message: "what is the weather today"}
	first, err := r.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("first Run: %v", err)
	}
	second, err := r.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if provider.calls != 1 {
		t.Fatalf("provider.calls = %d, want 1 (second turn served from cache)", provider.calls)
	}
	if second.FinalText != first.FinalText {
		t.Fatalf("FinalText mismatch: %q vs %q", first.FinalText, second.FinalText)
	}
	if stats := mgr.Stats(); len(stats) == 0 {
		t.Fatal("expected cache stats to report at least one named cache")
	}
}

type fakeRetriever struct{ docs []RetrievedDoc }

func (f *fakeRetriever) Retrieve(context.Context, string) ([]RetrievedDoc, error) {
	return f.docs, nil
}

func TestRunAnnotatesAnswerWithRetrievedBlocks(t *testing.T) {
	retriever := &fakeRetriever{docs: []RetrievedDoc{
		{Source: "doc-a", Text: "alpha"},
		{Source: "doc-a", Text: "alpha"}, // duplicate block, should collapse
		{Source: "doc-b", Text: "beta"},
	}}
	provider := &fakeProvider{responses: []*service.LLMResponse{{Content: "the answer", Finished: true}}}
	r := New(Config{Provider: provider, Tools: newFakeTools(t), Retriever: retriever})

	result, err := r.Run(context.Background(), Request{UserID: "u1", Message: "please explain this topic in detail"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.AnswerMatchType != "retrieved" {
		t.Fatalf("AnswerMatchType = %q, want %q", result.AnswerMatchType, "retrieved")
	}
	if len(result.ReferenceData) != 2 {
		t.Fatalf("ReferenceData = %+v, want 2 deduplicated docs", result.ReferenceData)
	}
	if want := []int{1, 2}; len(result.BlockNumbers) != 2 || result.BlockNumbers[0] != want[0] || result.BlockNumbers[1] != want[1] {
		t.Fatalf("BlockNumbers = %v, want %v", result.BlockNumbers, want)
	}
	if result.Confidence != ConfidenceHigh {
		t.Fatalf("Confidence = %q, want %q when the answer is grounded in retrieval", result.Confidence, ConfidenceHigh)
	}
}

func TestRunStreamsTextChunks(t *testing.T) {
	provider := &fakeProvider{responses: []*service.LLMResponse{{Content: "a b c", Finished: true}}}
	var chunks []string
	r := New(Config{Provider: provider, Tools: newFakeTools(t)})

	_, err := r.Run(context.Background(), Request{
		UserID: "u1", Message: "hi",
		OnChunk: func(delta string) { chunks = append(chunks, delta) },
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(chunks) != 3 {
		t.Fatalf("chunks = %v, want 3 words streamed", chunks)
	}
}
