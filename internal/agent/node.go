package agent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/rakunlabs/cortex/internal/cache"
	"github.com/rakunlabs/cortex/internal/errkind"
	"github.com/rakunlabs/cortex/internal/service"
	"github.com/rakunlabs/cortex/internal/toolregistry"
)

// StreamDelayFloor and StreamDelayCeil bound the pacing used to fake-stream
// a non-streaming provider's answer back to the caller one word at a time,
// the same floor/ceiling the teacher's gateway uses when a provider has no
// LLMStreamProvider implementation to fall back on.
const (
	StreamDelayFloor = 10 * time.Millisecond
	StreamDelayCeil  = 20 * time.Millisecond
)

// node gives each graph step a Type() name and a Run() method against this
// package's own turnState. These seven nodes are never user-authored, so
// there is no per-node config to validate and no provider/skill/var lookup
// to thread through.
type node interface {
	Type() string
	Run(ctx context.Context, st *turnState) error
}

// turnState is the mutable context threaded through the graph for one Run.
type turnState struct {
	runner *Runner
	req    Request
	query  string

	needsRetrieval bool
	docs           []RetrievedDoc
	user           User
	role           string

	systemPrompt string
	messages     []service.Message
	activeTools  []toolregistry.Tool
	serviceTools []service.Tool

	iteration    int
	done         bool
	lastResp     *service.LLMResponse
	loopDetected bool

	result Result
}

// ─── analyze ───

// analyzeNode decides whether the turn's query looks like it needs outside
// context pulled in before answering, so a bare greeting or follow-up
// doesn't pay for a retrieval round trip it won't use.
type analyzeNode struct{}

func (analyzeNode) Type() string { return "analyze" }

func (analyzeNode) Run(_ context.Context, st *turnState) error {
	words := strings.Fields(st.query)
	st.needsRetrieval = len(words) >= 4 && !looksLikeGreeting(st.query)
	return nil
}

func looksLikeGreeting(q string) bool {
	switch strings.ToLower(strings.Trim(q, " !.?")) {
	case "hi", "hello", "hey", "thanks", "thank you", "ok", "okay":
		return true
	default:
		return false
	}
}

// ─── conditional_retrieve ───

// conditionalRetrieveNode runs the configured Retriever when analyze
// flagged the query as needing it. A Retrieve failure degrades to no
// extra context rather than failing the whole turn — retrieval is an
// enhancement, not a precondition for answering.
type conditionalRetrieveNode struct{}

func (conditionalRetrieveNode) Type() string { return "conditional_retrieve" }

func (conditionalRetrieveNode) Run(ctx context.Context, st *turnState) error {
	if !st.needsRetrieval || st.runner.retriever == nil {
		return nil
	}
	docs, err := st.runner.retriever.Retrieve(ctx, st.query)
	if err != nil {
		return nil
	}
	st.docs = assignBlockNumbers(dedupeDocs(docs))
	return nil
}

// dedupeDocs merges retrieval results by block identity (source + text),
// keeping the first occurrence.
func dedupeDocs(docs []RetrievedDoc) []RetrievedDoc {
	seen := make(map[string]struct{}, len(docs))
	out := make([]RetrievedDoc, 0, len(docs))
	for _, d := range docs {
		key := d.Source + "\x00" + d.Text
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, d)
	}
	return out
}

func assignBlockNumbers(docs []RetrievedDoc) []RetrievedDoc {
	for i := range docs {
		docs[i].BlockNumber = i + 1
	}
	return docs
}

// ─── get_user ───

// getUserNode resolves the requesting user's profile, falling back to the
// request's own Role when no UserLookup is configured or the lookup fails.
type getUserNode struct{}

func (getUserNode) Type() string { return "get_user" }

func (getUserNode) Run(ctx context.Context, st *turnState) error {
	st.role = st.req.Role
	if st.runner.users == nil {
		return nil
	}
	u, err := st.runner.users(ctx, st.req.UserID)
	if err != nil {
		return nil
	}
	st.user = u
	if st.role == "" {
		st.role = u.Role
	}
	return nil
}

// ─── prepare_prompt ───

// preparePromptNode renders the system prompt, seeds the message history,
// and resolves which tools this turn is allowed to see.
type preparePromptNode struct{}

func (preparePromptNode) Type() string { return "prepare_prompt" }

func (preparePromptNode) Run(_ context.Context, st *turnState) error {
	prompt, err := renderSystemPrompt(st.req.SystemPrompt, st.user, st.docs)
	if err != nil {
		return err
	}
	st.systemPrompt = prompt

	messages := make([]service.Message, 0, len(st.req.History)+2)
	if prompt != "" {
		messages = append(messages, service.Message{Role: "system", Content: prompt})
	}
	messages = append(messages, st.req.History...)
	messages = append(messages, service.Message{Role: "user", Content: st.query})
	st.messages = messages

	st.activeTools = filterByPermission(st.runner, st.role, st.runner.tools.Active(st.req.ToolFilter))
	st.serviceTools = toServiceTools(st.activeTools)
	return nil
}

func filterByPermission(r *Runner, role string, tools []toolregistry.Tool) []toolregistry.Tool {
	if r.perms == nil {
		return tools
	}
	out := make([]toolregistry.Tool, 0, len(tools))
	for _, t := range tools {
		if r.perms.UserAllowed(role, t.FullName) {
			out = append(out, t)
		}
	}
	return out
}

// toServiceTools maps toolregistry tools to the service.Tool shape the
// LLMProvider expects, using FullName as the name the model sees so a
// returned ToolCall.Name is already the registry key execute_tools needs.
func toServiceTools(tools []toolregistry.Tool) []service.Tool {
	out := make([]service.Tool, len(tools))
	for i, t := range tools {
		out[i] = service.Tool{
			Name:        t.FullName,
			Description: t.Description,
			InputSchema: t.InputSchema,
		}
	}
	return out
}

// ─── agent ───

// agentNode calls the LLM with the current transcript and tool set, then
// builds the assistant ContentBlocks (text plus any tool_use blocks) and
// appends them to the transcript.
type agentNode struct{}

func (agentNode) Type() string { return "agent" }

func (agentNode) Run(ctx context.Context, st *turnState) error {
	st.messages = truncateContext(st.messages, maxContextChars)

	resp, err := st.runner.chat(ctx, st.messages, st.serviceTools)
	if err != nil {
		return err
	}
	st.lastResp = resp

	st.result.Usage.PromptTokens += resp.Usage.PromptTokens
	st.result.Usage.CompletionTokens += resp.Usage.CompletionTokens
	st.result.Usage.TotalTokens += resp.Usage.TotalTokens

	if resp.Content != "" {
		streamText(resp.Content, st.req.OnChunk)
	}

	st.messages = append(st.messages, service.Message{
		Role:    "assistant",
		Content: buildAssistantContent(resp),
	})
	st.result.FinalText = resp.Content

	st.done = resp.Finished || len(resp.ToolCalls) == 0
	return nil
}

func buildAssistantContent(resp *service.LLMResponse) []service.ContentBlock {
	var content []service.ContentBlock
	if resp.Content != "" {
		content = append(content, service.ContentBlock{Type: "text", Text: resp.Content})
	}
	for _, tc := range resp.ToolCalls {
		content = append(content, service.ContentBlock{
			Type:             "tool_use",
			ID:               tc.ID,
			Name:             tc.Name,
			Input:            tc.Arguments,
			ThoughtSignature: tc.ThoughtSignature,
		})
	}
	return content
}

func streamText(text string, onChunk func(string)) {
	if onChunk == nil {
		return
	}
	words := strings.Fields(text)
	for i, w := range words {
		chunk := w
		if i < len(words)-1 {
			chunk += " "
		}
		onChunk(chunk)
		time.Sleep(streamDelay())
	}
}

func streamDelay() time.Duration {
	span := int64(StreamDelayCeil - StreamDelayFloor)
	return StreamDelayFloor + time.Duration(rand.Int63n(span+1))
}

// ─── execute_tools ───

// executeToolsNode dispatches the model's requested tool calls, capped at
// maxToolsPerIteration, retried up to two extra times when the failure is
// transient (internal/errkind), and bails out of the tool-calling loop once
// the trailing window of individual invocations looks like it's stuck (see
// loopDetected).
type executeToolsNode struct{}

func (executeToolsNode) Type() string { return "execute_tools" }

func (executeToolsNode) Run(ctx context.Context, st *turnState) error {
	calls := st.lastResp.ToolCalls
	if len(calls) > maxToolsPerIteration {
		calls = calls[:maxToolsPerIteration]
	}

	blocks := make([]service.ContentBlock, 0, len(calls))
	for _, tc := range calls {
		out, err := st.runner.callToolWithRetry(ctx, tc)
		st.result.ToolCalls = append(st.result.ToolCalls, ToolTrace{
			FullName:  tc.Name,
			Arguments: tc.Arguments,
			Result:    out,
			Err:       err,
		})
		if err != nil {
			out = fmt.Sprintf("error: %v", err)
		}
		blocks = append(blocks, service.ContentBlock{
			Type:      "tool_result",
			ToolUseID: tc.ID,
			Name:      tc.Name,
			Content:   out,
		})
	}

	st.messages = append(st.messages, service.Message{Role: "user", Content: blocks})

	if loopDetected(st.result.ToolCalls) {
		st.messages = append(st.messages, service.Message{
			Role: "user",
			Content: []service.ContentBlock{{
				Type: "text",
				Text: "The same tool call has repeated several times in a row; stop calling tools and answer with what you already have.",
			}},
		})
		st.loopDetected = true
		st.done = true
	}
	return nil
}

// chat calls the LLM provider, transparently serving a hit from the
// cache manager's llm_cache when one configured and the exact same
// (model, messages, tools) triple was already answered.
func (r *Runner) chat(ctx context.Context, messages []service.Message, tools []service.Tool) (*service.LLMResponse, error) {
	var cacheKey string
	if r.cache != nil {
		if key, err := cache.Key(struct {
			Model    string
			Messages []service.Message
			Tools    []service.Tool
		}{r.model, messages, tools}); err == nil {
			cacheKey = key
			if cached, ok := r.cache.Get(cache.LLM, cacheKey); ok {
				if resp, ok := cached.(*service.LLMResponse); ok {
					return resp, nil
				}
			}
		}
	}

	resp, err := r.provider.Chat(ctx, r.model, messages, tools)
	if err != nil {
		return nil, err
	}

	if cacheKey != "" {
		r.cache.Set(cache.LLM, cacheKey, resp, 0)
	}
	return resp, nil
}

func (r *Runner) callToolWithRetry(ctx context.Context, tc service.ToolCall) (string, error) {
	var (
		out string
		err error
	)
	for attempt := 0; attempt < maxToolAttempts; attempt++ {
		out, err = r.tools.Call(ctx, tc.Name, tc.Arguments)
		if err == nil || !errkind.IsRetryable(errkind.Of(err)) {
			return out, err
		}
	}
	return out, err
}

// loopDetected looks at the last loopDetectionWindow individual tool
// invocations (not iterations, which can each carry up to
// maxToolsPerIteration calls): if they named 2 or fewer distinct tools and
// at least 3 of them produced the same result fingerprint, the agent is
// very likely stuck re-asking the same question.
func loopDetected(calls []ToolTrace) bool {
	if len(calls) < loopDetectionWindow {
		return false
	}
	recent := calls[len(calls)-loopDetectionWindow:]

	names := make(map[string]struct{}, len(recent))
	fingerprints := make(map[string]int, len(recent))
	for _, c := range recent {
		names[c.FullName] = struct{}{}
		fingerprints[resultFingerprint(c)]++
	}
	if len(names) > 2 {
		return false
	}

	for _, n := range fingerprints {
		if n >= 3 {
			return true
		}
	}
	return false
}

// resultFingerprint identifies a tool invocation's outcome, not its
// arguments: two calls with different inputs that land on the same error or
// the same output still count as the same repeated result.
func resultFingerprint(c ToolTrace) string {
	if c.Err != nil {
		return "err:" + c.Err.Error()
	}
	sum := sha256.Sum256([]byte(c.Result))
	return "ok:" + hex.EncodeToString(sum[:])
}

// ─── final ───

// finalNode copies the finished transcript into the Result returned to the
// caller, annotating it with why the turn ended the way it did and what
// retrieval context, if any, backed the answer.
type finalNode struct{}

func (finalNode) Type() string { return "final" }

func (finalNode) Run(_ context.Context, st *turnState) error {
	st.result.Messages = st.messages
	st.result.Iterations = st.iteration

	var reasons []string
	if st.loopDetected {
		reasons = append(reasons, "suspected loop")
	}
	if st.iteration >= maxIterations && !st.done {
		reasons = append(reasons, "iteration limit reached")
	}
	if failed := failedToolNames(st.result.ToolCalls); len(failed) > 0 {
		reasons = append(reasons, "tool failures: "+strings.Join(failed, ", "))
	}
	st.result.Reason = strings.Join(reasons, "; ")
	st.result.Confidence = confidenceFor(st, len(reasons) > 0)

	if len(st.docs) > 0 {
		st.result.AnswerMatchType = "retrieved"
		st.result.ReferenceData = st.docs
		st.result.BlockNumbers = make([]int, len(st.docs))
		for i, d := range st.docs {
			st.result.BlockNumbers[i] = d.BlockNumber
		}
	}
	return nil
}

// failedToolNames lists, in call order, the full names of tools whose final
// attempt (callToolWithRetry already exhausted retries) still errored.
func failedToolNames(calls []ToolTrace) []string {
	var out []string
	for _, c := range calls {
		if c.Err != nil {
			out = append(out, c.FullName)
		}
	}
	return out
}

// confidenceFor is a coarse self-assessment: a clean answer backed by
// retrieved context is High, a clean answer with nothing to ground it is
// Medium, and anything flagged with a Reason drops to Low.
func confidenceFor(st *turnState, flagged bool) Confidence {
	if flagged {
		return ConfidenceLow
	}
	if len(st.docs) > 0 {
		return ConfidenceHigh
	}
	return ConfidenceMedium
}

// truncateContext drops the oldest non-system messages until the
// transcript's total character count is back under limit, keeping the
// leading system message (if any) untouched since it carries the
// instructions every later message depends on.
func truncateContext(messages []service.Message, limit int) []service.Message {
	if contextChars(messages) <= limit {
		return messages
	}

	start := 0
	if len(messages) > 0 && messages[0].Role == "system" {
		start = 1
	}

	trimmed := append([]service.Message(nil), messages...)
	total := contextChars(trimmed)
	for total > limit && len(trimmed) > start+1 {
		total -= messageChars(trimmed[start])
		trimmed = append(trimmed[:start], trimmed[start+1:]...)
	}
	return trimmed
}

func contextChars(messages []service.Message) int {
	n := 0
	for _, m := range messages {
		n += messageChars(m)
	}
	return n
}

func messageChars(m service.Message) int {
	switch c := m.Content.(type) {
	case string:
		return len(c)
	case []service.ContentBlock:
		n := 0
		for _, b := range c {
			n += len(b.Text) + len(b.Content)
		}
		return n
	default:
		return 0
	}
}
