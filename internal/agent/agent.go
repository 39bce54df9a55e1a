// Package agent implements the Agent Loop (component J): one conversational
// turn driven through a fixed analyze -> conditional_retrieve -> get_user ->
// prepare_prompt -> agent <-> execute_tools -> final graph.
//
// The graph is not a user-authored graph run through a generic topological
// engine — its seven nodes are fixed and always wired the same way, so
// there is nothing to parse or validate per request. Each step is still a
// small unit with a Type() name and a Run() method (see node.go), and the
// agent<->execute_tools edge is a "loop until the model stops asking for
// tools" iteration, bounded and instrumented.
package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/rakunlabs/cortex/internal/cache"
	"github.com/rakunlabs/cortex/internal/service"
	"github.com/rakunlabs/cortex/internal/toolregistry"
)

const (
	maxIterations        = 15
	maxToolsPerIteration = 5
	maxToolAttempts      = 1 + 2 // first attempt plus a 2-retry policy
	loopDetectionWindow  = 5
	maxContextChars      = 100_000
)

// User is the profile the get_user node resolves for the turn, so the
// prompt and permission checks can be personalized without the caller
// having to resolve it up front.
type User struct {
	ID   string
	Name string
	Role string
}

// UserLookup resolves a user ID to a User profile (get_user node). A nil
// UserLookup leaves User zero-valued.
type UserLookup func(ctx context.Context, userID string) (User, error)

// RetrievedDoc is one piece of context the conditional_retrieve node pulled
// in before the prompt was built. BlockNumber is assigned after
// deduplication, in retrieval order, so the final answer can cite it.
type RetrievedDoc struct {
	Source      string
	Text        string
	BlockNumber int
}

// Retriever fetches documents relevant to a query. A nil Retriever skips
// the conditional_retrieve node entirely, and turns into a plain chat.
type Retriever interface {
	Retrieve(ctx context.Context, query string) ([]RetrievedDoc, error)
}

// ToolCaller is the subset of *toolregistry.Registry the agent loop needs.
type ToolCaller interface {
	Active(filter []string) []toolregistry.Tool
	Call(ctx context.Context, fullName string, arguments map[string]any) (string, error)
}

// PermissionChecker is the subset of *permission.Manager the agent loop
// needs to keep the execute_tools node from dispatching a tool the user's
// role was never granted.
type PermissionChecker interface {
	UserAllowed(role, toolFullName string) bool
}

// Request is one conversational turn handed to Run.
type Request struct {
	UserID       string
	Role         string // falls back to the resolved User.Role if empty
	Message      string
	History      []service.Message // prior turns, oldest first
	ToolFilter   []string          // explicit tool full names; essential tools are always included
	SystemPrompt string            // mugo template rendered by prepare_prompt; a built-in default is used if empty

	// OnChunk, if set, is called with each text delta as the final node
	// streams the assistant's answer out, floored to StreamDelayFloor
	// between chunks the way a fake-streaming gateway fallback would.
	OnChunk func(delta string)
}

// ToolTrace records one dispatched tool call for observability.
type ToolTrace struct {
	FullName  string
	Arguments map[string]any
	Result    string
	Err       error
}

// Confidence is the agent's self-reported confidence in FinalText, one of a
// fixed four-value scale.
type Confidence string

const (
	ConfidenceVeryHigh Confidence = "Very High"
	ConfidenceHigh     Confidence = "High"
	ConfidenceMedium   Confidence = "Medium"
	ConfidenceLow      Confidence = "Low"
)

// Result is the outcome of one Run.
type Result struct {
	Messages   []service.Message
	FinalText  string
	Usage      service.Usage
	Iterations int
	ToolCalls  []ToolTrace

	// Reason summarizes anything the answer alone doesn't make obvious: a
	// suspected tool loop, the iteration cap being hit, or tool failures
	// along the way. Empty when the turn finished cleanly.
	Reason     string
	Confidence Confidence

	// AnswerMatchType, BlockNumbers, and ReferenceData are only populated
	// when conditional_retrieve pulled in context this turn.
	AnswerMatchType string
	BlockNumbers    []int
	ReferenceData   []RetrievedDoc
}

// Config wires the Runner's collaborators.
type Config struct {
	Provider  service.LLMProvider
	Tools     ToolCaller
	Perms     PermissionChecker
	Users     UserLookup
	Retriever Retriever
	Cache     *cache.Manager
	Model     string
}

// Runner drives the fixed seven-node graph for one turn at a time. A Runner
// is safe for concurrent use: all per-turn state lives in a turnState built
// fresh inside Run.
type Runner struct {
	provider  service.LLMProvider
	tools     ToolCaller
	perms     PermissionChecker
	users     UserLookup
	retriever Retriever
	cache     *cache.Manager
	model     string
}

func New(cfg Config) *Runner {
	return &Runner{
		provider:  cfg.Provider,
		tools:     cfg.Tools,
		perms:     cfg.Perms,
		users:     cfg.Users,
		retriever: cfg.Retriever,
		cache:     cfg.Cache,
		model:     cfg.Model,
	}
}

// Run executes the full graph for one user message and returns the
// completed turn, including the transcript so the caller can persist it as
// History for the next Run.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	query := strings.TrimSpace(req.Message)
	if query == "" {
		return nil, fmt.Errorf("agent: empty message")
	}

	st := &turnState{runner: r, req: req, query: query}

	graph := []node{
		analyzeNode{},
		conditionalRetrieveNode{},
		getUserNode{},
		preparePromptNode{},
	}
	for _, n := range graph {
		if err := n.Run(ctx, st); err != nil {
			return nil, fmt.Errorf("agent: %s: %w", n.Type(), err)
		}
	}

	agentStep := agentNode{}
	toolsStep := executeToolsNode{}

	for iter := 0; iter < maxIterations; iter++ {
		st.iteration = iter + 1
		if err := agentStep.Run(ctx, st); err != nil {
			return nil, fmt.Errorf("agent: %s: %w", agentStep.Type(), err)
		}
		if st.done {
			break
		}
		if err := toolsStep.Run(ctx, st); err != nil {
			return nil, fmt.Errorf("agent: %s: %w", toolsStep.Type(), err)
		}
		if st.done {
			break
		}
	}

	final := finalNode{}
	if err := final.Run(ctx, st); err != nil {
		return nil, fmt.Errorf("agent: %s: %w", final.Type(), err)
	}

	return &st.result, nil
}
