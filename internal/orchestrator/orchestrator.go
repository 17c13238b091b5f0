// Package orchestrator drives the multi-step tool-call loop of
// spec.md §4.K: complete against a model, execute any requested tool
// calls through an idempotency cache, and feed results back as
// tool-role messages, bounded by iteration/tool-call/wall-time caps.
//
// Grounded on spec.md §9's cyclic-reference redesign note (the
// orchestrator ↔ model adapter ↔ budget checker cycle is broken by
// capability interfaces with no back-references: Model, ToolExecutor,
// IdempotencyCache, optional BudgetChecker) and on the teacher's gRPC
// interceptor chain in cmd/api/main.go (createGRPCServer's recovery +
// logging interceptors) as the model for wrapping a loop with panic
// recovery and structured per-iteration event logging.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Message is one entry in the completion transcript.
type Message struct {
	Role       string // "system" | "user" | "assistant" | "tool"
	Content    string
	ToolCallID string
	ToolName   string
}

// ToolCall is one tool invocation requested by the model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// Completion is one model turn: either a final answer (ToolCalls is
// empty) or a set of requested tool calls.
type Completion struct {
	Message   Message
	ToolCalls []ToolCall
}

// Model is the capability interface the loop drives. No back-reference
// to the orchestrator -- spec.md §9.
type Model interface {
	Complete(ctx context.Context, messages []Message) (Completion, error)
}

// ToolExecutor runs one tool call and returns its string result.
type ToolExecutor interface {
	Execute(ctx context.Context, name string, args json.RawMessage) (string, error)
}

// IdempotencyCache keys a prior tool result by (traceID, toolName, args)
// so a retried iteration never re-executes a side-effecting tool call.
type IdempotencyCache interface {
	Get(key string) (result string, ok bool)
	Put(key string, result string)
}

// BudgetChecker is consulted once per iteration so a long-running loop
// can be aborted mid-flight if the tenant's budget goes out of bounds.
// Optional: a nil BudgetChecker skips the check entirely.
type BudgetChecker interface {
	Allow(ctx context.Context) bool
}

// Limits bounds one orchestrator run, spec.md §4.K.
type Limits struct {
	MaxIterations              int
	MaxTotalToolCalls          int
	MaxWallTime                time.Duration
	AbortOnConsecutiveFailures int
}

// DefaultLimits are conservative bounds suitable for interactive use.
func DefaultLimits() Limits {
	return Limits{
		MaxIterations:              8,
		MaxTotalToolCalls:          16,
		MaxWallTime:                60 * time.Second,
		AbortOnConsecutiveFailures: 3,
	}
}

// EventKind enumerates the observability events spec.md §4.K names.
type EventKind string

const (
	EventIterationStart    EventKind = "iteration_start"
	EventToolRequest       EventKind = "tool_request"
	EventToolExec          EventKind = "tool_exec"
	EventIterationComplete EventKind = "iteration_complete"
	EventLoopComplete      EventKind = "loop_complete"
)

// Event is one structured observability record.
type Event struct {
	Kind      EventKind
	Iteration int
	ToolName  string
	ToolCall  string
	Err       error
}

// ErrAborted is the typed error returned when a cap is exceeded.
type ErrAborted struct{ Reason string }

func (e *ErrAborted) Error() string { return fmt.Sprintf("orchestrator: aborted: %s", e.Reason) }

// Loop drives the bounded tool-call loop, spec.md §4.K.
type Loop struct {
	model  Model
	tools  ToolExecutor
	idemp  IdempotencyCache
	budget BudgetChecker // nil-able
	limits Limits
	log    zerolog.Logger

	onEvent func(Event)
}

// New constructs a Loop. budget may be nil (no budget gating).
func New(model Model, tools ToolExecutor, idemp IdempotencyCache, budget BudgetChecker, limits Limits, log zerolog.Logger) *Loop {
	return &Loop{
		model:  model,
		tools:  tools,
		idemp:  idemp,
		budget: budget,
		limits: limits,
		log:    log.With().Str("component", "orchestrator").Logger(),
	}
}

// OnEvent registers a sink for per-iteration observability events.
// Not safe to call concurrently with Run.
func (l *Loop) OnEvent(fn func(Event)) { l.onEvent = fn }

func (l *Loop) emit(e Event) {
	if l.onEvent != nil {
		l.onEvent(e)
	}
}

// Run drives the loop to completion (a final assistant message with no
// tool calls) or an abort. traceID scopes the idempotency cache key
// space for this run.
func (l *Loop) Run(ctx context.Context, traceID string, messages []Message) (final Message, err error) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error().Interface("panic", r).Str("trace_id", traceID).Msg("orchestrator: recovered panic")
			err = fmt.Errorf("orchestrator: panic: %v", r)
		}
	}()

	start := time.Now()
	totalToolCalls := 0
	consecutiveFailures := 0

	for iteration := 1; ; iteration++ {
		if l.limits.MaxIterations > 0 && iteration > l.limits.MaxIterations {
			return Message{}, &ErrAborted{Reason: "max_iterations exceeded"}
		}
		if l.limits.MaxWallTime > 0 && time.Since(start) > l.limits.MaxWallTime {
			return Message{}, &ErrAborted{Reason: "max_wall_time_ms exceeded"}
		}
		if l.budget != nil && !l.budget.Allow(ctx) {
			return Message{}, &ErrAborted{Reason: "budget exhausted"}
		}

		l.emit(Event{Kind: EventIterationStart, Iteration: iteration})

		completion, err := l.model.Complete(ctx, messages)
		if err != nil {
			return Message{}, fmt.Errorf("orchestrator: model completion: %w", err)
		}

		if len(completion.ToolCalls) == 0 {
			l.emit(Event{Kind: EventLoopComplete, Iteration: iteration})
			return completion.Message, nil
		}

		messages = append(messages, completion.Message)

		for _, tc := range completion.ToolCalls {
			totalToolCalls++
			if l.limits.MaxTotalToolCalls > 0 && totalToolCalls > l.limits.MaxTotalToolCalls {
				return Message{}, &ErrAborted{Reason: "max_total_tool_calls exceeded"}
			}

			l.emit(Event{Kind: EventToolRequest, Iteration: iteration, ToolName: tc.Name, ToolCall: tc.ID})

			result, execErr := l.executeOne(ctx, traceID, tc)
			l.emit(Event{Kind: EventToolExec, Iteration: iteration, ToolName: tc.Name, ToolCall: tc.ID, Err: execErr})

			if execErr != nil {
				consecutiveFailures++
				if l.limits.AbortOnConsecutiveFailures > 0 && consecutiveFailures >= l.limits.AbortOnConsecutiveFailures {
					return Message{}, &ErrAborted{Reason: "abort_on_consecutive_failures exceeded"}
				}
				result = fmt.Sprintf("error: %s", execErr.Error())
			} else {
				consecutiveFailures = 0
			}

			messages = append(messages, Message{
				Role:       "tool",
				Content:    result,
				ToolCallID: tc.ID,
				ToolName:   tc.Name,
			})
		}

		l.emit(Event{Kind: EventIterationComplete, Iteration: iteration})
	}
}

// executeOne runs a single tool call. Malformed arguments are fed back
// as an observation (a non-nil result, nil error) rather than
// propagated as an execution error -- spec.md §4.K: "malformed
// arguments are fed back as an error observation, not thrown."
func (l *Loop) executeOne(ctx context.Context, traceID string, tc ToolCall) (string, error) {
	if !json.Valid(tc.Arguments) {
		return fmt.Sprintf("error: malformed arguments for tool %q", tc.Name), nil
	}

	key := idempotencyKey(traceID, tc.Name, tc.Arguments)
	if l.idemp != nil {
		if cached, ok := l.idemp.Get(key); ok {
			return cached, nil
		}
	}

	if l.tools == nil {
		return "", ErrNoToolExecutor
	}
	result, err := l.tools.Execute(ctx, tc.Name, tc.Arguments)
	if err != nil {
		return "", err
	}
	if l.idemp != nil {
		l.idemp.Put(key, result)
	}
	return result, nil
}

func idempotencyKey(traceID, toolName string, args json.RawMessage) string {
	return traceID + "::" + toolName + "::" + string(args)
}

// ErrNoToolExecutor is the execution error of a tool call made on a Loop
// constructed with a nil ToolExecutor. Run does not return it: like any
// other tool failure it is fed back as an error observation and counts
// toward AbortOnConsecutiveFailures.
var ErrNoToolExecutor = errors.New("orchestrator: no tool executor configured")

// MemoryIdempotencyCache is an in-process IdempotencyCache, the
// in-memory fallback spec.md §9 names for environments without a
// shared cache backing it.
type MemoryIdempotencyCache struct {
	mu    sync.Mutex
	items map[string]string
}

// NewMemoryIdempotencyCache constructs an empty cache.
func NewMemoryIdempotencyCache() *MemoryIdempotencyCache {
	return &MemoryIdempotencyCache{items: make(map[string]string)}
}

func (c *MemoryIdempotencyCache) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.items[key]
	return v, ok
}

func (c *MemoryIdempotencyCache) Put(key string, result string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = result
}
