// Package engine runs agent turns: it owns conversation history, drives
// the model-invocation capability, dispatches tool calls through the
// tool-server orchestrator, and checkpoints state per thread.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/relaylabs/relay/internal/cache"
	"github.com/relaylabs/relay/internal/observability"
	"github.com/relaylabs/relay/internal/state"
	"github.com/relaylabs/relay/internal/toolserver"
	"github.com/relaylabs/relay/pkg/models"
)

// DefaultSystemPrompt seeds a fresh conversation when the config does not
// override it.
const DefaultSystemPrompt = "You are a helpful assistant."

// directResponseInstruction is appended once per thread when a turn asks
// for direct-response mode: action-oriented requests must go through
// tools rather than free-form guessing.
const directResponseInstruction = "For action-oriented requests (current time, weather, " +
	"file contents, web lookups, or system queries), call the matching tool and base your " +
	"answer on its result. Do not guess values a tool can provide."

// Config holds the engine's turn-level knobs.
type Config struct {
	// SystemPrompt seeds new conversations. DefaultSystemPrompt if empty.
	SystemPrompt string

	// Model, MaxTokens, Temperature are the per-turn defaults; turn
	// options may override each.
	Model       string
	MaxTokens   int
	Temperature float64

	// CheckpointEvery persists a partial checkpoint whenever the
	// accumulated response length is an exact multiple of this many
	// characters. It throttles write volume, not correctness. Default 5.
	CheckpointEvery int

	// LockTimeout bounds how long a turn waits for an in-flight turn on
	// the same thread before failing with ErrThreadBusy. Default 10s.
	LockTimeout time.Duration

	// TurnTimeout, when positive, applies a deadline to the whole turn
	// so a hung model or tool call cannot block a thread indefinitely.
	TurnTimeout time.Duration

	// MaxToolIterations bounds model->tool round trips per turn.
	// Default 10.
	MaxToolIterations int

	// FallbackMessage, when set, replaces the built-in apology used for
	// turns that produce no text. Used verbatim, no placeholder expansion.
	FallbackMessage string

	// OwnsStore makes CleanupResources close the state store.
	OwnsStore bool
}

func (c Config) withDefaults() Config {
	if c.SystemPrompt == "" {
		c.SystemPrompt = DefaultSystemPrompt
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 4096
	}
	if c.CheckpointEvery <= 0 {
		c.CheckpointEvery = 5
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = 10 * time.Second
	}
	if c.MaxToolIterations <= 0 {
		c.MaxToolIterations = 10
	}
	return c
}

// TurnOptions configures a single turn.
type TurnOptions struct {
	// ThreadID selects the persistence thread. Empty derives a fresh
	// thread id; resuming without an explicit id always starts over.
	ThreadID string

	// DirectResponse appends the tool-mandating instruction block to the
	// thread's system messages (once per thread).
	DirectResponse bool

	// Stream forces the streaming path even without an OnChunk callback.
	Stream bool

	// OnChunk receives each partial token as it arrives.
	OnChunk func(text string)

	// OnError is notified of a mid-stream failure before the error is
	// returned to the caller.
	OnError func(err error)

	// Messages optionally supplies a full message list; its last entry is
	// treated as the user input for this turn.
	Messages []models.Message

	// Per-turn overrides of the engine defaults.
	Model       string
	MaxTokens   int
	Temperature *float64
}

// ToolRunner is the slice of the tool-server orchestrator the engine
// needs: descriptor aggregation, routed invocation, and teardown.
type ToolRunner interface {
	Tools() []toolserver.Descriptor
	Invoke(ctx context.Context, name string, params json.RawMessage) (*toolserver.Result, error)
	Cleanup()
}

// Engine is the orchestration core. Construct with New, then optionally
// attach an orchestrator, cache, and metrics before the first turn.
type Engine struct {
	model  ModelClient
	store  state.Store
	cfg    Config
	logger *slog.Logger

	histories *historyMap
	locks     *threadLocks

	orch    ToolRunner
	cache   *cache.Tiered
	metrics *observability.Metrics
}

// New creates an engine. A nil model client is a fatal configuration
// error: the engine refuses to start rather than run without a model.
func New(model ModelClient, store state.Store, cfg Config) (*Engine, error) {
	if model == nil {
		return nil, errors.New("engine: model client is required")
	}
	if store == nil {
		return nil, errors.New("engine: state store is required")
	}
	return &Engine{
		model:     model,
		store:     store,
		cfg:       cfg.withDefaults(),
		logger:    slog.Default().With("component", "engine"),
		histories: newHistoryMap(),
		locks:     newThreadLocks(),
	}, nil
}

// SetOrchestrator attaches the tool-server orchestrator. Without one the
// engine runs tool-less.
func (e *Engine) SetOrchestrator(o ToolRunner) { e.orch = o }

// SetCache attaches the tiered cache. Without one no responses are cached.
func (e *Engine) SetCache(c *cache.Tiered) { e.cache = c }

// SetMetrics attaches metrics collection.
func (e *Engine) SetMetrics(m *observability.Metrics) { e.metrics = m }

// SetLogger replaces the engine logger.
func (e *Engine) SetLogger(l *slog.Logger) {
	if l != nil {
		e.logger = l.With("component", "engine")
	}
}

// defaultThreadID derives a fresh thread id. The uuid suffix keeps two
// turns started within the same clock tick on distinct threads.
func defaultThreadID(conversationID string) string {
	return fmt.Sprintf("%s:%d-%s", conversationID, time.Now().UnixNano(), uuid.NewString()[:8])
}

// fallbackResponse is the fixed acknowledgment used when a turn would
// otherwise produce an empty assistant message.
func fallbackResponse(input string) string {
	return fmt.Sprintf("I apologize, but I seem to be having trouble generating a response to your message: %q", input)
}

// fallback returns the message that stands in for an empty turn.
func (e *Engine) fallback(input string) string {
	if e.cfg.FallbackMessage != "" {
		return e.cfg.FallbackMessage
	}
	return fallbackResponse(input)
}

// Invoke runs one agent turn for a conversation and returns the final
// assistant text. A turn always yields either a non-empty assistant
// message or an error, never silently nothing.
func (e *Engine) Invoke(ctx context.Context, conversationID, input string, opts TurnOptions) (string, error) {
	if conversationID == "" {
		return "", errors.New("engine: conversation id is required")
	}

	threadID := opts.ThreadID
	if threadID == "" {
		threadID = defaultThreadID(conversationID)
	}

	if e.cfg.TurnTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.TurnTimeout)
		defer cancel()
	}

	release, err := e.locks.Acquire(ctx, threadID, e.cfg.LockTimeout)
	if err != nil {
		if errors.Is(err, ErrThreadBusy) {
			return "", fmt.Errorf("thread %s: %w", threadID, ErrThreadBusy)
		}
		return "", err
	}
	defer release()

	sc := state.Context{ThreadID: threadID, ConversationID: conversationID}

	e.restoreHistory(ctx, sc)
	e.ensureSystemMessages(conversationID, opts.DirectResponse)

	userMsg := models.Message{Role: models.RoleHuman, Content: input}
	if len(opts.Messages) > 0 {
		userMsg = opts.Messages[len(opts.Messages)-1]
		if userMsg.Role == "" {
			userMsg.Role = models.RoleHuman
		}
		input = userMsg.Text()
	}
	e.histories.Append(conversationID, userMsg)

	model := opts.Model
	if model == "" {
		model = e.cfg.Model
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = e.cfg.MaxTokens
	}
	temperature := e.cfg.Temperature
	if opts.Temperature != nil {
		temperature = *opts.Temperature
	}

	// Deterministic calls are eligible for response reuse; anything with
	// temperature != 0 never touches the cache.
	if e.cache != nil && temperature == 0 {
		if text, ok := e.cache.GetModelResponse(input, model, maxTokens, temperature); ok {
			e.metrics.Cache("model_response", true)
			e.metrics.Turn("cached")
			if opts.OnChunk != nil {
				opts.OnChunk(text)
			}
			e.histories.Append(conversationID, models.Message{Role: models.RoleAssistant, Content: text})
			e.persistFull(ctx, sc)
			return text, nil
		}
		e.metrics.Cache("model_response", false)
	}

	req := turnRequest{
		sc:          sc,
		input:       input,
		model:       model,
		maxTokens:   maxTokens,
		temperature: temperature,
	}

	var text string
	if opts.Stream || opts.OnChunk != nil {
		text, err = e.runStream(ctx, req, opts)
	} else {
		text, err = e.runInvoke(ctx, req)
	}
	if err != nil {
		return "", err
	}

	e.persistFull(ctx, sc)
	if e.cache != nil && temperature == 0 {
		e.cache.StoreModelResponse(input, model, maxTokens, temperature, text)
	}
	return text, nil
}

// turnRequest bundles the resolved parameters of one turn.
type turnRequest struct {
	sc          state.Context
	input       string
	model       string
	maxTokens   int
	temperature float64
}

// restoreHistory reconciles in-memory history with persisted thread
// state, restoring messages after a process restart. Best-effort: a store
// read failure is logged and the turn proceeds on in-memory state alone.
func (e *Engine) restoreHistory(ctx context.Context, sc state.Context) {
	st, err := e.store.Get(ctx, sc)
	if err != nil {
		e.logger.Warn("state restore failed, continuing on in-memory history",
			"thread", sc.ThreadID,
			"error", err)
		return
	}
	if st == nil || len(st.Messages) == 0 {
		return
	}

	msgs := make([]models.Message, 0, len(st.Messages))
	for _, msg := range st.Messages {
		if !msg.Role.Valid() {
			e.logger.Warn("skipping persisted message with unknown role",
				"thread", sc.ThreadID,
				"role", msg.Role)
			continue
		}
		msgs = append(msgs, msg)
	}
	e.histories.Replace(sc.ConversationID, msgs)
}

// ensureSystemMessages seeds a fresh conversation with the system prompt
// and, for direct-response turns, appends the tool-mandating instruction
// exactly once per thread.
func (e *Engine) ensureSystemMessages(conversationID string, directResponse bool) {
	if _, ok := e.histories.Get(conversationID); !ok {
		e.histories.Append(conversationID, models.Message{
			Role:    models.RoleSystem,
			Content: e.cfg.SystemPrompt,
		})
	}
	if directResponse && !e.histories.HasSystemMessage(conversationID, directResponseInstruction) {
		e.histories.Append(conversationID, models.Message{
			Role:    models.RoleSystem,
			Content: directResponseInstruction,
		})
	}
}

// tools returns the aggregated descriptor set, or nil without an
// orchestrator.
func (e *Engine) tools() []toolserver.Descriptor {
	if e.orch == nil {
		return nil
	}
	return e.orch.Tools()
}

// runInvoke executes a non-streaming turn, looping through tool calls
// until the model produces a final message.
func (e *Engine) runInvoke(ctx context.Context, req turnRequest) (string, error) {
	for i := 0; i < e.cfg.MaxToolIterations; i++ {
		msgs, _ := e.histories.Get(req.sc.ConversationID)

		start := time.Now()
		resp, err := e.model.Invoke(ctx, &Request{
			Messages:    msgs,
			Tools:       e.tools(),
			Model:       req.model,
			MaxTokens:   req.maxTokens,
			Temperature: req.temperature,
		})
		e.metrics.ModelRequest(req.model, "invoke", time.Since(start).Seconds())
		if err != nil {
			e.metrics.Turn("errored")
			return "", fmt.Errorf("model invocation failed: %w", err)
		}

		if len(resp.Message.ToolCalls) > 0 && e.orch != nil {
			e.histories.Append(req.sc.ConversationID, resp.Message)
			results := e.executeToolCalls(ctx, resp.Message.ToolCalls)
			e.histories.Append(req.sc.ConversationID, models.Message{
				Role:        models.RoleHuman,
				ToolResults: results,
			})
			continue
		}

		msg := resp.Message
		msg.Role = models.RoleAssistant
		if msg.Text() == "" {
			msg.Content = e.fallback(req.input)
			e.metrics.Turn("fallback")
		} else {
			e.metrics.Turn("completed")
		}
		e.histories.Append(req.sc.ConversationID, msg)
		return msg.Text(), nil
	}

	e.metrics.Turn("errored")
	return "", fmt.Errorf("turn exceeded %d tool iterations", e.cfg.MaxToolIterations)
}

// executeToolCalls runs each call through the orchestrator. Failures come
// back as structured error results, never as Go errors; the model decides
// what to do with them.
func (e *Engine) executeToolCalls(ctx context.Context, calls []models.ToolCall) []models.ToolResult {
	results := make([]models.ToolResult, 0, len(calls))
	for _, call := range calls {
		start := time.Now()
		res, err := e.orch.Invoke(ctx, call.Name, call.Input)
		if err != nil {
			e.metrics.ToolExecution(call.Name, "error")
			e.logger.Warn("tool invocation failed",
				"tool", call.Name,
				"duration", time.Since(start),
				"error", err)
			results = append(results, models.ToolResult{
				ToolCallID: call.ID,
				Content:    err.Error(),
				IsError:    true,
			})
			continue
		}

		status := "success"
		if res.IsError {
			status = "error"
		}
		e.metrics.ToolExecution(call.Name, status)
		results = append(results, models.ToolResult{
			ToolCallID: call.ID,
			Content:    res.Text(),
			IsError:    res.IsError,
		})
	}
	return results
}

// persistFull writes the conversation's complete transcript under the
// thread, marking it completed. Best-effort: failures are logged, never
// turn-blocking.
func (e *Engine) persistFull(ctx context.Context, sc state.Context) {
	msgs, ok := e.histories.Get(sc.ConversationID)
	if !ok {
		return
	}
	st := &state.ThreadState{
		ConversationID: sc.ConversationID,
		ThreadID:       sc.ThreadID,
		Messages:       msgs,
		Completed:      true,
	}
	if err := e.store.Set(ctx, sc, st); err != nil {
		e.logger.Warn("failed to persist transcript",
			"thread", sc.ThreadID,
			"error", err)
	}
}

// GetHistory returns a copy of a conversation's in-memory transcript.
func (e *Engine) GetHistory(conversationID string) []models.Message {
	msgs, _ := e.histories.Get(conversationID)
	return msgs
}

// ClearHistory drops in-memory history for one conversation, or for all
// conversations when the id is empty. Persisted state is deleted
// best-effort; the empty-id form clears the whole store, including
// threads persisted by earlier processes with no in-memory history.
func (e *Engine) ClearHistory(ctx context.Context, conversationID string) {
	if conversationID == "" {
		e.histories.Clear()
		if err := e.store.DeleteAll(ctx); err != nil {
			e.logger.Warn("failed to clear persisted state", "error", err)
		}
		return
	}

	e.histories.Delete(conversationID)
	if err := e.store.Delete(ctx, conversationID); err != nil {
		e.logger.Warn("failed to delete persisted state",
			"conversation", conversationID,
			"error", err)
	}
}

// CleanupResources disconnects all tool servers, clears in-memory state,
// and releases the state store when the engine owns it. Idempotent.
func (e *Engine) CleanupResources(ctx context.Context) error {
	if e.orch != nil {
		e.orch.Cleanup()
	}
	e.histories.Clear()

	if e.cfg.OwnsStore {
		if err := e.store.Close(); err != nil {
			return fmt.Errorf("closing state store: %w", err)
		}
	}
	return nil
}
