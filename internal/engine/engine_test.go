package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/relaylabs/relay/internal/cache"
	"github.com/relaylabs/relay/internal/state"
	"github.com/relaylabs/relay/internal/toolserver"
	"github.com/relaylabs/relay/pkg/models"
)

// scriptedModel plays back pre-recorded turns: one entry of streams per
// Stream call, one entry of responses per Invoke call. The last entry is
// reused once the script runs out.
type scriptedModel struct {
	mu        sync.Mutex
	streams   [][]TokenEvent
	responses []string

	invokeCalls int
	streamCalls int
}

func (m *scriptedModel) Invoke(ctx context.Context, req *Request) (*Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.invokeCalls++
	text := "ok"
	if len(m.responses) > 0 {
		text = m.responses[0]
		if len(m.responses) > 1 {
			m.responses = m.responses[1:]
		}
	}
	return &Response{Message: models.Message{Role: models.RoleAssistant, Content: text}}, nil
}

func (m *scriptedModel) Stream(ctx context.Context, req *Request) (<-chan TokenEvent, error) {
	m.mu.Lock()
	m.streamCalls++
	var events []TokenEvent
	if len(m.streams) > 0 {
		events = m.streams[0]
		if len(m.streams) > 1 {
			m.streams = m.streams[1:]
		}
	}
	m.mu.Unlock()

	ch := make(chan TokenEvent, len(events)+1)
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func (m *scriptedModel) calls() (invoke, stream int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.invokeCalls, m.streamCalls
}

// blockingModel holds its first Invoke open until released, for lock
// contention tests.
type blockingModel struct {
	started   chan struct{}
	release   chan struct{}
	startOnce sync.Once
}

func newBlockingModel() *blockingModel {
	return &blockingModel{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (m *blockingModel) Invoke(ctx context.Context, req *Request) (*Response, error) {
	m.startOnce.Do(func() { close(m.started) })
	select {
	case <-m.release:
		return &Response{Message: models.Message{Role: models.RoleAssistant, Content: "done"}}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *blockingModel) Stream(ctx context.Context, req *Request) (<-chan TokenEvent, error) {
	return nil, errors.New("not scripted")
}

// recordingStore wraps a Store and records every checkpoint write.
type recordingStore struct {
	state.Store

	mu          sync.Mutex
	partials    []string
	chunkCounts []int
	completes   []string
	sets        []*state.ThreadState
}

func newRecordingStore() *recordingStore {
	return &recordingStore{Store: state.NewMemoryStore()}
}

func (r *recordingStore) Set(ctx context.Context, sc state.Context, st *state.ThreadState) error {
	r.mu.Lock()
	r.sets = append(r.sets, st)
	r.mu.Unlock()
	return r.Store.Set(ctx, sc, st)
}

func (r *recordingStore) SaveStreaming(ctx context.Context, threadID string, partial string, meta state.Meta) error {
	r.mu.Lock()
	r.partials = append(r.partials, partial)
	r.chunkCounts = append(r.chunkCounts, meta.ChunkCount)
	r.mu.Unlock()
	return r.Store.SaveStreaming(ctx, threadID, partial, meta)
}

func (r *recordingStore) CompleteStreaming(ctx context.Context, threadID string, final string, meta state.Meta) error {
	r.mu.Lock()
	r.completes = append(r.completes, final)
	r.mu.Unlock()
	return r.Store.CompleteStreaming(ctx, threadID, final, meta)
}

// fakeRunner satisfies ToolRunner without any transport.
type fakeRunner struct {
	mu          sync.Mutex
	descriptors []toolserver.Descriptor
	result      *toolserver.Result
	err         error
	invoked     []string
	cleanups    int
}

func (f *fakeRunner) Tools() []toolserver.Descriptor { return f.descriptors }

func (f *fakeRunner) Invoke(ctx context.Context, name string, params json.RawMessage) (*toolserver.Result, error) {
	f.mu.Lock()
	f.invoked = append(f.invoked, name)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func (f *fakeRunner) Cleanup() {
	f.mu.Lock()
	f.cleanups++
	f.mu.Unlock()
}

func newTestEngine(t *testing.T, model ModelClient, store state.Store, cfg Config) *Engine {
	t.Helper()
	eng, err := New(model, store, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	eng.SetLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
	return eng
}

func textTokens(parts ...string) []TokenEvent {
	events := make([]TokenEvent, 0, len(parts)+1)
	for _, p := range parts {
		events = append(events, TokenEvent{Text: p})
	}
	return append(events, TokenEvent{Done: true})
}

func TestNewValidatesDependencies(t *testing.T) {
	if _, err := New(nil, state.NewMemoryStore(), Config{}); err == nil {
		t.Fatal("expected error for nil model")
	}
	if _, err := New(&scriptedModel{}, nil, Config{}); err == nil {
		t.Fatal("expected error for nil store")
	}
}

func TestStreamingTurn(t *testing.T) {
	model := &scriptedModel{streams: [][]TokenEvent{textTokens("Hel", "lo t", "here")}}
	store := newRecordingStore()
	eng := newTestEngine(t, model, store, Config{Model: "test-model"})

	var chunks []string
	got, err := eng.Invoke(context.Background(), "conv-1", "hi", TurnOptions{
		ThreadID: "conv-1:t1",
		OnChunk:  func(text string) { chunks = append(chunks, text) },
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if got != "Hello there" {
		t.Errorf("response = %q, want %q", got, "Hello there")
	}
	if strings.Join(chunks, "") != "Hello there" {
		t.Errorf("chunks = %q, want full response", strings.Join(chunks, ""))
	}

	history := eng.GetHistory("conv-1")
	if len(history) != 3 {
		t.Fatalf("history length = %d, want system+human+assistant", len(history))
	}
	if history[0].Role != models.RoleSystem || history[1].Role != models.RoleHuman || history[2].Role != models.RoleAssistant {
		t.Errorf("unexpected role sequence: %v %v %v", history[0].Role, history[1].Role, history[2].Role)
	}

	st, err := store.Get(context.Background(), state.Context{ThreadID: "conv-1:t1", ConversationID: "conv-1"})
	if err != nil || st == nil {
		t.Fatalf("Get persisted state: %v, %v", st, err)
	}
	if !st.Completed {
		t.Error("persisted state not marked completed")
	}
	if len(st.Messages) != 3 {
		t.Errorf("persisted %d messages, want 3", len(st.Messages))
	}
}

func TestCheckpointCadence(t *testing.T) {
	tokens := make([]string, 10)
	for i := range tokens {
		tokens[i] = "x"
	}
	model := &scriptedModel{streams: [][]TokenEvent{textTokens(tokens...)}}
	store := newRecordingStore()
	eng := newTestEngine(t, model, store, Config{})

	if _, err := eng.Invoke(context.Background(), "conv-cp", "count", TurnOptions{Stream: true, ThreadID: "conv-cp:t1"}); err != nil {
		t.Fatalf("Invoke: %v", err)
	}

	if len(store.partials) != 2 {
		t.Fatalf("partial checkpoints = %d, want 2 (at 5 and 10 chars)", len(store.partials))
	}
	if store.partials[0] != "xxxxx" || store.partials[1] != "xxxxxxxxxx" {
		t.Errorf("partials = %q", store.partials)
	}
	if store.chunkCounts[0] != 5 || store.chunkCounts[1] != 10 {
		t.Errorf("chunk counts = %v, want [5 10]", store.chunkCounts)
	}
	if len(store.completes) != 1 || store.completes[0] != "xxxxxxxxxx" {
		t.Errorf("completes = %q, want the final accumulation", store.completes)
	}
}

func TestEmptyTurnFallback(t *testing.T) {
	model := &scriptedModel{streams: [][]TokenEvent{{{Done: true}}}}
	eng := newTestEngine(t, model, state.NewMemoryStore(), Config{})

	var chunks []string
	got, err := eng.Invoke(context.Background(), "conv-fb", "are you there?", TurnOptions{
		OnChunk: func(text string) { chunks = append(chunks, text) },
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if !strings.Contains(got, `"are you there?"`) {
		t.Errorf("fallback %q does not quote the input", got)
	}
	if len(chunks) != 1 || chunks[0] != got {
		t.Errorf("caller did not receive the fallback as a chunk: %q", chunks)
	}

	history := eng.GetHistory("conv-fb")
	last := history[len(history)-1]
	if last.Role != models.RoleAssistant || last.Content != got {
		t.Errorf("last message = %+v, want assistant fallback", last)
	}
}

func TestStreamErrorPersistsPartialState(t *testing.T) {
	cause := errors.New("model exploded")
	model := &scriptedModel{streams: [][]TokenEvent{{
		{Text: "partial "},
		{Text: "text"},
		{Err: cause},
	}}}
	store := newRecordingStore()
	eng := newTestEngine(t, model, store, Config{})

	var streamErr error
	_, err := eng.Invoke(context.Background(), "conv-err", "boom", TurnOptions{
		ThreadID: "conv-err:t1",
		Stream:   true,
		OnError:  func(e error) { streamErr = e },
	})
	if err == nil || !errors.Is(err, cause) {
		t.Fatalf("Invoke error = %v, want wrapped cause", err)
	}
	if !errors.Is(streamErr, cause) {
		t.Errorf("OnError received %v, want the cause", streamErr)
	}

	if len(store.sets) == 0 {
		t.Fatal("errored turn was not persisted")
	}
	st := store.sets[len(store.sets)-1]
	if !st.Errored || st.Streaming {
		t.Errorf("persisted flags errored=%v streaming=%v, want errored, not streaming", st.Errored, st.Streaming)
	}
	if st.PartialResponse != "partial text" {
		t.Errorf("partial response = %q, want %q", st.PartialResponse, "partial text")
	}

	var assistants []models.Message
	for _, msg := range st.Messages {
		if msg.Role == models.RoleAssistant {
			assistants = append(assistants, msg)
		}
	}
	if len(assistants) != 1 || assistants[0].Content != "partial text" {
		t.Errorf("assistant messages = %+v, want exactly one holding the partial", assistants)
	}
}

func TestStreamingToolRoundTrip(t *testing.T) {
	call := models.ToolCall{ID: "c1", Name: "clock", Input: json.RawMessage(`{}`)}
	model := &scriptedModel{streams: [][]TokenEvent{
		{{ToolCall: &call}, {Done: true}},
		textTokens("It is noon."),
	}}
	runner := &fakeRunner{
		descriptors: []toolserver.Descriptor{{ServerID: "time", Name: "clock"}},
		result:      &toolserver.Result{Content: []toolserver.ResultContent{{Type: "text", Text: "12:00"}}},
	}
	eng := newTestEngine(t, model, state.NewMemoryStore(), Config{})
	eng.SetOrchestrator(runner)

	got, err := eng.Invoke(context.Background(), "conv-tool", "what time is it?", TurnOptions{Stream: true})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if got != "It is noon." {
		t.Errorf("response = %q", got)
	}
	if len(runner.invoked) != 1 || runner.invoked[0] != "clock" {
		t.Errorf("tools invoked = %v, want [clock]", runner.invoked)
	}

	history := eng.GetHistory("conv-tool")
	var sawCall, sawResult bool
	for _, msg := range history {
		if len(msg.ToolCalls) > 0 {
			sawCall = msg.Role == models.RoleAssistant && msg.ToolCalls[0].Name == "clock"
		}
		if len(msg.ToolResults) > 0 {
			sawResult = msg.Role == models.RoleHuman && msg.ToolResults[0].Content == "12:00"
		}
	}
	if !sawCall || !sawResult {
		t.Errorf("transcript missing tool activity: call=%v result=%v", sawCall, sawResult)
	}
}

func TestStreamingToolIterationLimit(t *testing.T) {
	// The model asks for a tool on every round; the turn must fail rather
	// than degrade to the fallback text.
	call := models.ToolCall{ID: "c1", Name: "clock", Input: json.RawMessage(`{}`)}
	model := &scriptedModel{streams: [][]TokenEvent{
		{{ToolCall: &call}, {Done: true}},
	}}
	runner := &fakeRunner{
		result: &toolserver.Result{Content: []toolserver.ResultContent{{Type: "text", Text: "12:00"}}},
	}
	eng := newTestEngine(t, model, state.NewMemoryStore(), Config{MaxToolIterations: 2})
	eng.SetOrchestrator(runner)

	_, err := eng.Invoke(context.Background(), "conv-loop", "now?", TurnOptions{Stream: true})
	if err == nil || !strings.Contains(err.Error(), "tool iterations") {
		t.Fatalf("Invoke error = %v, want tool iteration limit", err)
	}
	if len(runner.invoked) != 2 {
		t.Errorf("tool invoked %d times, want 2", len(runner.invoked))
	}
}

func TestDirectResponseInstructionAppendedOnce(t *testing.T) {
	model := &scriptedModel{responses: []string{"ok"}}
	eng := newTestEngine(t, model, state.NewMemoryStore(), Config{})

	for i := 0; i < 2; i++ {
		if _, err := eng.Invoke(context.Background(), "conv-dr", "do the thing", TurnOptions{
			ThreadID:       "conv-dr:t1",
			DirectResponse: true,
		}); err != nil {
			t.Fatalf("Invoke %d: %v", i, err)
		}
	}

	instructions := 0
	for _, msg := range eng.GetHistory("conv-dr") {
		if msg.Role == models.RoleSystem && msg.Content == directResponseInstruction {
			instructions++
		}
	}
	if instructions != 1 {
		t.Errorf("instruction appears %d times, want exactly once", instructions)
	}
}

func TestRestoreAfterRestart(t *testing.T) {
	store := state.NewMemoryStore()

	first := newTestEngine(t, &scriptedModel{responses: []string{"one"}}, store, Config{})
	if _, err := first.Invoke(context.Background(), "conv-r", "first question", TurnOptions{ThreadID: "conv-r:t1"}); err != nil {
		t.Fatalf("first Invoke: %v", err)
	}

	// Fresh engine, empty in-memory history, same store.
	second := newTestEngine(t, &scriptedModel{responses: []string{"two"}}, store, Config{})
	if _, err := second.Invoke(context.Background(), "conv-r", "second question", TurnOptions{ThreadID: "conv-r:t1"}); err != nil {
		t.Fatalf("second Invoke: %v", err)
	}

	var texts []string
	for _, msg := range second.GetHistory("conv-r") {
		texts = append(texts, msg.Content)
	}
	joined := strings.Join(texts, "\n")
	for _, want := range []string{"first question", "one", "second question", "two"} {
		if !strings.Contains(joined, want) {
			t.Errorf("restored history missing %q:\n%s", want, joined)
		}
	}
}

func TestConcurrentTurnSameThreadBusy(t *testing.T) {
	model := newBlockingModel()
	eng := newTestEngine(t, model, state.NewMemoryStore(), Config{LockTimeout: 50 * time.Millisecond})

	done := make(chan error, 1)
	go func() {
		_, err := eng.Invoke(context.Background(), "conv-b", "slow", TurnOptions{ThreadID: "conv-b:t1"})
		done <- err
	}()

	<-model.started
	_, err := eng.Invoke(context.Background(), "conv-b", "impatient", TurnOptions{ThreadID: "conv-b:t1"})
	if !errors.Is(err, ErrThreadBusy) {
		t.Errorf("second turn error = %v, want ErrThreadBusy", err)
	}

	close(model.release)
	if err := <-done; err != nil {
		t.Errorf("first turn failed: %v", err)
	}
}

func TestDeterministicResponseCaching(t *testing.T) {
	model := &scriptedModel{responses: []string{"forty-two"}}
	eng := newTestEngine(t, model, state.NewMemoryStore(), Config{Model: "m", Temperature: 0})
	eng.SetCache(cache.New(cache.Options{}, slog.New(slog.NewTextHandler(io.Discard, nil))))

	first, err := eng.Invoke(context.Background(), "conv-c1", "meaning of life", TurnOptions{})
	if err != nil {
		t.Fatalf("first Invoke: %v", err)
	}
	second, err := eng.Invoke(context.Background(), "conv-c2", "meaning of life", TurnOptions{})
	if err != nil {
		t.Fatalf("second Invoke: %v", err)
	}
	if first != second {
		t.Errorf("cached response %q != original %q", second, first)
	}
	if invokes, _ := model.calls(); invokes != 1 {
		t.Errorf("model invoked %d times, want 1 (second served from cache)", invokes)
	}
}

func TestNonDeterministicTurnsBypassCache(t *testing.T) {
	model := &scriptedModel{responses: []string{"a", "b"}}
	eng := newTestEngine(t, model, state.NewMemoryStore(), Config{Model: "m", Temperature: 0.7})
	eng.SetCache(cache.New(cache.Options{}, slog.New(slog.NewTextHandler(io.Discard, nil))))

	for i := 0; i < 2; i++ {
		if _, err := eng.Invoke(context.Background(), "conv-nc", "surprise me", TurnOptions{}); err != nil {
			t.Fatalf("Invoke %d: %v", i, err)
		}
	}
	if invokes, _ := model.calls(); invokes != 2 {
		t.Errorf("model invoked %d times, want 2 (no caching above temperature 0)", invokes)
	}
}

func TestDefaultThreadIDsAreUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := defaultThreadID("conv")
		if !strings.HasPrefix(id, "conv:") {
			t.Fatalf("thread id %q lacks conversation prefix", id)
		}
		if seen[id] {
			t.Fatalf("duplicate thread id %q", id)
		}
		seen[id] = true
	}
}

func TestClearHistory(t *testing.T) {
	store := state.NewMemoryStore()
	eng := newTestEngine(t, &scriptedModel{}, store, Config{})

	ctx := context.Background()
	if _, err := eng.Invoke(ctx, "conv-x", "hello", TurnOptions{ThreadID: "conv-x:t1"}); err != nil {
		t.Fatalf("Invoke: %v", err)
	}

	eng.ClearHistory(ctx, "conv-x")
	if msgs := eng.GetHistory("conv-x"); len(msgs) != 0 {
		t.Errorf("history survived clear: %+v", msgs)
	}
	st, err := store.Get(ctx, state.Context{ThreadID: "conv-x:t1", ConversationID: "conv-x"})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if st != nil {
		t.Error("persisted state survived clear")
	}
}

func TestClearAllRemovesPersistedOnlyThreads(t *testing.T) {
	store := state.NewMemoryStore()
	ctx := context.Background()

	// State left behind by an earlier process; this engine never touched
	// the conversation.
	sc := state.Context{ThreadID: "old:t1", ConversationID: "old"}
	if err := store.Set(ctx, sc, &state.ThreadState{
		ConversationID: "old",
		ThreadID:       "old:t1",
		Messages:       []models.Message{{Role: models.RoleHuman, Content: "hi"}},
		Completed:      true,
	}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	eng := newTestEngine(t, &scriptedModel{}, store, Config{})
	eng.ClearHistory(ctx, "")

	st, err := store.Get(ctx, sc)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if st != nil {
		t.Error("persisted-only thread survived clear-all")
	}
}

func TestCleanupResources(t *testing.T) {
	runner := &fakeRunner{}
	eng := newTestEngine(t, &scriptedModel{}, state.NewMemoryStore(), Config{OwnsStore: true})
	eng.SetOrchestrator(runner)

	if _, err := eng.Invoke(context.Background(), "conv-cl", "hi", TurnOptions{}); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if err := eng.CleanupResources(context.Background()); err != nil {
		t.Fatalf("CleanupResources: %v", err)
	}
	if runner.cleanups != 1 {
		t.Errorf("orchestrator cleanup called %d times, want 1", runner.cleanups)
	}
	if msgs := eng.GetHistory("conv-cl"); len(msgs) != 0 {
		t.Error("in-memory history survived cleanup")
	}
}
