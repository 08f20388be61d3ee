package state

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and local runs.
type MemoryStore struct {
	mu      sync.RWMutex
	threads map[string]*ThreadState // threadID -> state
	byConv  map[string][]string     // conversationID -> threadIDs
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		threads: map[string]*ThreadState{},
		byConv:  map[string][]string{},
	}
}

func (m *MemoryStore) Get(ctx context.Context, sc Context) (*ThreadState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st, ok := m.threads[sc.ThreadID]
	if !ok {
		return nil, nil
	}
	return cloneState(st), nil
}

func (m *MemoryStore) Set(ctx context.Context, sc Context, st *ThreadState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	clone := cloneState(st)
	clone.ThreadID = sc.ThreadID
	if clone.ConversationID == "" {
		clone.ConversationID = sc.ConversationID
	}
	clone.UpdatedAt = time.Now()

	if _, exists := m.threads[sc.ThreadID]; !exists {
		m.byConv[clone.ConversationID] = append(m.byConv[clone.ConversationID], sc.ThreadID)
	}
	m.threads[sc.ThreadID] = clone
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, threadID := range m.byConv[conversationID] {
		delete(m.threads, threadID)
	}
	delete(m.byConv, conversationID)
	return nil
}

func (m *MemoryStore) DeleteAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.threads = map[string]*ThreadState{}
	m.byConv = map[string][]string{}
	return nil
}

func (m *MemoryStore) SaveStreaming(ctx context.Context, threadID string, partial string, meta Meta) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.ensureLocked(threadID, meta.ConversationID)
	st.Streaming = true
	st.Completed = false
	st.Errored = false
	st.Checkpoint = checkpointFor(threadID, partial, meta, false)
	st.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) CompleteStreaming(ctx context.Context, threadID string, final string, meta Meta) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.ensureLocked(threadID, meta.ConversationID)
	st.Streaming = false
	st.Completed = true
	st.Errored = false
	st.Checkpoint = checkpointFor(threadID, final, meta, true)
	st.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) Close() error { return nil }

// ensureLocked returns the live state for a thread, creating it if absent.
// Caller holds the write lock.
func (m *MemoryStore) ensureLocked(threadID, conversationID string) *ThreadState {
	st, ok := m.threads[threadID]
	if !ok {
		st = &ThreadState{ThreadID: threadID, ConversationID: conversationID}
		m.threads[threadID] = st
		m.byConv[conversationID] = append(m.byConv[conversationID], threadID)
	}
	return st
}
