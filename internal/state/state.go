package state

import (
	"time"

	"github.com/relaylabs/relay/pkg/models"
)

// cloneState deep-copies a thread state so callers never share slices with
// the store's live copy.
func cloneState(st *ThreadState) *ThreadState {
	if st == nil {
		return nil
	}
	clone := *st
	clone.Messages = make([]models.Message, len(st.Messages))
	copy(clone.Messages, st.Messages)
	if st.Checkpoint != nil {
		cp := *st.Checkpoint
		clone.Checkpoint = &cp
	}
	return &clone
}

func checkpointFor(threadID, content string, meta Meta, completed bool) *models.Checkpoint {
	return &models.Checkpoint{
		ThreadID:       threadID,
		MessageID:      meta.MessageID,
		PartialContent: content,
		ChunkCount:     meta.ChunkCount,
		Completed:      completed,
		UpdatedAt:      time.Now(),
	}
}
