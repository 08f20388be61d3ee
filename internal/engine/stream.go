package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/relaylabs/relay/internal/state"
	"github.com/relaylabs/relay/pkg/models"
)

// runStream executes a streaming turn. Tokens are forwarded to the
// caller as they arrive and the partial response is checkpointed to the
// store at a fixed character cadence, so a crashed or disconnected turn
// can be resumed from its last checkpoint. Tool calls surfaced by the
// stream are executed and the model is re-streamed with the results,
// bounded by the tool iteration limit.
func (e *Engine) runStream(ctx context.Context, req turnRequest, opts TurnOptions) (string, error) {
	meta := state.Meta{
		ConversationID: req.sc.ConversationID,
		MessageID:      uuid.NewString(),
	}

	var acc strings.Builder
	chunkCount := 0
	completed := false

	for iter := 0; iter < e.cfg.MaxToolIterations; iter++ {
		msgs, _ := e.histories.Get(req.sc.ConversationID)

		start := time.Now()
		events, err := e.model.Stream(ctx, &Request{
			Messages:    msgs,
			Tools:       e.tools(),
			Model:       req.model,
			MaxTokens:   req.maxTokens,
			Temperature: req.temperature,
		})
		if err != nil {
			return "", e.failStream(ctx, req, &acc, chunkCount, meta, opts,
				fmt.Errorf("starting model stream: %w", err))
		}

		var toolCalls []models.ToolCall
		var streamErr error

	consume:
		for ev := range events {
			switch {
			case ev.Err != nil:
				streamErr = ev.Err
				break consume

			case ev.ToolCall != nil:
				toolCalls = append(toolCalls, *ev.ToolCall)

			case ev.Text != "":
				acc.WriteString(ev.Text)
				chunkCount++
				if opts.OnChunk != nil {
					opts.OnChunk(ev.Text)
				}
				if acc.Len()%e.cfg.CheckpointEvery == 0 {
					e.checkpointPartial(ctx, req.sc, acc.String(), chunkCount, meta)
				}
			}
		}
		e.metrics.ModelRequest(req.model, "stream", time.Since(start).Seconds())

		if streamErr != nil {
			return "", e.failStream(ctx, req, &acc, chunkCount, meta, opts, streamErr)
		}

		if len(toolCalls) > 0 && e.orch != nil {
			e.histories.Append(req.sc.ConversationID, models.Message{
				Role:      models.RoleAssistant,
				Content:   acc.String(),
				ToolCalls: toolCalls,
			})
			results := e.executeToolCalls(ctx, toolCalls)
			e.histories.Append(req.sc.ConversationID, models.Message{
				Role:        models.RoleHuman,
				ToolResults: results,
			})
			// The final answer starts fresh after a tool round trip; the
			// pre-call text lives on the tool-call message above.
			acc.Reset()
			continue
		}

		completed = true
		break
	}

	if !completed {
		return "", e.failStream(ctx, req, &acc, chunkCount, meta, opts,
			fmt.Errorf("turn exceeded %d tool iterations", e.cfg.MaxToolIterations))
	}

	final := acc.String()
	status := "completed"
	if final == "" {
		// A turn never ends silently: stand in for the empty response and
		// let the caller see the fallback the same way they saw tokens.
		final = e.fallback(req.input)
		status = "fallback"
		if opts.OnChunk != nil {
			opts.OnChunk(final)
		}
	}

	e.histories.Append(req.sc.ConversationID, models.Message{
		Role:    models.RoleAssistant,
		Content: final,
	})

	meta.ChunkCount = chunkCount
	if err := e.store.CompleteStreaming(ctx, req.sc.ThreadID, final, meta); err != nil {
		e.logger.Warn("failed to persist completion checkpoint",
			"thread", req.sc.ThreadID,
			"error", err)
	} else {
		e.metrics.Checkpoint("complete")
	}

	e.metrics.Turn(status)
	return final, nil
}

// checkpointPartial persists the in-flight accumulation. Best-effort: a
// failed write is logged and streaming continues.
func (e *Engine) checkpointPartial(ctx context.Context, sc state.Context, partial string, chunkCount int, meta state.Meta) {
	meta.ChunkCount = chunkCount
	if err := e.store.SaveStreaming(ctx, sc.ThreadID, partial, meta); err != nil {
		e.logger.Warn("failed to persist partial checkpoint",
			"thread", sc.ThreadID,
			"chunks", chunkCount,
			"error", err)
		return
	}
	e.metrics.Checkpoint("partial")
}

// failStream records a mid-stream failure: whatever accumulated becomes
// an assistant message so the transcript reflects what the caller saw,
// the thread state is marked errored with the partial response, and the
// cause is surfaced through OnError before being returned.
func (e *Engine) failStream(ctx context.Context, req turnRequest, acc *strings.Builder, chunkCount int, meta state.Meta, opts TurnOptions, cause error) error {
	partial := acc.String()
	if partial != "" {
		e.histories.Append(req.sc.ConversationID, models.Message{
			Role:    models.RoleAssistant,
			Content: partial,
		})
	}

	msgs, _ := e.histories.Get(req.sc.ConversationID)
	now := time.Now().UTC()
	st := &state.ThreadState{
		ConversationID:  req.sc.ConversationID,
		ThreadID:        req.sc.ThreadID,
		Messages:        msgs,
		Streaming:       false,
		Errored:         true,
		PartialResponse: partial,
		Checkpoint: &models.Checkpoint{
			ThreadID:        req.sc.ThreadID,
			MessageID:       meta.MessageID,
			PartialContent:  partial,
			ChunkCount:      chunkCount,
			Errored:         true,
			PartialResponse: partial,
			UpdatedAt:       now,
		},
		UpdatedAt: now,
	}
	if err := e.store.Set(ctx, req.sc, st); err != nil {
		e.logger.Warn("failed to persist errored turn",
			"thread", req.sc.ThreadID,
			"error", err)
	} else {
		e.metrics.Checkpoint("error")
	}

	e.metrics.Turn("errored")
	if opts.OnError != nil {
		opts.OnError(cause)
	}
	return fmt.Errorf("streaming turn failed: %w", cause)
}
