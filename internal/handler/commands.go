package handler

import (
	"context"
	"fmt"
	"log"

	"github.com/jordanhubbard/weft/internal/events"
	"github.com/jordanhubbard/weft/internal/platform"
	"github.com/jordanhubbard/weft/pkg/models"
)

func (h *Handler) handleStopCommand(ctx context.Context, incoming *models.IncomingMessage) {
	count := h.StopAll(ctx)
	h.sendTransient(ctx, incoming, fmt.Sprintf("⏹ **Stopped.** Cancelled %d pending or active requests.", count))
}

func (h *Handler) handleStatsCommand(ctx context.Context, incoming *models.IncomingMessage) {
	stats := h.provider.Stats()
	text := fmt.Sprintf("📊 **Stats**\n• Active sessions: %d\n• Max sessions: %d\n• Trees: %d\n• Nodes: %d",
		stats.ActiveSessions, stats.MaxSessions, h.queue.TreeCount(), h.queue.NodeCount())
	h.sendTransient(ctx, incoming, text)
}

// StopAll cancels everything: every pending node across the forest is
// transitioned to error immediately, and every in-flight turn is asked
// to cancel. In-flight nodes transition themselves when their turn
// observes the cancellation. Returns the number of pending nodes
// cancelled.
func (h *Handler) StopAll(ctx context.Context) int {
	pending := h.queue.PendingNodes()
	count := 0
	for _, id := range pending {
		if err := h.queue.UpdateState(id, models.StateError, reasonStopped); err != nil {
			log.Printf("[Handler] Stop transition failed for %s: %v", id, err)
			continue
		}
		count++
		h.metrics.NodeTransitions.WithLabelValues(string(models.StatePending), string(models.StateError)).Inc()
		h.publishEvent(events.SubjectNodeState, id, reasonStopped)
		node := h.queue.GetNode(id)
		if node != nil && node.StatusMessageID != "" {
			if err := h.platform.EditStatus(ctx, node.ChatID, node.StatusMessageID, "⏹ **Stopped.**", platform.SendOptions{ParseMode: "markdown"}); err != nil {
				log.Printf("[Handler] Stop status edit failed for %s: %v", id, err)
			}
		}
		h.snapshot(ctx, id)
	}

	h.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(h.cancels))
	for _, c := range h.cancels {
		cancels = append(cancels, c)
	}
	h.mu.Unlock()
	for _, c := range cancels {
		c()
	}
	h.provider.StopAll()

	log.Printf("[Handler] Stop-all: cancelled %d pending nodes, signalled %d in-flight turns", count, len(cancels))
	return count + len(cancels)
}
