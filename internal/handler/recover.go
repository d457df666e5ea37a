package handler

import (
	"context"
	"fmt"
	"log"

	"github.com/jordanhubbard/weft/pkg/models"
)

// Recover reloads persisted trees into the queue at startup. Nodes that
// were persisted in a non-terminal state are marked failed: their
// in-flight turns did not survive the process boundary and the last
// durable state is all we have. Returns the number of trees recovered.
func (h *Handler) Recover(ctx context.Context) (int, error) {
	snapshots, err := h.treeStore.LoadAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load persisted trees: %w", err)
	}

	recovered := 0
	for rootID, data := range snapshots {
		tree, err := models.TreeFromSnapshot(data)
		if err != nil {
			log.Printf("[Handler] Skipping corrupt snapshot for tree %s: %v", rootID, err)
			continue
		}
		if err := h.queue.RegisterTree(tree); err != nil {
			log.Printf("[Handler] Failed to register recovered tree %s: %v", rootID, err)
			continue
		}
		recovered++

		for id := range tree.Nodes {
			node := h.queue.GetNode(id)
			if node == nil || node.State.IsTerminal() {
				continue
			}
			if err := h.queue.UpdateState(id, models.StateError, reasonRestarted); err != nil {
				log.Printf("[Handler] Failed to fail recovered node %s: %v", id, err)
				continue
			}
			h.metrics.NodeTransitions.WithLabelValues(string(node.State), string(models.StateError)).Inc()
		}
		h.snapshot(ctx, rootID)
	}

	h.updateGauges()
	if recovered > 0 {
		log.Printf("[Handler] Recovered %d trees from the store", recovered)
	}
	return recovered, nil
}
