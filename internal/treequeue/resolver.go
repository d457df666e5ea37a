package treequeue

import (
	"time"

	"github.com/jordanhubbard/weft/pkg/models"
)

// RecentCandidate scans the forest for the best continuity anchor for a
// reply-less message: a terminal node from the same chat and user whose
// completion is more recent than now minus the window. The most recently
// completed node wins; ties break toward the lexicographically greater
// node ID. A zero window disables continuity detection entirely.
//
// The scan runs under the read lock, so it observes every tree as a
// point-in-time snapshot and never sees a half-applied transition.
func (q *Queue) RecentCandidate(chatID, userID string, now time.Time, window time.Duration) (string, bool) {
	if window <= 0 {
		return "", false
	}

	q.mu.RLock()
	defer q.mu.RUnlock()

	cutoff := now.Add(-window)
	var best *models.MessageNode
	for _, tree := range q.treeByRoot {
		for _, node := range tree.Nodes {
			if node.ChatID != chatID || node.UserID != userID {
				continue
			}
			if !node.State.IsTerminal() || node.CompletedAt == nil {
				continue
			}
			if !node.CompletedAt.After(cutoff) {
				continue
			}
			if best == nil || node.CompletedAt.After(*best.CompletedAt) {
				best = node
				continue
			}
			if node.CompletedAt.Equal(*best.CompletedAt) && node.NodeID > best.NodeID {
				best = node
			}
		}
	}
	if best == nil {
		return "", false
	}
	return best.NodeID, true
}
