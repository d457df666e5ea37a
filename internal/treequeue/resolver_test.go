package treequeue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordanhubbard/weft/pkg/models"
)

// completeAt drives a node to a terminal state and pins its completion
// timestamp, bypassing the wall clock for deterministic window tests.
func completeAt(t *testing.T, q *Queue, nodeID string, state models.MessageState, at time.Time) {
	t.Helper()
	require.NoError(t, q.UpdateState(nodeID, models.StateInProgress, ""))
	require.NoError(t, q.UpdateState(nodeID, state, "turn failed"))
	tree := q.GetTreeForNode(nodeID)
	require.NotNil(t, tree)
	q.mu.Lock()
	tree.GetNode(nodeID).CompletedAt = &at
	q.mu.Unlock()
}

func TestRecentCandidate_WithinWindow(t *testing.T) {
	q := NewQueue()
	now := time.Now().UTC()

	q.CreateTree(msg("m1", "c1", "u9"))
	completeAt(t, q, "m1", models.StateCompleted, now.Add(-9*time.Minute))

	id, ok := q.RecentCandidate("c1", "u9", now, 10*time.Minute)
	require.True(t, ok)
	assert.Equal(t, "m1", id)
}

func TestRecentCandidate_OutsideWindow(t *testing.T) {
	q := NewQueue()
	now := time.Now().UTC()

	q.CreateTree(msg("m1", "c1", "u9"))
	completeAt(t, q, "m1", models.StateCompleted, now.Add(-11*time.Minute))

	_, ok := q.RecentCandidate("c1", "u9", now, 10*time.Minute)
	assert.False(t, ok)
}

func TestRecentCandidate_DisabledWindow(t *testing.T) {
	q := NewQueue()
	now := time.Now().UTC()

	q.CreateTree(msg("m1", "c1", "u9"))
	completeAt(t, q, "m1", models.StateCompleted, now.Add(-time.Second))

	_, ok := q.RecentCandidate("c1", "u9", now, 0)
	assert.False(t, ok, "zero window must disable continuity detection")
}

func TestRecentCandidate_ScopedToChatAndUser(t *testing.T) {
	q := NewQueue()
	now := time.Now().UTC()

	q.CreateTree(msg("m1", "c1", "u9"))
	completeAt(t, q, "m1", models.StateCompleted, now.Add(-time.Minute))
	q.CreateTree(msg("m2", "c2", "u9"))
	completeAt(t, q, "m2", models.StateCompleted, now.Add(-time.Second))
	q.CreateTree(msg("m3", "c1", "u8"))
	completeAt(t, q, "m3", models.StateCompleted, now.Add(-time.Second))

	id, ok := q.RecentCandidate("c1", "u9", now, 10*time.Minute)
	require.True(t, ok)
	assert.Equal(t, "m1", id, "candidates from other chats or users must not match")
}

func TestRecentCandidate_MostRecentWins(t *testing.T) {
	q := NewQueue()
	now := time.Now().UTC()

	q.CreateTree(msg("m1", "c1", "u9"))
	completeAt(t, q, "m1", models.StateCompleted, now.Add(-8*time.Minute))
	q.CreateTree(msg("m2", "c1", "u9"))
	completeAt(t, q, "m2", models.StateCompleted, now.Add(-2*time.Minute))

	id, ok := q.RecentCandidate("c1", "u9", now, 10*time.Minute)
	require.True(t, ok)
	assert.Equal(t, "m2", id)
}

func TestRecentCandidate_TieBreaksByNodeID(t *testing.T) {
	q := NewQueue()
	now := time.Now().UTC()
	instant := now.Add(-time.Minute)

	q.CreateTree(msg("m1", "c1", "u9"))
	completeAt(t, q, "m1", models.StateCompleted, instant)
	q.CreateTree(msg("m2", "c1", "u9"))
	completeAt(t, q, "m2", models.StateCompleted, instant)

	id, ok := q.RecentCandidate("c1", "u9", now, 10*time.Minute)
	require.True(t, ok)
	assert.Equal(t, "m2", id, "equal timestamps break toward the greater node id")
}

func TestRecentCandidate_ErrorNodesAreAnchors(t *testing.T) {
	q := NewQueue()
	now := time.Now().UTC()

	q.CreateTree(msg("m1", "c1", "u9"))
	completeAt(t, q, "m1", models.StateError, now.Add(-time.Minute))

	id, ok := q.RecentCandidate("c1", "u9", now, 10*time.Minute)
	require.True(t, ok)
	assert.Equal(t, "m1", id, "error nodes remain eligible continuity anchors")
}

func TestRecentCandidate_IgnoresNonTerminal(t *testing.T) {
	q := NewQueue()
	now := time.Now().UTC()

	q.CreateTree(msg("m1", "c1", "u9"))
	require.NoError(t, q.UpdateState("m1", models.StateInProgress, ""))

	_, ok := q.RecentCandidate("c1", "u9", now, 10*time.Minute)
	assert.False(t, ok, "in-flight nodes are not continuity anchors")
}
