// Package treequeue maintains the process-wide forest of conversation
// trees. The queue exclusively owns every MessageTree: all mutation goes
// through its operations, which complete without suspending so a single
// lock can guard the indices without serializing turn execution.
package treequeue

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/jordanhubbard/weft/pkg/models"
)

var (
	// ErrDuplicateNode indicates a message ID was registered twice across
	// the forest. This is a contract violation, not a recoverable error.
	ErrDuplicateNode = errors.New("duplicate node id")

	// ErrUnknownNode indicates a node ID that is not registered in any tree.
	ErrUnknownNode = errors.New("unknown node id")

	// ErrTerminalState indicates an attempted transition out of a terminal
	// state. Terminal nodes never change state again.
	ErrTerminalState = errors.New("node is in a terminal state")

	// ErrInvalidTransition indicates a state transition the lifecycle
	// table does not permit.
	ErrInvalidTransition = errors.New("invalid state transition")
)

// Queue is the registry of all active conversation trees, indexed by
// node ID and by root ID.
type Queue struct {
	mu         sync.RWMutex
	nodesIndex map[string]*models.MessageTree // node_id -> owning tree
	treeByRoot map[string]*models.MessageTree // root_id -> tree
}

// NewQueue creates an empty tree queue.
func NewQueue() *Queue {
	return &Queue{
		nodesIndex: make(map[string]*models.MessageTree),
		treeByRoot: make(map[string]*models.MessageTree),
	}
}

// CreateTree allocates a new tree with a single pending root node built
// from the incoming message and registers it under both indices.
func (q *Queue) CreateTree(incoming *models.IncomingMessage) (*models.MessageTree, *models.MessageNode, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.nodesIndex[incoming.MessageID]; exists {
		return nil, nil, fmt.Errorf("message %s already registered: %w", incoming.MessageID, ErrDuplicateNode)
	}

	root := models.NewRootNode(incoming)
	tree := models.NewTree(root)
	q.nodesIndex[root.NodeID] = tree
	q.treeByRoot[tree.RootID] = tree
	return tree, root, nil
}

// RegisterTree re-registers a tree loaded from the store at startup.
// Every node must be unknown to the queue.
func (q *Queue) RegisterTree(tree *models.MessageTree) error {
	if err := tree.Validate(); err != nil {
		return fmt.Errorf("refusing to register invalid tree: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	for id := range tree.Nodes {
		if _, exists := q.nodesIndex[id]; exists {
			return fmt.Errorf("node %s already registered: %w", id, ErrDuplicateNode)
		}
	}
	for id := range tree.Nodes {
		q.nodesIndex[id] = tree
	}
	q.treeByRoot[tree.RootID] = tree
	return nil
}

// GetTreeForNode returns the tree owning nodeID, or nil if unknown.
func (q *Queue) GetTreeForNode(nodeID string) *models.MessageTree {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.nodesIndex[nodeID]
}

// ResolveParentNodeID validates that nodeID refers to an existing node
// eligible to be a parent. Any registered node qualifies regardless of
// state: a reply may target an in-flight node.
func (q *Queue) ResolveParentNodeID(nodeID string) (string, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if _, ok := q.nodesIndex[nodeID]; !ok {
		return "", false
	}
	return nodeID, true
}

// AddChild constructs a child of parentNodeID from the incoming message,
// appends it to the parent's children and registers it under the parent's
// tree. The child inherits the parent's session ID so the agent session
// is continued rather than restarted.
func (q *Queue) AddChild(parentNodeID string, incoming *models.IncomingMessage) (*models.MessageNode, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	tree, ok := q.nodesIndex[parentNodeID]
	if !ok {
		return nil, fmt.Errorf("parent %s: %w", parentNodeID, ErrUnknownNode)
	}
	if _, exists := q.nodesIndex[incoming.MessageID]; exists {
		return nil, fmt.Errorf("message %s already registered: %w", incoming.MessageID, ErrDuplicateNode)
	}

	parent := tree.GetNode(parentNodeID)
	child := models.NewChildNode(parent, incoming)
	child.SessionID = parent.SessionID

	parent.ChildrenIDs = append(parent.ChildrenIDs, child.NodeID)
	tree.Nodes[child.NodeID] = child
	q.nodesIndex[child.NodeID] = tree
	return child.Clone(), nil
}

// UpdateState transitions a node through its lifecycle. The permitted
// transitions are:
//
//	pending     -> in_progress
//	pending     -> error        (cascade cancellation)
//	in_progress -> completed
//	in_progress -> error
//
// On transition into a terminal state the completion timestamp is
// stamped exactly once and errMsg recorded for error states.
func (q *Queue) UpdateState(nodeID string, newState models.MessageState, errMsg string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.updateStateLocked(nodeID, newState, errMsg)
}

func (q *Queue) updateStateLocked(nodeID string, newState models.MessageState, errMsg string) error {
	tree, ok := q.nodesIndex[nodeID]
	if !ok {
		return fmt.Errorf("node %s: %w", nodeID, ErrUnknownNode)
	}
	node := tree.GetNode(nodeID)

	if node.State.IsTerminal() {
		return fmt.Errorf("node %s is %s: %w", nodeID, node.State, ErrTerminalState)
	}
	if !validTransition(node.State, newState) {
		return fmt.Errorf("node %s: %s -> %s: %w", nodeID, node.State, newState, ErrInvalidTransition)
	}

	node.State = newState
	if newState.IsTerminal() {
		now := time.Now().UTC()
		node.CompletedAt = &now
	}
	if newState == models.StateError {
		node.Error = errMsg
	}
	return nil
}

func validTransition(from, to models.MessageState) bool {
	switch from {
	case models.StatePending:
		return to == models.StateInProgress || to == models.StateError
	case models.StateInProgress:
		return to == models.StateCompleted || to == models.StateError
	default:
		return false
	}
}

// SetSessionID records the canonical session ID on a node.
func (q *Queue) SetSessionID(nodeID, sessionID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	tree, ok := q.nodesIndex[nodeID]
	if !ok {
		return fmt.Errorf("node %s: %w", nodeID, ErrUnknownNode)
	}
	tree.GetNode(nodeID).SessionID = sessionID
	return nil
}

// SetStatusMessageID records the platform-side status message a node is
// updating.
func (q *Queue) SetStatusMessageID(nodeID, statusMessageID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	tree, ok := q.nodesIndex[nodeID]
	if !ok {
		return fmt.Errorf("node %s: %w", nodeID, ErrUnknownNode)
	}
	tree.GetNode(nodeID).StatusMessageID = statusMessageID
	return nil
}

// GetNode returns a copy of the node with the given ID, or nil if unknown.
func (q *Queue) GetNode(nodeID string) *models.MessageNode {
	q.mu.RLock()
	defer q.mu.RUnlock()

	tree, ok := q.nodesIndex[nodeID]
	if !ok {
		return nil
	}
	return tree.GetNode(nodeID).Clone()
}

// SnapshotTree serializes the tree owning nodeID under the queue lock so
// the snapshot never observes a half-applied mutation. Returns the root
// ID alongside the snapshot bytes.
func (q *Queue) SnapshotTree(nodeID string) (string, []byte, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	tree, ok := q.nodesIndex[nodeID]
	if !ok {
		return "", nil, fmt.Errorf("node %s: %w", nodeID, ErrUnknownNode)
	}
	data, err := tree.Snapshot()
	if err != nil {
		return "", nil, err
	}
	return tree.RootID, data, nil
}

// CascadePending transitions every pending descendant of nodeID to error
// with the given reason, depth-first, and returns the IDs of the nodes it
// cancelled plus the IDs of descendants found in progress (which the
// caller must ask to cancel rather than force-transition).
func (q *Queue) CascadePending(nodeID, reason string) (cancelled, inProgress []string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	tree, ok := q.nodesIndex[nodeID]
	if !ok {
		return nil, nil
	}
	for _, descID := range tree.Descendants(nodeID) {
		desc := tree.GetNode(descID)
		switch desc.State {
		case models.StatePending:
			if err := q.updateStateLocked(descID, models.StateError, reason); err != nil {
				log.Printf("[TreeQueue] cascade transition failed for node %s: %v", descID, err)
				continue
			}
			cancelled = append(cancelled, descID)
		case models.StateInProgress:
			inProgress = append(inProgress, descID)
		}
	}
	return cancelled, inProgress
}

// PendingNodes returns the IDs of every pending node across the forest.
func (q *Queue) PendingNodes() []string {
	q.mu.RLock()
	defer q.mu.RUnlock()

	var out []string
	for _, tree := range q.treeByRoot {
		for id, node := range tree.Nodes {
			if node.State == models.StatePending {
				out = append(out, id)
			}
		}
	}
	return out
}

// TreeCount returns the number of registered trees.
func (q *Queue) TreeCount() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.treeByRoot)
}

// NodeCount returns the number of registered nodes across all trees.
func (q *Queue) NodeCount() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.nodesIndex)
}

// EvictTerminal removes trees whose every node is terminal and whose most
// recent completion is older than the horizon. Returns the root IDs of
// evicted trees.
func (q *Queue) EvictTerminal(olderThan time.Time) []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	var evicted []string
	for rootID, tree := range q.treeByRoot {
		allTerminal := true
		latest := time.Time{}
		for _, node := range tree.Nodes {
			if !node.State.IsTerminal() || node.CompletedAt == nil {
				allTerminal = false
				break
			}
			if node.CompletedAt.After(latest) {
				latest = *node.CompletedAt
			}
		}
		if !allTerminal || !latest.Before(olderThan) {
			continue
		}
		for id := range tree.Nodes {
			delete(q.nodesIndex, id)
		}
		delete(q.treeByRoot, rootID)
		evicted = append(evicted, rootID)
	}
	return evicted
}
