package models

import (
	"encoding/json"
	"fmt"
)

// MessageTree is a single conversation: a rooted tree of message nodes
// keyed by node ID. The tree owns its nodes; parent/child links are plain
// ID references into the Nodes map.
type MessageTree struct {
	RootID string                  `json:"root_id"`
	Nodes  map[string]*MessageNode `json:"nodes"`
}

// NewTree creates a tree containing only the given root node.
func NewTree(root *MessageNode) *MessageTree {
	return &MessageTree{
		RootID: root.NodeID,
		Nodes:  map[string]*MessageNode{root.NodeID: root},
	}
}

// GetNode returns the node with the given ID, or nil if absent.
func (t *MessageTree) GetNode(nodeID string) *MessageNode {
	return t.Nodes[nodeID]
}

// Root returns the tree's root node.
func (t *MessageTree) Root() *MessageNode {
	return t.Nodes[t.RootID]
}

// Descendants returns the IDs of all descendants of nodeID in depth-first
// order, children visited in insertion order.
func (t *MessageTree) Descendants(nodeID string) []string {
	var out []string
	node := t.Nodes[nodeID]
	if node == nil {
		return out
	}
	for _, childID := range node.ChildrenIDs {
		out = append(out, childID)
		out = append(out, t.Descendants(childID)...)
	}
	return out
}

// Validate checks the tree's structural invariants: every node's ancestor
// chain terminates at the root without cycles, every child link points at
// an existing node, and the root carries no parent.
func (t *MessageTree) Validate() error {
	root := t.Nodes[t.RootID]
	if root == nil {
		return fmt.Errorf("root node %s not present in tree", t.RootID)
	}
	if root.ParentID != "" {
		return fmt.Errorf("root node %s has parent %s", t.RootID, root.ParentID)
	}
	for id, node := range t.Nodes {
		if node.NodeID != id {
			return fmt.Errorf("node keyed as %s has node_id %s", id, node.NodeID)
		}
		seen := map[string]bool{id: true}
		current := node
		for current.ParentID != "" {
			if seen[current.ParentID] {
				return fmt.Errorf("cycle detected at node %s", current.ParentID)
			}
			seen[current.ParentID] = true
			parent := t.Nodes[current.ParentID]
			if parent == nil {
				return fmt.Errorf("node %s references missing parent %s", current.NodeID, current.ParentID)
			}
			current = parent
		}
		if current.NodeID != t.RootID {
			return fmt.Errorf("node %s ancestor chain terminates at %s, not root %s", id, current.NodeID, t.RootID)
		}
		for _, childID := range node.ChildrenIDs {
			child := t.Nodes[childID]
			if child == nil {
				return fmt.Errorf("node %s references missing child %s", id, childID)
			}
			if child.ParentID != id {
				return fmt.Errorf("child %s of %s has parent_id %s", childID, id, child.ParentID)
			}
		}
	}
	return nil
}

// Snapshot serializes the tree to its persisted JSON representation.
func (t *MessageTree) Snapshot() ([]byte, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tree %s: %w", t.RootID, err)
	}
	return data, nil
}

// TreeFromSnapshot reconstructs a tree from its persisted representation
// and validates its invariants.
func TreeFromSnapshot(data []byte) (*MessageTree, error) {
	var t MessageTree
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tree snapshot: %w", err)
	}
	if t.Nodes == nil {
		t.Nodes = make(map[string]*MessageNode)
	}
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("invalid tree snapshot: %w", err)
	}
	return &t, nil
}
