package models

import "time"

// MessageState represents the lifecycle state of a message node
type MessageState string

const (
	StatePending    MessageState = "pending"
	StateInProgress MessageState = "in_progress"
	StateCompleted  MessageState = "completed"
	StateError      MessageState = "error"
)

// IsTerminal reports whether the state admits no further transitions.
func (s MessageState) IsTerminal() bool {
	return s == StateCompleted || s == StateError
}

// IncomingMessage is a normalized inbound message from a platform adapter.
// Adapters convert platform-specific events into this format before
// delivering them to the handler.
type IncomingMessage struct {
	Text             string    `json:"text"`
	ChatID           string    `json:"chat_id"`
	UserID           string    `json:"user_id"`
	MessageID        string    `json:"message_id"`
	Platform         string    `json:"platform"` // "telegram", "discord", etc.
	ReplyToMessageID string    `json:"reply_to_message_id,omitempty"`
	Username         string    `json:"username,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

// IsReply reports whether this message explicitly replies to another message.
func (m *IncomingMessage) IsReply() bool {
	return m.ReplyToMessageID != ""
}

// MessageNode is one processed or in-flight message within a conversation tree.
// Nodes reference each other by ID only; the tree's node map is the arena.
type MessageNode struct {
	NodeID          string       `json:"node_id"`
	ParentID        string       `json:"parent_id,omitempty"` // empty only for a tree root
	ChildrenIDs     []string     `json:"children_ids,omitempty"`
	ChatID          string       `json:"chat_id"`
	UserID          string       `json:"user_id"`
	Text            string       `json:"text"`
	SessionID       string       `json:"session_id,omitempty"`
	State           MessageState `json:"state"`
	StatusMessageID string       `json:"status_message_id,omitempty"`
	Error           string       `json:"error,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
	CompletedAt     *time.Time   `json:"completed_at,omitempty"`
}

// NewRootNode creates the root node of a new conversation tree.
func NewRootNode(incoming *IncomingMessage) *MessageNode {
	return &MessageNode{
		NodeID:    incoming.MessageID,
		ChatID:    incoming.ChatID,
		UserID:    incoming.UserID,
		Text:      incoming.Text,
		State:     StatePending,
		CreatedAt: time.Now().UTC(),
	}
}

// NewChildNode creates a child node under parent. The session ID is left
// for the caller to assign after parent resolution.
func NewChildNode(parent *MessageNode, incoming *IncomingMessage) *MessageNode {
	return &MessageNode{
		NodeID:    incoming.MessageID,
		ParentID:  parent.NodeID,
		ChatID:    parent.ChatID,
		UserID:    parent.UserID,
		Text:      incoming.Text,
		State:     StatePending,
		CreatedAt: time.Now().UTC(),
	}
}

// Clone returns a deep copy of the node.
func (n *MessageNode) Clone() *MessageNode {
	c := *n
	if n.ChildrenIDs != nil {
		c.ChildrenIDs = make([]string, len(n.ChildrenIDs))
		copy(c.ChildrenIDs, n.ChildrenIDs)
	}
	if n.CompletedAt != nil {
		t := *n.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
