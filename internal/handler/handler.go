// Package handler is the dispatch engine: it accepts normalized inbound
// messages, resolves which conversation tree (if any) each message
// continues, drives the resulting node through its lifecycle as the
// agent session streams events, and propagates failures through the
// tree.
package handler

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/jordanhubbard/weft/internal/events"
	"github.com/jordanhubbard/weft/internal/metrics"
	"github.com/jordanhubbard/weft/internal/platform"
	"github.com/jordanhubbard/weft/internal/session"
	"github.com/jordanhubbard/weft/internal/store"
	"github.com/jordanhubbard/weft/internal/telemetry"
	"github.com/jordanhubbard/weft/internal/treequeue"
	"github.com/jordanhubbard/weft/pkg/models"
)

// Config holds the handler's runtime tunables. A zero ContinuityWindow
// disables reply-less continuity detection; a zero TurnTimeout leaves
// turns unbounded.
type Config struct {
	ContinuityWindow time.Duration
	TurnTimeout      time.Duration
}

// minEditInterval throttles status edits so one evolving message is
// updated, not flooded.
const minEditInterval = time.Second

// EventSink receives node lifecycle events. *events.Publisher
// implements it; a nil sink drops everything.
type EventSink interface {
	Publish(subject string, event events.NodeEvent)
}

// Handler orchestrates message dispatch over the tree queue.
type Handler struct {
	queue     *treequeue.Queue
	provider  session.Provider
	platform  platform.Platform
	treeStore store.TreeStore
	events    EventSink
	metrics   *metrics.Metrics
	config    func() Config

	mu      sync.Mutex
	cancels map[string]context.CancelFunc // node id -> cancel for its in-flight turn
}

// New creates a handler. The config getter is called once per message so
// hot-reloaded settings take effect without restart. events may be nil.
func New(queue *treequeue.Queue, provider session.Provider, p platform.Platform, treeStore store.TreeStore, pub EventSink, m *metrics.Metrics, config func() Config) *Handler {
	return &Handler{
		queue:     queue,
		provider:  provider,
		platform:  p,
		treeStore: treeStore,
		events:    pub,
		metrics:   m,
		config:    config,
		cancels:   make(map[string]context.CancelFunc),
	}
}

// HandleMessage is the entry point for one inbound message. It runs the
// full dispatch including the agent turn, so callers run it in its own
// goroutine per message. Collaborator failures are absorbed into a
// terminal error node; only invalid input and tree-queue contract
// violations are returned.
func (h *Handler) HandleMessage(ctx context.Context, incoming *models.IncomingMessage) error {
	ctx, span := telemetry.Tracer.Start(ctx, "handler.HandleMessage")
	defer span.End()
	span.SetAttributes(
		attribute.String("chat_id", incoming.ChatID),
		attribute.String("message_id", incoming.MessageID),
	)

	text := strings.TrimSpace(incoming.Text)
	if text == "" {
		h.metrics.MessagesTotal.WithLabelValues("invalid").Inc()
		h.sendTransient(ctx, incoming, "⚠️ Nothing to process.")
		return fmt.Errorf("message %s: %w", incoming.MessageID, ErrInvalidMessage)
	}
	incoming.Text = text

	switch text {
	case "/stop":
		h.handleStopCommand(ctx, incoming)
		return nil
	case "/stats":
		h.handleStatsCommand(ctx, incoming)
		return nil
	}

	if isOwnStatusText(text) {
		return nil
	}

	node, isNewTree, err := h.placeMessage(incoming)
	if err != nil {
		h.metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return fmt.Errorf("failed to place message %s: %w", incoming.MessageID, err)
	}
	h.updateGauges()
	span.SetAttributes(attribute.Bool("new_tree", isNewTree))

	statusID, err := h.platform.SendStatus(ctx, incoming.ChatID, h.initialStatus(node), platform.SendOptions{
		ReplyTo:   incoming.MessageID,
		ParseMode: "markdown",
	})
	if err != nil {
		log.Printf("[Handler] Failed to send status for %s: %v", node.NodeID, err)
	} else {
		if err := h.queue.SetStatusMessageID(node.NodeID, statusID); err != nil {
			log.Printf("[Handler] Failed to record status message for %s: %v", node.NodeID, err)
		}
		h.metrics.StatusEdits.WithLabelValues("send").Inc()
	}

	h.executeTurn(ctx, node.NodeID, statusID, incoming)
	return nil
}

// placeMessage resolves the incoming message's parent and either extends
// the owning tree or creates a new one. Explicit replies take precedence
// over recent-activity continuity; an unresolvable reply target degrades
// to the continuity scan rather than failing the message.
func (h *Handler) placeMessage(incoming *models.IncomingMessage) (*models.MessageNode, bool, error) {
	parentID := ""
	if incoming.IsReply() {
		if id, ok := h.queue.ResolveParentNodeID(incoming.ReplyToMessageID); ok {
			parentID = id
		} else {
			log.Printf("[Handler] Reply target %s not found, falling back to continuity search", incoming.ReplyToMessageID)
		}
	}

	if parentID == "" {
		window := h.config().ContinuityWindow
		if id, ok := h.queue.RecentCandidate(incoming.ChatID, incoming.UserID, time.Now().UTC(), window); ok {
			log.Printf("[Handler] Continuity: attaching %s under recent node %s", incoming.MessageID, id)
			parentID = id
		}
	}

	if parentID != "" {
		node, err := h.queue.AddChild(parentID, incoming)
		if err != nil {
			return nil, false, err
		}
		h.publishEvent(events.SubjectNodeCreated, node.NodeID, "")
		return node, false, nil
	}

	_, root, err := h.queue.CreateTree(incoming)
	if err != nil {
		return nil, false, err
	}
	h.publishEvent(events.SubjectTreeCreated, root.NodeID, "")
	h.publishEvent(events.SubjectNodeCreated, root.NodeID, "")
	return root.Clone(), true, nil
}

func (h *Handler) initialStatus(node *models.MessageNode) string {
	if node.ParentID != "" {
		return "🔄 **Continuing conversation...**"
	}
	stats := h.provider.Stats()
	if stats.ActiveSessions >= stats.MaxSessions {
		return fmt.Sprintf("⏳ **Waiting for slot...** (%d/%d)", stats.ActiveSessions, stats.MaxSessions)
	}
	return "⏳ **Starting new agent session...**"
}

// executeTurn drives one node through session acquisition, the streamed
// agent turn, and its terminal transition.
func (h *Handler) executeTurn(ctx context.Context, nodeID, statusID string, incoming *models.IncomingMessage) {
	started := time.Now()
	components := &statusComponents{}

	if !h.awaitParent(ctx, nodeID) {
		// The node went terminal while waiting (cascade or stop); its
		// status message has already been updated by whoever ended it.
		h.metrics.MessagesTotal.WithLabelValues("cancelled").Inc()
		return
	}

	node := h.queue.GetNode(nodeID)
	if node == nil {
		return
	}
	kind := "new"
	if node.SessionID != "" {
		kind = "continued"
	}

	sess, canonicalID, _, err := h.provider.Acquire(ctx, node.SessionID)
	if err != nil {
		h.metrics.SessionAcquisitions.WithLabelValues(kind, "error").Inc()
		h.metrics.MessagesTotal.WithLabelValues("error").Inc()
		h.failNode(ctx, nodeID, statusID, components,
			fmt.Sprintf("%v: %v", ErrSessionAcquisition, err),
			"⏳ **No session available** — try again in a moment.")
		return
	}
	defer h.provider.Release(sess)
	h.metrics.SessionAcquisitions.WithLabelValues(kind, "ok").Inc()

	// Store the canonical id the provider returned, not what we asked for.
	if err := h.queue.SetSessionID(nodeID, canonicalID); err != nil {
		log.Printf("[Handler] Failed to record session id on %s: %v", nodeID, err)
	}

	// The cancel func must be registered before the node becomes visible
	// as in_progress: a concurrent ancestor cascade classifies the node
	// under the queue lock and fires cancelTurn immediately, and a cancel
	// not registered yet would be lost.
	turnCtx := ctx
	var cancelTurn context.CancelFunc
	if timeout := h.config().TurnTimeout; timeout > 0 {
		turnCtx, cancelTurn = context.WithTimeout(ctx, timeout)
	} else {
		turnCtx, cancelTurn = context.WithCancel(ctx)
	}
	defer cancelTurn()
	h.registerCancel(nodeID, cancelTurn)
	defer h.unregisterCancel(nodeID)

	if err := h.transition(ctx, nodeID, models.StateInProgress, ""); err != nil {
		// A cascade got here first and the node is already terminal.
		log.Printf("[Handler] Transition to in_progress failed for %s: %v", nodeID, err)
		h.provider.Cancel(sess)
		return
	}

	eventCh, err := h.provider.Submit(turnCtx, sess, incoming.Text)
	if err != nil {
		h.metrics.MessagesTotal.WithLabelValues("error").Inc()
		h.metrics.TurnDuration.WithLabelValues("error").Observe(time.Since(started).Seconds())
		h.failNode(ctx, nodeID, statusID, components,
			fmt.Sprintf("%v: %v", ErrTurnExecution, err),
			"💥 **Task failed**")
		return
	}

	lastEdit := time.Time{}
	editStatus := func(status string, force bool) {
		if statusID == "" {
			return
		}
		if !force && time.Since(lastEdit) < minEditInterval {
			return
		}
		display := components.render(status)
		if display == "" {
			return
		}
		if err := h.platform.EditStatus(ctx, incoming.ChatID, statusID, display, platform.SendOptions{ParseMode: "markdown"}); err != nil {
			log.Printf("[Handler] Status edit failed for %s: %v", nodeID, err)
			return
		}
		h.metrics.StatusEdits.WithLabelValues("edit").Inc()
		lastEdit = time.Now()
	}

	completed := false
	var turnErr string
	for event := range eventCh {
		switch event.Type {
		case models.TurnEventSessionInfo:
			// The session layer may report a different canonical id once
			// the agent process is up; the node records what it reports.
			if event.SessionID != "" && event.SessionID != canonicalID {
				canonicalID = event.SessionID
				if err := h.queue.SetSessionID(nodeID, canonicalID); err != nil {
					log.Printf("[Handler] Failed to update session id on %s: %v", nodeID, err)
				}
			}
		case models.TurnEventThinking:
			components.thinking = append(components.thinking, event.Text)
			editStatus("🧠 **Agent is thinking...**", false)
		case models.TurnEventContent:
			if event.Text != "" {
				components.content = append(components.content, event.Text)
				editStatus("🧠 **Agent is working...**", false)
			}
		case models.TurnEventToolCall:
			components.tools = append(components.tools, event.ToolName)
			editStatus("⏳ **Executing tools...**", false)
		case models.TurnEventSubagent:
			components.subagents = append(components.subagents, event.Text)
			editStatus("🤖 **Subagent working...**", false)
		case models.TurnEventResult:
			completed = true
			if event.Text != "" && len(components.content) == 0 {
				components.content = append(components.content, event.Text)
			}
		case models.TurnEventError:
			turnErr = event.Err
		}
	}

	if completed && turnErr == "" {
		if components.empty() {
			components.content = append(components.content, "Done.")
		}
		if err := h.transition(ctx, nodeID, models.StateCompleted, ""); err != nil {
			log.Printf("[Handler] Completion transition failed for %s: %v", nodeID, err)
			return
		}
		editStatus("✅ **Complete**", true)
		h.metrics.MessagesTotal.WithLabelValues("completed").Inc()
		h.metrics.TurnDuration.WithLabelValues("completed").Observe(time.Since(started).Seconds())
		return
	}

	outcome := "error"
	statusLine := "💥 **Task failed**"
	switch {
	case turnCtx.Err() == context.DeadlineExceeded:
		turnErr = fmt.Sprintf("%v: turn timed out after %s", ErrTurnExecution, h.config().TurnTimeout)
	case turnCtx.Err() == context.Canceled || turnErr == "turn cancelled":
		outcome = "cancelled"
		statusLine = "⏹ **Stopped.**"
		turnErr = fmt.Sprintf("%v: %s", ErrCancelled, reasonStopped)
	case turnErr == "":
		turnErr = "agent stream ended unexpectedly"
	}
	h.metrics.MessagesTotal.WithLabelValues(outcome).Inc()
	h.metrics.TurnDuration.WithLabelValues(outcome).Observe(time.Since(started).Seconds())
	h.failNode(ctx, nodeID, statusID, components, turnErr, statusLine)
}

// awaitParent blocks until the node's parent reaches a terminal state,
// so one conversation's turns run in order and a failed parent can
// cascade into children that have not started. Returns false when the
// node itself went terminal while waiting or the context ended.
func (h *Handler) awaitParent(ctx context.Context, nodeID string) bool {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		node := h.queue.GetNode(nodeID)
		if node == nil || node.State.IsTerminal() {
			return false
		}
		if node.ParentID == "" {
			return true
		}
		parent := h.queue.GetNode(node.ParentID)
		if parent == nil || parent.State.IsTerminal() {
			// Pick up the canonical session id the parent settled on.
			if parent != nil && parent.SessionID != "" && parent.SessionID != node.SessionID {
				if err := h.queue.SetSessionID(nodeID, parent.SessionID); err != nil {
					log.Printf("[Handler] Failed to refresh session id on %s: %v", nodeID, err)
				}
			}
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

// failNode transitions a node to error, updates its status message and
// cascades the failure through its descendants.
func (h *Handler) failNode(ctx context.Context, nodeID, statusID string, components *statusComponents, reason, statusLine string) {
	components.errors = append(components.errors, truncateError(reason))
	if err := h.transition(ctx, nodeID, models.StateError, reason); err != nil {
		log.Printf("[Handler] Error transition failed for %s: %v", nodeID, err)
	}
	if statusID != "" {
		node := h.queue.GetNode(nodeID)
		if node != nil {
			display := components.render(statusLine)
			if err := h.platform.EditStatus(ctx, node.ChatID, statusID, display, platform.SendOptions{ParseMode: "markdown"}); err != nil {
				log.Printf("[Handler] Status edit failed for %s: %v", nodeID, err)
			}
		}
	}
	h.cascade(ctx, nodeID)
}

// cascade cancels every pending descendant of nodeID and asks in-flight
// descendants to cancel their turns. In-flight nodes transition
// themselves when their turn observes the cancellation.
func (h *Handler) cascade(ctx context.Context, nodeID string) {
	cancelled, inProgress := h.queue.CascadePending(nodeID, reasonAncestorFailed)
	for _, id := range cancelled {
		h.metrics.CascadeCancellations.Inc()
		h.metrics.NodeTransitions.WithLabelValues(string(models.StatePending), string(models.StateError)).Inc()
		h.publishEvent(events.SubjectNodeState, id, reasonAncestorFailed)
		node := h.queue.GetNode(id)
		if node != nil && node.StatusMessageID != "" {
			if err := h.platform.EditStatus(ctx, node.ChatID, node.StatusMessageID, "❌ **Cancelled:** an earlier message in this conversation failed.", platform.SendOptions{ParseMode: "markdown"}); err != nil {
				log.Printf("[Handler] Cascade status edit failed for %s: %v", id, err)
			}
		}
	}
	if len(cancelled) > 0 {
		h.snapshot(ctx, nodeID)
	}
	for _, id := range inProgress {
		h.cancelTurn(id)
	}
}

// transition applies a state change through the queue, then records
// metrics, publishes the lifecycle event and snapshots the tree.
func (h *Handler) transition(ctx context.Context, nodeID string, to models.MessageState, errMsg string) error {
	before := h.queue.GetNode(nodeID)
	if err := h.queue.UpdateState(nodeID, to, errMsg); err != nil {
		return err
	}
	from := models.StatePending
	if before != nil {
		from = before.State
	}
	h.metrics.NodeTransitions.WithLabelValues(string(from), string(to)).Inc()
	h.publishEvent(events.SubjectNodeState, nodeID, errMsg)
	h.snapshot(ctx, nodeID)
	return nil
}

// snapshot persists the owning tree, best-effort. A failed snapshot
// loses at most the latest transition.
func (h *Handler) snapshot(ctx context.Context, nodeID string) {
	rootID, data, err := h.queue.SnapshotTree(nodeID)
	if err != nil {
		log.Printf("[Handler] Snapshot of tree for %s failed: %v", nodeID, err)
		h.metrics.SnapshotFailures.Inc()
		return
	}
	if err := h.treeStore.Save(ctx, rootID, data); err != nil {
		log.Printf("[Handler] Failed to persist tree %s: %v", rootID, err)
		h.metrics.SnapshotFailures.Inc()
	}
}

func (h *Handler) publishEvent(subject, nodeID, errMsg string) {
	if h.events == nil {
		return
	}
	node := h.queue.GetNode(nodeID)
	if node == nil {
		return
	}
	tree := h.queue.GetTreeForNode(nodeID)
	rootID := nodeID
	if tree != nil {
		rootID = tree.RootID
	}
	h.events.Publish(subject, events.NodeEvent{
		NodeID: nodeID,
		RootID: rootID,
		ChatID: node.ChatID,
		State:  string(node.State),
		Error:  errMsg,
	})
}

func (h *Handler) updateGauges() {
	h.metrics.ActiveTrees.Set(float64(h.queue.TreeCount()))
	h.metrics.ActiveNodes.Set(float64(h.queue.NodeCount()))
}

func (h *Handler) registerCancel(nodeID string, cancel context.CancelFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cancels[nodeID] = cancel
}

func (h *Handler) unregisterCancel(nodeID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.cancels, nodeID)
}

func (h *Handler) cancelTurn(nodeID string) {
	h.mu.Lock()
	cancel, ok := h.cancels[nodeID]
	h.mu.Unlock()
	if ok {
		cancel()
	}
}

// sendTransient posts a one-off message outside any tree.
func (h *Handler) sendTransient(ctx context.Context, incoming *models.IncomingMessage, text string) {
	if _, err := h.platform.SendStatus(ctx, incoming.ChatID, text, platform.SendOptions{ReplyTo: incoming.MessageID}); err != nil {
		log.Printf("[Handler] Failed to send message to chat %s: %v", incoming.ChatID, err)
	}
}
