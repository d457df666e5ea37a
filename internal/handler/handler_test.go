package handler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordanhubbard/weft/internal/events"
	"github.com/jordanhubbard/weft/internal/metrics"
	"github.com/jordanhubbard/weft/internal/platform"
	"github.com/jordanhubbard/weft/internal/session"
	"github.com/jordanhubbard/weft/internal/treequeue"
	"github.com/jordanhubbard/weft/pkg/models"
)

// stubPlatform records status traffic.
type stubPlatform struct {
	mu    sync.Mutex
	sends []string
	edits map[string][]string // status message id -> successive texts
	next  int
}

func newStubPlatform() *stubPlatform {
	return &stubPlatform{edits: make(map[string][]string)}
}

func (p *stubPlatform) SendStatus(ctx context.Context, chatID, text string, opts platform.SendOptions) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	id := fmt.Sprintf("status-%d", p.next)
	p.sends = append(p.sends, text)
	return id, nil
}

func (p *stubPlatform) EditStatus(ctx context.Context, chatID, statusMessageID, text string, opts platform.SendOptions) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.edits[statusMessageID] = append(p.edits[statusMessageID], text)
	return nil
}

func (p *stubPlatform) lastEdit(statusID string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	edits := p.edits[statusID]
	if len(edits) == 0 {
		return ""
	}
	return edits[len(edits)-1]
}

// stubProvider replays a scripted event stream per turn.
type stubProvider struct {
	mu         sync.Mutex
	script     []models.TurnEvent
	acquireErr error
	hang       bool // emit script, then block until cancelled
	acquired   []string
	nextSerial int
}

func (s *stubProvider) Acquire(ctx context.Context, existingID string) (*session.Session, string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.acquireErr != nil {
		return nil, "", false, s.acquireErr
	}
	s.acquired = append(s.acquired, existingID)
	if existingID != "" {
		return &session.Session{ID: existingID}, existingID, false, nil
	}
	s.nextSerial++
	id := fmt.Sprintf("s%d", s.nextSerial)
	return &session.Session{ID: id}, id, true, nil
}

func (s *stubProvider) Submit(ctx context.Context, sess *session.Session, text string) (<-chan models.TurnEvent, error) {
	s.mu.Lock()
	script := make([]models.TurnEvent, len(s.script))
	copy(script, s.script)
	hang := s.hang
	s.mu.Unlock()

	ch := make(chan models.TurnEvent, len(script)+1)
	go func() {
		defer close(ch)
		for _, e := range script {
			ch <- e
		}
		if hang {
			<-ctx.Done()
			ch <- models.TurnEvent{Type: models.TurnEventError, Err: "turn cancelled"}
		}
	}()
	return ch, nil
}

func (s *stubProvider) Cancel(sess *session.Session)  {}
func (s *stubProvider) Release(sess *session.Session) {}
func (s *stubProvider) StopAll()                      {}
func (s *stubProvider) Stats() session.Stats {
	return session.Stats{ActiveSessions: 0, MaxSessions: 10}
}

// stubEvents records published lifecycle event subjects.
type stubEvents struct {
	mu       sync.Mutex
	subjects []string
}

func (s *stubEvents) Publish(subject string, event events.NodeEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subjects = append(s.subjects, subject)
}

func (s *stubEvents) count(subject string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, got := range s.subjects {
		if got == subject {
			n++
		}
	}
	return n
}

// memStore is an in-memory TreeStore.
type memStore struct {
	mu        sync.Mutex
	snapshots map[string][]byte
}

func newMemStore() *memStore { return &memStore{snapshots: make(map[string][]byte)} }

func (m *memStore) Save(ctx context.Context, rootID string, snapshot []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[rootID] = snapshot
	return nil
}

func (m *memStore) Load(ctx context.Context, rootID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshots[rootID], nil
}

func (m *memStore) LoadAll(ctx context.Context) (map[string][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]byte, len(m.snapshots))
	for k, v := range m.snapshots {
		out[k] = v
	}
	return out, nil
}

func (m *memStore) Delete(ctx context.Context, rootID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.snapshots, rootID)
	return nil
}

func (m *memStore) Close() error { return nil }

type fixture struct {
	handler  *Handler
	queue    *treequeue.Queue
	provider *stubProvider
	platform *stubPlatform
	store    *memStore
	events   *stubEvents
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		queue:    treequeue.NewQueue(),
		provider: &stubProvider{script: successScript()},
		platform: newStubPlatform(),
		store:    newMemStore(),
		events:   &stubEvents{},
	}
	f.handler = New(f.queue, f.provider, f.platform, f.store, f.events, metrics.NewMetrics(), func() Config { return cfg })
	return f
}

func successScript() []models.TurnEvent {
	return []models.TurnEvent{
		{Type: models.TurnEventThinking, Text: "pensando"},
		{Type: models.TurnEventToolCall, ToolName: "Bash"},
		{Type: models.TurnEventContent, Text: "aquí está el reporte"},
		{Type: models.TurnEventResult, Text: "listo"},
	}
}

func inbound(id, chatID, userID, text string) *models.IncomingMessage {
	return &models.IncomingMessage{
		Text:      text,
		ChatID:    chatID,
		UserID:    userID,
		MessageID: id,
		Platform:  "telegram",
		Timestamp: time.Now().UTC(),
	}
}

func TestHandleMessage_NewTreeCompletes(t *testing.T) {
	f := newFixture(t, Config{ContinuityWindow: 10 * time.Minute})

	require.NoError(t, f.handler.HandleMessage(context.Background(), inbound("m1", "1", "9", "Hazme un reporte")))

	node := f.queue.GetNode("m1")
	require.NotNil(t, node)
	assert.Equal(t, models.StateCompleted, node.State)
	assert.Equal(t, "s1", node.SessionID)
	assert.Empty(t, node.ParentID)
	assert.NotNil(t, node.CompletedAt)
	assert.Equal(t, "status-1", node.StatusMessageID)
	assert.Contains(t, f.platform.lastEdit("status-1"), "Complete")

	// Snapshot persisted under the root.
	data, err := f.store.Load(context.Background(), "m1")
	require.NoError(t, err)
	require.NotNil(t, data)
	tree, err := models.TreeFromSnapshot(data)
	require.NoError(t, err)
	assert.Equal(t, models.StateCompleted, tree.GetNode("m1").State)
}

func TestHandleMessage_ContinuityAttachesToRecentNode(t *testing.T) {
	f := newFixture(t, Config{ContinuityWindow: 10 * time.Minute})
	ctx := context.Background()

	require.NoError(t, f.handler.HandleMessage(ctx, inbound("m1", "1", "9", "Hazme un reporte")))
	require.NoError(t, f.handler.HandleMessage(ctx, inbound("m2", "1", "9", "Dónde está mi reporte")))

	node2 := f.queue.GetNode("m2")
	require.NotNil(t, node2)
	assert.Equal(t, "m1", node2.ParentID, "second message should continue the first message's tree")
	assert.Equal(t, "s1", node2.SessionID, "child must continue the parent's session")

	tree := f.queue.GetTreeForNode("m2")
	require.NotNil(t, tree)
	assert.Equal(t, "m1", tree.RootID)

	// The provider was asked to continue s1, not start fresh.
	assert.Equal(t, []string{"", "s1"}, f.provider.acquired)
}

func TestHandleMessage_ContinuityDisabled(t *testing.T) {
	f := newFixture(t, Config{ContinuityWindow: 0})
	ctx := context.Background()

	require.NoError(t, f.handler.HandleMessage(ctx, inbound("m1", "1", "9", "primero")))
	require.NoError(t, f.handler.HandleMessage(ctx, inbound("m2", "1", "9", "segundo")))

	node2 := f.queue.GetNode("m2")
	assert.Empty(t, node2.ParentID, "zero window must start a new tree")
	assert.NotEqual(t, f.queue.GetNode("m1").SessionID, node2.SessionID)
}

func TestHandleMessage_ExplicitReplyPrecedence(t *testing.T) {
	f := newFixture(t, Config{ContinuityWindow: 10 * time.Minute})
	ctx := context.Background()

	require.NoError(t, f.handler.HandleMessage(ctx, inbound("m1", "1", "9", "tema uno")))
	require.NoError(t, f.handler.HandleMessage(ctx, inbound("m2", "1", "9", "tema dos")))

	// m2 completed more recently, but the explicit reply targets m1.
	reply := inbound("m3", "1", "9", "sigo con el tema uno")
	reply.ReplyToMessageID = "m1"
	require.NoError(t, f.handler.HandleMessage(ctx, reply))

	assert.Equal(t, "m1", f.queue.GetNode("m3").ParentID)
}

func TestHandleMessage_UnresolvedReplyFallsBack(t *testing.T) {
	f := newFixture(t, Config{ContinuityWindow: 10 * time.Minute})
	ctx := context.Background()

	require.NoError(t, f.handler.HandleMessage(ctx, inbound("m1", "1", "9", "hola")))

	reply := inbound("m2", "1", "9", "sigo")
	reply.ReplyToMessageID = "deleted-msg"
	require.NoError(t, f.handler.HandleMessage(ctx, reply))

	// Unresolvable reply degrades to the continuity scan, which finds m1.
	assert.Equal(t, "m1", f.queue.GetNode("m2").ParentID)
}

func TestHandleMessage_EmptyTextRejected(t *testing.T) {
	f := newFixture(t, Config{ContinuityWindow: 10 * time.Minute})

	err := f.handler.HandleMessage(context.Background(), inbound("m1", "1", "9", "   \n\t "))
	require.ErrorIs(t, err, ErrInvalidMessage)

	assert.Nil(t, f.queue.GetNode("m1"), "no tree may be created for empty input")
	require.Len(t, f.platform.sends, 1)
	assert.Contains(t, f.platform.sends[0], "Nothing to process")
}

func TestHandleMessage_OwnStatusEchoIgnored(t *testing.T) {
	f := newFixture(t, Config{ContinuityWindow: 10 * time.Minute})

	require.NoError(t, f.handler.HandleMessage(context.Background(), inbound("m1", "1", "9", "✅ **Complete**")))

	assert.Nil(t, f.queue.GetNode("m1"))
	assert.Empty(t, f.platform.sends)
}

func TestHandleMessage_DuplicateMessageIDIsContractViolation(t *testing.T) {
	f := newFixture(t, Config{ContinuityWindow: 0})
	ctx := context.Background()

	require.NoError(t, f.handler.HandleMessage(ctx, inbound("m1", "1", "9", "hola")))
	err := f.handler.HandleMessage(ctx, inbound("m1", "1", "9", "otra vez"))
	require.Error(t, err)
	assert.ErrorIs(t, err, treequeue.ErrDuplicateNode)
}

func TestHandleMessage_SessionAcquisitionFailure(t *testing.T) {
	f := newFixture(t, Config{ContinuityWindow: 10 * time.Minute})
	f.provider.acquireErr = fmt.Errorf("pool exhausted")

	require.NoError(t, f.handler.HandleMessage(context.Background(), inbound("m1", "1", "9", "hola")))

	node := f.queue.GetNode("m1")
	require.NotNil(t, node)
	assert.Equal(t, models.StateError, node.State)
	assert.Contains(t, node.Error, "session acquisition failed")
	assert.Contains(t, f.platform.lastEdit("status-1"), "No session available")
}

func TestHandleMessage_TurnError(t *testing.T) {
	f := newFixture(t, Config{ContinuityWindow: 0})
	f.provider.mu.Lock()
	f.provider.script = []models.TurnEvent{{Type: models.TurnEventError, Err: "agent exploded"}}
	f.provider.mu.Unlock()

	require.NoError(t, f.handler.HandleMessage(context.Background(), inbound("m1", "1", "9", "fallará")))

	node := f.queue.GetNode("m1")
	assert.Equal(t, models.StateError, node.State)
	assert.Equal(t, "agent exploded", node.Error)
	assert.Contains(t, f.platform.lastEdit("status-1"), "Task failed")
}

func TestFailNode_CascadesThroughPendingDescendants(t *testing.T) {
	f := newFixture(t, Config{ContinuityWindow: 10 * time.Minute})
	ctx := context.Background()

	// A pending chain under the root: m1 -> a -> a1, plus a sibling b.
	_, _, err := f.queue.CreateTree(inbound("m1", "1", "9", "hola"))
	require.NoError(t, err)
	_, err = f.queue.AddChild("m1", inbound("a", "1", "9", "uno"))
	require.NoError(t, err)
	_, err = f.queue.AddChild("a", inbound("a1", "1", "9", "dos"))
	require.NoError(t, err)
	_, err = f.queue.AddChild("m1", inbound("b", "1", "9", "tres"))
	require.NoError(t, err)

	f.handler.failNode(ctx, "m1", "", &statusComponents{}, "agent exploded", "💥 **Task failed**")

	assert.Equal(t, models.StateError, f.queue.GetNode("m1").State)
	assert.Equal(t, "agent exploded", f.queue.GetNode("m1").Error)
	for _, id := range []string{"a", "a1", "b"} {
		node := f.queue.GetNode(id)
		assert.Equal(t, models.StateError, node.State, "pending descendant %s must be cascade-cancelled", id)
		assert.Equal(t, reasonAncestorFailed, node.Error)
	}
}

func TestCascade_CancelsInFlightDescendant(t *testing.T) {
	f := newFixture(t, Config{ContinuityWindow: 10 * time.Minute})
	ctx := context.Background()

	// A completed root, then a child whose turn never finishes on its own.
	require.NoError(t, f.handler.HandleMessage(ctx, inbound("m1", "1", "9", "hola")))
	f.provider.mu.Lock()
	f.provider.script = nil
	f.provider.hang = true
	f.provider.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		reply := inbound("c1", "1", "9", "sigo")
		reply.ReplyToMessageID = "m1"
		done <- f.handler.HandleMessage(ctx, reply)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if node := f.queue.GetNode("c1"); node != nil && node.State == models.StateInProgress {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, models.StateInProgress, f.queue.GetNode("c1").State)

	// The ancestor failing must stop the child's turn, not leave it running.
	f.handler.cascade(ctx, "m1")

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("in-flight child was not cancelled by the ancestor cascade")
	}

	node := f.queue.GetNode("c1")
	assert.Equal(t, models.StateError, node.State)
	assert.Contains(t, node.Error, "cancelled")
}

func TestLifecycleEventsPublished(t *testing.T) {
	f := newFixture(t, Config{ContinuityWindow: 10 * time.Minute})
	ctx := context.Background()

	require.NoError(t, f.handler.HandleMessage(ctx, inbound("m1", "1", "9", "hola")))
	assert.Equal(t, 1, f.events.count(events.SubjectTreeCreated), "a root starts exactly one tree")
	assert.Equal(t, 1, f.events.count(events.SubjectNodeCreated))
	assert.GreaterOrEqual(t, f.events.count(events.SubjectNodeState), 2, "in_progress and completed transitions")

	// A continuation attaches to the existing tree: node created, no new tree.
	require.NoError(t, f.handler.HandleMessage(ctx, inbound("m2", "1", "9", "sigo")))
	assert.Equal(t, 1, f.events.count(events.SubjectTreeCreated))
	assert.Equal(t, 2, f.events.count(events.SubjectNodeCreated))
}

func TestHandleMessage_TurnTimeout(t *testing.T) {
	f := newFixture(t, Config{ContinuityWindow: 0, TurnTimeout: 50 * time.Millisecond})
	f.provider.mu.Lock()
	f.provider.script = nil
	f.provider.hang = true
	f.provider.mu.Unlock()

	start := time.Now()
	require.NoError(t, f.handler.HandleMessage(context.Background(), inbound("m1", "1", "9", "tarda mucho")))
	require.Less(t, time.Since(start), 5*time.Second)

	node := f.queue.GetNode("m1")
	assert.Equal(t, models.StateError, node.State)
	assert.Contains(t, node.Error, "timed out")
}

func TestStopAll_CancelsPending(t *testing.T) {
	f := newFixture(t, Config{ContinuityWindow: 10 * time.Minute})
	ctx := context.Background()

	require.NoError(t, f.handler.HandleMessage(ctx, inbound("m1", "1", "9", "hola")))
	_, err := f.queue.AddChild("m1", inbound("p1", "1", "9", "pendiente"))
	require.NoError(t, err)

	count := f.handler.StopAll(ctx)
	assert.Equal(t, 1, count)

	node := f.queue.GetNode("p1")
	assert.Equal(t, models.StateError, node.State)
	assert.Equal(t, reasonStopped, node.Error)
}

func TestStopCommand(t *testing.T) {
	f := newFixture(t, Config{ContinuityWindow: 10 * time.Minute})

	require.NoError(t, f.handler.HandleMessage(context.Background(), inbound("c1", "1", "9", "/stop")))

	assert.Nil(t, f.queue.GetNode("c1"), "commands never create tree nodes")
	require.Len(t, f.platform.sends, 1)
	assert.Contains(t, f.platform.sends[0], "Stopped")
}

func TestStatsCommand(t *testing.T) {
	f := newFixture(t, Config{ContinuityWindow: 10 * time.Minute})

	require.NoError(t, f.handler.HandleMessage(context.Background(), inbound("c1", "1", "9", "/stats")))

	require.Len(t, f.platform.sends, 1)
	assert.Contains(t, f.platform.sends[0], "Stats")
}

func TestCanonicalSessionIDFromStream(t *testing.T) {
	f := newFixture(t, Config{ContinuityWindow: 0})
	f.provider.mu.Lock()
	f.provider.script = append([]models.TurnEvent{
		{Type: models.TurnEventSessionInfo, SessionID: "real-id"},
	}, successScript()...)
	f.provider.mu.Unlock()

	require.NoError(t, f.handler.HandleMessage(context.Background(), inbound("m1", "1", "9", "hola")))

	assert.Equal(t, "real-id", f.queue.GetNode("m1").SessionID,
		"node must record the canonical id the session layer reports")
}

func TestRecover_MarksInFlightNodesFailed(t *testing.T) {
	f := newFixture(t, Config{ContinuityWindow: 10 * time.Minute})
	ctx := context.Background()

	// Persist a tree with one completed and one in-progress node.
	q := treequeue.NewQueue()
	q.CreateTree(inbound("m1", "1", "9", "hola"))
	q.UpdateState("m1", models.StateInProgress, "")
	q.UpdateState("m1", models.StateCompleted, "")
	q.AddChild("m1", inbound("m2", "1", "9", "sigo"))
	q.UpdateState("m2", models.StateInProgress, "")
	_, data, err := q.SnapshotTree("m1")
	require.NoError(t, err)
	require.NoError(t, f.store.Save(ctx, "m1", data))

	recovered, err := f.handler.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	assert.Equal(t, models.StateCompleted, f.queue.GetNode("m1").State)
	node2 := f.queue.GetNode("m2")
	assert.Equal(t, models.StateError, node2.State)
	assert.Equal(t, reasonRestarted, node2.Error)

	// The recovered, repaired tree is still a valid continuity anchor.
	require.NoError(t, f.handler.HandleMessage(ctx, inbound("m3", "1", "9", "una más")))
	parent := f.queue.GetNode("m3").ParentID
	assert.True(t, parent == "m2" || parent == "m1", "follow-up should attach to the recovered tree, got parent %q", parent)
}

func TestEndToEndScenario(t *testing.T) {
	// The canonical flow: a report request, then a follow-up half a
	// minute later without a reply reference, which must continue the
	// same conversation and session.
	f := newFixture(t, Config{ContinuityWindow: 10 * time.Minute})
	ctx := context.Background()

	require.NoError(t, f.handler.HandleMessage(ctx, inbound("m1", "1", "9", "Hazme un reporte")))
	node1 := f.queue.GetNode("m1")
	require.Equal(t, models.StateCompleted, node1.State)
	require.Equal(t, "s1", node1.SessionID)

	require.NoError(t, f.handler.HandleMessage(ctx, inbound("m2", "1", "9", "Dónde está mi reporte")))
	node2 := f.queue.GetNode("m2")
	assert.Equal(t, "m1", node2.ParentID)
	assert.Equal(t, models.StateCompleted, node2.State)
	assert.Equal(t, "s1", node2.SessionID)
	assert.Len(t, f.provider.acquired, 2)
	assert.Equal(t, "s1", f.provider.acquired[1])

	tree := f.queue.GetTreeForNode("m2")
	require.NoError(t, tree.Validate())
	assert.True(t, strings.HasPrefix(f.platform.sends[1], "🔄"), "follow-up should report continuation")
}
