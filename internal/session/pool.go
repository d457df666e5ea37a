package session

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os/exec"
	"sync"

	"github.com/google/uuid"

	"github.com/jordanhubbard/weft/pkg/models"
)

// PoolProvider runs agent turns through a headless CLI binary, one
// subprocess per turn, with the session ID carried across turns so the
// CLI resumes its own conversation state. The pool bounds how many
// sessions may run turns concurrently.
type PoolProvider struct {
	binary      string
	maxSessions int

	mu      sync.Mutex
	active  map[string]context.CancelFunc // session id -> cancel for its running turn
	running int
}

// NewPoolProvider creates a provider that shells out to the given CLI
// binary, allowing at most maxSessions concurrent turns.
func NewPoolProvider(binary string, maxSessions int) *PoolProvider {
	if binary == "" {
		binary = "claude"
	}
	if maxSessions <= 0 {
		maxSessions = 10
	}
	return &PoolProvider{
		binary:      binary,
		maxSessions: maxSessions,
		active:      make(map[string]context.CancelFunc),
	}
}

// Acquire reserves a pool slot and resolves the canonical session ID.
// Fresh sessions are assigned an ID here and the CLI is told to use it,
// so the caller can record the canonical ID before the first event
// arrives.
func (p *PoolProvider) Acquire(ctx context.Context, existingID string) (*Session, string, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running >= p.maxSessions {
		return nil, "", false, fmt.Errorf("session limit reached (%d/%d)", p.running, p.maxSessions)
	}

	isNew := existingID == ""
	canonical := existingID
	if isNew {
		canonical = uuid.New().String()
	}
	p.running++
	return &Session{ID: canonical}, canonical, isNew, nil
}

// Release returns the session's pool slot. Safe to call more than once;
// Submit releases automatically when the turn ends, this exists for
// callers that acquire but never reach Submit.
func (p *PoolProvider) Release(sess *Session) {
	sess.releaseOnce.Do(func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.active, sess.ID)
		if p.running > 0 {
			p.running--
		}
	})
}

// Submit runs one turn as a subprocess and streams its JSONL output as
// turn events. The returned channel closes when the process exits.
func (p *PoolProvider) Submit(ctx context.Context, sess *Session, text string) (<-chan models.TurnEvent, error) {
	turnCtx, cancel := context.WithCancel(ctx)

	p.mu.Lock()
	if _, ok := p.active[sess.ID]; ok {
		p.mu.Unlock()
		cancel()
		return nil, fmt.Errorf("session %s already has a turn in flight", sess.ID)
	}
	p.active[sess.ID] = cancel
	p.mu.Unlock()

	args := []string{"-p", text, "--output-format", "stream-json", "--verbose"}
	if sess.ID != "" {
		args = append(args, "--session-id", sess.ID)
	}
	cmd := exec.CommandContext(turnCtx, p.binary, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		p.Release(sess)
		cancel()
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		p.Release(sess)
		cancel()
		return nil, fmt.Errorf("failed to start %s: %w", p.binary, err)
	}

	events := make(chan models.TurnEvent, 32)
	go func() {
		defer close(events)
		defer cancel()
		defer p.Release(sess)

		sawResult := false
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			event, ok := parseCLILine(scanner.Bytes())
			if !ok {
				continue
			}
			if event.Type == models.TurnEventResult {
				sawResult = true
			}
			select {
			case events <- event:
			case <-turnCtx.Done():
				_ = cmd.Process.Kill()
				events <- models.TurnEvent{Type: models.TurnEventError, Err: "turn cancelled"}
				cmd.Wait()
				return
			}
		}

		if err := cmd.Wait(); err != nil {
			if turnCtx.Err() != nil {
				events <- models.TurnEvent{Type: models.TurnEventError, Err: "turn cancelled"}
				return
			}
			events <- models.TurnEvent{Type: models.TurnEventError, Err: fmt.Sprintf("cli exited: %v", err)}
			return
		}
		if !sawResult {
			events <- models.TurnEvent{Type: models.TurnEventError, Err: "cli stream ended without a result"}
		}
	}()
	return events, nil
}

// cliLine is the subset of the CLI's stream-json output weft cares about.
type cliLine struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype"`
	SessionID string `json:"session_id"`
	Result    string `json:"result"`
	IsError   bool   `json:"is_error"`
	Message   struct {
		Content []struct {
			Type     string `json:"type"`
			Text     string `json:"text"`
			Thinking string `json:"thinking"`
			Name     string `json:"name"`
		} `json:"content"`
	} `json:"message"`
}

func parseCLILine(line []byte) (models.TurnEvent, bool) {
	var raw cliLine
	if err := json.Unmarshal(line, &raw); err != nil {
		return models.TurnEvent{}, false
	}
	switch raw.Type {
	case "system":
		if raw.Subtype == "init" && raw.SessionID != "" {
			return models.TurnEvent{Type: models.TurnEventSessionInfo, SessionID: raw.SessionID}, true
		}
	case "assistant":
		for _, block := range raw.Message.Content {
			switch block.Type {
			case "thinking":
				return models.TurnEvent{Type: models.TurnEventThinking, Text: block.Thinking}, true
			case "text":
				return models.TurnEvent{Type: models.TurnEventContent, Text: block.Text}, true
			case "tool_use":
				return models.TurnEvent{Type: models.TurnEventToolCall, ToolName: block.Name}, true
			}
		}
	case "result":
		if raw.IsError {
			return models.TurnEvent{Type: models.TurnEventError, Err: raw.Result}, true
		}
		return models.TurnEvent{Type: models.TurnEventResult, Text: raw.Result, SessionID: raw.SessionID}, true
	}
	return models.TurnEvent{}, false
}

// Cancel aborts the session's in-flight turn, if any.
func (p *PoolProvider) Cancel(sess *Session) {
	p.mu.Lock()
	cancel, ok := p.active[sess.ID]
	p.mu.Unlock()
	if ok {
		cancel()
	}
}

// StopAll cancels every in-flight turn across the pool.
func (p *PoolProvider) StopAll() {
	p.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(p.active))
	for _, c := range p.active {
		cancels = append(cancels, c)
	}
	p.mu.Unlock()

	for _, c := range cancels {
		c()
	}
	if len(cancels) > 0 {
		log.Printf("[Session] Cancelled %d in-flight turns", len(cancels))
	}
}

// Stats returns current pool occupancy.
func (p *PoolProvider) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{ActiveSessions: p.running, MaxSessions: p.maxSessions}
}
