package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordanhubbard/weft/pkg/models"
)

func TestAcquireAssignsCanonicalID(t *testing.T) {
	p := NewPoolProvider("claude", 2)

	sess, canonical, isNew, err := p.Acquire(context.Background(), "")
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.NotEmpty(t, canonical)
	assert.Equal(t, canonical, sess.ID)

	sess2, canonical2, isNew2, err := p.Acquire(context.Background(), "existing-id")
	require.NoError(t, err)
	assert.False(t, isNew2)
	assert.Equal(t, "existing-id", canonical2)
	assert.Equal(t, "existing-id", sess2.ID)
}

func TestAcquireEnforcesPoolLimit(t *testing.T) {
	p := NewPoolProvider("claude", 2)

	s1, _, _, err := p.Acquire(context.Background(), "")
	require.NoError(t, err)
	_, _, _, err = p.Acquire(context.Background(), "")
	require.NoError(t, err)

	_, _, _, err = p.Acquire(context.Background(), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session limit reached")

	// Releasing a slot makes room again.
	p.Release(s1)
	_, _, _, err = p.Acquire(context.Background(), "")
	require.NoError(t, err)
}

func TestReleaseIsIdempotent(t *testing.T) {
	p := NewPoolProvider("claude", 3)

	s1, _, _, err := p.Acquire(context.Background(), "")
	require.NoError(t, err)
	_, _, _, err = p.Acquire(context.Background(), "")
	require.NoError(t, err)

	p.Release(s1)
	p.Release(s1)
	p.Release(s1)

	stats := p.Stats()
	assert.Equal(t, 1, stats.ActiveSessions, "double release must not free someone else's slot")
	assert.Equal(t, 3, stats.MaxSessions)
}

func TestNewPoolProviderDefaults(t *testing.T) {
	p := NewPoolProvider("", 0)
	assert.Equal(t, "claude", p.binary)
	assert.Equal(t, 10, p.Stats().MaxSessions)
}

func TestParseCLILine(t *testing.T) {
	tests := []struct {
		name string
		line string
		want models.TurnEvent
		ok   bool
	}{
		{
			name: "init carries session id",
			line: `{"type":"system","subtype":"init","session_id":"abc-123"}`,
			want: models.TurnEvent{Type: models.TurnEventSessionInfo, SessionID: "abc-123"},
			ok:   true,
		},
		{
			name: "assistant text",
			line: `{"type":"assistant","message":{"content":[{"type":"text","text":"hola"}]}}`,
			want: models.TurnEvent{Type: models.TurnEventContent, Text: "hola"},
			ok:   true,
		},
		{
			name: "assistant thinking",
			line: `{"type":"assistant","message":{"content":[{"type":"thinking","thinking":"hmm"}]}}`,
			want: models.TurnEvent{Type: models.TurnEventThinking, Text: "hmm"},
			ok:   true,
		},
		{
			name: "assistant tool use",
			line: `{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Bash"}]}}`,
			want: models.TurnEvent{Type: models.TurnEventToolCall, ToolName: "Bash"},
			ok:   true,
		},
		{
			name: "successful result",
			line: `{"type":"result","subtype":"success","result":"done","session_id":"abc-123"}`,
			want: models.TurnEvent{Type: models.TurnEventResult, Text: "done", SessionID: "abc-123"},
			ok:   true,
		},
		{
			name: "error result",
			line: `{"type":"result","is_error":true,"result":"boom"}`,
			want: models.TurnEvent{Type: models.TurnEventError, Err: "boom"},
			ok:   true,
		},
		{
			name: "user echo is skipped",
			line: `{"type":"user","message":{"content":[{"type":"text","text":"hola"}]}}`,
			ok:   false,
		},
		{
			name: "non-init system line is skipped",
			line: `{"type":"system","subtype":"compact_boundary","session_id":"abc"}`,
			ok:   false,
		},
		{
			name: "garbage is skipped",
			line: `not json at all`,
			ok:   false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := parseCLILine([]byte(tt.line))
			require.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}
