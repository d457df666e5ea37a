// Package gateway is weft's front door: platform bridges (Telegram,
// Slack, whatever speaks the frame protocol) connect over a websocket,
// push normalized inbound messages in, and receive status send/edit
// frames back. The gateway is the Platform implementation the handler
// writes through.
package gateway

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jordanhubbard/weft/internal/platform"
	"github.com/jordanhubbard/weft/pkg/models"
)

// Frame types exchanged with bridges.
const (
	FrameMessage = "message" // bridge -> weft: inbound chat message
	FrameSend    = "send"    // weft -> bridge: post a new status message
	FrameEdit    = "edit"    // weft -> bridge: replace a status message's text
	FrameError   = "error"   // weft -> bridge: a frame was rejected
)

// Frame is the single envelope for both directions.
type Frame struct {
	Type      string                  `json:"type"`
	Message   *models.IncomingMessage `json:"message,omitempty"`
	ChatID    string                  `json:"chat_id,omitempty"`
	MessageID string                  `json:"message_id,omitempty"`
	Text      string                  `json:"text,omitempty"`
	ReplyTo   string                  `json:"reply_to,omitempty"`
	ParseMode string                  `json:"parse_mode,omitempty"`
	Error     string                  `json:"error,omitempty"`
}

// Dispatcher is the handler-side contract the gateway feeds.
type Dispatcher interface {
	HandleMessage(ctx context.Context, incoming *models.IncomingMessage) error
}

// DispatchFunc adapts a function to the Dispatcher interface, which
// breaks the construction cycle between the gateway and the handler
// that writes back through it.
type DispatchFunc func(ctx context.Context, incoming *models.IncomingMessage) error

// HandleMessage implements Dispatcher.
func (f DispatchFunc) HandleMessage(ctx context.Context, incoming *models.IncomingMessage) error {
	return f(ctx, incoming)
}

// Config configures the gateway server.
type Config struct {
	ListenAddr   string
	JWTSecret    string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type client struct {
	id       string
	platform string
	conn     *websocket.Conn

	writeMu sync.Mutex // gorilla allows one concurrent writer
}

func (c *client) writeFrame(timeout time.Duration, f Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if timeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	return c.conn.WriteJSON(f)
}

// Server accepts bridge connections and routes frames between them and
// the dispatcher. It implements platform.Platform: status sends and
// edits go out to the bridge that owns the chat.
type Server struct {
	cfg        Config
	dispatcher Dispatcher
	upgrader   websocket.Upgrader

	mu        sync.RWMutex
	clients   map[string]*client // client id -> connection
	chatOwner map[string]string  // chat id -> client id that delivered it

	statusSeq atomic.Int64

	httpServer *http.Server
}

// NewServer creates a gateway bound to the given dispatcher.
func NewServer(cfg Config, dispatcher Dispatcher) *Server {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 60 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &Server{
		cfg:        cfg,
		dispatcher: dispatcher,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Bridges authenticate with a token, not an Origin.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients:   make(map[string]*client),
		chatOwner: make(map[string]string),
	}
}

// Start runs the HTTP listener until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	s.httpServer = &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[Gateway] Listening on %s", s.cfg.ListenAddr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = bearerToken(r.Header.Get("Authorization"))
	}
	claims, err := validateToken(s.cfg.JWTSecret, token)
	if err != nil {
		log.Printf("[Gateway] Rejected connection from %s: %v", r.RemoteAddr, err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[Gateway] Upgrade failed for %s: %v", r.RemoteAddr, err)
		return
	}

	c := &client{id: claims.ClientID, platform: claims.Platform, conn: conn}
	s.register(c)
	log.Printf("[Gateway] Bridge %s connected (%s)", c.id, c.platform)

	s.readLoop(c)
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && header[:len(prefix)] == prefix {
		return header[len(prefix):]
	}
	return ""
}

func (s *Server) register(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.clients[c.id]; ok {
		old.conn.Close()
	}
	s.clients[c.id] = c
}

func (s *Server) unregister(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.clients[c.id] == c {
		delete(s.clients, c.id)
	}
}

func (s *Server) readLoop(c *client) {
	defer func() {
		s.unregister(c)
		c.conn.Close()
		log.Printf("[Gateway] Bridge %s disconnected", c.id)
	}()

	for {
		var frame Frame
		if err := c.conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("[Gateway] Read error from bridge %s: %v", c.id, err)
			}
			return
		}

		switch frame.Type {
		case FrameMessage:
			if frame.Message == nil || frame.Message.MessageID == "" {
				s.rejectFrame(c, "message frame missing message or message_id")
				continue
			}
			incoming := frame.Message
			if incoming.Platform == "" {
				incoming.Platform = c.platform
			}
			if incoming.Timestamp.IsZero() {
				incoming.Timestamp = time.Now().UTC()
			}
			s.claimChat(incoming.ChatID, c.id)

			// Each message runs its full dispatch, including the agent
			// turn, in its own goroutine; ordering within a conversation
			// is the handler's problem, not the transport's.
			go func(msg *models.IncomingMessage) {
				if err := s.dispatcher.HandleMessage(context.Background(), msg); err != nil {
					log.Printf("[Gateway] Dispatch failed for message %s: %v", msg.MessageID, err)
				}
			}(incoming)
		default:
			s.rejectFrame(c, fmt.Sprintf("unknown frame type %q", frame.Type))
		}
	}
}

func (s *Server) rejectFrame(c *client, reason string) {
	if err := c.writeFrame(s.cfg.WriteTimeout, Frame{Type: FrameError, Error: reason}); err != nil {
		log.Printf("[Gateway] Failed to send error frame to %s: %v", c.id, err)
	}
}

func (s *Server) claimChat(chatID, clientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chatOwner[chatID] = clientID
}

// clientForChat returns the bridge that owns the chat, or any connected
// bridge when the chat has no recorded owner (recovery after restart).
func (s *Server) clientForChat(chatID string) (*client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if owner, ok := s.chatOwner[chatID]; ok {
		if c, ok := s.clients[owner]; ok {
			return c, nil
		}
	}
	for _, c := range s.clients {
		return c, nil
	}
	return nil, fmt.Errorf("no bridge connected for chat %s", chatID)
}

// SendStatus posts a new status message through the chat's bridge. The
// message id is assigned here so the call can return without a
// round-trip; bridges create the message under this id.
func (s *Server) SendStatus(ctx context.Context, chatID, text string, opts platform.SendOptions) (string, error) {
	c, err := s.clientForChat(chatID)
	if err != nil {
		return "", err
	}
	id := fmt.Sprintf("st-%d", s.statusSeq.Add(1))
	frame := Frame{
		Type:      FrameSend,
		ChatID:    chatID,
		MessageID: id,
		Text:      text,
		ReplyTo:   opts.ReplyTo,
		ParseMode: opts.ParseMode,
	}
	if err := c.writeFrame(s.cfg.WriteTimeout, frame); err != nil {
		return "", fmt.Errorf("failed to send status to bridge %s: %w", c.id, err)
	}
	return id, nil
}

// EditStatus replaces a status message's text through the chat's bridge.
func (s *Server) EditStatus(ctx context.Context, chatID, statusMessageID, text string, opts platform.SendOptions) error {
	c, err := s.clientForChat(chatID)
	if err != nil {
		return err
	}
	frame := Frame{
		Type:      FrameEdit,
		ChatID:    chatID,
		MessageID: statusMessageID,
		Text:      text,
		ParseMode: opts.ParseMode,
	}
	if err := c.writeFrame(s.cfg.WriteTimeout, frame); err != nil {
		return fmt.Errorf("failed to edit status via bridge %s: %w", c.id, err)
	}
	return nil
}
