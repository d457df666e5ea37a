package main

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/jordanhubbard/weft/internal/gateway"
	"github.com/jordanhubbard/weft/pkg/models"
)

func newSendCommand() *cobra.Command {
	var (
		chatID  string
		userID  string
		replyTo string
		token   string
		wait    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "send <text>",
		Short: "Send a test message through the gateway and stream the status updates",
		Long: `Connects to the gateway as a throwaway bridge, delivers one message
and prints every status frame the daemon sends back until --wait
elapses. Useful for poking a deployment without a real platform
bridge.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if token == "" {
				secret := os.Getenv("WEFT_JWT_SECRET")
				if secret == "" {
					return fmt.Errorf("no token: pass --token or set WEFT_JWT_SECRET to mint one")
				}
				var err error
				token, err = gateway.GenerateToken(secret, "weftctl", "cli", time.Hour)
				if err != nil {
					return err
				}
			}

			wsURL, err := websocketURL(serverURL, token)
			if err != nil {
				return err
			}
			conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
			if err != nil {
				return fmt.Errorf("failed to connect to %s: %w", wsURL, err)
			}
			defer conn.Close()

			msg := &models.IncomingMessage{
				Text:             args[0],
				ChatID:           chatID,
				UserID:           userID,
				MessageID:        uuid.New().String(),
				ReplyToMessageID: replyTo,
				Platform:         "cli",
				Timestamp:        time.Now().UTC(),
			}
			if err := conn.WriteJSON(gateway.Frame{Type: gateway.FrameMessage, Message: msg}); err != nil {
				return fmt.Errorf("failed to send message: %w", err)
			}
			fmt.Printf("sent %s to chat %s\n", msg.MessageID, chatID)

			deadline := time.Now().Add(wait)
			for time.Now().Before(deadline) {
				_ = conn.SetReadDeadline(deadline)
				var frame gateway.Frame
				if err := conn.ReadJSON(&frame); err != nil {
					break
				}
				switch frame.Type {
				case gateway.FrameSend:
					fmt.Printf("[%s] new status %s:\n%s\n", frame.ChatID, frame.MessageID, frame.Text)
				case gateway.FrameEdit:
					fmt.Printf("[%s] edit %s:\n%s\n", frame.ChatID, frame.MessageID, frame.Text)
				case gateway.FrameError:
					return fmt.Errorf("gateway rejected the message: %s", frame.Error)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&chatID, "chat", "weftctl", "Chat ID to send as")
	cmd.Flags().StringVar(&userID, "user", "weftctl", "User ID to send as")
	cmd.Flags().StringVar(&replyTo, "reply-to", "", "Message ID this message replies to")
	cmd.Flags().StringVar(&token, "token", "", "Bridge token (minted from WEFT_JWT_SECRET when empty)")
	cmd.Flags().DurationVar(&wait, "wait", 2*time.Minute, "How long to stream status updates")
	return cmd
}

func websocketURL(server, token string) (string, error) {
	u, err := url.Parse(server)
	if err != nil {
		return "", fmt.Errorf("bad server URL %q: %w", server, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
