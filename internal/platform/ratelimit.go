package platform

import (
	"context"
	"fmt"
	"log"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimited decorates a Platform with a global and a per-chat token
// bucket. Sends wait for capacity; edits that cannot proceed immediately
// are dropped, since every status edit is a full refresh and the next
// one supersedes it anyway.
type RateLimited struct {
	inner      Platform
	global     *rate.Limiter
	perChatRPS rate.Limit
	perChatB   int

	mu      sync.Mutex
	chats   map[string]*rate.Limiter
	dropped uint64
}

// RateLimitConfig tunes the decorator. Zero values fall back to limits
// that keep a Telegram-style bot under flood control.
type RateLimitConfig struct {
	GlobalPerSecond  float64 `yaml:"global_per_second"`
	GlobalBurst      int     `yaml:"global_burst"`
	PerChatPerSecond float64 `yaml:"per_chat_per_second"`
	PerChatBurst     int     `yaml:"per_chat_burst"`
}

// NewRateLimited wraps inner with rate limiting.
func NewRateLimited(inner Platform, cfg RateLimitConfig) *RateLimited {
	if cfg.GlobalPerSecond <= 0 {
		cfg.GlobalPerSecond = 25
	}
	if cfg.GlobalBurst <= 0 {
		cfg.GlobalBurst = 25
	}
	if cfg.PerChatPerSecond <= 0 {
		cfg.PerChatPerSecond = 1
	}
	if cfg.PerChatBurst <= 0 {
		cfg.PerChatBurst = 3
	}
	return &RateLimited{
		inner:      inner,
		global:     rate.NewLimiter(rate.Limit(cfg.GlobalPerSecond), cfg.GlobalBurst),
		perChatRPS: rate.Limit(cfg.PerChatPerSecond),
		perChatB:   cfg.PerChatBurst,
		chats:      make(map[string]*rate.Limiter),
	}
}

func (r *RateLimited) chatLimiter(chatID string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	lim, ok := r.chats[chatID]
	if !ok {
		lim = rate.NewLimiter(r.perChatRPS, r.perChatB)
		r.chats[chatID] = lim
	}
	return lim
}

// SendStatus blocks until both buckets admit the send.
func (r *RateLimited) SendStatus(ctx context.Context, chatID, text string, opts SendOptions) (string, error) {
	if err := r.global.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limit wait aborted: %w", err)
	}
	if err := r.chatLimiter(chatID).Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limit wait aborted: %w", err)
	}
	return r.inner.SendStatus(ctx, chatID, text, opts)
}

// EditStatus drops the edit when either bucket is empty. Reservations
// are cancelled on a drop so a denial in one bucket never burns a token
// from the other.
func (r *RateLimited) EditStatus(ctx context.Context, chatID, statusMessageID, text string, opts SendOptions) error {
	chat := r.chatLimiter(chatID).Reserve()
	if !chat.OK() || chat.Delay() > 0 {
		chat.Cancel()
		r.dropEdit()
		return nil
	}
	global := r.global.Reserve()
	if !global.OK() || global.Delay() > 0 {
		global.Cancel()
		chat.Cancel()
		r.dropEdit()
		return nil
	}
	return r.inner.EditStatus(ctx, chatID, statusMessageID, text, opts)
}

func (r *RateLimited) dropEdit() {
	r.mu.Lock()
	r.dropped++
	dropped := r.dropped
	r.mu.Unlock()
	if dropped%100 == 1 {
		log.Printf("[Platform] Dropped %d rate-limited status edits so far", dropped)
	}
}

// DroppedEdits reports how many edits the limiter has discarded.
func (r *RateLimited) DroppedEdits() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}
