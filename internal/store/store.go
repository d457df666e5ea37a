// Package store persists conversation tree snapshots keyed by root ID.
// Snapshots are best-effort durability for the tree queue: saved after
// every state transition, loaded only at startup for recovery.
package store

import (
	"context"
	"fmt"
)

// TreeStore is the durable snapshot store consumed by the message handler.
type TreeStore interface {
	// Save writes the snapshot for the tree rooted at rootID, replacing
	// any previous snapshot for that root.
	Save(ctx context.Context, rootID string, snapshot []byte) error

	// Load returns the snapshot for rootID, or (nil, nil) when absent.
	Load(ctx context.Context, rootID string) ([]byte, error)

	// LoadAll returns every stored snapshot keyed by root ID.
	LoadAll(ctx context.Context) (map[string][]byte, error)

	// Delete removes the snapshot for rootID. Missing snapshots are not
	// an error.
	Delete(ctx context.Context, rootID string) error

	Close() error
}

// Config selects and configures a store backend.
type Config struct {
	Type string `yaml:"type"` // "sqlite", "postgres", "redis"
	Path string `yaml:"path"` // sqlite file path
	DSN  string `yaml:"dsn"`  // postgres DSN
	Addr string `yaml:"addr"` // redis address
	DB   int    `yaml:"db"`   // redis database number
}

// New opens the store backend named by cfg.Type.
func New(cfg Config) (TreeStore, error) {
	switch cfg.Type {
	case "", "sqlite":
		path := cfg.Path
		if path == "" {
			path = "weft.db"
		}
		return NewSQLite(path)
	case "postgres":
		if cfg.DSN == "" {
			return nil, fmt.Errorf("postgres store requires a dsn")
		}
		return NewPostgres(cfg.DSN)
	case "redis":
		addr := cfg.Addr
		if addr == "" {
			addr = "localhost:6379"
		}
		return NewRedis(addr, cfg.DB)
	default:
		return nil, fmt.Errorf("unknown store type %q", cfg.Type)
	}
}
