package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/victorarias/tether/internal/config"
	"github.com/victorarias/tether/internal/protocol"
	"github.com/victorarias/tether/internal/store"
)

const redisPingTimeout = 3 * time.Second

var errNoSharedStore = errors.New("memory store is private to the controller process")

// openStore opens the configured backend. owner tags sqlite writes.
func openStore(ctx context.Context, cfg config.Config, owner string) (store.KV, error) {
	switch cfg.Store {
	case config.StoreMemory:
		return store.NewMemory(), nil
	case config.StoreRedis:
		r := store.NewRedis(store.NewRedisClient(cfg.RedisAddr), cfg.RedisPrefix)
		pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
		defer cancel()
		if err := r.Ping(pingCtx); err != nil {
			_ = r.Close()
			return nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
		}
		return r, nil
	default:
		s, err := store.OpenSQLite(cfg.DBPath, owner)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

// withSharedState runs fn against the persisted state without going through
// the controller. It fails for the memory store, which nobody else can see.
func withSharedState(ctx context.Context, cfg config.Config, fn func(*store.State) error) error {
	if cfg.Store == config.StoreMemory {
		return errNoSharedStore
	}
	kv, err := openStore(ctx, cfg, "cli")
	if err != nil {
		return err
	}
	defer kv.Close()
	return fn(store.NewState(kv))
}

func persistedSnapshot(ctx context.Context, cfg config.Config, logLimit int) (*protocol.Snapshot, error) {
	var snap *protocol.Snapshot
	err := withSharedState(ctx, cfg, func(state *store.State) error {
		var err error
		snap, err = state.Snapshot(ctx, logLimit)
		return err
	})
	return snap, err
}
