package main

import (
	"context"
	"fmt"

	"github.com/hazcod/zonesigner"
	"github.com/hazcod/zonesigner/internal/config"
	"github.com/hazcod/zonesigner/internal/keydir"
	"github.com/hazcod/zonesigner/internal/store/boltstore"
	"github.com/hazcod/zonesigner/internal/store/memory"
	"github.com/hazcod/zonesigner/internal/store/pg"
	"github.com/hazcod/zonesigner/internal/zonefile"
)

// components are the stores and the engine built from a config.
type components struct {
	keys    zonesigner.KeyStore
	content *zonefile.Provider
	applier zonesigner.Applier
	engine  *zonesigner.Engine
	closers []func()
}

func (c *components) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
}

func build(ctx context.Context, cfg *config.Config, opts ...zonesigner.Option) (*components, error) {
	c := &components{content: zonefile.New(cfg.Content.Files)}

	switch cfg.Keys.Driver {
	case "postgres":
		s, err := pg.New(ctx, cfg.Keys.Postgres.DSN, cfg.Keys.Postgres.MaxConns)
		if err != nil {
			return nil, fmt.Errorf("key store: %w", err)
		}
		c.keys = s
		c.closers = append(c.closers, s.Close)
	default:
		c.keys = keydir.New(cfg.Keys.Dir)
	}

	switch cfg.Applier.Driver {
	case "bolt":
		a, err := boltstore.Open(cfg.Applier.Path)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("applier: %w", err)
		}
		c.applier = a
		c.closers = append(c.closers, func() { _ = a.Close() })
	default:
		c.applier = memory.NewApplier()
	}

	policy, err := cfg.SigningPolicy()
	if err != nil {
		c.Close()
		return nil, err
	}
	opts = append([]zonesigner.Option{zonesigner.WithPolicy(policy)}, opts...)
	c.engine, err = zonesigner.NewEngine(c.keys, c.content, c.applier, opts...)
	if err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}
