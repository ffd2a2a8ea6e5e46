// Package engine is the top-level façade: it holds a Store and the resolved
// Config, performs the one-time schema bootstrap and time-grid check, and hands
// out Writer and Context instances configured consistently against the
// same time grid. It owns no query or write logic of its own.
package engine

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/nullstream/gauged/gaugedconfig"
	"github.com/nullstream/gauged/querycontext"
	"github.com/nullstream/gauged/store"
	"github.com/nullstream/gauged/writer"
)

const schemaVersion = "1"

// Engine creates Writer and Context instances against one Store and Config,
// after a one-time schema check against that store's metadata.
type Engine struct {
	st  store.Store
	cfg gaugedconfig.Config
}

// Open calls Sync to bootstrap a store that has no current_version recorded;
// otherwise it checks the recorded block_size/resolution against cfg. It
// then returns a ready Engine. Open does not validate cfg, and it does not
// compare a recorded current_version with the engine's schema version: a
// store recording any current_version opens.
// A mismatched block_size/resolution against previously-recorded metadata
// is logged as a warning, not an error: the caller chose the store, and a
// hard failure here would make an operational config rollout irreversible
// without dropping data.
func Open(ctx context.Context, st store.Store, cfg gaugedconfig.Config) (*Engine, error) {
	e := &Engine{st: st, cfg: cfg}

	_, ok, err := st.GetMetadata(ctx, "current_version")
	if err != nil {
		return nil, fmt.Errorf("gauged/engine: get_metadata: %w", err)
	}
	if !ok {
		if err := e.Sync(ctx); err != nil {
			return nil, err
		}
		return e, nil
	}

	if err := e.checkGrid(ctx); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Engine) checkGrid(ctx context.Context) error {
	blockSizeStr, ok, err := e.st.GetMetadata(ctx, "block_size")
	if err != nil {
		return fmt.Errorf("gauged/engine: get_metadata(block_size): %w", err)
	}
	if ok {
		if blockSize, parseErr := strconv.ParseInt(blockSizeStr, 10, 64); parseErr == nil && blockSize != e.cfg.BlockSize {
			fmt.Fprintf(os.Stderr, "gauged/engine: warning: configured block_size_ms=%d does not match recorded %d\n", e.cfg.BlockSize, blockSize)
		}
	}

	resolutionStr, ok, err := e.st.GetMetadata(ctx, "resolution")
	if err != nil {
		return fmt.Errorf("gauged/engine: get_metadata(resolution): %w", err)
	}
	if ok {
		if resolution, parseErr := strconv.ParseInt(resolutionStr, 10, 64); parseErr == nil && resolution != e.cfg.Resolution {
			fmt.Fprintf(os.Stderr, "gauged/engine: warning: configured resolution_ms=%d does not match recorded %d\n", e.cfg.Resolution, resolution)
		}
	}
	return nil
}

// Sync bootstraps the store's schema (idempotent: CreateSchema is expected
// to be a no-op on an already-initialized store) and records the engine's
// current_version, block_size, and resolution metadata keys.
func (e *Engine) Sync(ctx context.Context) error {
	if err := e.st.CreateSchema(ctx); err != nil {
		return fmt.Errorf("gauged/engine: create_schema: %w", err)
	}
	kv := map[string]string{
		"current_version": schemaVersion,
		"block_size":      strconv.FormatInt(e.cfg.BlockSize, 10),
		"resolution":      strconv.FormatInt(e.cfg.Resolution, 10),
	}
	if err := e.st.SetMetadata(ctx, kv, false); err != nil {
		return fmt.Errorf("gauged/engine: set_metadata: %w", err)
	}
	return e.st.Commit(ctx)
}

// Migrate rewrites current_version to the engine's compiled-in schema
// version, without touching block_size/resolution metadata (those describe
// the time grid of data already written, not the schema shape).
func (e *Engine) Migrate(ctx context.Context) error {
	if err := e.st.SetMetadata(ctx, map[string]string{"current_version": schemaVersion}, true); err != nil {
		return fmt.Errorf("gauged/engine: migrate: %w", err)
	}
	return e.st.Commit(ctx)
}

// NewWriter returns a Writer for namespace/name configured from e.cfg's
// time grid and policies.
func (e *Engine) NewWriter(ctx context.Context, namespace uint32, name string, whitelist map[string]struct{}) (*writer.Writer, error) {
	return writer.Open(ctx, e.st, writer.Config{
		Namespace:         namespace,
		Name:              name,
		Resolution:        e.cfg.Resolution,
		BlockSize:         e.cfg.BlockSize,
		AppendOnlyPolicy:  gaugedconfig.Policy(e.cfg.AppendOnlyPolicy),
		KeyOverflowPolicy: gaugedconfig.Policy(e.cfg.KeyOverflowPolicy),
		NaNPolicy:         gaugedconfig.Policy(e.cfg.NaNPolicy),
		KeyWhitelist:      whitelist,
		KeyCacheCapacity:  e.cfg.KeyCacheCapacity,
		FlushInterval:     e.cfg.FlushInterval,
	})
}

// NewContext returns a Context for namespace configured from e.cfg's time
// grid and query-tuning knobs.
func (e *Engine) NewContext(namespace uint32) (*querycontext.Context, error) {
	return querycontext.New(e.st, querycontext.Config{
		Namespace:        namespace,
		Resolution:       e.cfg.Resolution,
		BlockSize:        e.cfg.BlockSize,
		MaxLookBehind:    e.cfg.MaxLookBehind,
		MaxIntervalSteps: e.cfg.MaxIntervalSteps,
		MinCacheInterval: e.cfg.MinCacheInterval,
	})
}

// Close releases the underlying store.
func (e *Engine) Close() error {
	return e.st.Close()
}
