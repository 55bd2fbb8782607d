package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"aura/internal/bridge"
	"aura/internal/config"
	"aura/internal/core"
	"aura/internal/cortex"
	"aura/internal/llm"
	"aura/internal/resonance"
	"aura/internal/store"

	"go.uber.org/zap"
)

// =============================================================================
// RUNTIME
// =============================================================================

// runtime is one booted kernel with its store and bridge.
type runtime struct {
	kv     store.KV
	kernel *core.Kernel
	bridge *bridge.Bridge
	boot   core.BootResult
}

// openRuntime opens the store, builds the kernel with the built-in slices
// and rules, and boots it from the persisted snapshot.
func openRuntime(ctx context.Context, c *config.Config) (*runtime, error) {
	kv, err := store.Open(store.Config{
		Backend:    c.Store.Backend,
		Path:       c.Store.Path,
		SyncWrites: c.Store.SyncWrites,
		GCInterval: 10 * time.Minute,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	chain, err := core.NewMigrationChain(c.Migration.Strict)
	if err != nil {
		_ = kv.Close()
		return nil, err
	}

	k, err := core.New(core.Options{
		Chain:     chain,
		Snapshots: store.NewSnapshots(kv, c.Kernel.StateKey),
		Resonance: resonance.Config{
			Increment: c.Resonance.Increment,
			Max:       c.Resonance.Max,
			Decay:     c.Resonance.Decay,
			Threshold: c.Resonance.Threshold,
		},
	})
	if err != nil {
		_ = kv.Close()
		return nil, err
	}

	rt := &runtime{kv: kv, kernel: k}

	client, err := llm.New(ctx, c.LLM)
	if err != nil {
		rt.close()
		return nil, fmt.Errorf("failed to create LLM client: %w", err)
	}
	rt.bridge = bridge.New(
		bridge.NewLocalTransport(bridge.NewLLMWorker(client), c.Bridge.Workers),
		bridge.WithRateLimit(c.Bridge.RatePerSecond, c.Bridge.Burst),
		bridge.WithTimeout(c.GetBridgeTimeout()),
	)

	if err := cortex.Register(k, rt.bridge, cortex.RuleConfig{}); err != nil {
		rt.close()
		return nil, err
	}

	rt.boot, err = k.Boot(ctx)
	if err != nil {
		// The kernel fell back to the default tree and stays usable
		logger.Warn("snapshot not loaded, starting from default state", zap.Error(err))
	}
	return rt, nil
}

// close shuts the kernel down before the bridge and the store it writes to.
func (r *runtime) close() {
	var errs []error
	if r.kernel != nil {
		errs = append(errs, r.kernel.Close())
	}
	if r.bridge != nil {
		errs = append(errs, r.bridge.Close())
	}
	if r.kv != nil {
		errs = append(errs, r.kv.Close())
	}
	if err := errors.Join(errs...); err != nil {
		logger.Warn("shutdown incomplete", zap.Error(err))
	}
}
