package core

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/hpc-tools/dws-burstbuffer/pkg/config"
)

func fakeCLI(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fake_wlm_cli")
	assert.NilError(t, os.WriteFile(path, []byte("#!/bin/sh\nexit 0\n"), 0o755))
	return path
}

func TestNewWiresPersistentCreatedCallback(t *testing.T) {
	cfg := config.Default()
	cfg.CLIPath = fakeCLI(t)
	cfg.StateSaveDir = t.TempDir()

	c := New(cfg, nil)
	assert.Assert(t, c.Engine.OnPersistentCreated != nil)

	c.Agent.NotePersistentCreated()
	c.Engine.OnPersistentCreated()
	// NotePersistentCreated flags the agent directly; calling the
	// wired callback again while a snapshot is already pending must
	// not panic.
}

func TestStartLoadsSnapshotAndStopsCleanly(t *testing.T) {
	cfg := config.Default()
	cfg.CLIPath = fakeCLI(t)
	cfg.StateSaveDir = t.TempDir()
	cfg.AgentPollInterval = 50 * time.Millisecond

	c := New(cfg, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	assert.NilError(t, c.Start(ctx, ""))
	c.Stop()
}
