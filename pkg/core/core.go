// Package core assembles every component into the single owning
// object a host embeds at plugin init (spec.md §9 Design Notes:
// "re-architect [the process-wide state structure] as a single owning
// object instantiated at plugin init and passed into every facade
// call"), grounded on the teacher's own top-level owning object
// (pkg/scheduler's ClusterContext) that every other component is
// wired through rather than reached via package-level globals.
package core

import (
	"context"
	"sync"

	"github.com/hpc-tools/dws-burstbuffer/pkg/agent"
	"github.com/hpc-tools/dws-burstbuffer/pkg/config"
	"github.com/hpc-tools/dws-burstbuffer/pkg/facade"
	"github.com/hpc-tools/dws-burstbuffer/pkg/hostiface"
	"github.com/hpc-tools/dws-burstbuffer/pkg/lifecycle"
	"github.com/hpc-tools/dws-burstbuffer/pkg/log"
	"github.com/hpc-tools/dws-burstbuffer/pkg/planner"
	"github.com/hpc-tools/dws-burstbuffer/pkg/runner"
	"github.com/hpc-tools/dws-burstbuffer/pkg/store"
)

const (
	handleCacheSize = 4096
	// workerConcurrency bounds the lifecycle engine's dispatcher.
	// spec.md's Design Notes call for a bounded pool in place of the
	// original's unbounded detached-thread-per-request model; the
	// exact bound isn't a site-tunable spec.md names, so it is fixed
	// here rather than added as another config knob.
	workerConcurrency = 16
)

// Core owns every table and worker the burst-buffer plugin needs and
// is the only long-lived object a host is expected to hold. The host
// is responsible for its own job-write lock (spec.md §5); Core's own
// mutex only ever guards the config value config() returns.
type Core struct {
	mu  sync.RWMutex
	cfg config.Config

	Store   *store.Store
	Planner *planner.Planner
	Engine  *lifecycle.Engine
	Agent   *agent.Agent
	Facade  *facade.Facade

	watcher *config.Watcher
}

// New wires every component using cfg as the initial site config.
// hosts may be nil if the embedding process has no reservation table
// or accounting defaults to offer.
func New(cfg config.Config, hosts hostiface.Scheduling) *Core {
	c := &Core{cfg: cfg}

	c.Store = store.New(handleCacheSize)
	c.Planner = planner.New(cfg, c.Store)
	r := runner.New(cfg.CLIPath)
	c.Engine = lifecycle.NewEngine(cfg, r, c.Store, workerConcurrency)
	c.Agent = agent.New(c.config, r, c.Store, c.Planner, hosts, c.Engine)
	c.Facade = facade.New(c.config, c.Store, c.Planner, c.Engine, hosts)

	// The lifecycle engine has no visibility into the agent (importing
	// pkg/agent from pkg/lifecycle would cycle back through
	// pkg/lifecycle's own store dependency), so this callback is the
	// seam that lets a persistent-buffer create trigger an immediate
	// snapshot write on the agent's next pass.
	c.Engine.OnPersistentCreated = c.Agent.NotePersistentCreated

	return c
}

// config satisfies the cfgFn signature every component below Core
// takes, so a config reload is visible to all of them without giving
// any of them direct access to Core's own mutex.
func (c *Core) config() config.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg
}

// OnConfigReload implements config.Reloader, letting a config.Watcher
// push a freshly loaded Config into Core without restarting anything
// wired against c.config.
func (c *Core) OnConfigReload(cfg config.Config) {
	c.mu.Lock()
	c.cfg = cfg
	c.mu.Unlock()
}

// Start loads the on-disk snapshot, begins watching the state save
// directory and config file, and starts the agent's periodic pass
// loop. It returns once initialization completes; the agent and
// watchers continue running until Stop is called.
func (c *Core) Start(ctx context.Context, configPath string) error {
	cfg := c.config()
	logger := log.Log(log.Agent)

	if err := c.Agent.LoadSnapshot(cfg); err != nil {
		logger.Warn("loading snapshot failed, starting with no recovered attribution")
	}
	if cfg.StateSaveDir != "" {
		if err := c.Agent.WatchArtifacts(cfg.StateSaveDir); err != nil {
			logger.Warn("watching state save directory failed")
		}
	}

	if configPath != "" && cfg.ConfigPollInterval > 0 {
		c.watcher = config.NewWatcher(configPath, cfg.ConfigPollInterval)
		c.watcher.RegisterReloader(c)
		go c.watcher.Run()
	}

	go c.Agent.Run(ctx)
	return nil
}

// Stop ends the agent pass loop and the config watcher, if either was started.
func (c *Core) Stop() {
	c.Agent.Stop()
	if c.watcher != nil {
		c.watcher.Stop()
	}
}
