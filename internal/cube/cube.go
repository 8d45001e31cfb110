package cube

import (
	"os"
	"path/filepath"
	"time"

	"github.com/kingrea/cubed/internal/agent"
	"github.com/kingrea/cubed/internal/cubeerr"
	"github.com/kingrea/cubed/internal/eventbus"
	"github.com/kingrea/cubed/internal/eventlog"
	"github.com/kingrea/cubed/internal/graph"
	"github.com/kingrea/cubed/internal/logging"
	"github.com/kingrea/cubed/internal/orchestrator"
	"github.com/kingrea/cubed/internal/queue"
	"github.com/kingrea/cubed/internal/store"
	"github.com/kingrea/cubed/internal/synthesis"
	"github.com/kingrea/cubed/internal/trigger"
)

// Options tunes a workspace at open time. A zero EventLogMaxBytes falls
// back to events.maxLogSize from cube.json; other zero fields fall back
// to the defaults of the subsystem they configure.
type Options struct {
	Name                string
	DisableIndex        bool
	DisableEvents       bool
	DisableAgents       bool
	EventLogMaxBytes    int64
	EventLogMaxLines    int
	EventLogRotateCount int
	StaleCheckInterval  time.Duration
	ExpireCheckInterval time.Duration
	StaleThreshold      time.Duration
	MinConfidence       float64
	DedupThreshold      float64
	PluginDir           string
}

// Cube is an opened workspace: the graph plus every subsystem wired
// over it. Fields are exported for embedding shells (CLI, HTTP) that
// need direct access to one subsystem.
type Cube struct {
	Config    Config
	Bus       *eventbus.Bus
	Graph     *graph.Graph
	EventLog  *eventlog.Log
	Triggers  *trigger.Engine
	Agents    *agent.Registry
	Queue     *queue.Queue
	Orch      *orchestrator.Orchestrator
	Synthesis *synthesis.Pipeline

	lock   *store.Lock
	logger *logging.Logger
}

// Open acquires the workspace at root and brings every subsystem up:
// the single-writer lock, the directory tree and config, the graph
// with its index, the event log and trigger engine, and (unless
// disabled) the agent registry, queue, and orchestrator.
func Open(root string, opts Options) (*Cube, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, cubeerr.New(cubeerr.IO, "cube.Open", err)
	}
	lock, err := store.AcquireLock(root)
	if err != nil {
		return nil, err
	}
	c := &Cube{lock: lock}
	fail := func(err error) (*Cube, error) {
		c.Close()
		return nil, err
	}

	c.logger, err = logging.New(root)
	if err != nil {
		return fail(err)
	}
	c.Config, err = EnsureConfig(root, opts.Name)
	if err != nil {
		return fail(err)
	}
	c.Bus = eventbus.NewBus(eventbus.WithLogger(c.logger))

	graphOpts := []graph.Option{graph.WithBus(c.Bus), graph.WithLogger(c.logger)}
	if opts.DisableIndex {
		graphOpts = append(graphOpts, graph.WithoutIndex())
	}
	c.Graph, err = graph.Open(root, graphOpts...)
	if err != nil {
		return fail(err)
	}

	if !opts.DisableEvents && c.Config.Events.Enabled {
		logOpts := []eventlog.Option{}
		maxBytes := opts.EventLogMaxBytes
		if maxBytes == 0 {
			maxBytes = c.Config.Events.MaxLogSize
		}
		logOpts = append(logOpts, eventlog.WithMaxBytes(maxBytes))
		if opts.EventLogMaxLines > 0 {
			logOpts = append(logOpts, eventlog.WithMaxLines(opts.EventLogMaxLines))
		}
		if opts.EventLogRotateCount > 0 {
			logOpts = append(logOpts, eventlog.WithRotateCount(opts.EventLogRotateCount))
		}
		c.EventLog = eventlog.New(filepath.Join(root, store.EventLogFile), logOpts...)
	}

	c.Triggers = trigger.NewEngine(c.Graph, c.Bus, c.EventLog, trigger.WithLogger(c.logger))
	c.Triggers.Start()
	if opts.PluginDir != "" {
		if err := installPlugins(c.Triggers, opts.PluginDir); err != nil {
			return fail(err)
		}
	}

	if !opts.DisableAgents {
		c.Agents, err = agent.NewRegistry(root, agent.WithBus(c.Bus))
		if err != nil {
			return fail(err)
		}
		c.Queue = queue.New(c.Graph, c.Agents, queue.WithBus(c.Bus))
		c.Orch = orchestrator.New(c.Graph, c.Agents, c.Queue, c.Bus, orchestrator.Options{
			StaleCheckInterval:  opts.StaleCheckInterval,
			ExpireCheckInterval: opts.ExpireCheckInterval,
			StaleThreshold:      opts.StaleThreshold,
		})
		c.Orch.Start()
	}

	c.Synthesis = synthesis.NewPipeline(c.Graph, synthesis.Options{
		MinConfidence:  opts.MinConfidence,
		DedupThreshold: opts.DedupThreshold,
	})

	c.Bus.Emit(eventbus.New(eventbus.CubeInitialized, eventbus.Payload{}))
	return c, nil
}

// installPlugins is indirected so the cube package does not import
// the yaegi-backed loader directly; the wiring entrypoint sets it.
var installPlugins = func(engine *trigger.Engine, dir string) error { return nil }

// SetPluginInstaller replaces the plugin hook. Embedders that link
// the root plugins package pass its Install function here.
func SetPluginInstaller(fn func(engine *trigger.Engine, dir string) error) {
	if fn != nil {
		installPlugins = fn
	}
}

// Close stops the timers and subscriptions, closes the index and the
// diagnostic log, and releases the workspace lock.
func (c *Cube) Close() error {
	if c.Orch != nil {
		c.Orch.Stop()
	}
	if c.Triggers != nil {
		c.Triggers.Stop()
	}
	var firstErr error
	if c.Graph != nil {
		if err := c.Graph.Close(); err != nil {
			firstErr = err
		}
	}
	if c.logger != nil {
		if err := c.logger.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if c.lock != nil {
		if err := c.lock.Release(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
