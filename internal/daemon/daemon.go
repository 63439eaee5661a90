package daemon

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/kindling-ai/kindling/internal/config"
	"github.com/kindling-ai/kindling/internal/logger"
	"github.com/kindling-ai/kindling/internal/metrics"
	"github.com/kindling-ai/kindling/pkg/bridge"
	"github.com/kindling-ai/kindling/pkg/bundle"
	"github.com/kindling-ai/kindling/pkg/configstore"
	"github.com/kindling-ai/kindling/pkg/engine"
	"github.com/kindling-ai/kindling/pkg/gate"
	"github.com/kindling-ai/kindling/pkg/gateway"
	"github.com/kindling-ai/kindling/pkg/registry"
	"github.com/kindling-ai/kindling/pkg/service"
)

// Daemon wires the full session system together: configuration store,
// bundle cache, execution engine, session registry, access gate, service,
// and the WebSocket gateway.
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	metrics       *metrics.Metrics
	configs       *configstore.Store
	watcher       *configstore.Watcher
	sessionStore  *registry.Store
	registry      *registry.Registry
	cache         *bundle.Cache
	assembler     *bundle.Assembler
	bridge        *bridge.Bridge
	apps          *gate.AppStore
	gate          *gate.Gate
	service       *service.Service
	gatewayServer *gateway.Server
	metricsServer *http.Server

	scheduler *cron.Cron
	lifecycle *LifecycleManager

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startTime time.Time
	running   bool
	mu        sync.RWMutex
}

// New creates a daemon instance, building every component in dependency
// order. Nothing starts serving until Start.
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Daemon{
		config: cfg,
		logger: log,
		ctx:    ctx,
		cancel: cancel,
	}

	if err := d.initialize(); err != nil {
		cancel()
		d.closeStores()
		return nil, err
	}

	d.lifecycle = NewLifecycleManager(d)
	return d, nil
}

func (d *Daemon) initialize() error {
	zl := d.logger.GetZerolog()

	if err := os.MkdirAll(d.config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	if d.config.Metrics.Enabled {
		d.metrics = metrics.New()
	}

	configs, err := configstore.New(configstore.Config{
		DBPath: d.config.ConfigDBPath(),
		Logger: zl.With().Str("component", "configstore").Logger(),
	})
	if err != nil {
		return fmt.Errorf("failed to open configuration store: %w", err)
	}
	d.configs = configs

	if d.config.ManifestsDir != "" {
		watcher, err := configstore.NewWatcher(configs, d.config.ManifestsDir,
			zl.With().Str("component", "manifest-watcher").Logger())
		if err != nil {
			return fmt.Errorf("failed to create manifest watcher: %w", err)
		}
		d.watcher = watcher
	}

	sessionStore, err := registry.NewStore(d.config.SessionDBPath())
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	d.sessionStore = sessionStore

	reg, err := registry.New(registry.Config{
		Store:   sessionStore,
		Logger:  zl.With().Str("component", "registry").Logger(),
		Metrics: d.metrics,
	})
	if err != nil {
		return fmt.Errorf("failed to build session registry: %w", err)
	}
	d.registry = reg

	eng := engine.NewProviderEngine(engine.Credentials{
		AnthropicAPIKey: d.config.Providers.AnthropicAPIKey,
		OpenAIAPIKey:    d.config.Providers.OpenAIAPIKey,
	})

	assembler, err := bundle.NewAssembler(bundle.AssemblerConfig{
		Engine:  eng,
		Logger:  zl.With().Str("component", "assembler").Logger(),
		Metrics: d.metrics,
	})
	if err != nil {
		return fmt.Errorf("failed to build assembler: %w", err)
	}
	d.assembler = assembler

	d.cache = bundle.NewCache(bundle.CacheConfig{
		IdleTTL: d.config.Cache.IdleTTL,
		Logger:  zl.With().Str("component", "bundle-cache").Logger(),
		Metrics: d.metrics,
	})

	br, err := bridge.New(bridge.Config{
		Registry:     reg,
		Logger:       zl.With().Str("component", "bridge").Logger(),
		Metrics:      d.metrics,
		TurnTimeout:  d.config.Execution.TurnTimeout,
		StreamBuffer: d.config.Execution.StreamBuffer,
	})
	if err != nil {
		return fmt.Errorf("failed to build bridge: %w", err)
	}
	d.bridge = br

	apps, err := gate.NewAppStore(d.config.AppDBPath())
	if err != nil {
		return fmt.Errorf("failed to open application store: %w", err)
	}
	d.apps = apps

	g, err := gate.New(gate.Config{
		Apps:   apps,
		Logger: zl.With().Str("component", "gate").Logger(),
	})
	if err != nil {
		return fmt.Errorf("failed to build gate: %w", err)
	}
	d.gate = g

	svc, err := service.New(service.Config{
		Configs:   configs,
		Cache:     d.cache,
		Assembler: assembler,
		Bridge:    br,
		Registry:  reg,
		Logger:    zl.With().Str("component", "service").Logger(),
		Metrics:   d.metrics,
	})
	if err != nil {
		return fmt.Errorf("failed to build service: %w", err)
	}
	d.service = svc

	if d.config.Gateway.Enabled {
		gw, err := gateway.New(gateway.Config{
			ListenAddr:   d.config.Gateway.ListenAddr,
			TrustedLocal: d.config.Gateway.TrustedLocal,
			Gate:         g,
			Service:      svc,
			Metrics:      d.metrics,
			Logger:       zl.With().Str("component", "gateway").Logger(),
		})
		if err != nil {
			return fmt.Errorf("failed to build gateway: %w", err)
		}
		d.gatewayServer = gw
	}

	d.scheduler = cron.New()
	return nil
}

// Start brings the daemon up: lifecycle, manifest sync, maintenance jobs,
// and the serving surfaces
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	if err := d.lifecycle.Start(); err != nil {
		return err
	}

	if d.watcher != nil {
		if err := d.watcher.SyncAll(d.ctx); err != nil {
			d.logger.Warn().Err(err).Msg("Initial manifest sync failed")
		}
	}

	if err := d.scheduleMaintenance(); err != nil {
		return err
	}
	d.scheduler.Start()

	if d.metrics != nil && d.config.Metrics.Enabled {
		d.startMetricsServer()
	}

	if d.gatewayServer != nil {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			if err := d.gatewayServer.Start(); err != nil {
				d.logger.Error().Err(err).Msg("Gateway server stopped")
			}
		}()
	}

	d.logger.Info().
		Str("data_dir", d.config.DataDir).
		Bool("gateway", d.gatewayServer != nil).
		Msg("Daemon started")
	return nil
}

// scheduleMaintenance registers the recurring background jobs
func (d *Daemon) scheduleMaintenance() error {
	sweepEvery := fmt.Sprintf("@every %s", d.config.Cache.SweepInterval)
	if _, err := d.scheduler.AddFunc(sweepEvery, func() {
		if n := d.cache.Sweep(); n > 0 {
			d.logger.Debug().Int("evicted", n).Msg("Bundle cache swept")
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule cache sweep: %w", err)
	}

	// WAL files grow unbounded without periodic checkpoints
	if _, err := d.scheduler.AddFunc("@every 1h", func() {
		if err := d.sessionStore.Checkpoint(context.Background()); err != nil {
			d.logger.Warn().Err(err).Msg("Session store checkpoint failed")
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule checkpoint: %w", err)
	}
	return nil
}

func (d *Daemon) startMetricsServer() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", d.metrics.Handler())
	d.metricsServer = &http.Server{
		Addr:              d.config.Metrics.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.logger.Info().Str("addr", d.config.Metrics.ListenAddr).Msg("Metrics endpoint listening")
		if err := d.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			d.logger.Error().Err(err).Msg("Metrics server stopped")
		}
	}()
}

// Stop shuts everything down in reverse dependency order
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	d.mu.Unlock()

	d.logger.Info().Msg("Daemon stopping")

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	<-d.scheduler.Stop().Done()

	if d.gatewayServer != nil {
		if err := d.gatewayServer.Stop(stopCtx); err != nil {
			d.logger.Warn().Err(err).Msg("Gateway shutdown failed")
		}
	}
	if d.metricsServer != nil {
		if err := d.metricsServer.Shutdown(stopCtx); err != nil {
			d.logger.Warn().Err(err).Msg("Metrics shutdown failed")
		}
	}
	if d.watcher != nil {
		if err := d.watcher.Stop(); err != nil {
			d.logger.Warn().Err(err).Msg("Manifest watcher shutdown failed")
		}
	}

	d.cancel()
	d.wg.Wait()

	d.service.Close()
	d.closeStores()

	if err := d.lifecycle.Stop(); err != nil {
		d.logger.Warn().Err(err).Msg("Lifecycle shutdown failed")
	}

	d.logger.Info().Dur("uptime", time.Since(d.startTime)).Msg("Daemon stopped")
	return nil
}

func (d *Daemon) closeStores() {
	if d.configs != nil {
		d.configs.Close()
	}
	if d.sessionStore != nil {
		d.sessionStore.Close()
	}
	if d.apps != nil {
		d.apps.Close()
	}
}

// Wait blocks until SIGINT or SIGTERM, then stops the daemon
func (d *Daemon) Wait() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	d.logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received")

	if err := d.Stop(); err != nil {
		d.logger.Error().Err(err).Msg("Shutdown failed")
	}
}

// Status reports daemon state
type Status struct {
	Running      bool          `json:"running"`
	Uptime       time.Duration `json:"uptime"`
	PID          int           `json:"pid"`
	CachedBundle int           `json:"cached_bundles"`
}

// Status returns a snapshot of daemon state
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	st := Status{
		Running: d.running,
		PID:     os.Getpid(),
	}
	if d.running {
		st.Uptime = time.Since(d.startTime)
		st.CachedBundle = d.cache.Len()
	}
	return st
}

// GetConfig returns the daemon configuration
func (d *Daemon) GetConfig() *config.Config {
	return d.config
}

// GetService returns the operation surface
func (d *Daemon) GetService() *service.Service {
	return d.service
}

// GetAppStore returns the application registry
func (d *Daemon) GetAppStore() *gate.AppStore {
	return d.apps
}
