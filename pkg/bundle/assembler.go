package bundle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/kindling-ai/kindling/internal/metrics"
	"github.com/kindling-ai/kindling/pkg/engine"
)

// ErrAssemblyFailed marks an engine-side assembly failure. Retryable: the
// cache never stores a failed assembly, so the next caller triggers a new
// attempt.
var ErrAssemblyFailed = errors.New("bundle assembly failed")

// Assembler converts configuration documents into runtime bundles via the
// execution engine
type Assembler struct {
	engine  engine.Engine
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// AssemblerConfig holds assembler construction options
type AssemblerConfig struct {
	Engine engine.Engine
	Logger zerolog.Logger
	// Metrics is optional; nil disables instrumentation
	Metrics *metrics.Metrics
}

// NewAssembler creates a new assembler
func NewAssembler(cfg AssemblerConfig) (*Assembler, error) {
	if cfg.Engine == nil {
		return nil, errors.New("engine is required")
	}
	return &Assembler{
		engine:  cfg.Engine,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}, nil
}

// Assemble requests a runtime-ready bundle for the document from the engine
func (a *Assembler) Assemble(ctx context.Context, doc engine.Document) (engine.BundleHandle, error) {
	start := time.Now()

	handle, err := a.engine.Assemble(ctx, doc)

	elapsed := time.Since(start)
	if a.metrics != nil {
		a.metrics.BundleAssemblySeconds.Observe(elapsed.Seconds())
	}

	if err != nil {
		if a.metrics != nil {
			a.metrics.BundleAssembliesTotal.WithLabelValues("failure").Inc()
		}
		return nil, fmt.Errorf("%w: %v", ErrAssemblyFailed, err)
	}

	if a.metrics != nil {
		a.metrics.BundleAssembliesTotal.WithLabelValues("success").Inc()
	}
	a.logger.Debug().Dur("elapsed", elapsed).Msg("Bundle assembled")
	return handle, nil
}

// AssembleFuncFor adapts the assembler into the cache's AssembleFunc for a
// fixed document
func (a *Assembler) AssembleFuncFor(doc engine.Document) AssembleFunc {
	return func(ctx context.Context) (engine.BundleHandle, error) {
		return a.Assemble(ctx, doc)
	}
}
