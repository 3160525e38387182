// Package inferflow provides a top-level convenience entry point for creating
// inference pipelines with minimal boilerplate.
//
// Usage:
//
//	import "github.com/chriscantu/inferflow"
//
//	p := inferflow.New(myExecutor, myFallback)
//	p := inferflow.New(myExecutor, nil, inferflow.WithStore(myStore))
//
// This is a thin wrapper around [inference.NewPipeline] with default
// configuration; use the inference package directly when you need to tune
// concurrency, batching, or cache parameters.
package inferflow

import (
	"go.uber.org/zap"

	"github.com/chriscantu/inferflow/inference"
	"github.com/chriscantu/inferflow/inference/batch"
)

// Executor computes results for a batch of requests.
type Executor = batch.Executor

// Fallback produces a degraded result when the primary path fails.
type Fallback = inference.Fallback

// Option configures the pipeline created by [New].
type Option = inference.Option

// New creates an [inference.Pipeline] with default configuration.
// fallback may be nil; a static low-confidence result is served instead.
func New(executor Executor, fallback Fallback, opts ...Option) *inference.Pipeline {
	return inference.NewPipeline(inference.DefaultConfig(), executor, fallback, zap.NewNop(), opts...)
}

// Re-export pipeline options so callers never need to import inference/.

// WithStore replaces the default in-process result cache.
var WithStore = inference.WithStore

// WithKeyStrategy replaces the default hash fingerprint strategy.
var WithKeyStrategy = inference.WithKeyStrategy

// WithObserver registers an observer for internal pipeline events.
var WithObserver = inference.WithObserver
