// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package publisher

import (
	"log/slog"
	"time"
)

// Engine defaults.
const (
	DefaultMaxBatchSize    = 500
	DefaultDispatchTimeout = 5 * time.Second
	DefaultConcurrency     = 4
	DefaultBrowseDepth     = 3
	DefaultMaxBrowseNodes  = 10000
)

// Pool defaults.
const (
	DefaultOpenTimeout  = 30 * time.Second
	DefaultCloseTimeout = 5 * time.Second
)

// Option configures an Engine.
type Option func(*engineOptions)

type engineOptions struct {
	logger             *slog.Logger
	maxBatchSize       int
	catalog            *AttributeCatalog
	validateAttributes bool
	timestamps         TimestampsToReturn
	dispatchTimeout    time.Duration
	concurrency        int
	clock              func() time.Time
	metrics            *EngineMetrics
	browseDepth        int
	maxBrowseNodes     int
}

func defaultEngineOptions() *engineOptions {
	return &engineOptions{
		logger:          slog.Default(),
		maxBatchSize:    DefaultMaxBatchSize,
		timestamps:      TimestampsToReturnBoth,
		dispatchTimeout: DefaultDispatchTimeout,
		concurrency:     DefaultConcurrency,
		clock:           time.Now,
		browseDepth:     DefaultBrowseDepth,
		maxBrowseNodes:  DefaultMaxBrowseNodes,
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *engineOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMaxBatchSize limits the number of monitored items created per request.
func WithMaxBatchSize(n int) Option {
	return func(o *engineOptions) {
		if n > 0 {
			o.maxBatchSize = n
		}
	}
}

// WithCatalog sets the attribute catalog used when validating attributes.
func WithCatalog(c *AttributeCatalog) Option {
	return func(o *engineOptions) {
		o.catalog = c
	}
}

// WithAttributeValidation reads the node class of every item before creating
// it and rejects attributes the class does not define.
func WithAttributeValidation(enabled bool) Option {
	return func(o *engineOptions) {
		o.validateAttributes = enabled
	}
}

// WithTimestamps selects the timestamps requested for monitored items.
func WithTimestamps(ts TimestampsToReturn) Option {
	return func(o *engineOptions) {
		o.timestamps = ts
	}
}

// WithDispatchTimeout bounds each Dispatch call.
func WithDispatchTimeout(d time.Duration) Option {
	return func(o *engineOptions) {
		if d > 0 {
			o.dispatchTimeout = d
		}
	}
}

// WithConcurrency sets how many connections Start applies in parallel.
func WithConcurrency(n int) Option {
	return func(o *engineOptions) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

// WithClock overrides the time source used for heartbeats.
func WithClock(now func() time.Time) Option {
	return func(o *engineOptions) {
		if now != nil {
			o.clock = now
		}
	}
}

// WithBrowseLimits bounds the address space browsed by a watch: depth levels
// below the root and at most nodes nodes in total.
func WithBrowseLimits(depth, nodes int) Option {
	return func(o *engineOptions) {
		if depth > 0 {
			o.browseDepth = depth
		}
		if nodes > 0 {
			o.maxBrowseNodes = nodes
		}
	}
}

// WithMetrics shares a metrics instance.
func WithMetrics(m *EngineMetrics) Option {
	return func(o *engineOptions) {
		o.metrics = m
	}
}

// PoolOption configures a SessionPool.
type PoolOption func(*poolOptions)

type poolOptions struct {
	logger          *slog.Logger
	openTimeout     time.Duration
	closeTimeout    time.Duration
	healthCheckFreq time.Duration
}

func defaultPoolOptions() *poolOptions {
	return &poolOptions{
		logger:       slog.Default(),
		openTimeout:  DefaultOpenTimeout,
		closeTimeout: DefaultCloseTimeout,
	}
}

// WithPoolLogger sets the pool logger.
func WithPoolLogger(logger *slog.Logger) PoolOption {
	return func(o *poolOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithOpenTimeout bounds opening a session.
func WithOpenTimeout(d time.Duration) PoolOption {
	return func(o *poolOptions) {
		o.openTimeout = d
	}
}

// WithCloseTimeout bounds closing a session.
func WithCloseTimeout(d time.Duration) PoolOption {
	return func(o *poolOptions) {
		o.closeTimeout = d
	}
}

// WithHealthCheckFrequency enables periodic health checks of sessions that
// implement Pinger. Zero disables them.
func WithHealthCheckFrequency(d time.Duration) PoolOption {
	return func(o *poolOptions) {
		o.healthCheckFreq = d
	}
}
