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
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Pinger is implemented by sessions that support health checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

// EvictFunc is called after an unhealthy session was removed from the pool.
type EvictFunc func(key ConnectionKey, cause error)

// SessionPool shares one session per connection key between all
// subscriptions on that connection. Sessions are reference counted and
// closed when the last reference is released.
type SessionPool struct {
	factory SessionFactory
	opts    *poolOptions
	entries map[ConnectionKey]*poolEntry
	onEvict []EvictFunc
	mu      sync.Mutex
	closed  bool
	closeCh chan struct{}
	wg      sync.WaitGroup
	metrics *PoolMetrics
	logger  *slog.Logger
}

type poolEntry struct {
	session Session
	refs    int
	ready   chan struct{}
	err     error
}

// NewSessionPool creates a pool that opens sessions through factory.
func NewSessionPool(factory SessionFactory, opts ...PoolOption) (*SessionPool, error) {
	if factory == nil {
		return nil, errors.New("publisher: session factory cannot be nil")
	}

	options := defaultPoolOptions()
	for _, opt := range opts {
		opt(options)
	}

	p := &SessionPool{
		factory: factory,
		opts:    options,
		entries: make(map[ConnectionKey]*poolEntry),
		closeCh: make(chan struct{}),
		metrics: NewPoolMetrics(),
		logger:  options.logger,
	}

	if options.healthCheckFreq > 0 {
		p.wg.Add(1)
		go p.healthChecker()
	}

	return p, nil
}

// OnEvict registers fn to be called when a session fails its health check.
func (p *SessionPool) OnEvict(fn EvictFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onEvict = append(p.onEvict, fn)
}

// Acquire returns the session for key, opening it on first use. Concurrent
// callers for the same key share a single open attempt. Every successful
// Acquire must be paired with a Release.
func (p *SessionPool) Acquire(ctx context.Context, key ConnectionKey) (Session, error) {
	if key.IsZero() {
		return nil, ErrInvalidEndpoint
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	p.metrics.Acquires.Add(1)

	if e, ok := p.entries[key]; ok {
		e.refs++
		p.mu.Unlock()
		select {
		case <-ctx.Done():
			p.release(key, e)
			return nil, ctx.Err()
		case <-e.ready:
		}
		if e.err != nil {
			return nil, e.err
		}
		return e.session, nil
	}

	e := &poolEntry{refs: 1, ready: make(chan struct{})}
	p.entries[key] = e
	p.mu.Unlock()

	s, err := p.open(ctx, key)

	p.mu.Lock()
	if err == nil && p.closed {
		err = ErrPoolClosed
		p.mu.Unlock()
		p.closeSession(key, s)
		p.mu.Lock()
	}
	if err != nil {
		e.err = err
		if p.entries[key] == e {
			delete(p.entries, key)
		}
		close(e.ready)
		p.mu.Unlock()
		return nil, err
	}
	e.session = s
	close(e.ready)
	p.mu.Unlock()

	return s, nil
}

func (p *SessionPool) open(ctx context.Context, key ConnectionKey) (Session, error) {
	if p.opts.openTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.openTimeout)
		defer cancel()
	}

	start := time.Now()
	s, err := p.factory.Open(ctx, key)
	p.metrics.OpenDuration.Observe(time.Since(start))
	if err == nil && s == nil {
		err = errors.New("publisher: session factory returned no session")
	}
	if err != nil {
		p.metrics.OpenFailures.Add(1)
		p.logger.Warn("session open failed",
			slog.String("connection", key.String()),
			slog.String("error", err.Error()))
		return nil, err
	}

	p.metrics.SessionsOpened.Add(1)
	p.metrics.OpenSessions.Add(1)
	p.logger.Info("session opened", slog.String("connection", key.String()))
	return s, nil
}

// Release drops one reference to the session for key.
func (p *SessionPool) Release(key ConnectionKey) error {
	p.mu.Lock()
	e, ok := p.entries[key]
	p.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}
	p.release(key, e)
	return nil
}

// release only touches e while it is still the live entry for key, so a
// stale reference cannot decrement a newer session.
func (p *SessionPool) release(key ConnectionKey, e *poolEntry) {
	p.mu.Lock()
	if p.entries[key] != e {
		p.mu.Unlock()
		return
	}
	p.metrics.Releases.Add(1)
	e.refs--
	if e.refs > 0 || e.session == nil {
		p.mu.Unlock()
		return
	}
	delete(p.entries, key)
	p.mu.Unlock()

	p.closeSession(key, e.session)
}

func (p *SessionPool) closeSession(key ConnectionKey, s Session) {
	ctx := context.Background()
	if p.opts.closeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.closeTimeout)
		defer cancel()
	}
	if err := s.Close(ctx); err != nil {
		p.logger.Warn("session close failed",
			slog.String("connection", key.String()),
			slog.String("error", err.Error()))
	}
	p.metrics.SessionsClosed.Add(1)
	p.metrics.OpenSessions.Add(-1)
	p.logger.Info("session closed", slog.String("connection", key.String()))
}

// Refs returns the reference count for key.
func (p *SessionPool) Refs(key ConnectionKey) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[key]; ok {
		return e.refs
	}
	return 0
}

// Len returns the number of sessions held.
func (p *SessionPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Metrics returns the pool metrics.
func (p *SessionPool) Metrics() *PoolMetrics {
	return p.metrics
}

// Close closes every session regardless of outstanding references.
func (p *SessionPool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.closeCh)
	entries := p.entries
	p.entries = make(map[ConnectionKey]*poolEntry)
	p.mu.Unlock()

	p.wg.Wait()

	for key, e := range entries {
		<-e.ready
		if e.session != nil {
			p.closeSession(key, e.session)
		}
	}
	return nil
}

func (p *SessionPool) healthChecker() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.opts.healthCheckFreq)
	defer ticker.Stop()

	for {
		select {
		case <-p.closeCh:
			return
		case <-ticker.C:
			p.checkHealth()
		}
	}
}

func (p *SessionPool) checkHealth() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	toCheck := make(map[ConnectionKey]*poolEntry, len(p.entries))
	for key, e := range p.entries {
		if e.session != nil {
			toCheck[key] = e
		}
	}
	p.mu.Unlock()

	for key, e := range toCheck {
		pinger, ok := e.session.(Pinger)
		if !ok {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), p.opts.healthCheckFreq)
		err := pinger.Ping(ctx)
		cancel()
		if err == nil {
			continue
		}
		p.evict(key, e, err)
	}
}

func (p *SessionPool) evict(key ConnectionKey, e *poolEntry, cause error) {
	p.mu.Lock()
	if p.entries[key] != e {
		p.mu.Unlock()
		return
	}
	delete(p.entries, key)
	handlers := append([]EvictFunc(nil), p.onEvict...)
	p.mu.Unlock()

	p.logger.Warn("session unhealthy, evicting",
		slog.String("connection", key.String()),
		slog.String("error", cause.Error()))
	p.closeSession(key, e.session)

	for _, fn := range handlers {
		fn(key, cause)
	}
}
