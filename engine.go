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
	"fmt"
	"log/slog"
	"reflect"
	"slices"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Engine turns subscription groups into live server subscriptions and routes
// their notifications to a Dispatcher as NotificationRecords.
type Engine struct {
	pool       *SessionPool
	dispatcher Dispatcher
	opts       *engineOptions
	catalog    *AttributeCatalog
	metrics    *EngineMetrics
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	groups map[SubscriptionIdentifier]*activeGroup
	closed bool
}

// NewEngine creates an engine drawing sessions from pool.
func NewEngine(pool *SessionPool, dispatcher Dispatcher, opts ...Option) (*Engine, error) {
	if pool == nil {
		return nil, errors.New("publisher: session pool cannot be nil")
	}
	if dispatcher == nil {
		return nil, errors.New("publisher: dispatcher cannot be nil")
	}

	options := defaultEngineOptions()
	for _, opt := range opts {
		opt(options)
	}
	if options.metrics == nil {
		options.metrics = NewEngineMetrics()
	}
	catalog := options.catalog
	if catalog == nil {
		catalog = NewAttributeCatalog()
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		pool:       pool,
		dispatcher: dispatcher,
		opts:       options,
		catalog:    catalog,
		metrics:    options.metrics,
		logger:     options.logger,
		ctx:        ctx,
		cancel:     cancel,
		groups:     make(map[SubscriptionIdentifier]*activeGroup),
	}
	pool.OnEvict(e.sessionLost)
	return e, nil
}

type activeGroup struct {
	id       SubscriptionIdentifier
	config   PublishingConfig
	interval time.Duration
	// group is guarded by Engine.mu for reads and also by patchMu for writes.
	group   SubscriptionGroup
	session Session
	sub     Subscription
	clock   func() time.Time

	ctx  context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	// patchMu serializes item changes on a live subscription.
	patchMu sync.Mutex
	closed  bool

	publishMu sync.Mutex

	mu         sync.Mutex
	items      map[uint32]*itemState
	extensions []ExtensionField
	next       uint32
	readers    map[readKey]bool
}

type itemState struct {
	decl        MonitoredItemSpec
	spec        MonitoredItemSpec
	node        NodeID
	readNode    NodeID
	registered  bool
	cyclic      bool
	key         readKey
	monitoredID uint32
	fields      []string
	last        *DataValue
	lastGood    *DataValue
	changed     bool
	seen        bool

	running    bool
	stop       context.CancelFunc
	conditions *conditionCache
	trigger    chan struct{}
}

// target is an item with its resolved node. A bad status means the item
// could not be resolved.
type target struct {
	decl   MonitoredItemSpec
	spec   Monitorable
	node   NodeID
	status StatusCode
}

func (e *Engine) newActiveGroup(g SubscriptionGroup, s Session) *activeGroup {
	ctx, cancel := context.WithCancel(e.ctx)
	return &activeGroup{
		id:         g.ID(),
		config:     g.config,
		interval:   g.EffectivePublishingInterval(),
		group:      g,
		session:    s,
		clock:      e.opts.clock,
		ctx:        ctx,
		stop:       cancel,
		items:      make(map[uint32]*itemState),
		extensions: extensionsOf(g.items),
		readers:    make(map[readKey]bool),
	}
}

// Metrics returns the engine metrics.
func (e *Engine) Metrics() *EngineMetrics {
	return e.metrics
}

// Groups returns the applied groups ordered by identifier.
func (e *Engine) Groups() []SubscriptionGroup {
	e.mu.Lock()
	out := make([]SubscriptionGroup, 0, len(e.groups))
	for _, ag := range e.groups {
		out = append(out, ag.group)
	}
	e.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID().String() < out[j].ID().String() })
	return out
}

// Group returns the applied group with the given identifier.
func (e *Engine) Group(id SubscriptionIdentifier) (SubscriptionGroup, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ag, ok := e.groups[id]
	if !ok {
		return SubscriptionGroup{}, false
	}
	return ag.group, true
}

// Start applies groups, one goroutine per connection.
func (e *Engine) Start(ctx context.Context, groups []SubscriptionGroup) error {
	byConn := make(map[ConnectionKey][]SubscriptionGroup)
	var order []ConnectionKey
	for _, g := range groups {
		key := g.ID().Connection()
		if _, ok := byConn[key]; !ok {
			order = append(order, key)
		}
		byConn[key] = append(byConn[key], g)
	}

	// Connections start independently; every group error is returned.
	var (
		eg   errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	eg.SetLimit(e.opts.concurrency)
	for _, key := range order {
		gs := byConn[key]
		eg.Go(func() error {
			for _, g := range gs {
				if err := e.Apply(ctx, g); err != nil {
					mu.Lock()
					errs = append(errs, err)
					mu.Unlock()
				}
			}
			return nil
		})
	}
	_ = eg.Wait()
	return errors.Join(errs...)
}

// Reconfigure moves the engine to the next set of groups. Removed groups are
// torn down, changed groups are patched or recreated and new groups are applied.
func (e *Engine) Reconfigure(ctx context.Context, next []SubscriptionGroup) (GroupDiff, error) {
	d := DiffGroups(e.Groups(), next)
	if d.Empty() {
		return d, nil
	}

	for _, id := range d.Removed {
		if err := e.Remove(ctx, id); err != nil && !errors.Is(err, ErrSubscriptionNotFound) {
			return d, err
		}
	}

	byID := make(map[SubscriptionIdentifier]SubscriptionGroup, len(next))
	for _, g := range next {
		byID[g.ID()] = g
	}
	apply := make([]SubscriptionGroup, 0, len(d.Updated)+len(d.Added))
	for _, u := range d.Updated {
		apply = append(apply, byID[u.ID])
	}
	for _, id := range d.Added {
		apply = append(apply, byID[id])
	}
	return d, e.Start(ctx, apply)
}

// Apply creates the subscription for g. A group already applied with the
// same content is left alone. When only its items differ the live
// subscription is patched; other changes recreate it.
//
// Only group level failures are returned. Items that cannot be resolved or
// created are reported to the dispatcher as error records.
func (e *Engine) Apply(ctx context.Context, g SubscriptionGroup) error {
	if err := g.Validate(); err != nil {
		return err
	}
	id := g.ID()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	cur, ok := e.groups[id]
	var applied SubscriptionGroup
	if ok {
		applied = cur.group
	}
	e.mu.Unlock()
	if ok {
		if reflect.DeepEqual(applied.config, g.config) {
			if itemsEqual(applied.items, g.items) {
				return nil
			}
			return e.update(ctx, cur, g)
		}
		if err := e.Remove(ctx, id); err != nil && !errors.Is(err, ErrSubscriptionNotFound) {
			return err
		}
	}
	if g.IsInert() {
		e.logger.Warn("subscription has no items", slog.String("subscription", id.String()))
	}

	session, err := e.pool.Acquire(ctx, id.Connection())
	if err != nil {
		return fmt.Errorf("publisher: %s: %w", id, err)
	}

	ag := e.newActiveGroup(g, session)
	targets, records := failures(e.resolve(ctx, session, g, g.items))

	sub, err := session.CreateSubscription(ctx, ParametersFor(g), func(raw RawNotification) {
		e.deliver(ag, raw)
	})
	if err != nil {
		ag.stop()
		e.releaseSession(id.Connection())
		return fmt.Errorf("publisher: %s: create subscription: %w", id, err)
	}
	ag.sub = sub
	rev := sub.Revised()
	e.logger.Info("subscription created",
		slog.String("subscription", id.String()),
		slog.Uint64("id", uint64(sub.ID())),
		slog.Float64("revised_interval_ms", rev.RevisedPublishingInterval),
		slog.Uint64("revised_keepalive", uint64(rev.RevisedMaxKeepAliveCount)))

	records = append(records, e.addItems(ctx, ag, targets)...)

	e.mu.Lock()
	_, dup := e.groups[id]
	if e.closed || dup {
		e.mu.Unlock()
		ag.stop()
		e.metrics.MonitoredItems.Add(-int64(ag.monitoredCount()))
		e.unregister(ctx, ag, ag.registeredNodes())
		_ = e.cancelSubscription(ctx, ag)
		e.releaseSession(id.Connection())
		if dup {
			return fmt.Errorf("%w: %s applied concurrently", ErrInvalidGroup, id)
		}
		return ErrEngineClosed
	}
	e.groups[id] = ag
	e.metrics.Subscriptions.Add(1)
	e.startTimers(ag)
	e.mu.Unlock()

	e.loadMetaData(ctx, ag)
	e.publishRecords(ag, records)
	if g.config.PublishImmediately {
		e.readNow(ctx, ag, 0, ag.dataHandles())
	}
	return nil
}

// update patches a live subscription whose items changed: monitored items of
// removed specs are deleted and added specs are resolved and created.
func (e *Engine) update(ctx context.Context, ag *activeGroup, g SubscriptionGroup) error {
	ag.patchMu.Lock()
	defer ag.patchMu.Unlock()
	if ag.closed {
		return fmt.Errorf("publisher: %s: %w", ag.id, ErrSubscriptionNotFound)
	}

	e.mu.Lock()
	prev := ag.group.items
	e.mu.Unlock()

	removed := missingFrom(prev, g.items)
	added := missingFrom(g.items, prev)

	var drop []uint32
	for _, spec := range removed {
		if h, ok := ag.handleOf(spec); ok {
			drop = append(drop, h)
		}
	}
	e.removeItems(ctx, ag, drop)

	targets, records := failures(e.resolve(ctx, ag.session, g, added))
	records = append(records, e.addItems(ctx, ag, targets)...)

	ag.mu.Lock()
	ag.extensions = extensionsOf(g.items)
	ag.mu.Unlock()
	e.mu.Lock()
	ag.group = g
	e.mu.Unlock()
	e.startTimers(ag)

	e.logger.Info("subscription updated",
		slog.String("subscription", ag.id.String()),
		slog.Int("added", len(added)),
		slog.Int("removed", len(removed)))

	e.loadMetaData(ctx, ag)
	e.publishRecords(ag, records)
	return nil
}

// missingFrom returns the specs of a that b does not contain.
func missingFrom(a, b []MonitoredItemSpec) []MonitoredItemSpec {
	var out []MonitoredItemSpec
	for _, x := range a {
		if !slices.ContainsFunc(b, func(y MonitoredItemSpec) bool { return SpecEqual(x, y) }) {
			out = append(out, x)
		}
	}
	return out
}

func extensionsOf(items []MonitoredItemSpec) []ExtensionField {
	var out []ExtensionField
	for _, it := range items {
		if x, ok := it.(ExtensionField); ok {
			out = append(out, x)
		}
	}
	return out
}

// failures splits resolved targets from the error records of those that failed.
func failures(targets []target) ([]target, []NotificationRecord) {
	var records []NotificationRecord
	kept := targets[:0]
	for _, t := range targets {
		if !t.status.IsGood() {
			records = append(records, FromError(t.spec, t.status))
			continue
		}
		kept = append(kept, t)
	}
	return kept, records
}

// resolve turns every monitorable item into a node id. Browse paths are
// translated in one batch starting from the Objects folder.
func (e *Engine) resolve(ctx context.Context, s Session, g SubscriptionGroup, items []MonitoredItemSpec) []target {
	var (
		targets   []target
		paths     []RelativePath
		pathIndex = make(map[RelativePathKey]int)
		pending   = make(map[int]int)
	)

	for _, spec := range items {
		m, ok := spec.(Monitorable)
		if !ok {
			continue
		}
		t := target{decl: spec, spec: m}
		base := m.Base()
		node, ok, err := base.NodeID()
		if err != nil {
			t.status = StatusBadNodeIDInvalid
			targets = append(targets, t)
			continue
		}
		if ok {
			t.node = node
			targets = append(targets, t)
			continue
		}
		key := base.PathKey()
		idx, seen := pathIndex[key]
		if !seen {
			rp, err := key.RelativePath()
			if err != nil {
				t.status = StatusBadBrowseNameInvalid
				targets = append(targets, t)
				continue
			}
			idx = len(paths)
			pathIndex[key] = idx
			paths = append(paths, rp)
		}
		pending[len(targets)] = idx
		targets = append(targets, t)
	}

	if len(paths) > 0 {
		status := make([]StatusCode, len(paths))
		nodes := make([]NodeID, len(paths))
		resp, err := s.TranslateBrowsePaths(ctx, ObjectsFolder, paths)
		if err != nil {
			e.logger.Warn("browse path translation failed",
				slog.String("subscription", g.id.String()),
				slog.String("error", err.Error()))
			for i := range status {
				status[i] = StatusCodeOf(err)
			}
		} else {
			b := NewBatchReconciler(ServiceTranslateBrowsePathsToNodeIds, resp.Header, resp.Results, resp.Diagnostics, paths, browseStatus)
			if err := b.Err(); err != nil {
				e.logger.Warn("browse path translation degraded",
					slog.String("subscription", g.id.String()),
					slog.String("error", err.Error()))
			}
			for i := range status {
				status[i] = b.Status()
				if status[i].IsGood() {
					status[i] = StatusBadUnexpectedError
				}
			}
			for i, op := range b.All() {
				status[i] = op.StatusCode
				if op.ErrorInfo == nil {
					nodes[i] = op.Result.Targets[0].TargetID
				}
			}
		}

		for i, idx := range pending {
			if !status[idx].IsGood() {
				targets[i].status = status[idx]
				continue
			}
			targets[i].node = nodes[idx]
		}
	}

	e.inspect(ctx, s, g, targets)
	return targets
}

func browseStatus(r BrowsePathResult) StatusCode {
	if r.StatusCode.IsGood() && len(r.Targets) == 0 {
		return StatusBadNoMatch
	}
	return r.StatusCode
}

// inspect reads display names and node classes of resolved targets when
// asked to. Read failures leave items unchanged; an attribute the node class
// does not define rejects the item.
func (e *Engine) inspect(ctx context.Context, s Session, g SubscriptionGroup, targets []target) {
	resolveNames := g.config.ResolveDisplayName
	if !resolveNames && !e.opts.validateAttributes {
		return
	}

	type slot struct {
		target int
		attr   AttributeID
	}
	var (
		reads []ReadValueID
		slots []slot
	)
	for i, t := range targets {
		if !t.status.IsGood() {
			continue
		}
		if resolveNames && t.spec.Base().DisplayName == "" {
			reads = append(reads, ReadValueID{NodeID: t.node, AttributeID: AttributeDisplayName})
			slots = append(slots, slot{i, AttributeDisplayName})
		}
		if e.opts.validateAttributes {
			reads = append(reads, ReadValueID{NodeID: t.node, AttributeID: AttributeNodeClass})
			slots = append(slots, slot{i, AttributeNodeClass})
		}
	}
	if len(reads) == 0 {
		return
	}

	resp, err := s.Read(ctx, 0, reads)
	if err != nil {
		e.logger.Warn("attribute read failed",
			slog.String("subscription", g.id.String()),
			slog.String("error", err.Error()))
		return
	}
	b := NewBatchReconciler(ServiceRead, resp.Header, resp.Results, resp.Diagnostics, reads, func(v DataValue) StatusCode { return v.StatusCode })
	if err := b.Err(); err != nil {
		e.logger.Warn("attribute read degraded",
			slog.String("subscription", g.id.String()),
			slog.String("error", err.Error()))
	}

	for i, op := range b.All() {
		if op.ErrorInfo != nil {
			continue
		}
		sl := slots[i]
		t := &targets[sl.target]
		switch sl.attr {
		case AttributeDisplayName:
			if name := displayText(op.Result.Value); name != "" {
				t.spec = t.spec.WithDisplayName(name).(Monitorable)
			}
		case AttributeNodeClass:
			nc, ok := nodeClassOf(op.Result.Value)
			if ok && !e.catalog.IsLegal(nc, t.spec.Base().Attribute) {
				t.status = StatusBadAttributeIDInvalid
			}
		}
	}
}

func displayText(v *Variant) string {
	if v == nil {
		return ""
	}
	switch t := v.Value.(type) {
	case LocalizedText:
		return t.Text
	case *LocalizedText:
		if t != nil {
			return t.Text
		}
	case string:
		return t
	}
	return ""
}

func nodeClassOf(v *Variant) (NodeClass, bool) {
	if v == nil {
		return 0, false
	}
	switch t := v.Value.(type) {
	case NodeClass:
		return t, true
	case int32:
		return NodeClass(t), true
	case uint32:
		return NodeClass(t), true
	}
	return 0, false
}

// addItems registers resolved targets. Cyclic read items are read by the
// engine; the others become monitored items.
func (e *Engine) addItems(ctx context.Context, ag *activeGroup, targets []target) []NotificationRecord {
	var monitored, cyclic []target
	for _, t := range targets {
		if d, ok := t.spec.(DataItem); ok && d.CyclicRead {
			cyclic = append(cyclic, t)
			continue
		}
		monitored = append(monitored, t)
	}
	e.addCyclic(ctx, ag, cyclic)
	return e.createItems(ctx, ag, monitored)
}

// add registers t under the next client handle. ag.mu must be held.
func (ag *activeGroup) add(t target) (uint32, *itemState) {
	ag.next++
	st := &itemState{decl: t.decl, spec: t.spec, node: t.node, readNode: t.node}
	switch s := t.spec.(type) {
	case EventItem:
		if s.Conditions != nil {
			st.conditions = newConditionCache()
		}
	case AddressSpaceWatch:
		st.trigger = make(chan struct{}, 1)
	}
	ag.items[ag.next] = st
	return ag.next, st
}

// createItems creates monitored items in batches. Handles are registered
// before each request so notifications racing the response are not lost.
func (e *Engine) createItems(ctx context.Context, ag *activeGroup, targets []target) []NotificationRecord {
	var records []NotificationRecord
	batch := e.opts.maxBatchSize

	for start := 0; start < len(targets); start += batch {
		end := min(start+batch, len(targets))
		reqs := make([]MonitoredItemCreateRequest, 0, end-start)

		ag.mu.Lock()
		for _, t := range targets[start:end] {
			handle, st := ag.add(t)
			req := t.spec.CreateRequest(t.node, handle)
			st.fields = selectNames(req)
			reqs = append(reqs, req)
		}
		ag.mu.Unlock()

		resp, err := ag.sub.CreateMonitoredItems(ctx, e.opts.timestamps, reqs)
		if err != nil {
			e.logger.Warn("create monitored items failed",
				slog.String("subscription", ag.id.String()),
				slog.Int("items", len(reqs)),
				slog.String("error", err.Error()))
			for _, req := range reqs {
				records = append(records, ag.fail(req.RequestedParameters.ClientHandle, StatusCodeOf(err)))
			}
			e.metrics.ItemFailures.Add(int64(len(reqs)))
			continue
		}

		b := NewBatchReconciler(ServiceCreateMonitoredItems, resp.Header, resp.Results, resp.Diagnostics, reqs,
			func(r MonitoredItemCreateResult) StatusCode { return r.StatusCode })
		if err := b.Err(); err != nil {
			e.logger.Warn("create monitored items degraded",
				slog.String("subscription", ag.id.String()),
				slog.String("error", err.Error()))
		}
		for _, op := range b.All() {
			handle := op.Request.RequestedParameters.ClientHandle
			if op.ErrorInfo != nil {
				e.logger.Debug("monitored item rejected",
					slog.String("subscription", ag.id.String()),
					slog.String("item", ag.itemID(handle)),
					slog.String("error", op.ErrorInfo.Error()))
				records = append(records, ag.fail(handle, op.StatusCode))
				e.metrics.ItemFailures.Add(1)
				continue
			}
			ag.mu.Lock()
			if st, ok := ag.items[handle]; ok {
				st.monitoredID = op.Result.MonitoredItemID
			}
			ag.mu.Unlock()
			e.metrics.MonitoredItems.Add(1)
		}
		for _, req := range b.Missing() {
			records = append(records, ag.fail(req.RequestedParameters.ClientHandle, b.Status()))
			e.metrics.ItemFailures.Add(1)
		}
	}
	return records
}

// removeItems forgets handles, deletes their monitored items and unregisters
// their registered nodes. Server side failures are logged only.
func (e *Engine) removeItems(ctx context.Context, ag *activeGroup, handles []uint32) {
	if len(handles) == 0 {
		return
	}
	var (
		ids        []uint32
		registered []NodeID
	)
	ag.mu.Lock()
	for _, h := range handles {
		st, ok := ag.items[h]
		if !ok {
			continue
		}
		delete(ag.items, h)
		if st.stop != nil {
			st.stop()
		}
		if st.monitoredID != 0 {
			ids = append(ids, st.monitoredID)
		}
		if st.registered {
			registered = append(registered, st.readNode)
		}
	}
	ag.mu.Unlock()

	for start := 0; start < len(ids); start += e.opts.maxBatchSize {
		batch := ids[start:min(start+e.opts.maxBatchSize, len(ids))]
		resp, err := ag.sub.DeleteMonitoredItems(ctx, batch)
		if err != nil {
			e.logger.Warn("delete monitored items failed",
				slog.String("subscription", ag.id.String()),
				slog.Int("items", len(batch)),
				slog.String("error", err.Error()))
			continue
		}
		b := NewBatchReconciler(ServiceDeleteMonitoredItems, resp.Header, resp.Results, resp.Diagnostics, batch,
			func(sc StatusCode) StatusCode { return sc })
		if err := b.Err(); err != nil {
			e.logger.Warn("delete monitored items degraded",
				slog.String("subscription", ag.id.String()),
				slog.String("error", err.Error()))
		}
	}
	e.metrics.MonitoredItems.Add(-int64(len(ids)))
	e.unregister(ctx, ag, registered)
}

func selectNames(req MonitoredItemCreateRequest) []string {
	f, ok := req.RequestedParameters.Filter.(EventFilter)
	if !ok {
		return nil
	}
	names := make([]string, len(f.SelectClauses))
	for i, s := range f.SelectClauses {
		names[i] = s.Name()
	}
	return names
}

// fail unregisters handle and returns its error record.
func (ag *activeGroup) fail(handle uint32, sc StatusCode) NotificationRecord {
	ag.mu.Lock()
	st := ag.items[handle]
	delete(ag.items, handle)
	ag.mu.Unlock()
	return FromError(st.spec, sc)
}

func (ag *activeGroup) itemID(handle uint32) string {
	ag.mu.Lock()
	defer ag.mu.Unlock()
	if st, ok := ag.items[handle]; ok {
		return st.spec.ItemID()
	}
	return ""
}

// handleOf returns the handle of the item declared as spec.
func (ag *activeGroup) handleOf(spec MonitoredItemSpec) (uint32, bool) {
	ag.mu.Lock()
	defer ag.mu.Unlock()
	for _, h := range ag.handles() {
		if SpecEqual(ag.items[h].decl, spec) {
			return h, true
		}
	}
	return 0, false
}

func (ag *activeGroup) nodeOf(handle uint32) NodeID {
	ag.mu.Lock()
	defer ag.mu.Unlock()
	if st, ok := ag.items[handle]; ok {
		return st.node
	}
	return NodeID{}
}

func (ag *activeGroup) monitoredCount() int {
	ag.mu.Lock()
	defer ag.mu.Unlock()
	n := 0
	for _, st := range ag.items {
		if st.monitoredID != 0 {
			n++
		}
	}
	return n
}

func (ag *activeGroup) handles() []uint32 {
	hs := make([]uint32, 0, len(ag.items))
	for h := range ag.items {
		hs = append(hs, h)
	}
	slices.Sort(hs)
	return hs
}

func (e *Engine) deliver(ag *activeGroup, raw RawNotification) {
	e.metrics.PublishResponses.Add(1)
	e.publish(ag, func() []NotificationRecord { return ag.records(raw, e.metrics) })
}

// records converts one publish response. Every data change and event
// becomes a record; a bad status change becomes an error record per item.
// Condition events held for the next update tick produce no record.
// Extension fields are appended to every non-empty response.
func (ag *activeGroup) records(raw RawNotification, m *EngineMetrics) []NotificationRecord {
	ag.mu.Lock()
	defer ag.mu.Unlock()

	var out []NotificationRecord
	for _, dc := range raw.DataChanges {
		st, ok := ag.items[dc.ClientHandle]
		if !ok {
			m.Dropped.Add(1)
			continue
		}
		v := dc.Value
		st.changed = true
		st.last = &v
		if v.StatusCode.IsGood() {
			good := v
			st.lastGood = &good
		}
		if d, ok := st.spec.(DataItem); ok && d.SkipFirst && !st.seen {
			st.seen = true
			continue
		}
		st.seen = true
		rec := FromDataChange(st.spec, v, raw.SequenceNumber, dc.Overflow)
		m.DataChanges.Add(1)
		if rec.Flags.Has(FlagError) {
			m.ErrorRecords.Add(1)
		}
		out = append(out, rec)
	}

	for _, ev := range raw.Events {
		st, ok := ag.items[ev.ClientHandle]
		if !ok {
			m.Dropped.Add(1)
			continue
		}
		fields := make([]EventField, len(ev.Fields))
		for i, v := range ev.Fields {
			name := strconv.Itoa(i)
			if i < len(st.fields) {
				name = st.fields[i]
			}
			fields[i] = EventField{Name: name, Value: v}
		}
		m.Events.Add(1)
		switch s := st.spec.(type) {
		case AddressSpaceWatch:
			select {
			case st.trigger <- struct{}{}:
			default:
			}
		case EventItem:
			if st.conditions != nil && !st.conditions.observe(fields, s.Conditions.UpdateInterval > 0) {
				continue
			}
		}
		out = append(out, FromEvent(st.spec, fields, raw.SequenceNumber))
	}

	if raw.Status != nil && raw.Status.IsBad() {
		for _, h := range ag.handles() {
			out = append(out, FromError(ag.items[h].spec, *raw.Status))
			m.ErrorRecords.Add(1)
		}
	}
	return ag.withExtensions(out, raw.SequenceNumber)
}

// withExtensions appends the extension fields to a non-empty batch. ag.mu
// must be held.
func (ag *activeGroup) withExtensions(out []NotificationRecord, seq uint32) []NotificationRecord {
	if len(out) == 0 || len(ag.extensions) == 0 {
		return out
	}
	now := ag.clock()
	for _, x := range ag.extensions {
		dv := DataValue{Value: x.Value, StatusCode: StatusGood, SourceTimestamp: now, ServerTimestamp: now}
		out = append(out, FromDataChange(x, dv, seq, 0))
	}
	return out
}

// heartbeat returns the record due for st at now, if any. A watchdog
// heartbeat only fires when no change arrived since the previous tick.
func (ag *activeGroup) heartbeat(st *itemState, d DataItem, now time.Time) (NotificationRecord, bool) {
	ag.mu.Lock()
	defer ag.mu.Unlock()

	changed := st.changed
	st.changed = false
	if changed && !d.HeartbeatBehavior.Has(HeartbeatPeriodic) {
		return NotificationRecord{}, false
	}
	last := st.last
	if d.HeartbeatBehavior.Has(HeartbeatLastKnownGood) && st.lastGood != nil {
		last = st.lastGood
	}
	if last == nil {
		return NotificationRecord{}, false
	}
	return FromHeartbeat(st.spec, *last, now), true
}

// startTimers starts the timers of every item that has none yet: heartbeats,
// cyclic readers, condition updates and address space watches.
func (e *Engine) startTimers(ag *activeGroup) {
	ag.mu.Lock()
	defer ag.mu.Unlock()
	for _, h := range ag.handles() {
		st := ag.items[h]
		if st.running {
			continue
		}
		st.running = true
		ctx, cancel := context.WithCancel(ag.ctx)
		st.stop = cancel

		switch s := st.spec.(type) {
		case DataItem:
			if s.HeartbeatInterval > 0 {
				ag.wg.Add(1)
				go e.runHeartbeat(ctx, ag, st, s)
			}
			if st.cyclic && !ag.readers[st.key] {
				ag.readers[st.key] = true
				ag.wg.Add(1)
				go e.runReader(ag.ctx, ag, st.key)
			}
		case EventItem:
			if c := s.Conditions; c != nil && (c.UpdateInterval > 0 || c.SnapshotInterval > 0) {
				ag.wg.Add(1)
				go e.runConditions(ctx, ag, st, *c)
			}
		case AddressSpaceWatch:
			ag.wg.Add(1)
			go e.runWatch(ctx, ag, st)
		}
	}
}

func (e *Engine) runHeartbeat(ctx context.Context, ag *activeGroup, st *itemState, d DataItem) {
	defer ag.wg.Done()

	ticker := time.NewTicker(d.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		e.publish(ag, func() []NotificationRecord {
			rec, ok := ag.heartbeat(st, d, e.opts.clock())
			if !ok {
				return nil
			}
			e.metrics.Heartbeats.Add(1)
			return []NotificationRecord{rec}
		})
	}
}

func (ag *activeGroup) stopTimers() {
	ag.stop()
	ag.wg.Wait()
}

// publish produces a batch and dispatches it. With sequential publishing a
// batch is produced and dispatched before the next one starts.
func (e *Engine) publish(ag *activeGroup, produce func() []NotificationRecord) {
	if ag.config.SequentialPublishing {
		ag.publishMu.Lock()
		defer ag.publishMu.Unlock()
	}
	e.dispatch(ag.id, produce())
}

func (e *Engine) publishRecords(ag *activeGroup, records []NotificationRecord) {
	if len(records) == 0 {
		return
	}
	e.publish(ag, func() []NotificationRecord { return records })
}

func (e *Engine) dispatch(id SubscriptionIdentifier, records []NotificationRecord) {
	if len(records) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(e.ctx, e.opts.dispatchTimeout)
	defer cancel()

	start := time.Now()
	err := e.dispatcher.Dispatch(ctx, id, records)
	e.metrics.DispatchLatency.Observe(time.Since(start))
	if err != nil {
		e.metrics.DispatchFailures.Add(1)
		e.logger.Warn("dispatch failed",
			slog.String("subscription", id.String()),
			slog.Int("records", len(records)),
			slog.String("error", err.Error()))
	}
}

// Remove deletes the subscription for id and releases its session.
func (e *Engine) Remove(ctx context.Context, id SubscriptionIdentifier) error {
	e.mu.Lock()
	ag, ok := e.groups[id]
	if !ok {
		e.mu.Unlock()
		return ErrSubscriptionNotFound
	}
	delete(e.groups, id)
	e.mu.Unlock()

	return e.teardown(ctx, ag, true)
}

func (e *Engine) teardown(ctx context.Context, ag *activeGroup, live bool) error {
	ag.stopTimers()
	ag.patchMu.Lock()
	ag.closed = true
	ag.patchMu.Unlock()
	e.metrics.Subscriptions.Add(-1)
	e.metrics.MonitoredItems.Add(-int64(ag.monitoredCount()))

	if !live {
		e.logger.Info("subscription detached", slog.String("subscription", ag.id.String()))
		return nil
	}
	e.unregister(ctx, ag, ag.registeredNodes())
	err := e.cancelSubscription(ctx, ag)
	e.releaseSession(ag.id.Connection())
	e.logger.Info("subscription removed", slog.String("subscription", ag.id.String()))
	return err
}

func (e *Engine) cancelSubscription(ctx context.Context, ag *activeGroup) error {
	if err := ag.sub.Cancel(ctx); err != nil {
		e.logger.Warn("subscription cancel failed",
			slog.String("subscription", ag.id.String()),
			slog.String("error", err.Error()))
		return fmt.Errorf("publisher: %s: cancel: %w", ag.id, err)
	}
	return nil
}

func (e *Engine) releaseSession(key ConnectionKey) {
	if err := e.pool.Release(key); err != nil && !errors.Is(err, ErrSessionNotFound) {
		e.logger.Warn("session release failed",
			slog.String("connection", key.String()),
			slog.String("error", err.Error()))
	}
}

// sessionLost detaches every group on key, reports their items as failed
// and reapplies the groups in the background.
func (e *Engine) sessionLost(key ConnectionKey, cause error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	var lost []*activeGroup
	for id, ag := range e.groups {
		if id.Connection().Equal(key) {
			lost = append(lost, ag)
			delete(e.groups, id)
		}
	}
	if len(lost) == 0 {
		e.mu.Unlock()
		return
	}
	e.wg.Add(1)
	e.mu.Unlock()

	e.logger.Warn("connection lost",
		slog.String("connection", key.String()),
		slog.Int("subscriptions", len(lost)),
		slog.String("error", cause.Error()))

	for _, ag := range lost {
		_ = e.teardown(e.ctx, ag, false)
		ag.mu.Lock()
		var records []NotificationRecord
		for _, h := range ag.handles() {
			records = append(records, FromError(ag.items[h].spec, StatusBadNoCommunication))
		}
		ag.mu.Unlock()
		e.metrics.ErrorRecords.Add(int64(len(records)))
		e.dispatch(ag.id, records)
	}

	go func() {
		defer e.wg.Done()
		for _, ag := range lost {
			if err := e.Apply(e.ctx, ag.group); err != nil {
				e.logger.Error("reapply failed",
					slog.String("subscription", ag.id.String()),
					slog.String("error", err.Error()))
			}
		}
	}()
}

// Close removes every subscription. The pool is left open.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	groups := e.groups
	e.groups = make(map[SubscriptionIdentifier]*activeGroup)
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()

	var errs []error
	for _, ag := range groups {
		if err := e.teardown(ctx, ag, true); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
