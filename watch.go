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
	"log/slog"
	"slices"
	"time"
)

// Event fields of a model change record.
const (
	AddedNodesField   = "Added"
	RemovedNodesField = "Removed"
)

// runWatch browses the watch root once as a baseline, then again on every
// rebrowse tick and every model change event. Differences are published as
// a model change record and browse path items are resolved again.
func (e *Engine) runWatch(ctx context.Context, ag *activeGroup, st *itemState) {
	defer ag.wg.Done()

	w := st.spec.(AddressSpaceWatch)
	var tick <-chan time.Time
	if w.RebrowsePeriod > 0 {
		t := time.NewTicker(w.RebrowsePeriod)
		defer t.Stop()
		tick = t.C
	}

	known, err := e.browseTree(ctx, ag.session, w.Root())
	if err != nil && ctx.Err() == nil {
		e.logger.Warn("baseline browse failed",
			slog.String("subscription", ag.id.String()),
			slog.String("item", w.ItemID()),
			slog.String("error", err.Error()))
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
		case <-st.trigger:
		}
		known = e.rebrowse(ctx, ag, st, w, known)
	}
}

// rebrowse compares the tree under the watch root with known and returns the
// new tree. A nil known only sets the baseline.
func (e *Engine) rebrowse(ctx context.Context, ag *activeGroup, st *itemState, w AddressSpaceWatch, known map[string]struct{}) map[string]struct{} {
	tree, err := e.browseTree(ctx, ag.session, w.Root())
	if err != nil {
		if ctx.Err() != nil {
			return known
		}
		e.logger.Warn("rebrowse failed",
			slog.String("subscription", ag.id.String()),
			slog.String("item", w.ItemID()),
			slog.String("error", err.Error()))
		e.publishRecords(ag, []NotificationRecord{FromError(st.spec, StatusCodeOf(err))})
		return known
	}
	e.metrics.Rebrowses.Add(1)
	if known == nil {
		return tree
	}

	var added, removed []string
	for n := range tree {
		if _, ok := known[n]; !ok {
			added = append(added, n)
		}
	}
	for n := range known {
		if _, ok := tree[n]; !ok {
			removed = append(removed, n)
		}
	}
	if len(added) == 0 && len(removed) == 0 {
		return tree
	}
	slices.Sort(added)
	slices.Sort(removed)

	e.logger.Info("address space changed",
		slog.String("subscription", ag.id.String()),
		slog.String("item", w.ItemID()),
		slog.Int("added", len(added)),
		slog.Int("removed", len(removed)))
	e.publishRecords(ag, []NotificationRecord{FromEvent(st.spec, []EventField{
		{Name: AddedNodesField, Value: &Variant{Type: TypeString, Value: added}},
		{Name: RemovedNodesField, Value: &Variant{Type: TypeString, Value: removed}},
	}, 0)})
	e.reresolve(ctx, ag)
	return tree
}

// browseTree collects the nodes reachable from root through hierarchical
// references, bounded by the browse depth and node limits.
func (e *Engine) browseTree(ctx context.Context, s Session, root NodeID) (map[string]struct{}, error) {
	tree := map[string]struct{}{root.Text(): {}}
	frontier := []NodeID{root}
	for depth := 0; depth < e.opts.browseDepth && len(frontier) > 0; depth++ {
		var next []NodeID
		for start := 0; start < len(frontier); start += e.opts.maxBatchSize {
			batch := frontier[start:min(start+e.opts.maxBatchSize, len(frontier))]
			resp, err := s.Browse(ctx, batch)
			if err != nil {
				return nil, err
			}
			b := NewBatchReconciler(ServiceBrowse, resp.Header, resp.Results, resp.Diagnostics, batch,
				func(r BrowseResult) StatusCode { return r.StatusCode })
			if err := b.Err(); err != nil {
				return nil, err
			}
			for _, op := range b.All() {
				if op.ErrorInfo != nil {
					continue
				}
				for _, ref := range op.Result.References {
					k := ref.NodeID.Text()
					if _, ok := tree[k]; ok {
						continue
					}
					if len(tree) >= e.opts.maxBrowseNodes {
						return tree, nil
					}
					tree[k] = struct{}{}
					next = append(next, ref.NodeID)
				}
			}
		}
		frontier = next
	}
	return tree, nil
}

// reresolve translates the browse paths of the group again. Items whose path
// no longer resolves are dropped with an error record, items that now
// resolve are created and items whose node moved are recreated.
func (e *Engine) reresolve(ctx context.Context, ag *activeGroup) {
	ag.patchMu.Lock()
	defer ag.patchMu.Unlock()
	if ag.closed {
		return
	}

	e.mu.Lock()
	g := ag.group
	e.mu.Unlock()

	var decls []MonitoredItemSpec
	for _, it := range g.items {
		m, ok := it.(Monitorable)
		if !ok {
			continue
		}
		if _, direct, err := m.Base().NodeID(); err == nil && !direct {
			decls = append(decls, it)
		}
	}
	if len(decls) == 0 {
		return
	}

	var (
		drop    []uint32
		add     []target
		records []NotificationRecord
	)
	for _, t := range e.resolve(ctx, ag.session, g, decls) {
		h, active := ag.handleOf(t.decl)
		switch {
		case !t.status.IsGood():
			if active {
				drop = append(drop, h)
				records = append(records, FromError(t.spec, t.status))
			}
		case !active:
			add = append(add, t)
		case !ag.nodeOf(h).Equal(t.node):
			drop = append(drop, h)
			add = append(add, t)
		}
	}
	if len(drop) == 0 && len(add) == 0 {
		return
	}
	e.removeItems(ctx, ag, drop)
	records = append(records, e.addItems(ctx, ag, add)...)
	e.startTimers(ag)
	e.logger.Info("browse paths resolved again",
		slog.String("subscription", ag.id.String()),
		slog.Int("dropped", len(drop)),
		slog.Int("added", len(add)))
	e.publishRecords(ag, records)
}
