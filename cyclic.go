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
	"fmt"
	"log/slog"
	"time"
)

// readKey groups cyclic read items that share one reader.
type readKey struct {
	interval time.Duration
	maxAge   time.Duration
}

// addCyclic registers data items read by the engine instead of monitored by
// the server. Items asking for it are registered with the server first.
func (e *Engine) addCyclic(ctx context.Context, ag *activeGroup, targets []target) {
	if len(targets) == 0 {
		return
	}
	var reg []*itemState
	ag.mu.Lock()
	for _, t := range targets {
		d := t.spec.(DataItem)
		_, st := ag.add(t)
		st.cyclic = true
		st.key = readKey{interval: d.SamplingInterval, maxAge: d.MaxCacheAge}
		if st.key.interval <= 0 {
			st.key.interval = ag.interval
		}
		if d.RegisterRead {
			reg = append(reg, st)
		}
	}
	ag.mu.Unlock()
	e.register(ctx, ag, reg)
}

// register swaps the read node of states for the alias the server returns.
// On failure the states keep reading their resolved node.
func (e *Engine) register(ctx context.Context, ag *activeGroup, states []*itemState) {
	if len(states) == 0 {
		return
	}
	nodes := make([]NodeID, len(states))
	for i, st := range states {
		nodes[i] = st.node
	}
	aliases, err := ag.session.RegisterNodes(ctx, nodes)
	if err == nil && len(aliases) != len(nodes) {
		err = NewServiceError(ServiceRegisterNodes, StatusBadUnexpectedError, fmt.Sprintf("server returned %d aliases for %d nodes", len(aliases), len(nodes)))
	}
	if err != nil {
		e.logger.Warn("register nodes failed",
			slog.String("subscription", ag.id.String()),
			slog.Int("nodes", len(nodes)),
			slog.String("error", err.Error()))
		return
	}
	ag.mu.Lock()
	for i, st := range states {
		st.readNode = aliases[i]
		st.registered = true
	}
	ag.mu.Unlock()
}

func (e *Engine) unregister(ctx context.Context, ag *activeGroup, nodes []NodeID) {
	if len(nodes) == 0 {
		return
	}
	if err := ag.session.UnregisterNodes(ctx, nodes); err != nil {
		e.logger.Warn("unregister nodes failed",
			slog.String("subscription", ag.id.String()),
			slog.Int("nodes", len(nodes)),
			slog.String("error", err.Error()))
	}
}

func (ag *activeGroup) registeredNodes() []NodeID {
	ag.mu.Lock()
	defer ag.mu.Unlock()
	var out []NodeID
	for _, h := range ag.handles() {
		if st := ag.items[h]; st.registered {
			out = append(out, st.readNode)
		}
	}
	return out
}

// cyclicHandles returns the items read under key. A key without items is
// forgotten so its reader can exit.
func (ag *activeGroup) cyclicHandles(key readKey) []uint32 {
	ag.mu.Lock()
	defer ag.mu.Unlock()
	var out []uint32
	for _, h := range ag.handles() {
		if st := ag.items[h]; st.cyclic && st.key == key {
			out = append(out, h)
		}
	}
	if len(out) == 0 {
		delete(ag.readers, key)
	}
	return out
}

// dataHandles returns every data item handle.
func (ag *activeGroup) dataHandles() []uint32 {
	ag.mu.Lock()
	defer ag.mu.Unlock()
	var out []uint32
	for _, h := range ag.handles() {
		if _, ok := ag.items[h].spec.(DataItem); ok {
			out = append(out, h)
		}
	}
	return out
}

func (e *Engine) runReader(ctx context.Context, ag *activeGroup, key readKey) {
	defer ag.wg.Done()

	ticker := time.NewTicker(key.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		handles := ag.cyclicHandles(key)
		if len(handles) == 0 {
			return
		}
		e.readNow(ctx, ag, key.maxAge, handles)
	}
}

// readNow reads the attribute of every handle and publishes the result as
// data changes. A failed request reports its status on every item.
func (e *Engine) readNow(ctx context.Context, ag *activeGroup, maxAge time.Duration, handles []uint32) {
	if len(handles) == 0 {
		return
	}
	reads := make([]ReadValueID, 0, len(handles))
	kept := handles[:0:0]
	ag.mu.Lock()
	for _, h := range handles {
		st, ok := ag.items[h]
		if !ok {
			continue
		}
		b := st.spec.Base()
		reads = append(reads, ReadValueID{NodeID: st.readNode, AttributeID: b.Attribute, IndexRange: b.IndexRange})
		kept = append(kept, h)
	}
	ag.mu.Unlock()

	var changes []RawDataChange
	for start := 0; start < len(reads); start += e.opts.maxBatchSize {
		end := min(start+e.opts.maxBatchSize, len(reads))
		batch := reads[start:end]
		resp, err := ag.session.Read(ctx, maxAge, batch)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			e.logger.Warn("cyclic read failed",
				slog.String("subscription", ag.id.String()),
				slog.Int("items", len(batch)),
				slog.String("error", err.Error()))
			for _, h := range kept[start:end] {
				changes = append(changes, RawDataChange{ClientHandle: h, Value: DataValue{StatusCode: StatusCodeOf(err)}})
			}
			continue
		}
		b := NewBatchReconciler(ServiceRead, resp.Header, resp.Results, resp.Diagnostics, batch, func(v DataValue) StatusCode { return v.StatusCode })
		if err := b.Err(); err != nil {
			e.logger.Warn("cyclic read degraded",
				slog.String("subscription", ag.id.String()),
				slog.String("error", err.Error()))
		}
		for i, op := range b.All() {
			v := op.Result
			if op.ErrorInfo != nil {
				v = DataValue{StatusCode: op.StatusCode}
			}
			changes = append(changes, RawDataChange{ClientHandle: kept[start+i], Value: v})
		}
		for i := b.Len(); i < len(batch); i++ {
			changes = append(changes, RawDataChange{ClientHandle: kept[start+i], Value: DataValue{StatusCode: b.Status()}})
		}
	}
	e.metrics.CyclicReads.Add(1)
	e.publish(ag, func() []NotificationRecord {
		return ag.records(RawNotification{DataChanges: changes}, e.metrics)
	})
}
