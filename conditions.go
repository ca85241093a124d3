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
	"slices"
	"time"
)

type conditionEntry struct {
	fields  []EventField
	dirty   bool
	cleared bool
}

// conditionCache tracks the last event of every pending condition, keyed by
// its ConditionId. It is guarded by the owning activeGroup's mutex.
type conditionCache struct {
	entries map[string]*conditionEntry
}

func newConditionCache() *conditionCache {
	return &conditionCache{entries: make(map[string]*conditionEntry)}
}

func conditionKey(fields []EventField) (string, bool) {
	for _, f := range fields {
		if f.Name != conditionIDField || f.Value == nil {
			continue
		}
		switch v := f.Value.Value.(type) {
		case NodeID:
			return v.Text(), true
		case *NodeID:
			if v != nil {
				return v.Text(), true
			}
		case string:
			return v, v != ""
		}
	}
	return "", false
}

// retained reports the Retain field of an event. Events without one are
// treated as retained.
func retained(fields []EventField) bool {
	for _, f := range fields {
		if f.Name != retainField || f.Value == nil {
			continue
		}
		if b, ok := f.Value.Value.(bool); ok {
			return b
		}
	}
	return true
}

// observe records a condition event. It reports whether the event should be
// published now; deferred events wait for the next update.
func (c *conditionCache) observe(fields []EventField, deferred bool) bool {
	key, ok := conditionKey(fields)
	if !ok {
		return true
	}
	keep := retained(fields)
	if !deferred {
		if keep {
			c.entries[key] = &conditionEntry{fields: fields}
		} else {
			delete(c.entries, key)
		}
		return true
	}
	c.entries[key] = &conditionEntry{fields: fields, dirty: true, cleared: !keep}
	return false
}

func (c *conditionCache) keys() []string {
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// update returns the events changed since the last update. Cleared
// conditions are forgotten once reported.
func (c *conditionCache) update() [][]EventField {
	var out [][]EventField
	for _, k := range c.keys() {
		en := c.entries[k]
		if !en.dirty {
			continue
		}
		out = append(out, en.fields)
		en.dirty = false
		if en.cleared {
			delete(c.entries, k)
		}
	}
	return out
}

// snapshot returns the last event of every retained condition.
func (c *conditionCache) snapshot() [][]EventField {
	var out [][]EventField
	for _, k := range c.keys() {
		if en := c.entries[k]; !en.cleared {
			out = append(out, en.fields)
		}
	}
	return out
}

// conditionRecords turns pick's events into records. ag.mu must not be held.
func (ag *activeGroup) conditionRecords(st *itemState, pick func(*conditionCache) [][]EventField) []NotificationRecord {
	ag.mu.Lock()
	defer ag.mu.Unlock()
	var out []NotificationRecord
	for _, fields := range pick(st.conditions) {
		out = append(out, FromEvent(st.spec, fields, 0))
	}
	return ag.withExtensions(out, 0)
}

func (e *Engine) runConditions(ctx context.Context, ag *activeGroup, st *itemState, c ConditionHandling) {
	defer ag.wg.Done()

	var updates, snapshots <-chan time.Time
	if c.UpdateInterval > 0 {
		t := time.NewTicker(c.UpdateInterval)
		defer t.Stop()
		updates = t.C
	}
	if c.SnapshotInterval > 0 {
		t := time.NewTicker(c.SnapshotInterval)
		defer t.Stop()
		snapshots = t.C
	}

	for {
		var pick func(*conditionCache) [][]EventField
		select {
		case <-ctx.Done():
			return
		case <-updates:
			pick = (*conditionCache).update
		case <-snapshots:
			pick = (*conditionCache).snapshot
		}
		e.publish(ag, func() []NotificationRecord { return ag.conditionRecords(st, pick) })
	}
}
