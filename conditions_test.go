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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func conditionEvent(id string, retain bool) []EventField {
	return []EventField{
		{Name: "Message", Value: NewVariant("high level")},
		{Name: conditionIDField, Value: NewVariant(NewStringNodeID(2, id))},
		{Name: retainField, Value: NewVariant(retain)},
	}
}

func TestConditionCache_Immediate(t *testing.T) {
	c := newConditionCache()

	assert.True(t, c.observe(conditionEvent("a", true), false))
	assert.True(t, c.observe(conditionEvent("b", true), false))
	require.Len(t, c.snapshot(), 2)
	assert.Empty(t, c.update(), "immediate events are never pending")

	assert.True(t, c.observe(conditionEvent("a", false), false))
	snap := c.snapshot()
	require.Len(t, snap, 1)
	key, ok := conditionKey(snap[0])
	require.True(t, ok)
	assert.Equal(t, "ns=2;s=b", key)

	assert.True(t, c.observe([]EventField{{Name: "Message", Value: NewVariant("plain")}}, true), "events without a condition pass through")
}

func TestConditionCache_Deferred(t *testing.T) {
	c := newConditionCache()

	assert.False(t, c.observe(conditionEvent("b", true), true))
	assert.False(t, c.observe(conditionEvent("a", true), true))
	upd := c.update()
	require.Len(t, upd, 2)
	k0, _ := conditionKey(upd[0])
	k1, _ := conditionKey(upd[1])
	assert.Equal(t, []string{"ns=2;s=a", "ns=2;s=b"}, []string{k0, k1})
	assert.Empty(t, c.update())
	assert.Len(t, c.snapshot(), 2)

	assert.False(t, c.observe(conditionEvent("a", false), true))
	assert.Len(t, c.snapshot(), 1, "a cleared condition leaves the snapshot at once")
	upd = c.update()
	require.Len(t, upd, 1)
	assert.False(t, retained(upd[0]))
	assert.Len(t, c.entries, 1)
}

func TestConditionSelectClauses(t *testing.T) {
	ev, err := NewEventItem(EventItem{
		ItemBase:   ItemBase{ID: "alarms", StartNodeID: "i=2253"},
		Conditions: &ConditionHandling{UpdateInterval: time.Second},
	})
	require.NoError(t, err)
	names := ev.SelectedFields()
	assert.Contains(t, names, conditionIDField)
	assert.Contains(t, names, retainField)

	again, err := NewEventItem(ev)
	require.NoError(t, err)
	assert.Equal(t, names, again.SelectedFields(), "clauses are added once")

	plain, err := NewEventItem(EventItem{ItemBase: ItemBase{ID: "events", StartNodeID: "i=2253"}})
	require.NoError(t, err)
	assert.NotContains(t, plain.SelectedFields(), conditionIDField)
}

func TestEngine_ConditionUpdates(t *testing.T) {
	fx := newEngineFixture(t)
	ev, err := NewEventItem(EventItem{
		ItemBase:   ItemBase{ID: "alarms", StartNodeID: "i=2253"},
		Conditions: &ConditionHandling{UpdateInterval: 10 * time.Millisecond},
	})
	require.NoError(t, err)
	require.NoError(t, fx.engine.Apply(context.Background(), fx.group("cond", ev)))

	names := ev.SelectedFields()
	fields := make([]*Variant, len(names))
	for i, n := range names {
		switch n {
		case conditionIDField:
			fields[i] = NewVariant(NewStringNodeID(2, "Tank.High"))
		case retainField:
			fields[i] = NewVariant(true)
		default:
			fields[i] = NewVariant(int32(i))
		}
	}

	sink := fx.session.lastSub().sink
	sink(RawNotification{SequenceNumber: 1, Events: []RawEvent{{ClientHandle: 1, Fields: fields}}})
	sink(RawNotification{SequenceNumber: 2, Events: []RawEvent{{ClientHandle: 1, Fields: fields}}})

	require.Eventually(t, func() bool { return len(fx.disp.all()) > 0 }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	recs := fx.disp.all()
	require.Len(t, recs, 1, "repeated events of one condition collapse into one update")
	assert.Equal(t, "alarms", recs[0].ItemID)
	assert.True(t, recs[0].Flags.Has(FlagCondition))
}
