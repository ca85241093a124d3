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
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConn(t *testing.T, url string) ConnectionKey {
	t.Helper()
	k, err := NewConnectionKey(ConnectionDescriptor{EndpointURL: url})
	require.NoError(t, err)
	return k
}

func mustData(t *testing.T, id, node string) DataItem {
	t.Helper()
	d, err := NewDataItem(DataItem{ItemBase: ItemBase{ID: id, StartNodeID: node}})
	require.NoError(t, err)
	return d
}

func TestSubscriptionIdentifier(t *testing.T) {
	a := NewSubscriptionIdentifier(testConn(t, "opc.tcp://a:4840"), "fast")
	b := NewSubscriptionIdentifier(testConn(t, "OPC.TCP://A:4840/"), "fast")
	c := NewSubscriptionIdentifier(testConn(t, "opc.tcp://a:4840"), "slow")
	d := NewSubscriptionIdentifier(testConn(t, "opc.tcp://b:4840"), "fast")

	assert.True(t, a.Equal(b))
	assert.Equal(t, a, b)
	assert.Equal(t, a.Hash(), b.Hash())
	assert.False(t, a.Equal(c))
	assert.False(t, a.Equal(d))
	assert.NotEqual(t, a.Hash(), c.Hash())

	assert.True(t, strings.HasSuffix(a.String(), "#fast"))
	assert.True(t, strings.HasPrefix(a.String(), a.Connection().String()))

	m := map[SubscriptionIdentifier]bool{a: true}
	assert.True(t, m[b])
}

func TestSubscriptionGroup_Order(t *testing.T) {
	id := NewSubscriptionIdentifier(testConn(t, "opc.tcp://a:4840"), "g")
	g := NewSubscriptionGroup(id, PublishingConfig{},
		mustData(t, "a", "i=1"),
		mustData(t, "b", "i=2"),
	)
	g2 := g.AddItem(mustData(t, "c", "i=3"))

	assert.Equal(t, 2, g.Len())
	require.Equal(t, 3, g2.Len())
	for i, it := range g2.Items() {
		assert.Equal(t, i, it.Base().Order)
	}
	assert.Equal(t, []string{"a", "b", "c"}, []string{g2.Items()[0].ItemID(), g2.Items()[1].ItemID(), g2.Items()[2].ItemID()})
}

func TestSubscriptionGroup_ExplicitOrderKept(t *testing.T) {
	id := NewSubscriptionIdentifier(testConn(t, "opc.tcp://a:4840"), "g")
	d, err := NewDataItem(DataItem{ItemBase: ItemBase{ID: "x", StartNodeID: "i=1", Order: 7}})
	require.NoError(t, err)
	g := NewSubscriptionGroup(id, PublishingConfig{}, mustData(t, "a", "i=2"), d)
	assert.Equal(t, 7, g.Items()[1].Base().Order)
}

func TestSubscriptionGroup_Effective(t *testing.T) {
	id := NewSubscriptionIdentifier(testConn(t, "opc.tcp://a:4840"), "g")

	g := NewSubscriptionGroup(id, PublishingConfig{})
	assert.True(t, g.IsInert())
	assert.NoError(t, g.Validate())
	assert.Equal(t, DefaultPublishingInterval, g.EffectivePublishingInterval())
	assert.Equal(t, uint32(DefaultKeepAliveCount), g.EffectiveKeepAliveCount())
	assert.Equal(t, uint32(DefaultLifetimeCount), g.EffectiveLifetimeCount())

	g = NewSubscriptionGroup(id, PublishingConfig{PublishingInterval: 250 * time.Millisecond, KeepAliveCount: 20, LifetimeCount: 5})
	assert.Equal(t, 250*time.Millisecond, g.EffectivePublishingInterval())
	assert.Equal(t, uint32(60), g.EffectiveLifetimeCount())
}

func TestSubscriptionGroup_Validate(t *testing.T) {
	conn := testConn(t, "opc.tcp://a:4840")

	g := NewSubscriptionGroup(NewSubscriptionIdentifier(ConnectionKey{}, "g"), PublishingConfig{})
	assert.ErrorIs(t, g.Validate(), ErrInvalidGroup)

	g = NewSubscriptionGroup(NewSubscriptionIdentifier(conn, ""), PublishingConfig{})
	assert.ErrorIs(t, g.Validate(), ErrInvalidGroup)

	g = NewSubscriptionGroup(NewSubscriptionIdentifier(conn, "g"), PublishingConfig{PublishingInterval: -1})
	assert.ErrorIs(t, g.Validate(), ErrInvalidGroup)

	g = NewSubscriptionGroup(NewSubscriptionIdentifier(conn, "g"), PublishingConfig{}, DataItem{ItemBase: ItemBase{ID: "x"}})
	assert.ErrorIs(t, g.Validate(), ErrNoAddress)
}

func TestSubscriptionGroup_ConfigIsCopied(t *testing.T) {
	id := NewSubscriptionIdentifier(testConn(t, "opc.tcp://a:4840"), "g")
	md := &MetaDataDescriptor{Name: "ds"}
	g := NewSubscriptionGroup(id, PublishingConfig{MetaData: md})
	md.Name = "mutated"
	assert.Equal(t, "ds", g.Config().MetaData.Name)

	c := g.Config()
	c.MetaData.Name = "again"
	assert.Equal(t, "ds", g.Config().MetaData.Name)
}

func TestSubscriptionGroup_Lookup(t *testing.T) {
	id := NewSubscriptionIdentifier(testConn(t, "opc.tcp://a:4840"), "g")
	g := NewSubscriptionGroup(id, PublishingConfig{}, mustData(t, "a", "i=1"))
	it, ok := g.Lookup("a")
	require.True(t, ok)
	assert.Equal(t, "i=1", it.Base().StartNodeID)
	_, ok = g.Lookup("missing")
	assert.False(t, ok)
}

func TestDiffGroups(t *testing.T) {
	conn := testConn(t, "opc.tcp://a:4840")
	mk := func(name string, interval time.Duration, items ...MonitoredItemSpec) SubscriptionGroup {
		return NewSubscriptionGroup(NewSubscriptionIdentifier(conn, name), PublishingConfig{PublishingInterval: interval}, items...)
	}

	old := []SubscriptionGroup{
		mk("keep", time.Second, mustData(t, "a", "i=1")),
		mk("retime", time.Second, mustData(t, "a", "i=1")),
		mk("reitem", time.Second, mustData(t, "a", "i=1")),
		mk("drop", time.Second),
	}
	next := []SubscriptionGroup{
		mk("keep", time.Second, mustData(t, "a", "i=1")),
		mk("retime", 2*time.Second, mustData(t, "a", "i=1")),
		mk("reitem", time.Second, mustData(t, "a", "i=2")),
		mk("new", time.Second),
	}

	d := DiffGroups(old, next)
	require.Len(t, d.Added, 1)
	assert.Equal(t, "new", d.Added[0].Name())
	require.Len(t, d.Removed, 1)
	assert.Equal(t, "drop", d.Removed[0].Name())
	require.Len(t, d.Unchanged, 1)
	assert.Equal(t, "keep", d.Unchanged[0].Name())

	require.Len(t, d.Updated, 2)
	byName := map[string]GroupUpdate{}
	for _, u := range d.Updated {
		byName[u.ID.Name()] = u
	}
	assert.True(t, byName["retime"].ConfigChanged)
	assert.False(t, byName["retime"].ItemsChanged)
	assert.False(t, byName["reitem"].ConfigChanged)
	assert.True(t, byName["reitem"].ItemsChanged)
	assert.False(t, d.Empty())

	assert.True(t, DiffGroups(next, next).Empty())
}
