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
	"fmt"
	"reflect"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Subscription defaults.
const (
	DefaultPublishingInterval = 1000 * time.Millisecond
	DefaultLifetimeCount      = 10000
	DefaultKeepAliveCount     = 10
)

// SubscriptionIdentifier identifies a subscription group: a connection and a name.
// It is comparable and can be used as a map key.
type SubscriptionIdentifier struct {
	conn ConnectionKey
	name string
	hash uint64
}

// NewSubscriptionIdentifier combines a connection key and a subscription name.
func NewSubscriptionIdentifier(conn ConnectionKey, name string) SubscriptionIdentifier {
	e := newCanonicalEncoder()
	e.WriteUInt64(conn.Hash())
	e.WriteString(name)
	return SubscriptionIdentifier{conn: conn, name: name, hash: e.Sum64()}
}

// Connection returns the connection key.
func (s SubscriptionIdentifier) Connection() ConnectionKey { return s.conn }

// Name returns the subscription name.
func (s SubscriptionIdentifier) Name() string { return s.name }

// Hash returns the precomputed hash.
func (s SubscriptionIdentifier) Hash() uint64 { return s.hash }

// Equal reports whether both the connection and the name match.
func (s SubscriptionIdentifier) Equal(o SubscriptionIdentifier) bool {
	return s.hash == o.hash && s.name == o.name && s.conn.Equal(o.conn)
}

// String renders "<connection>#<name>".
func (s SubscriptionIdentifier) String() string {
	return s.conn.String() + "#" + s.name
}

// MetaDataDescriptor describes the data set produced by a subscription.
type MetaDataDescriptor struct {
	Name         string
	Description  string
	ClassID      uuid.UUID
	MajorVersion uint32
	MinorVersion uint32
}

// PublishingConfig holds the settings shared by every item of a subscription.
type PublishingConfig struct {
	PublishingInterval         time.Duration
	LifetimeCount              uint32
	KeepAliveCount             uint32
	Priority                   uint8
	MaxNotificationsPerPublish uint32
	ResolveDisplayName         bool
	MetaData                   *MetaDataDescriptor
	DeferredAcknowledgements   bool
	// AsyncMetaDataLoadThreshold is the item count above which metadata loads in the background.
	AsyncMetaDataLoadThreshold int
	PublishImmediately         bool
	SequentialPublishing       bool
}

func (c PublishingConfig) clone() PublishingConfig {
	if c.MetaData != nil {
		m := *c.MetaData
		c.MetaData = &m
	}
	return c
}

// SubscriptionGroup is a named set of items published through one OPC UA subscription.
//
// Groups are values: AddItem returns a new group and leaves the receiver untouched.
type SubscriptionGroup struct {
	id     SubscriptionIdentifier
	config PublishingConfig
	items  []MonitoredItemSpec
}

// NewSubscriptionGroup creates a group with items in the given order.
// An empty item list is accepted; see IsInert.
func NewSubscriptionGroup(id SubscriptionIdentifier, config PublishingConfig, items ...MonitoredItemSpec) SubscriptionGroup {
	g := SubscriptionGroup{id: id, config: config.clone()}
	g.items = make([]MonitoredItemSpec, 0, len(items))
	for _, it := range items {
		g.items = append(g.items, withPosition(it, len(g.items)))
	}
	return g
}

// AddItem returns a copy of the group with spec appended. An item without an
// explicit order is ordered by its position.
func (g SubscriptionGroup) AddItem(spec MonitoredItemSpec) SubscriptionGroup {
	items := make([]MonitoredItemSpec, len(g.items), len(g.items)+1)
	copy(items, g.items)
	g.items = append(items, withPosition(spec, len(items)))
	return g
}

func withPosition(spec MonitoredItemSpec, pos int) MonitoredItemSpec {
	if spec == nil || pos == 0 || spec.Base().Order != 0 {
		return spec
	}
	switch s := spec.(type) {
	case DataItem:
		c := s.clone()
		c.Order = pos
		return c
	case EventItem:
		c := s.clone()
		c.Order = pos
		return c
	case ExtensionField:
		c := s.clone()
		c.Order = pos
		return c
	case AddressSpaceWatch:
		c := s.clone()
		c.Order = pos
		return c
	}
	return spec
}

// ID returns the group identity.
func (g SubscriptionGroup) ID() SubscriptionIdentifier { return g.id }

// Config returns a copy of the publishing configuration.
func (g SubscriptionGroup) Config() PublishingConfig { return g.config.clone() }

// Items returns the items in insertion order.
func (g SubscriptionGroup) Items() []MonitoredItemSpec {
	return append([]MonitoredItemSpec(nil), g.items...)
}

// Len returns the number of items.
func (g SubscriptionGroup) Len() int { return len(g.items) }

// IsInert reports whether the group has no items. Such a group creates a
// subscription that never publishes and is likely a configuration mistake.
func (g SubscriptionGroup) IsInert() bool { return len(g.items) == 0 }

// EffectivePublishingInterval returns the configured interval or the default.
func (g SubscriptionGroup) EffectivePublishingInterval() time.Duration {
	if g.config.PublishingInterval > 0 {
		return g.config.PublishingInterval
	}
	return DefaultPublishingInterval
}

// EffectiveKeepAliveCount returns the configured keep-alive count or the default.
func (g SubscriptionGroup) EffectiveKeepAliveCount() uint32 {
	if g.config.KeepAliveCount > 0 {
		return g.config.KeepAliveCount
	}
	return DefaultKeepAliveCount
}

// EffectiveLifetimeCount returns the lifetime count, raised to at least
// three keep-alive periods.
func (g SubscriptionGroup) EffectiveLifetimeCount() uint32 {
	lt := g.config.LifetimeCount
	if lt == 0 {
		lt = DefaultLifetimeCount
	}
	if floor := 3 * g.EffectiveKeepAliveCount(); lt < floor {
		lt = floor
	}
	return lt
}

// Validate checks the group identity, the publishing settings and every item.
func (g SubscriptionGroup) Validate() error {
	if g.id.Connection().IsZero() {
		return fmt.Errorf("%w: missing connection", ErrInvalidGroup)
	}
	if g.id.Name() == "" {
		return fmt.Errorf("%w: missing name", ErrInvalidGroup)
	}
	if g.config.PublishingInterval < 0 {
		return fmt.Errorf("%w: %s: negative publishing interval", ErrInvalidGroup, g.id.Name())
	}
	if g.config.AsyncMetaDataLoadThreshold < 0 {
		return fmt.Errorf("%w: %s: negative metadata load threshold", ErrInvalidGroup, g.id.Name())
	}
	for i, it := range g.items {
		if it == nil {
			return fmt.Errorf("%w: %s: item %d is nil", ErrInvalidGroup, g.id.Name(), i)
		}
		if err := it.Validate(); err != nil {
			return fmt.Errorf("%s: item %d (%s): %w", g.id.Name(), i, it.ItemID(), err)
		}
	}
	return nil
}

// Lookup returns the first item with the given item id.
func (g SubscriptionGroup) Lookup(itemID string) (MonitoredItemSpec, bool) {
	for _, it := range g.items {
		if it.ItemID() == itemID {
			return it, true
		}
	}
	return nil, false
}

// GroupUpdate describes a group present in both configurations with different content.
type GroupUpdate struct {
	ID SubscriptionIdentifier
	// ConfigChanged is set when publishing settings differ, which requires recreating the subscription.
	ConfigChanged bool
	// ItemsChanged is set when the item list differs.
	ItemsChanged bool
}

// GroupDiff is the result of comparing two configurations.
type GroupDiff struct {
	Added     []SubscriptionIdentifier
	Updated   []GroupUpdate
	Removed   []SubscriptionIdentifier
	Unchanged []SubscriptionIdentifier
}

// Empty reports whether nothing changed.
func (d GroupDiff) Empty() bool {
	return len(d.Added) == 0 && len(d.Updated) == 0 && len(d.Removed) == 0
}

// DiffGroups compares two configurations by group identity. A group whose
// identity survives with different settings or items is an update.
// Each result list is sorted by String.
func DiffGroups(old, next []SubscriptionGroup) GroupDiff {
	prev := make(map[SubscriptionIdentifier]SubscriptionGroup, len(old))
	for _, g := range old {
		prev[g.id] = g
	}

	var d GroupDiff
	seen := make(map[SubscriptionIdentifier]struct{}, len(next))
	for _, g := range next {
		seen[g.id] = struct{}{}
		p, ok := prev[g.id]
		if !ok {
			d.Added = append(d.Added, g.id)
			continue
		}
		u := GroupUpdate{
			ID:            g.id,
			ConfigChanged: !reflect.DeepEqual(p.config, g.config),
			ItemsChanged:  !itemsEqual(p.items, g.items),
		}
		if u.ConfigChanged || u.ItemsChanged {
			d.Updated = append(d.Updated, u)
		} else {
			d.Unchanged = append(d.Unchanged, g.id)
		}
	}
	for _, g := range old {
		if _, ok := seen[g.id]; !ok {
			d.Removed = append(d.Removed, g.id)
		}
	}

	sortIDs(d.Added)
	sortIDs(d.Removed)
	sortIDs(d.Unchanged)
	sort.Slice(d.Updated, func(i, j int) bool { return d.Updated[i].ID.String() < d.Updated[j].ID.String() })
	return d
}

func itemsEqual(a, b []MonitoredItemSpec) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !SpecEqual(a[i], b[i]) {
			return false
		}
	}
	return true
}

func sortIDs(ids []SubscriptionIdentifier) {
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
}
