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
	"slices"
	"time"

	"github.com/google/uuid"
)

// ItemKind discriminates the monitored item variants.
type ItemKind uint8

// Item kinds.
const (
	KindData ItemKind = iota + 1
	KindEvent
	KindExtensionField
	KindAddressSpaceWatch
)

// String returns the string representation of an ItemKind.
func (k ItemKind) String() string {
	switch k {
	case KindData:
		return "Data"
	case KindEvent:
		return "Event"
	case KindExtensionField:
		return "ExtensionField"
	case KindAddressSpaceWatch:
		return "AddressSpaceWatch"
	default:
		return "Unknown"
	}
}

// ItemMode is the configured monitoring mode. The zero value reports.
type ItemMode uint8

// Item modes.
const (
	ItemModeReporting ItemMode = iota
	ItemModeSampling
	ItemModeDisabled
)

// MonitoringMode maps the item mode to the service parameter.
func (m ItemMode) MonitoringMode() MonitoringMode {
	switch m {
	case ItemModeSampling:
		return MonitoringModeSampling
	case ItemModeDisabled:
		return MonitoringModeDisabled
	default:
		return MonitoringModeReporting
	}
}

// Item limits.
const (
	MaxQueueSize     = 65535
	DefaultDataQueue = 1
)

// MonitoredItemSpec is the closed family of published item declarations:
// DataItem, EventItem, ExtensionField and AddressSpaceWatch.
//
// Specs are values. They are replaced, never modified, on reconfiguration.
type MonitoredItemSpec interface {
	Kind() ItemKind
	// Base returns the fields shared by all kinds.
	Base() ItemBase
	// ItemID is the correlation id: id, then display name, then address.
	ItemID() string
	// FieldID is the outbound label: display name, then id, then address.
	FieldID() string
	Validate() error
	// WithDisplayName returns a copy carrying a display name resolved from the server.
	WithDisplayName(name string) MonitoredItemSpec

	sealed()
}

// ItemBase holds the fields common to every item kind.
//
// Exactly one of StartNodeID and BrowsePath addresses the node. BrowsePath
// segments are browse names relative to the Objects folder.
type ItemBase struct {
	ID               string
	DisplayName      string
	StartNodeID      string
	BrowsePath       []string
	Attribute        AttributeID
	IndexRange       string
	SamplingInterval time.Duration
	QueueSize        uint32
	DiscardNew       bool
	Mode             ItemMode
	// Order positions the field within the outgoing data set.
	Order int
}

// Address returns the configured address as text: the node id, else the browse path.
func (b ItemBase) Address() string {
	if b.StartNodeID != "" {
		return b.StartNodeID
	}
	return NewRelativePathKey(b.BrowsePath...).String()
}

// ItemID resolves the correlation id.
func (b ItemBase) ItemID() string {
	switch {
	case b.ID != "":
		return b.ID
	case b.DisplayName != "":
		return b.DisplayName
	default:
		return b.Address()
	}
}

// FieldID resolves the outbound field label.
func (b ItemBase) FieldID() string {
	switch {
	case b.DisplayName != "":
		return b.DisplayName
	case b.ID != "":
		return b.ID
	default:
		return b.Address()
	}
}

// NodeID parses the start node. ok is false when the item is addressed by browse path.
func (b ItemBase) NodeID() (n NodeID, ok bool, err error) {
	if b.StartNodeID == "" {
		return NodeID{}, false, nil
	}
	n, err = ParseNodeID(b.StartNodeID)
	if err != nil {
		return NodeID{}, false, err
	}
	return n, true, nil
}

// PathKey returns the browse path as a lookup key.
func (b ItemBase) PathKey() RelativePathKey {
	return NewRelativePathKey(b.BrowsePath...)
}

// SamplingIntervalMillis returns the requested sampling interval; zero asks
// the server to sample at the publishing interval (-1).
func (b ItemBase) SamplingIntervalMillis() float64 {
	if b.SamplingInterval <= 0 {
		return -1
	}
	return float64(b.SamplingInterval) / float64(time.Millisecond)
}

func (b ItemBase) validateAddress() error {
	hasNode := b.StartNodeID != ""
	hasPath := len(b.BrowsePath) > 0
	switch {
	case hasNode && hasPath:
		return ErrAmbiguousAddress
	case !hasNode && !hasPath:
		return ErrNoAddress
	}
	if hasNode {
		if _, err := ParseNodeID(b.StartNodeID); err != nil {
			return err
		}
	}
	for i, s := range b.BrowsePath {
		if s == "" {
			return fmt.Errorf("%w: segment %d is empty", ErrInvalidBrowsePath, i)
		}
	}
	return nil
}

func (b ItemBase) validateRanges() error {
	if b.SamplingInterval < 0 {
		return fmt.Errorf("%w: negative sampling interval %s", ErrInvalidItem, b.SamplingInterval)
	}
	if b.QueueSize > MaxQueueSize {
		return fmt.Errorf("%w: queue size %d exceeds %d", ErrInvalidItem, b.QueueSize, MaxQueueSize)
	}
	if b.Mode > ItemModeDisabled {
		return fmt.Errorf("%w: unknown monitoring mode %d", ErrInvalidItem, b.Mode)
	}
	if b.Order < 0 {
		return fmt.Errorf("%w: negative order %d", ErrInvalidItem, b.Order)
	}
	return nil
}

func (b ItemBase) clone() ItemBase {
	c := b
	c.BrowsePath = append([]string(nil), b.BrowsePath...)
	if len(c.BrowsePath) == 0 {
		c.BrowsePath = nil
	}
	return c
}

func (b ItemBase) createRequest(node NodeID, handle uint32, filter interface{}) MonitoredItemCreateRequest {
	return MonitoredItemCreateRequest{
		ItemToMonitor: ReadValueID{
			NodeID:      node,
			AttributeID: b.Attribute,
			IndexRange:  b.IndexRange,
		},
		MonitoringMode: b.Mode.MonitoringMode(),
		RequestedParameters: MonitoringParameters{
			ClientHandle:     handle,
			SamplingInterval: b.SamplingIntervalMillis(),
			Filter:           filter,
			QueueSize:        b.QueueSize,
			DiscardOldest:    !b.DiscardNew,
		},
	}
}

// HeartbeatBehavior selects how heartbeats repeat the last value.
type HeartbeatBehavior uint8

// Heartbeat behavior flags.
const (
	// HeartbeatWatchdog emits only when no change arrived during the interval.
	HeartbeatWatchdog HeartbeatBehavior = 0
	// HeartbeatPeriodic emits every interval regardless of changes.
	HeartbeatPeriodic HeartbeatBehavior = 1 << 0
	// HeartbeatLastKnownGood repeats the last good value instead of the last value.
	HeartbeatLastKnownGood HeartbeatBehavior = 1 << 1
	// HeartbeatUpdateTimestamps stamps the repeated value with the emission time.
	HeartbeatUpdateTimestamps HeartbeatBehavior = 1 << 2
)

// Has reports whether all flags in f are set.
func (h HeartbeatBehavior) Has(f HeartbeatBehavior) bool {
	return h&f == f
}

// DataItem monitors an attribute of a variable.
//
// A cyclic read item is not monitored by the server: it is read once per
// sampling interval, or per publishing interval when none is set.
type DataItem struct {
	ItemBase
	// RegisterRead registers the node before cyclic reads.
	RegisterRead bool
	// DataSetClassFieldID identifies the field in the data set metadata.
	DataSetClassFieldID uuid.UUID
	DataChangeFilter    *DataChangeFilter
	AggregateFilter     *AggregateFilter
	HeartbeatInterval   time.Duration
	HeartbeatBehavior   HeartbeatBehavior
	CyclicRead          bool
	// MaxCacheAge lets the server answer cyclic reads from its cache.
	MaxCacheAge time.Duration
	SkipFirst   bool
}

// NewDataItem copies d, applies defaults and validates it.
func NewDataItem(d DataItem) (DataItem, error) {
	d.ItemBase = d.ItemBase.clone()
	d.DataChangeFilter = d.DataChangeFilter.clone()
	d.AggregateFilter = d.AggregateFilter.clone()
	if d.Attribute == 0 {
		d.Attribute = AttributeValue
	}
	if d.QueueSize == 0 {
		d.QueueSize = DefaultDataQueue
	}
	if err := d.Validate(); err != nil {
		return DataItem{}, fmt.Errorf("data item %q: %w", d.ItemID(), err)
	}
	return d, nil
}

func (DataItem) Kind() ItemKind    { return KindData }
func (d DataItem) Base() ItemBase  { return d.ItemBase.clone() }
func (DataItem) sealed()           {}
func (d DataItem) ItemID() string  { return d.ItemBase.ItemID() }
func (d DataItem) FieldID() string { return d.ItemBase.FieldID() }

// WithDisplayName returns a copy with the display name set.
func (d DataItem) WithDisplayName(name string) MonitoredItemSpec {
	c := d.clone()
	c.DisplayName = name
	return c
}

// Validate checks addressing, ranges and filters.
func (d DataItem) Validate() error {
	if err := d.validateAddress(); err != nil {
		return err
	}
	if err := d.validateRanges(); err != nil {
		return err
	}
	if d.Attribute == 0 || d.Attribute > AttributeAccessLevelEx {
		return fmt.Errorf("%w: attribute %d", ErrInvalidItem, d.Attribute)
	}
	if d.DataChangeFilter != nil && d.AggregateFilter != nil {
		return fmt.Errorf("%w: data change and aggregate filters are mutually exclusive", ErrInvalidItem)
	}
	if d.DataChangeFilter != nil {
		if err := d.DataChangeFilter.Validate(); err != nil {
			return err
		}
		if d.Attribute != AttributeValue {
			return fmt.Errorf("%w: data change filter requires the Value attribute", ErrInvalidItem)
		}
	}
	if d.AggregateFilter != nil {
		if err := d.AggregateFilter.Validate(); err != nil {
			return err
		}
	}
	if d.HeartbeatInterval < 0 {
		return fmt.Errorf("%w: negative heartbeat interval", ErrInvalidItem)
	}
	if d.MaxCacheAge < 0 {
		return fmt.Errorf("%w: negative max cache age", ErrInvalidItem)
	}
	if !d.CyclicRead {
		if d.RegisterRead {
			return fmt.Errorf("%w: register read requires cyclic read", ErrInvalidItem)
		}
		if d.MaxCacheAge > 0 {
			return fmt.Errorf("%w: max cache age requires cyclic read", ErrInvalidItem)
		}
	} else if d.DataChangeFilter != nil || d.AggregateFilter != nil {
		return fmt.Errorf("%w: cyclic reads take no monitoring filter", ErrInvalidItem)
	}
	return nil
}

func (d DataItem) clone() DataItem {
	c := d
	c.ItemBase = d.ItemBase.clone()
	c.DataChangeFilter = d.DataChangeFilter.clone()
	c.AggregateFilter = d.AggregateFilter.clone()
	return c
}

// Filter returns the monitoring filter to request, or nil.
func (d DataItem) Filter() interface{} {
	switch {
	case d.DataChangeFilter != nil:
		return *d.DataChangeFilter
	case d.AggregateFilter != nil:
		return *d.AggregateFilter
	}
	return nil
}

// CreateRequest shapes the monitored item create request for a resolved node.
func (d DataItem) CreateRequest(node NodeID, handle uint32) MonitoredItemCreateRequest {
	return d.createRequest(node, handle, d.Filter())
}

// ConditionHandling configures pending condition tracking for an event item.
//
// With an update interval, changed conditions are published together once
// per interval instead of as they arrive. With a snapshot interval, every
// retained condition is published again once per interval.
type ConditionHandling struct {
	UpdateInterval   time.Duration
	SnapshotInterval time.Duration
}

// EventItem monitors events raised by a notifier.
type EventItem struct {
	ItemBase
	Filter     EventFilter
	Conditions *ConditionHandling
}

// NewEventItem copies e, applies defaults and validates it.
// Select clauses default to the base event fields when no where clause is set.
// Items with condition handling also select the condition id and Retain.
func NewEventItem(e EventItem) (EventItem, error) {
	e = e.clone()
	if e.Attribute == 0 {
		e.Attribute = AttributeEventNotifier
	}
	if len(e.Filter.SelectClauses) == 0 && e.Filter.WhereClause == nil {
		e.Filter.SelectClauses = DefaultEventSelectClauses()
	}
	if e.Conditions != nil {
		for _, c := range ConditionSelectClauses() {
			if !slices.ContainsFunc(e.Filter.SelectClauses, func(s SimpleAttributeOperand) bool { return s.Name() == c.Name() }) {
				e.Filter.SelectClauses = append(e.Filter.SelectClauses, c)
			}
		}
	}
	if err := e.Validate(); err != nil {
		return EventItem{}, fmt.Errorf("event item %q: %w", e.ItemID(), err)
	}
	return e, nil
}

func (EventItem) Kind() ItemKind    { return KindEvent }
func (e EventItem) Base() ItemBase  { return e.ItemBase.clone() }
func (EventItem) sealed()           {}
func (e EventItem) ItemID() string  { return e.ItemBase.ItemID() }
func (e EventItem) FieldID() string { return e.ItemBase.FieldID() }

// WithDisplayName returns a copy with the display name set.
func (e EventItem) WithDisplayName(name string) MonitoredItemSpec {
	c := e.clone()
	c.DisplayName = name
	return c
}

// Validate checks addressing, ranges and the event filter.
func (e EventItem) Validate() error {
	if err := e.validateAddress(); err != nil {
		return err
	}
	if err := e.validateRanges(); err != nil {
		return err
	}
	if e.Attribute != AttributeEventNotifier {
		return fmt.Errorf("%w: event items monitor the EventNotifier attribute", ErrInvalidItem)
	}
	if err := e.Filter.Validate(); err != nil {
		return err
	}
	if c := e.Conditions; c != nil && (c.UpdateInterval < 0 || c.SnapshotInterval < 0) {
		return fmt.Errorf("%w: negative condition interval", ErrInvalidItem)
	}
	return nil
}

func (e EventItem) clone() EventItem {
	c := e
	c.ItemBase = e.ItemBase.clone()
	c.Filter = e.Filter.clone()
	if e.Conditions != nil {
		h := *e.Conditions
		c.Conditions = &h
	}
	return c
}

// SelectedFields returns the field names reported by the event filter, in select order.
func (e EventItem) SelectedFields() []string {
	out := make([]string, len(e.Filter.SelectClauses))
	for i, s := range e.Filter.SelectClauses {
		out[i] = s.Name()
	}
	return out
}

// CreateRequest shapes the monitored item create request for a resolved notifier.
func (e EventItem) CreateRequest(node NodeID, handle uint32) MonitoredItemCreateRequest {
	return e.createRequest(node, handle, e.Filter.clone())
}

// ExtensionField injects a constant value into every outgoing data set.
// It has no address; the identity comes from ID or DisplayName.
type ExtensionField struct {
	ItemBase
	Value *Variant
}

// NewExtensionField copies f and validates it.
func NewExtensionField(f ExtensionField) (ExtensionField, error) {
	f = f.clone()
	if err := f.Validate(); err != nil {
		return ExtensionField{}, fmt.Errorf("extension field %q: %w", f.ItemID(), err)
	}
	return f, nil
}

func (ExtensionField) Kind() ItemKind    { return KindExtensionField }
func (f ExtensionField) Base() ItemBase  { return f.ItemBase.clone() }
func (ExtensionField) sealed()           {}
func (f ExtensionField) ItemID() string  { return f.ItemBase.ItemID() }
func (f ExtensionField) FieldID() string { return f.ItemBase.FieldID() }

// WithDisplayName returns a copy with the display name set.
func (f ExtensionField) WithDisplayName(name string) MonitoredItemSpec {
	c := f.clone()
	c.DisplayName = name
	return c
}

// Validate requires an identity and rejects any address.
func (f ExtensionField) Validate() error {
	if f.StartNodeID != "" || len(f.BrowsePath) > 0 {
		return fmt.Errorf("%w: extension fields have no address", ErrInvalidItem)
	}
	if f.ID == "" && f.DisplayName == "" {
		return ErrNoIdentity
	}
	return f.validateRanges()
}

func (f ExtensionField) clone() ExtensionField {
	c := f
	c.ItemBase = f.ItemBase.clone()
	if f.Value != nil {
		v := *f.Value
		c.Value = &v
	}
	return c
}

// AddressSpaceWatch re-browses the address space when the server reports model
// changes and on a fixed period.
type AddressSpaceWatch struct {
	ItemBase
	RebrowsePeriod time.Duration
	// RootNodeID is where browsing starts; empty means the Objects folder.
	RootNodeID string
}

// NewAddressSpaceWatch copies w, applies defaults and validates it.
// The watch listens on the Server object unless another notifier is given.
func NewAddressSpaceWatch(w AddressSpaceWatch) (AddressSpaceWatch, error) {
	w = w.clone()
	if w.StartNodeID == "" && len(w.BrowsePath) == 0 {
		w.StartNodeID = ServerObject.Text()
	}
	if w.Attribute == 0 {
		w.Attribute = AttributeEventNotifier
	}
	if err := w.Validate(); err != nil {
		return AddressSpaceWatch{}, fmt.Errorf("address space watch %q: %w", w.ItemID(), err)
	}
	return w, nil
}

func (AddressSpaceWatch) Kind() ItemKind    { return KindAddressSpaceWatch }
func (w AddressSpaceWatch) Base() ItemBase  { return w.ItemBase.clone() }
func (AddressSpaceWatch) sealed()           {}
func (w AddressSpaceWatch) ItemID() string  { return w.ItemBase.ItemID() }
func (w AddressSpaceWatch) FieldID() string { return w.ItemBase.FieldID() }

// WithDisplayName returns a copy with the display name set.
func (w AddressSpaceWatch) WithDisplayName(name string) MonitoredItemSpec {
	c := w.clone()
	c.DisplayName = name
	return c
}

// Validate checks addressing, the rebrowse period and the root node.
func (w AddressSpaceWatch) Validate() error {
	if err := w.validateAddress(); err != nil {
		return err
	}
	if err := w.validateRanges(); err != nil {
		return err
	}
	if w.RebrowsePeriod < 0 {
		return fmt.Errorf("%w: negative rebrowse period", ErrInvalidItem)
	}
	if w.RootNodeID != "" {
		if _, err := ParseNodeID(w.RootNodeID); err != nil {
			return err
		}
	}
	return nil
}

func (w AddressSpaceWatch) clone() AddressSpaceWatch {
	c := w
	c.ItemBase = w.ItemBase.clone()
	return c
}

// Root returns the browse root node.
func (w AddressSpaceWatch) Root() NodeID {
	if w.RootNodeID == "" {
		return ObjectsFolder
	}
	n, err := ParseNodeID(w.RootNodeID)
	if err != nil {
		return ObjectsFolder
	}
	return n
}

// CreateRequest subscribes to model change events on the notifier.
func (w AddressSpaceWatch) CreateRequest(node NodeID, handle uint32) MonitoredItemCreateRequest {
	filter := EventFilter{
		SelectClauses: []SimpleAttributeOperand{
			{TypeDefinitionID: BaseEventType, BrowsePath: []QualifiedName{{Name: "EventType"}}, AttributeID: AttributeValue},
			{TypeDefinitionID: GeneralModelChangeEventType, BrowsePath: []QualifiedName{{Name: "Changes"}}, AttributeID: AttributeValue},
		},
		WhereClause: &ContentFilter{Elements: []ContentFilterElement{{
			Operator: FilterOperatorOfType,
			Operands: []FilterOperand{LiteralOperand{Value: NewVariant(BaseModelChangeEventType)}},
		}}},
	}
	return w.createRequest(node, handle, filter)
}

// Monitorable is implemented by the kinds that become server monitored items.
type Monitorable interface {
	MonitoredItemSpec
	CreateRequest(node NodeID, handle uint32) MonitoredItemCreateRequest
}

var (
	_ Monitorable       = DataItem{}
	_ Monitorable       = EventItem{}
	_ Monitorable       = AddressSpaceWatch{}
	_ MonitoredItemSpec = ExtensionField{}
)

// SpecEqual reports whether two specs are structurally identical.
func SpecEqual(a, b MonitoredItemSpec) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Kind() == b.Kind() && reflect.DeepEqual(a, b)
}
