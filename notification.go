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
	"time"
)

// SourceFlags describe where a notification came from.
type SourceFlags uint8

// Source flags. A plain data change carries none.
const (
	FlagHeartbeat SourceFlags = 1 << iota
	FlagCondition
	FlagModelChanges
	FlagError
)

// Has reports whether all flags in f are set.
func (s SourceFlags) Has(f SourceFlags) bool {
	return s&f == f
}

// String returns the set flags joined by '|', or "None".
func (s SourceFlags) String() string {
	if s == 0 {
		return "None"
	}
	var parts []string
	if s.Has(FlagHeartbeat) {
		parts = append(parts, "Heartbeat")
	}
	if s.Has(FlagCondition) {
		parts = append(parts, "Condition")
	}
	if s.Has(FlagModelChanges) {
		parts = append(parts, "ModelChanges")
	}
	if s.Has(FlagError) {
		parts = append(parts, "Error")
	}
	return strings.Join(parts, "|")
}

// EventField is one selected field of an event notification.
type EventField struct {
	Name  string
	Value *Variant
}

// NotificationRecord is the canonical unit handed to the dispatcher for every
// value, event, heartbeat or error arriving from a subscription.
//
// A SequenceNumber of zero means the server supplied none; OPC UA never
// assigns zero to a notification message.
type NotificationRecord struct {
	Order          int
	ItemID         string
	FieldID        string
	MessageID      uint64
	NodeID         string
	PathFromRoot   []string
	SequenceNumber uint32
	Overflow       uint32
	// Value is set for data changes, heartbeats and errors.
	Value *DataValue
	// Event is set for event notifications.
	Event []EventField
	Flags SourceFlags
	// Context is passed through to the dispatcher untouched.
	Context interface{}
}

// Status returns the status of the carried value, Good for events.
func (r NotificationRecord) Status() StatusCode {
	if r.Value == nil {
		return StatusGood
	}
	return r.Value.StatusCode
}

// IsEvent reports whether the record carries event fields.
func (r NotificationRecord) IsEvent() bool {
	return r.Event != nil
}

// WithContext returns a copy of the record carrying ctx.
func (r NotificationRecord) WithContext(ctx interface{}) NotificationRecord {
	r.Context = ctx
	return r
}

func newRecord(spec MonitoredItemSpec, seq, overflow uint32) NotificationRecord {
	b := spec.Base()
	return NotificationRecord{
		Order:          b.Order,
		ItemID:         spec.ItemID(),
		FieldID:        spec.FieldID(),
		NodeID:         b.StartNodeID,
		PathFromRoot:   b.BrowsePath,
		SequenceNumber: seq,
		Overflow:       overflow,
	}
}

// FromDataChange builds the record for a data change. Status, value and
// timestamps are copied verbatim; a bad status adds FlagError.
func FromDataChange(spec MonitoredItemSpec, value DataValue, seq, overflow uint32) NotificationRecord {
	r := newRecord(spec, seq, overflow)
	v := value
	r.Value = &v
	if value.StatusCode.IsBad() {
		r.Flags |= FlagError
	}
	r.MessageID = messageID(r)
	return r
}

// FromHeartbeat repeats the last known value. Timestamps only move when the
// item's heartbeat behavior asks for it, in which case both are set to at.
func FromHeartbeat(spec MonitoredItemSpec, last DataValue, at time.Time) NotificationRecord {
	r := newRecord(spec, 0, 0)
	v := last
	if d, ok := spec.(DataItem); ok && d.HeartbeatBehavior.Has(HeartbeatUpdateTimestamps) {
		v.SourceTimestamp = at
		v.ServerTimestamp = at
		v.SourcePicoseconds = 0
		v.ServerPicoseconds = 0
	}
	r.Value = &v
	r.Flags = FlagHeartbeat
	if v.StatusCode.IsBad() {
		r.Flags |= FlagError
	}
	r.MessageID = messageID(r)
	return r
}

// FromEvent builds the record for an event. Items with condition handling
// produce FlagCondition and address space watches produce FlagModelChanges.
func FromEvent(spec MonitoredItemSpec, fields []EventField, seq uint32) NotificationRecord {
	r := newRecord(spec, seq, 0)
	r.Event = make([]EventField, len(fields))
	copy(r.Event, fields)
	switch s := spec.(type) {
	case EventItem:
		if s.Conditions != nil {
			r.Flags |= FlagCondition
		}
	case AddressSpaceWatch:
		r.Flags |= FlagModelChanges
	case DataItem, ExtensionField:
	}
	r.MessageID = messageID(r)
	return r
}

// FromError builds a record carrying a failed service result as its value status.
func FromError(spec MonitoredItemSpec, serviceResult StatusCode) NotificationRecord {
	r := newRecord(spec, 0, 0)
	r.Value = &DataValue{StatusCode: serviceResult}
	r.Flags = FlagError
	if _, ok := spec.(AddressSpaceWatch); ok {
		r.Flags |= FlagModelChanges
	}
	r.MessageID = messageID(r)
	return r
}

// messageID is the sequence number when there is one, else a non-zero blake3
// hash of the record content. Unsequenced records with identical content
// share an id.
func messageID(r NotificationRecord) uint64 {
	if r.SequenceNumber != 0 {
		return uint64(r.SequenceNumber)
	}
	e := newCanonicalEncoder()
	e.WriteString(r.ItemID)
	e.WriteString(r.FieldID)
	e.WriteString(r.NodeID)
	e.WriteStrings(r.PathFromRoot)
	e.WriteUInt8(byte(r.Flags))
	e.WriteDataValue(r.Value)
	e.WriteInt32(int32(len(r.Event)))
	for _, f := range r.Event {
		e.WriteString(f.Name)
		e.WriteVariant(f.Value)
	}
	id := e.Sum64()
	if id == 0 {
		id = 1
	}
	return id
}
