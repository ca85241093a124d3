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
	"math/bits"
)

const (
	nodeClassSlots = 8
	attributeSlots = 32
)

// Well-known type nodes used as attribute defaults.
var (
	baseDataType = NewNumericNodeID(0, 24)
)

type attributeEntry struct {
	defined  bool
	optional bool
	value    interface{}
}

// AttributeCatalog is the static table of attributes per node class.
//
// Build it once with NewAttributeCatalog and share the pointer. It is never
// written after construction, so concurrent reads need no locking.
type AttributeCatalog struct {
	entries [nodeClassSlots][attributeSlots]attributeEntry
	legal   [nodeClassSlots][]AttributeID
	types   [attributeSlots]TypeID
	known   [attributeSlots]bool
}

// NewAttributeCatalog builds the catalog.
func NewAttributeCatalog() *AttributeCatalog {
	c := &AttributeCatalog{}

	c.wire(AttributeNodeID, TypeNodeID)
	c.wire(AttributeNodeClass, TypeInt32)
	c.wire(AttributeBrowseName, TypeQualifiedName)
	c.wire(AttributeDisplayName, TypeLocalizedText)
	c.wire(AttributeDescription, TypeLocalizedText)
	c.wire(AttributeWriteMask, TypeUInt32)
	c.wire(AttributeUserWriteMask, TypeUInt32)
	c.wire(AttributeIsAbstract, TypeBoolean)
	c.wire(AttributeSymmetric, TypeBoolean)
	c.wire(AttributeInverseName, TypeLocalizedText)
	c.wire(AttributeContainsNoLoops, TypeBoolean)
	c.wire(AttributeEventNotifier, TypeByte)
	c.wire(AttributeValue, TypeVariant)
	c.wire(AttributeDataType, TypeNodeID)
	c.wire(AttributeValueRank, TypeInt32)
	c.wire(AttributeArrayDimensions, TypeUInt32)
	c.wire(AttributeAccessLevel, TypeByte)
	c.wire(AttributeUserAccessLevel, TypeByte)
	c.wire(AttributeMinimumSamplingInterval, TypeDouble)
	c.wire(AttributeHistorizing, TypeBoolean)
	c.wire(AttributeExecutable, TypeBoolean)
	c.wire(AttributeUserExecutable, TypeBoolean)
	c.wire(AttributeDataTypeDefinition, TypeExtensionObject)
	c.wire(AttributeRolePermissions, TypeExtensionObject)
	c.wire(AttributeUserRolePermissions, TypeExtensionObject)
	c.wire(AttributeAccessRestrictions, TypeUInt16)
	c.wire(AttributeAccessLevelEx, TypeUInt32)

	for _, nc := range []NodeClass{
		NodeClassObject, NodeClassVariable, NodeClassMethod, NodeClassObjectType,
		NodeClassVariableType, NodeClassReferenceType, NodeClassDataType, NodeClassView,
	} {
		c.set(nc, AttributeNodeID, false, NodeID{})
		c.set(nc, AttributeNodeClass, false, int32(nc))
		c.set(nc, AttributeBrowseName, false, QualifiedName{})
		c.set(nc, AttributeDisplayName, false, LocalizedText{})
		c.set(nc, AttributeDescription, true, LocalizedText{})
		c.set(nc, AttributeWriteMask, true, uint32(0))
		c.set(nc, AttributeUserWriteMask, true, uint32(0))
		c.set(nc, AttributeRolePermissions, true, nil)
		c.set(nc, AttributeUserRolePermissions, true, nil)
		c.set(nc, AttributeAccessRestrictions, true, uint16(0))
	}

	c.set(NodeClassObject, AttributeEventNotifier, false, byte(0))

	c.set(NodeClassVariable, AttributeValue, false, nil)
	c.set(NodeClassVariable, AttributeDataType, false, baseDataType)
	c.set(NodeClassVariable, AttributeValueRank, false, int32(-1))
	c.set(NodeClassVariable, AttributeArrayDimensions, true, []uint32(nil))
	c.set(NodeClassVariable, AttributeAccessLevel, false, byte(1))
	c.set(NodeClassVariable, AttributeUserAccessLevel, false, byte(1))
	c.set(NodeClassVariable, AttributeMinimumSamplingInterval, true, float64(-1))
	c.set(NodeClassVariable, AttributeHistorizing, false, false)
	c.set(NodeClassVariable, AttributeAccessLevelEx, true, uint32(0))

	c.set(NodeClassMethod, AttributeExecutable, false, false)
	c.set(NodeClassMethod, AttributeUserExecutable, false, false)

	c.set(NodeClassObjectType, AttributeIsAbstract, false, false)

	c.set(NodeClassVariableType, AttributeValue, true, nil)
	c.set(NodeClassVariableType, AttributeDataType, false, baseDataType)
	c.set(NodeClassVariableType, AttributeValueRank, false, int32(-1))
	c.set(NodeClassVariableType, AttributeArrayDimensions, true, []uint32(nil))
	c.set(NodeClassVariableType, AttributeIsAbstract, false, false)

	c.set(NodeClassReferenceType, AttributeIsAbstract, false, false)
	c.set(NodeClassReferenceType, AttributeSymmetric, false, false)
	c.set(NodeClassReferenceType, AttributeInverseName, true, LocalizedText{})

	c.set(NodeClassDataType, AttributeIsAbstract, false, false)
	c.set(NodeClassDataType, AttributeDataTypeDefinition, true, nil)

	c.set(NodeClassView, AttributeContainsNoLoops, false, false)
	c.set(NodeClassView, AttributeEventNotifier, false, byte(0))

	for slot := range c.entries {
		for id := range c.entries[slot] {
			if c.entries[slot][id].defined {
				c.legal[slot] = append(c.legal[slot], AttributeID(id))
			}
		}
	}
	return c
}

func (c *AttributeCatalog) wire(id AttributeID, t TypeID) {
	c.types[id] = t
	c.known[id] = true
}

func (c *AttributeCatalog) set(nc NodeClass, id AttributeID, optional bool, value interface{}) {
	slot, ok := nodeClassSlot(nc)
	if !ok {
		panic(fmt.Sprintf("publisher: no catalog slot for node class %d", nc))
	}
	c.entries[slot][id] = attributeEntry{defined: true, optional: optional, value: value}
}

// nodeClassSlot maps a single-bit node class to its table row.
func nodeClassSlot(nc NodeClass) (int, bool) {
	if nc == NodeClassUnspecified || bits.OnesCount32(uint32(nc)) != 1 {
		return 0, false
	}
	slot := bits.TrailingZeros32(uint32(nc))
	if slot >= nodeClassSlots {
		return 0, false
	}
	return slot, true
}

func (c *AttributeCatalog) entry(nc NodeClass, id AttributeID) (attributeEntry, bool) {
	slot, ok := nodeClassSlot(nc)
	if !ok || id >= attributeSlots {
		return attributeEntry{}, false
	}
	e := c.entries[slot][id]
	return e, e.defined
}

// DefaultValue returns the default for an attribute of a node class.
// Pairs not in the table are absent. Optional attributes are reported as
// absent when returnNullIfOptional is set.
func (c *AttributeCatalog) DefaultValue(nc NodeClass, id AttributeID, returnNullIfOptional bool) (interface{}, bool) {
	e, ok := c.entry(nc, id)
	if !ok {
		return nil, false
	}
	if e.optional && returnNullIfOptional {
		return nil, false
	}
	return e.value, true
}

// IsLegal reports whether the attribute is defined for the node class.
func (c *AttributeCatalog) IsLegal(nc NodeClass, id AttributeID) bool {
	_, ok := c.entry(nc, id)
	return ok
}

// IsOptional reports whether a legal attribute may be missing on a node.
func (c *AttributeCatalog) IsOptional(nc NodeClass, id AttributeID) bool {
	e, ok := c.entry(nc, id)
	return ok && e.optional
}

// LegalAttributes returns every attribute defined for the node class in ascending id order.
func (c *AttributeCatalog) LegalAttributes(nc NodeClass) []AttributeID {
	slot, ok := nodeClassSlot(nc)
	if !ok {
		return nil
	}
	return append([]AttributeID(nil), c.legal[slot]...)
}

// WireType returns the built-in type an attribute is encoded with.
// An unknown attribute id panics in builds tagged publisher_debug and
// yields TypeNull otherwise.
func (c *AttributeCatalog) WireType(id AttributeID) TypeID {
	if id < attributeSlots && c.known[id] {
		return c.types[id]
	}
	if debugAssertions {
		panic(fmt.Sprintf("publisher: unknown attribute id %d", id))
	}
	return TypeNull
}

// FillGaps returns values completed with the defaults of every mandatory
// attribute of the node class that the server did not return or returned
// with a bad status.
func (c *AttributeCatalog) FillGaps(nc NodeClass, values map[AttributeID]DataValue) map[AttributeID]DataValue {
	out := make(map[AttributeID]DataValue, len(values))
	for id, v := range values {
		out[id] = v
	}
	for _, id := range c.LegalAttributes(nc) {
		if v, ok := out[id]; ok && !v.StatusCode.IsBad() {
			continue
		}
		def, ok := c.DefaultValue(nc, id, true)
		if !ok {
			continue
		}
		out[id] = DataValue{Value: &Variant{Type: c.WireType(id), Value: def}, StatusCode: StatusUncertain}
	}
	return out
}
