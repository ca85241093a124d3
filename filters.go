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
	"time"
)

// DataChangeTrigger selects which changes of a value produce a notification.
type DataChangeTrigger uint32

// Data change triggers.
const (
	TriggerStatus               DataChangeTrigger = 0
	TriggerStatusValue          DataChangeTrigger = 1
	TriggerStatusValueTimestamp DataChangeTrigger = 2
)

// String returns the string representation of a DataChangeTrigger.
func (t DataChangeTrigger) String() string {
	switch t {
	case TriggerStatus:
		return "Status"
	case TriggerStatusValue:
		return "StatusValue"
	case TriggerStatusValueTimestamp:
		return "StatusValueTimestamp"
	default:
		return "Unknown"
	}
}

// DeadbandType is the kind of dead-band applied by a data change filter.
type DeadbandType uint32

// Dead-band types.
const (
	DeadbandNone     DeadbandType = 0
	DeadbandAbsolute DeadbandType = 1
	DeadbandPercent  DeadbandType = 2
)

// String returns the string representation of a DeadbandType.
func (d DeadbandType) String() string {
	switch d {
	case DeadbandNone:
		return "None"
	case DeadbandAbsolute:
		return "Absolute"
	case DeadbandPercent:
		return "Percent"
	default:
		return "Unknown"
	}
}

// DataChangeFilter suppresses notifications for changes below a dead-band.
type DataChangeFilter struct {
	Trigger       DataChangeTrigger
	DeadbandType  DeadbandType
	DeadbandValue *float64
}

// Validate checks the dead-band settings.
func (f DataChangeFilter) Validate() error {
	if f.Trigger > TriggerStatusValueTimestamp {
		return fmt.Errorf("%w: unknown trigger %d", ErrInvalidItem, f.Trigger)
	}
	switch f.DeadbandType {
	case DeadbandNone:
		return nil
	case DeadbandAbsolute, DeadbandPercent:
	default:
		return fmt.Errorf("%w: unknown dead-band type %d", ErrInvalidDeadband, f.DeadbandType)
	}
	if f.DeadbandValue == nil {
		return fmt.Errorf("%w: %s dead-band requires a value", ErrInvalidDeadband, f.DeadbandType)
	}
	v := *f.DeadbandValue
	if v < 0 || v != v {
		return fmt.Errorf("%w: dead-band value %v", ErrInvalidDeadband, v)
	}
	if f.DeadbandType == DeadbandPercent && v > 100 {
		return fmt.Errorf("%w: percent dead-band %v exceeds 100", ErrInvalidDeadband, v)
	}
	return nil
}

// Deadband returns the dead-band value, or zero when none is set.
func (f DataChangeFilter) Deadband() float64 {
	if f.DeadbandValue == nil || f.DeadbandType == DeadbandNone {
		return 0
	}
	return *f.DeadbandValue
}

func (f *DataChangeFilter) clone() *DataChangeFilter {
	if f == nil {
		return nil
	}
	c := *f
	if f.DeadbandValue != nil {
		v := *f.DeadbandValue
		c.DeadbandValue = &v
	}
	return &c
}

// AggregateConfiguration controls how a server computes aggregates.
type AggregateConfiguration struct {
	UseServerCapabilitiesDefaults bool
	TreatUncertainAsBad           bool
	PercentDataBad                uint8
	PercentDataGood               uint8
	UseSlopedExtrapolation        bool
}

// AggregateFilter requests aggregated values instead of raw changes.
type AggregateFilter struct {
	StartTime          time.Time
	AggregateType      NodeID
	ProcessingInterval time.Duration
	Configuration      AggregateConfiguration
}

// Validate checks the aggregate settings.
func (f AggregateFilter) Validate() error {
	if f.AggregateType.IsNull() {
		return fmt.Errorf("%w: aggregate filter requires an aggregate type", ErrInvalidItem)
	}
	if f.ProcessingInterval <= 0 {
		return fmt.Errorf("%w: aggregate processing interval must be positive", ErrInvalidItem)
	}
	c := f.Configuration
	if c.PercentDataBad > 100 || c.PercentDataGood > 100 {
		return fmt.Errorf("%w: aggregate percentages must be within 0..100", ErrInvalidItem)
	}
	return nil
}

func (f *AggregateFilter) clone() *AggregateFilter {
	if f == nil {
		return nil
	}
	c := *f
	c.AggregateType = cloneNodeID(f.AggregateType)
	return &c
}

// SimpleAttributeOperand selects a field of an event by browse path from an event type.
type SimpleAttributeOperand struct {
	TypeDefinitionID NodeID
	BrowsePath       []QualifiedName
	AttributeID      AttributeID
	IndexRange       string
}

// Name renders the browse path, e.g. "Severity" or "EnabledState/Id". An
// empty path selecting the NodeId of a condition is named "ConditionId".
func (o SimpleAttributeOperand) Name() string {
	if len(o.BrowsePath) == 0 {
		if o.AttributeID == AttributeNodeID {
			return conditionIDField
		}
		return o.AttributeID.String()
	}
	name := ""
	for i, q := range o.BrowsePath {
		if i > 0 {
			name += "/"
		}
		name += q.Name
	}
	return name
}

func (o SimpleAttributeOperand) clone() SimpleAttributeOperand {
	c := o
	c.TypeDefinitionID = cloneNodeID(o.TypeDefinitionID)
	c.BrowsePath = append([]QualifiedName(nil), o.BrowsePath...)
	return c
}

// FilterOperator is a content filter operator.
type FilterOperator uint32

// Filter operators.
const (
	FilterOperatorEquals             FilterOperator = 0
	FilterOperatorIsNull             FilterOperator = 1
	FilterOperatorGreaterThan        FilterOperator = 2
	FilterOperatorLessThan           FilterOperator = 3
	FilterOperatorGreaterThanOrEqual FilterOperator = 4
	FilterOperatorLessThanOrEqual    FilterOperator = 5
	FilterOperatorLike               FilterOperator = 6
	FilterOperatorNot                FilterOperator = 7
	FilterOperatorBetween            FilterOperator = 8
	FilterOperatorInList             FilterOperator = 9
	FilterOperatorAnd                FilterOperator = 10
	FilterOperatorOr                 FilterOperator = 11
	FilterOperatorCast               FilterOperator = 12
	FilterOperatorInView             FilterOperator = 13
	FilterOperatorOfType             FilterOperator = 14
	FilterOperatorRelatedTo          FilterOperator = 15
	FilterOperatorBitwiseAnd         FilterOperator = 16
	FilterOperatorBitwiseOr          FilterOperator = 17
)

// operandCount returns the minimum and maximum operand count of an operator; max < 0 means unbounded.
func (op FilterOperator) operandCount() (int, int, bool) {
	switch op {
	case FilterOperatorIsNull, FilterOperatorNot, FilterOperatorInView, FilterOperatorOfType:
		return 1, 1, true
	case FilterOperatorEquals, FilterOperatorGreaterThan, FilterOperatorLessThan,
		FilterOperatorGreaterThanOrEqual, FilterOperatorLessThanOrEqual, FilterOperatorLike,
		FilterOperatorAnd, FilterOperatorOr, FilterOperatorCast,
		FilterOperatorBitwiseAnd, FilterOperatorBitwiseOr:
		return 2, 2, true
	case FilterOperatorBetween:
		return 3, 3, true
	case FilterOperatorInList:
		return 2, -1, true
	case FilterOperatorRelatedTo:
		return 6, 6, true
	default:
		return 0, 0, false
	}
}

// FilterOperand is an operand of a content filter element.
type FilterOperand interface {
	filterOperand()
}

// ElementOperand refers to another element of the same content filter.
type ElementOperand struct {
	Index uint32
}

// LiteralOperand is a constant value.
type LiteralOperand struct {
	Value *Variant
}

// AttributeOperand selects an attribute of a node reached by a browse path.
type AttributeOperand struct {
	NodeID      NodeID
	Alias       string
	BrowsePath  RelativePath
	AttributeID AttributeID
	IndexRange  string
}

func (ElementOperand) filterOperand()         {}
func (LiteralOperand) filterOperand()         {}
func (AttributeOperand) filterOperand()       {}
func (SimpleAttributeOperand) filterOperand() {}

// ContentFilterElement applies an operator to its operands.
type ContentFilterElement struct {
	Operator FilterOperator
	Operands []FilterOperand
}

// ContentFilter is a tree of elements rooted at index 0.
type ContentFilter struct {
	Elements []ContentFilterElement
}

// Validate checks operator arity and that element references stay in range
// and point forward, which rules out cycles.
func (c ContentFilter) Validate() error {
	if len(c.Elements) == 0 {
		return fmt.Errorf("%w: where clause has no elements", ErrInvalidItem)
	}
	for i, el := range c.Elements {
		lo, hi, ok := el.Operator.operandCount()
		if !ok {
			return fmt.Errorf("%w: element %d has unknown operator %d", ErrInvalidItem, i, el.Operator)
		}
		if len(el.Operands) < lo || (hi >= 0 && len(el.Operands) > hi) {
			return fmt.Errorf("%w: element %d operator %d takes %d operands, got %d",
				ErrInvalidItem, i, el.Operator, lo, len(el.Operands))
		}
		for _, op := range el.Operands {
			switch o := op.(type) {
			case ElementOperand:
				if int(o.Index) <= i || int(o.Index) >= len(c.Elements) {
					return fmt.Errorf("%w: element %d references element %d", ErrInvalidItem, i, o.Index)
				}
			case nil:
				return fmt.Errorf("%w: element %d has a nil operand", ErrInvalidItem, i)
			}
		}
	}
	return nil
}

func (c *ContentFilter) clone() *ContentFilter {
	if c == nil {
		return nil
	}
	out := &ContentFilter{Elements: make([]ContentFilterElement, len(c.Elements))}
	for i, el := range c.Elements {
		ops := make([]FilterOperand, len(el.Operands))
		for j, op := range el.Operands {
			if s, ok := op.(SimpleAttributeOperand); ok {
				op = s.clone()
			}
			ops[j] = op
		}
		out.Elements[i] = ContentFilterElement{Operator: el.Operator, Operands: ops}
	}
	return out
}

// EventFilter selects event fields and filters events.
type EventFilter struct {
	SelectClauses []SimpleAttributeOperand
	WhereClause   *ContentFilter
}

// Validate rejects a where clause without select clauses.
func (f EventFilter) Validate() error {
	if f.WhereClause != nil && len(f.SelectClauses) == 0 {
		return ErrEmptySelectClause
	}
	for i, s := range f.SelectClauses {
		if len(s.BrowsePath) == 0 && s.AttributeID != AttributeNodeID {
			return fmt.Errorf("%w: select clause %d has no browse path", ErrInvalidItem, i)
		}
	}
	if f.WhereClause != nil {
		return f.WhereClause.Validate()
	}
	return nil
}

func (f EventFilter) clone() EventFilter {
	out := EventFilter{WhereClause: f.WhereClause.clone()}
	if f.SelectClauses != nil {
		out.SelectClauses = make([]SimpleAttributeOperand, len(f.SelectClauses))
		for i, s := range f.SelectClauses {
			out.SelectClauses[i] = s.clone()
		}
	}
	return out
}

// Well-known event types.
var (
	BaseEventType               = NewNumericNodeID(0, 2041)
	BaseModelChangeEventType    = NewNumericNodeID(0, 2132)
	GeneralModelChangeEventType = NewNumericNodeID(0, 2133)
	ConditionType               = NewNumericNodeID(0, 2782)
	ServerObject                = NewNumericNodeID(0, 2253)
	ObjectsFolder               = NewNumericNodeID(0, 85)
)

// DefaultEventSelectClauses are the BaseEventType fields selected when an event item declares none.
func DefaultEventSelectClauses() []SimpleAttributeOperand {
	names := []string{"EventId", "EventType", "SourceNode", "SourceName", "Time", "ReceiveTime", "Message", "Severity"}
	out := make([]SimpleAttributeOperand, len(names))
	for i, n := range names {
		out[i] = SimpleAttributeOperand{
			TypeDefinitionID: BaseEventType,
			BrowsePath:       []QualifiedName{{Name: n}},
			AttributeID:      AttributeValue,
		}
	}
	return out
}

// Condition fields an event item with condition handling always selects.
const (
	conditionIDField = "ConditionId"
	retainField      = "Retain"
)

// ConditionSelectClauses select the condition identity and its Retain flag.
func ConditionSelectClauses() []SimpleAttributeOperand {
	return []SimpleAttributeOperand{
		{TypeDefinitionID: ConditionType, AttributeID: AttributeNodeID},
		{TypeDefinitionID: ConditionType, BrowsePath: []QualifiedName{{Name: retainField}}, AttributeID: AttributeValue},
	}
}

func cloneNodeID(n NodeID) NodeID {
	if n.Opaque != nil {
		n.Opaque = append([]byte(nil), n.Opaque...)
	}
	return n
}
