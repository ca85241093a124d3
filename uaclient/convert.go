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

package uaclient

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/id"
	"github.com/gopcua/opcua/ua"

	publisher "github.com/edgeo-scada/publisher"
)

// toUANodeID converts a NodeID through its text form.
func toUANodeID(n publisher.NodeID) (*ua.NodeID, error) {
	id, err := ua.ParseNodeID(n.Text())
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", publisher.ErrInvalidNodeID, n.Text(), err)
	}
	return id, nil
}

func fromUANodeID(n *ua.NodeID) publisher.NodeID {
	if n == nil {
		return publisher.NodeID{}
	}
	id, err := publisher.ParseNodeID(n.String())
	if err != nil {
		return publisher.NodeID{}
	}
	return id
}

func toUAQualifiedName(q publisher.QualifiedName) *ua.QualifiedName {
	return &ua.QualifiedName{NamespaceIndex: q.NamespaceIndex, Name: q.Name}
}

func toUALocalizedText(l publisher.LocalizedText) *ua.LocalizedText {
	t := &ua.LocalizedText{Locale: l.Locale, Text: l.Text}
	t.UpdateMask()
	return t
}

// toUAValue maps the Go value held by a Variant to the representation
// ua.NewVariant expects.
func toUAValue(v interface{}) (interface{}, error) {
	switch x := v.(type) {
	case int:
		return int64(x), nil
	case uint:
		return uint64(x), nil
	case publisher.NodeID:
		return toUANodeID(x)
	case publisher.QualifiedName:
		return toUAQualifiedName(x), nil
	case publisher.LocalizedText:
		return toUALocalizedText(x), nil
	case publisher.StatusCode:
		return ua.StatusCode(x), nil
	case uuid.UUID:
		return ua.NewGUID(x.String()), nil
	case [16]byte:
		return ua.NewGUID(uuid.UUID(x).String()), nil
	case publisher.DataValue:
		return toUADataValue(x)
	case []publisher.NodeID:
		out := make([]*ua.NodeID, len(x))
		for i, n := range x {
			id, err := toUANodeID(n)
			if err != nil {
				return nil, err
			}
			out[i] = id
		}
		return out, nil
	case []publisher.LocalizedText:
		out := make([]*ua.LocalizedText, len(x))
		for i, l := range x {
			out[i] = toUALocalizedText(l)
		}
		return out, nil
	}
	return v, nil
}

func toUAVariant(v *publisher.Variant) (*ua.Variant, error) {
	if v == nil || v.Value == nil {
		return &ua.Variant{}, nil
	}
	val, err := toUAValue(v.Value)
	if err != nil {
		return nil, err
	}
	out, err := ua.NewVariant(val)
	if err != nil {
		return nil, fmt.Errorf("unsupported variant value %T: %w", v.Value, err)
	}
	return out, nil
}

// fromUAValue maps a decoded ua value to the publisher representation. Types
// with no publisher counterpart are passed through unchanged.
func fromUAValue(v interface{}) interface{} {
	switch x := v.(type) {
	case *ua.NodeID:
		return fromUANodeID(x)
	case *ua.ExpandedNodeID:
		if x == nil {
			return publisher.NodeID{}
		}
		return fromUANodeID(x.NodeID)
	case *ua.QualifiedName:
		if x == nil {
			return publisher.QualifiedName{}
		}
		return publisher.QualifiedName{NamespaceIndex: x.NamespaceIndex, Name: x.Name}
	case *ua.LocalizedText:
		if x == nil {
			return publisher.LocalizedText{}
		}
		return publisher.LocalizedText{Locale: x.Locale, Text: x.Text}
	case ua.StatusCode:
		return publisher.StatusCode(x)
	case *ua.GUID:
		if x == nil {
			return uuid.Nil
		}
		if g, err := uuid.Parse(x.String()); err == nil {
			return g
		}
		return x.String()
	case *ua.DataValue:
		return fromUADataValue(x)
	case *ua.ExtensionObject:
		if x == nil {
			return nil
		}
		return x.Value
	case *ua.Variant:
		return fromUAValue(x.Value())
	case []*ua.NodeID:
		out := make([]publisher.NodeID, len(x))
		for i, n := range x {
			out[i] = fromUANodeID(n)
		}
		return out
	case []*ua.LocalizedText:
		out := make([]publisher.LocalizedText, len(x))
		for i, l := range x {
			if l != nil {
				out[i] = publisher.LocalizedText{Locale: l.Locale, Text: l.Text}
			}
		}
		return out
	case []*ua.QualifiedName:
		out := make([]publisher.QualifiedName, len(x))
		for i, q := range x {
			if q != nil {
				out[i] = publisher.QualifiedName{NamespaceIndex: q.NamespaceIndex, Name: q.Name}
			}
		}
		return out
	}
	return v
}

func fromUAVariant(v *ua.Variant) *publisher.Variant {
	if v == nil || v.Value() == nil {
		return nil
	}
	return publisher.NewVariant(fromUAValue(v.Value()))
}

func toUADataValue(d publisher.DataValue) (*ua.DataValue, error) {
	v, err := toUAVariant(d.Value)
	if err != nil {
		return nil, err
	}
	out := &ua.DataValue{
		EncodingMask: ua.DataValueValue,
		Value:        v,
	}
	if d.StatusCode != publisher.StatusGood {
		out.EncodingMask |= ua.DataValueStatusCode
		out.Status = ua.StatusCode(d.StatusCode)
	}
	if !d.SourceTimestamp.IsZero() {
		out.EncodingMask |= ua.DataValueSourceTimestamp
		out.SourceTimestamp = d.SourceTimestamp
	}
	return out, nil
}

func fromUADataValue(d *ua.DataValue) publisher.DataValue {
	if d == nil {
		return publisher.DataValue{StatusCode: publisher.StatusBadNoData}
	}
	return publisher.DataValue{
		Value:             fromUAVariant(d.Value),
		StatusCode:        publisher.StatusCode(d.Status),
		SourceTimestamp:   d.SourceTimestamp,
		ServerTimestamp:   d.ServerTimestamp,
		SourcePicoseconds: d.SourcePicoseconds,
		ServerPicoseconds: d.ServerPicoseconds,
	}
}

func fromUADiagnostic(d *ua.DiagnosticInfo) publisher.DiagnosticInfo {
	if d == nil {
		return publisher.DiagnosticInfo{}
	}
	out := publisher.DiagnosticInfo{
		Present:         publisher.DiagnosticMask(d.EncodingMask) & (publisher.DiagnosticSymbolicID | publisher.DiagnosticNamespaceURI | publisher.DiagnosticLocalizedText | publisher.DiagnosticLocale),
		SymbolicID:      d.SymbolicID,
		NamespaceURI:    d.NamespaceURI,
		Locale:          d.Locale,
		LocalizedText:   d.LocalizedText,
		AdditionalInfo:  d.AdditionalInfo,
		InnerStatusCode: publisher.StatusCode(d.InnerStatusCode),
	}
	if d.InnerDiagnosticInfo != nil {
		inner := fromUADiagnostic(d.InnerDiagnosticInfo)
		out.InnerDiagnosticInfo = &inner
	}
	return out
}

func fromUADiagnostics(in []*ua.DiagnosticInfo) []publisher.DiagnosticInfo {
	if len(in) == 0 {
		return nil
	}
	out := make([]publisher.DiagnosticInfo, len(in))
	for i, d := range in {
		out[i] = fromUADiagnostic(d)
	}
	return out
}

func fromUAHeader(h *ua.ResponseHeader) publisher.ServiceResult {
	if h == nil {
		return publisher.ServiceResult{}
	}
	return publisher.ServiceResult{
		StatusCode:  publisher.StatusCode(h.ServiceResult),
		Diagnostic:  fromUADiagnostic(h.ServiceDiagnostics),
		StringTable: h.StringTable,
	}
}

func toUAReadValueID(r publisher.ReadValueID) (*ua.ReadValueID, error) {
	id, err := toUANodeID(r.NodeID)
	if err != nil {
		return nil, err
	}
	return &ua.ReadValueID{
		NodeID:       id,
		AttributeID:  ua.AttributeID(r.AttributeID),
		IndexRange:   r.IndexRange,
		DataEncoding: toUAQualifiedName(r.DataEncoding),
	}, nil
}

func toUARelativePath(p publisher.RelativePath) (*ua.RelativePath, error) {
	out := &ua.RelativePath{Elements: make([]*ua.RelativePathElement, len(p.Elements))}
	for i, e := range p.Elements {
		ref, err := toUANodeID(e.ReferenceTypeID)
		if err != nil {
			return nil, err
		}
		out.Elements[i] = &ua.RelativePathElement{
			ReferenceTypeID: ref,
			IsInverse:       e.IsInverse,
			IncludeSubtypes: e.IncludeSubtypes,
			TargetName:      toUAQualifiedName(e.TargetName),
		}
	}
	return out, nil
}

func fromUABrowsePathResult(r *ua.BrowsePathResult) publisher.BrowsePathResult {
	if r == nil {
		return publisher.BrowsePathResult{StatusCode: publisher.StatusBadUnexpectedError}
	}
	out := publisher.BrowsePathResult{StatusCode: publisher.StatusCode(r.StatusCode)}
	for _, t := range r.Targets {
		if t == nil || t.TargetID == nil {
			continue
		}
		out.Targets = append(out.Targets, publisher.BrowsePathTarget{
			TargetID:           fromUANodeID(t.TargetID.NodeID),
			RemainingPathIndex: t.RemainingPathIndex,
		})
	}
	return out
}

func browseDescription(n *ua.NodeID) *ua.BrowseDescription {
	return &ua.BrowseDescription{
		NodeID:          n,
		BrowseDirection: ua.BrowseDirectionForward,
		ReferenceTypeID: ua.NewNumericNodeID(0, id.HierarchicalReferences),
		IncludeSubtypes: true,
		ResultMask:      uint32(ua.BrowseResultMaskAll),
	}
}

func fromUABrowseResult(r *ua.BrowseResult) publisher.BrowseResult {
	if r == nil {
		return publisher.BrowseResult{StatusCode: publisher.StatusBadUnexpectedError}
	}
	out := publisher.BrowseResult{StatusCode: publisher.StatusCode(r.StatusCode)}
	for _, ref := range r.References {
		if ref == nil || ref.NodeID == nil || ref.NodeID.NodeID == nil {
			continue
		}
		br := publisher.BrowseReference{
			NodeID:    fromUANodeID(ref.NodeID.NodeID),
			NodeClass: publisher.NodeClass(ref.NodeClass),
		}
		if ref.BrowseName != nil {
			br.BrowseName = publisher.QualifiedName{NamespaceIndex: ref.BrowseName.NamespaceIndex, Name: ref.BrowseName.Name}
		}
		out.References = append(out.References, br)
	}
	return out
}

func toUANodeIDs(nodes []publisher.NodeID) ([]*ua.NodeID, error) {
	out := make([]*ua.NodeID, len(nodes))
	for i, n := range nodes {
		nid, err := toUANodeID(n)
		if err != nil {
			return nil, err
		}
		out[i] = nid
	}
	return out, nil
}

// toUAFilter encodes a monitoring filter as an extension object.
func toUAFilter(f interface{}) (*ua.ExtensionObject, error) {
	switch x := f.(type) {
	case nil:
		return nil, nil
	case publisher.DataChangeFilter:
		return ua.NewExtensionObject(&ua.DataChangeFilter{
			Trigger:       ua.DataChangeTrigger(x.Trigger),
			DeadbandType:  uint32(x.DeadbandType),
			DeadbandValue: x.Deadband(),
		}), nil
	case *publisher.DataChangeFilter:
		if x == nil {
			return nil, nil
		}
		return toUAFilter(*x)
	case publisher.AggregateFilter:
		agg, err := toUANodeID(x.AggregateType)
		if err != nil {
			return nil, err
		}
		c := x.Configuration
		return ua.NewExtensionObject(&ua.AggregateFilter{
			StartTime:          x.StartTime,
			AggregateType:      agg,
			ProcessingInterval: float64(x.ProcessingInterval) / float64(time.Millisecond),
			AggregateConfiguration: &ua.AggregateConfiguration{
				UseServerCapabilitiesDefaults: c.UseServerCapabilitiesDefaults,
				TreatUncertainAsBad:           c.TreatUncertainAsBad,
				PercentDataBad:                c.PercentDataBad,
				PercentDataGood:               c.PercentDataGood,
				UseSlopedExtrapolation:        c.UseSlopedExtrapolation,
			},
		}), nil
	case *publisher.AggregateFilter:
		if x == nil {
			return nil, nil
		}
		return toUAFilter(*x)
	case publisher.EventFilter:
		ef, err := toUAEventFilter(x)
		if err != nil {
			return nil, err
		}
		return ua.NewExtensionObject(ef), nil
	case *publisher.EventFilter:
		if x == nil {
			return nil, nil
		}
		return toUAFilter(*x)
	}
	return nil, fmt.Errorf("%w: unsupported monitoring filter %T", publisher.ErrInvalidItem, f)
}

func toUASimpleOperand(o publisher.SimpleAttributeOperand) (*ua.SimpleAttributeOperand, error) {
	typ := o.TypeDefinitionID
	if typ.IsNull() {
		typ = publisher.BaseEventType
	}
	id, err := toUANodeID(typ)
	if err != nil {
		return nil, err
	}
	path := make([]*ua.QualifiedName, len(o.BrowsePath))
	for i, q := range o.BrowsePath {
		path[i] = toUAQualifiedName(q)
	}
	attr := o.AttributeID
	if attr == 0 {
		attr = publisher.AttributeValue
	}
	return &ua.SimpleAttributeOperand{
		TypeDefinitionID: id,
		BrowsePath:       path,
		AttributeID:      ua.AttributeID(attr),
		IndexRange:       o.IndexRange,
	}, nil
}

func toUAEventFilter(f publisher.EventFilter) (*ua.EventFilter, error) {
	out := &ua.EventFilter{
		SelectClauses: make([]*ua.SimpleAttributeOperand, len(f.SelectClauses)),
		WhereClause:   &ua.ContentFilter{},
	}
	for i, s := range f.SelectClauses {
		op, err := toUASimpleOperand(s)
		if err != nil {
			return nil, fmt.Errorf("select clause %d: %w", i, err)
		}
		out.SelectClauses[i] = op
	}
	if f.WhereClause == nil {
		return out, nil
	}
	for i, el := range f.WhereClause.Elements {
		ops := make([]*ua.ExtensionObject, len(el.Operands))
		for j, op := range el.Operands {
			eo, err := toUAOperand(op)
			if err != nil {
				return nil, fmt.Errorf("where element %d operand %d: %w", i, j, err)
			}
			ops[j] = eo
		}
		out.WhereClause.Elements = append(out.WhereClause.Elements, &ua.ContentFilterElement{
			FilterOperator: ua.FilterOperator(el.Operator),
			FilterOperands: ops,
		})
	}
	return out, nil
}

func toUAOperand(op publisher.FilterOperand) (*ua.ExtensionObject, error) {
	switch o := op.(type) {
	case publisher.ElementOperand:
		return ua.NewExtensionObject(&ua.ElementOperand{Index: o.Index}), nil
	case publisher.LiteralOperand:
		v, err := toUAVariant(o.Value)
		if err != nil {
			return nil, err
		}
		return ua.NewExtensionObject(&ua.LiteralOperand{Value: v}), nil
	case publisher.SimpleAttributeOperand:
		s, err := toUASimpleOperand(o)
		if err != nil {
			return nil, err
		}
		return ua.NewExtensionObject(s), nil
	case publisher.AttributeOperand:
		id, err := toUANodeID(o.NodeID)
		if err != nil {
			return nil, err
		}
		path, err := toUARelativePath(o.BrowsePath)
		if err != nil {
			return nil, err
		}
		return ua.NewExtensionObject(&ua.AttributeOperand{
			NodeID:      id,
			Alias:       o.Alias,
			BrowsePath:  path,
			AttributeID: ua.AttributeID(o.AttributeID),
			IndexRange:  o.IndexRange,
		}), nil
	}
	return nil, fmt.Errorf("%w: unsupported filter operand %T", publisher.ErrInvalidItem, op)
}

func toUACreateRequest(r publisher.MonitoredItemCreateRequest) (*ua.MonitoredItemCreateRequest, error) {
	item, err := toUAReadValueID(r.ItemToMonitor)
	if err != nil {
		return nil, err
	}
	filter, err := toUAFilter(r.RequestedParameters.Filter)
	if err != nil {
		return nil, err
	}
	p := r.RequestedParameters
	return &ua.MonitoredItemCreateRequest{
		ItemToMonitor:  item,
		MonitoringMode: ua.MonitoringMode(r.MonitoringMode),
		RequestedParameters: &ua.MonitoringParameters{
			ClientHandle:     p.ClientHandle,
			SamplingInterval: p.SamplingInterval,
			Filter:           filter,
			QueueSize:        p.QueueSize,
			DiscardOldest:    p.DiscardOldest,
		},
	}, nil
}

func fromUACreateResult(r *ua.MonitoredItemCreateResult) publisher.MonitoredItemCreateResult {
	if r == nil {
		return publisher.MonitoredItemCreateResult{StatusCode: publisher.StatusBadUnexpectedError}
	}
	out := publisher.MonitoredItemCreateResult{
		StatusCode:              publisher.StatusCode(r.StatusCode),
		MonitoredItemID:         r.MonitoredItemID,
		RevisedSamplingInterval: r.RevisedSamplingInterval,
		RevisedQueueSize:        r.RevisedQueueSize,
	}
	if r.FilterResult != nil {
		out.FilterResult = r.FilterResult.Value
	}
	return out
}

// overflowBits marks a data value whose queue discarded values (InfoType DataValue, Overflow).
const overflowBits = 0x0400 | 0x0080

// fromPublish converts one publish notification. It reports false for
// payloads that carry nothing the engine consumes.
func fromPublish(msg *opcua.PublishNotificationData) (publisher.RawNotification, bool) {
	if msg == nil || msg.Value == nil {
		return publisher.RawNotification{}, false
	}
	raw := publisher.RawNotification{SubscriptionID: msg.SubscriptionID}
	switch v := msg.Value.(type) {
	case *ua.DataChangeNotification:
		raw.DataChanges = make([]publisher.RawDataChange, 0, len(v.MonitoredItems))
		for _, item := range v.MonitoredItems {
			if item == nil {
				continue
			}
			dc := publisher.RawDataChange{
				ClientHandle: item.ClientHandle,
				Value:        fromUADataValue(item.Value),
			}
			if uint32(dc.Value.StatusCode)&overflowBits == overflowBits {
				dc.Overflow = 1
			}
			raw.DataChanges = append(raw.DataChanges, dc)
		}
	case *ua.EventNotificationList:
		raw.Events = make([]publisher.RawEvent, 0, len(v.Events))
		for _, ev := range v.Events {
			if ev == nil {
				continue
			}
			fields := make([]*publisher.Variant, len(ev.EventFields))
			for i, f := range ev.EventFields {
				fields[i] = fromUAVariant(f)
			}
			raw.Events = append(raw.Events, publisher.RawEvent{ClientHandle: ev.ClientHandle, Fields: fields})
		}
	case *ua.StatusChangeNotification:
		sc := publisher.StatusCode(v.Status)
		raw.Status = &sc
	default:
		return publisher.RawNotification{}, false
	}
	return raw, true
}

func toUASecurityMode(m publisher.MessageSecurityMode) ua.MessageSecurityMode {
	switch m {
	case publisher.MessageSecurityModeSign:
		return ua.MessageSecurityModeSign
	case publisher.MessageSecurityModeSignAndEncrypt:
		return ua.MessageSecurityModeSignAndEncrypt
	default:
		return ua.MessageSecurityModeNone
	}
}

func toUASecurityPolicy(p publisher.SecurityPolicy) string {
	if p == "" {
		return ua.SecurityPolicyURINone
	}
	return string(p)
}

// statusError maps gopcua failures onto publisher status errors so callers can
// extract a status code with publisher.StatusCodeOf.
func statusError(svc publisher.ServiceID, err error) error {
	if err == nil {
		return nil
	}
	var sc ua.StatusCode
	if errors.As(err, &sc) {
		return publisher.NewServiceError(svc, publisher.StatusCode(sc), err.Error())
	}
	return fmt.Errorf("%s: %w", svc, err)
}
