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
	"log/slog"
	"sort"

	"github.com/google/uuid"
)

// DataSetMetaData describes the fields a subscription publishes.
type DataSetMetaData struct {
	Name         string
	Description  string
	ClassID      uuid.UUID
	MajorVersion uint32
	MinorVersion uint32
	Fields       []FieldMetaData
}

// FieldMetaData describes one published field.
type FieldMetaData struct {
	Name            string
	Order           int
	ClassFieldID    uuid.UUID
	DataType        NodeID
	BuiltInType     TypeID
	ValueRank       int32
	ArrayDimensions []uint32
}

// ValueRankScalar is the value rank of a scalar field.
const ValueRankScalar int32 = -1

var fieldAttributes = []AttributeID{AttributeDataType, AttributeValueRank, AttributeArrayDimensions}

// loadMetaData publishes the metadata of ag when the group declares a
// descriptor and the dispatcher accepts metadata. Groups with more data items
// than the async threshold load in the background.
func (e *Engine) loadMetaData(ctx context.Context, ag *activeGroup) {
	desc := ag.config.MetaData
	md, ok := e.dispatcher.(MetaDataDispatcher)
	if desc == nil || !ok {
		return
	}

	ag.mu.Lock()
	var states []*itemState
	for _, h := range ag.handles() {
		if _, ok := ag.items[h].spec.(DataItem); ok {
			states = append(states, ag.items[h])
		}
	}
	extensions := append([]ExtensionField(nil), ag.extensions...)
	ag.mu.Unlock()

	load := func(ctx context.Context) {
		meta := DataSetMetaData{
			Name:         desc.Name,
			Description:  desc.Description,
			ClassID:      desc.ClassID,
			MajorVersion: desc.MajorVersion,
			MinorVersion: desc.MinorVersion,
			Fields:       e.fieldMetaData(ctx, ag, states),
		}
		for _, x := range extensions {
			meta.Fields = append(meta.Fields, extensionMetaData(x))
		}
		sort.SliceStable(meta.Fields, func(i, j int) bool { return meta.Fields[i].Order < meta.Fields[j].Order })

		dctx, cancel := context.WithTimeout(ctx, e.opts.dispatchTimeout)
		defer cancel()
		if err := md.DispatchMetaData(dctx, ag.id, meta); err != nil {
			e.metrics.DispatchFailures.Add(1)
			e.logger.Warn("metadata dispatch failed",
				slog.String("subscription", ag.id.String()),
				slog.String("error", err.Error()))
			return
		}
		e.logger.Debug("metadata published",
			slog.String("subscription", ag.id.String()),
			slog.Int("fields", len(meta.Fields)))
	}

	if t := ag.config.AsyncMetaDataLoadThreshold; t > 0 && len(states) > t {
		ag.wg.Add(1)
		go func() {
			defer ag.wg.Done()
			load(ag.ctx)
		}()
		return
	}
	load(ctx)
}

// fieldMetaData reads the type attributes of every data item. Attributes the
// server does not return are completed from the catalog defaults.
func (e *Engine) fieldMetaData(ctx context.Context, ag *activeGroup, states []*itemState) []FieldMetaData {
	fields := make([]FieldMetaData, len(states))
	values := make([]map[AttributeID]DataValue, len(states))
	var reads []ReadValueID
	var owners []int
	for i, st := range states {
		d := st.spec.(DataItem)
		fields[i] = FieldMetaData{Name: d.FieldID(), Order: d.Base().Order, ClassFieldID: d.DataSetClassFieldID}
		values[i] = make(map[AttributeID]DataValue, len(fieldAttributes))
		if d.Attribute != AttributeValue {
			continue
		}
		for _, attr := range fieldAttributes {
			reads = append(reads, ReadValueID{NodeID: st.node, AttributeID: attr})
			owners = append(owners, i)
		}
	}

	if len(reads) > 0 {
		if resp, err := ag.session.Read(ctx, 0, reads); err != nil {
			e.logger.Warn("metadata read failed",
				slog.String("subscription", ag.id.String()),
				slog.String("error", err.Error()))
		} else {
			b := NewBatchReconciler(ServiceRead, resp.Header, resp.Results, resp.Diagnostics, reads, func(v DataValue) StatusCode { return v.StatusCode })
			for i, op := range b.All() {
				if op.ErrorInfo == nil {
					values[owners[i]][op.Request.AttributeID] = op.Result
				}
			}
		}
	}

	for i, st := range states {
		d := st.spec.(DataItem)
		if d.Attribute != AttributeValue {
			fields[i].BuiltInType = e.catalog.WireType(d.Attribute)
			fields[i].ValueRank = ValueRankScalar
			continue
		}
		full := e.catalog.FillGaps(NodeClassVariable, values[i])
		if dt, ok := variantNodeID(full[AttributeDataType].Value); ok {
			fields[i].DataType = dt
			fields[i].BuiltInType = builtInType(dt)
		}
		if v := full[AttributeValueRank].Value; v != nil {
			if rank, ok := v.Value.(int32); ok {
				fields[i].ValueRank = rank
			}
		}
		if v := full[AttributeArrayDimensions].Value; v != nil {
			if dims, ok := v.Value.([]uint32); ok {
				fields[i].ArrayDimensions = dims
			}
		}
	}
	return fields
}

func extensionMetaData(x ExtensionField) FieldMetaData {
	f := FieldMetaData{Name: x.FieldID(), Order: x.Base().Order, ValueRank: ValueRankScalar}
	if x.Value != nil {
		f.BuiltInType = x.Value.Type
		f.DataType = NewNumericNodeID(0, uint32(x.Value.Type))
	}
	return f
}

func variantNodeID(v *Variant) (NodeID, bool) {
	if v == nil {
		return NodeID{}, false
	}
	switch n := v.Value.(type) {
	case NodeID:
		return n, true
	case *NodeID:
		if n != nil {
			return *n, true
		}
	}
	return NodeID{}, false
}

// builtInType maps a namespace 0 data type to its built-in type. Other data
// types are structures or enumerations and report TypeVariant.
func builtInType(dt NodeID) TypeID {
	if dt.Namespace == 0 && dt.Type == NodeIDTypeNumeric && dt.Numeric >= uint32(TypeBoolean) && dt.Numeric <= uint32(TypeDiagnosticInfo) {
		return TypeID(dt.Numeric)
	}
	return TypeVariant
}
