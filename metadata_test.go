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

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func typeReads(nodes []ReadValueID) (BatchResponse[DataValue], error) {
	res := make([]DataValue, len(nodes))
	for i, n := range nodes {
		switch {
		case n.NodeID.String == "Unknown":
			res[i] = DataValue{StatusCode: StatusBadNodeIDUnknown}
		case n.AttributeID == AttributeDataType:
			res[i] = DataValue{Value: NewVariant(NewNumericNodeID(0, uint32(TypeDouble)))}
		case n.AttributeID == AttributeValueRank:
			res[i] = DataValue{Value: NewVariant(int32(1))}
		case n.AttributeID == AttributeArrayDimensions:
			res[i] = DataValue{Value: NewVariant([]uint32{8})}
		}
	}
	return BatchResponse[DataValue]{Results: res}, nil
}

func TestEngine_MetaData(t *testing.T) {
	fx := newEngineFixture(t)
	fx.session.read = typeReads

	classField := uuid.New()
	temp := mustData(t, "temp", "ns=2;s=Temp")
	temp.DataSetClassFieldID = classField
	name, err := NewDataItem(DataItem{ItemBase: ItemBase{ID: "name", StartNodeID: "ns=2;s=Temp", Attribute: AttributeDisplayName}})
	require.NoError(t, err)
	site, err := NewExtensionField(ExtensionField{ItemBase: ItemBase{ID: "site"}, Value: NewVariant("plant-1")})
	require.NoError(t, err)

	g := NewSubscriptionGroup(NewSubscriptionIdentifier(fx.key, "meta"),
		PublishingConfig{MetaData: &MetaDataDescriptor{Name: "line", MajorVersion: 1}},
		temp, mustData(t, "gone", "ns=2;s=Unknown"), name, site)
	require.NoError(t, fx.engine.Apply(context.Background(), g))

	metas := fx.disp.metaData()
	require.Len(t, metas, 1)
	md := metas[0]
	assert.Equal(t, "line", md.Name)
	assert.Equal(t, uint32(1), md.MajorVersion)
	require.Len(t, md.Fields, 4)

	assert.Equal(t, "temp", md.Fields[0].Name)
	assert.Equal(t, classField, md.Fields[0].ClassFieldID)
	assert.Equal(t, TypeDouble, md.Fields[0].BuiltInType)
	assert.Equal(t, int32(1), md.Fields[0].ValueRank)
	assert.Equal(t, []uint32{8}, md.Fields[0].ArrayDimensions)

	assert.Equal(t, "gone", md.Fields[1].Name)
	assert.Equal(t, baseDataType, md.Fields[1].DataType, "unreadable types fall back to the catalog defaults")
	assert.Equal(t, TypeVariant, md.Fields[1].BuiltInType)
	assert.Equal(t, ValueRankScalar, md.Fields[1].ValueRank)

	assert.Equal(t, TypeLocalizedText, md.Fields[2].BuiltInType)
	assert.Equal(t, "site", md.Fields[3].Name)
	assert.Equal(t, TypeString, md.Fields[3].BuiltInType)
}

func TestEngine_MetaDataAsync(t *testing.T) {
	fx := newEngineFixture(t)
	fx.session.read = typeReads

	g := NewSubscriptionGroup(NewSubscriptionIdentifier(fx.key, "big"),
		PublishingConfig{MetaData: &MetaDataDescriptor{Name: "big"}, AsyncMetaDataLoadThreshold: 1},
		mustData(t, "a", "ns=2;s=A"), mustData(t, "b", "ns=2;s=B"))
	require.NoError(t, fx.engine.Apply(context.Background(), g))

	require.Eventually(t, func() bool { return len(fx.disp.metaData()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Len(t, fx.disp.metaData()[0].Fields, 2)
}

func TestEngine_NoMetaDataWithoutDescriptor(t *testing.T) {
	fx := newEngineFixture(t)
	require.NoError(t, fx.engine.Apply(context.Background(), fx.group("plain", mustData(t, "a", "ns=2;s=A"))))
	assert.Empty(t, fx.disp.metaData())
	reads, _ := fx.session.reads()
	assert.Empty(t, reads)
}

func TestBuiltInType(t *testing.T) {
	assert.Equal(t, TypeDouble, builtInType(NewNumericNodeID(0, 11)))
	assert.Equal(t, TypeVariant, builtInType(NewNumericNodeID(0, 24)))
	assert.Equal(t, TypeVariant, builtInType(NewNumericNodeID(2, 11)), "vendor types are structures")
	assert.Equal(t, TypeVariant, builtInType(NewNumericNodeID(0, 884)))
}
