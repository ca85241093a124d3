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

package natssink

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	publisher "github.com/edgeo-scada/publisher"
)

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(subject string, data []byte) error {
	return m.Called(subject, data).Error(0)
}

type flushingPublisher struct {
	mockPublisher
	flushed int
}

func (f *flushingPublisher) FlushTimeout(time.Duration) error {
	f.flushed++
	return nil
}

func testID(t *testing.T) publisher.SubscriptionIdentifier {
	t.Helper()
	key, err := publisher.NewConnectionKey(publisher.ConnectionDescriptor{EndpointURL: "opc.tcp://plc:4840"})
	require.NoError(t, err)
	return publisher.NewSubscriptionIdentifier(key, "line.1")
}

func testItem(t *testing.T) publisher.DataItem {
	t.Helper()
	d, err := publisher.NewDataItem(publisher.DataItem{ItemBase: publisher.ItemBase{
		ID:          "Boiler Temp",
		StartNodeID: "ns=2;s=Boiler.Temp",
	}})
	require.NoError(t, err)
	return d
}

func TestNew_NilPublisher(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)
}

func TestSubject(t *testing.T) {
	s, err := New(&mockPublisher{}, WithPrefix("plant"))
	require.NoError(t, err)

	r := publisher.NotificationRecord{ItemID: "ns=2;s=Boiler.Temp"}
	assert.Equal(t, "plant.plc_4840.line_1.ns_2_s_Boiler_Temp", s.Subject(testID(t), r))
	assert.Equal(t, "plant.plc_4840.line_1._", s.Subject(testID(t), publisher.NotificationRecord{}))
}

func TestDispatch_PublishesJSON(t *testing.T) {
	id := testID(t)
	ts := time.Date(2025, 6, 1, 8, 30, 0, 0, time.UTC)
	rec := publisher.FromDataChange(testItem(t), publisher.DataValue{
		Value:           publisher.NewVariant(71.25),
		SourceTimestamp: ts,
	}, 42, 0)

	pub := &mockPublisher{}
	var payload []byte
	pub.On("Publish", "opcua.plc_4840.line_1.Boiler_Temp", mock.Anything).
		Run(func(args mock.Arguments) { payload = args.Get(1).([]byte) }).
		Return(nil).Once()

	s, err := New(pub)
	require.NoError(t, err)
	require.NoError(t, s.Dispatch(context.Background(), id, []publisher.NotificationRecord{rec}))
	pub.AssertExpectations(t)

	var m Message
	require.NoError(t, json.Unmarshal(payload, &m))
	assert.Equal(t, uint64(42), m.MessageID)
	assert.Equal(t, "line.1", m.Subscription)
	assert.Equal(t, "opc.tcp://plc:4840", m.Endpoint)
	assert.Equal(t, "Boiler Temp", m.ItemID)
	assert.Equal(t, uint32(42), m.Sequence)
	assert.Equal(t, rec.Order, m.Order)
	assert.Equal(t, "Good", m.Status)
	assert.Equal(t, 71.25, m.Value)
	require.NotNil(t, m.SourceTimestamp)
	assert.True(t, ts.Equal(*m.SourceTimestamp))
	assert.Nil(t, m.ServerTimestamp)
	assert.Empty(t, m.Flags)
}

func TestDispatchMetaData(t *testing.T) {
	id := testID(t)
	classID := uuid.MustParse("5b0e4b8e-7d3c-4a55-9b39-0d5f2f4c1a01")
	md := publisher.DataSetMetaData{
		Name:         "line",
		ClassID:      classID,
		MajorVersion: 2,
		Fields: []publisher.FieldMetaData{
			{Name: "temp", DataType: publisher.NewNumericNodeID(0, 11), BuiltInType: publisher.TypeDouble, ValueRank: publisher.ValueRankScalar},
			{Name: "site", Order: 1, ValueRank: publisher.ValueRankScalar},
		},
	}

	pub := &flushingPublisher{}
	var payload []byte
	pub.On("Publish", "opcua.plc_4840.line_1.$metadata", mock.Anything).
		Run(func(args mock.Arguments) { payload = args.Get(1).([]byte) }).
		Return(nil).Once()

	s, err := New(pub)
	require.NoError(t, err)
	require.NoError(t, s.DispatchMetaData(context.Background(), id, md))
	pub.AssertExpectations(t)
	assert.Equal(t, 1, pub.flushed)

	var m MetaDataMessage
	require.NoError(t, json.Unmarshal(payload, &m))
	assert.Equal(t, "line.1", m.Subscription)
	assert.Equal(t, classID.String(), m.ClassID)
	assert.Equal(t, uint32(2), m.MajorVersion)
	require.Len(t, m.Fields, 2)
	assert.Equal(t, "i=11", m.Fields[0].DataType)
	assert.Equal(t, uint8(publisher.TypeDouble), m.Fields[0].BuiltInType)
	assert.Empty(t, m.Fields[1].DataType)
	assert.Equal(t, int32(-1), m.Fields[1].ValueRank)
}

func TestSubject_ItemNeverMatchesMetaData(t *testing.T) {
	s, err := New(&mockPublisher{})
	require.NoError(t, err)
	id := testID(t)
	assert.NotEqual(t, s.MetaDataSubject(id), s.Subject(id, publisher.NotificationRecord{ItemID: "$metadata"}))
}

func TestDispatch_ContinuesPastFailures(t *testing.T) {
	id := testID(t)
	item := testItem(t)
	records := []publisher.NotificationRecord{
		publisher.FromDataChange(item, publisher.DataValue{Value: publisher.NewVariant(int32(1))}, 1, 0),
		publisher.FromDataChange(item, publisher.DataValue{Value: publisher.NewVariant(int32(2))}, 2, 0),
	}

	boom := errors.New("nats: connection closed")
	pub := &mockPublisher{}
	pub.On("Publish", mock.Anything, mock.Anything).Return(boom).Once()
	pub.On("Publish", mock.Anything, mock.Anything).Return(nil).Once()

	s, err := New(pub)
	require.NoError(t, err)
	err = s.Dispatch(context.Background(), id, records)
	assert.ErrorIs(t, err, boom)
	pub.AssertNumberOfCalls(t, "Publish", 2)
}

func TestDispatch_Flush(t *testing.T) {
	pub := &flushingPublisher{}
	pub.On("Publish", mock.Anything, mock.Anything).Return(nil)

	s, err := New(pub, WithFlushTimeout(time.Second))
	require.NoError(t, err)
	rec := publisher.FromError(testItem(t), publisher.StatusBadNodeIDUnknown)
	require.NoError(t, s.Dispatch(context.Background(), testID(t), []publisher.NotificationRecord{rec}))
	assert.Equal(t, 1, pub.flushed)

	require.NoError(t, s.Dispatch(context.Background(), testID(t), nil))
	assert.Equal(t, 1, pub.flushed)
}

func TestDispatch_CancelledContext(t *testing.T) {
	pub := &mockPublisher{}
	s, err := New(pub)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec := publisher.FromError(testItem(t), publisher.StatusBadTimeout)
	err = s.Dispatch(ctx, testID(t), []publisher.NotificationRecord{rec})
	assert.ErrorIs(t, err, context.Canceled)
	pub.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything)
}

func TestNewMessage_ErrorAndEvent(t *testing.T) {
	id := testID(t)
	m := NewMessage(id, publisher.FromError(testItem(t), publisher.StatusBadNodeIDUnknown))
	assert.Equal(t, "Error", m.Flags)
	assert.Equal(t, uint32(publisher.StatusBadNodeIDUnknown), m.StatusCode)
	assert.Equal(t, "BadNodeIdUnknown", m.Status)
	assert.Nil(t, m.Value)

	rec := publisher.NotificationRecord{
		ItemID: "alarms",
		Event: []publisher.EventField{
			{Name: "SourceNode", Value: publisher.NewVariant(publisher.NewNumericNodeID(0, 2253))},
			{Name: "Message", Value: publisher.NewVariant(publisher.LocalizedText{Locale: "en", Text: "High"})},
			{Name: "Severity", Value: publisher.NewVariant(uint16(800))},
			{Name: "Missing"},
		},
	}
	m = NewMessage(id, rec)
	assert.Equal(t, "Good", m.Status)
	assert.Equal(t, "i=2253", m.Event["SourceNode"])
	assert.Equal(t, "High", m.Event["Message"])
	assert.Equal(t, uint16(800), m.Event["Severity"])
	assert.Nil(t, m.Event["Missing"])
}

func TestPlain_NonFinite(t *testing.T) {
	assert.Nil(t, plain(publisher.NewVariant(math.NaN())))
	assert.Nil(t, plain(publisher.NewVariant(float32(math.Inf(1)))))
	assert.Equal(t, 1.5, plain(publisher.NewVariant(1.5)))
}

func TestPlain_NonFiniteArrays(t *testing.T) {
	assert.Equal(t, []interface{}{1.5, nil, nil}, plain(publisher.NewVariant([]float64{1.5, math.NaN(), math.Inf(-1)})))
	assert.Equal(t, []interface{}{nil, float32(2)}, plain(publisher.NewVariant([]float32{float32(math.Inf(1)), 2})))
	assert.Equal(t, []float64{1, 2}, plain(publisher.NewVariant([]float64{1, 2})))

	m := NewMessage(testID(t), publisher.NotificationRecord{
		ItemID: "curve",
		Value:  &publisher.DataValue{Value: publisher.NewVariant([]float64{math.NaN(), 3})},
	})
	data, err := json.Marshal(m)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"value":[null,3]`)
}

func TestNewMessage_Order(t *testing.T) {
	site, err := publisher.NewExtensionField(publisher.ExtensionField{
		ItemBase: publisher.ItemBase{ID: "site", Order: 7},
		Value:    publisher.NewVariant("plant-1"),
	})
	require.NoError(t, err)
	rec := publisher.FromDataChange(site, publisher.DataValue{Value: site.Value}, 1, 0)
	require.Equal(t, 7, rec.Order)

	data, err := json.Marshal(NewMessage(testID(t), rec))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"order":7`)
}
