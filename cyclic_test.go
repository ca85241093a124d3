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
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func goodReads(v interface{}) func([]ReadValueID) (BatchResponse[DataValue], error) {
	return func(nodes []ReadValueID) (BatchResponse[DataValue], error) {
		res := make([]DataValue, len(nodes))
		for i := range res {
			res[i] = DataValue{Value: NewVariant(v), StatusCode: StatusGood}
		}
		return BatchResponse[DataValue]{Results: res}, nil
	}
}

func TestEngine_CyclicRead(t *testing.T) {
	fx := newEngineFixture(t)
	fx.session.read = goodReads(4.2)

	d, err := NewDataItem(DataItem{
		ItemBase:     ItemBase{ID: "level", StartNodeID: "ns=2;s=Level", SamplingInterval: 10 * time.Millisecond},
		CyclicRead:   true,
		RegisterRead: true,
		MaxCacheAge:  500 * time.Millisecond,
	})
	require.NoError(t, err)
	g := fx.group("polled", d)
	require.NoError(t, fx.engine.Apply(context.Background(), g))

	assert.Empty(t, fx.session.lastSub().requests(), "cyclic items are not monitored")
	assert.Equal(t, int64(0), fx.engine.Metrics().MonitoredItems.Value())

	require.Eventually(t, func() bool { return len(fx.disp.all()) > 0 }, time.Second, 5*time.Millisecond)
	rec := fx.disp.all()[0]
	assert.Equal(t, "level", rec.ItemID)
	assert.Equal(t, 4.2, rec.Value.Value.Value)
	assert.GreaterOrEqual(t, fx.engine.Metrics().CyclicReads.Value(), int64(1))

	reads, ages := fx.session.reads()
	require.NotEmpty(t, reads)
	assert.Equal(t, NewStringNodeID(9, "Level"), reads[0][0].NodeID, "registered alias is read")
	assert.Equal(t, AttributeValue, reads[0][0].AttributeID)
	assert.Equal(t, 500*time.Millisecond, ages[0])

	require.NoError(t, fx.engine.Remove(context.Background(), g.ID()))
	assert.Equal(t, []NodeID{NewStringNodeID(9, "Level")}, fx.session.unregisteredNodes())
}

func TestEngine_CyclicReadFailure(t *testing.T) {
	fx := newEngineFixture(t)
	fx.session.read = func([]ReadValueID) (BatchResponse[DataValue], error) {
		return BatchResponse[DataValue]{}, NewServiceError(ServiceRead, StatusBadTimeout, "")
	}

	d, err := NewDataItem(DataItem{
		ItemBase:   ItemBase{ID: "slow", StartNodeID: "ns=2;s=Slow", SamplingInterval: time.Hour},
		CyclicRead: true,
	})
	require.NoError(t, err)
	g := NewSubscriptionGroup(NewSubscriptionIdentifier(fx.key, "failing"), PublishingConfig{PublishImmediately: true}, d)
	require.NoError(t, fx.engine.Apply(context.Background(), g))

	recs := fx.disp.all()
	require.Len(t, recs, 1)
	assert.Equal(t, "slow", recs[0].ItemID)
	assert.True(t, recs[0].Flags.Has(FlagError))
	assert.Equal(t, StatusBadTimeout, recs[0].Status())
}

func TestEngine_PublishImmediately(t *testing.T) {
	fx := newEngineFixture(t)
	fx.session.read = goodReads(int32(7))

	site, err := NewExtensionField(ExtensionField{ItemBase: ItemBase{ID: "site"}, Value: NewVariant("plant-1")})
	require.NoError(t, err)
	g := NewSubscriptionGroup(NewSubscriptionIdentifier(fx.key, "now"), PublishingConfig{PublishImmediately: true},
		mustData(t, "a", "ns=2;s=A"), mustData(t, "b", "ns=2;s=B"), site)
	require.NoError(t, fx.engine.Apply(context.Background(), g))

	recs := fx.disp.all()
	require.Len(t, recs, 3)
	assert.Equal(t, "a", recs[0].ItemID)
	assert.Equal(t, int32(7), recs[0].Value.Value.Value)
	assert.Equal(t, "b", recs[1].ItemID)
	assert.Equal(t, "site", recs[2].ItemID)

	reads, ages := fx.session.reads()
	require.Len(t, reads, 1)
	assert.Len(t, reads[0], 2)
	assert.Equal(t, time.Duration(0), ages[0], "initial values are read from the device")
}

type concurrencyDispatcher struct {
	inFlight atomic.Int32
	max      atomic.Int32
	calls    atomic.Int32
}

func (d *concurrencyDispatcher) Dispatch(context.Context, SubscriptionIdentifier, []NotificationRecord) error {
	n := d.inFlight.Add(1)
	for {
		m := d.max.Load()
		if n <= m || d.max.CompareAndSwap(m, n) {
			break
		}
	}
	time.Sleep(2 * time.Millisecond)
	d.inFlight.Add(-1)
	d.calls.Add(1)
	return nil
}

func TestEngine_SequentialPublishing(t *testing.T) {
	key := testConn(t, "opc.tcp://plc:4840")
	sess := &fakeSession{}
	pool, err := NewSessionPool(SessionFactoryFunc(func(context.Context, ConnectionKey) (Session, error) { return sess, nil }))
	require.NoError(t, err)
	defer pool.Close()

	disp := &concurrencyDispatcher{}
	e, err := NewEngine(pool, disp, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)
	defer e.Close(context.Background())

	g := NewSubscriptionGroup(NewSubscriptionIdentifier(key, "seq"), PublishingConfig{SequentialPublishing: true}, mustData(t, "a", "ns=2;s=A"))
	require.NoError(t, e.Apply(context.Background(), g))

	sink := sess.lastSub().sink
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(seq uint32) {
			defer wg.Done()
			sink(RawNotification{SequenceNumber: seq, DataChanges: []RawDataChange{{ClientHandle: 1}}})
		}(uint32(i + 1))
	}
	wg.Wait()

	assert.Equal(t, int32(8), disp.calls.Load())
	assert.Equal(t, int32(1), disp.max.Load())
}

func TestDataItem_CyclicReadValidation(t *testing.T) {
	base := ItemBase{ID: "x", StartNodeID: "ns=2;s=X"}

	_, err := NewDataItem(DataItem{ItemBase: base, RegisterRead: true})
	assert.ErrorIs(t, err, ErrInvalidItem)

	_, err = NewDataItem(DataItem{ItemBase: base, MaxCacheAge: time.Second})
	assert.ErrorIs(t, err, ErrInvalidItem)

	_, err = NewDataItem(DataItem{ItemBase: base, CyclicRead: true, DataChangeFilter: &DataChangeFilter{Trigger: TriggerStatus}})
	assert.ErrorIs(t, err, ErrInvalidItem)

	d, err := NewDataItem(DataItem{ItemBase: base, CyclicRead: true, RegisterRead: true, MaxCacheAge: time.Second})
	require.NoError(t, err)
	assert.True(t, d.CyclicRead)
}
