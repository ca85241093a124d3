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
	"sync"
	"time"

	"github.com/stretchr/testify/mock"
)

type fakeSubscription struct {
	mu        sync.Mutex
	id        uint32
	sink      NotificationSink
	created   [][]MonitoredItemCreateRequest
	deleted   []uint32
	respond   func([]MonitoredItemCreateRequest) (BatchResponse[MonitoredItemCreateResult], error)
	cancelled bool
}

func (s *fakeSubscription) ID() uint32 { return s.id }

func (s *fakeSubscription) Revised() CreateSubscriptionResult {
	return CreateSubscriptionResult{SubscriptionID: s.id, RevisedPublishingInterval: 1000, RevisedMaxKeepAliveCount: 10}
}

func (s *fakeSubscription) CreateMonitoredItems(_ context.Context, _ TimestampsToReturn, items []MonitoredItemCreateRequest) (BatchResponse[MonitoredItemCreateResult], error) {
	s.mu.Lock()
	s.created = append(s.created, items)
	respond := s.respond
	s.mu.Unlock()
	if respond != nil {
		return respond(items)
	}
	return goodCreate(items), nil
}

func (s *fakeSubscription) DeleteMonitoredItems(_ context.Context, ids []uint32) (BatchResponse[StatusCode], error) {
	s.mu.Lock()
	s.deleted = append(s.deleted, ids...)
	s.mu.Unlock()
	return BatchResponse[StatusCode]{Results: make([]StatusCode, len(ids))}, nil
}

func (s *fakeSubscription) Cancel(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = true
	return nil
}

func (s *fakeSubscription) deletedIDs() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint32(nil), s.deleted...)
}

func (s *fakeSubscription) isCancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

func (s *fakeSubscription) requests() []MonitoredItemCreateRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []MonitoredItemCreateRequest
	for _, b := range s.created {
		out = append(out, b...)
	}
	return out
}

func goodCreate(items []MonitoredItemCreateRequest) BatchResponse[MonitoredItemCreateResult] {
	res := make([]MonitoredItemCreateResult, len(items))
	for i, it := range items {
		res[i] = MonitoredItemCreateResult{StatusCode: StatusGood, MonitoredItemID: 100 + it.RequestedParameters.ClientHandle}
	}
	return BatchResponse[MonitoredItemCreateResult]{Results: res}
}

type fakeSession struct {
	mu        sync.Mutex
	subs      []*fakeSubscription
	respond   func([]MonitoredItemCreateRequest) (BatchResponse[MonitoredItemCreateResult], error)
	translate func([]RelativePath) (BatchResponse[BrowsePathResult], error)
	read      func([]ReadValueID) (BatchResponse[DataValue], error)
	browse    func([]NodeID) (BatchResponse[BrowseResult], error)
	pingErr   error
	closed    bool

	maxAges      []time.Duration
	readNodes    [][]ReadValueID
	registered   []NodeID
	unregistered []NodeID
}

func (s *fakeSession) CreateSubscription(_ context.Context, _ SubscriptionParameters, sink NotificationSink) (Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub := &fakeSubscription{id: uint32(len(s.subs) + 1), sink: sink, respond: s.respond}
	s.subs = append(s.subs, sub)
	return sub, nil
}

func (s *fakeSession) Read(_ context.Context, maxAge time.Duration, nodes []ReadValueID) (BatchResponse[DataValue], error) {
	s.mu.Lock()
	s.maxAges = append(s.maxAges, maxAge)
	s.readNodes = append(s.readNodes, nodes)
	read := s.read
	s.mu.Unlock()
	if read != nil {
		return read(nodes)
	}
	return BatchResponse[DataValue]{Results: make([]DataValue, len(nodes))}, nil
}

func (s *fakeSession) Browse(_ context.Context, nodes []NodeID) (BatchResponse[BrowseResult], error) {
	s.mu.Lock()
	browse := s.browse
	s.mu.Unlock()
	if browse != nil {
		return browse(nodes)
	}
	return BatchResponse[BrowseResult]{Results: make([]BrowseResult, len(nodes))}, nil
}

// RegisterNodes aliases every node into namespace 9 with the same identifier.
func (s *fakeSession) RegisterNodes(_ context.Context, nodes []NodeID) ([]NodeID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registered = append(s.registered, nodes...)
	out := make([]NodeID, len(nodes))
	for i, n := range nodes {
		out[i] = n
		out[i].Namespace = 9
	}
	return out, nil
}

func (s *fakeSession) UnregisterNodes(_ context.Context, nodes []NodeID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unregistered = append(s.unregistered, nodes...)
	return nil
}

func (s *fakeSession) reads() ([][]ReadValueID, []time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]ReadValueID(nil), s.readNodes...), append([]time.Duration(nil), s.maxAges...)
}

func (s *fakeSession) unregisteredNodes() []NodeID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]NodeID(nil), s.unregistered...)
}

func (s *fakeSession) setBrowse(f func([]NodeID) (BatchResponse[BrowseResult], error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.browse = f
}

func (s *fakeSession) TranslateBrowsePaths(_ context.Context, _ NodeID, paths []RelativePath) (BatchResponse[BrowsePathResult], error) {
	if s.translate != nil {
		return s.translate(paths)
	}
	return BatchResponse[BrowsePathResult]{Results: make([]BrowsePathResult, len(paths))}, nil
}

func (s *fakeSession) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pingErr
}

func (s *fakeSession) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSession) lastSub() *fakeSubscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.subs) == 0 {
		return nil
	}
	return s.subs[len(s.subs)-1]
}

func (s *fakeSession) subCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

type mockFactory struct {
	mock.Mock
}

func (m *mockFactory) Open(ctx context.Context, key ConnectionKey) (Session, error) {
	args := m.Called(ctx, key)
	s, _ := args.Get(0).(Session)
	return s, args.Error(1)
}

type recordingDispatcher struct {
	mu      sync.Mutex
	batches [][]NotificationRecord
	ids     []SubscriptionIdentifier
	metas   []DataSetMetaData
}

func (d *recordingDispatcher) DispatchMetaData(_ context.Context, _ SubscriptionIdentifier, md DataSetMetaData) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.metas = append(d.metas, md)
	return nil
}

func (d *recordingDispatcher) metaData() []DataSetMetaData {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]DataSetMetaData(nil), d.metas...)
}

func (d *recordingDispatcher) Dispatch(_ context.Context, id SubscriptionIdentifier, records []NotificationRecord) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ids = append(d.ids, id)
	d.batches = append(d.batches, records)
	return nil
}

func (d *recordingDispatcher) all() []NotificationRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []NotificationRecord
	for _, b := range d.batches {
		out = append(out, b...)
	}
	return out
}

func (d *recordingDispatcher) reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.batches = nil
	d.ids = nil
}

type mockDispatcher struct {
	mock.Mock
}

func (m *mockDispatcher) Dispatch(ctx context.Context, id SubscriptionIdentifier, records []NotificationRecord) error {
	return m.Called(ctx, id, records).Error(0)
}
