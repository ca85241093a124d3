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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/id"
	"github.com/gopcua/opcua/ua"

	publisher "github.com/edgeo-scada/publisher"
)

// Session is a publisher.Session backed by a connected gopcua client.
type Session struct {
	client *opcua.Client
	key    publisher.ConnectionKey
	queue  int
	logger *slog.Logger

	mu   sync.Mutex
	subs map[uint32]*subscription
}

var (
	_ publisher.Session = (*Session)(nil)
	_ publisher.Pinger  = (*Session)(nil)
)

func newSession(c *opcua.Client, key publisher.ConnectionKey, queue int, logger *slog.Logger) *Session {
	return &Session{
		client: c,
		key:    key,
		queue:  queue,
		logger: logger.With(slog.String("connection", key.String())),
		subs:   make(map[uint32]*subscription),
	}
}

// CreateSubscription creates a server subscription and starts forwarding its
// publish responses to sink.
func (s *Session) CreateSubscription(ctx context.Context, params publisher.SubscriptionParameters, sink publisher.NotificationSink) (publisher.Subscription, error) {
	if params.DeferredAcknowledgements {
		return nil, fmt.Errorf("%w: deferred acknowledgements", publisher.StatusBadNotSupported)
	}
	ch := make(chan *opcua.PublishNotificationData, s.queue)
	sub, err := s.client.Subscribe(ctx, &opcua.SubscriptionParameters{
		Interval:                   params.PublishingInterval,
		LifetimeCount:              params.LifetimeCount,
		MaxKeepAliveCount:          params.MaxKeepAliveCount,
		MaxNotificationsPerPublish: params.MaxNotificationsPerPublish,
		Priority:                   params.Priority,
	}, ch)
	if err != nil {
		return nil, statusError(publisher.ServiceCreateSubscription, err)
	}

	w := &subscription{
		session: s,
		sub:     sub,
		ch:      ch,
		sink:    sink,
		done:    make(chan struct{}),
	}
	s.mu.Lock()
	s.subs[sub.SubscriptionID] = w
	s.mu.Unlock()

	w.wg.Add(1)
	go w.pump()

	s.logger.Debug("subscription created",
		slog.Uint64("subscription_id", uint64(sub.SubscriptionID)),
		slog.Duration("revised_interval", sub.RevisedPublishingInterval))
	return w, nil
}

// Read reads node attributes in one request. maxAge is rounded down to
// milliseconds.
func (s *Session) Read(ctx context.Context, maxAge time.Duration, nodes []publisher.ReadValueID) (publisher.BatchResponse[publisher.DataValue], error) {
	req := &ua.ReadRequest{
		MaxAge:             float64(maxAge.Milliseconds()),
		TimestampsToReturn: ua.TimestampsToReturnBoth,
		NodesToRead:        make([]*ua.ReadValueID, len(nodes)),
	}
	for i, n := range nodes {
		rv, err := toUAReadValueID(n)
		if err != nil {
			return publisher.BatchResponse[publisher.DataValue]{}, err
		}
		req.NodesToRead[i] = rv
	}

	resp, err := s.client.Read(ctx, req)
	if err != nil {
		return publisher.BatchResponse[publisher.DataValue]{}, statusError(publisher.ServiceRead, err)
	}
	out := publisher.BatchResponse[publisher.DataValue]{
		Header:      fromUAHeader(resp.ResponseHeader),
		Results:     make([]publisher.DataValue, len(resp.Results)),
		Diagnostics: fromUADiagnostics(resp.DiagnosticInfos),
	}
	for i, r := range resp.Results {
		out.Results[i] = fromUADataValue(r)
	}
	return out, nil
}

// Browse lists the forward hierarchical references of every node,
// following continuation points until each result is complete.
func (s *Session) Browse(ctx context.Context, nodes []publisher.NodeID) (publisher.BatchResponse[publisher.BrowseResult], error) {
	req := &ua.BrowseRequest{NodesToBrowse: make([]*ua.BrowseDescription, len(nodes))}
	for i, n := range nodes {
		nid, err := toUANodeID(n)
		if err != nil {
			return publisher.BatchResponse[publisher.BrowseResult]{}, err
		}
		req.NodesToBrowse[i] = browseDescription(nid)
	}

	resp, err := s.client.Browse(ctx, req)
	if err != nil {
		return publisher.BatchResponse[publisher.BrowseResult]{}, statusError(publisher.ServiceBrowse, err)
	}
	out := publisher.BatchResponse[publisher.BrowseResult]{
		Header:      fromUAHeader(resp.ResponseHeader),
		Results:     make([]publisher.BrowseResult, len(resp.Results)),
		Diagnostics: fromUADiagnostics(resp.DiagnosticInfos),
	}
	for i, r := range resp.Results {
		out.Results[i] = fromUABrowseResult(r)
		cp := r.ContinuationPoint
		for len(cp) > 0 {
			next, err := s.client.BrowseNext(ctx, &ua.BrowseNextRequest{ContinuationPoints: [][]byte{cp}})
			if err != nil {
				return publisher.BatchResponse[publisher.BrowseResult]{}, statusError(publisher.ServiceBrowseNext, err)
			}
			if len(next.Results) != 1 {
				return publisher.BatchResponse[publisher.BrowseResult]{}, publisher.NewServiceError(publisher.ServiceBrowseNext, publisher.StatusBadUnknownResponse, "expected one result")
			}
			more := fromUABrowseResult(next.Results[0])
			out.Results[i].References = append(out.Results[i].References, more.References...)
			if !more.StatusCode.IsGood() {
				out.Results[i].StatusCode = more.StatusCode
				break
			}
			cp = next.Results[0].ContinuationPoint
		}
	}
	return out, nil
}

// RegisterNodes registers nodes for repeated reads and returns their aliases.
func (s *Session) RegisterNodes(ctx context.Context, nodes []publisher.NodeID) ([]publisher.NodeID, error) {
	ids, err := toUANodeIDs(nodes)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.RegisterNodes(ctx, &ua.RegisterNodesRequest{NodesToRegister: ids})
	if err != nil {
		return nil, statusError(publisher.ServiceRegisterNodes, err)
	}
	out := make([]publisher.NodeID, len(resp.RegisteredNodeIDs))
	for i, n := range resp.RegisteredNodeIDs {
		out[i] = fromUANodeID(n)
	}
	return out, nil
}

// UnregisterNodes releases aliases returned by RegisterNodes.
func (s *Session) UnregisterNodes(ctx context.Context, nodes []publisher.NodeID) error {
	ids, err := toUANodeIDs(nodes)
	if err != nil {
		return err
	}
	if _, err := s.client.UnregisterNodes(ctx, &ua.UnregisterNodesRequest{NodesToUnregister: ids}); err != nil {
		return statusError(publisher.ServiceUnregisterNodes, err)
	}
	return nil
}

// TranslateBrowsePaths resolves every path from start in one request.
func (s *Session) TranslateBrowsePaths(ctx context.Context, start publisher.NodeID, paths []publisher.RelativePath) (publisher.BatchResponse[publisher.BrowsePathResult], error) {
	startID, err := toUANodeID(start)
	if err != nil {
		return publisher.BatchResponse[publisher.BrowsePathResult]{}, err
	}
	req := &ua.TranslateBrowsePathsToNodeIDsRequest{BrowsePaths: make([]*ua.BrowsePath, len(paths))}
	for i, p := range paths {
		rp, err := toUARelativePath(p)
		if err != nil {
			return publisher.BatchResponse[publisher.BrowsePathResult]{}, err
		}
		req.BrowsePaths[i] = &ua.BrowsePath{StartingNode: startID, RelativePath: rp}
	}

	var resp *ua.TranslateBrowsePathsToNodeIDsResponse
	err = s.client.Send(ctx, req, func(v interface{}) (err error) {
		resp, err = translateResponse(v)
		return err
	})
	if err != nil {
		return publisher.BatchResponse[publisher.BrowsePathResult]{}, statusError(publisher.ServiceTranslateBrowsePathsToNodeIds, err)
	}
	out := publisher.BatchResponse[publisher.BrowsePathResult]{
		Header:      fromUAHeader(resp.ResponseHeader),
		Results:     make([]publisher.BrowsePathResult, len(resp.Results)),
		Diagnostics: fromUADiagnostics(resp.DiagnosticInfos),
	}
	for i, r := range resp.Results {
		out.Results[i] = fromUABrowsePathResult(r)
	}
	return out, nil
}

func translateResponse(v interface{}) (*ua.TranslateBrowsePathsToNodeIDsResponse, error) {
	r, ok := v.(*ua.TranslateBrowsePathsToNodeIDsResponse)
	if !ok || r == nil {
		return nil, fmt.Errorf("unexpected response %T", v)
	}
	return r, nil
}

// Ping reads the server state and fails unless the server is running.
func (s *Session) Ping(ctx context.Context) error {
	resp, err := s.client.Read(ctx, &ua.ReadRequest{
		NodesToRead: []*ua.ReadValueID{{
			NodeID:      ua.NewNumericNodeID(0, id.Server_ServerStatus_State),
			AttributeID: ua.AttributeIDValue,
		}},
	})
	if err != nil {
		return statusError(publisher.ServiceRead, err)
	}
	if len(resp.Results) == 0 || resp.Results[0] == nil {
		return publisher.StatusBadNoData
	}
	if sc := resp.Results[0].Status; sc != ua.StatusOK {
		return publisher.StatusCode(sc)
	}
	if resp.Results[0].Value == nil {
		return nil
	}
	if state, ok := resp.Results[0].Value.Value().(int32); ok && ua.ServerState(state) != ua.ServerStateRunning {
		return fmt.Errorf("%w: server state %d", publisher.StatusBadServerNotConnected, state)
	}
	return nil
}

// Close cancels the remaining subscriptions and closes the client.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	subs := make([]*subscription, 0, len(s.subs))
	for _, w := range s.subs {
		subs = append(subs, w)
	}
	s.mu.Unlock()

	for _, w := range subs {
		_ = w.Cancel(ctx)
	}
	return s.client.Close(ctx)
}

func (s *Session) forget(id uint32) {
	s.mu.Lock()
	delete(s.subs, id)
	s.mu.Unlock()
}

// subscription adapts an opcua.Subscription and pumps its notification
// channel into the engine sink.
type subscription struct {
	session *Session
	sub     *opcua.Subscription
	ch      chan *opcua.PublishNotificationData
	sink    publisher.NotificationSink

	once sync.Once
	done chan struct{}
	wg   sync.WaitGroup
}

func (w *subscription) ID() uint32 {
	return w.sub.SubscriptionID
}

func (w *subscription) Revised() publisher.CreateSubscriptionResult {
	return publisher.CreateSubscriptionResult{
		SubscriptionID:            w.sub.SubscriptionID,
		RevisedPublishingInterval: float64(w.sub.RevisedPublishingInterval.Milliseconds()),
		RevisedLifetimeCount:      w.sub.RevisedLifetimeCount,
		RevisedMaxKeepAliveCount:  w.sub.RevisedMaxKeepAliveCount,
	}
}

func (w *subscription) CreateMonitoredItems(ctx context.Context, ts publisher.TimestampsToReturn, items []publisher.MonitoredItemCreateRequest) (publisher.BatchResponse[publisher.MonitoredItemCreateResult], error) {
	reqs := make([]*ua.MonitoredItemCreateRequest, len(items))
	for i, it := range items {
		r, err := toUACreateRequest(it)
		if err != nil {
			return publisher.BatchResponse[publisher.MonitoredItemCreateResult]{}, err
		}
		reqs[i] = r
	}

	resp, err := w.sub.Monitor(ctx, ua.TimestampsToReturn(ts), reqs...)
	if err != nil {
		return publisher.BatchResponse[publisher.MonitoredItemCreateResult]{}, statusError(publisher.ServiceCreateMonitoredItems, err)
	}
	out := publisher.BatchResponse[publisher.MonitoredItemCreateResult]{
		Header:      fromUAHeader(resp.ResponseHeader),
		Results:     make([]publisher.MonitoredItemCreateResult, len(resp.Results)),
		Diagnostics: fromUADiagnostics(resp.DiagnosticInfos),
	}
	for i, r := range resp.Results {
		out.Results[i] = fromUACreateResult(r)
	}
	return out, nil
}

func (w *subscription) DeleteMonitoredItems(ctx context.Context, ids []uint32) (publisher.BatchResponse[publisher.StatusCode], error) {
	resp, err := w.sub.Unmonitor(ctx, ids...)
	if err != nil {
		return publisher.BatchResponse[publisher.StatusCode]{}, statusError(publisher.ServiceDeleteMonitoredItems, err)
	}
	out := publisher.BatchResponse[publisher.StatusCode]{
		Header:      fromUAHeader(resp.ResponseHeader),
		Results:     make([]publisher.StatusCode, len(resp.Results)),
		Diagnostics: fromUADiagnostics(resp.DiagnosticInfos),
	}
	for i, r := range resp.Results {
		out.Results[i] = publisher.StatusCode(r)
	}
	return out, nil
}

// Cancel deletes the server subscription and stops the pump. It is safe to
// call more than once.
func (w *subscription) Cancel(ctx context.Context) error {
	var err error
	w.once.Do(func() {
		err = w.sub.Cancel(ctx)
		close(w.done)
		w.wg.Wait()
		w.session.forget(w.sub.SubscriptionID)
		if err != nil && !errors.Is(err, ua.StatusBadSubscriptionIDInvalid) {
			err = statusError(publisher.ServiceDeleteSubscriptions, err)
		} else {
			err = nil
		}
	})
	return err
}

func (w *subscription) pump() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case msg, ok := <-w.ch:
			if !ok {
				return
			}
			if msg == nil {
				continue
			}
			if msg.Error != nil {
				w.session.logger.Warn("publish failed",
					slog.Uint64("subscription_id", uint64(w.sub.SubscriptionID)),
					slog.String("error", msg.Error.Error()))
				continue
			}
			if raw, ok := fromPublish(msg); ok {
				w.sink(raw)
			}
		}
	}
}
