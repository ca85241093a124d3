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
	"time"
)

// SubscriptionParameters are the values sent in a CreateSubscription request.
type SubscriptionParameters struct {
	PublishingInterval         time.Duration
	LifetimeCount              uint32
	MaxKeepAliveCount          uint32
	MaxNotificationsPerPublish uint32
	Priority                   uint8
	PublishingEnabled          bool
	// DeferredAcknowledgements asks the client to hold publish acknowledgements
	// until the dispatcher accepted the notification.
	DeferredAcknowledgements bool
}

// ParametersFor derives the subscription request for a group.
func ParametersFor(g SubscriptionGroup) SubscriptionParameters {
	return SubscriptionParameters{
		PublishingInterval:         g.EffectivePublishingInterval(),
		LifetimeCount:              g.EffectiveLifetimeCount(),
		MaxKeepAliveCount:          g.EffectiveKeepAliveCount(),
		MaxNotificationsPerPublish: g.config.MaxNotificationsPerPublish,
		Priority:                   g.config.Priority,
		PublishingEnabled:          true,
		DeferredAcknowledgements:   g.config.DeferredAcknowledgements,
	}
}

// BatchResponse is the raw outcome of a batched service call before reconciliation.
type BatchResponse[Res any] struct {
	Header      ServiceResult
	Results     []Res
	Diagnostics []DiagnosticInfo
}

// BrowsePathTarget is one node a browse path resolved to.
type BrowsePathTarget struct {
	TargetID           NodeID
	RemainingPathIndex uint32
}

// BrowsePathResult is the result of translating one browse path.
type BrowsePathResult struct {
	StatusCode StatusCode
	Targets    []BrowsePathTarget
}

// BrowseReference is one forward hierarchical reference of a browsed node.
type BrowseReference struct {
	NodeID     NodeID
	BrowseName QualifiedName
	NodeClass  NodeClass
}

// BrowseResult lists the children of one browsed node.
type BrowseResult struct {
	StatusCode StatusCode
	References []BrowseReference
}

// RawDataChange is one monitored item value as delivered by the server.
type RawDataChange struct {
	ClientHandle uint32
	Value        DataValue
	// Overflow counts values the server discarded from the item queue.
	Overflow uint32
}

// RawEvent is one event notification with its fields in select clause order.
type RawEvent struct {
	ClientHandle uint32
	Fields       []*Variant
}

// RawNotification is the content of one publish response.
type RawNotification struct {
	SubscriptionID uint32
	SequenceNumber uint32
	DataChanges    []RawDataChange
	Events         []RawEvent
	// Status is set for a status change notification.
	Status *StatusCode
}

// NotificationSink receives publish responses for a subscription.
type NotificationSink func(RawNotification)

// Subscription is a live server subscription.
type Subscription interface {
	ID() uint32
	Revised() CreateSubscriptionResult
	CreateMonitoredItems(ctx context.Context, ts TimestampsToReturn, items []MonitoredItemCreateRequest) (BatchResponse[MonitoredItemCreateResult], error)
	DeleteMonitoredItems(ctx context.Context, ids []uint32) (BatchResponse[StatusCode], error)
	Cancel(ctx context.Context) error
}

// Session is an activated OPC UA session.
type Session interface {
	CreateSubscription(ctx context.Context, params SubscriptionParameters, sink NotificationSink) (Subscription, error)
	// Read reads attributes in one request. A zero maxAge asks the server for
	// current values.
	Read(ctx context.Context, maxAge time.Duration, nodes []ReadValueID) (BatchResponse[DataValue], error)
	// Browse returns the forward hierarchical references of every node.
	Browse(ctx context.Context, nodes []NodeID) (BatchResponse[BrowseResult], error)
	// RegisterNodes returns the aliases to use for repeated reads, in request order.
	RegisterNodes(ctx context.Context, nodes []NodeID) ([]NodeID, error)
	UnregisterNodes(ctx context.Context, nodes []NodeID) error
	TranslateBrowsePaths(ctx context.Context, start NodeID, paths []RelativePath) (BatchResponse[BrowsePathResult], error)
	Close(ctx context.Context) error
}

// SessionFactory opens sessions for a connection.
type SessionFactory interface {
	Open(ctx context.Context, key ConnectionKey) (Session, error)
}

// SessionFactoryFunc adapts a function to SessionFactory.
type SessionFactoryFunc func(ctx context.Context, key ConnectionKey) (Session, error)

// Open calls f.
func (f SessionFactoryFunc) Open(ctx context.Context, key ConnectionKey) (Session, error) {
	return f(ctx, key)
}

// Dispatcher hands records to the downstream encoder.
type Dispatcher interface {
	Dispatch(ctx context.Context, id SubscriptionIdentifier, records []NotificationRecord) error
}

// MetaDataDispatcher is implemented by dispatchers that also publish the
// metadata of a data set.
type MetaDataDispatcher interface {
	DispatchMetaData(ctx context.Context, id SubscriptionIdentifier, md DataSetMetaData) error
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, id SubscriptionIdentifier, records []NotificationRecord) error

// Dispatch calls f.
func (f DispatcherFunc) Dispatch(ctx context.Context, id SubscriptionIdentifier, records []NotificationRecord) error {
	return f(ctx, id, records)
}
