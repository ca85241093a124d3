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
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// addressSpace serves browse and translate requests from a tree that tests
// can change while the engine runs.
type addressSpace struct {
	mu       sync.Mutex
	children map[string][]NodeID
	target   NodeID
	browses  atomic.Int32
}

func (a *addressSpace) set(parent NodeID, children ...NodeID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.children[parent.Text()] = children
}

func (a *addressSpace) retarget(n NodeID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.target = n
}

func (a *addressSpace) browse(nodes []NodeID) (BatchResponse[BrowseResult], error) {
	a.browses.Add(1)
	a.mu.Lock()
	defer a.mu.Unlock()
	res := make([]BrowseResult, len(nodes))
	for i, n := range nodes {
		for _, c := range a.children[n.Text()] {
			res[i].References = append(res[i].References, BrowseReference{NodeID: c, NodeClass: NodeClassVariable})
		}
	}
	return BatchResponse[BrowseResult]{Results: res}, nil
}

func (a *addressSpace) translate(paths []RelativePath) (BatchResponse[BrowsePathResult], error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	res := make([]BrowsePathResult, len(paths))
	for i := range res {
		res[i] = BrowsePathResult{StatusCode: StatusGood, Targets: []BrowsePathTarget{{TargetID: a.target}}}
	}
	return BatchResponse[BrowsePathResult]{Results: res}, nil
}

func TestEngine_WatchRebrowse(t *testing.T) {
	fx := newEngineFixture(t)
	space := &addressSpace{children: map[string][]NodeID{}, target: NewNumericNodeID(2, 1)}
	space.set(ObjectsFolder, NewStringNodeID(2, "A"))
	fx.session.setBrowse(space.browse)
	fx.session.translate = space.translate

	byPath, err := NewDataItem(DataItem{ItemBase: ItemBase{ID: "boiler", BrowsePath: []string{"2:Boiler"}}})
	require.NoError(t, err)
	w, err := NewAddressSpaceWatch(AddressSpaceWatch{ItemBase: ItemBase{ID: "model"}, RebrowsePeriod: 10 * time.Millisecond})
	require.NoError(t, err)
	require.NoError(t, fx.engine.Apply(context.Background(), fx.group("watched", byPath, w)))

	sub := fx.session.lastSub()
	reqs := sub.requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, NewNumericNodeID(2, 1), reqs[0].ItemToMonitor.NodeID)

	// baseline browse of the root and its child
	require.Eventually(t, func() bool { return space.browses.Load() >= 2 }, time.Second, time.Millisecond)
	space.retarget(NewNumericNodeID(2, 2))
	space.set(ObjectsFolder, NewStringNodeID(2, "A"), NewStringNodeID(2, "B"))

	var change NotificationRecord
	require.Eventually(t, func() bool {
		for _, r := range fx.disp.all() {
			if r.ItemID == "model" && r.Flags.Has(FlagModelChanges) {
				change = r
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
	require.Len(t, change.Event, 2)
	assert.Equal(t, AddedNodesField, change.Event[0].Name)
	assert.Equal(t, []string{"ns=2;s=B"}, change.Event[0].Value.Value)
	assert.Empty(t, change.Event[1].Value.Value)

	require.Eventually(t, func() bool { return len(sub.requests()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []uint32{101}, sub.deletedIDs(), "the moved item is recreated")
	assert.Equal(t, NewNumericNodeID(2, 2), sub.requests()[2].ItemToMonitor.NodeID)
	assert.Equal(t, 1, fx.session.subCount())
	assert.GreaterOrEqual(t, fx.engine.Metrics().Rebrowses.Value(), int64(1))
}

func TestEngine_BrowseTreeLimits(t *testing.T) {
	fx := newEngineFixture(t, WithBrowseLimits(2, 4))
	space := &addressSpace{children: map[string][]NodeID{}}
	a, b := NewStringNodeID(2, "A"), NewStringNodeID(2, "B")
	space.set(ObjectsFolder, a, b)
	space.set(a, NewStringNodeID(2, "A.1"), NewStringNodeID(2, "A.2"))
	space.set(NewStringNodeID(2, "A.1"), NewStringNodeID(2, "too deep"))

	tree, err := fx.engine.browseTree(context.Background(), &fakeSession{browse: space.browse}, ObjectsFolder)
	require.NoError(t, err)
	assert.Len(t, tree, 4, "root plus three nodes before the node limit")
	assert.Contains(t, tree, "ns=2;s=A.1")
	assert.NotContains(t, tree, "ns=2;s=too deep")
}
