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
	"io"
	"log/slog"
	"testing"

	"github.com/gopcua/opcua/ua"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	publisher "github.com/edgeo-scada/publisher"
)

func TestCreateSubscription_DeferredAcknowledgements(t *testing.T) {
	key, err := publisher.NewConnectionKey(publisher.ConnectionDescriptor{EndpointURL: "opc.tcp://plc:4840"})
	require.NoError(t, err)
	s := newSession(nil, key, 1, slog.New(slog.NewTextHandler(io.Discard, nil)))

	_, err = s.CreateSubscription(context.Background(), publisher.SubscriptionParameters{DeferredAcknowledgements: true}, nil)
	assert.ErrorIs(t, err, publisher.StatusBadNotSupported)
}

func TestTranslateResponse(t *testing.T) {
	want := &ua.TranslateBrowsePathsToNodeIDsResponse{
		Results: []*ua.BrowsePathResult{{
			StatusCode: ua.StatusOK,
			Targets:    []*ua.BrowsePathTarget{{TargetID: ua.NewExpandedNodeID(ua.NewNumericNodeID(2, 7), "", 0)}},
		}},
	}
	got, err := translateResponse(want)
	require.NoError(t, err)
	require.Len(t, got.Results, 1)

	r := fromUABrowsePathResult(got.Results[0])
	require.Len(t, r.Targets, 1)
	assert.True(t, publisher.NewNumericNodeID(2, 7).Equal(r.Targets[0].TargetID))

	_, err = translateResponse(&ua.ReadResponse{})
	assert.Error(t, err)
	_, err = translateResponse((*ua.TranslateBrowsePathsToNodeIDsResponse)(nil))
	assert.Error(t, err)
}
