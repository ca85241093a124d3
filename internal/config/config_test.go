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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	publisher "github.com/edgeo-scada/publisher"
)

const sampleConfig = `
logging:
  level: debug
nats:
  url: nats://broker:4222
  prefix: plant
engine:
  timestamps: source
connections:
  - endpoint: opc.tcp://PLC:4840/
    security_mode: SignAndEncrypt
    security_policy: Basic256Sha256
    auth:
      username: operator
      password: secret
      certificate: /etc/pki/client.der
      private_key: /etc/pki/client.pem
    subscriptions:
      - name: line1
        publishing_interval: 500ms
        nodes:
          - id: temp
            node_id: ns=2;s=Boiler.Temp
            sampling_interval: 250ms
            deadband:
              type: absolute
              value: 0.5
            heartbeat:
              interval: 10s
              behavior: [periodic, update_timestamps]
          - browse_path: ["2:Boiler", "2:Pressure"]
            attribute: DisplayName
        events:
          - id: alarms
            node_id: i=2253
            select: [EventId, Message, Severity]
            of_type: i=2782
            min_severity: 500
        extension_fields:
          - id: site
            value: Lyon
        watch_address_space:
          rebrowse_period: 1h
  - endpoint: opc.tcp://historian:4840
    subscriptions:
      - nodes:
          - node_id: ns=3;i=1001
            aggregate:
              type: i=2342
              processing_interval: 1m
`

func TestParse_Sample(t *testing.T) {
	cfg, err := Parse([]byte(sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, "plant", cfg.NATS.Prefix)
	assert.Equal(t, "opcua-publisher", cfg.NATS.Name)
	assert.Equal(t, publisher.TimestampsToReturnSource, cfg.Timestamps())
	assert.Equal(t, publisher.DefaultMaxBatchSize, cfg.Engine.MaxBatchSize)
	assert.Equal(t, "username", cfg.Connections[0].Auth.Type)
	assert.Equal(t, DefaultSubscriptionName, cfg.Connections[1].Subscriptions[0].Name)

	groups, err := cfg.Groups()
	require.NoError(t, err)
	require.Len(t, groups, 2)

	g := groups[0]
	assert.Equal(t, "line1", g.ID().Name())
	assert.Equal(t, 500*time.Millisecond, g.Config().PublishingInterval)
	assert.Equal(t, uint32(publisher.DefaultKeepAliveCount), g.Config().KeepAliveCount)

	d := g.ID().Connection().Descriptor()
	assert.Equal(t, publisher.MessageSecurityModeSignAndEncrypt, d.SecurityMode)
	assert.Equal(t, publisher.SecurityPolicyBasic256Sha256, d.SecurityPolicy)
	assert.Equal(t, publisher.UserTokenTypeUserName, d.Credential.Type)
	assert.Equal(t, "/etc/pki/client.der", d.Credential.CertificateFile)

	items := g.Items()
	require.Len(t, items, 5)
	assert.Equal(t, publisher.KindData, items[0].Kind())
	assert.Equal(t, publisher.KindData, items[1].Kind())
	assert.Equal(t, publisher.KindEvent, items[2].Kind())
	assert.Equal(t, publisher.KindExtensionField, items[3].Kind())
	assert.Equal(t, publisher.KindAddressSpaceWatch, items[4].Kind())
}

func TestParse_DataItem(t *testing.T) {
	cfg, err := Parse([]byte(sampleConfig))
	require.NoError(t, err)
	groups, err := cfg.Groups()
	require.NoError(t, err)

	temp, ok := groups[0].Lookup("temp")
	require.True(t, ok)
	d := temp.(publisher.DataItem)
	assert.Equal(t, publisher.AttributeValue, d.Attribute)
	assert.Equal(t, 250*time.Millisecond, d.SamplingInterval)
	require.NotNil(t, d.DataChangeFilter)
	assert.Equal(t, publisher.DeadbandAbsolute, d.DataChangeFilter.DeadbandType)
	assert.Equal(t, publisher.TriggerStatusValue, d.DataChangeFilter.Trigger)
	assert.Equal(t, 0.5, d.DataChangeFilter.Deadband())
	assert.Equal(t, 10*time.Second, d.HeartbeatInterval)
	assert.True(t, d.HeartbeatBehavior.Has(publisher.HeartbeatPeriodic|publisher.HeartbeatUpdateTimestamps))
	assert.Equal(t, FieldID(groups[0].ID(), "temp"), d.DataSetClassFieldID)

	pressure := groups[0].Items()[1].(publisher.DataItem)
	assert.Equal(t, []string{"2:Boiler", "2:Pressure"}, pressure.BrowsePath)
	assert.Equal(t, publisher.AttributeDisplayName, pressure.Attribute)

	hist := groups[1].Items()[0].(publisher.DataItem)
	require.NotNil(t, hist.AggregateFilter)
	assert.Equal(t, time.Minute, hist.AggregateFilter.ProcessingInterval)
	assert.True(t, hist.AggregateFilter.Configuration.UseServerCapabilitiesDefaults)
}

func TestParse_CyclicRead(t *testing.T) {
	cfg, err := Parse([]byte(`
connections:
  - endpoint: opc.tcp://a:4840
    subscriptions:
      - name: polled
        publish_immediately: true
        sequential_publishing: true
        async_metadata_load_threshold: 100
        nodes:
          - id: level
            node_id: ns=2;s=Level
            cyclic_read: true
            register_read: true
            max_cache_age: 2s
`))
	require.NoError(t, err)
	groups, err := cfg.Groups()
	require.NoError(t, err)
	require.Len(t, groups, 1)

	c := groups[0].Config()
	assert.True(t, c.PublishImmediately)
	assert.True(t, c.SequentialPublishing)
	assert.Equal(t, 100, c.AsyncMetaDataLoadThreshold)

	d := groups[0].Items()[0].(publisher.DataItem)
	assert.True(t, d.CyclicRead)
	assert.True(t, d.RegisterRead)
	assert.Equal(t, 2*time.Second, d.MaxCacheAge)
}

func TestParse_EventWhereClause(t *testing.T) {
	cfg, err := Parse([]byte(sampleConfig))
	require.NoError(t, err)
	groups, err := cfg.Groups()
	require.NoError(t, err)

	spec, ok := groups[0].Lookup("alarms")
	require.True(t, ok)
	ev := spec.(publisher.EventItem)
	assert.Equal(t, []string{"EventId", "Message", "Severity"}, ev.SelectedFields())

	where := ev.Filter.WhereClause
	require.NotNil(t, where)
	require.Len(t, where.Elements, 3)
	assert.Equal(t, publisher.FilterOperatorAnd, where.Elements[0].Operator)
	assert.Equal(t, publisher.FilterOperatorOfType, where.Elements[1].Operator)
	assert.Equal(t, publisher.FilterOperatorGreaterThanOrEqual, where.Elements[2].Operator)
	assert.NoError(t, where.Validate())
}

func TestEvent_WhereSingleCondition(t *testing.T) {
	w, err := Event{MinSeverity: 100}.where()
	require.NoError(t, err)
	require.Len(t, w.Elements, 1)
	assert.Equal(t, publisher.FilterOperatorGreaterThanOrEqual, w.Elements[0].Operator)

	w, err = Event{}.where()
	require.NoError(t, err)
	assert.Nil(t, w)

	_, err = Event{OfType: "bogus"}.where()
	assert.Error(t, err)
}

func TestEvent_DefaultSelect(t *testing.T) {
	ev, err := Event{Base: Base{NodeID: "i=2253"}, MinSeverity: 1}.item()
	require.NoError(t, err)
	assert.Len(t, ev.Filter.SelectClauses, len(publisher.DefaultEventSelectClauses()))
	assert.NotNil(t, ev.Filter.WhereClause)
}

func TestFieldID_Stable(t *testing.T) {
	a, err := Parse([]byte(sampleConfig))
	require.NoError(t, err)
	b, err := Parse([]byte(sampleConfig))
	require.NoError(t, err)

	ga, err := a.Groups()
	require.NoError(t, err)
	gb, err := b.Groups()
	require.NoError(t, err)
	assert.Empty(t, publisher.DiffGroups(ga, gb).Updated)

	id := ga[0].ID()
	assert.NotEqual(t, FieldID(id, "temp"), FieldID(id, "other"))
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown key", "connections:\n  - endpoint: opc.tcp://a:4840\n    bogus: 1\n"},
		{"bad endpoint", "connections:\n  - endpoint: plc-without-scheme\n"},
		{"bad policy", "connections:\n  - endpoint: opc.tcp://a:4840\n    security_policy: rot13\n"},
		{"mode without policy", "connections:\n  - endpoint: opc.tcp://a:4840\n    security_mode: sign\n"},
		{"certificate without key", "connections:\n  - endpoint: opc.tcp://a:4840\n    auth:\n      certificate: c.der\n"},
		{"certificate auth without certificate", "connections:\n  - endpoint: opc.tcp://a:4840\n    auth:\n      type: certificate\n"},
		{"bad log level", "logging:\n  level: loud\n"},
		{"bad timestamps", "engine:\n  timestamps: sometimes\n"},
		{"no address", "connections:\n  - endpoint: opc.tcp://a:4840\n    subscriptions:\n      - nodes:\n          - id: x\n"},
		{"bad attribute", "connections:\n  - endpoint: opc.tcp://a:4840\n    subscriptions:\n      - nodes:\n          - node_id: i=85\n            attribute: Colour\n"},
		{"bad deadband", "connections:\n  - endpoint: opc.tcp://a:4840\n    subscriptions:\n      - nodes:\n          - node_id: i=85\n            deadband: {type: percent, value: 150}\n"},
		{"duplicate subscription", "connections:\n  - endpoint: opc.tcp://a:4840\n    subscriptions:\n      - name: s\n      - name: s\n"},
		{"register read without cyclic read", "connections:\n  - endpoint: opc.tcp://a:4840\n    subscriptions:\n      - nodes:\n          - node_id: i=85\n            register_read: true\n"},
		{"cache age without cyclic read", "connections:\n  - endpoint: opc.tcp://a:4840\n    subscriptions:\n      - nodes:\n          - node_id: i=85\n            max_cache_age: 1s\n"},
		{"cyclic read with deadband", "connections:\n  - endpoint: opc.tcp://a:4840\n    subscriptions:\n      - nodes:\n          - node_id: i=85\n            cyclic_read: true\n            deadband: {type: absolute, value: 1}\n"},
		{"bad field id", "connections:\n  - endpoint: opc.tcp://a:4840\n    subscriptions:\n      - nodes:\n          - node_id: i=85\n            field_id: nope\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestParse_Empty(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Empty(t, cfg.Connections)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, 256, cfg.Client.NotificationQueue)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "publisher.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, cfg.Connections, 2)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestMarshal_RoundTrip(t *testing.T) {
	cfg, err := Parse([]byte(sampleConfig))
	require.NoError(t, err)
	out, err := cfg.Marshal()
	require.NoError(t, err)

	again, err := Parse(out)
	require.NoError(t, err)
	ga, err := cfg.Groups()
	require.NoError(t, err)
	gb, err := again.Groups()
	require.NoError(t, err)
	assert.True(t, publisher.DiffGroups(ga, gb).Empty())
}

func TestParseAttribute(t *testing.T) {
	id, err := ParseAttribute("value")
	require.NoError(t, err)
	assert.Equal(t, publisher.AttributeValue, id)

	id, err = ParseAttribute("NodeId")
	require.NoError(t, err)
	assert.Equal(t, publisher.AttributeNodeID, id)

	id, err = ParseAttribute("")
	require.NoError(t, err)
	assert.Zero(t, id)

	_, err = ParseAttribute("Unknown")
	assert.Error(t, err)
}

func TestParseHeartbeatBehavior(t *testing.T) {
	b, err := ParseHeartbeatBehavior(nil)
	require.NoError(t, err)
	assert.Equal(t, publisher.HeartbeatWatchdog, b)

	b, err = ParseHeartbeatBehavior([]string{"watchdog", "lkg"})
	require.NoError(t, err)
	assert.Equal(t, publisher.HeartbeatLastKnownGood, b)

	_, err = ParseHeartbeatBehavior([]string{"sometimes"})
	assert.Error(t, err)
}

func TestLoggingConfig(t *testing.T) {
	c := LoggingConfig{}
	c.ApplyDefaults()
	assert.Equal(t, DefaultLoggingConfig().File.Path, c.File.Path)
	assert.NoError(t, c.Validate())

	c.Format = "xml"
	assert.Error(t, c.Validate())
}
