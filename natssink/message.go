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
	"math"
	"time"

	"github.com/google/uuid"

	publisher "github.com/edgeo-scada/publisher"
)

// Message is the JSON payload of one notification record.
type Message struct {
	MessageID       uint64                 `json:"message_id"`
	Subscription    string                 `json:"subscription"`
	Endpoint        string                 `json:"endpoint"`
	ItemID          string                 `json:"item_id"`
	FieldID         string                 `json:"field_id,omitempty"`
	Order           int                    `json:"order"`
	NodeID          string                 `json:"node_id,omitempty"`
	Path            []string               `json:"path,omitempty"`
	Sequence        uint32                 `json:"sequence,omitempty"`
	Overflow        uint32                 `json:"overflow,omitempty"`
	Status          string                 `json:"status"`
	StatusCode      uint32                 `json:"status_code"`
	Value           interface{}            `json:"value,omitempty"`
	SourceTimestamp *time.Time             `json:"source_timestamp,omitempty"`
	ServerTimestamp *time.Time             `json:"server_timestamp,omitempty"`
	Event           map[string]interface{} `json:"event,omitempty"`
	Flags           string                 `json:"flags,omitempty"`
}

// NewMessage flattens a record into its JSON payload.
func NewMessage(id publisher.SubscriptionIdentifier, r publisher.NotificationRecord) Message {
	status := r.Status()
	m := Message{
		MessageID:    r.MessageID,
		Subscription: id.Name(),
		Endpoint:     id.Connection().EndpointURL(),
		ItemID:       r.ItemID,
		FieldID:      r.FieldID,
		Order:        r.Order,
		NodeID:       r.NodeID,
		Path:         r.PathFromRoot,
		Sequence:     r.SequenceNumber,
		Overflow:     r.Overflow,
		Status:       status.String(),
		StatusCode:   uint32(status),
	}
	if r.Flags != 0 {
		m.Flags = r.Flags.String()
	}

	if r.Value != nil {
		m.Value = plain(r.Value.Value)
		m.SourceTimestamp = timePtr(r.Value.SourceTimestamp)
		m.ServerTimestamp = timePtr(r.Value.ServerTimestamp)
	}
	if r.IsEvent() {
		m.Event = make(map[string]interface{}, len(r.Event))
		for _, f := range r.Event {
			m.Event[f.Name] = plain(f.Value)
		}
	}
	return m
}

// MetaDataMessage is the JSON payload describing the fields of a subscription.
type MetaDataMessage struct {
	Subscription string              `json:"subscription"`
	Endpoint     string              `json:"endpoint"`
	Name         string              `json:"name,omitempty"`
	Description  string              `json:"description,omitempty"`
	ClassID      string              `json:"class_id,omitempty"`
	MajorVersion uint32              `json:"major_version"`
	MinorVersion uint32              `json:"minor_version"`
	Fields       []FieldMetaDataJSON `json:"fields"`
}

// FieldMetaDataJSON describes one field of a MetaDataMessage.
type FieldMetaDataJSON struct {
	Name            string   `json:"name"`
	Order           int      `json:"order"`
	ClassFieldID    string   `json:"class_field_id,omitempty"`
	DataType        string   `json:"data_type,omitempty"`
	BuiltInType     uint8    `json:"built_in_type"`
	ValueRank       int32    `json:"value_rank"`
	ArrayDimensions []uint32 `json:"array_dimensions,omitempty"`
}

// NewMetaDataMessage flattens data set metadata into its JSON payload.
func NewMetaDataMessage(id publisher.SubscriptionIdentifier, md publisher.DataSetMetaData) MetaDataMessage {
	m := MetaDataMessage{
		Subscription: id.Name(),
		Endpoint:     id.Connection().EndpointURL(),
		Name:         md.Name,
		Description:  md.Description,
		MajorVersion: md.MajorVersion,
		MinorVersion: md.MinorVersion,
		Fields:       make([]FieldMetaDataJSON, len(md.Fields)),
	}
	if md.ClassID != uuid.Nil {
		m.ClassID = md.ClassID.String()
	}
	for i, f := range md.Fields {
		fj := FieldMetaDataJSON{
			Name:            f.Name,
			Order:           f.Order,
			BuiltInType:     uint8(f.BuiltInType),
			ValueRank:       f.ValueRank,
			ArrayDimensions: f.ArrayDimensions,
		}
		if f.ClassFieldID != uuid.Nil {
			fj.ClassFieldID = f.ClassFieldID.String()
		}
		if !f.DataType.Equal(publisher.NodeID{}) {
			fj.DataType = f.DataType.Text()
		}
		m.Fields[i] = fj
	}
	return m
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// plain converts a variant to a JSON friendly value. Non-finite floats have
// no JSON form and become null, including inside arrays.
func plain(v *publisher.Variant) interface{} {
	if v == nil {
		return nil
	}
	switch x := v.Value.(type) {
	case publisher.NodeID:
		return x.Text()
	case publisher.QualifiedName:
		return x.String()
	case publisher.LocalizedText:
		return x.Text
	case publisher.StatusCode:
		return uint32(x)
	case publisher.DataValue:
		return plain(x.Value)
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil
		}
	case float32:
		if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
			return nil
		}
	case []float64:
		return finite(x)
	case []float32:
		return finite(x)
	case []publisher.NodeID:
		out := make([]string, len(x))
		for i, n := range x {
			out[i] = n.Text()
		}
		return out
	case []publisher.LocalizedText:
		out := make([]string, len(x))
		for i, l := range x {
			out[i] = l.Text
		}
		return out
	}
	return v.Value
}

// finite replaces non-finite elements with null. Slices without any are
// returned unchanged.
func finite[F float32 | float64](xs []F) interface{} {
	bad := false
	for _, x := range xs {
		if f := float64(x); math.IsNaN(f) || math.IsInf(f, 0) {
			bad = true
			break
		}
	}
	if !bad {
		return xs
	}
	out := make([]interface{}, len(xs))
	for i, x := range xs {
		if f := float64(x); !math.IsNaN(f) && !math.IsInf(f, 0) {
			out[i] = x
		}
	}
	return out
}
