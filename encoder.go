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
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/zeebo/blake3"
)

// canonicalEncoder writes values in OPC UA binary layout straight into a
// blake3 hasher. It is used to derive stable hashes for identity keys and
// unsequenced notification records; nothing is ever decoded back.
type canonicalEncoder struct {
	h   *blake3.Hasher
	buf [8]byte
}

func newCanonicalEncoder() *canonicalEncoder {
	return &canonicalEncoder{h: blake3.New()}
}

// Sum64 returns the first eight bytes of the digest.
func (e *canonicalEncoder) Sum64() uint64 {
	return binary.LittleEndian.Uint64(e.h.Sum(nil)[:8])
}

func (e *canonicalEncoder) WriteBoolean(v bool) {
	if v {
		e.WriteUInt8(1)
	} else {
		e.WriteUInt8(0)
	}
}

func (e *canonicalEncoder) WriteUInt8(v byte) {
	e.buf[0] = v
	_, _ = e.h.Write(e.buf[:1])
}

func (e *canonicalEncoder) WriteUInt16(v uint16) {
	binary.LittleEndian.PutUint16(e.buf[:2], v)
	_, _ = e.h.Write(e.buf[:2])
}

func (e *canonicalEncoder) WriteUInt32(v uint32) {
	binary.LittleEndian.PutUint32(e.buf[:4], v)
	_, _ = e.h.Write(e.buf[:4])
}

func (e *canonicalEncoder) WriteInt32(v int32) {
	e.WriteUInt32(uint32(v))
}

func (e *canonicalEncoder) WriteUInt64(v uint64) {
	binary.LittleEndian.PutUint64(e.buf[:8], v)
	_, _ = e.h.Write(e.buf[:8])
}

func (e *canonicalEncoder) WriteInt64(v int64) {
	e.WriteUInt64(uint64(v))
}

func (e *canonicalEncoder) WriteDouble(v float64) {
	e.WriteUInt64(math.Float64bits(v))
}

// WriteString writes a length-prefixed string; the empty string encodes as null (-1).
func (e *canonicalEncoder) WriteString(v string) {
	if v == "" {
		e.WriteInt32(-1)
		return
	}
	e.WriteInt32(int32(len(v)))
	_, _ = e.h.Write([]byte(v))
}

func (e *canonicalEncoder) WriteByteString(v []byte) {
	if v == nil {
		e.WriteInt32(-1)
		return
	}
	e.WriteInt32(int32(len(v)))
	_, _ = e.h.Write(v)
}

// WriteStrings writes a length-prefixed string list.
func (e *canonicalEncoder) WriteStrings(v []string) {
	e.WriteInt32(int32(len(v)))
	for _, s := range v {
		e.WriteString(s)
	}
}

// WriteStringSet writes a string list in sorted order so that set ordering does not matter.
func (e *canonicalEncoder) WriteStringSet(v []string) {
	sorted := append([]string(nil), v...)
	sort.Strings(sorted)
	e.WriteStrings(sorted)
}

// WriteDateTime writes 100-nanosecond ticks since 1601-01-01.
func (e *canonicalEncoder) WriteDateTime(t time.Time) {
	if t.IsZero() {
		e.WriteInt64(0)
		return
	}
	const epochDiff = 116444736000000000
	e.WriteInt64(t.UnixNano()/100 + epochDiff)
}

func (e *canonicalEncoder) WriteGUID(v [16]byte) {
	e.WriteUInt32(binary.BigEndian.Uint32(v[0:4]))
	e.WriteUInt16(binary.BigEndian.Uint16(v[4:6]))
	e.WriteUInt16(binary.BigEndian.Uint16(v[6:8]))
	_, _ = e.h.Write(v[8:16])
}

func (e *canonicalEncoder) WriteNodeID(n NodeID) {
	switch n.Type {
	case NodeIDTypeNumeric:
		if n.Namespace == 0 && n.Numeric <= 255 {
			e.WriteUInt8(0x00)
			e.WriteUInt8(byte(n.Numeric))
		} else if n.Namespace <= 255 && n.Numeric <= 65535 {
			e.WriteUInt8(0x01)
			e.WriteUInt8(byte(n.Namespace))
			e.WriteUInt16(uint16(n.Numeric))
		} else {
			e.WriteUInt8(0x02)
			e.WriteUInt16(n.Namespace)
			e.WriteUInt32(n.Numeric)
		}
	case NodeIDTypeString:
		e.WriteUInt8(0x03)
		e.WriteUInt16(n.Namespace)
		e.WriteString(n.String)
	case NodeIDTypeGUID:
		e.WriteUInt8(0x04)
		e.WriteUInt16(n.Namespace)
		e.WriteGUID(n.GUID)
	case NodeIDTypeOpaque:
		e.WriteUInt8(0x05)
		e.WriteUInt16(n.Namespace)
		e.WriteByteString(n.Opaque)
	}
}

func (e *canonicalEncoder) WriteQualifiedName(q QualifiedName) {
	e.WriteUInt16(q.NamespaceIndex)
	e.WriteString(q.Name)
}

func (e *canonicalEncoder) WriteLocalizedText(l LocalizedText) {
	var mask byte
	if l.Locale != "" {
		mask |= 0x01
	}
	if l.Text != "" {
		mask |= 0x02
	}
	e.WriteUInt8(mask)
	if l.Locale != "" {
		e.WriteString(l.Locale)
	}
	if l.Text != "" {
		e.WriteString(l.Text)
	}
}

func (e *canonicalEncoder) WriteStatusCode(s StatusCode) {
	e.WriteUInt32(uint32(s))
}

// WriteVariant writes the type tag followed by the scalar or array payload.
// Values outside the built-in set are written through their fmt representation.
func (e *canonicalEncoder) WriteVariant(v *Variant) {
	if v == nil {
		e.WriteUInt8(byte(TypeNull))
		return
	}
	e.WriteUInt8(byte(v.Type))
	e.writeValue(v.Value)
}

func (e *canonicalEncoder) writeValue(v interface{}) {
	switch x := v.(type) {
	case nil:
	case bool:
		e.WriteBoolean(x)
	case int8:
		e.WriteUInt8(byte(x))
	case uint8:
		e.WriteUInt8(x)
	case int16:
		e.WriteUInt16(uint16(x))
	case uint16:
		e.WriteUInt16(x)
	case int32:
		e.WriteInt32(x)
	case uint32:
		e.WriteUInt32(x)
	case int:
		e.WriteInt64(int64(x))
	case int64:
		e.WriteInt64(x)
	case uint:
		e.WriteUInt64(uint64(x))
	case uint64:
		e.WriteUInt64(x)
	case float32:
		e.WriteUInt32(math.Float32bits(x))
	case float64:
		e.WriteDouble(x)
	case string:
		e.WriteString(x)
	case []byte:
		e.WriteByteString(x)
	case time.Time:
		e.WriteDateTime(x)
	case [16]byte:
		e.WriteGUID(x)
	case NodeID:
		e.WriteNodeID(x)
	case StatusCode:
		e.WriteStatusCode(x)
	case QualifiedName:
		e.WriteQualifiedName(x)
	case LocalizedText:
		e.WriteLocalizedText(x)
	case *Variant:
		e.WriteVariant(x)
	case []*Variant:
		e.WriteInt32(int32(len(x)))
		for _, item := range x {
			e.WriteVariant(item)
		}
	case []interface{}:
		e.WriteInt32(int32(len(x)))
		for _, item := range x {
			e.writeValue(item)
		}
	default:
		e.WriteString(fmt.Sprintf("%#v", x))
	}
}

func (e *canonicalEncoder) WriteDataValue(dv *DataValue) {
	if dv == nil {
		e.WriteUInt8(0)
		return
	}
	e.WriteUInt8(1)
	e.WriteVariant(dv.Value)
	e.WriteStatusCode(dv.StatusCode)
	e.WriteDateTime(dv.SourceTimestamp)
	e.WriteUInt16(dv.SourcePicoseconds)
	e.WriteDateTime(dv.ServerTimestamp)
	e.WriteUInt16(dv.ServerPicoseconds)
}
