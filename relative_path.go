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
	"strings"
)

// RelativePathKey is an immutable browse path used as a map key.
// The zero value is the empty path.
type RelativePathKey struct {
	enc  string // uvarint length prefixed segments
	n    int
	hash uint64
}

// NewRelativePathKey builds a key from an ordered segment list.
func NewRelativePathKey(segments ...string) RelativePathKey {
	var k RelativePathKey
	for _, s := range segments {
		k = k.Append(s)
	}
	return k
}

// CreateRelativePathKey appends segment to parent. A nil parent starts a new path.
func CreateRelativePathKey(parent *RelativePathKey, segment string) RelativePathKey {
	if parent == nil {
		return RelativePathKey{}.Append(segment)
	}
	return parent.Append(segment)
}

// Append returns a new key with segment added. The receiver is not modified.
func (k RelativePathKey) Append(segment string) RelativePathKey {
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(segment)))

	var b strings.Builder
	b.Grow(len(k.enc) + n + len(segment))
	b.WriteString(k.enc)
	b.Write(lenBuf[:n])
	b.WriteString(segment)

	out := RelativePathKey{enc: b.String(), n: k.n + 1}
	out.hash = out.computeHash()
	return out
}

func (k RelativePathKey) computeHash() uint64 {
	e := newCanonicalEncoder()
	e.WriteStrings(k.Segments())
	return e.Sum64()
}

// Len returns the number of segments.
func (k RelativePathKey) Len() int {
	return k.n
}

// Hash returns the precomputed hash; the empty path hashes to zero.
func (k RelativePathKey) Hash() uint64 {
	return k.hash
}

// Segments returns a copy of the segments in order.
func (k RelativePathKey) Segments() []string {
	if k.n == 0 {
		return nil
	}
	out := make([]string, 0, k.n)
	rest := k.enc
	for len(rest) > 0 {
		l, n := binary.Uvarint([]byte(rest[:min(len(rest), binary.MaxVarintLen64)]))
		rest = rest[n:]
		out = append(out, rest[:l])
		rest = rest[l:]
	}
	return out
}

// Parent returns the path without its last segment.
func (k RelativePathKey) Parent() RelativePathKey {
	segs := k.Segments()
	if len(segs) <= 1 {
		return RelativePathKey{}
	}
	return NewRelativePathKey(segs[:len(segs)-1]...)
}

// Equal reports whether both keys hold the same segments in the same order.
func (k RelativePathKey) Equal(o RelativePathKey) bool {
	return k.hash == o.hash && k.n == o.n && k.enc == o.enc
}

// String joins the escaped segments with '/'. Distinct keys render distinct strings.
func (k RelativePathKey) String() string {
	segs := k.Segments()
	for i, s := range segs {
		segs[i] = escapeSegment(s)
	}
	return strings.Join(segs, "/")
}

// RelativePath converts the key to a browse path following hierarchical references.
// Segments are used as they are; a '/' inside a segment stays part of its name.
func (k RelativePathKey) RelativePath() (RelativePath, error) {
	return NewRelativePath(k.Segments()...)
}

const pathEscape = '&'

func escapeSegment(s string) string {
	if !strings.ContainsAny(s, "/&") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + 2)
	for i := 0; i < len(s); i++ {
		if c := s[i]; c == '/' || c == pathEscape {
			b.WriteByte(pathEscape)
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// splitPath splits an escaped path on unescaped '/'.
func splitPath(s string) ([]string, error) {
	var (
		parts []string
		b     strings.Builder
	)
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case pathEscape:
			if i+1 == len(s) {
				return nil, fmt.Errorf("%w: dangling escape in %q", ErrInvalidBrowsePath, s)
			}
			i++
			b.WriteByte(s[i])
		case '/':
			parts = append(parts, b.String())
			b.Reset()
		default:
			b.WriteByte(c)
		}
	}
	return append(parts, b.String()), nil
}
