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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRelativePathKey_CreateMatchesDirect(t *testing.T) {
	a := CreateRelativePathKey(nil, "Objects")
	b := CreateRelativePathKey(&a, "2:Boiler")
	c := CreateRelativePathKey(&b, "2:Temp")

	direct := NewRelativePathKey("Objects", "2:Boiler", "2:Temp")
	assert.True(t, c.Equal(direct))
	assert.Equal(t, c, direct)
	assert.Equal(t, c.Hash(), direct.Hash())
	assert.Equal(t, 3, c.Len())

	// parents are untouched
	assert.Equal(t, []string{"Objects"}, a.Segments())
	assert.Equal(t, []string{"Objects", "2:Boiler"}, b.Segments())
}

func TestRelativePathKey_Ambiguity(t *testing.T) {
	a := NewRelativePathKey("a/b", "c")
	b := NewRelativePathKey("a", "b/c")
	assert.False(t, a.Equal(b))
	assert.NotEqual(t, a.Hash(), b.Hash())

	c := NewRelativePathKey("ab")
	d := NewRelativePathKey("a", "b")
	assert.False(t, c.Equal(d))
}

func TestRelativePathKey_EmptySegmentsAndLongSegments(t *testing.T) {
	long := strings.Repeat("x", 300)
	k := NewRelativePathKey("", long, "")
	assert.Equal(t, []string{"", long, ""}, k.Segments())
	assert.False(t, k.Equal(NewRelativePathKey(long)))
}

func TestRelativePathKey_Zero(t *testing.T) {
	var z RelativePathKey
	assert.Equal(t, 0, z.Len())
	assert.Zero(t, z.Hash())
	assert.Nil(t, z.Segments())
	assert.True(t, z.Equal(NewRelativePathKey()))
	assert.Equal(t, "", z.String())
}

func TestRelativePathKey_MapKey(t *testing.T) {
	m := map[RelativePathKey]string{
		NewRelativePathKey("Objects", "Server"): "server",
	}
	parent := NewRelativePathKey("Objects")
	got, ok := m[parent.Append("Server")]
	require.True(t, ok)
	assert.Equal(t, "server", got)
}

func TestRelativePathKey_Parent(t *testing.T) {
	k := NewRelativePathKey("a", "b", "c")
	assert.True(t, k.Parent().Equal(NewRelativePathKey("a", "b")))
	assert.Equal(t, 0, NewRelativePathKey("a").Parent().Len())
}

func TestRelativePathKey_RelativePath(t *testing.T) {
	k := NewRelativePathKey("Objects", "2:Boiler")
	rp, err := k.RelativePath()
	require.NoError(t, err)
	require.Len(t, rp.Elements, 2)
	assert.Equal(t, QualifiedName{Name: "Objects"}, rp.Elements[0].TargetName)
	assert.Equal(t, QualifiedName{NamespaceIndex: 2, Name: "Boiler"}, rp.Elements[1].TargetName)
	assert.Equal(t, "Objects/2:Boiler", rp.String())
}

func TestRelativePathKey_SlashInsideSegment(t *testing.T) {
	k := NewRelativePathKey("Line1/Cell2")
	rp, err := k.RelativePath()
	require.NoError(t, err)
	require.Len(t, rp.Elements, 1)
	assert.Equal(t, "Line1/Cell2", rp.Elements[0].TargetName.Name)

	assert.Equal(t, "Line1&/Cell2", k.String())
	assert.Equal(t, "Line1/Cell2", NewRelativePathKey("Line1", "Cell2").String())
	assert.Equal(t, "a&&b", NewRelativePathKey("a&b").String())
}

func TestParseRelativePath_Escapes(t *testing.T) {
	for _, segs := range [][]string{
		{"Line1/Cell2"},
		{"2:A&B", "x/y/z"},
		{"Objects", "2:Boiler"},
	} {
		rp, err := NewRelativePath(segs...)
		require.NoError(t, err)
		back, err := ParseRelativePath(rp.String())
		require.NoError(t, err)
		assert.Equal(t, rp, back)
	}

	_, err := ParseRelativePath("a/b&")
	assert.ErrorIs(t, err, ErrInvalidBrowsePath)
	_, err = ParseRelativePath("a//b")
	assert.ErrorIs(t, err, ErrInvalidBrowsePath)
	_, err = NewRelativePath()
	assert.ErrorIs(t, err, ErrInvalidBrowsePath)
}
