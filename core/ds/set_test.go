package ds

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSet_Json(t *testing.T) {
	s := NewStringSet("hello", "world", "!")

	var data []byte

	data, _ = json.Marshal(&s)
	require.Equal(t, `["hello","world","!"]`, string(data))

	data, _ = json.Marshal(s)
	require.Equal(t, `["hello","world","!"]`, string(data))

	var back StringSet
	require.NoError(t, json.Unmarshal(data, &back))
	require.True(t, s.Eq(&back))
}

func TestSet_AddRemove(t *testing.T) {
	s := NewStringSet()
	require.True(t, s.IsEmpty())

	s.Add("node-a")
	s.Add("node-a")
	require.Equal(t, 1, s.Len())
	require.True(t, s.Contains("node-a"))

	s.Remove("node-a")
	require.True(t, s.IsEmpty())
}

func TestSet_Removals(t *testing.T) {
	a := NewSet[string]("g1")
	b := NewSet[string]("g1")
	c := a.Removals(b)
	require.True(t, c.IsEmpty())
}

func TestDiffs(t *testing.T) {
	s1 := NewStringSet("a", "b", "c")
	s2 := NewStringSet("b", "c", "d")
	require.Equal(t, []string{"d"}, s1.Additions(s2).Values())
}

func TestSet_Diff(t *testing.T) {
	cur := NewStringSet("node-a", "node-b", "node-c")
	next := NewStringSet("node-b", "node-c", "node-d", "node-e")

	add, remove := cur.Diff(next)

	// add: elements in next but not in cur, ordered by next's insertion order
	require.Equal(t, []string{"node-d", "node-e"}, add.Values())

	// remove: elements in cur but not in next, ordered by cur's insertion order
	require.Equal(t, []string{"node-a"}, remove.Values())

	// No-ops when equal
	a2 := NewStringSet("x", "y")
	b2 := NewStringSet("x", "y")
	add2, remove2 := a2.Diff(b2)
	require.True(t, add2.IsEmpty())
	require.True(t, remove2.IsEmpty())
}

func TestSet_order_preserved(t *testing.T) {
	s := NewStringSet("c", "a", "b")
	require.Equal(t, []string{"c", "a", "b"}, s.Values())

	s.Remove("a")
	require.Equal(t, []string{"c", "b"}, s.Values())
}
