package scenesync

import (
	"testing"

	"github.com/go-playground/assert/v2"

	"scenesync.dev/scenesync/protocol"
)

func TestSnapshotDeterministic(t *testing.T) {
	buildGraph := func() *Graph {
		graph := NewGraph()
		graph.SetField("mesh", "CubeMesh", "vertices", protocol.BytesValue([]byte{1, 2, 3}))
		graph.SetField("object", "Cube", "mesh", protocol.RefValue("mesh", "CubeMesh"))
		graph.SetField("object", "Cube", "hide", protocol.BoolValue(false))
		graph.SetField("object", "Cube", "location_x", protocol.FloatValue(0.5))
		return graph
	}

	a, err := TakeSnapshot(buildGraph(), nil)
	assert.Equal(t, err, nil)
	b, err := TakeSnapshot(buildGraph(), nil)
	assert.Equal(t, err, nil)

	assert.Equal(t, a.Equal(b), true)
	for _, key := range a.Keys() {
		assert.Equal(t, a.blocks[key].encoded, b.blocks[key].encoded)
	}
}

func TestSnapshotTypeFilter(t *testing.T) {
	graph := NewGraph()
	graph.SetField("mesh", "CubeMesh", "vertices", protocol.BytesValue([]byte{1}))
	graph.SetField("object", "Cube", "hide", protocol.BoolValue(false))
	graph.SetField("screen", "Layout", "width", protocol.IntValue(1920))

	snapshot, err := TakeSnapshot(graph, []string{"mesh", "object"})
	assert.Equal(t, err, nil)
	assert.Equal(t, snapshot.Len(), 2)
	assert.Equal(t, snapshot.HasBlock("mesh", "CubeMesh"), true)
	assert.Equal(t, snapshot.HasBlock("object", "Cube"), true)
	assert.Equal(t, snapshot.HasBlock("screen", "Layout"), false)
}

func TestSnapshotSkipsUnsupportedKind(t *testing.T) {
	graph := NewGraph()
	graph.SetField("object", "Cube", "hide", protocol.BoolValue(true))
	graph.SetField("object", "Cube", "opaque_handle", protocol.Value{Kind: protocol.ValueKind(99)})

	snapshot, err := TakeSnapshot(graph, nil)
	assert.Equal(t, err, nil)
	assert.Equal(t, snapshot.Len(), 1)

	state := snapshot.blocks[BlockKey{Type: "object", Name: "Cube"}]
	assert.Equal(t, len(state.fields), 1)
	assert.Equal(t, state.fields[0].Name, "hide")
}

// mutatingHost flips a field during enumeration to simulate an edit
// racing the snapshot walk.
type mutatingHost struct {
	*Graph
}

func (self *mutatingHost) EnumerateBlocks(blockType string) (map[string]map[string]protocol.Value, error) {
	out, err := self.Graph.EnumerateBlocks(blockType)
	self.Graph.SetField("object", "Cube", "hide", protocol.BoolValue(true))
	return out, err
}

func TestSnapshotInconsistent(t *testing.T) {
	graph := NewGraph()
	graph.SetField("object", "Cube", "hide", protocol.BoolValue(false))

	_, err := TakeSnapshot(&mutatingHost{Graph: graph}, nil)
	_, ok := err.(*SnapshotInconsistentError)
	assert.Equal(t, ok, true)
}

func TestSnapshotCloneIndependent(t *testing.T) {
	original := NewSnapshot()
	err := original.CreateBlock("object", "Cube", []protocol.Field{
		{Name: "hide", Value: protocol.BoolValue(false)},
	})
	assert.Equal(t, err, nil)

	clone := original.Clone()
	assert.Equal(t, clone.Equal(original), true)

	err = clone.UpdateBlock("object", "Cube", "hide", protocol.BoolValue(true))
	assert.Equal(t, err, nil)
	assert.Equal(t, clone.Equal(original), false)

	value, ok := original.blocks[BlockKey{Type: "object", Name: "Cube"}].field("hide")
	assert.Equal(t, ok, true)
	assert.Equal(t, value, protocol.BoolValue(false))
}

func TestSnapshotRenameRepointsRefs(t *testing.T) {
	snapshot := NewSnapshot()
	err := snapshot.CreateBlock("mesh", "CubeMesh", nil)
	assert.Equal(t, err, nil)
	err = snapshot.CreateBlock("object", "Cube", []protocol.Field{
		{Name: "mesh", Value: protocol.RefValue("mesh", "CubeMesh")},
	})
	assert.Equal(t, err, nil)

	err = snapshot.RenameBlock("mesh", "CubeMesh", "BoxMesh")
	assert.Equal(t, err, nil)
	assert.Equal(t, snapshot.HasBlock("mesh", "CubeMesh"), false)
	assert.Equal(t, snapshot.HasBlock("mesh", "BoxMesh"), true)

	value, ok := snapshot.blocks[BlockKey{Type: "object", Name: "Cube"}].field("mesh")
	assert.Equal(t, ok, true)
	assert.Equal(t, value, protocol.RefValue("mesh", "BoxMesh"))
}
