package scenesync

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-playground/assert/v2"

	"scenesync.dev/scenesync/protocol"
)

func TestLogStoreAppendReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "studio.synclog")

	store, records, err := OpenLogStore(path)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(records), 0)

	appended := []*protocol.ChangeRecord{
		{
			Sequence: 41,
			Operation: protocol.OperationCreate,
			BlockType: "mesh",
			BlockName: "CubeMesh",
			Payload: []protocol.Field{
				{Name: "vertices", Value: protocol.BytesValue([]byte{1, 2})},
			},
		},
		{
			Sequence: 42,
			Operation: protocol.OperationCreate,
			BlockType: "object",
			BlockName: "Cube",
			Payload: []protocol.Field{
				{Name: "mesh", Value: protocol.RefValue("mesh", "CubeMesh")},
			},
		},
	}
	for _, record := range appended {
		err = store.Append(record)
		assert.Equal(t, err, nil)
	}
	err = store.Sync()
	assert.Equal(t, err, nil)
	err = store.Close()
	assert.Equal(t, err, nil)

	// reopening replays the records in file order
	store, records, err = OpenLogStore(path)
	assert.Equal(t, err, nil)
	defer store.Close()
	assert.Equal(t, records, appended)

	// the replayed max sequence is where the relay continues from
	sequence := uint64(0)
	for _, record := range records {
		if sequence < record.Sequence {
			sequence = record.Sequence
		}
	}
	assert.Equal(t, sequence, uint64(42))

	// appends after reopen extend the log
	err = store.Append(&protocol.ChangeRecord{
		Sequence: 43,
		Operation: protocol.OperationDelete,
		BlockType: "object",
		BlockName: "Cube",
	})
	assert.Equal(t, err, nil)
	store.Close()

	store, records, err = OpenLogStore(path)
	assert.Equal(t, err, nil)
	defer store.Close()
	assert.Equal(t, len(records), 3)
	assert.Equal(t, records[2].Sequence, uint64(43))
}

func TestLogStoreTornTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "studio.synclog")

	store, _, err := OpenLogStore(path)
	assert.Equal(t, err, nil)
	err = store.Append(&protocol.ChangeRecord{
		Sequence: 1,
		Operation: protocol.OperationCreate,
		BlockType: "object",
		BlockName: "Cube",
	})
	assert.Equal(t, err, nil)
	store.Close()

	// simulate a crash mid-append: a length prefix promising more bytes
	// than the file holds
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	assert.Equal(t, err, nil)
	_, err = file.Write([]byte{0x40, 0x01, 0x02})
	assert.Equal(t, err, nil)
	file.Close()

	_, records, err := OpenLogStore(path)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(records), 1)
	assert.Equal(t, records[0].BlockName, "Cube")
}

func TestMaterializeRecords(t *testing.T) {
	records := []*protocol.ChangeRecord{
		{
			Sequence: 1,
			Operation: protocol.OperationCreate,
			BlockType: "object",
			BlockName: "Cube",
			Payload: []protocol.Field{
				{Name: "hide", Value: protocol.BoolValue(false)},
			},
		},
		{
			Sequence: 2,
			Operation: protocol.OperationUpdateField,
			BlockType: "object",
			BlockName: "Cube",
			Payload: []protocol.Field{
				{Name: "hide", Value: protocol.BoolValue(true)},
			},
		},
		{
			Sequence: 3,
			Operation: protocol.OperationRename,
			BlockType: "object",
			BlockName: "Cube",
			NewName: "Box",
		},
		{
			Sequence: 4,
			Operation: protocol.OperationCreate,
			BlockType: "object",
			BlockName: "Lamp",
		},
		{
			Sequence: 5,
			Operation: protocol.OperationDelete,
			BlockType: "object",
			BlockName: "Lamp",
		},
	}

	state := MaterializeRecords(records)
	assert.Equal(t, state.Len(), 1)
	assert.Equal(t, state.HasBlock("object", "Box"), true)
	value, ok := state.blocks[BlockKey{Type: "object", Name: "Box"}].field("hide")
	assert.Equal(t, ok, true)
	assert.Equal(t, value, protocol.BoolValue(true))
}

func TestSnapshotRecordsReplay(t *testing.T) {
	state := NewSnapshot()
	state.CreateBlock("mesh", "CubeMesh", []protocol.Field{
		{Name: "vertices", Value: protocol.BytesValue([]byte{1, 2, 3})},
	})
	state.CreateBlock("object", "Cube", []protocol.Field{
		{Name: "mesh", Value: protocol.RefValue("mesh", "CubeMesh")},
	})

	// snapshot records are unstamped, the log position travels in the
	// snapshot envelope
	records := SnapshotRecords(state)
	assert.Equal(t, len(records), 2)
	for _, record := range records {
		assert.Equal(t, record.Sequence, uint64(0))
	}

	// a replay into an empty graph lands every block
	graph := NewGraph()
	scheduler := NewSchedulerWithDefaults(graph)
	applied, deferred, err := scheduler.ApplyBatch(records)
	assert.Equal(t, err, nil)
	assert.Equal(t, applied, 2)
	assert.Equal(t, deferred, 0)
	assert.Equal(t, graph.HasBlock("mesh", "CubeMesh"), true)
	assert.Equal(t, graph.HasBlock("object", "Cube"), true)

	// a client that already applied stamped records replays a snapshot in
	// full too, unstamped records are exempt from duplicate tracking
	rejoinGraph := NewGraph()
	rejoinScheduler := NewSchedulerWithDefaults(rejoinGraph)
	result, err := rejoinScheduler.Apply(&protocol.ChangeRecord{
		Sequence: 50,
		Operation: protocol.OperationCreate,
		BlockType: "scene",
		BlockName: "Main",
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, result, ApplyResultApplied)

	applied, deferred, err = rejoinScheduler.ApplyBatch(SnapshotRecords(state))
	assert.Equal(t, err, nil)
	assert.Equal(t, applied, 2)
	assert.Equal(t, deferred, 0)
	assert.Equal(t, rejoinGraph.HasBlock("mesh", "CubeMesh"), true)
	assert.Equal(t, rejoinGraph.HasBlock("object", "Cube"), true)
}

func TestCompactLogFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "studio.synclog")

	store, _, err := OpenLogStore(path)
	assert.Equal(t, err, nil)
	// a long edit history over a small final state
	err = store.Append(&protocol.ChangeRecord{
		Sequence: 1,
		Operation: protocol.OperationCreate,
		BlockType: "object",
		BlockName: "Cube",
		Payload: []protocol.Field{
			{Name: "location_x", Value: protocol.FloatValue(0)},
		},
	})
	assert.Equal(t, err, nil)
	for i := 0; i < 20; i++ {
		err = store.Append(&protocol.ChangeRecord{
			Sequence: uint64(2 + i),
			Operation: protocol.OperationUpdateField,
			BlockType: "object",
			BlockName: "Cube",
			Payload: []protocol.Field{
				{Name: "location_x", Value: protocol.FloatValue(float64(i))},
			},
		})
		assert.Equal(t, err, nil)
	}
	store.Close()

	before, after, err := CompactLogFile(path)
	assert.Equal(t, err, nil)
	assert.Equal(t, before, 21)
	assert.Equal(t, after, 1)

	// the compacted log materializes to the same state, stamped with the
	// final sequence
	_, records, err := OpenLogStore(path)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(records), 1)
	assert.Equal(t, records[0].Operation, protocol.OperationCreate)
	assert.Equal(t, records[0].Sequence, uint64(21))

	state := MaterializeRecords(records)
	value, ok := state.blocks[BlockKey{Type: "object", Name: "Cube"}].field("location_x")
	assert.Equal(t, ok, true)
	assert.Equal(t, value, protocol.FloatValue(19))
}

func TestCompactLogFileDistinctSequences(t *testing.T) {
	path := filepath.Join(t.TempDir(), "studio.synclog")

	store, _, err := OpenLogStore(path)
	assert.Equal(t, err, nil)
	appended := []*protocol.ChangeRecord{
		{
			Sequence: 1,
			Operation: protocol.OperationCreate,
			BlockType: "mesh",
			BlockName: "CubeMesh",
			Payload: []protocol.Field{
				{Name: "vertices", Value: protocol.BytesValue([]byte{1})},
			},
		},
		{
			Sequence: 2,
			Operation: protocol.OperationCreate,
			BlockType: "object",
			BlockName: "Cube",
			Payload: []protocol.Field{
				{Name: "mesh", Value: protocol.RefValue("mesh", "CubeMesh")},
			},
		},
		{
			Sequence: 3,
			Operation: protocol.OperationUpdateField,
			BlockType: "object",
			BlockName: "Cube",
			Payload: []protocol.Field{
				{Name: "hide", Value: protocol.BoolValue(true)},
			},
		},
	}
	for _, record := range appended {
		err = store.Append(record)
		assert.Equal(t, err, nil)
	}
	store.Close()

	_, after, err := CompactLogFile(path)
	assert.Equal(t, err, nil)
	assert.Equal(t, after, 2)

	// every compacted record keeps its own sequence, ending at the log's
	// final one, so the restart sequence survives and replaying clients
	// treat no record as a duplicate of another
	_, records, err := OpenLogStore(path)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(records), 2)
	assert.Equal(t, records[0].Sequence, uint64(2))
	assert.Equal(t, records[1].Sequence, uint64(3))

	graph := NewGraph()
	scheduler := NewSchedulerWithDefaults(graph)
	applied, deferred, err := scheduler.ApplyBatch(records)
	assert.Equal(t, err, nil)
	assert.Equal(t, applied, 2)
	assert.Equal(t, deferred, 0)
	assert.Equal(t, graph.HasBlock("mesh", "CubeMesh"), true)
	assert.Equal(t, graph.HasBlock("object", "Cube"), true)
}
