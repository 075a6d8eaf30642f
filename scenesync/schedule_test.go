package scenesync

import (
	"fmt"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"scenesync.dev/scenesync/protocol"
)

func TestScheduleDeferredCreateResolves(t *testing.T) {
	graph := NewGraph()
	scheduler := NewSchedulerWithDefaults(graph)

	// Cube references CubeMesh but arrives first
	cube := &protocol.ChangeRecord{
		Sequence: 1,
		Operation: protocol.OperationCreate,
		BlockType: "object",
		BlockName: "Cube",
		Payload: []protocol.Field{
			{Name: "mesh", Value: protocol.RefValue("mesh", "CubeMesh")},
		},
	}
	result, err := scheduler.Apply(cube)
	assert.Equal(t, err, nil)
	assert.Equal(t, result, ApplyResultDeferred)
	assert.Equal(t, scheduler.DeferredCount(), 1)
	assert.Equal(t, graph.Len(), 0)

	cubeMesh := &protocol.ChangeRecord{
		Sequence: 2,
		Operation: protocol.OperationCreate,
		BlockType: "mesh",
		BlockName: "CubeMesh",
		Payload: []protocol.Field{
			{Name: "vertices", Value: protocol.BytesValue([]byte{1})},
		},
	}
	result, err = scheduler.Apply(cubeMesh)
	assert.Equal(t, err, nil)
	assert.Equal(t, result, ApplyResultApplied)

	// the deferred create resolved when its dependency landed
	assert.Equal(t, scheduler.DeferredCount(), 0)
	assert.Equal(t, graph.HasBlock("object", "Cube"), true)
	assert.Equal(t, graph.HasBlock("mesh", "CubeMesh"), true)
}

func TestScheduleDeferredChainResolves(t *testing.T) {
	graph := NewGraph()
	scheduler := NewSchedulerWithDefaults(graph)

	// C waits on B, B waits on A. applying A must unblock both
	records := []*protocol.ChangeRecord{
		{
			Sequence: 1,
			Operation: protocol.OperationCreate,
			BlockType: "object",
			BlockName: "C",
			Payload: []protocol.Field{
				{Name: "parent", Value: protocol.RefValue("object", "B")},
			},
		},
		{
			Sequence: 2,
			Operation: protocol.OperationCreate,
			BlockType: "object",
			BlockName: "B",
			Payload: []protocol.Field{
				{Name: "parent", Value: protocol.RefValue("object", "A")},
			},
		},
		{
			Sequence: 3,
			Operation: protocol.OperationCreate,
			BlockType: "object",
			BlockName: "A",
		},
	}

	applied, deferred, err := scheduler.ApplyBatch(records)
	assert.Equal(t, err, nil)
	assert.Equal(t, applied, 1)
	assert.Equal(t, deferred, 2)

	// ApplyBatch counts the initial outcome. the worklist resolved the
	// deferrals once A landed
	assert.Equal(t, scheduler.DeferredCount(), 0)
	assert.Equal(t, graph.Len(), 3)
}

func TestScheduleIdempotentBySequence(t *testing.T) {
	graph := NewGraph()
	scheduler := NewSchedulerWithDefaults(graph)

	record := &protocol.ChangeRecord{
		Sequence: 5,
		Operation: protocol.OperationCreate,
		BlockType: "object",
		BlockName: "Cube",
		Payload: []protocol.Field{
			{Name: "hide", Value: protocol.BoolValue(false)},
		},
	}
	result, err := scheduler.Apply(record)
	assert.Equal(t, err, nil)
	assert.Equal(t, result, ApplyResultApplied)

	update := &protocol.ChangeRecord{
		Sequence: 6,
		Operation: protocol.OperationUpdateField,
		BlockType: "object",
		BlockName: "Cube",
		Payload: []protocol.Field{
			{Name: "hide", Value: protocol.BoolValue(true)},
		},
	}
	result, err = scheduler.Apply(update)
	assert.Equal(t, err, nil)
	assert.Equal(t, result, ApplyResultApplied)

	// a replay of sequence 5 must not clobber the later update
	result, err = scheduler.Apply(record)
	assert.Equal(t, err, nil)
	assert.Equal(t, result, ApplyResultApplied)

	block := graph.Block("object", "Cube")
	assert.Equal(t, block.Fields["hide"], protocol.BoolValue(true))
}

func TestScheduleDuplicateCreateDowngrades(t *testing.T) {
	graph := NewGraph()
	graph.SetField("object", "Cube", "hide", protocol.BoolValue(false))
	graph.SetField("object", "Cube", "location_x", protocol.FloatValue(0))
	scheduler := NewSchedulerWithDefaults(graph)

	// an unstamped create of an existing block applies as field updates
	record := &protocol.ChangeRecord{
		Operation: protocol.OperationCreate,
		BlockType: "object",
		BlockName: "Cube",
		Payload: []protocol.Field{
			{Name: "hide", Value: protocol.BoolValue(true)},
		},
	}
	result, err := scheduler.Apply(record)
	assert.Equal(t, err, nil)
	assert.Equal(t, result, ApplyResultApplied)

	block := graph.Block("object", "Cube")
	assert.Equal(t, block.Fields["hide"], protocol.BoolValue(true))
	assert.Equal(t, block.Fields["location_x"], protocol.FloatValue(0))
}

func TestScheduleDeleteNullsRefs(t *testing.T) {
	graph := NewGraph()
	graph.SetField("mesh", "CubeMesh", "vertices", protocol.BytesValue([]byte{1}))
	graph.SetField("object", "Cube", "mesh", protocol.RefValue("mesh", "CubeMesh"))
	scheduler := NewSchedulerWithDefaults(graph)

	record := &protocol.ChangeRecord{
		Sequence: 1,
		Operation: protocol.OperationDelete,
		BlockType: "mesh",
		BlockName: "CubeMesh",
	}
	result, err := scheduler.Apply(record)
	assert.Equal(t, err, nil)
	assert.Equal(t, result, ApplyResultApplied)

	assert.Equal(t, graph.HasBlock("mesh", "CubeMesh"), false)
	block := graph.Block("object", "Cube")
	assert.Equal(t, block.Fields["mesh"], protocol.RefValue("mesh", ""))

	// deleting an absent block is a no-op
	result, err = scheduler.Apply(&protocol.ChangeRecord{
		Sequence: 2,
		Operation: protocol.OperationDelete,
		BlockType: "mesh",
		BlockName: "CubeMesh",
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, result, ApplyResultApplied)
}

func TestScheduleRenameAlias(t *testing.T) {
	graph := NewGraph()
	graph.SetField("object", "Cube", "hide", protocol.BoolValue(false))
	scheduler := NewSchedulerWithDefaults(graph)

	rename := &protocol.ChangeRecord{
		Sequence: 1,
		Operation: protocol.OperationRename,
		BlockType: "object",
		BlockName: "Cube",
		NewName: "Box",
	}
	result, err := scheduler.Apply(rename)
	assert.Equal(t, err, nil)
	assert.Equal(t, result, ApplyResultApplied)
	assert.Equal(t, graph.HasBlock("object", "Box"), true)

	// an update stamped against the old name resolves through the alias
	update := &protocol.ChangeRecord{
		Sequence: 2,
		Operation: protocol.OperationUpdateField,
		BlockType: "object",
		BlockName: "Cube",
		Payload: []protocol.Field{
			{Name: "hide", Value: protocol.BoolValue(true)},
		},
	}
	result, err = scheduler.Apply(update)
	assert.Equal(t, err, nil)
	assert.Equal(t, result, ApplyResultApplied)

	block := graph.Block("object", "Box")
	assert.Equal(t, block.Fields["hide"], protocol.BoolValue(true))
}

func TestSchedulePendingLocalRenameWins(t *testing.T) {
	graph := NewGraph()
	graph.SetField("object", "Cube", "hide", protocol.BoolValue(false))
	scheduler := NewSchedulerWithDefaults(graph)

	// the local client already renamed Cube to Box and sent the record.
	// a remote rename of Cube stamped earlier is superseded
	err := graph.RenameBlock("object", "Cube", "Box")
	assert.Equal(t, err, nil)
	scheduler.NoteLocalRename("object", "Cube", "Box")

	remote := &protocol.ChangeRecord{
		Sequence: 1,
		Operation: protocol.OperationRename,
		BlockType: "object",
		BlockName: "Cube",
		NewName: "Crate",
	}
	result, err := scheduler.Apply(remote)
	assert.Equal(t, err, nil)
	assert.Equal(t, result, ApplyResultApplied)
	assert.Equal(t, graph.HasBlock("object", "Box"), true)
	assert.Equal(t, graph.HasBlock("object", "Crate"), false)
}

func TestScheduleUnrelatedCreatesDoNotRetry(t *testing.T) {
	graph := NewGraph()
	scheduler := NewScheduler(graph, &SchedulerSettings{RetryLimit: 2})

	warnings := []error{}
	scheduler.SetWarnCallback(func(err error) {
		warnings = append(warnings, err)
	})

	// Cube waits on a mesh that never arrives
	result, err := scheduler.Apply(&protocol.ChangeRecord{
		Sequence: 1,
		Operation: protocol.OperationCreate,
		BlockType: "object",
		BlockName: "Cube",
		Payload: []protocol.Field{
			{Name: "mesh", Value: protocol.RefValue("mesh", "Missing")},
		},
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, result, ApplyResultDeferred)

	for i := 0; i < 3; i++ {
		name := string(rune('A' + i))
		result, err = scheduler.Apply(&protocol.ChangeRecord{
			Sequence: uint64(2 + i),
			Operation: protocol.OperationCreate,
			BlockType: "mesh",
			BlockName: name,
		})
		assert.Equal(t, err, nil)
		assert.Equal(t, result, ApplyResultApplied)
	}

	// unrelated creates do not retry records waiting on a different key
	assert.Equal(t, scheduler.DeferredCount(), 1)
	assert.Equal(t, len(warnings), 0)
}

func TestScheduleRetryExhaustion(t *testing.T) {
	graph := NewGraph()
	scheduler := NewScheduler(graph, &SchedulerSettings{RetryLimit: 1})

	warnings := []error{}
	scheduler.SetWarnCallback(func(err error) {
		warnings = append(warnings, err)
	})

	// Cube waits on two refs. the first landing retries it, the second
	// never arrives
	result, err := scheduler.Apply(&protocol.ChangeRecord{
		Sequence: 1,
		Operation: protocol.OperationCreate,
		BlockType: "object",
		BlockName: "Cube",
		Payload: []protocol.Field{
			{Name: "mesh", Value: protocol.RefValue("mesh", "Missing")},
			{Name: "rig", Value: protocol.RefValue("armature", "Rig")},
		},
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, result, ApplyResultDeferred)

	// mesh Missing lands, Cube retries, still waits on armature Rig.
	// with RetryLimit 1 the retry exhausts the budget and discards
	result, err = scheduler.Apply(&protocol.ChangeRecord{
		Sequence: 2,
		Operation: protocol.OperationCreate,
		BlockType: "mesh",
		BlockName: "Missing",
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, result, ApplyResultApplied)

	assert.Equal(t, scheduler.DeferredCount(), 0)
	assert.Equal(t, len(warnings), 1)
	_, ok := warnings[0].(*UnresolvableDependencyError)
	assert.Equal(t, ok, true)
	assert.Equal(t, graph.HasBlock("object", "Cube"), false)
}

type failingHost struct {
	*Graph
	failName string
}

func (self *failingHost) CreateBlock(blockType string, name string, fields []protocol.Field) error {
	if name == self.failName {
		return fmt.Errorf("host rejected %s", name)
	}
	return self.Graph.CreateBlock(blockType, name, fields)
}

func TestScheduleRetryErrorSurfaces(t *testing.T) {
	graph := NewGraph()
	host := &failingHost{Graph: graph, failName: "Cube"}
	scheduler := NewSchedulerWithDefaults(host)

	warnings := []error{}
	scheduler.SetWarnCallback(func(err error) {
		warnings = append(warnings, err)
	})

	// Cube defers on its mesh, then the host rejects it on retry
	result, err := scheduler.Apply(&protocol.ChangeRecord{
		Sequence: 1,
		Operation: protocol.OperationCreate,
		BlockType: "object",
		BlockName: "Cube",
		Payload: []protocol.Field{
			{Name: "mesh", Value: protocol.RefValue("mesh", "CubeMesh")},
		},
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, result, ApplyResultDeferred)

	result, err = scheduler.Apply(&protocol.ChangeRecord{
		Sequence: 2,
		Operation: protocol.OperationCreate,
		BlockType: "mesh",
		BlockName: "CubeMesh",
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, result, ApplyResultApplied)

	// the rejected record is dropped, but not silently
	assert.Equal(t, scheduler.DeferredCount(), 0)
	assert.Equal(t, len(warnings), 1)
	assert.Equal(t, graph.HasBlock("object", "Cube"), false)
}

func TestScheduleDeferredExpiry(t *testing.T) {
	graph := NewGraph()
	scheduler := NewScheduler(graph, &SchedulerSettings{
		RetryLimit: 8,
		DeferredExpiry: 50 * time.Millisecond,
	})

	warnings := []error{}
	scheduler.SetWarnCallback(func(err error) {
		warnings = append(warnings, err)
	})

	// Cube waits on a mesh that never arrives. nothing related ever
	// lands, so no retry runs and only the sweep can surface it
	result, err := scheduler.Apply(&protocol.ChangeRecord{
		Sequence: 1,
		Operation: protocol.OperationCreate,
		BlockType: "object",
		BlockName: "Cube",
		Payload: []protocol.Field{
			{Name: "mesh", Value: protocol.RefValue("mesh", "Missing")},
		},
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, result, ApplyResultDeferred)

	assert.Equal(t, scheduler.ExpireDeferred(), 0)
	assert.Equal(t, scheduler.DeferredCount(), 1)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, scheduler.ExpireDeferred(), 1)
	assert.Equal(t, scheduler.DeferredCount(), 0)
	assert.Equal(t, len(warnings), 1)
	_, ok := warnings[0].(*UnresolvableDependencyError)
	assert.Equal(t, ok, true)
}

func TestScheduleMirror(t *testing.T) {
	graph := NewGraph()
	scheduler := NewSchedulerWithDefaults(graph)
	mirror := NewSnapshot()
	scheduler.SetMirror(mirror)

	applied, deferred, err := scheduler.ApplyBatch([]*protocol.ChangeRecord{
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
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, applied, 2)
	assert.Equal(t, deferred, 0)

	// the mirror tracked both writes
	snapshot, takeErr := TakeSnapshot(graph, nil)
	assert.Equal(t, takeErr, nil)
	assert.Equal(t, mirror.Equal(snapshot), true)
}
