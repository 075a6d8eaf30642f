package scenesync

import (
	"bytes"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"scenesync.dev/scenesync/protocol"
)

// Diff compares two snapshots of the same tracked block set and emits a
// minimal ordered change batch:
//   - renames first (same-type delete+create pairs with identical content
//     collapse into one Rename, preserving downstream references)
//   - creates, topologically ordered so referenced blocks come before
//     referencing blocks, lexicographic for ties and cycles
//   - field updates, one batched record per block
//   - deletes last
//
// receivers can apply the batch in order in the common case. the
// dependency scheduler still re-validates, which is what makes reference
// cycles converge.
func Diff(old *Snapshot, new *Snapshot) []*protocol.ChangeRecord {
	created := map[BlockKey]*blockState{}
	deleted := map[BlockKey]*blockState{}

	for key, state := range new.blocks {
		if _, ok := old.blocks[key]; !ok {
			created[key] = state
		}
	}
	for key, state := range old.blocks {
		if _, ok := new.blocks[key]; !ok {
			deleted[key] = state
		}
	}

	records := []*protocol.ChangeRecord{}

	// rename collapse
	deletedKeys := maps.Keys(deleted)
	slices.SortFunc(deletedKeys, compareBlockKeys)
	for _, oldKey := range deletedKeys {
		oldState := deleted[oldKey]
		createdKeys := maps.Keys(created)
		slices.SortFunc(createdKeys, compareBlockKeys)
		for _, newKey := range createdKeys {
			if newKey.Type != oldKey.Type {
				continue
			}
			if !bytes.Equal(created[newKey].encoded, oldState.encoded) {
				continue
			}
			records = append(records, &protocol.ChangeRecord{
				Operation: protocol.OperationRename,
				BlockType: oldKey.Type,
				BlockName: oldKey.Name,
				NewName: newKey.Name,
			})
			delete(created, newKey)
			delete(deleted, oldKey)
			break
		}
	}

	for _, key := range orderCreates(created) {
		records = append(records, &protocol.ChangeRecord{
			Operation: protocol.OperationCreate,
			BlockType: key.Type,
			BlockName: key.Name,
			Payload: append([]protocol.Field{}, created[key].fields...),
		})
	}

	// field updates on blocks present in both snapshots
	commonKeys := []BlockKey{}
	for key := range new.blocks {
		if _, ok := old.blocks[key]; ok {
			commonKeys = append(commonKeys, key)
		}
	}
	slices.SortFunc(commonKeys, compareBlockKeys)
	for _, key := range commonKeys {
		oldState := old.blocks[key]
		newState := new.blocks[key]
		if bytes.Equal(oldState.encoded, newState.encoded) {
			continue
		}
		changedFields := []protocol.Field{}
		for _, field := range newState.fields {
			oldValue, ok := oldState.field(field.Name)
			if ok && oldValue.Equal(field.Value) {
				continue
			}
			changedFields = append(changedFields, field)
		}
		if len(changedFields) == 0 {
			continue
		}
		records = append(records, &protocol.ChangeRecord{
			Operation: protocol.OperationUpdateField,
			BlockType: key.Type,
			BlockName: key.Name,
			Payload: changedFields,
		})
	}

	remainingDeleted := maps.Keys(deleted)
	slices.SortFunc(remainingDeleted, compareBlockKeys)
	for _, key := range remainingDeleted {
		records = append(records, &protocol.ChangeRecord{
			Operation: protocol.OperationDelete,
			BlockType: key.Type,
			BlockName: key.Name,
		})
	}

	return records
}

// orderCreates is a stable kahn's sort over the reference edges between
// created blocks. lexicographic (type, name) breaks ties. blocks left in a
// reference cycle are appended lexicographically and rely on deferred
// application to converge.
func orderCreates(created map[BlockKey]*blockState) []BlockKey {
	// dependents[b] lists created blocks that reference b
	dependents := map[BlockKey][]BlockKey{}
	inDegree := map[BlockKey]int{}
	for key := range created {
		inDegree[key] = 0
	}
	for key, state := range created {
		seen := map[BlockKey]bool{}
		for _, ref := range state.refs() {
			if _, ok := created[ref]; !ok {
				// satisfied outside this batch
				continue
			}
			if ref == key {
				// self reference, nothing to order
				continue
			}
			if seen[ref] {
				// two fields referencing the same block count once
				continue
			}
			seen[ref] = true
			dependents[ref] = append(dependents[ref], key)
			inDegree[key] += 1
		}
	}

	ready := []BlockKey{}
	for key, degree := range inDegree {
		if degree == 0 {
			ready = append(ready, key)
		}
	}
	slices.SortFunc(ready, compareBlockKeys)

	ordered := []BlockKey{}
	for len(ready) > 0 {
		key := ready[0]
		ready = ready[1:]
		ordered = append(ordered, key)
		next := append([]BlockKey{}, dependents[key]...)
		slices.SortFunc(next, compareBlockKeys)
		for _, dependent := range next {
			inDegree[dependent] -= 1
			if inDegree[dependent] == 0 {
				ready = insertSorted(ready, dependent)
			}
		}
	}

	if len(ordered) < len(created) {
		// cycle remainder
		remainder := []BlockKey{}
		emitted := map[BlockKey]bool{}
		for _, key := range ordered {
			emitted[key] = true
		}
		for key := range created {
			if !emitted[key] {
				remainder = append(remainder, key)
			}
		}
		slices.SortFunc(remainder, compareBlockKeys)
		ordered = append(ordered, remainder...)
	}

	return ordered
}

func insertSorted(keys []BlockKey, key BlockKey) []BlockKey {
	i, _ := slices.BinarySearchFunc(keys, key, compareBlockKeys)
	return slices.Insert(keys, i, key)
}
