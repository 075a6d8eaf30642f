package scenesync

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"scenesync.dev/scenesync/protocol"
)

// Snapshot is a point-in-time capture of the tracked data-blocks.
// each block carries its canonical encoded bytes so two captures of the
// same state compare byte-identical.

type blockState struct {
	// sorted by field name
	fields []protocol.Field
	// canonical bytes of fields. name is not part of the encoding,
	// which is what lets rename detection compare content across names
	encoded []byte
}

func (self *blockState) field(name string) (protocol.Value, bool) {
	i := sort.Search(len(self.fields), func(i int) bool {
		return name <= self.fields[i].Name
	})
	if i < len(self.fields) && self.fields[i].Name == name {
		return self.fields[i].Value, true
	}
	return protocol.Value{}, false
}

func (self *blockState) refs() []BlockKey {
	refs := []BlockKey{}
	for _, field := range self.fields {
		if field.Value.IsRef() && field.Value.RefName != "" {
			refs = append(refs, BlockKey{Type: field.Value.RefType, Name: field.Value.RefName})
		}
	}
	return refs
}

type Snapshot struct {
	blocks map[BlockKey]*blockState
}

func NewSnapshot() *Snapshot {
	return &Snapshot{
		blocks: map[BlockKey]*blockState{},
	}
}

// TakeSnapshot reads the host graph into a snapshot.
// types is the replicated-type allow-list. empty means every type the
// host reports. fields with an unsupported value kind are skipped and
// logged, per record, without aborting the walk.
// returns *SnapshotInconsistentError if the host mutated mid-read.
func TakeSnapshot(host Host, types []string) (*Snapshot, error) {
	startRevision := host.Revision()

	if len(types) == 0 {
		types = host.Types()
	}

	snapshot := NewSnapshot()
	for _, blockType := range types {
		blocks, err := host.EnumerateBlocks(blockType)
		if err != nil {
			return nil, err
		}
		for name, fields := range blocks {
			key := BlockKey{Type: blockType, Name: name}
			snapshot.blocks[key] = newBlockState(key, fields)
		}
	}

	endRevision := host.Revision()
	if startRevision != endRevision {
		return nil, &SnapshotInconsistentError{
			StartRevision: startRevision,
			EndRevision: endRevision,
		}
	}
	return snapshot, nil
}

func newBlockState(key BlockKey, fields map[string]protocol.Value) *blockState {
	names := maps.Keys(fields)
	slices.Sort(names)
	ordered := []protocol.Field{}
	for _, fieldName := range names {
		value := fields[fieldName]
		if !supportedKind(value.Kind) {
			encodingErr := &EncodingError{Block: key, Field: fieldName}
			glog.Infof("[snap]%s\n", encodingErr)
			continue
		}
		ordered = append(ordered, protocol.Field{Name: fieldName, Value: value})
	}
	return &blockState{
		fields: ordered,
		encoded: protocol.EncodeFields(ordered),
	}
}

func supportedKind(kind protocol.ValueKind) bool {
	switch kind {
	case protocol.ValueKindInt, protocol.ValueKindFloat, protocol.ValueKindBool,
		protocol.ValueKindString, protocol.ValueKindBytes, protocol.ValueKindRef:
		return true
	default:
		return false
	}
}

func (self *Snapshot) Len() int {
	return len(self.blocks)
}

func (self *Snapshot) Keys() []BlockKey {
	keys := maps.Keys(self.blocks)
	slices.SortFunc(keys, compareBlockKeys)
	return keys
}

func (self *Snapshot) Clone() *Snapshot {
	clone := NewSnapshot()
	for key, state := range self.blocks {
		fields := append([]protocol.Field{}, state.fields...)
		clone.blocks[key] = &blockState{
			fields: fields,
			encoded: state.encoded,
		}
	}
	return clone
}

// Equal compares canonical bytes block by block.
func (self *Snapshot) Equal(other *Snapshot) bool {
	if len(self.blocks) != len(other.blocks) {
		return false
	}
	for key, state := range self.blocks {
		otherState, ok := other.blocks[key]
		if !ok {
			return false
		}
		if !bytes.Equal(state.encoded, otherState.encoded) {
			return false
		}
	}
	return true
}

func (self *Snapshot) HasBlock(blockType string, name string) bool {
	_, ok := self.blocks[BlockKey{Type: blockType, Name: name}]
	return ok
}

// BlockWriter. the synchronizer mirrors applied remote records into its
// baseline snapshot through these, so the next diff does not re-detect
// remote edits as local ones.

func (self *Snapshot) CreateBlock(blockType string, name string, fields []protocol.Field) error {
	key := BlockKey{Type: blockType, Name: name}
	if _, ok := self.blocks[key]; ok {
		return fmt.Errorf("block exists: %s", key)
	}
	fieldMap := map[string]protocol.Value{}
	for _, field := range fields {
		fieldMap[field.Name] = field.Value
	}
	self.blocks[key] = newBlockState(key, fieldMap)
	return nil
}

func (self *Snapshot) UpdateBlock(blockType string, name string, field string, value protocol.Value) error {
	key := BlockKey{Type: blockType, Name: name}
	state, ok := self.blocks[key]
	if !ok {
		return fmt.Errorf("no such block: %s", key)
	}
	fieldMap := stateFieldMap(state)
	fieldMap[field] = value
	self.blocks[key] = newBlockState(key, fieldMap)
	return nil
}

func (self *Snapshot) DeleteBlock(blockType string, name string) error {
	key := BlockKey{Type: blockType, Name: name}
	if _, ok := self.blocks[key]; !ok {
		return fmt.Errorf("no such block: %s", key)
	}
	delete(self.blocks, key)
	return nil
}

func (self *Snapshot) RenameBlock(blockType string, oldName string, newName string) error {
	oldKey := BlockKey{Type: blockType, Name: oldName}
	state, ok := self.blocks[oldKey]
	if !ok {
		return fmt.Errorf("no such block: %s", oldKey)
	}
	newKey := BlockKey{Type: blockType, Name: newName}
	if _, ok := self.blocks[newKey]; ok {
		return fmt.Errorf("block exists: %s", newKey)
	}
	delete(self.blocks, oldKey)
	self.blocks[newKey] = state

	for key, other := range self.blocks {
		changed := false
		fieldMap := stateFieldMap(other)
		for fieldName, value := range fieldMap {
			if value.IsRef() && value.RefType == blockType && value.RefName == oldName {
				fieldMap[fieldName] = protocol.RefValue(blockType, newName)
				changed = true
			}
		}
		if changed {
			self.blocks[key] = newBlockState(key, fieldMap)
		}
	}
	return nil
}

func (self *Snapshot) NullRefsTo(blockType string, name string) error {
	for key, state := range self.blocks {
		changed := false
		fieldMap := stateFieldMap(state)
		for fieldName, value := range fieldMap {
			if value.IsRef() && value.RefType == blockType && value.RefName == name {
				fieldMap[fieldName] = protocol.RefValue(blockType, "")
				changed = true
			}
		}
		if changed {
			self.blocks[key] = newBlockState(key, fieldMap)
		}
	}
	return nil
}

func stateFieldMap(state *blockState) map[string]protocol.Value {
	fieldMap := map[string]protocol.Value{}
	for _, field := range state.fields {
		fieldMap[field.Name] = field.Value
	}
	return fieldMap
}

func compareBlockKeys(a BlockKey, b BlockKey) int {
	if a.Type != b.Type {
		if a.Type < b.Type {
			return -1
		}
		return 1
	}
	if a.Name != b.Name {
		if a.Name < b.Name {
			return -1
		}
		return 1
	}
	return 0
}
