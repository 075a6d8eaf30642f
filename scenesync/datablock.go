package scenesync

import (
	"fmt"
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"scenesync.dev/scenesync/protocol"
)

// DataBlock is one typed, named record of the scene graph.
type DataBlock struct {
	Type string
	Name string
	Fields map[string]protocol.Value
}

func (self *DataBlock) Key() BlockKey {
	return BlockKey{Type: self.Type, Name: self.Name}
}

// Refs lists the blocks this block references through ref fields.
// refs with an empty name are nulled and not counted.
func (self *DataBlock) Refs() []BlockKey {
	refs := []BlockKey{}
	for _, value := range self.Fields {
		if value.IsRef() && value.RefName != "" {
			refs = append(refs, BlockKey{Type: value.RefType, Name: value.RefName})
		}
	}
	return refs
}

// Graph is an in-memory scene graph. It is the reference Host
// implementation, used by the headless client and the tests.
// all methods are safe for concurrent use.
type Graph struct {
	stateLock sync.Mutex
	// type -> name -> block
	blocks map[string]map[string]*DataBlock
	revision uint64
	edits chan struct{}
}

func NewGraph() *Graph {
	return &Graph{
		blocks: map[string]map[string]*DataBlock{},
		edits: make(chan struct{}, 1),
	}
}

func (self *Graph) Revision() uint64 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.revision
}

func (self *Graph) Types() []string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	types := maps.Keys(self.blocks)
	slices.Sort(types)
	return types
}

func (self *Graph) EnumerateBlocks(blockType string) (map[string]map[string]protocol.Value, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	out := map[string]map[string]protocol.Value{}
	for name, block := range self.blocks[blockType] {
		fields := map[string]protocol.Value{}
		for fieldName, value := range block.Fields {
			fields[fieldName] = value
		}
		out[name] = fields
	}
	return out, nil
}

func (self *Graph) HasBlock(blockType string, name string) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	_, ok := self.blocks[blockType][name]
	return ok
}

// Block returns a copy of one block, or nil.
func (self *Graph) Block(blockType string, name string) *DataBlock {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	block, ok := self.blocks[blockType][name]
	if !ok {
		return nil
	}
	fields := map[string]protocol.Value{}
	for fieldName, value := range block.Fields {
		fields[fieldName] = value
	}
	return &DataBlock{
		Type: block.Type,
		Name: block.Name,
		Fields: fields,
	}
}

func (self *Graph) Len() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	n := 0
	for _, blocks := range self.blocks {
		n += len(blocks)
	}
	return n
}

func (self *Graph) CreateBlock(blockType string, name string, fields []protocol.Field) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	byName, ok := self.blocks[blockType]
	if !ok {
		byName = map[string]*DataBlock{}
		self.blocks[blockType] = byName
	}
	if _, ok := byName[name]; ok {
		return fmt.Errorf("block exists: %s/%s", blockType, name)
	}
	block := &DataBlock{
		Type: blockType,
		Name: name,
		Fields: map[string]protocol.Value{},
	}
	for _, field := range fields {
		block.Fields[field.Name] = field.Value
	}
	byName[name] = block
	self.markEdit()
	return nil
}

func (self *Graph) UpdateBlock(blockType string, name string, field string, value protocol.Value) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	block, ok := self.blocks[blockType][name]
	if !ok {
		return fmt.Errorf("no such block: %s/%s", blockType, name)
	}
	block.Fields[field] = value
	self.markEdit()
	return nil
}

func (self *Graph) DeleteBlock(blockType string, name string) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	byName, ok := self.blocks[blockType]
	if !ok {
		return fmt.Errorf("no such block: %s/%s", blockType, name)
	}
	if _, ok := byName[name]; !ok {
		return fmt.Errorf("no such block: %s/%s", blockType, name)
	}
	delete(byName, name)
	if len(byName) == 0 {
		delete(self.blocks, blockType)
	}
	self.markEdit()
	return nil
}

func (self *Graph) RenameBlock(blockType string, oldName string, newName string) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	byName, ok := self.blocks[blockType]
	if !ok {
		return fmt.Errorf("no such block: %s/%s", blockType, oldName)
	}
	block, ok := byName[oldName]
	if !ok {
		return fmt.Errorf("no such block: %s/%s", blockType, oldName)
	}
	if _, ok := byName[newName]; ok {
		return fmt.Errorf("block exists: %s/%s", blockType, newName)
	}
	delete(byName, oldName)
	block.Name = newName
	byName[newName] = block

	// repoint references so downstream blocks keep resolving
	for _, blocks := range self.blocks {
		for _, other := range blocks {
			for fieldName, value := range other.Fields {
				if value.IsRef() && value.RefType == blockType && value.RefName == oldName {
					other.Fields[fieldName] = protocol.RefValue(blockType, newName)
				}
			}
		}
	}
	self.markEdit()
	return nil
}

func (self *Graph) NullRefsTo(blockType string, name string) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for _, blocks := range self.blocks {
		for _, other := range blocks {
			for fieldName, value := range other.Fields {
				if value.IsRef() && value.RefType == blockType && value.RefName == name {
					other.Fields[fieldName] = protocol.RefValue(blockType, "")
				}
			}
		}
	}
	self.markEdit()
	return nil
}

// SetField creates the block if needed and sets one field.
// convenience for hosts and tests driving local edits
func (self *Graph) SetField(blockType string, name string, field string, value protocol.Value) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	byName, ok := self.blocks[blockType]
	if !ok {
		byName = map[string]*DataBlock{}
		self.blocks[blockType] = byName
	}
	block, ok := byName[name]
	if !ok {
		block = &DataBlock{
			Type: blockType,
			Name: name,
			Fields: map[string]protocol.Value{},
		}
		byName[name] = block
	}
	block.Fields[field] = value
	self.markEdit()
}

func (self *Graph) LocalEdits() <-chan struct{} {
	return self.edits
}

// markEdit must be called with stateLock held
func (self *Graph) markEdit() {
	self.revision += 1
	select {
	case self.edits <- struct{}{}:
	default:
	}
}
