package scenesync

import (
	"scenesync.dev/scenesync/protocol"
)

// the boundary to the host editor. the host owns the live scene graph;
// the core only reads it through EnumerateBlocks and writes it through
// the BlockWriter methods. all of these calls happen on the host's
// designated thread, driven by Synchronizer.Sync.

// BlockWriter is the mutation surface of a scene graph.
// Apply of one record is atomic against the graph.
type BlockWriter interface {
	CreateBlock(blockType string, name string, fields []protocol.Field) error
	UpdateBlock(blockType string, name string, field string, value protocol.Value) error
	DeleteBlock(blockType string, name string) error
	// RenameBlock renames the block and repoints every local reference
	// to the old name
	RenameBlock(blockType string, oldName string, newName string) error
	// NullRefsTo nulls out local reference fields that point at the block.
	// nulled references become empty-name refs of the same type
	NullRefsTo(blockType string, name string) error
}

type Host interface {
	BlockWriter

	// Revision is a counter the host bumps on every local mutation.
	// used to detect mid-mutation reads while a snapshot walk is running
	Revision() uint64

	// Types lists the data-block types currently present
	Types() []string

	// EnumerateBlocks lists blocks of one type as name -> field set
	EnumerateBlocks(blockType string) (map[string]map[string]protocol.Value, error)

	HasBlock(blockType string, name string) bool
}

// EditNotifier is optionally implemented by hosts that can signal the end
// of a local edit batch. a polling synchronizer uses the signal to cut the
// poll latency, not for correctness.
type EditNotifier interface {
	// LocalEdits signals after a batch of local edits completes.
	// the channel is never closed and signals coalesce
	LocalEdits() <-chan struct{}
}
