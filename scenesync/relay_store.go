package scenesync

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/golang/glog"

	"google.golang.org/protobuf/encoding/protowire"

	"scenesync.dev/scenesync/protocol"
)

// LogStore is the relay's append-only change log: a flat file of
// length-prefixed encoded ChangeRecords. opening the store replays the
// file, which is how sequence numbers survive a relay restart.

type LogStore struct {
	path string
	file *os.File
}

// OpenLogStore opens or creates the log at path and returns the records
// it already holds, in file order.
func OpenLogStore(path string) (*LogStore, []*protocol.ChangeRecord, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, nil, err
	}

	records, err := readLog(file)
	if err != nil {
		file.Close()
		return nil, nil, err
	}
	if _, err := file.Seek(0, io.SeekEnd); err != nil {
		file.Close()
		return nil, nil, err
	}

	store := &LogStore{
		path: path,
		file: file,
	}
	return store, records, nil
}

func readLog(file *os.File) ([]*protocol.ChangeRecord, error) {
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	reader := bufio.NewReader(file)
	records := []*protocol.ChangeRecord{}
	for {
		recordBytes, err := readLengthPrefixed(reader)
		if err == io.EOF {
			return records, nil
		}
		if err != nil {
			// a torn tail write is recoverable, truncate at the last
			// full record
			glog.Infof("[log]truncating torn log tail after %d records = %s\n", len(records), err)
			return records, nil
		}
		record := &protocol.ChangeRecord{}
		if err := record.UnmarshalWire(recordBytes); err != nil {
			return nil, fmt.Errorf("corrupt log record %d: %w", len(records), err)
		}
		records = append(records, record)
	}
}

func readLengthPrefixed(reader *bufio.Reader) ([]byte, error) {
	prefix := []byte{}
	for {
		b, err := reader.ReadByte()
		if err == io.EOF && len(prefix) == 0 {
			return nil, io.EOF
		}
		if err != nil {
			return nil, err
		}
		prefix = append(prefix, b)
		if b < 0x80 {
			break
		}
		if 10 < len(prefix) {
			return nil, errors.New("bad length prefix")
		}
	}
	length, n := protowire.ConsumeVarint(prefix)
	if n < 0 {
		return nil, protowire.ParseError(n)
	}
	recordBytes := make([]byte, length)
	if _, err := io.ReadFull(reader, recordBytes); err != nil {
		return nil, err
	}
	return recordBytes, nil
}

func (self *LogStore) Append(record *protocol.ChangeRecord) error {
	recordBytes := record.MarshalWire()
	b := protowire.AppendVarint([]byte{}, uint64(len(recordBytes)))
	b = append(b, recordBytes...)
	if _, err := self.file.Write(b); err != nil {
		return err
	}
	return nil
}

func (self *LogStore) Sync() error {
	return self.file.Sync()
}

func (self *LogStore) Close() error {
	return self.file.Close()
}

// MaterializeRecords folds a change log into the state it produces.
func MaterializeRecords(records []*protocol.ChangeRecord) *Snapshot {
	return materializeFolder(records).state
}

func materializeFolder(records []*protocol.ChangeRecord) *snapshotFolder {
	folder := newSnapshotFolder()
	for _, record := range records {
		folder.apply(record)
	}
	return folder
}

// snapshotFolder folds stamped records into a state snapshot. it tracks
// rename aliases, so a record stamped against a name a previous record
// renamed away still folds onto the right block, matching what client
// schedulers do.
type snapshotFolder struct {
	state *Snapshot
	alias map[BlockKey]BlockKey
}

func newSnapshotFolder() *snapshotFolder {
	return &snapshotFolder{
		state: NewSnapshot(),
		alias: map[BlockKey]BlockKey{},
	}
}

func (self *snapshotFolder) resolve(key BlockKey) BlockKey {
	// follow the alias chain. bounded to guard against a cycle
	for i := 0; i < len(self.alias); i++ {
		next, ok := self.alias[key]
		if !ok {
			return key
		}
		key = next
	}
	return key
}

func (self *snapshotFolder) apply(record *protocol.ChangeRecord) {
	switch record.Operation {
	case protocol.OperationCreate:
		// a create claims its stamped name outright
		key := BlockKey{Type: record.BlockType, Name: record.BlockName}
		delete(self.alias, key)
		if self.state.HasBlock(key.Type, key.Name) {
			for _, field := range record.Payload {
				self.state.UpdateBlock(key.Type, key.Name, field.Name, field.Value)
			}
			return
		}
		self.state.CreateBlock(key.Type, key.Name, record.Payload)

	case protocol.OperationUpdateField:
		key := self.resolve(BlockKey{Type: record.BlockType, Name: record.BlockName})
		if !self.state.HasBlock(key.Type, key.Name) {
			// update racing a compaction boundary, recover it as a create
			self.state.CreateBlock(key.Type, key.Name, record.Payload)
			return
		}
		for _, field := range record.Payload {
			self.state.UpdateBlock(key.Type, key.Name, field.Name, field.Value)
		}

	case protocol.OperationDelete:
		key := self.resolve(BlockKey{Type: record.BlockType, Name: record.BlockName})
		if self.state.HasBlock(key.Type, key.Name) {
			self.state.NullRefsTo(key.Type, key.Name)
			self.state.DeleteBlock(key.Type, key.Name)
		}

	case protocol.OperationRename:
		key := self.resolve(BlockKey{Type: record.BlockType, Name: record.BlockName})
		newKey := BlockKey{Type: record.BlockType, Name: record.NewName}
		if key == newKey {
			return
		}
		if self.state.HasBlock(key.Type, key.Name) {
			if self.state.HasBlock(newKey.Type, newKey.Name) {
				// name occupied. the rename is the later write, it wins
				self.state.NullRefsTo(newKey.Type, newKey.Name)
				self.state.DeleteBlock(newKey.Type, newKey.Name)
			}
			self.state.RenameBlock(key.Type, key.Name, record.NewName)
		}
		self.alias[key] = newKey
	}
}

// SnapshotRecords expresses a state as Create records in dependency-safe
// order, for full-snapshot replay. the records are unstamped, sequence 0,
// so per-sequence duplicate tracking on the receiving client applies each
// one. the position of the state in the log travels in the snapshot
// envelope instead.
func SnapshotRecords(state *Snapshot) []*protocol.ChangeRecord {
	return Diff(NewSnapshot(), state)
}

// CompactLogFile rewrites a log file keeping only the latest state: the
// materialized blocks as Create records. history before the compaction
// point is dropped, so clients resuming from before it fall back to a
// full snapshot. each compacted record keeps a distinct sequence and the
// run ends at the log's final sequence, which is where a restarted relay
// continues counting.
func CompactLogFile(path string) (before int, after int, err error) {
	store, records, err := OpenLogStore(path)
	if err != nil {
		return 0, 0, err
	}
	store.Close()

	sequence := uint64(0)
	for _, record := range records {
		if sequence < record.Sequence {
			sequence = record.Sequence
		}
	}
	compacted := SnapshotRecords(MaterializeRecords(records))
	start := uint64(0)
	if uint64(len(compacted)) <= sequence {
		start = sequence - uint64(len(compacted))
	}
	for i, record := range compacted {
		record.Sequence = start + uint64(i) + 1
	}

	tmpPath := path + ".compact"
	tmpFile, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return 0, 0, err
	}
	tmpStore := &LogStore{path: tmpPath, file: tmpFile}
	for _, record := range compacted {
		if err := tmpStore.Append(record); err != nil {
			tmpStore.Close()
			os.Remove(tmpPath)
			return 0, 0, err
		}
	}
	if err := tmpStore.Sync(); err != nil {
		tmpStore.Close()
		os.Remove(tmpPath)
		return 0, 0, err
	}
	tmpStore.Close()

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return 0, 0, err
	}
	return len(records), len(compacted), nil
}

// RoomLogPath is the log file for a room under the relay persist dir.
func RoomLogPath(persistDir string, room string) string {
	return filepath.Join(persistDir, room+".synclog")
}
