package scenesync

import (
	"time"

	"github.com/golang/glog"

	"scenesync.dev/scenesync/protocol"
)

// Scheduler orders change-record application against the local graph.
// a record that references a block that does not exist locally yet is
// deferred and re-attempted whenever a create or rename satisfies the
// missing key. records are applied atomically: either every mutation of
// the record lands or the record is deferred untouched.
//
// the scheduler also keeps a rename alias table, old key -> current key.
// records stamped against a name that was since renamed resolve through
// the table instead of deferring forever. for two concurrent renames of
// the same block the alias table plus the pending-local-rename check
// makes both sides converge on the relay's last writer.

type ApplyResult int

const (
	ApplyResultApplied ApplyResult = 0
	ApplyResultDeferred ApplyResult = 1
	ApplyResultDiscarded ApplyResult = 2
)

func (self ApplyResult) String() string {
	switch self {
	case ApplyResultApplied:
		return "applied"
	case ApplyResultDeferred:
		return "deferred"
	case ApplyResultDiscarded:
		return "discarded"
	default:
		return "unknown"
	}
}

type SchedulerSettings struct {
	// re-attempts before a deferred record is surfaced as an
	// unresolvable dependency and discarded
	RetryLimit int
	// how long a deferred record may wait for its missing dependency
	// before ExpireDeferred surfaces and discards it. zero disables
	// the sweep
	DeferredExpiry time.Duration
}

func DefaultSchedulerSettings() *SchedulerSettings {
	return &SchedulerSettings{
		RetryLimit: 8,
		DeferredExpiry: 30 * time.Second,
	}
}

type WarnFunction func(err error)

type deferredRecord struct {
	record *protocol.ChangeRecord
	retries int
	deferredTime time.Time
}

type Scheduler struct {
	host Host
	settings *SchedulerSettings

	// optional second write target, the synchronizer's baseline snapshot
	mirror BlockWriter
	warnCallback WarnFunction

	// stamped sequences already applied, for idempotence
	applied map[uint64]bool
	appliedLow uint64

	// missing key -> fifo of records waiting on it
	deferred map[BlockKey][]*deferredRecord

	// old key -> renamed-to key
	alias map[BlockKey]BlockKey

	// local renames sent but not yet acked by the relay. an incoming
	// remote rename of the same block is superseded by relay order
	pendingRenames map[BlockKey]bool
}

func NewSchedulerWithDefaults(host Host) *Scheduler {
	return NewScheduler(host, DefaultSchedulerSettings())
}

func NewScheduler(host Host, settings *SchedulerSettings) *Scheduler {
	return &Scheduler{
		host: host,
		settings: settings,
		applied: map[uint64]bool{},
		deferred: map[BlockKey][]*deferredRecord{},
		alias: map[BlockKey]BlockKey{},
		pendingRenames: map[BlockKey]bool{},
	}
}

func (self *Scheduler) SetMirror(mirror BlockWriter) {
	self.mirror = mirror
}

func (self *Scheduler) SetWarnCallback(warnCallback WarnFunction) {
	self.warnCallback = warnCallback
}

func (self *Scheduler) DeferredCount() int {
	n := 0
	for _, queue := range self.deferred {
		n += len(queue)
	}
	return n
}

// DiscardDeferred drops every deferred record. called on reconnect, when
// relay state becomes authoritative again and stale deferrals are moot.
func (self *Scheduler) DiscardDeferred() int {
	n := self.DeferredCount()
	self.deferred = map[BlockKey][]*deferredRecord{}
	return n
}

// NoteLocalRename records a rename the local client performed and sent.
// cleared by AckLocalRename when the relay stamps the batch.
func (self *Scheduler) NoteLocalRename(blockType string, oldName string, newName string) {
	oldKey := BlockKey{Type: blockType, Name: oldName}
	newKey := BlockKey{Type: blockType, Name: newName}
	self.alias[oldKey] = newKey
	self.pendingRenames[oldKey] = true
}

func (self *Scheduler) AckLocalRename(blockType string, oldName string) {
	delete(self.pendingRenames, BlockKey{Type: blockType, Name: oldName})
}

// Apply applies one record, or defers it.
// applying a record by an already-applied sequence number is a no-op.
func (self *Scheduler) Apply(record *protocol.ChangeRecord) (ApplyResult, error) {
	if record.Sequence != 0 && self.isApplied(record.Sequence) {
		glog.V(2).Infof("[sched]duplicate %s\n", record)
		return ApplyResultApplied, nil
	}

	result, missing, err := self.applyOne(record)
	if err != nil {
		return result, err
	}
	switch result {
	case ApplyResultApplied:
		self.markApplied(record.Sequence)
		self.retrySatisfied(record)
	case ApplyResultDeferred:
		self.deferOn(missing, &deferredRecord{record: record})
	}
	return result, nil
}

// ApplyBatch applies records in order. deferred records stay queued and
// resolve as later records in the batch (or later batches) land.
func (self *Scheduler) ApplyBatch(records []*protocol.ChangeRecord) (applied int, deferred int, err error) {
	for _, record := range records {
		result, applyErr := self.Apply(record)
		if applyErr != nil {
			err = applyErr
			return
		}
		switch result {
		case ApplyResultApplied:
			applied += 1
		case ApplyResultDeferred:
			deferred += 1
		}
	}
	return
}

func (self *Scheduler) resolveKey(key BlockKey) BlockKey {
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

// applyOne attempts one record. on ApplyResultDeferred, missing is the
// key the record waits on.
func (self *Scheduler) applyOne(record *protocol.ChangeRecord) (result ApplyResult, missing BlockKey, err error) {
	key := BlockKey{Type: record.BlockType, Name: record.BlockName}

	switch record.Operation {
	case protocol.OperationCreate:
		if ref, ok := self.firstMissingRef(record.Payload, key); ok {
			return ApplyResultDeferred, ref, nil
		}
		// a create claims its stamped name outright
		delete(self.alias, key)
		if self.host.HasBlock(key.Type, key.Name) {
			// legitimate on reconnect replay. downgrade to field updates
			glog.Infof("[sched]duplicate create %s, applying as update\n", key)
			for _, field := range record.Payload {
				if err := self.writeUpdate(key, field.Name, field.Value); err != nil {
					return ApplyResultDiscarded, BlockKey{}, err
				}
			}
			return ApplyResultApplied, BlockKey{}, nil
		}
		if err := self.writeCreate(key, record.Payload); err != nil {
			return ApplyResultDiscarded, BlockKey{}, err
		}
		return ApplyResultApplied, BlockKey{}, nil

	case protocol.OperationUpdateField:
		resolved := self.resolveKey(key)
		if !self.host.HasBlock(resolved.Type, resolved.Name) {
			return ApplyResultDeferred, resolved, nil
		}
		if ref, ok := self.firstMissingRef(record.Payload, resolved); ok {
			return ApplyResultDeferred, ref, nil
		}
		for _, field := range record.Payload {
			if err := self.writeUpdate(resolved, field.Name, field.Value); err != nil {
				return ApplyResultDiscarded, BlockKey{}, err
			}
		}
		return ApplyResultApplied, BlockKey{}, nil

	case protocol.OperationDelete:
		resolved := self.resolveKey(key)
		if !self.host.HasBlock(resolved.Type, resolved.Name) {
			// already gone
			return ApplyResultApplied, BlockKey{}, nil
		}
		if err := self.writeDelete(resolved); err != nil {
			return ApplyResultDiscarded, BlockKey{}, err
		}
		return ApplyResultApplied, BlockKey{}, nil

	case protocol.OperationRename:
		resolved := self.resolveKey(key)
		if self.pendingRenames[key] {
			// the local client renamed this block under the same old
			// name and its record is stamped after this one. relay
			// order says ours wins
			glog.V(1).Infof("[sched]rename %s superseded by pending local rename\n", record)
			// records stamped against the losing name still resolve
			supersededKey := BlockKey{Type: key.Type, Name: record.NewName}
			if supersededKey != resolved {
				self.alias[supersededKey] = resolved
			}
			return ApplyResultApplied, BlockKey{}, nil
		}
		if !self.host.HasBlock(resolved.Type, resolved.Name) {
			return ApplyResultDeferred, resolved, nil
		}
		newKey := BlockKey{Type: key.Type, Name: record.NewName}
		if resolved == newKey {
			return ApplyResultApplied, BlockKey{}, nil
		}
		if self.host.HasBlock(newKey.Type, newKey.Name) {
			// name occupied. the rename is the later write, it wins
			glog.Infof("[sched]rename %s displaces existing %s\n", record, newKey)
			if err := self.writeDelete(newKey); err != nil {
				return ApplyResultDiscarded, BlockKey{}, err
			}
		}
		if err := self.writeRename(resolved, record.NewName); err != nil {
			return ApplyResultDiscarded, BlockKey{}, err
		}
		self.alias[resolved] = newKey
		if key != resolved {
			self.alias[key] = newKey
		}
		return ApplyResultApplied, BlockKey{}, nil

	default:
		glog.Infof("[sched]unknown operation %d, dropping %s\n", record.Operation, record)
		return ApplyResultDiscarded, BlockKey{}, nil
	}
}

// retrySatisfied re-attempts deferred records whose missing key the
// applied record may have satisfied. runs a worklist since one applied
// record can unblock a chain.
func (self *Scheduler) retrySatisfied(record *protocol.ChangeRecord) {
	satisfied := []BlockKey{}
	key := BlockKey{Type: record.BlockType, Name: record.BlockName}
	switch record.Operation {
	case protocol.OperationCreate:
		satisfied = append(satisfied, key)
	case protocol.OperationRename:
		satisfied = append(satisfied, BlockKey{Type: record.BlockType, Name: record.NewName})
		// records waiting on the old name now resolve through the alias
		satisfied = append(satisfied, key, self.resolveKey(key))
	default:
		return
	}

	for len(satisfied) > 0 {
		waitKey := satisfied[0]
		satisfied = satisfied[1:]
		queue, ok := self.deferred[waitKey]
		if !ok {
			continue
		}
		delete(self.deferred, waitKey)
		for _, deferred := range queue {
			result, missing, err := self.applyOne(deferred.record)
			if err != nil {
				// the record is dropped, the host rejected it
				glog.Infof("[sched]retry apply error %s = %s\n", deferred.record, err)
				self.warn(err)
				continue
			}
			switch result {
			case ApplyResultApplied:
				glog.V(2).Infof("[sched]resolved %s\n", deferred.record)
				self.markApplied(deferred.record.Sequence)
				switch deferred.record.Operation {
				case protocol.OperationCreate:
					satisfied = append(satisfied, BlockKey{Type: deferred.record.BlockType, Name: deferred.record.BlockName})
				case protocol.OperationRename:
					satisfied = append(satisfied, BlockKey{Type: deferred.record.BlockType, Name: deferred.record.NewName})
				}
			case ApplyResultDeferred:
				deferred.retries += 1
				if self.settings.RetryLimit <= deferred.retries {
					unresolvableErr := &UnresolvableDependencyError{
						Block: BlockKey{Type: deferred.record.BlockType, Name: deferred.record.BlockName},
						Missing: missing,
						Retries: deferred.retries,
					}
					glog.Infof("[sched]%s\n", unresolvableErr)
					self.warn(unresolvableErr)
					continue
				}
				self.deferOn(missing, deferred)
			}
		}
	}
}

func (self *Scheduler) firstMissingRef(payload []protocol.Field, selfKey BlockKey) (BlockKey, bool) {
	for _, field := range payload {
		value := field.Value
		if !value.IsRef() || value.RefName == "" {
			continue
		}
		ref := self.resolveKey(BlockKey{Type: value.RefType, Name: value.RefName})
		if ref == selfKey {
			// self reference is satisfiable by this record itself
			continue
		}
		if !self.host.HasBlock(ref.Type, ref.Name) {
			return ref, true
		}
	}
	return BlockKey{}, false
}

func (self *Scheduler) deferOn(missing BlockKey, deferred *deferredRecord) {
	if deferred.deferredTime.IsZero() {
		deferred.deferredTime = time.Now()
	}
	glog.V(1).Infof("[sched]defer %s on %s\n", deferred.record, missing)
	self.deferred[missing] = append(self.deferred[missing], deferred)
}

// ExpireDeferred surfaces and drops deferred records that waited past
// the expiry window. retries only run when a related record arrives, so
// a dependency that never arrives would otherwise sit silent forever.
func (self *Scheduler) ExpireDeferred() int {
	if self.settings.DeferredExpiry <= 0 {
		return 0
	}
	now := time.Now()
	expired := 0
	for missing, queue := range self.deferred {
		keep := []*deferredRecord{}
		for _, deferred := range queue {
			if now.Sub(deferred.deferredTime) < self.settings.DeferredExpiry {
				keep = append(keep, deferred)
				continue
			}
			unresolvableErr := &UnresolvableDependencyError{
				Block: BlockKey{Type: deferred.record.BlockType, Name: deferred.record.BlockName},
				Missing: missing,
				Retries: deferred.retries,
			}
			glog.Infof("[sched]expired %s\n", unresolvableErr)
			self.warn(unresolvableErr)
			expired += 1
		}
		if len(keep) == 0 {
			delete(self.deferred, missing)
		} else {
			self.deferred[missing] = keep
		}
	}
	return expired
}

func (self *Scheduler) warn(err error) {
	if self.warnCallback != nil {
		self.warnCallback(err)
	}
}

func (self *Scheduler) isApplied(sequence uint64) bool {
	if sequence <= self.appliedLow {
		return true
	}
	return self.applied[sequence]
}

func (self *Scheduler) markApplied(sequence uint64) {
	if sequence == 0 || sequence <= self.appliedLow {
		return
	}
	self.applied[sequence] = true
	// advance the contiguous watermark and drop entries below it
	for self.applied[self.appliedLow+1] {
		self.appliedLow += 1
		delete(self.applied, self.appliedLow)
	}
}

// host and mirror writes. the mirror is best effort, a mirror error only
// logs since the baseline re-synchronizes on the next snapshot anyway.

func (self *Scheduler) writeCreate(key BlockKey, fields []protocol.Field) error {
	if err := self.host.CreateBlock(key.Type, key.Name, fields); err != nil {
		return err
	}
	if self.mirror != nil {
		if err := self.mirror.CreateBlock(key.Type, key.Name, fields); err != nil {
			glog.V(1).Infof("[sched]mirror create %s = %s\n", key, err)
		}
	}
	return nil
}

func (self *Scheduler) writeUpdate(key BlockKey, field string, value protocol.Value) error {
	if err := self.host.UpdateBlock(key.Type, key.Name, field, value); err != nil {
		return err
	}
	if self.mirror != nil {
		if err := self.mirror.UpdateBlock(key.Type, key.Name, field, value); err != nil {
			glog.V(1).Infof("[sched]mirror update %s.%s = %s\n", key, field, err)
		}
	}
	return nil
}

func (self *Scheduler) writeDelete(key BlockKey) error {
	if err := self.host.NullRefsTo(key.Type, key.Name); err != nil {
		return err
	}
	if err := self.host.DeleteBlock(key.Type, key.Name); err != nil {
		return err
	}
	if self.mirror != nil {
		if err := self.mirror.NullRefsTo(key.Type, key.Name); err != nil {
			glog.V(1).Infof("[sched]mirror null refs %s = %s\n", key, err)
		}
		if err := self.mirror.DeleteBlock(key.Type, key.Name); err != nil {
			glog.V(1).Infof("[sched]mirror delete %s = %s\n", key, err)
		}
	}
	return nil
}

func (self *Scheduler) writeRename(key BlockKey, newName string) error {
	if err := self.host.RenameBlock(key.Type, key.Name, newName); err != nil {
		return err
	}
	if self.mirror != nil {
		if err := self.mirror.RenameBlock(key.Type, key.Name, newName); err != nil {
			glog.V(1).Infof("[sched]mirror rename %s = %s\n", key, err)
		}
	}
	return nil
}
