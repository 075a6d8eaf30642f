package scenesync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"scenesync.dev/scenesync/protocol"
)

// Synchronizer is the per-client replication agent. a background
// goroutine owns the connection to the relay, reconnecting with backoff.
// everything that touches the host graph runs inside Sync, which the
// host calls on its designated thread at safe points in its edit cycle:
// received records are drained into the graph, then local edits are
// snapshotted, diffed against the last-sent baseline and shipped.
//
// the last-sent baseline only becomes the acked baseline once the relay
// stamps the batch. on reconnect the client rewinds to the acked
// baseline, so edits whose batch was lost in flight are re-detected and
// resent.

type SyncState int

const (
	StateDisconnected SyncState = 0
	StateConnecting SyncState = 1
	StateSyncing SyncState = 2
	StateLive SyncState = 3
)

func (self SyncState) String() string {
	switch self {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateSyncing:
		return "syncing"
	case StateLive:
		return "live"
	default:
		return "unknown"
	}
}

type SyncEventKind int

const (
	SyncEventStateChange SyncEventKind = 0
	SyncEventWarning SyncEventKind = 1
)

// SyncEvent surfaces connection status and unresolved-dependency
// warnings to the host's notification mechanism.
type SyncEvent struct {
	Kind SyncEventKind
	State SyncState
	Err error
}

type SynchronizerSettings struct {
	// relay url, e.g. ws://127.0.0.1:25600
	Url string
	Room string
	// signs a session token when the relay requires auth
	AuthSecret string
	// replicated data-block types. empty replicates every type
	Types []string

	HelloTimeout time.Duration
	ReconnectTimeout time.Duration
	WriteTimeout time.Duration
	ReadTimeout time.Duration
	PingTimeout time.Duration
	SendBufferSize int
	MonitorBufferSize int

	Scheduler *SchedulerSettings
}

func DefaultSynchronizerSettings() *SynchronizerSettings {
	return &SynchronizerSettings{
		HelloTimeout: 5 * time.Second,
		ReconnectTimeout: 5 * time.Second,
		WriteTimeout: 5 * time.Second,
		ReadTimeout: 60 * time.Second,
		PingTimeout: 15 * time.Second,
		SendBufferSize: 32,
		MonitorBufferSize: 32,
		Scheduler: DefaultSchedulerSettings(),
	}
}

type pendingBatch struct {
	// the post-edit snapshot captured when the batch was sent. becomes
	// the acked baseline when the relay stamps the batch
	snapshot *Snapshot
	// local renames in the batch, cleared from the pending set on ack
	renames []BlockKey
}

type Synchronizer struct {
	ctx context.Context
	cancel context.CancelFunc

	clientId Id
	host Host
	settings *SynchronizerSettings

	monitor chan SyncEvent

	stateLock sync.Mutex
	state SyncState
	scheduler *Scheduler
	// acked baseline
	baseline *Snapshot
	// diff base, advanced on every send
	lastSent *Snapshot
	pending map[Id]*pendingBatch
	// queued remote messages awaiting the host drain
	incoming []protocol.Message
	// highest relay sequence applied, the reconnect resume point
	lastSequence uint64
	// current connection's outgoing frames, nil while disconnected
	sendFrames chan []byte
}

func NewSynchronizerWithDefaults(ctx context.Context, clientId Id, host Host, url string, room string) *Synchronizer {
	settings := DefaultSynchronizerSettings()
	settings.Url = url
	settings.Room = room
	return NewSynchronizer(ctx, clientId, host, settings)
}

func NewSynchronizer(ctx context.Context, clientId Id, host Host, settings *SynchronizerSettings) *Synchronizer {
	cancelCtx, cancel := context.WithCancel(ctx)
	synchronizer := &Synchronizer{
		ctx: cancelCtx,
		cancel: cancel,
		clientId: clientId,
		host: host,
		settings: settings,
		monitor: make(chan SyncEvent, settings.MonitorBufferSize),
		state: StateDisconnected,
		scheduler: NewScheduler(host, settings.Scheduler),
		baseline: NewSnapshot(),
		lastSent: NewSnapshot(),
		pending: map[Id]*pendingBatch{},
	}
	synchronizer.scheduler.SetMirror(&baselineMirror{synchronizer: synchronizer})
	synchronizer.scheduler.SetWarnCallback(func(err error) {
		synchronizer.emit(SyncEvent{Kind: SyncEventWarning, Err: err})
	})
	go HandleError(synchronizer.run)
	return synchronizer
}

func (self *Synchronizer) ClientId() Id {
	return self.clientId
}

func (self *Synchronizer) State() SyncState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.state
}

// Monitor surfaces state transitions and warnings. events are dropped if
// the channel is not drained.
func (self *Synchronizer) Monitor() <-chan SyncEvent {
	return self.monitor
}

func (self *Synchronizer) LastSequence() uint64 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.lastSequence
}

func (self *Synchronizer) DeferredCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.scheduler.DeferredCount()
}

func (self *Synchronizer) Close() {
	self.stateLock.Lock()
	sendFrames := self.sendFrames
	self.stateLock.Unlock()
	if sendFrames != nil {
		if frameBytes, err := protocol.EncodeFrame(&protocol.Disconnect{Reason: "closing"}); err == nil {
			select {
			case sendFrames <- frameBytes:
			default:
			}
		}
	}
	self.cancel()
}

// Sync is the host-side pump: apply queued remote records into the
// graph, then detect and ship local edits. must be called on the host's
// designated thread.
func (self *Synchronizer) Sync() error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.drainIncoming()
	self.scheduler.ExpireDeferred()

	if self.state != StateLive {
		return nil
	}

	snapshot, err := TakeSnapshot(self.host, self.settings.Types)
	if err != nil {
		// SnapshotInconsistent: the host mutated mid-read. retry on
		// the next pump
		return err
	}
	records := Diff(self.lastSent, snapshot)
	if len(records) == 0 {
		return nil
	}

	batch := &protocol.ChangeBatch{
		MessageId: NewId().Bytes(),
		Records: records,
	}
	renames := []BlockKey{}
	for _, record := range records {
		record.OriginClientId = self.clientId.Bytes()
		if record.Operation == protocol.OperationRename {
			renameKey := BlockKey{Type: record.BlockType, Name: record.BlockName}
			self.scheduler.NoteLocalRename(record.BlockType, record.BlockName, record.NewName)
			renames = append(renames, renameKey)
		}
	}

	if !self.sendMessage(batch) {
		// connection dropped between the state check and the send.
		// the edits stay detectable against lastSent
		for _, renameKey := range renames {
			self.scheduler.AckLocalRename(renameKey.Type, renameKey.Name)
		}
		return nil
	}

	messageId := RequireIdFromBytes(batch.MessageId)
	self.pending[messageId] = &pendingBatch{
		snapshot: snapshot,
		renames: renames,
	}
	self.lastSent = snapshot.Clone()
	glog.V(2).Infof("[cs]%s sent batch %s of %d\n", self.clientId, messageId, len(records))
	return nil
}

// AutoSync pumps Sync on an interval, waking early when the host signals
// a completed edit batch. only for hosts whose graph is safe to touch
// from this goroutine, like Graph.
func (self *Synchronizer) AutoSync(pollInterval time.Duration) {
	var edits <-chan struct{}
	if notifier, ok := self.host.(EditNotifier); ok {
		edits = notifier.LocalEdits()
	}
	go HandleError(func() {
		for {
			select {
			case <-self.ctx.Done():
				return
			case <-time.After(pollInterval):
			case <-edits:
			}
			if err := self.Sync(); err != nil {
				glog.V(1).Infof("[cs]%s sync error = %s\n", self.clientId, err)
			}
		}
	})
}

// drainIncoming applies queued remote messages. called with stateLock
// held, on the host thread.
func (self *Synchronizer) drainIncoming() {
	for len(self.incoming) > 0 {
		message := self.incoming[0]
		self.incoming = self.incoming[1:]

		switch v := message.(type) {
		case *protocol.FullSnapshot:
			// relay state is authoritative again. stale deferrals from
			// before the reconnect are moot
			if dropped := self.scheduler.DiscardDeferred(); dropped > 0 {
				glog.Infof("[cs]%s dropped %d stale deferred records\n", self.clientId, dropped)
			}
			self.applyRecords(v.Records)
			self.pruneAfterSnapshot(v.Records)
			if self.lastSequence < v.Sequence {
				self.lastSequence = v.Sequence
			}
			// report the snapshot position as the resume point
			self.sendMessage(&protocol.Ack{Sequence: self.lastSequence})
			glog.Infof("[cs]%s applied full snapshot of %d at %d\n", self.clientId, len(v.Records), v.Sequence)
		case *protocol.ChangeBatch:
			self.applyRecords(v.Records)
		}
	}
}

// pruneAfterSnapshot deletes synced blocks the authoritative snapshot no
// longer contains, meaning they were deleted remotely while this client
// was away. blocks not yet acked stay: they are local edits that the
// next diff resends. called with stateLock held.
func (self *Synchronizer) pruneAfterSnapshot(records []*protocol.ChangeRecord) {
	present := map[BlockKey]bool{}
	for _, record := range records {
		present[BlockKey{Type: record.BlockType, Name: record.BlockName}] = true
	}
	mirror := &baselineMirror{synchronizer: self}
	for _, key := range self.baseline.Keys() {
		if present[key] {
			continue
		}
		if !self.host.HasBlock(key.Type, key.Name) {
			continue
		}
		glog.Infof("[cs]%s pruning %s, deleted while disconnected\n", self.clientId, key)
		self.host.NullRefsTo(key.Type, key.Name)
		self.host.DeleteBlock(key.Type, key.Name)
		mirror.NullRefsTo(key.Type, key.Name)
		mirror.DeleteBlock(key.Type, key.Name)
	}
}

func (self *Synchronizer) applyRecords(records []*protocol.ChangeRecord) {
	allowed := map[string]bool{}
	for _, blockType := range self.settings.Types {
		allowed[blockType] = true
	}

	applied := 0
	for _, record := range records {
		if len(record.OriginClientId) == 16 && RequireIdFromBytes(record.OriginClientId) == self.clientId {
			// own record echoed back. the local baseline already
			// advanced from the locally-known post-edit state
			glog.V(2).Infof("[cs]%s suppressed echo %s\n", self.clientId, record)
			if self.lastSequence < record.Sequence {
				self.lastSequence = record.Sequence
			}
			continue
		}
		if len(allowed) > 0 && !allowed[record.BlockType] {
			glog.V(1).Infof("[cs]%s skipping unreplicated type %s\n", self.clientId, record.BlockType)
			continue
		}
		result, err := self.scheduler.Apply(record)
		if err != nil {
			glog.Infof("[cs]%s apply %s error = %s\n", self.clientId, record, err)
			continue
		}
		if result == ApplyResultApplied {
			applied += 1
		}
		if self.lastSequence < record.Sequence {
			self.lastSequence = record.Sequence
		}
	}
	if applied > 0 {
		// advance the relay-side resume point
		self.sendMessage(&protocol.Ack{Sequence: self.lastSequence})
	}
}

// sendMessage enqueues a frame on the live connection. called with
// stateLock held. returns false when disconnected or backed up.
func (self *Synchronizer) sendMessage(message protocol.Message) bool {
	if self.sendFrames == nil {
		return false
	}
	frameBytes, err := protocol.EncodeFrame(message)
	if err != nil {
		glog.Infof("[cs]%s encode error = %s\n", self.clientId, err)
		return false
	}
	select {
	case self.sendFrames <- frameBytes:
		return true
	default:
		glog.Infof("[cs]%s send queue full\n", self.clientId)
		return false
	}
}

func (self *Synchronizer) setState(state SyncState) {
	self.stateLock.Lock()
	changed := self.state != state
	self.state = state
	self.stateLock.Unlock()
	if changed {
		glog.V(1).Infof("[cs]%s -> %s\n", self.clientId, state)
		self.emit(SyncEvent{Kind: SyncEventStateChange, State: state})
	}
}

func (self *Synchronizer) emit(event SyncEvent) {
	select {
	case self.monitor <- event:
	default:
		// monitor not drained
	}
}

func (self *Synchronizer) handleAck(ack *protocol.Ack) {
	if len(ack.MessageId) != 16 {
		return
	}
	messageId := RequireIdFromBytes(ack.MessageId)

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	pending, ok := self.pending[messageId]
	if !ok {
		return
	}
	delete(self.pending, messageId)
	self.baseline = pending.snapshot
	for _, renameKey := range pending.renames {
		self.scheduler.AckLocalRename(renameKey.Type, renameKey.Name)
	}
	if self.lastSequence < ack.Sequence {
		self.lastSequence = ack.Sequence
	}
	// report the advanced resume point so the relay can trim its replay log
	self.sendMessage(&protocol.Ack{Sequence: self.lastSequence})
	glog.V(2).Infof("[cs]%s acked batch %s at %d\n", self.clientId, messageId, ack.Sequence)
}

// run owns the connection. reconnects with backoff until closed.
func (self *Synchronizer) run() {
	// note the monitor channel is left open, a late Sync may still emit
	defer self.setState(StateDisconnected)

	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		self.setState(StateConnecting)
		reconnect := NewReconnect(self.settings.ReconnectTimeout)

		c := func() {
			if err := self.connectAndPump(); err != nil {
				glog.Infof("[cs]%s connect error = %s\n", self.clientId, err)
				self.emit(SyncEvent{Kind: SyncEventWarning, Err: err})
			}
		}
		if glog.V(2) {
			Trace(fmt.Sprintf("[cs]connect run %s", self.clientId), c)
		} else {
			c()
		}
		self.setState(StateDisconnected)

		select {
		case <-self.ctx.Done():
			return
		case <-reconnect.After():
		}
	}
}

func (self *Synchronizer) connectAndPump() error {
	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.HelloTimeout,
	}
	dial := func() (*websocket.Conn, error) {
		conn, _, err := dialer.DialContext(self.ctx, self.settings.Url, nil)
		return conn, err
	}
	var conn *websocket.Conn
	var err error
	if glog.V(2) {
		conn, err = TraceWithReturnError(fmt.Sprintf("[cs]dial %s", self.clientId), dial)
	} else {
		conn, err = dial()
	}
	if err != nil {
		return err
	}
	defer conn.Close()

	authToken := ""
	if self.settings.AuthSecret != "" {
		authToken, err = SessionToken(self.settings.AuthSecret, self.clientId, self.settings.Room)
		if err != nil {
			return err
		}
	}

	self.stateLock.Lock()
	lastSequence := self.lastSequence
	self.stateLock.Unlock()

	helloBytes, err := protocol.EncodeFrame(&protocol.Hello{
		ClientId: self.clientId.Bytes(),
		Room: self.settings.Room,
		AuthToken: authToken,
		LastSequence: lastSequence,
	})
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(self.settings.HelloTimeout))
	if err := conn.WriteMessage(websocket.BinaryMessage, helloBytes); err != nil {
		return err
	}

	conn.SetReadDeadline(time.Now().Add(self.settings.HelloTimeout))
	messageType, messageBytes, err := conn.ReadMessage()
	if err != nil {
		return err
	}
	if messageType != websocket.BinaryMessage {
		return fmt.Errorf("unexpected hello result")
	}
	message, err := protocol.DecodeFrame(messageBytes)
	if err != nil {
		return err
	}
	helloResult, ok := message.(*protocol.HelloResult)
	if !ok {
		return fmt.Errorf("expected hello result, got %T", message)
	}
	if helloResult.Error != "" {
		return fmt.Errorf("relay rejected session: %s", helloResult.Error)
	}

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	sendFrames := make(chan []byte, self.settings.SendBufferSize)

	self.stateLock.Lock()
	self.sendFrames = sendFrames
	// rewind the diff base to the acked baseline. batches lost in
	// flight get re-detected and resent
	self.lastSent = self.baseline.Clone()
	self.pending = map[Id]*pendingBatch{}
	self.stateLock.Unlock()

	defer func() {
		self.stateLock.Lock()
		self.sendFrames = nil
		self.stateLock.Unlock()
	}()

	if helloResult.Resume {
		// the relay replays from our resume point, no snapshot coming
		self.setState(StateLive)
		glog.Infof("[cs]%s resumed at %d\n", self.clientId, lastSequence)
	} else {
		self.setState(StateSyncing)
	}

	// send pump
	go HandleError(func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			case frameBytes := <-sendFrames:
				conn.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := conn.WriteMessage(websocket.BinaryMessage, frameBytes); err != nil {
					glog.Infof("[cs.s]%s-> error = %s\n", self.clientId, err)
					return
				}
				glog.V(2).Infof("[cs.s]%s->\n", self.clientId)
			case <-time.After(self.settings.PingTimeout):
				conn.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := conn.WriteMessage(websocket.BinaryMessage, make([]byte, 0)); err != nil {
					return
				}
			}
		}
	})

	// receive pump
	for {
		select {
		case <-handleCtx.Done():
			return nil
		default:
		}

		conn.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, messageBytes, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		if len(messageBytes) == 0 {
			// ping
			continue
		}

		message, err := protocol.DecodeFrame(messageBytes)
		if err != nil {
			glog.Infof("[cs.r]%s<- decode error = %s\n", self.clientId, err)
			continue
		}
		switch v := message.(type) {
		case *protocol.FullSnapshot:
			self.stateLock.Lock()
			self.incoming = append(self.incoming, v)
			self.stateLock.Unlock()
			self.setState(StateLive)
			glog.V(2).Infof("[cs.r]%s<- snapshot of %d\n", self.clientId, len(v.Records))
		case *protocol.ChangeBatch:
			self.stateLock.Lock()
			self.incoming = append(self.incoming, v)
			self.stateLock.Unlock()
			glog.V(2).Infof("[cs.r]%s<- batch of %d\n", self.clientId, len(v.Records))
		case *protocol.Ack:
			self.handleAck(v)
		case *protocol.Disconnect:
			return fmt.Errorf("relay disconnected: %s", v.Reason)
		default:
			glog.V(2).Infof("[cs.r]%s<- unexpected %T\n", self.clientId, v)
		}
	}
}

// baselineMirror applies remote records the scheduler lands in the host
// into the synchronizer's snapshots too, so the next diff does not
// re-detect remote edits as local ones. called with stateLock held,
// since Apply only runs inside Sync.
type baselineMirror struct {
	synchronizer *Synchronizer
}

func (self *baselineMirror) targets() []*Snapshot {
	s := self.synchronizer
	targets := []*Snapshot{s.baseline, s.lastSent}
	for _, pending := range s.pending {
		targets = append(targets, pending.snapshot)
	}
	return targets
}

func (self *baselineMirror) CreateBlock(blockType string, name string, fields []protocol.Field) error {
	for _, target := range self.targets() {
		target.CreateBlock(blockType, name, fields)
	}
	return nil
}

func (self *baselineMirror) UpdateBlock(blockType string, name string, field string, value protocol.Value) error {
	for _, target := range self.targets() {
		target.UpdateBlock(blockType, name, field, value)
	}
	return nil
}

func (self *baselineMirror) DeleteBlock(blockType string, name string) error {
	for _, target := range self.targets() {
		target.DeleteBlock(blockType, name)
	}
	return nil
}

func (self *baselineMirror) RenameBlock(blockType string, oldName string, newName string) error {
	for _, target := range self.targets() {
		target.RenameBlock(blockType, oldName, newName)
	}
	return nil
}

func (self *baselineMirror) NullRefsTo(blockType string, name string) error {
	for _, target := range self.targets() {
		target.NullRefsTo(blockType, name)
	}
	return nil
}

// Reconnect spaces reconnect attempts by a fixed timeout measured from
// the start of the attempt.
type Reconnect struct {
	deadline time.Time
}

func NewReconnect(timeout time.Duration) *Reconnect {
	return &Reconnect{
		deadline: time.Now().Add(timeout),
	}
}

func (self *Reconnect) After() <-chan time.Time {
	return time.After(time.Until(self.deadline))
}
